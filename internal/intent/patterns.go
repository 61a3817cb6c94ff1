package intent

// defaultPatterns is the built-in pattern table. Multi-word phrases carry
// more weight than single tokens, so "cast a spell at" out-votes the lone
// "cast" appearing in a social context.
func defaultPatterns() []Pattern {
	return []Pattern{
		// ── combat ────────────────────────────────────────────────────────────
		{Phrase: "i attack", Type: TypeCombat},
		{Phrase: "attack the", Type: TypeCombat},
		{Phrase: "cast at", Type: TypeCombat},
		{Phrase: "i swing", Type: TypeCombat},
		{Phrase: "roll initiative", Type: TypeCombat},
		{Phrase: "draw my sword", Type: TypeCombat},
		{Phrase: "i shoot", Type: TypeCombat},
		{Phrase: "attack", Type: TypeCombat},
		{Phrase: "strike", Type: TypeCombat},
		{Phrase: "stab", Type: TypeCombat},
		{Phrase: "shoot", Type: TypeCombat},
		{Phrase: "fight", Type: TypeCombat},
		{Phrase: "charge", Type: TypeCombat},
		{Phrase: "initiative", Type: TypeCombat},
		{Phrase: "smite", Type: TypeCombat},

		// ── question ──────────────────────────────────────────────────────────
		{Phrase: "what do i know about", Type: TypeQuestion},
		{Phrase: "do i remember", Type: TypeQuestion},
		{Phrase: "can i see", Type: TypeQuestion},
		{Phrase: "what is", Type: TypeQuestion},
		{Phrase: "who is", Type: TypeQuestion},
		{Phrase: "where is", Type: TypeQuestion},
		{Phrase: "how many", Type: TypeQuestion},
		{Phrase: "what", Type: TypeQuestion},
		{Phrase: "who", Type: TypeQuestion},
		{Phrase: "where", Type: TypeQuestion},
		{Phrase: "when", Type: TypeQuestion},
		{Phrase: "why", Type: TypeQuestion},
		{Phrase: "how", Type: TypeQuestion},

		// ── exploration ───────────────────────────────────────────────────────
		{Phrase: "i search the", Type: TypeExploration},
		{Phrase: "look around", Type: TypeExploration},
		{Phrase: "i investigate", Type: TypeExploration},
		{Phrase: "i open the", Type: TypeExploration},
		{Phrase: "check for traps", Type: TypeExploration},
		{Phrase: "search", Type: TypeExploration},
		{Phrase: "explore", Type: TypeExploration},
		{Phrase: "investigate", Type: TypeExploration},
		{Phrase: "examine", Type: TypeExploration},
		{Phrase: "inspect", Type: TypeExploration},
		{Phrase: "listen", Type: TypeExploration},

		// ── roleplay ──────────────────────────────────────────────────────────
		{Phrase: "i say to", Type: TypeRoleplay},
		{Phrase: "i tell him", Type: TypeRoleplay},
		{Phrase: "i tell her", Type: TypeRoleplay},
		{Phrase: "in character", Type: TypeRoleplay},
		{Phrase: "i whisper", Type: TypeRoleplay},
		{Phrase: "say", Type: TypeRoleplay},
		{Phrase: "tell", Type: TypeRoleplay},
		{Phrase: "reply", Type: TypeRoleplay},
		{Phrase: "respond", Type: TypeRoleplay},

		// ── social ────────────────────────────────────────────────────────────
		{Phrase: "i persuade", Type: TypeSocial},
		{Phrase: "i intimidate", Type: TypeSocial},
		{Phrase: "try to convince", Type: TypeSocial},
		{Phrase: "i haggle", Type: TypeSocial},
		{Phrase: "persuade", Type: TypeSocial},
		{Phrase: "convince", Type: TypeSocial},
		{Phrase: "intimidate", Type: TypeSocial},
		{Phrase: "deceive", Type: TypeSocial},
		{Phrase: "bribe", Type: TypeSocial},
		{Phrase: "negotiate", Type: TypeSocial},

		// ── system ────────────────────────────────────────────────────────────
		{Phrase: "save the game", Type: TypeSystem},
		{Phrase: "pause the session", Type: TypeSystem},
		{Phrase: "end the session", Type: TypeSystem},
		{Phrase: "character sheet", Type: TypeSystem},
		{Phrase: "save", Type: TypeSystem},
		{Phrase: "pause", Type: TypeSystem},
		{Phrase: "resume", Type: TypeSystem},
		{Phrase: "undo", Type: TypeSystem},

		// ── action (generic physical verbs) ───────────────────────────────────
		{Phrase: "i climb", Type: TypeAction},
		{Phrase: "i jump", Type: TypeAction},
		{Phrase: "i grab", Type: TypeAction},
		{Phrase: "climb", Type: TypeAction},
		{Phrase: "jump", Type: TypeAction},
		{Phrase: "run", Type: TypeAction},
		{Phrase: "walk", Type: TypeAction},
		{Phrase: "push", Type: TypeAction},
		{Phrase: "pull", Type: TypeAction},
		{Phrase: "grab", Type: TypeAction},
		{Phrase: "throw", Type: TypeAction},
	}
}
