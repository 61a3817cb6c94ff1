package app

import (
	"context"
	"errors"

	"github.com/MrWong99/claudmaster/internal/intent"
	"github.com/MrWong99/claudmaster/internal/orchestrator"
	"github.com/MrWong99/claudmaster/internal/party"
	"github.com/MrWong99/claudmaster/internal/tts"
)

// SubmitAction queues one accepted party action and wakes the session's
// turn pump. Implements the party server's action sink.
func (a *App) SubmitAction(sessionID, actorID, text, source string) (string, error) {
	id, err := a.orch.SubmitAction(sessionID, actorID, text, source)
	if err != nil {
		return "", err
	}
	a.wake(sessionID)
	return id, nil
}

// wake signals the session's pump goroutine, starting it on first use.
// The signal channel has capacity one: a pump drains the whole queue per
// wakeup, so coalesced signals are never lost work.
func (a *App) wake(sessionID string) {
	a.mu.Lock()
	ch, ok := a.wakes[sessionID]
	if !ok {
		ch = make(chan struct{}, 1)
		a.wakes[sessionID] = ch
		a.wg.Add(1)
		go a.pump(sessionID, ch)
	}
	a.mu.Unlock()

	select {
	case ch <- struct{}{}:
	default:
	}
}

// pump is the per-session turn driver: it drains queued actions strictly
// in submission order and hands each resolved narrative to the audio
// pipeline. One pump per session keeps turn processing serial.
func (a *App) pump(sessionID string, ch chan struct{}) {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ch:
		}

		for {
			res, err := a.orch.ProcessNext(a.ctx, sessionID)
			if err != nil {
				if !errors.Is(err, orchestrator.ErrQueueEmpty) {
					a.log.Warn("turn processing failed",
						"session_id", sessionID, "error", err)
				}
				break
			}
			a.narrate(a.ctx, res)
		}
	}
}

// narrate synthesizes the public narrative and broadcasts the audio to
// the party. Synthesis failures drop the audio only; the text response
// was already delivered by the orchestrator's publisher.
func (a *App) narrate(ctx context.Context, res *orchestrator.TurnResult) {
	if a.router == nil || res == nil || res.Narrative == "" {
		return
	}

	kind := tts.KindNarration
	switch res.Intent.Type {
	case intent.TypeCombat:
		kind = tts.KindCombat
	case intent.TypeSocial, intent.TypeRoleplay:
		kind = tts.KindDialogue
	}

	audio, err := a.router.Narrate(ctx, tts.Request{Text: res.Narrative, Kind: kind})
	if err != nil {
		a.log.Warn("narration synthesis failed",
			"action_id", res.ActionID, "error", err)
		return
	}

	chunks := tts.Split(res.ActionID, audio, a.cfg.TTS.ChunkBytes)
	out := make([]party.AudioChunk, len(chunks))
	for i, c := range chunks {
		out[i] = party.AudioChunk(c)
	}
	a.partySrv.PublishAudio(ctx, out)
}
