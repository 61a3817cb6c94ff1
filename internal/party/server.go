package party

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/claudmaster/internal/campaign"
	"github.com/MrWong99/claudmaster/internal/observe"
	"github.com/MrWong99/claudmaster/internal/party/queue"
	"github.com/MrWong99/claudmaster/internal/perm"
	"github.com/MrWong99/claudmaster/internal/visibility"
)

// partyDir is the queue directory under the campaign root.
const partyDir = "party"

// ActionSink receives accepted party actions. The orchestrator implements it.
type ActionSink interface {
	SubmitAction(sessionID, actorID, text, source string) (string, error)
}

// CharacterReader resolves character records for the fetch endpoint. The
// campaign store implements it.
type CharacterReader interface {
	Record(category, id string) (campaign.Record, error)
}

// publishedResponse is the response-log record; filtering happens at
// delivery, never before the log.
type publishedResponse struct {
	SessionID string             `json:"session_id"`
	ActionID  string             `json:"action_id,omitempty"`
	Payload   visibility.Payload `json:"payload"`
}

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics installs the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithResolver replaces the default permission matrix.
func WithResolver(r *perm.Resolver) Option {
	return func(s *Server) { s.resolver = r }
}

// WithCharacterReader wires the campaign store for the character fetch
// endpoint.
func WithCharacterReader(r CharacterReader) Option {
	return func(s *Server) { s.characters = r }
}

// WithHeartbeat overrides the 30s ping interval. A peer missing two
// consecutive intervals is disconnected.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) { s.pingInterval = d }
}

// WithSendBuffer overrides the per-participant outbound buffer size.
func WithSendBuffer(n int) Option {
	return func(s *Server) { s.sendBuffer = n }
}

// Server is the party relay for one campaign root. Safe for concurrent use.
type Server struct {
	log          *slog.Logger
	metrics      *observe.Metrics
	root         string
	sink         ActionSink
	resolver     *perm.Resolver
	characters   CharacterReader
	pingInterval time.Duration
	sendBuffer   int

	mu           sync.RWMutex
	sessionID    string
	participants map[string]*Participant // by participant id
	tokens       map[string]string       // token -> participant id
	conns        map[string]*conn        // participant id -> live connection
	cursors      map[string]int64        // participant id -> last acked seq
	combat       CombatState
	actions      *queue.Log
	responses    *queue.Log
}

// NewServer creates a detached server rooted at the campaign directory.
// Call [Server.Attach] before serving.
func NewServer(root string, sink ActionSink, opts ...Option) *Server {
	s := &Server{
		log:          slog.Default(),
		root:         root,
		sink:         sink,
		resolver:     perm.NewResolver(),
		pingInterval: 30 * time.Second,
		sendBuffer:   64,
		participants: make(map[string]*Participant),
		tokens:       make(map[string]string),
		conns:        make(map[string]*conn),
		cursors:      make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Attach wires the durable queues and rebuilds the token map for one
// session's participants. A player token defaults to the character id; the
// observer token is the fixed [ObserverToken].
func (s *Server) Attach(sessionID string, participants []Participant) error {
	dir := filepath.Join(s.root, partyDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("party: create queue dir: %w", err)
	}
	actions, err := queue.Open(filepath.Join(dir, "actions.jsonl"))
	if err != nil {
		return err
	}
	responses, err := queue.Open(filepath.Join(dir, "responses.jsonl"))
	if err != nil {
		actions.Close()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = sessionID
	s.actions = actions
	s.responses = responses
	s.participants = make(map[string]*Participant, len(participants))
	s.tokens = make(map[string]string, len(participants)+1)
	for i := range participants {
		p := participants[i]
		if p.Token == "" {
			switch p.Role {
			case perm.RoleObserver:
				p.Token = ObserverToken
			default:
				p.Token = p.CharacterID
			}
		}
		s.participants[p.ID] = &p
		s.tokens[p.Token] = p.ID
	}
	s.log.Info("party attached", "session_id", sessionID,
		"participants", len(participants), "replayable", responses.LastSeq())
	return nil
}

// Close disconnects every participant and closes the queues.
func (s *Server) Close() error {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	actions, responses := s.actions, s.responses
	s.actions, s.responses = nil, nil
	s.mu.Unlock()

	for _, c := range conns {
		c.close("server shutting down")
	}
	var err error
	if actions != nil {
		err = actions.Close()
	}
	if responses != nil {
		if cerr := responses.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Join resolves a token to its participant. Constant-time over the token
// map; unknown tokens fail without revealing which part was wrong.
func (s *Server) Join(token string) (Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sessionID == "" {
		return Participant{}, ErrNotAttached
	}
	id, ok := s.tokens[token]
	if !ok {
		return Participant{}, ErrUnknownToken
	}
	return *s.participants[id], nil
}

// SetCombat updates the turn-gating state and broadcasts it. Combat state
// frames are coalescible: a slow consumer only ever needs the newest one.
func (s *Server) SetCombat(ctx context.Context, cs CombatState) {
	s.mu.Lock()
	s.combat = cs
	conns := s.liveConns()
	s.mu.Unlock()

	msg := Message{Type: TypeCombatState, CombatActive: cs.Active, OnTurn: cs.OnTurn}
	for _, c := range conns {
		c.enqueue(msg)
	}
}

// Submit appends one action to the durable log and forwards it to the
// orchestrator. During combat, a player who is not on turn is rejected
// unless the encounter runs simultaneous turns; the rejected action is still
// logged.
func (s *Server) Submit(participantID, text, source string) (string, error) {
	s.mu.RLock()
	p, ok := s.participants[participantID]
	combat := s.combat
	actions := s.actions
	sessionID := s.sessionID
	s.mu.RUnlock()

	if actions == nil {
		return "", ErrNotAttached
	}
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownParticipant, participantID)
	}
	caller := perm.Caller{ParticipantID: p.ID, Role: p.Role}
	if err := s.resolver.Resolve(caller, perm.OpSubmitAction, ""); err != nil {
		return "", err
	}

	act := Action{
		ParticipantID: participantID,
		Text:          text,
		Source:        source,
		Status:        ActionQueued,
		SubmittedAt:   time.Now().UTC(),
	}

	gated := combat.Active && !combat.Simultaneous &&
		p.Role == perm.RolePlayer && combat.OnTurn != participantID
	if gated {
		act.ID = newID("act")
		act.Status = ActionRejected
		act.Reason = "not on turn"
		if _, err := actions.Append("action", act); err != nil {
			return "", err
		}
		s.notifyStatus(participantID, act.ID, string(ActionRejected), act.Reason)
		return act.ID, ErrNotOnTurn
	}

	actionID, err := s.sink.SubmitAction(sessionID, participantID, text, source)
	if err != nil {
		return "", err
	}
	act.ID = actionID
	if _, err := actions.Append("action", act); err != nil {
		return "", err
	}
	s.notifyStatus(participantID, actionID, string(ActionQueued), "")
	return actionID, nil
}

// Publish implements the orchestrator's delivery hook: the payload is
// appended to the durable response log and fanned out to every live
// connection, filtered per recipient at delivery time.
func (s *Server) Publish(ctx context.Context, sessionID, actionID string, payload visibility.Payload) error {
	s.mu.RLock()
	responses := s.responses
	conns := s.liveConns()
	s.mu.RUnlock()

	if responses == nil {
		return ErrNotAttached
	}
	entry, err := responses.Append("response", publishedResponse{
		SessionID: sessionID,
		ActionID:  actionID,
		Payload:   payload,
	})
	if err != nil {
		return err
	}

	for _, c := range conns {
		for _, msg := range projectMessages(entry.Seq, actionID, payload, c.recipient()) {
			c.enqueue(msg)
		}
	}
	return nil
}

// PublishAudio broadcasts synthesized audio chunks to every live
// connection. Audio is not replayed: a reconnecting client receives the
// narrative text instead.
func (s *Server) PublishAudio(ctx context.Context, chunks []AudioChunk) {
	s.mu.RLock()
	conns := s.liveConns()
	s.mu.RUnlock()

	for _, ch := range chunks {
		msg := Message{
			Type:        TypeAudio,
			StreamID:    ch.StreamID,
			Sequence:    ch.Sequence,
			TotalChunks: ch.TotalChunks,
			Format:      ch.Format,
			SampleRate:  ch.SampleRate,
			DurationMs:  ch.DurationMs,
			Data:        ch.Data,
		}
		for _, c := range conns {
			c.enqueue(msg)
		}
	}
}

// SendPrivate publishes a DM whisper to one participant through the regular
// response path, so it is durable and replayable like any turn output.
func (s *Server) SendPrivate(ctx context.Context, from perm.Caller, to, text string) error {
	if err := s.resolver.Resolve(from, perm.OpPrivateMessage, ""); err != nil {
		return err
	}
	s.mu.RLock()
	_, ok := s.participants[to]
	sessionID := s.sessionID
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownParticipant, to)
	}
	return s.Publish(ctx, sessionID, "", visibility.Payload{
		Private: map[string]string{to: text},
	})
}

// Replay returns the filtered projections of every logged response after
// the given cursor for one participant.
func (s *Server) Replay(participantID string, after int64) ([]Message, error) {
	s.mu.RLock()
	p, ok := s.participants[participantID]
	responses := s.responses
	s.mu.RUnlock()

	if responses == nil {
		return nil, ErrNotAttached
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownParticipant, participantID)
	}
	entries, err := responses.Replay(after)
	if err != nil {
		return nil, err
	}
	recipient := visibility.Recipient{ParticipantID: p.ID, Role: p.Role}
	var out []Message
	for _, e := range entries {
		var pr publishedResponse
		if err := json.Unmarshal(e.Data, &pr); err != nil {
			return nil, fmt.Errorf("party: decode response %d: %w", e.Seq, err)
		}
		out = append(out, projectMessages(e.Seq, pr.ActionID, pr.Payload, recipient)...)
	}
	return out, nil
}

// projectMessages filters one payload for a recipient and renders the
// non-empty views as wire frames sharing the log sequence.
func projectMessages(seq int64, actionID string, payload visibility.Payload, r visibility.Recipient) []Message {
	view := visibility.Filter(payload, r)
	var msgs []Message
	if text := joinNonEmpty(view.Public, view.Party); text != "" {
		msgs = append(msgs, Message{Type: TypeNarrative, Seq: seq, ActionID: actionID, Text: text})
	}
	if view.Private != "" {
		msgs = append(msgs, Message{Type: TypePrivate, Seq: seq, ActionID: actionID, Text: view.Private})
	}
	if view.DMOnly != "" {
		msgs = append(msgs, Message{Type: TypeSystem, Seq: seq, ActionID: actionID, Text: view.DMOnly})
	}
	return msgs
}

func joinNonEmpty(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n\n" + b
	}
}

// notifyStatus pushes an action_status frame to the submitting participant.
func (s *Server) notifyStatus(participantID, actionID, status, reason string) {
	s.mu.RLock()
	c := s.conns[participantID]
	s.mu.RUnlock()
	if c == nil {
		return
	}
	c.enqueue(Message{Type: TypeActionStatus, ActionID: actionID, Status: status, Text: reason})
}

// liveConns snapshots the live connections. Caller holds s.mu.
func (s *Server) liveConns() []*conn {
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// Handler returns the party HTTP surface:
//
//	POST /action           Bearer token, JSON {action, source?}
//	GET  /character/{id}   ?token=<t>
//	POST /private          Bearer token, DM only, JSON {to, text}
//	GET  /ws               ?token=<t>, upgrades to WebSocket
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /action", s.handleAction)
	mux.HandleFunc("GET /character/{id}", s.handleCharacter)
	mux.HandleFunc("POST /private", s.handlePrivate)
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

type actionRequest struct {
	Action string `json:"action"`
	Source string `json:"source,omitempty"`
}

type actionResponse struct {
	Success  bool   `json:"success"`
	ActionID string `json:"action_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authBearer(w, r)
	if !ok {
		return
	}
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Action) == "" {
		writeJSON(w, http.StatusBadRequest, actionResponse{Success: false, Error: "action is required"})
		return
	}
	source := req.Source
	if source == "" {
		source = "text"
	}
	actionID, err := s.Submit(p.ID, req.Action, source)
	if errors.Is(err, ErrNotOnTurn) {
		// The submission itself succeeded: the action is logged as rejected
		// and the participant learns the outcome from its action_status frame.
		writeJSON(w, http.StatusAccepted, actionResponse{Success: true, ActionID: actionID})
		return
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, perm.ErrDenied) {
			status = http.StatusForbidden
		}
		writeJSON(w, status, actionResponse{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, actionResponse{Success: true, ActionID: actionID})
}

func (s *Server) handleCharacter(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authToken(w, r)
	if !ok {
		return
	}
	if s.characters == nil {
		http.Error(w, "character store unavailable", http.StatusServiceUnavailable)
		return
	}
	id := r.PathValue("id")
	rec, err := s.characters.Record("characters", id)
	if err != nil {
		http.Error(w, "character not found", http.StatusNotFound)
		return
	}
	caller := perm.Caller{ParticipantID: p.ID, Role: p.Role}
	owner := rec.OwnerParticipantID()
	if err := s.resolver.Resolve(caller, perm.OpReadCharacter, owner); err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type privateRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

func (s *Server) handlePrivate(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authBearer(w, r)
	if !ok {
		return
	}
	var req privateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.To == "" || req.Text == "" {
		http.Error(w, "to and text are required", http.StatusBadRequest)
		return
	}
	caller := perm.Caller{ParticipantID: p.ID, Role: p.Role}
	if err := s.SendPrivate(r.Context(), caller, req.To, req.Text); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, perm.ErrDenied) {
			status = http.StatusForbidden
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authBearer authenticates via the Authorization header.
func (s *Server) authBearer(w http.ResponseWriter, r *http.Request) (Participant, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return Participant{}, false
	}
	return s.authorize(w, token)
}

// authToken authenticates via the token query parameter.
func (s *Server) authToken(w http.ResponseWriter, r *http.Request) (Participant, bool) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return Participant{}, false
	}
	return s.authorize(w, token)
}

func (s *Server) authorize(w http.ResponseWriter, token string) (Participant, bool) {
	p, err := s.Join(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return Participant{}, false
	}
	return p, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// newID returns a prefixed 8-byte random hex identifier.
func newID(prefix string) string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failure means the process is in no state to serve.
		panic("party: generate id: " + err.Error())
	}
	return prefix + "-" + hex.EncodeToString(buf[:])
}
