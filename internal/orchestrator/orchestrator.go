// Package orchestrator drives the game loop: it classifies a player's
// action, routes it to the cooperating agents, aggregates their output
// under the priority and layering policy, gates the result on world
// consistency, persists the turn, and hands the filtered response to the
// party relay.
//
// One orchestrator instance serves one campaign root. Each session is a
// cooperative actor: actions queue per session in FIFO order and exactly
// one turn is processed at a time per session.
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/claudmaster/internal/agent"
	"github.com/MrWong99/claudmaster/internal/agent/runtime"
	"github.com/MrWong99/claudmaster/internal/campaign"
	"github.com/MrWong99/claudmaster/internal/intent"
	"github.com/MrWong99/claudmaster/internal/observe"
	"github.com/MrWong99/claudmaster/internal/prefetch"
	"github.com/MrWong99/claudmaster/internal/session"
	"github.com/MrWong99/claudmaster/internal/visibility"
	"github.com/MrWong99/claudmaster/internal/world/consistency"
	"github.com/MrWong99/claudmaster/internal/world/fact"
	"github.com/MrWong99/claudmaster/internal/world/knowledge"
	"github.com/MrWong99/claudmaster/internal/world/timeline"
)

// DefaultTurnBudget caps one turn end to end. Agents still running when it
// expires are recorded as degraded and aggregation proceeds with whatever
// has arrived.
const DefaultTurnBudget = 30 * time.Second

// Publisher receives the filtered turn payload when party mode is active.
type Publisher interface {
	Publish(ctx context.Context, sessionID, actionID string, payload visibility.Payload) error
}

// SessionConfig is the per-session configuration passed to StartSession.
type SessionConfig struct {
	session.Config

	// Agents restricts the registered agent set; empty registers every
	// agent the orchestrator was constructed with.
	Agents []string

	// Routing overrides the default routing table for this session.
	Routing Routing

	// Participants seeds the participant list.
	Participants []string
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithMetrics installs the metrics instruments. Defaults to none.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithPublisher wires the party relay. Without one, responses are only
// returned to the ProcessNext caller.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithTurnBudget overrides [DefaultTurnBudget].
func WithTurnBudget(d time.Duration) Option {
	return func(o *Orchestrator) { o.turnBudget = d }
}

// WithSingleActive controls whether the campaign accepts more than one
// active session at a time. Default: enforced.
func WithSingleActive(enforce bool) Option {
	return func(o *Orchestrator) { o.singleActive = enforce }
}

// WithRouting replaces the default routing table.
func WithRouting(r Routing) Option {
	return func(o *Orchestrator) { o.routing = r }
}

// WithChecker replaces the default consistency rule set.
func WithChecker(c *consistency.Checker) Option {
	return func(o *Orchestrator) { o.checker = c }
}

// WithClassifier replaces the default intent classifier.
func WithClassifier(c *intent.Classifier) Option {
	return func(o *Orchestrator) { o.classifier = c }
}

// WithPrefetch installs the speculative narration engine. Combat turns
// resolve primed variants into narrator prompt context, and each resolved
// turn re-primes the next likely resolution.
func WithPrefetch(e *prefetch.Engine) Option {
	return func(o *Orchestrator) { o.prefetch = e }
}

// pendingAction is one queued submission awaiting ProcessNext.
type pendingAction struct {
	id          string
	actorID     string
	text        string
	source      string
	submittedAt time.Time
}

// liveSession is the in-memory actor owning one session's mutable state.
type liveSession struct {
	mu sync.Mutex

	sess    *session.Session
	facts   *fact.Store
	tl      *timeline.Timeline
	know    *knowledge.Tracker
	rt      *runtime.Runtime
	routing Routing

	// registered names the agents in this session's runtime.
	registered map[string]bool

	queue []pendingAction

	// ctx is cancelled by pause or end; in-flight turns abort through it.
	ctx    context.Context
	cancel context.CancelFunc

	// warning is a pending recovery warning surfaced on the next response.
	warning *session.RecoveryWarning
}

func (ls *liveSession) world() session.World {
	return session.World{
		Facts:     ls.facts.Snapshot(),
		Knowledge: ls.know.Snapshot(),
		Timeline:  ls.tl.Snapshot(),
	}
}

// Orchestrator is the engine for one campaign root. Construct with [New];
// safe for concurrent use.
type Orchestrator struct {
	log        *slog.Logger
	metrics    *observe.Metrics
	classifier *intent.Classifier
	checker    *consistency.Checker
	store      *campaign.Store
	sessions   *session.Store
	agents     []agent.Agent
	publisher  Publisher
	prefetch   *prefetch.Engine

	singleActive bool
	turnBudget   time.Duration
	routing      Routing

	mu   sync.RWMutex
	live map[string]*liveSession
}

// New creates an orchestrator over one campaign store. agents is the full
// agent set available to sessions.
func New(store *campaign.Store, sessions *session.Store, agents []agent.Agent, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		log:          slog.Default(),
		classifier:   intent.New(),
		checker:      consistency.New(consistency.DefaultRules()...),
		store:        store,
		sessions:     sessions,
		agents:       agents,
		singleActive: true,
		turnBudget:   DefaultTurnBudget,
		routing:      DefaultRouting(),
		live:         make(map[string]*liveSession),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartSession creates and activates a fresh session for the campaign.
// Returns [ErrSessionConflict] when single-active is enforced and another
// active session exists.
func (o *Orchestrator) StartSession(ctx context.Context, campaignID string, cfg SessionConfig) (string, error) {
	if info := o.store.Campaign(); info.ID != "" && campaignID != "" && info.ID != campaignID {
		return "", fmt.Errorf("%w: have %q, requested %q", ErrCampaignMismatch, info.ID, campaignID)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.singleActive {
		for id, ls := range o.live {
			if ls.sess.Status == session.StatusActive {
				return "", fmt.Errorf("%w: session %q is active", ErrSessionConflict, id)
			}
		}
	}

	id, err := newID("sess")
	if err != nil {
		return "", err
	}
	sess := &session.Session{
		ID:           id,
		CampaignID:   campaignID,
		Config:       cfg.Config,
		Participants: cfg.Participants,
	}

	ls, err := o.buildLive(sess, cfg)
	if err != nil {
		return "", err
	}
	// Seed the timeline so every turn event has an anchor.
	if _, err := ls.tl.Append("session-start:"+id, sess.Number, nil); err != nil {
		return "", err
	}
	if err := o.sessions.Create(sess, ls.world()); err != nil {
		return "", err
	}

	o.live[id] = ls
	if o.metrics != nil {
		o.metrics.ActiveSessions.Add(ctx, 1)
	}
	o.log.Info("session started", "session_id", id, "campaign_id", campaignID,
		"agents", sess.ActiveAgents)
	return id, nil
}

// ResumeSession restores a persisted session into the live set, rebuilding
// the agent registry and re-applying the last snapshot. A detected partial
// snapshot rolls back to the previous good one; the resulting warning is
// surfaced on the next response.
func (o *Orchestrator) ResumeSession(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.live[sessionID]; ok {
		return fmt.Errorf("orchestrator: session %q already live", sessionID)
	}

	sess, world, warning, err := o.sessions.Load(sessionID)
	if err != nil {
		return err
	}
	if sess.Status == session.StatusEnded {
		return fmt.Errorf("orchestrator: resume %q: %w", sessionID, session.ErrEnded)
	}
	if o.singleActive {
		for id, ls := range o.live {
			if ls.sess.Status == session.StatusActive {
				return fmt.Errorf("%w: session %q is active", ErrSessionConflict, id)
			}
		}
	}

	ls, err := o.buildLive(sess, SessionConfig{Agents: sess.ActiveAgents})
	if err != nil {
		return err
	}
	if err := ls.facts.Restore(world.Facts); err != nil {
		return fmt.Errorf("orchestrator: resume %q: restore facts: %w", sessionID, err)
	}
	ls.know.Restore(world.Knowledge)
	if err := ls.tl.Restore(world.Timeline); err != nil {
		return fmt.Errorf("orchestrator: resume %q: restore timeline: %w", sessionID, err)
	}
	ls.warning = warning

	if err := o.sessions.Resume(sess, ls.world()); err != nil {
		return err
	}
	o.live[sessionID] = ls
	if o.metrics != nil {
		o.metrics.ActiveSessions.Add(ctx, 1)
	}
	o.log.Info("session resumed", "session_id", sessionID, "recovered", warning != nil)
	return nil
}

// SubmitAction enqueues one player action and returns its id immediately.
// Actions queue per session in FIFO order; [ProcessNext] drains them one at
// a time.
func (o *Orchestrator) SubmitAction(sessionID, actorID, text, source string) (string, error) {
	ls, err := o.liveSession(sessionID)
	if err != nil {
		return "", err
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if err := ls.ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	if err := ls.sess.AcceptsActions(); err != nil {
		return "", err
	}

	id, err := newID("act")
	if err != nil {
		return "", err
	}
	ls.queue = append(ls.queue, pendingAction{
		id:          id,
		actorID:     actorID,
		text:        text,
		source:      source,
		submittedAt: time.Now().UTC(),
	})
	if o.metrics != nil {
		o.metrics.QueueDepth.Add(context.Background(), 1)
	}
	return id, nil
}

// QueueLen returns the number of actions waiting in the session's queue.
func (o *Orchestrator) QueueLen(sessionID string) (int, error) {
	ls, err := o.liveSession(sessionID)
	if err != nil {
		return 0, err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue), nil
}

// ProcessNext synchronously drains one queued action through the full
// pipeline and returns the turn result. Returns [ErrQueueEmpty] when
// nothing is queued.
func (o *Orchestrator) ProcessNext(ctx context.Context, sessionID string) (*TurnResult, error) {
	ls, err := o.liveSession(sessionID)
	if err != nil {
		return nil, err
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	if err := ls.ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	if err := ls.sess.AcceptsActions(); err != nil {
		return nil, err
	}
	if len(ls.queue) == 0 {
		return nil, ErrQueueEmpty
	}
	act := ls.queue[0]
	ls.queue = ls.queue[1:]
	if o.metrics != nil {
		o.metrics.QueueDepth.Add(ctx, -1)
	}

	return o.processTurn(ctx, ls, act)
}

// EndSession pauses or ends the session with a final snapshot. All
// in-flight turns for the session are cancelled.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID, mode, summary string) error {
	ls, err := o.liveSession(sessionID)
	if err != nil {
		return err
	}
	ls.cancel()

	ls.mu.Lock()
	defer ls.mu.Unlock()

	switch mode {
	case "pause":
		if err := o.sessions.Pause(ls.sess, ls.world()); err != nil {
			return err
		}
	case "end", "":
		if err := o.sessions.End(ls.sess, summary, ls.world()); err != nil {
			return err
		}
		o.mu.Lock()
		delete(o.live, sessionID)
		o.mu.Unlock()
	default:
		return fmt.Errorf("orchestrator: unknown end mode %q", mode)
	}

	if o.metrics != nil {
		o.metrics.ActiveSessions.Add(ctx, -1)
	}
	o.log.Info("session closed", "session_id", sessionID, "mode", mode)
	return nil
}

// Recover retries persistence for a degraded session.
func (o *Orchestrator) Recover(sessionID string) error {
	ls, err := o.liveSession(sessionID)
	if err != nil {
		return err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return o.sessions.Recover(ls.sess, ls.world())
}

// Session returns a copy of the live session record.
func (o *Orchestrator) Session(sessionID string) (session.Session, error) {
	ls, err := o.liveSession(sessionID)
	if err != nil {
		return session.Session{}, err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return *ls.sess, nil
}

// FactView returns the session's fact store for read-only use by tool
// surfaces and the prefetch observer.
func (o *Orchestrator) FactView(sessionID string) (*fact.Store, error) {
	ls, err := o.liveSession(sessionID)
	if err != nil {
		return nil, err
	}
	return ls.facts, nil
}

// KnowledgeView returns the session's knowledge tracker for read-only use
// by tool surfaces.
func (o *Orchestrator) KnowledgeView(sessionID string) (*knowledge.Tracker, error) {
	ls, err := o.liveSession(sessionID)
	if err != nil {
		return nil, err
	}
	return ls.know, nil
}

// SupersedeFact replaces an established fact with a correction. Every
// knowledge record pointing at the old fact is invalidated: holders do not
// automatically know the corrected version. This is the only sanctioned way
// to retract a fact mid-session.
func (o *Orchestrator) SupersedeFact(sessionID, oldID string, replacement fact.Fact) (fact.Fact, error) {
	ls, err := o.liveSession(sessionID)
	if err != nil {
		return fact.Fact{}, err
	}
	stored, err := ls.facts.Supersede(oldID, replacement)
	if err != nil {
		return fact.Fact{}, err
	}
	ls.know.InvalidateFact(oldID)
	o.log.Info("fact superseded",
		"session_id", sessionID, "old_fact_id", oldID, "new_fact_id", stored.ID)
	return stored, nil
}

func (o *Orchestrator) liveSession(sessionID string) (*liveSession, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ls, ok := o.live[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSession, sessionID)
	}
	return ls, nil
}

// buildLive constructs the per-session stores and agent runtime.
func (o *Orchestrator) buildLive(sess *session.Session, cfg SessionConfig) (*liveSession, error) {
	facts := fact.NewStore()
	ls := &liveSession{
		sess:       sess,
		facts:      facts,
		tl:         timeline.New(),
		know:       knowledge.NewTracker(facts),
		routing:    o.routing,
		registered: make(map[string]bool),
	}
	if cfg.Routing != nil {
		ls.routing = cfg.Routing
	}
	ls.ctx, ls.cancel = context.WithCancel(context.Background())

	var rtOpts []runtime.Option
	rtOpts = append(rtOpts, runtime.WithLogger(o.log))
	if o.metrics != nil {
		m := o.metrics
		rtOpts = append(rtOpts, runtime.WithObserver(func(name string, outcome agent.Outcome, latency time.Duration) {
			m.RecordAgent(context.Background(), name, string(outcome), latency.Seconds())
		}))
	}
	if o.prefetch != nil {
		rtOpts = append(rtOpts, runtime.WithStageHook(o.resolveDraft))
	}
	ls.rt = runtime.New(rtOpts...)

	wanted := make(map[string]bool, len(cfg.Agents))
	for _, name := range cfg.Agents {
		wanted[name] = true
	}
	sess.ActiveAgents = sess.ActiveAgents[:0]
	for _, a := range o.agents {
		name := a.Spec().Name
		if len(wanted) > 0 && !wanted[name] {
			continue
		}
		if err := ls.rt.Register(a); err != nil {
			return nil, err
		}
		ls.registered[name] = true
		sess.ActiveAgents = append(sess.ActiveAgents, name)
	}
	return ls, nil
}

// newID returns a prefixed 8-byte random hex identifier.
func newID(prefix string) (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("orchestrator: generate id: %w", err)
	}
	return prefix + "-" + hex.EncodeToString(buf[:]), nil
}
