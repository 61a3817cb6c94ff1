// Package app assembles the engine: campaign storage, the tool surface,
// the agent set, the orchestrator, the narration pipeline, and the party
// server, all driven by one configuration file.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/claudmaster/internal/agent"
	"github.com/MrWong99/claudmaster/internal/agent/arbiter"
	"github.com/MrWong99/claudmaster/internal/agent/archivist"
	"github.com/MrWong99/claudmaster/internal/agent/modulekeeper"
	"github.com/MrWong99/claudmaster/internal/agent/narrator"
	"github.com/MrWong99/claudmaster/internal/campaign"
	"github.com/MrWong99/claudmaster/internal/config"
	"github.com/MrWong99/claudmaster/internal/health"
	"github.com/MrWong99/claudmaster/internal/intent"
	"github.com/MrWong99/claudmaster/internal/observe"
	"github.com/MrWong99/claudmaster/internal/orchestrator"
	"github.com/MrWong99/claudmaster/internal/party"
	"github.com/MrWong99/claudmaster/internal/perm"
	"github.com/MrWong99/claudmaster/internal/prefetch"
	"github.com/MrWong99/claudmaster/internal/resilience"
	"github.com/MrWong99/claudmaster/internal/session"
	"github.com/MrWong99/claudmaster/internal/storage"
	"github.com/MrWong99/claudmaster/internal/tools"
	"github.com/MrWong99/claudmaster/internal/tts"
	"github.com/MrWong99/claudmaster/pkg/memory/postgres"
	"github.com/MrWong99/claudmaster/pkg/provider/embeddings"
	"github.com/MrWong99/claudmaster/pkg/provider/llm"
	ttsprov "github.com/MrWong99/claudmaster/pkg/provider/tts"
)

// Option configures an [App] before assembly.
type Option func(*App)

// WithMeterProvider supplies a meter provider and skips the OpenTelemetry
// SDK initialisation. Tests use a no-op provider; the default wires the
// Prometheus exporter behind /metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(a *App) { a.meterProvider = mp }
}

// Providers bundles the external capability implementations the app runs
// on. main constructs them from the config registry; tests pass mocks.
type Providers struct {
	// LLM is the narrator model. Required.
	LLM llm.Provider

	// PrefetchLLM is the cheaper model for speculative variants. Nil
	// reuses LLM.
	PrefetchLLM llm.Provider

	// Embeddings feeds the Module Keeper's semantic index. Nil disables
	// semantic retrieval.
	Embeddings embeddings.Provider

	// TTS maps engine ids from the config to synthesis engines. Empty
	// disables audio narration.
	TTS map[string]ttsprov.Provider
}

// App is the assembled engine. Construct with [New], start with [Run],
// stop with [Shutdown].
type App struct {
	cfg *config.Config
	log *slog.Logger

	store    *campaign.Store
	sessions *session.Store
	orch     *orchestrator.Orchestrator
	partySrv *party.Server
	registry *tools.Registry
	bridge   *tools.Bridge
	router   *tts.Router
	metrics  *observe.Metrics
	memory   *postgres.Store

	httpSrv       *http.Server
	meterProvider metric.MeterProvider
	otelShutdown  func(context.Context) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	wakes map[string]chan struct{}
}

// New assembles the engine from cfg and providers. The campaign root is
// created on demand; a missing or partial layout starts empty.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an LLM provider is required")
	}

	a := &App{
		cfg:   cfg,
		log:   slog.Default(),
		wakes: make(map[string]chan struct{}),
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(a)
	}

	if a.meterProvider == nil {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "claudmaster"})
		if err != nil {
			return nil, fmt.Errorf("app: init telemetry: %w", err)
		}
		a.otelShutdown = shutdown
		a.meterProvider = otel.GetMeterProvider()
	}
	var err error
	if a.metrics, err = observe.NewMetrics(a.meterProvider); err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}

	root := cfg.Storage.Dir()
	split, err := storage.NewSplit(root)
	if err != nil {
		return nil, fmt.Errorf("app: open storage: %w", err)
	}
	if a.store, err = campaign.Open(split); err != nil {
		return nil, fmt.Errorf("app: open campaign: %w", err)
	}

	var sessOpts []session.Option
	if cfg.Orchestrator.AutoSaveEveryN > 0 || cfg.Orchestrator.AutoSaveMaxAgeSec > 0 {
		sessOpts = append(sessOpts, session.WithAutoSave(
			cfg.Orchestrator.AutoSaveEveryN,
			time.Duration(cfg.Orchestrator.AutoSaveMaxAgeSec)*time.Second,
		))
	}
	a.sessions = session.NewStore(split, sessOpts...)

	resolver := perm.NewResolver()
	if err := a.initTools(ctx, root, resolver); err != nil {
		return nil, err
	}

	agents, err := a.buildAgents(ctx, providers)
	if err != nil {
		return nil, err
	}

	pfEngine := a.buildPrefetch(providers)

	partyOpts := []party.Option{
		party.WithLogger(a.log),
		party.WithMetrics(a.metrics),
		party.WithResolver(resolver),
		party.WithCharacterReader(a.store),
	}
	if cfg.Party.HeartbeatSec > 0 {
		partyOpts = append(partyOpts, party.WithHeartbeat(time.Duration(cfg.Party.HeartbeatSec)*time.Second))
	}
	if cfg.Party.SendBuffer > 0 {
		partyOpts = append(partyOpts, party.WithSendBuffer(cfg.Party.SendBuffer))
	}
	a.partySrv = party.NewServer(root, a, partyOpts...)

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(a.log),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithPublisher(a.partySrv),
		orchestrator.WithSingleActive(cfg.Orchestrator.SingleActiveEnforced()),
		orchestrator.WithClassifier(intent.New(
			intent.WithWeights(cfg.Classifier.PhraseWeight, cfg.Classifier.WordWeight, cfg.Classifier.StemWeight),
			intent.WithScoreGap(scoreGap(cfg.Classifier.ScoreGap)),
		)),
	}
	if cfg.Orchestrator.TurnBudgetMs > 0 {
		orchOpts = append(orchOpts, orchestrator.WithTurnBudget(time.Duration(cfg.Orchestrator.TurnBudgetMs)*time.Millisecond))
	}
	if pfEngine != nil {
		orchOpts = append(orchOpts, orchestrator.WithPrefetch(pfEngine))
	}
	a.orch = orchestrator.New(a.store, a.sessions, agents, orchOpts...)

	a.router = a.buildRouter(providers)

	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.buildMux(root),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// scoreGap keeps the classifier default when the config leaves it zero.
func scoreGap(configured int) int {
	if configured > 0 {
		return configured
	}
	return 1
}

// initTools builds the permission-gated tool registry: builtin dice, the
// rulebook lookups, the campaign record tools, and any configured external
// MCP servers.
func (a *App) initTools(ctx context.Context, root string, resolver *perm.Resolver) error {
	a.registry = tools.NewRegistry(resolver,
		tools.WithLogger(a.log),
		tools.WithMetrics(a.metrics),
	)
	if err := a.registry.RegisterAll(tools.DiceTools()); err != nil {
		return fmt.Errorf("app: register dice tools: %w", err)
	}
	rb, err := tools.LoadRulebooks(root)
	if err != nil {
		return fmt.Errorf("app: load rulebooks: %w", err)
	}
	if err := a.registry.RegisterAll(tools.RulesTools(rb)); err != nil {
		return fmt.Errorf("app: register rules tools: %w", err)
	}
	if err := a.registry.RegisterAll(tools.CampaignTools(a.store)); err != nil {
		return fmt.Errorf("app: register campaign tools: %w", err)
	}

	if len(a.cfg.MCP.Servers) == 0 {
		return nil
	}
	a.bridge = tools.NewBridge(a.registry, tools.WithBridgeLogger(a.log))
	for _, srv := range a.cfg.MCP.Servers {
		if err := a.bridge.RegisterServer(ctx, srv.ServerConfig()); err != nil {
			// An unreachable tool server degrades gracefully instead of
			// preventing startup.
			a.log.Warn("mcp server unavailable", "server", srv.Name, "error", err)
		}
	}
	return nil
}

// buildAgents wires the agent set over the tool surface and the providers.
func (a *App) buildAgents(ctx context.Context, providers *Providers) ([]agent.Agent, error) {
	narratorLLM := providers.LLM
	if providers.PrefetchLLM != nil {
		fb := resilience.NewLLMFallback(providers.LLM, "primary", resilience.FallbackConfig{})
		fb.AddFallback("prefetch", providers.PrefetchLLM)
		narratorLLM = fb
	}

	nar, err := narrator.New(narratorLLM, narrator.WithLogger(a.log))
	if err != nil {
		return nil, fmt.Errorf("app: build narrator: %w", err)
	}
	arb, err := arbiter.New(
		registryRoller{reg: a.registry},
		arbiter.WithRules(registryRules{reg: a.registry}),
	)
	if err != nil {
		return nil, fmt.Errorf("app: build arbiter: %w", err)
	}
	agents := []agent.Agent{nar, arb, archivist.New()}

	if a.cfg.Memory.PostgresDSN != "" && providers.Embeddings != nil {
		dims := a.cfg.Memory.EmbeddingDimensions
		if dims <= 0 {
			dims = 1536
		}
		pg, err := postgres.NewStore(ctx, a.cfg.Memory.PostgresDSN, dims)
		if err != nil {
			return nil, fmt.Errorf("app: connect memory store: %w", err)
		}
		a.memory = pg

		moduleID := a.store.Campaign().ID
		if moduleID == "" {
			moduleID = "default"
		}
		keeper, err := modulekeeper.New(pg.L2(), providers.Embeddings, moduleID)
		if err != nil {
			return nil, fmt.Errorf("app: build module keeper: %w", err)
		}
		agents = append(agents, keeper)
	}
	return agents, nil
}

// buildPrefetch returns the speculative narration engine, or nil when the
// configured mode is off.
func (a *App) buildPrefetch(providers *Providers) *prefetch.Engine {
	mode := prefetch.Mode(a.cfg.Prefetch.Mode)
	if a.cfg.Prefetch.Mode == "" {
		mode = prefetch.ModeConservative
	}
	if mode == prefetch.ModeOff {
		return nil
	}
	provider := providers.PrefetchLLM
	if provider == nil {
		provider = providers.LLM
	}
	opts := []prefetch.Option{
		prefetch.WithLogger(a.log),
		prefetch.WithMetrics(a.metrics),
		prefetch.WithMode(mode),
	}
	if a.cfg.Prefetch.TTLSec > 0 {
		opts = append(opts, prefetch.WithTTL(time.Duration(a.cfg.Prefetch.TTLSec)*time.Second))
	}
	return prefetch.New(provider, opts...)
}

// buildRouter binds the configured synthesis engines to the narration
// tiers. Engines on the speed and quality tiers fail over to the fallback
// tier's engine through a circuit breaker before the router's own cascade
// runs.
func (a *App) buildRouter(providers *Providers) *tts.Router {
	if len(providers.TTS) == 0 {
		return nil
	}

	voices := tts.NewRegistry(voiceProfile(a.cfg.TTS.DMVoice))
	for _, vc := range a.cfg.TTS.Voices {
		profile := voiceProfile(vc)
		switch {
		case vc.Speaker != "":
			voices.SetSpeaker(vc.Speaker, profile)
		case vc.Archetype != "":
			voices.SetArchetype(vc.Archetype, profile)
		case vc.Gender != "":
			voices.SetGender(vc.Gender, profile)
		case vc.Race != "":
			voices.SetRace(vc.Race, profile)
		}
	}

	router := tts.NewRouter(voices, tts.WithLogger(a.log), tts.WithMetrics(a.metrics))

	fallbackID := a.cfg.TTS.Tiers.Fallback
	fallbackEngine := providers.TTS[fallbackID]
	bind := func(tier tts.Tier, id string) {
		engine, ok := providers.TTS[id]
		if !ok || engine == nil {
			return
		}
		if tier != tts.TierFallback && fallbackEngine != nil && id != fallbackID {
			fb := resilience.NewTTSFallback(engine, id, resilience.FallbackConfig{})
			fb.AddFallback(fallbackID, fallbackEngine)
			engine = fb
		}
		if err := router.Bind(tier, id, engine); err != nil {
			a.log.Warn("tts tier not bound", "tier", tier, "engine", id, "error", err)
		}
	}
	bind(tts.TierSpeed, a.cfg.TTS.Tiers.Speed)
	bind(tts.TierQuality, a.cfg.TTS.Tiers.Quality)
	bind(tts.TierFallback, fallbackID)
	return router
}

// voiceProfile converts a config voice block to the provider form.
func voiceProfile(vc config.VoiceConfig) ttsprov.VoiceProfile {
	return ttsprov.VoiceProfile{
		ID:          vc.VoiceID,
		Provider:    vc.Provider,
		PitchShift:  vc.PitchShift,
		SpeedFactor: vc.SpeedFactor,
	}
}

// buildMux assembles the HTTP surface: the party endpoints, the session
// admin endpoints, health probes, and the metrics scrape endpoint.
func (a *App) buildMux(root string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", a.partySrv.Handler())
	a.registerAdmin(mux)

	h := health.New(
		health.StorageChecker(root),
		health.QueueChecker(root),
	)
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(a.metrics)(mux)
}

// Run serves HTTP until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tlsCfg := a.cfg.Server.TLS; tlsCfg != nil {
			err = a.httpSrv.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
		} else {
			err = a.httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	a.log.Info("claudmaster serving", "addr", a.cfg.Server.ListenAddr)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown stops the turn pumps, the HTTP server, and every attached
// resource, flushing campaign state last.
func (a *App) Shutdown(ctx context.Context) error {
	a.cancel()
	a.wg.Wait()

	var errs []error
	if err := a.httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("app: stop http: %w", err))
	}
	if err := a.partySrv.Close(); err != nil {
		errs = append(errs, fmt.Errorf("app: close party: %w", err))
	}
	if a.bridge != nil {
		if err := a.bridge.Close(); err != nil {
			errs = append(errs, fmt.Errorf("app: close mcp bridge: %w", err))
		}
	}
	if a.memory != nil {
		a.memory.Close()
	}
	if err := a.store.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("app: flush campaign: %w", err))
	}
	if a.otelShutdown != nil {
		if err := a.otelShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: stop telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Orchestrator exposes the engine for tests and embedders.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Handler exposes the full HTTP surface for tests and embedders.
func (a *App) Handler() http.Handler { return a.httpSrv.Handler }

// Party exposes the party server for tests and embedders.
func (a *App) Party() *party.Server { return a.partySrv }

// Tools exposes the tool registry for tests and embedders.
func (a *App) Tools() *tools.Registry { return a.registry }
