package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"

	"github.com/tillerhq/tiller/pkg/approval"
	"github.com/tillerhq/tiller/pkg/audit"
	"github.com/tillerhq/tiller/pkg/cartridge"
	"github.com/tillerhq/tiller/pkg/competence"
	"github.com/tillerhq/tiller/pkg/config"
	"github.com/tillerhq/tiller/pkg/credentials"
	"github.com/tillerhq/tiller/pkg/guardrail"
	"github.com/tillerhq/tiller/pkg/jobs"
	"github.com/tillerhq/tiller/pkg/lifecycle"
	"github.com/tillerhq/tiller/pkg/notify"
	"github.com/tillerhq/tiller/pkg/policy"
	"github.com/tillerhq/tiller/pkg/queue"
	"github.com/tillerhq/tiller/pkg/risk"
	"github.com/tillerhq/tiller/pkg/store"
	"github.com/tillerhq/tiller/pkg/telemetry"
)

// defaultOrganization scopes the built-in identity seed when no pack is
// configured. The baseline policy itself is unscoped.
const defaultOrganization = "default"

// liteLedgerPath is where lite mode keeps its SQLite audit ledger.
const liteLedgerPath = "data/tiller.db"

// broker is the fully wired pipeline plus the resources it owns.
type broker struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *store.CartridgeRegistry
	orch     *lifecycle.Orchestrator
	queue    *queue.Queue // nil in inline mode
	jobs     *jobs.Runner
	vault    *credentials.Vault // nil without a master key
	audits   *audit.Writer

	db    *sql.DB
	redis *redis.Client
	otel  *telemetry.OTEL
}

// buildBroker assembles every component from configuration. Nothing is
// started; the caller owns queue/jobs lifecycle and close.
func buildBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*broker, error) {
	b := &broker{cfg: cfg, logger: logger}

	var recorder telemetry.Recorder = telemetry.Nop{}
	if cfg.OTLPEndpoint != "" {
		ocfg := telemetry.DefaultOTELConfig()
		ocfg.OTLPEndpoint = cfg.OTLPEndpoint
		ocfg.Insecure = true
		o, err := telemetry.NewOTEL(ctx, ocfg)
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		b.otel = o
		recorder = o
	}

	ledger, jobStore, err := b.openStores(ctx)
	if err != nil {
		return nil, err
	}

	writer := audit.NewWriter(ledger,
		audit.WithRedactor(audit.ExtendedRedactor(cfg.RedactionPatterns)))
	b.audits = writer

	envelopes := store.NewMemoryEnvelopes()
	approvals := store.NewMemoryApprovals()
	identities := store.NewMemoryIdentities()
	delegations := store.NewMemoryDelegations()
	policies := store.NewMemoryPolicies()
	records := store.NewMemoryCompetence()
	b.registry = store.NewCartridgeRegistry()

	var rails guardrail.Store
	var cache lifecycle.Cache
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		b.redis = client
		rails = guardrail.NewRedisStoreFromClient(client)
		cache = lifecycle.NewRedisCache(client)
		logger.Info("redis connected", "guardrails", "redis", "idempotency", "redis")
	} else {
		rails = guardrail.NewMemoryStore()
		cache = lifecycle.NewMemoryCache()
	}

	provider := policy.NewCachingProvider(policies, policy.WithCacheTTL(cfg.PolicyCacheTTL))
	b.registry.OnChange(func(string) { provider.Invalidate() })

	engine, err := policy.NewEngine(rails, policy.WithLogger(logger.With("component", "policy")))
	if err != nil {
		return nil, fmt.Errorf("policy engine: %w", err)
	}

	seeds, err := b.loadSeeds()
	if err != nil {
		return nil, err
	}

	router := approval.NewRouter(approval.RoutingConfig{
		ExpiryStandard:   cfg.ApprovalExpiryStandard,
		ExpiryElevated:   cfg.ApprovalExpiryElevated,
		ExpiryMandatory:  cfg.ApprovalExpiryMandatory,
		DefaultApprovers: seeds.Approvers,
		FallbackApprover: seeds.Fallback,
	})
	machine := approval.NewMachine(approvals)

	compCfg := competence.DefaultConfig()
	compCfg.DecayPerDay = float64(cfg.CompetenceDecayPerDay)
	tracker := competence.NewTracker(records,
		competence.WithConfig(compCfg),
		competence.WithAuditWriter(writer),
		competence.WithLogger(logger.With("component", "competence")),
	)

	var notifier notify.Notifier = notify.NewLogNotifier(
		notify.WithLogNotifierLogger(logger.With("component", "notify")))
	if cfg.ActionTokenSecret != "" {
		issuer, err := notify.NewTokenIssuer([]byte(cfg.ActionTokenSecret))
		if err != nil {
			return nil, fmt.Errorf("action tokens: %w", err)
		}
		notifier = notify.NewTokenized(notifier, issuer)
	}

	if cfg.CredentialsMaster != "" {
		vault, err := credentials.NewVault([]byte(cfg.CredentialsMaster))
		if err != nil {
			return nil, fmt.Errorf("credentials vault: %w", err)
		}
		b.vault = vault
	}

	opts := []lifecycle.Option{
		lifecycle.WithConfig(lifecycle.Config{
			ExecutionMode:       lifecycle.Mode(cfg.ExecutionMode),
			DenyWhenNoApprovers: cfg.DenyWhenNoApprovers,
			MaxUndoDepth:        cfg.MaxUndoDepth,
			IdempotencyTTL:      cfg.IdempotencyWindow,
			MandatoryQuorum:     cfg.MandatoryQuorum,
		}),
		lifecycle.WithNotifier(notifier),
		lifecycle.WithIdempotencyCache(cache),
		lifecycle.WithRecorder(recorder),
		lifecycle.WithLogger(logger.With("component", "lifecycle")),
	}

	if cfg.ExecutionMode == "queue" {
		// The executor closure reads b.orch at call time; the queue does
		// not start until after the orchestrator is built.
		q := queue.New(jobStore, envelopes,
			queue.ExecutorFunc(func(ctx context.Context, envelopeID string) error {
				_, err := b.orch.ExecuteApproved(ctx, envelopeID)
				return err
			}),
			queue.WithConfig(queue.Config{
				Concurrency: cfg.QueueConcurrency,
				MaxAttempts: cfg.QueueMaxAttempts,
			}),
			queue.WithRecorder(recorder),
			queue.WithLogger(logger.With("component", "queue")),
		)
		b.queue = q
		opts = append(opts, lifecycle.WithQueue(q))
	}

	orch, err := lifecycle.New(lifecycle.Deps{
		Registry:    b.registry,
		Envelopes:   envelopes,
		Approvals:   approvals,
		Identities:  identities,
		Delegations: delegations,
		Policies:    provider,
		Engine:      engine,
		Scorer:      risk.NewScorer(risk.DefaultConfig()),
		Router:      router,
		Machine:     machine,
		Competence:  tracker,
		Audits:      writer,
		Tokens:      cartridge.NewTokenSet(),
		Guardrails:  rails,
	}, opts...)
	if err != nil {
		return nil, err
	}
	b.orch = orch

	b.jobs = jobs.New(approvals, orch, writer,
		jobs.WithRecorder(recorder),
		jobs.WithLogger(logger.With("component", "jobs")),
	)

	if err := b.applySeeds(ctx, seeds, policies, identities, delegations); err != nil {
		return nil, err
	}
	return b, nil
}

// openStores picks the audit ledger and job store backing. A configured
// DATABASE_URL gets Postgres for both; otherwise the broker runs in lite
// mode: a SQLite ledger on disk and in-memory jobs.
func (b *broker) openStores(ctx context.Context) (audit.Ledger, store.JobStore, error) {
	if b.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", b.cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		b.db = db
		ledger := audit.NewPostgresLedger(db)
		if err := ledger.Init(ctx); err != nil {
			return nil, nil, fmt.Errorf("init audit ledger: %w", err)
		}
		jobsStore := store.NewPostgresJobs(db)
		if err := jobsStore.Init(ctx); err != nil {
			return nil, nil, fmt.Errorf("init job store: %w", err)
		}
		b.logger.Info("postgres connected")
		return ledger, jobsStore, nil
	}

	if err := os.MkdirAll(filepath.Dir(liteLedgerPath), 0o750); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", liteLedgerPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	b.db = db
	ledger, err := audit.NewSQLiteLedger(db)
	if err != nil {
		return nil, nil, fmt.Errorf("init sqlite ledger: %w", err)
	}
	b.logger.Info("lite mode: sqlite audit ledger", "path", liteLedgerPath)
	return ledger, store.NewMemoryJobs(), nil
}

func (b *broker) loadSeeds() (*config.Seeds, error) {
	if b.cfg.SeedDir == "" {
		b.logger.Info("no seed dir configured, using the built-in governance baseline")
		return config.DefaultSeeds(defaultOrganization), nil
	}
	seeds, err := config.LoadSeedDir(b.cfg.SeedDir)
	if err != nil {
		return nil, fmt.Errorf("load seeds: %w", err)
	}
	return seeds, nil
}

func (b *broker) applySeeds(ctx context.Context, seeds *config.Seeds, policies store.PolicyStore, identities store.IdentityStore, delegations store.DelegationStore) error {
	for _, p := range seeds.Policies {
		if err := policies.Upsert(ctx, p); err != nil {
			return fmt.Errorf("seed policy %s: %w", p.ID, err)
		}
	}
	for _, spec := range seeds.Identities {
		if err := identities.PutSpec(ctx, spec); err != nil {
			return fmt.Errorf("seed identity %s: %w", spec.ID, err)
		}
	}
	for _, rule := range seeds.Delegations {
		if err := delegations.Put(ctx, rule); err != nil {
			return fmt.Errorf("seed delegation %s: %w", rule.ID, err)
		}
	}
	b.logger.Info("governance seeds applied",
		"policies", len(seeds.Policies),
		"identities", len(seeds.Identities),
		"delegations", len(seeds.Delegations),
	)
	return nil
}

// close releases owned resources; queue and jobs must already be stopped.
func (b *broker) close(ctx context.Context) {
	if b.otel != nil {
		if err := b.otel.Shutdown(ctx); err != nil {
			b.logger.Warn("telemetry shutdown", "error", err)
		}
	}
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.db != nil {
		_ = b.db.Close()
	}
}
