package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"docflow/internal/blob"
	"docflow/internal/config"
	"docflow/internal/dispatcher"
	"docflow/internal/extraction"
	"docflow/internal/lifecycle"
	"docflow/internal/logger"
	"docflow/internal/metrics"
	"docflow/internal/postprocess"
	"docflow/internal/queue"
	"docflow/internal/ratelimit"
	"docflow/internal/records"
	"docflow/internal/resilience"
	"docflow/internal/service"
	"docflow/internal/sheets"
	"docflow/internal/tracker"
)

// app is the wired pipeline shared by every command.
type app struct {
	cfg        *config.Config
	store      records.Store
	blobs      blob.Store
	extractor  extraction.Extractor
	metrics    *metrics.Metrics
	engine     *postprocess.Engine
	dispatcher *dispatcher.Dispatcher
	lifecycle  *lifecycle.Manager
	queue      *queue.Queue
	service    *service.Service
	log        zerolog.Logger

	closers []func()
}

type appOptions struct {
	// publish routes enqueue requests through NATS when NATS_URL is set.
	publish bool
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (_ *app, err error) {
	a := &app{
		cfg:     cfg,
		metrics: metrics.New(),
		log:     logger.WithComponent("app"),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	output, err := a.openBlobs(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.openExtractor(ctx, output); err != nil {
		return nil, err
	}

	limiter := ratelimit.NewLimiter(cfg.RateLimitPerSecond, ratelimit.WithWaitObserver(a.metrics.ObserveRateLimitWait))
	backoff := ratelimit.NewBackoff(cfg.BackoffMin, cfg.BackoffMax)
	policy := resilience.ExtractionConfig(cfg.SubmitMaxAttempts, cfg.BackoffMin, cfg.BackoffMax, cfg.BreakerEnabled)
	gate := resilience.NewGate(limiter, backoff, resilience.NewExecutor(policy),
		resilience.WithCallObserver(a.metrics.ObserveExtractionCall))

	tr := tracker.New(a.store, a.extractor, gate, a.metrics, tracker.Config{
		InitialDelay: cfg.PollInitialDelay,
		Schedule:     cfg.PollSchedule,
		MaxDuration:  cfg.PollMaxDuration,
	})

	naming := postprocess.DefaultConfig()
	if cfg.PostProcessConfig != "" {
		if naming, err = postprocess.LoadConfig(cfg.PostProcessConfig); err != nil {
			return nil, err
		}
	}
	a.engine = postprocess.NewEngine(a.store, a.blobs, naming, a.metrics, cfg.OrganizationName)

	a.dispatcher = dispatcher.New(a.store, a.blobs, a.extractor, gate, tr, a.engine, a.metrics, dispatcher.Config{
		Concurrency:      cfg.ConcurrencyFor,
		PageCost:         cfg.PageCost,
		UnmeteredOwnerID: cfg.UnmeteredOwnerID,
		AccessURLTTL:     cfg.AccessURLTTL,
	})
	a.closers = append(a.closers, a.dispatcher.Wait)

	a.lifecycle = lifecycle.NewManager(a.store, a.blobs, a.metrics,
		lifecycle.WithSweep(cfg.CleanupSweepSpec),
		lifecycle.WithExpireHook(a.engine.Forget),
	)
	a.closers = append(a.closers, a.lifecycle.Stop)

	svcOpts := []service.Option{
		service.WithBackground(ctx),
		service.WithSheets(func(ctx context.Context, sheetURL string) (service.SheetWriter, error) {
			return sheets.NewSheetsService(ctx, sheetURL, cfg.GoogleCredentialsFile, cfg.GoogleCredentialsJSON)
		}, cfg.GoogleSheetWorksheet),
	}
	if cfg.NATSURL != "" && opts.publish {
		q, err := queue.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, queue.Options{
			ResilienceExecutor: resilience.NewExecutor(resilience.DefaultConfig()),
		})
		if err != nil {
			return nil, err
		}
		a.queue = q
		a.closers = append(a.closers, q.Close)
		svcOpts = append(svcOpts, service.WithPublisher(q))
	}
	a.service = service.New(a.store, a.blobs, a.dispatcher, a.lifecycle, cfg.SessionRetention, svcOpts...)

	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	if a.cfg.PostgresDSN == "" {
		a.log.Warn().Msg("POSTGRES_DSN not set, records are kept in memory")
		a.store = records.NewMemoryStore()
		return nil
	}
	db, err := records.OpenDB(a.cfg.PostgresDSN)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() { _ = db.Close() })
	store := records.NewPostgresStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	a.store = store
	return nil
}

func (a *app) openBlobs(ctx context.Context) (extraction.OutputReader, error) {
	if a.cfg.StorageBackend == "gcs" {
		store, err := blob.NewGCSStore(ctx, a.cfg.GCSBucket, a.cfg.GoogleCredentialsJSON, a.cfg.GoogleCredentialsFile)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		a.blobs = store
		return store, nil
	}
	store, err := blob.NewLocalStore(a.cfg.StoragePath, a.cfg.PublicBaseURL, a.cfg.SigningSecret)
	if err != nil {
		return nil, err
	}
	a.blobs = store
	return nil, nil
}

func (a *app) openExtractor(ctx context.Context, output extraction.OutputReader) error {
	var err error
	switch a.cfg.ExtractionBackend {
	case "vision":
		a.extractor, err = extraction.NewVisionExtractor(ctx, a.cfg.GoogleCredentialsJSON, a.cfg.GoogleCredentialsFile)
	default:
		a.extractor, err = extraction.NewDocumentAIExtractor(ctx, extraction.DocumentAIConfig{
			ProjectID:        a.cfg.GoogleCloudProject,
			Location:         a.cfg.GoogleCloudLocation,
			ProcessorID:      a.cfg.DocumentAIProcessorID,
			ProcessorVersion: a.cfg.DocumentAIProcessorVersion,
			Timeout:          a.cfg.ExtractionTimeout,
			Async:            a.cfg.DocumentAIAsync,
			CredentialsJSON:  a.cfg.GoogleCredentialsJSON,
			CredentialsFile:  a.cfg.GoogleCredentialsFile,
		}, output)
	}
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() { _ = a.extractor.Close() })
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
