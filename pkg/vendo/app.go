package vendo

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Djnirds1984/cjtech/internal/circuitbreaker"
	"github.com/Djnirds1984/cjtech/internal/coin"
	"github.com/Djnirds1984/cjtech/internal/config"
	"github.com/Djnirds1984/cjtech/internal/credit"
	"github.com/Djnirds1984/cjtech/internal/dbpool"
	apierrors "github.com/Djnirds1984/cjtech/internal/errors"
	"github.com/Djnirds1984/cjtech/internal/eventapi"
	"github.com/Djnirds1984/cjtech/internal/failgate"
	"github.com/Djnirds1984/cjtech/internal/idempotency"
	"github.com/Djnirds1984/cjtech/internal/identity"
	"github.com/Djnirds1984/cjtech/internal/idle"
	"github.com/Djnirds1984/cjtech/internal/lifecycle"
	"github.com/Djnirds1984/cjtech/internal/logger"
	"github.com/Djnirds1984/cjtech/internal/metrics"
	"github.com/Djnirds1984/cjtech/internal/notify"
	"github.com/Djnirds1984/cjtech/internal/policy"
	"github.com/Djnirds1984/cjtech/internal/ratetable"
	"github.com/Djnirds1984/cjtech/internal/sources"
	"github.com/Djnirds1984/cjtech/internal/storage"
	"github.com/Djnirds1984/cjtech/internal/ticker"
	"github.com/Djnirds1984/cjtech/internal/voucher"
	"github.com/rs/zerolog"
)

// App is the composition root: it wires every core component (identity
// resolution, rate planning, coin aggregation, credit settlement,
// enforcement, voucher redemption, reconciliation loops) and implements
// CoreAPI over them. An external portal process either embeds App directly
// or drives the same components over the event-ingestion HTTP surface
// (internal/eventapi).
type App struct {
	cfg *config.Config
	log zerolog.Logger

	store      storage.Store
	pool       *dbpool.SharedPool
	resolver   *identity.Resolver
	rates      *ratetable.Table
	sourcesRg  *sources.Registry
	breakers   *circuitbreaker.Manager
	pol        policy.Policy
	gate       *failgate.Gate
	applier    *credit.Applier
	aggregator *coin.Aggregator
	redeemer   *voucher.Redeemer

	tick         *ticker.Ticker
	idleMonitor  *idle.Monitor
	notifyWorker *notify.Worker
	eventServer  *eventapi.Server

	metrics   *metrics.Metrics
	lifecycle *lifecycle.Manager
}

// New builds an App from cfg. It does not start any background loop or
// listener; call Start for that.
func New(cfg *config.Config) (*App, error) {
	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "vendod",
		Environment: cfg.Logging.Environment,
	})
	metricsCollector := metrics.New(nil)
	lc := lifecycle.NewManager()

	store, pool, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}
	if pool != nil {
		lc.RegisterFunc("dbpool", pool.Close)
	} else {
		lc.Register("store", store)
	}

	resolver := identity.New(store)
	rates := ratetable.New(store, cfg.Rates.CacheTTL.Duration)
	if err := seedRates(context.Background(), store, cfg.Rates.Lines); err != nil {
		return nil, err
	}
	rates.Invalidate()

	ctx := context.Background()
	sourcesRg, err := sources.New(ctx, store)
	if err != nil {
		return nil, err
	}

	var breakers *circuitbreaker.Manager
	var pol policy.Policy
	if cfg.Policy.Iface == "" {
		// No enforcement interface configured: run against the in-memory
		// double rather than shell out against a nonexistent interface.
		pol = policy.NewFakePolicy()
	} else {
		breakers = circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)
		pol = policy.NewExecPolicy(cfg.Policy, breakers)
	}

	gate := failgate.New(store, cfg.FailGate.BanLimit, cfg.FailGate.BanDuration.Duration)
	applier := credit.New(store, resolver, rates, sourcesRg, pol)
	aggregator := coin.New(coin.Config{
		PulseIdleTimeout:        cfg.Coin.PulseIdleTimeout.Duration,
		AbsoluteTimeout:         cfg.Coin.AbsoluteTimeout.Duration,
		BanLimitPulsesPerWindow: cfg.Coin.BanLimitPulsesPerWin,
		BanWindow:               cfg.Coin.BanWindow.Duration,
		BanDuration:             cfg.Coin.BanDuration.Duration,
	}, sourcesRg.PulseValue, applier, nil)

	voucherLines := make([]voucher.Line, 0, len(cfg.Vouchers.Lines))
	for _, l := range cfg.Vouchers.Lines {
		voucherLines = append(voucherLines, voucher.Line{Code: l.Code, SecondsAdded: l.SecondsAdded})
	}
	redeemer := voucher.New(store, resolver, gate, pol, voucherLines)

	tick := ticker.New(store, pol, sourcesRg, cfg.Policy.Iface)
	idleMonitor := idle.New(store, pol, time.Duration(cfg.Idle.IdleTimeoutSeconds)*time.Second)

	notifyWorker := notify.New(notify.Options{
		Store:   store,
		Config:  cfg.Notify,
		Logger:  appLogger,
		Metrics: metricsCollector,
	})

	idempotencyStore := idempotency.NewMemoryStore()
	eventServer := eventapi.New(cfg, aggregator, sourcesRg, idempotencyStore, metricsCollector, appLogger)

	app := &App{
		cfg:          cfg,
		log:          appLogger,
		store:        store,
		pool:         pool,
		resolver:     resolver,
		rates:        rates,
		sourcesRg:    sourcesRg,
		breakers:     breakers,
		pol:          pol,
		gate:         gate,
		applier:      applier,
		aggregator:   aggregator,
		redeemer:     redeemer,
		tick:         tick,
		idleMonitor:  idleMonitor,
		notifyWorker: notifyWorker,
		eventServer:  eventServer,
		metrics:      metricsCollector,
		lifecycle:    lc,
	}

	lc.RegisterFunc("ticker", func() error { tick.Stop(); return nil })
	lc.RegisterFunc("idle_monitor", func() error { idleMonitor.Stop(); return nil })
	if notifyWorker != nil {
		lc.RegisterFunc("notify_worker", func() error { notifyWorker.Stop(); return nil })
	}
	lc.RegisterFunc("event_server", func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return app.eventServer.Shutdown(shutdownCtx)
	})

	return app, nil
}

func buildStore(cfg *config.Config) (storage.Store, *dbpool.SharedPool, error) {
	storeCfg := storage.StoreConfig{
		Backend:       cfg.Storage.Backend,
		PostgresURL:   cfg.Storage.PostgresURL,
		PostgresPool:  cfg.Storage.PostgresPool,
		MongoDBURL:    cfg.Storage.MongoDBURL,
		MongoDBName:   cfg.Storage.MongoDBDatabase,
		FilePath:      cfg.Storage.FilePath,
		UsersTable:    cfg.Storage.UsersTableName,
		SalesTable:    cfg.Storage.SalesTableName,
		SourcesTable:  cfg.Storage.SourcesTableName,
		RatesTable:    cfg.Storage.RatesTableName,
		FailuresTable: cfg.Storage.FailuresTableName,
		EventsTable:   cfg.Storage.EventQueueTableName,
	}

	if cfg.Storage.Backend != "postgres" {
		store, err := storage.NewStore(storeCfg)
		return store, nil, err
	}

	pool, err := dbpool.NewSharedPool(cfg.Storage.PostgresURL, cfg.Storage.PostgresPool)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.NewStoreWithDB(storeCfg, pool.DB())
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool, nil
}

// seedRates upserts the configured price-table rows. Idempotent: re-running
// with the same config converges to the same rows.
func seedRates(ctx context.Context, store storage.Store, lines []config.RateLine) error {
	for _, l := range lines {
		rate := storage.Rate{
			ID:           l.ID,
			AmountPesos:  l.AmountPesos,
			Minutes:      l.Minutes,
			RateUpKbps:   l.RateUpKbps,
			RateDownKbps: l.RateDownKbps,
		}
		if err := store.UpsertRate(ctx, rate); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the Ticker, IdleMonitor, notify worker, and event-ingestion
// HTTP server, tearing all of them down if any one exits or ctx is canceled.
func (a *App) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.tick.Start(gctx)
		return nil
	})
	g.Go(func() error {
		a.idleMonitor.Start(gctx)
		return nil
	})
	if a.notifyWorker != nil {
		g.Go(func() error {
			a.notifyWorker.Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		if err := a.eventServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.eventServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Close tears down every registered resource in reverse-registration order.
func (a *App) Close() error {
	return a.lifecycle.Close()
}

// Metrics exposes the shared Prometheus collector, for tests and cmd/vendod.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

var _ CoreAPI = (*App)(nil)

// Status implements CoreAPI.
func (a *App) Status(ctx context.Context, obs identity.Observed) (StatusResult, error) {
	user, err := a.resolver.Resolve(ctx, obs, false)
	if err != nil {
		return StatusResult{}, err
	}

	pending, _ := a.aggregator.Pending()
	lines, err := a.rates.Snapshot(ctx)
	if err != nil {
		return StatusResult{}, err
	}
	plan := ratetable.PlanAmount(lines, pending)

	var coinSession *CoinSessionView
	mode := "idle"
	if snap, ok := a.aggregator.Snapshot(); ok {
		mode = snap.Mode.String()
		coinSession = &CoinSessionView{
			OwnerMAC:        snap.Owner.MAC,
			OwnerClientID:   snap.Owner.ClientID,
			Mode:            snap.Mode.String(),
			TargetSource:    snap.TargetSource,
			PendingAmount:   snap.PendingAmount,
			PerSourceAmount: snap.PerSourceAmount,
			OpenedAt:        snap.OpenedAt,
			LastActivityAt:  snap.LastActivityAt,
		}
	}

	sourceViews := make([]SourceView, 0, len(a.sourcesRg.List()))
	for _, src := range a.sourcesRg.List() {
		_, online, _ := a.sourcesRg.Get(src.ID)
		sourceViews = append(sourceViews, SourceView{
			ID:              src.ID,
			DisplayName:     src.DisplayName,
			Local:           src.Local,
			Online:          online,
			PulseValuePesos: src.PulseValuePesos,
		})
	}

	return StatusResult{
		UserID:         user.UserID,
		CreditSeconds:  user.CreditSeconds,
		Paused:         user.Paused,
		Connected:      user.Connected,
		UserCode:       user.UserCode,
		PendingAmount:  pending,
		PendingMinutes: plan.Minutes,
		VendoMode:      mode,
		Sources:        sourceViews,
		CoinSession:    coinSession,
	}, nil
}

// StartCoinInsert implements CoreAPI.
func (a *App) StartCoinInsert(ctx context.Context, obs identity.Observed, mode coin.Mode, target string) (StartCoinInsertResult, error) {
	mac := strings.ToLower(strings.TrimSpace(obs.MAC))
	if err := a.gate.Check(ctx, mac); err != nil {
		return StartCoinInsertResult{}, err
	}
	owner := coin.Owner{MAC: mac, ClientID: obs.ClientID}
	if err := a.aggregator.StartInsert(ctx, owner, mode, target); err != nil {
		return StartCoinInsertResult{}, err
	}
	return StartCoinInsertResult{Status: "ok"}, nil
}

// FinalizeCoinInsert implements CoreAPI.
func (a *App) FinalizeCoinInsert(ctx context.Context, obs identity.Observed) (FinalizeCoinInsertResult, error) {
	amount, _ := a.aggregator.Pending()
	secondsAdded, _, err := a.aggregator.Done(ctx)
	if err != nil {
		return FinalizeCoinInsertResult{}, err
	}
	return FinalizeCoinInsertResult{SecondsAdded: secondsAdded, Amount: amount}, nil
}

// PauseSession implements CoreAPI: an explicit user-initiated pause, the
// same enforcement-plane transition IdleMonitor performs automatically.
func (a *App) PauseSession(ctx context.Context, obs identity.Observed) error {
	user, err := a.resolver.Resolve(ctx, obs, false)
	if err != nil {
		return err
	}
	if err := a.store.Pause(ctx, user.UserID); err != nil {
		return err
	}
	if err := a.pol.Deauthorize(ctx, user.MAC); err != nil {
		a.log.Warn().Err(err).Str("mac", logger.TruncateMAC(user.MAC)).Msg("vendo.pause_deauthorize_failed")
	}
	if user.IP != "" {
		if err := a.pol.RemoveLimit(ctx, user.IP); err != nil {
			a.log.Warn().Err(err).Str("user", user.UserID).Msg("vendo.pause_remove_limit_failed")
		}
	}
	return nil
}

// ResumeSession implements CoreAPI.
func (a *App) ResumeSession(ctx context.Context, obs identity.Observed) error {
	user, err := a.resolver.Resolve(ctx, obs, false)
	if err != nil {
		return err
	}
	if user.CreditSeconds <= 0 {
		return apierrors.New(apierrors.CodeInvalid, "cannot resume a session with no remaining credit")
	}
	if err := a.store.Resume(ctx, user.UserID); err != nil {
		return err
	}
	if _, err := a.pol.Authorize(ctx, user.MAC); err != nil {
		a.log.Warn().Err(err).Str("mac", logger.TruncateMAC(user.MAC)).Msg("vendo.resume_authorize_failed")
	}
	if user.IP != "" && (user.RateDownKbps > 0 || user.RateUpKbps > 0) {
		if err := a.pol.SetLimit(ctx, user.IP, user.RateDownKbps, user.RateUpKbps); err != nil {
			a.log.Warn().Err(err).Str("user", user.UserID).Msg("vendo.resume_set_limit_failed")
		}
	}
	return nil
}

// RedeemVoucher implements CoreAPI.
func (a *App) RedeemVoucher(ctx context.Context, obs identity.Observed, code string) (RedeemVoucherResult, error) {
	seconds, err := a.redeemer.Redeem(ctx, obs, code)
	if err != nil {
		return RedeemVoucherResult{}, err
	}
	return RedeemVoucherResult{SecondsAdded: seconds}, nil
}

// RestoreSession implements CoreAPI: looks a user back up by their printed
// user_code (after a device swap) or by client_id (after clearing cookies
// on the same device), returning not-found/expired as appropriate.
func (a *App) RestoreSession(ctx context.Context, codeOrClientID string) (RestoreSessionResult, error) {
	value := strings.TrimSpace(codeOrClientID)
	if value == "" {
		return RestoreSessionResult{}, apierrors.New(apierrors.CodeInvalid, "code or client_id is required")
	}

	var user storage.User
	var err error
	if strings.HasPrefix(strings.ToUpper(value), "CJ-") {
		user, err = a.store.FindUserByCode(ctx, value)
	} else {
		user, err = a.store.FindUserByCookie(ctx, value)
	}
	if err == storage.ErrNotFound {
		return RestoreSessionResult{}, apierrors.New(apierrors.CodeNotFound, "no session for that code or client_id")
	}
	if err != nil {
		return RestoreSessionResult{}, err
	}
	if user.CreditSeconds <= 0 && user.SessionExpiryAt != nil && user.SessionExpiryAt.Before(time.Now()) {
		return RestoreSessionResult{}, apierrors.New(apierrors.CodeInvalid, "session expired")
	}
	return RestoreSessionResult{UserID: user.UserID}, nil
}
