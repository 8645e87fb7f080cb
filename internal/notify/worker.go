// Package notify delivers OperatorEvents (sales, expiries, pauses, source
// outages) to the operator's configured webhook, with exponential-backoff
// retry and a dead-letter queue backed by the same storage.Store the rest
// of the gateway uses.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Djnirds1984/cjtech/internal/config"
	"github.com/Djnirds1984/cjtech/internal/httputil"
	"github.com/Djnirds1984/cjtech/internal/metrics"
	"github.com/Djnirds1984/cjtech/internal/storage"
	"github.com/rs/zerolog"
)

// Worker polls the storage-backed OperatorEvent queue and delivers each
// event to the operator webhook, retrying with exponential backoff and
// moving permanently-failed events to the dead-letter queue.
type Worker struct {
	store      storage.Store
	cfg        config.NotifyConfig
	httpClient *http.Client
	logger     zerolog.Logger
	metrics    *metrics.Metrics

	pollInterval time.Duration
	batchSize    int

	stopCh chan struct{}
	doneCh chan struct{}
}

// Options configures a Worker.
type Options struct {
	Store        storage.Store
	Config       config.NotifyConfig
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	PollInterval time.Duration // default 5s
	BatchSize    int           // default 10
}

// New constructs a notify Worker. Returns nil if notifications are disabled
// or no webhook URL is configured.
func New(opts Options) *Worker {
	if !opts.Config.Enabled || opts.Config.WebhookURL == "" {
		return nil
	}

	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = 10
	}
	if opts.Logger.GetLevel() == zerolog.Disabled {
		opts.Logger = zerolog.Nop()
	}

	timeout := opts.Config.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Worker{
		store:        opts.Store,
		cfg:          opts.Config,
		httpClient:   httputil.NewClient(timeout),
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		pollInterval: opts.PollInterval,
		batchSize:    opts.BatchSize,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start begins processing OperatorEvents from the queue in the background.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.logger.Info().Dur("poll_interval", w.pollInterval).Msg("notify.worker_started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("notify.worker_stopping")
			return
		case <-w.stopCh:
			w.logger.Info().Msg("notify.worker_stopping")
			return
		case <-ticker.C:
			w.processQueue(ctx)
		}
	}
}

func (w *Worker) processQueue(ctx context.Context) {
	events, err := w.store.DequeueEvents(ctx, w.batchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("notify.dequeue_failed")
		return
	}
	for _, evt := range events {
		w.deliver(ctx, evt)
	}
}

func (w *Worker) deliver(ctx context.Context, evt storage.OperatorEvent) {
	if err := w.store.MarkEventProcessing(ctx, evt.ID); err != nil {
		w.logger.Error().Err(err).Str("event_id", evt.ID).Msg("notify.mark_processing_failed")
		return
	}
	attempt := evt.Attempts + 1

	payload, err := json.Marshal(evt)
	if err != nil {
		w.logger.Error().Err(err).Str("event_id", evt.ID).Msg("notify.marshal_failed")
		return
	}

	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, w.requestTimeout())
	sendErr := w.send(reqCtx, payload)
	cancel()
	duration := time.Since(start)

	if sendErr == nil {
		if err := w.store.MarkEventDelivered(ctx, evt.ID); err != nil {
			w.logger.Error().Err(err).Str("event_id", evt.ID).Msg("notify.mark_delivered_failed")
		}
		if w.metrics != nil {
			w.metrics.ObserveNotify(evt.Kind, "success", duration, attempt, false)
		}
		w.logger.Info().Str("event_id", evt.ID).Str("kind", evt.Kind).Int("attempt", attempt).Msg("notify.delivered")
		return
	}

	w.handleFailure(ctx, evt, attempt, sendErr, duration)
}

func (w *Worker) handleFailure(ctx context.Context, evt storage.OperatorEvent, attempt int, deliveryErr error, duration time.Duration) {
	retryCfg := w.cfg.Retry
	maxAttempts := retryCfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	next := time.Now().Add(w.backoff(attempt, retryCfg))
	if err := w.store.MarkEventFailed(ctx, evt.ID, deliveryErr.Error(), next); err != nil {
		w.logger.Error().Err(err).Str("event_id", evt.ID).Msg("notify.mark_failed_failed")
		return
	}

	exhausted := attempt >= maxAttempts
	if w.metrics != nil {
		status := "failed"
		if exhausted {
			status = "dead_letter"
		}
		w.metrics.ObserveNotify(evt.Kind, status, duration, attempt, exhausted)
	}

	logEvt := w.logger.Warn().Str("event_id", evt.ID).Str("kind", evt.Kind).Int("attempt", attempt).Err(deliveryErr)
	if exhausted {
		logEvt.Msg("notify.delivery_exhausted")
	} else {
		logEvt.Time("next_attempt_at", next).Msg("notify.delivery_retry_scheduled")
	}
}

func (w *Worker) backoff(attempt int, cfg config.RetryConfig) time.Duration {
	interval := cfg.InitialInterval.Duration
	if interval <= 0 {
		interval = 1 * time.Second
	}
	maxInterval := cfg.MaxInterval.Duration
	if maxInterval <= 0 {
		maxInterval = 5 * time.Minute
	}
	multiplier := cfg.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	for i := 1; i < attempt; i++ {
		interval = time.Duration(float64(interval) * multiplier)
		if interval > maxInterval {
			return maxInterval
		}
	}
	return interval
}

func (w *Worker) requestTimeout() time.Duration {
	timeout := w.cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return timeout
}

func (w *Worker) send(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	contentType := w.cfg.Headers["Content-Type"]
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range w.cfg.Headers {
		if k == "" || k == "Content-Type" {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d from %s", resp.StatusCode, w.cfg.WebhookURL)
	}
	return nil
}
