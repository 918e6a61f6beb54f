// Package event_processor drains the keyboard_events queue: it claims
// batches, classifies them and records predictions and final statuses.
package event_processor

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/emngarcia/me-board/internal/classifier"
	"github.com/emngarcia/me-board/internal/config"
	"github.com/emngarcia/me-board/internal/metrics"
	"github.com/emngarcia/me-board/internal/models"
	"github.com/emngarcia/me-board/internal/repository"
)

// statusWriteTimeout bounds status writes that run after the loop context is cancelled.
const statusWriteTimeout = 10 * time.Second

// Queue is the storage the processor works against.
type Queue interface {
	repository.EventRepository
	repository.PredictionRepository
}

// DefaultSleepInterval replaces a non-positive Options.SleepInterval so an
// empty queue is never polled in a tight loop.
const DefaultSleepInterval = time.Second

// Options tune the polling loop.
type Options struct {
	BatchSize      int
	SleepInterval  time.Duration
	MinWords       int
	StoreInputText bool
	MaxErrorLength int
}

// OptionsFromConfig maps the worker section of the configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BatchSize:      cfg.Worker.BatchSize,
		SleepInterval:  cfg.SleepInterval(),
		MinWords:       cfg.Worker.MinWords,
		StoreInputText: cfg.Worker.StoreInputText,
		MaxErrorLength: cfg.Worker.MaxErrorLength,
	}
}

// Processor handles claiming, classifying and finishing events.
type Processor struct {
	queue   Queue
	cascade *classifier.Cascade
	opts    Options
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// outcome is the final state of one claimed event.
type outcome struct {
	status models.EventStatus
	err    error
}

func done() outcome            { return outcome{status: models.StatusDone} }
func discarded() outcome       { return outcome{status: models.StatusDiscarded} }
func failed(err error) outcome { return outcome{status: models.StatusFailed, err: err} }

// NewProcessor creates a new event processor. m may be nil.
func NewProcessor(queue Queue, cascade *classifier.Cascade, opts Options, m *metrics.Metrics, logger *zap.Logger) *Processor {
	if opts.SleepInterval <= 0 {
		logger.Warn("Non-positive sleep interval, using default",
			zap.Duration("configured", opts.SleepInterval),
			zap.Duration("default", DefaultSleepInterval))
		opts.SleepInterval = DefaultSleepInterval
	}
	return &Processor{
		queue:   queue,
		cascade: cascade,
		opts:    opts,
		metrics: m,
		logger:  logger,
	}
}

// Run polls the queue until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	p.logger.Info("Event processor started.",
		zap.Int("batch_size", p.opts.BatchSize),
		zap.Duration("sleep_interval", p.opts.SleepInterval),
		zap.Int("min_words", p.opts.MinWords))

	for {
		n, err := p.Poll(ctx)
		if ctx.Err() != nil {
			p.logger.Info("Event processor stopped.")
			return
		}
		if err != nil {
			p.logger.Error("Failed to claim events", zap.Error(err))
		}
		if err != nil || n == 0 {
			if !sleep(ctx, p.opts.SleepInterval) {
				p.logger.Info("Event processor stopped.")
				return
			}
		}
	}
}

// Poll claims one batch and processes it. It returns the number of claimed events.
func (p *Processor) Poll(ctx context.Context) (int, error) {
	events, err := p.queue.ClaimEvents(ctx, p.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		if p.metrics != nil {
			p.metrics.EmptyPollsTotal.Inc()
		}
		return 0, nil
	}

	if p.metrics != nil {
		p.metrics.ClaimsTotal.Inc()
	}
	p.logger.Info("Claimed events", zap.Int("count", len(events)))

	p.processBatch(ctx, events)
	return len(events), nil
}

func (p *Processor) processBatch(ctx context.Context, events []models.QueueEvent) {
	eligible := make([]models.QueueEvent, 0, len(events))
	for _, event := range events {
		if WordCount(event.Text) < p.opts.MinWords {
			p.logger.Debug("Discarding short event", zap.String("event_id", event.ID))
			p.finish(ctx, event, discarded())
			continue
		}
		eligible = append(eligible, event)
	}
	if len(eligible) == 0 {
		return
	}

	texts := make([]string, len(eligible))
	for i, event := range eligible {
		texts[i] = event.Text
	}

	results, err := p.cascade.ClassifyPrimary(ctx, texts)
	if err == nil && len(results) != len(eligible) {
		err = fmt.Errorf("%w: got %d, want %d", classifier.ErrResultCountMismatch, len(results), len(eligible))
	}
	if err != nil {
		if ctx.Err() != nil {
			p.release(ctx, eligible)
			return
		}
		p.logger.Error("Batch inference failed", zap.Int("count", len(eligible)), zap.Error(err))
		for _, event := range eligible {
			p.finish(ctx, event, failed(err))
		}
		return
	}

	for i, event := range eligible {
		if ctx.Err() != nil {
			p.release(ctx, eligible[i:])
			return
		}

		out := p.processEvent(ctx, event, results[i])
		if out.err != nil && ctx.Err() != nil {
			p.release(ctx, eligible[i:])
			return
		}
		p.finish(ctx, event, out)
	}
}

// processEvent runs the optional second stage and stores the prediction.
func (p *Processor) processEvent(ctx context.Context, event models.QueueEvent, primary classifier.Result) outcome {
	prediction := &models.Prediction{
		EventID:      event.ID,
		Label:        primary.Label,
		Score:        primary.Score,
		ModelVersion: p.cascade.Primary.Version(),
	}
	if p.opts.StoreInputText {
		text := event.Text
		prediction.InputText = &text
	}

	if p.cascade.ShouldEscalate(primary.Label) {
		secondary, err := p.cascade.ClassifySecondary(ctx, event.Text)
		if err != nil {
			return failed(fmt.Errorf("secondary inference: %w", err))
		}
		version := p.cascade.Secondary.Version()
		prediction.Label2 = &secondary.Label
		prediction.Score2 = &secondary.Score
		prediction.ModelVersion2 = &version
	}

	if err := p.queue.SavePrediction(ctx, prediction); err != nil {
		return failed(err)
	}

	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("label", prediction.Label),
		zap.Float64("score", prediction.Score),
	}
	if prediction.Label2 != nil {
		fields = append(fields, zap.String("label2", *prediction.Label2), zap.Float64("score2", *prediction.Score2))
	}
	p.logger.Info("Event classified", fields...)
	return done()
}

// finish writes the terminal status of an event. A failed write is logged only.
func (p *Processor) finish(ctx context.Context, event models.QueueEvent, out outcome) {
	var errMsg *string
	if out.err != nil {
		msg := truncate(out.err.Error(), p.opts.MaxErrorLength)
		errMsg = &msg
		p.logger.Warn("Event failed", zap.String("event_id", event.ID), zap.Error(out.err))
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()

	if err := p.queue.UpdateEventStatus(writeCtx, event.ID, out.status, errMsg); err != nil {
		p.logger.Error("Failed to update event status",
			zap.String("event_id", event.ID),
			zap.String("status", string(out.status)),
			zap.Error(err))
		return
	}
	if p.metrics != nil {
		p.metrics.EventFinished(string(out.status))
	}
}

// release hands unprocessed events back to the queue on shutdown.
func (p *Processor) release(ctx context.Context, events []models.QueueEvent) {
	ids := make([]string, len(events))
	for i, event := range events {
		ids[i] = event.ID
	}

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()

	if err := p.queue.ReleaseEvents(releaseCtx, ids); err != nil {
		p.logger.Error("Failed to release claimed events", zap.Strings("event_ids", ids), zap.Error(err))
		return
	}
	p.logger.Info("Released unprocessed events", zap.Int("count", len(ids)))
}

// WordCount returns the number of whitespace-separated words in text.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// truncate cuts s to at most n runes. n <= 0 leaves s unchanged.
func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
