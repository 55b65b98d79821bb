package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"power-desk/internal/observability/metrics"
	telemetry "power-desk/internal/telemetry/domain"
	"power-desk/internal/telemetry/replay"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
)

// RetryMode selects how the recorder reacts to a failed write.
type RetryMode string

const (
	// RetryPerItem retries the failing item with backoff until it is stored
	// or the context ends. Items the store rejects are dropped.
	RetryPerItem RetryMode = "item"
	// RetryHalt stops the pipeline after MaxAttempts consecutive failures.
	RetryHalt RetryMode = "halt"
)

// DefaultMaxAttempts bounds RetryHalt.
const DefaultMaxAttempts = 5

const defaultMaxRetryInterval = 30 * time.Second

// ErrPersistenceHalted is returned by Run when a pipeline gave up in RetryHalt mode.
var ErrPersistenceHalted = errors.New("recorder: persistence halted")

// ParseRetryMode maps a config value to a RetryMode.
func ParseRetryMode(value string) (RetryMode, error) {
	switch RetryMode(value) {
	case RetryPerItem, "":
		return RetryPerItem, nil
	case RetryHalt:
		return RetryHalt, nil
	default:
		return "", fmt.Errorf("recorder: unknown retry mode %q", value)
	}
}

// Recorder persists every replay buffer item in arrival order, one write at
// a time per kind.
type Recorder struct {
	store       telemetry.Store
	series      *replay.Subscription[telemetry.SeriesItem]
	protector   *replay.Subscription[telemetry.ProtectorItem]
	mode        RetryMode
	maxAttempts int
	newBackOff  func() backoff.BackOff
	logger      *log.Logger
}

// RecorderOption configures the recorder.
type RecorderOption func(*Recorder)

// WithRetryMode sets the failure policy.
func WithRetryMode(mode RetryMode) RecorderOption {
	return func(r *Recorder) {
		if mode != "" {
			r.mode = mode
		}
	}
}

// WithMaxAttempts sets the consecutive failure limit for RetryHalt.
func WithMaxAttempts(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithBackOff overrides the delay policy between attempts.
func WithBackOff(factory func() backoff.BackOff) RecorderOption {
	return func(r *Recorder) {
		if factory != nil {
			r.newBackOff = factory
		}
	}
}

// WithLogger sets the recorder logger.
func WithLogger(logger *log.Logger) RecorderOption {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRecorder subscribes to both buffers immediately so nothing appended
// after construction is missed, even before Run starts.
func NewRecorder(
	store telemetry.Store,
	series *replay.Buffer[telemetry.SeriesItem],
	protector *replay.Buffer[telemetry.ProtectorItem],
	opts ...RecorderOption,
) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("recorder: nil store")
	}
	if series == nil || protector == nil {
		return nil, errors.New("recorder: nil buffer")
	}
	r := &Recorder{
		store:       store,
		mode:        RetryPerItem,
		maxAttempts: DefaultMaxAttempts,
		logger:      log.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.newBackOff == nil {
		if r.mode == RetryHalt {
			r.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
		} else {
			r.newBackOff = func() backoff.BackOff {
				policy := backoff.NewExponentialBackOff()
				policy.MaxInterval = defaultMaxRetryInterval
				return policy
			}
		}
	}
	r.series = series.Subscribe()
	r.protector = protector.Subscribe()
	return r, nil
}

// Run drives both pipelines until ctx ends, the buffers close, or a
// pipeline halts. It must be called once.
func (r *Recorder) Run(ctx context.Context) error {
	if r == nil {
		return errors.New("recorder: nil recorder")
	}
	var (
		wg           conc.WaitGroup
		seriesErr    error
		protectorErr error
	)
	wg.Go(func() {
		seriesErr = runPipeline(ctx, r, telemetry.KindSeries, r.series, r.store.AppendSeries)
	})
	wg.Go(func() {
		protectorErr = runPipeline(ctx, r, telemetry.KindProtector, r.protector, r.store.AppendProtector)
	})
	wg.Wait()
	return errors.Join(seriesErr, protectorErr)
}

// Close releases both subscriptions. Run returns once they drain.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.series.Close()
	r.protector.Close()
}

type validator interface {
	Validate() error
}

func runPipeline[T validator](
	ctx context.Context,
	r *Recorder,
	kind telemetry.Kind,
	sub *replay.Subscription[T],
	write func(context.Context, T) error,
) error {
	defer sub.Close()
	for {
		item, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, replay.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("recorder: %s: %w", kind, err)
		}
		metrics.SetRecorderPending(string(kind), sub.Pending())
		if err := item.Validate(); err != nil {
			r.logger.Printf("recorder: skip invalid %s item: %v", kind, err)
			metrics.ObservePersistWrite(string(kind), metrics.ResultInvalid, 0)
			continue
		}
		if err := r.persist(ctx, kind, func(ctx context.Context) error { return write(ctx, item) }); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var rejected *backoff.PermanentError
			if errors.As(err, &rejected) {
				r.logger.Printf("recorder: drop %s item rejected by store: %v", kind, rejected.Err)
				continue
			}
			metrics.SetPersistHalted(string(kind), true)
			r.logger.Printf("recorder: %s pipeline stopped: %v", kind, err)
			return err
		}
	}
}

// persist writes one item. A store rejection ends the loop at once as a
// *backoff.PermanentError; other failures are retried per the mode.
func (r *Recorder) persist(ctx context.Context, kind telemetry.Kind, write func(context.Context) error) error {
	policy := r.newBackOff()
	policy.Reset()
	attempts := 0
	for {
		start := time.Now()
		err := permanent(write(ctx))
		if err == nil {
			metrics.ObservePersistWrite(string(kind), metrics.ResultSuccess, time.Since(start))
			return nil
		}
		attempts++
		if ctx.Err() != nil {
			metrics.ObservePersistWrite(string(kind), metrics.ResultError, time.Since(start))
			return ctx.Err()
		}
		var rejected *backoff.PermanentError
		if errors.As(err, &rejected) {
			metrics.ObservePersistWrite(string(kind), metrics.ResultDropped, time.Since(start))
			return err
		}
		if r.mode == RetryHalt && attempts >= r.maxAttempts {
			metrics.ObservePersistWrite(string(kind), metrics.ResultError, time.Since(start))
			return fmt.Errorf("%w: %s after %d attempts: %v", ErrPersistenceHalted, kind, attempts, err)
		}
		metrics.ObservePersistWrite(string(kind), metrics.ResultRetry, time.Since(start))

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			wait = defaultMaxRetryInterval
		}
		r.logger.Printf("recorder: %s write failed attempt=%d retry_in=%s: %v", kind, attempts, wait, err)
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func permanent(err error) error {
	if errors.Is(err, telemetry.ErrRejected) {
		return backoff.Permanent(err)
	}
	return err
}
