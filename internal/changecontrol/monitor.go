package changecontrol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"netbox-avd-sync/internal/entity"
)

// ErrRetriesExhausted wraps the last transport error after the retry
// budget is spent.
var ErrRetriesExhausted = errors.New("change-control: retries exhausted")

// Source is the slice of the client the monitor needs.
type Source interface {
	GetOne(ctx context.Context, id string) (*ChangeJobEvent, error)
	Snapshot(ctx context.Context) (JobStream, error)
	Watch(ctx context.Context, id string) (JobStream, error)
}

type Outcome int

const (
	Succeeded Outcome = iota
	Failed
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "timed out"
	}
}

// Result is the terminal observation of one job.
type Result struct {
	Outcome Outcome
	// Reason is set for Failed: either the error text carried by the job
	// or a reason derived from its terminal status.
	Reason string
	Status entity.JobStatus
}

// Monitor resolves jobs by name and blocks until they reach a terminal
// state. Transport failures are retried with doubling backoff up to
// MaxAttempts; auth and logical failures are surfaced immediately.
type Monitor struct {
	src          Source
	pollInterval time.Duration
	timeout      time.Duration

	maxAttempts int
	baseDelay   time.Duration
	sleep       func(time.Duration)
}

type Option func(*Monitor)

// WithRetry overrides the attempt budget and initial backoff delay.
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(m *Monitor) {
		m.maxAttempts = maxAttempts
		m.baseDelay = baseDelay
	}
}

// WithSleep replaces the backoff sleep function. Tests use it to record
// delays instead of waiting them out.
func WithSleep(sleep func(time.Duration)) Option {
	return func(m *Monitor) { m.sleep = sleep }
}

func NewMonitor(src Source, pollInterval, timeout time.Duration, opts ...Option) *Monitor {
	m := &Monitor{
		src:          src,
		pollInterval: pollInterval,
		timeout:      timeout,
		maxAttempts:  5,
		baseDelay:    5 * time.Second,
		sleep:        time.Sleep,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// retry runs fn until it succeeds, a non-transport error occurs, or the
// attempt budget is spent. Backoff doubles from baseDelay.
func (m *Monitor) retry(ctx context.Context, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.baseDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 24 * time.Hour
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsTransport(lastErr) {
			return lastErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt == m.maxAttempts {
			break
		}
		delay := bo.NextBackOff()
		log.Printf("[monitor] %s: attempt %d failed, retrying in %s: %v", op, attempt, delay, lastErr)
		m.sleep(delay)
	}
	log.Printf("[monitor] %s: all %d attempts failed: %v", op, m.maxAttempts, lastErr)
	return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, m.maxAttempts, lastErr)
}

// ResolveJobID scans a snapshot stream for the first job whose name
// matches and returns its ID. Same-named jobs are not disambiguated:
// first match wins. The scan is bounded by the monitor timeout.
func (m *Monitor) ResolveJobID(ctx context.Context, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var id string
	err := m.retry(ctx, "resolve "+name, func() error {
		stream, err := m.src.Snapshot(ctx)
		if err != nil {
			return err
		}
		defer stream.Close()

		for {
			ev, err := stream.Next()
			if errors.Is(err, io.EOF) {
				return ErrJobNotFound
			}
			if err != nil {
				return err
			}
			if ev.Job.Name == name {
				id = ev.Job.ID
				log.Printf("[monitor] resolved job name=%q id=%s", name, id)
				return nil
			}
		}
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// AwaitCompletion subscribes to the job's filtered event stream and
// blocks until it reaches a terminal state or the timeout elapses.
func (m *Monitor) AwaitCompletion(ctx context.Context, id string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var res Result
	err := m.retry(ctx, "watch "+id, func() error {
		stream, err := m.src.Watch(ctx, id)
		if err != nil {
			return err
		}
		defer stream.Close()

		for {
			ev, err := stream.Next()
			if errors.Is(err, io.EOF) {
				// subscription ended without a terminal status
				return &TransportError{Op: "watch " + id, Err: io.ErrUnexpectedEOF}
			}
			if err != nil {
				if ctx.Err() != nil {
					res = Result{Outcome: TimedOut, Reason: "timeout waiting for terminal status"}
					return nil
				}
				return err
			}

			log.Printf("[monitor] job_id=%s status=%s", id, ev.Job.Status.ShortName())
			if ev.Job.Status.Terminal() {
				res = resultFor(ev.Job)
				return nil
			}
		}
	})
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrRetriesExhausted) {
			return Result{Outcome: TimedOut, Reason: "timeout waiting for terminal status"}, nil
		}
		return Result{}, err
	}
	return res, nil
}

// PollCompletion is the polling variant of AwaitCompletion: a GetOne on
// a fixed interval until terminal or timeout. Pipeline stages that
// cannot hold a stream open use this one.
func (m *Monitor) PollCompletion(ctx context.Context, id string) (Result, error) {
	deadline := time.Now().Add(m.timeout)

	for {
		var ev *ChangeJobEvent
		err := m.retry(ctx, "poll "+id, func() error {
			var err error
			ev, err = m.src.GetOne(ctx, id)
			return err
		})
		if err != nil {
			return Result{}, err
		}

		// GetOne can race the sync protocol and return an empty snapshot
		if ev.Job.Status != entity.StatusUnspecified {
			log.Printf("[monitor] job_id=%s status=%s", id, ev.Job.Status.ShortName())
			if ev.Job.Status.Terminal() {
				return resultFor(ev.Job), nil
			}
		}

		if time.Now().After(deadline) {
			return Result{
				Outcome: TimedOut,
				Reason:  fmt.Sprintf("no terminal status within %s (last: %s)", m.timeout, ev.Job.Status.ShortName()),
				Status:  ev.Job.Status,
			}, nil
		}
		select {
		case <-ctx.Done():
			return Result{Outcome: TimedOut, Reason: "timeout waiting for terminal status"}, nil
		case <-time.After(m.pollInterval):
		}
	}
}

func resultFor(job entity.ChangeJob) Result {
	if job.Status == entity.StatusCompleted {
		if job.Error != "" {
			return Result{Outcome: Failed, Reason: job.Error, Status: job.Status}
		}
		return Result{Outcome: Succeeded, Status: job.Status}
	}
	return Result{
		Outcome: Failed,
		Reason:  "terminal status " + job.Status.ShortName(),
		Status:  job.Status,
	}
}
