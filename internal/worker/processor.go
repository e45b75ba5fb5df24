package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"merchant-sync/internal/apperr"
	"merchant-sync/internal/lease"
	"merchant-sync/internal/models"
	"merchant-sync/internal/telemetry"
)

// Handler executes a job for a given type.
type Handler func(ctx context.Context, job models.Job) error

// ReasonError carries the failure reason recorded on the job. Reasons listed
// as terminal in the retry policy fail the job without further attempts.
type ReasonError struct {
	Reason string
	Err    error
}

func (e *ReasonError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *ReasonError) Unwrap() error { return e.Err }

// Fail builds a ReasonError.
func Fail(reason string, err error) error {
	return &ReasonError{Reason: reason, Err: err}
}

// Options tune the processor loop.
type Options struct {
	Host             string
	Concurrency      int
	PollInterval     time.Duration
	MaxLeaseDuration time.Duration
	SweepInterval    time.Duration
}

// Processor drives the worker execution loop. Each slot leases jobs under its
// own worker id; a sweeper reclaims leases abandoned by crashed workers.
type Processor struct {
	mgr      *lease.Manager
	opts     Options
	handlers map[models.JobType]Handler
	logger   zerolog.Logger
}

func NewProcessor(mgr *lease.Manager, opts Options, logger zerolog.Logger) (*Processor, error) {
	if opts.Concurrency <= 0 {
		return nil, errors.New("worker concurrency must be positive")
	}
	if opts.PollInterval <= 0 || opts.MaxLeaseDuration <= 0 || opts.SweepInterval <= 0 {
		return nil, errors.New("poll interval, max lease duration and sweep interval must be positive")
	}
	if opts.Host == "" {
		opts.Host = "worker"
	}
	return &Processor{
		mgr:      mgr,
		opts:     opts,
		handlers: make(map[models.JobType]Handler),
		logger:   logger.With().Str("component", "processor").Logger(),
	}, nil
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType models.JobType, handler Handler) {
	if !jobType.Valid() || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// WorkerID names slot n of this process.
func (p *Processor) WorkerID(n int) string {
	return fmt.Sprintf("%s-%d", p.opts.Host, n)
}

// Run starts every slot and the sweeper and blocks until ctx is cancelled or
// one of them fails.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for n := 1; n <= p.opts.Concurrency; n++ {
		workerID := p.WorkerID(n)
		g.Go(func() error { return p.runSlot(ctx, workerID) })
	}
	g.Go(func() error { return p.runSweeper(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Processor) runSlot(ctx context.Context, workerID string) error {
	log := p.logger.With().Str("worker_id", workerID).Logger()
	log.Info().Msg("worker slot started")
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		worked, err := p.RunOnce(ctx, workerID)
		if err != nil {
			// Store failures leave job state unknown; retrying acquire is safe.
			log.Error().Err(err).Msg("acquire failed")
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.opts.PollInterval):
		}
	}
}

func (p *Processor) runSweeper(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()
	for {
		p.Sweep(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep reclaims expired leases once and refreshes the ready depth gauge.
func (p *Processor) Sweep(ctx context.Context) {
	if n, err := p.mgr.ReclaimExpired(ctx, p.opts.MaxLeaseDuration); err != nil {
		if ctx.Err() == nil {
			p.logger.Error().Err(err).Msg("reclaim expired leases failed")
		}
	} else if n > 0 {
		p.logger.Warn().Int("count", n).Dur("max_lease", p.opts.MaxLeaseDuration).Msg("reclaimed expired leases")
	}
	if depth, err := p.mgr.Ready(ctx); err == nil {
		telemetry.ReadyDepthGauge.Set(float64(depth))
	}
}

// RunOnce leases at most one job for workerID and runs it to completion. It
// reports whether a job was leased. Only acquire failures are returned;
// outcomes of the job itself are recorded on the job.
func (p *Processor) RunOnce(ctx context.Context, workerID string) (bool, error) {
	job, ok, err := p.mgr.Acquire(ctx, workerID)
	if err != nil || !ok {
		return false, err
	}
	p.process(ctx, workerID, job)
	return true, nil
}

func (p *Processor) process(ctx context.Context, workerID string, job models.Job) {
	log := p.logger.With().Str("worker_id", workerID).Str("job_id", job.ID).
		Str("job_type", string(job.Type)).Int("attempt", job.AttemptCount).Logger()

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	// The lease may be reclaimed once it is older than the maximum duration,
	// so the handler gets no longer than that.
	held := lease.LeaseOf(job, workerID)
	jobCtx, cancel := context.WithTimeout(ctx, p.opts.MaxLeaseDuration)
	start := time.Now()
	runErr := p.runJob(jobCtx, job)
	cancel()

	if runErr == nil {
		_, err := p.mgr.Complete(ctx, held)
		p.report(log, err, "complete")
		if err == nil {
			log.Info().Dur("elapsed", time.Since(start)).Msg("job succeeded")
		}
		return
	}

	reason := reasonFor(runErr)
	log.Warn().Err(runErr).Str("reason", reason).Msg("job attempt failed")
	_, err := p.mgr.Fail(ctx, held, reason)
	p.report(log, err, "fail")
}

// report logs the outcome of a complete/fail call. A lease mismatch means
// another actor took over the job; the call is not retried.
func (p *Processor) report(log zerolog.Logger, err error, op string) {
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrLeaseMismatch):
		log.Warn().Str("op", op).Msg("lease lost before report, dropping result")
	default:
		log.Error().Err(err).Str("op", op).Msg("report failed, lease will expire")
	}
}

// runJob executes the job with the handler registered for its type.
func (p *Processor) runJob(ctx context.Context, job models.Job) (err error) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		return Fail("unknown_job_type", fmt.Errorf("no handler registered for type %q", job.Type))
	}
	defer func() {
		if r := recover(); r != nil {
			err = Fail("handler_panic", fmt.Errorf("%v", r))
		}
	}()
	return handler(ctx, job)
}

func reasonFor(err error) string {
	var re *ReasonError
	if errors.As(err, &re) {
		return re.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "lease_timeout"
	}
	return err.Error()
}
