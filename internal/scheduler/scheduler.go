package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/nexusdb/nexus/internal/apierr"
	"github.com/nexusdb/nexus/internal/observability"
)

// Handler executes one scheduled function's path with its stored
// args. A process restart re-picks rows left running by a prior crash
// and retries them, so handlers must be idempotent or use their own
// dedupe key.
type Handler func(ctx context.Context, args json.RawMessage) error

// Scheduler is a persistent delayed-function queue ordered by run_at,
// woken by a recurring tick (every second) that scans for due
// work, plus an immediate wake on every run_after/run_at call so a
// newly-scheduled near-term function does not wait for the next tick.
type Scheduler struct {
	storage   *storage
	cron      *cron.Cron
	baseDelay time.Duration

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	metrics *observability.Metrics
	tracer  *observability.Tracer

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	concurrency chan struct{}
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithBaseDelay overrides the default 1s backoff base used by
// run_at = now + 2^retries * base_delay.
func WithBaseDelay(d time.Duration) Option {
	return func(s *Scheduler) { s.baseDelay = d }
}

// WithConcurrency bounds how many dispatches run at once.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) { s.concurrency = make(chan struct{}, n) }
}

// New returns a Scheduler backed by pool. Call Start to begin firing.
func New(pool *pgxpool.Pool, opts ...Option) *Scheduler {
	s := &Scheduler{
		storage:     newStorage(pool),
		cron:        cron.New(cron.WithSeconds()),
		baseDelay:   time.Second,
		handlers:    make(map[string]Handler),
		wake:        make(chan struct{}, 1),
		concurrency: make(chan struct{}, 20),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) SetMetrics(m *observability.Metrics) { s.metrics = m }
func (s *Scheduler) SetTracer(t *observability.Tracer)   { s.tracer = t }

// RegisterHandler binds a function_path to the code that runs when it
// fires. Dispatching a function_path with no registered handler fails
// and is recorded as a retry like any other handler error.
func (s *Scheduler) RegisterHandler(functionPath string, h Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[functionPath] = h
}

func (s *Scheduler) handlerFor(functionPath string) (Handler, bool) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	h, ok := s.handlers[functionPath]
	return h, ok
}

// Start begins the alarm tick and the wake-triggered scan loop. It
// returns once the cron scheduler itself is running; the scan loop
// runs in the background until ctx is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.ctx = ctx
	s.cancel = cancel

	if reclaimed, err := s.storage.reclaimStale(ctx); err != nil {
		log.Error().Err(err).Msg("scheduler: reclaim stale running functions")
	} else if reclaimed > 0 {
		log.Warn().Int("count", reclaimed).Msg("scheduler: reclaimed functions left running by a prior crash")
	}

	if _, err := s.cron.AddFunc("* * * * * *", s.requestScan); err != nil {
		cancel()
		return apierr.Newf(apierr.CodeInternal, "schedule alarm tick: %s", err)
	}
	s.cron.Start()

	s.wg.Add(1)
	go s.scanLoop()

	log.Info().Msg("scheduler started")
	return nil
}

// Stop drains the scan loop and stops the cron tick. It does not wait
// for in-flight dispatches; a restart re-picks rows left running.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.cron.Stop()
	s.wg.Wait()
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) requestScan() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) scanLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
			s.fireDue()
		}
	}
}

func (s *Scheduler) fireDue() {
	due, err := s.storage.pickDue(s.ctx, nowMillis())
	if err != nil {
		log.Error().Err(err).Msg("scheduler: pick due functions")
		return
	}
	if s.metrics != nil {
		if pending, err := s.storage.countPending(s.ctx); err == nil {
			s.metrics.UpdateSchedulerQueueDepth(pending)
		}
	}
	for _, fn := range due {
		fn := fn
		s.concurrency <- struct{}{}
		go func() {
			defer func() { <-s.concurrency }()
			s.dispatch(fn)
		}()
	}
}

// RunAfter schedules path to run delay after now, returning the new
// function's id.
func (s *Scheduler) RunAfter(ctx context.Context, delay time.Duration, path string, args any) (string, error) {
	return s.RunAt(ctx, time.Now().Add(delay), path, args)
}

// RunAt schedules path to run at ts (clamped to now if already past),
// returning the new function's id. Every insert wakes the scan loop
// immediately rather than waiting for the next tick.
func (s *Scheduler) RunAt(ctx context.Context, ts time.Time, path string, args any) (string, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return "", apierr.Newf(apierr.CodeInvalidValue, "marshal scheduled function args: %s", err)
	}

	now := nowMillis()
	runAt := clampRunAt(now, ts.UnixMilli())

	fn := ScheduledFunction{
		ID:           uuid.NewString(),
		FunctionPath: path,
		Args:         payload,
		RunAt:        runAt,
		Status:       StatusPending,
		CreatedAt:    now,
		MaxRetries:   5,
	}
	if err := s.storage.insert(ctx, fn); err != nil {
		return "", err
	}
	s.requestScan()
	return fn.ID, nil
}

// Cancel atomically marks a pending function canceled. It returns
// false, not an error, when the function already fired or was already
// terminal — that is a race, not a failure.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	return s.storage.cancel(ctx, id)
}

// Get returns a scheduled function by id, or nil if it does not exist.
func (s *Scheduler) Get(ctx context.Context, id string) (*ScheduledFunction, error) {
	return s.storage.get(ctx, id)
}

// List returns scheduled functions matching filter, ordered by run_at ascending.
func (s *Scheduler) List(ctx context.Context, filter Filter) ([]ScheduledFunction, error) {
	return s.storage.list(ctx, filter)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// clampRunAt never allows a scheduled run_at to precede now; a
// caller requesting a past timestamp fires as soon as the next scan
// picks it up instead of being rejected.
func clampRunAt(now, runAt int64) int64 {
	if runAt < now {
		return now
	}
	return runAt
}
