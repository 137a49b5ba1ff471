package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"rostersync.org/internal/ids"
	"rostersync.org/internal/obs"
)

// Handler executes one job. Returning an error wrapped with
// backoff.Permanent fails the job without further attempts.
type Handler func(ctx context.Context, job Job) error

// Option configures a Queue.
type Option func(*Queue)

// WithWorkers bounds concurrently running jobs.
func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithPollInterval sets how often due jobs are claimed.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.poll = d
		}
	}
}

// WithRetryBackoff sets the initial and maximum retry delay.
func WithRetryBackoff(initial, max time.Duration) Option {
	return func(q *Queue) {
		q.retryInitial = initial
		q.retryMax = max
	}
}

// WithJobTimeout bounds one handler invocation. Zero means no limit.
func WithJobTimeout(d time.Duration) Option {
	return func(q *Queue) { q.jobTimeout = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue claims due jobs from a Store and runs them on a bounded worker pool.
type Queue struct {
	store        Store
	handler      Handler
	workers      int
	poll         time.Duration
	retryInitial time.Duration
	retryMax     time.Duration
	jobTimeout   time.Duration
	now          func() time.Time

	mu      sync.Mutex
	handles map[string]*Handle
	running int
	started bool
	stopped bool
	stop    chan struct{}
	wake    chan struct{}
	loop    sync.WaitGroup
	jobs    sync.WaitGroup
}

func New(store Store, opts ...Option) *Queue {
	q := &Queue{
		store:        store,
		workers:      4,
		poll:         time.Second,
		retryInitial: 30 * time.Second,
		retryMax:     30 * time.Minute,
		now:          func() time.Time { return time.Now().UTC() },
		handles:      make(map[string]*Handle),
		stop:         make(chan struct{}),
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetHandler registers the job handler. It must be called before Start.
func (q *Queue) SetHandler(h Handler) {
	q.mu.Lock()
	q.handler = h
	q.mu.Unlock()
}

// Enqueue stores job and returns a handle that resolves when it finishes.
func (q *Queue) Enqueue(ctx context.Context, job Job) (*Handle, error) {
	if job.Key == "" || job.IntegrationID == "" {
		return nil, errors.New("jobqueue: key and integration id are required")
	}
	now := q.now()
	if job.ID == "" {
		job.ID = ids.NewAt(now)
	}
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	if job.Kind == "" {
		job.Kind = KindScheduled
	}
	job.Status = StatusPending
	job.Attempts = 0
	job.CreatedAt, job.UpdatedAt = now, now

	h := newHandle(job.ID)
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil, ErrStopped
	}
	// registered first so a fast worker can always resolve it
	q.handles[job.ID] = h
	q.mu.Unlock()

	if err := q.store.Insert(ctx, &job); err != nil {
		q.mu.Lock()
		delete(q.handles, job.ID)
		q.mu.Unlock()
		return nil, err
	}
	obs.Jobs.WithLabelValues(string(job.Kind), "enqueued").Inc()

	if !job.RunAt.After(now) {
		q.notify()
	}
	return h, nil
}

// Handle returns the completion handle of a job enqueued by this process.
func (q *Queue) Handle(jobID string) (*Handle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.handles[jobID]
	return h, ok
}

// Pending lists the not-yet-started jobs of an integration.
func (q *Queue) Pending(ctx context.Context, integrationID string) ([]Job, error) {
	return q.store.Pending(ctx, integrationID)
}

// Get returns one job.
func (q *Queue) Get(ctx context.Context, id string) (Job, error) {
	return q.store.Get(ctx, id)
}

// CancelPending cancels pending jobs of an integration. Running jobs are not
// interrupted.
func (q *Queue) CancelPending(ctx context.Context, integrationID string) (int, error) {
	cancelled, err := q.store.CancelPending(ctx, integrationID)
	if err != nil {
		return 0, err
	}
	for _, j := range cancelled {
		q.resolve(j.ID, ErrCancelled)
		obs.Jobs.WithLabelValues(string(j.Kind), "cancelled").Inc()
	}
	return len(cancelled), nil
}

// Prune deletes finished jobs older than retention.
func (q *Queue) Prune(ctx context.Context, retention time.Duration) (int, error) {
	return q.store.Prune(ctx, q.now().Add(-retention))
}

// Start requeues jobs orphaned by a previous process and begins polling.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.handler == nil {
		return ErrNoHandler
	}
	if q.stopped {
		return ErrStopped
	}
	if q.started {
		return nil
	}
	n, err := q.store.Requeue(ctx)
	if err != nil {
		return fmt.Errorf("jobqueue: requeue: %w", err)
	}
	if n > 0 {
		obs.Logger().Warn().Int("jobs", n).Msg("requeued jobs left running by a previous process")
	}
	q.started = true
	q.loop.Add(1)
	go q.run()
	return nil
}

// Stop halts claiming and waits for running jobs until ctx ends. Running
// jobs are never interrupted.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	close(q.stop)
	q.mu.Unlock()

	q.loop.Wait()
	done := make(chan struct{})
	go func() {
		q.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer q.loop.Done()
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()
	for {
		q.claim()
		select {
		case <-q.stop:
			return
		case <-ticker.C:
		case <-q.wake:
		}
	}
}

func (q *Queue) claim() {
	q.mu.Lock()
	free := q.workers - q.running
	q.mu.Unlock()
	if free <= 0 {
		return
	}
	jobs, err := q.store.ClaimDue(context.Background(), q.now(), free)
	if err != nil {
		obs.Logger().Error().Err(err).Msg("claim due jobs failed")
		return
	}
	for _, j := range jobs {
		q.mu.Lock()
		q.running++
		q.mu.Unlock()
		q.jobs.Add(1)
		obs.JobsRunning.Inc()
		go q.execute(j)
	}
}

func (q *Queue) execute(job Job) {
	defer func() {
		q.mu.Lock()
		q.running--
		q.mu.Unlock()
		obs.JobsRunning.Dec()
		q.jobs.Done()
		q.notify()
	}()

	ctx := context.Background()
	if q.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.jobTimeout)
		defer cancel()
	}
	q.mu.Lock()
	handler := q.handler
	q.mu.Unlock()

	log := obs.Logger().With().
		Str("job_id", job.ID).
		Str("job_key", job.Key).
		Str("integration_id", job.IntegrationID).
		Int("attempt", job.Attempts).
		Logger()

	err := runSafely(ctx, handler, job)
	bg := context.Background()
	switch {
	case err == nil:
		if serr := q.store.Complete(bg, job.ID); serr != nil {
			log.Error().Err(serr).Msg("mark job completed failed")
		}
		obs.Jobs.WithLabelValues(string(job.Kind), "completed").Inc()
		q.resolve(job.ID, nil)
	case isPermanent(err) || job.Attempts >= job.MaxAttempts:
		if serr := q.store.Fail(bg, job.ID, err.Error()); serr != nil {
			log.Error().Err(serr).Msg("mark job failed failed")
		}
		log.Error().Err(err).Bool("permanent", isPermanent(err)).Msg("job failed")
		obs.Jobs.WithLabelValues(string(job.Kind), "failed").Inc()
		q.resolve(job.ID, unwrapPermanent(err))
	default:
		delay := q.retryDelay(job.Attempts)
		if serr := q.store.Retry(bg, job.ID, q.now().Add(delay), err.Error()); serr != nil {
			log.Error().Err(serr).Msg("reschedule job failed")
		}
		log.Warn().Err(err).Dur("retry_in", delay).Msg("job failed; will retry")
		obs.Jobs.WithLabelValues(string(job.Kind), "retried").Inc()
	}
}

func runSafely(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("jobqueue: handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (q *Queue) resolve(id string, err error) {
	q.mu.Lock()
	h, ok := q.handles[id]
	delete(q.handles, id)
	q.mu.Unlock()
	if ok {
		h.resolve(err)
	}
}

// retryDelay is the exponential delay after the given attempt number.
func (q *Queue) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.retryInitial
	b.MaxInterval = q.retryMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func isPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
