// Package workqueue runs a list of named workers strictly one after the
// other. Each worker hands control back by calling Next (or Fail) when it is
// done, which may happen on any goroutine; the queue then starts the next
// worker on that same goroutine. Every worker receives its own handle onto
// the queue, and only the first Next or Fail through that handle advances.
// Once every worker has run, or as soon as an error has been recorded, the
// completion handler fires exactly once.
package workqueue

import (
	"context"
	"sync"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"pkt.systems/acsconfig/client"
	"pkt.systems/acsconfig/internal/svcfields"
)

// Worker is one step of a queue. It must eventually call q.Next or q.Fail on
// the handle it was given.
type Worker func(q *Queue)

type namedWorker struct {
	name string
	fn   Worker
}

// Queue sequences workers and carries the state they share. The value
// returned by New and the handles passed to workers share one run; step
// records which worker a handle was issued to (0 for the starter).
type Queue struct {
	*run
	step int
}

type run struct {
	runID  string
	logger pslog.Logger
	meter  *queueMetrics

	mu         sync.Mutex
	workers    []namedWorker
	next       int
	completed  bool
	status     func(string)
	completion func(*Queue)
	done       chan struct{}

	stateMu sync.RWMutex
	values  map[string]any
	err     error
	client  *client.Client
}

// Option customises a Queue.
type Option func(*Queue)

// WithLogger sets the queue logger. Nil selects a no-op logger.
func WithLogger(logger pslog.Logger) Option {
	return func(q *Queue) {
		q.logger = svcfields.WithSubsystem(logger, "workqueue")
	}
}

// WithClient presets the shared service client.
func WithClient(c *client.Client) Option {
	return func(q *Queue) {
		q.client = c
	}
}

// WithStatusTarget presets the status sink.
func WithStatusTarget(fn func(string)) Option {
	return func(q *Queue) {
		q.status = fn
	}
}

// New returns an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{run: &run{
		runID:  xid.New().String(),
		logger: pslog.NoopLogger(),
		values: make(map[string]any),
		done:   make(chan struct{}),
	}}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	q.logger = q.logger.With("run", q.runID)
	q.meter = newQueueMetrics(q.logger)
	return q
}

// RunID identifies this queue in logs.
func (q *Queue) RunID() string { return q.runID }

// Add appends a worker. Workers added after the queue completed never run.
func (q *Queue) Add(name string, w Worker) {
	if w == nil {
		return
	}
	q.mu.Lock()
	q.workers = append(q.workers, namedWorker{name: name, fn: w})
	q.mu.Unlock()
}

// Len returns the number of workers added so far.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.workers)
}

// ProcessLast starts the queue or resumes it after the current worker. When
// an error is recorded or no workers remain, it completes the queue instead.
// A handle only advances the queue once; later calls through it are ignored.
func (q *Queue) ProcessLast() {
	q.mu.Lock()
	if q.completed {
		q.mu.Unlock()
		return
	}
	if q.step != q.next {
		current := q.next
		q.mu.Unlock()
		q.logger.Debug("workqueue.advance.ignored", "handle", q.step, "current", current)
		return
	}
	err := q.Err()
	if err != nil || q.next >= len(q.workers) {
		q.completed = true
		skipped := len(q.workers) - q.next
		handler := q.completion
		q.mu.Unlock()
		q.finish(err, skipped, handler)
		return
	}
	w := q.workers[q.next]
	q.next++
	handle := &Queue{run: q.run, step: q.next}
	status := q.status
	q.mu.Unlock()

	if status != nil {
		status(w.name)
	}
	q.logger.Debug("workqueue.worker.start", "worker", w.name, "index", handle.step)
	q.meter.started(w.name)
	w.fn(handle)
}

// Next hands control to the next worker. Workers call it when they are done.
func (q *Queue) Next() { q.ProcessLast() }

// Fail records err and advances, which completes the queue. Fail through a
// handle that has already advanced is ignored.
func (q *Queue) Fail(err error) {
	q.mu.Lock()
	stale := q.completed || q.step != q.next
	q.mu.Unlock()
	if stale {
		q.logger.Debug("workqueue.fail.ignored", "handle", q.step, "error", err)
		return
	}
	q.SetError(err)
	q.ProcessLast()
}

func (q *Queue) finish(err error, skipped int, handler func(*Queue)) {
	if err != nil {
		q.logger.Warn("workqueue.complete.error", "error", err, "skipped", skipped)
	} else {
		q.logger.Debug("workqueue.complete.success")
	}
	q.meter.completed(err, skipped)
	if handler != nil {
		handler(&Queue{run: q.run})
	}
	close(q.done)
}

// SetError records err unless an error is already present.
func (q *Queue) SetError(err error) {
	if err == nil {
		return
	}
	q.stateMu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.stateMu.Unlock()
}

// Err returns the first recorded error.
func (q *Queue) Err() error {
	q.stateMu.RLock()
	defer q.stateMu.RUnlock()
	return q.err
}

// Set stores value under key. Later writes replace earlier ones.
func (q *Queue) Set(key string, value any) {
	q.stateMu.Lock()
	q.values[key] = value
	q.stateMu.Unlock()
}

// Get returns the value stored under key.
func (q *Queue) Get(key string) (any, bool) {
	q.stateMu.RLock()
	defer q.stateMu.RUnlock()
	v, ok := q.values[key]
	return v, ok
}

// String returns the value under key when it is a string.
func (q *Queue) String(key string) string {
	v, _ := q.Get(key)
	s, _ := v.(string)
	return s
}

// Values returns a copy of the shared values.
func (q *Queue) Values() map[string]any {
	q.stateMu.RLock()
	defer q.stateMu.RUnlock()
	out := make(map[string]any, len(q.values))
	for k, v := range q.values {
		out[k] = v
	}
	return out
}

// Client returns the shared service client.
func (q *Queue) Client() *client.Client {
	q.stateMu.RLock()
	defer q.stateMu.RUnlock()
	return q.client
}

// SetClient replaces the shared service client.
func (q *Queue) SetClient(c *client.Client) {
	q.stateMu.Lock()
	q.client = c
	q.stateMu.Unlock()
}

// SetStatusTarget sets the function that receives status messages.
func (q *Queue) SetStatusTarget(fn func(string)) {
	q.mu.Lock()
	q.status = fn
	q.mu.Unlock()
}

// Status forwards msg to the status target, if any.
func (q *Queue) Status(msg string) {
	q.mu.Lock()
	status := q.status
	q.mu.Unlock()
	q.logger.Trace("workqueue.status", "message", msg)
	if status != nil {
		status(msg)
	}
}

// SetCompletionHandler sets the function called once the queue completes.
func (q *Queue) SetCompletionHandler(fn func(*Queue)) {
	q.mu.Lock()
	q.completion = fn
	q.mu.Unlock()
}

// Done is closed when the queue completes, after the completion handler
// has returned.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Completed reports whether the queue has completed.
func (q *Queue) Completed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the queue completes and returns its error, or returns
// ctx.Err() if ctx ends first. Wait does not stop a running worker.
func (q *Queue) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-q.done:
		return q.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the queue and waits for it to complete.
func (q *Queue) Run(ctx context.Context) error {
	q.ProcessLast()
	return q.Wait(ctx)
}

type queueMetrics struct {
	workers   metric.Int64Counter
	completes metric.Int64Counter
	skipped   metric.Int64Counter
}

func newQueueMetrics(logger pslog.Logger) *queueMetrics {
	meter := otel.Meter("pkt.systems/acsconfig/workqueue")
	m := &queueMetrics{}
	var err error
	m.workers, err = meter.Int64Counter("acsconfig.workqueue.workers.started",
		metric.WithDescription("Workers started"))
	logMetricInitError(logger, "acsconfig.workqueue.workers.started", err)
	m.completes, err = meter.Int64Counter("acsconfig.workqueue.completed",
		metric.WithDescription("Queues completed"))
	logMetricInitError(logger, "acsconfig.workqueue.completed", err)
	m.skipped, err = meter.Int64Counter("acsconfig.workqueue.workers.skipped",
		metric.WithDescription("Workers skipped after an error"))
	logMetricInitError(logger, "acsconfig.workqueue.workers.skipped", err)
	return m
}

func (m *queueMetrics) started(name string) {
	if m == nil || m.workers == nil {
		return
	}
	m.workers.Add(context.Background(), 1, metric.WithAttributes(attribute.String("worker", name)))
}

func (m *queueMetrics) completed(err error, skipped int) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	if m.completes != nil {
		m.completes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if m.skipped != nil && skipped > 0 {
		m.skipped.Add(context.Background(), int64(skipped))
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failure", "metric", name, "error", err)
}
