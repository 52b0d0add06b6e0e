// Package queue implements the bounded worker pool that every orchestrator
// run uses to fan out HTTP requests to backends (spec §4.7). It is a
// library, not a daemon: the orchestrator constructs one, submits requests,
// waits for drain, and discards it.
package queue

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// requestsTotal counts processed queue requests by backend tag and outcome
// ("succeeded"/"failed"), registered against the default prometheus
// registry so an embedding process can expose /metrics without the queue
// package owning an HTTP surface of its own.
var requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "watchstate",
	Subsystem: "queue",
	Name:      "requests_total",
	Help:      "Outbound backend requests processed by the worker queue, by backend tag and outcome.",
}, []string{"tag", "outcome"})

func init() {
	prometheus.MustRegister(requestsTotal)
}

// Request is one unit of work submitted to the queue.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Tag     string // backend name, for per-backend serialization and metrics

	OnSuccess func(*http.Response)
	OnError   func(error)
}

// Config controls pool sizing and per-request behavior (spec §4.7 and §5).
type Config struct {
	Workers         int           // default 10; buffer size of each tag's lane, one worker goroutine per tag
	RequestTimeout  time.Duration // default 300s
	MaxAttempts     int           // default 3
	GraceOnCancel   time.Duration // default 5s — deadline shrink after cancellation
	RatePerSecond   float64       // per-tag outbound rate limit; 0 disables limiting
	Logger          *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 300 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.GraceOnCancel <= 0 {
		c.GraceOnCancel = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Stats reports completion counts, used by the orchestrator to build a
// per-backend RunReport entry.
type Stats struct {
	Queued    int64
	Succeeded int64
	Failed    int64
}

// Queue is a bounded worker pool of HTTP request workers. Per spec §5,
// successive requests tagged with the same backend are serialized in
// submission order; different tags run concurrently.
type Queue struct {
	cfg    Config
	client *http.Client

	mu        sync.Mutex
	lanes     map[string]chan queuedRequest // one serialized lane per tag
	breakers  map[string]*gobreaker.CircuitBreaker[*http.Response]
	limiters  map[string]*rate.Limiter
	stats     map[string]*laneStats
	wg        sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

// queuedRequest pairs a Request with the caller's context at submission
// time, so cancellation reaches the worker long after Submit returned.
type queuedRequest struct {
	ctx context.Context
	req Request
}

type laneStats struct {
	mu        sync.Mutex
	queued    int64
	succeeded int64
	failed    int64
}

// New creates a Queue ready to accept requests. Wait releases the worker
// goroutines; the Queue is single-use per orchestrator run.
func New(cfg Config) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		cfg:      cfg,
		client:   &http.Client{Timeout: 0}, // per-request deadline applied via context
		lanes:    make(map[string]chan queuedRequest),
		breakers: make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
		limiters: make(map[string]*rate.Limiter),
		stats:    make(map[string]*laneStats),
		closed:   make(chan struct{}),
	}
}

// Submit enqueues a request onto its tag's lane, starting the lane's worker
// goroutine on first use. Submit blocks (backpressure) if the lane's buffer
// is full — spec §5 "every queue submit when the channel is at capacity".
func (q *Queue) Submit(ctx context.Context, req Request) {
	lane, stats := q.laneFor(req.Tag)
	stats.mu.Lock()
	stats.queued++
	stats.mu.Unlock()

	select {
	case lane <- queuedRequest{ctx: ctx, req: req}:
	case <-ctx.Done():
		if req.OnError != nil {
			req.OnError(ctx.Err())
		}
	}
}

// laneFor returns the channel and stats bucket for tag, creating and
// starting its worker the first time the tag is seen.
func (q *Queue) laneFor(tag string) (chan queuedRequest, *laneStats) {
	q.mu.Lock()
	defer q.mu.Unlock()

	lane, ok := q.lanes[tag]
	if ok {
		return lane, q.stats[tag]
	}

	lane = make(chan queuedRequest, q.cfg.Workers)
	stats := &laneStats{}
	q.lanes[tag] = lane
	q.stats[tag] = stats
	q.breakers[tag] = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        tag,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	if q.cfg.RatePerSecond > 0 {
		q.limiters[tag] = rate.NewLimiter(rate.Limit(q.cfg.RatePerSecond), int(q.cfg.RatePerSecond)+1)
	}

	q.wg.Add(1)
	go q.worker(tag, lane, stats)

	return lane, stats
}

// worker drains one tag's lane in submission order — the serialization
// guarantee of spec §5 falls directly out of using one goroutine per lane.
func (q *Queue) worker(tag string, lane chan queuedRequest, stats *laneStats) {
	defer q.wg.Done()
	for qr := range lane {
		q.run(tag, qr.ctx, qr.req, stats)
	}
}

func (q *Queue) run(tag string, ctx context.Context, req Request, stats *laneStats) {
	if limiter := q.limiters[tag]; limiter != nil {
		_ = limiter.Wait(context.Background())
	}

	resp, err := q.doWithRetry(tag, ctx, req)
	stats.mu.Lock()
	if err != nil {
		stats.failed++
	} else {
		stats.succeeded++
	}
	stats.mu.Unlock()

	if err != nil {
		requestsTotal.WithLabelValues(tag, "failed").Inc()
	} else {
		requestsTotal.WithLabelValues(tag, "succeeded").Inc()
	}

	if err != nil {
		if req.OnError != nil {
			req.OnError(err)
		}
		return
	}
	if req.OnSuccess != nil {
		req.OnSuccess(resp)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
}

// doWithRetry executes req through the tag's circuit breaker, retrying
// transient failures (network errors, 5xx, 429) with exponential backoff
// and jitter up to Config.MaxAttempts.
func (q *Queue) doWithRetry(tag string, ctx context.Context, req Request) (*http.Response, error) {
	breaker := q.breakers[tag]

	var lastErr error
	for attempt := 0; attempt < q.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 200 * time.Millisecond
			jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
			time.Sleep(backoff + jitter)
		}

		resp, err := breaker.Execute(func() (*http.Response, error) {
			return q.do(ctx, req)
		})

		if err == nil && !isRetryableStatus(resp.StatusCode) {
			return resp, nil
		}
		if err == nil {
			lastErr = &httpStatusError{status: resp.StatusCode}
			_ = resp.Body.Close()
		} else {
			lastErr = err
		}
		if err != nil && !isRetryableError(err) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// do executes one HTTP attempt bounded by Config.RequestTimeout. The request
// context starts independent of the caller's, so Submit's caller cancelling
// early doesn't itself abort an in-flight request; spec §5 instead shrinks
// its remaining deadline to GraceOnCancel and hard-aborts once that grace
// period elapses.
func (q *Queue) do(callerCtx context.Context, req Request) (*http.Response, error) {
	reqCtx, cancel := context.WithTimeout(context.Background(), q.cfg.RequestTimeout)
	defer cancel()

	if callerCtx != nil {
		stopWatch := context.AfterFunc(callerCtx, func() {
			time.AfterFunc(q.cfg.GraceOnCancel, cancel)
		})
		defer stopWatch()
	}

	ctx := reqCtx
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	return q.client.Do(httpReq)
}

type httpStatusError struct{ status int }

func (e *httpStatusError) Error() string {
	return "unexpected status code"
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func isRetryableError(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return isRetryableStatus(statusErr.status)
	}
	var netErr net_Error
	return errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded)
}

// net_Error mirrors net.Error's Timeout() contract without importing net
// just for the interface shape used by errors.As above.
type net_Error interface {
	error
	Timeout() bool
}

// Wait blocks until every submitted request has been processed (a
// completion barrier), then releases worker goroutines. After Wait returns,
// the Queue must not be reused.
func (q *Queue) Wait() {
	q.mu.Lock()
	for _, lane := range q.lanes {
		close(lane)
	}
	q.mu.Unlock()
	q.wg.Wait()
	q.closeOnce.Do(func() { close(q.closed) })
}

// Stats returns a snapshot of queued/succeeded/failed counts per tag.
func (q *Queue) Stats() map[string]Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]Stats, len(q.stats))
	for tag, s := range q.stats {
		s.mu.Lock()
		out[tag] = Stats{Queued: s.queued, Succeeded: s.succeeded, Failed: s.failed}
		s.mu.Unlock()
	}
	return out
}
