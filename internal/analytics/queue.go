package analytics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/urgood/voiceusage/internal/metrics"
)

const (
	DefaultBatchSize     = 50
	DefaultMaxQueue      = 1000
	DefaultFlushInterval = 5 * time.Second
)

// Event is a single analytics event
type Event struct {
	Name       string         `json:"event"`
	UserID     string         `json:"user_id"`
	Properties map[string]any `json:"properties,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Sink writes batches of events somewhere durable
type Sink interface {
	Write(ctx context.Context, events []Event) error
}

// Config holds queue configuration
type Config struct {
	BatchSize      int
	MaxQueue       int
	FlushInterval  time.Duration
	CriticalEvents []string // flushed as soon as they are tracked
}

// Queue buffers events in memory and writes them to a sink in batches.
// Track never blocks the caller.
type Queue struct {
	sink     Sink
	config   Config
	critical map[string]struct{}
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending []Event

	flushMu  sync.Mutex // serializes sink writes
	started  atomic.Bool
	flushCh  chan struct{}
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
}

// NewQueue creates a new analytics queue
func NewQueue(sink Sink, config Config, logger zerolog.Logger) *Queue {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.MaxQueue <= 0 {
		config.MaxQueue = DefaultMaxQueue
	}
	if config.MaxQueue < config.BatchSize {
		config.MaxQueue = config.BatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}

	critical := make(map[string]struct{}, len(config.CriticalEvents))
	for _, name := range config.CriticalEvents {
		critical[name] = struct{}{}
	}

	return &Queue{
		sink:     sink,
		config:   config,
		critical: critical,
		logger:   logger.With().Str("component", "analytics").Logger(),
		now:      time.Now,
		flushCh:  make(chan struct{}, 1),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Track enqueues an event
func (q *Queue) Track(name, userID string, properties map[string]any) {
	event := Event{
		Name:       name,
		UserID:     userID,
		Properties: properties,
		Timestamp:  q.now().UTC(),
	}

	q.mu.Lock()
	q.pending = append(q.pending, event)
	dropped := q.trimLocked()
	size := len(q.pending)
	q.mu.Unlock()

	metrics.AnalyticsEventsEnqueued.WithLabelValues(name).Inc()
	if dropped > 0 {
		metrics.AnalyticsEventsDropped.Add(float64(dropped))
		q.logger.Warn().Int("dropped", dropped).Msg("Analytics queue full, dropped oldest events")
	}

	_, critical := q.critical[name]
	if critical || size >= q.config.BatchSize {
		q.signalFlush()
	}
}

// trimLocked drops the oldest events beyond MaxQueue. Caller holds mu.
func (q *Queue) trimLocked() int {
	overflow := len(q.pending) - q.config.MaxQueue
	if overflow <= 0 {
		return 0
	}
	q.pending = append([]Event(nil), q.pending[overflow:]...)
	return overflow
}

func (q *Queue) signalFlush() {
	select {
	case q.flushCh <- struct{}{}:
	default:
	}
}

// Len returns the number of events waiting to be flushed
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Flush writes pending events to the sink. Events from a failed write are
// put back at the front of the queue.
func (q *Queue) Flush(ctx context.Context) error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	for {
		q.mu.Lock()
		n := len(q.pending)
		if n == 0 {
			q.mu.Unlock()
			return nil
		}
		if n > q.config.BatchSize {
			n = q.config.BatchSize
		}
		batch := append([]Event(nil), q.pending[:n]...)
		q.pending = q.pending[n:]
		q.mu.Unlock()

		if err := q.sink.Write(ctx, batch); err != nil {
			metrics.AnalyticsFlushErrors.Inc()
			q.requeue(batch)
			return err
		}

		metrics.AnalyticsEventsFlushed.Add(float64(len(batch)))
		q.logger.Debug().Int("events", len(batch)).Msg("Flushed analytics events")
	}
}

func (q *Queue) requeue(batch []Event) {
	q.mu.Lock()
	q.pending = append(batch, q.pending...)
	dropped := q.trimLocked()
	q.mu.Unlock()

	if dropped > 0 {
		metrics.AnalyticsEventsDropped.Add(float64(dropped))
	}
}

// Start begins the background flush loop
func (q *Queue) Start() {
	if !q.started.CompareAndSwap(false, true) {
		return
	}
	go q.run()
	q.logger.Info().
		Int("batch_size", q.config.BatchSize).
		Dur("flush_interval", q.config.FlushInterval).
		Msg("Analytics queue started")
}

// Stop stops the flush loop and makes a final flush attempt
func (q *Queue) Stop(ctx context.Context) error {
	q.stopOnce.Do(func() { close(q.stopChan) })

	if q.started.Load() {
		select {
		case <-q.doneChan:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	err := q.Flush(ctx)
	if err != nil {
		q.logger.Error().Err(err).Int("pending", q.Len()).Msg("Final analytics flush failed")
	}
	q.logger.Info().Msg("Analytics queue stopped")
	return err
}

func (q *Queue) run() {
	defer close(q.doneChan)

	ticker := time.NewTicker(q.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.flushInBackground()
		case <-q.flushCh:
			q.flushInBackground()
		case <-q.stopChan:
			return
		}
	}
}

func (q *Queue) flushInBackground() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := q.Flush(ctx); err != nil {
		q.logger.Warn().Err(err).Int("pending", q.Len()).Msg("Analytics flush failed, will retry")
	}
}
