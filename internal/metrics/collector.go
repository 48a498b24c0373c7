package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Snapshot is the complete metrics state of one service at a point in time.
type Snapshot struct {
	Service    string           `json:"service"`
	Timestamp  time.Time        `json:"timestamp"`
	StartedAt  time.Time        `json:"started_at"`
	ElapsedSec float64          `json:"elapsed_sec"`
	Phase      string           `json:"phase"`
	Counters   map[string]int64 `json:"counters"`
	Gauges     map[string]int64 `json:"gauges"`
	TotalRows  int64            `json:"total_rows"`
	RowsPerSec float64          `json:"rows_per_sec"`
	ErrorCount int64            `json:"error_count"`
	LastError  string           `json:"last_error,omitempty"`
}

// Collector aggregates one service's counters and gauges and produces
// snapshots for the status file.
type Collector struct {
	service string
	logger  zerolog.Logger

	mu        sync.RWMutex
	phase     string
	counters  map[string]int64
	gauges    map[string]int64
	startedAt time.Time

	totalRows  atomic.Int64
	errorCount atomic.Int64
	lastError  atomic.Value // string

	rowWindow *slidingWindow
}

// NewCollector creates a Collector for the named service.
func NewCollector(service string, logger zerolog.Logger) *Collector {
	return &Collector{
		service:   service,
		logger:    logger.With().Str("component", "metrics").Logger(),
		phase:     "starting",
		counters:  make(map[string]int64),
		gauges:    make(map[string]int64),
		startedAt: time.Now(),
		rowWindow: newSlidingWindow(60 * time.Second),
	}
}

// SetPhase updates the service's coarse lifecycle phase.
func (c *Collector) SetPhase(phase string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = phase
}

// Add increments the named counter by delta.
func (c *Collector) Add(name string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] += delta
}

// Inc increments the named counter by one.
func (c *Collector) Inc(name string) {
	c.Add(name, 1)
}

// SetGauge records the current value of the named gauge.
func (c *Collector) SetGauge(name string, value int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[name] = value
}

// RecordRows feeds the throughput window after a successful insert.
func (c *Collector) RecordRows(n int64) {
	c.totalRows.Add(n)
	c.rowWindow.Add(time.Now(), float64(n))
}

// RecordError increments the error count and stores the last error message.
func (c *Collector) RecordError(err error) {
	c.errorCount.Add(1)
	if err != nil {
		c.lastError.Store(err.Error())
	}
}

// Snapshot returns the current metrics state. Safe for concurrent use.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	counters := make(map[string]int64, len(c.counters))
	for k, v := range c.counters {
		counters[k] = v
	}
	gauges := make(map[string]int64, len(c.gauges))
	for k, v := range c.gauges {
		gauges[k] = v
	}

	var lastErr string
	if v := c.lastError.Load(); v != nil {
		lastErr = v.(string)
	}

	return Snapshot{
		Service:    c.service,
		Timestamp:  now,
		StartedAt:  c.startedAt,
		ElapsedSec: now.Sub(c.startedAt).Seconds(),
		Phase:      c.phase,
		Counters:   counters,
		Gauges:     gauges,
		TotalRows:  c.totalRows.Load(),
		RowsPerSec: c.rowWindow.Rate(),
		ErrorCount: c.errorCount.Load(),
		LastError:  lastErr,
	}
}

// --- Sliding window for throughput calculation ---

type windowEntry struct {
	time  time.Time
	value float64
}

type slidingWindow struct {
	mu      sync.Mutex
	entries []windowEntry
	window  time.Duration
}

func newSlidingWindow(d time.Duration) *slidingWindow {
	return &slidingWindow{
		entries: make([]windowEntry, 0, 128),
		window:  d,
	}
}

func (w *slidingWindow) Add(t time.Time, val float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, windowEntry{time: t, value: val})
	w.evict(t)
}

func (w *slidingWindow) Rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.evict(now)
	if len(w.entries) == 0 {
		return 0
	}
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	elapsed := now.Sub(w.entries[0].time).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	return total / elapsed
}

func (w *slidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].time.Before(cutoff) {
		i++
	}
	if i > 0 {
		copy(w.entries, w.entries[i:])
		w.entries = w.entries[:len(w.entries)-i]
	}
}
