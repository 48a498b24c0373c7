package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestCollector_PhaseTracking(t *testing.T) {
	c := NewCollector("scraper", zerolog.Nop())

	c.SetPhase("logging_in")
	snap := c.Snapshot()
	if snap.Phase != "logging_in" {
		t.Errorf("Phase = %q, want logging_in", snap.Phase)
	}

	c.SetPhase("scraping")
	snap = c.Snapshot()
	if snap.Phase != "scraping" {
		t.Errorf("Phase = %q, want scraping", snap.Phase)
	}
}

func TestCollector_Counters(t *testing.T) {
	c := NewCollector("scraper", zerolog.Nop())

	c.Inc("fetches")
	c.Inc("fetches")
	c.Add("spots_inserted", 500)

	snap := c.Snapshot()
	if snap.Counters["fetches"] != 2 {
		t.Errorf("fetches = %d, want 2", snap.Counters["fetches"])
	}
	if snap.Counters["spots_inserted"] != 500 {
		t.Errorf("spots_inserted = %d, want 500", snap.Counters["spots_inserted"])
	}
}

func TestCollector_Gauges(t *testing.T) {
	c := NewCollector("scraper", zerolog.Nop())

	c.SetGauge("cache_depth", 7)
	c.SetGauge("cache_depth", 3)

	snap := c.Snapshot()
	if snap.Gauges["cache_depth"] != 3 {
		t.Errorf("cache_depth = %d, want 3", snap.Gauges["cache_depth"])
	}
}

func TestCollector_ErrorTracking(t *testing.T) {
	c := NewCollector("ingest", zerolog.Nop())

	c.RecordError(nil)
	snap := c.Snapshot()
	if snap.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", snap.ErrorCount)
	}

	c.RecordError(fmt.Errorf("test error"))
	snap = c.Snapshot()
	if snap.ErrorCount != 2 {
		t.Errorf("ErrorCount = %d, want 2", snap.ErrorCount)
	}
	if snap.LastError != "test error" {
		t.Errorf("LastError = %q, want 'test error'", snap.LastError)
	}
}

func TestCollector_TotalRows(t *testing.T) {
	c := NewCollector("scraper", zerolog.Nop())

	c.RecordRows(50)
	c.RecordRows(30)

	snap := c.Snapshot()
	if snap.TotalRows != 80 {
		t.Errorf("TotalRows = %d, want 80", snap.TotalRows)
	}
	if snap.RowsPerSec <= 0 {
		t.Errorf("RowsPerSec = %f, want > 0", snap.RowsPerSec)
	}
}

func TestCollector_SnapshotIsolation(t *testing.T) {
	c := NewCollector("scraper", zerolog.Nop())

	c.Add("fetches", 1)
	snap := c.Snapshot()
	snap.Counters["fetches"] = 99

	if got := c.Snapshot().Counters["fetches"]; got != 1 {
		t.Errorf("fetches = %d after mutating snapshot copy, want 1", got)
	}
}

func TestCollector_Elapsed(t *testing.T) {
	c := NewCollector("scraper", zerolog.Nop())

	c.SetPhase("scraping")
	time.Sleep(50 * time.Millisecond)
	snap := c.Snapshot()
	if snap.ElapsedSec < 0.04 {
		t.Errorf("ElapsedSec = %f, expected > 0.04", snap.ElapsedSec)
	}
}

func TestSlidingWindow_Rate(t *testing.T) {
	w := newSlidingWindow(5 * time.Second)
	now := time.Now()

	w.Add(now.Add(-3*time.Second), 30)
	w.Add(now.Add(-2*time.Second), 20)
	w.Add(now.Add(-1*time.Second), 10)

	rate := w.Rate()
	if rate <= 0 {
		t.Errorf("Rate() = %f, want > 0", rate)
	}
}

func TestSlidingWindow_Eviction(t *testing.T) {
	w := newSlidingWindow(100 * time.Millisecond)
	now := time.Now()

	w.Add(now.Add(-200*time.Millisecond), 100)
	w.Add(now, 50)

	rate := w.Rate()
	// The old entry should be evicted, leaving only the 50 entry.
	if rate <= 0 {
		t.Errorf("Rate() = %f, want > 0", rate)
	}
}

func TestSlidingWindow_Empty(t *testing.T) {
	w := newSlidingWindow(time.Second)
	if r := w.Rate(); r != 0 {
		t.Errorf("Rate() on empty window = %f, want 0", r)
	}
}
