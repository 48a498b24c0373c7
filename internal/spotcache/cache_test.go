package spotcache

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wsprdaemon/wsprserver/internal/wspr"
)

var (
	errTransient = errors.New("connection refused")
	errPermanent = errors.New("type mismatch")
)

func isTransient(err error) bool {
	return errors.Is(err, errTransient)
}

func testSpot(id uint64) wspr.Spot {
	return wspr.Spot{
		ID:        id,
		Time:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Band:      14,
		RxSign:    "AI6VN/KH6",
		TxSign:    "N6GN",
		Frequency: 14097100,
		SNR:       -21,
	}
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), isTransient, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return c
}

func TestCache_WriteAndReplay(t *testing.T) {
	c := newTestCache(t)

	if _, err := c.WriteBatch([]wspr.Spot{testSpot(1), testSpot(2)}); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}
	if _, err := c.WriteBatch([]wspr.Spot{testSpot(3)}); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}

	var inserted []uint64
	stats, err := c.ReplayAll(context.Background(), func(_ context.Context, spots []wspr.Spot) error {
		for _, s := range spots {
			inserted = append(inserted, s.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ReplayAll() error: %v", err)
	}
	if stats.Replayed != 2 || stats.Rows != 3 {
		t.Errorf("stats = %+v, want Replayed 2 Rows 3", stats)
	}
	want := []uint64{1, 2, 3}
	if len(inserted) != len(want) {
		t.Fatalf("inserted %v, want %v", inserted, want)
	}
	for i := range want {
		if inserted[i] != want[i] {
			t.Errorf("inserted[%d] = %d, want %d", i, inserted[i], want[i])
		}
	}
	if d := c.Depth(); d != 0 {
		t.Errorf("Depth() after replay = %d, want 0", d)
	}
}

func TestCache_FilenameFormat(t *testing.T) {
	c := newTestCache(t)

	name, err := c.WriteBatch([]wspr.Spot{testSpot(1)})
	if err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}
	pattern := regexp.MustCompile(`^spots_\d{8}_\d{6}_\d{6}\.json$`)
	if !pattern.MatchString(name) {
		t.Errorf("cache id %q does not match %s", name, pattern)
	}
	if _, err := os.Stat(filepath.Join(c.Dir(), name)); err != nil {
		t.Errorf("cache file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(c.Dir(), name+".tmp")); !os.IsNotExist(err) {
		t.Error("temporary file should not exist after write")
	}
}

func TestCache_EnvelopeFormat(t *testing.T) {
	c := newTestCache(t)
	spot := wspr.Spot{
		ID:        7892345678,
		Time:      time.Date(2024, 6, 1, 12, 10, 0, 0, time.UTC),
		Band:      14,
		RxSign:    "AI6VN/KH6",
		RxLat:     41.729,
		RxLon:     -72.708,
		RxLoc:     "FN31pr",
		TxSign:    "N6GN",
		TxLat:     42.104,
		TxLon:     -70.625,
		TxLoc:     "FN42qc",
		Distance:  177,
		Azimuth:   257,
		RxAzimuth: 76,
		Frequency: 14097112,
		Power:     37,
		SNR:       -21,
		Drift:     -1,
		Version:   "2.6.1",
		Code:      1,
	}

	name, err := c.WriteBatch([]wspr.Spot{spot})
	if err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(c.Dir(), name))
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}

	var envelope struct {
		Timestamp string  `json:"timestamp"`
		SpotCount int     `json:"spot_count"`
		Spots     [][]any `json:"spots"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if _, err := time.Parse(time.RFC3339Nano, envelope.Timestamp); err != nil {
		t.Errorf("timestamp %q is not RFC3339: %v", envelope.Timestamp, err)
	}
	if envelope.SpotCount != 1 {
		t.Errorf("spot_count = %d, want 1", envelope.SpotCount)
	}
	if len(envelope.Spots) != 1 {
		t.Fatalf("spots has %d rows, want 1", len(envelope.Spots))
	}
	if len(envelope.Spots[0]) != len(wspr.SpotColumns) {
		t.Errorf("row has %d values for %d columns", len(envelope.Spots[0]), len(wspr.SpotColumns))
	}

	var got wspr.Spot
	_, err = c.ReplayAll(context.Background(), func(_ context.Context, spots []wspr.Spot) error {
		got = spots[0]
		return nil
	})
	if err != nil {
		t.Fatalf("ReplayAll() error: %v", err)
	}
	if !got.Time.Equal(spot.Time) {
		t.Errorf("Time = %v, want %v", got.Time, spot.Time)
	}
	got.Time = spot.Time
	if got != spot {
		t.Errorf("replayed spot = %+v, want %+v", got, spot)
	}
}

func TestCache_FilenamesStayOrdered(t *testing.T) {
	c := newTestCache(t)

	var names []string
	for i := 0; i < 5; i++ {
		name, err := c.WriteBatch([]wspr.Spot{testSpot(uint64(i + 1))})
		if err != nil {
			t.Fatalf("WriteBatch() error: %v", err)
		}
		names = append(names, name)
	}
	for i := 1; i < len(names); i++ {
		if names[i] <= names[i-1] {
			t.Errorf("names[%d] = %q not after %q", i, names[i], names[i-1])
		}
	}
}

func TestCache_WriteBatchEmpty(t *testing.T) {
	c := newTestCache(t)

	name, err := c.WriteBatch(nil)
	if err != nil {
		t.Fatalf("WriteBatch(nil) error: %v", err)
	}
	if name != "" {
		t.Errorf("WriteBatch(nil) = %q, want empty id", name)
	}
	if d := c.Depth(); d != 0 {
		t.Errorf("Depth() = %d, want 0", d)
	}
}

func TestCache_ReplayStopsOnTransient(t *testing.T) {
	c := newTestCache(t)

	for i := 1; i <= 3; i++ {
		if _, err := c.WriteBatch([]wspr.Spot{testSpot(uint64(i))}); err != nil {
			t.Fatalf("WriteBatch() error: %v", err)
		}
	}

	calls := 0
	stats, err := c.ReplayAll(context.Background(), func(_ context.Context, _ []wspr.Spot) error {
		calls++
		if calls == 2 {
			return errTransient
		}
		return nil
	})
	if err == nil {
		t.Fatal("ReplayAll() error = nil, want transient failure")
	}
	if !errors.Is(err, errTransient) {
		t.Errorf("ReplayAll() error = %v, want %v", err, errTransient)
	}
	if stats.Replayed != 1 {
		t.Errorf("Replayed = %d, want 1", stats.Replayed)
	}
	if stats.Pending != 2 {
		t.Errorf("Pending = %d, want 2", stats.Pending)
	}
	if d := c.Depth(); d != 2 {
		t.Errorf("Depth() = %d, want 2", d)
	}

	// A later pass picks up where the failed one stopped.
	stats, err = c.ReplayAll(context.Background(), func(_ context.Context, _ []wspr.Spot) error {
		return nil
	})
	if err != nil {
		t.Fatalf("ReplayAll() retry error: %v", err)
	}
	if stats.Replayed != 2 {
		t.Errorf("Replayed = %d, want 2", stats.Replayed)
	}
	if d := c.Depth(); d != 0 {
		t.Errorf("Depth() = %d, want 0", d)
	}
}

func TestCache_PermanentRejectionQuarantined(t *testing.T) {
	c := newTestCache(t)

	if _, err := c.WriteBatch([]wspr.Spot{testSpot(1)}); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}
	if _, err := c.WriteBatch([]wspr.Spot{testSpot(2)}); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}

	calls := 0
	stats, err := c.ReplayAll(context.Background(), func(_ context.Context, _ []wspr.Spot) error {
		calls++
		if calls == 1 {
			return errPermanent
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ReplayAll() error: %v", err)
	}
	if stats.Corrupt != 1 || stats.Replayed != 1 {
		t.Errorf("stats = %+v, want Corrupt 1 Replayed 1", stats)
	}

	moved, err := os.ReadDir(filepath.Join(c.Dir(), corruptDirName))
	if err != nil {
		t.Fatalf("reading corrupt dir: %v", err)
	}
	if len(moved) != 1 {
		t.Errorf("corrupt dir has %d files, want 1", len(moved))
	}
}

func TestCache_UnreadableFileMoved(t *testing.T) {
	c := newTestCache(t)

	bad := filepath.Join(c.Dir(), "spots_20250601_000000_000001.json")
	if err := os.WriteFile(bad, []byte("not json"), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	stats, err := c.ReplayAll(context.Background(), func(_ context.Context, _ []wspr.Spot) error {
		t.Error("insert should not be called for an unreadable file")
		return nil
	})
	if err != nil {
		t.Fatalf("ReplayAll() error: %v", err)
	}
	if stats.Corrupt != 1 {
		t.Errorf("Corrupt = %d, want 1", stats.Corrupt)
	}
	if _, err := os.Stat(bad); !os.IsNotExist(err) {
		t.Error("unreadable file should have been moved out of the cache dir")
	}
}

func TestCache_HighestCachedID(t *testing.T) {
	c := newTestCache(t)

	id, err := c.HighestCachedID()
	if err != nil {
		t.Fatalf("HighestCachedID() error: %v", err)
	}
	if id != 0 {
		t.Errorf("HighestCachedID() on empty cache = %d, want 0", id)
	}

	if _, err := c.WriteBatch([]wspr.Spot{testSpot(10), testSpot(42)}); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}
	if _, err := c.WriteBatch([]wspr.Spot{testSpot(7)}); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}

	id, err = c.HighestCachedID()
	if err != nil {
		t.Fatalf("HighestCachedID() error: %v", err)
	}
	if id != 42 {
		t.Errorf("HighestCachedID() = %d, want 42", id)
	}
}

func TestCache_FallbackDir(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	// A path under a regular file can never be created.
	blocker := filepath.Join(tmp, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	c, err := New(filepath.Join(blocker, "cache"), isTransient, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	want := filepath.Join(os.TempDir(), fallbackDirName)
	if c.Dir() != want {
		t.Errorf("Dir() = %q, want fallback %q", c.Dir(), want)
	}
	if _, err := c.WriteBatch([]wspr.Spot{testSpot(1)}); err != nil {
		t.Errorf("WriteBatch() on fallback dir error: %v", err)
	}
}

func TestCache_ReplayCancelled(t *testing.T) {
	c := newTestCache(t)

	if _, err := c.WriteBatch([]wspr.Spot{testSpot(1)}); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stats, err := c.ReplayAll(ctx, func(_ context.Context, _ []wspr.Spot) error {
		t.Error("insert should not run after cancellation")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("ReplayAll() error = %v, want context.Canceled", err)
	}
	if stats.Pending != 1 {
		t.Errorf("Pending = %d, want 1", stats.Pending)
	}
}
