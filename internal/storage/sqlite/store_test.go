package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/wesleyorama2/lagwatch/internal/guard"
	"github.com/wesleyorama2/lagwatch/internal/instrument"
	"github.com/wesleyorama2/lagwatch/internal/series"
	"github.com/wesleyorama2/lagwatch/internal/threads"
	"github.com/wesleyorama2/lagwatch/internal/watchdog"
)

var base = time.Date(2026, 2, 21, 23, 30, 0, 0, time.UTC)

func TestSaveAndListSamples(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	var samples []series.Sample
	for i := 0; i < 5; i++ {
		samples = append(samples, series.Sample{Timestamp: base.Add(time.Duration(i) * time.Second), Value: float64(20 - i)})
	}
	if err := store.SaveSamples(ctx, "tps", samples); err != nil {
		t.Fatalf("save samples: %v", err)
	}
	// Saving the same timestamps again replaces instead of duplicating.
	if err := store.SaveSamples(ctx, "tps", samples[3:]); err != nil {
		t.Fatalf("save samples again: %v", err)
	}
	if err := store.SaveSamples(ctx, "ping:alice", samples[:1]); err != nil {
		t.Fatalf("save ping samples: %v", err)
	}

	got, err := store.ListSamples(ctx, "tps", 3)
	if err != nil {
		t.Fatalf("list samples: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("samples len = %d, want 3", len(got))
	}
	if !got[0].Timestamp.Equal(samples[2].Timestamp) || got[2].Value != 16 {
		t.Fatalf("samples = %+v, want the newest three oldest first", got)
	}

	names, err := store.SeriesNames(ctx)
	if err != nil {
		t.Fatalf("series names: %v", err)
	}
	if len(names) != 2 || names[0] != "ping:alice" || names[1] != "tps" {
		t.Fatalf("series names = %v", names)
	}
}

func TestSaveSamplesValidation(t *testing.T) {
	store := openTempStore(t)
	if err := store.SaveSamples(context.Background(), " ", []series.Sample{{Timestamp: base}}); err == nil {
		t.Fatal("expected error for empty series name")
	}
	if _, err := store.ListSamples(context.Background(), "tps", 0); err == nil {
		t.Fatal("expected error for zero limit")
	}
}

func TestSaveAndListStalls(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	first := watchdog.StallEvent{
		Timestamp: base,
		Elapsed:   750 * time.Millisecond,
		Beat:      41,
		Primary:   threads.ID{Goroutine: 7, OS: 1234},
		State:     "sleep",
		Frames:    []threads.Frame{{Function: "main.tick", File: "/src/main.go", Line: 12}},
	}
	second := watchdog.StallEvent{
		Timestamp:    base.Add(time.Minute),
		Elapsed:      time.Second,
		Beat:         99,
		Primary:      threads.ID{Goroutine: 7},
		CaptureError: "goroutine not found",
	}
	for _, ev := range []watchdog.StallEvent{first, second} {
		if err := store.SaveStall(ctx, ev); err != nil {
			t.Fatalf("save stall: %v", err)
		}
	}

	got, err := store.ListStalls(ctx, 10)
	if err != nil {
		t.Fatalf("list stalls: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("stalls len = %d, want 2", len(got))
	}
	if got[0].Beat != 99 || got[0].CaptureError != "goroutine not found" || got[0].Frames != nil {
		t.Fatalf("stalls[0] = %+v", got[0])
	}
	if got[1].Elapsed != 750*time.Millisecond || got[1].Primary != first.Primary || len(got[1].Frames) != 1 {
		t.Fatalf("stalls[1] = %+v", got[1])
	}
	if got[1].Frames[0] != first.Frames[0] {
		t.Fatalf("frame = %+v, want %+v", got[1].Frames[0], first.Frames[0])
	}
}

func TestSaveAndListViolations(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	v := guard.Violation{
		Op:        guard.OpFileRead,
		Target:    "/etc/motd",
		Caller:    threads.ID{Goroutine: 1, OS: 99},
		Timestamp: base,
	}
	if err := store.SaveViolation(ctx, v); err != nil {
		t.Fatalf("save violation: %v", err)
	}

	got, err := store.ListViolations(ctx, 5)
	if err != nil {
		t.Fatalf("list violations: %v", err)
	}
	if len(got) != 1 || got[0].Op != guard.OpFileRead || got[0].Target != "/etc/motd" || got[0].Caller != v.Caller {
		t.Fatalf("violations = %+v", got)
	}
}

func TestSaveStatsAndLatest(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	stats, at, err := store.LatestStats(ctx)
	if err != nil || stats != nil || !at.IsZero() {
		t.Fatalf("empty LatestStats = %v, %v, %v", stats, at, err)
	}

	old := []instrument.ComponentStats{{Kind: instrument.KindTask, Module: "shop", Name: "restock", Count: 1}}
	current := []instrument.ComponentStats{
		{Kind: instrument.KindHandler, Module: "shop", Name: "join", Count: 10, Failures: 1, Total: 10 * time.Millisecond, Max: 4 * time.Millisecond, P95: 3 * time.Millisecond},
		{Kind: instrument.KindCommand, Module: "eco", Name: "pay", Count: 2, OffPrimary: 2},
	}
	if err := store.SaveStats(ctx, base, old); err != nil {
		t.Fatalf("save old stats: %v", err)
	}
	if err := store.SaveStats(ctx, base.Add(time.Minute), current); err != nil {
		t.Fatalf("save stats: %v", err)
	}

	stats, at, err = store.LatestStats(ctx)
	if err != nil {
		t.Fatalf("latest stats: %v", err)
	}
	if !at.Equal(base.Add(time.Minute)) {
		t.Fatalf("saved at = %v", at)
	}
	if len(stats) != 2 {
		t.Fatalf("stats len = %d, want 2", len(stats))
	}
	if stats[0].Module != "eco" || stats[0].Kind != instrument.KindCommand || stats[0].OffPrimary != 2 {
		t.Fatalf("stats[0] = %+v", stats[0])
	}
	if stats[1] != current[0] {
		t.Fatalf("stats[1] = %+v, want %+v", stats[1], current[0])
	}
}

func TestNilStore(t *testing.T) {
	var store *Store
	if err := store.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
	if err := store.SaveStall(context.Background(), watchdog.StallEvent{}); err == nil {
		t.Fatal("expected error from nil store")
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func openTempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lagwatch.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}
