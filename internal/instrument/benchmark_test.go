package instrument

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

// BenchmarkWrapper_Overhead compares a bare call with a wrapped call.
func BenchmarkWrapper_Overhead(b *testing.B) {
	task := func(ctx context.Context) error { return nil }
	ctx := context.Background()

	b.Run("original", func(b *testing.B) {
		slot := NewTaskSlot("bench", "noop", task)
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			_ = slot.Load()(ctx)
		}
	})

	b.Run("wrapped", func(b *testing.B) {
		reg := NewRegistry(Options{}, zap.NewNop())
		slot := NewTaskSlot("bench", "noop", task)
		if _, err := reg.Inject("bench", slot); err != nil {
			b.Fatal(err)
		}
		b.ReportAllocs()
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			_ = slot.Load()(ctx)
		}
	})
}

// BenchmarkWrapper_Parallel measures contention when many goroutines hit
// different components.
func BenchmarkWrapper_Parallel(b *testing.B) {
	reg := NewRegistry(Options{}, zap.NewNop())
	slots := make([]*Slot[Task], 8)
	for i := range slots {
		slots[i] = NewTaskSlot("bench", string(rune('a'+i)), func(ctx context.Context) error { return nil })
		if _, err := reg.Inject("bench", slots[i]); err != nil {
			b.Fatal(err)
		}
	}
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_ = slots[i%len(slots)].Load()(ctx)
			i++
		}
	})
}
