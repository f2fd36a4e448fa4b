package rate

import (
	"testing"
	"time"
)

func BenchmarkLeakyBucket_Next(b *testing.B) {
	lb := NewLeakyBucket(time.Nanosecond)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = lb.Next()
	}
}
