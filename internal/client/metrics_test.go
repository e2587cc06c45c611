package client

import (
	"testing"
	"time"
)

func TestChunkTimer_FirstAndGaps(t *testing.T) {
	start := time.Unix(1000, 0)
	timer := newChunkTimer(start)

	timer, d, first := timer.observe(start.Add(200 * time.Millisecond))
	if !first {
		t.Error("Expected first observation to be marked first")
	}
	if d != 200*time.Millisecond {
		t.Errorf("Expected first-token latency 200ms, got %s", d)
	}

	timer, d, first = timer.observe(start.Add(250 * time.Millisecond))
	if first {
		t.Error("Second observation must not be marked first")
	}
	if d != 50*time.Millisecond {
		t.Errorf("Expected inter-chunk gap 50ms, got %s", d)
	}

	_, d, first = timer.observe(start.Add(600 * time.Millisecond))
	if first || d != 350*time.Millisecond {
		t.Errorf("Expected gap 350ms, got %s (first=%v)", d, first)
	}
}
