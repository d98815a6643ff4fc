package gateway

import (
	"strings"
	"sync"
	"testing"
	"time"
)

// TestProgressCoalescerImmediateFlush verifies the first Add in a fresh
// window flushes right away (lastSent is the zero value, so the window has
// trivially already elapsed).
func TestProgressCoalescerImmediateFlush(t *testing.T) {
	var mu sync.Mutex
	var flushed []string
	c := NewProgressCoalescer(50*time.Millisecond, 20, func(text string) {
		mu.Lock()
		defer mu.Unlock()
		flushed = append(flushed, text)
	})

	c.Add("step 1")

	mu.Lock()
	got := append([]string(nil), flushed...)
	mu.Unlock()
	if len(got) != 1 || got[0] != "step 1" {
		t.Fatalf("expected immediate flush of first line, got %v", got)
	}
}

// TestProgressCoalescerThrottlesWithinWindow verifies lines added within the
// throttle window batch into one flush instead of one-message-per-line
// (spec §4.6 "coalesces them per session... over a throttle window").
func TestProgressCoalescerThrottlesWithinWindow(t *testing.T) {
	var mu sync.Mutex
	var flushed []string
	window := 80 * time.Millisecond
	c := NewProgressCoalescer(window, 20, func(text string) {
		mu.Lock()
		defer mu.Unlock()
		flushed = append(flushed, text)
	})

	c.Add("a") // flushes immediately (fresh coalescer)
	c.Add("b")
	c.Add("c")

	time.Sleep(window + 40*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 2 {
		t.Fatalf("expected exactly 2 flushes (immediate + one batched), got %d: %v", len(flushed), flushed)
	}
	if flushed[1] != "b\nc" {
		t.Errorf("expected second flush to batch b and c together, got %q", flushed[1])
	}
}

// TestProgressCoalescerCapsAndAnnotatesOmitted verifies the bounded buffer
// (spec §5 "Progress flushes coalesce up to 20 lines per window") drops
// excess lines with an explicit omitted-count summary rather than silently.
func TestProgressCoalescerCapsAndAnnotatesOmitted(t *testing.T) {
	var mu sync.Mutex
	var flushed []string
	c := NewProgressCoalescer(30*time.Millisecond, 3, func(text string) {
		mu.Lock()
		defer mu.Unlock()
		flushed = append(flushed, text)
	})

	c.Add("l1") // immediate flush, starts the window
	for i := 2; i <= 6; i++ {
		c.Add("l" + itoa(i))
	}
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 2 {
		t.Fatalf("expected 2 flushes, got %d: %v", len(flushed), flushed)
	}
	second := flushed[1]
	if !strings.Contains(second, "omitted") {
		t.Errorf("expected omitted-count annotation in %q", second)
	}
	if !strings.HasPrefix(second, "l2\nl3\nl4") {
		t.Errorf("expected first 3 of the 5 batched lines kept, got %q", second)
	}
}

func TestProgressCoalescerCloseFlushesPending(t *testing.T) {
	var mu sync.Mutex
	var flushed []string
	c := NewProgressCoalescer(time.Hour, 20, func(text string) {
		mu.Lock()
		defer mu.Unlock()
		flushed = append(flushed, text)
	})

	c.Add("first") // immediate flush
	c.Add("pending-on-close")
	c.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 2 || flushed[1] != "pending-on-close" {
		t.Fatalf("expected Close to flush the pending line, got %v", flushed)
	}
}
