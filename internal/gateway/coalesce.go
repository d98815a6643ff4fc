package gateway

import (
	"strings"
	"sync"
	"time"
)

// ProgressCoalescer batches an agent run's tool-progress lines into
// throttled flushes: at most once per window, and capped at maxLines per
// flush with an explicit "(N lines omitted)" summary line rather than a
// silent drop (the recorded Open Question decision).
type ProgressCoalescer struct {
	window   time.Duration
	maxLines int

	flush func(text string)

	mu       sync.Mutex
	buf      []string
	lastSent time.Time
	timer    *time.Timer
}

func NewProgressCoalescer(window time.Duration, maxLines int, flush func(text string)) *ProgressCoalescer {
	return &ProgressCoalescer{window: window, maxLines: maxLines, flush: flush}
}

// Add enqueues one progress line, flushing immediately if the throttle
// window has elapsed, or scheduling a flush for when it will.
func (c *ProgressCoalescer) Add(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf = append(c.buf, line)

	now := time.Now()
	if now.Sub(c.lastSent) >= c.window {
		c.flushLocked(now)
		return
	}
	if c.timer == nil {
		remaining := c.window - now.Sub(c.lastSent)
		c.timer = time.AfterFunc(remaining, func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.flushLocked(time.Now())
		})
	}
}

func (c *ProgressCoalescer) flushLocked(now time.Time) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if len(c.buf) == 0 {
		return
	}
	lines := c.buf
	c.buf = nil
	c.lastSent = now

	omitted := 0
	if len(lines) > c.maxLines {
		omitted = len(lines) - c.maxLines
		lines = lines[:c.maxLines]
	}
	text := strings.Join(lines, "\n")
	if omitted > 0 {
		text += "\n…(" + itoa(omitted) + " lines omitted)"
	}
	if c.flush != nil {
		c.flush(text)
	}
}

// Close flushes any buffered lines immediately, used at end-of-turn.
func (c *ProgressCoalescer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked(time.Now())
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
