package agent

import "context"

// InterruptLevel classifies a pending interrupt the Stop Hook observes.
type InterruptLevel int

const (
	// InterruptNone means no interrupt is pending.
	InterruptNone InterruptLevel = iota
	// InterruptHigh asks the loop to stop at the next iteration boundary.
	InterruptHigh
	// InterruptCancel asks the loop to unwind the in-flight call immediately.
	InterruptCancel
)

// GatewayHooks is the narrow interface the agent loop uses to interact with
// its enclosing Gateway, resolving the Gateway/Agent cyclic reference (spec
// §9) without a compile-time import from agent to gateway: the gateway
// passes an implementation of this interface in through Request.Hooks
// rather than the agent importing the gateway package.
type GatewayHooks interface {
	// CheckInterrupt reports whether sessionKey has a pending interrupt the
	// Stop Hook should act on, consulted before every loop iteration.
	CheckInterrupt(sessionKey string) InterruptLevel

	// EmitProgressEvent forwards a progress line from inside the loop (tool
	// starting, plan step, ...) to the gateway's coalescing buffer.
	EmitProgressEvent(sessionKey, text string)
}

// CancelSignal is threaded through context so a mid-turn interrupt can
// cooperatively unwind the in-flight LLM call (spec §5 "cooperative
// cancellation").
type CancelSignal struct {
	ch chan struct{}
}

func NewCancelSignal() *CancelSignal {
	return &CancelSignal{ch: make(chan struct{})}
}

func (c *CancelSignal) Cancel() {
	select {
	case <-c.ch:
	default:
		close(c.ch)
	}
}

func (c *CancelSignal) Cancelled() <-chan struct{} { return c.ch }

// withCancelContext derives a context.Context that is cancelled the moment
// c fires, so an in-flight call that only watches ctx.Done() (the LLM pool's
// Chat/ChatStream) unwinds immediately instead of waiting for the next
// between-iteration poll of c.Cancelled().
func withCancelContext(ctx context.Context, c *CancelSignal) (context.Context, context.CancelFunc) {
	derived, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.Cancelled():
			cancel()
		case <-derived.Done():
		}
	}()
	return derived, cancel
}
