// Package syscmd implements the system command interceptor (spec §4.8): a
// small out-of-band state machine, parallel to the gateway, that parses
// /model /switch /priority /restore /cancel and their multi-step confirm
// flows. It never reaches the agent or the endpoint pool's failover logic
// directly — it only calls the narrow Pool methods exposed for this purpose.
package syscmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sahilm/fuzzy"

	"github.com/nextlevelbuilder/akitagw/internal/llm"
)

// flowTimeout matches the spec's 5-minute abandon window for an open flow.
const flowTimeout = 5 * time.Minute

// pinTTL is the temporary endpoint pin duration granted by a confirmed /switch.
const pinTTL = 12 * time.Hour

type step int

const (
	stepNone step = iota
	stepSwitchSelect
	stepSwitchConfirm
	stepPrioritySelect
	stepPriorityConfirm
	stepRestoreConfirm
)

type flow struct {
	step       step
	chosenName string
	chosenList []string
	startedAt  time.Time
}

func (f *flow) expired(now time.Time) bool {
	return f.step != stepNone && now.Sub(f.startedAt) > flowTimeout
}

// Interceptor owns one multi-step flow per session key. Sessions never
// share flow state; each key's flow is independent and expires on its own.
type Interceptor struct {
	pool *llm.Pool

	mu    sync.Mutex
	flows map[string]*flow
}

func New(pool *llm.Pool) *Interceptor {
	return &Interceptor{
		pool:  pool,
		flows: make(map[string]*flow),
	}
}

// IsCommand reports whether text should be short-circuited to the
// interceptor instead of reaching the agent: either a recognized slash
// command, or free-form input while sessionKey has an open flow.
func (ic *Interceptor) IsCommand(sessionKey, text string) bool {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "/model") ||
		strings.HasPrefix(trimmed, "/switch") ||
		strings.HasPrefix(trimmed, "/priority") ||
		strings.HasPrefix(trimmed, "/restore") ||
		strings.HasPrefix(trimmed, "/cancel") {
		return true
	}
	ic.mu.Lock()
	defer ic.mu.Unlock()
	f, ok := ic.flows[sessionKey]
	return ok && f.step != stepNone && !f.expired(time.Now())
}

// Handle processes one piece of text for sessionKey and returns the plain
// text reply to send back through the channel.
func (ic *Interceptor) Handle(sessionKey, text string) string {
	now := time.Now()
	trimmed := strings.TrimSpace(text)

	ic.mu.Lock()
	f, ok := ic.flows[sessionKey]
	if !ok {
		f = &flow{}
		ic.flows[sessionKey] = f
	}
	if f.expired(now) {
		*f = flow{}
	}
	ic.mu.Unlock()

	switch {
	case strings.HasPrefix(trimmed, "/model"):
		return ic.handleModel()
	case strings.HasPrefix(trimmed, "/switch"):
		return ic.handleSwitch(f, strings.TrimSpace(strings.TrimPrefix(trimmed, "/switch")))
	case strings.HasPrefix(trimmed, "/priority"):
		return ic.handlePriority(f)
	case strings.HasPrefix(trimmed, "/restore"):
		return ic.handleRestore(f)
	case strings.HasPrefix(trimmed, "/cancel"):
		return ic.handleCancel(f)
	default:
		return ic.handleFreeform(f, trimmed)
	}
}

func (ic *Interceptor) handleModel() string {
	current, _ := ic.pool.CurrentEndpointInfo()
	names := ic.pool.Names()

	var b strings.Builder
	b.WriteString("Configured endpoints:\n")
	for i, name := range names {
		mark := "  "
		if name == current {
			mark = "->"
		}
		b.WriteString(fmt.Sprintf("%s %d. %s\n", mark, i+1, name))
	}
	return b.String()
}

func (ic *Interceptor) handleSwitch(f *flow, arg string) string {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	names := ic.pool.Names()
	if arg == "" {
		f.step = stepSwitchSelect
		f.startedAt = time.Now()
		return "Which endpoint? Reply with its name or number.\n" + ic.handleModel()
	}

	name, err := resolveEndpointName(arg, names)
	if err != nil {
		f.step = stepSwitchSelect
		f.startedAt = time.Now()
		return err.Error() + "\nReply with a valid name or number, or /cancel."
	}

	f.step = stepSwitchConfirm
	f.chosenName = name
	f.startedAt = time.Now()
	return fmt.Sprintf("Switch to %q for the next 12 hours? Reply \"yes\" to confirm, or /cancel.", name)
}

func (ic *Interceptor) handlePriority(f *flow) string {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	f.step = stepPrioritySelect
	f.startedAt = time.Now()
	names := ic.pool.Names()
	return "Reply with the full endpoint order, space-separated, e.g.: " + strings.Join(names, " ")
}

func (ic *Interceptor) handleRestore(f *flow) string {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	f.step = stepRestoreConfirm
	f.startedAt = time.Now()
	return "Clear the temporary endpoint pin? Reply \"yes\" to confirm, or /cancel."
}

func (ic *Interceptor) handleCancel(f *flow) string {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	had := f.step != stepNone
	*f = flow{}
	if !had {
		return "No command in progress."
	}
	return "Cancelled."
}

func (ic *Interceptor) handleFreeform(f *flow, text string) string {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	switch f.step {
	case stepSwitchSelect:
		name, err := resolveEndpointName(text, ic.pool.Names())
		if err != nil {
			return err.Error() + "\nReply with a valid name or number, or /cancel."
		}
		f.step = stepSwitchConfirm
		f.chosenName = name
		f.startedAt = time.Now()
		return fmt.Sprintf("Switch to %q for the next 12 hours? Reply \"yes\" to confirm, or /cancel.", name)

	case stepSwitchConfirm:
		if strings.ToLower(text) != "yes" {
			return "Reply \"yes\" to confirm, or /cancel."
		}
		ok := ic.pool.PinTemporary(f.chosenName, pinTTL)
		name := f.chosenName
		*f = flow{}
		if !ok {
			return fmt.Sprintf("Could not switch to %q (it may be unhealthy).", name)
		}
		return fmt.Sprintf("Switched to %q for the next 12 hours.", name)

	case stepPrioritySelect:
		order := strings.Fields(text)
		names := ic.pool.Names()
		if !isPermutation(order, names) {
			return fmt.Sprintf("That must be a permutation of: %s\nTry again, or /cancel.", strings.Join(names, " "))
		}
		f.step = stepPriorityConfirm
		f.chosenList = order
		f.startedAt = time.Now()
		return "New priority order: " + strings.Join(order, " ") + "\nReply \"yes\" to confirm, or /cancel."

	case stepPriorityConfirm:
		if strings.ToLower(text) != "yes" {
			return "Reply \"yes\" to confirm, or /cancel."
		}
		order := f.chosenList
		*f = flow{}
		if err := ic.pool.SetPriorityOrder(order); err != nil {
			return "Could not set priority order: " + err.Error()
		}
		return "Priority order updated."

	case stepRestoreConfirm:
		if strings.ToLower(text) != "yes" {
			return "Reply \"yes\" to confirm, or /cancel."
		}
		had := ic.pool.ClearPin()
		*f = flow{}
		if !had {
			return "No temporary pin was active."
		}
		return "Temporary endpoint pin cleared."

	default:
		return "No command in progress. Try /model, /switch, /priority, /restore, or /cancel."
	}
}

// resolveEndpointName accepts a 1-based index or a fuzzy-matched name.
func resolveEndpointName(arg string, names []string) (string, error) {
	if idx, err := strconv.Atoi(arg); err == nil {
		if idx < 1 || idx > len(names) {
			return "", fmt.Errorf("index %d is out of range (1-%d)", idx, len(names))
		}
		return names[idx-1], nil
	}

	for _, n := range names {
		if strings.EqualFold(n, arg) {
			return n, nil
		}
	}

	matches := fuzzy.Find(arg, names)
	if len(matches) == 0 {
		return "", fmt.Errorf("no endpoint matches %q", arg)
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	return names[matches[0].Index], nil
}

func isPermutation(candidate, of []string) bool {
	if len(candidate) != len(of) {
		return false
	}
	want := make(map[string]int, len(of))
	for _, n := range of {
		want[n]++
	}
	for _, n := range candidate {
		if want[n] == 0 {
			return false
		}
		want[n]--
	}
	return true
}
