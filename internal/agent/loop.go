// Package agent implements the Ralph execution loop: an iterative
// plan-act-verify cycle over the LLM endpoint pool with a Stop Hook, tool
// arbitration, a guardrail that forces tool use on action-classified turns,
// and mid-turn interrupt sampling. Generalized from the teacher's
// internal/agent/loop.go, trimmed of managed-mode (multi-tenant DB-backed)
// concerns the spec does not name.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/akitagw/internal/channel"
	"github.com/nextlevelbuilder/akitagw/internal/llm"
	"github.com/nextlevelbuilder/akitagw/internal/session"
	"github.com/nextlevelbuilder/akitagw/internal/tools"
	"github.com/nextlevelbuilder/akitagw/internal/types"
)

// maxIterations is the Ralph loop's hard runaway-loop cap (spec §4.5).
const maxIterations = 30

// maxChunkBytes bounds one outbound send, sized for the smallest supported
// platform's message limit.
const maxChunkBytes = 4000

// sendRetries is the number of transport retries per outbound chunk.
const sendRetries = 3

// Config wires one Loop to its collaborators.
type Config struct {
	Pool      *llm.Pool
	Tools     *tools.Registry
	Sessions  session.Store
	Identity  string // persona + operating policy text
	Budget    PromptBudget
	Guard     *InputGuard // nil disables injection scanning
	GuardMode string      // "log" | "warn" | "block" | "off", default "warn"
}

// Loop runs one agent turn at a time; it holds no per-turn state between
// calls to Run, so a single Loop instance is safe to share across sessions.
type Loop struct {
	cfg Config
}

func New(cfg Config) *Loop {
	if cfg.GuardMode == "" {
		cfg.GuardMode = "warn"
	}
	return &Loop{cfg: cfg}
}

// Request is one turn's input.
type Request struct {
	SessionKey string
	Channel    string
	ChatID     string
	UserID     string
	Message    string          // plain-text projection of the inbound content
	Images     []llm.ImageContent // multimodal attachments for this turn only
	Hooks      GatewayHooks
	Cancel     *CancelSignal
}

// Result is one turn's output, already sanitized and ready to send. Pending
// holds the full user/tool/assistant message delta this turn produced;
// Commit persists it to the session store, but only once the caller has
// confirmed delivery (spec §9 optimistic-persistence decision: the
// assistant turn is recorded after a successful send, not before, since an
// unsent "assistant said X" is worse than a slightly short history on total
// send failure).
type Result struct {
	Text           string
	Usage          llm.Usage
	Violations     int
	Iterations     int
	CancelledEarly bool

	sessionKey string
	pending    []llm.Message
}

// Commit appends this turn's message delta to the session store and marks
// it dirty. Call it only after the reply has actually been sent (or after a
// deliberate decision to keep it regardless, e.g. a cancellation ack).
func (l *Loop) Commit(result *Result) {
	if result == nil || len(result.pending) == 0 {
		return
	}
	sess := l.cfg.Sessions.GetOrCreate(result.sessionKey)
	sess.Messages = append(sess.Messages, result.pending...)
	sess.MarkDirty()
	l.cfg.Sessions.MarkDirty(result.sessionKey)
}

// ErrGuardAborted is returned when the guardrail exhausts its violation
// budget (spec §4.5: "abort the turn with a fatal guard error").
var ErrGuardAborted = fmt.Errorf("agent: guardrail violation budget exhausted")

// Run executes one full turn: builds the system prompt, iterates the
// LLM/tool loop under the Stop Hook and guardrail, and returns the final
// sanitized reply. It does not send the reply itself — see SendReply.
func (l *Loop) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Cancel != nil {
		var stop context.CancelFunc
		ctx, stop = withCancelContext(ctx, req.Cancel)
		defer stop()
	}

	if l.cfg.Guard != nil && l.cfg.GuardMode != "off" {
		if matches := l.cfg.Guard.Scan(req.Message); len(matches) > 0 {
			joined := strings.Join(matches, ",")
			switch l.cfg.GuardMode {
			case "block":
				slog.Warn("agent.injection_blocked", "session", req.SessionKey, "patterns", joined)
				return nil, fmt.Errorf("message blocked: potential prompt injection detected (%s)", joined)
			case "log":
				slog.Info("agent.injection_detected", "session", req.SessionKey, "patterns", joined)
			default:
				slog.Warn("agent.injection_detected", "session", req.SessionKey, "patterns", joined)
			}
		}
	}

	sess := l.cfg.Sessions.GetOrCreate(req.SessionKey)

	systemPrompt := l.cfg.Budget.Compile(PromptSections{
		Identity: l.cfg.Identity,
		Catalog:  l.cfg.Tools.Catalog(),
		Memory:   sess.Summary,
		User:     fmt.Sprintf("Current time: %s. Channel: %s.", time.Now().Format(time.RFC3339), req.Channel),
	})

	messages := append([]llm.Message(nil), sess.Messages...)
	turnStart := len(messages)
	userMsg := llm.Message{Role: "user", Content: req.Message, Images: req.Images}
	messages = append(messages, userMsg)

	kind := classifyTask(req.Message)
	toolsEnabled := len(l.cfg.Tools.Names()) > 0
	violations := 0
	consecutiveViolations := 0

	var loopDetector toolLoopState
	var totalUsage llm.Usage
	var finalContent string
	iteration := 0

	toolCtx := tools.WithChannelChat(ctx, req.Channel, req.ChatID)

	for iteration < maxIterations {
		iteration++

		if req.Hooks != nil {
			switch req.Hooks.CheckInterrupt(req.SessionKey) {
			case InterruptCancel:
				return l.cancelledResult(req, messages, turnStart, violations, iteration), nil
			case InterruptHigh:
				// Stop Hook: finish at the next iteration boundary rather than
				// starting another LLM call.
				if finalContent == "" {
					finalContent = "(stopped: a higher-priority message arrived)"
				}
				goto finished
			}
		}
		if req.Cancel != nil {
			select {
			case <-req.Cancel.Cancelled():
				return l.cancelledResult(req, messages, turnStart, violations, iteration), nil
			default:
			}
		}

		chatReq := llm.ChatRequest{
			System:   systemPrompt,
			Messages: messages,
			Tools:    l.buildToolDefs(),
			Options: map[string]any{
				llm.OptMaxTokens:   8192,
				llm.OptTemperature: 0.7,
			},
		}

		resp, err := l.cfg.Pool.Chat(ctx, chatReq)
		if err != nil {
			if req.Cancel != nil {
				select {
				case <-req.Cancel.Cancelled():
					return l.cancelledResult(req, messages, turnStart, violations, iteration), nil
				default:
				}
			}
			return nil, fmt.Errorf("agent: LLM call failed (iteration %d): %w", iteration, err)
		}

		if resp.Usage != nil {
			totalUsage.PromptTokens += resp.Usage.PromptTokens
			totalUsage.CompletionTokens += resp.Usage.CompletionTokens
			totalUsage.TotalTokens += resp.Usage.TotalTokens
		}

		if len(resp.ToolCalls) == 0 {
			passed, hint := guardCheck(kind, toolsEnabled, false, resp.Content)
			if passed {
				finalContent = resp.Content
				break
			}
			violations++
			consecutiveViolations++
			if consecutiveViolations >= maxGuardViolations {
				return nil, ErrGuardAborted
			}
			messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content})
			messages = append(messages, llm.Message{Role: "user", Content: hint})
			continue
		}

		// Tool calls present: the guardrail passes automatically (has_tool_use).
		consecutiveViolations = 0
		assistantMsg := llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		messages = append(messages, assistantMsg)

		results := l.executeToolCalls(toolCtx, resp.ToolCalls, &loopDetector, req)
		for _, tr := range results {
			messages = append(messages, llm.Message{Role: "tool", Content: tr.result.ForLLM, ToolCallID: tr.tc.ID})
			if req.Hooks != nil && tr.result.ForUser != "" {
				req.Hooks.EmitProgressEvent(req.SessionKey, tr.result.ForUser)
			}
		}
		if stopMsg := l.checkLoopDetector(&loopDetector, resp.ToolCalls); stopMsg != "" {
			finalContent = stopMsg
			break
		}
	}

finished:
	if finalContent == "" {
		finalContent = "(no response produced within the iteration budget)"
	}

	sanitized := SanitizeAssistantContent(finalContent)
	pending := append(messages[turnStart:], llm.Message{Role: "assistant", Content: sanitized})

	return &Result{
		Text:       sanitized,
		Usage:      totalUsage,
		Violations: violations,
		Iterations: iteration,
		sessionKey: req.SessionKey,
		pending:    pending,
	}, nil
}

// cancelledResult builds the Result for a mid-turn cancellation: the user's
// message plus a short acknowledgement are still committed to history (spec
// §8 S3), even though no assistant reply was produced.
func (l *Loop) cancelledResult(req Request, messages []llm.Message, turnStart, violations, iteration int) *Result {
	const ack = "acknowledged: stopped"
	pending := append(messages[turnStart:], llm.Message{Role: "assistant", Content: ack})
	return &Result{
		Text:           ack,
		Violations:     violations,
		Iterations:     iteration,
		CancelledEarly: true,
		sessionKey:     req.SessionKey,
		pending:        pending,
	}
}

type toolCallResult struct {
	tc     llm.ToolCall
	result *tools.Result
}

// executeToolCalls runs tool calls sequentially when there is one, in
// parallel (ordered reassembly) when there are several, matching the
// teacher's single-vs-multi dispatch split.
func (l *Loop) executeToolCalls(ctx context.Context, calls []llm.ToolCall, detector *toolLoopState, req Request) []toolCallResult {
	out := make([]toolCallResult, len(calls))

	exec := func(i int, tc llm.ToolCall) {
		argsHash := detector.record(tc.Name, tc.Arguments)
		result := l.invokeTool(ctx, tc)
		detector.recordResult(argsHash, result.ForLLM)
		out[i] = toolCallResult{tc: tc, result: result}
	}

	if len(calls) == 1 {
		exec(0, calls[0])
		return out
	}

	done := make(chan int, len(calls))
	for i, tc := range calls {
		go func(i int, tc llm.ToolCall) {
			exec(i, tc)
			done <- i
		}(i, tc)
	}
	for range calls {
		<-done
	}
	return out
}

func (l *Loop) invokeTool(ctx context.Context, tc llm.ToolCall) *tools.Result {
	t, ok := l.cfg.Tools.Get(tc.Name)
	if !ok {
		if tc.Name == "get_tool_info" {
			return l.getToolInfo(tc.Arguments)
		}
		return tools.ErrorResult(fmt.Sprintf("unknown tool %q", tc.Name))
	}
	argsJSON, _ := json.Marshal(tc.Arguments)
	slog.Info("agent.tool_call", "tool", tc.Name, "args_len", len(argsJSON))
	return t.Execute(ctx, tc.Arguments)
}

func (l *Loop) getToolInfo(args map[string]interface{}) *tools.Result {
	name, _ := args["name"].(string)
	info, ok := l.cfg.Tools.Info(name)
	if !ok {
		return tools.ErrorResult(fmt.Sprintf("unknown tool %q", name))
	}
	b, err := json.Marshal(info)
	if err != nil {
		return tools.ErrorResult("failed to marshal tool schema")
	}
	return tools.SilentResult(string(b))
}

func (l *Loop) checkLoopDetector(detector *toolLoopState, calls []llm.ToolCall) string {
	for _, tc := range calls {
		argsHash := hashArgs(tc.Arguments)
		if level, msg := detector.detect(tc.Name, argsHash); level == "critical" {
			slog.Warn("agent.tool_loop_critical", "tool", tc.Name, "message", msg)
			return "I was unable to complete this task — I got stuck repeatedly calling " + tc.Name + " without making progress. Please try rephrasing your request."
		}
	}
	return ""
}

// buildToolDefs exposes each registered tool's full parameter schema to the
// model (required for working function calling) plus a get_tool_info
// meta-tool for extended on-demand documentation, approximating the
// catalog+schema-on-demand split in spec.md §4.5 without breaking tool call
// generation for models that need the schema up front.
func (l *Loop) buildToolDefs() []llm.ToolDefinition {
	names := l.cfg.Tools.Names()
	defs := make([]llm.ToolDefinition, 0, len(names)+1)
	for _, name := range names {
		t, ok := l.cfg.Tools.Get(name)
		if !ok {
			continue
		}
		defs = append(defs, llm.ToolDefinition{
			Type: "function",
			Function: llm.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	defs = append(defs, llm.ToolDefinition{
		Type: "function",
		Function: llm.ToolFunctionSchema{
			Name:        "get_tool_info",
			Description: "Fetch the full parameter schema and extended description for a tool by name.",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"name": map[string]interface{}{"type": "string"}},
				"required":   []string{"name"},
			},
		},
	})
	return defs
}

// SendReply splits text into platform-sized chunks and sends each with
// bounded retries, matching the spec's response-shaping step.
func SendReply(ctx context.Context, adapter channel.Adapter, chatID, replyTo, text string) error {
	chunks := chunkByLines(text, maxChunkBytes)
	for i, chunk := range chunks {
		rt := ""
		if i == 0 {
			rt = replyTo
		}
		var lastErr error
		for attempt := 0; attempt <= sendRetries; attempt++ {
			if _, err := adapter.SendMessage(ctx, types.OutgoingMessage{
				ChatID:    chatID,
				Content:   types.MessageContent{Text: chunk},
				ReplyToID: rt,
			}); err != nil {
				lastErr = err
				time.Sleep(time.Second)
				continue
			}
			lastErr = nil
			break
		}
		if lastErr != nil {
			return fmt.Errorf("agent: send chunk %d/%d failed: %w", i+1, len(chunks), lastErr)
		}
	}
	return nil
}

// chunkByLines splits text on line boundaries into chunks of at most
// maxBytes, never splitting a single line across chunks unless the line
// itself exceeds maxBytes.
func chunkByLines(text string, maxBytes int) []string {
	if len(text) <= maxBytes {
		return []string{text}
	}
	lines := strings.Split(text, "\n")
	var chunks []string
	var cur strings.Builder
	for _, line := range lines {
		if cur.Len()+len(line)+1 > maxBytes && cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		for len(line) > maxBytes {
			chunks = append(chunks, line[:maxBytes])
			line = line[maxBytes:]
		}
		if cur.Len() > 0 {
			cur.WriteString("\n")
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	return chunks
}
