package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// toolLoopState detects repeated no-progress tool calls within one turn: the
// same tool invoked with the same arguments, producing the same result,
// several times within the turn (the calls need not be adjacent). Composes with but does not replace the loop's
// hard iteration cap.
type toolLoopState struct {
	history []loopRecord
}

type loopRecord struct {
	tool       string
	argsHash   string
	resultHash string
}

const (
	loopWarnThreshold     = 3
	loopCriticalThreshold = 5
)

// record hashes a tool call's (name, arguments) pair and appends a pending
// record awaiting its result; it returns the hash so the caller can attach
// the result once the tool finishes.
func (s *toolLoopState) record(tool string, args map[string]interface{}) string {
	hash := hashArgs(args)
	s.history = append(s.history, loopRecord{tool: tool, argsHash: hash})
	return hash
}

// recordResult attaches the tool's result to the most recent pending record
// matching argsHash.
func (s *toolLoopState) recordResult(argsHash, result string) {
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].argsHash == argsHash && s.history[i].resultHash == "" {
			s.history[i].resultHash = hashString(result)
			return
		}
	}
}

// detect reports whether (tool, argsHash) has recurred with the same result
// enough times to warrant a warning ("warn") or a hard stop ("critical").
// Returns an empty level when no loop is detected.
func (s *toolLoopState) detect(tool, argsHash string) (level, message string) {
	var resultHash string
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].argsHash == argsHash {
			resultHash = s.history[i].resultHash
			break
		}
	}
	if resultHash == "" {
		return "", ""
	}

	count := 0
	for _, r := range s.history {
		if r.tool == tool && r.argsHash == argsHash && r.resultHash == resultHash {
			count++
		}
	}

	switch {
	case count >= loopCriticalThreshold:
		return "critical", "tool loop detected: " + tool + " called repeatedly with identical arguments and result"
	case count >= loopWarnThreshold:
		return "warn", "You have called " + tool + " with the same arguments " + itoaLoop(count) + " times and received the same result. Try a different approach."
	default:
		return "", ""
	}
}

func hashArgs(args map[string]interface{}) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]interface{}, len(args))
	for _, k := range keys {
		ordered[k] = args[k]
	}
	b, err := json.Marshal(ordered)
	if err != nil {
		return ""
	}
	return hashString(string(b))
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

func itoaLoop(n int) string {
	if n == 0 {
		return "0"
	}
	digits := [20]byte{}
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits[i:])
}
