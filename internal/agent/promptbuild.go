package agent

import (
	"strings"

	"github.com/nextlevelbuilder/akitagw/internal/llm"
	"github.com/nextlevelbuilder/akitagw/internal/session"
	"github.com/nextlevelbuilder/akitagw/internal/tools"
)

// PromptBudget mirrors the reference budget allocator: each section of the
// assembled system prompt gets its own token ceiling and is trimmed
// independently to fit it; the sections' combined size is not checked
// against any overall limit. Sections: identity (persona/policies), catalogs (tool + MCP
// listings), memory (retrieved summary/context), user (runtime facts).
type PromptBudget struct {
	IdentityBudget int
	CatalogsBudget int
	UserBudget     int
	MemoryBudget   int

	Estimator session.TokenEstimator
}

// DefaultPromptBudget matches the reference allocation, scaled down from the
// 128k-context reference split to keep headroom for smaller models: roughly
// identity 10%, catalogs 75%, user 2%, memory 10% of a 16000-token ceiling.
func DefaultPromptBudget(estimator session.TokenEstimator) PromptBudget {
	return PromptBudget{
		IdentityBudget: 1600,
		CatalogsBudget: 12000,
		UserBudget:     300,
		MemoryBudget:   1500,
		Estimator:      estimator,
	}
}

func (b PromptBudget) estimateText(text string) int {
	if b.Estimator == nil {
		return len([]rune(text)) / 3
	}
	return b.Estimator.Estimate([]llm.Message{{Role: "system", Content: text}})
}

// fitSection trims text to at most budget tokens by dropping whole lines
// from the end, preserving the beginning (highest-signal content for
// identity/instructions is conventionally placed first).
func fitSection(text string, budget int, estimate func(string) int) (string, bool) {
	if budget <= 0 || estimate(text) <= budget {
		return text, false
	}
	lines := strings.Split(text, "\n")
	for len(lines) > 1 && estimate(strings.Join(lines, "\n")) > budget {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n"), true
}

// PromptSections are the compiler's raw inputs before budgeting.
type PromptSections struct {
	Identity string // persona + operating policy, rarely trimmed
	Catalog  []tools.CatalogEntry
	MCPNote  string // optional one-line note on connected MCP servers
	Memory   string // retrieved summary / relevant history
	User     string // runtime facts: time, channel, chat type, pending report flag
}

// Compile renders the final system prompt string from budgeted sections, the
// budget/compiler split the original Python prompt package draws between
// budget.py (trimming) and compiler.py (rendering).
func (b PromptBudget) Compile(sections PromptSections) string {
	identity, _ := fitSection(sections.Identity, b.IdentityBudget, b.estimateText)

	var catalogBuilder strings.Builder
	catalogBuilder.WriteString("Available tools:\n")
	for _, entry := range sections.Catalog {
		catalogBuilder.WriteString("- " + entry.Name + ": " + entry.Description + "\n")
	}
	if sections.MCPNote != "" {
		catalogBuilder.WriteString(sections.MCPNote + "\n")
	}
	catalogBuilder.WriteString("Call get_tool_info(name) for a tool's full parameter schema before using it.\n")
	catalog, _ := fitSection(catalogBuilder.String(), b.CatalogsBudget, b.estimateText)

	memory, _ := fitSection(sections.Memory, b.MemoryBudget, b.estimateText)
	user, _ := fitSection(sections.User, b.UserBudget, b.estimateText)

	var out strings.Builder
	out.WriteString(identity)
	if catalog != "" {
		out.WriteString("\n\n" + catalog)
	}
	if memory != "" {
		out.WriteString("\n\nRelevant context:\n" + memory)
	}
	if user != "" {
		out.WriteString("\n\n" + user)
	}
	return out.String()
}
