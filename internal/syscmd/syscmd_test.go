package syscmd

import (
	"strings"
	"testing"

	"github.com/nextlevelbuilder/akitagw/internal/llm"
)

func newTestPool(t *testing.T) *llm.Pool {
	t.Helper()
	pool, err := llm.NewPool([]llm.EndpointConfig{
		{Name: "primary", Kind: "native", BaseURL: "http://p", Model: "m", Priority: 0},
		{Name: "backup1", Kind: "native", BaseURL: "http://b1", Model: "m", Priority: 1},
		{Name: "backup2", Kind: "native", BaseURL: "http://b2", Model: "m", Priority: 2},
	}, nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return pool
}

func TestModelListsEndpoints(t *testing.T) {
	ic := New(newTestPool(t))
	out := ic.Handle("s1", "/model")
	for _, name := range []string{"primary", "backup1", "backup2"} {
		if !strings.Contains(out, name) {
			t.Errorf("expected /model output to contain %q, got %q", name, out)
		}
	}
}

func TestSwitchFlowByIndex(t *testing.T) {
	pool := newTestPool(t)
	ic := New(pool)

	out := ic.Handle("s1", "/switch")
	if !strings.Contains(out, "Which endpoint") {
		t.Fatalf("expected select prompt, got %q", out)
	}

	out = ic.Handle("s1", "2")
	if !strings.Contains(out, "backup1") || !strings.Contains(out, "confirm") {
		t.Fatalf("expected confirm prompt for backup1, got %q", out)
	}

	out = ic.Handle("s1", "yes")
	if !strings.Contains(out, "Switched to \"backup1\"") {
		t.Fatalf("expected switch confirmation, got %q", out)
	}

	name, _ := pool.CurrentEndpointInfo()
	if name != "backup1" {
		t.Fatalf("expected current endpoint backup1, got %s", name)
	}
}

func TestSwitchFlowDirectArgument(t *testing.T) {
	pool := newTestPool(t)
	ic := New(pool)

	out := ic.Handle("s1", "/switch backup2")
	if !strings.Contains(out, "backup2") {
		t.Fatalf("expected confirm prompt naming backup2, got %q", out)
	}
	out = ic.Handle("s1", "yes")
	if !strings.Contains(out, "Switched to \"backup2\"") {
		t.Fatalf("expected confirmation, got %q", out)
	}
}

func TestCancelClearsFlow(t *testing.T) {
	ic := New(newTestPool(t))
	ic.Handle("s1", "/switch")
	out := ic.Handle("s1", "/cancel")
	if out != "Cancelled." {
		t.Fatalf("expected Cancelled., got %q", out)
	}
	if ic.IsCommand("s1", "2") {
		t.Fatalf("expected no open flow after cancel")
	}
}

func TestPriorityFlowRequiresPermutation(t *testing.T) {
	pool := newTestPool(t)
	ic := New(pool)

	ic.Handle("s1", "/priority")
	out := ic.Handle("s1", "primary backup1")
	if !strings.Contains(out, "permutation") {
		t.Fatalf("expected permutation error, got %q", out)
	}

	out = ic.Handle("s1", "backup2 backup1 primary")
	if !strings.Contains(out, "confirm") {
		t.Fatalf("expected confirm prompt, got %q", out)
	}

	out = ic.Handle("s1", "yes")
	if out != "Priority order updated." {
		t.Fatalf("expected update confirmation, got %q", out)
	}

	names := pool.Names()
	want := []string{"backup2", "backup1", "primary"}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("expected order %v, got %v", want, names)
		}
	}
}

func TestRestoreWithNoPinActive(t *testing.T) {
	ic := New(newTestPool(t))
	ic.Handle("s1", "/restore")
	out := ic.Handle("s1", "yes")
	if out != "No temporary pin was active." {
		t.Fatalf("unexpected restore output: %q", out)
	}
}

func TestIsCommandRecognizesFreeformDuringFlow(t *testing.T) {
	ic := New(newTestPool(t))
	if ic.IsCommand("s1", "hello") {
		t.Fatalf("plain text with no open flow must not be intercepted")
	}
	ic.Handle("s1", "/switch")
	if !ic.IsCommand("s1", "2") {
		t.Fatalf("freeform input during an open flow must be intercepted")
	}
}
