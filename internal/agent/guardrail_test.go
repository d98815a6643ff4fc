package agent

import "testing"

// TestClassifyTaskIdempotence is spec §8 invariant 8: classifying the same
// input twice always yields the same label.
func TestClassifyTaskIdempotence(t *testing.T) {
	inputs := []string{
		"你好",
		"打开百度",
		"what is a goroutine?",
		"帮我写一个脚本每天提醒我喝水",
		"谢谢",
		"",
	}
	for _, in := range inputs {
		a := classifyTask(in)
		b := classifyTask(in)
		if a != b {
			t.Errorf("classifyTask(%q) not idempotent: %v then %v", in, a, b)
		}
	}
}

func TestClassifyTaskDialogueExamples(t *testing.T) {
	dialogue := []string{"你好", "hi", "谢谢", "what is a goroutine?", "好的"}
	for _, in := range dialogue {
		if got := classifyTask(in); got != taskDialogue {
			t.Errorf("classifyTask(%q) = action, want dialogue", in)
		}
	}
}

func TestClassifyTaskActionExamples(t *testing.T) {
	action := []string{"打开百度", "帮我创建一个文件", "please open the browser and search for cats", "每天8点提醒我开会"}
	for _, in := range action {
		if got := classifyTask(in); got != taskAction {
			t.Errorf("classifyTask(%q) = dialogue, want action", in)
		}
	}
}

// TestGuardCheckScenarioS5 is a direct port of spec §8 scenario S5: an
// action-classified turn whose first response contains only text fails the
// guardrail; a response containing a tool_use block passes.
func TestGuardCheckScenarioS5(t *testing.T) {
	kind := classifyTask("打开百度")
	if kind != taskAction {
		t.Fatalf("expected action classification, got %v", kind)
	}

	passed, hint := guardCheck(kind, true, false, "好的，我来为你打开百度")
	if passed {
		t.Fatal("expected guardrail violation for a text-only response to an action request")
	}
	if hint == "" {
		t.Fatal("expected a non-empty retry hint on violation")
	}

	passed, _ = guardCheck(kind, true, true, "")
	if !passed {
		t.Fatal("expected guardrail to pass once the response contains a tool_use block")
	}
}

func TestGuardCheckDialogueAlwaysPasses(t *testing.T) {
	passed, hint := guardCheck(taskDialogue, true, false, "just some chit-chat")
	if !passed || hint != "" {
		t.Errorf("dialogue turns must always pass the guardrail, got passed=%v hint=%q", passed, hint)
	}
}

func TestGuardCheckToolsDisabledAlwaysPasses(t *testing.T) {
	passed, _ := guardCheck(taskAction, false, false, "sure, doing it")
	if !passed {
		t.Error("expected guardrail to pass when tools are disabled regardless of classification")
	}
}

func TestGuardCheckScriptIntentPasses(t *testing.T) {
	passed, _ := guardCheck(taskAction, true, false, "I'll write_file script.py then run_shell python script.py")
	if !passed {
		t.Error("expected a script-creation mention to satisfy the action guardrail without a literal tool_use block")
	}
}

func TestGuardCheckEvasiveResponseFlagged(t *testing.T) {
	passed, hint := guardCheck(taskAction, true, false, "我理解了，这是一个很好的请求")
	if passed {
		t.Fatal("expected an evasive acknowledgement with no tool use or action word to fail the guardrail")
	}
	if hint == "" {
		t.Error("expected a retry hint for the evasive-response path")
	}
}
