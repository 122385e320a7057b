package proto

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestParseAgentType(t *testing.T) {
	cases := []struct {
		in      string
		want    AgentType
		wantErr bool
	}{
		{"qa", AgentQA, false},
		{"QA", AgentQA, false},
		{" code ", AgentCode, false},
		{"ORCHESTRATOR", AgentOrchestrator, false},
		{"manager", "", true},
		{"", "", true},
	}
	for _, c := range cases {
		got, err := ParseAgentType(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseAgentType(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAgentType(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseAgentType(%q) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestPriorityWeights(t *testing.T) {
	if PriorityCritical.Weight() != 2.0 {
		t.Errorf("CRITICAL weight = %f", PriorityCritical.Weight())
	}
	if PriorityHigh.Weight() != 1.5 {
		t.Errorf("HIGH weight = %f", PriorityHigh.Weight())
	}
	if PriorityNormal.Weight() != 1.0 {
		t.Errorf("NORMAL weight = %f", PriorityNormal.Weight())
	}
	if PriorityLow.Weight() != 0.5 {
		t.Errorf("LOW weight = %f", PriorityLow.Weight())
	}
}

func TestApprovalStatusTerminal(t *testing.T) {
	if ApprovalPending.Terminal() {
		t.Error("PENDING should not be terminal")
	}
	for _, s := range []ApprovalStatus{ApprovalApproved, ApprovalRejected, ApprovalTimedOut} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestCommandCanonical(t *testing.T) {
	c := Command{Verb: "sprint", Subverb: "plan"}
	if c.Canonical() != "sprint plan" {
		t.Errorf("Canonical = %q", c.Canonical())
	}
	c = Command{Verb: "state"}
	if c.Canonical() != "state" {
		t.Errorf("Canonical = %q", c.Canonical())
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID("task")
		if !strings.HasPrefix(id, "task-") {
			t.Fatalf("missing prefix: %s", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id: %s", id)
		}
		seen[id] = true
	}
}

func TestEventJSONShape(t *testing.T) {
	ev := NewWorkflowTransitionEvent("shop", "IDLE", "BACKLOG_READY", "create_epic", "alice")
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["kind"] != "workflow_transition" {
		t.Errorf("kind = %v", m["kind"])
	}
	if m["from"] != "IDLE" || m["to"] != "BACKLOG_READY" {
		t.Errorf("from/to = %v/%v", m["from"], m["to"])
	}
	if _, ok := m["success"]; ok {
		t.Error("workflow event should omit success")
	}
	if _, ok := m["ts"]; !ok {
		t.Error("missing ts")
	}

	done := NewTaskResultEvent("shop", "task-1", AgentQA, true, 1500*time.Millisecond)
	raw, err = json.Marshal(done)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	m = map[string]any{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["success"] != true {
		t.Errorf("success = %v", m["success"])
	}
	if m["duration_s"].(float64) != 1.5 {
		t.Errorf("duration_s = %v", m["duration_s"])
	}
}

func TestFailResultCarriesKindAndHint(t *testing.T) {
	r := Fail(ErrKindInvalidTransition, "IDLE", []string{"/epic", "/state"}, "cannot start sprint", "create an epic first")
	if r.Success {
		t.Error("Fail result marked success")
	}
	if r.ErrorKind != ErrKindInvalidTransition {
		t.Errorf("kind = %s", r.ErrorKind)
	}
	if r.Hint == "" || len(r.AllowedCommands) == 0 {
		t.Error("failure must carry hint and allowed commands")
	}
}
