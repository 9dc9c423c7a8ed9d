package translate

import "testing"

func TestTranslateAgentMessageDelta(t *testing.T) {
	items := Translate([]byte(`{"type":"agentMessageDelta","delta":"hello"}`))
	if len(items) != 1 || items[0].Kind != KindAgentMessage || items[0].Text != "hello" {
		t.Fatalf("got %+v", items)
	}
}

func TestTranslateUserMessageByRole(t *testing.T) {
	items := Translate([]byte(`{"type":"item/started","role":"user","text":"hi there"}`))
	if len(items) != 1 || items[0].Kind != KindUserMessage || items[0].Text != "hi there" {
		t.Fatalf("got %+v", items)
	}
}

func TestTranslateReasoningFromSummary(t *testing.T) {
	items := Translate([]byte(`{"itemType":"REASONING_SUMMARY","summary":["step one","step two"]}`))
	if len(items) != 1 || items[0].Kind != KindReasoning {
		t.Fatalf("got %+v", items)
	}
	if len(items[0].Summary) != 2 || items[0].Summary[0] != "step one" {
		t.Fatalf("summary = %+v", items[0].Summary)
	}
}

func TestTranslateReasoningFallsBackToContent(t *testing.T) {
	items := Translate([]byte(`{"type":"reasoning","content":[{"text":"thinking..."}]}`))
	if len(items) != 1 || items[0].Kind != KindReasoning {
		t.Fatalf("got %+v", items)
	}
	if len(items[0].Summary) != 1 || items[0].Summary[0] != "thinking..." {
		t.Fatalf("summary = %+v", items[0].Summary)
	}
}

func TestTranslateCommandExecutionWithExitCode(t *testing.T) {
	items := Translate([]byte(`{"type":"item/commandExecution","command":"ls -la","exit_code":0,"status":"Completed"}`))
	if len(items) != 1 {
		t.Fatalf("got %+v", items)
	}
	item := items[0]
	if item.Kind != KindCommandExecution || item.Command != "ls -la" {
		t.Fatalf("got %+v", item)
	}
	if item.ExitCode == nil || *item.ExitCode != 0 {
		t.Fatalf("exit code = %v, want 0", item.ExitCode)
	}
	if item.Status != "completed" {
		t.Errorf("status = %q, want completed", item.Status)
	}
}

func TestTranslateFileChange(t *testing.T) {
	items := Translate([]byte(`{"type":"fileChange","paths":["a.go","b.go"]}`))
	if len(items) != 1 || len(items[0].Files) != 2 {
		t.Fatalf("got %+v", items)
	}
}

func TestTranslatePlanFromText(t *testing.T) {
	items := Translate([]byte(`{"type":"plan","text":"ok"}`))
	if len(items) != 1 || items[0].Kind != KindPlan || items[0].Text != "ok" {
		t.Fatalf("got %+v", items)
	}
}

func TestTranslatePlanFallsBackToContent(t *testing.T) {
	items := Translate([]byte(`{"type":"plan","content":"write code, then run tests"}`))
	if len(items) != 1 || items[0].Text != "write code, then run tests" {
		t.Fatalf("got %+v", items)
	}
}

func TestTranslateNestedContentText(t *testing.T) {
	items := Translate([]byte(`{"type":"agentMessage","content":[{"type":"output_text","text":"nested"}]}`))
	if len(items) != 1 || items[0].Text != "nested" {
		t.Fatalf("got %+v", items)
	}
}

func TestTranslateUnknownTypeReturnsNothing(t *testing.T) {
	items := Translate([]byte(`{"type":"windowsSandbox/setupCompleted"}`))
	if items != nil {
		t.Fatalf("expected nil, got %+v", items)
	}
}

func TestTranslateUnknownStatusPassesThrough(t *testing.T) {
	items := Translate([]byte(`{"type":"commandExecution","command":"echo hi","status":"retrying-backoff"}`))
	if len(items) != 1 || items[0].Status != "retrying-backoff" {
		t.Fatalf("got %+v", items)
	}
}

func boundResolver(agentID, downstream string) func(string) (string, bool) {
	return func(id string) (string, bool) {
		if id != agentID {
			return "", false
		}
		return downstream, true
	}
}

func TestForwardDropsUnboundThread(t *testing.T) {
	_, ok := Forward("item/completed", []byte(`{"codexThreadId":"t1"}`), boundResolver("other", "downstream-1"))
	if ok {
		t.Fatal("expected drop for unbound thread")
	}
}

func TestForwardItemStartedSuppressesNonCommand(t *testing.T) {
	params := []byte(`{"codexThreadId":"t1","item":{"type":"agentMessage","text":"hi"}}`)
	_, ok := Forward("item/started", params, boundResolver("t1", "downstream-1"))
	if ok {
		t.Fatal("expected item/started to suppress non-command items")
	}
}

func TestForwardItemStartedAllowsCommand(t *testing.T) {
	params := []byte(`{"codexThreadId":"t1","item":{"type":"commandExecution","command":"ls"}}`)
	res, ok := Forward("item/started", params, boundResolver("t1", "downstream-1"))
	if !ok || len(res.Items) != 1 || res.Items[0].Kind != KindCommandExecution {
		t.Fatalf("got %+v ok=%v", res, ok)
	}
}

func TestForwardTurnCompletedSuccessEmitsNothing(t *testing.T) {
	params := []byte(`{"codexThreadId":"t1","status":"completed"}`)
	_, ok := Forward("turn/completed", params, boundResolver("t1", "downstream-1"))
	if ok {
		t.Fatal("expected no emission for successful turn completion")
	}
}

func TestForwardTurnCompletedFailureEmitsPlan(t *testing.T) {
	params := []byte(`{"codexThreadId":"t1","status":"failed","error":"boom"}`)
	res, ok := Forward("turn/completed", params, boundResolver("t1", "downstream-1"))
	if !ok || len(res.Items) != 1 || res.Items[0].Kind != KindPlan {
		t.Fatalf("got %+v ok=%v", res, ok)
	}
}

func TestForwardThreadRenameEmitsThreadUpdate(t *testing.T) {
	params := []byte(`{"codexThreadId":"t1","title":"renamed thread"}`)
	res, ok := Forward("thread/titleUpdated", params, boundResolver("t1", "downstream-1"))
	if !ok || res.Kind != "threadUpdate" || res.Title != "renamed thread" {
		t.Fatalf("got %+v ok=%v", res, ok)
	}
}

func TestForwardDeltaMethodIgnored(t *testing.T) {
	params := []byte(`{"codexThreadId":"t1"}`)
	_, ok := Forward("item/agentMessageDelta", params, boundResolver("t1", "downstream-1"))
	if ok {
		t.Fatal("expected delta method to be ignored")
	}
}

func TestForwardCatchAllEmitsPlanWithRawPayload(t *testing.T) {
	params := []byte(`{"codexThreadId":"t1"}`)
	res, ok := Forward("windowsSandbox/setupCompleted", params, boundResolver("t1", "downstream-1"))
	if !ok || len(res.Items) != 1 || res.Items[0].Kind != KindPlan {
		t.Fatalf("got %+v ok=%v", res, ok)
	}
}
