package dispatch

import "testing"

func TestParseToolCallsSimple(t *testing.T) {
	content := "sure, one sec\n<function=search><parameter=query>weather today</parameter></function> and then some speculative follow-up"
	truncated, calls := ParseToolCalls(content)

	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "search" {
		t.Fatalf("unexpected tool name %q", calls[0].Name)
	}
	if calls[0].Params["query"] != "weather today" {
		t.Fatalf("unexpected param value %q", calls[0].Params["query"])
	}
	if truncated != "sure, one sec\n<function=search><parameter=query>weather today</parameter></function>" {
		t.Fatalf("content was not truncated at function close boundary: %q", truncated)
	}
}

func TestParseToolCallsMultipleParams(t *testing.T) {
	content := "<function=write_file><parameter=path>/tmp/a.txt</parameter><parameter=content>hello</parameter></function>"
	_, calls := ParseToolCalls(content)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Params["path"] != "/tmp/a.txt" || calls[0].Params["content"] != "hello" {
		t.Fatalf("unexpected params: %#v", calls[0].Params)
	}
}

func TestParseToolCallsNoInvocation(t *testing.T) {
	content := "just a plain answer with no tool calls"
	truncated, calls := ParseToolCalls(content)
	if len(calls) != 0 {
		t.Fatalf("expected no calls, got %d", len(calls))
	}
	if truncated != content {
		t.Fatalf("content should be unchanged: %q", truncated)
	}
}

func TestParseToolCallsDanglingInvocation(t *testing.T) {
	// Stream cut off mid-parameter, no closing </function> ever arrived.
	content := "<function=search><parameter=query>weather in"
	_, calls := ParseToolCalls(content)
	if len(calls) != 1 {
		t.Fatalf("expected repaired call, got %d", len(calls))
	}
	if calls[0].Name != "search" {
		t.Fatalf("unexpected name %q", calls[0].Name)
	}
}

func TestEndsWithFunctionClose(t *testing.T) {
	if !endsWithFunctionClose("...</function>") {
		t.Fatal("expected true for exact suffix")
	}
	if !endsWithFunctionClose("...</function>\n") {
		t.Fatal("expected true tolerating trailing whitespace")
	}
	if endsWithFunctionClose("...</function> more text") {
		t.Fatal("expected false when more content follows the close tag")
	}
}
