package agent

import (
	"errors"
	"testing"
)

func TestRuntimeError_ErrorString(t *testing.T) {
	err := NewError(KindToolExecution, "boom")
	if got := err.Error(); got != "ToolExecutionError: boom" {
		t.Errorf("Error() = %q", got)
	}

	err = err.WithToolCallID("call-1")
	if got := err.Error(); got != "ToolExecutionError: boom (call=call-1)" {
		t.Errorf("Error() with call id = %q", got)
	}
}

func TestRuntimeError_Unwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := NewError(KindProvider, "request failed").WithCause(cause)
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
}

func TestRuntimeError_WithToolSetsName(t *testing.T) {
	err := NewError(KindToolNotFound, "missing").WithTool("read_file")
	if err.ToolName != "read_file" {
		t.Errorf("ToolName = %q, want read_file", err.ToolName)
	}
}
