package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/agentrt/core/pkg/models"
)

func TestContextManager_AnalyzeBelowThreshold(t *testing.T) {
	cm := NewContextManager(ContextConfig{ThresholdPercent: 80, MaxContextTokens: 1000}, nil, nil)
	messages := []models.Message{{Role: models.RoleUser, Content: []models.ContentBlock{models.NewText("hi")}}}

	analysis := cm.Analyze(messages)
	if analysis.ShouldCompress {
		t.Error("expected ShouldCompress=false for tiny message history")
	}
}

func TestContextManager_AnalyzeAboveThreshold(t *testing.T) {
	cm := NewContextManager(ContextConfig{ThresholdPercent: 80, MaxContextTokens: 100}, nil, nil)
	messages := []models.Message{{Role: models.RoleUser, Content: []models.ContentBlock{models.NewText(strings.Repeat("x", 400))}}}

	analysis := cm.Analyze(messages)
	if !analysis.ShouldCompress {
		t.Errorf("expected ShouldCompress=true, got usage=%d%%", analysis.UsagePercent)
	}
}

func TestContextManager_CompressNoopWithoutSafeForkPoint(t *testing.T) {
	cm := NewContextManager(DefaultContextConfig(), nil, nil)
	messages := []models.Message{
		{Role: models.RoleAssistant, Content: []models.ContentBlock{models.NewToolUse("call-1", "read_file", nil)}},
	}

	_, ok, err := cm.Compress(context.Background(), messages)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if ok {
		t.Error("expected ok=false when there is no safe fork point to compress up to")
	}
}

func TestContextManager_CompressFallsBackWithoutSummarizer(t *testing.T) {
	cm := NewContextManager(DefaultContextConfig(), nil, nil)
	messages := []models.Message{
		{Role: models.RoleUser, Content: []models.ContentBlock{models.NewText("first")}},
		{Role: models.RoleAssistant, Content: []models.ContentBlock{models.NewText("second")}},
		{Role: models.RoleUser, Content: []models.ContentBlock{models.NewText("third")}},
	}

	result, ok, err := cm.Compress(context.Background(), messages)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true")
	}
	if result.Summary.Role != models.RoleUser {
		t.Errorf("summary role = %v, want user", result.Summary.Role)
	}
	if len(result.RetainedMessages) >= len(messages) {
		t.Errorf("expected fewer retained messages than original, got %d of %d", len(result.RetainedMessages), len(messages))
	}
}

type stubSummarizer struct {
	text string
	err  error
}

func (s stubSummarizer) Summarize(ctx context.Context, messages []models.Message) (string, error) {
	return s.text, s.err
}

func TestContextManager_CompressUsesSummarizer(t *testing.T) {
	cm := NewContextManager(DefaultContextConfig(), stubSummarizer{text: "condensed"}, nil)
	messages := []models.Message{
		{Role: models.RoleUser, Content: []models.ContentBlock{models.NewText("first")}},
		{Role: models.RoleUser, Content: []models.ContentBlock{models.NewText("second")}},
	}

	result, ok, err := cm.Compress(context.Background(), messages)
	if err != nil || !ok {
		t.Fatalf("Compress: ok=%v err=%v", ok, err)
	}
	if result.Summary.Content[0].Text != "condensed" {
		t.Errorf("summary text = %q, want condensed", result.Summary.Content[0].Text)
	}
}

func TestContextManager_CompressFallsBackOnSummarizerError(t *testing.T) {
	cm := NewContextManager(DefaultContextConfig(), stubSummarizer{err: errors.New("provider down")}, nil)
	messages := []models.Message{
		{Role: models.RoleUser, Content: []models.ContentBlock{models.NewText("first")}},
		{Role: models.RoleUser, Content: []models.ContentBlock{models.NewText("second")}},
	}

	result, ok, err := cm.Compress(context.Background(), messages)
	if err != nil || !ok {
		t.Fatalf("Compress: ok=%v err=%v", ok, err)
	}
	if result.Summary.Content[0].Text == "" {
		t.Error("expected a non-empty fallback summary when the summarizer errors")
	}
}
