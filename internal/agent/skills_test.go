package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agentrt/core/pkg/models"
)

func writeSkill(t *testing.T, root, name, frontmatter, body string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := "---\n" + frontmatter + "\n---\n" + body
	if err := os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSkillsManager_DiscoverLoadsMetadataOnly(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "web-search",
		"name: web-search\ndescription: Search the web",
		"Full instructions for searching.")
	writeSkill(t, root, "broken", "nope: [", "body")

	m := NewSkillsManager([]string{root}, nil, nil, nil, nil)
	entries, err := m.Discover()
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "web-search" {
		t.Fatalf("expected only the well-formed skill, got %+v", entries)
	}
}

func TestSkillsManager_DiscoverMissingPathSkipped(t *testing.T) {
	m := NewSkillsManager([]string{"/nonexistent/skills"}, nil, nil, nil, nil)
	entries, err := m.Discover()
	if err != nil {
		t.Fatalf("Discover should tolerate a missing search path: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}
}

func TestSkillsManager_PromptBlockListsDiscoveredSkills(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "web-search", "name: web-search\ndescription: Search the web", "body")
	writeSkill(t, root, "pdf-export", "name: pdf-export\ndescription: Export PDFs", "body")

	m := NewSkillsManager([]string{root}, nil, nil, nil, nil)
	if _, err := m.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	block := m.PromptBlock([]string{"pdf-export"})
	if !strings.Contains(block, "<available_skills>") {
		t.Fatalf("expected an available_skills block, got %q", block)
	}
	if !strings.Contains(block, `"web-search"`) || !strings.Contains(block, `"pdf-export"`) {
		t.Errorf("expected both skills listed, got %q", block)
	}
	if !strings.Contains(block, `recommended="true"`) {
		t.Errorf("expected the recommended hint on pdf-export, got %q", block)
	}
}

func TestSkillsManager_ActivateEmitsEventAndBuildsReminder(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "web-search", "name: web-search\ndescription: Search the web", "Use the search tool wisely.")

	bus := NewEventBus("agent-1", nil, nil)
	ch, cancel, err := bus.Subscribe(context.Background(), []models.Channel{models.ChannelMonitor}, nil, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	m := NewSkillsManager([]string{root}, nil, bus, nil, nil)
	if _, err := m.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	msg, err := m.Activate(context.Background(), "web-search", "user")
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if msg.Role != models.RoleUser {
		t.Errorf("activation message role = %v, want user", msg.Role)
	}
	if !strings.Contains(msg.Content[0].Text, "Use the search tool wisely.") {
		t.Errorf("expected the skill body in the activation block, got %q", msg.Content[0].Text)
	}

	select {
	case env := <-ch:
		if env.Event.Type != models.EventSkillActivated {
			t.Errorf("event type = %s, want skill_activated", env.Event.Type)
		}
		if env.Event.Payload["skill"] != "web-search" {
			t.Errorf("payload = %+v", env.Event.Payload)
		}
	default:
		t.Fatal("expected a skill_activated monitor event")
	}
}

func TestSkillsManager_ActivateUndiscoveredFails(t *testing.T) {
	m := NewSkillsManager(nil, nil, nil, nil, nil)
	if _, err := m.Activate(context.Background(), "ghost", "user"); err == nil {
		t.Error("expected an error activating a skill that was never discovered")
	}
}

func TestSkillsManager_ActivatedNamesSurviveRestore(t *testing.T) {
	m := NewSkillsManager(nil, nil, nil, nil, nil)
	m.RestoreActivated([]string{"web-search", "pdf-export"})

	names := m.ActivatedNames()
	if len(names) != 2 || names[0] != "pdf-export" || names[1] != "web-search" {
		t.Errorf("ActivatedNames = %v, want sorted [pdf-export web-search]", names)
	}
}

func TestSkillsManager_DiscoverGatesOnAllowedTools(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "needs-tool",
		"name: needs-tool\ndescription: Needs a specific tool\nallowedTools:\n  - special_tool",
		"body")

	// Registry without the required tool: skill is filtered out.
	m := NewSkillsManager([]string{root}, nil, nil, newStubRegistry(), []string{"*"})
	entries, err := m.Discover()
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected the skill to be gated out without its tool, got %+v", entries)
	}

	// Registry with the tool: skill is eligible.
	tool := &stubTool{name: "special_tool", access: models.AccessRead}
	m = NewSkillsManager([]string{root}, nil, nil, newStubRegistry(tool), []string{"*"})
	entries, err = m.Discover()
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected the skill to be eligible with its tool present, got %+v", entries)
	}
}
