package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/agentrt/core/internal/skills"
	"github.com/agentrt/core/pkg/models"
)

// SkillsTemplateConfig names skills to auto-activate on agent creation
// and skills to merely hint at (recommend) in the system prompt.
type SkillsTemplateConfig struct {
	AutoActivate []string
	Recommend    []string
}

// activatedSkill is the persisted record of one activated skill.
type activatedSkill struct {
	Name         string `json:"name"`
	ActivatedBy  string `json:"activatedBy"`
	Source       string `json:"source"`
}

// SkillsManager implements the two-phase discover/activate flow.
// Discovery is lightweight — only front-matter metadata is loaded — and
// feeds an XML hint block into the system prompt. Activate loads the
// full body plus resources and injects it as a reminder message.
type SkillsManager struct {
	mu         sync.RWMutex
	searchPaths []string
	discovered map[string]*skills.SkillEntry
	activated  map[string]activatedSkill
	gating     *skills.GatingContext
	bus        *EventBus
}

// registryToolAvailability grounds skill gating's AllowedTools/Trusted
// check in the agent's actual tool registry and enabled-tools set,
// mirroring the enablement logic ToolRunner applies to live tool calls.
type registryToolAvailability struct {
	registry ToolRegistry
	allowAll bool
	enabled  map[string]bool
}

func newRegistryToolAvailability(registry ToolRegistry, enabledTools []string) *registryToolAvailability {
	enabled := map[string]bool{}
	allowAll := false
	for _, t := range enabledTools {
		if t == "*" {
			allowAll = true
			continue
		}
		enabled[t] = true
	}
	return &registryToolAvailability{registry: registry, allowAll: allowAll, enabled: enabled}
}

func (r *registryToolAvailability) Has(name string) bool {
	if r.registry == nil || !r.registry.Has(name) {
		return false
	}
	return r.allowAll || r.enabled[name]
}

func (r *registryToolAvailability) Access(name string) models.AccessKind {
	if r.registry == nil {
		return models.AccessUnknown
	}
	t, ok := r.registry.Get(name)
	if !ok {
		return models.AccessUnknown
	}
	return t.Descriptor().Access
}

// NewSkillsManager constructs a manager over the given search paths.
// registry and enabledTools ground eligibility's AllowedTools/Trusted
// check in the agent's real tool set; registry may be nil during
// standalone discovery (e.g. tests), in which case that check is
// skipped.
func NewSkillsManager(searchPaths []string, overrides map[string]*skills.SkillConfig, bus *EventBus, registry ToolRegistry, enabledTools []string) *SkillsManager {
	var tools skills.ToolAvailability
	if registry != nil {
		tools = newRegistryToolAvailability(registry, enabledTools)
	}
	return &SkillsManager{
		searchPaths: searchPaths,
		discovered:  map[string]*skills.SkillEntry{},
		activated:   map[string]activatedSkill{},
		gating:      skills.NewGatingContext(overrides, nil, tools),
		bus:         bus,
	}
}

// Discover scans every search path for SKILL.md packages, loading only
// front-matter metadata (name, description, compatibility, allowedTools,
// trusted). Returns the eligible set after gating.
func (m *SkillsManager) Discover() ([]*skills.SkillEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.discovered = map[string]*skills.SkillEntry{}
	var all []*skills.SkillEntry
	for _, root := range m.searchPaths {
		entries, err := discoverDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("discover skills in %s: %w", root, err)
		}
		all = append(all, entries...)
	}

	for _, e := range all {
		m.discovered[e.Name] = e
	}

	eligible := skills.FilterEligible(all, m.gating)
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].Name < eligible[j].Name })
	return eligible, nil
}

func discoverDir(root string) ([]*skills.SkillEntry, error) {
	var out []*skills.SkillEntry
	matches, err := filepath.Glob(filepath.Join(root, "*", skills.SkillFilename))
	if err != nil {
		return nil, err
	}
	for _, path := range matches {
		entry, err := skills.ParseSkillFile(path)
		if err != nil {
			continue // a malformed package is skipped, not fatal to discovery
		}
		entry.Content = "" // the body is loaded on Activate
		out = append(out, entry)
	}
	return out, nil
}

// PromptBlock renders the XML block of every discovered skill, activated
// or not, appended to the system prompt. Discovered skills named in
// recommend are flagged recommended="true"; a recommended name that was
// not discovered is not listed.
func (m *SkillsManager) PromptBlock(recommend []string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.discovered) == 0 {
		return ""
	}
	recSet := map[string]bool{}
	for _, r := range recommend {
		recSet[r] = true
	}

	names := make([]string, 0, len(m.discovered))
	for n := range m.discovered {
		names = append(names, n)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("<available_skills>\n")
	for _, n := range names {
		e := m.discovered[n]
		hint := ""
		if recSet[n] {
			hint = ` recommended="true"`
		}
		fmt.Fprintf(&b, "  <skill name=%q%s>%s</skill>\n", e.Name, hint, e.Description)
	}
	b.WriteString("</available_skills>")
	return b.String()
}

// Activate loads a discovered skill's full body and returns a reminder
// message carrying its "activated skill" XML block. Persists the
// activated set and emits skill_activated.
func (m *SkillsManager) Activate(ctx context.Context, name, activatedBy string) (models.Message, error) {
	m.mu.Lock()
	entry, ok := m.discovered[name]
	if !ok {
		m.mu.Unlock()
		return models.Message{}, fmt.Errorf("skill %q was not discovered", name)
	}
	if entry.Content == "" {
		full, err := skills.ParseSkillFile(filepath.Join(entry.Path, skills.SkillFilename))
		if err != nil {
			m.mu.Unlock()
			return models.Message{}, fmt.Errorf("load skill %q body: %w", name, err)
		}
		entry.Content = full.Content
	}
	m.activated[name] = activatedSkill{Name: name, ActivatedBy: activatedBy, Source: entry.Path}
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(ctx, models.ChannelMonitor, models.EventSkillActivated, map[string]any{
			"skill": name, "activatedBy": activatedBy,
		})
	}

	block := fmt.Sprintf("<activated_skill name=%q>\n%s\n</activated_skill>", name, entry.Content)
	return models.Message{Role: models.RoleUser, Content: []models.ContentBlock{models.NewText(block)}}, nil
}

// AutoActivate activates every skill named in cfg.AutoActivate, in
// order, called once on agent creation.
func (m *SkillsManager) AutoActivate(ctx context.Context, cfg SkillsTemplateConfig) ([]models.Message, error) {
	var out []models.Message
	for _, name := range cfg.AutoActivate {
		msg, err := m.Activate(ctx, name, "template")
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// ActivatedNames returns every currently activated skill name, for
// persistence into AgentInfo.Metadata and restoration on resume.
func (m *SkillsManager) ActivatedNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.activated))
	for n := range m.activated {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// RestoreActivated re-marks the given names as activated without
// re-emitting skill_activated or re-appending a reminder, used on
// resume to reconstruct in-memory state from persisted metadata.
func (m *SkillsManager) RestoreActivated(names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range names {
		if _, ok := m.activated[n]; !ok {
			m.activated[n] = activatedSkill{Name: n, ActivatedBy: "resume"}
		}
	}
}
