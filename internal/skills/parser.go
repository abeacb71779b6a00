package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// SkillFilename is the expected filename for skill definitions.
	SkillFilename = "SKILL.md"

	// frontmatterDelimiter marks the beginning and end of a skill's YAML
	// front-matter block.
	frontmatterDelimiter = "---"
)

// ParseSkillFile reads and parses a SKILL.md package from disk.
func ParseSkillFile(path string) (*SkillEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return ParseSkill(data, filepath.Dir(path))
}

// ParseSkill parses SKILL.md content into a SkillEntry and validates
// it: every discovered package must carry a name and description,
// and any tool named in AllowedTools must look like a real tool id, not
// a typo or a glob the eligibility check would never match.
func ParseSkill(data []byte, skillPath string) (*SkillEntry, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("split frontmatter: %w", err)
	}

	var entry SkillEntry
	if err := yaml.Unmarshal(frontmatter, &entry); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	entry.Content = strings.TrimSpace(string(body))
	entry.Path = skillPath

	if err := ValidateSkill(&entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// splitFrontmatter separates a SKILL.md file's leading "---" delimited
// YAML block from its markdown body.
func splitFrontmatter(data []byte) (frontmatter, body []byte, err error) {
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("empty file")
	}
	lines := strings.Split(string(data), "\n")
	if strings.TrimSpace(lines[0]) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	closeAt := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == frontmatterDelimiter {
			closeAt = i
			break
		}
	}
	if closeAt < 0 {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	fm := strings.Join(lines[1:closeAt], "\n")
	bd := strings.Join(lines[closeAt+1:], "\n")
	return []byte(fm), []byte(bd), nil
}

// ValidateSkill checks the fields ParseSkill's caller relies on:
// identifier shape for Name, non-empty Description, and that
// AllowedTools entries look like tool ids rather than globs (gating
// resolves them by exact name, so a glob would silently never match).
func ValidateSkill(entry *SkillEntry) error {
	if entry.Name == "" {
		return fmt.Errorf("name is required")
	}
	for _, r := range entry.Name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return fmt.Errorf("name must be lowercase alphanumeric with hyphens: got %q", entry.Name)
		}
	}
	if entry.Description == "" {
		return fmt.Errorf("description is required")
	}
	for _, name := range entry.AllowedTools {
		if name == "" || strings.ContainsAny(name, "*?[]") {
			return fmt.Errorf("allowedTools entries must be exact tool ids, got %q", name)
		}
	}
	return nil
}

// ExpandBaseDir replaces {baseDir} placeholders in skill content with
// the skill package's own directory, so a skill's instructions can
// reference its own bundled resources by relative path.
func ExpandBaseDir(content, baseDir string) string {
	return strings.ReplaceAll(content, "{baseDir}", baseDir)
}
