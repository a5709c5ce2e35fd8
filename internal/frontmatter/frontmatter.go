// Package frontmatter parses memory note files: a YAML header between ---
// fences followed by a markdown body.
package frontmatter

import (
	"crypto/sha256"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/engramdev/engram/internal/engramerr"
	"github.com/engramdev/engram/internal/models"
)

// MaxFileBytes bounds note size; larger files are rejected, not truncated.
const MaxFileBytes = 1 << 20

// Note is the structured result of parsing one memory file.
type Note struct {
	Title          string
	TriggerPhrases []string
	ContextType    string
	Tier           models.ImportanceTier
	Weight         float64
	Content        string
	ContentHash    string
}

type header struct {
	Title          string   `yaml:"title"`
	TriggerPhrases []string `yaml:"trigger_phrases"`
	ContextType    string   `yaml:"context_type"`
	Tier           string   `yaml:"importance_tier"`
	Weight         *float64 `yaml:"importance_weight"`
}

// ParseFile reads and parses the note at path. Validation failures are coded
// errors and never partially succeed.
func ParseFile(path string) (*Note, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, engramerr.NotFound("memory file not found: %s", path).WithCause(err)
	}
	if info.Size() > MaxFileBytes {
		return nil, engramerr.Validation("memory file %s is %d bytes, max is %d", path, info.Size(), MaxFileBytes).
			WithHint("split the note into smaller memories")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read memory file: %w", err)
	}
	return Parse(string(raw))
}

// Parse parses raw note text.
func Parse(raw string) (*Note, error) {
	head, body, err := split(raw)
	if err != nil {
		return nil, err
	}

	var h header
	if err := yaml.Unmarshal([]byte(head), &h); err != nil {
		return nil, engramerr.Validation("invalid frontmatter yaml: %v", err)
	}

	if strings.TrimSpace(h.Title) == "" {
		return nil, engramerr.Validation("frontmatter is missing a title")
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, engramerr.Validation("memory body is empty")
	}

	tier := models.TierNormal
	if h.Tier != "" {
		tier = models.ImportanceTier(h.Tier)
		if !tier.IsValid() {
			return nil, engramerr.Validation("unknown importance_tier %q", h.Tier)
		}
	}

	weight := 0.5
	if h.Weight != nil {
		weight = *h.Weight
		if weight < 0 || weight > 1 {
			return nil, engramerr.Validation("importance_weight must be in [0,1], got %v", weight)
		}
	}

	phrases := make([]string, 0, len(h.TriggerPhrases))
	for _, p := range h.TriggerPhrases {
		p = strings.TrimSpace(p)
		if p != "" {
			phrases = append(phrases, p)
		}
	}

	sum := sha256.Sum256([]byte(body))
	return &Note{
		Title:          strings.TrimSpace(h.Title),
		TriggerPhrases: phrases,
		ContextType:    strings.TrimSpace(h.ContextType),
		Tier:           tier,
		Weight:         weight,
		Content:        body,
		ContentHash:    fmt.Sprintf("%x", sum),
	}, nil
}

// Render is the inverse of Parse: it serializes a note back to file form.
// The output round-trips through Parse to the same field values.
func Render(n *Note) (string, error) {
	h := header{
		Title:          n.Title,
		TriggerPhrases: n.TriggerPhrases,
		ContextType:    n.ContextType,
		Tier:           string(n.Tier),
		Weight:         &n.Weight,
	}
	head, err := yaml.Marshal(&h)
	if err != nil {
		return "", fmt.Errorf("render frontmatter: %w", err)
	}
	var b strings.Builder
	b.WriteString("---\n")
	b.Write(head)
	b.WriteString("---\n\n")
	b.WriteString(strings.TrimSpace(n.Content))
	b.WriteString("\n")
	return b.String(), nil
}

func split(raw string) (head, body string, err error) {
	trimmed := strings.TrimLeft(raw, "\ufeff\n\r ")
	if !strings.HasPrefix(trimmed, "---") {
		return "", "", engramerr.Validation("memory file has no frontmatter header")
	}
	rest := trimmed[3:]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return "", "", engramerr.Validation("frontmatter header is not terminated")
	}
	head = rest[:idx]
	body = rest[idx+4:]
	if nl := strings.Index(body, "\n"); nl >= 0 {
		body = body[nl+1:]
	} else {
		body = ""
	}
	return head, body, nil
}
