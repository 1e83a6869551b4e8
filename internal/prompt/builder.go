package prompt

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/yejunhao159/comfyui-agent/internal/compaction"
)

const defaultTokenBudget = 12000

// Builder assembles the system prompt from registered sections. Sections can
// be registered while other goroutines build prompts: the synthesizer
// hot-loads experiences at turn end while concurrent sessions render.
type Builder struct {
	tokenBudget int
	logger      *slog.Logger

	mu       sync.RWMutex
	sections map[string]Section
}

// NewBuilder creates a builder with the given token budget (<=0 uses the
// default of 12000).
func NewBuilder(tokenBudget int, logger *slog.Logger) *Builder {
	if tokenBudget <= 0 {
		tokenBudget = defaultTokenBudget
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		tokenBudget: tokenBudget,
		sections:    make(map[string]Section),
		logger:      logger,
	}
}

// RegisterSection registers or replaces a section by name. A zero token
// estimate is filled in from the content length.
func (b *Builder) RegisterSection(section Section) {
	if section.TokenEstimate == 0 {
		section.TokenEstimate = compaction.EstimateTokens(section.Content)
	}
	b.mu.Lock()
	b.sections[section.Name] = section
	b.mu.Unlock()
}

// Build assembles the final system prompt.
//
// Environment and canvas text are injected as dynamic sections, intent
// filtering drops what the classifier deemed irrelevant, then sections are
// ordered by category and priority and trimmed to the token budget.
func (b *Builder) Build(intent *IntentResult, environmentText, canvasText string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sections := make([]Section, 0, len(b.sections)+2)
	for _, s := range b.sections {
		if s.Name == "environment" || s.Name == "canvas" {
			continue
		}
		sections = append(sections, s)
	}

	if environmentText != "" {
		sections = append(sections, Section{
			Name:          "environment",
			Category:      CategoryEnvironment,
			Content:       environmentText,
			Priority:      0,
			TokenEstimate: compaction.EstimateTokens(environmentText),
		})
	}
	if strings.TrimSpace(canvasText) != "" {
		sections = append(sections, Section{
			Name:          "canvas",
			Category:      CategoryEnvironment,
			Content:       canvasText,
			Priority:      1,
			TokenEstimate: compaction.EstimateTokens(canvasText),
		})
	}

	if intent != nil {
		sections = b.filterByIntent(sections, intent)
	}

	catIndex := make(map[Category]int, len(categoryOrder))
	for i, c := range categoryOrder {
		catIndex[c] = i
	}
	sort.SliceStable(sections, func(i, j int) bool {
		ci, ok := catIndex[sections[i].Category]
		if !ok {
			ci = 99
		}
		cj, ok := catIndex[sections[j].Category]
		if !ok {
			cj = 99
		}
		if ci != cj {
			return ci < cj
		}
		return sections[i].Priority < sections[j].Priority
	})

	sections = b.applyBudget(sections)

	if len(sections) == 0 {
		return "You are a ComfyUI assistant."
	}
	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		parts = append(parts, s.Content)
	}
	return strings.Join(parts, "\n\n")
}

func (b *Builder) filterByIntent(sections []Section, intent *IntentResult) []Section {
	suggested := make(map[string]bool, len(intent.SuggestedSections))
	for _, name := range intent.SuggestedSections {
		suggested[name] = true
	}

	kept := sections[:0:0]
	for _, s := range sections {
		if alwaysInclude[s.Category] || s.Category == CategoryKnowledge ||
			suggested[s.Name] || suggested[string(s.Category)] {
			kept = append(kept, s)
		}
	}

	// Knowledge sections narrow to the tagged topics when tags are present.
	if len(intent.KnowledgeTags) > 0 {
		tags := make([]string, len(intent.KnowledgeTags))
		for i, t := range intent.KnowledgeTags {
			tags[i] = strings.ToLower(t)
		}
		filtered := kept[:0:0]
		for _, s := range kept {
			if s.Category != CategoryKnowledge || matchesAnyTag(s.Name, tags) {
				filtered = append(filtered, s)
			}
		}
		kept = filtered
	}

	// Experience is always included, subject only to the token budget.
	existing := make(map[string]bool, len(kept))
	for _, s := range kept {
		existing[s.Name] = true
	}
	for _, s := range b.sections {
		if s.Category == CategoryExperience && !existing[s.Name] {
			kept = append(kept, s)
		}
	}

	if !intent.EnvironmentNeeded {
		filtered := kept[:0:0]
		for _, s := range kept {
			if s.Category != CategoryEnvironment {
				filtered = append(filtered, s)
			}
		}
		kept = filtered
	}
	return kept
}

func matchesAnyTag(name string, tags []string) bool {
	lower := strings.ToLower(name)
	for _, tag := range tags {
		if strings.Contains(lower, tag) {
			return true
		}
	}
	return false
}

// applyBudget drops sections that would push the total past the token
// budget, keeping earlier (higher-ranked) sections and continuing past
// oversized ones in case a smaller later section still fits.
func (b *Builder) applyBudget(sections []Section) []Section {
	total := 0
	for _, s := range sections {
		total += s.TokenEstimate
	}
	if total <= b.tokenBudget {
		return sections
	}

	kept := sections[:0:0]
	running := 0
	for _, s := range sections {
		if running+s.TokenEstimate > b.tokenBudget {
			b.logger.Info("token budget: dropping section",
				"section", s.Name, "tokens", s.TokenEstimate)
			continue
		}
		kept = append(kept, s)
		running += s.TokenEstimate
	}
	return kept
}
