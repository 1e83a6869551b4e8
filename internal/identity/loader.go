// Package identity loads RoleX identity features from the filesystem and
// feeds them into the prompt builder. A role's identity lives at
// {dir}/roles/{role}/identity/*.identity.feature as Gherkin text; the
// filename suffix decides whether a file is persona, knowledge, experience,
// or voice. The synthesizer writes new experience features back after
// notable conversations.
package identity

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/yejunhao159/comfyui-agent/internal/prompt"
)

// FeatureType classifies an identity feature file.
type FeatureType string

const (
	TypePersona    FeatureType = "persona"
	TypeKnowledge  FeatureType = "knowledge"
	TypeExperience FeatureType = "experience"
	TypeVoice      FeatureType = "voice"
)

// Feature is one parsed .identity.feature file. Content holds the original
// Gherkin text.
type Feature struct {
	Type       FeatureType
	Name       string
	Content    string
	SourceFile string
}

var featureNameRe = regexp.MustCompile(`(?m)^\s*Feature:\s*(.+)$`)

// Loader reads and writes identity features under a RoleX directory.
type Loader struct {
	dir    string
	logger *slog.Logger
}

// NewLoader creates a loader rooted at dir. A leading "~" expands to the
// user's home directory.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.HasPrefix(dir, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
		}
	}
	return &Loader{dir: dir, logger: logger}
}

func (l *Loader) identityDir(roleName string) string {
	return filepath.Join(l.dir, "roles", roleName, "identity")
}

// LoadIdentity loads all identity features for a role in filename order.
// A missing identity directory yields an empty list, not an error.
func (l *Loader) LoadIdentity(roleName string) []Feature {
	dir := l.identityDir(roleName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		l.logger.Warn("identity dir not found", "dir", dir)
		return nil
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".identity.feature") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var features []Feature
	for _, name := range names {
		path := filepath.Join(dir, name)
		content, err := os.ReadFile(path)
		if err != nil {
			l.logger.Warn("failed to load identity file", "path", path, "err", err)
			continue
		}
		features = append(features, Feature{
			Type:       detectType(name),
			Name:       extractFeatureName(string(content)),
			Content:    string(content),
			SourceFile: path,
		})
	}

	l.logger.Info("identity loaded", "role", roleName, "features", len(features))
	return features
}

// SaveExperience writes an experience feature to the role's identity
// directory as {name}.experience.identity.feature.
func (l *Loader) SaveExperience(roleName, expName, gherkin string) error {
	dir := l.identityDir(roleName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	path := filepath.Join(dir, expName+".experience.identity.feature")
	if err := os.WriteFile(path, []byte(gherkin), 0o644); err != nil {
		return fmt.Errorf("write experience: %w", err)
	}
	l.logger.Info("experience saved", "name", expName, "path", path)
	return nil
}

// detectType maps a filename to its identity type following the RoleX
// convention. Unrecognized patterns default to knowledge.
func detectType(filename string) FeatureType {
	switch {
	case filename == "persona.identity.feature":
		return TypePersona
	case strings.HasSuffix(filename, ".knowledge.identity.feature"):
		return TypeKnowledge
	case strings.HasSuffix(filename, ".experience.identity.feature"):
		return TypeExperience
	case strings.HasSuffix(filename, ".voice.identity.feature"):
		return TypeVoice
	}
	return TypeKnowledge
}

func extractFeatureName(content string) string {
	if m := featureNameRe.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(m[1])
	}
	return "unnamed"
}

// FeaturesToSections converts identity features into prompt sections:
// persona and voice lead the identity category, knowledge and experience
// land in their own categories with priorities following load order. When a
// persona is present, a directive section instructs the model to answer
// under the role's display name.
func FeaturesToSections(features []Feature, roleName string) []prompt.Section {
	var sections []prompt.Section
	knowledgeIdx, experienceIdx := 0, 0
	hasPersona := false

	for _, f := range features {
		switch f.Type {
		case TypePersona:
			hasPersona = true
			sections = append(sections, prompt.Section{
				Name:     "identity_persona_" + f.Name,
				Category: prompt.CategoryIdentity,
				Content:  f.Content,
				Priority: 0,
			})
		case TypeVoice:
			sections = append(sections, prompt.Section{
				Name:     "identity_voice_" + f.Name,
				Category: prompt.CategoryIdentity,
				Content:  f.Content,
				Priority: 1,
			})
		case TypeKnowledge:
			sections = append(sections, prompt.Section{
				Name:     "knowledge_" + f.Name,
				Category: prompt.CategoryKnowledge,
				Content:  f.Content,
				Priority: knowledgeIdx,
			})
			knowledgeIdx++
		case TypeExperience:
			sections = append(sections, prompt.Section{
				Name:     "experience_" + f.Name,
				Category: prompt.CategoryExperience,
				Content:  f.Content,
				Priority: experienceIdx,
			})
			experienceIdx++
		}
	}

	if hasPersona && roleName != "" {
		display := strings.ToUpper(roleName[:1]) + roleName[1:]
		sections = append(sections, prompt.Section{
			Name:     "identity_directive",
			Category: prompt.CategoryIdentity,
			Content: fmt.Sprintf("You have been given a persona identity above. "+
				"You MUST prefix every response with [%s] to indicate your active identity. "+
				"Embody this persona in your communication style, thinking approach, "+
				"and problem-solving methodology. Your experiences and knowledge shape "+
				"how you respond.", display),
			Priority: 2,
		})
	}
	return sections
}
