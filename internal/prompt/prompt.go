// Package prompt assembles the system prompt from independent sections.
// Sections carry a category and a priority; the builder filters them by
// analyzed intent, orders them, and enforces a token budget.
package prompt

// Category orders sections within the assembled prompt.
type Category string

const (
	CategoryIdentity         Category = "identity"
	CategoryKnowledge        Category = "knowledge"
	CategoryExperience       Category = "experience"
	CategoryEnvironment      Category = "environment"
	CategoryWorkflowStrategy Category = "workflow_strategy"
	CategoryToolReference    Category = "tool_reference"
	CategoryRules            Category = "rules"
	CategoryErrorHandling    Category = "error_handling"
)

// categoryOrder is the rendering order of categories in the final prompt.
var categoryOrder = []Category{
	CategoryIdentity,
	CategoryKnowledge,
	CategoryExperience,
	CategoryEnvironment,
	CategoryWorkflowStrategy,
	CategoryToolReference,
	CategoryRules,
	CategoryErrorHandling,
}

// alwaysInclude categories survive intent filtering unconditionally.
var alwaysInclude = map[Category]bool{
	CategoryIdentity:         true,
	CategoryWorkflowStrategy: true,
	CategoryRules:            true,
}

// Section is an independent block within the system prompt.
type Section struct {
	Name          string
	Category      Category
	Content       string
	Priority      int
	TokenEstimate int
}

// IntentResult is the output of the lightweight intent pre-analysis.
type IntentResult struct {
	Topics            []string
	EnvironmentNeeded bool
	SuggestedSections []string
	KnowledgeTags     []string
}

// AllSectionNames lists the selectable section options presented to the
// intent classifier (everything except identity, which is always included).
func AllSectionNames() []string {
	names := make([]string, 0, len(categoryOrder)-1)
	for _, c := range categoryOrder {
		if c == CategoryIdentity {
			continue
		}
		names = append(names, string(c))
	}
	return names
}

// DefaultIntent is the fail-open result: include everything.
func DefaultIntent() *IntentResult {
	return &IntentResult{
		Topics:            []string{"general"},
		EnvironmentNeeded: true,
		SuggestedSections: AllSectionNames(),
	}
}
