// Package nodeindex maintains a local searchable index of the backend's node
// catalog. It is built once from /api/object_info and then serves keyword
// search, category browsing, condensed detail views, type compatibility
// lookups, and workflow validation without further backend calls.
package nodeindex

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Fetcher supplies the raw node catalog.
type Fetcher interface {
	ObjectInfo(ctx context.Context, nodeClass string) (map[string]any, error)
}

type searchFields struct {
	className   string
	displayName string
	category    string
	description string
}

type producer struct {
	className  string
	outputIdx  int
	outputName string
}

type consumer struct {
	className string
	inputName string
}

// Index is the in-memory node catalog.
type Index struct {
	mu       sync.RWMutex
	nodes    map[string]map[string]any
	byCat    map[string][]string
	fields   map[string]searchFields
	inverted map[string]map[string]struct{}
	producers map[string][]producer
	consumers map[string][]consumer
	built    bool
	logger   *slog.Logger
}

// New creates an empty index.
func New(logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		nodes:     map[string]map[string]any{},
		byCat:     map[string][]string{},
		fields:    map[string]searchFields{},
		inverted:  map[string]map[string]struct{}{},
		producers: map[string][]producer{},
		consumers: map[string][]consumer{},
		logger:    logger,
	}
}

// IsBuilt reports whether a build has completed.
func (ix *Index) IsBuilt() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.built
}

// NodeCount returns the number of indexed node classes.
func (ix *Index) NodeCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.nodes)
}

// Categories returns all category names, sorted.
func (ix *Index) Categories() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	cats := make([]string, 0, len(ix.byCat))
	for cat := range ix.byCat {
		cats = append(cats, cat)
	}
	sort.Strings(cats)
	return cats
}

// Build fetches the node catalog and rebuilds all indexes.
func (ix *Index) Build(ctx context.Context, fetcher Fetcher) error {
	ix.logger.Info("building node index")
	allInfo, err := fetcher.ObjectInfo(ctx, "")
	if err != nil {
		return fmt.Errorf("fetch object_info: %w", err)
	}
	ix.BuildFrom(allInfo)
	return nil
}

// BuildFrom rebuilds the index from an already-fetched catalog.
func (ix *Index) BuildFrom(allInfo map[string]any) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.nodes = map[string]map[string]any{}
	ix.byCat = map[string][]string{}
	ix.fields = map[string]searchFields{}
	ix.inverted = map[string]map[string]struct{}{}
	ix.producers = map[string][]producer{}
	ix.consumers = map[string][]consumer{}

	for className, infoAny := range allInfo {
		info, ok := infoAny.(map[string]any)
		if !ok {
			continue
		}
		ix.nodes[className] = info

		category := stringOr(info["category"], "uncategorized")
		ix.byCat[category] = append(ix.byCat[category], className)

		display := stringOr(info["display_name"], className)
		desc := stringOr(info["description"], "")
		ix.fields[className] = searchFields{
			className:   strings.ToLower(className),
			displayName: strings.ToLower(display),
			category:    strings.ToLower(category),
			description: strings.ToLower(desc),
		}

		tokens := map[string]struct{}{}
		for _, src := range []string{className, display, category, desc} {
			for _, tok := range tokenize(src) {
				tokens[tok] = struct{}{}
			}
		}
		for tok := range tokens {
			if ix.inverted[tok] == nil {
				ix.inverted[tok] = map[string]struct{}{}
			}
			ix.inverted[tok][className] = struct{}{}
		}

		ix.indexOutputs(className, info)
		ix.indexInputs(className, info)
	}

	ix.built = true
	ix.logger.Info("node index built",
		"nodes", len(ix.nodes),
		"categories", len(ix.byCat),
		"types", len(ix.typeSetLocked()))
}

func (ix *Index) typeSetLocked() map[string]struct{} {
	set := map[string]struct{}{}
	for t := range ix.producers {
		set[t] = struct{}{}
	}
	for t := range ix.consumers {
		set[t] = struct{}{}
	}
	return set
}

func (ix *Index) indexOutputs(className string, info map[string]any) {
	outputs, _ := info["output"].([]any)
	names, _ := info["output_name"].([]any)
	for i, otypeAny := range outputs {
		otype, ok := otypeAny.(string)
		if !ok {
			continue
		}
		oname := fmt.Sprintf("output_%d", i)
		if i < len(names) {
			if n, ok := names[i].(string); ok {
				oname = n
			}
		}
		ix.producers[otype] = append(ix.producers[otype], producer{className, i, oname})
	}
}

func (ix *Index) indexInputs(className string, info map[string]any) {
	inputInfo, _ := info["input"].(map[string]any)
	for _, section := range []string{"required", "optional"} {
		params, _ := inputInfo[section].(map[string]any)
		for paramName, spec := range params {
			if t, ok := typedParamType(spec); ok {
				ix.consumers[t] = append(ix.consumers[t], consumer{className, paramName})
			}
		}
	}
}

// typedParamType returns the connection type of a parameter spec when the
// spec's first element is an uppercase type reference like "MODEL".
func typedParamType(spec any) (string, bool) {
	list, ok := spec.([]any)
	if !ok || len(list) == 0 {
		return "", false
	}
	t, ok := list[0].(string)
	if !ok || t == "" || t != strings.ToUpper(t) {
		return "", false
	}
	// All-uppercase strings only; enum option lists come through as []any.
	for _, r := range t {
		if r >= 'a' && r <= 'z' {
			return "", false
		}
	}
	return t, true
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

var camelRe = regexp.MustCompile(`[A-Z][a-z]+|[a-z]+|[A-Z]+(?:$|[A-Z][a-z])`)
var splitRe = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// tokenize splits text into lowercase search tokens of length >= 2,
// handling CamelCase, snake_case, and slash-separated categories.
func tokenize(text string) []string {
	var tokens []string
	for _, part := range splitRe.Split(text, -1) {
		lower := strings.ToLower(part)
		if len(lower) >= 2 {
			tokens = append(tokens, lower)
		}
		for _, sub := range camelSplit(part) {
			sl := strings.ToLower(sub)
			if len(sl) >= 2 && sl != lower {
				tokens = append(tokens, sl)
			}
		}
	}
	return tokens
}

// camelSplit breaks a CamelCase identifier into its word runs.
func camelSplit(s string) []string {
	var parts []string
	start := 0
	for i := 1; i < len(s); i++ {
		if isUpper(s[i]) && !isUpper(s[i-1]) {
			parts = append(parts, s[start:i])
			start = i
		} else if i+1 < len(s) && isUpper(s[i]) && isUpper(s[i-1]) && isLower(s[i+1]) {
			parts = append(parts, s[start:i])
			start = i
		}
	}
	if start < len(s) {
		parts = append(parts, s[start:])
	}
	return parts
}

func isUpper(b byte) bool { return b >= 'A' && b <= 'Z' }
func isLower(b byte) bool { return b >= 'a' && b <= 'z' }
