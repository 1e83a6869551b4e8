package nodeindex

import (
	"fmt"
	"sort"
	"strings"
)

const notBuiltMsg = "Node index not built yet. ComfyUI may not be connected."

// ListCategories returns a summary of all categories with node counts.
func (ix *Index) ListCategories() string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if !ix.built {
		return notBuiltMsg
	}
	cats := make([]string, 0, len(ix.byCat))
	for cat := range ix.byCat {
		cats = append(cats, cat)
	}
	sort.Strings(cats)

	var b strings.Builder
	fmt.Fprintf(&b, "Node categories (%d):", len(cats))
	for _, cat := range cats {
		fmt.Fprintf(&b, "\n  [%s] (%d nodes)", cat, len(ix.byCat[cat]))
	}
	return b.String()
}

// ListCategory lists all nodes in one category, matching the name
// case-insensitively, then by substring.
func (ix *Index) ListCategory(category string) string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if !ix.built {
		return notBuiltMsg
	}

	matched := ""
	lower := strings.ToLower(category)
	for cat := range ix.byCat {
		if strings.ToLower(cat) == lower {
			matched = cat
			break
		}
	}
	if matched == "" {
		for cat := range ix.byCat {
			if strings.Contains(strings.ToLower(cat), lower) {
				matched = cat
				break
			}
		}
	}
	if matched == "" {
		return fmt.Sprintf("Category '%s' not found. Use search_nodes to find nodes.", category)
	}

	names := append([]string(nil), ix.byCat[matched]...)
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "Nodes in [%s] (%d):", matched, len(names))
	for _, name := range names {
		display := stringOr(ix.nodes[name]["display_name"], name)
		fmt.Fprintf(&b, "\n  - %s (%s)", name, display)
	}
	return b.String()
}

type scoredNode struct {
	score float64
	name  string
}

// Search finds nodes matching the query with weighted field scoring:
// class name exact 10 / contains 5, display name 4, category 2,
// description 1 per term. Candidates come from the inverted index.
func (ix *Index) Search(query string, limit int) string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if !ix.built {
		return notBuiltMsg
	}
	if limit <= 0 {
		limit = 20
	}
	terms := strings.Fields(strings.ToLower(query))

	candidates := map[string]struct{}{}
	for _, term := range terms {
		if names, ok := ix.inverted[term]; ok {
			for name := range names {
				candidates[name] = struct{}{}
			}
		}
		for token, names := range ix.inverted {
			if strings.Contains(token, term) || strings.Contains(term, token) {
				for name := range names {
					candidates[name] = struct{}{}
				}
			}
		}
	}
	if len(candidates) == 0 {
		return fmt.Sprintf("No nodes found matching '%s'.", query)
	}

	var scored []scoredNode
	for name := range candidates {
		f, ok := ix.fields[name]
		if !ok {
			continue
		}
		score := 0.0
		for _, term := range terms {
			switch {
			case term == f.className:
				score += 10
			case strings.Contains(f.className, term):
				score += 5
			}
			if strings.Contains(f.displayName, term) {
				score += 4
			}
			if strings.Contains(f.category, term) {
				score += 2
			}
			if strings.Contains(f.description, term) {
				score += 1
			}
		}
		if score > 0 {
			scored = append(scored, scoredNode{score, name})
		}
	}
	if len(scored) == 0 {
		return fmt.Sprintf("No nodes found matching '%s'.", query)
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].name < scored[j].name
	})

	shown := scored
	if len(shown) > limit {
		shown = shown[:limit]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Search results for '%s' (%d matches, showing %d):", query, len(scored), len(shown))
	for _, sn := range shown {
		info := ix.nodes[sn.name]
		display := stringOr(info["display_name"], sn.name)
		category := stringOr(info["category"], "")
		fmt.Fprintf(&b, "\n  - %s [%s] (%s) — %s", sn.name, category, display, ioSummary(info))
	}
	if len(scored) > limit {
		fmt.Fprintf(&b, "\n  ... %d more results. Refine your search.", len(scored)-limit)
	}
	return b.String()
}

// Detail returns a condensed description of one node class.
func (ix *Index) Detail(className string) string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if !ix.built {
		return notBuiltMsg
	}
	info, ok := ix.nodes[className]
	if !ok {
		for name := range ix.nodes {
			if strings.EqualFold(name, className) {
				info = ix.nodes[name]
				className = name
				ok = true
				break
			}
		}
	}
	if !ok {
		return fmt.Sprintf("Node '%s' not found.", className)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Node: %s", className)
	fmt.Fprintf(&b, "\n  Display: %s", stringOr(info["display_name"], className))
	fmt.Fprintf(&b, "\n  Category: %s", stringOr(info["category"], "unknown"))
	if desc := stringOr(info["description"], ""); desc != "" {
		fmt.Fprintf(&b, "\n  Description: %s", desc)
	}

	inputInfo, _ := info["input"].(map[string]any)
	writeParams := func(title string, params map[string]any) {
		if len(params) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n  %s:", title)
		names := make([]string, 0, len(params))
		for name := range params {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "\n    %s: %s", name, formatParam(params[name]))
		}
	}
	required, _ := inputInfo["required"].(map[string]any)
	optional, _ := inputInfo["optional"].(map[string]any)
	writeParams("Required inputs", required)
	writeParams("Optional inputs", optional)

	outputs, _ := info["output"].([]any)
	names, _ := info["output_name"].([]any)
	if len(outputs) > 0 {
		b.WriteString("\n  Outputs:")
		for i, otype := range outputs {
			oname := fmt.Sprintf("output_%d", i)
			if i < len(names) {
				if n, ok := names[i].(string); ok {
					oname = n
				}
			}
			fmt.Fprintf(&b, "\n    [%d] %s: %v", i, oname, otype)
		}
	}
	return b.String()
}

// Connectable lists producers and consumers of a connection type.
func (ix *Index) Connectable(outputType string, limit int) string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if !ix.built {
		return notBuiltMsg
	}
	if limit <= 0 {
		limit = 20
	}
	outputType = strings.ToUpper(outputType)

	producers := ix.producers[outputType]
	consumers := ix.consumers[outputType]
	if len(producers) == 0 && len(consumers) == 0 {
		return fmt.Sprintf("No nodes found for type '%s'.", outputType)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Type: %s", outputType)
	if len(producers) > 0 {
		fmt.Fprintf(&b, "\n\n  Produced by (%d nodes):", len(producers))
		for i, p := range producers {
			if i >= limit {
				break
			}
			display := stringOr(ix.nodes[p.className]["display_name"], p.className)
			fmt.Fprintf(&b, "\n    %s [%s] → output[%d] %s", p.className, display, p.outputIdx, p.outputName)
		}
	}
	if len(consumers) > 0 {
		fmt.Fprintf(&b, "\n\n  Consumed by (%d nodes):", len(consumers))
		for i, cons := range consumers {
			if i >= limit {
				break
			}
			display := stringOr(ix.nodes[cons.className]["display_name"], cons.className)
			fmt.Fprintf(&b, "\n    %s [%s] ← input.%s", cons.className, display, cons.inputName)
		}
	}
	return b.String()
}

// TypeSummary lists every connection type with producer/consumer counts.
func (ix *Index) TypeSummary() string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if !ix.built {
		return notBuiltMsg
	}
	set := ix.typeSetLocked()
	if len(set) == 0 {
		return "No connection types found."
	}
	types := make([]string, 0, len(set))
	for t := range set {
		types = append(types, t)
	}
	sort.Strings(types)

	var b strings.Builder
	fmt.Fprintf(&b, "Connection types (%d):", len(types))
	for _, t := range types {
		fmt.Fprintf(&b, "\n  %s: %d producers, %d consumers", t, len(ix.producers[t]), len(ix.consumers[t]))
	}
	return b.String()
}

// ValidateWorkflow checks a workflow (API format) against the catalog:
// unknown class types and missing required inputs are errors, unknown
// inputs are warnings.
func (ix *Index) ValidateWorkflow(workflow map[string]any) string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if !ix.built {
		return "Node index not built yet. Cannot validate."
	}

	var errs, warns []string
	nodeIDs := make([]string, 0, len(workflow))
	for id := range workflow {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	for _, nodeID := range nodeIDs {
		nodeConfig, _ := workflow[nodeID].(map[string]any)
		classType, _ := nodeConfig["class_type"].(string)
		if classType == "" {
			errs = append(errs, fmt.Sprintf("Node %s: missing class_type", nodeID))
			continue
		}
		info, ok := ix.nodes[classType]
		if !ok {
			errs = append(errs, fmt.Sprintf("Node %s: unknown class_type '%s'", nodeID, classType))
			continue
		}

		inputInfo, _ := info["input"].(map[string]any)
		required, _ := inputInfo["required"].(map[string]any)
		optional, _ := inputInfo["optional"].(map[string]any)
		provided, _ := nodeConfig["inputs"].(map[string]any)

		reqNames := make([]string, 0, len(required))
		for name := range required {
			reqNames = append(reqNames, name)
		}
		sort.Strings(reqNames)
		for _, name := range reqNames {
			if _, ok := provided[name]; !ok {
				errs = append(errs, fmt.Sprintf("Node %s (%s): missing required input '%s'", nodeID, classType, name))
			}
		}

		provNames := make([]string, 0, len(provided))
		for name := range provided {
			provNames = append(provNames, name)
		}
		sort.Strings(provNames)
		for _, name := range provNames {
			_, inReq := required[name]
			_, inOpt := optional[name]
			if !inReq && !inOpt {
				warns = append(warns, fmt.Sprintf("Node %s (%s): unknown input '%s'", nodeID, classType, name))
			}
		}
	}

	if len(errs) == 0 && len(warns) == 0 {
		return fmt.Sprintf("Workflow valid: %d nodes, all checks passed.", len(workflow))
	}

	var b strings.Builder
	if len(errs) > 0 {
		fmt.Fprintf(&b, "Errors (%d):", len(errs))
		for _, e := range errs {
			fmt.Fprintf(&b, "\n  ✗ %s", e)
		}
	}
	if len(warns) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Warnings (%d):", len(warns))
		for _, w := range warns {
			fmt.Fprintf(&b, "\n  ⚠ %s", w)
		}
	}
	return b.String()
}

// formatParam renders a parameter spec compactly: a type reference, an enum
// with elided options, or a scalar type with its constraints.
func formatParam(spec any) string {
	list, ok := spec.([]any)
	if !ok || len(list) == 0 {
		return fmt.Sprintf("%v", spec)
	}

	switch typeInfo := list[0].(type) {
	case string:
		if len(list) > 1 {
			if constraints, ok := list[1].(map[string]any); ok {
				parts := []string{typeInfo}
				for _, key := range []string{"default", "min", "max"} {
					if v, ok := constraints[key]; ok {
						parts = append(parts, fmt.Sprintf("%s=%v", key, v))
					}
				}
				return strings.Join(parts, " ")
			}
		}
		return typeInfo
	case []any:
		if len(typeInfo) <= 5 {
			opts := make([]string, len(typeInfo))
			for i, o := range typeInfo {
				opts[i] = fmt.Sprintf("%v", o)
			}
			return fmt.Sprintf("enum[%s]", strings.Join(opts, ", "))
		}
		opts := make([]string, 3)
		for i := 0; i < 3; i++ {
			opts[i] = fmt.Sprintf("%v", typeInfo[i])
		}
		return fmt.Sprintf("enum[%s, ... (%d options)]", strings.Join(opts, ", "), len(typeInfo))
	}
	return fmt.Sprintf("%v", spec)
}

// ioSummary builds a compact I/O line for search results, showing only
// typed connections: "IN: model(MODEL) → OUT: LATENT".
func ioSummary(info map[string]any) string {
	var typedInputs []string
	inputInfo, _ := info["input"].(map[string]any)
	for _, section := range []string{"required", "optional"} {
		params, _ := inputInfo[section].(map[string]any)
		names := make([]string, 0, len(params))
		for name := range params {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if t, ok := typedParamType(params[name]); ok {
				typedInputs = append(typedInputs, fmt.Sprintf("%s(%s)", name, t))
			}
		}
	}

	outputs, _ := info["output"].([]any)
	outStr := "none"
	if len(outputs) > 0 {
		parts := make([]string, len(outputs))
		for i, o := range outputs {
			parts[i] = fmt.Sprintf("%v", o)
		}
		outStr = strings.Join(parts, ", ")
	}

	if len(typedInputs) > 0 {
		return fmt.Sprintf("IN: %s → OUT: %s", strings.Join(typedInputs, ", "), outStr)
	}
	return fmt.Sprintf("OUT: %s", outStr)
}
