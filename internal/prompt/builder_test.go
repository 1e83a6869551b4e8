package prompt

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

func newTestBuilder(budget int) *Builder {
	b := NewBuilder(budget, nil)
	for _, s := range DefaultSections() {
		b.RegisterSection(s)
	}
	return b
}

func TestBuildEmptyFallback(t *testing.T) {
	b := NewBuilder(0, nil)
	if got := b.Build(nil, "", ""); got != "You are a ComfyUI assistant." {
		t.Errorf("unexpected fallback: %q", got)
	}
}

func TestBuildOrdersByCategory(t *testing.T) {
	b := newTestBuilder(0)
	out := b.Build(nil, "## Environment\n- GPU: RTX 4090", "")

	idIdentity := strings.Index(out, "deepractice")
	idEnv := strings.Index(out, "RTX 4090")
	idStrategy := strings.Index(out, "MANDATORY Steps")
	idRules := strings.Index(out, "## Rules")
	if idIdentity == -1 || idEnv == -1 || idStrategy == -1 || idRules == -1 {
		t.Fatalf("missing sections:\n%s", out)
	}
	if !(idIdentity < idEnv && idEnv < idStrategy && idStrategy < idRules) {
		t.Errorf("wrong category order: identity=%d env=%d strategy=%d rules=%d",
			idIdentity, idEnv, idStrategy, idRules)
	}
}

func TestBuildCanvasAfterEnvironment(t *testing.T) {
	b := newTestBuilder(0)
	out := b.Build(nil, "## Environment\n- GPU: RTX 4090", "## Canvas\n- 7 nodes")
	if !(strings.Index(out, "RTX 4090") < strings.Index(out, "7 nodes")) {
		t.Errorf("canvas must follow environment:\n%s", out)
	}
}

func TestIntentDropsEnvironmentWhenNotNeeded(t *testing.T) {
	b := newTestBuilder(0)
	intent := &IntentResult{
		EnvironmentNeeded: false,
		SuggestedSections: AllSectionNames(),
	}
	out := b.Build(intent, "## Environment\n- GPU: RTX 4090", "")
	if strings.Contains(out, "RTX 4090") {
		t.Error("environment should be dropped when env_needed is false")
	}
}

func TestIntentKeepsAlwaysIncludeCategories(t *testing.T) {
	b := newTestBuilder(0)
	intent := &IntentResult{EnvironmentNeeded: true} // nothing suggested
	out := b.Build(intent, "", "")
	for _, want := range []string{"deepractice", "MANDATORY Steps", "## Rules"} {
		if !strings.Contains(out, want) {
			t.Errorf("always-include section missing %q", want)
		}
	}
}

func TestKnowledgeTagFiltering(t *testing.T) {
	b := newTestBuilder(0)
	b.RegisterSection(Section{Name: "controlnet-basics", Category: CategoryKnowledge, Content: "ControlNet guide"})
	b.RegisterSection(Section{Name: "lora-usage", Category: CategoryKnowledge, Content: "LoRA guide"})

	intent := &IntentResult{
		EnvironmentNeeded: true,
		SuggestedSections: AllSectionNames(),
		KnowledgeTags:     []string{"controlnet"},
	}
	out := b.Build(intent, "", "")
	if !strings.Contains(out, "ControlNet guide") {
		t.Error("tagged knowledge section should be kept")
	}
	if strings.Contains(out, "LoRA guide") {
		t.Error("untagged knowledge section should be dropped")
	}
}

func TestExperienceAlwaysIncluded(t *testing.T) {
	b := newTestBuilder(0)
	b.RegisterSection(Section{Name: "reflection-1", Category: CategoryExperience, Content: "Feature: validation recovery"})

	intent := &IntentResult{EnvironmentNeeded: false} // suggests nothing
	out := b.Build(intent, "", "")
	if !strings.Contains(out, "Feature: validation recovery") {
		t.Error("experience sections must survive intent filtering")
	}
}

func TestBudgetDropsButContinues(t *testing.T) {
	b := NewBuilder(10, nil)
	b.RegisterSection(Section{Name: "a", Category: CategoryIdentity, Content: "short", TokenEstimate: 4})
	b.RegisterSection(Section{Name: "big", Category: CategoryKnowledge, Content: "huge", TokenEstimate: 100})
	b.RegisterSection(Section{Name: "c", Category: CategoryRules, Content: "fits", TokenEstimate: 4})

	out := b.Build(nil, "", "")
	if strings.Contains(out, "huge") {
		t.Error("oversized section should be dropped")
	}
	if !strings.Contains(out, "short") || !strings.Contains(out, "fits") {
		t.Errorf("smaller sections should survive past an oversized one:\n%s", out)
	}
}

func TestConcurrentRegisterAndBuild(t *testing.T) {
	b := newTestBuilder(0)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b.RegisterSection(Section{
					Name:     fmt.Sprintf("experience_%d_%d", w, i),
					Category: CategoryExperience,
					Content:  "Feature: hot-loaded experience",
				})
			}
		}(w)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if out := b.Build(nil, "", ""); out == "" {
					t.Error("empty prompt under concurrency")
				}
			}
		}()
	}
	wg.Wait()
}

func TestRegisterSectionReplacesAndEstimates(t *testing.T) {
	b := NewBuilder(0, nil)
	b.RegisterSection(Section{Name: "x", Category: CategoryRules, Content: "v1"})
	b.RegisterSection(Section{Name: "x", Category: CategoryRules, Content: "v2 replaces"})
	out := b.Build(nil, "", "")
	if strings.Contains(out, "v1") || !strings.Contains(out, "v2 replaces") {
		t.Errorf("re-registration must replace: %q", out)
	}
	if b.sections["x"].TokenEstimate == 0 {
		t.Error("token estimate should be backfilled")
	}
}
