package nodeindex

import (
	"strings"
	"testing"
)

func testCatalog() map[string]any {
	return map[string]any{
		"KSampler": map[string]any{
			"display_name": "KSampler",
			"category":     "sampling",
			"description":  "Denoises a latent image using a model.",
			"input": map[string]any{
				"required": map[string]any{
					"model":        []any{"MODEL"},
					"latent_image": []any{"LATENT"},
					"seed":         []any{"INT", map[string]any{"default": float64(0), "min": float64(0)}},
					"steps":        []any{"INT", map[string]any{"default": float64(20)}},
				},
			},
			"output":      []any{"LATENT"},
			"output_name": []any{"LATENT"},
		},
		"CheckpointLoaderSimple": map[string]any{
			"display_name": "Load Checkpoint",
			"category":     "loaders",
			"input": map[string]any{
				"required": map[string]any{
					"ckpt_name": []any{[]any{"sd_xl_base.safetensors", "v1-5.ckpt"}},
				},
			},
			"output":      []any{"MODEL", "CLIP", "VAE"},
			"output_name": []any{"MODEL", "CLIP", "VAE"},
		},
		"EmptyLatentImage": map[string]any{
			"display_name": "Empty Latent Image",
			"category":     "latent",
			"input": map[string]any{
				"required": map[string]any{
					"width":  []any{"INT", map[string]any{"default": float64(512)}},
					"height": []any{"INT", map[string]any{"default": float64(512)}},
				},
			},
			"output": []any{"LATENT"},
		},
	}
}

func builtIndex(t *testing.T) *Index {
	t.Helper()
	ix := New(nil)
	ix.BuildFrom(testCatalog())
	return ix
}

func TestNotBuiltResponses(t *testing.T) {
	ix := New(nil)
	if got := ix.Search("sampler", 10); !strings.Contains(got, "not built") {
		t.Errorf("expected not-built message, got %q", got)
	}
	if ix.IsBuilt() {
		t.Error("index must not report built before Build")
	}
}

func TestSearchRanksClassNameFirst(t *testing.T) {
	ix := builtIndex(t)
	out := ix.Search("sampler", 10)
	if !strings.Contains(out, "KSampler") {
		t.Fatalf("expected KSampler in results:\n%s", out)
	}
	if !strings.Contains(out, "IN: ") || !strings.Contains(out, "OUT: LATENT") {
		t.Errorf("expected I/O summary in results:\n%s", out)
	}
}

func TestSearchNoMatch(t *testing.T) {
	ix := builtIndex(t)
	out := ix.Search("zzzznonexistent", 10)
	if !strings.Contains(out, "No nodes found") {
		t.Errorf("expected no-match message, got %q", out)
	}
}

func TestListCategoryFuzzyMatch(t *testing.T) {
	ix := builtIndex(t)
	out := ix.ListCategory("LOADERS")
	if !strings.Contains(out, "CheckpointLoaderSimple") {
		t.Errorf("case-insensitive category match failed:\n%s", out)
	}
	out = ix.ListCategory("load")
	if !strings.Contains(out, "CheckpointLoaderSimple") {
		t.Errorf("partial category match failed:\n%s", out)
	}
}

func TestDetailCondensed(t *testing.T) {
	ix := builtIndex(t)
	out := ix.Detail("KSampler")
	for _, want := range []string{"Node: KSampler", "Category: sampling", "model: MODEL", "Required inputs", "[0] LATENT: LATENT"} {
		if !strings.Contains(out, want) {
			t.Errorf("detail missing %q:\n%s", want, out)
		}
	}
	if !strings.Contains(out, "default=20") {
		t.Errorf("constraint rendering missing:\n%s", out)
	}
}

func TestDetailCaseInsensitive(t *testing.T) {
	ix := builtIndex(t)
	out := ix.Detail("ksampler")
	if !strings.Contains(out, "Node: KSampler") {
		t.Errorf("case-insensitive detail lookup failed:\n%s", out)
	}
}

func TestDetailEnumElision(t *testing.T) {
	ix := builtIndex(t)
	out := ix.Detail("CheckpointLoaderSimple")
	if !strings.Contains(out, "enum[sd_xl_base.safetensors, v1-5.ckpt]") {
		t.Errorf("enum rendering wrong:\n%s", out)
	}
}

func TestConnectable(t *testing.T) {
	ix := builtIndex(t)
	out := ix.Connectable("latent", 10)
	if !strings.Contains(out, "Produced by") || !strings.Contains(out, "Consumed by") {
		t.Fatalf("expected producers and consumers for LATENT:\n%s", out)
	}
	if !strings.Contains(out, "KSampler") || !strings.Contains(out, "EmptyLatentImage") {
		t.Errorf("expected both latent nodes:\n%s", out)
	}
}

func TestValidateWorkflow(t *testing.T) {
	ix := builtIndex(t)

	valid := map[string]any{
		"1": map[string]any{
			"class_type": "EmptyLatentImage",
			"inputs":     map[string]any{"width": float64(512), "height": float64(512)},
		},
	}
	if out := ix.ValidateWorkflow(valid); !strings.Contains(out, "all checks passed") {
		t.Errorf("expected valid workflow, got:\n%s", out)
	}

	broken := map[string]any{
		"1": map[string]any{
			"class_type": "NoSuchNode",
		},
		"2": map[string]any{
			"class_type": "KSampler",
			"inputs":     map[string]any{"model": []any{"1", float64(0)}, "bogus": true},
		},
	}
	out := ix.ValidateWorkflow(broken)
	if !strings.Contains(out, "unknown class_type 'NoSuchNode'") {
		t.Errorf("missing unknown class error:\n%s", out)
	}
	if !strings.Contains(out, "missing required input 'latent_image'") {
		t.Errorf("missing required-input error:\n%s", out)
	}
	if !strings.Contains(out, "unknown input 'bogus'") {
		t.Errorf("missing unknown-input warning:\n%s", out)
	}
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"KSampler", "sampler"},
		{"image/upscaling", "upscaling"},
		{"load_checkpoint", "checkpoint"},
	}
	for _, tt := range tests {
		tokens := tokenize(tt.in)
		found := false
		for _, tok := range tokens {
			if tok == tt.want {
				found = true
			}
		}
		if !found {
			t.Errorf("tokenize(%q) = %v, expected to contain %q", tt.in, tokens, tt.want)
		}
	}
}
