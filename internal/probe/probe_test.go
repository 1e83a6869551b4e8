package probe

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeBackend struct {
	stats     map[string]any
	statsErr  error
	models    []string
	modelsErr error
	queue     map[string]any
	queueErr  error
	calls     int
}

func (f *fakeBackend) SystemStats(ctx context.Context) (map[string]any, error) {
	f.calls++
	return f.stats, f.statsErr
}

func (f *fakeBackend) ListModels(ctx context.Context, folder string) ([]string, error) {
	return f.models, f.modelsErr
}

func (f *fakeBackend) Queue(ctx context.Context) (map[string]any, error) {
	return f.queue, f.queueErr
}

type fakeCatalog struct {
	built      bool
	count      int
	categories []string
}

func (f *fakeCatalog) IsBuilt() bool        { return f.built }
func (f *fakeCatalog) NodeCount() int       { return f.count }
func (f *fakeCatalog) Categories() []string { return f.categories }

func healthyBackend() *fakeBackend {
	return &fakeBackend{
		stats: map[string]any{
			"system": map[string]any{"comfyui_version": "0.3.12"},
			"devices": []any{map[string]any{
				"name":       "NVIDIA GeForce RTX 4090",
				"vram_total": float64(24 * 1024 * 1024 * 1024),
				"vram_free":  float64(20 * 1024 * 1024 * 1024),
			}},
		},
		models: []string{"sd_xl_base_1.0.safetensors"},
		queue: map[string]any{
			"queue_running": []any{map[string]any{}},
			"queue_pending": []any{},
		},
	}
}

func TestCollectHealthy(t *testing.T) {
	catalog := &fakeCatalog{built: true, count: 542, categories: []string{"sampling", "loaders"}}
	p := New(healthyBackend(), catalog, 0, nil)

	snap := p.Collect(context.Background())
	if !snap.ConnectionOK {
		t.Fatal("expected connection ok")
	}
	if snap.ComfyUIVersion != "0.3.12" {
		t.Errorf("version = %q", snap.ComfyUIVersion)
	}
	if snap.VRAMTotalMB != 24*1024 {
		t.Errorf("vram total = %v MB", snap.VRAMTotalMB)
	}
	if snap.QueueRunning != 1 || snap.QueuePending != 0 {
		t.Errorf("queue = %d/%d", snap.QueueRunning, snap.QueuePending)
	}
	if snap.NodeCount != 542 {
		t.Errorf("node count = %d", snap.NodeCount)
	}
	if len(snap.Errors) != 0 {
		t.Errorf("unexpected errors: %v", snap.Errors)
	}
}

func TestCollectDisconnected(t *testing.T) {
	backend := &fakeBackend{statsErr: errors.New("connection refused")}
	p := New(backend, &fakeCatalog{}, 0, nil)

	snap := p.Collect(context.Background())
	if snap.ConnectionOK {
		t.Fatal("expected disconnected")
	}
	text := snap.PromptText()
	if !strings.Contains(text, "NOT connected") {
		t.Errorf("missing disconnect warning:\n%s", text)
	}
	if !strings.Contains(text, "connection refused") {
		t.Errorf("missing error detail:\n%s", text)
	}
}

func TestPartialFailureDegrades(t *testing.T) {
	backend := healthyBackend()
	backend.modelsErr = errors.New("500")
	p := New(backend, &fakeCatalog{}, 0, nil)

	snap := p.Collect(context.Background())
	if !snap.ConnectionOK {
		t.Fatal("connection should still be ok")
	}
	if len(snap.Errors) != 1 || !strings.Contains(snap.Errors[0], "list_models") {
		t.Errorf("expected list_models error, got %v", snap.Errors)
	}
	if snap.QueueRunning != 1 {
		t.Error("queue collection should still run after models failure")
	}
}

func TestSnapshotCaching(t *testing.T) {
	backend := healthyBackend()
	p := New(backend, &fakeCatalog{}, 300*time.Second, nil)

	now := time.Unix(1_000_000, 0)
	p.now = func() time.Time { return now }

	p.Snapshot(context.Background())
	p.Snapshot(context.Background())
	if backend.calls != 1 {
		t.Errorf("fresh cache must be reused, got %d collections", backend.calls)
	}

	now = now.Add(301 * time.Second)
	p.Snapshot(context.Background())
	if backend.calls != 2 {
		t.Errorf("stale cache must re-collect, got %d collections", backend.calls)
	}
}

func TestPromptTextHealthy(t *testing.T) {
	catalog := &fakeCatalog{built: true, count: 10, categories: []string{"a", "b"}}
	p := New(healthyBackend(), catalog, 0, nil)
	text := p.Collect(context.Background()).PromptText()

	for _, want := range []string{
		"- ComfyUI: v0.3.12",
		"- GPU: NVIDIA GeForce RTX 4090",
		"- Checkpoints: sd_xl_base_1.0.safetensors",
		"- Queue: 1 running, 0 pending",
		"- Nodes: 10 types in 2 categories",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q in:\n%s", want, text)
		}
	}
}
