// Package probe actively senses the ComfyUI runtime: system stats, GPU and
// VRAM, installed checkpoints, queue depth, and the node index summary. Each
// sub-collector is independent, so one failing API call degrades the
// snapshot instead of failing it.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Snapshot is a point-in-time view of the ComfyUI environment.
type Snapshot struct {
	ConnectionOK     bool
	ComfyUIVersion   string
	GPUName          string
	VRAMTotalMB      float64
	VRAMFreeMB       float64
	CheckpointModels []string
	QueueRunning     int
	QueuePending     int
	NodeCount        int
	NodeCategories   []string
	CollectedAt      time.Time
	Errors           []string
}

// PromptText renders the snapshot for system prompt injection.
func (s *Snapshot) PromptText() string {
	lines := []string{"## Environment"}
	if !s.ConnectionOK {
		lines = append(lines, "⚠ ComfyUI is NOT connected")
		if len(s.Errors) > 0 {
			lines = append(lines, "Errors: "+strings.Join(s.Errors, ", "))
		}
		return strings.Join(lines, "\n")
	}

	lines = append(lines,
		fmt.Sprintf("- ComfyUI: v%s", s.ComfyUIVersion),
		fmt.Sprintf("- GPU: %s", s.GPUName),
		fmt.Sprintf("- VRAM: %.0fMB free / %.0fMB total", s.VRAMFreeMB, s.VRAMTotalMB),
		fmt.Sprintf("- Checkpoints: %s", joinOr(s.CheckpointModels, "none")),
		fmt.Sprintf("- Queue: %d running, %d pending", s.QueueRunning, s.QueuePending),
		fmt.Sprintf("- Nodes: %d types in %d categories", s.NodeCount, len(s.NodeCategories)),
	)
	if len(s.Errors) > 0 {
		lines = append(lines, "- Probe errors: "+strings.Join(s.Errors, ", "))
	}
	return strings.Join(lines, "\n")
}

func joinOr(items []string, fallback string) string {
	if len(items) == 0 {
		return fallback
	}
	return strings.Join(items, ", ")
}

// Backend is the slice of the ComfyUI client the probe needs.
type Backend interface {
	SystemStats(ctx context.Context) (map[string]any, error)
	ListModels(ctx context.Context, folder string) ([]string, error)
	Queue(ctx context.Context) (map[string]any, error)
}

// NodeCatalog reports the local node index state.
type NodeCatalog interface {
	IsBuilt() bool
	NodeCount() int
	Categories() []string
}

const defaultRefreshInterval = 300 * time.Second

// Probe collects environment snapshots with a freshness cache.
type Probe struct {
	backend         Backend
	catalog         NodeCatalog
	refreshInterval time.Duration
	logger          *slog.Logger
	now             func() time.Time

	mu     sync.Mutex
	cached *Snapshot
}

// New creates a probe. refreshInterval <= 0 uses the 300s default.
func New(backend Backend, catalog NodeCatalog, refreshInterval time.Duration, logger *slog.Logger) *Probe {
	if refreshInterval <= 0 {
		refreshInterval = defaultRefreshInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{
		backend:         backend,
		catalog:         catalog,
		refreshInterval: refreshInterval,
		logger:          logger,
		now:             time.Now,
	}
}

// Collect gathers a full snapshot. It never returns an error: failures are
// accumulated in the snapshot's Errors field.
func (p *Probe) Collect(ctx context.Context) *Snapshot {
	snap := &Snapshot{CollectedAt: p.now()}

	stats, err := p.backend.SystemStats(ctx)
	if err != nil {
		snap.Errors = append(snap.Errors, fmt.Sprintf("system_stats: %v", err))
	} else {
		snap.ConnectionOK = true
		p.fillSystemStats(snap, stats)
	}

	if snap.ConnectionOK {
		p.collectModels(ctx, snap)
		p.collectQueue(ctx, snap)
	}

	if p.catalog != nil && p.catalog.IsBuilt() {
		snap.NodeCount = p.catalog.NodeCount()
		snap.NodeCategories = p.catalog.Categories()
	}

	p.mu.Lock()
	p.cached = snap
	p.mu.Unlock()
	return snap
}

// Snapshot returns the cached snapshot when fresh, re-collecting otherwise.
func (p *Probe) Snapshot(ctx context.Context) *Snapshot {
	p.mu.Lock()
	cached := p.cached
	p.mu.Unlock()
	if cached != nil && p.now().Sub(cached.CollectedAt) < p.refreshInterval {
		return cached
	}
	return p.Collect(ctx)
}

// Refresh forces re-collection.
func (p *Probe) Refresh(ctx context.Context) { p.Collect(ctx) }

func (p *Probe) fillSystemStats(snap *Snapshot, stats map[string]any) {
	if system, ok := stats["system"].(map[string]any); ok {
		if v, ok := system["comfyui_version"].(string); ok {
			snap.ComfyUIVersion = v
		}
	}
	devices, ok := stats["devices"].([]any)
	if !ok || len(devices) == 0 {
		return
	}
	dev, ok := devices[0].(map[string]any)
	if !ok {
		return
	}
	if name, ok := dev["name"].(string); ok {
		snap.GPUName = name
	}
	snap.VRAMTotalMB = floatOf(dev["vram_total"]) / (1024 * 1024)
	snap.VRAMFreeMB = floatOf(dev["vram_free"]) / (1024 * 1024)
}

func (p *Probe) collectModels(ctx context.Context, snap *Snapshot) {
	models, err := p.backend.ListModels(ctx, "checkpoints")
	if err != nil {
		snap.Errors = append(snap.Errors, fmt.Sprintf("list_models: %v", err))
		return
	}
	snap.CheckpointModels = models
}

func (p *Probe) collectQueue(ctx context.Context, snap *Snapshot) {
	q, err := p.backend.Queue(ctx)
	if err != nil {
		snap.Errors = append(snap.Errors, fmt.Sprintf("get_queue: %v", err))
		return
	}
	if running, ok := q["queue_running"].([]any); ok {
		snap.QueueRunning = len(running)
	}
	if pending, ok := q["queue_pending"].([]any); ok {
		snap.QueuePending = len(pending)
	}
}

func floatOf(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
