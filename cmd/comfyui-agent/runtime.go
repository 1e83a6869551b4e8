package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yejunhao159/comfyui-agent/internal/agent"
	"github.com/yejunhao159/comfyui-agent/internal/canvas"
	"github.com/yejunhao159/comfyui-agent/internal/compaction"
	"github.com/yejunhao159/comfyui-agent/internal/comfyui"
	"github.com/yejunhao159/comfyui-agent/internal/config"
	"github.com/yejunhao159/comfyui-agent/internal/events"
	"github.com/yejunhao159/comfyui-agent/internal/identity"
	"github.com/yejunhao159/comfyui-agent/internal/intent"
	"github.com/yejunhao159/comfyui-agent/internal/llm"
	"github.com/yejunhao159/comfyui-agent/internal/logging"
	"github.com/yejunhao159/comfyui-agent/internal/nodeindex"
	"github.com/yejunhao159/comfyui-agent/internal/observability"
	"github.com/yejunhao159/comfyui-agent/internal/probe"
	"github.com/yejunhao159/comfyui-agent/internal/prompt"
	"github.com/yejunhao159/comfyui-agent/internal/sessions"
	"github.com/yejunhao159/comfyui-agent/internal/tools"
	"github.com/yejunhao159/comfyui-agent/internal/web"
)

// runtime holds every wired component of one agent process.
type runtime struct {
	cfg         *config.Config
	logger      *slog.Logger
	bus         *events.Bus
	comfy       *comfyui.Client
	wsListener  *comfyui.WSListener
	store       *sessions.Store
	index       *nodeindex.Index
	probe       *probe.Probe
	canvas      *canvas.State
	builder     *prompt.Builder
	synthesizer *identity.Synthesizer
	loop        *agent.Loop
	metrics     *observability.Metrics
}

// newRuntime builds the full component graph from configuration.
func newRuntime(cfg *config.Config, withMetrics bool) (*runtime, error) {
	logger := logging.Setup(cfg.Logging)
	bus := events.NewBus(events.DefaultHistorySize, logger)

	comfy := comfyui.NewClient(cfg.ComfyUI.BaseURL, cfg.ComfyUI.WSURL,
		time.Duration(cfg.ComfyUI.TimeoutSeconds)*time.Second, logger)

	store, err := sessions.Open(cfg.Agent.SessionDB, logger)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	apiKey := cfg.LLM.ResolveAPIKey()
	if apiKey == "" {
		store.Close()
		return nil, fmt.Errorf("no LLM API key: set ANTHROPIC_API_KEY (or llm.api_key in the config file)")
	}
	var provider llm.Provider
	switch cfg.LLM.Provider {
	case "openai":
		provider, err = llm.NewOpenAIProvider(apiKey, cfg.LLM.BaseURL, cfg.LLM.Model, logger)
	default:
		provider, err = llm.NewAnthropicProvider(apiKey, cfg.LLM.BaseURL, cfg.LLM.Model, logger)
	}
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create llm provider: %w", err)
	}
	client := llm.NewClient(provider, bus, logger,
		llm.WithMaxRetries(cfg.LLM.MaxRetries),
		llm.WithRetryDelays(cfg.LLM.RetryBaseDelayMS, cfg.LLM.RetryMaxDelayMS))

	index := nodeindex.New(logger)
	probeState := probe.New(comfy, index, 0, logger)
	canvasState := canvas.New(bus, logger)
	analyzer := intent.New(client, cfg.LLM.Model, logger)

	builder := prompt.NewBuilder(cfg.Agent.PromptBudget, logger)
	for _, section := range prompt.DefaultSections() {
		builder.RegisterSection(section)
	}

	// Role identity: persona, knowledge, and previously synthesized
	// experiences layer on top of the defaults.
	identityLoader := identity.NewLoader(cfg.Identity.Dir, logger)
	features := identityLoader.LoadIdentity(cfg.Identity.Role)
	for _, section := range identity.FeaturesToSections(features, cfg.Identity.Role) {
		builder.RegisterSection(section)
	}
	synthesizer := identity.NewSynthesizer(identityLoader, bus, cfg.Identity.Role,
		client, cfg.LLM.Model, builder, logger)

	webClient := web.NewClient(cfg.Web.TavilyAPIKey,
		time.Duration(cfg.Web.TimeoutSeconds)*time.Second, logger)

	registry := tools.NewRegistry()
	registry.Register(tools.NewDiscover(index))
	registry.Register(tools.NewExecute(comfy))
	registry.Register(tools.NewMonitor(comfy))
	registry.Register(tools.NewManage(comfy, index))
	registry.Register(tools.NewWebSearch(webClient))
	registry.Register(tools.NewWebFetch(webClient))
	registry.Register(tools.NewRegistrySearch(webClient))

	// Sub-agents get a read-only view: discovery, monitoring, and web
	// research, but no execution or management.
	readOnly := tools.NewRegistry()
	readOnly.Register(tools.NewDiscover(index))
	readOnly.Register(tools.NewMonitor(comfy))
	readOnly.Register(tools.NewWebSearch(webClient))
	readOnly.Register(tools.NewWebFetch(webClient))
	readOnly.Register(tools.NewRegistrySearch(webClient))

	opts := agent.Options{
		Model:         cfg.LLM.Model,
		MaxTokens:     cfg.LLM.MaxTokens,
		Temperature:   cfg.LLM.Temperature,
		MaxIterations: cfg.Agent.MaxIterations,
	}
	runner := agent.NewSubAgentRunner(client, readOnly, store, bus, opts, logger)
	registry.Register(tools.NewDelegate(store, bus, runner))

	window := compaction.NewWindow(cfg.LLM.Model, cfg.LLM.MaxTokens, cfg.Agent.ContextBudget, logger)
	summarizer := compaction.NewSummarizer(client, store, bus, logger)
	executor := agent.NewExecutor(registry, 0, logger)
	prompts := agent.NewContextPrompt(builder, analyzer, probeState, canvasState, logger)

	loop := agent.New(client, registry, executor, store, bus, prompts,
		window, summarizer, opts, logger)

	rt := &runtime{
		cfg:         cfg,
		logger:      logger,
		bus:         bus,
		comfy:       comfy,
		wsListener:  comfyui.NewWSListener(comfy, bus, logger),
		store:       store,
		index:       index,
		probe:       probeState,
		canvas:      canvasState,
		builder:     builder,
		synthesizer: synthesizer,
		loop:        loop,
	}
	if withMetrics {
		rt.metrics = observability.NewMetrics(nil)
		observability.Observe(bus, rt.metrics)
	}
	return rt, nil
}

// connectBackend probes ComfyUI and, when reachable, starts the websocket
// relay and builds the node index in the background. A missing backend is
// not fatal: the agent starts degraded and the probe reports the state.
func (rt *runtime) connectBackend(ctx context.Context) {
	if _, err := rt.comfy.SystemStats(ctx); err != nil {
		rt.logger.Warn("ComfyUI not reachable", "url", rt.cfg.ComfyUI.BaseURL, "err", err)
		return
	}
	rt.logger.Info("ComfyUI connected", "url", rt.cfg.ComfyUI.BaseURL)
	rt.wsListener.Start(ctx)

	go func() {
		if err := rt.index.Build(ctx, rt.comfy); err != nil {
			rt.logger.Warn("node index build failed", "err", err)
			return
		}
		rt.logger.Info("node index built",
			"nodes", rt.index.NodeCount(),
			"categories", len(rt.index.Categories()))
	}()
}

func (rt *runtime) close() {
	rt.wsListener.Stop()
	rt.synthesizer.Wait()
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("session store close failed", "err", err)
	}
}
