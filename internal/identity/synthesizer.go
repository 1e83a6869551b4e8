package identity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yejunhao159/comfyui-agent/internal/events"
	"github.com/yejunhao159/comfyui-agent/internal/llm"
	"github.com/yejunhao159/comfyui-agent/internal/prompt"
	"github.com/yejunhao159/comfyui-agent/pkg/models"
)

// Minimum interval between experience saves.
const saveCooldown = 120 * time.Second

const reflectionMaxTokens = 2000

const maxKeyEvents = 15

// synthesizeGuide tells the reflection model how to write experiences as
// Gherkin features.
const synthesizeGuide = "You are performing Kantian Synthesis (综合) — transforming a raw encounter into " +
	"structured experience. Write your reflection as a Gherkin Feature file following " +
	"the RoleX experience format:\n\n" +
	"```gherkin\n" +
	"Feature: <Experience Title — what was learned>\n" +
	"  <Optional: one-line context about why this matters>\n\n" +
	"  Scenario: <Specific lesson or pattern discovered>\n" +
	"    Given <the situation or context>\n" +
	"    When <what happened or what action was taken>\n" +
	"    Then <what was learned or what the outcome was>\n" +
	"    And <additional insight or implication>\n" +
	"```\n\n" +
	"Rules:\n" +
	"- Feature name should be a clear, reusable lesson title\n" +
	"- Each Scenario captures ONE concrete learning\n" +
	"- Given/When/Then should be specific, not generic\n" +
	"- Include node names, connection types, or parameter values when relevant\n" +
	"- Multiple Scenarios are OK if the conversation had multiple learnings\n" +
	"- Focus on ComfyUI workflow patterns, node combinations, user preferences, " +
	"or error recovery strategies\n"

const reflectionSystem = "You are a concise experience recorder for a ComfyUI workflow agent. " +
	"Output only valid Gherkin Feature text, or exactly NONE."

// correctionSignals mark a user message as a correction of the agent.
var correctionSignals = []string{
	"不要", "不对", "错了", "应该", "别这样", "换一个",
	"wrong", "don't", "should", "instead", "not what",
}

// ExperienceSaver persists an experience feature for a role.
type ExperienceSaver interface {
	SaveExperience(roleName, expName, gherkin string) error
}

// sessionStats accumulates per-session signals for the end-of-turn
// reflection.
type sessionStats struct {
	toolCount         int
	errorCount        int
	toolsUsed         map[string]bool
	workflowNodes     []string
	workflowSubmitted bool
	userCorrections   int
	keyEvents         []string
}

func newSessionStats() *sessionStats {
	return &sessionStats{toolsUsed: make(map[string]bool)}
}

func (s *sessionStats) addEvent(summary string) {
	if len(s.keyEvents) < maxKeyEvents {
		s.keyEvents = append(s.keyEvents, summary)
	}
}

// Synthesizer watches agent events for learning opportunities and persists
// them as Gherkin experience features.
//
// It learns on three layers: passively from tool failure/recovery patterns,
// actively through a post-conversation LLM reflection, and immediately by
// hot-loading every saved experience into the prompt builder so the next
// conversation already benefits.
type Synthesizer struct {
	saver    ExperienceSaver
	roleName string
	client   *llm.Client
	model    string
	builder  *prompt.Builder
	logger   *slog.Logger
	now      func() time.Time

	reflectWG sync.WaitGroup

	mu                 sync.Mutex
	lastSave           time.Time
	stats              map[string]*sessionStats
	validationFailures map[string]string
}

// NewSynthesizer subscribes to the bus and starts tracking sessions.
// client and builder may be nil: without a client the LLM reflection layer
// is skipped, without a builder experiences are persisted but not hot-loaded.
func NewSynthesizer(saver ExperienceSaver, bus *events.Bus, roleName string,
	client *llm.Client, model string, builder *prompt.Builder, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Synthesizer{
		saver:              saver,
		roleName:           roleName,
		client:             client,
		model:              model,
		builder:            builder,
		logger:             logger,
		now:                time.Now,
		stats:              make(map[string]*sessionStats),
		validationFailures: make(map[string]string),
	}
	if bus != nil {
		bus.Subscribe(events.StateToolFailed, s.onToolFailed)
		bus.Subscribe(events.StateToolCompleted, s.onToolCompleted)
		bus.Subscribe(events.WorkflowSubmitted, s.onWorkflowSubmitted)
		bus.Subscribe(events.TurnEnd, s.onTurnEnd)
		bus.Subscribe(events.MessageUser, s.onUserMessage)
	}
	return s
}

func (s *Synthesizer) ensureStats(sessionID string) *sessionStats {
	if st, ok := s.stats[sessionID]; ok {
		return st
	}
	st := newSessionStats()
	s.stats[sessionID] = st
	return st
}

func (s *Synthesizer) onToolFailed(ev events.Event) {
	toolName, _ := ev.Data["tool_name"].(string)
	errText, _ := ev.Data["error"].(string)

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ensureStats(ev.SessionID)
	st.errorCount++
	st.toolsUsed[toolName] = true
	st.addEvent(fmt.Sprintf("✗ %s: %s", toolName, truncate(errText, 200)))

	if strings.Contains(toolName, "validate") {
		s.validationFailures[ev.SessionID] = truncate(errText, 300)
	}
}

func (s *Synthesizer) onToolCompleted(ev events.Event) {
	toolName, _ := ev.Data["tool_name"].(string)
	resultText := truncate(fmt.Sprint(ev.Data["result"]), 200)

	s.mu.Lock()
	st := s.ensureStats(ev.SessionID)
	st.toolCount++
	st.toolsUsed[toolName] = true
	st.addEvent(fmt.Sprintf("✓ %s: %s", toolName, resultText))

	var recovered string
	if strings.Contains(toolName, "validate") {
		if prev, ok := s.validationFailures[ev.SessionID]; ok {
			delete(s.validationFailures, ev.SessionID)
			recovered = prev
		}
	}
	s.mu.Unlock()

	// fail → success on a validation tool is a pattern worth keeping
	if recovered != "" {
		name := fmt.Sprintf("validation-recovery-%d", s.now().Unix())
		s.saveAndHotload(name, validationExperience(recovered))
	}
}

func (s *Synthesizer) onWorkflowSubmitted(ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ensureStats(ev.SessionID)
	if workflow, ok := ev.Data["workflow"].(map[string]any); ok {
		for _, raw := range workflow {
			if node, ok := raw.(map[string]any); ok {
				if ct, ok := node["class_type"].(string); ok {
					st.workflowNodes = append(st.workflowNodes, ct)
				}
			}
		}
	}
	st.workflowSubmitted = true
}

func (s *Synthesizer) onUserMessage(ev events.Event) {
	content, _ := ev.Data["content"].(string)
	lower := strings.ToLower(content)
	for _, sig := range correctionSignals {
		if strings.Contains(lower, sig) {
			s.mu.Lock()
			s.ensureStats(ev.SessionID).userCorrections++
			s.mu.Unlock()
			return
		}
	}
}

// onTurnEnd reflects only when the conversation is worth learning from: a
// workflow was submitted, the user corrected the agent, errors occurred but
// were recovered, or the interaction involved 5+ tool calls. Greetings and
// simple queries are skipped without an LLM call.
func (s *Synthesizer) onTurnEnd(ev events.Event) {
	s.mu.Lock()
	st := s.stats[ev.SessionID]
	delete(s.stats, ev.SessionID)
	delete(s.validationFailures, ev.SessionID)
	s.mu.Unlock()
	if st == nil {
		return
	}

	worth := st.workflowSubmitted ||
		st.userCorrections > 0 ||
		(st.errorCount > 0 && st.toolCount > st.errorCount) ||
		st.toolCount >= 5

	if !worth {
		s.logger.Debug("skipping reflection: conversation not notable enough")
		return
	}

	if s.client == nil {
		return
	}
	duration := durationSeconds(ev.Data)

	// The reflection LLM call can take seconds; run it off the bus
	// dispatch path so other subscribers are not held up.
	s.reflectWG.Add(1)
	go func() {
		defer s.reflectWG.Done()
		if err := s.reflect(context.Background(), st, duration); err != nil {
			s.logger.Warn("reflection failed", "err", err)
		}
	}()
}

// Wait blocks until in-flight reflections have finished. Called on shutdown
// so a pending experience still gets persisted.
func (s *Synthesizer) Wait() { s.reflectWG.Wait() }

func (s *Synthesizer) reflect(ctx context.Context, st *sessionStats, duration float64) error {
	toolsUsed := make([]string, 0, len(st.toolsUsed))
	for name := range st.toolsUsed {
		toolsUsed = append(toolsUsed, name)
	}
	sort.Strings(toolsUsed)
	used := strings.Join(toolsUsed, ", ")
	if used == "" {
		used = "none"
	}

	workflowInfo := ""
	if len(st.workflowNodes) > 0 {
		seen := make(map[string]bool)
		var unique []string
		for _, n := range st.workflowNodes {
			if !seen[n] {
				seen[n] = true
				unique = append(unique, n)
			}
		}
		sort.Strings(unique)
		workflowInfo = fmt.Sprintf("- Workflow nodes used: %s\n", strings.Join(unique, ", "))
	}
	correctionInfo := ""
	if st.userCorrections > 0 {
		correctionInfo = fmt.Sprintf("- User corrections detected: %d\n", st.userCorrections)
	}

	reflectionPrompt := fmt.Sprintf(
		"Review this completed ComfyUI agent conversation and extract learnings.\n\n"+
			"%s\n"+
			"Conversation context:\n"+
			"- Tool calls: %d\n"+
			"- Tools used: %s\n"+
			"- Duration: %.1fs\n"+
			"- Errors: %d\n"+
			"%s%s\n"+
			"Based on this conversation, write a Gherkin experience Feature.\n"+
			"If the conversation was trivial (simple greeting, no real work), respond with "+
			"exactly \"NONE\".",
		synthesizeGuide, st.toolCount, used, duration, st.errorCount,
		workflowInfo, correctionInfo)

	resp, err := s.client.Chat(ctx, "", &llm.Request{
		Model:     s.model,
		System:    reflectionSystem,
		Messages:  []models.Message{models.UserText(reflectionPrompt)},
		MaxTokens: reflectionMaxTokens,
	}, llm.StreamEvents{})
	if err != nil {
		return err
	}

	text := stripCodeFences(strings.TrimSpace(resp.Text))
	if strings.ToUpper(text) == "NONE" || !strings.HasPrefix(text, "Feature:") {
		s.logger.Debug("reflection: no notable experience extracted")
		return nil
	}

	name := fmt.Sprintf("reflection-%d", s.now().Unix())
	s.saveAndHotload(name, text)
	return nil
}

// saveAndHotload persists the experience and registers it as a low-priority
// prompt section so the current process benefits immediately.
func (s *Synthesizer) saveAndHotload(name, gherkin string) {
	s.mu.Lock()
	now := s.now()
	if now.Sub(s.lastSave) < saveCooldown {
		remaining := saveCooldown - now.Sub(s.lastSave)
		s.mu.Unlock()
		s.logger.Debug("experience save skipped", "cooldown_remaining", remaining)
		return
	}
	s.mu.Unlock()

	if err := s.saver.SaveExperience(s.roleName, name, gherkin); err != nil {
		s.logger.Warn("failed to persist experience", "name", name, "err", err)
		return
	}

	s.mu.Lock()
	s.lastSave = now
	s.mu.Unlock()
	s.logger.Info("experience persisted", "name", name)

	if s.builder != nil {
		s.builder.RegisterSection(prompt.Section{
			Name:     "experience_" + name,
			Category: prompt.CategoryExperience,
			Content:  gherkin,
			Priority: 99, // trimmed first under the token budget
		})
		s.logger.Info("experience hot-loaded into prompt", "name", name)
	}
}

func validationExperience(errText string) string {
	return "Feature: Workflow Validation Recovery\n" +
		"  Scenario: Validation error corrected\n" +
		fmt.Sprintf("    Given a workflow validation failed with: %s\n", errText) +
		"    When the workflow was corrected and re-validated\n" +
		"    Then the validation succeeded\n" +
		"    And this error pattern should be avoided in future workflows\n"
}

func stripCodeFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func durationSeconds(data map[string]any) float64 {
	switch v := data["duration_ms"].(type) {
	case int64:
		return float64(v) / 1000
	case int:
		return float64(v) / 1000
	case float64:
		return v / 1000
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
