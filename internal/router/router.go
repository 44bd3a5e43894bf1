package router

import (
	"log/slog"
	"strings"

	"github.com/dotclawhq/dotclaw/internal/config"
)

// Profiles.
const (
	ProfileFast       = "fast"
	ProfileStandard   = "standard"
	ProfileBackground = "background"
)

// Reasoning effort levels, ordered for downgrade.
var effortLevels = []string{"off", "low", "medium", "high"}

// Decision is one routing decision for a run.
type Decision struct {
	Profile             string
	Model               string
	Fallbacks           []string
	MaxOutputTokens     int
	MaxToolSteps        int
	ReasoningEffort     string
	RecallMaxResults    int
	RecallMaxTokens     int
	ShouldRunClassifier bool
}

// toolVerbs mark a short prompt as real work rather than chit-chat.
var toolVerbs = []string{
	"search", "fetch", "download", "run", "create", "write", "schedule",
	"remind", "deploy", "build", "summarize", "translate", "browse", "read",
}

// Router selects models and budgets.
type Router struct {
	cfg       config.RouterConfig
	recall    config.RecallConfig
	docs      *config.Docs
	cooldowns *Cooldowns
	logger    *slog.Logger
}

// New builds a Router over the model documents and cooldown map.
func New(cfg config.RouterConfig, recall config.RecallConfig, docs *config.Docs, cd *Cooldowns, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{cfg: cfg, recall: recall, docs: docs, cooldowns: cd, logger: logger}
}

// Route returns the decision for a prompt. queueDepth raises the classifier
// confidence bar so a busy host stays conservative.
func (r *Router) Route(prompt string, queueDepth int) Decision {
	mc := r.docs.ActiveModel()

	d := Decision{
		Profile:          ProfileStandard,
		Model:            mc.Active,
		Fallbacks:        mc.Fallbacks,
		MaxOutputTokens:  r.cfg.MaxOutputTokens,
		MaxToolSteps:     r.cfg.MaxToolSteps,
		ReasoningEffort:  "medium",
		RecallMaxResults: r.recall.MaxResults,
		RecallMaxTokens:  r.recall.MaxTokens,
	}

	if isFastPrompt(prompt, r.cfg.MaxFastChars) {
		d.Profile = ProfileFast
		d.ReasoningEffort = "off"
		d.MaxToolSteps = 0
		d.RecallMaxResults = 0
		d.RecallMaxTokens = 0
		return d
	}

	if r.cfg.ClassifierEnabled && looksLikeLongJob(prompt) {
		d.ShouldRunClassifier = true
	}
	return d
}

// ClassifierThreshold returns the confidence bar for accepting a background
// classification, raised with queue depth.
func (r *Router) ClassifierThreshold(queueDepth int) float64 {
	t := r.cfg.ConfidenceThreshold
	t += 0.05 * float64(queueDepth)
	if t > 0.95 {
		t = 0.95
	}
	return t
}

// AcceptClassification applies an accepted background verdict to a decision.
func (r *Router) AcceptClassification(d Decision, confidence float64, queueDepth int) Decision {
	if confidence < r.ClassifierThreshold(queueDepth) {
		return d
	}
	d.Profile = ProfileBackground
	return d
}

// NextModel picks the first candidate not in cooldown and not already
// attempted this run. The empty string means every candidate is exhausted.
func (r *Router) NextModel(d Decision, attempted map[string]bool) string {
	candidates := append([]string{d.Model}, d.Fallbacks...)
	for _, m := range candidates {
		if m == "" || attempted[m] {
			continue
		}
		if r.cooldowns.IsInCooldown(m) {
			continue
		}
		return m
	}
	return ""
}

// Downgrade returns the decision for the next failover attempt: reasoning
// effort drops one step and the tool budget shrinks to 70%.
func Downgrade(d Decision) Decision {
	for i, lvl := range effortLevels {
		if lvl == d.ReasoningEffort && i > 0 {
			d.ReasoningEffort = effortLevels[i-1]
			break
		}
	}
	if d.MaxToolSteps > 0 {
		d.MaxToolSteps = d.MaxToolSteps * 7 / 10
		if d.MaxToolSteps < 1 {
			d.MaxToolSteps = 1
		}
	}
	return d
}

// RecordFailure registers a typed cooldown for the model and reports whether
// the run may fail over.
func (r *Router) RecordFailure(model string, class Class) bool {
	r.cooldowns.Register(model, class)
	return class.Retryable()
}

// RetryEmptySuccess reports whether an empty success should get one strict
// retry.
func (r *Router) RetryEmptySuccess() bool {
	return r.cfg.RetryEmptySuccess
}

func isFastPrompt(prompt string, maxFastChars int) bool {
	if maxFastChars <= 0 {
		return false
	}
	trimmed := strings.TrimSpace(prompt)
	if len(trimmed) > maxFastChars {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, verb := range toolVerbs {
		if strings.Contains(lower, verb) {
			return false
		}
	}
	return true
}

// looksLikeLongJob flags prompts that plausibly become asynchronous jobs.
func looksLikeLongJob(prompt string) bool {
	lower := strings.ToLower(prompt)
	for _, marker := range []string{"research", "analyze", "report", "compare", "investigate", "comprehensive", "deep dive"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return len(prompt) > 1200
}
