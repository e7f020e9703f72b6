// Package router selects which LLM backend should serve a classification
// request (local/cheap vs. hosted/high-quality), and keeps an audit trail
// of why each choice was made.
package router

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Request describes one classification call awaiting a model assignment.
type Request struct {
	BodyChars   int               // Length of the classifier prompt body (subject+snippet+body+headers)
	ContextSize int               // Estimated prompt tokens
	NeedsTools  bool               // Always false today — reserved for future tool-augmented classification
	ToolCount   int
	Priority    Priority          // Latency requirements
	Hints       map[string]string // Caller-supplied routing hints (see HintXxx constants)
}

// Hint keys for routing decisions. Callers set these to influence model selection.
const (
	// HintChannel identifies the trigger source: "mail", "calendar".
	HintChannel = "channel"
	// HintQualityFloor is the minimum quality rating (1-10) the caller requires.
	HintQualityFloor = "quality_floor"
	// HintModelPreference suggests a specific model (soft preference, not override).
	HintModelPreference = "model_preference"
	// HintMission carries the heuristic parser's detected task type
	// ("appointment", "bill", "medication", "general") so routing can
	// weight quality without re-deriving intent from free text.
	HintMission = "mission"
	// HintLocalOnly restricts routing to free/local models when set to "true".
	HintLocalOnly = "local_only"
	// HintPreferSpeed indicates the caller benefits from faster response
	// times over higher quality. When "true", any model with Speed >= 7
	// receives a scoring bonus regardless of cost tier or provider.
	HintPreferSpeed = "prefer_speed"
)

// Priority indicates latency requirements.
type Priority int

const (
	PriorityInteractive Priority = iota // Manual sync, caller waiting
	PriorityBackground                  // Push/ticker-triggered, can take longer
)

// Decision records why a model was selected.
type Decision struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Input analysis
	BodyChars      int        `json:"body_chars"`
	ContextSize    int        `json:"context_size"`
	NeedsTools     bool       `json:"needs_tools"`
	Priority       string     `json:"priority"`
	DetectedIntent string     `json:"detected_intent,omitempty"`
	Complexity     Complexity `json:"complexity"`

	// Decision process
	RulesEvaluated []string       `json:"rules_evaluated"`
	RulesMatched   []string       `json:"rules_matched"`
	Scores         map[string]int `json:"scores,omitempty"`

	// Outcome
	ModelSelected string `json:"model_selected"`
	Reasoning     string `json:"reasoning"`

	// Post-execution (filled in later)
	LatencyMs  int64 `json:"latency_ms,omitempty"`
	TokensUsed int   `json:"tokens_used,omitempty"`
	Success    *bool `json:"success,omitempty"`
}

// Complexity categorizes a classification request's difficulty.
type Complexity int

const (
	ComplexitySimple   Complexity = iota // Short body, single evidentiary signal
	ComplexityModerate                   // Typical message
	ComplexityComplex                    // Long body, ambiguous or multi-signal
)

// String returns the human-readable name of a complexity level.
func (c Complexity) String() string {
	switch c {
	case ComplexitySimple:
		return "simple"
	case ComplexityModerate:
		return "moderate"
	case ComplexityComplex:
		return "complex"
	default:
		return "unknown"
	}
}

// Model represents an available classifier model with its capabilities.
type Model struct {
	Name          string     // Model identifier (e.g., "claude-haiku-3-20240307")
	Provider      string     // "ollama" or "anthropic"
	SupportsTools bool       // Can do forced tool-call structured output
	ContextWindow int        // Max tokens
	Speed         int        // Relative speed (1-10, 10=fastest)
	Quality       int        // Relative quality (1-10, 10=best)
	CostTier      int        // 0=free/local, 1=cheap, 2=moderate, 3=expensive
	MinComplexity Complexity // Don't use for simpler than this
}

// Config holds router configuration.
type Config struct {
	Models       []Model // Available models
	DefaultModel string  // Fallback if no rules match
	LocalFirst   bool    // Prefer local models when possible
	MaxAuditLog  int     // How many decisions to keep in memory
}

// Router selects classifier models based on request characteristics.
type Router struct {
	logger *slog.Logger
	config Config

	mu       sync.RWMutex
	auditLog []Decision
	stats    Stats
}

// Stats tracks routing statistics.
type Stats struct {
	TotalRequests    int64            `json:"total_requests"`
	ModelCounts      map[string]int64 `json:"model_counts"`
	AvgLatencyMs     map[string]int64 `json:"avg_latency_ms"`
	ComplexityCounts map[string]int64 `json:"complexity_counts"`
}

// NewRouter creates a router with the given configuration.
func NewRouter(logger *slog.Logger, config Config) *Router {
	if config.MaxAuditLog <= 0 {
		config.MaxAuditLog = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:   logger,
		config:   config,
		auditLog: make([]Decision, 0, config.MaxAuditLog),
		stats: Stats{
			ModelCounts:      make(map[string]int64),
			AvgLatencyMs:     make(map[string]int64),
			ComplexityCounts: make(map[string]int64),
		},
	}
}

// MaxQuality returns the highest quality rating among configured models.
// If no models are configured it returns 10 as a safe default that
// selects the best available model at runtime.
func (r *Router) MaxQuality() int {
	max := 0
	for _, m := range r.config.Models {
		if m.Quality > max {
			max = m.Quality
		}
	}
	if max == 0 {
		return 10
	}
	return max
}

// Route selects a model for the given classification request.
func (r *Router) Route(ctx context.Context, req Request) (string, *Decision) {
	decision := &Decision{
		RequestID:   generateRequestID(),
		Timestamp:   time.Now(),
		BodyChars:   req.BodyChars,
		ContextSize: req.ContextSize,
		NeedsTools:  req.NeedsTools,
		Priority:    priorityString(req.Priority),
	}

	decision.Complexity = r.analyzeComplexity(req)
	decision.DetectedIntent = r.detectIntent(req)

	model := r.selectModel(req, decision)
	decision.ModelSelected = model

	r.recordDecision(*decision)

	r.logger.Debug("classifier model routed",
		"request_id", decision.RequestID,
		"model", model,
		"complexity", decision.Complexity.String(),
		"reasoning", decision.Reasoning,
	)

	return model, decision
}

// analyzeComplexity estimates classification difficulty from the size of
// the prompt body. Longer bodies are more likely to contain conflicting
// or buried signals, which benefits from a higher-quality model.
func (r *Router) analyzeComplexity(req Request) Complexity {
	switch {
	case req.BodyChars <= 400:
		return ComplexitySimple
	case req.BodyChars <= 2000:
		return ComplexityModerate
	default:
		return ComplexityComplex
	}
}

// detectIntent surfaces the heuristic parser's best guess at the task
// type, carried in via HintMission, so routing does not need to
// re-scan free text to guess intent.
func (r *Router) detectIntent(req Request) string {
	if req.Hints != nil {
		if mission := strings.TrimSpace(req.Hints[HintMission]); mission != "" {
			return mission
		}
	}
	return "general"
}

// selectModel picks the best model based on analysis.
func (r *Router) selectModel(req Request, decision *Decision) string {
	var rulesEvaluated, rulesMatched []string
	var reasoning strings.Builder

	// Find eligible models
	var candidates []Model
	for _, m := range r.config.Models {
		rulesEvaluated = append(rulesEvaluated, "check_"+m.Name)

		if req.NeedsTools && !m.SupportsTools {
			continue
		}

		if req.ContextSize > 0 && m.ContextWindow > 0 && req.ContextSize > m.ContextWindow {
			continue
		}

		candidates = append(candidates, m)
		rulesMatched = append(rulesMatched, "eligible_"+m.Name)
	}

	decision.RulesEvaluated = rulesEvaluated

	if len(candidates) == 0 {
		reasoning.WriteString("No eligible models, using default. ")
		decision.RulesMatched = rulesMatched
		decision.Reasoning = reasoning.String()
		return r.config.DefaultModel
	}

	// Score candidates.
	//
	// Simple classification tasks should prefer fast/cheap models; complex
	// ones earn expensive models. Cost is always a factor, never free.
	scores := make(map[string]int)
	for _, m := range candidates {
		score := 0

		if decision.Complexity >= m.MinComplexity {
			score += 20
		}
		if decision.Complexity == ComplexitySimple && m.Speed >= 7 {
			score += 15
			rulesMatched = append(rulesMatched, "speed_bonus_"+m.Name)
		}
		if decision.Complexity == ComplexityComplex {
			if m.Quality >= 7 {
				score += m.Quality * 2
				rulesMatched = append(rulesMatched, "quality_bonus_"+m.Name)
			}
		}

		if m.CostTier > 0 {
			switch decision.Complexity {
			case ComplexitySimple:
				score -= m.CostTier * 15
				rulesMatched = append(rulesMatched, "cost_penalty_simple_"+m.Name)
			case ComplexityModerate:
				score -= m.CostTier * 8
				rulesMatched = append(rulesMatched, "cost_penalty_moderate_"+m.Name)
			case ComplexityComplex:
				score -= m.CostTier * 3
				rulesMatched = append(rulesMatched, "cost_penalty_complex_"+m.Name)
			}
		}

		if m.CostTier == 0 && decision.Complexity < ComplexityComplex {
			score += 15
			rulesMatched = append(rulesMatched, "free_model_bonus_"+m.Name)
		}

		contextRatio := float64(req.ContextSize) / float64(m.ContextWindow)
		if contextRatio > 0.3 {
			if m.Quality < 7 {
				score -= 30
				rulesMatched = append(rulesMatched, "context_penalty_"+m.Name)
			}
		}
		if contextRatio > 0.5 && m.Quality >= 7 {
			score += 10
			rulesMatched = append(rulesMatched, "context_bonus_"+m.Name)
		}

		if req.ToolCount > 4 && m.Quality < 7 {
			score -= 20
			rulesMatched = append(rulesMatched, "tools_penalty_"+m.Name)
		}

		if r.config.LocalFirst && m.CostTier == 0 {
			score += 10
			rulesMatched = append(rulesMatched, "local_first_"+m.Name)
		}

		if req.Priority == PriorityInteractive && m.Speed >= 7 {
			score += 10
			rulesMatched = append(rulesMatched, "interactive_speed_"+m.Name)
		}

		if req.Hints != nil {
			// Medication/bill messages where the wrong label is costly get
			// a quality nudge; general and appointment messages do not.
			switch req.Hints[HintMission] {
			case "medication", "bill":
				if m.Quality >= 7 {
					score += 10
					rulesMatched = append(rulesMatched, "mission_quality_bonus_"+m.Name)
				}
			}

			if floor, ok := req.Hints[HintQualityFloor]; ok {
				if floorInt, err := strconv.Atoi(floor); err == nil && m.Quality < floorInt {
					score -= 100
					rulesMatched = append(rulesMatched, "below_quality_floor_"+m.Name)
				}
			}

			if pref, ok := req.Hints[HintModelPreference]; ok && pref == m.Name {
				score += 25
				rulesMatched = append(rulesMatched, "model_preference_"+m.Name)
			}

			if req.Hints[HintLocalOnly] == "true" && m.CostTier > 0 {
				score -= 200
				rulesMatched = append(rulesMatched, "local_only_penalty_"+m.Name)
			}

			if req.Hints[HintPreferSpeed] == "true" && m.Speed >= 7 {
				score += 15
				rulesMatched = append(rulesMatched, "prefer_speed_bonus_"+m.Name)
			}
		}

		scores[m.Name] = score
	}

	decision.Scores = scores

	// Pick highest score; on tie, prefer cheaper model; on equal cost, prefer higher quality
	var best Model
	bestScore := -1 << 30 // effectively -infinity
	for _, m := range candidates {
		s := scores[m.Name]
		if s > bestScore ||
			(s == bestScore && m.CostTier < best.CostTier) ||
			(s == bestScore && m.CostTier == best.CostTier && m.Quality > best.Quality) {
			best = m
			bestScore = s
		}
	}

	reasoning.WriteString("Selected " + best.Name)
	reasoning.WriteString(" (score=" + strconv.Itoa(bestScore) + ")")
	reasoning.WriteString(" for " + decision.Complexity.String() + " " + decision.DetectedIntent + " classification.")

	if r.config.LocalFirst && best.CostTier == 0 {
		reasoning.WriteString(" Local-first preference applied.")
	}

	decision.RulesMatched = rulesMatched
	decision.Reasoning = reasoning.String()

	return best.Name
}

// RecordOutcome updates a decision with execution results.
func (r *Router) RecordOutcome(requestID string, latencyMs int64, tokensUsed int, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID == requestID {
			r.auditLog[i].LatencyMs = latencyMs
			r.auditLog[i].TokensUsed = tokensUsed
			r.auditLog[i].Success = &success

			model := r.auditLog[i].ModelSelected
			r.stats.AvgLatencyMs[model] = (r.stats.AvgLatencyMs[model] + latencyMs) / 2
			break
		}
	}
}

// recordDecision adds a decision to the audit log.
func (r *Router) recordDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.auditLog) >= r.config.MaxAuditLog {
		r.auditLog = r.auditLog[1:]
	}

	r.auditLog = append(r.auditLog, d)

	r.stats.TotalRequests++
	r.stats.ModelCounts[d.ModelSelected]++
	r.stats.ComplexityCounts[d.Complexity.String()]++
}

// GetAuditLog returns recent routing decisions.
func (r *Router) GetAuditLog(limit int) []Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}

	start := len(r.auditLog) - limit
	result := make([]Decision, limit)
	copy(result, r.auditLog[start:])
	return result
}

// GetStats returns routing statistics.
func (r *Router) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// Explain returns details about why a specific decision was made.
func (r *Router) Explain(requestID string) *Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID == requestID {
			d := r.auditLog[i]
			return &d
		}
	}
	return nil
}

// generateRequestID creates a timestamp-based ID for log correlation.
func generateRequestID() string {
	return time.Now().Format("20060102-150405.000")
}

// priorityString returns the human-readable name of a priority level.
func priorityString(p Priority) string {
	if p == PriorityInteractive {
		return "interactive"
	}
	return "background"
}
