// Package classifier implements the LLM classifier adapter (C4): it
// turns a message into a structured label call, routed to a model by
// internal/router and executed through internal/llm, and normalizes
// whatever the model returns into a fixed label set. Every failure mode
// — transport, malformed JSON, an unrecognized label — becomes a
// Result with Error set rather than a Go error, so the mail pipeline
// can always proceed to a routing decision.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/caresync/ingest/internal/llm"
	"github.com/caresync/ingest/internal/router"
)

// Label is one of the classifier's fixed output categories.
type Label string

const (
	LabelAppointments Label = "appointments"
	LabelBills        Label = "bills"
	LabelMedications  Label = "medications"
	LabelNeedsReview  Label = "needs_review"
	LabelIgnore       Label = "ignore"
)

// Field length caps applied before building the prompt.
const (
	maxSubjectChars = 500
	maxSenderChars  = 200
	maxSnippetChars = 700
	maxBodyChars    = 3500
	maxHeaderValue  = 300
	maxHeaderCount  = 20
)

// Request is the classifier's input contract.
type Request struct {
	Subject  string
	Sender   string
	Snippet  string
	Body     string
	Labels   []string
	Headers  map[string]string
	Mission  string // heuristic parser's guessed task type, for routing only
}

// Result is the classifier's output. Error is set when the call, its
// parse, or its label failed in any way — Label and Confidence are
// meaningless when Error is true.
type Result struct {
	Label      Label
	Confidence float64
	Reason     string
	Error      bool
	ErrMessage string
}

// aliasTable normalizes model output strings that mean one of the
// fixed labels but were not spelled exactly that way.
var aliasTable = map[string]Label{
	"appointments": LabelAppointments,
	"appointment":  LabelAppointments,
	"appt":         LabelAppointments,
	"calendar":     LabelAppointments,
	"bills":        LabelBills,
	"bill":         LabelBills,
	"invoice":      LabelBills,
	"medications":  LabelMedications,
	"medication":   LabelMedications,
	"rx":           LabelMedications,
	"prescription": LabelMedications,
	"needs_review": LabelNeedsReview,
	"review":       LabelNeedsReview,
	"ignore":       LabelIgnore,
	"spam":         LabelIgnore,
	"junk":         LabelIgnore,
	"trash":        LabelIgnore,
}

// classifyTool is the forced tool-call schema the adapter asks models
// to respond through, in the shape internal/llm's convertToolsToAnthropic
// and Ollama tool-call handling both expect.
var classifyTool = map[string]any{
	"type": "function",
	"function": map[string]any{
		"name":        "classify_message",
		"description": "Classify a caregiver's message into a care task category.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"label": map[string]any{
					"type":        "string",
					"enum":        []string{"appointments", "bills", "medications", "needs_review", "ignore"},
					"description": "The care task category, or ignore for non-actionable mail.",
				},
				"confidence": map[string]any{
					"type":        "number",
					"description": "Confidence in the label, between 0 and 1.",
				},
				"reason": map[string]any{
					"type":        "string",
					"description": "One sentence explaining the label.",
				},
			},
			"required": []string{"label", "confidence"},
		},
	},
}

// Classifier calls an LLM to classify a message, selecting the model
// via router.Router and executing through an llm.Client.
type Classifier struct {
	client  llm.Client
	router  *router.Router
	logger  *slog.Logger
	timeout time.Duration
}

// New creates a Classifier. timeout bounds each classification call
// (recommended ≤15s per the sync pipeline's cancellation model).
func New(client llm.Client, r *router.Router, logger *slog.Logger, timeout time.Duration) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Classifier{client: client, router: r, logger: logger, timeout: timeout}
}

// Classify routes req to a model and returns a normalized Result. It
// never returns a Go error — all failures surface as Result.Error.
func (c *Classifier) Classify(ctx context.Context, req Request) Result {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	prompt := buildPrompt(req)

	routerReq := router.Request{
		BodyChars: len(prompt),
		Priority:  router.PriorityBackground,
		Hints:     map[string]string{router.HintChannel: "mail", router.HintMission: req.Mission},
	}
	model, decision := c.router.Route(ctx, routerReq)

	start := time.Now()
	resp, err := c.chatWithRetry(ctx, model, prompt)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		c.router.RecordOutcome(decision.RequestID, latency, 0, false)
		c.logger.Warn("classifier call failed", "model", model, "error", err)
		return Result{Error: true, ErrMessage: err.Error()}
	}

	result := parseToolResponse(resp)
	c.router.RecordOutcome(decision.RequestID, latency, resp.InputTokens+resp.OutputTokens, !result.Error)
	return result
}

// classifyRetryMaxElapsed bounds chatWithRetry's total retry time,
// left well inside the classifier's own ctx timeout so a retry storm
// can never blow the ≤15s classification budget on its own.
const classifyRetryMaxElapsed = 6 * time.Second

func newClassifyBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = classifyRetryMaxElapsed
	return bo
}

// chatWithRetry calls the model and retries transient transport
// failures (timeouts, connection resets) with exponential backoff. A
// context cancellation is never retried — it means the caller gave up.
func (c *Classifier) chatWithRetry(ctx context.Context, model string, prompt string) (*llm.ChatResponse, error) {
	var resp *llm.ChatResponse
	op := func() error {
		r, err := c.client.Chat(ctx, model, []llm.Message{{Role: "user", Content: prompt}}, []map[string]any{classifyTool})
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(newClassifyBackoff(), ctx))
	return resp, err
}

// buildPrompt assembles the classifier body: an instruction preamble
// followed by the truncated message fields and a capped header list.
func buildPrompt(req Request) string {
	var sb strings.Builder
	sb.WriteString("Classify the following message.\n\n")
	fmt.Fprintf(&sb, "Subject: %s\n", truncate(req.Subject, maxSubjectChars))
	fmt.Fprintf(&sb, "Sender: %s\n", truncate(req.Sender, maxSenderChars))
	if len(req.Labels) > 0 {
		fmt.Fprintf(&sb, "Labels: %s\n", strings.Join(req.Labels, ", "))
	}

	n := 0
	for k, v := range req.Headers {
		if n >= maxHeaderCount {
			break
		}
		fmt.Fprintf(&sb, "Header %s: %s\n", k, truncate(v, maxHeaderValue))
		n++
	}

	fmt.Fprintf(&sb, "Snippet: %s\n", truncate(req.Snippet, maxSnippetChars))
	fmt.Fprintf(&sb, "Body:\n%s\n", truncate(req.Body, maxBodyChars))
	return sb.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// toolArgs is the shape of the classify_message tool call's arguments.
type toolArgs struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// parseToolResponse extracts and normalizes the classify_message tool
// call from a chat response. Missing tool calls, malformed arguments,
// and unrecognized labels all become an error Result — never a panic
// or a silently wrong label.
func parseToolResponse(resp *llm.ChatResponse) Result {
	if resp == nil || len(resp.Message.ToolCalls) == 0 {
		return Result{Error: true, ErrMessage: "model returned no tool call"}
	}

	call := resp.Message.ToolCalls[0]
	raw, err := json.Marshal(call.Function.Arguments)
	if err != nil {
		return Result{Error: true, ErrMessage: "re-marshal tool arguments: " + err.Error()}
	}

	var args toolArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return Result{Error: true, ErrMessage: "parse tool arguments: " + err.Error()}
	}

	label, ok := aliasTable[strings.ToLower(strings.TrimSpace(args.Label))]
	if !ok {
		return Result{Error: true, ErrMessage: fmt.Sprintf("unrecognized label %q", args.Label)}
	}

	confidence := args.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return Result{Label: label, Confidence: confidence, Reason: args.Reason}
}
