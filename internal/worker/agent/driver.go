package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dragonflyic/workbench/internal/adapter/observability"
)

// maxToolResultChars bounds tool result content before it is logged.
const maxToolResultChars = 5000

// Config carries the execution budgets.
type Config struct {
	MaxTurns           int
	Timeout            time.Duration
	MaxToolCalls       int
	AnswerPollInterval time.Duration
}

// Metrics accumulates counters over one execution.
type Metrics struct {
	ToolCallCount       int
	TurnCount           int
	CommandsRun         []string
	TotalCostUSD        float64
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
}

// ExecutionResult is the structured outcome of one driver run.
type ExecutionResult struct {
	Success                 bool
	Output                  map[string]any
	Metrics                 Metrics
	FinalText               string
	Prompt                  string
	TimedOut                bool
	BudgetExceeded          bool
	QuestionsAsked          []QuestionSet
	InterruptedForQuestions bool
}

// Hooks are the collaborator handles the runner supplies. Log persists one
// log entry (the callee assigns sequence numbers). OnQuestionsAsked persists
// each question as a clarification and returns the created ids in question
// order. PollForAnswers reports the answers keyed by question_id and whether
// every created clarification is answered.
//
// Bidirectional mode requires both question hooks; with either absent the
// driver falls back to blocking mode: deny the ask-user tool, interrupt, and
// leave question persistence to the caller.
type Hooks struct {
	Log              func(ctx context.Context, entry map[string]any, isFinal bool) error
	OnQuestionsAsked func(ctx context.Context, toolID string, questions []Question) ([]string, error)
	PollForAnswers   func(ctx context.Context) (map[string]string, bool, error)
}

func (h Hooks) bidirectional() bool {
	return h.OnQuestionsAsked != nil && h.PollForAnswers != nil
}

// Driver runs one agent session against a working tree.
type Driver struct {
	client Client
	cfg    Config

	// mu serializes hook invocations issued from the message loop and from
	// the permission callback, keeping log writes and clarification writes
	// from interleaving.
	mu         sync.Mutex
	cancelCh   chan struct{}
	cancelOnce sync.Once

	askIndex       int
	questionsAsked []QuestionSet
	interrupted    bool
	errMsg         string
}

// NewDriver wraps a client with budget enforcement and the ask-user
// rendezvous.
func NewDriver(client Client, cfg Config) *Driver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Minute
	}
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = 200
	}
	if cfg.AnswerPollInterval <= 0 {
		cfg.AnswerPollInterval = 5 * time.Second
	}
	return &Driver{client: client, cfg: cfg, cancelCh: make(chan struct{})}
}

// Cancel requests cooperative termination. Safe to call from any goroutine,
// any number of times.
func (d *Driver) Cancel() {
	d.cancelOnce.Do(func() { close(d.cancelCh) })
}

// Execute runs the session to completion and returns the structured result.
// Budget exhaustion, agent errors, and interruption are reported in the
// result, not as an error; only infrastructure failures return err.
func (d *Driver) Execute(ctx context.Context, sig SignalContext, hooks Hooks) (*ExecutionResult, error) {
	prompt := BuildPrompt(sig)

	runCtx, cancelRun := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancelRun()

	msgs, err := d.client.Start(runCtx, prompt, d.permissionHandler(runCtx, hooks))
	if err != nil {
		return nil, fmt.Errorf("op=driver.start: %w", err)
	}
	defer func() { _ = d.client.Close() }()

	go func() {
		select {
		case <-d.cancelCh:
			d.mu.Lock()
			d.errMsg = "Execution cancelled"
			d.mu.Unlock()
			_ = d.client.Interrupt(runCtx)
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	var (
		finalTextParts []string
		metrics        Metrics
		result         *ResultMessage
		budgetExceeded bool
	)

loop:
	for msg := range msgs {
		switch m := msg.(type) {
		case SystemMessage:
			d.log(runCtx, hooks, map[string]any{
				"type":    "system",
				"subtype": m.Subtype,
			})

		case AssistantMessage:
			metrics.TurnCount++
			observability.AgentTurnsTotal.Inc()

			var texts []string
			var toolCalls []map[string]any
			for _, block := range m.Content {
				switch b := block.(type) {
				case TextBlock:
					texts = append(texts, b.Text)
					finalTextParts = append(finalTextParts, b.Text)
				case ToolUseBlock:
					metrics.ToolCallCount++
					observability.AgentToolCallsTotal.WithLabelValues(b.Name).Inc()
					toolCalls = append(toolCalls, map[string]any{"id": b.ID, "name": b.Name})
					if b.Name == "Bash" {
						if cmd, ok := b.Input["command"].(string); ok && cmd != "" {
							metrics.CommandsRun = append(metrics.CommandsRun, cmd)
						}
					}
				}
			}
			d.log(runCtx, hooks, map[string]any{
				"type":       "assistant",
				"turn":       metrics.TurnCount,
				"text":       strings.Join(texts, "\n"),
				"tool_calls": toolCalls,
			})
			if metrics.ToolCallCount >= d.cfg.MaxToolCalls {
				budgetExceeded = true
				_ = d.client.Interrupt(runCtx)
				break loop
			}

		case UserMessage:
			var results []map[string]any
			for _, block := range m.Content {
				if tr, ok := block.(ToolResultBlock); ok {
					results = append(results, map[string]any{
						"tool_use_id": tr.ToolUseID,
						"content":     truncate(tr.Content, maxToolResultChars),
					})
				}
			}
			if len(results) > 0 {
				d.log(runCtx, hooks, map[string]any{
					"type":         "tool_result",
					"tool_results": results,
				})
			}

		case ResultMessage:
			result = &m
			d.log(runCtx, hooks, map[string]any{
				"type":        "result",
				"is_error":    m.IsError,
				"num_turns":   m.NumTurns,
				"cost_usd":    m.TotalCostUSD,
				"duration_ms": m.DurationMS,
				"session_id":  m.SessionID,
			})
			break loop
		}
	}

	timedOut := runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil

	if result != nil {
		metrics.TotalCostUSD = result.TotalCostUSD
		observability.AgentCostUSD.Add(result.TotalCostUSD)
		if result.NumTurns > 0 {
			metrics.TurnCount = result.NumTurns
		}
		metrics.InputTokens = result.Usage["input_tokens"]
		metrics.OutputTokens = result.Usage["output_tokens"]
		metrics.CacheReadTokens = result.Usage["cache_read_input_tokens"]
		metrics.CacheCreationTokens = result.Usage["cache_creation_input_tokens"]
	}

	d.mu.Lock()
	errMsg := d.errMsg
	questions := d.questionsAsked
	interrupted := d.interrupted
	d.mu.Unlock()

	if timedOut && errMsg == "" {
		errMsg = fmt.Sprintf("Execution timed out after %s", d.cfg.Timeout)
	}

	finalText := strings.Join(finalTextParts, "\n")
	output := map[string]any{
		"final_text":      finalText,
		"questions_asked": questions,
	}
	if errMsg != "" {
		output["error"] = errMsg
	}
	if result != nil {
		output["session_id"] = result.SessionID
		output["is_error"] = result.IsError
		if result.DurationMS > 0 {
			output["duration_ms"] = result.DurationMS
		}
		if result.DurationAPIMS > 0 {
			output["duration_api_ms"] = result.DurationAPIMS
		}
	}

	success := !timedOut && !budgetExceeded && errMsg == "" &&
		(result == nil || !result.IsError)

	return &ExecutionResult{
		Success:                 success,
		Output:                  output,
		Metrics:                 metrics,
		FinalText:               finalText,
		Prompt:                  prompt,
		TimedOut:                timedOut,
		BudgetExceeded:          budgetExceeded,
		QuestionsAsked:          questions,
		InterruptedForQuestions: interrupted,
	}, nil
}

// permissionHandler builds the pre-tool hook. Everything except the ask-user
// tool is allowed through untouched.
func (d *Driver) permissionHandler(runCtx context.Context, hooks Hooks) PermissionFunc {
	return func(ctx context.Context, toolName string, input map[string]any) PermissionDecision {
		if toolName != AskUserTool {
			return PermissionDecision{Allow: true}
		}
		questions := ParseQuestions(input)

		if !hooks.bidirectional() {
			d.mu.Lock()
			toolID := fmt.Sprintf("auq_%d", d.askIndex)
			d.askIndex++
			d.questionsAsked = append(d.questionsAsked, QuestionSet{ToolID: toolID, Questions: questions})
			d.interrupted = true
			d.mu.Unlock()
			return PermissionDecision{
				Allow:     false,
				Message:   "Questions require human input",
				Interrupt: true,
			}
		}
		return d.rendezvous(runCtx, hooks, input, questions)
	}
}

// rendezvous persists the questions, suspends the agent until every created
// clarification is answered, then allows the tool with the answers injected.
func (d *Driver) rendezvous(ctx context.Context, hooks Hooks, input map[string]any, questions []Question) PermissionDecision {
	d.mu.Lock()
	toolID := fmt.Sprintf("auq_%d", d.askIndex)
	d.askIndex++
	if _, err := hooks.OnQuestionsAsked(ctx, toolID, questions); err != nil {
		d.errMsg = fmt.Sprintf("persisting questions: %v", err)
		d.mu.Unlock()
		return PermissionDecision{Allow: false, Message: "internal error", Interrupt: true}
	}
	d.questionsAsked = append(d.questionsAsked, QuestionSet{ToolID: toolID, Questions: questions})
	d.logLocked(ctx, hooks, map[string]any{
		"type":    "event",
		"event":   "waiting_for_human",
		"message": fmt.Sprintf("Waiting for answers to %d question(s)", len(questions)),
		"details": map[string]any{"tool_id": toolID},
	})
	d.mu.Unlock()

	waitStart := time.Now()
	ticker := time.NewTicker(d.cfg.AnswerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return PermissionDecision{Allow: false, Message: "execution ended", Interrupt: true}
		case <-d.cancelCh:
			return PermissionDecision{Allow: false, Message: "cancelled", Interrupt: true}
		case <-ticker.C:
		}

		answers, complete, err := hooks.PollForAnswers(ctx)
		if err != nil {
			d.mu.Lock()
			d.errMsg = fmt.Sprintf("polling answers: %v", err)
			d.mu.Unlock()
			return PermissionDecision{Allow: false, Message: "internal error", Interrupt: true}
		}
		if !complete {
			continue
		}

		observability.ClarificationsPendingWait.Observe(time.Since(waitStart).Seconds())

		// Map answers back to the agent's question texts by index.
		byText := make(map[string]string, len(questions))
		for i, q := range questions {
			byText[q.Question] = answers[fmt.Sprintf("%s_%d", toolID, i)]
		}
		d.mu.Lock()
		for i := range d.questionsAsked {
			if d.questionsAsked[i].ToolID == toolID {
				d.questionsAsked[i].Answered = true
			}
		}
		d.mu.Unlock()
		d.log(ctx, hooks, map[string]any{
			"type":    "event",
			"event":   "human_answered",
			"message": fmt.Sprintf("Received answers to %d question(s)", len(questions)),
			"details": map[string]any{"tool_id": toolID},
		})
		return PermissionDecision{
			Allow: true,
			UpdatedInput: map[string]any{
				"questions": input["questions"],
				"answers":   byText,
			},
		}
	}
}

func (d *Driver) log(ctx context.Context, hooks Hooks, entry map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logLocked(ctx, hooks, entry)
}

func (d *Driver) logLocked(ctx context.Context, hooks Hooks, entry map[string]any) {
	if hooks.Log == nil {
		return
	}
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	_ = hooks.Log(ctx, entry, false)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... [truncated]"
}
