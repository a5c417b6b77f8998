package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedLogs struct {
	mu      sync.Mutex
	entries []map[string]any
}

func (r *recordedLogs) log(_ context.Context, entry map[string]any, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *recordedLogs) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.entries {
		if e["type"] == "event" {
			out = append(out, e["event"].(string))
		}
	}
	return out
}

func testConfig() Config {
	return Config{
		MaxTurns:           50,
		Timeout:            5 * time.Second,
		MaxToolCalls:       200,
		AnswerPollInterval: 10 * time.Millisecond,
	}
}

func TestDriver_SuccessScenario(t *testing.T) {
	logs := &recordedLogs{}
	d := NewDriver(NewMockClient(ScenarioSuccess), testConfig())
	res, err := d.Execute(context.Background(), SignalContext{Title: "T"}, Hooks{Log: logs.log})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.False(t, res.TimedOut)
	assert.False(t, res.BudgetExceeded)
	assert.False(t, res.InterruptedForQuestions)
	assert.Empty(t, res.QuestionsAsked)
	assert.Contains(t, res.FinalText, "implementation spec")
	assert.Equal(t, 2, res.Metrics.TurnCount)
	assert.Equal(t, 1, res.Metrics.ToolCallCount)
	assert.InDelta(t, 0.05, res.Metrics.TotalCostUSD, 1e-9)
	assert.NotEmpty(t, res.Prompt)
}

func TestDriver_ErrorScenario(t *testing.T) {
	d := NewDriver(NewMockClient(ScenarioError), testConfig())
	res, err := d.Execute(context.Background(), SignalContext{Title: "T"}, Hooks{})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, true, res.Output["is_error"])
	assert.Equal(t, []string{"git status"}, res.Metrics.CommandsRun)
}

// Bidirectional rendezvous: questions persist as clarifications, the agent
// suspends until the poll reports answers, then resumes with them injected.
func TestDriver_AskUserBidirectional(t *testing.T) {
	logs := &recordedLogs{}

	var (
		mu        sync.Mutex
		gotToolID string
		gotQs     []Question
		polls     int
	)
	hooks := Hooks{
		Log: logs.log,
		OnQuestionsAsked: func(_ context.Context, toolID string, qs []Question) ([]string, error) {
			mu.Lock()
			defer mu.Unlock()
			gotToolID = toolID
			gotQs = qs
			ids := make([]string, len(qs))
			for i := range qs {
				ids[i] = fmt.Sprintf("cl-%d", i)
			}
			return ids, nil
		},
		PollForAnswers: func(_ context.Context) (map[string]string, bool, error) {
			mu.Lock()
			defer mu.Unlock()
			polls++
			if polls < 2 {
				return nil, false, nil
			}
			return map[string]string{
				"auq_0_0": "PostgreSQL",
				"auq_0_1": "Yes, JWT tokens",
			}, true, nil
		},
	}

	d := NewDriver(NewMockClient(ScenarioAskUserQuestion), testConfig())
	res, err := d.Execute(context.Background(), SignalContext{Title: "Add storage"}, hooks)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.False(t, res.InterruptedForQuestions)
	assert.Contains(t, res.FinalText, "implementation spec")

	assert.Equal(t, "auq_0", gotToolID)
	require.Len(t, gotQs, 2)
	assert.Equal(t, "Which database should I use for storing user data?", gotQs[0].Question)
	assert.Equal(t, "Should the API require authentication?", gotQs[1].Question)
	require.Len(t, gotQs[0].Options, 3)
	assert.GreaterOrEqual(t, polls, 2)

	events := logs.events()
	assert.Contains(t, events, "waiting_for_human")
	assert.Contains(t, events, "human_answered")

	require.Len(t, res.QuestionsAsked, 1)
	assert.Equal(t, "auq_0", res.QuestionsAsked[0].ToolID)
	assert.True(t, res.QuestionsAsked[0].Answered)
}

// Blocking mode: without question hooks the driver denies the ask-user tool,
// interrupts the agent, and reports the questions for the caller to persist.
func TestDriver_AskUserBlocking(t *testing.T) {
	logs := &recordedLogs{}
	d := NewDriver(NewMockClient(ScenarioAskUserQuestion), testConfig())
	res, err := d.Execute(context.Background(), SignalContext{Title: "Add storage"}, Hooks{Log: logs.log})
	require.NoError(t, err)

	assert.True(t, res.InterruptedForQuestions)
	require.Len(t, res.QuestionsAsked, 1)
	assert.Len(t, res.QuestionsAsked[0].Questions, 2)
	assert.NotContains(t, res.FinalText, "implementation spec")
	assert.NotContains(t, logs.events(), "waiting_for_human")
}

func TestDriver_Timeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 30 * time.Millisecond
	client := NewMockClient(ScenarioSuccess)
	client.MessageDelay = 50 * time.Millisecond

	d := NewDriver(client, cfg)
	res, err := d.Execute(context.Background(), SignalContext{Title: "T"}, Hooks{})
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.False(t, res.Success)
	assert.Contains(t, res.Output["error"], "timed out")
}

func TestDriver_ToolCallBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxToolCalls = 1
	d := NewDriver(NewMockClient(ScenarioAskUserQuestion), cfg)
	res, err := d.Execute(context.Background(), SignalContext{Title: "T"}, Hooks{})
	require.NoError(t, err)

	assert.True(t, res.BudgetExceeded)
	assert.False(t, res.Success)
}

func TestDriver_Cancel(t *testing.T) {
	client := NewMockClient(ScenarioSuccess)
	client.MessageDelay = 20 * time.Millisecond
	d := NewDriver(client, testConfig())

	go func() {
		time.Sleep(30 * time.Millisecond)
		d.Cancel()
	}()
	res, err := d.Execute(context.Background(), SignalContext{Title: "T"}, Hooks{})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Contains(t, res.Output["error"], "cancelled")
}
