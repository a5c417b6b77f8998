package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragonflyic/workbench/internal/domain"
	"github.com/dragonflyic/workbench/internal/worker/agent"
)

func newClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := New(0, 0)
	require.NoError(t, err)
	return c
}

func TestClassify_Timeout(t *testing.T) {
	c := newClassifier(t)
	res := c.Classify(&agent.ExecutionResult{TimedOut: true}, domain.DiffStats{})
	assert.Equal(t, domain.AttemptFailed, res.Status)
	assert.Equal(t, "Execution timed out", res.ErrorMessage)
	assert.Equal(t, []string{"TIMEOUT"}, res.RiskFlags)
}

func TestClassify_BudgetExceeded(t *testing.T) {
	c := newClassifier(t)
	res := c.Classify(&agent.ExecutionResult{BudgetExceeded: true}, domain.DiffStats{})
	assert.Equal(t, domain.AttemptFailed, res.Status)
	assert.Equal(t, []string{"BUDGET_EXCEEDED"}, res.RiskFlags)
}

func TestClassify_UnansweredQuestionsNeedHuman(t *testing.T) {
	c := newClassifier(t)
	exec := &agent.ExecutionResult{
		Success:                 true,
		InterruptedForQuestions: true,
		QuestionsAsked: []agent.QuestionSet{{
			ToolID: "auq_0",
			Questions: []agent.Question{
				{Question: "Which database should I use for storing user data?", Header: "Database"},
				{Question: "Should the API require authentication?", Header: "Auth"},
			},
		}},
	}
	res := c.Classify(exec, domain.DiffStats{})
	assert.Equal(t, domain.AttemptNeedsHuman, res.Status)
	require.Len(t, res.Questions, 2)
	assert.Equal(t, "Database", res.Questions[0].WhyNeeded)
}

func TestClassify_AnsweredQuestionsDoNotBlock(t *testing.T) {
	c := newClassifier(t)
	exec := &agent.ExecutionResult{
		Success:   true,
		FinalText: "Done.",
		QuestionsAsked: []agent.QuestionSet{{
			ToolID:    "auq_0",
			Answered:  true,
			Questions: []agent.Question{{Question: "Which database?"}},
		}},
	}
	res := c.Classify(exec, domain.DiffStats{FilesTouched: []string{"store.go"}})
	assert.Equal(t, domain.AttemptSuccess, res.Status)
	assert.Empty(t, res.Questions)
}

func TestClassify_ExecutionError(t *testing.T) {
	c := newClassifier(t)
	exec := &agent.ExecutionResult{
		Success: false,
		Output:  map[string]any{"error": "agent exited with status 1"},
	}
	res := c.Classify(exec, domain.DiffStats{})
	assert.Equal(t, domain.AttemptFailed, res.Status)
	assert.Equal(t, "Execution failed: agent exited with status 1", res.ErrorMessage)
	assert.Equal(t, []string{"EXECUTION_ERROR"}, res.RiskFlags)
}

func TestClassify_DiffSizeRiskFlag(t *testing.T) {
	c := newClassifier(t)
	exec := &agent.ExecutionResult{Success: true, FinalText: "Implemented the feature."}
	stats := domain.DiffStats{
		LinesAdded:   900,
		FilesTouched: []string{"a.go", "b.go", "c.go"},
	}
	res := c.Classify(exec, stats)
	assert.Equal(t, domain.AttemptSuccess, res.Status)
	assert.Contains(t, res.RiskFlags, "DIFF_SIZE_EXCEEDED:900")
	assert.Equal(t, []string{"a.go", "b.go", "c.go"}, res.WhatChanged)
}

func TestClassify_FilesExceededRiskFlag(t *testing.T) {
	c, err := New(800, 2)
	require.NoError(t, err)
	stats := domain.DiffStats{LinesAdded: 6, FilesTouched: []string{"a.go", "b.go", "c.go"}}
	res := c.Classify(&agent.ExecutionResult{Success: true}, stats)
	assert.Contains(t, res.RiskFlags, "FILES_EXCEEDED:3")
}

func TestClassify_NoopWhenNothingChanged(t *testing.T) {
	c := newClassifier(t)
	exec := &agent.ExecutionResult{Success: true, FinalText: "Everything already works."}
	res := c.Classify(exec, domain.DiffStats{})
	assert.Equal(t, domain.AttemptNoop, res.Status)
}

func TestClassify_PRURLExtraction(t *testing.T) {
	c := newClassifier(t)
	exec := &agent.ExecutionResult{
		Success:   true,
		FinalText: "Opened https://github.com/acme/api/pull/123 for review.",
	}
	res := c.Classify(exec, domain.DiffStats{FilesTouched: []string{"a.go"}})
	assert.Equal(t, domain.AttemptSuccess, res.Status)
	assert.Equal(t, "https://github.com/acme/api/pull/123", res.PRURL)
}

func TestClassify_ImplicitStuckOnlyWithoutChanges(t *testing.T) {
	c := newClassifier(t)
	text := "I need clarification on the intended behavior before changing anything."

	// no files touched: the stuck rule fires
	res := c.Classify(&agent.ExecutionResult{Success: true, FinalText: text}, domain.DiffStats{})
	assert.Equal(t, domain.AttemptNeedsHuman, res.Status)
	require.NotEmpty(t, res.Questions)
	assert.Contains(t, res.Questions[0].Question, "semantic_ambiguity")

	// files touched: the same phrasing stays SUCCESS
	res = c.Classify(&agent.ExecutionResult{Success: true, FinalText: text},
		domain.DiffStats{FilesTouched: []string{"a.go"}})
	assert.Equal(t, domain.AttemptSuccess, res.Status)
}

func TestClassify_OneQuestionPerStuckCategory(t *testing.T) {
	c := newClassifier(t)
	text := "Not sure if this could mean A or B. I need clarification."
	res := c.Classify(&agent.ExecutionResult{Success: true, FinalText: text}, domain.DiffStats{})
	assert.Equal(t, domain.AttemptNeedsHuman, res.Status)
	assert.Len(t, res.Questions, 1)
}

func TestExtractAssumptions(t *testing.T) {
	c := newClassifier(t)
	text := "I'm assuming the default branch is main.\nAssumption: tests run in CI.\nI'll assume UTC timestamps."
	got := c.extractAssumptions(text)
	require.Len(t, got, 3)
	assert.Equal(t, "the default branch is main.", got[0])

	long := ""
	for i := 0; i < 15; i++ {
		long += "Assumption: item\n"
	}
	assert.Len(t, c.extractAssumptions(long), maxAssumptions)
}
