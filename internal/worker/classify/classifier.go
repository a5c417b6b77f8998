// Package classify maps an execution result and the working tree diff to a
// discrete attempt outcome with risk flags, extracted questions, an optional
// PR URL, and reported assumptions.
package classify

import (
	"fmt"
	"regexp"

	"github.com/dragonflyic/workbench/internal/domain"
	"github.com/dragonflyic/workbench/internal/worker/agent"
)

var (
	prURLPattern = regexp.MustCompile(`https://github\.com/[^/]+/[^/]+/pull/\d+`)

	assumptionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:I(?:'m| am) assuming|Assumption:|Assumed:)\s*(.+)`),
		regexp.MustCompile(`(?i)(?:I(?:'ll| will) assume)\s*(.+)`),
	}
)

const maxAssumptions = 10

// Question is a question surfaced by classification, either extracted from
// the agent's ask-user calls or synthesized by the implicit-stuck rules.
type Question struct {
	Question        string
	WhyNeeded       string
	ProposedDefault *string
	Evidence        []string
}

// Result is the classification outcome.
type Result struct {
	Status       domain.AttemptStatus
	Questions    []Question
	Assumptions  []string
	RiskFlags    []string
	PRURL        string
	WhatChanged  []string
	ErrorMessage string
}

// Classifier applies the outcome decision tree. It is a pure function over
// its inputs; construct once and share freely.
type Classifier struct {
	MaxDiffLines    int
	MaxFilesTouched int

	stuckRules []stuckRule
}

// New builds a classifier with the given soft gates. Zero values select the
// defaults (800 diff lines, 40 files).
func New(maxDiffLines, maxFilesTouched int) (*Classifier, error) {
	if maxDiffLines <= 0 {
		maxDiffLines = 800
	}
	if maxFilesTouched <= 0 {
		maxFilesTouched = 40
	}
	rules, err := loadStuckRules()
	if err != nil {
		return nil, err
	}
	return &Classifier{
		MaxDiffLines:    maxDiffLines,
		MaxFilesTouched: maxFilesTouched,
		stuckRules:      rules,
	}, nil
}

// Classify runs the decision tree. Budget exhaustion and agent errors map to
// FAILED; unanswered questions map to NEEDS_HUMAN; a clean run maps to NOOP
// when the tree is untouched, else SUCCESS.
func (c *Classifier) Classify(res *agent.ExecutionResult, stats domain.DiffStats) Result {
	if res.TimedOut {
		return Result{
			Status:       domain.AttemptFailed,
			ErrorMessage: "Execution timed out",
			RiskFlags:    []string{"TIMEOUT"},
		}
	}
	if res.BudgetExceeded {
		return Result{
			Status:       domain.AttemptFailed,
			ErrorMessage: "Tool call budget exceeded",
			RiskFlags:    []string{"BUDGET_EXCEEDED"},
		}
	}

	if questions := pendingQuestions(res); len(questions) > 0 {
		return Result{
			Status:      domain.AttemptNeedsHuman,
			Questions:   questions,
			Assumptions: c.extractAssumptions(res.FinalText),
			WhatChanged: stats.FilesTouched,
		}
	}

	if !res.Success {
		errMsg := "Unknown error"
		if e, ok := res.Output["error"].(string); ok && e != "" {
			errMsg = e
		}
		return Result{
			Status:       domain.AttemptFailed,
			ErrorMessage: fmt.Sprintf("Execution failed: %s", errMsg),
			RiskFlags:    []string{"EXECUTION_ERROR"},
		}
	}

	// Implicit stuck only applies when no real work was done, so a run that
	// touched files never degrades to NEEDS_HUMAN on phrasing alone.
	if stats.FilesCount() == 0 {
		if questions := c.detectStuck(res.FinalText); len(questions) > 0 {
			return Result{
				Status:      domain.AttemptNeedsHuman,
				Questions:   questions,
				Assumptions: c.extractAssumptions(res.FinalText),
			}
		}
	}

	var riskFlags []string
	if stats.TotalLines() > c.MaxDiffLines {
		riskFlags = append(riskFlags, fmt.Sprintf("DIFF_SIZE_EXCEEDED:%d", stats.TotalLines()))
	}
	if stats.FilesCount() > c.MaxFilesTouched {
		riskFlags = append(riskFlags, fmt.Sprintf("FILES_EXCEEDED:%d", stats.FilesCount()))
	}

	status := domain.AttemptSuccess
	if stats.FilesCount() == 0 {
		status = domain.AttemptNoop
	}
	return Result{
		Status:      status,
		PRURL:       prURLPattern.FindString(res.FinalText),
		WhatChanged: stats.FilesTouched,
		Assumptions: c.extractAssumptions(res.FinalText),
		RiskFlags:   riskFlags,
	}
}

// pendingQuestions returns the ask-user questions that were still unanswered
// when the run ended. A rendezvous that resolved during the run contributes
// nothing.
func pendingQuestions(res *agent.ExecutionResult) []Question {
	var out []Question
	for _, set := range res.QuestionsAsked {
		if set.Answered && !res.InterruptedForQuestions {
			continue
		}
		for _, q := range set.Questions {
			text := q.Question
			if text == "" {
				text = "Unknown question"
			}
			out = append(out, Question{Question: text, WhyNeeded: q.Header})
		}
	}
	return out
}

// detectStuck evaluates the embedded rule categories against the final text,
// at most one synthetic question per category.
func (c *Classifier) detectStuck(text string) []Question {
	var out []Question
	for _, rule := range c.stuckRules {
		for _, re := range rule.patterns {
			if re.MatchString(text) {
				out = append(out, Question{
					Question:  fmt.Sprintf("Clarification needed (%s)", rule.name),
					WhyNeeded: fmt.Sprintf("Detected %s pattern in output", rule.name),
					Evidence:  []string{re.String()},
				})
				break
			}
		}
	}
	return out
}

func (c *Classifier) extractAssumptions(text string) []string {
	var out []string
	for _, re := range assumptionPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			out = append(out, m[1])
			if len(out) >= maxAssumptions {
				return out
			}
		}
	}
	return out
}
