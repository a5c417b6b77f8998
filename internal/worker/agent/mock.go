package agent

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Mock scenario names accepted via configuration.
const (
	ScenarioSuccess         = "success"
	ScenarioAskUserQuestion = "ask_user_question"
	ScenarioNeedsHuman      = "needs_human"
	ScenarioError           = "error"
)

// MockClient replays a scripted scenario in place of the real subprocess. It
// honours the permission hook the same way the subprocess client does, so the
// ask-user rendezvous is exercised end to end without an agent binary.
type MockClient struct {
	Scenario     string
	MessageDelay time.Duration

	interrupted atomic.Bool
}

// NewMockClient builds a mock session for the named scenario. Unknown names
// fall back to the success scenario.
func NewMockClient(scenario string) *MockClient {
	return &MockClient{Scenario: scenario, MessageDelay: 10 * time.Millisecond}
}

type mockScenario struct {
	messages     []Message
	continuation []Message
}

func (m *MockClient) Start(ctx context.Context, _ string, onPermission PermissionFunc) (<-chan Message, error) {
	sc := m.buildScenario()
	out := make(chan Message, 4)
	go m.replay(ctx, sc, out, onPermission)
	return out, nil
}

func (m *MockClient) replay(ctx context.Context, sc mockScenario, out chan<- Message, onPermission PermissionFunc) {
	defer close(out)
	deliver := func(msg Message) bool {
		if m.interrupted.Load() {
			return false
		}
		select {
		case <-time.After(m.MessageDelay):
		case <-ctx.Done():
			return false
		}
		select {
		case out <- msg:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for _, msg := range sc.messages {
		if !deliver(msg) {
			return
		}
		asst, ok := msg.(AssistantMessage)
		if !ok {
			continue
		}
		// Pre-tool permission check, mirroring the subprocess protocol.
		for _, block := range asst.Content {
			tu, ok := block.(ToolUseBlock)
			if !ok || onPermission == nil {
				continue
			}
			decision := onPermission(ctx, tu.Name, tu.Input)
			if !decision.Allow {
				if decision.Interrupt {
					m.interrupted.Store(true)
				}
				return
			}
			if tu.Name == AskUserTool && decision.UpdatedInput != nil {
				// The tool ran with injected answers; report them back.
				answers, _ := json.Marshal(decision.UpdatedInput["answers"])
				if !deliver(UserMessage{Content: []ContentBlock{
					ToolResultBlock{ToolUseID: tu.ID, Content: string(answers)},
				}}) {
					return
				}
			}
		}
	}

	for _, msg := range sc.continuation {
		if !deliver(msg) {
			return
		}
	}
}

func (m *MockClient) Interrupt(_ context.Context) error {
	m.interrupted.Store(true)
	return nil
}

func (m *MockClient) Close() error { return nil }

func (m *MockClient) buildScenario() mockScenario {
	switch m.Scenario {
	case ScenarioAskUserQuestion, ScenarioNeedsHuman:
		return askUserScenario()
	case ScenarioError:
		return errorScenario()
	default:
		return successScenario()
	}
}

func mockToolID() string {
	return "toolu_" + uuid.New().String()[:12]
}

func mockSessionID() string {
	return "mock_" + uuid.New().String()[:8]
}

func successScenario() mockScenario {
	toolID := mockToolID()
	return mockScenario{
		messages: []Message{
			SystemMessage{Subtype: "init"},
			AssistantMessage{
				Model: "claude-sonnet-4-20250514",
				Content: []ContentBlock{
					TextBlock{Text: "Let me analyze the task and explore the codebase."},
					ToolUseBlock{ID: toolID, Name: "Glob", Input: map[string]any{"pattern": "**/*.go"}},
				},
			},
			UserMessage{Content: []ContentBlock{
				ToolResultBlock{ToolUseID: toolID, Content: "cmd/server/main.go\ninternal/api/server.go"},
			}},
			AssistantMessage{
				Model: "claude-sonnet-4-20250514",
				Content: []ContentBlock{
					TextBlock{Text: "Based on my analysis, here's the implementation spec:\n\n## Summary\nThis task requires updating the main module.\n\n## Files to Modify\n- internal/api/server.go"},
				},
			},
			ResultMessage{
				Subtype: "success", SessionID: mockSessionID(), NumTurns: 2,
				TotalCostUSD: 0.05, DurationMS: 1000, DurationAPIMS: 800,
				Usage: map[string]int{"input_tokens": 1000, "output_tokens": 500},
			},
		},
	}
}

func askUserScenario() mockScenario {
	exploreID, readID, askID := mockToolID(), mockToolID(), mockToolID()
	return mockScenario{
		messages: []Message{
			SystemMessage{Subtype: "init"},
			AssistantMessage{
				Model: "claude-sonnet-4-20250514",
				Content: []ContentBlock{
					TextBlock{Text: "Let me explore the codebase first."},
					ToolUseBlock{ID: exploreID, Name: "Glob", Input: map[string]any{"pattern": "**/*.go"}},
				},
			},
			UserMessage{Content: []ContentBlock{
				ToolResultBlock{ToolUseID: exploreID, Content: "cmd/server/main.go\ninternal/api/server.go"},
			}},
			AssistantMessage{
				Model: "claude-sonnet-4-20250514",
				Content: []ContentBlock{
					TextBlock{Text: "Let me read the main file."},
					ToolUseBlock{ID: readID, Name: "Read", Input: map[string]any{"file_path": "cmd/server/main.go"}},
				},
			},
			UserMessage{Content: []ContentBlock{
				ToolResultBlock{ToolUseID: readID, Content: "func main() {\n\tfmt.Println(\"hello\")\n}"},
			}},
			AssistantMessage{
				Model: "claude-sonnet-4-20250514",
				Content: []ContentBlock{
					TextBlock{Text: "I have some questions before proceeding with the implementation."},
					ToolUseBlock{ID: askID, Name: AskUserTool, Input: map[string]any{
						"questions": []any{
							map[string]any{
								"question": "Which database should I use for storing user data?",
								"header":   "Database",
								"options": []any{
									map[string]any{"label": "PostgreSQL", "description": "Relational database with strong consistency"},
									map[string]any{"label": "MongoDB", "description": "Document database with flexible schema"},
									map[string]any{"label": "SQLite", "description": "Lightweight file-based database"},
								},
								"multiSelect": false,
							},
							map[string]any{
								"question": "Should the API require authentication?",
								"header":   "Auth",
								"options": []any{
									map[string]any{"label": "Yes, JWT tokens", "description": "Secure with JSON Web Tokens"},
									map[string]any{"label": "Yes, API keys", "description": "Simple API key authentication"},
									map[string]any{"label": "No auth needed", "description": "Public API"},
								},
								"multiSelect": false,
							},
						},
					}},
				},
			},
		},
		continuation: []Message{
			AssistantMessage{
				Model: "claude-sonnet-4-20250514",
				Content: []ContentBlock{
					TextBlock{Text: "Thank you for the clarifications! Based on your answers, here's my implementation spec:\n\n## Summary\nI will implement the feature using the database and authentication approach you specified.\n\n## Files to Modify\n- internal/api/server.go\n- internal/storage/store.go (new)\n- internal/auth/middleware.go (new)"},
				},
			},
			ResultMessage{
				Subtype: "success", SessionID: mockSessionID(), NumTurns: 4,
				TotalCostUSD: 0.08, DurationMS: 2000, DurationAPIMS: 1600,
				Usage: map[string]int{"input_tokens": 2000, "output_tokens": 800},
			},
		},
	}
}

func errorScenario() mockScenario {
	toolID := mockToolID()
	return mockScenario{
		messages: []Message{
			SystemMessage{Subtype: "init"},
			AssistantMessage{
				Model: "claude-sonnet-4-20250514",
				Content: []ContentBlock{
					TextBlock{Text: "Let me check the repository."},
					ToolUseBlock{ID: toolID, Name: "Bash", Input: map[string]any{"command": "git status"}},
				},
			},
			UserMessage{Content: []ContentBlock{
				ToolResultBlock{ToolUseID: toolID, Content: "fatal: not a git repository"},
			}},
			ResultMessage{
				Subtype: "error", SessionID: mockSessionID(), IsError: true, NumTurns: 1,
				TotalCostUSD: 0.01, DurationMS: 500, DurationAPIMS: 400,
				Usage: map[string]int{"input_tokens": 500, "output_tokens": 100},
			},
		},
	}
}
