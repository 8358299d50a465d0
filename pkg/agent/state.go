package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dotsetgreg/dotrag/pkg/providers"
	"github.com/dotsetgreg/dotrag/pkg/retrieval"
)

var (
	// ErrUnknownCategory means the classifier answered outside the closed set.
	ErrUnknownCategory = errors.New("unknown conversation category")
	// ErrEmptyPlan means the planner produced no research steps.
	ErrEmptyPlan = errors.New("research plan is empty")
	// ErrEmptyHistory means a turn was started without messages.
	ErrEmptyHistory = errors.New("conversation history is empty")
)

// Category is the router's decision for a turn.
type Category string

const (
	CategoryNeedsClarification Category = "needs-clarification"
	CategoryGeneral            Category = "general"
	CategoryInDomain           Category = "in-domain"
)

// Categories lists the closed set in prompt order.
func Categories() []Category {
	return []Category{CategoryNeedsClarification, CategoryGeneral, CategoryInDomain}
}

// ParseCategory accepts exactly the closed set; anything else is an
// integration error and is never mapped to a default.
func ParseCategory(raw string) (Category, error) {
	c := Category(strings.TrimSpace(raw))
	for _, known := range Categories() {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, raw)
}

// Stage tracks where a turn is in the graph.
type Stage string

const (
	StageNew         Stage = ""
	StageRouted      Stage = "routed"
	StageResearching Stage = "researching"
	StageDone        Stage = "done"
	StageAnswered    Stage = "answered"
	StageClarifying  Stage = "clarifying"
)

// ConversationState is owned by one turn and never shared.
type ConversationState struct {
	Messages  []providers.Message  `json:"messages"`
	Category  Category             `json:"category,omitempty"`
	Rationale string               `json:"rationale,omitempty"`
	Plan      []string             `json:"plan"`
	Evidence  []retrieval.Document `json:"evidence"`
	Stage     Stage                `json:"stage"`
}

func NewConversationState(messages []providers.Message) *ConversationState {
	return &ConversationState{
		Messages: append([]providers.Message(nil), messages...),
		Plan:     []string{},
		Evidence: []retrieval.Document{},
	}
}

// LastUserMessage returns the most recent user content.
func (s *ConversationState) LastUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == "user" {
			return s.Messages[i].Content
		}
	}
	return ""
}

func (s *ConversationState) appendAssistant(content string) {
	s.Messages = append(s.Messages, providers.Message{Role: "assistant", Content: content})
}
