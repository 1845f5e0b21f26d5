package models

import "time"

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

type AICategory string

const (
	AIInstruction AICategory = "INSTRUCTION"
	AIEscalation  AICategory = "ESCALATION"
	AIComplaint   AICategory = "COMPLAINT"
	AIUrgent      AICategory = "URGENT"
	AICasual      AICategory = "CASUAL"
)

var AICategories = []AICategory{AIInstruction, AIEscalation, AIComplaint, AIUrgent, AICasual}

type DispatchState string

const (
	StateRouted       DispatchState = "routed"
	StateAcknowledged DispatchState = "acknowledged"
	StateTimedOut     DispatchState = "timed_out"
	StateEscalated    DispatchState = "escalated"
	StateAbandoned    DispatchState = "abandoned"
	StateFailed       DispatchState = "failed"
)

// Terminal reports whether no further transition can leave the state.
func (s DispatchState) Terminal() bool {
	switch s {
	case StateAcknowledged, StateAbandoned, StateFailed:
		return true
	}
	return false
}

type Keyword struct {
	Lang string `json:"lang" yaml:"lang"`
	Text string `json:"text" yaml:"text" validate:"required"`
}

type Category struct {
	ID                  string    `json:"id" yaml:"id" validate:"required"`
	Name                string    `json:"name" yaml:"name" validate:"required"`
	Department          string    `json:"department" yaml:"department"`
	Keywords            []Keyword `json:"keywords" yaml:"keywords,omitempty" validate:"dive"`
	PriorityWeight      int       `json:"priority_weight" yaml:"priority_weight" validate:"min=1,max=5"`
	EscalationThreshold int       `json:"escalation_threshold" yaml:"escalation_threshold" validate:"min=0"`
	IsActive            bool      `json:"is_active" yaml:"is_active"`
}

type Channel struct {
	ID            string `json:"id" yaml:"id" validate:"required"`
	Name          string `json:"name" yaml:"name" validate:"required"`
	DeliveryReady bool   `json:"delivery_ready" yaml:"delivery_ready"`
}

type RoutingRule struct {
	ID                       string       `json:"id" yaml:"id" validate:"required"`
	Name                     string       `json:"name" yaml:"name" validate:"required"`
	CategoryID               string       `json:"category_id" yaml:"category_id" validate:"required"`
	ChannelID                string       `json:"channel_id" yaml:"channel_id" validate:"required"`
	AcceptedAICategories     []AICategory `json:"accepted_ai_categories" yaml:"accepted_ai_categories,omitempty" validate:"dive,ai_category"`
	AcceptedSeverities       []Severity   `json:"accepted_severities" yaml:"accepted_severities" validate:"required,min=1,dive,severity"`
	Priority                 int          `json:"priority" yaml:"priority" validate:"min=1"`
	IsActive                 bool         `json:"is_active" yaml:"is_active"`
	EscalationEnabled        bool         `json:"escalation_enabled" yaml:"escalation_enabled"`
	EscalationTimeoutMinutes int          `json:"escalation_timeout_minutes" yaml:"escalation_timeout_minutes" validate:"min=0"`
}

// EscalationTimeout is the rule's acknowledgment window.
func (r RoutingRule) EscalationTimeout() time.Duration {
	return time.Duration(r.EscalationTimeoutMinutes) * time.Minute
}

// RawMessage is an inbound group message before classification.
type RawMessage struct {
	ID         string    `json:"id"`
	Text       string    `json:"text" validate:"required"`
	Sender     string    `json:"sender"`
	GroupID    string    `json:"group_id"`
	ReceivedAt time.Time `json:"received_at"`
}

type ClassifiedMessage struct {
	ID                   string     `json:"id" validate:"required"`
	Text                 string     `json:"text"`
	DetectedCategoryName string     `json:"detected_category_name"`
	AICategory           AICategory `json:"ai_category" validate:"required,ai_category"`
	Severity             Severity   `json:"severity" validate:"required,severity"`
	MatchedKeywords      []string   `json:"matched_keywords"`
	ReceivedAt           time.Time  `json:"received_at"`
}

type Transition struct {
	From   DispatchState `json:"from"`
	To     DispatchState `json:"to"`
	At     time.Time     `json:"at"`
	Reason string        `json:"reason,omitempty"`
}

type DispatchRecord struct {
	ID              string        `json:"id"`
	MessageID       string        `json:"message_id"`
	RuleID          string        `json:"rule_id"`
	ChannelID       string        `json:"channel_id"`
	DispatchedAt    time.Time     `json:"dispatched_at"`
	State           DispatchState `json:"state"`
	EscalationLevel int           `json:"escalation_level"`
	EscalatedAt     *time.Time    `json:"escalated_at,omitempty"`
	Attempts        int           `json:"attempts"`
	LastError       string        `json:"last_error,omitempty"`
	History         []Transition  `json:"history"`
}

type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Code       string         `json:"code"`
	MessageID  string         `json:"message_id,omitempty"`
	ChannelID  string         `json:"channel_id,omitempty"`
	RuleID     string         `json:"rule_id,omitempty"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}
