package models

import (
	"fmt"
	"strings"
	"time"
)

// SenderRole identifies who authored a message
type SenderRole string

const (
	RolePartyA SenderRole = "PartyA"
	RolePartyB SenderRole = "PartyB"
	RoleAgent  SenderRole = "Agent"
)

// ParseSenderRole accepts the canonical names plus the short A/B forms used by upstream feeds
func ParseSenderRole(raw string) (SenderRole, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "a", "partya", "party_a", "initiator":
		return RolePartyA, nil
	case "b", "partyb", "party_b", "invitee":
		return RolePartyB, nil
	case "agent", "glovy":
		return RoleAgent, nil
	default:
		return "", fmt.Errorf("unknown sender role %q", raw)
	}
}

// Phase is the conversation lifecycle phase, set by the external scheduler
type Phase string

const (
	PhaseIntro      Phase = "Intro"
	PhaseLive       Phase = "Live"
	PhaseEscalation Phase = "Escalation"
	PhaseWrapUp     Phase = "WrapUp"
)

func ParsePhase(raw string) (Phase, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "intro", "pre_match_intro":
		return PhaseIntro, nil
	case "live":
		return PhaseLive, nil
	case "escalation":
		return PhaseEscalation, nil
	case "wrapup", "wrap_up":
		return PhaseWrapUp, nil
	default:
		return "", fmt.Errorf("unknown phase %q", raw)
	}
}

// EscalationTier represents how heated a conversation is
type EscalationTier int

const (
	TierNone     EscalationTier = 0
	TierLow      EscalationTier = 1
	TierModerate EscalationTier = 2
	TierSevere   EscalationTier = 3
)

func (t EscalationTier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierModerate:
		return "moderate"
	case TierSevere:
		return "severe"
	default:
		return "none"
	}
}

// Category steers response selection: a behavior tier or a tone-driven generic intervention
type Category string

const (
	CategoryInterruption       Category = "interruption"
	CategoryContempt           Category = "contempt"
	CategoryStonewalling       Category = "stonewalling"
	CategoryPositive           Category = "positive"
	CategoryRepetition         Category = "repetition"
	CategoryEscalationLow      Category = "escalation_low"
	CategoryEscalationModerate Category = "escalation_moderate"
	CategoryEscalationSevere   Category = "escalation_severe"
	CategoryGeneric            Category = "generic"
)

// EscalationCategory maps an escalation tier to its category
func EscalationCategory(tier EscalationTier) Category {
	switch tier {
	case TierSevere:
		return CategoryEscalationSevere
	case TierModerate:
		return CategoryEscalationModerate
	default:
		return CategoryEscalationLow
	}
}

// Tier returns the escalation tier carried by the category, TierNone for non-escalation categories
func (c Category) Tier() EscalationTier {
	switch c {
	case CategoryEscalationLow:
		return TierLow
	case CategoryEscalationModerate:
		return TierModerate
	case CategoryEscalationSevere:
		return TierSevere
	default:
		return TierNone
	}
}

const MessageTypeText = "text"

// Message is an immutable conversation message
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderRole     SenderRole `json:"sender_role"`
	SenderID       string     `json:"sender_id,omitempty"`
	RecipientID    string     `json:"recipient_id,omitempty"`
	Persona        string     `json:"persona,omitempty"`
	Body           string     `json:"body"`
	MessageType    string     `json:"message_type"`
	IsWhisper      bool       `json:"is_whisper"`
	CreatedAt      time.Time  `json:"created_at"`
}

// VisibleTo reports whether a participant can see the message.
// An empty participant means broadcast context, which never includes whispers.
func (m Message) VisibleTo(participantID string) bool {
	if !m.IsWhisper {
		return true
	}
	if participantID == "" {
		return false
	}
	return m.SenderID == participantID || m.RecipientID == participantID
}

// Conversation is the read-only view of a session the core consumes
type Conversation struct {
	ID        string            `json:"id"`
	Phase     Phase             `json:"phase"`
	PartyAID  string            `json:"party_a_id"`
	PartyBID  string            `json:"party_b_id"`
	StartedAt time.Time         `json:"started_at,omitempty"`
	EndedAt   time.Time         `json:"ended_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// InboundEvent represents a message-arrived event delivered by the upstream feed
type InboundEvent struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderRole     SenderRole `json:"sender_role"`
	SenderID       string     `json:"sender_id,omitempty"`
	RecipientID    string     `json:"recipient_id,omitempty"`
	Body           string     `json:"body"`
	MessageType    string     `json:"message_type"`
	IsWhisper      bool       `json:"is_whisper"`
	CreatedAt      time.Time  `json:"created_at"`
}

func (e InboundEvent) Message() Message {
	messageType := e.MessageType
	if messageType == "" {
		messageType = MessageTypeText
	}
	return Message{
		ID:             e.ID,
		ConversationID: e.ConversationID,
		SenderRole:     e.SenderRole,
		SenderID:       e.SenderID,
		RecipientID:    e.RecipientID,
		Body:           e.Body,
		MessageType:    messageType,
		IsWhisper:      e.IsWhisper,
		CreatedAt:      e.CreatedAt,
	}
}

// OutgoingMessage is an Agent intervention ready to be persisted.
// SenderID is always nil for Agent messages.
type OutgoingMessage struct {
	ConversationID string     `json:"conversation_id"`
	SenderID       *string    `json:"sender_id"`
	SenderRole     SenderRole `json:"sender_role"`
	Persona        string     `json:"persona"`
	RecipientID    *string    `json:"recipient_id,omitempty"`
	Body           string     `json:"body"`
	MessageType    string     `json:"message_type"`
	IsWhisper      bool       `json:"is_whisper"`
}

// LifecycleEvent is published by the scheduler when a conversation changes state
type LifecycleEvent struct {
	ConversationID string    `json:"conversation_id"`
	Type           string    `json:"type"`
	Phase          Phase     `json:"phase,omitempty"`
	At             time.Time `json:"at"`
}

const (
	LifecycleEnded       = "ended"
	LifecycleArchived    = "archived"
	LifecyclePhaseChange = "phase_changed"
)
