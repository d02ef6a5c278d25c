package state

import (
	"time"

	"conversation-intervention-engine/pkg/models"
)

// ConversationState is the per-conversation rolling state owned by the pipeline
type ConversationState struct {
	ConversationID         string
	Phase                  models.Phase
	Window                 *Window
	MessagesSinceLastReply int
	LastReplyAt            time.Time
	LastCategory           models.Category
	RepeatCount            int
	EscalationTier         models.EscalationTier
	Replies                int
	// Restored is set once the state has been seeded from persisted replies
	Restored               bool
}

func NewConversationState(conversationID string, windowSize int) *ConversationState {
	return &ConversationState{
		ConversationID: conversationID,
		Phase:          models.PhaseLive,
		Window:         NewWindow(windowSize),
	}
}

// HasReplied reports whether the Agent has replied since the state was created
func (s *ConversationState) HasReplied() bool {
	return !s.LastReplyAt.IsZero()
}

// Restore seeds the reply clock from the last persisted Agent reply, if any
func (s *ConversationState) Restore(lastReplyAt time.Time) {
	if lastReplyAt.After(s.LastReplyAt) {
		s.LastReplyAt = lastReplyAt
	}
	s.Restored = true
}

// Observe appends a participant message and counts it toward the next reply
func (s *ConversationState) Observe(msg models.Message) {
	s.Window.Push(msg)
	s.MessagesSinceLastReply++
}

// RecordReply is applied only after an Agent reply has been persisted
func (s *ConversationState) RecordReply(reply models.Message, category models.Category, at time.Time) {
	if category == s.LastCategory {
		s.RepeatCount++
	} else {
		s.LastCategory = category
		s.RepeatCount = 1
	}
	s.EscalationTier = category.Tier()
	s.LastReplyAt = at
	s.MessagesSinceLastReply = 0
	s.Replies++
	s.Window.Push(reply)
}
