package state

import "conversation-intervention-engine/pkg/models"

// Window is a fixed-capacity rolling window of messages, oldest evicted on insert.
// It is not safe for concurrent use; the pipeline serializes access per conversation.
type Window struct {
	capacity int
	messages []models.Message
}

func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{
		capacity: capacity,
		messages: make([]models.Message, 0, capacity),
	}
}

func (w *Window) Push(msg models.Message) {
	if len(w.messages) == w.capacity {
		copy(w.messages, w.messages[1:])
		w.messages = w.messages[:len(w.messages)-1]
	}
	w.messages = append(w.messages, msg)
}

func (w *Window) Len() int {
	return len(w.messages)
}

func (w *Window) Capacity() int {
	return w.capacity
}

// Messages returns a copy, oldest first
func (w *Window) Messages() []models.Message {
	out := make([]models.Message, len(w.messages))
	copy(out, w.messages)
	return out
}

func (w *Window) Latest() (models.Message, bool) {
	if len(w.messages) == 0 {
		return models.Message{}, false
	}
	return w.messages[len(w.messages)-1], true
}

// History returns every message except the latest one
func (w *Window) History() []models.Message {
	if len(w.messages) == 0 {
		return nil
	}
	out := make([]models.Message, len(w.messages)-1)
	copy(out, w.messages[:len(w.messages)-1])
	return out
}

func (w *Window) Contains(messageID string) bool {
	if messageID == "" {
		return false
	}
	for _, m := range w.messages {
		if m.ID == messageID {
			return true
		}
	}
	return false
}

// Visible returns at most limit of the newest messages the participant may see.
// An empty participant selects broadcast context, which excludes every whisper.
func (w *Window) Visible(participantID string, limit int) []models.Message {
	visible := make([]models.Message, 0, len(w.messages))
	for _, m := range w.messages {
		if m.VisibleTo(participantID) {
			visible = append(visible, m)
		}
	}
	if limit > 0 && len(visible) > limit {
		visible = visible[len(visible)-limit:]
	}
	return visible
}
