package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"conversation-intervention-engine/pkg/models"
	"conversation-intervention-engine/pkg/response"
)

// Publisher queues an inbound event for the pipeline
type Publisher interface {
	Publish(ctx context.Context, ev models.InboundEvent) (models.InboundEvent, error)
}

// Scheduler applies lifecycle changes pushed by the conversation scheduler
type Scheduler interface {
	SetPhase(ctx context.Context, conversationID string, phase models.Phase) error
	End(ctx context.Context, conversationID string) error
}

// Windows exposes the pod-local conversation states
type Windows interface {
	Window(ctx context.Context, conversationID, participantID string) ([]models.Message, error)
	Active() int
}

type QuickChooser interface {
	Suggest(ctx context.Context, req response.SuggestionRequest) ([]string, bool)
}

// Questionnaires serves the onboarding flows
type Questionnaires interface {
	Questions(ctx context.Context, flow response.Flow) ([]response.OnboardingQuestion, bool, error)
}

type ActivityCounter interface {
	Count(ctx context.Context) (int64, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Publisher  Publisher
	Scheduler  Scheduler
	Windows    Windows
	Choices    QuickChooser
	Onboarding Questionnaires
	Activity   ActivityCounter
	Redis      Pinger
}

type Handler struct {
	deps    Deps
	podID   string
	persona string
	logger  *logrus.Logger
}

func NewHandler(deps Deps, podID, persona string, logger *logrus.Logger) *Handler {
	return &Handler{
		deps:    deps,
		podID:   podID,
		persona: persona,
		logger:  logger,
	}
}

// messageRecord is a row of the upstream messages table; match_id is the legacy name
// for conversation_id
type messageRecord struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	MatchID        string    `json:"match_id"`
	SenderRole     string    `json:"sender_role"`
	SenderID       string    `json:"sender_id"`
	RecipientID    string    `json:"recipient_id"`
	Body           string    `json:"body"`
	MessageType    string    `json:"message_type"`
	IsWhisper      bool      `json:"is_whisper"`
	CreatedAt      time.Time `json:"created_at"`
}

func (r messageRecord) event() (models.InboundEvent, error) {
	role, err := models.ParseSenderRole(r.SenderRole)
	if err != nil {
		return models.InboundEvent{}, err
	}
	conversationID := r.ConversationID
	if conversationID == "" {
		conversationID = r.MatchID
	}
	return models.InboundEvent{
		ID:             r.ID,
		ConversationID: conversationID,
		SenderRole:     role,
		SenderID:       r.SenderID,
		RecipientID:    r.RecipientID,
		Body:           r.Body,
		MessageType:    r.MessageType,
		IsWhisper:      r.IsWhisper,
		CreatedAt:      r.CreatedAt,
	}, nil
}

// WebhookMessage accepts database change notifications; only inserts are processed
func (h *Handler) WebhookMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Type      string         `json:"type"`
		EventType string         `json:"eventType"`
		Record    *messageRecord `json:"record"`
		New       *messageRecord `json:"new"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	eventType := payload.Type
	if eventType == "" {
		eventType = payload.EventType
	}
	if eventType != "INSERT" {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "ignored",
			"reason": "not_insert_event",
		})
		return
	}

	record := payload.Record
	if record == nil {
		record = payload.New
	}
	if record == nil {
		http.Error(w, "No record in payload", http.StatusBadRequest)
		return
	}

	ev, err := record.event()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.accept(w, r, ev)
}

// ConversationMessage ingests one message for the conversation in the path
func (h *Handler) ConversationMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]
	if conversationID == "" {
		http.Error(w, "Missing conversation ID", http.StatusBadRequest)
		return
	}

	var record messageRecord
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	record.ConversationID = conversationID

	ev, err := record.event()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.accept(w, r, ev)
}

func (h *Handler) accept(w http.ResponseWriter, r *http.Request, ev models.InboundEvent) {
	if ev.ConversationID == "" {
		http.Error(w, "Missing conversation ID", http.StatusBadRequest)
		return
	}
	if ev.IsWhisper && (ev.SenderID == "" || ev.RecipientID == "") {
		http.Error(w, "Whisper requires sender_id and recipient_id", http.StatusBadRequest)
		return
	}

	ev, err := h.deps.Publisher.Publish(r.Context(), ev)
	if err != nil {
		h.logger.WithError(err).WithField("conversation_id", ev.ConversationID).Error("Failed to publish inbound event")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":          "accepted",
		"message_id":      ev.ID,
		"conversation_id": ev.ConversationID,
	})

	h.logger.WithFields(logrus.Fields{
		"conversation_id": ev.ConversationID,
		"event_id":        ev.ID,
		"sender_role":     ev.SenderRole,
	}).Debug("Accepted inbound message")
}

func (h *Handler) SetPhase(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]
	if conversationID == "" {
		http.Error(w, "Missing conversation ID", http.StatusBadRequest)
		return
	}

	var request struct {
		Phase string `json:"phase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	phase, err := models.ParsePhase(request.Phase)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.deps.Scheduler.SetPhase(r.Context(), conversationID, phase); err != nil {
		h.logger.WithError(err).WithField("conversation_id", conversationID).Error("Failed to set phase")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"conversation_id": conversationID,
		"phase":           phase,
	})
}

func (h *Handler) EndConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]
	if conversationID == "" {
		http.Error(w, "Missing conversation ID", http.StatusBadRequest)
		return
	}

	if err := h.deps.Scheduler.End(r.Context(), conversationID); err != nil {
		h.logger.WithError(err).WithField("conversation_id", conversationID).Error("Failed to end conversation")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"conversation_id": conversationID,
		"ended_at":        time.Now().UTC(),
	})
}

// QuickChoices suggests replies for a party. Failures degrade to the default list
// with a "warning" status rather than an error.
func (h *Handler) QuickChoices(w http.ResponseWriter, r *http.Request) {
	var request struct {
		ConversationID string `json:"conversation_id"`
		MatchID        string `json:"match_id"`
		SenderID       string `json:"sender_id"`
		SenderRole     string `json:"sender_role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.ConversationID == "" {
		request.ConversationID = request.MatchID
	}
	if request.ConversationID == "" || request.SenderID == "" {
		http.Error(w, "conversation_id and sender_id are required", http.StatusBadRequest)
		return
	}
	role, err := models.ParseSenderRole(request.SenderRole)
	if err != nil || role == models.RoleAgent {
		http.Error(w, "sender_role must be a conversation party", http.StatusBadRequest)
		return
	}

	window, err := h.deps.Windows.Window(r.Context(), request.ConversationID, request.SenderID)
	if err != nil {
		h.logger.WithError(err).WithField("conversation_id", request.ConversationID).Warn("Failed to read conversation window")
	}

	choices, generated := h.deps.Choices.Suggest(r.Context(), response.SuggestionRequest{
		ConversationID: request.ConversationID,
		SenderID:       request.SenderID,
		SenderRole:     role,
		Window:         window,
	})

	status := "success"
	if !generated {
		status = "warning"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": status,
		"data":   choices,
	})
}

// Onboarding returns the questionnaire of the flow in the path. Reworded questions fall
// back to the stored wording with a "warning" status.
func (h *Handler) Onboarding(w http.ResponseWriter, r *http.Request) {
	flow, err := response.ParseFlow(mux.Vars(r)["flow"])
	if err != nil {
		http.Error(w, "Unknown onboarding flow", http.StatusNotFound)
		return
	}

	questions, generated, err := h.deps.Onboarding.Questions(r.Context(), flow)
	if err != nil {
		h.logger.WithError(err).WithField("flow", flow).Error("Failed to load onboarding questions")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	status := "success"
	if !generated {
		status = "warning"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": status,
		"flow":   flow,
		"body":   questions,
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Redis.Ping(r.Context()); err != nil {
		http.Error(w, "Health check failed", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"pod_id":    h.podID,
		"timestamp": time.Now(),
	})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	count, err := h.deps.Activity.Count(r.Context())
	if err != nil {
		http.Error(w, "Failed to get status", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"running":              true,
		"pod_id":               h.podID,
		"persona":              h.persona,
		"active_conversations": count,
		"local_conversations":  h.deps.Windows.Active(),
		"timestamp":            time.Now(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
