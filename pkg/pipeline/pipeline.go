package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"conversation-intervention-engine/pkg/classifier"
	"conversation-intervention-engine/pkg/metrics"
	"conversation-intervention-engine/pkg/models"
	"conversation-intervention-engine/pkg/response"
	"conversation-intervention-engine/pkg/state"
	"conversation-intervention-engine/pkg/timing"
	"conversation-intervention-engine/pkg/tone"
)

// Store persists an Agent reply exactly once per message id
type Store interface {
	Persist(ctx context.Context, messageID string, out models.OutgoingMessage) (models.Message, error)
}

// PhaseReader reads the scheduler-owned phase; "" means no record
type PhaseReader interface {
	Phase(ctx context.Context, conversationID string) (models.Phase, error)
}

// ActivityTracker keeps the cluster-wide registry of active conversations
type ActivityTracker interface {
	Touch(ctx context.Context, conversationID string, at time.Time) error
	Remove(ctx context.Context, conversationID string) error
}

// Recorder stores notes for later memory lookups
type Recorder interface {
	Remember(ctx context.Context, conversationID, note string) error
}

// History reads the persisted Agent replies of a conversation, oldest first
type History interface {
	Recent(ctx context.Context, conversationID string, limit int64) ([]models.Message, error)
}

// Exclusive serializes a conversation across processes
type Exclusive interface {
	WithLock(ctx context.Context, conversationID string, fn func(ctx context.Context) error) error
}

// Status is the result of one event
type Status string

const (
	StatusIgnored    Status = "ignored"
	StatusDuplicate  Status = "duplicate"
	StatusDropped    Status = "dropped"
	StatusSuppressed Status = "suppressed"
	StatusReplied    Status = "replied"
	StatusFailed     Status = "failed"
)

type Outcome struct {
	ConversationID string
	EventID        string
	Status         Status
	Reason         string
	Category       models.Category
	Source         response.Source
	Reply          *models.Message
	Duration       time.Duration
}

type Config struct {
	WindowSize    int
	LatencyBudget time.Duration
	PhaseTimeout  time.Duration
	MemoryTimeout time.Duration
}

// Deps are the stages and collaborators of the pipeline. Activity, Memory, History and Lock are optional.
type Deps struct {
	Classifier *classifier.Classifier
	Scorer     *tone.Scorer
	Policy     *timing.Policy
	Selector   *response.Selector
	Store      Store
	Phases     PhaseReader
	Activity   ActivityTracker
	Memory     Recorder
	History    History
	Lock       Exclusive
}

// Pipeline runs the classification to response cycle for every inbound event
type Pipeline struct {
	cfg     Config
	deps    Deps
	arena   *Arena
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(cfg Config, deps Deps, logger *logrus.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		deps:    deps,
		arena:   NewArena(cfg.WindowSize, m),
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Submit queues the event on its conversation's lane and returns immediately.
// done, if set, is called on the lane once the cycle finishes.
func (p *Pipeline) Submit(ctx context.Context, ev models.InboundEvent, done func(Outcome, error)) error {
	if done == nil {
		done = func(Outcome, error) {}
	}
	if ev.ConversationID == "" {
		return fmt.Errorf("event %s has no conversation id", ev.ID)
	}

	if outcome, skip := p.screen(ev); skip {
		p.metrics.CyclesTotal.WithLabelValues(string(outcome.Status)).Inc()
		done(outcome, nil)
		return nil
	}

	return p.arena.Do(ev.ConversationID, func(st *state.ConversationState) {
		outcome, err := p.run(ctx, st, ev)
		p.metrics.CyclesTotal.WithLabelValues(string(outcome.Status)).Inc()
		done(outcome, err)
	})
}

// Process submits the event and waits for its cycle
func (p *Pipeline) Process(ctx context.Context, ev models.InboundEvent) (Outcome, error) {
	type result struct {
		outcome Outcome
		err     error
	}
	ch := make(chan result, 1)
	err := p.Submit(ctx, ev, func(o Outcome, err error) {
		ch <- result{outcome: o, err: err}
	})
	if err != nil {
		return Outcome{ConversationID: ev.ConversationID, EventID: ev.ID, Status: StatusFailed}, err
	}
	select {
	case r := <-ch:
		return r.outcome, r.err
	case <-ctx.Done():
		return Outcome{ConversationID: ev.ConversationID, EventID: ev.ID, Status: StatusFailed}, ctx.Err()
	}
}

// screen rejects events that must never reach the conversation state
func (p *Pipeline) screen(ev models.InboundEvent) (Outcome, bool) {
	outcome := Outcome{ConversationID: ev.ConversationID, EventID: ev.ID}

	if ev.SenderRole == models.RoleAgent {
		outcome.Status, outcome.Reason = StatusIgnored, "agent_message"
		return outcome, true
	}
	if !ev.IsWhisper {
		return outcome, false
	}

	// a reply to a whisper goes back to its sender, and the whisper itself must name
	// who may see it
	reason := ""
	switch {
	case ev.SenderID == "":
		reason = "whisper_without_sender"
	case ev.RecipientID == "":
		reason = "whisper_without_recipient"
	default:
		return outcome, false
	}
	p.logger.WithFields(logrus.Fields{
		"conversation_id": ev.ConversationID,
		"event_id":        ev.ID,
		"reason":          reason,
	}).Warn("Dropping malformed whisper")
	outcome.Status, outcome.Reason = StatusDropped, reason
	return outcome, true
}

func (p *Pipeline) run(ctx context.Context, st *state.ConversationState, ev models.InboundEvent) (Outcome, error) {
	if p.deps.Lock == nil {
		return p.cycle(ctx, st, ev)
	}

	var (
		outcome Outcome
		cycErr  error
	)
	err := p.deps.Lock.WithLock(ctx, ev.ConversationID, func(ctx context.Context) error {
		outcome, cycErr = p.cycle(ctx, st, ev)
		return nil
	})
	if err != nil {
		p.logger.WithError(err).WithField("conversation_id", ev.ConversationID).Error("Failed to acquire conversation lock")
		return Outcome{ConversationID: ev.ConversationID, EventID: ev.ID, Status: StatusFailed, Reason: "lock"}, err
	}
	return outcome, cycErr
}

func (p *Pipeline) cycle(ctx context.Context, st *state.ConversationState, ev models.InboundEvent) (Outcome, error) {
	start := p.now()
	outcome := Outcome{ConversationID: ev.ConversationID, EventID: ev.ID}
	msg := ev.Message()

	log := p.logger.WithFields(logrus.Fields{
		"conversation_id": ev.ConversationID,
		"event_id":        ev.ID,
		"sender_role":     ev.SenderRole,
	})

	if st.Window.Contains(msg.ID) {
		outcome.Status, outcome.Reason = StatusDuplicate, "already_in_window"
		return outcome, nil
	}

	p.touch(ctx, ev.ConversationID, start)
	p.restore(ctx, st)
	phase := p.readPhase(ctx, st)

	history := st.Window.Messages()
	st.Observe(msg)

	cls := p.deps.Classifier.Classify(msg.Body, msg.SenderRole, history)
	tr := p.deps.Scorer.Score(ctx, st, cls)
	decision := p.deps.Policy.Decide(phase, tr, st, p.now())

	outcome.Category = decision.Category
	outcome.Reason = string(decision.Reason)

	log = log.WithFields(logrus.Fields{
		"phase":     phase,
		"behavior":  cls.Kind.String(),
		"category":  decision.Category,
		"intensity": tr.Intensity,
		"urgent":    tr.Urgent,
		"flagged":   tr.Flagged,
		"tone_path": tr.Path,
		"reason":    decision.Reason,
	})

	if !decision.Respond {
		outcome.Status = StatusSuppressed
		outcome.Duration = p.finish(start, log, outcome.Status)
		return outcome, nil
	}

	viewer := ""
	if msg.IsWhisper {
		viewer = msg.SenderID
	}
	req := response.Request{
		ConversationID: ev.ConversationID,
		Category:       decision.Category,
		Phase:          phase,
		Whisper:        msg.IsWhisper,
		RecipientID:    viewer,
		Window:         st.Window.Visible(viewer, 0),
		Latest:         msg,
		Variant:        st.Replies,
	}
	sel := p.deps.Selector.Select(ctx, req)
	outcome.Source = sel.Source

	saved, err := p.deps.Store.Persist(ctx, replyID(ev.ID), sel.Message)
	if err != nil {
		p.metrics.PersistenceFailures.Inc()
		outcome.Status, outcome.Reason = StatusFailed, "persistence"
		outcome.Duration = p.finish(start, log.WithError(err), outcome.Status)
		return outcome, err
	}

	st.RecordReply(saved, decision.Category, p.now())
	p.remember(ctx, ev.ConversationID, decision.Category, msg, sel.Source)

	outcome.Status = StatusReplied
	outcome.Reply = &saved
	outcome.Duration = p.finish(start, log.WithField("source", sel.Source), outcome.Status)
	return outcome, nil
}

// finish records the cycle duration; a budget overrun is only a warning
func (p *Pipeline) finish(start time.Time, log *logrus.Entry, status Status) time.Duration {
	elapsed := p.now().Sub(start)
	p.metrics.CycleDuration.Observe(elapsed.Seconds())

	log = log.WithFields(logrus.Fields{
		"status":     status,
		"elapsed_ms": elapsed.Milliseconds(),
	})

	switch {
	case status == StatusFailed:
		log.Error("Intervention cycle failed, dropping")
	case elapsed > p.cfg.LatencyBudget:
		p.metrics.LatencyBudgetOverruns.Inc()
		log.Warn("Intervention cycle exceeded latency budget")
	case status == StatusReplied:
		log.Info("Agent intervention sent")
	default:
		log.Debug("Intervention suppressed")
	}
	return elapsed
}

// readPhase falls back to the last known phase when the read fails or finds nothing
func (p *Pipeline) readPhase(ctx context.Context, st *state.ConversationState) models.Phase {
	if p.deps.Phases == nil {
		return st.Phase
	}
	readCtx, cancel := context.WithTimeout(ctx, p.cfg.PhaseTimeout)
	defer cancel()

	phase, err := p.deps.Phases.Phase(readCtx, st.ConversationID)
	if err != nil {
		p.logger.WithError(err).WithField("conversation_id", st.ConversationID).Debug("Phase read failed, using last known phase")
		return st.Phase
	}
	if phase != "" {
		st.Phase = phase
	}
	return st.Phase
}

// restore seeds a fresh state with the last persisted reply so the cooldown holds after
// the conversation moves to another pod. A failed read is retried on the next event.
func (p *Pipeline) restore(ctx context.Context, st *state.ConversationState) {
	if p.deps.History == nil || st.Restored {
		return
	}
	readCtx, cancel := context.WithTimeout(ctx, p.cfg.PhaseTimeout)
	defer cancel()

	recent, err := p.deps.History.Recent(readCtx, st.ConversationID, 1)
	if err != nil {
		p.logger.WithError(err).WithField("conversation_id", st.ConversationID).Debug("Failed to read reply history")
		return
	}
	var last time.Time
	if len(recent) > 0 {
		last = recent[len(recent)-1].CreatedAt
	}
	st.Restore(last)
}

func (p *Pipeline) touch(ctx context.Context, conversationID string, at time.Time) {
	if p.deps.Activity == nil {
		return
	}
	touchCtx, cancel := context.WithTimeout(ctx, p.cfg.PhaseTimeout)
	defer cancel()
	if err := p.deps.Activity.Touch(touchCtx, conversationID, at); err != nil {
		p.logger.WithError(err).WithField("conversation_id", conversationID).Debug("Failed to record activity")
	}
}

func (p *Pipeline) remember(ctx context.Context, conversationID string, category models.Category, msg models.Message, source response.Source) {
	if p.deps.Memory == nil || category == models.CategoryPositive || category == models.CategoryGeneric {
		return
	}
	memCtx, cancel := context.WithTimeout(ctx, p.cfg.MemoryTimeout)
	defer cancel()

	note := fmt.Sprintf("%s from %s: %q", category, msg.SenderRole, msg.Body)
	if err := p.deps.Memory.Remember(memCtx, conversationID, note); err != nil {
		p.metrics.MemoryLookups.WithLabelValues("write_error").Inc()
		p.logger.WithError(err).WithFields(logrus.Fields{
			"conversation_id": conversationID,
			"source":          source,
		}).Debug("Failed to record memory note")
	}
}

// End evicts the conversation state once in-flight cycles have finished
func (p *Pipeline) End(ctx context.Context, conversationID string) error {
	if err := p.arena.Evict(conversationID); err != nil {
		return err
	}
	if p.deps.Activity != nil {
		if err := p.deps.Activity.Remove(ctx, conversationID); err != nil {
			return fmt.Errorf("failed to remove conversation from registry: %w", err)
		}
	}
	p.logger.WithField("conversation_id", conversationID).Info("Conversation state evicted")
	return nil
}

// Window returns the messages participantID can see, read through the conversation's lane.
// An empty participant returns broadcast context. Unknown conversations have no window.
func (p *Pipeline) Window(ctx context.Context, conversationID, participantID string) ([]models.Message, error) {
	ch := make(chan []models.Message, 1)
	ok, err := p.arena.Visit(conversationID, func(st *state.ConversationState) {
		ch <- st.Window.Visible(participantID, 0)
	})
	if err != nil || !ok {
		return nil, err
	}
	select {
	case msgs := <-ch:
		return msgs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Sweep evicts local states idle for longer than maxIdle
func (p *Pipeline) Sweep(maxIdle time.Duration) (int, error) {
	evicted, err := p.arena.EvictIdle(p.now().Add(-maxIdle))
	if err != nil {
		return 0, err
	}
	if evicted > 0 {
		p.logger.WithField("evicted", evicted).Info("Evicted idle conversation states")
	}
	return evicted, nil
}

// Release drops the local states of conversations this pod stopped owning, so a later
// owner change starts them again from persisted history
func (p *Pipeline) Release(match func(conversationID string) bool) (int, error) {
	released, err := p.arena.EvictMatching(match)
	if err != nil {
		return 0, err
	}
	if released > 0 {
		p.logger.WithField("released", released).Info("Released conversation states")
	}
	return released, nil
}

func (p *Pipeline) Active() int {
	return p.arena.Len()
}

// Close stops accepting events and waits for queued cycles
func (p *Pipeline) Close() {
	p.arena.Close()
}

// replyID derives the reply id from the inbound event id so a redelivered event can never
// persist a second reply
func replyID(eventID string) string {
	if eventID == "" {
		return uuid.New().String()
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("reply:"+eventID)).String()
}
