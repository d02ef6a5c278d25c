package timing

import (
	"time"

	"conversation-intervention-engine/pkg/models"
	"conversation-intervention-engine/pkg/state"
	"conversation-intervention-engine/pkg/tone"
)

// Reason explains a timing decision, used for logs and metrics labels
type Reason string

const (
	ReasonSevere          Reason = "severe_escalation"
	ReasonUrgent          Reason = "urgent"
	ReasonThresholdMet    Reason = "threshold_met"
	ReasonDirected        Reason = "directed"
	ReasonFlagged         Reason = "flagged"
	ReasonPhaseSuppressed Reason = "phase_suppressed"
	ReasonBelowThreshold  Reason = "below_threshold"
	ReasonTooFewMessages  Reason = "too_few_messages"
	ReasonCooldown        Reason = "cooldown"
	ReasonUnknownPhase    Reason = "unknown_phase"
)

type Config struct {
	ResponseThreshold         float64
	MinMessagesBeforeResponse int
	Cooldown                  time.Duration
}

type Decision struct {
	Respond  bool
	Category models.Category
	Reason   Reason
}

// Policy is the phase-gated respond/suppress state machine. It only reads state.
type Policy struct {
	cfg Config
}

func NewPolicy(cfg Config) *Policy {
	return &Policy{cfg: cfg}
}

func (p *Policy) Decide(phase models.Phase, tr tone.Result, st *state.ConversationState, now time.Time) Decision {
	severe := tr.Category == models.CategoryEscalationSevere

	switch phase {
	case models.PhaseIntro:
		if severe {
			return respond(tr, ReasonSevere)
		}
		if tr.Category == models.CategoryPositive {
			return p.standard(tr, st, now)
		}
		return suppress(tr, ReasonPhaseSuppressed)

	case models.PhaseWrapUp:
		if severe {
			return respond(tr, ReasonSevere)
		}
		return suppress(tr, ReasonPhaseSuppressed)

	case models.PhaseEscalation:
		if severe {
			return respond(tr, ReasonSevere)
		}
		return p.live(tr, st, now)

	case models.PhaseLive:
		return p.live(tr, st, now)

	default:
		return suppress(tr, ReasonUnknownPhase)
	}
}

// live lets urgency bypass the cooldown and message-count gates
func (p *Policy) live(tr tone.Result, st *state.ConversationState, now time.Time) Decision {
	if tr.Urgent {
		return respond(tr, ReasonUrgent)
	}
	return p.standard(tr, st, now)
}

// standard applies the threshold, message-count and cooldown gates.
// A message whispered to the Agent skips the first two and a flagged message skips
// the message-count gate; neither ever skips the cooldown.
func (p *Policy) standard(tr tone.Result, st *state.ConversationState, now time.Time) Decision {
	if !tr.Directed {
		if tr.Intensity < p.cfg.ResponseThreshold {
			return suppress(tr, ReasonBelowThreshold)
		}
		if !tr.Flagged && st.MessagesSinceLastReply < p.cfg.MinMessagesBeforeResponse {
			return suppress(tr, ReasonTooFewMessages)
		}
	}
	if st.HasReplied() && now.Sub(st.LastReplyAt) < p.cfg.Cooldown {
		return suppress(tr, ReasonCooldown)
	}
	if tr.Directed {
		return respond(tr, ReasonDirected)
	}
	if tr.Flagged && st.MessagesSinceLastReply < p.cfg.MinMessagesBeforeResponse {
		return respond(tr, ReasonFlagged)
	}
	return respond(tr, ReasonThresholdMet)
}

func respond(tr tone.Result, reason Reason) Decision {
	return Decision{Respond: true, Category: tr.Category, Reason: reason}
}

func suppress(tr tone.Result, reason Reason) Decision {
	return Decision{Respond: false, Category: tr.Category, Reason: reason}
}
