package response

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Flow names an onboarding questionnaire
type Flow string

const (
	FlowSpar      Flow = "spar"
	FlowInitiator Flow = "initiator"
	FlowInvitee   Flow = "invitee"
	FlowPartner   Flow = "partner"
	FlowFeedback  Flow = "feedback"
)

var ErrUnknownFlow = errors.New("unknown onboarding flow")

// Animations the persona can play next to a question
var Animations = []string{"thinking", "nod", "celebration", "sad", "idle"}

// OnboardingQuestion is one step of a questionnaire. Whisper is the persona's aside
// shown under the question.
type OnboardingQuestion struct {
	Number             int      `json:"question_number"`
	Question           string   `json:"question"`
	Whisper            string   `json:"whisper"`
	InteractionPattern string   `json:"interaction_pattern"`
	Options            []string `json:"options,omitempty"`
	CustomInput        bool     `json:"custom_input"`
	Animation          string   `json:"animation"`
}

type questionTemplate struct {
	question string
	whisper  string
	pattern  string
	options  []string
}

var onboardingTemplates = map[Flow][]questionTemplate{
	FlowSpar: {
		{"What would you like to talk through today?", "Big or small, every topic counts.", "complex", []string{"Money", "Chores", "Family", "Time together"}},
		{"How are you feeling about it right now?", "No wrong answers here.", "single", []string{"Calm", "Nervous", "Frustrated", "Hopeful"}},
		{"What would a good outcome look like for you?", "Picture the end of the chat.", "complex", nil},
	},
	FlowInitiator: {
		{"Who are you inviting to this conversation?", "I'll keep things fair for both of you.", "single", []string{"Partner", "Friend", "Family member", "Roommate"}},
		{"What topic do you want to bring up?", "Naming it is the hardest part.", "complex", nil},
		{"How long has this been on your mind?", "Helps me pace things.", "single", []string{"Today", "A few days", "Weeks", "Months"}},
		{"What do you hope they understand afterwards?", "Keep it to one thing if you can.", "complex", nil},
	},
	FlowInvitee: {
		{"You've been invited to talk something through. How do you feel about that?", "It's okay to feel unsure.", "single", []string{"Curious", "Nervous", "Defensive", "Open"}},
		{"What do you need to feel heard in this conversation?", "I'll keep an eye on it.", "complex", nil},
		{"Is there anything you want to avoid talking about?", "You can always change your mind.", "complex", nil},
	},
	FlowPartner: {
		{"How long have you two been together?", "Just for context.", "single", []string{"Under a year", "1 to 3 years", "3 to 10 years", "Over 10 years"}},
		{"When you disagree, what usually happens?", "Every couple has a pattern.", "single", []string{"We talk it out", "One of us shuts down", "It gets loud", "We avoid it"}},
		{"What do you appreciate most about your partner?", "Hold on to that one.", "complex", nil},
	},
	FlowFeedback: {
		{"How did the conversation go for you?", "Be honest, I can take it.", "single", []string{"Great", "Okay", "Hard", "Not helpful"}},
		{"Did you feel heard?", "That's the whole point.", "single", []string{"Yes", "Somewhat", "No"}},
		{"What should I do differently next time?", "Every note makes me better.", "complex", nil},
	},
}

// Flows lists the supported questionnaires
func Flows() []Flow {
	return []Flow{FlowSpar, FlowInitiator, FlowInvitee, FlowPartner, FlowFeedback}
}

func ParseFlow(s string) (Flow, error) {
	f := Flow(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := onboardingTemplates[f]; !ok {
		return "", ErrUnknownFlow
	}
	return f, nil
}

// ParaphraseGenerator rewrites each line with a similar meaning, one output line per
// input line
type ParaphraseGenerator interface {
	Paraphrase(ctx context.Context, lines []string) ([]string, error)
}

// Onboarding serves questionnaires, reworded by the generator when it is available and
// verbatim otherwise
type Onboarding struct {
	generator ParaphraseGenerator
	timeout   time.Duration
	logger    *logrus.Logger
	pick      func(n int) int
}

func NewOnboarding(generator ParaphraseGenerator, timeout time.Duration, logger *logrus.Logger) *Onboarding {
	return &Onboarding{generator: generator, timeout: timeout, logger: logger, pick: rand.IntN}
}

// Questions returns the questionnaire for flow and whether its wording was generated
func (o *Onboarding) Questions(ctx context.Context, flow Flow) ([]OnboardingQuestion, bool, error) {
	templates, ok := onboardingTemplates[flow]
	if !ok {
		return nil, false, ErrUnknownFlow
	}

	questions := make([]OnboardingQuestion, len(templates))
	for i, t := range templates {
		questions[i] = OnboardingQuestion{
			Number:             i + 1,
			Question:           t.question,
			Whisper:            t.whisper,
			InteractionPattern: t.pattern,
			Options:            append([]string(nil), t.options...),
			CustomInput:        t.pattern == "complex",
			Animation:          Animations[o.pick(len(Animations))],
		}
	}

	generated := o.reword(ctx, flow, questions)
	return questions, generated, nil
}

// reword replaces the wording in place. The generator may answer with question and
// whisper pairs or with questions only; any other shape keeps the templates.
func (o *Onboarding) reword(ctx context.Context, flow Flow, questions []OnboardingQuestion) bool {
	if o.generator == nil {
		return false
	}

	lines := make([]string, 0, len(questions)*2)
	for _, q := range questions {
		lines = append(lines, q.Question, q.Whisper)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	out, err := o.generator.Paraphrase(callCtx, lines)
	if err != nil {
		o.logger.WithError(err).WithField("flow", flow).Warn("Onboarding paraphrase failed, using templates")
		return false
	}

	cleaned := make([]string, 0, len(out))
	for _, line := range out {
		if line = strings.TrimSpace(line); line != "" {
			cleaned = append(cleaned, line)
		}
	}

	switch len(cleaned) {
	case len(questions) * 2:
		for i := range questions {
			questions[i].Question = cleaned[2*i]
			questions[i].Whisper = cleaned[2*i+1]
		}
	case len(questions):
		for i := range questions {
			questions[i].Question = cleaned[i]
		}
	default:
		o.logger.WithFields(logrus.Fields{
			"flow":     flow,
			"expected": len(questions) * 2,
			"got":      len(cleaned),
		}).Warn("Unexpected paraphrase shape, using templates")
		return false
	}
	return true
}
