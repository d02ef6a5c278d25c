package classifier

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"conversation-intervention-engine/pkg/models"
)

// Kind is the behavior detected in a single message
type Kind int

const (
	KindNone Kind = iota
	KindInterruption
	KindContempt
	KindStonewalling
	KindPositive
	KindRepetition
	KindEscalation
)

func (k Kind) String() string {
	switch k {
	case KindInterruption:
		return "interruption"
	case KindContempt:
		return "contempt"
	case KindStonewalling:
		return "stonewalling"
	case KindPositive:
		return "positive"
	case KindRepetition:
		return "repetition"
	case KindEscalation:
		return "escalation"
	default:
		return "none"
	}
}

// Result is the classifier output. Tier is only meaningful for KindEscalation.
type Result struct {
	Kind       Kind
	Tier       models.EscalationTier
	Confidence float64
	Rule       string
}

func None() Result {
	return Result{Kind: KindNone}
}

func (r Result) IsSevere() bool {
	return r.Kind == KindEscalation && r.Tier == models.TierSevere
}

// Category maps the result onto the intervention category used downstream
func (r Result) Category() models.Category {
	switch r.Kind {
	case KindInterruption:
		return models.CategoryInterruption
	case KindContempt:
		return models.CategoryContempt
	case KindStonewalling:
		return models.CategoryStonewalling
	case KindPositive:
		return models.CategoryPositive
	case KindRepetition:
		return models.CategoryRepetition
	case KindEscalation:
		return models.EscalationCategory(r.Tier)
	default:
		return models.CategoryGeneric
	}
}

type input struct {
	raw        string
	lower      string
	normalized string
	sender     models.SenderRole
	history    []models.Message
}

type rule struct {
	name       string
	priority   int
	kind       Kind
	tier       models.EscalationTier
	confidence float64
	match      func(in input) bool
}

// Classifier evaluates an ordered rule table; the first matching rule by priority wins
type Classifier struct {
	rules               []rule
	repetitionThreshold int
}

// New builds the default rule table. repetitionThreshold is the number of earlier
// identical messages from the same sender needed to flag repetition.
func New(repetitionThreshold int) *Classifier {
	if repetitionThreshold < 1 {
		repetitionThreshold = 2
	}
	c := &Classifier{repetitionThreshold: repetitionThreshold}
	moderatePhrases := anyPattern(
		`\bshut\s+up\b`,
		`\bhow\s+dare\s+you\b`,
		`\bare\s+you\s+(kidding|serious)\b`,
		`\bi\s+can'?t\s+believe\s+you\b`,
	)
	c.rules = []rule{
		{
			name: "severe_escalation", priority: 100, kind: KindEscalation, tier: models.TierSevere, confidence: 0.95,
			match: anyPattern(
				`\bdivorce\b`,
				`\bbreak(ing)?\s+up\b`,
				`\bi'?m\s+leaving\b`,
				`\bfuck\s+you\b`,
				`\bi\s+hate\s+you\b`,
				`\byou'?re\s+the\s+worst\b`,
				`\bi'?m\s+done\s+with\s+(this|you|us)\b`,
			),
		},
		{
			name: "contempt", priority: 90, kind: KindContempt, confidence: 0.85,
			match: anyPattern(
				`\b(stupid|idiot|moron|dumb|ridiculous|pathetic)\b`,
				`\beye\s*roll`,
				`\bwhatever\b`,
				`\bi\s+don'?t\s+care\b`,
				`\byou'?re\s+impossible\b`,
				`\bobviously\b`,
			),
		},
		{
			name: "interruption", priority: 80, kind: KindInterruption, confidence: 0.7,
			match: anyPattern(
				`\bwait\s+`,
				`\bhold\s+on\b`,
				`\blet\s+me\s+finish\b`,
				`\byou\s+always\b`,
				`\byou\s+never\b`,
				`\bstop\s+interrupting\b`,
			),
		},
		{
			name: "stonewalling", priority: 70, kind: KindStonewalling, confidence: 0.75,
			match: anyPattern(
				`^\s*\.{1,3}\s*$`,
				`\bfine\b`,
				`\bi'?m\s+done\b`,
				`\bi'?m\s+out\b`,
				`\bnot\s+talking\b`,
				`\bsilent\s+treatment\b`,
			),
		},
		{
			name: "moderate_escalation", priority: 60, kind: KindEscalation, tier: models.TierModerate, confidence: 0.8,
			match: func(in input) bool {
				return isShouting(in.raw) || moderatePhrases(in)
			},
		},
		{
			name: "low_escalation", priority: 50, kind: KindEscalation, tier: models.TierLow, confidence: 0.65,
			match: anyPattern(
				`\bcalm\s+down\b`,
				`\brelax\b`,
				`\bhere\s+we\s+go\s+again\b`,
				`\bseriously\?`,
				`!{2,}`,
			),
		},
		{
			name: "positive", priority: 40, kind: KindPositive, confidence: 0.8,
			match: anyPattern(
				`\bi\s+feel\s+`,
				`\bi\s+understand\b`,
				`\bi\s+hear\s+you\b`,
				`\bthat\s+makes\s+sense\b`,
				`\bthank\s+you\s+for\b`,
				`\bi\s+appreciate\b`,
				`\byou'?re\s+right\b`,
				`\bi\s+see\s+your\s+point\b`,
			),
		},
		{
			name: "repetition", priority: 30, kind: KindRepetition, confidence: 0.75,
			match: c.isRepeated,
		},
	}
	sort.SliceStable(c.rules, func(i, j int) bool {
		return c.rules[i].priority > c.rules[j].priority
	})
	return c
}

// Classify is pure: the same text, sender and history always yield the same result.
// history holds the earlier messages of the rolling window, without the message itself.
func (c *Classifier) Classify(text string, sender models.SenderRole, history []models.Message) Result {
	lower := strings.ToLower(strings.ReplaceAll(text, "’", "'"))
	in := input{
		raw:        text,
		lower:      lower,
		normalized: Normalize(text),
		sender:     sender,
		history:    history,
	}
	for _, r := range c.rules {
		if r.match(in) {
			return Result{Kind: r.kind, Tier: r.tier, Confidence: r.confidence, Rule: r.name}
		}
	}
	return None()
}

func (c *Classifier) isRepeated(in input) bool {
	if in.normalized == "" {
		return false
	}
	seen := 0
	for _, m := range in.history {
		if m.SenderRole != in.sender || m.SenderRole == models.RoleAgent {
			continue
		}
		if Normalize(m.Body) == in.normalized {
			seen++
		}
	}
	return seen >= c.repetitionThreshold
}

// Normalize lowercases, strips punctuation and collapses whitespace
func Normalize(text string) string {
	text = strings.ReplaceAll(strings.ToLower(text), "’", "'")
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func anyPattern(patterns ...string) func(in input) bool {
	re := regexp.MustCompile("(?:" + strings.Join(patterns, ")|(?:") + ")")
	return func(in input) bool {
		return re.MatchString(in.lower)
	}
}

// isShouting flags messages of at least three words written in capitals
func isShouting(text string) bool {
	words := 0
	for _, field := range strings.Fields(text) {
		letters, upper := 0, 0
		for _, r := range field {
			if unicode.IsLetter(r) {
				letters++
				if unicode.IsUpper(r) {
					upper++
				}
			}
		}
		if letters < 2 {
			continue
		}
		if upper != letters {
			return false
		}
		words++
	}
	return words >= 3
}
