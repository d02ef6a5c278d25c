package response

import "conversation-intervention-engine/pkg/models"

// anyPhase marks a template list that applies in every phase
const anyPhase models.Phase = ""

type templateKey struct {
	category models.Category
	phase    models.Phase
	whisper  bool
}

var cannedTemplates = map[templateKey][]string{
	{models.CategoryInterruption, anyPhase, false}: {
		"Let's pause so they can finish—your turn is next.",
		"Hold up! Let them finish their thought first.",
		"Whoa there! One at a time—let's hear them out.",
		"Time out! Finish your point, then it's their turn.",
	},
	{models.CategoryInterruption, anyPhase, true}: {
		"Jot your point; mirror first, then add it.",
		"Take a breath. Listen, then respond.",
		"Write it down if you need to—we'll get to it.",
	},
	{models.CategoryContempt, anyPhase, false}: {
		"Flag on tone—try a respectful rephrase.",
		"Whoa, that tone won't help. Let's reset with respect.",
		"Time out! That language isn't constructive. Try 'I feel...' instead.",
		"Penalty on the play! Name the impact, not the insult.",
	},
	{models.CategoryContempt, anyPhase, true}: {
		"Name impact, not insult. e.g., 'I felt anxious about the purchase.'",
		"Try: 'When X happens, I feel Y' instead of name-calling.",
		"Focus on your feeling, not their character.",
	},
	{models.CategoryStonewalling, anyPhase, false}: {
		"I'm sensing withdrawal. Want a brief breather, or restate the last point?",
		"Check-in: Still with us? Want to pause or continue?",
		"I see you pulling back. Take a moment if needed, or let's try one more exchange.",
		"On a scale of 1 to 'throwing in the towel,' where are we? Let's reset.",
	},
	{models.CategoryPositive, anyPhase, false}: {
		"BEAUTIFUL! Did you see that? An actual 'I feel' statement!",
		"Hold up, hold up! That was some solid active listening right there!",
		"That's what I'm talking about! You just turned a complaint into a request.",
		"Clear mirroring—nice. Keep that up!",
		"That's like turning water into wine, but for relationships!",
	},
	{models.CategoryPositive, models.PhaseIntro, false}: {
		"Great start! Openness like that sets the tone for the whole conversation.",
		"Love that opener. Keep leading with how you feel.",
	},
	{models.CategoryEscalationLow, anyPhase, false}: {
		"Slow down—one at a time.",
		"Let's take a breath. We're getting heated.",
		"Pump the brakes—let's reset the tone.",
	},
	{models.CategoryEscalationModerate, anyPhase, false}: {
		"Let's try a 10-second reset breath together.",
		"Okay, emotional temperature check—we're approaching 'hangry' levels here.",
		"I'm sensing we've entered the 'loud equals right' zone. Volume doesn't win arguments.",
	},
	{models.CategoryEscalationSevere, anyPhase, false}: {
		"Time-out recommended. Pause and return when ready.",
		"RED FLAG! We've entered dangerous territory. Let's step back.",
		"STOP! That language is relationship nuclear codes. Let's reset with respect.",
		"This is a private space. Take the time you need.",
	},
	{models.CategoryEscalationSevere, models.PhaseWrapUp, false}: {
		"Let's not end on this note. Take a pause and come back when you're both ready.",
		"Time-out recommended before we wrap. Pause and return when ready.",
	},
}

// fallbackTemplates back generation failures, one list per category
var fallbackTemplates = map[models.Category][]string{
	models.CategoryRepetition: {
		"Interesting! This is your third lap around the same argument. It's like watching NASCAR but with feelings.",
		"I'm getting déjà vu here—didn't we do this dance before? Let's try a new tune.",
		"Classic pattern alert! Same song, different verse. Time for a new approach.",
		"Okay, that round was like watching two people try to fold a fitted sheet—lots of effort, minimal progress.",
	},
	models.CategoryGeneric: {
		"Let's pause for a second. What's the one thing you each need the other to hear?",
		"Quick check-in: try restating what you just heard before adding your point.",
		"Let's slow this down and take it one point at a time.",
	},
}

var whisperFallback = []string{
	"I hear you. Take a breath, then say what you need in one sentence.",
	"Try leading with how you feel, not what they did.",
}

// lookupTemplates finds the most specific list for the key. Whispers fall back to the
// broadcast copy of the same category when no whisper-specific list exists.
func lookupTemplates(category models.Category, phase models.Phase, whisper bool) []string {
	keys := []templateKey{
		{category, phase, whisper},
		{category, anyPhase, whisper},
	}
	if whisper {
		keys = append(keys, templateKey{category, phase, false}, templateKey{category, anyPhase, false})
	}
	for _, k := range keys {
		if list, ok := cannedTemplates[k]; ok && len(list) > 0 {
			return list
		}
	}
	return nil
}

func fallbackFor(category models.Category, whisper bool) []string {
	if list := lookupTemplates(category, anyPhase, whisper); len(list) > 0 {
		return list
	}
	if list, ok := fallbackTemplates[category]; ok && category != models.CategoryGeneric {
		return list
	}
	if whisper {
		return whisperFallback
	}
	return fallbackTemplates[models.CategoryGeneric]
}

func pick(list []string, variant int) string {
	if len(list) == 0 {
		return ""
	}
	if variant < 0 {
		variant = -variant
	}
	return list[variant%len(list)]
}
