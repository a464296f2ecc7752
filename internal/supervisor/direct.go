package supervisor

import (
	"fmt"
	"strings"
	"unicode"
)

type Intent string

const (
	IntentNone     Intent = ""
	IntentGreeting Intent = "greeting"
	IntentThanks   Intent = "thanks"
	IntentRepeat   Intent = "repeat"
)

var (
	greetingPhrases = []string{"hi", "hello", "hey", "good morning", "good afternoon", "good evening"}
	thanksPhrases   = []string{"thank you", "thanks", "thank", "appreciate"}
	repeatPhrases   = []string{"repeat", "say that again", "what did you say"}
)

var fillerPhrases = []string{
	"Just a second.",
	"Let me check.",
	"One moment.",
	"Let me look into that.",
	"Give me a moment.",
	"Let me see.",
}

// Classify matches message against the direct-answer intents. Phrases match
// case-insensitively as substrings, except short words ("hi", "hey") which
// must appear as whole words so "this" or "they" do not count as greetings.
func Classify(message string) Intent {
	lower := strings.ToLower(strings.TrimSpace(message))
	if lower == "" {
		return IntentNone
	}
	words := " " + strings.Join(strings.FieldsFunc(lower, notWordRune), " ") + " "
	switch {
	case containsAny(lower, words, greetingPhrases):
		return IntentGreeting
	case containsAny(lower, words, thanksPhrases):
		return IntentThanks
	case containsAny(lower, words, repeatPhrases):
		return IntentRepeat
	default:
		return IntentNone
	}
}

// DirectReply renders the static answer for intent. company names the agent's
// organisation in the opening greeting.
func DirectReply(intent Intent, message, company string) string {
	switch intent {
	case IntentGreeting:
		switch strings.Join(strings.FieldsFunc(strings.ToLower(message), notWordRune), " ") {
		case "hi", "hello":
			if company == "" {
				return "Hi, how can I help you?"
			}
			return fmt.Sprintf("Hi, you've reached %s, how can I help you?", company)
		}
		return "Hello! How can I assist you today?"
	case IntentThanks:
		return "You're welcome! Is there anything else I can help you with?"
	case IntentRepeat:
		return "Could you please repeat your question? I want to make sure I understand correctly."
	default:
		return "How can I help you today?"
	}
}

func containsAny(lower, words string, phrases []string) bool {
	for _, p := range phrases {
		if len(p) <= 3 {
			if strings.Contains(words, " "+p+" ") {
				return true
			}
			continue
		}
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func notWordRune(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
