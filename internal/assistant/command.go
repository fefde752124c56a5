// Package assistant is the meeting Q&A side channel: voice-command
// detection over final transcript lines, the answerer backends, and the
// responder that turns failures into apologies.
package assistant

import (
	"strings"
	"unicode"
)

// Questions asked on behalf of the fixed triggers
const (
	SummaryQuestion     = "Please provide a summary of our discussion so far."
	ActionItemsQuestion = "What are the action items from our discussion?"
	DefaultQuestion     = "Can you help me with this meeting?"
)

// DefaultVoiceCommands are the trigger phrases a new session starts with
var DefaultVoiceCommands = []string{"hey ai", "ai bot", "ai summary", "ai action items"}

// VoiceCommand is a trigger phrase found in a final line
type VoiceCommand struct {
	Trigger   string `json:"command"`
	Remainder string `json:"remainder"`
}

// Question is what the command asks the answerer
func (c VoiceCommand) Question() string {
	switch {
	case strings.Contains(c.Trigger, "summary"):
		return SummaryQuestion
	case strings.Contains(c.Trigger, "action items"):
		return ActionItemsQuestion
	case c.Remainder == "":
		return DefaultQuestion
	default:
		return c.Remainder
	}
}

// DetectCommand reports the first trigger, in list order, contained in text.
// Matching is case-insensitive. Nothing matches when enabled is false.
func DetectCommand(text string, enabled bool, triggers []string) (VoiceCommand, bool) {
	if !enabled || text == "" {
		return VoiceCommand{}, false
	}

	lower := strings.ToLower(text)
	// lowering can change byte lengths outside ASCII
	src := text
	if len(lower) != len(text) {
		src = lower
	}

	for _, trigger := range triggers {
		trigger = strings.ToLower(strings.TrimSpace(trigger))
		if trigger == "" {
			continue
		}
		idx := strings.Index(lower, trigger)
		if idx < 0 {
			continue
		}

		remainder := strings.TrimLeftFunc(src[idx+len(trigger):], func(r rune) bool {
			return unicode.IsSpace(r) || unicode.IsPunct(r)
		})
		return VoiceCommand{Trigger: trigger, Remainder: strings.TrimSpace(remainder)}, true
	}
	return VoiceCommand{}, false
}
