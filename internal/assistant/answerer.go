package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnavailable is the single failure mode of an answerer
var ErrUnavailable = errors.New("assistant unavailable")

// ContextLine is one final transcript line given to the answerer
type ContextLine struct {
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Question is one request to an answerer
type Question struct {
	SessionID string
	Text      string
	AskedBy   string
	Context   []ContextLine
}

// Answerer is the Q&A capability
type Answerer interface {
	Name() string
	Answer(ctx context.Context, q Question) (string, error)
}

// ContextWindow keeps the most recent final lines of one session. It is not
// safe for concurrent use.
type ContextWindow struct {
	limit int
	lines []ContextLine
}

// NewContextWindow keeps at most limit lines
func NewContextWindow(limit int) *ContextWindow {
	if limit <= 0 {
		limit = 50
	}
	return &ContextWindow{limit: limit}
}

// Add appends a line, evicting the oldest past the limit
func (w *ContextWindow) Add(line ContextLine) {
	w.lines = append(w.lines, line)
	if over := len(w.lines) - w.limit; over > 0 {
		w.lines = append(w.lines[:0:0], w.lines[over:]...)
	}
}

// Lines returns a copy of every retained line
func (w *ContextWindow) Lines() []ContextLine {
	out := make([]ContextLine, len(w.lines))
	copy(out, w.lines)
	return out
}

// Len returns the number of retained lines
func (w *ContextWindow) Len() int {
	return len(w.lines)
}

func recent(lines []ContextLine, n int) []ContextLine {
	if n <= 0 || len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

// formatTranscript renders context as "speaker: text" lines
func formatTranscript(lines []ContextLine) string {
	var b strings.Builder
	for _, line := range lines {
		speaker := line.Speaker
		if speaker == "" {
			speaker = "Unknown"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, line.Text)
	}
	return b.String()
}

// StaticAnswerer answers from keywords alone, for running without a model
type StaticAnswerer struct{}

// NewStaticAnswerer creates a keyword answerer
func NewStaticAnswerer() *StaticAnswerer {
	return &StaticAnswerer{}
}

// Name returns the answerer name
func (a *StaticAnswerer) Name() string {
	return "static"
}

// Answer picks a canned answer by question type
func (a *StaticAnswerer) Answer(ctx context.Context, q Question) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	question := strings.ToLower(q.Text)

	switch {
	case strings.Contains(question, "what") && strings.Contains(question, "next"):
		return "Based on our discussion, the next steps appear to be reviewing the action items and setting up follow-up meetings. However, I'd recommend confirming this with the meeting participants.", nil
	case strings.Contains(question, "who") && strings.Contains(question, "responsible"):
		return "From the context I have, it seems action items are being discussed. I'd suggest explicitly assigning ownership to ensure clarity on responsibilities.", nil
	case strings.Contains(question, "when") || strings.Contains(question, "deadline"):
		return "I haven't heard specific deadlines mentioned in our recent discussion. It would be good to establish clear timelines for any action items.", nil
	case strings.Contains(question, "how"):
		return "That's a great question about implementation. Based on the discussion so far, it might be helpful to break this down into specific steps and identify what resources or support might be needed.", nil
	case strings.Contains(question, "summary") || strings.Contains(question, "recap"):
		return fmt.Sprintf("Here's a quick recap: We've had participation from %s discussing various topics. For a detailed summary, I can provide that at the end of the meeting.",
			strings.Join(speakers(recent(q.Context, 10)), ", ")), nil
	}

	return fmt.Sprintf("That's an interesting question about %q. Based on our meeting discussion, I'd recommend clarifying this with the team to ensure everyone is aligned. If you need more specific information, please feel free to ask with more context.", q.Text), nil
}

// speakers returns distinct speaker names in order of first appearance
func speakers(lines []ContextLine) []string {
	seen := make(map[string]bool)
	var names []string
	for _, line := range lines {
		if line.Speaker == "" || seen[line.Speaker] {
			continue
		}
		seen[line.Speaker] = true
		names = append(names, line.Speaker)
	}
	if len(names) == 0 {
		return []string{"no one yet"}
	}
	return names
}
