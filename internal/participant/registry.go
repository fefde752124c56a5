// Package participant resolves transport identities to stable meeting
// participants and tracks who is in the room.
package participant

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lexiqai/meet-transcriber/internal/conference"
	"github.com/lexiqai/meet-transcriber/internal/config"
)

// Role is a participant's role in the meeting
type Role string

const (
	RoleHost         Role = "host"
	RoleManager      Role = "manager"
	RoleDirectReport Role = "direct_report"
	RoleParticipant  Role = "participant"
	RoleUnknown      Role = "unknown"
)

// ParseRole validates a role name
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleHost, RoleManager, RoleDirectReport, RoleParticipant, RoleUnknown:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Participant is a stable identity within one session
type Participant struct {
	ID          string     `json:"id"`
	SourceID    string     `json:"sourceId"`
	DisplayName string     `json:"displayName"`
	Email       string     `json:"email,omitempty"`
	Role        Role       `json:"role"`
	JoinedAt    time.Time  `json:"joinedAt"`
	LeftAt      *time.Time `json:"leftAt,omitempty"`
	Active      bool       `json:"active"`
}

type patternRule struct {
	re   *regexp.Regexp
	role Role
}

// Rules is the role heuristic: an exact source id match wins, then the first
// matching display-name pattern, then FirstParticipant for the first
// participant of a session. Everyone else is unknown.
type Rules struct {
	FirstParticipant Role
	bySource         map[string]Role
	patterns         []patternRule
}

// DefaultRules gives the first participant firstRole and everyone else unknown
func DefaultRules(firstRole Role) *Rules {
	return &Rules{FirstParticipant: firstRole, bySource: map[string]Role{}}
}

// CompileRules builds Rules from the YAML role map. firstDefault applies when
// the file does not set first_participant.
func CompileRules(cfg *config.RoleRules, firstDefault string) (*Rules, error) {
	first, err := ParseRole(firstDefault)
	if err != nil {
		return nil, err
	}
	rules := DefaultRules(first)
	if cfg == nil {
		return rules, nil
	}

	if cfg.FirstParticipant != "" {
		if rules.FirstParticipant, err = ParseRole(cfg.FirstParticipant); err != nil {
			return nil, err
		}
	}
	for i, rule := range cfg.Rules {
		role, err := ParseRole(rule.Role)
		if err != nil {
			return nil, fmt.Errorf("role rule %d: %w", i, err)
		}
		if rule.SourceID != "" {
			rules.bySource[rule.SourceID] = role
			continue
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("role rule %d: invalid pattern: %w", i, err)
		}
		rules.patterns = append(rules.patterns, patternRule{re: re, role: role})
	}
	return rules, nil
}

func (r *Rules) match(sourceID, displayName string) (Role, bool) {
	if role, ok := r.bySource[sourceID]; ok {
		return role, true
	}
	for _, p := range r.patterns {
		if displayName != "" && p.re.MatchString(displayName) {
			return p.role, true
		}
	}
	return "", false
}

type entry struct {
	p       Participant
	tracks  int
	present bool
}

func (e *entry) active() bool {
	return e.present || e.tracks > 0
}

// Registry maps transport source ids to participants for one session.
// A participant is active while the transport reports them present or
// while they have at least one live track. Records are never deleted.
//
// Registry is not safe for concurrent use; the owning session serialises
// access.
type Registry struct {
	rules   *Rules
	entries map[string]*entry
	order   []*entry
	now     func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry(rules *Rules) *Registry {
	if rules == nil {
		rules = DefaultRules(RoleManager)
	}
	return &Registry{
		rules:   rules,
		entries: make(map[string]*entry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func trackKey(track conference.TrackHandle) string {
	if track.SourceID != "" {
		return track.SourceID
	}
	return "track:" + track.TrackID
}

// Resolve returns the participant owning track and takes a live-track
// reference. changed is true when the participant just became active.
func (r *Registry) Resolve(track conference.TrackHandle) (Participant, bool) {
	e := r.ensure(trackKey(track), track.DisplayName, "")
	wasActive := e.active()
	e.tracks++
	return r.activate(e, wasActive)
}

// Release drops a live-track reference. changed is true when the
// participant just became inactive.
func (r *Registry) Release(track conference.TrackHandle) (Participant, bool) {
	e, ok := r.entries[trackKey(track)]
	if !ok || e.tracks == 0 {
		if ok {
			return e.p, false
		}
		return Participant{}, false
	}
	wasActive := e.active()
	e.tracks--
	return r.deactivate(e, wasActive)
}

// Join records transport presence
func (r *Registry) Join(ref conference.ParticipantRef) (Participant, bool) {
	e := r.ensure(ref.ID, ref.DisplayName, ref.Email)
	wasActive := e.active()
	e.present = true
	return r.activate(e, wasActive)
}

// Leave records that the transport no longer reports the participant
func (r *Registry) Leave(ref conference.ParticipantRef) (Participant, bool) {
	e, ok := r.entries[ref.ID]
	if !ok {
		return Participant{}, false
	}
	wasActive := e.active()
	e.present = false
	return r.deactivate(e, wasActive)
}

func (r *Registry) ensure(key, displayName, email string) *entry {
	if e, ok := r.entries[key]; ok {
		if e.p.DisplayName == "" && displayName != "" {
			e.p.DisplayName = displayName
		}
		if e.p.Email == "" && email != "" {
			e.p.Email = email
		}
		return e
	}

	role, matched := r.rules.match(key, displayName)
	if !matched {
		role = RoleUnknown
		if len(r.order) == 0 {
			role = r.rules.FirstParticipant
		}
	}

	e := &entry{p: Participant{
		ID:          fmt.Sprintf("p-%d", len(r.order)+1),
		SourceID:    key,
		DisplayName: displayName,
		Email:       email,
		Role:        role,
	}}
	r.entries[key] = e
	r.order = append(r.order, e)
	return e
}

func (r *Registry) activate(e *entry, wasActive bool) (Participant, bool) {
	if wasActive {
		return e.p, false
	}
	if e.p.JoinedAt.IsZero() {
		e.p.JoinedAt = r.now()
	}
	e.p.LeftAt = nil
	e.p.Active = true
	return e.p, true
}

func (r *Registry) deactivate(e *entry, wasActive bool) (Participant, bool) {
	if !wasActive || e.active() {
		return e.p, false
	}
	left := r.now()
	e.p.LeftAt = &left
	e.p.Active = false
	return e.p, true
}

// ReleaseAll drops every track reference and presence flag, as when the
// session ends. It returns the participants that became inactive.
func (r *Registry) ReleaseAll() []Participant {
	var left []Participant
	for _, e := range r.order {
		wasActive := e.active()
		e.tracks = 0
		e.present = false
		if p, changed := r.deactivate(e, wasActive); changed {
			left = append(left, p)
		}
	}
	return left
}

// Lookup returns a participant by id
func (r *Registry) Lookup(id string) (Participant, bool) {
	for _, e := range r.order {
		if e.p.ID == id {
			return e.p, true
		}
	}
	return Participant{}, false
}

// Snapshot returns every participant ever seen, in allocation order
func (r *Registry) Snapshot() []Participant {
	out := make([]Participant, len(r.order))
	for i, e := range r.order {
		out[i] = e.p
	}
	return out
}

// ActiveCount returns the number of active participants
func (r *Registry) ActiveCount() int {
	n := 0
	for _, e := range r.order {
		if e.active() {
			n++
		}
	}
	return n
}
