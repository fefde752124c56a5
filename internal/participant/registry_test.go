package participant

import (
	"testing"

	"github.com/lexiqai/meet-transcriber/internal/conference"
	"github.com/lexiqai/meet-transcriber/internal/config"
)

func track(id, source, name string) conference.TrackHandle {
	return conference.TrackHandle{TrackID: id, SourceID: source, DisplayName: name, Kind: conference.TrackKindAudio}
}

func TestRegistry_ResolveAllocatesStableIDs(t *testing.T) {
	r := NewRegistry(nil)

	alex, joined := r.Resolve(track("t1", "src-a", "Alex"))
	if !joined || alex.ID != "p-1" {
		t.Fatalf("Expected p-1 joined, got %+v (joined=%v)", alex, joined)
	}
	if alex.Role != RoleManager {
		t.Errorf("Expected first participant to be manager, got %s", alex.Role)
	}

	sam, joined := r.Resolve(track("t2", "src-s", "Sam"))
	if !joined || sam.ID != "p-2" || sam.Role != RoleUnknown {
		t.Errorf("Expected p-2 unknown joined, got %+v (joined=%v)", sam, joined)
	}

	again, joined := r.Resolve(track("t3", "src-a", "Alex"))
	if joined {
		t.Error("Expected second track of an active participant not to re-join")
	}
	if again.ID != alex.ID {
		t.Errorf("Expected same participant id, got %s", again.ID)
	}
}

func TestRegistry_LeftOnlyWhenLastTrackReleased(t *testing.T) {
	r := NewRegistry(nil)
	r.Resolve(track("t1", "src-a", "Alex"))
	r.Resolve(track("t2", "src-a", "Alex"))

	if _, left := r.Release(track("t1", "src-a", "")); left {
		t.Error("Expected participant to stay with one live track")
	}
	p, left := r.Release(track("t2", "src-a", ""))
	if !left {
		t.Fatal("Expected left after last track released")
	}
	if p.Active || p.LeftAt == nil {
		t.Errorf("Expected inactive with LeftAt set, got %+v", p)
	}
	if _, left := r.Release(track("t2", "src-a", "")); left {
		t.Error("Expected left to be emitted exactly once")
	}
	if r.ActiveCount() != 0 {
		t.Errorf("Expected 0 active, got %d", r.ActiveCount())
	}

	p, joined := r.Resolve(track("t4", "src-a", "Alex"))
	if !joined || p.ID != "p-1" || p.LeftAt != nil {
		t.Errorf("Expected p-1 to rejoin, got %+v (joined=%v)", p, joined)
	}
	if len(r.Snapshot()) != 1 {
		t.Errorf("Expected records to be reused, got %d", len(r.Snapshot()))
	}
}

func TestRegistry_PresenceKeepsParticipantActive(t *testing.T) {
	r := NewRegistry(nil)

	p, joined := r.Join(conference.ParticipantRef{ID: "src-a", DisplayName: "Alex", Email: "alex@example.com"})
	if !joined || p.Email != "alex@example.com" {
		t.Fatalf("Expected presence join, got %+v", p)
	}
	if _, joined := r.Resolve(track("t1", "src-a", "Alex")); joined {
		t.Error("Expected track of a present participant not to re-join")
	}
	if _, left := r.Release(track("t1", "src-a", "")); left {
		t.Error("Expected present participant to stay active without audio")
	}
	if _, left := r.Leave(conference.ParticipantRef{ID: "src-a"}); !left {
		t.Error("Expected left when presence ends with no tracks")
	}
	if _, left := r.Leave(conference.ParticipantRef{ID: "src-missing"}); left {
		t.Error("Expected unknown leave to be ignored")
	}
}

func TestRegistry_TrackWithoutSourceUsesTrackID(t *testing.T) {
	r := NewRegistry(nil)
	a, _ := r.Resolve(track("t1", "", ""))
	b, _ := r.Resolve(track("t2", "", ""))
	if a.ID == b.ID {
		t.Errorf("Expected distinct participants, got %s twice", a.ID)
	}
	if _, left := r.Release(track("t1", "", "")); !left {
		t.Error("Expected release by track id to resolve the same participant")
	}
}

func TestRegistry_LookupAndSnapshotCopies(t *testing.T) {
	r := NewRegistry(nil)
	r.Resolve(track("t1", "src-a", "Alex"))

	snap := r.Snapshot()
	snap[0].DisplayName = "changed"

	p, ok := r.Lookup("p-1")
	if !ok || p.DisplayName != "Alex" {
		t.Errorf("Expected registry to be unaffected by snapshot edits, got %+v", p)
	}
	if _, ok := r.Lookup("p-9"); ok {
		t.Error("Expected lookup of unknown id to fail")
	}
}

func TestCompileRules(t *testing.T) {
	rules, err := CompileRules(&config.RoleRules{
		FirstParticipant: "host",
		Rules: []config.RoleRule{
			{SourceID: "src-boss", Role: "manager"},
			{Pattern: "(?i)^jordan", Role: "direct_report"},
		},
	}, "manager")
	if err != nil {
		t.Fatalf("CompileRules failed: %v", err)
	}

	r := NewRegistry(rules)
	first, _ := r.Resolve(track("t1", "src-x", "Casey"))
	boss, _ := r.Resolve(track("t2", "src-boss", "Pat"))
	report, _ := r.Resolve(track("t3", "src-j", "Jordan Lee"))
	other, _ := r.Resolve(track("t4", "src-y", "Robin"))

	tests := []struct {
		name     string
		got      Role
		expected Role
	}{
		{"first participant", first.Role, RoleHost},
		{"source rule", boss.Role, RoleManager},
		{"pattern rule", report.Role, RoleDirectReport},
		{"fallback", other.Role, RoleUnknown},
	}
	for _, tt := range tests {
		if tt.got != tt.expected {
			t.Errorf("%s: expected %s, got %s", tt.name, tt.expected, tt.got)
		}
	}
}

func TestCompileRules_Errors(t *testing.T) {
	if _, err := CompileRules(nil, "boss"); err == nil {
		t.Error("Expected unknown default role to fail")
	}
	if _, err := CompileRules(&config.RoleRules{Rules: []config.RoleRule{{Pattern: "(", Role: "host"}}}, "manager"); err == nil {
		t.Error("Expected invalid pattern to fail")
	}
	if _, err := CompileRules(&config.RoleRules{Rules: []config.RoleRule{{SourceID: "x", Role: "ceo"}}}, "manager"); err == nil {
		t.Error("Expected unknown rule role to fail")
	}
}

func TestRegistry_ReleaseAll(t *testing.T) {
	r := NewRegistry(nil)
	r.Resolve(track("t1", "src-a", "Alex"))
	r.Join(conference.ParticipantRef{ID: "src-b", DisplayName: "Sam"})
	r.Resolve(track("t3", "src-c", "Casey"))
	r.Release(track("t3", "src-c", "Casey"))

	left := r.ReleaseAll()
	if len(left) != 2 {
		t.Fatalf("Expected 2 participants to leave, got %d", len(left))
	}
	if r.ActiveCount() != 0 {
		t.Errorf("Expected no active participants, got %d", r.ActiveCount())
	}
	for _, p := range r.Snapshot() {
		if p.LeftAt == nil {
			t.Errorf("Expected %s to have LeftAt set", p.ID)
		}
	}
}
