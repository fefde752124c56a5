package conference

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeBridge runs script against each connection after the join request
func fakeBridge(t *testing.T, script func(conn *websocket.Conn, join BridgeMessage)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var join BridgeMessage
		if err := conn.ReadJSON(&join); err != nil {
			return
		}
		script(conn, join)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func bridgeConfig(server *httptest.Server) Config {
	return Config{
		MeetingID:      "meet-123",
		AccessToken:    "good-token",
		BridgeURL:      wsURL(server),
		ConnectTimeout: 2 * time.Second,
	}
}

func waitClosed(t *testing.T, s Session) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.TrackEvents():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("Expected track events to close")
		}
	}
}

func TestBridgeSession_JoinAndEvents(t *testing.T) {
	release := make(chan struct{})
	server := fakeBridge(t, func(conn *websocket.Conn, join BridgeMessage) {
		if join.Event != "join" || join.MeetingID != "meet-123" {
			t.Errorf("Unexpected join message: %+v", join)
			return
		}
		// presence racing ahead of the acknowledgement
		conn.WriteJSON(BridgeMessage{Event: "participant_joined", Participant: &ParticipantRef{ID: "participants/1", DisplayName: "Alex"}})
		conn.WriteJSON(BridgeMessage{Event: "joined", MeetingID: "meet-123"})
		conn.WriteJSON(BridgeMessage{Event: "track_added", Track: &BridgeTrack{ID: "v1", ParticipantID: "participants/1", Kind: "video"}})
		conn.WriteJSON(BridgeMessage{Event: "track_added", Track: &BridgeTrack{
			ID: "a1", ParticipantID: "participants/1", ParticipantName: "Alex",
			Kind: "audio", Encoding: "linear16", SampleRate: 48000, Channels: 2,
		}})
		conn.WriteJSON(BridgeMessage{Event: "media", Media: &BridgeMedia{Track: "a1", Payload: base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})}})
		conn.WriteJSON(BridgeMessage{Event: "track_removed", Track: &BridgeTrack{ID: "a1"}})
		<-release
	})
	defer server.Close()
	defer close(release)

	s := NewBridgeSession(bridgeConfig(server))
	if s.State() != StateWaiting {
		t.Fatalf("Expected WAITING before connect, got %s", s.State())
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if s.State() != StateJoined {
		t.Errorf("Expected JOINED, got %s", s.State())
	}

	select {
	case ev := <-s.ParticipantEvents():
		if ev.Kind != ParticipantJoined || ev.Participant.ID != "participants/1" {
			t.Errorf("Unexpected participant event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected participant event")
	}

	var added TrackEvent
	select {
	case added = <-s.TrackEvents():
	case <-time.After(2 * time.Second):
		t.Fatal("Expected track event")
	}
	if added.Kind != TrackAdded || added.Track.TrackID != "a1" {
		t.Fatalf("Expected audio track a1 (video ignored), got %+v", added)
	}
	if added.Track.Format.SampleRate != 48000 || added.Track.Format.Channels != 2 {
		t.Errorf("Unexpected track format: %+v", added.Track.Format)
	}

	frame, ok := <-added.Audio
	if !ok || len(frame) != 4 {
		t.Errorf("Expected a 4 byte frame, got %v", frame)
	}

	removed := <-s.TrackEvents()
	if removed.Kind != TrackRemoved || removed.Track.TrackID != "a1" {
		t.Errorf("Unexpected removal event: %+v", removed)
	}
	if _, ok := <-added.Audio; ok {
		t.Error("Expected audio channel to close on removal")
	}

	s.Disconnect()
	s.Disconnect()
	waitClosed(t, s)
	if s.State() != StateDisconnected {
		t.Errorf("Expected DISCONNECTED, got %s", s.State())
	}
	if s.Err() != nil {
		t.Errorf("Expected nil Err after Disconnect, got %v", s.Err())
	}
}

func TestBridgeSession_ConnectErrors(t *testing.T) {
	notFound := httptest.NewServer(http.NotFoundHandler())
	defer notFound.Close()

	rejecting := fakeBridge(t, func(conn *websocket.Conn, join BridgeMessage) {
		conn.WriteJSON(BridgeMessage{Event: "error", Code: "not_found", Message: "no such meeting"})
	})
	defer rejecting.Close()

	silent := fakeBridge(t, func(conn *websocket.Conn, join BridgeMessage) {
		time.Sleep(time.Second)
	})
	defer silent.Close()

	tests := []struct {
		name     string
		cfg      Config
		expected ConnectErrorKind
	}{
		{"bad token", func() Config { c := bridgeConfig(rejecting); c.AccessToken = "bad"; return c }(), ConnectAuthInvalid},
		{"http 404", bridgeConfig(notFound), ConnectNotFound},
		{"join rejected", bridgeConfig(rejecting), ConnectNotFound},
		{"no ack", func() Config { c := bridgeConfig(silent); c.ConnectTimeout = 100 * time.Millisecond; return c }(), ConnectTimeout},
		{"unreachable", Config{BridgeURL: "ws://127.0.0.1:1/ws", ConnectTimeout: time.Second}, ConnectTransportFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewBridgeSession(tt.cfg)
			err := s.Connect(context.Background())

			var connErr *ConnectError
			if !errors.As(err, &connErr) {
				t.Fatalf("Expected ConnectError, got %v", err)
			}
			if connErr.Kind != tt.expected {
				t.Errorf("Expected kind %s, got %s (%v)", tt.expected, connErr.Kind, err)
			}
			if s.State() != StateDisconnected {
				t.Errorf("Expected DISCONNECTED after failure, got %s", s.State())
			}
			waitClosed(t, s)
		})
	}
}

func TestBridgeSession_ConferenceEnded(t *testing.T) {
	server := fakeBridge(t, func(conn *websocket.Conn, join BridgeMessage) {
		conn.WriteJSON(BridgeMessage{Event: "joined"})
		conn.WriteJSON(BridgeMessage{Event: "ended", Reason: "host ended meeting"})
		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	s := NewBridgeSession(bridgeConfig(server))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitClosed(t, s)

	if !errors.Is(s.Err(), ErrConferenceEnded) {
		t.Errorf("Expected ErrConferenceEnded, got %v", s.Err())
	}
	if _, ok := <-s.ParticipantEvents(); ok {
		t.Error("Expected participant events to close")
	}
}

func TestBridgeSession_TransportClosed(t *testing.T) {
	server := fakeBridge(t, func(conn *websocket.Conn, join BridgeMessage) {
		conn.WriteJSON(BridgeMessage{Event: "joined"})
	})
	defer server.Close()

	s := NewBridgeSession(bridgeConfig(server))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitClosed(t, s)

	if !errors.Is(s.Err(), ErrTransportClosed) {
		t.Errorf("Expected ErrTransportClosed, got %v", s.Err())
	}
}

func TestBridgeSession_DisconnectBeforeConnect(t *testing.T) {
	s := NewBridgeSession(Config{BridgeURL: "ws://unused"})
	s.Disconnect()

	if s.State() != StateDisconnected {
		t.Errorf("Expected DISCONNECTED, got %s", s.State())
	}
	waitClosed(t, s)
	if err := s.Connect(context.Background()); err == nil {
		t.Error("Expected Connect after Disconnect to fail")
	}
}
