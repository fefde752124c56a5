package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/meet-transcriber/internal/assistant"
	"github.com/lexiqai/meet-transcriber/internal/broadcast"
	confmock "github.com/lexiqai/meet-transcriber/internal/conference/mock"
	"github.com/lexiqai/meet-transcriber/internal/store"
	sttmock "github.com/lexiqai/meet-transcriber/internal/stt/mock"
	"github.com/lexiqai/meet-transcriber/internal/transcription"
)

type fakeTranscripts struct {
	lines []store.LineRecord
	err   error
}

func (f *fakeTranscripts) Lines(ctx context.Context, sessionID string) ([]store.LineRecord, error) {
	return f.lines, f.err
}

func (f *fakeTranscripts) AIResponses(ctx context.Context, sessionID string) ([]store.AIResponseRecord, error) {
	return []store.AIResponseRecord{}, f.err
}

type testServer struct {
	*httptest.Server
	svc   *transcription.Service
	confs *confmock.Factory
	asr   *sttmock.Provider
}

func newTestServer(t *testing.T, prepare func(*confmock.Session), transcripts TranscriptReader) *testServer {
	t.Helper()
	confs := confmock.NewFactory(prepare)
	asr := sttmock.NewProvider()
	bc := broadcast.NewBroadcaster(64)

	svc, err := transcription.NewService(transcription.Deps{
		Conferences: confs.New,
		Recognizers: asr,
		Responder:   assistant.NewResponder(assistant.NewStaticAnswerer(), assistant.ResponderConfig{Timeout: time.Second}, nil),
		Broadcaster: bc,
	}, transcription.Options{ConnectTimeout: time.Minute})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	mux := http.NewServeMux()
	NewHandler(svc, bc, transcripts).Register(mux)
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
		bc.Close()
	})
	return &testServer{Server: server, svc: svc, confs: confs, asr: asr}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (s *testServer) do(t *testing.T, method, path, body string) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("Failed to decode envelope: %v", err)
	}
	return resp.StatusCode, env
}

func (s *testServer) startActive(t *testing.T) string {
	t.Helper()
	code, env := s.do(t, http.MethodPost, "/api/sessions", `{"meetingId":"abc-defg-hij","accessToken":"tok"}`)
	if code != http.StatusCreated || !env.Success {
		t.Fatalf("Expected 201, got %d: %s", code, env.Error)
	}
	var started StartResponse
	json.Unmarshal(env.Data, &started)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		info, err := s.svc.Status(started.SessionID)
		if err == nil && info.Status == transcription.StatusActive {
			return started.SessionID
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Session never became active")
	return ""
}

func TestAPI_SessionLifecycle(t *testing.T) {
	s := newTestServer(t, nil, nil)
	id := s.startActive(t)

	code, env := s.do(t, http.MethodGet, "/api/sessions/"+id, "")
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	var info transcription.SessionInfo
	json.Unmarshal(env.Data, &info)
	if info.SessionID != id || info.MeetingID != "abc-defg-hij" || info.Status != transcription.StatusActive {
		t.Errorf("Unexpected session info: %+v", info)
	}

	code, env = s.do(t, http.MethodGet, "/api/sessions", "")
	var list []transcription.SessionInfo
	json.Unmarshal(env.Data, &list)
	if code != http.StatusOK || len(list) != 1 {
		t.Errorf("Expected one session, got %d (%d)", len(list), code)
	}

	code, env = s.do(t, http.MethodPatch, "/api/sessions/"+id+"/settings", `{"enableQA":true}`)
	var settings transcription.AISettings
	json.Unmarshal(env.Data, &settings)
	if code != http.StatusOK || !settings.EnableQA {
		t.Errorf("Expected QA enabled, got %+v (%d)", settings, code)
	}

	code, env = s.do(t, http.MethodPost, "/api/sessions/"+id+"/questions", `{"question":"any blockers?","askedBy":"Dana"}`)
	var resp assistant.Response
	json.Unmarshal(env.Data, &resp)
	if code != http.StatusOK || resp.AskedBy != "Dana" || resp.TriggerType != assistant.TriggerManual {
		t.Errorf("Unexpected question response: %+v (%d)", resp, code)
	}

	code, env = s.do(t, http.MethodDelete, "/api/sessions/"+id, "")
	json.Unmarshal(env.Data, &info)
	if code != http.StatusOK || info.Status != transcription.StatusEnded {
		t.Errorf("Expected ended session, got %s (%d)", info.Status, code)
	}

	code, _ = s.do(t, http.MethodDelete, "/api/sessions/"+id, "")
	if code != http.StatusOK {
		t.Errorf("Expected repeated stop to succeed, got %d", code)
	}
	code, _ = s.do(t, http.MethodPatch, "/api/sessions/"+id+"/settings", `{"enableQA":false}`)
	if code != http.StatusConflict {
		t.Errorf("Expected 409 for ended session, got %d", code)
	}
}

func TestAPI_ErrorMapping(t *testing.T) {
	s := newTestServer(t, func(sess *confmock.Session) { sess.HoldConnect() }, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"unknown session", http.MethodGet, "/api/sessions/missing", "", http.StatusNotFound},
		{"stop unknown", http.MethodDelete, "/api/sessions/missing", "", http.StatusNotFound},
		{"bad json", http.MethodPost, "/api/sessions", "{", http.StatusBadRequest},
		{"missing meeting", http.MethodPost, "/api/sessions", `{"meetingId":""}`, http.StatusBadRequest},
		{"question unknown", http.MethodPost, "/api/sessions/missing/questions", `{"question":"hi"}`, http.StatusNotFound},
		{"transcript without store", http.MethodGet, "/api/sessions/missing/transcript", "", http.StatusNotImplemented},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := s.do(t, tt.method, tt.path, tt.body)
			if code != tt.status {
				t.Errorf("Expected %d, got %d", tt.status, code)
			}
			if env.Success || env.Error == "" {
				t.Errorf("Expected failure envelope, got %+v", env)
			}
		})
	}

	// held connect keeps the session starting
	code, env := s.do(t, http.MethodPost, "/api/sessions", `{"meetingId":"m"}`)
	if code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", code)
	}
	var started StartResponse
	json.Unmarshal(env.Data, &started)

	code, _ = s.do(t, http.MethodPost, "/api/sessions/"+started.SessionID+"/questions", `{"question":"hi"}`)
	if code != http.StatusConflict {
		t.Errorf("Expected 409 while starting, got %d", code)
	}
	code, _ = s.do(t, http.MethodPost, "/api/sessions/"+started.SessionID+"/questions", `{"question":"  "}`)
	if code != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty question, got %d", code)
	}
}

func TestAPI_Transcript(t *testing.T) {
	transcripts := &fakeTranscripts{lines: []store.LineRecord{{ID: "l1", SessionID: "s1", Text: "hello"}}}
	s := newTestServer(t, nil, transcripts)

	code, env := s.do(t, http.MethodGet, "/api/sessions/s1/transcript", "")
	var tr TranscriptResponse
	json.Unmarshal(env.Data, &tr)
	if code != http.StatusOK || len(tr.Lines) != 1 || tr.Lines[0].Text != "hello" {
		t.Errorf("Unexpected transcript: %+v (%d)", tr, code)
	}

	transcripts.lines = nil
	code, _ = s.do(t, http.MethodGet, "/api/sessions/unknown/transcript", "")
	if code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown empty transcript, got %d", code)
	}

	transcripts.err = errors.New("disk I/O error")
	code, _ = s.do(t, http.MethodGet, "/api/sessions/s1/transcript", "")
	if code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", code)
	}
}

func TestAPI_ObserverWebSocket(t *testing.T) {
	s := newTestServer(t, nil, nil)
	id := s.startActive(t)
	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?session=" + id

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var snapshot struct {
		Type    broadcast.EventType       `json:"type"`
		Payload transcription.SessionInfo `json:"payload"`
	}
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("Failed to read snapshot: %v", err)
	}
	if snapshot.Type != broadcast.EventSessionUpdate || snapshot.Payload.SessionID != id {
		t.Errorf("Expected session snapshot first, got %+v", snapshot)
	}

	conf := s.confs.Sessions()[0]
	conf.AddTrack("t1", "src-1", "Alex")
	client := s.asr.Next(2 * time.Second)
	if client == nil {
		t.Fatal("Expected an ASR client")
	}
	client.Final("hello from the websocket", 0.9)

	for {
		var ev struct {
			Type    broadcast.EventType          `json:"type"`
			Payload transcription.TranscriptLine `json:"payload"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("Failed to read event: %v", err)
		}
		if ev.Type == broadcast.EventTranscript {
			if ev.Payload.Text != "hello from the websocket" || !ev.Payload.IsFinal {
				t.Errorf("Unexpected transcript event: %+v", ev.Payload)
			}
			break
		}
	}
}

func TestAPI_ObserverUnknownSession(t *testing.T) {
	s := newTestServer(t, nil, nil)
	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?session=missing"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("Expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 handshake response, got %v", resp)
	}
}
