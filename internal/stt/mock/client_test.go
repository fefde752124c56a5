package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lexiqai/meet-transcriber/internal/stt"
)

func TestClient_EmitAndClose(t *testing.T) {
	c := NewClient(stt.StreamConfig{SampleRate: 16000})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	c.Interim("hel")
	c.Final("hello team", 0.9)
	c.Close()

	var got []*stt.TranscriptionResult
	for r := range c.GetTranscription() {
		got = append(got, r)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(got))
	}
	if got[0].IsFinal || !got[1].IsFinal || got[1].Text != "hello team" {
		t.Errorf("Unexpected results: %+v %+v", got[0], got[1])
	}
	if c.Err() != nil {
		t.Errorf("Expected nil error after Close, got %v", c.Err())
	}
	if c.Final("late", 1) {
		t.Error("Expected Emit after Close to be refused")
	}
}

func TestClient_Fail(t *testing.T) {
	c := NewClient(stt.StreamConfig{})
	failure := stt.NewRecognizerError("mock", stt.ErrorQuota, nil)
	c.Fail(failure)

	if _, ok := <-c.GetTranscription(); ok {
		t.Error("Expected channel to be closed")
	}
	if !errors.Is(c.Err(), failure) {
		t.Errorf("Expected quota error, got %v", c.Err())
	}
	if err := c.SendAudio([]byte{1}); stt.KindOf(err) != stt.ErrorStreamClosed {
		t.Errorf("Expected stream_closed on send after failure, got %v", err)
	}
}

func TestClient_HoldSends(t *testing.T) {
	c := NewClient(stt.StreamConfig{})
	c.HoldSends()

	done := make(chan struct{})
	go func() {
		c.SendAudio([]byte{1, 2})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Expected SendAudio to block while held")
	case <-time.After(30 * time.Millisecond):
	}

	c.ReleaseSends()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected SendAudio to resume after release")
	}
	if c.ReceivedBytes() != 2 {
		t.Errorf("Expected 2 bytes received, got %d", c.ReceivedBytes())
	}
}

func TestProvider_RecordsClients(t *testing.T) {
	p := NewProvider()
	p.FailStart(errors.New("denied"))

	client, err := p.NewClient(stt.StreamConfig{Language: "en-US"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if client.Start(context.Background()) == nil {
		t.Error("Expected Start to fail")
	}

	next := p.Next(time.Second)
	if next == nil || next.Config.Language != "en-US" {
		t.Fatal("Expected Next to return the created client")
	}
	if len(p.Clients()) != 1 {
		t.Errorf("Expected 1 client, got %d", len(p.Clients()))
	}

	p.FailNewClient(errors.New("no capacity"))
	if _, err := p.NewClient(stt.StreamConfig{}); err == nil {
		t.Error("Expected NewClient to fail")
	}
}

func TestSimulatedClient_ProducesUtterance(t *testing.T) {
	p := NewSimulatedProvider(1)
	client, _ := p.NewClient(stt.StreamConfig{})
	sim := client.(*SimulatedClient)
	utt := DefaultUtterances[sim.utterance%len(DefaultUtterances)]

	for i := 0; i <= len(utt.Partials); i++ {
		if err := client.SendAudio([]byte{0, 0}); err != nil {
			t.Fatalf("SendAudio failed: %v", err)
		}
	}
	client.Close()

	var results []*stt.TranscriptionResult
	for r := range client.GetTranscription() {
		results = append(results, r)
	}
	if len(results) != len(utt.Partials)+1 {
		t.Fatalf("Expected %d results, got %d", len(utt.Partials)+1, len(results))
	}
	last := results[len(results)-1]
	if !last.IsFinal || last.Text != utt.Final {
		t.Errorf("Expected final %q, got %+v", utt.Final, last)
	}
}
