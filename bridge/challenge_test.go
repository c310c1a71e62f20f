package bridge

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/xeipuuv/gojsonschema"

	"github.com/jmcarbo/ssebridge/frame"
	"github.com/jmcarbo/ssebridge/pool"
)

func challenge(e *env, headers ...frame.Header) {
	ex := frame.HTTPChallengeEx{Headers: headers}
	e.f.Dispatch(&frame.Frame{
		Kind:      frame.KindChallenge,
		StreamID:  e.acceptReplyID,
		Extension: ex.Marshal(),
	})
}

func TestChallengeJSON(t *testing.T) {
	body, err := challengeJSON(&frame.HTTPChallengeEx{Headers: []frame.Header{
		{Name: ":method", Value: "GET"},
		{Name: ":path", Value: "/ignored"},
		{Name: "www-authenticate", Value: "Bearer"},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"method":"GET","headers":{"www-authenticate":"Bearer"}}`
	if string(body) != want {
		t.Errorf("expected %s, got %s", want, body)
	}
}

func TestChallengeJSON_NoMethod(t *testing.T) {
	body, err := challengeJSON(&frame.HTTPChallengeEx{Headers: []frame.Header{
		{Name: "www-authenticate", Value: "Bearer"},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if _, present := decoded["method"]; present {
		t.Error("method must be absent without a :method pseudo-header")
	}
}

func TestChallenge_Injected(t *testing.T) {
	e := newEnv(t, "")
	_, replyID := e.subscribe(t)
	e.replyBegin(replyID)
	e.window(1024, 0)

	challenge(e,
		frame.Header{Name: ":method", Value: "GET"},
		frame.Header{Name: "www-authenticate", Value: "Bearer"},
	)
	last := e.net.Last()
	if last == nil || last.Kind != frame.KindData {
		t.Fatalf("expected injected Data, got %+v", last)
	}
	want := "event:challenge\ndata:{\"method\":\"GET\",\"headers\":{\"www-authenticate\":\"Bearer\"}}\n\n"
	if string(last.Payload) != want {
		t.Errorf("expected %q, got %q", want, last.Payload)
	}
}

func TestChallenge_CustomEventType(t *testing.T) {
	e := newEnv(t, "", WithChallengeEventType("reauthenticate"))
	_, replyID := e.subscribe(t)
	e.replyBegin(replyID)
	e.window(1024, 0)

	challenge(e, frame.Header{Name: ":method", Value: "GET"})
	if !bytes.HasPrefix(e.net.Last().Payload, []byte("event:reauthenticate\n")) {
		t.Errorf("expected custom event type, got %q", e.net.Last().Payload)
	}
}

func TestChallenge_DeferredUntilWindow(t *testing.T) {
	e := newEnv(t, "")
	_, replyID := e.subscribe(t)
	e.replyBegin(replyID)
	e.window(10, 0) // far below the challenge event size

	challenge(e, frame.Header{Name: ":method", Value: "GET"})
	if last := e.net.Last(); last != nil && last.Kind == frame.KindData {
		t.Fatal("challenge must be queued without budget")
	}
	if e.slots.Acquired() != 1 {
		t.Fatalf("expected one held slot, got %d", e.slots.Acquired())
	}

	e.window(1024, 0)
	last := e.net.Last()
	if last == nil || last.Kind != frame.KindData {
		t.Fatal("expected queued challenge to flush")
	}
	if !bytes.HasPrefix(last.Payload, []byte("event:challenge\n")) {
		t.Errorf("unexpected flushed payload %q", last.Payload)
	}
	if e.slots.Acquired() != 0 {
		t.Error("slot must be released after flushing")
	}
}

func TestChallenge_DroppedWhenPoolExhausted(t *testing.T) {
	e := newEnv(t, "")
	e.slots = pool.New(0, 64)
	e.f = New(e.table, e.slots)
	_, replyID := e.subscribe(t)
	e.replyBegin(replyID)
	e.window(10, 0)

	challenge(e, frame.Header{Name: ":method", Value: "GET"})
	if last := e.net.Last(); last != nil && last.Kind == frame.KindData {
		t.Error("challenge must be dropped without a slot")
	}

	// Later windows must not replay a dropped challenge.
	e.window(1024, 0)
	for _, fr := range e.net.Frames() {
		if fr.Kind == frame.KindData {
			t.Error("dropped challenge must not reappear")
		}
	}
}

func TestChallenge_DroppedBeforeReplyBegin(t *testing.T) {
	e := newEnv(t, "")
	e.subscribe(t)

	challenge(e, frame.Header{Name: ":method", Value: "GET"})
	if e.net.Len() != 0 {
		t.Error("challenge before the response begins must be dropped")
	}
	if e.slots.Acquired() != 0 {
		t.Error("no slot may be held for a dropped challenge")
	}
}

func TestChallengeSchema_ValidatesEmittedPayload(t *testing.T) {
	schemaJSON, err := json.Marshal(ChallengeSchema())
	if err != nil {
		t.Fatalf("schema marshal failed: %v", err)
	}
	body, err := challengeJSON(&frame.HTTPChallengeEx{Headers: []frame.Header{
		{Name: ":method", Value: "GET"},
		{Name: "www-authenticate", Value: "Bearer"},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewBytesLoader(body),
	)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if !result.Valid() {
		t.Errorf("challenge payload does not match its schema: %v", result.Errors())
	}
}
