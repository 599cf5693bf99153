package dispatch_test

import (
	"context"
	"testing"

	dispatch "github.com/hanayashiki/actiondispatch"
	"github.com/hanayashiki/actiondispatch/transport"
)

func TestHandleAction_PlainResult(t *testing.T) {
	d, _, _ := newTestDispatcher()
	sink := transport.NewMemorySink()

	body := actionBody("greeter", "Echo", EchoRequest{Text: "hi"})
	if err := d.HandleMessage(context.Background(), dispatch.Message{ID: 1, Type: dispatch.TypeAction, Body: body}, sink); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	frames := sink.Frames()
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Type != dispatch.TypeResponseActionSimple {
		t.Errorf("expected %s, got %s", dispatch.TypeResponseActionSimple, frames[0].Type)
	}
	if frames[0].ID != 1 {
		t.Errorf("expected frame ID 1, got %d", frames[0].ID)
	}
}

func TestHandleAction_ValidationError(t *testing.T) {
	d, _, _ := newTestDispatcher()
	sink := transport.NewMemorySink()

	body := actionBody("greeter", "Echo", EchoRequest{Text: ""})
	if err := d.HandleMessage(context.Background(), dispatch.Message{ID: 2, Type: dispatch.TypeAction, Body: body}, sink); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	frames := sink.Frames()
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Type != dispatch.TypeError {
		t.Fatalf("expected error frame, got %s", frames[0].Type)
	}
	we, ok := frames[0].Body.(*dispatch.WireError)
	if !ok {
		t.Fatalf("expected *WireError body, got %T", frames[0].Body)
	}
	if len(we.Failures) == 0 {
		t.Error("expected at least one validation failure")
	}
}

func TestHandleAction_UnknownController(t *testing.T) {
	d, _, _ := newTestDispatcher()
	sink := transport.NewMemorySink()

	body := actionBody("nope", "Echo", EchoRequest{Text: "hi"})
	_ = d.HandleMessage(context.Background(), dispatch.Message{ID: 3, Type: dispatch.TypeAction, Body: body}, sink)

	frames := sink.Frames()
	if len(frames) != 1 || frames[0].Type != dispatch.TypeError {
		t.Fatalf("expected single error frame, got %+v", frames)
	}
}

func TestHandleAction_EntitySubject(t *testing.T) {
	d, _, _ := newTestDispatcher()
	sink := transport.NewMemorySink()

	body := actionBody("greeter", "LookupUser", struct {
		ID int `json:"id"`
	}{ID: 7})
	if err := d.HandleMessage(context.Background(), dispatch.Message{ID: 4, Type: dispatch.TypeAction, Body: body}, sink); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	frames := sink.Frames()
	if len(frames) != 1 || frames[0].Type != dispatch.TypeResponseEntity {
		t.Fatalf("expected entity response, got %+v", frames)
	}
}

func TestHandleAction_MissingGeneric(t *testing.T) {
	d, _, _ := newTestDispatcher()
	sink := transport.NewMemorySink()

	body := actionBody("greeter", "BrokenStream", EmptyArgs{})
	_ = d.HandleMessage(context.Background(), dispatch.Message{ID: 5, Type: dispatch.TypeAction, Body: body}, sink)

	frames := sink.Frames()
	if len(frames) != 1 || frames[0].Type != dispatch.TypeError {
		t.Fatalf("expected error frame, got %+v", frames)
	}
	we := frames[0].Body.(*dispatch.WireError)
	if we.ClassType != string(dispatch.KindMissingGeneric) {
		t.Errorf("expected missing_generic classType, got %q", we.ClassType)
	}
}

func TestHandleActionType_Introspection(t *testing.T) {
	d, _, _ := newTestDispatcher()
	sink := transport.NewMemorySink()

	body := actionBody("greeter", "Echo", struct{}{})
	if err := d.HandleMessage(context.Background(), dispatch.Message{ID: 6, Type: dispatch.TypeActionType, Body: body}, sink); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	frames := sink.Frames()
	if len(frames) != 1 || frames[0].Type != dispatch.TypeResponseActionType {
		t.Fatalf("expected introspection response, got %+v", frames)
	}
}
