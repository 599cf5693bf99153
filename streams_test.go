package dispatch_test

import (
	"context"
	"encoding/json"
	"testing"

	dispatch "github.com/hanayashiki/actiondispatch"
	"github.com/hanayashiki/actiondispatch/transport"
)

func subscribeBody(id int64) json.RawMessage {
	b, _ := json.Marshal(struct {
		ID int64 `json:"id"`
	}{ID: id})
	return b
}

func TestColdStream_RequiresExplicitSubscribe(t *testing.T) {
	d, _, _ := newTestDispatcher()
	sink := transport.NewMemorySink()
	ctx := context.Background()

	body := actionBody("greeter", "Countdown", struct {
		From int `json:"from"`
	}{From: 2})
	if err := d.HandleMessage(ctx, dispatch.Message{ID: 10, Type: dispatch.TypeAction, Body: body}, sink); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	frames := sink.Frames()
	if len(frames) != 1 || frames[0].Type != dispatch.TypeResponseActionObservable {
		t.Fatalf("expected observable announcement before any subscribe, got %+v", frames)
	}
	announcement := frames[0].Body.(dispatch.ObservableAnnouncement)
	if announcement.Type != dispatch.ObservableStream {
		t.Errorf("expected stream kind, got %q", announcement.Type)
	}

	if err := d.HandleMessage(ctx, dispatch.Message{
		ID:   10,
		Type: dispatch.TypeActionObservableSubscribe,
		Body: subscribeBody(100),
	}, sink); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	frames = sink.Frames()
	// announcement + 3 next frames (2,1,0) + complete.
	if len(frames) != 5 {
		t.Fatalf("expected 5 frames after subscribe, got %d: %+v", len(frames), frames)
	}
	for i, want := range []dispatch.MessageType{
		dispatch.TypeResponseActionObservableNext,
		dispatch.TypeResponseActionObservableNext,
		dispatch.TypeResponseActionObservableNext,
		dispatch.TypeResponseActionObservableComplete,
	} {
		f := frames[i+1]
		if f.Type != want {
			t.Errorf("frame %d: expected %s, got %s", i+1, want, f.Type)
		}
	}
}

func TestColdStream_UnsubscribeStopsDelivery(t *testing.T) {
	d, ctrl, _ := newTestDispatcher()
	sink := transport.NewMemorySink()
	ctx := context.Background()

	body := actionBody("greeter", "LiveFeed", EmptyArgs{})
	if err := d.HandleMessage(ctx, dispatch.Message{ID: 20, Type: dispatch.TypeAction, Body: body}, sink); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if err := d.HandleMessage(ctx, dispatch.Message{ID: 20, Type: dispatch.TypeActionObservableSubscribe, Body: subscribeBody(200)}, sink); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctrl.PublishLive(1)
	if err := d.HandleMessage(ctx, dispatch.Message{ID: 20, Type: dispatch.TypeActionObservableUnsubscribe, Body: subscribeBody(200)}, sink); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	ctrl.PublishLive(2)

	var nextCount int
	for _, f := range sink.Frames() {
		if f.Type == dispatch.TypeResponseActionObservableNext {
			nextCount++
		}
	}
	if nextCount != 1 {
		t.Errorf("expected exactly 1 delivered value before unsubscribe, got %d", nextCount)
	}
}

func TestSubject_AutoSubscribesAndAnnouncesFirst(t *testing.T) {
	d, ctrl, _ := newTestDispatcher()
	sink := transport.NewMemorySink()
	ctx := context.Background()

	body := actionBody("greeter", "Notifications", EmptyArgs{})
	if err := d.HandleMessage(ctx, dispatch.Message{ID: 30, Type: dispatch.TypeAction, Body: body}, sink); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	ctrl.notifications.Next("hello")

	frames := sink.Frames()
	if len(frames) != 2 {
		t.Fatalf("expected announcement + 1 next frame, got %d: %+v", len(frames), frames)
	}
	if frames[0].Type != dispatch.TypeResponseActionObservable {
		t.Fatalf("expected observable announcement first, got %s", frames[0].Type)
	}
	announcement := frames[0].Body.(dispatch.ObservableAnnouncement)
	if announcement.Type != dispatch.ObservableSubject {
		t.Errorf("expected subject kind, got %q", announcement.Type)
	}
	if frames[1].Type != dispatch.TypeResponseActionObservableNext {
		t.Errorf("expected next frame, got %s", frames[1].Type)
	}
}

func TestLatchedSubject_ReplaysCurrentValue(t *testing.T) {
	d, _, _ := newTestDispatcher()
	sink := transport.NewMemorySink()
	ctx := context.Background()

	body := actionBody("greeter", "Temperature", EmptyArgs{})
	if err := d.HandleMessage(ctx, dispatch.Message{ID: 40, Type: dispatch.TypeAction, Body: body}, sink); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	frames := sink.Frames()
	if len(frames) != 2 {
		t.Fatalf("expected announcement + replayed current value, got %d: %+v", len(frames), frames)
	}
	announcement := frames[0].Body.(dispatch.ObservableAnnouncement)
	if announcement.Type != dispatch.ObservableLatchedSubject {
		t.Errorf("expected latched-subject kind, got %q", announcement.Type)
	}
	item := frames[1].Body.(dispatch.StreamItem[any])
	if item.V != 68 {
		t.Errorf("expected replayed value 68, got %v", item.V)
	}
}

func TestStreamRegistry_DuplicateSubscribeRejected(t *testing.T) {
	d, _, _ := newTestDispatcher()
	sink := transport.NewMemorySink()
	ctx := context.Background()

	body := actionBody("greeter", "LiveFeed", EmptyArgs{})
	_ = d.HandleMessage(ctx, dispatch.Message{ID: 50, Type: dispatch.TypeAction, Body: body}, sink)
	_ = d.HandleMessage(ctx, dispatch.Message{ID: 50, Type: dispatch.TypeActionObservableSubscribe, Body: subscribeBody(1)}, sink)
	_ = d.HandleMessage(ctx, dispatch.Message{ID: 50, Type: dispatch.TypeActionObservableSubscribe, Body: subscribeBody(1)}, sink)

	var errCount int
	for _, f := range sink.Frames() {
		if f.Type == dispatch.TypeError {
			errCount++
		}
	}
	if errCount != 1 {
		t.Errorf("expected exactly 1 duplicate-subscribe error frame, got %d", errCount)
	}
}

func TestStreamRegistry_ResubscribeAfterCompletionRejected(t *testing.T) {
	d, _, _ := newTestDispatcher()
	sink := transport.NewMemorySink()
	ctx := context.Background()

	body := actionBody("greeter", "Countdown", struct {
		From int `json:"from"`
	}{From: 1})
	_ = d.HandleMessage(ctx, dispatch.Message{ID: 55, Type: dispatch.TypeAction, Body: body}, sink)
	if err := d.HandleMessage(ctx, dispatch.Message{ID: 55, Type: dispatch.TypeActionObservableSubscribe, Body: subscribeBody(1)}, sink); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}

	if err := d.HandleMessage(ctx, dispatch.Message{ID: 55, Type: dispatch.TypeActionObservableSubscribe, Body: subscribeBody(1)}, sink); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	var errCount int
	for _, f := range sink.Frames() {
		if f.Type == dispatch.TypeError {
			errCount++
		}
	}
	if errCount != 1 {
		t.Errorf("expected resubscribing under a completed subscription's ID to be rejected, got %d error frames", errCount)
	}
}
