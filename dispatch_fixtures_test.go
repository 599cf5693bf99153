package dispatch_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	dispatch "github.com/hanayashiki/actiondispatch"
)

// EchoRequest/EchoResponse/GreeterController and friends are the fixture
// controllers exercised across the package's tests. They stand in for a
// real application's controllers, the way testutil fixtures stand in for
// real handlers in the teacher repo.

type EchoRequest struct {
	Text string `json:"text" validate:"required"`
}

type EchoResponse struct {
	Text string `json:"text"`
}

type UserEntity struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func (UserEntity) IsEntitySubject() bool { return true }

type liveFeed struct {
	mu     sync.Mutex
	onNext func(int)
}

type GreeterController struct {
	notifications *dispatch.Subject[string]
	temperature   *dispatch.LatchedSubject[int]
	users         *dispatch.Collection[UserEntity, int]
	live          liveFeed
}

func NewGreeterController() *GreeterController {
	return &GreeterController{
		notifications: dispatch.NewSubject[string](),
		temperature:   dispatch.NewLatchedSubject[int](68),
		users: dispatch.NewCollection[UserEntity, int](
			map[string]any{"kind": "users"},
			func(u UserEntity) int { return u.ID },
		),
	}
}

type EmptyArgs struct{}

func (c *GreeterController) Echo(ctx context.Context, req EchoRequest) (EchoResponse, error) {
	return EchoResponse{Text: req.Text}, nil
}

func (c *GreeterController) LookupUser(ctx context.Context, req struct {
	ID int `json:"id"`
}) (UserEntity, error) {
	if req.ID == 0 {
		return UserEntity{}, fmt.Errorf("user %d not found", req.ID)
	}
	return UserEntity{ID: req.ID, Name: "ada"}, nil
}

// Countdown is a cold stream that delivers every value synchronously
// within Subscribe, so tests observe its full output without needing to
// wait on a separate goroutine.
func (c *GreeterController) Countdown(ctx context.Context, req struct {
	From int `json:"from"`
}) (dispatch.Stream[int], error) {
	return dispatch.NewStream(func(onNext func(int), onError func(error), onComplete func()) (cancel func()) {
		canceled := false
		for i := req.From; i >= 0 && !canceled; i-- {
			onNext(i)
		}
		if !canceled {
			onComplete()
		}
		return func() { canceled = true }
	}), nil
}

// LiveFeed is a cold stream whose values are pushed explicitly by the
// test via PublishLive, for scenarios that need to interleave
// publishing with subscribe/unsubscribe.
func (c *GreeterController) LiveFeed(ctx context.Context, req EmptyArgs) (dispatch.Stream[int], error) {
	return dispatch.NewStream(func(onNext func(int), onError func(error), onComplete func()) (cancel func()) {
		c.live.mu.Lock()
		c.live.onNext = onNext
		c.live.mu.Unlock()
		return func() {
			c.live.mu.Lock()
			c.live.onNext = nil
			c.live.mu.Unlock()
		}
	}), nil
}

// PublishLive delivers v to whichever subscriber is currently attached
// to LiveFeed, if any.
func (c *GreeterController) PublishLive(v int) {
	c.live.mu.Lock()
	fn := c.live.onNext
	c.live.mu.Unlock()
	if fn != nil {
		fn(v)
	}
}

func (c *GreeterController) Notifications(ctx context.Context, req EmptyArgs) (*dispatch.Subject[string], error) {
	return c.notifications, nil
}

func (c *GreeterController) Temperature(ctx context.Context, req EmptyArgs) (*dispatch.LatchedSubject[int], error) {
	return c.temperature, nil
}

func (c *GreeterController) Users(ctx context.Context, req EmptyArgs) (*dispatch.Collection[UserEntity, int], error) {
	return c.users, nil
}

func (c *GreeterController) BrokenStream(ctx context.Context, req EmptyArgs) (dispatch.RawStream, error) {
	return dispatch.RawStream{}, nil
}

// newTestDispatcher wires a Dispatcher around a fresh GreeterController
// and a ManualScheduler, giving tests deterministic control over
// collection-change batching.
func newTestDispatcher() (*dispatch.Dispatcher, *GreeterController, *dispatch.ManualScheduler) {
	registry := dispatch.NewDefaultRegistry()
	ctrl := NewGreeterController()
	registry.Register("greeter", ctrl)

	scheduler := dispatch.NewManualScheduler()
	d := dispatch.NewDispatcher(registry, registry).WithStreamScheduler(scheduler)
	return d, ctrl, scheduler
}

func actionBody(controller, method string, args any) []byte {
	type wire struct {
		Controller string `json:"controller"`
		Method     string `json:"method"`
	}
	// Args are flattened into the same object as controller/method, since
	// both get re-parsed from a single raw body; the fixture controllers'
	// request types never collide with those two names.
	base, _ := marshalMerge(wire{Controller: controller, Method: method}, args)
	return base
}

// marshalMerge JSON-encodes a and b and merges their top-level object
// keys, with b's keys winning on conflict.
func marshalMerge(a, b any) ([]byte, error) {
	am, err := marshalToMap(a)
	if err != nil {
		return nil, err
	}
	bm, err := marshalToMap(b)
	if err != nil {
		return nil, err
	}
	for k, v := range bm {
		am[k] = v
	}
	return json.Marshal(am)
}

func marshalToMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
