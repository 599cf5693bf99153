package dispatch

import "encoding/json"

// ControlHandler dispatches the inbound subscription-control messages
// against StreamRegistry and CollectionBridge. It never touches Invoker:
// control messages only ever reference state an earlier Action call
// already created.
type ControlHandler struct {
	streams     *StreamRegistry
	collections *CollectionBridge
	encoder     *ErrorEncoder
}

// NewControlHandler wires a ControlHandler against the registries it
// controls.
func NewControlHandler(streams *StreamRegistry, collections *CollectionBridge, encoder *ErrorEncoder) *ControlHandler {
	return &ControlHandler{streams: streams, collections: collections, encoder: encoder}
}

// Handle routes msg to the matching control operation. callID is the
// original Action call's ID, which the control message's own ID always
// names (the call ID doubles as the observable/collection handle).
func (h *ControlHandler) Handle(msg Message, sink FrameSink) error {
	switch msg.Type {
	case TypeActionObservableSubscribe:
		var ref subscriptionRef
		if err := json.Unmarshal(msg.Body, &ref); err != nil {
			return h.sendError(msg.ID, sink, NewDispatchError(KindControl, "malformed subscribe body: %v", err))
		}
		if err := h.streams.HandleSubscribe(msg.ID, ref.ID); err != nil {
			return h.sendError(msg.ID, sink, err)
		}
		return nil

	case TypeActionObservableUnsubscribe:
		var ref subscriptionRef
		if err := json.Unmarshal(msg.Body, &ref); err != nil {
			return h.sendError(msg.ID, sink, NewDispatchError(KindControl, "malformed unsubscribe body: %v", err))
		}
		if err := h.streams.HandleUnsubscribe(msg.ID, ref.ID); err != nil {
			return h.sendError(msg.ID, sink, err)
		}
		return nil

	case TypeActionObservableSubjectUnsubscribe:
		if err := h.streams.HandleUnsubscribeSubject(msg.ID); err != nil {
			return h.sendError(msg.ID, sink, err)
		}
		return nil

	case TypeResponseActionCollectionUnsubscribe:
		if err := h.collections.Unsubscribe(msg.ID); err != nil {
			return h.sendError(msg.ID, sink, err)
		}
		return nil

	default:
		return h.sendError(msg.ID, sink, NewDispatchError(KindControl, "unhandled control message type %q", msg.Type))
	}
}

func (h *ControlHandler) sendError(callID int64, sink FrameSink, err error) error {
	return sink.Send(Frame{ID: callID, Type: TypeError, Body: h.encoder.Encode(err)})
}
