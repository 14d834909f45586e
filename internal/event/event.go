// Package event defines the envelope exchanged between the control plane and
// the data plane: the registration payload, its one-shot reply, the listener
// cancellation token and the sink for inbound connection notifications.
package event

// ClientEvent is sent by the control plane to the data plane for every
// registration request. The data plane answers through Resp exactly once,
// watches CloseListener to know when to stop accepting, and reports bridges
// through Incoming once the registration succeeded.
type ClientEvent struct {
	SessionID     string
	Payload       Payload
	Resp          *ReplySender
	CloseListener *CancelToken
	Incoming      *IncomingSink

	// Tunnel optionally names the listener so bridges can be traced back to
	// the registration. The data plane picks an id when it is empty.
	Tunnel string
}

// NewClientEvent builds an envelope and returns the receiver the control plane
// waits on. It performs no I/O.
func NewClientEvent(sessionID string, p Payload, closeListener *CancelToken, incoming *IncomingSink) (*ClientEvent, *ReplyReceiver) {
	tx, rx := NewReply()
	return &ClientEvent{
		SessionID:     sessionID,
		Payload:       p,
		Resp:          tx,
		CloseListener: closeListener,
		Incoming:      incoming,
	}, rx
}
