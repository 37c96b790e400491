package engine

import (
	"strings"
	"time"
	"unicode/utf8"

	"corvidmq/internal/store"
)

// Connect validates opts, allocates a Connect command, enqueues it, and
// signals the Sender. The returned Token completes once CONNACK succeeds
// or every fallback option (spec.md section 4.5) is exhausted.
func (e *Engine) Connect(handle ClientHandle, opts ...ConnectOption) (Token, error) {
	o := defaultConnectOptions()
	for _, opt := range opts {
		opt(o)
	}

	if o.Will != nil {
		if o.Will.QoS > 2 {
			return nil, ErrBadQoS
		}
		if !validUTF8(o.Will.Topic) {
			return nil, ErrBadUTF8String
		}
	}

	e.mu.Lock()
	cs, ok := e.clients[handle]
	if !ok {
		e.mu.Unlock()
		return nil, ErrUnknownHandle
	}
	if cs.connected || cs.connectState != stateIdle {
		e.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	if cs.callbacks.OnMessageArrived == nil {
		e.mu.Unlock()
		return nil, ErrNullParameter
	}
	csStore := cs.store
	e.mu.Unlock()

	tok := newToken(uint32(handle))
	cmd := &Command{Kind: CmdConnect, Handle: handle, ConnectOpts: o, token: tok, store: csStore}
	e.queue.Enqueue(cmd)
	e.wakeSender()
	return tok, nil
}

// Disconnect enqueues a user-initiated DISCONNECT, waiting up to timeout
// for outbound_msgs to drain before closing (spec.md section 5).
func (e *Engine) Disconnect(handle ClientHandle, timeout time.Duration) (Token, error) {
	e.mu.Lock()
	cs, ok := e.clients[handle]
	if !ok {
		e.mu.Unlock()
		return nil, ErrUnknownHandle
	}
	if timeout > 0 {
		cs.disconnectDeadline = time.Now().Add(timeout)
	}
	csStore := cs.store
	e.mu.Unlock()

	tok := newToken(uint32(handle))
	cmd := &Command{Kind: CmdDisconnect, Handle: handle, token: tok, store: csStore}
	e.queue.Enqueue(cmd)
	e.wakeSender()
	return tok, nil
}

// Subscribe enqueues a single-topic SUBSCRIBE. SubscribeMany submits
// several topic filters in one SUBSCRIBE packet (spec.md section 6).
func (e *Engine) Subscribe(handle ClientHandle, topic string, qos uint8) (Token, error) {
	return e.SubscribeMany(handle, []string{topic}, []uint8{qos})
}

func (e *Engine) SubscribeMany(handle ClientHandle, topics []string, qoss []uint8) (Token, error) {
	if len(topics) == 0 || len(topics) != len(qoss) {
		return nil, ErrBadStructure
	}
	for i, t := range topics {
		if !validUTF8(t) {
			return nil, ErrBadUTF8String
		}
		if qoss[i] > 2 {
			return nil, ErrBadQoS
		}
	}

	e.mu.Lock()
	cs, ok := e.clients[handle]
	var csStore store.Store
	if ok {
		csStore = cs.store
	}
	e.mu.Unlock()
	if !ok {
		return nil, ErrUnknownHandle
	}

	tok := newToken(0)
	cmd := &Command{Kind: CmdSubscribe, Handle: handle, Topics: topics, QoS: qoss, token: tok, store: csStore}
	e.queue.Enqueue(cmd)
	e.wakeSender()
	return tok, nil
}

// Unsubscribe enqueues a single-topic UNSUBSCRIBE. UnsubscribeMany submits
// several topic filters in one UNSUBSCRIBE packet.
func (e *Engine) Unsubscribe(handle ClientHandle, topic string) (Token, error) {
	return e.UnsubscribeMany(handle, []string{topic})
}

func (e *Engine) UnsubscribeMany(handle ClientHandle, topics []string) (Token, error) {
	if len(topics) == 0 {
		return nil, ErrBadStructure
	}
	for _, t := range topics {
		if !validUTF8(t) {
			return nil, ErrBadUTF8String
		}
	}

	e.mu.Lock()
	cs, ok := e.clients[handle]
	var csStore store.Store
	if ok {
		csStore = cs.store
	}
	e.mu.Unlock()
	if !ok {
		return nil, ErrUnknownHandle
	}

	tok := newToken(0)
	cmd := &Command{Kind: CmdUnsubscribe, Handle: handle, Topics: topics, token: tok, store: csStore}
	e.queue.Enqueue(cmd)
	e.wakeSender()
	return tok, nil
}

// Publish enqueues a PUBLISH. The returned Token completes immediately for
// qos 0 once the write succeeds, or after the matching PUBACK/PUBCOMP for
// qos 1/2 (spec.md section 7, "user-visible guarantees").
func (e *Engine) Publish(handle ClientHandle, topic string, payload []byte, qos uint8, retained bool) (Token, error) {
	if !validUTF8(topic) || strings.Contains(topic, "#") || strings.Contains(topic, "+") {
		return nil, ErrBadUTF8String
	}
	if qos > 2 {
		return nil, ErrBadQoS
	}

	e.mu.Lock()
	cs, ok := e.clients[handle]
	var csStore store.Store
	if ok {
		csStore = cs.store
	}
	e.mu.Unlock()
	if !ok {
		return nil, ErrUnknownHandle
	}

	tok := newToken(0)
	cmd := &Command{Kind: CmdPublish, Handle: handle, Topic: topic, Payload: payload, PubQoS: qos, Retained: retained, token: tok, store: csStore}
	e.queue.Enqueue(cmd)
	e.wakeSender()
	return tok, nil
}

func validUTF8(s string) bool {
	return s != "" && utf8.ValidString(s) && !strings.Contains(s, "\x00")
}

// ErrBadStructure is returned for malformed bulk-subscribe/unsubscribe
// argument lists (mismatched topic/qos slice lengths, empty lists).
var ErrBadStructure error = &Error{Category: CategoryProtocolError, Code: StatusBadStructure, Message: "mismatched or empty topic list"}
