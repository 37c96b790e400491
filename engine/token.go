package engine

import (
	"context"
	"sync"
)

// Token represents an asynchronous command submitted to the engine: a
// Connect, Subscribe, Unsubscribe, Publish, or Disconnect. It is returned
// immediately by the corresponding Engine method and completes once the
// matching wire exchange (or a terminal failure) has happened.
//
// Example (blocking wait):
//
//	tok, err := eng.Publish(handle, "topic", []byte("data"), 1, false)
//	if err != nil {
//	    log.Fatalf("publish rejected: %v", err)
//	}
//	if err := tok.Wait(context.Background()); err != nil {
//	    log.Printf("publish failed: %v", err)
//	}
//
// Example (non-blocking):
//
//	select {
//	case <-tok.Done():
//	    err := tok.Error()
//	case <-time.After(5 * time.Second):
//	}
type Token interface {
	// Wait blocks until the command completes or ctx is cancelled.
	Wait(ctx context.Context) error

	// Done returns a channel closed when the command has a terminal result.
	Done() <-chan struct{}

	// Error returns the terminal error, or nil on success. Only meaningful
	// once Done() is closed.
	Error() error

	// GrantedQoS returns the per-topic granted QoS values from a SUBACK.
	// Only meaningful for Subscribe tokens.
	GrantedQoS() []uint8

	// value is the number the token was created with: the client handle
	// for Connect/Disconnect, 0 for Subscribe/Unsubscribe/Publish (a
	// replayed command carries its persisted record's token). It is not
	// updated to the msg_id assigned at dispatch, and PendingTokens and
	// IsComplete work on Token values, not on this number.
	value() uint32
}

// token is the concrete Token implementation shared by every command kind.
type token struct {
	done       chan struct{}
	err        error
	grantedQoS []uint8
	once       sync.Once
	tokenValue uint32
}

func newToken(value uint32) *token {
	return &token{done: make(chan struct{}), tokenValue: value}
}

func (t *token) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *token) Done() <-chan struct{} {
	return t.done
}

func (t *token) Error() error {
	return t.err
}

func (t *token) GrantedQoS() []uint8 {
	return t.grantedQoS
}

func (t *token) value() uint32 {
	return t.tokenValue
}

// complete marks the token terminal. Only the first call has any effect,
// matching the "exactly one of on_success/on_failure" guarantee of
// spec.md section 7.
func (t *token) complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

func (t *token) completeWithGrants(qos []uint8, err error) {
	t.once.Do(func() {
		t.grantedQoS = qos
		t.err = err
		close(t.done)
	})
}

// isComplete reports whether the token already has a terminal result,
// realizing MQTTAsync_isComplete without blocking.
func isComplete(t Token) bool {
	select {
	case <-t.Done():
		return true
	default:
		return false
	}
}
