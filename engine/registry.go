package engine

import (
	"fmt"
	"net"
	"sync"
	"time"

	"corvidmq/internal/store"
	"corvidmq/internal/transport"

	"github.com/sirupsen/logrus"
)

// runState tracks the Engine's worker lifecycle (spec.md section 5's
// STARTING -> RUNNING -> STOPPING -> STOPPED).
type runState int32

const (
	stateStarting runState = iota
	stateRunning
	stateStopping
	stateStopped
)

// Engine is the process-wide singleton described in spec.md section 2: one
// ClientRegistry, one CommandQueue, and the Sender/Receiver worker pair,
// shared by every client handle created against it.
type Engine struct {
	mu sync.Mutex // the "engine lock": serialises clientState/registry/socket-index/pending-response mutation

	clients    map[ClientHandle]*clientState
	nextHandle ClientHandle

	sockets map[ClientHandle]net.Conn // sockets_index, spec.md section 4.1

	queue *CommandQueue

	transport transport.Transport
	poller    transport.ReadinessPoller

	log *logrus.Entry

	run       runState
	wake      chan struct{} // send_cond equivalent: buffered, coalescing wakeups
	stop      chan struct{}
	callbacks chan func() // the dedicated callback-dispatch goroutine's inbox (SPEC_FULL section 9)
	wg        sync.WaitGroup

	checkTimeoutsAt time.Time
}

// New constructs an Engine using the given Transport (nil selects the
// default TCP/TLS transport) and logger (nil selects a silent logger).
func New(tr transport.Transport, log *logrus.Entry) *Engine {
	if tr == nil {
		tr = transport.New()
	}
	if log == nil {
		logger := logrus.New()
		logger.SetLevel(logrus.PanicLevel)
		log = logrus.NewEntry(logger)
	}
	return &Engine{
		clients:   make(map[ClientHandle]*clientState),
		sockets:   make(map[ClientHandle]net.Conn),
		queue:     NewCommandQueue(),
		transport: tr,
		poller:    transport.NewReadinessPoller(),
		log:       log,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		callbacks: make(chan func(), 256),
	}
}

// Default returns an Engine with the default transport and a logrus logger
// at Info level writing to stderr, matching the teacher's opts.Logger
// convenience default.
func Default() *Engine {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	return New(nil, logrus.NewEntry(logger).WithField("component", "corvidmq"))
}

// Create registers a new client and returns its handle. On the first
// Create, shared infrastructure (the Sender/Receiver workers and the
// callback dispatcher) is started; persistence is replayed into the
// CommandQueue if store is non-nil (spec.md section 6's restore-on-create).
func (e *Engine) Create(serverURI, clientID string, persistence store.Store) (ClientHandle, error) {
	if clientID == "" {
		return 0, ErrNullParameter
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.run == stateStopped {
		return 0, ErrEngineStopped
	}

	e.nextHandle++
	handle := e.nextHandle

	cs := newClientState(handle, serverURI, clientID)
	cs.store = persistence
	e.clients[handle] = cs

	if persistence != nil {
		if err := e.replayLocked(cs, persistence); err != nil {
			e.log.WithError(err).Warn("persistence replay failed")
		}
	}

	if e.run == stateStarting && len(e.clients) == 1 {
		e.startWorkersLocked()
	}

	e.log.WithFields(logrus.Fields{"handle": handle, "client_id": clientID}).Debug("client created")
	return handle, nil
}

// startWorkersLocked starts the Sender, Receiver, and callback dispatcher.
// Called with e.mu held, exactly once, on the first Create.
func (e *Engine) startWorkersLocked() {
	e.run = stateRunning
	e.wg.Add(3)
	go e.senderLoop()
	go e.receiverLoop()
	go e.callbackLoop()
}

// replayLocked restores persisted commands in ascending seqno order
// (spec.md section 6) into the CommandQueue, and advances cs.commandSeqno
// and the queue's next seqno so new commands continue the sequence.
func (e *Engine) replayLocked(cs *clientState, persistence store.Store) error {
	keys, err := persistence.List(store.CommandPrefix)
	if err != nil {
		return err
	}

	type seqCmd struct {
		seqno uint64
		cmd   *Command
	}
	var restored []seqCmd
	var maxSeqno uint64

	for _, key := range keys {
		seqno, err := store.SeqnoFromKey(key)
		if err != nil {
			continue
		}
		data, err := persistence.Get(key)
		if err != nil {
			continue
		}
		cmd, err := decodeCommandRecord(cs.handle, data)
		if err != nil {
			e.log.WithError(err).Warn("skipping corrupt persisted command")
			continue
		}
		cmd.seqno = seqno
		cmd.store = persistence
		restored = append(restored, seqCmd{seqno, cmd})
		if seqno > maxSeqno {
			maxSeqno = seqno
		}
	}

	sortSeqCmds(restored)
	for _, sc := range restored {
		e.queue.items = append(e.queue.items, sc.cmd)
	}
	if e.queue.nextSeqno <= maxSeqno {
		e.queue.nextSeqno = maxSeqno + 1
	}
	cs.commandSeqno = maxSeqno
	return nil
}

func sortSeqCmds(items []struct {
	seqno uint64
	cmd   *Command
}) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j-1].seqno > items[j].seqno; j-- {
			items[j-1], items[j] = items[j], items[j-1]
		}
	}
}

// decodeCommandRecord turns a persisted record back into a Command with no
// completion callbacks (replayed commands complete silently, matching the
// original process's commands having already returned their Token to a
// process that no longer exists).
func decodeCommandRecord(handle ClientHandle, data []byte) (*Command, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("engine: empty persisted record")
	}
	switch data[0] {
	case store.RecordSubscribe:
		rec, err := store.DecodeSubscribeRecord(data)
		if err != nil {
			return nil, err
		}
		return &Command{Kind: CmdSubscribe, Handle: handle, Topics: rec.Topics, QoS: rec.QoS, MsgID: uint16(rec.Token), token: newToken(rec.Token)}, nil
	case store.RecordUnsubscribe:
		rec, err := store.DecodeUnsubscribeRecord(data)
		if err != nil {
			return nil, err
		}
		return &Command{Kind: CmdUnsubscribe, Handle: handle, Topics: rec.Topics, MsgID: uint16(rec.Token), token: newToken(rec.Token)}, nil
	case store.RecordPublish:
		rec, err := store.DecodePublishRecord(data)
		if err != nil {
			return nil, err
		}
		return &Command{Kind: CmdPublish, Handle: handle, Topic: rec.Topic, Payload: rec.Payload, PubQoS: rec.QoS, Retained: rec.Retained, MsgID: uint16(rec.Token), token: newToken(rec.Token)}, nil
	default:
		return nil, fmt.Errorf("engine: unknown persisted record type %d", data[0])
	}
}

// SetCallbacks installs handle's callbacks. Rejected once CONNECT has been
// issued (spec.md section 4.1).
func (e *Engine) SetCallbacks(handle ClientHandle, cb Callbacks) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cs, ok := e.clients[handle]
	if !ok {
		return ErrUnknownHandle
	}
	if cs.connectState != stateIdle || cs.connected {
		return ErrCallbacksLocked
	}
	cs.callbacks = cb
	return nil
}

// IsConnected reports whether handle currently has an established session.
func (e *Engine) IsConnected(handle ClientHandle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs, ok := e.clients[handle]
	return ok && cs.connected
}

// PendingTokens returns every command still awaiting a terminal callback
// for handle (MQTTAsync_getPendingTokens, SPEC_FULL section 12): the
// pending Connect, then the pending Disconnect, then in-flight commands in
// ascending msg_id order, then queued commands in queue order.
func (e *Engine) PendingTokens(handle ClientHandle) []Token {
	e.mu.Lock()
	defer e.mu.Unlock()

	cs, ok := e.clients[handle]
	if !ok {
		return nil
	}

	var tokens []Token
	if cs.connectPending != nil {
		tokens = append(tokens, cs.connectPending.token)
	}
	if cs.disconnectPending != nil {
		tokens = append(tokens, cs.disconnectPending.token)
	}
	for _, msgID := range sortedMsgIDs(cs.pendingResponses) {
		tokens = append(tokens, cs.pendingResponses[msgID].token)
	}

	e.queue.mu.Lock()
	for _, cmd := range e.queue.items {
		if cmd.Handle == handle {
			tokens = append(tokens, cmd.token)
		}
	}
	e.queue.mu.Unlock()

	return tokens
}

func sortedMsgIDs(m map[uint16]*Command) []uint16 {
	ids := make([]uint16, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

// IsComplete reports whether tok already has a terminal result, without
// blocking (MQTTAsync_isComplete).
func (e *Engine) IsComplete(tok Token) bool {
	return isComplete(tok)
}

// WaitForCompletion blocks until tok completes or timeout elapses.
func (e *Engine) WaitForCompletion(tok Token, timeout time.Duration) error {
	ctx, cancel := contextWithTimeout(timeout)
	defer cancel()
	return tok.Wait(ctx)
}

// Destroy removes handle, synchronously dropping every pending command and
// response for it with no further callbacks (spec.md section 5,
// "Cancellation"). Tears down shared infrastructure once the last client
// is gone.
func (e *Engine) Destroy(handle ClientHandle) error {
	e.mu.Lock()

	cs, ok := e.clients[handle]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownHandle
	}

	e.closeSocketLocked(cs, false)
	delete(e.clients, handle)
	delete(e.sockets, handle)
	e.poller.Unregister(handle)

	last := len(e.clients) == 0
	if last {
		e.run = stateStopping
	}
	e.mu.Unlock()

	e.queue.RemoveForHandle(handle)

	if last {
		close(e.stop)
		e.wg.Wait()
		e.mu.Lock()
		e.run = stateStopped
		e.mu.Unlock()
	}

	return nil
}

// wakeSender signals the Sender to re-scan the queue without blocking if
// it is already awake (the "send_cond" of spec.md section 5).
func (e *Engine) wakeSender() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// dispatchCallback posts fn to the dedicated callback goroutine so user
// code never runs while the engine lock is held (SPEC_FULL section 9).
func (e *Engine) dispatchCallback(fn func()) {
	if fn == nil {
		return
	}
	select {
	case e.callbacks <- fn:
	case <-e.stop:
	}
}

func (e *Engine) callbackLoop() {
	defer e.wg.Done()
	for {
		select {
		case fn := <-e.callbacks:
			fn()
		case <-e.stop:
			// Drain whatever is already queued before exiting so a
			// success/failure callback racing Destroy still fires.
			for {
				select {
				case fn := <-e.callbacks:
					fn()
				default:
					return
				}
			}
		}
	}
}
