package engine

import (
	"sync"

	"corvidmq/internal/store"

	"github.com/sirupsen/logrus"
)

// CommandKind identifies which of the five operations a Command carries.
type CommandKind int

const (
	CmdConnect CommandKind = iota
	CmdSubscribe
	CmdUnsubscribe
	CmdPublish
	CmdDisconnect
)

func (k CommandKind) String() string {
	switch k {
	case CmdConnect:
		return "connect"
	case CmdSubscribe:
		return "subscribe"
	case CmdUnsubscribe:
		return "unsubscribe"
	case CmdPublish:
		return "publish"
	case CmdDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Command is the tagged union enqueued for a client: exactly one of the
// payload fields is meaningful, selected by Kind (spec.md section 3).
type Command struct {
	Kind     CommandKind
	Handle   ClientHandle
	MsgID    uint16 // assigned lazily by the Sender for Subscribe/Unsubscribe/Publish(qos>0)
	Internal bool   // true for a Disconnect raised by the engine itself (connection loss, fallback)
	seqno    uint64 // persistence sequence number, 0 if never persisted

	// Connect payload
	ConnectOpts *ConnectOptions

	// Subscribe/Unsubscribe payload
	Topics []string
	QoS    []uint8

	// Publish payload
	Topic    string
	Payload  []byte
	PubQoS   uint8
	Retained bool

	// store is the owning client's persistence handle, set by the caller
	// at enqueue time (cs.store under the engine lock). Each client may
	// have its own Store, so the queue cannot hold a single shared one.
	store store.Store

	token *token
}

// persistRecord builds the typed store.Store record for cmd, or nil if cmd
// is not one of the three kinds that must survive a crash (spec.md section
// 4.2: "the only commands that must survive a crash").
func (cmd *Command) persistRecord() []byte {
	switch cmd.Kind {
	case CmdSubscribe:
		return store.EncodeSubscribeRecord(&store.SubscribeRecord{
			Token:  uint32(cmd.MsgID),
			Topics: cmd.Topics,
			QoS:    cmd.QoS,
		})
	case CmdUnsubscribe:
		return store.EncodeUnsubscribeRecord(&store.UnsubscribeRecord{
			Token:  uint32(cmd.MsgID),
			Topics: cmd.Topics,
		})
	case CmdPublish:
		return store.EncodePublishRecord(&store.PublishRecord{
			Token:    uint32(cmd.MsgID),
			Topic:    cmd.Topic,
			Payload:  cmd.Payload,
			QoS:      cmd.PubQoS,
			Retained: cmd.Retained,
		})
	default:
		return nil
	}
}

// CommandQueue is the process-wide FIFO of pending commands, guarded by its
// own lock distinct from the engine lock (spec.md section 5).
type CommandQueue struct {
	mu        sync.Mutex
	items     []*Command
	nextSeqno uint64
}

// NewCommandQueue returns an empty queue. Persistence is attached per
// Command (cmd.store), since distinct clients may use distinct Stores.
func NewCommandQueue() *CommandQueue {
	return &CommandQueue{nextSeqno: 1}
}

// Enqueue appends cmd, unless it is a Connect or internal Disconnect, in
// which case it jumps the queue per spec.md section 4.2.
func (q *CommandQueue) Enqueue(cmd *Command) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if cmd.Kind == CmdConnect || (cmd.Kind == CmdDisconnect && cmd.Internal) {
		if len(q.items) > 0 {
			head := q.items[0]
			if head.Handle == cmd.Handle && head.Kind == cmd.Kind {
				// Same type already at the head for this client: drop the
				// new one rather than queue a duplicate reconnect/teardown.
				return
			}
		}
		q.items = append([]*Command{cmd}, q.items...)
	} else {
		q.items = append(q.items, cmd)
	}

	q.persist(cmd)
}

// persist writes cmd's typed record under the next sequence number if cmd
// carries a Store and is one of PUBLISH/SUBSCRIBE/UNSUBSCRIBE.
func (q *CommandQueue) persist(cmd *Command) {
	if cmd.store == nil {
		return
	}
	rec := cmd.persistRecord()
	if rec == nil {
		return
	}
	seqno := q.nextSeqno
	q.nextSeqno++
	cmd.seqno = seqno
	if err := cmd.store.Put(store.CommandKey(seqno), rec); err != nil {
		logrus.WithError(err).Warn("failed to persist command")
	}
}

// Unpersist removes cmd's durable record, called once its wire exchange has
// reached a terminal acknowledgment.
func (q *CommandQueue) Unpersist(cmd *Command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.unpersistLocked(cmd)
}

func (q *CommandQueue) unpersistLocked(cmd *Command) {
	if cmd.store == nil || cmd.seqno == 0 {
		return
	}
	cmd.store.Remove(store.CommandKey(cmd.seqno))
}

// eligible reports whether cmd can be dispatched right now, given cmd's
// owning client state (spec.md section 4.2, next_eligible steps 2-3).
func eligible(cmd *Command, cs *clientState) bool {
	if cmd.Kind == CmdConnect || cmd.Kind == CmdDisconnect {
		return true
	}
	if cs == nil || !cs.connected || cs.connectState != stateIdle || !cs.noPendingWrite() {
		return false
	}
	switch cmd.Kind {
	case CmdPublish, CmdSubscribe, CmdUnsubscribe:
		return len(cs.outboundMsgs) < maxMsgID-1
	default:
		return true
	}
}

// NextEligible scans the queue in order, skipping clients already in
// ignored, and returns (and removes) the first command whose owning client
// is eligible per the rules in spec.md section 4.2. lookup resolves a
// command's clientState; it is the caller's responsibility to hold
// whatever lock protects the state returned by lookup.
func (q *CommandQueue) NextEligible(ignored map[ClientHandle]struct{}, lookup func(ClientHandle) *clientState) *Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, cmd := range q.items {
		if _, skip := ignored[cmd.Handle]; skip {
			continue
		}
		cs := lookup(cmd.Handle)
		if eligible(cmd, cs) {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			return cmd
		}
		ignored[cmd.Handle] = struct{}{}
	}
	return nil
}

// Len reports the number of commands currently queued, for tests.
func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// RemoveForHandle drops every queued command belonging to handle, used by
// Destroy and by clean-session purge.
func (q *CommandQueue) RemoveForHandle(handle ClientHandle) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	for _, cmd := range q.items {
		if cmd.Handle != handle {
			kept = append(kept, cmd)
		} else {
			q.unpersistLocked(cmd)
		}
	}
	q.items = kept
}
