package engine

import (
	"net"
	"time"

	"corvidmq/internal/store"
)

// ClientHandle is the opaque identifier returned by Engine.Create and used
// by every other public method. It never changes meaning across reconnects.
type ClientHandle uint32

// connectState is the per-client CONNECT state machine position described
// in spec.md section 4.5.
type connectState int

const (
	stateIdle connectState = iota
	stateTCPPending
	stateTLSPending
	stateMQTTConnectSent
	stateConnected
	stateDisconnecting
)

func (s connectState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateTCPPending:
		return "tcp_pending"
	case stateTLSPending:
		return "tls_pending"
	case stateMQTTConnectSent:
		return "mqtt_connect_sent"
	case stateConnected:
		return "connected"
	case stateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// nextExpectedPacket names the wire packet a flow entry is waiting for.
type nextExpectedPacket int

const (
	expectPubAck nextExpectedPacket = iota
	expectPubRec
	expectPubComp
	expectPubRel
)

// maxMsgID is the top of the MQTT message-id range; ids are 16-bit and
// id 0 is reserved (spec.md section 3, invariant 1).
const maxMsgID = 65535

// StoredPublication is the shared, refcounted payload backing an
// OutboundMessage and any in-flight retransmission (spec.md section 3).
type StoredPublication struct {
	Topic    string
	Payload  []byte
	refcount int
}

// OutboundMessage tracks a QoS 1/2 publish awaiting acknowledgment.
type OutboundMessage struct {
	MsgID     uint16
	QoS       uint8
	Retained  bool
	Pub       *StoredPublication
	Next      nextExpectedPacket
	LastTouch time.Time
	cmd       *Command // the originating Publish command, for completion
}

// InboundMessage tracks a QoS 2 publish received but not yet delivered
// (awaiting PUBREL).
type InboundMessage struct {
	MsgID    uint16
	QoS      uint8
	Retained bool
	Pub      *StoredPublication
	Next     nextExpectedPacket
}

// QueuedPublication is a delivery backlog entry: a fully-acknowledged
// inbound message waiting for on_message_arrived to accept it.
type QueuedPublication struct {
	Topic    string
	Payload  []byte
	QoS      uint8
	Retained bool
	MsgID    uint16
	Dup      bool
	Seqno    uint64
}

// Callbacks are the user-supplied handlers for a client (spec.md section 3).
type Callbacks struct {
	OnConnectionLost  func(err error)
	OnMessageArrived  func(topic string, payload []byte, qos uint8, retained bool) bool
	OnDeliveryComplete func(token Token)
}

// clientState is the per-client mutable record, mutated only while the
// engine lock is held (spec.md section 3).
type clientState struct {
	handle ClientHandle

	// immutable identity
	clientID         string
	serverURIPrimary string

	// connection fields
	conn                  net.Conn
	connectState          connectState
	connected             bool
	good                  bool
	pingOutstanding       bool
	lastSent              time.Time
	lastReceived          time.Time
	keepAlive             time.Duration
	retryInterval         time.Duration
	cleanSession          bool
	mqttVersionNegotiated MQTTVersion
	useTLS                bool

	// dial bookkeeping for the in-progress CONNECT attempt
	serverURIs       []string
	currentURIIndex  int
	versionAttempt   MQTTVersion // resolved attempt (Version31/Version311) when MQTTVersion == VersionDefault
	connectOpts        *ConnectOptions
	connectDeadline    time.Time
	disconnectDeadline time.Time

	// session state
	nextMsgID    uint16
	outboundMsgs map[uint16]*OutboundMessage
	inboundMsgs  map[uint16]*InboundMessage
	messageQueue []*QueuedPublication

	maxInflight int

	// config
	will     *Will
	tlsOpts  *TLSOptions
	username string
	password string

	callbacks Callbacks

	// persistence
	store         store.Store
	commandSeqno  uint64
	deliverySeqno uint64

	// pending-write tracking: set while a partial write is draining
	pendingWrite bool

	// unsubmittedMsgIDs tracks ids reserved by commands still sitting in
	// the queue, so assignMsgID does not hand out a colliding id before
	// the command reaches outboundMsgs.
	unsubmittedMsgIDs map[uint16]struct{}

	// pendingResponses maps an in-flight msg_id back to the Command awaiting
	// a terminal result; Connect and Disconnect are tracked in
	// connectPending and disconnectPending instead.
	pendingResponses map[uint16]*Command
	connectPending   *Command
	disconnectPending *Command
}

func newClientState(handle ClientHandle, serverURI, clientID string) *clientState {
	return &clientState{
		handle:            handle,
		clientID:          clientID,
		serverURIPrimary:  serverURI,
		connectState:      stateIdle,
		nextMsgID:         1,
		outboundMsgs:      make(map[uint16]*OutboundMessage),
		inboundMsgs:       make(map[uint16]*InboundMessage),
		unsubmittedMsgIDs: make(map[uint16]struct{}),
		pendingResponses:  make(map[uint16]*Command),
		maxInflight:       10,
	}
}

// idInUse reports whether id collides with any live use for this client,
// per the four sources named in spec.md section 4.5 (assign_msg_id).
func (c *clientState) idInUse(id uint16) bool {
	if _, ok := c.outboundMsgs[id]; ok {
		return true
	}
	if _, ok := c.inboundMsgs[id]; ok {
		return true
	}
	if _, ok := c.unsubmittedMsgIDs[id]; ok {
		return true
	}
	if _, ok := c.pendingResponses[id]; ok {
		return true
	}
	return false
}

// assignMsgID scans forward from next_msg_id+1 wrapping in [1, 65535],
// returning 0 if a full cycle finds nothing (spec.md section 4.5).
func (c *clientState) assignMsgID() uint16 {
	start := c.nextMsgID
	id := start
	for i := 0; i < maxMsgID; i++ {
		id++
		if id == 0 {
			id = 1
		}
		if !c.idInUse(id) {
			c.nextMsgID = id
			return id
		}
	}
	return 0
}

// noPendingWrite reports whether the client's socket has drained its last
// write, the eligibility condition used by CommandQueue.nextEligible.
func (c *clientState) noPendingWrite() bool {
	return !c.pendingWrite
}

// purgeSession clears all in-memory session state, used for the
// clean-session purge (spec.md section 3, invariant 6).
func (c *clientState) purgeSession() {
	c.outboundMsgs = make(map[uint16]*OutboundMessage)
	c.inboundMsgs = make(map[uint16]*InboundMessage)
	c.messageQueue = nil
	c.unsubmittedMsgIDs = make(map[uint16]struct{})
}
