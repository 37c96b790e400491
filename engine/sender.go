package engine

import (
	"crypto/tls"
	"time"

	"corvidmq/internal/transport"
	"corvidmq/internal/wire"
)

const senderWakePeriod = 1 * time.Second

// senderLoop is the Sender worker described in spec.md section 4.3: it
// drains eligible commands, then blocks on the wake channel with a 1s
// timeout before rescanning retries/keepalive.
func (e *Engine) senderLoop() {
	defer e.wg.Done()
	ignored := make(map[ClientHandle]struct{})

	for {
		select {
		case <-e.stop:
			return
		default:
		}

		for {
			cmd := e.queue.NextEligible(ignored, e.clientStateFor)
			if cmd == nil {
				break
			}
			e.mu.Lock()
			e.dispatch(cmd)
			e.mu.Unlock()
		}
		for k := range ignored {
			delete(ignored, k)
		}

		select {
		case <-e.stop:
			return
		case <-e.wake:
		case <-time.After(senderWakePeriod):
		}

		now := time.Now()
		e.mu.Lock()
		e.keepalive(now)
		e.retry(now, false)
		e.checkTimeouts(now)
		e.mu.Unlock()
	}
}

// clientStateFor is the lookup function CommandQueue.NextEligible calls
// under its own lock; it takes the engine lock itself since clientState
// reads must be synchronised the same way writes are.
func (e *Engine) clientStateFor(handle ClientHandle) *clientState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clients[handle]
}

// dispatch implements the per-command-type table of spec.md section 4.3.
// Called with e.mu held.
func (e *Engine) dispatch(cmd *Command) {
	cs, ok := e.clients[cmd.Handle]
	if !ok {
		return
	}

	switch cmd.Kind {
	case CmdConnect:
		e.dispatchConnect(cs, cmd)
	case CmdSubscribe:
		e.dispatchSubscribe(cs, cmd)
	case CmdUnsubscribe:
		e.dispatchUnsubscribe(cs, cmd)
	case CmdPublish:
		e.dispatchPublish(cs, cmd)
	case CmdDisconnect:
		e.dispatchDisconnect(cs, cmd)
	}
}

func (e *Engine) dispatchConnect(cs *clientState, cmd *Command) {
	opts := cmd.ConnectOpts
	cs.connectOpts = opts
	cs.connectState = stateTCPPending
	cs.connectPending = cmd
	cs.cleanSession = opts.CleanSession
	cs.keepAlive = opts.KeepAlive
	cs.retryInterval = opts.RetryInterval
	cs.maxInflight = opts.MaxInflight
	cs.will = opts.Will
	cs.tlsOpts = opts.TLS
	cs.username = opts.Username
	cs.password = opts.Password
	if len(opts.ServerURIs) > 0 {
		cs.serverURIs = opts.ServerURIs
	} else {
		cs.serverURIs = []string{cs.serverURIPrimary}
	}
	if cs.currentURIIndex >= len(cs.serverURIs) {
		cs.currentURIIndex = 0
	}
	if opts.MQTTVersion == VersionDefault {
		if cs.versionAttempt == 0 {
			cs.versionAttempt = Version311
		}
	} else {
		cs.versionAttempt = opts.MQTTVersion
	}
	if opts.ConnectTimeout > 0 {
		cs.connectDeadline = time.Now().Add(opts.ConnectTimeout)
	}

	serverURI := cs.serverURIs[cs.currentURIIndex]
	addr, useTLS := transport.SplitServerURI(serverURI)
	cs.useTLS = useTLS

	var tlsConfig *tls.Config
	if cs.tlsOpts != nil {
		tlsConfig = buildTLSConfig(cs.tlsOpts)
	}

	dialCtx, cancel := contextWithTimeout(opts.ConnectTimeout)
	results := transport.DialAsync(e.transport, dialCtx, addr, useTLS, tlsConfig)

	go func() {
		res := <-results
		cancel()
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, stillPresent := e.clients[cs.handle]; !stillPresent {
			return
		}
		if res.Err != nil {
			e.fallback(cs, res.Err)
			return
		}
		cs.conn = res.Conn
		e.sockets[cs.handle] = res.Conn
		e.poller.Register(cs.handle, res.Conn)
		if useTLS {
			cs.connectState = stateTLSPending
		}
		e.advanceConnectAfterDial(cs)
		e.wakeSender()
	}()
}

// advanceConnectAfterDial transitions TcpPending/TlsPending to
// MqttConnectSent and emits the CONNECT packet (spec.md section 4.5).
func (e *Engine) advanceConnectAfterDial(cs *clientState) {
	cs.connectState = stateMQTTConnectSent

	level := uint8(wire.ProtocolLevel311)
	if cs.versionAttempt == Version31 {
		level = wire.ProtocolLevel31
	}

	pkt := &wire.ConnectPacket{
		ProtocolName:  "MQTT",
		ProtocolLevel: level,
		CleanSession:  cs.cleanSession,
		ClientID:      cs.clientID,
		KeepAlive:     uint16(cs.keepAlive / time.Second),
		Username:      cs.username,
		Password:      cs.password,
	}
	if level == wire.ProtocolLevel31 {
		pkt.ProtocolName = "MQIsdp"
	}
	if cs.will != nil {
		pkt.WillFlag = true
		pkt.WillTopic = cs.will.Topic
		pkt.WillMessage = cs.will.Payload
		pkt.WillQoS = cs.will.QoS
		pkt.WillRetain = cs.will.Retained
	}
	if cs.username != "" {
		pkt.UsernameFlag = true
	}
	if cs.password != "" {
		pkt.PasswordFlag = true
	}

	conn := e.sockets[cs.handle]
	if _, err := pkt.WriteTo(conn); err != nil {
		e.fallback(cs, err)
		return
	}
	cs.lastSent = time.Now()
	e.logConnect(cs, cs.serverURIs[cs.currentURIIndex])
}

func (e *Engine) dispatchSubscribe(cs *clientState, cmd *Command) {
	conn, ok := e.sockets[cs.handle]
	if !ok {
		return
	}
	msgID := cs.assignMsgID()
	if msgID == 0 {
		e.completeCommandLocked(cmd, ErrNoMoreMsgIDs, nil)
		return
	}
	cmd.MsgID = msgID
	pkt := &wire.SubscribePacket{PacketID: msgID, Topics: cmd.Topics, QoS: cmd.QoS}
	if _, err := pkt.WriteTo(conn); err != nil {
		e.internalDisconnect(cs, newTransportError(err))
		return
	}
	cs.pendingResponses[msgID] = cmd
	cs.lastSent = time.Now()
	e.logPacketSent(cs, "subscribe")
}

func (e *Engine) dispatchUnsubscribe(cs *clientState, cmd *Command) {
	conn, ok := e.sockets[cs.handle]
	if !ok {
		return
	}
	msgID := cs.assignMsgID()
	if msgID == 0 {
		e.completeCommandLocked(cmd, ErrNoMoreMsgIDs, nil)
		return
	}
	cmd.MsgID = msgID
	pkt := &wire.UnsubscribePacket{PacketID: msgID, Topics: cmd.Topics}
	if _, err := pkt.WriteTo(conn); err != nil {
		e.internalDisconnect(cs, newTransportError(err))
		return
	}
	cs.pendingResponses[msgID] = cmd
	cs.lastSent = time.Now()
	e.logPacketSent(cs, "unsubscribe")
}

func (e *Engine) dispatchPublish(cs *clientState, cmd *Command) {
	err := e.startPublish(cs, cmd)
	if err != nil {
		if cmd.PubQoS == 0 {
			e.completeCommandLocked(cmd, err, nil)
		} else {
			delete(cs.outboundMsgs, cmd.MsgID)
			delete(cs.pendingResponses, cmd.MsgID)
			e.internalDisconnect(cs, err)
		}
		return
	}
	if cmd.PubQoS == 0 {
		e.completeCommandLocked(cmd, nil, nil)
	}
}

func (e *Engine) dispatchDisconnect(cs *clientState, cmd *Command) {
	cs.connectState = stateDisconnecting
	cs.disconnectPending = cmd
	if len(cs.outboundMsgs) == 0 {
		e.closeSocketLocked(cs, true)
		cs.disconnectPending = nil
		e.completeCommandLocked(cmd, nil, nil)
	}
	// else: wait for outbound_msgs to drain; checkTimeouts enforces the
	// disconnect timeout if it never does.
}
