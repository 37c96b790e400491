package engine

import (
	"context"
	"net"
	"time"

	"corvidmq/internal/wire"
)

// contextWithTimeout wraps context.WithTimeout, treating a non-positive
// duration as "no deadline" for WaitForCompletion(token, 0).
func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), d)
}

const (
	minRetryInterval  = 10 * time.Second
	checkTimeoutEvery = 3 * time.Second
)

// closeSocketLocked implements close_only / close_session (spec.md section
// 4.5). purgeSession selects close_session's clean-session purge.
func (e *Engine) closeSocketLocked(cs *clientState, purgeSession bool) {
	if conn, ok := e.sockets[cs.handle]; ok {
		if cs.connected {
			pkt := &wire.DisconnectPacket{}
			_, _ = pkt.WriteTo(conn)
		}
		conn.Close()
		delete(e.sockets, cs.handle)
		e.poller.Unregister(cs.handle)
	}

	cs.conn = nil
	cs.connected = false
	cs.pingOutstanding = false
	cs.connectState = stateIdle
	cs.pendingWrite = false

	if purgeSession && cs.cleanSession {
		cs.purgeSession()
		if cs.store != nil {
			if err := cs.store.Clear(); err != nil {
				e.logPersistenceWarn(cs, err)
			}
		}
		e.queue.RemoveForHandle(cs.handle)
		for msgID, cmd := range cs.pendingResponses {
			e.completeCommandLocked(cmd, nil, nil)
			delete(cs.pendingResponses, msgID)
		}
	}
}

// internalDisconnect closes cs's socket directly (no command is enqueued)
// and reports OnConnectionLost if the client was connected, realizing the TransportError -> "converted to an internal disconnect"
// policy of spec.md section 7.
func (e *Engine) internalDisconnect(cs *clientState, cause error) {
	wasConnected := cs.connected
	if cause != nil {
		e.logProtocolError(cs, cause)
	}
	e.closeSocketLocked(cs, true)

	if wasConnected && cs.callbacks.OnConnectionLost != nil {
		cb := cs.callbacks.OnConnectionLost
		e.dispatchCallback(func() { cb(cause) })
	}
}

// completeConnection handles a successful CONNACK (spec.md section 4.5):
// marks the client connected, purges session state on clean_session, and
// retries any restored/unacknowledged QoS 1/2 flows.
func (e *Engine) completeConnection(cs *clientState, sessionPresent bool) {
	cs.connected = true
	cs.good = true
	cs.connectState = stateIdle
	now := time.Now()
	cs.lastSent = now
	cs.lastReceived = now

	if cs.cleanSession {
		cs.purgeSession()
		if cs.store != nil {
			if err := cs.store.Clear(); err != nil {
				e.logPersistenceWarn(cs, err)
			}
		}
	} else {
		for _, om := range cs.outboundMsgs {
			om.LastTouch = time.Time{}
		}
	}

	e.retryClientLocked(cs, now, true, true)

	if cmd := cs.connectPending; cmd != nil {
		cs.connectPending = nil
		serverURI := cs.serverURIPrimary
		if len(cs.serverURIs) > 0 {
			serverURI = cs.serverURIs[cs.currentURIIndex]
		}
		onSuccess := cmd.ConnectOpts.OnSuccess
		e.completeCommandLocked(cmd, nil, func() {
			if onSuccess != nil {
				onSuccess(serverURI)
			}
		})
	}
}

// fallback implements the multi-URI fallback described in spec.md section
// 4.5: advance to the next URI or step the MQTT version down, re-prepend
// CONNECT, or give up and invoke on_failure.
func (e *Engine) fallback(cs *clientState, cause error) {
	e.closeSocketLocked(cs, false)

	cmd := cs.connectPending
	if cmd == nil {
		return
	}

	hasMoreURIs := cs.currentURIIndex+1 < len(cs.serverURIs)
	triedOnly311 := cmd.ConnectOpts.MQTTVersion == VersionDefault && cs.versionAttempt == Version311

	if hasMoreURIs {
		cs.currentURIIndex++
	} else if triedOnly311 {
		cs.versionAttempt = Version31
	} else {
		cs.connectPending = nil
		onFailure := cmd.ConnectOpts.OnFailure
		e.completeCommandLocked(cmd, newTransportError(cause), func() {
			if onFailure != nil {
				onFailure(newTransportError(cause))
			}
		})
		return
	}

	e.queue.Enqueue(&Command{Kind: CmdConnect, Handle: cs.handle, ConnectOpts: cmd.ConnectOpts, token: cmd.token, store: cs.store})
	cs.connectPending = nil
	e.wakeSender()
}

// startPublish implements spec.md section 4.5's publish emission: for
// qos 1/2 it registers an OutboundMessage before writing the packet so a
// partial write can be resumed from the stored copy; for qos 0 it writes
// directly.
func (e *Engine) startPublish(cs *clientState, cmd *Command) error {
	conn, ok := e.sockets[cs.handle]
	if !ok {
		return newTransportError(nil)
	}

	pub := &StoredPublication{Topic: cmd.Topic, Payload: cmd.Payload, refcount: 1}

	if cmd.PubQoS > 0 {
		msgID := cs.assignMsgID()
		if msgID == 0 {
			return ErrNoMoreMsgIDs
		}
		cmd.MsgID = msgID
		next := expectPubAck
		if cmd.PubQoS == 2 {
			next = expectPubRec
		}
		cs.outboundMsgs[msgID] = &OutboundMessage{
			MsgID:     msgID,
			QoS:       cmd.PubQoS,
			Retained:  cmd.Retained,
			Pub:       pub,
			Next:      next,
			LastTouch: time.Now(),
			cmd:       cmd,
		}
		cs.pendingResponses[msgID] = cmd
	}

	pkt := &wire.PublishPacket{
		Dup:      false,
		QoS:      cmd.PubQoS,
		Retain:   cmd.Retained,
		Topic:    cmd.Topic,
		PacketID: cmd.MsgID,
		Payload:  cmd.Payload,
	}
	_, err := pkt.WriteTo(conn)
	if err != nil {
		return newTransportError(err)
	}
	cs.lastSent = time.Now()
	e.logPacketSent(cs, "publish")
	return nil
}

// handlePublish implements spec.md section 4.5's publish intake for an
// inbound PUBLISH, keyed by QoS.
func (e *Engine) handlePublish(cs *clientState, conn net.Conn, p *wire.PublishPacket, seqno uint64) error {
	switch p.QoS {
	case 0:
		e.enqueueDelivery(cs, p, false, seqno)
	case 1:
		ack := &wire.PubackPacket{PacketID: p.PacketID}
		if _, err := ack.WriteTo(conn); err != nil {
			return newTransportError(err)
		}
		e.enqueueDelivery(cs, p, false, seqno)
	case 2:
		dup := false
		if existing, ok := cs.inboundMsgs[p.PacketID]; ok {
			dup = true
			_ = existing
		}
		cs.inboundMsgs[p.PacketID] = &InboundMessage{
			MsgID:    p.PacketID,
			QoS:      2,
			Retained: p.Retain,
			Pub:      &StoredPublication{Topic: p.Topic, Payload: p.Payload, refcount: 1},
			Next:     expectPubRel,
		}
		_ = dup
		rec := &wire.PubrecPacket{PacketID: p.PacketID}
		if _, err := rec.WriteTo(conn); err != nil {
			return newTransportError(err)
		}
	}
	return nil
}

// enqueueDelivery appends an inbound publication to the client's delivery
// backlog, drained by the Receiver against on_message_arrived.
func (e *Engine) enqueueDelivery(cs *clientState, p *wire.PublishPacket, dup bool, seqno uint64) {
	cs.messageQueue = append(cs.messageQueue, &QueuedPublication{
		Topic:    p.Topic,
		Payload:  p.Payload,
		QoS:      p.QoS,
		Retained: p.Retain,
		MsgID:    p.PacketID,
		Dup:      dup,
		Seqno:    seqno,
	})
}

// keepalive implements spec.md section 4.5's keepalive scan.
func (e *Engine) keepalive(now time.Time) {
	for _, cs := range e.clients {
		if !cs.connected || cs.keepAlive <= 0 {
			continue
		}
		idle := now.Sub(cs.lastSent) >= cs.keepAlive || now.Sub(cs.lastReceived) >= cs.keepAlive
		if !idle {
			continue
		}
		if cs.pingOutstanding {
			e.internalDisconnect(cs, newTimeoutError("keepalive: no PINGRESP received"))
			continue
		}
		conn, ok := e.sockets[cs.handle]
		if !ok || !cs.noPendingWrite() {
			continue
		}
		pkt := &wire.PingreqPacket{}
		if _, err := pkt.WriteTo(conn); err != nil {
			e.internalDisconnect(cs, newTransportError(err))
			continue
		}
		cs.pingOutstanding = true
		cs.lastSent = now
	}
}

// retry implements spec.md section 4.5's retry scan across every
// connected client.
func (e *Engine) retry(now time.Time, regardless bool) {
	for _, cs := range e.clients {
		if !cs.connected || !cs.noPendingWrite() {
			continue
		}
		e.retryClientLocked(cs, now, true, regardless)
	}
}

func (e *Engine) retryClientLocked(cs *clientState, now time.Time, doRetry, regardless bool) {
	if !doRetry {
		return
	}
	conn, ok := e.sockets[cs.handle]
	if !ok {
		return
	}

	interval := cs.retryInterval
	if interval < minRetryInterval {
		interval = minRetryInterval
	}

	for _, msgID := range sortedOutbound(cs.outboundMsgs) {
		om := cs.outboundMsgs[msgID]
		due := regardless || now.Sub(om.LastTouch) >= interval
		if !due {
			continue
		}

		var err error
		switch om.Next {
		case expectPubAck, expectPubRec:
			pkt := &wire.PublishPacket{Dup: true, QoS: om.QoS, Retain: om.Retained, Topic: om.Pub.Topic, PacketID: om.MsgID, Payload: om.Pub.Payload}
			_, err = pkt.WriteTo(conn)
		case expectPubComp:
			pkt := &wire.PubrelPacket{PacketID: om.MsgID}
			_, err = pkt.WriteTo(conn)
		}
		if err != nil {
			e.internalDisconnect(cs, newTransportError(err))
			return
		}
		om.LastTouch = now
		cs.lastSent = now
	}
}

func sortedOutbound(m map[uint16]*OutboundMessage) []uint16 {
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

// checkTimeouts implements spec.md section 4.5, run at most every 3s by
// the Sender.
func (e *Engine) checkTimeouts(now time.Time) {
	if !e.checkTimeoutsAt.IsZero() && now.Sub(e.checkTimeoutsAt) < checkTimeoutEvery {
		return
	}
	e.checkTimeoutsAt = now

	for _, cs := range e.clients {
		if cmd := cs.connectPending; cmd != nil && !cs.connectDeadline.IsZero() && now.After(cs.connectDeadline) {
			e.fallback(cs, newTimeoutError("connect timed out"))
		}
		if cs.connectState == stateDisconnecting && !cs.disconnectDeadline.IsZero() && now.After(cs.disconnectDeadline) {
			e.closeSocketLocked(cs, true)
			if cmd := cs.disconnectPending; cmd != nil {
				cs.disconnectPending = nil
				e.completeCommandLocked(cmd, nil, nil)
			}
		}
	}
}

// completeCommandLocked marks cmd's token terminal and schedules its
// onSuccess/onFailure plus extra (e.g. OnSuccess/OnFailure with server URI,
// or OnDeliveryComplete) on the callback goroutine, never calling user code
// under the engine lock. When extra is given, it runs to completion on the
// callback goroutine *before* the token is completed, so a caller blocked on
// Token.Wait/Done never observes completion ahead of extra — this is what
// guarantees on_delivery_complete fires before the matching command's
// on_success for QoS 1/2 publishes (spec.md section 5).
func (e *Engine) completeCommandLocked(cmd *Command, err error, extra func()) {
	e.queue.Unpersist(cmd)
	if extra == nil {
		if cmd.token != nil {
			cmd.token.complete(err)
		}
		return
	}
	e.dispatchCallback(func() {
		extra()
		if cmd.token != nil {
			cmd.token.complete(err)
		}
	})
}
