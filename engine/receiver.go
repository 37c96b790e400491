package engine

import (
	"time"

	"corvidmq/internal/wire"
)

const (
	receiverFirstPassTimeout = 10 * time.Millisecond
	receiverPollTimeout      = 1000 * time.Millisecond
	maxIncomingPacket        = 268435455
)

// receiverLoop is the Receiver worker of spec.md section 4.4: polls for a
// ready socket, routes the inbound packet by type, and drains each
// client's delivery backlog against on_message_arrived.
func (e *Engine) receiverLoop() {
	defer e.wg.Done()
	timeout := receiverFirstPassTimeout

	for {
		select {
		case <-e.stop:
			return
		default:
		}

		key, ok := e.poller.Wait(timeout)
		timeout = receiverPollTimeout

		if ok {
			handle, _ := key.(ClientHandle)
			e.handleReady(handle)
		}

		e.drainDeliveries()
	}
}

// handleReady processes one ready connection: advancing the connect
// machine if mid-handshake, or reading and routing a packet otherwise
// (spec.md section 4.4, steps 2-4).
func (e *Engine) handleReady(handle ClientHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cs, ok := e.clients[handle]
	if !ok {
		return
	}

	if cs.connectState == stateTLSPending {
		e.advanceConnectAfterDial(cs)
		return
	}

	reader := e.poller.Reader(handle)
	conn, hasConn := e.sockets[handle]
	if reader == nil || !hasConn {
		return
	}

	pkt, err := wire.ReadPacket(reader, maxIncomingPacket)
	if err != nil {
		if cs.connected {
			e.internalDisconnect(cs, newTransportError(err))
		} else if cs.connectPending != nil {
			e.fallback(cs, err)
		}
		return
	}
	cs.lastReceived = time.Now()
	e.logPacketReceived(cs, wire.PacketNames[pkt.Type()])
	e.routePacket(cs, pkt)
}

// routePacket implements the CONNACK/PUBLISH/PUBACK/.../PINGRESP routing
// table of spec.md section 4.4.
func (e *Engine) routePacket(cs *clientState, pkt wire.Packet) {
	switch p := pkt.(type) {
	case *wire.ConnackPacket:
		if p.ReturnCode == 0 {
			e.completeConnection(cs, p.SessionPresent)
		} else {
			e.fallback(cs, newProtocolError(StatusFailure, "connack rc != 0"))
		}

	case *wire.PublishPacket:
		cs.deliverySeqno++
		if err := e.handlePublishOnConn(cs, p, cs.deliverySeqno); err != nil {
			e.internalDisconnect(cs, err)
		}

	case *wire.PubackPacket:
		e.completeOutbound(cs, p.PacketID)

	case *wire.PubcompPacket:
		e.completeOutbound(cs, p.PacketID)

	case *wire.PubrecPacket:
		if om, ok := cs.outboundMsgs[p.PacketID]; ok {
			om.Next = expectPubComp
			om.LastTouch = time.Now()
			rel := &wire.PubrelPacket{PacketID: p.PacketID}
			if realConn, ok2 := e.sockets[cs.handle]; ok2 {
				if _, err := rel.WriteTo(realConn); err != nil {
					e.internalDisconnect(cs, newTransportError(err))
				}
			}
		}

	case *wire.PubrelPacket:
		if im, ok := cs.inboundMsgs[p.PacketID]; ok {
			if realConn, ok2 := e.sockets[cs.handle]; ok2 {
				comp := &wire.PubcompPacket{PacketID: p.PacketID}
				if _, err := comp.WriteTo(realConn); err != nil {
					e.internalDisconnect(cs, newTransportError(err))
					return
				}
			}
			cs.messageQueue = append(cs.messageQueue, &QueuedPublication{
				Topic:    im.Pub.Topic,
				Payload:  im.Pub.Payload,
				QoS:      2,
				Retained: im.Retained,
				MsgID:    p.PacketID,
			})
			delete(cs.inboundMsgs, p.PacketID)
		}

	case *wire.SubackPacket:
		if cmd, ok := cs.pendingResponses[p.PacketID]; ok {
			delete(cs.pendingResponses, p.PacketID)
			if len(p.ReturnCodes) == 1 && p.ReturnCodes[0] == 0x80 {
				e.completeCommandLocked(cmd, newProtocolError(StatusFailure, "subscription refused"), nil)
			} else {
				if cmd.token != nil {
					cmd.token.completeWithGrants(p.ReturnCodes, nil)
				}
				e.queue.Unpersist(cmd)
			}
		}

	case *wire.UnsubackPacket:
		if cmd, ok := cs.pendingResponses[p.PacketID]; ok {
			delete(cs.pendingResponses, p.PacketID)
			e.completeCommandLocked(cmd, nil, nil)
		}

	case *wire.PingrespPacket:
		cs.pingOutstanding = false
	}
}

// handlePublishOnConn resolves the live net.Conn for cs and forwards to
// protocol.handlePublish.
func (e *Engine) handlePublishOnConn(cs *clientState, p *wire.PublishPacket, seqno uint64) error {
	conn, ok := e.sockets[cs.handle]
	if !ok {
		return nil
	}
	return e.handlePublish(cs, conn, p, seqno)
}

// completeOutbound finishes an OutboundMessage on PUBACK (qos 1) or
// PUBCOMP (qos 2): completeCommandLocked runs onDeliveryComplete to
// completion on the callback goroutine before completing the token, so
// on_delivery_complete always fires before the command's on_success
// (spec.md section 5's ordering guarantee) even for a caller blocked on
// Token.Wait/Done.
func (e *Engine) completeOutbound(cs *clientState, msgID uint16) {
	om, ok := cs.outboundMsgs[msgID]
	if !ok {
		return
	}
	delete(cs.outboundMsgs, msgID)
	delete(cs.pendingResponses, msgID)

	onDeliveryComplete := cs.callbacks.OnDeliveryComplete
	tok := om.cmd.token

	e.completeCommandLocked(om.cmd, nil, func() {
		if onDeliveryComplete != nil {
			onDeliveryComplete(tok)
		}
	})

	// A user Disconnect waiting for outbound_msgs to drain closes now.
	if cs.connectState == stateDisconnecting && len(cs.outboundMsgs) == 0 && cs.disconnectPending != nil {
		dcmd := cs.disconnectPending
		cs.disconnectPending = nil
		e.closeSocketLocked(cs, true)
		e.completeCommandLocked(dcmd, nil, nil)
	}
}

// drainDeliveries implements spec.md section 4.4 step 5: deliver the head
// of each client's message_queue to on_message_arrived, removing it only
// if the callback accepts it.
func (e *Engine) drainDeliveries() {
	e.mu.Lock()
	type delivery struct {
		cs  *clientState
		msg *QueuedPublication
	}
	var deliveries []delivery
	for _, cs := range e.clients {
		if len(cs.messageQueue) > 0 {
			deliveries = append(deliveries, delivery{cs, cs.messageQueue[0]})
		}
	}
	e.mu.Unlock()

	for _, d := range deliveries {
		cb := d.cs.callbacks.OnMessageArrived
		if cb == nil {
			continue
		}
		msg := d.msg
		cs := d.cs
		e.dispatchCallback(func() {
			accepted := cb(msg.Topic, msg.Payload, msg.QoS, msg.Retained)
			if !accepted {
				return
			}
			e.mu.Lock()
			if len(cs.messageQueue) > 0 && cs.messageQueue[0] == msg {
				cs.messageQueue = cs.messageQueue[1:]
				if cs.store != nil && msg.Seqno != 0 {
					if err := cs.store.Remove(seqnoDeliveryKey(msg.Seqno)); err != nil {
						e.logPersistenceWarn(cs, err)
					}
				}
			}
			e.mu.Unlock()
		})
	}
}

func seqnoDeliveryKey(seqno uint64) string {
	return "d-" + itoa(seqno)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
