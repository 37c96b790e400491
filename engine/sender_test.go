package engine

import (
	"bufio"
	"testing"
	"time"

	"corvidmq/internal/wire"
)

// TestDispatchPublishQoS0CompletesImmediately covers scenario S1: a qos-0
// publish writes the packet and completes its token without waiting for any
// acknowledgment.
func TestDispatchPublishQoS0CompletesImmediately(t *testing.T) {
	e := newTestEngine()
	client, remote := pipePair()
	defer client.Close()
	defer remote.Close()

	cs := newClientState(1, "tcp://localhost:1883", "c1")
	cs.connected = true
	e.clients[1] = cs
	e.sockets[1] = client

	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := remote.Read(buf); err != nil {
				return
			}
		}
	}()

	tok := newToken(0)
	cmd := &Command{Kind: CmdPublish, Handle: 1, Topic: "t", Payload: []byte("x"), PubQoS: 0, token: tok}

	e.dispatchPublish(cs, cmd)

	select {
	case <-tok.Done():
		if tok.Error() != nil {
			t.Fatalf("unexpected error completing qos-0 publish: %v", tok.Error())
		}
	case <-time.After(time.Second):
		t.Fatal("expected the qos-0 token to complete immediately")
	}
	if len(cs.outboundMsgs) != 0 {
		t.Fatalf("expected no OutboundMessage to be registered for qos 0, got %d", len(cs.outboundMsgs))
	}
}

// TestDispatchPublishQoS1RegistersOutbound covers scenario S2: a qos-1
// publish registers an OutboundMessage and leaves the token pending until a
// PUBACK arrives.
func TestDispatchPublishQoS1RegistersOutbound(t *testing.T) {
	e := newTestEngine()
	client, remote := pipePair()
	defer client.Close()
	defer remote.Close()

	cs := newClientState(1, "tcp://localhost:1883", "c1")
	cs.connected = true
	e.clients[1] = cs
	e.sockets[1] = client

	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := remote.Read(buf); err != nil {
				return
			}
		}
	}()

	tok := newToken(0)
	cmd := &Command{Kind: CmdPublish, Handle: 1, Topic: "t", Payload: []byte("x"), PubQoS: 1, token: tok}

	e.dispatchPublish(cs, cmd)

	if len(cs.outboundMsgs) != 1 {
		t.Fatalf("expected 1 OutboundMessage registered, got %d", len(cs.outboundMsgs))
	}
	select {
	case <-tok.Done():
		t.Fatal("qos-1 token must not complete before PUBACK")
	default:
	}
}

// TestDispatchSubscribeAssignsMsgIDAndRegisters covers scenario S3:
// SUBSCRIBE dispatch assigns a msg id, writes the packet, and parks the
// command in pendingResponses awaiting SUBACK.
func TestDispatchSubscribeAssignsMsgIDAndRegisters(t *testing.T) {
	e := newTestEngine()
	client, remote := pipePair()
	defer client.Close()
	defer remote.Close()

	cs := newClientState(1, "tcp://localhost:1883", "c1")
	cs.connected = true
	e.clients[1] = cs
	e.sockets[1] = client

	recv := make(chan wire.Packet, 1)
	go func() {
		pkt, err := wire.ReadPacket(bufio.NewReader(remote), 1<<20)
		if err == nil {
			recv <- pkt
		}
	}()

	cmd := &Command{Kind: CmdSubscribe, Handle: 1, Topics: []string{"a/b"}, QoS: []uint8{1}, token: newToken(0)}
	e.dispatchSubscribe(cs, cmd)

	if cmd.MsgID == 0 {
		t.Fatal("expected a non-zero msg id to be assigned")
	}
	if cs.pendingResponses[cmd.MsgID] != cmd {
		t.Fatal("expected the command to be parked in pendingResponses under its msg id")
	}

	select {
	case pkt := <-recv:
		sub, ok := pkt.(*wire.SubscribePacket)
		if !ok {
			t.Fatalf("expected a SubscribePacket, got %T", pkt)
		}
		if sub.PacketID != cmd.MsgID {
			t.Fatalf("wire PacketID = %d, want %d", sub.PacketID, cmd.MsgID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a SUBSCRIBE packet to be written")
	}
}

// TestDispatchDisconnectClosesImmediatelyWhenIdle covers scenario S6: a
// DISCONNECT with no outbound messages pending closes the socket and
// completes its token synchronously, without waiting for a drain.
func TestDispatchDisconnectClosesImmediatelyWhenIdle(t *testing.T) {
	e := newTestEngine()
	client, remote := pipePair()
	defer remote.Close()

	cs := newClientState(1, "tcp://localhost:1883", "c1")
	cs.connected = true
	e.clients[1] = cs
	e.sockets[1] = client

	go func() {
		buf := make([]byte, 16)
		remote.Read(buf)
	}()

	tok := newToken(0)
	cmd := &Command{Kind: CmdDisconnect, Handle: 1, token: tok}
	e.dispatchDisconnect(cs, cmd)

	select {
	case <-tok.Done():
		if tok.Error() != nil {
			t.Fatalf("unexpected error on clean disconnect: %v", tok.Error())
		}
	case <-time.After(time.Second):
		t.Fatal("expected the Disconnect token to complete immediately")
	}
	if _, registered := e.sockets[1]; registered {
		t.Fatal("expected the socket to be removed once disconnected")
	}
}

// TestDispatchDisconnectWaitsForDrain covers the complementary edge case:
// a DISCONNECT issued while a qos-1 publish is still outbound must not
// close the socket immediately.
func TestDispatchDisconnectWaitsForDrain(t *testing.T) {
	e := newTestEngine()
	client, remote := pipePair()
	defer client.Close()
	defer remote.Close()

	cs := newClientState(1, "tcp://localhost:1883", "c1")
	cs.connected = true
	cs.outboundMsgs[1] = &OutboundMessage{MsgID: 1}
	e.clients[1] = cs
	e.sockets[1] = client

	cmd := &Command{Kind: CmdDisconnect, Handle: 1, token: newToken(0)}
	e.dispatchDisconnect(cs, cmd)

	if _, registered := e.sockets[1]; !registered {
		t.Fatal("expected the socket to remain open while outbound_msgs drains")
	}
	if cs.disconnectPending != cmd {
		t.Fatal("expected the Disconnect command to be parked as disconnectPending")
	}
}
