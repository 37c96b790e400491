package wire

import (
	"bytes"
	"testing"
)

func roundTrip(t *testing.T, p Packet) Packet {
	t.Helper()

	var buf bytes.Buffer
	if _, err := p.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}

	decoded, err := ReadPacket(&buf, 0)
	if err != nil {
		t.Fatalf("ReadPacket() error = %v", err)
	}
	return decoded
}

func TestConnectRoundTrip(t *testing.T) {
	p := &ConnectPacket{
		ProtocolName:  "MQTT",
		ProtocolLevel: ProtocolLevel311,
		CleanSession:  true,
		WillFlag:      true,
		WillQoS:       QoS1,
		WillRetain:    true,
		PasswordFlag:  true,
		UsernameFlag:  true,
		KeepAlive:     60,
		ClientID:      "client-1",
		WillTopic:     "lwt/topic",
		WillMessage:   []byte("bye"),
		Username:      "alice",
		Password:      "secret",
	}

	got, ok := roundTrip(t, p).(*ConnectPacket)
	if !ok {
		t.Fatalf("decoded packet has wrong type")
	}
	if got.ClientID != p.ClientID || got.KeepAlive != p.KeepAlive || got.WillTopic != p.WillTopic {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, p)
	}
	if string(got.WillMessage) != string(p.WillMessage) {
		t.Errorf("will message mismatch: got %q, want %q", got.WillMessage, p.WillMessage)
	}
}

func TestConnackRoundTrip(t *testing.T) {
	p := &ConnackPacket{SessionPresent: true, ReturnCode: ConnAccepted}

	got, ok := roundTrip(t, p).(*ConnackPacket)
	if !ok || *got != *p {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestPublishRoundTripQoS0(t *testing.T) {
	p := &PublishPacket{Topic: "sensors/temp", Payload: []byte("21.5")}

	got, ok := roundTrip(t, p).(*PublishPacket)
	if !ok {
		t.Fatalf("decoded packet has wrong type")
	}
	if got.Topic != p.Topic || string(got.Payload) != string(p.Payload) || got.QoS != 0 {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestPublishRoundTripQoS2(t *testing.T) {
	p := &PublishPacket{Dup: true, QoS: QoS2, Retain: true, Topic: "a/b", PacketID: 42, Payload: []byte{1, 2, 3}}

	got, ok := roundTrip(t, p).(*PublishPacket)
	if !ok {
		t.Fatalf("decoded packet has wrong type")
	}
	if got.Dup != p.Dup || got.QoS != p.QoS || got.Retain != p.Retain || got.PacketID != p.PacketID {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestAckPacketsRoundTrip(t *testing.T) {
	if got, ok := roundTrip(t, &PubackPacket{PacketID: 7}).(*PubackPacket); !ok || got.PacketID != 7 {
		t.Errorf("PUBACK round trip failed: %+v", got)
	}
	if got, ok := roundTrip(t, &PubrecPacket{PacketID: 8}).(*PubrecPacket); !ok || got.PacketID != 8 {
		t.Errorf("PUBREC round trip failed: %+v", got)
	}
	if got, ok := roundTrip(t, &PubrelPacket{PacketID: 9}).(*PubrelPacket); !ok || got.PacketID != 9 {
		t.Errorf("PUBREL round trip failed: %+v", got)
	}
	if got, ok := roundTrip(t, &PubcompPacket{PacketID: 10}).(*PubcompPacket); !ok || got.PacketID != 10 {
		t.Errorf("PUBCOMP round trip failed: %+v", got)
	}
}

func TestSubscribeRoundTrip(t *testing.T) {
	p := &SubscribePacket{PacketID: 5, Topics: []string{"a/+", "b/#"}, QoS: []uint8{QoS0, QoS2}}

	got, ok := roundTrip(t, p).(*SubscribePacket)
	if !ok {
		t.Fatalf("decoded packet has wrong type")
	}
	if got.PacketID != p.PacketID || len(got.Topics) != 2 || got.QoS[1] != QoS2 {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestSubackRoundTrip(t *testing.T) {
	p := &SubackPacket{PacketID: 5, ReturnCodes: []uint8{SubackQoS0, SubackFailure}}

	got, ok := roundTrip(t, p).(*SubackPacket)
	if !ok || got.PacketID != p.PacketID || len(got.ReturnCodes) != 2 || got.ReturnCodes[1] != SubackFailure {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestUnsubscribeUnsubackRoundTrip(t *testing.T) {
	up := &UnsubscribePacket{PacketID: 11, Topics: []string{"a/b", "c/d"}}
	got, ok := roundTrip(t, up).(*UnsubscribePacket)
	if !ok || got.PacketID != 11 || len(got.Topics) != 2 {
		t.Errorf("UNSUBSCRIBE round trip failed: %+v", got)
	}

	ua := &UnsubackPacket{PacketID: 11}
	gotAck, ok := roundTrip(t, ua).(*UnsubackPacket)
	if !ok || gotAck.PacketID != 11 {
		t.Errorf("UNSUBACK round trip failed: %+v", gotAck)
	}
}

func TestPingDisconnectRoundTrip(t *testing.T) {
	if _, ok := roundTrip(t, &PingreqPacket{}).(*PingreqPacket); !ok {
		t.Error("PINGREQ round trip failed")
	}
	if _, ok := roundTrip(t, &PingrespPacket{}).(*PingrespPacket); !ok {
		t.Error("PINGRESP round trip failed")
	}
	if _, ok := roundTrip(t, &DisconnectPacket{}).(*DisconnectPacket); !ok {
		t.Error("DISCONNECT round trip failed")
	}
}

func TestReadPacketRejectsOversized(t *testing.T) {
	p := &PublishPacket{Topic: "t", Payload: make([]byte, 100)}
	var buf bytes.Buffer
	if _, err := p.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}

	if _, err := ReadPacket(&buf, 10); err == nil {
		t.Error("expected error for packet exceeding maxIncomingPacket")
	}
}
