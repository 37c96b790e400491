package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Record type tags, written as the first byte of every persisted command
// record (spec.md section 6's persistence key layout).
const (
	RecordSubscribe   = 1
	RecordUnsubscribe = 2
	RecordPublish     = 3
)

// CommandPrefix is the key prefix enumerated on Engine.Create to replay
// persisted commands in ascending seqno order.
const CommandPrefix = "c-"

// CommandKey returns the persistence key for a command at the given
// sequence number.
func CommandKey(seqno uint64) string {
	return fmt.Sprintf("%s%d", CommandPrefix, seqno)
}

// SeqnoFromKey parses the trailing sequence number out of a command key.
func SeqnoFromKey(key string) (uint64, error) {
	tail := strings.TrimPrefix(key, CommandPrefix)
	return strconv.ParseUint(tail, 10, 64)
}

// SubscribeRecord is the persisted form of a Subscribe command.
type SubscribeRecord struct {
	Token  uint32
	Topics []string
	QoS    []uint8
}

// EncodeSubscribeRecord serializes r per spec.md section 6: type, token,
// count, then for each topic a NUL-terminated string followed by its qos.
func EncodeSubscribeRecord(r *SubscribeRecord) []byte {
	var buf bytes.Buffer
	buf.WriteByte(RecordSubscribe)
	writeUint32(&buf, r.Token)
	writeUint32(&buf, uint32(len(r.Topics)))
	for i, topic := range r.Topics {
		buf.WriteString(topic)
		buf.WriteByte(0)
		qos := uint8(0)
		if i < len(r.QoS) {
			qos = r.QoS[i]
		}
		buf.WriteByte(qos)
	}
	return buf.Bytes()
}

// DecodeSubscribeRecord parses a record previously produced by
// EncodeSubscribeRecord.
func DecodeSubscribeRecord(data []byte) (*SubscribeRecord, error) {
	if len(data) < 1 || data[0] != RecordSubscribe {
		return nil, fmt.Errorf("store: not a subscribe record")
	}
	r := &bytesReader{data: data[1:]}

	token, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	count, err := r.readUint32()
	if err != nil {
		return nil, err
	}

	rec := &SubscribeRecord{Token: token}
	for i := uint32(0); i < count; i++ {
		topic, err := r.readCString()
		if err != nil {
			return nil, err
		}
		qos, err := r.readByte()
		if err != nil {
			return nil, err
		}
		rec.Topics = append(rec.Topics, topic)
		rec.QoS = append(rec.QoS, qos)
	}
	return rec, nil
}

// UnsubscribeRecord is the persisted form of an Unsubscribe command.
//
// Its encoding carries its own topic count, read on restore, fixing the source bug noted in
// spec.md section 9 where the original C client's restore path reads the
// SUBSCRIBE record's count field for UNSUBSCRIBE records too.
type UnsubscribeRecord struct {
	Token  uint32
	Topics []string
}

// EncodeUnsubscribeRecord serializes r: type, token, count, then each
// NUL-terminated topic.
func EncodeUnsubscribeRecord(r *UnsubscribeRecord) []byte {
	var buf bytes.Buffer
	buf.WriteByte(RecordUnsubscribe)
	writeUint32(&buf, r.Token)
	writeUint32(&buf, uint32(len(r.Topics)))
	for _, topic := range r.Topics {
		buf.WriteString(topic)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// DecodeUnsubscribeRecord parses a record previously produced by
// EncodeUnsubscribeRecord, reading UNSUBSCRIBE's own count field.
func DecodeUnsubscribeRecord(data []byte) (*UnsubscribeRecord, error) {
	if len(data) < 1 || data[0] != RecordUnsubscribe {
		return nil, fmt.Errorf("store: not an unsubscribe record")
	}
	r := &bytesReader{data: data[1:]}

	token, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	count, err := r.readUint32()
	if err != nil {
		return nil, err
	}

	rec := &UnsubscribeRecord{Token: token}
	for i := uint32(0); i < count; i++ {
		topic, err := r.readCString()
		if err != nil {
			return nil, err
		}
		rec.Topics = append(rec.Topics, topic)
	}
	return rec, nil
}

// PublishRecord is the persisted form of a Publish command.
type PublishRecord struct {
	Token    uint32
	Topic    string
	Payload  []byte
	QoS      uint8
	Retained bool
}

// EncodePublishRecord serializes r: type, token, destination_topic,
// payload_len, payload_bytes, qos, retained.
func EncodePublishRecord(r *PublishRecord) []byte {
	var buf bytes.Buffer
	buf.WriteByte(RecordPublish)
	writeUint32(&buf, r.Token)
	buf.WriteString(r.Topic)
	buf.WriteByte(0)
	writeUint32(&buf, uint32(len(r.Payload)))
	buf.Write(r.Payload)
	buf.WriteByte(r.QoS)
	if r.Retained {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// DecodePublishRecord parses a record previously produced by
// EncodePublishRecord.
func DecodePublishRecord(data []byte) (*PublishRecord, error) {
	if len(data) < 1 || data[0] != RecordPublish {
		return nil, fmt.Errorf("store: not a publish record")
	}
	r := &bytesReader{data: data[1:]}

	token, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	topic, err := r.readCString()
	if err != nil {
		return nil, err
	}
	payloadLen, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	payload, err := r.readBytes(int(payloadLen))
	if err != nil {
		return nil, err
	}
	qos, err := r.readByte()
	if err != nil {
		return nil, err
	}
	retainedByte, err := r.readByte()
	if err != nil {
		return nil, err
	}

	return &PublishRecord{
		Token:    token,
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Retained: retainedByte != 0,
	}, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

// bytesReader is a minimal cursor over a byte slice used to decode the
// records above without pulling in encoding/gob or similar.
type bytesReader struct {
	data []byte
	pos  int
}

func (r *bytesReader) readByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, fmt.Errorf("store: unexpected end of record")
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *bytesReader) readUint32() (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, fmt.Errorf("store: unexpected end of record")
	}
	v := binary.BigEndian.Uint32(r.data[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *bytesReader) readBytes(n int) ([]byte, error) {
	if r.pos+n > len(r.data) {
		return nil, fmt.Errorf("store: unexpected end of record")
	}
	b := make([]byte, n)
	copy(b, r.data[r.pos:r.pos+n])
	r.pos += n
	return b, nil
}

func (r *bytesReader) readCString() (string, error) {
	idx := bytes.IndexByte(r.data[r.pos:], 0)
	if idx < 0 {
		return "", fmt.Errorf("store: unterminated string in record")
	}
	s := string(r.data[r.pos : r.pos+idx])
	r.pos += idx + 1
	return s, nil
}
