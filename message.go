package eventbus

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
)

// bodyType tags the wire encoding of a message body. The primitive kinds
// mirror what the original Vert.x EventBus treats as built-in (string,
// Buffer/[]byte, the numeric and boolean wrapper types); OBJECT carries a
// codec-encoded payload keyed by type name, and PING is a liveness frame
// that carries no application body at all.
type bodyType uint8

const (
	bodyNil bodyType = iota
	bodyString
	bodyBytes
	bodyInt
	bodyInt64
	bodyFloat64
	bodyBool
	bodyJSONObject
	bodyJSONArray
	bodyObject
	bodyPing
)

// Message is the envelope exchanged between bus instances and delivered to
// handlers. Each handler invocation receives its own *Message (see
// Dispatch Engine §4.2 "per-message copy") — callers must not assume two
// concurrently-scheduled deliveries share state, even though the Body
// value itself may be a shared immutable reference.
type Message struct {
	Send         bool
	Address      string
	ReplyAddress string
	Sender       NodeID
	BodyType     bodyType
	Body         any
	TypeName     string // populated for BodyType == bodyObject

	bus *Bus
}

// copy returns an independent envelope for a second handler invocation.
// The Body reference itself is treated as immutable/shared; only the
// envelope (notably ReplyAddress/Sender routing fields) is cloned.
func (m *Message) copy() *Message {
	c := *m
	return &c
}

// Reply sends body back to the sender's reply address, if one was set
// (i.e. the original send expected a reply). A no-op otherwise.
func (m *Message) Reply(body any) error {
	if m.ReplyAddress == "" || m.bus == nil {
		return nil
	}
	return m.bus.sendTo(m.Sender, &Message{
		Send:    true,
		Address: m.ReplyAddress,
		Sender:  m.bus.self,
		Body:    body,
	})
}

// Fail sends a RECIPIENT_FAILURE reply carrying code and reason back to
// the sender's reply address, if one was set.
func (m *Message) Fail(code int32, reason string) error {
	if m.ReplyAddress == "" || m.bus == nil {
		return nil
	}
	return m.bus.sendTo(m.Sender, &Message{
		Send:    true,
		Address: m.ReplyAddress,
		Sender:  m.bus.self,
		Body:    &BusError{Kind: ErrKindRecipientFailure, Code: code, Msg: reason},
	})
}

// --- wire framing: [4-byte BE length][payload] ---

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// encodePayload serializes msg per the wire layout in SPEC_FULL.md §6:
//
//	type:u8 send:u8 replyAddrLen:u32 replyAddr:utf8
//	addrLen:u32 addr:utf8 senderPort:u32 senderHostLen:u32 senderHost:utf8
//	[typeNameLen:u32 typeName:utf8]   (OBJECT bodies only)
//	bodyLen:u32 body:bytes
func encodePayload(msg *Message, codecs *CodecRegistry) ([]byte, error) {
	bodyBytesVal, bt, typeName, err := encodeBody(msg.Body, codecs)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(bt))
	if msg.Send {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	putStr(&buf, msg.ReplyAddress)
	putStr(&buf, msg.Address)
	putU32(&buf, uint32(msg.Sender.Port))
	putStr(&buf, msg.Sender.Host)
	if bt == bodyObject {
		putStr(&buf, typeName)
	}
	putU32(&buf, uint32(len(bodyBytesVal)))
	buf.Write(bodyBytesVal)

	return buf.Bytes(), nil
}

// encodePingPayload serializes a PING control frame, which carries only
// the sender's node identity.
func encodePingPayload(sender NodeID) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(bodyPing))
	putStr(&buf, sender.Host)
	putU32(&buf, uint32(sender.Port))
	return buf.Bytes()
}

func decodePayload(data []byte, codecs *CodecRegistry) (*Message, error) {
	r := bytes.NewReader(data)

	btByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("eventbus: short frame: %w", err)
	}
	bt := bodyType(btByte)

	if bt == bodyPing {
		host, err := getStr(r)
		if err != nil {
			return nil, err
		}
		port, err := getU32(r)
		if err != nil {
			return nil, err
		}
		return &Message{BodyType: bodyPing, Sender: NodeID{Host: host, Port: int(port)}}, nil
	}

	sendByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	replyAddr, err := getStr(r)
	if err != nil {
		return nil, err
	}
	addr, err := getStr(r)
	if err != nil {
		return nil, err
	}
	senderPort, err := getU32(r)
	if err != nil {
		return nil, err
	}
	senderHost, err := getStr(r)
	if err != nil {
		return nil, err
	}

	var typeName string
	if bt == bodyObject {
		typeName, err = getStr(r)
		if err != nil {
			return nil, err
		}
	}

	bodyLen, err := getU32(r)
	if err != nil {
		return nil, err
	}
	bodyBytesVal := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, bodyBytesVal); err != nil {
		return nil, err
	}

	body, err := decodeBody(bt, typeName, bodyBytesVal, codecs)
	if err != nil {
		return nil, err
	}

	return &Message{
		Send:         sendByte == 1,
		Address:      addr,
		ReplyAddress: replyAddr,
		Sender:       NodeID{Host: senderHost, Port: int(senderPort)},
		BodyType:     bt,
		Body:         body,
		TypeName:     typeName,
	}, nil
}

// encodeBody type-switches the built-in kinds to a compact native
// encoding and defers everything else to the codec registry, returning an
// *ErrNoCodec argument error if none is registered (SPEC_FULL.md §4.6,
// §7 "registerCodec missing ... synchronous argument error").
func encodeBody(body any, codecs *CodecRegistry) ([]byte, bodyType, string, error) {
	switch v := body.(type) {
	case nil:
		return nil, bodyNil, "", nil
	case string:
		return []byte(v), bodyString, "", nil
	case []byte:
		return v, bodyBytes, "", nil
	case int:
		return encodeI64(int64(v)), bodyInt, "", nil
	case int64:
		return encodeI64(v), bodyInt64, "", nil
	case float64:
		return encodeI64(int64(math.Float64bits(v))), bodyFloat64, "", nil
	case bool:
		if v {
			return []byte{1}, bodyBool, "", nil
		}
		return []byte{0}, bodyBool, "", nil
	case map[string]any:
		b, err := json.Marshal(v)
		return b, bodyJSONObject, "", err
	case []any:
		b, err := json.Marshal(v)
		return b, bodyJSONArray, "", err
	case *BusError:
		// failure replies are carried as an OBJECT with a built-in codec.
		b, err := json.Marshal(v)
		return b, bodyObject, busErrorTypeName, err
	default:
		typeName := TypeName(body)
		codec, ok := codecs.lookup(typeName)
		if !ok {
			return nil, 0, "", &ErrNoCodec{TypeName: typeName}
		}
		b, err := codec.Encode(body)
		return b, bodyObject, typeName, err
	}
}

func decodeBody(bt bodyType, typeName string, data []byte, codecs *CodecRegistry) (any, error) {
	switch bt {
	case bodyNil:
		return nil, nil
	case bodyString:
		return string(data), nil
	case bodyBytes:
		return data, nil
	case bodyInt:
		return int(decodeI64(data)), nil
	case bodyInt64:
		return decodeI64(data), nil
	case bodyFloat64:
		return math.Float64frombits(uint64(decodeI64(data))), nil
	case bodyBool:
		return len(data) > 0 && data[0] == 1, nil
	case bodyJSONObject:
		var v map[string]any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case bodyJSONArray:
		var v []any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case bodyObject:
		if typeName == busErrorTypeName {
			var be BusError
			if err := json.Unmarshal(data, &be); err != nil {
				return nil, err
			}
			return &be, nil
		}
		codec, ok := codecs.lookup(typeName)
		if !ok {
			return nil, &ErrNoCodec{TypeName: typeName}
		}
		return codec.Decode(data)
	default:
		return nil, fmt.Errorf("eventbus: unknown body type tag %d", bt)
	}
}

const busErrorTypeName = "eventbus.BusError"

// --- small binary helpers, in the teacher's putStr/getStr style ---

func putStr(buf *bytes.Buffer, s string) {
	putU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func getStr(r *bytes.Reader) (string, error) {
	n, err := getU32(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func getU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func encodeI64(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

func decodeI64(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
