package crdt

import "fmt"

// MessageType is the leading varint of every binary frame.
type MessageType uint64

const (
	MessageSync           MessageType = 0
	MessageAwareness      MessageType = 1
	MessageQueryAwareness MessageType = 3
)

// SyncType is the second varint of a MessageSync frame.
type SyncType uint64

const (
	SyncStep1  SyncType = 0
	SyncStep2  SyncType = 1
	SyncUpdate SyncType = 2
)

// Message is a decoded binary frame. Payload is the state vector for
// SyncStep1, an update for SyncStep2 and SyncUpdate, and an awareness update
// for MessageAwareness.
type Message struct {
	Type    MessageType
	Sync    SyncType
	Payload []byte
}

// EncodeSyncStep1 announces the sender's state vector.
func EncodeSyncStep1(stateVector []byte) []byte {
	return encodeSync(SyncStep1, stateVector)
}

// EncodeSyncStep2 answers a step1 with the missing state.
func EncodeSyncStep2(update []byte) []byte {
	return encodeSync(SyncStep2, update)
}

// EncodeUpdate broadcasts an incremental update.
func EncodeUpdate(update []byte) []byte {
	return encodeSync(SyncUpdate, update)
}

func encodeSync(sub SyncType, payload []byte) []byte {
	var enc encoder
	enc.uint(uint64(MessageSync))
	enc.uint(uint64(sub))
	enc.bytes(payload)
	return enc.Bytes()
}

// EncodeAwarenessMessage frames an awareness update.
func EncodeAwarenessMessage(update []byte) []byte {
	var enc encoder
	enc.uint(uint64(MessageAwareness))
	enc.bytes(update)
	return enc.Bytes()
}

// EncodeQueryAwareness asks the peer for its full awareness state.
func EncodeQueryAwareness() []byte {
	var enc encoder
	enc.uint(uint64(MessageQueryAwareness))
	return enc.Bytes()
}

// DecodeMessage parses one binary frame.
func DecodeMessage(frame []byte) (Message, error) {
	dec := newDecoder(frame)
	typ, err := dec.uint()
	if err != nil {
		return Message{}, err
	}
	msg := Message{Type: MessageType(typ)}
	switch msg.Type {
	case MessageSync:
		sub, err := dec.uint()
		if err != nil {
			return Message{}, err
		}
		msg.Sync = SyncType(sub)
		if msg.Sync > SyncUpdate {
			return Message{}, fmt.Errorf("%w: unknown sync type %d", ErrMalformed, sub)
		}
		if msg.Payload, err = dec.bytes(); err != nil {
			return Message{}, err
		}
	case MessageAwareness:
		if msg.Payload, err = dec.bytes(); err != nil {
			return Message{}, err
		}
	case MessageQueryAwareness:
	default:
		return Message{}, fmt.Errorf("%w: unknown message type %d", ErrMalformed, typ)
	}
	return msg, nil
}
