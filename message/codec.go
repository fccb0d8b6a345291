package message

import "math"

// MaxFrameBody is the largest a message's body (everything after the 1-byte
// tag and 2-byte length) may be (spec.md §4.1).
const MaxFrameBody = math.MaxUint16

// MaxFrameSize is the largest a fully framed message may be on the wire.
const MaxFrameSize = 3 + MaxFrameBody

// blockFlagEOF / loss packing: bit 0 is the eof flag, bits 1-7 carry the
// 7-bit loss field. This bit order is an implementation choice (spec.md
// leaves the packing order unspecified beyond naming eof and loss); it only
// needs to be self-consistent across Encode/Decode, which it is.
func packBlockFlags(loss uint8, eof bool) byte {
	b := (loss & 0x7F) << 1
	if eof {
		b |= 1
	}
	return b
}

func unpackBlockFlags(b byte) (loss uint8, eof bool) {
	eof = b&1 != 0
	loss = (b >> 1) & 0x7F
	return loss, eof
}

// Encode serializes m into a fully framed byte slice: 1-byte tag, 2-byte
// little-endian body length, then the variant body. It fails deterministically
// with ErrMessageTooLarge (without allocating the frame) if the body would
// exceed MaxFrameBody bytes (spec.md testable property #3).
func Encode(m Message) ([]byte, error) {
	body, err := encodeBody(m)
	if err != nil {
		return nil, err
	}
	if len(body) > MaxFrameBody {
		return nil, ErrMessageTooLarge
	}

	frame := make([]byte, 0, 3+len(body))
	frame = append(frame, byte(m.Kind))
	frame = appendUint16(frame, uint16(len(body)))
	frame = append(frame, body...)
	return frame, nil
}

func encodeBody(m Message) ([]byte, error) {
	switch m.Kind {
	case KindOpenMsg:
		if encodedSize(m.Params) > MaxFrameBody {
			return nil, ErrMessageTooLarge
		}
		dst := make([]byte, 0, 5+encodedSize(m.Params))
		dst = appendUint16(dst, uint16(m.PipeID))
		dst = appendUint16(dst, m.FunctionID)
		dst = append(dst, byte(m.Priority))
		return writeValue(dst, m.Params)

	case KindBlockMsg:
		if m.EOF && len(m.Payload) != 0 {
			return nil, codecErrorf("eof block carries %d bytes of payload, want 0", len(m.Payload))
		}
		if len(m.Payload) > MaxBlockPayload {
			return nil, ErrMessageTooLarge
		}
		dst := make([]byte, 0, 5+len(m.Payload))
		dst = appendUint16(dst, uint16(m.PipeID))
		dst = append(dst, packBlockFlags(m.Loss, m.EOF))
		dst = appendUint16(dst, uint16(len(m.Payload)))
		dst = append(dst, m.Payload...)
		return dst, nil

	case KindCloseMsg:
		if encodedSize(m.Result) > MaxFrameBody {
			return nil, ErrMessageTooLarge
		}
		dst := make([]byte, 0, 3+encodedSize(m.Result))
		dst = appendUint16(dst, uint16(m.PipeID))
		dst = append(dst, byte(m.Code))
		return writeValue(dst, m.Result)

	case KindControlMsg:
		dst := make([]byte, 0, 1+len(m.ControlBody))
		dst = append(dst, byte(m.ControlKind))
		if m.ControlKind == ControlSyncSession {
			dst = append(dst, m.ControlBody...)
		}
		return dst, nil

	default:
		return nil, codecErrorf("unknown message kind: 0x%02x", byte(m.Kind))
	}
}

// Decode parses one framed message from the front of src. It returns the
// decoded message and the number of bytes consumed. If src holds fewer
// bytes than the message requires, it returns ErrUnsatisfied and the caller
// must leave its buffer position unchanged (spec.md testable property #2).
// Any other decode failure is a *CodecError.
func Decode(src []byte) (Message, int, error) {
	if len(src) < 3 {
		return Message{}, 0, ErrUnsatisfied
	}
	tag := Kind(src[0])
	bodyLen := int(readUint16(src[1:3]))
	total := 3 + bodyLen
	if len(src) < total {
		return Message{}, 0, ErrUnsatisfied
	}
	body := src[3:total]

	m, err := decodeBody(tag, body)
	if err != nil {
		return Message{}, 0, err
	}
	return m, total, nil
}

func decodeBody(tag Kind, body []byte) (Message, error) {
	switch tag {
	case KindOpenMsg:
		if len(body) < 5 {
			return Message{}, codecErrorf("open message body too short: %d bytes", len(body))
		}
		pipeID := PipeID(readUint16(body[0:2]))
		functionID := readUint16(body[2:4])
		priority := int8(body[4])
		params, consumed, err := readValue(body[5:])
		if err != nil {
			return Message{}, wrapDecodeErr(err)
		}
		if 5+consumed != len(body) {
			return Message{}, codecErrorf("open message has %d trailing bytes", len(body)-5-consumed)
		}
		return NewOpen(pipeID, priority, functionID, params), nil

	case KindBlockMsg:
		if len(body) < 5 {
			return Message{}, codecErrorf("block message body too short: %d bytes", len(body))
		}
		pipeID := PipeID(readUint16(body[0:2]))
		loss, eof := unpackBlockFlags(body[2])
		payloadLen := int(readUint16(body[3:5]))
		if len(body) != 5+payloadLen {
			return Message{}, codecErrorf("block payload length mismatch: header says %d, have %d", payloadLen, len(body)-5)
		}
		if eof && payloadLen != 0 {
			return Message{}, codecErrorf("eof block carries %d bytes of payload, want 0", payloadLen)
		}
		payload := append([]byte(nil), body[5:5+payloadLen]...)
		return NewBlock(pipeID, loss, payload, eof), nil

	case KindCloseMsg:
		if len(body) < 3 {
			return Message{}, codecErrorf("close message body too short: %d bytes", len(body))
		}
		pipeID := PipeID(readUint16(body[0:2]))
		code := CloseCode(body[2])
		result, consumed, err := readValue(body[3:])
		if err != nil {
			return Message{}, wrapDecodeErr(err)
		}
		if 3+consumed != len(body) {
			return Message{}, codecErrorf("close message has %d trailing bytes", len(body)-3-consumed)
		}
		return NewClose(pipeID, code, result), nil

	case KindControlMsg:
		if len(body) < 1 {
			return Message{}, codecErrorf("control message body too short: %d bytes", len(body))
		}
		kind := ControlKind(body[0])
		switch kind {
		case ControlSyncSession:
			return NewControlSyncSession(append([]byte(nil), body[1:]...)), nil
		case ControlClose:
			if len(body) != 1 {
				return Message{}, codecErrorf("control close has %d trailing bytes", len(body)-1)
			}
			return NewControlClose(), nil
		default:
			return Message{}, codecErrorf("unknown control kind: 0x%02x", byte(kind))
		}

	default:
		return Message{}, codecErrorf("unknown message tag: 0x%02x", byte(tag))
	}
}

// wrapDecodeErr turns a readValue failure into a CodecError. By the time
// decodeBody runs, Decode has already confirmed the full declared body is
// present, so a short nested value means the body is corrupt, not merely
// incomplete — ErrUnsatisfied from readValue is therefore re-labelled as a
// CodecError rather than propagated as the streaming "need more bytes"
// signal (spec.md §4.1: Unsatisfied is the sole non-fatal outcome, reserved
// for a short top-level frame).
func wrapDecodeErr(err error) error {
	if err == ErrUnsatisfied {
		return codecErrorf("value truncated inside a fully-declared message body")
	}
	return wrapCodecError(err)
}
