package message

import (
	"bytes"
	"testing"
)

func sampleMessages() []Message {
	cfg := map[string]string{"ping": "10", "sessionTimeout": "30"}
	sync := &SyncSession{Version: 0x0100, SealedCertificate: []byte("cert-bytes"), ServiceID: "svc-1", UTCMillis: 1234567890, Config: cfg}
	syncBody, err := sync.Encode()
	if err != nil {
		panic(err)
	}

	return []Message{
		NewOpen(0x8001, 5, 42, String("hello")),
		NewOpen(0x0001, -3, 0, Null()),
		NewOpen(0x8002, 0, 7, List([]Value{Int32(1), Int32(2), Int32(3)})),
		NewBlock(0x8001, 0, []byte("chunk-of-data"), false),
		NewBlock(0x8001, 127, nil, true),
		NewClose(0x8001, CloseSuccess, String("XYZ")),
		NewClose(0x8001, CloseUnexpectedError, ErrorTuple(6, "boom", "handler panicked")),
		NewControlClose(),
		NewControlSyncSession(syncBody),
	}
}

func TestCodecRoundTrip(t *testing.T) {
	for i, m := range sampleMessages() {
		encoded, err := Encode(m)
		if err != nil {
			t.Fatalf("message %d: encode: %v", i, err)
		}
		decoded, consumed, err := Decode(encoded)
		if err != nil {
			t.Fatalf("message %d: decode: %v", i, err)
		}
		if consumed != len(encoded) {
			t.Fatalf("message %d: consumed %d, want %d", i, consumed, len(encoded))
		}
		if !messagesEqual(m, decoded) {
			t.Fatalf("message %d: round trip mismatch: %+v != %+v", i, m, decoded)
		}
	}
}

func TestCodecRestartability(t *testing.T) {
	for i, m := range sampleMessages() {
		encoded, err := Encode(m)
		if err != nil {
			t.Fatalf("message %d: encode: %v", i, err)
		}
		for n := 0; n < len(encoded); n++ {
			prefix := encoded[:n]
			before := append([]byte(nil), prefix...)
			_, _, err := Decode(prefix)
			if err != ErrUnsatisfied {
				t.Fatalf("message %d, prefix len %d: got err=%v, want ErrUnsatisfied", i, n, err)
			}
			if !bytes.Equal(prefix, before) {
				t.Fatalf("message %d, prefix len %d: decode mutated its input", i, n)
			}
		}
	}
}

func TestCodecSizeBound(t *testing.T) {
	big := make([]byte, MaxFrameBody+1)
	m := NewBlock(1, 0, big[:MaxBlockPayload+1], false)
	if _, err := Encode(m); err != ErrMessageTooLarge {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}

	// A message at exactly the limit must still succeed.
	ok := NewBlock(1, 0, make([]byte, MaxBlockPayload), false)
	encoded, err := Encode(ok)
	if err != nil {
		t.Fatalf("unexpected error at size limit: %v", err)
	}
	if len(encoded) > MaxFrameSize {
		t.Fatalf("encoded size %d exceeds MaxFrameSize %d", len(encoded), MaxFrameSize)
	}
}

func TestBlockEOFMustHaveEmptyPayload(t *testing.T) {
	m := NewBlock(1, 0, []byte("x"), true)
	if _, err := Encode(m); err == nil {
		t.Fatal("expected encode to reject eof block with non-empty payload")
	}
}

func messagesEqual(a, b Message) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindOpenMsg:
		return a.PipeID == b.PipeID && a.Priority == b.Priority && a.FunctionID == b.FunctionID && a.Params.Equal(b.Params)
	case KindBlockMsg:
		return a.PipeID == b.PipeID && a.Loss == b.Loss && a.EOF == b.EOF && bytes.Equal(a.Payload, b.Payload)
	case KindCloseMsg:
		return a.PipeID == b.PipeID && a.Code == b.Code && a.Result.Equal(b.Result)
	case KindControlMsg:
		return a.ControlKind == b.ControlKind && bytes.Equal(a.ControlBody, b.ControlBody)
	}
	return false
}
