package wire

import (
	"bytes"
	"testing"
)

func TestByteHelpersRoundTrip(t *testing.T) {
	w := newWriter(64)
	if err := w.putU8(0x42); err != nil {
		t.Fatal(err)
	}
	if err := w.putU32(0xdeadbeef); err != nil {
		t.Fatal(err)
	}
	if err := w.putString([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := w.putBool(true); err != nil {
		t.Fatal(err)
	}

	r := newReader(w.bytes())
	if v, err := r.tryU8(); err != nil || v != 0x42 {
		t.Fatalf("tryU8: %v, %v", v, err)
	}
	if v, err := r.tryU32(); err != nil || v != 0xdeadbeef {
		t.Fatalf("tryU32: %v, %v", v, err)
	}
	if v, err := r.tryString(); err != nil || string(v) != "hello" {
		t.Fatalf("tryString: %q, %v", v, err)
	}
	if v, err := r.tryBool(); err != nil || v != true {
		t.Fatalf("tryBool: %v, %v", v, err)
	}
	if len(r.remaining()) != 0 {
		t.Fatalf("expected no remaining bytes, got %d", len(r.remaining()))
	}
}

func TestReaderShortRead(t *testing.T) {
	r := newReader([]byte{1, 2})
	if _, err := r.tryU32(); err != ErrShortRead {
		t.Fatalf("expected ErrShortRead, got %v", err)
	}
}

func TestReaderInvalidBool(t *testing.T) {
	r := newReader([]byte{2})
	if _, err := r.tryBool(); err == nil {
		t.Fatal("expected error for invalid bool byte")
	}
}

func TestWriterCapacity(t *testing.T) {
	w := &writer{cap: 2}
	if err := w.putU8(1); err != nil {
		t.Fatal(err)
	}
	if err := w.putU8(2); err != nil {
		t.Fatal(err)
	}
	if err := w.putU8(3); err == nil {
		t.Fatal("expected capacity error")
	}
}

func TestCodecFrameBoundary(t *testing.T) {
	c := NewCodec()
	// REQUEST_IDENTITIES: length=1, kind=11
	frame := []byte{0, 0, 0, 1, 11}

	// feed byte by byte, nothing should decode before the last byte
	for i := 0; i < len(frame)-1; i++ {
		kind, payload, consumed, ok, err := c.Decode(frame[:i+1])
		if err != nil {
			t.Fatalf("unexpected error at %d bytes: %v", i+1, err)
		}
		if ok {
			t.Fatalf("decoded prematurely at %d bytes: kind=%d payload=%v consumed=%d", i+1, kind, payload, consumed)
		}
	}

	kind, payload, consumed, ok, err := c.Decode(frame)
	if err != nil || !ok {
		t.Fatalf("expected successful decode, got ok=%v err=%v", ok, err)
	}
	if kind != 11 || len(payload) != 0 || consumed != len(frame) {
		t.Fatalf("unexpected decode result: kind=%d payload=%v consumed=%d", kind, payload, consumed)
	}
}

func TestCodecZeroLengthPoisons(t *testing.T) {
	c := NewCodec()
	frame := []byte{0, 0, 0, 0}
	if _, _, _, _, err := c.Decode(frame); err == nil {
		t.Fatal("expected error for zero length frame")
	}
	if _, _, _, _, err := c.Decode(frame); err != ErrFramingLost {
		t.Fatalf("expected ErrFramingLost after poisoning, got %v", err)
	}
}

func TestCodecMultipleFramesInOneBuffer(t *testing.T) {
	c := NewCodec()
	var buf []byte
	buf = append(buf, 0, 0, 0, 1, 11) // REQUEST_IDENTITIES
	buf = append(buf, 0, 0, 0, 1, 19) // REMOVE_ALL_IDENTITIES

	kind1, _, n1, ok1, err := c.Decode(buf)
	if err != nil || !ok1 || kind1 != 11 {
		t.Fatalf("first frame: kind=%d ok=%v err=%v", kind1, ok1, err)
	}
	kind2, _, _, ok2, err := c.Decode(buf[n1:])
	if err != nil || !ok2 || kind2 != 19 {
		t.Fatalf("second frame: kind=%d ok=%v err=%v", kind2, ok2, err)
	}
}

func TestRequestEncodeParseRoundTrip(t *testing.T) {
	reqs := []Request{
		RequestIdentities{},
		SignRequest{KeyBlob: []byte("key"), Data: []byte("data"), Flags: SignFlagRSASHA2_256},
		AddIdentity{Payload: []byte("raw-key-material")},
		AddIdConstrained{Payload: []byte("raw-key-material-constrained")},
		RemoveIdentity{KeyBlob: []byte("key")},
		RemoveAllIdentities{},
		ExtensionRequest{Name: ExtensionNameAddUpstreamV2, Body: AddUpstreamV2{Path: "/tmp/a.sock", ForwardAdds: true}},
		ExtensionRequest{Name: ExtensionNameListUpstreamsV2, Body: ListUpstreamsV2{}},
		ExtensionRequest{Name: "unknown-ext@example.com", Contents: []byte("payload")},
	}

	for _, req := range reqs {
		encoded, err := req.EncodeTo(nil)
		if err != nil {
			t.Fatalf("encode %T: %v", req, err)
		}
		if len(encoded) == 0 || encoded[0] != req.Kind() {
			t.Fatalf("encode %T: missing/mismatched kind byte", req)
		}
		parsed, err := ParseRequest(encoded[0], encoded[1:])
		if err != nil {
			t.Fatalf("parse %T: %v", req, err)
		}
		reencoded, err := parsed.EncodeTo(nil)
		if err != nil {
			t.Fatalf("reencode %T: %v", req, err)
		}
		if !bytes.Equal(encoded, reencoded) {
			t.Fatalf("round trip mismatch for %T: %v != %v", req, encoded, reencoded)
		}
	}
}

func TestResponseEncodeParseRoundTrip(t *testing.T) {
	resps := []Response{
		Failure{},
		Success{},
		Identities{Keys: []PublicKey{{Blob: []byte("blob1"), Comment: "a"}, {Blob: []byte("blob2"), Comment: "b"}}},
		SignResponse{Signature: []byte("sig")},
		ExtensionFailure{Err: ErrorMsg{Messages: []string{"outer", "inner"}}},
	}

	for _, resp := range resps {
		encoded, err := resp.EncodeTo(nil)
		if err != nil {
			t.Fatalf("encode %T: %v", resp, err)
		}
		parsed, err := ParseResponse(encoded[0], encoded[1:])
		if err != nil {
			t.Fatalf("parse %T: %v", resp, err)
		}
		reencoded, err := parsed.EncodeTo(nil)
		if err != nil {
			t.Fatalf("reencode %T: %v", resp, err)
		}
		if !bytes.Equal(encoded, reencoded) {
			t.Fatalf("round trip mismatch for %T", resp)
		}
	}
}

func TestSuccessWithUpstreamListV2RoundTrip(t *testing.T) {
	list := UpstreamListV2{Upstreams: []UpstreamEntryV2{
		{Path: "/run/agent-2.sock", ForwardAdds: true},
		{Path: "/run/agent-1.sock", ForwardAdds: false},
	}}
	resp, err := SuccessWithUpstreamListV2(list)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseUpstreamListV2(resp.Contents)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Upstreams) != 2 || got.Upstreams[0].Path != "/run/agent-2.sock" || !got.Upstreams[0].ForwardAdds {
		t.Fatalf("unexpected round trip: %+v", got)
	}
}

func TestErrorMsgFromErrorChain(t *testing.T) {
	base := errWithMsg("socket gone")
	wrapped := wrapErr("add upstream failed", base)
	em := NewErrorMsg(wrapped)
	if len(em.Messages) != 2 {
		t.Fatalf("expected 2 levels, got %d: %v", len(em.Messages), em.Messages)
	}
	if em.Messages[0] != "socket gone" || em.Messages[1] != "add upstream failed" {
		t.Fatalf("expected root cause first, got %v", em.Messages)
	}
	if got, want := em.Error(), "add upstream failed: socket gone"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

type simpleErr struct{ msg string }

func (e *simpleErr) Error() string { return e.msg }

func errWithMsg(msg string) error { return &simpleErr{msg: msg} }

type wrappedErr struct {
	msg string
	err error
}

func (e *wrappedErr) Error() string { return e.msg + ": " + e.err.Error() }
func (e *wrappedErr) Unwrap() error { return e.err }

func wrapErr(msg string, err error) error { return &wrappedErr{msg: msg, err: err} }
