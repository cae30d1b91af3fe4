package proto

import (
	"bytes"
	"testing"
)

func TestEnvelopeRoundTripRequestInit(t *testing.T) {
	want := &Envelope{
		TimestampMs:  12345678,
		ConnectionID: 42,
		StreamID:     7,
		MsgSeq:       3,
		Kind:         EnvelopeHTTP,
		HTTP: &HTTPMessage{
			Kind:    HTTPRequestInit,
			Method:  "GET",
			URI:     "/hello?x=1",
			Version: "HTTP/1.1",
			Headers: []Header{
				{Name: "Content-Type", Value: []byte("text/plain")},
			},
			HasBody: false,
		},
	}

	got, err := Unmarshal(want.Marshal())
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if got.TimestampMs != want.TimestampMs || got.ConnectionID != want.ConnectionID ||
		got.StreamID != want.StreamID || got.MsgSeq != want.MsgSeq || got.Kind != want.Kind {
		t.Fatalf("envelope fields mismatch: got %+v, want %+v", got, want)
	}
	if got.HTTP.Method != want.HTTP.Method || got.HTTP.URI != want.HTTP.URI ||
		got.HTTP.Version != want.HTTP.Version || got.HTTP.HasBody != want.HTTP.HasBody {
		t.Fatalf("http fields mismatch: got %+v, want %+v", got.HTTP, want.HTTP)
	}
	if len(got.HTTP.Headers) != 1 || got.HTTP.Headers[0].Name != "Content-Type" ||
		!bytes.Equal(got.HTTP.Headers[0].Value, []byte("text/plain")) {
		t.Fatalf("headers mismatch: got %+v", got.HTTP.Headers)
	}
}

func TestEnvelopeRoundTripZeroLengthLastChunk(t *testing.T) {
	want := &Envelope{
		ConnectionID: 1,
		StreamID:     1,
		MsgSeq:       1,
		Kind:         EnvelopeHTTP,
		HTTP: &HTTPMessage{
			Kind:   HTTPResponseBodyChunk,
			Data:   []byte{},
			Seq:    0,
			IsLast: true,
		},
	}

	got, err := Unmarshal(want.Marshal())
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(got.HTTP.Data) != 0 || !got.HTTP.IsLast {
		t.Fatalf("zero-length last chunk not preserved: %+v", got.HTTP)
	}
}

func TestEnvelopeRoundTripWS(t *testing.T) {
	want := &Envelope{
		ConnectionID: 9,
		StreamID:     4,
		MsgSeq:       2,
		Kind:         EnvelopeWS,
		WS: &WSMessage{
			Opcode:    WSClose,
			Fin:       true,
			Payload:   []byte{},
			CloseCode: 1000,
		},
	}

	got, err := Unmarshal(want.Marshal())
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.WS.Opcode != WSClose || !got.WS.Fin || got.WS.CloseCode != 1000 {
		t.Fatalf("ws frame mismatch: %+v", got.WS)
	}
}

func TestEnvelopeRoundTripControlGoAway(t *testing.T) {
	want := &Envelope{
		Kind: EnvelopeControl,
		Control: &ControlMessage{
			Kind:       ControlGoAway,
			LastMsgSeq: 17,
			Reason:     "Replaced by new connection",
		},
	}

	got, err := Unmarshal(want.Marshal())
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Control.Kind != ControlGoAway || got.Control.LastMsgSeq != 17 ||
		got.Control.Reason != "Replaced by new connection" {
		t.Fatalf("control frame mismatch: %+v", got.Control)
	}
}

func TestUnmarshalUnknownEnvelopeVariantIsProtocolError(t *testing.T) {
	w := newWriter()
	w.uint64(0)
	w.uint64(0)
	w.uint32(0)
	w.uint32(0)
	w.byte(99) // unknown envelope kind

	_, err := Unmarshal(w.bytesOut())
	if err == nil {
		t.Fatal("expected an error for unknown envelope variant")
	}
	var pe *ProtocolError
	if !asProtocolError(err, &pe) {
		t.Fatalf("expected *ProtocolError, got %T: %v", err, err)
	}
}

func TestUnmarshalTruncatedFrameIsProtocolError(t *testing.T) {
	_, err := Unmarshal([]byte{1, 2, 3})
	if err == nil {
		t.Fatal("expected an error for truncated frame")
	}
	var pe *ProtocolError
	if !asProtocolError(err, &pe) {
		t.Fatalf("expected *ProtocolError, got %T: %v", err, err)
	}
}

func TestUnmarshalUnknownHTTPVariantIsProtocolError(t *testing.T) {
	w := newWriter()
	w.uint64(0)
	w.uint64(0)
	w.uint32(0)
	w.uint32(0)
	w.byte(byte(EnvelopeHTTP))
	w.byte(99) // unknown HTTP variant

	_, err := Unmarshal(w.bytesOut())
	if err == nil {
		t.Fatal("expected an error for unknown HTTP variant")
	}
	var pe *ProtocolError
	if !asProtocolError(err, &pe) {
		t.Fatalf("expected *ProtocolError, got %T: %v", err, err)
	}
}

func asProtocolError(err error, target **ProtocolError) bool {
	pe, ok := err.(*ProtocolError)
	if !ok {
		return false
	}
	*target = pe
	return true
}
