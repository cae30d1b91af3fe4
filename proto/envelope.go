package proto

// EnvelopeKind tags which of the three bodies an Envelope carries.
type EnvelopeKind byte

const (
	EnvelopeHTTP EnvelopeKind = iota + 1
	EnvelopeWS
	EnvelopeControl
)

func (k EnvelopeKind) valid() bool {
	return k >= EnvelopeHTTP && k <= EnvelopeControl
}

// Envelope is the outer frame wrapping every message exchanged on the
// agent control socket (spec §4.1). Exactly one of HTTP, WS, or
// Control is non-nil, matching Kind.
type Envelope struct {
	TimestampMs  uint64
	ConnectionID uint64
	StreamID     uint32
	MsgSeq       uint32

	Kind    EnvelopeKind
	HTTP    *HTTPMessage
	WS      *WSMessage
	Control *ControlMessage
}

// Marshal packs the envelope into its binary wire form. Encoding is
// infallible given a structurally valid Envelope (spec §4.1).
func (e *Envelope) Marshal() []byte {
	w := newWriter()
	w.uint64(e.TimestampMs)
	w.uint64(e.ConnectionID)
	w.uint32(e.StreamID)
	w.uint32(e.MsgSeq)
	w.byte(byte(e.Kind))
	switch e.Kind {
	case EnvelopeHTTP:
		encodeHTTP(w, e.HTTP)
	case EnvelopeWS:
		encodeWS(w, e.WS)
	case EnvelopeControl:
		encodeControl(w, e.Control)
	default:
		panic("proto: envelope has no valid Kind set")
	}
	return w.bytesOut()
}

// Unmarshal decodes a binary envelope, failing with a *ProtocolError
// when a required field is absent, the outer variant tag is unknown,
// or an HTTP frame carries an unrecognized HTTP-variant tag.
func Unmarshal(buf []byte) (*Envelope, error) {
	r := newReader(buf)
	e := &Envelope{}

	var err error
	if e.TimestampMs, err = r.uint64(); err != nil {
		return nil, err
	}
	if e.ConnectionID, err = r.uint64(); err != nil {
		return nil, err
	}
	if e.StreamID, err = r.uint32(); err != nil {
		return nil, err
	}
	if e.MsgSeq, err = r.uint32(); err != nil {
		return nil, err
	}
	kindByte, err := r.byte()
	if err != nil {
		return nil, err
	}
	e.Kind = EnvelopeKind(kindByte)
	if !e.Kind.valid() {
		return nil, newProtocolError("unknown envelope variant %d", kindByte)
	}

	switch e.Kind {
	case EnvelopeHTTP:
		if e.HTTP, err = decodeHTTP(r); err != nil {
			return nil, err
		}
	case EnvelopeWS:
		if e.WS, err = decodeWS(r); err != nil {
			return nil, err
		}
	case EnvelopeControl:
		if e.Control, err = decodeControl(r); err != nil {
			return nil, err
		}
	}

	if !r.done() {
		return nil, newProtocolError("%d trailing bytes after envelope body", r.remaining())
	}

	return e, nil
}
