package proto

// ControlKind tags the five control-frame variants of spec §4.1/§4.5.
// flowWindowUpdate is accepted on decode and otherwise unused: the
// source protocol this was distilled from never implements flow
// control beyond TCP/WebSocket backpressure (spec §9 Open Questions).
type ControlKind byte

const (
	ControlPing ControlKind = iota + 1
	ControlPong
	ControlFlowWindowUpdate
	ControlError
	ControlGoAway
)

func (k ControlKind) valid() bool {
	return k >= ControlPing && k <= ControlGoAway
}

// ControlMessage is the tagged union of control-channel frames.
type ControlMessage struct {
	Kind ControlKind

	Data []byte // Ping / Pong

	WindowDelta uint32 // FlowWindowUpdate

	Code    uint32 // Error
	Message string // Error

	LastMsgSeq uint32 // GoAway
	Reason     string // GoAway
}

func encodeControl(w *writer, m *ControlMessage) {
	w.byte(byte(m.Kind))
	switch m.Kind {
	case ControlPing, ControlPong:
		w.bytes(m.Data)
	case ControlFlowWindowUpdate:
		w.uint32(m.WindowDelta)
	case ControlError:
		w.uint32(m.Code)
		w.string(m.Message)
	case ControlGoAway:
		w.uint32(m.LastMsgSeq)
		w.string(m.Reason)
	}
}

func decodeControl(r *reader) (*ControlMessage, error) {
	kindByte, err := r.byte()
	if err != nil {
		return nil, err
	}
	kind := ControlKind(kindByte)
	if !kind.valid() {
		return nil, newProtocolError("unknown control frame variant %d", kindByte)
	}
	m := &ControlMessage{Kind: kind}
	switch kind {
	case ControlPing, ControlPong:
		if m.Data, err = r.bytes(); err != nil {
			return nil, err
		}
	case ControlFlowWindowUpdate:
		if m.WindowDelta, err = r.uint32(); err != nil {
			return nil, err
		}
	case ControlError:
		if m.Code, err = r.uint32(); err != nil {
			return nil, err
		}
		if m.Message, err = r.string(); err != nil {
			return nil, err
		}
	case ControlGoAway:
		if m.LastMsgSeq, err = r.uint32(); err != nil {
			return nil, err
		}
		if m.Reason, err = r.string(); err != nil {
			return nil, err
		}
	}
	return m, nil
}
