package proto

// HTTPKind tags which variant an HTTPMessage carries. The eleven
// variants come straight from spec §4.1; requestTrailers,
// responseTrailers and responseInterim are accepted on decode but
// this implementation never emits them (spec §9 Open Questions).
type HTTPKind byte

const (
	HTTPRequestInit HTTPKind = iota + 1
	HTTPRequestBodyChunk
	HTTPRequestTrailers
	HTTPRequestEnd
	HTTPRequestAbort
	HTTPResponseInit
	HTTPResponseInterim
	HTTPResponseBodyChunk
	HTTPResponseTrailers
	HTTPResponseEnd
	HTTPResponseAbort
)

func (k HTTPKind) valid() bool {
	return k >= HTTPRequestInit && k <= HTTPResponseAbort
}

// Header is a single (name, value) pair. Value is bytes rather than a
// string because header values on the wire are opaque payloads, not
// necessarily valid UTF-8 (matches the original transport's
// `key`/`value: Data` header fields).
type Header struct {
	Name  string
	Value []byte
}

// AbortReason classifies why a request or response was aborted.
type AbortReason byte

const (
	AbortUnknown AbortReason = iota
	AbortTimeout
	AbortPeerClosed
	AbortResetByPeer
	AbortConnectionLost
	AbortCancelled
	AbortProtocolError
	AbortFlowControl
	AbortOverload
)

func (r AbortReason) String() string {
	switch r {
	case AbortTimeout:
		return "timeout"
	case AbortPeerClosed:
		return "peerClosed"
	case AbortResetByPeer:
		return "resetByPeer"
	case AbortConnectionLost:
		return "connectionLost"
	case AbortCancelled:
		return "cancelled"
	case AbortProtocolError:
		return "protocolError"
	case AbortFlowControl:
		return "flowControl"
	case AbortOverload:
		return "overload"
	default:
		return "unknown"
	}
}

// HTTPMessage is the tagged union of all HTTP body variants. Only the
// fields relevant to Kind are populated; callers switch on Kind before
// reading anything else, matching the teacher's emphasis on exhaustive
// matching over tagged unions (spec §9 Design Notes).
type HTTPMessage struct {
	Kind HTTPKind

	// RequestInit / ResponseInit
	Method        string // RequestInit only
	URI           string // RequestInit only
	Version       string // RequestInit only, e.g. "HTTP/1.1"
	Status        uint16 // ResponseInit / ResponseInterim only
	Headers       []Header
	HasBody       bool
	ContentLength uint64 // ResponseInit only, 0 = unknown/chunked

	// BodyChunk (request or response)
	Data   []byte
	Seq    uint32
	IsLast bool

	// Trailers
	Trailers []Header

	// Abort
	Reason AbortReason
	Detail string
}

func encodeHTTP(w *writer, m *HTTPMessage) {
	w.byte(byte(m.Kind))
	switch m.Kind {
	case HTTPRequestInit:
		w.string(m.Method)
		w.string(m.URI)
		w.string(m.Version)
		w.headers(m.Headers)
		w.bool(m.HasBody)
	case HTTPResponseInit, HTTPResponseInterim:
		w.uint16(m.Status)
		w.headers(m.Headers)
		w.bool(m.HasBody)
		w.uint64(m.ContentLength)
	case HTTPRequestBodyChunk, HTTPResponseBodyChunk:
		w.bytes(m.Data)
		w.uint32(m.Seq)
		w.bool(m.IsLast)
	case HTTPRequestTrailers, HTTPResponseTrailers:
		w.headers(m.Trailers)
	case HTTPRequestEnd, HTTPResponseEnd:
		// no body
	case HTTPRequestAbort, HTTPResponseAbort:
		w.byte(byte(m.Reason))
		w.string(m.Detail)
	}
}

func decodeHTTP(r *reader) (*HTTPMessage, error) {
	kindByte, err := r.byte()
	if err != nil {
		return nil, err
	}
	kind := HTTPKind(kindByte)
	if !kind.valid() {
		return nil, newProtocolError("unknown HTTP frame variant %d", kindByte)
	}

	m := &HTTPMessage{Kind: kind}
	switch kind {
	case HTTPRequestInit:
		if m.Method, err = r.string(); err != nil {
			return nil, err
		}
		if m.URI, err = r.string(); err != nil {
			return nil, err
		}
		if m.Version, err = r.string(); err != nil {
			return nil, err
		}
		if m.Headers, err = r.headers(); err != nil {
			return nil, err
		}
		if m.HasBody, err = r.boolean(); err != nil {
			return nil, err
		}
	case HTTPResponseInit, HTTPResponseInterim:
		if m.Status, err = r.uint16(); err != nil {
			return nil, err
		}
		if m.Headers, err = r.headers(); err != nil {
			return nil, err
		}
		if m.HasBody, err = r.boolean(); err != nil {
			return nil, err
		}
		if m.ContentLength, err = r.uint64(); err != nil {
			return nil, err
		}
	case HTTPRequestBodyChunk, HTTPResponseBodyChunk:
		if m.Data, err = r.bytes(); err != nil {
			return nil, err
		}
		if m.Seq, err = r.uint32(); err != nil {
			return nil, err
		}
		if m.IsLast, err = r.boolean(); err != nil {
			return nil, err
		}
	case HTTPRequestTrailers, HTTPResponseTrailers:
		if m.Trailers, err = r.headers(); err != nil {
			return nil, err
		}
	case HTTPRequestEnd, HTTPResponseEnd:
		// no body
	case HTTPRequestAbort, HTTPResponseAbort:
		reasonByte, err := r.byte()
		if err != nil {
			return nil, err
		}
		m.Reason = AbortReason(reasonByte)
		if m.Detail, err = r.string(); err != nil {
			return nil, err
		}
	}
	return m, nil
}
