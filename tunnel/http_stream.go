package tunnel

import (
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cometkim/dotunnel/proto"
)

type httpStreamState int32

const (
	httpAwaitingInit httpStreamState = iota
	httpResponseStreaming
	httpCompleted
	httpAborted
)

// pendingUpgrade marks an HTTP stream created for a deferred WebSocket
// upgrade (spec §4.4); the public socket is already paired and waiting
// on the agent's responseInit.
type pendingUpgrade struct {
	public PublicSocket
}

// headersResult is delivered exactly once on headersCh: either a
// resolved response (status/header/hasBody) or a terminal error.
type headersResult struct {
	status  int
	header  http.Header
	hasBody bool
	err     error
}

type sinkMsg struct {
	data     []byte
	isClose  bool
	closeErr error
}

// httpStream is one in-flight proxied HTTP exchange (spec §3). Its
// fields are touched only by the session actor (under mu) or by the
// one goroutine each owns (the body-streaming goroutine, the sink
// goroutine); see doc.go.
type httpStream struct {
	id    uint32
	state httpStreamState

	headersCh chan headersResult
	chunkCh   *orderedQueue[sinkMsg]
	bodyW     *io.PipeWriter
	bodyR     *io.PipeReader

	deadline *time.Timer

	respNextSeq uint32
	respStarted bool
	reqTerminal bool // true once requestEnd or requestAbort has been sent

	pending *pendingUpgrade
}

func newHTTPStream(id uint32) *httpStream {
	pr, pw := io.Pipe()
	return &httpStream{
		id:        id,
		state:     httpAwaitingInit,
		headersCh: make(chan headersResult, 1),
		chunkCh:   newOrderedQueue[sinkMsg](),
		bodyW:     pw,
		bodyR:     pr,
	}
}

func (s *Session) runSink(st *httpStream) {
	for {
		m, ok := st.chunkCh.pop()
		if !ok {
			return
		}
		if m.isClose {
			if m.closeErr != nil {
				st.bodyW.CloseWithError(m.closeErr)
			} else {
				st.bodyW.Close()
			}
			return
		}
		// Errors writing to an already-closed-by-consumer pipe are
		// swallowed (spec §7 Propagation policy).
		st.bodyW.Write(m.data)
	}
}

func (s *Session) enqueueSinkLocked(st *httpStream, m sinkMsg) {
	st.chunkCh.push(m)
}

// ServeHTTP is the front door's entry point for every public request
// (spec §4.3, §4.4). It dispatches to the HTTP or WebSocket machine
// based on the Upgrade header.
func (s *Session) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isWebSocketUpgrade(r) {
		s.serveUpgrade(w, r)
		return
	}
	s.serveHTTPExchange(w, r)
}

func (s *Session) serveHTTPExchange(w http.ResponseWriter, r *http.Request) {
	st, err := s.beginHTTPStreamLocked(r, false)
	if err != nil {
		s.respondStreamError(w, err)
		return
	}

	if r.ContentLength != 0 { // 0 means "definitely empty"; -1 (chunked) and >0 both stream
		go s.streamRequestBody(st.id, r.Body)
	} else {
		s.sendRequestEnd(st.id)
	}

	go func() {
		<-r.Context().Done()
		if r.Context().Err() != nil {
			s.cancelHTTPStream(st.id, "client disconnected")
		}
	}()

	res := <-st.headersCh
	if res.err != nil {
		http.Error(w, res.err.Error(), http.StatusBadGateway)
		return
	}
	for k, vv := range res.header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(res.status)
	if res.hasBody {
		io.Copy(w, st.bodyR)
	}
}

// beginHTTPStreamLocked allocates a stream and emits requestInit. For a
// plain HTTP stream the returned headersCh/chunkCh are already wired to
// a running sink goroutine; an upgrade stream gets no sink. Shared by
// the plain-HTTP and upgrade entry points.
func (s *Session) beginHTTPStreamLocked(r *http.Request, upgrade bool) (*httpStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.agent == nil {
		return nil, ErrNoAgent
	}
	if s.streamCountLocked() >= s.limits.StreamLimit() {
		return nil, ErrTooManyStreams
	}
	if s.goAwaySeen {
		return nil, ErrNoAgent
	}

	id := s.allocStreamIDLocked()
	st := newHTTPStream(id)
	s.http[id] = st
	if upgrade {
		st.deadline = time.AfterFunc(s.limits.RequestTimeout(), func() { s.onUpgradeDeadline(id) })
	} else {
		st.deadline = time.AfterFunc(s.limits.RequestTimeout(), func() { s.onHTTPDeadline(id) })
	}
	if !upgrade {
		go s.runSink(st)
	}

	hasBody := !upgrade && r.ContentLength != 0
	s.sendHTTPLocked(id, &proto.HTTPMessage{
		Kind:    proto.HTTPRequestInit,
		Method:  r.Method,
		URI:     r.URL.RequestURI(),
		Version: "HTTP/1.1",
		Headers: encodeHeaders(r.Header),
		HasBody: hasBody,
	})
	if s.metrics != nil {
		s.metrics.streamsOpened.Inc()
	}
	return st, nil
}

func (s *Session) respondStreamError(w http.ResponseWriter, err error) {
	switch err {
	case ErrNoAgent:
		http.Error(w, "Tunnel offline", http.StatusBadGateway)
	case ErrTooManyStreams:
		http.Error(w, "Too many concurrent requests", http.StatusServiceUnavailable)
	default:
		http.Error(w, "Tunnel unavailable", http.StatusBadGateway)
	}
}

// streamRequestBody is the single goroutine allowed to emit
// requestBodyChunk for one stream, so seq assignment on the request
// side never races (spec §4.3 step 5). Its closing requestEnd or
// requestAbort goes through reqTerminal, shared with the cancel and
// deadline paths, so only the first terminal frame is sent.
func (s *Session) streamRequestBody(id uint32, body io.ReadCloser) {
	defer body.Close()
	buf := make([]byte, 32*1024)
	var seq uint32
	for {
		n, err := body.Read(buf)
		if n > 0 {
			s.mu.Lock()
			if st, ok := s.http[id]; ok && !st.reqTerminal {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				s.sendHTTPLocked(id, &proto.HTTPMessage{
					Kind: proto.HTTPRequestBodyChunk,
					Data: chunk,
					Seq:  seq,
				})
				seq++
			}
			s.mu.Unlock()
		}
		if err != nil {
			if err == io.EOF {
				s.sendRequestEnd(id)
			} else {
				s.sendRequestAbort(id, proto.AbortCancelled, "client body read error")
			}
			return
		}
	}
}

func (s *Session) sendRequestEnd(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.http[id]
	if !ok || st.reqTerminal {
		return
	}
	st.reqTerminal = true
	s.sendHTTPLocked(id, &proto.HTTPMessage{Kind: proto.HTTPRequestEnd})
}

func (s *Session) sendRequestAbort(id uint32, reason proto.AbortReason, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.http[id]
	if !ok || st.reqTerminal {
		return
	}
	st.reqTerminal = true
	s.sendHTTPLocked(id, &proto.HTTPMessage{Kind: proto.HTTPRequestAbort, Reason: reason, Detail: detail})
}

// cancelHTTPStream handles public-client disconnect/cancellation
// (spec §5 Cancellation): removes the stream and, if the request side
// hasn't reached a terminal frame yet, emits requestAbort(cancelled).
func (s *Session) cancelHTTPStream(id uint32, detail string) {
	s.mu.Lock()
	st, ok := s.http[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.http, id)
	if !st.reqTerminal {
		st.reqTerminal = true
		s.sendHTTPLocked(id, &proto.HTTPMessage{Kind: proto.HTTPRequestAbort, Reason: proto.AbortCancelled, Detail: detail})
	}
	s.mu.Unlock()
	st.finalize(nil)
}

func (s *Session) onHTTPDeadline(id uint32) {
	s.mu.Lock()
	st, ok := s.http[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.http, id)
	if !st.reqTerminal {
		st.reqTerminal = true
		s.sendHTTPLocked(id, &proto.HTTPMessage{Kind: proto.HTTPRequestAbort, Reason: proto.AbortTimeout, Detail: "Request timeout"})
	}
	s.mu.Unlock()
	st.finalize(errDeadlineExceeded)
}

// handleHTTPFrameLocked dispatches a decoded HTTP-variant frame from
// the agent. Called with mu held, from the single reader goroutine.
func (s *Session) handleHTTPFrameLocked(streamID uint32, msg *proto.HTTPMessage) {
	st, ok := s.http[streamID]
	if !ok {
		// Late frame for an unknown/already-removed stream (deadline
		// fired, or client cancelled): dropped silently (spec §4.3).
		return
	}

	if st.pending != nil {
		s.handleUpgradeResponseLocked(st, msg)
		return
	}

	switch msg.Kind {
	case proto.HTTPResponseInit:
		s.handleResponseInitLocked(st, msg)
	case proto.HTTPResponseBodyChunk:
		s.handleResponseChunkLocked(st, msg)
	case proto.HTTPResponseTrailers, proto.HTTPResponseInterim:
		// Reserved for future use: accepted, never acted on (spec §9
		// Open Questions).
	case proto.HTTPResponseEnd:
		s.handleResponseEndLocked(streamID, st)
	case proto.HTTPResponseAbort:
		s.handleResponseAbortLocked(streamID, st, msg)
	default:
		s.protocolErrorLocked("unexpected HTTP frame kind %d for stream %d", msg.Kind, streamID)
	}
}

func (s *Session) handleResponseInitLocked(st *httpStream, msg *proto.HTTPMessage) {
	if st.state != httpAwaitingInit {
		s.protocolErrorLocked("responseInit out of order for stream %d", st.id)
		return
	}
	st.state = httpResponseStreaming
	st.respStarted = true
	select {
	case st.headersCh <- headersResult{
		status:  int(msg.Status),
		header:  decodeHeaders(msg.Headers),
		hasBody: msg.HasBody,
	}:
	default:
	}
}

func (s *Session) handleResponseChunkLocked(st *httpStream, msg *proto.HTTPMessage) {
	if st.state != httpResponseStreaming {
		s.protocolErrorLocked("responseBodyChunk before responseInit for stream %d", st.id)
		return
	}
	if msg.Seq < st.respNextSeq {
		s.protocolErrorLocked("out-of-order responseBodyChunk seq %d < %d for stream %d", msg.Seq, st.respNextSeq, st.id)
		return
	}
	st.respNextSeq = msg.Seq + 1
	s.enqueueSinkLocked(st, sinkMsg{data: msg.Data})
}

func (s *Session) handleResponseEndLocked(streamID uint32, st *httpStream) {
	if st.state != httpResponseStreaming && st.state != httpAwaitingInit {
		s.protocolErrorLocked("responseEnd after terminal frame for stream %d", streamID)
		return
	}
	delete(s.http, streamID)
	st.state = httpCompleted
	s.finalizeStreamingLocked(st, nil)
}

func (s *Session) handleResponseAbortLocked(streamID uint32, st *httpStream, msg *proto.HTTPMessage) {
	if st.state == httpCompleted || st.state == httpAborted {
		s.protocolErrorLocked("responseAbort after terminal frame for stream %d", streamID)
		return
	}
	delete(s.http, streamID)
	st.state = httpAborted
	s.finalizeStreamingLocked(st, &proto.ProtocolError{Reason: msg.Detail})
}

// finalizeStreamingLocked stops the deadline and resolves whichever of
// headersCh/chunkCh is still open, depending on whether headers ever
// arrived (spec §4.3 responseEnd/responseAbort).
func (s *Session) finalizeStreamingLocked(st *httpStream, terminalErr error) {
	if st.deadline != nil {
		st.deadline.Stop()
	}
	if st.respStarted {
		s.enqueueSinkLocked(st, sinkMsg{isClose: true, closeErr: terminalErr})
	} else {
		select {
		case st.headersCh <- headersResult{err: terminalErrOr(terminalErr, errUpstreamAborted)}:
		default:
		}
	}
}

// finalize is used by the owning goroutines of cancelHTTPStream, the
// deadline callback, and failAllStreamsLocked, all of which have
// already removed the stream from its map before calling in (so no
// further agent frame can reference it concurrently).
func (st *httpStream) finalize(terminalErr error) {
	if st.deadline != nil {
		st.deadline.Stop()
	}
	if st.respStarted {
		st.chunkCh.push(sinkMsg{isClose: true, closeErr: terminalErr})
		return
	}
	select {
	case st.headersCh <- headersResult{err: terminalErrOr(terminalErr, errUpstreamAborted)}:
	default:
	}
}

func terminalErrOr(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}

func encodeHeaders(h http.Header) []proto.Header {
	out := make([]proto.Header, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			out = append(out, proto.Header{Name: name, Value: []byte(v)})
		}
	}
	return out
}

func decodeHeaders(hs []proto.Header) http.Header {
	out := make(http.Header, len(hs))
	for _, h := range hs {
		out.Add(h.Name, string(h.Value))
	}
	return out
}

func (s *Session) protocolErrorLocked(format string, args ...any) {
	pe := proto.NewProtocolError(format, args...)
	s.log.Warn("protocol error from agent", zap.Error(pe))
	if s.agent != nil {
		s.agent = nil
		s.failAllStreamsLocked(proto.AbortProtocolError, "protocol error")
		closeMsg := websocket.FormatCloseMessage(websocket.CloseProtocolError, pe.Reason)
		s.outbox.push(outboxFrame{messageType: wsCloseMessage, data: closeMsg, closeAfter: true})
		s.outbox.close()
		if s.metrics != nil {
			s.metrics.agentAttached.Dec()
		}
	}
}
