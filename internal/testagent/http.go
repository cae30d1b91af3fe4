package testagent

import (
	"io"
	"net/http"
	"strings"

	"github.com/cometkim/dotunnel/proto"
)

func decodeHeaders(hs []proto.Header) http.Header {
	out := make(http.Header, len(hs))
	for _, h := range hs {
		out.Add(h.Name, string(h.Value))
	}
	return out
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

func isUpgradeRequest(h http.Header) bool {
	return strings.EqualFold(h.Get("Upgrade"), "websocket")
}

func (a *Agent) handleHTTP(exchanges map[uint32]*exchange, streamID uint32, msg *proto.HTTPMessage) {
	switch msg.Kind {
	case proto.HTTPRequestInit:
		header := decodeHeaders(msg.Headers)
		if isUpgradeRequest(header) {
			ex := &exchange{upgrade: true}
			exchanges[streamID] = ex
			go a.proxyUpgrade(ex, streamID, msg, header)
			return
		}

		pr, pw := io.Pipe()
		exchanges[streamID] = &exchange{bodyW: pw}
		if !msg.HasBody {
			pw.Close()
		}
		go a.proxyHTTP(streamID, msg, header, pr)

	case proto.HTTPRequestBodyChunk:
		if ex, ok := exchanges[streamID]; ok && ex.bodyW != nil {
			ex.bodyW.Write(msg.Data)
		}

	case proto.HTTPRequestEnd:
		if ex, ok := exchanges[streamID]; ok && ex.bodyW != nil {
			ex.bodyW.Close()
		}

	case proto.HTTPRequestAbort:
		if ex, ok := exchanges[streamID]; ok {
			if ex.bodyW != nil {
				ex.bodyW.CloseWithError(&proto.ProtocolError{Reason: msg.Detail})
			}
			delete(exchanges, streamID)
		}
	}
}

// proxyHTTP performs the agent-side round trip to the local origin
// and streams the result back as responseInit/responseBodyChunk*/
// responseEnd, or responseAbort on failure.
func (a *Agent) proxyHTTP(streamID uint32, msg *proto.HTTPMessage, header http.Header, body io.Reader) {
	req, err := http.NewRequest(msg.Method, a.origin.URL+msg.URI, body)
	if err != nil {
		a.sendHTTP(streamID, &proto.HTTPMessage{Kind: proto.HTTPResponseAbort, Reason: proto.AbortProtocolError, Detail: err.Error()})
		return
	}
	req.Header = header.Clone()

	resp, err := a.origin.Client().Do(req)
	if err != nil {
		a.sendHTTP(streamID, &proto.HTTPMessage{Kind: proto.HTTPResponseAbort, Reason: proto.AbortConnectionLost, Detail: err.Error()})
		return
	}
	defer resp.Body.Close()

	a.sendHTTP(streamID, &proto.HTTPMessage{
		Kind:    proto.HTTPResponseInit,
		Status:  uint16(resp.StatusCode),
		Headers: encodeHeaders(resp.Header),
		HasBody: resp.ContentLength != 0,
	})

	buf := make([]byte, 32*1024)
	var seq uint32
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			a.sendHTTP(streamID, &proto.HTTPMessage{Kind: proto.HTTPResponseBodyChunk, Data: chunk, Seq: seq})
			seq++
		}
		if err != nil {
			if err == io.EOF {
				a.sendHTTP(streamID, &proto.HTTPMessage{Kind: proto.HTTPResponseEnd})
			} else {
				a.sendHTTP(streamID, &proto.HTTPMessage{Kind: proto.HTTPResponseAbort, Reason: proto.AbortConnectionLost, Detail: err.Error()})
			}
			return
		}
	}
}
