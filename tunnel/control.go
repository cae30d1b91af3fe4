package tunnel

import (
	"go.uber.org/zap"

	"github.com/cometkim/dotunnel/proto"
)

// handleControlLocked dispatches one control-channel frame (spec
// §4.5). Called with mu held from the single reader goroutine.
func (s *Session) handleControlLocked(msg *proto.ControlMessage) {
	switch msg.Kind {
	case proto.ControlPing:
		s.sendControlLocked(&proto.ControlMessage{Kind: proto.ControlPong, Data: msg.Data})
	case proto.ControlPong:
		// No session-initiated pings to correlate against; nothing to do.
	case proto.ControlFlowWindowUpdate:
		// Reserved for future use (spec §9 Open Questions): accepted,
		// never acted on.
	case proto.ControlError:
		s.log.Warn("control error from agent", zap.Uint32("code", msg.Code), zap.String("message", msg.Message))
	case proto.ControlGoAway:
		s.log.Info("agent announced goAway", zap.Uint32("lastMsgSeq", msg.LastMsgSeq), zap.String("reason", msg.Reason))
		s.goAwaySeen = true
	}
}
