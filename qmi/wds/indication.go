package wds

import (
	"github.com/wwansup/wwansup/log"
	"github.com/wwansup/wwansup/qmi"
)

const tlvConnectionStatus = 0x01

// ConnectionStatus is the packet service connection state, 1-indexed on
// the wire.
type ConnectionStatus uint8

const (
	StatusDisconnected   ConnectionStatus = 1
	StatusConnected      ConnectionStatus = 2
	StatusSuspended      ConnectionStatus = 3
	StatusAuthenticating ConnectionStatus = 4
)

func (c ConnectionStatus) String() string {
	statuses := []string{
		"DISCONNECTED",
		"CONNECTED",
		"SUSPENDED",
		"AUTHENTICATING",
	}

	if c == 0 || int(c) > len(statuses) {
		return "INVALID"
	}
	return statuses[c-1]
}

// Session end attributions that mean the host itself ended the session.
const (
	endReasonClientEnd     = 2
	verboseTypeCallManager = 3
	verboseReasonClientEnd = 2000
)

func reconfigurationString(required bool) string {
	if required {
		return "YES"
	}
	return "NO"
}

// handleIndication runs on the transport's reader goroutine. Its sole
// side effect on supervisor state is the session's teardown flag.
func (s *Session) handleIndication(m *qmi.Message) {
	switch m.ID {
	case msgGetPacketServiceStat:
		s.packetServiceStatus(m)
	default:
		log.Warnf("Unhandled WDS indication: MessageID=0x%04x", m.ID)
	}
}

func (s *Session) packetServiceStatus(m *qmi.Message) {
	tlv := m.TLV(tlvConnectionStatus)
	if tlv == nil || len(tlv.Value) < 2 {
		log.Warn("Missing context in packet service indication")
		return
	}

	status := ConnectionStatus(tlv.Value[0])
	reconfigRequired := tlv.Value[1] != 0

	var diag SessionError
	decodeEndReasons(m, &diag)

	switch {
	case diag.VerbosePresent && diag.ReasonPresent:
		log.Infof("Packet service signaled session teardown: "+
			"Session=%x, ConnectionStatus=%s, HostReconfigurationRequired=%s, "+
			"VerboseSessionEndReasonType=%d, VerboseSessionEndReason=%d, SessionEndReason=%d",
			s.sessionID.Load(), status, reconfigurationString(reconfigRequired),
			diag.VerboseType, diag.VerboseReason, diag.Reason)
	case diag.VerbosePresent:
		log.Infof("Packet service signaled session teardown: "+
			"Session=%x, ConnectionStatus=%s, HostReconfigurationRequired=%s, "+
			"VerboseSessionEndReasonType=%d, VerboseSessionEndReason=%d",
			s.sessionID.Load(), status, reconfigurationString(reconfigRequired),
			diag.VerboseType, diag.VerboseReason)
	case diag.ReasonPresent:
		log.Infof("Packet service signaled session teardown: "+
			"Session=%x, ConnectionStatus=%s, HostReconfigurationRequired=%s, "+
			"SessionEndReason=%d",
			s.sessionID.Load(), status, reconfigurationString(reconfigRequired),
			diag.Reason)
	default:
		log.Infof("Packet service indication received: "+
			"Session=%x, ConnectionStatus=%s, HostReconfigurationRequired=%s",
			s.sessionID.Load(), status, reconfigurationString(reconfigRequired))
	}

	// A disconnect we caused ourselves is not grounds for teardown.
	hostEnded := (diag.ReasonPresent && diag.Reason == endReasonClientEnd) ||
		(diag.VerbosePresent &&
			diag.VerboseType == verboseTypeCallManager &&
			diag.VerboseReason == verboseReasonClientEnd)

	if s.sessionID.Load() != 0 && status == StatusDisconnected && !hostEnded {
		log.Info("Requesting main thread to teardown the session")
		s.teardown.Store(true)
	}
}
