package server

import (
	"time"

	"github.com/aeolun/phonerelay/pkg/protocol"
)

// handleText dispatches one text frame payload to the matching handler.
// Payloads that are not valid JSON documents are dropped without a reply.
func (s *Server) handleText(sess *Session, payload []byte) error {
	msg, err := protocol.DecodeInbound(payload)
	if err != nil {
		debugLog.Printf("Session %d: dropping undecodable message: %v", sess.ID, err)
		return nil
	}

	if s.metrics != nil {
		s.metrics.RecordMessageReceived(messageTypeLabel(string(msg.Type)))
	}

	if !sess.allowMessage() {
		return s.sendError(sess, protocol.ErrCodeRateLimited)
	}

	switch string(msg.Type) {
	case protocol.TypeLogin:
		return s.handleLogin(sess, msg)
	case protocol.TypeSend:
		return s.handleSend(sess, msg)
	default:
		return s.sendError(sess, protocol.ErrCodeUnknownType)
	}
}

// handleLogin handles a login message
func (s *Server) handleLogin(sess *Session, msg *protocol.Inbound) error {
	identity, ok := protocol.NormalizePhone(string(msg.Phone))
	if !ok {
		return s.sendError(sess, protocol.ErrCodeInvalidPhone)
	}

	s.sessions.BindIdentity(sess, identity)
	debugLog.Printf("Session %d logged in as %s", sess.ID, identity)

	return s.sendMessage(sess, protocol.TypeLoginOK, protocol.NewLoginOK(identity))
}

// handleSend routes a message to the recipient's session if it is online
func (s *Server) handleSend(sess *Session, msg *protocol.Inbound) error {
	from := sess.Identity()
	if from == "" {
		return s.sendError(sess, protocol.ErrCodeNotLoggedIn)
	}

	to, ok := protocol.NormalizePhone(string(msg.To))
	if !ok || msg.Message == "" {
		return s.sendError(sess, protocol.ErrCodeBadRequest)
	}

	env := &protocol.Envelope{
		From:    from,
		To:      to,
		Message: string(msg.Message),
		ID:      msg.ID,
		TS:      msg.TS.Millis,
	}
	if !msg.TS.Set {
		env.TS = s.now().UnixMilli()
	}

	s.deliver(env)

	return s.sendMessage(sess, protocol.TypeSentOK, env.SentOK())
}

// deliver pushes the envelope to the recipient. Absence or a failed write is
// not reported to the sender; a failed write tears down the recipient only.
// The write runs under the delivery deadline so a recipient that stops
// reading holds the sender up for at most that long.
func (s *Server) deliver(env *protocol.Envelope) {
	target, ok := s.registry.Lookup(env.To)
	if !ok || target.State() != StateOpen {
		s.recordDelivery(DeliveryOffline)
		return
	}

	timeout := time.Duration(s.config.DeliveryTimeoutMillis) * time.Millisecond
	if err := target.SendJSONWithin(env.Receive(), timeout); err != nil {
		debugLog.Printf("Session %d: delivery failed: %v", target.ID, err)
		s.recordDelivery(DeliveryFailed)
		s.sessions.RemoveSession(target, ReasonWriteError)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordMessageSent(protocol.TypeReceive)
	}
	debugLog.Printf("Session %d → SEND: %s", target.ID, protocol.TypeReceive)
	s.recordDelivery(DeliveryDelivered)
}

// sendMessage sends an application message to a session
func (s *Server) sendMessage(sess *Session, msgType string, msg any) error {
	if err := sess.SendJSON(msg); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordMessageSent(msgType)
	}
	debugLog.Printf("Session %d → SEND: %s", sess.ID, msgType)
	return nil
}

// sendError sends an error reply to a session
func (s *Server) sendError(sess *Session, code string) error {
	return s.sendMessage(sess, protocol.TypeError, protocol.NewError(code))
}

func (s *Server) recordDelivery(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordDelivery(outcome)
	}
}
