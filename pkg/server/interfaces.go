package server

// ConnectionLedger records connection lifecycle events.
// Implementations must not block the caller; database.WriteBuffer queues them.
type ConnectionLedger interface {
	RecordConnect(sessionID uint64, remoteAddr string)
	RecordLogin(sessionID uint64, identity string)
	RecordDisconnect(sessionID uint64, reason string)
}

// Disconnect reasons reported to metrics and the ledger
const (
	ReasonRemoteClose    = "remote_close"
	ReasonEOF            = "eof"
	ReasonTransportError = "transport_error"
	ReasonProtocolError  = "protocol_error"
	ReasonWriteError     = "write_error"
	ReasonHandshakeError = "handshake_error"
	ReasonShutdown       = "shutdown"
)
