package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
)

// Application message types carried in text frames
const (
	TypeLogin   = "login"
	TypeSend    = "send"
	TypeLoginOK = "login_ok"
	TypeSentOK  = "sent_ok"
	TypeReceive = "receive"
	TypeError   = "error"
)

// Error codes sent in ErrorMessage.Error
const (
	ErrCodeInvalidPhone = "invalid_phone"
	ErrCodeNotLoggedIn  = "not_logged_in"
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnknownType  = "unknown_type"
	ErrCodeRateLimited  = "rate_limited"
)

// Text is a lenient JSON scalar: strings are taken as-is, numbers by their
// literal text. Any other JSON kind (null, bool, object, array) yields "".
type Text string

// UnmarshalJSON implements json.Unmarshaler and never fails on well-formed JSON
func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		*t = ""
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		*t = Text(data)
	default:
		*t = ""
	}
	return nil
}

// Timestamp is milliseconds since the Unix epoch. Integral JSON numbers and
// numeric strings are accepted; anything else leaves it unset.
type Timestamp struct {
	Millis int64
	Set    bool
}

// UnmarshalJSON implements json.Unmarshaler
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	*ts = Timestamp{}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return nil
	}
	if v, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		*ts = Timestamp{Millis: v, Set: true}
		return nil
	}
	if f, err := n.Float64(); err == nil {
		*ts = Timestamp{Millis: int64(f), Set: true}
	}
	return nil
}

// Inbound is any client-to-server message. Fields not used by Type are ignored.
type Inbound struct {
	Type    Text            `json:"type"`
	Phone   Text            `json:"phone"`
	To      Text            `json:"to"`
	Message Text            `json:"message"`
	ID      json.RawMessage `json:"id"`
	TS      Timestamp       `json:"ts"`
}

// ErrNotObject is returned for payloads that are valid JSON but not an object
var ErrNotObject = errors.New("message is not a JSON object")

// DecodeInbound parses a text frame payload
func DecodeInbound(payload []byte) (*Inbound, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if json.Valid(trimmed) {
			return nil, ErrNotObject
		}
		return nil, errors.New("invalid JSON")
	}

	msg := &Inbound{}
	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// LoginOKMessage confirms a successful login
type LoginOKMessage struct {
	Type  string `json:"type"`
	Phone string `json:"phone"`
}

// SentOKMessage acknowledges that a message was accepted and routed
type SentOKMessage struct {
	Type string          `json:"type"`
	To   string          `json:"to"`
	ID   json.RawMessage `json:"id"`
	TS   int64           `json:"ts"`
}

// ReceiveMessage is the delivery envelope pushed to the recipient
type ReceiveMessage struct {
	Type    string          `json:"type"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Message string          `json:"message"`
	ID      json.RawMessage `json:"id"`
	TS      int64           `json:"ts"`
}

// ErrorMessage reports an application-level validation failure
type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Envelope is a routed message between two identities
type Envelope struct {
	From    string
	To      string
	Message string
	ID      json.RawMessage
	TS      int64
}

// Receive builds the message delivered to the recipient
func (e *Envelope) Receive() *ReceiveMessage {
	return &ReceiveMessage{
		Type:    TypeReceive,
		From:    e.From,
		To:      e.To,
		Message: e.Message,
		ID:      normalizeID(e.ID),
		TS:      e.TS,
	}
}

// SentOK builds the acknowledgment returned to the sender
func (e *Envelope) SentOK() *SentOKMessage {
	return &SentOKMessage{
		Type: TypeSentOK,
		To:   e.To,
		ID:   normalizeID(e.ID),
		TS:   e.TS,
	}
}

// NewLoginOK builds a login confirmation
func NewLoginOK(identity string) *LoginOKMessage {
	return &LoginOKMessage{Type: TypeLoginOK, Phone: identity}
}

// NewError builds an error reply
func NewError(code string) *ErrorMessage {
	return &ErrorMessage{Type: TypeError, Error: code}
}

// normalizeID keeps the client's id verbatim; a missing id is sent as null
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(id)) == 0 {
		return json.RawMessage("null")
	}
	return id
}
