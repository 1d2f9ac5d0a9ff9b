package protocol

import (
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// AcceptGUID is the fixed GUID appended to the client key (RFC 6455 section 4.2.2)
const AcceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

var (
	ErrMissingUpgrade = errors.New("missing Upgrade header")
	ErrInvalidUpgrade = errors.New("Upgrade header does not include websocket")
	ErrMissingKey     = errors.New("missing Sec-WebSocket-Key header")
)

// ValidateUpgrade checks that the request declares a websocket upgrade and carries a key
func ValidateUpgrade(r *http.Request) error {
	raw := r.Header.Get("Upgrade")
	if raw == "" {
		return ErrMissingUpgrade
	}

	found := false
	for _, token := range strings.Split(raw, ",") {
		if strings.EqualFold(strings.TrimSpace(token), "websocket") {
			found = true
			break
		}
	}
	if !found {
		return ErrInvalidUpgrade
	}

	if strings.TrimSpace(r.Header.Get("Sec-WebSocket-Key")) == "" {
		return ErrMissingKey
	}

	return nil
}

// ComputeAcceptKey returns base64(SHA-1(key + AcceptGUID))
func ComputeAcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + AcceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// WriteHandshake writes the 101 Switching Protocols response for the given client key
func WriteHandshake(w io.Writer, key string) error {
	var p []byte
	p = append(p, "HTTP/1.1 101 Switching Protocols\r\n"...)
	p = append(p, "Upgrade: websocket\r\n"...)
	p = append(p, "Connection: Upgrade\r\n"...)
	p = append(p, "Sec-WebSocket-Accept: "...)
	p = append(p, ComputeAcceptKey(strings.TrimSpace(key))...)
	p = append(p, "\r\n\r\n"...)

	_, err := w.Write(p)
	return err
}

// RejectionStatus maps a validation error to the HTTP status sent back
func RejectionStatus(err error) int {
	if errors.Is(err, ErrMissingUpgrade) || errors.Is(err, ErrInvalidUpgrade) {
		return http.StatusUpgradeRequired
	}
	return http.StatusBadRequest
}

// WriteRejection writes a final HTTP error response; the caller closes the transport afterwards
func WriteRejection(w io.Writer, status int, reason string) error {
	body := reason + "\n"
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"Content-Length: %d\r\n"+
		"Connection: close\r\n"+
		"\r\n%s", status, http.StatusText(status), len(body), body)

	_, err := io.WriteString(w, resp)
	return err
}
