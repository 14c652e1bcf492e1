// Package server defines the wire frame types exchanged with clients and
// utility helpers reused across client and hub logic.
package server

import "strings"

// InboundFrame is the JSON payload a client sends over the socket.
type InboundFrame struct {
	Recipient string       `json:"recipient"`
	Text      string       `json:"text"`
	File      *InboundFile `json:"file,omitempty"`
}

// InboundFile is an attachment riding on an inbound frame. Data carries the
// blob as a "data:<mime>;base64,<payload>" envelope.
type InboundFile struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

// RosterFrame announces the identities currently online. It is sent privately
// to a connection right after registration and broadcast to everyone when an
// identity comes online or goes offline.
type RosterFrame struct {
	Online []RosterEntry `json:"online"`
}

// RosterEntry is one online identity in a roster frame.
type RosterEntry struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
