// Package audit writes one JSON line per security relevant decision: issued
// grants, rejected grants, revocations and consent decisions.
package audit

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Actions recorded by the server.
const (
	ActionTokenIssued   = "token.issued"
	ActionTokenRejected = "token.rejected"
	ActionTokenRevoked  = "token.revoked"
	ActionConsent       = "authorize.decision"
	ActionLogin         = "session.login"
)

// Event represents an audit log event.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Client    string    `json:"client,omitempty"` // public client_id
	User      string    `json:"user,omitempty"`   // internal user id
	Grant     string    `json:"grant,omitempty"`
	Details   string    `json:"details,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// Logger is safe for concurrent use. The zero value discards events.
type Logger struct {
	mu  sync.Mutex
	out *zerolog.Logger
	now func() time.Time
}

// New writes events to w. A nil w selects stdout.
func New(w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	zl := zerolog.New(w)
	return &Logger{out: &zl, now: time.Now}
}

// Discard returns a Logger that drops everything.
func Discard() *Logger { return &Logger{} }

// Log records ev, stamping the timestamp when it is unset.
func (l *Logger) Log(ev Event) {
	if l == nil || l.out == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.out.Log().
		Str("type", "audit").
		Time("timestamp", ev.Timestamp).
		Str("action", ev.Action).
		Bool("success", ev.Success)
	for k, v := range map[string]string{
		"client":     ev.Client,
		"user":       ev.User,
		"grant":      ev.Grant,
		"details":    ev.Details,
		"error":      ev.Error,
		"request_id": ev.RequestID,
	} {
		if v != "" {
			e = e.Str(k, v)
		}
	}
	e.Send()
}
