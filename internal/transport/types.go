package transport

import (
	"context"
	"errors"
	"time"
)

// Phase is the lifecycle state of a transport session.
type Phase string

const (
	PhaseDisconnected  Phase = "disconnected"
	PhaseConnecting    Phase = "connecting"
	PhaseQRPending     Phase = "qr_pending"
	PhaseAuthenticated Phase = "authenticated"
	PhaseReady         Phase = "ready"
	PhaseAuthFailed    Phase = "auth_failed"
)

func (p Phase) Valid() bool {
	switch p {
	case PhaseDisconnected, PhaseConnecting, PhaseQRPending, PhaseAuthenticated, PhaseReady, PhaseAuthFailed:
		return true
	}
	return false
}

type EventKind string

const (
	EventQR            EventKind = "qr"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventDisconnected  EventKind = "disconnected"
	EventAuthFailure   EventKind = "auth_failure"
)

// Event is a lifecycle notification raised by a transport.
type Event struct {
	Kind    EventKind
	Time    time.Time
	QR      string       // EventQR
	Account *AccountInfo // EventReady
	Reason  string       // EventDisconnected, EventAuthFailure
}

type AccountInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type Attachment struct {
	Name     string
	MIMEType string
	Data     []byte
	Caption  string
}

// Payload is either a text body or an attachment with an optional caption.
type Payload struct {
	Text       string
	Attachment *Attachment
}

// Body is the text subject to content checks: the text, or the caption.
func (p Payload) Body() string {
	if p.Attachment != nil {
		return p.Attachment.Caption
	}
	return p.Text
}

func (p Payload) IsAttachment() bool { return p.Attachment != nil }

type SendResult struct {
	MessageID string
}

type ContactInfo struct {
	IsKnownUser bool
}

var (
	ErrNotConnected = errors.New("transport not connected")
	// ErrInvalidRecipient is returned by Send when the platform rejects the
	// destination address. It is not retried.
	ErrInvalidRecipient = errors.New("transport rejected recipient")
)

// Transport is a single stateful messaging session.
//
// Start asks the transport to (re)connect and delivers lifecycle events to out
// until Stop. Calling Start while a session is live triggers a reconnect.
// State is a best-effort probe and may be slow or fail; callers bound it with
// a context deadline.
type Transport interface {
	Start(ctx context.Context, out chan<- Event) error
	Stop(ctx context.Context) error

	Send(ctx context.Context, to string, p Payload) (SendResult, error)
	State(ctx context.Context) (Phase, error)
	ContactInfo(ctx context.Context, to string) (ContactInfo, error)
}
