package delivery

import (
	"errors"
	"fmt"

	"github.com/zhouzirui/z-chat/backend/internal/model/event"
)

// Kind classifies why a submission did not reach the server.
type Kind int

const (
	KindOffline Kind = iota + 1
	KindTransportRejected
	KindValidationRejected
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindOffline:
		return "offline"
	case KindTransportRejected:
		return "transport_rejected"
	case KindValidationRejected:
		return "validation_rejected"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Retryable reports whether automatic replay may pick the message up again.
func (k Kind) Retryable() bool {
	return k == KindOffline || k == KindTransportRejected
}

var (
	ErrDiscarded = errors.New("pending message discarded")
	ErrInFlight  = errors.New("pending message already in flight")
)

// Error 是投递失败的类型化错误，UI 根据 Kind 决定提示方式。
type Error struct {
	Kind           Kind
	ConversationID string
	MessageID      string
	Err            error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("deliver %s: %s: %v", e.MessageID, e.Kind, e.Err)
	}
	return fmt.Sprintf("deliver %s: %s", e.MessageID, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Reason returns the machine-readable failure reason.
func (e *Error) Reason() string { return e.Kind.String() }

// KindOf extracts the Kind from err, if it is a delivery error.
func KindOf(err error) (Kind, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return 0, false
}

// kindForCode maps the code of a server error frame onto a Kind.
func kindForCode(code string) Kind {
	switch code {
	case event.CodeUnauthorized:
		return KindUnauthorized
	case event.CodeValidation, event.CodeInvalid, event.CodeNotFound:
		return KindValidationRejected
	default:
		return KindTransportRejected
	}
}
