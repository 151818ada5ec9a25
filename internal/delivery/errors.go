package delivery

import (
	"errors"
	"fmt"

	"github.com/shohag/msgtrack/internal/models"
)

var (
	ErrInvalidState   = errors.New("invalid delivery state")
	ErrInvalidMessage = errors.New("invalid message")
	ErrDuplicate      = errors.New("message already submitted")
	ErrUnknownMessage = errors.New("unknown message")
	ErrClosed         = errors.New("tracker closed")
	ErrAckTimeout     = errors.New("acknowledgment timeout")
)

// InvalidStateError is returned when an operation is not allowed from the
// message's current status. It matches ErrInvalidState with errors.Is.
type InvalidStateError struct {
	MessageID string
	Status    models.DeliveryStatus
	Want      models.DeliveryStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("message %s is %s, want %s", e.MessageID, e.Status, e.Want)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}
