package ownable

import (
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/ownables/pkg/sandbox"
)

var (
	ErrNotFound        = errors.New("ownable not found")
	ErrExists          = errors.New("ownable already exists")
	ErrBusy            = errors.New("ownable is busy")
	ErrNotOwner        = errors.New("ownable is not owned by this account")
	ErrNotDynamic      = errors.New("ownable has no program to execute")
	ErrNotConsumable   = errors.New("ownable cannot be consumed")
	ErrNotTransferable = errors.New("ownable cannot be transferred")
	ErrSelfConsume     = errors.New("an ownable cannot consume itself")
	ErrRefused         = errors.New("consumer does not accept this ownable")
	ErrInvalidBundle   = errors.New("invalid ownable bundle")
)

// ConsumeError reports a consume that failed on one side. When
// ConsumerCommitted is set the consumer chain already holds the consume event
// while the consumable chain does not hold the matching terminal event.
type ConsumeError struct {
	Consumer          string
	Consumable        string
	ConsumerCommitted bool
	Err               error
}

func (e *ConsumeError) Error() string {
	if e.ConsumerCommitted {
		return fmt.Sprintf("consume %s by %s: consumer committed, consumable failed: %v", e.Consumable, e.Consumer, e.Err)
	}
	return fmt.Sprintf("consume %s by %s: %v", e.Consumable, e.Consumer, e.Err)
}

func (e *ConsumeError) Unwrap() error { return e.Err }

// Describe turns an operation error into a message for the user that tells
// rejections, timeouts and cancellations apart.
func Describe(err error) string {
	if err == nil {
		return ""
	}

	prefix := ""
	var ce *ConsumeError
	if errors.As(err, &ce) && ce.ConsumerCommitted {
		prefix = "consume only partly applied: "
	}

	var rej *sandbox.RejectionError
	switch {
	case errors.As(err, &rej):
		return prefix + "rejected by the ownable: " + rej.Message
	case sandbox.IsTimeout(err):
		return prefix + "the ownable did not respond in time"
	case sandbox.IsCancelled(err):
		return prefix + "the operation was cancelled"
	case errors.Is(err, ErrBusy):
		return "the ownable is busy with another operation"
	case errors.Is(err, ErrNotOwner):
		return "the ownable is owned by another account"
	case errors.Is(err, ErrNotFound):
		return "the ownable does not exist"
	}
	return prefix + err.Error()
}
