package queue

import (
	"errors"
	"fmt"

	"bulksender/internal/storage"
)

var (
	// ErrInvalidInput is the family of synchronous enqueue rejections.
	ErrInvalidInput = errors.New("invalid input")

	ErrNoRecipients = fmt.Errorf("%w: no recipients", ErrInvalidInput)
	ErrNoContent    = fmt.Errorf("%w: message text or attachment is required", ErrInvalidInput)
	ErrInvalidDelay = fmt.Errorf("%w: invalid delay bounds", ErrInvalidInput)

	ErrInvalidTransition = errors.New("invalid job status transition")

	ErrJobNotFound     = storage.ErrJobNotFound
	ErrMessageNotFound = storage.ErrMessageNotFound
)

func invalidTransition(id int64, from, to storage.JobStatus) error {
	return fmt.Errorf("%w: job %d is %s, cannot become %s", ErrInvalidTransition, id, from, to)
}
