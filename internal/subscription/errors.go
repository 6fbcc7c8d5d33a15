package subscription

import (
	"errors"
	"fmt"

	"github.com/crosslogic/metering/pkg/models"
)

var (
	// ErrConcurrentUpdate is returned when another writer changed the status first.
	ErrConcurrentUpdate = errors.New("subscription: concurrent status update")
	// ErrNotFound is returned when the subscription does not exist.
	ErrNotFound = errors.New("subscription: not found")
	// ErrNoTopUpPack is returned when the tier sells no top-up pack and no amount was given.
	ErrNoTopUpPack = errors.New("subscription: tier has no top-up pack")
	// ErrTopUpAlreadyGranted is returned when the checkout session was already credited.
	ErrTopUpAlreadyGranted = errors.New("subscription: checkout session already credited")
)

// TransitionError rejects a status change that the state machine does not allow.
type TransitionError struct {
	From models.Status
	To   models.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("subscription: invalid transition from %q to %q", e.From, e.To)
}

// ErrInvalidTransition matches any *TransitionError via errors.Is.
var ErrInvalidTransition = errors.New("subscription: invalid transition")

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
