package task

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidSpec       = errors.New("invalid task specification")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrExecution         = errors.New("execution failure")
	ErrTimeout           = errors.New("max execution time exceeded")
)

type ValidationError struct {
	Errs []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%v: %s", ErrInvalidSpec, strings.Join(msgs, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidSpec
}

type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
