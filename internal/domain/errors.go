package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a machine-readable error code surfaced to API callers.
type Code string

const (
	CodeUnknown           Code = "UNKNOWN"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeInvalidState      Code = "INVALID_STATE"
	CodeOutOfOrder        Code = "OUT_OF_ORDER"
	CodeNotFound          Code = "NOT_FOUND"
	CodeGateRejected      Code = "GATE_REJECTED"
	CodeUnknownValue      Code = "UNKNOWN_VALUE"
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeDataQuality       Code = "DATA_QUALITY"
)

var ErrNotFound = errors.New("not found")

// InvalidTransitionError is returned when a workflow or review event is not
// permitted from the current state. Nothing is written when it is returned.
type InvalidTransitionError struct {
	From   string
	Event  Action
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition: %s from %s", e.Event, e.From)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidTransitionError) Code() Code { return CodeInvalidTransition }

type InvalidStateError struct {
	Entity string
	ID     string
	State  string
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s is %s; %s not allowed", e.Entity, e.ID, e.State, e.Op)
}

func (e *InvalidStateError) Code() Code { return CodeInvalidState }

type OutOfOrderError struct {
	GateType      GateType
	CurrentPhase  Phase
	RequiredPhase Phase
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("gate %s requires phase %s; project is in %s", e.GateType, e.RequiredPhase, e.CurrentPhase)
}

func (e *OutOfOrderError) Code() Code { return CodeOutOfOrder }

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Code() Code { return CodeNotFound }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// RejectedError means the gate check failed when re-validated at pass time.
// Callers should re-fetch the gate status before retrying.
type RejectedError struct {
	GateType        GateType
	MissingElements []string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("gate %s not ready: missing %s", e.GateType, strings.Join(e.MissingElements, ", "))
}

func (e *RejectedError) Code() Code { return CodeGateRejected }

// UnknownValueError flags input that does not map onto a closed enum.
type UnknownValueError struct {
	Field string
	Value string
}

func (e *UnknownValueError) Error() string {
	return fmt.Sprintf("unknown %s %q", e.Field, e.Value)
}

func (e *UnknownValueError) Code() Code { return CodeUnknownValue }

// DataQualityError reports a stored value that no longer maps onto its enum.
// The record is surfaced as broken instead of being read with a guessed value.
type DataQualityError struct {
	Entity string
	ID     string
	Err    *UnknownValueError
}

func (e *DataQualityError) Error() string {
	return fmt.Sprintf("%s %s: stored %s", e.Entity, e.ID, e.Err)
}

func (e *DataQualityError) Code() Code { return CodeDataQuality }

func (e *DataQualityError) Unwrap() error { return e.Err }

// Stored wraps a Parse* failure for a persisted record.
func Stored(entity, id string, err error) error {
	var uv *UnknownValueError
	if errors.As(err, &uv) {
		return &DataQualityError{Entity: entity, ID: id, Err: uv}
	}
	return err
}

type InvalidArgumentError struct {
	Field  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidArgumentError) Code() Code { return CodeInvalidArgument }

// CodeOf extracts the error code from any error in the chain.
func CodeOf(err error) Code {
	var coded interface{ Code() Code }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	if errors.Is(err, ErrNotFound) {
		return CodeNotFound
	}
	return CodeUnknown
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
