package jaildb

import (
	"errors"
	"fmt"
)

// Validation errors are returned to the caller and never retried.
var (
	ErrUnknownCell        = errors.New("unknown cell")
	ErrNotConfined        = errors.New("subject is not confined")
	ErrCellInUse          = errors.New("cell is referenced by an active confinement")
	ErrIndefiniteSentence = errors.New("sentence is indefinite")
	ErrInvalidSentence    = errors.New("invalid sentence")
	ErrInvalidCellName    = errors.New("invalid cell name")
)

var (
	// ErrStorageUnavailable wraps every backend failure.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrCorruptRecord matches a *CorruptRecordError.
	ErrCorruptRecord = errors.New("corrupt record")
	// ErrNotifyFailed means an event sink rejected a release and the release was undone.
	ErrNotifyFailed = errors.New("event sink rejected notification")
)

// CorruptRecordError describes one persisted record that could not be decoded.
type CorruptRecordError struct {
	Table string // "cells" or "confinements"
	Key   string
	Err   error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt %s record %q: %v", e.Table, e.Key, e.Err)
}

func (e *CorruptRecordError) Unwrap() error { return e.Err }

func (e *CorruptRecordError) Is(target error) bool { return target == ErrCorruptRecord }

// Corrupt builds a CorruptRecordError.
func Corrupt(table, key string, err error) *CorruptRecordError {
	return &CorruptRecordError{Table: table, Key: key, Err: err}
}

// unavailableError keeps both ErrStorageUnavailable and the cause in the chain.
type unavailableError struct {
	op  string
	err error
}

func (e *unavailableError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStorageUnavailable, e.op, e.err)
}

func (e *unavailableError) Unwrap() []error { return []error{ErrStorageUnavailable, e.err} }

// Unavailable wraps a backend failure as ErrStorageUnavailable. A nil err
// returns nil, and an error that already is ErrStorageUnavailable is returned as is.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return &unavailableError{op: op, err: err}
}
