package common

import (
	"fmt"

	"github.com/pkg/errors"
)

// StoreErrType classifies the failures of the version history stores.
type StoreErrType uint32

const (
	// KeyNotFound is returned for a version that was never stored.
	KeyNotFound StoreErrType = iota
	// TooLate is returned for a version that was trimmed from the history.
	TooLate
	// PassedIndex is returned for a version beyond the newest one.
	PassedIndex
	// SkippedIndex is returned when a Put leaves a gap after the newest
	// version.
	SkippedIndex
	// Empty is returned when an object has no history.
	Empty
	// KeyAlreadyExists is returned when a version is stored twice.
	KeyAlreadyExists
	// Closed is returned after the store was closed.
	Closed
)

var storeErrNames = map[StoreErrType]string{
	KeyNotFound:      "Not Found",
	TooLate:          "Too Late",
	PassedIndex:      "Passed Index",
	SkippedIndex:     "Skipped Index",
	Empty:            "Empty",
	KeyAlreadyExists: "Key Already Exists",
	Closed:           "Closed",
}

func (t StoreErrType) String() string {
	if name, ok := storeErrNames[t]; ok {
		return name
	}
	return fmt.Sprintf("StoreErrType(%d)", uint32(t))
}

// StoreErr is a typed store failure on one key of a collection.
type StoreErr struct {
	dataType string
	errType  StoreErrType
	key      string
}

// NewStoreErr ...
func NewStoreErr(dataType string, errType StoreErrType, key string) StoreErr {
	return StoreErr{
		dataType: dataType,
		errType:  errType,
		key:      key,
	}
}

// Type ...
func (e StoreErr) Type() StoreErrType {
	return e.errType
}

func (e StoreErr) Error() string {
	return fmt.Sprintf("%s %s: %s", e.dataType, e.key, e.errType)
}

// IsStore reports whether the cause of err is a StoreErr of type t. Errors
// wrapped with github.com/pkg/errors are unwrapped.
func IsStore(err error, t StoreErrType) bool {
	storeErr, ok := errors.Cause(err).(StoreErr)
	return ok && storeErr.errType == t
}
