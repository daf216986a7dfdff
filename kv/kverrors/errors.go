package kverrors

import (
	"fmt"

	"github.com/pingcap/errors"
)

// Error kinds surfaced at the region boundary. Every internal error maps to
// exactly one of these; the server translates them into a single error code
// per response. Kinds are compared through Is/Code, which unwrap annotation
// layers via errors.Cause.
var (
	ErrKeyEmpty          = errors.New("key is empty")
	ErrKeyNotFound       = errors.New("key not found")
	ErrRangeInvalid      = errors.New("range is invalid")
	ErrCorruption        = errors.New("data corruption")
	ErrInternal          = errors.New("internal error")
	ErrTxnNotFound       = errors.New("txn not found")
	ErrLockNotFound      = errors.New("lock not found")
	ErrDeadlineExceeded  = errors.New("deadline exceeded")
	ErrCancelled         = errors.New("cancelled")
	ErrUnsupported       = errors.New("unsupported")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrIndexNotReady     = errors.New("vector index not ready")
	ErrEpochChanged      = errors.New("region epoch changed")
	ErrNotLeader         = errors.New("not leader")
	ErrRegionNotFound    = errors.New("region not found")
	ErrReadOnly          = errors.New("cluster is read only")
	ErrOutOfMemory       = errors.New("out of memory")
	ErrSchemaError       = errors.New("scalar schema mismatch")
)

// Is reports whether err's cause is the given kind.
func Is(err, kind error) bool {
	if err == nil {
		return false
	}
	return errors.Cause(err) == kind
}

// KeyIsLocked is returned when a read or write runs into a live lock owned by
// another transaction. The caller resolves or waits and retries.
type KeyIsLocked struct {
	Key         []byte
	PrimaryLock []byte
	LockTs      uint64
	LockTTL     uint64
}

func (e *KeyIsLocked) Error() string {
	return fmt.Sprintf("key is locked, key %q primary %q lock_ts %d", e.Key, e.PrimaryLock, e.LockTs)
}

// WriteConflict is returned when a prewrite or pessimistic lock finds a
// commit newer than the transaction's snapshot.
type WriteConflict struct {
	Key        []byte
	StartTs    uint64
	ConflictTs uint64
	Primary    []byte
}

func (e *WriteConflict) Error() string {
	return fmt.Sprintf("write conflict, key %q start_ts %d conflict_ts %d", e.Key, e.StartTs, e.ConflictTs)
}

// IsKeyIsLocked extracts a KeyIsLocked from err, unwrapping annotations.
func IsKeyIsLocked(err error) (*KeyIsLocked, bool) {
	if err == nil {
		return nil, false
	}
	locked, ok := errors.Cause(err).(*KeyIsLocked)
	return locked, ok
}

// IsWriteConflict extracts a WriteConflict from err, unwrapping annotations.
func IsWriteConflict(err error) (*WriteConflict, bool) {
	if err == nil {
		return nil, false
	}
	conflict, ok := errors.Cause(err).(*WriteConflict)
	return conflict, ok
}

// Code maps an error to its wire-visible kind string.
func Code(err error) string {
	if err == nil {
		return "OK"
	}
	switch errors.Cause(err) {
	case ErrKeyEmpty:
		return "KeyEmpty"
	case ErrKeyNotFound:
		return "KeyNotFound"
	case ErrRangeInvalid:
		return "RangeInvalid"
	case ErrCorruption:
		return "Corruption"
	case ErrTxnNotFound:
		return "TxnNotFound"
	case ErrLockNotFound:
		return "LockNotFound"
	case ErrDeadlineExceeded:
		return "DeadlineExceeded"
	case ErrCancelled:
		return "Cancelled"
	case ErrUnsupported:
		return "Unsupported"
	case ErrDimensionMismatch:
		return "DimensionMismatch"
	case ErrIndexNotReady:
		return "IndexNotReady"
	case ErrEpochChanged:
		return "EpochChanged"
	case ErrNotLeader:
		return "NotLeader"
	case ErrRegionNotFound:
		return "RegionNotFound"
	case ErrReadOnly:
		return "ReadOnly"
	case ErrOutOfMemory:
		return "OutOfMemory"
	case ErrSchemaError:
		return "SchemaError"
	}
	if _, ok := IsKeyIsLocked(err); ok {
		return "KeyIsLocked"
	}
	if _, ok := IsWriteConflict(err); ok {
		return "WriteConflict"
	}
	return "Internal"
}
