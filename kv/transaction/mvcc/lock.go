package mvcc

import (
	"encoding/binary"

	"github.com/pingcap/errors"

	"github.com/yuhaijun999/dingo-store/kv/kverrors"
	"github.com/yuhaijun999/dingo-store/kv/util/codec"
)

type LockKind byte

const (
	LockKindPut         LockKind = 1
	LockKindDelete      LockKind = 2
	LockKindOptimistic  LockKind = 3
	LockKindPessimistic LockKind = 4
)

func (lk LockKind) String() string {
	switch lk {
	case LockKindPut:
		return "PUT"
	case LockKindDelete:
		return "DELETE"
	case LockKindOptimistic:
		return "OPTIMISTIC"
	case LockKindPessimistic:
		return "PESSIMISTIC"
	}
	return "UNKNOWN"
}

// Lock is a live lock record stored in the lock CF under the plain user key.
// At most one live lock exists per key.
type Lock struct {
	Primary     []byte
	StartTS     uint64
	Ttl         uint64
	ForUpdateTs uint64
	MinCommitTs uint64
	Kind        LockKind
	Secondaries [][]byte
}

// IsExpired reports whether the lock's TTL has run out at currentTs. TTLs are
// wall-clock milliseconds compared on the physical part of the timestamps.
func (lock *Lock) IsExpired(currentTs uint64) bool {
	return codec.PhysicalTs(lock.StartTS)+lock.Ttl < codec.PhysicalTs(currentTs)
}

func (lock *Lock) ToBytes() []byte {
	size := 1 + 8*4 + 2 + len(lock.Primary) + 4
	for _, s := range lock.Secondaries {
		size += 2 + len(s)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, byte(lock.Kind))
	buf = binary.BigEndian.AppendUint64(buf, lock.StartTS)
	buf = binary.BigEndian.AppendUint64(buf, lock.Ttl)
	buf = binary.BigEndian.AppendUint64(buf, lock.ForUpdateTs)
	buf = binary.BigEndian.AppendUint64(buf, lock.MinCommitTs)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(lock.Primary)))
	buf = append(buf, lock.Primary...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(lock.Secondaries)))
	for _, s := range lock.Secondaries {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
		buf = append(buf, s...)
	}
	return buf
}

// ParseLock attempts to parse a byte string into a Lock object.
func ParseLock(input []byte) (*Lock, error) {
	const fixed = 1 + 8*4 + 2
	if len(input) < fixed {
		return nil, errors.Annotatef(kverrors.ErrCorruption, "lock record too short, %d bytes", len(input))
	}
	lock := &Lock{Kind: LockKind(input[0])}
	lock.StartTS = binary.BigEndian.Uint64(input[1:])
	lock.Ttl = binary.BigEndian.Uint64(input[9:])
	lock.ForUpdateTs = binary.BigEndian.Uint64(input[17:])
	lock.MinCommitTs = binary.BigEndian.Uint64(input[25:])
	plen := int(binary.BigEndian.Uint16(input[33:]))
	rest := input[35:]
	if len(rest) < plen+4 {
		return nil, errors.Annotatef(kverrors.ErrCorruption, "lock record truncated primary, %d bytes", len(input))
	}
	lock.Primary = append([]byte(nil), rest[:plen]...)
	rest = rest[plen:]
	secCount := int(binary.BigEndian.Uint32(rest))
	rest = rest[4:]
	for i := 0; i < secCount; i++ {
		if len(rest) < 2 {
			return nil, errors.Annotate(kverrors.ErrCorruption, "lock record truncated secondaries")
		}
		slen := int(binary.BigEndian.Uint16(rest))
		rest = rest[2:]
		if len(rest) < slen {
			return nil, errors.Annotate(kverrors.ErrCorruption, "lock record truncated secondary key")
		}
		lock.Secondaries = append(lock.Secondaries, append([]byte(nil), rest[:slen]...))
		rest = rest[slen:]
	}
	return lock, nil
}

// WriteKind maps the lock's mutation kind onto the committed write kind.
func (lock *Lock) WriteKind() WriteKind {
	switch lock.Kind {
	case LockKindDelete:
		return WriteKindDelete
	case LockKindOptimistic:
		return WriteKindLock
	default:
		return WriteKindPut
	}
}
