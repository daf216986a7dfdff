package mvcc

import (
	"encoding/binary"

	"github.com/pingcap/errors"

	"github.com/yuhaijun999/dingo-store/kv/kverrors"
)

// Write is a representation of a committed write to backing storage.
// A serialized version is stored in the write CF of the engine when a write is
// committed, keyed by (user key, commit ts). That allows a reader to find the
// status of a key at a given timestamp.
type Write struct {
	StartTS uint64
	Kind    WriteKind
}

func (wr *Write) ToBytes() []byte {
	buf := append([]byte{byte(wr.Kind)}, 0, 0, 0, 0, 0, 0, 0, 0)
	binary.BigEndian.PutUint64(buf[1:], wr.StartTS)
	return buf
}

func ParseWrite(value []byte) (*Write, error) {
	if value == nil {
		return nil, nil
	}
	if len(value) != 9 {
		return nil, errors.Annotatef(kverrors.ErrCorruption, "write record has length %d, expected 9", len(value))
	}
	kind := value[0]
	startTs := binary.BigEndian.Uint64(value[1:])
	return &Write{startTs, WriteKind(kind)}, nil
}

type WriteKind byte

const (
	WriteKindPut      WriteKind = 1
	WriteKindDelete   WriteKind = 2
	WriteKindRollback WriteKind = 3
	// WriteKindLock records a lock-only mutation, it changes no data.
	WriteKindLock WriteKind = 4
)

func (wk WriteKind) String() string {
	switch wk {
	case WriteKindPut:
		return "PUT"
	case WriteKindDelete:
		return "DELETE"
	case WriteKindRollback:
		return "ROLLBACK"
	case WriteKindLock:
		return "LOCK"
	}
	return "UNKNOWN"
}
