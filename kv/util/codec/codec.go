package codec

import (
	"encoding/binary"

	"github.com/pingcap/errors"

	"github.com/yuhaijun999/dingo-store/kv/kverrors"
)

// Key namespaces. The prefix byte is the first byte of every encoded key and
// separates raw regions, transactional regions and executor-internal keys.
const (
	PrefixRaw      byte = 'r'
	PrefixTxn      byte = 't'
	PrefixExecutor byte = 'm'
)

// Value flag bits, stored in the leading byte of every encoded value.
const (
	FlagNone      byte = 0x00
	FlagTombstone byte = 0x01
	FlagTTL       byte = 0x02
	FlagCompress  byte = 0x04
)

const (
	prefixLen    = 1
	partitionLen = 8
	tsLen        = 8
	vectorIDLen  = 8

	// HeaderLen is the fixed [prefix][partition] lead-in of every key.
	HeaderLen = prefixLen + partitionLen
)

// TsMax is the largest timestamp; reads at ts=0 are resolved to it.
const TsMax uint64 = ^uint64(0)

// EncodeKey builds [prefix][partition BE][userKey][^ts BE]. Timestamps are
// complemented so lexicographic ascent within one user key yields newest
// first.
func EncodeKey(prefix byte, partitionID uint64, userKey []byte, ts uint64) []byte {
	buf := make([]byte, 0, HeaderLen+len(userKey)+tsLen)
	buf = append(buf, prefix)
	buf = binary.BigEndian.AppendUint64(buf, partitionID)
	buf = append(buf, userKey...)
	buf = binary.BigEndian.AppendUint64(buf, ^ts)
	return buf
}

// EncodeKeyNoTs builds [prefix][partition BE][userKey], the layout of lock
// and meta keys which are unversioned.
func EncodeKeyNoTs(prefix byte, partitionID uint64, userKey []byte) []byte {
	buf := make([]byte, 0, HeaderLen+len(userKey))
	buf = append(buf, prefix)
	buf = binary.BigEndian.AppendUint64(buf, partitionID)
	buf = append(buf, userKey...)
	return buf
}

// DecodeKey splits a versioned key back into its parts.
func DecodeKey(key []byte) (prefix byte, partitionID uint64, userKey []byte, ts uint64, err error) {
	if len(key) < HeaderLen+tsLen {
		return 0, 0, nil, 0, errors.Annotatef(kverrors.ErrCorruption, "key too short, len %d", len(key))
	}
	prefix = key[0]
	if prefix != PrefixRaw && prefix != PrefixTxn && prefix != PrefixExecutor {
		return 0, 0, nil, 0, errors.Annotatef(kverrors.ErrCorruption, "unknown key prefix 0x%02x", prefix)
	}
	partitionID = binary.BigEndian.Uint64(key[prefixLen:HeaderLen])
	userKey = key[HeaderLen : len(key)-tsLen]
	ts = ^binary.BigEndian.Uint64(key[len(key)-tsLen:])
	return prefix, partitionID, userKey, ts, nil
}

// DecodeKeyNoTs splits an unversioned key.
func DecodeKeyNoTs(key []byte) (prefix byte, partitionID uint64, userKey []byte, err error) {
	if len(key) < HeaderLen {
		return 0, 0, nil, errors.Annotatef(kverrors.ErrCorruption, "key too short, len %d", len(key))
	}
	prefix = key[0]
	if prefix != PrefixRaw && prefix != PrefixTxn && prefix != PrefixExecutor {
		return 0, 0, nil, errors.Annotatef(kverrors.ErrCorruption, "unknown key prefix 0x%02x", prefix)
	}
	return prefix, binary.BigEndian.Uint64(key[prefixLen:HeaderLen]), key[HeaderLen:], nil
}

// TruncateTs strips the trailing timestamp from a versioned key.
func TruncateTs(key []byte) []byte {
	if len(key) < HeaderLen+tsLen {
		return key
	}
	return key[:len(key)-tsLen]
}

// UserKeyFromVersioned returns the user-key part of a versioned key without a
// full decode. The caller must know the key is versioned.
func UserKeyFromVersioned(key []byte) []byte {
	return key[HeaderLen : len(key)-tsLen]
}

// TsFromVersioned returns the timestamp part of a versioned key.
func TsFromVersioned(key []byte) uint64 {
	return ^binary.BigEndian.Uint64(key[len(key)-tsLen:])
}

// EncodeVectorKey builds a versioned key for the vector families, the user
// key being the 8-byte big-endian vector id.
func EncodeVectorKey(prefix byte, partitionID uint64, vectorID uint64, ts uint64) []byte {
	var idBuf [vectorIDLen]byte
	binary.BigEndian.PutUint64(idBuf[:], vectorID)
	return EncodeKey(prefix, partitionID, idBuf[:], ts)
}

// EncodeVectorKeyNoTs builds the unversioned [prefix][partition][vector id]
// form used as a scan bound.
func EncodeVectorKeyNoTs(prefix byte, partitionID uint64, vectorID uint64) []byte {
	var idBuf [vectorIDLen]byte
	binary.BigEndian.PutUint64(idBuf[:], vectorID)
	return EncodeKeyNoTs(prefix, partitionID, idBuf[:])
}

// DecodeVectorID extracts the vector id from a versioned vector key.
func DecodeVectorID(key []byte) (uint64, error) {
	_, _, userKey, _, err := DecodeKey(key)
	if err != nil {
		return 0, err
	}
	if len(userKey) < vectorIDLen {
		return 0, errors.Annotatef(kverrors.ErrCorruption, "vector key too short, user key len %d", len(userKey))
	}
	return binary.BigEndian.Uint64(userKey[:vectorIDLen]), nil
}

// EncodeScalarSpeedUpKey builds [prefix][partition][vector id][scalarKey][^ts],
// one row per (vector, scalar field) for predicate pushdown.
func EncodeScalarSpeedUpKey(prefix byte, partitionID uint64, vectorID uint64, scalarKey []byte, ts uint64) []byte {
	buf := make([]byte, 0, HeaderLen+vectorIDLen+len(scalarKey)+tsLen)
	buf = append(buf, prefix)
	buf = binary.BigEndian.AppendUint64(buf, partitionID)
	buf = binary.BigEndian.AppendUint64(buf, vectorID)
	buf = append(buf, scalarKey...)
	buf = binary.BigEndian.AppendUint64(buf, ^ts)
	return buf
}

// DecodeScalarSpeedUpKey splits a speed-up key into vector id and scalar name.
func DecodeScalarSpeedUpKey(key []byte) (vectorID uint64, scalarKey []byte, ts uint64, err error) {
	if len(key) < HeaderLen+vectorIDLen+tsLen {
		return 0, nil, 0, errors.Annotatef(kverrors.ErrCorruption, "speed-up key too short, len %d", len(key))
	}
	vectorID = binary.BigEndian.Uint64(key[HeaderLen : HeaderLen+vectorIDLen])
	scalarKey = key[HeaderLen+vectorIDLen : len(key)-tsLen]
	ts = ^binary.BigEndian.Uint64(key[len(key)-tsLen:])
	return vectorID, scalarKey, ts, nil
}

// EncodeRange maps a plain user-key range to the encoded keyspace of one
// region partition. An empty end key maps to the end of the partition.
func EncodeRange(prefix byte, partitionID uint64, start, end []byte) (encStart, encEnd []byte) {
	encStart = EncodeKeyNoTs(prefix, partitionID, start)
	if len(end) == 0 {
		encEnd = EncodeKeyNoTs(prefix, partitionID+1, nil)
	} else {
		encEnd = EncodeKeyNoTs(prefix, partitionID, end)
	}
	return encStart, encEnd
}

// PackValue prepends the flag byte to the payload.
func PackValue(flag byte, payload []byte) []byte {
	buf := make([]byte, 0, 1+len(payload))
	buf = append(buf, flag)
	return append(buf, payload...)
}

// PackValueTTL packs a payload carrying an expire-at wall time in ms.
func PackValueTTL(flag byte, expireAtMs uint64, payload []byte) []byte {
	buf := make([]byte, 0, 1+8+len(payload))
	buf = append(buf, flag|FlagTTL)
	buf = binary.BigEndian.AppendUint64(buf, expireAtMs)
	return append(buf, payload...)
}

// UnpackValue splits a stored value into flag and payload. For TTL values the
// returned payload excludes the expire-at header; use UnpackValueTTL to get it.
func UnpackValue(value []byte) (flag byte, payload []byte, err error) {
	if len(value) == 0 {
		return 0, nil, errors.Annotate(kverrors.ErrCorruption, "empty stored value")
	}
	flag = value[0]
	payload = value[1:]
	if flag&FlagTTL != 0 {
		if len(payload) < 8 {
			return 0, nil, errors.Annotate(kverrors.ErrCorruption, "ttl value too short")
		}
		payload = payload[8:]
	}
	return flag, payload, nil
}

// UnpackValueTTL also returns the expire-at ms, zero when the flag is unset.
func UnpackValueTTL(value []byte) (flag byte, expireAtMs uint64, payload []byte, err error) {
	if len(value) == 0 {
		return 0, 0, nil, errors.Annotate(kverrors.ErrCorruption, "empty stored value")
	}
	flag = value[0]
	payload = value[1:]
	if flag&FlagTTL != 0 {
		if len(payload) < 8 {
			return 0, 0, nil, errors.Annotate(kverrors.ErrCorruption, "ttl value too short")
		}
		expireAtMs = binary.BigEndian.Uint64(payload[:8])
		payload = payload[8:]
	}
	return flag, expireAtMs, payload, nil
}

// IsTombstone reports whether a stored value is a delete marker.
func IsTombstone(value []byte) bool {
	return len(value) > 0 && value[0]&FlagTombstone != 0
}

// NextKey returns the smallest key strictly greater than k (k followed by a
// zero byte). For a plain user key this does not sort past k's encoded
// versions, whose complemented timestamps follow k directly; applied to the
// ts=0 encoding of k it does.
func NextKey(k []byte) []byte {
	next := make([]byte, len(k)+1)
	copy(next, k)
	return next
}

// ComposeTs builds a TSO timestamp from physical ms and logical counter.
func ComposeTs(physical, logical uint64) uint64 {
	return physical<<18 + logical
}

// PhysicalTs extracts the physical ms part of a TSO timestamp.
func PhysicalTs(ts uint64) uint64 {
	return ts >> 18
}
