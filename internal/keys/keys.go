package keys

import (
	"encoding/binary"
	"errors"
)

// Keyspace (byte-wise, lexicographically sortable). Strings are length
// prefixed (be4 length | bytes) so that a prefix built from complete
// components never matches a longer component; int64 values are stored
// big-endian with the sign bit flipped so that negative values sort first.
//
//	meta/{name}                                      - counters (next key, buffered messages)
//	msg/k/{key}                                      - message by key
//	msg/c/{tenant}/{name}/{correlationKey}/{key}     - FIFO correlation index
//	msg/id/{tenant}/{name}/{correlationKey}/{msgId}  - dedup index -> key
//	msg/dl/{deadline}/{key}                          - deadline index
//	msg/pd/{key}/{bpmnProcessId}                     - message consumed by process id
//	excl/ck/{tenant}/{bpmnProcessId}/{correlationKey} - active instance marker
//	excl/pi/{processInstanceKey}                     - instance -> correlation key
//	msub/k/{elementInstanceKey}/{messageName}        - element-side subscription
//	msub/c/{tenant}/{name}/{correlationKey}/{eik}    - element-side correlation index
//	psub/k/{elementInstanceKey}/{tenant}/{name}      - process-side subscription
//	ssub/n/{tenant}/{messageName}/{definitionKey}    - start subscription by name
//	ssub/d/{definitionKey}/{tenant}/{messageName}    - start subscription by definition
//	req/{messageKey}                                 - correlation request
//	log/e/{seq}, log/m, log/cur/{consumer}           - command log
type Family string

const (
	Meta                      Family = "meta/"
	MessageByKey              Family = "msg/k/"
	MessageByCorrelation      Family = "msg/c/"
	MessageID                 Family = "msg/id/"
	MessageDeadline           Family = "msg/dl/"
	MessageProcessCorrelated  Family = "msg/pd/"
	ActiveByCorrelationKey    Family = "excl/ck/"
	InstanceCorrelationKey    Family = "excl/pi/"
	MessageSubscriptionByKey  Family = "msub/k/"
	MessageSubscriptionByCorr Family = "msub/c/"
	ProcessSubscriptionByKey  Family = "psub/k/"
	StartSubscriptionByName   Family = "ssub/n/"
	StartSubscriptionByDef    Family = "ssub/d/"
	CorrelationRequest        Family = "req/"
	CommandLogEntry           Family = "log/e/"
	CommandLogMeta            Family = "log/m"
	CommandLogCursor          Family = "log/cur/"
)

// ErrMalformed is returned when a key cannot be decoded.
var ErrMalformed = errors.New("keys: malformed key")

// Key is a composite key under construction. Each call appends one component.
// Builders must not be shared after a component was appended to them.
type Key []byte

// New starts a key in the given family.
func New(f Family) Key {
	k := make(Key, 0, len(f)+48)
	return append(k, f...)
}

// Str appends a length-prefixed string component.
func (k Key) Str(s string) Key { return AppendString(k, s) }

// Int appends a sortable int64 component.
func (k Key) Int(v int64) Key { return AppendInt64(k, v) }

// Bytes returns the encoded key.
func (k Key) Bytes() []byte { return []byte(k) }

// Range returns the [lower, upper) bounds covering every key with this prefix.
func (k Key) Range() ([]byte, []byte) {
	return []byte(k), PrefixEnd(k)
}

func appendBE4(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// AppendString appends s as be4(len) | bytes.
func AppendString(dst []byte, s string) []byte {
	dst = appendBE4(dst, uint32(len(s)))
	return append(dst, s...)
}

// AppendInt64 appends v as a sign-flipped big-endian uint64.
func AppendInt64(dst []byte, v int64) []byte {
	return appendBE8(dst, uint64(v)^(1<<63))
}

// PrefixEnd returns the smallest key greater than every key starting with prefix.
// It returns nil (unbounded) when the prefix is all 0xFF.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// Decoder reads components back out of a key, in order.
type Decoder struct {
	b   []byte
	err error
}

// NewDecoder positions a decoder after the family prefix of key.
func NewDecoder(key []byte, f Family) *Decoder {
	if len(key) < len(f) || string(key[:len(f)]) != string(f) {
		return &Decoder{err: ErrMalformed}
	}
	return &Decoder{b: key[len(f):]}
}

// Str reads a length-prefixed string component.
func (d *Decoder) Str() string {
	if d.err != nil {
		return ""
	}
	if len(d.b) < 4 {
		d.err = ErrMalformed
		return ""
	}
	n := int(binary.BigEndian.Uint32(d.b[:4]))
	if len(d.b) < 4+n {
		d.err = ErrMalformed
		return ""
	}
	s := string(d.b[4 : 4+n])
	d.b = d.b[4+n:]
	return s
}

// Int reads a sortable int64 component.
func (d *Decoder) Int() int64 {
	if d.err != nil {
		return 0
	}
	if len(d.b) < 8 {
		d.err = ErrMalformed
		return 0
	}
	v := int64(binary.BigEndian.Uint64(d.b[:8]) ^ (1 << 63))
	d.b = d.b[8:]
	return v
}

// Err returns the first decoding error, if any.
func (d *Decoder) Err() error { return d.err }

// EncodeInt64Value encodes a plain big-endian int64 value (not a key component).
func EncodeInt64Value(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

// DecodeInt64Value decodes a value written by EncodeInt64Value.
func DecodeInt64Value(b []byte) (int64, error) {
	if len(b) < 8 {
		return 0, ErrMalformed
	}
	return int64(binary.BigEndian.Uint64(b[:8])), nil
}
