package commandlog

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// ErrCorrupt is returned when a stored record fails its checksum.
var ErrCorrupt = errors.New("commandlog: corrupt record")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func encodeRecord(header, payload []byte) []byte {
	out := make([]byte, 0, binary.MaxVarintLen64+len(header)+len(payload)+4)
	out = binary.AppendUvarint(out, uint64(len(header)))
	out = append(out, header...)
	out = append(out, payload...)
	return binary.BigEndian.AppendUint32(out, checksum(header, payload))
}

func checksum(header, payload []byte) uint32 {
	crc := crc32.Update(0, castagnoli, header)
	return crc32.Update(crc, castagnoli, payload)
}

// decodeRecord splits a stored value. The returned slices are copies.
func decodeRecord(b []byte) (header, payload []byte, err error) {
	if len(b) < 1+4 {
		return nil, nil, ErrCorrupt
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 || uint64(n)+hlen+4 > uint64(len(b)) {
		return nil, nil, ErrCorrupt
	}
	header = b[n : n+int(hlen)]
	payload = b[n+int(hlen) : len(b)-4]
	if checksum(header, payload) != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return nil, nil, ErrCorrupt
	}
	return append([]byte(nil), header...), append([]byte(nil), payload...), nil
}
