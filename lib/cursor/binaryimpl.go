package cursor

import (
	"encoding/binary"

	"github.com/fluxrill/pdal/lib/backend"
)

// NewBinaryCodec creates a codec using a compact binary format. This is
// the default codec: tokens travel with every page request, so size
// matters more than readability.
func NewBinaryCodec() ICursorCodec {
	return &binaryCodecImpl{}
}

// binaryCodecImpl implements ICursorCodec using a custom binary format.
type binaryCodecImpl struct{}

// Format version, bumped on layout changes. Decoding rejects unknown
// versions instead of guessing.
const binaryVersion byte = 1

// Bit flags to indicate which optional fields are present
const (
	hasMerge byte = 1 << 0
	hasRange byte = 1 << 1
)

// --------------------------------------------------------------------------
// Interface Methods (docu see ICursorCodec)
// --------------------------------------------------------------------------

func (c binaryCodecImpl) Encode(t Token) ([]byte, error) {
	result := make([]byte, c.sizeBytes(t))

	result[0] = binaryVersion

	var flags byte
	if t.Merge {
		flags |= hasMerge
	}
	if t.Low != 0 || t.High != 0 {
		flags |= hasRange
	}
	result[1] = flags

	pos := 2
	binary.BigEndian.PutUint64(result[pos:pos+8], t.Generation)
	pos += 8

	if flags&hasRange != 0 {
		binary.BigEndian.PutUint64(result[pos:pos+8], t.Low)
		pos += 8
		binary.BigEndian.PutUint64(result[pos:pos+8], t.High)
		pos += 8
	}

	binary.BigEndian.PutUint32(result[pos:pos+4], uint32(len(t.Subs)))
	pos += 4

	for _, sub := range t.Subs {
		binary.BigEndian.PutUint64(result[pos:pos+8], uint64(sub.Partition))
		pos += 8
		binary.BigEndian.PutUint64(result[pos:pos+8], uint64(sub.LastSeq))
		pos += 8

		idBytes := []byte(sub.LastID)
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(len(idBytes)))
		pos += 4
		copy(result[pos:pos+len(idBytes)], idBytes)
		pos += len(idBytes)
	}

	return result, nil
}

func (c binaryCodecImpl) Decode(data []byte, t *Token) error {
	// Version + flags + generation + sub count.
	if len(data) < 2+8+4 {
		return backend.NewError(backend.RetCCursorExpired, "cursor too short")
	}
	if data[0] != binaryVersion {
		return backend.NewErrorf(backend.RetCCursorExpired, "unknown cursor version %d", data[0])
	}

	flags := data[1]
	t.Merge = flags&hasMerge != 0

	pos := 2
	t.Generation = binary.BigEndian.Uint64(data[pos : pos+8])
	pos += 8

	t.Low, t.High = 0, 0
	if flags&hasRange != 0 {
		if pos+16 > len(data) {
			return backend.NewError(backend.RetCCursorExpired, "cursor too short for range")
		}
		t.Low = binary.BigEndian.Uint64(data[pos : pos+8])
		pos += 8
		t.High = binary.BigEndian.Uint64(data[pos : pos+8])
		pos += 8
	}

	if pos+4 > len(data) {
		return backend.NewError(backend.RetCCursorExpired, "cursor too short for sub count")
	}
	count := binary.BigEndian.Uint32(data[pos : pos+4])
	pos += 4

	t.Subs = make([]Sub, 0, count)
	for i := uint32(0); i < count; i++ {
		if pos+20 > len(data) {
			return backend.NewError(backend.RetCCursorExpired, "cursor too short for sub-cursor")
		}
		sub := Sub{
			Partition: backend.PartitionID(binary.BigEndian.Uint64(data[pos : pos+8])),
			LastSeq:   backend.Sequence(binary.BigEndian.Uint64(data[pos+8 : pos+16])),
		}
		pos += 16

		idLen := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		pos += 4
		if pos+idLen > len(data) {
			return backend.NewError(backend.RetCCursorExpired, "cursor too short for sub-cursor id")
		}
		sub.LastID = string(data[pos : pos+idLen])
		pos += idLen

		t.Subs = append(t.Subs, sub)
	}

	if pos != len(data) {
		return backend.NewError(backend.RetCCursorExpired, "trailing bytes in cursor")
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for encoding.
func (c binaryCodecImpl) sizeBytes(t Token) int {
	// version + flags + generation + sub count
	size := 2 + 8 + 4
	if t.Low != 0 || t.High != 0 {
		size += 16
	}
	for _, sub := range t.Subs {
		size += 8 + 8 + 4 + len(sub.LastID)
	}
	return size
}
