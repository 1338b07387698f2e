package posting

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/hupe1980/lire/internal/model"
)

const (
	headerMagic   = "LPST"
	formatVersion = uint16(1)

	// entryHeaderSize is id (8) + stamp (8) + flags (1) + pad (3) + crc (4).
	entryHeaderSize = 24

	flagDeleted = 1
)

func headerSize(dim int) int {
	return 4 + 2 + 2 + 8 + 4 + 4 + 4*dim + 4
}

func encodeHeader(id model.PartitionID, centroid []float32, entrySize int) []byte {
	buf := make([]byte, 0, headerSize(len(centroid)))
	buf = append(buf, headerMagic...)
	buf = binary.LittleEndian.AppendUint16(buf, formatVersion)
	buf = binary.LittleEndian.AppendUint16(buf, 0)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(id))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(centroid)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(entrySize))
	for _, v := range centroid {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
}

func decodeHeader(buf []byte, dim int) (model.PartitionID, []float32, int, error) {
	size := headerSize(dim)
	if len(buf) < size {
		return 0, nil, 0, fmt.Errorf("%w: short header", ErrCorrupt)
	}
	if string(buf[0:4]) != headerMagic {
		return 0, nil, 0, fmt.Errorf("%w: invalid magic %q", ErrCorrupt, buf[0:4])
	}
	if v := binary.LittleEndian.Uint16(buf[4:6]); v != formatVersion {
		return 0, nil, 0, fmt.Errorf("%w: posting version %d", ErrIncompatibleVersion, v)
	}
	if got, want := binary.LittleEndian.Uint32(buf[size-4:size]), crc32.ChecksumIEEE(buf[:size-4]); got != want {
		return 0, nil, 0, fmt.Errorf("%w: header checksum", ErrCorrupt)
	}
	if d := int(binary.LittleEndian.Uint32(buf[16:20])); d != dim {
		return 0, nil, 0, fmt.Errorf("%w: header dimension %d, expected %d", ErrCorrupt, d, dim)
	}

	id := model.PartitionID(binary.LittleEndian.Uint64(buf[8:16]))
	entrySize := int(binary.LittleEndian.Uint32(buf[20:24]))
	centroid := make([]float32, dim)
	off := 24
	for i := range centroid {
		centroid[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	return id, centroid, entrySize, nil
}

// encodeEntry writes e into dst (len(dst) == entry size). The code must
// already be in dst[entryHeaderSize:].
func encodeEntry(dst []byte, e model.Entry) {
	binary.LittleEndian.PutUint64(dst[0:8], uint64(e.ID))
	binary.LittleEndian.PutUint64(dst[8:16], uint64(e.Stamp))
	var flags byte
	if e.Deleted {
		flags |= flagDeleted
	}
	dst[16] = flags
	dst[17], dst[18], dst[19] = 0, 0, 0
	binary.LittleEndian.PutUint32(dst[20:24], entryChecksum(dst))
}

func entryChecksum(buf []byte) uint32 {
	crc := crc32.ChecksumIEEE(buf[0:20])
	return crc32.Update(crc, crc32.IEEETable, buf[entryHeaderSize:])
}

// decodeEntry parses the fixed part of an entry and verifies its checksum.
func decodeEntry(buf []byte) (model.Entry, error) {
	if binary.LittleEndian.Uint32(buf[20:24]) != entryChecksum(buf) {
		return model.Entry{}, fmt.Errorf("%w: entry checksum", ErrCorrupt)
	}
	return model.Entry{
		ID:      model.ID(binary.LittleEndian.Uint64(buf[0:8])),
		Stamp:   model.Stamp(binary.LittleEndian.Uint64(buf[8:16])),
		Deleted: buf[16]&flagDeleted != 0,
	}, nil
}
