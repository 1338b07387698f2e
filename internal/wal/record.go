package wal

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"math"

	"github.com/hupe1980/lire/internal/model"
)

// RecordType identifies the type of WAL record.
type RecordType uint8

const (
	RecordTypeInsert RecordType = 1
	RecordTypeDelete RecordType = 2
)

func (t RecordType) String() string {
	switch t {
	case RecordTypeInsert:
		return "insert"
	case RecordTypeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidCRC     = errors.New("invalid WAL record checksum")
	ErrInvalidType    = errors.New("invalid WAL record type")
	ErrShortRead      = errors.New("short read in WAL record")
	ErrRecordTooLarge = errors.New("WAL record too large")
)

const (
	// recordHeaderSize is CRC (4) + Type (1) + LSN (8) + Length (4).
	recordHeaderSize = 17
	maxRecordPayload = 64 * 1024 * 1024
)

// Record represents a single mutation in the WAL.
type Record struct {
	LSN    uint64
	Type   RecordType
	ID     model.ID
	Vector []float32
}

func (r *Record) payloadLen() int {
	if r.Type == RecordTypeInsert {
		return 8 + 4 + 4*len(r.Vector)
	}
	return 8
}

// Size returns the encoded size of the record in bytes.
func (r *Record) Size() int {
	return recordHeaderSize + r.payloadLen()
}

// AppendEncode appends the encoded record to dst.
// Format:
// [CRC32: 4 bytes] [Type: 1 byte] [LSN: 8 bytes] [Length: 4 bytes] [Payload: Length bytes]
// Payload for Insert: [ID: 8 bytes] [Dim: 4 bytes] [Vector: Dim*4 bytes]
// Payload for Delete: [ID: 8 bytes]
// The CRC covers everything after the CRC field.
func (r *Record) AppendEncode(dst []byte) []byte {
	start := len(dst)
	dst = append(dst, 0, 0, 0, 0) // CRC placeholder
	dst = append(dst, byte(r.Type))
	dst = binary.LittleEndian.AppendUint64(dst, r.LSN)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(r.payloadLen()))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(r.ID))
	if r.Type == RecordTypeInsert {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(r.Vector)))
		for _, v := range r.Vector {
			dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
		}
	}
	binary.LittleEndian.PutUint32(dst[start:], crc32.ChecksumIEEE(dst[start+4:]))
	return dst
}

// Encode writes the record to w.
func (r *Record) Encode(w io.Writer) error {
	_, err := w.Write(r.AppendEncode(make([]byte, 0, r.Size())))
	return err
}

// Decode reads a record from r. It returns the number of bytes consumed.
// A clean end of input at a record boundary returns io.EOF.
func Decode(r io.Reader) (*Record, int64, error) {
	header := make([]byte, recordHeaderSize)
	if n, err := io.ReadFull(r, header); err != nil {
		return nil, int64(n), err
	}

	checksum := binary.LittleEndian.Uint32(header[0:4])
	recType := RecordType(header[4])
	lsn := binary.LittleEndian.Uint64(header[5:13])
	length := binary.LittleEndian.Uint32(header[13:17])

	if length > maxRecordPayload {
		return nil, recordHeaderSize, ErrRecordTooLarge
	}

	payload := make([]byte, length)
	if n, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, recordHeaderSize + int64(n), err
	}
	consumed := recordHeaderSize + int64(length)

	crc := crc32.NewIEEE()
	crc.Write(header[4:])
	crc.Write(payload)
	if crc.Sum32() != checksum {
		return nil, consumed, ErrInvalidCRC
	}

	rec := &Record{Type: recType, LSN: lsn}
	switch recType {
	case RecordTypeInsert:
		if err := parseInsert(payload, rec); err != nil {
			return nil, consumed, err
		}
	case RecordTypeDelete:
		if len(payload) < 8 {
			return nil, consumed, ErrShortRead
		}
		rec.ID = model.ID(binary.LittleEndian.Uint64(payload))
	default:
		return nil, consumed, ErrInvalidType
	}

	return rec, consumed, nil
}

func parseInsert(payload []byte, r *Record) error {
	if len(payload) < 12 {
		return ErrShortRead
	}
	r.ID = model.ID(binary.LittleEndian.Uint64(payload))
	dim := int(binary.LittleEndian.Uint32(payload[8:]))
	if len(payload) < 12+dim*4 {
		return ErrShortRead
	}

	r.Vector = make([]float32, dim)
	off := 12
	for i := range r.Vector {
		r.Vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[off:]))
		off += 4
	}
	return nil
}
