package manifest

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/lire/internal/blockstore"
	"github.com/hupe1980/lire/internal/compress"
	"github.com/hupe1980/lire/internal/model"
)

const (
	binaryMagic      = 0x4C4D414E // "LMAN"
	binaryHeaderSize = 16
)

// WriteBinary writes the manifest in binary format.
// Format:
// Magic (4 bytes)
// Version (2 bytes)
// Compression (2 bytes) - compress.Type of the stored payload
// Checksum (4 bytes) - CRC32 of the stored payload
// PayloadLength (4 bytes)
// Payload (see doc.go)
func (m *Manifest) WriteBinary(w io.Writer, compression compress.Type) error {
	payloadSize := 160 + len(m.CodecState)
	for _, p := range m.Partitions {
		payloadSize += 24 + 12*len(p.Extents)
	}
	pb := newPayloadBuffer(make([]byte, 0, payloadSize))

	pb.writeUint64(m.ID)
	pb.writeUint64(uint64(m.CreatedAt.UnixNano()))
	pb.writeRaw(m.IndexID[:])
	pb.writeUint32(uint32(m.Dim))
	pb.writeString(m.Metric)
	pb.writeUint8(m.Codec)
	pb.writeBool(m.Normalize)
	pb.writeUint32(m.BlockSize)
	pb.writeUint64(uint64(m.NextPartitionID))
	pb.writeUint64(m.Clock)
	pb.writeUint64(m.AppliedLSN)

	pb.writeUint32(uint32(len(m.Partitions)))
	for _, p := range m.Partitions {
		pb.writeUint64(uint64(p.ID))
		pb.writeUint64(p.Length)
		pb.writeUint32(p.Live)
		pb.writeExtents(p.Extents)
	}

	pb.writeUint32(uint32(len(m.Files)))
	for _, f := range m.Files {
		pb.writeUint32(f.No)
		pb.writeUint32(f.HighWater)
	}
	pb.writeExtents(m.Free)

	pb.writeExtents(m.Deleted.Extents)
	pb.writeUint64(m.Deleted.Length)
	pb.writeBytes(m.CodecState)

	// Check for any errors during payload construction (e.g., string too long)
	if pb.err != nil {
		return pb.err
	}

	payload := pb.buf
	if compression != compress.None {
		var err error
		if payload, err = compress.Encode(payload, compression); err != nil {
			return err
		}
	}

	header := make([]byte, binaryHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], binaryMagic)
	binary.LittleEndian.PutUint16(header[4:6], CurrentVersion)
	binary.LittleEndian.PutUint16(header[6:8], uint16(compression))
	binary.LittleEndian.PutUint32(header[8:12], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return nil
}

// ReadBinary reads the manifest from binary format.
func ReadBinary(r io.Reader) (*Manifest, error) {
	header := make([]byte, binaryHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}

	magic := binary.LittleEndian.Uint32(header[0:4])
	if magic != binaryMagic {
		return nil, fmt.Errorf("%w: invalid magic %x", ErrCorrupt, magic)
	}
	version := binary.LittleEndian.Uint16(header[4:6])
	if version != CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrIncompatibleVersion, version)
	}
	compression := compress.Type(binary.LittleEndian.Uint16(header[6:8]))
	checksum := binary.LittleEndian.Uint32(header[8:12])
	length := binary.LittleEndian.Uint32(header[12:16])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrCorrupt, err)
	}

	if crc32.ChecksumIEEE(payload) != checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	if compression != compress.None {
		raw, _, err := compress.Decode(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		payload = raw
	}

	pb := newPayloadBuffer(payload)
	m := &Manifest{Version: int(version)}

	m.ID = pb.readUint64()
	m.CreatedAt = time.Unix(0, int64(pb.readUint64()))
	copy(m.IndexID[:], pb.readRaw(len(uuid.UUID{})))
	m.Dim = int(pb.readUint32())
	m.Metric = pb.readString()
	m.Codec = pb.readUint8()
	m.Normalize = pb.readBool()
	m.BlockSize = pb.readUint32()
	m.NextPartitionID = model.PartitionID(pb.readUint64())
	m.Clock = pb.readUint64()
	m.AppliedLSN = pb.readUint64()

	numParts := pb.readCount(24)
	m.Partitions = make([]PartitionInfo, numParts)
	for i := range m.Partitions {
		m.Partitions[i].ID = model.PartitionID(pb.readUint64())
		m.Partitions[i].Length = pb.readUint64()
		m.Partitions[i].Live = pb.readUint32()
		m.Partitions[i].Extents = pb.readExtents()
	}

	numFiles := pb.readCount(8)
	m.Files = make([]blockstore.FileState, numFiles)
	for i := range m.Files {
		m.Files[i].No = pb.readUint32()
		m.Files[i].HighWater = pb.readUint32()
	}
	m.Free = pb.readExtents()

	m.Deleted.Extents = pb.readExtents()
	m.Deleted.Length = pb.readUint64()
	m.CodecState = pb.readBytes()

	if pb.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, pb.err)
	}

	return m, nil
}

type payloadBuffer struct {
	buf []byte
	pos int
	err error
}

func newPayloadBuffer(b []byte) *payloadBuffer {
	return &payloadBuffer{buf: b}
}

func (p *payloadBuffer) writeUint64(v uint64) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint64(p.buf, v)
}

func (p *payloadBuffer) writeUint32(v uint32) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint32(p.buf, v)
}

func (p *payloadBuffer) writeUint8(v uint8) {
	if p.err != nil {
		return
	}
	p.buf = append(p.buf, v)
}

func (p *payloadBuffer) writeBool(v bool) {
	if v {
		p.writeUint8(1)
		return
	}
	p.writeUint8(0)
}

func (p *payloadBuffer) writeRaw(b []byte) {
	if p.err != nil {
		return
	}
	p.buf = append(p.buf, b...)
}

func (p *payloadBuffer) writeString(s string) {
	if p.err != nil {
		return
	}
	if len(s) > 65535 {
		p.err = fmt.Errorf("string too long: %d", len(s))
		return
	}
	p.buf = binary.LittleEndian.AppendUint16(p.buf, uint16(len(s)))
	p.buf = append(p.buf, s...)
}

func (p *payloadBuffer) writeBytes(b []byte) {
	p.writeUint32(uint32(len(b)))
	p.writeRaw(b)
}

func (p *payloadBuffer) writeExtents(exts []blockstore.Extent) {
	p.writeUint32(uint32(len(exts)))
	for _, e := range exts {
		p.writeUint32(e.File)
		p.writeUint32(e.Start)
		p.writeUint32(e.Blocks)
	}
}

func (p *payloadBuffer) need(n int) bool {
	if p.err != nil {
		return false
	}
	if n < 0 || p.pos+n > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return false
	}
	return true
}

func (p *payloadBuffer) readUint64() uint64 {
	if !p.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(p.buf[p.pos:])
	p.pos += 8
	return v
}

func (p *payloadBuffer) readUint32() uint32 {
	if !p.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(p.buf[p.pos:])
	p.pos += 4
	return v
}

func (p *payloadBuffer) readUint8() uint8 {
	if !p.need(1) {
		return 0
	}
	v := p.buf[p.pos]
	p.pos++
	return v
}

func (p *payloadBuffer) readBool() bool {
	return p.readUint8() != 0
}

func (p *payloadBuffer) readRaw(n int) []byte {
	if !p.need(n) {
		return nil
	}
	b := p.buf[p.pos : p.pos+n]
	p.pos += n
	return b
}

// readCount reads an element count and checks that count elements of at
// least minSize bytes fit in the remaining payload.
func (p *payloadBuffer) readCount(minSize int) int {
	n := int(p.readUint32())
	if p.err == nil && n*minSize > len(p.buf)-p.pos {
		p.err = io.ErrUnexpectedEOF
		return 0
	}
	return n
}

func (p *payloadBuffer) readString() string {
	if !p.need(2) {
		return ""
	}
	l := int(binary.LittleEndian.Uint16(p.buf[p.pos:]))
	p.pos += 2
	return string(p.readRaw(l))
}

func (p *payloadBuffer) readBytes() []byte {
	n := int(p.readUint32())
	b := p.readRaw(n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (p *payloadBuffer) readExtents() []blockstore.Extent {
	n := p.readCount(12)
	if n == 0 {
		return nil
	}
	exts := make([]blockstore.Extent, n)
	for i := range exts {
		exts[i].File = p.readUint32()
		exts[i].Start = p.readUint32()
		exts[i].Blocks = p.readUint32()
	}
	return exts
}
