package wal

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/lire/internal/fs"
	"github.com/hupe1980/lire/internal/model"
)

func replayAll(t *testing.T, w *WAL, after uint64) ([]*Record, uint64) {
	t.Helper()
	var out []*Record
	maxLSN, err := w.Replay(after, func(r *Record) error {
		out = append(out, r)
		return nil
	})
	require.NoError(t, err)
	return out, maxLSN
}

func TestWAL(t *testing.T) {
	dir := t.TempDir()

	// 1. Write records
	w, err := Open(nil, dir, DefaultOptions())
	require.NoError(t, err)
	_, _ = replayAll(t, w, 0)

	recs := []*Record{
		{Type: RecordTypeInsert, ID: 1, Vector: []float32{1.0, 2.0, 3.0}},
		{Type: RecordTypeDelete, ID: 2},
		{Type: RecordTypeInsert, ID: 3, Vector: []float32{4.0, 5.0, 6.0}},
	}

	for i, r := range recs {
		require.NoError(t, w.Append(r))
		assert.Equal(t, uint64(i+1), r.LSN)
	}
	assert.Greater(t, w.Size(), int64(0))
	require.NoError(t, w.Close())

	// 2. Read records
	w2, err := Open(nil, dir, DefaultOptions())
	require.NoError(t, err)
	defer w2.Close()

	readRecs, maxLSN := replayAll(t, w2, 0)
	assert.Equal(t, uint64(3), maxLSN)
	require.Len(t, readRecs, len(recs))
	for i, r := range recs {
		assert.Equal(t, r.Type, readRecs[i].Type)
		assert.Equal(t, r.ID, readRecs[i].ID)
		assert.Equal(t, r.LSN, readRecs[i].LSN)
		if r.Type == RecordTypeInsert {
			assert.Equal(t, r.Vector, readRecs[i].Vector)
		}
	}

	// New appends continue after the replayed LSNs in a new segment.
	rec := &Record{Type: RecordTypeDelete, ID: 9}
	require.NoError(t, w2.Append(rec))
	assert.Equal(t, uint64(4), rec.LSN)
	assert.Len(t, w2.Segments(), 2)
}

func TestWAL_ReplayAfterWatermark(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(nil, dir, Options{Durability: DurabilityAsync})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, w.Append(&Record{Type: RecordTypeDelete, ID: model.ID(i)}))
	}
	require.NoError(t, w.Close())

	w2, err := Open(nil, dir, Options{Durability: DurabilityAsync})
	require.NoError(t, err)
	defer w2.Close()

	recs, _ := replayAll(t, w2, 7)
	require.Len(t, recs, 3)
	assert.Equal(t, uint64(8), recs[0].LSN)
}

func TestWAL_TornTail(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(nil, dir, DefaultOptions())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Append(&Record{Type: RecordTypeInsert, ID: model.ID(i), Vector: []float32{1, 2}}))
	}
	require.NoError(t, w.Close())

	// Cut the last record in half.
	path := filepath.Join(dir, SegmentName(1))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-5))

	w2, err := Open(nil, dir, DefaultOptions())
	require.NoError(t, err)
	recs, maxLSN := replayAll(t, w2, 0)
	assert.Len(t, recs, 2)
	assert.Equal(t, uint64(2), maxLSN)
	require.NoError(t, w2.Close())

	// The tail was truncated at the last good record.
	info, err = os.Stat(path)
	require.NoError(t, err)
	rec := &Record{Type: RecordTypeInsert, Vector: []float32{1, 2}}
	assert.Equal(t, int64(walHeaderSize+2*rec.Size()), info.Size())
}

func TestWAL_CorruptSealedSegment(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(nil, dir, Options{Durability: DurabilityAsync, SegmentSize: 64})
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		require.NoError(t, w.Append(&Record{Type: RecordTypeInsert, ID: model.ID(i), Vector: []float32{1, 2, 3}}))
	}
	require.NoError(t, w.Close())

	segs := w.Segments()
	require.Greater(t, len(segs), 1)

	// Flip a payload byte of the oldest segment.
	data, err := os.ReadFile(segs[0])
	require.NoError(t, err)
	data[walHeaderSize+recordHeaderSize] ^= 0xff
	require.NoError(t, os.WriteFile(segs[0], data, 0o644))

	w2, err := Open(nil, dir, DefaultOptions())
	require.NoError(t, err)
	defer w2.Close()
	_, err = w2.Replay(0, func(*Record) error { return nil })
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestWAL_IncompatibleVersion(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(nil, dir, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, w.Append(&Record{Type: RecordTypeDelete, ID: 1}))
	require.NoError(t, w.Close())

	path := filepath.Join(dir, SegmentName(1))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(data[8:12], walVersion+1)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	w2, err := Open(nil, dir, DefaultOptions())
	require.NoError(t, err)
	defer w2.Close()
	_, err = w2.Replay(0, func(*Record) error { return nil })
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestWAL_RotateAndTruncate(t *testing.T) {
	dir := t.TempDir()
	clock := &model.Clock{}
	w, err := Open(nil, dir, Options{Durability: DurabilitySync, SegmentSize: 100, Clock: clock})
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, w.Append(&Record{Type: RecordTypeInsert, ID: model.ID(i), Vector: []float32{float32(i)}}))
	}
	assert.Equal(t, uint64(20), clock.Now())

	segs := w.Segments()
	require.Greater(t, len(segs), 2)

	// Nothing is covered yet.
	n, err := w.Truncate(0)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = w.Truncate(10)
	require.NoError(t, err)
	// Three records per segment: the segment starting at LSN 10 still holds 11 and 12.
	assert.Equal(t, 3, n)
	remaining := w.Segments()
	require.NotEmpty(t, remaining)
	base, ok := parseSegmentName(filepath.Base(remaining[0]))
	require.True(t, ok)
	assert.Equal(t, uint64(10), base)

	// Truncating everything seals the active segment.
	_, err = w.Truncate(20)
	require.NoError(t, err)
	assert.Empty(t, w.Segments())

	require.NoError(t, w.Append(&Record{Type: RecordTypeDelete, ID: 1}))
	assert.Equal(t, []string{filepath.Join(dir, SegmentName(21))}, w.Segments())
}

func TestWAL_GroupCommit_Concurrency(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(nil, dir, Options{Durability: DurabilitySync, SegmentSize: 4096})
	require.NoError(t, err)

	concurrency := 20
	recordsPerGoroutine := 50
	totalRecords := concurrency * recordsPerGoroutine

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < recordsPerGoroutine; j++ {
				rec := &Record{
					Type:   RecordTypeInsert,
					ID:     model.ID(id*recordsPerGoroutine + j),
					Vector: []float32{1.0, 2.0, 3.0},
				}
				assert.NoError(t, w.Append(rec))
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, w.Close())

	w2, err := Open(nil, dir, DefaultOptions())
	require.NoError(t, err)
	defer w2.Close()

	recs, maxLSN := replayAll(t, w2, 0)
	require.Len(t, recs, totalRecords)
	assert.Equal(t, uint64(totalRecords), maxLSN)
	for i, r := range recs {
		assert.Equal(t, uint64(i+1), r.LSN, "LSNs follow log order")
	}
}

func TestWAL_SyncFailureIsTerminal(t *testing.T) {
	dir := t.TempDir()
	ffs := fs.NewFaultyFS(nil)
	w, err := Open(ffs, dir, DefaultOptions())
	require.NoError(t, err)

	ffs.AddRule(segmentPrefix, fs.Fault{FailAfterBytes: -1, FailOnSync: true})
	err = w.Append(&Record{Type: RecordTypeDelete, ID: 1})
	require.Error(t, err)

	err = w.Append(&Record{Type: RecordTypeDelete, ID: 2})
	require.Error(t, err)
	_ = w.Close()
}

func TestRecord_Decode(t *testing.T) {
	r := &Record{Type: RecordTypeDelete, ID: 100, LSN: 5}
	// Header 17 + id 8
	assert.Equal(t, 25, r.Size())

	var buf bytes.Buffer
	require.NoError(t, r.Encode(&buf))
	assert.Equal(t, r.Size(), buf.Len())

	got, n, err := Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, int64(25), n)
	assert.Equal(t, r, got)

	_, _, err = Decode(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)

	_, _, err = Decode(bytes.NewReader(buf.Bytes()[:20]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	bad := bytes.Clone(buf.Bytes())
	bad[len(bad)-1] ^= 1
	_, _, err = Decode(bytes.NewReader(bad))
	assert.ErrorIs(t, err, ErrInvalidCRC)

	bad = (&Record{Type: RecordType(9), ID: 1}).AppendEncode(nil)
	_, _, err = Decode(bytes.NewReader(bad))
	assert.ErrorIs(t, err, ErrInvalidType)
}
