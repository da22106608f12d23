package bkd

import (
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/hupe1980/bkd/internal/fs"
	ihash "github.com/hupe1980/bkd/internal/hash"
	"github.com/hupe1980/bkd/internal/store"
	"github.com/hupe1980/bkd/resource"
)

// offlineBufferBytes sizes the read buffer of offline point readers.
const offlineBufferBytes = 8 << 10

// OfflinePointWriter spills points to a temp file as fixed-size records
// (packed value, big-endian doc ID) followed by a checksum footer.
type OfflinePointWriter struct {
	cfg           Config
	temp          *tempFiles
	name          string
	file          fs.File
	out           *store.Output
	count         int
	expectedCount int
	closed        bool
	destroyed     bool
	docID         [docIDBytes]byte
}

// newOfflinePointWriter creates a temp file for the points. expectedCount
// is an upper bound, or 0 if unknown.
func newOfflinePointWriter(cfg Config, temp *tempFiles, desc string, expectedCount int) (*OfflinePointWriter, error) {
	name, f, err := temp.create(desc)
	if err != nil {
		return nil, err
	}
	temp.logger.LogSpill(temp.ctx, name, expectedCount)
	return &OfflinePointWriter{
		cfg:           cfg,
		temp:          temp,
		name:          name,
		file:          f,
		out:           store.NewOutput(name, resource.NewRateLimitedWriter(temp.ctx, f, temp.rc)),
		expectedCount: expectedCount,
	}, nil
}

// Name returns the temp file name.
func (w *OfflinePointWriter) Name() string { return w.name }

// Append implements PointWriter.
func (w *OfflinePointWriter) Append(packedValue []byte, docID int) error {
	if w.closed {
		return fmt.Errorf("bkd: append to closed offline point writer %s", w.name)
	}
	if len(packedValue) != w.cfg.packedBytesLength {
		return fmt.Errorf("%w: got %d want %d", ErrPackedValueLength, len(packedValue), w.cfg.packedBytesLength)
	}
	if w.expectedCount > 0 && w.count >= w.expectedCount {
		return fmt.Errorf("bkd: offline point writer %s expected at most %d points", w.name, w.expectedCount)
	}
	w.out.WriteBytes(packedValue)
	putDocID(w.docID[:], docID)
	w.out.WriteBytes(w.docID[:])
	w.count++
	return w.out.Err()
}

// AppendPoint implements PointWriter.
func (w *OfflinePointWriter) AppendPoint(p PointValue) error {
	if w.closed {
		return fmt.Errorf("bkd: append to closed offline point writer %s", w.name)
	}
	if w.expectedCount > 0 && w.count >= w.expectedCount {
		return fmt.Errorf("bkd: offline point writer %s expected at most %d points", w.name, w.expectedCount)
	}
	w.out.WriteBytes(p.PackedValueDocIDBytes()[:w.cfg.bytesPerDoc])
	w.count++
	return w.out.Err()
}

// Count implements PointWriter.
func (w *OfflinePointWriter) Count() int { return w.count }

// Close writes the footer and closes the file.
func (w *OfflinePointWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.out.WriteFooter()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("bkd: close offline point writer %s: %w", w.name, err)
	}
	w.temp.metrics.RecordSpill(w.out.FilePointer())
	return nil
}

// Destroy deletes the temp file.
func (w *OfflinePointWriter) Destroy() error {
	if w.destroyed {
		return nil
	}
	w.destroyed = true
	var cerr error
	if !w.closed {
		w.closed = true
		cerr = w.file.Close()
	}
	return errors.Join(cerr, w.temp.remove(w.name))
}

// Reader implements PointWriter.
func (w *OfflinePointWriter) Reader(start, length int) (PointReader, error) {
	return w.reader(start, length, nil)
}

// reader opens a reader using buf, which must hold at least one record, for
// buffering. A nil buf allocates one.
func (w *OfflinePointWriter) reader(start, length int, buf []byte) (*OfflinePointReader, error) {
	if !w.closed {
		return nil, fmt.Errorf("bkd: offline point writer %s is still open", w.name)
	}
	if w.destroyed {
		return nil, fmt.Errorf("bkd: offline point writer %s was destroyed", w.name)
	}
	if start < 0 || length < 0 || start+length > w.count {
		return nil, invalidArgf("reader range [%d,%d) exceeds %d points", start, start+length, w.count)
	}
	if buf == nil {
		buf = make([]byte, max(1, offlineBufferBytes/w.cfg.bytesPerDoc)*w.cfg.bytesPerDoc)
	}
	if len(buf) < w.cfg.bytesPerDoc {
		return nil, invalidArgf("read buffer of %d bytes cannot hold a %d byte record", len(buf), w.cfg.bytesPerDoc)
	}

	f, err := w.temp.open(w.name)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(int64(start)*int64(w.cfg.bytesPerDoc), io.SeekStart); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("bkd: seek temp file %s: %w", w.name, err)
	}

	r := &OfflinePointReader{
		name:        w.name,
		file:        f,
		r:           resource.NewRateLimitedReader(w.temp.ctx, f, w.temp.rc),
		buf:         buf[:len(buf)/w.cfg.bytesPerDoc*w.cfg.bytesPerDoc],
		bytesPerDoc: w.cfg.bytesPerDoc,
		countLeft:   length,
		cur:         record{packedLen: w.cfg.packedBytesLength},
	}
	if start == 0 && length == w.count {
		r.sum = ihash.NewCRC32C()
	}
	return r, nil
}

func (w *OfflinePointWriter) String() string {
	return fmt.Sprintf("OfflinePointWriter(count=%d name=%s)", w.count, w.name)
}

// OfflinePointReader streams records of a temp file through a reusable
// buffer. Reading a whole file also verifies its checksum footer.
type OfflinePointReader struct {
	name        string
	file        fs.File
	r           io.Reader
	buf         []byte
	bytesPerDoc int
	countLeft   int
	inBuffer    int
	offset      int
	cur         record
	sum         hash.Hash32
	closed      bool
}

// Next implements PointReader.
func (r *OfflinePointReader) Next() (bool, error) {
	if r.inBuffer == 0 {
		if r.countLeft == 0 {
			if r.sum != nil {
				err := r.checkFooter()
				r.sum = nil
				if err != nil {
					return false, err
				}
			}
			return false, nil
		}
		n := min(r.countLeft, len(r.buf)/r.bytesPerDoc)
		chunk := r.buf[:n*r.bytesPerDoc]
		if _, err := io.ReadFull(r.r, chunk); err != nil {
			return false, fmt.Errorf("bkd: read temp file %s: %w", r.name, err)
		}
		if r.sum != nil {
			_, _ = r.sum.Write(chunk)
		}
		r.countLeft -= n
		r.inBuffer = n
		r.offset = 0
	} else {
		r.offset += r.bytesPerDoc
	}
	r.inBuffer--
	r.cur.data = r.buf[r.offset : r.offset+r.bytesPerDoc]
	return true, nil
}

func (r *OfflinePointReader) checkFooter() error {
	footer := make([]byte, store.FooterLength)
	if _, err := io.ReadFull(r.r, footer); err != nil {
		return corruptf(r.name, "missing footer: %v", err)
	}
	return translateError(r.name, store.VerifyStreamFooter(r.name, footer, r.sum))
}

// PointValue implements PointReader.
func (r *OfflinePointReader) PointValue() PointValue { return &r.cur }

// Close implements PointReader.
func (r *OfflinePointReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}
