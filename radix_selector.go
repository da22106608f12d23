package bkd

import (
	"errors"
	"fmt"

	"github.com/hupe1980/bkd/internal/bkdutil"
	"github.com/hupe1980/bkd/internal/sorter"
)

// RadixSelector partitions point slices around the value a full sort would
// place at a given position, using histogram passes over spilled points and
// in-place radix selection once points fit on heap.
//
// Keys are the split dimension's bytes, then the data-only dimensions, then
// the big-endian doc ID, so ties are broken deterministically.
type RadixSelector struct {
	cfg                 Config
	maxPointsSortInHeap int
	temp                *tempFiles

	bytesSorted     int
	offlineBuffer   []byte
	partitionBucket []int
	histogram       [256]int
	scratch         []byte
}

func newRadixSelector(cfg Config, maxPointsSortInHeap int, temp *tempFiles) *RadixSelector {
	bytesSorted := cfg.bytesPerDim + (cfg.numDims-cfg.numIndexDims)*cfg.bytesPerDim + docIDBytes
	pointsInBuffer := max(1, offlineBufferBytes/cfg.bytesPerDoc)
	return &RadixSelector{
		cfg:                 cfg,
		maxPointsSortInHeap: maxPointsSortInHeap,
		temp:                temp,
		bytesSorted:         bytesSorted,
		offlineBuffer:       make([]byte, pointsInBuffer*cfg.bytesPerDoc),
		partitionBucket:     make([]int, bytesSorted),
		scratch:             make([]byte, bytesSorted),
	}
}

// Select partitions points[from:to] so that positions before partitionPoint
// hold keys <= the key at partitionPoint and the rest hold keys >= it.
// dimCommonPrefix is a number of leading bytes of dim known to be shared by
// every point. It returns the left and right slices and the dim value at the
// partition point.
//
// Heap slices are partitioned in place and share their writer. Offline
// slices are consumed: the source file is deleted and both halves are
// written to new writers.
func (s *RadixSelector) Select(points PathSlice, from, to, partitionPoint, dim, dimCommonPrefix int) ([2]PathSlice, []byte, error) {
	var slices [2]PathSlice
	if partitionPoint < from {
		return slices, nil, invalidArgf("partitionPoint must be >= from")
	}
	if partitionPoint >= to {
		return slices, nil, invalidArgf("partitionPoint must be < to")
	}

	if heap, ok := points.Writer.(*HeapPointWriter); ok {
		value := s.heapRadixSelect(heap, dim, from, to, partitionPoint, dimCommonPrefix)
		slices[0] = PathSlice{Writer: heap, Start: from, Count: partitionPoint - from}
		slices[1] = PathSlice{Writer: heap, Start: partitionPoint, Count: to - partitionPoint}
		return slices, value, nil
	}

	offline, ok := points.Writer.(*OfflinePointWriter)
	if !ok {
		return slices, nil, fmt.Errorf("bkd: cannot select over %T", points.Writer)
	}

	left, err := s.pointWriter(partitionPoint-from, fmt.Sprintf("left%d", dim))
	if err != nil {
		return slices, nil, err
	}
	right, err := s.pointWriter(to-partitionPoint, fmt.Sprintf("right%d", dim))
	if err != nil {
		return slices, nil, errors.Join(err, left.Destroy())
	}

	value, err := s.buildHistogramAndPartition(offline, left, right, from, to, partitionPoint, 0, dimCommonPrefix, dim)
	if err = errors.Join(err, left.Close(), right.Close()); err != nil {
		return slices, nil, errors.Join(err, left.Destroy(), right.Destroy())
	}

	slices[0] = PathSlice{Writer: left, Start: 0, Count: partitionPoint - from}
	slices[1] = PathSlice{Writer: right, Start: 0, Count: to - partitionPoint}
	return slices, value, nil
}

func (s *RadixSelector) findCommonPrefixAndHistogram(points *OfflinePointWriter, from, to, dim, dimCommonPrefix int) (int, error) {
	bpd := s.cfg.bytesPerDim
	pibl := s.cfg.packedIndexBytesLength
	offset := dim * bpd
	commonPrefixPosition := s.bytesSorted
	clear(s.histogram[:])

	r, err := points.reader(from, to-from, s.offlineBuffer)
	if err != nil {
		return 0, err
	}
	defer func() { _ = r.Close() }()

	if err := mustNext(r); err != nil {
		return 0, err
	}
	first := r.PointValue().PackedValueDocIDBytes()
	copy(s.scratch[:bpd], first[offset:offset+bpd])
	copy(s.scratch[bpd:], first[pibl:s.cfg.bytesPerDoc])

	for i := from + 1; i < to; i++ {
		if err := mustNext(r); err != nil {
			return 0, err
		}
		rec := r.PointValue().PackedValueDocIDBytes()

		if commonPrefixPosition == dimCommonPrefix {
			s.histogram[s.bucket(offset, commonPrefixPosition, rec)]++
			// the prefix cannot shrink further; finish the histogram only
			for j := i + 1; j < to; j++ {
				if err := mustNext(r); err != nil {
					return 0, err
				}
				s.histogram[s.bucket(offset, commonPrefixPosition, r.PointValue().PackedValueDocIDBytes())]++
			}
			break
		}

		start := min(dimCommonPrefix, bpd)
		end := min(commonPrefixPosition, bpd)
		if j := bkdutil.Mismatch(s.scratch, start, rec, offset+start, end-start); j != -1 {
			commonPrefixPosition = dimCommonPrefix + j
			clear(s.histogram[:])
			s.histogram[s.scratch[commonPrefixPosition]] = i - from
		} else if commonPrefixPosition > bpd {
			// tie-break on data dimensions and doc ID
			if k := bkdutil.Mismatch(s.scratch, bpd, rec, pibl, commonPrefixPosition-bpd); k != -1 {
				commonPrefixPosition = bpd + k
				clear(s.histogram[:])
				s.histogram[s.scratch[commonPrefixPosition]] = i - from
			}
		}
		if commonPrefixPosition != s.bytesSorted {
			s.histogram[s.bucket(offset, commonPrefixPosition, rec)]++
		}
	}

	for i := 0; i < commonPrefixPosition; i++ {
		s.partitionBucket[i] = int(s.scratch[i])
	}
	return commonPrefixPosition, nil
}

// bucket returns the key byte at position pos of a record.
func (s *RadixSelector) bucket(offset, pos int, rec []byte) int {
	if pos < s.cfg.bytesPerDim {
		return int(rec[offset+pos])
	}
	return int(rec[s.cfg.packedIndexBytesLength+pos-s.cfg.bytesPerDim])
}

func (s *RadixSelector) buildHistogramAndPartition(points *OfflinePointWriter, left, right PointWriter, from, to, partitionPoint, iteration, baseCommonPrefix, dim int) ([]byte, error) {
	commonPrefix, err := s.findCommonPrefixAndHistogram(points, from, to, dim, baseCommonPrefix)
	if err != nil {
		return nil, s.verifyOnError(err, points)
	}

	// every key is equal; split by position
	if commonPrefix == s.bytesSorted {
		if err := s.offlinePartition(points, left, right, nil, from, to, dim, commonPrefix-1, partitionPoint-from); err != nil {
			return nil, err
		}
		return s.partitionPointFromCommonPrefix(), nil
	}

	leftCount := 0
	for i := 0; i < len(s.histogram); i++ {
		size := s.histogram[i]
		if leftCount+size > partitionPoint-from {
			s.partitionBucket[commonPrefix] = i
			break
		}
		leftCount += size
	}
	rightCount := 0
	for i := s.partitionBucket[commonPrefix] + 1; i < len(s.histogram); i++ {
		rightCount += s.histogram[i]
	}
	delta := s.histogram[s.partitionBucket[commonPrefix]]
	if debugAssertions && leftCount+rightCount+delta != to-from {
		panic(fmt.Sprintf("bkd: histogram counts %d != %d", leftCount+rightCount+delta, to-from))
	}

	// keys are equal except the last byte; split the middle bucket by position
	if commonPrefix == s.bytesSorted-1 {
		if err := s.offlinePartition(points, left, right, nil, from, to, dim, commonPrefix, partitionPoint-from-leftCount); err != nil {
			return nil, err
		}
		return s.partitionPointFromCommonPrefix(), nil
	}

	deltaPoints, err := s.deltaPointWriter(left, right, delta, iteration)
	if err != nil {
		return nil, err
	}
	err = s.offlinePartition(points, left, right, deltaPoints, from, to, dim, commonPrefix, 0)
	if err = errors.Join(err, deltaPoints.Close()); err != nil {
		return nil, errors.Join(err, deltaPoints.Destroy())
	}

	newPartitionPoint := partitionPoint - from - leftCount
	if heap, ok := deltaPoints.(*HeapPointWriter); ok {
		return s.heapPartition(heap, left, right, dim, 0, heap.Count(), newPartitionPoint, commonPrefix+1)
	}
	return s.buildHistogramAndPartition(deltaPoints.(*OfflinePointWriter), left, right, 0, deltaPoints.Count(), newPartitionPoint, iteration+1, commonPrefix+1, dim)
}

// offlinePartition routes every point by its byte at bytePosition and
// deletes the source file afterwards. Points in the partition bucket go to
// deltaPoints, or are split by position when bytePosition is the last key
// byte.
func (s *RadixSelector) offlinePartition(points *OfflinePointWriter, left, right, deltaPoints PointWriter, from, to, dim, bytePosition, numDocsTiebreak int) error {
	offset := dim * s.cfg.bytesPerDim
	tiebreakCounter := 0

	r, err := points.reader(from, to-from, s.offlineBuffer)
	if err != nil {
		return err
	}
	for {
		ok, err := r.Next()
		if err != nil {
			_ = r.Close()
			return s.verifyOnError(err, points)
		}
		if !ok {
			break
		}
		pv := r.PointValue()
		b := s.bucket(offset, bytePosition, pv.PackedValueDocIDBytes())
		switch {
		case b < s.partitionBucket[bytePosition]:
			err = left.AppendPoint(pv)
		case b > s.partitionBucket[bytePosition]:
			err = right.AppendPoint(pv)
		case bytePosition == s.bytesSorted-1:
			if tiebreakCounter < numDocsTiebreak {
				err = left.AppendPoint(pv)
				tiebreakCounter++
			} else {
				err = right.AppendPoint(pv)
			}
		default:
			err = deltaPoints.AppendPoint(pv)
		}
		if err != nil {
			_ = r.Close()
			return err
		}
	}
	if err := r.Close(); err != nil {
		return err
	}
	return points.Destroy()
}

func (s *RadixSelector) partitionPointFromCommonPrefix() []byte {
	partition := make([]byte, s.cfg.bytesPerDim)
	for i := range partition {
		partition[i] = byte(s.partitionBucket[i])
	}
	return partition
}

func (s *RadixSelector) heapPartition(points *HeapPointWriter, left, right PointWriter, dim, from, to, partitionPoint, commonPrefix int) ([]byte, error) {
	partition := s.heapRadixSelect(points, dim, from, to, partitionPoint, commonPrefix)
	for i := from; i < to; i++ {
		var err error
		if i < partitionPoint {
			err = left.AppendPoint(points.PointAt(i))
		} else {
			err = right.AppendPoint(points.PointAt(i))
		}
		if err != nil {
			return nil, err
		}
	}
	return partition, nil
}

func (s *RadixSelector) heapRadixSelect(points *HeapPointWriter, dim, from, to, partitionPoint, commonPrefixLength int) []byte {
	keys := s.heapKeys(points, dim, commonPrefixLength)
	sorter.Select(keys, from, to, partitionPoint, 0, s.bytesSorted-commonPrefixLength)

	partition := make([]byte, s.cfg.bytesPerDim)
	copy(partition, points.packedValueAt(partitionPoint)[dim*s.cfg.bytesPerDim:])
	return partition
}

// HeapRadixSort sorts points[from:to] by dim, skipping the first
// commonPrefixLength bytes shared by all of them, then by the data-only
// dimensions and the doc ID.
func (s *RadixSelector) HeapRadixSort(points *HeapPointWriter, from, to, dim, commonPrefixLength int) {
	keys := s.heapKeys(points, dim, commonPrefixLength)
	sorter.Sort(keys, from, to, 0, s.bytesSorted-commonPrefixLength)
}

func (s *RadixSelector) heapKeys(points *HeapPointWriter, dim, commonPrefixLength int) *heapKeys {
	dimCmpBytes := s.cfg.bytesPerDim - commonPrefixLength
	return &heapKeys{
		w:           points,
		dimOffset:   dim*s.cfg.bytesPerDim + commonPrefixLength,
		dimCmpBytes: dimCmpBytes,
		dataOffset:  s.cfg.packedIndexBytesLength - dimCmpBytes,
	}
}

// pointWriter picks heap storage when the points fit half the budget, since
// both halves of a partition are held at once.
func (s *RadixSelector) pointWriter(count int, desc string) (PointWriter, error) {
	if count <= s.maxPointsSortInHeap/2 {
		return NewHeapPointWriter(s.cfg, count), nil
	}
	return newOfflinePointWriter(s.cfg, s.temp, desc, count)
}

func (s *RadixSelector) deltaPointWriter(left, right PointWriter, delta, iteration int) (PointWriter, error) {
	if delta <= s.maxPointsSortInHeap-heapSize(left)-heapSize(right) {
		return NewHeapPointWriter(s.cfg, delta), nil
	}
	return newOfflinePointWriter(s.cfg, s.temp, fmt.Sprintf("delta%d", iteration), delta)
}

func (s *RadixSelector) verifyOnError(err error, w PointWriter) error {
	return verifyOnError(s.temp, w, err)
}

func heapSize(w PointWriter) int {
	if h, ok := w.(*HeapPointWriter); ok {
		return h.size
	}
	return 0
}

// verifyOnError attaches a checksum verdict to a failure that happened
// while reading an offline writer.
func verifyOnError(temp *tempFiles, w PointWriter, err error) error {
	ow, ok := w.(*OfflinePointWriter)
	if !ok || !temp.tracked(ow.name) {
		return err
	}
	if verr := temp.verify(ow.name); verr != nil {
		return errors.Join(err, verr)
	}
	return err
}

func mustNext(r PointReader) error {
	ok, err := r.Next()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bkd: point reader exhausted early")
	}
	return nil
}

// heapKeys exposes heap points as radix keys: dim bytes after the common
// prefix, then the data-only dimensions and the doc ID.
type heapKeys struct {
	w           *HeapPointWriter
	dimOffset   int
	dimCmpBytes int
	dataOffset  int
}

func (h *heapKeys) Swap(i, j int) { h.w.Swap(i, j) }

func (h *heapKeys) ByteAt(i, k int) byte {
	base := i * h.w.cfg.bytesPerDoc
	if k < h.dimCmpBytes {
		return h.w.block[base+h.dimOffset+k]
	}
	return h.w.block[base+h.dataOffset+k]
}
