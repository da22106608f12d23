package bkd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"lukechampine.com/blake3"

	"github.com/hupe1980/bkd/blobstore"
	"github.com/hupe1980/bkd/resource"
)

// Codec names and version of the envelope each persisted stream is wrapped
// in. The tree format itself is versioned by the meta stream.
const (
	metaCodec  = "BKDPointsMeta"
	indexCodec = "BKDPointsIndex"
	dataCodec  = "BKDPointsData"

	storeFormatVersion = 1

	descriptorSuffix = ".bkd.yaml"
)

// ErrTreeExists is returned by WriteTree when a tree is already committed
// under the name.
var ErrTreeExists = errors.New("bkd: tree already exists")

// BuildFunc writes a tree to the three streams, leaf blocks to data first.
// It returns the deferred index writer, or nil if there were no points.
// Writer.Finish, Writer.WriteField and Writer.Merge all fit.
type BuildFunc func(meta, index, data *Output) (func() error, error)

// TreeDescriptor is the committed record of a persisted tree.
type TreeDescriptor struct {
	FormatVersion int              `yaml:"formatVersion"`
	TreeVersion   int              `yaml:"treeVersion"`
	BuildID       string           `yaml:"buildID"`
	CreatedAt     time.Time        `yaml:"createdAt"`
	Config        DescriptorConfig `yaml:"config"`
	PointCount    int64            `yaml:"pointCount"`
	DocCount      int              `yaml:"docCount"`
	NumLeaves     int              `yaml:"numLeaves"`
	Compression   Compression      `yaml:"compression"`
	Meta          StreamInfo       `yaml:"meta"`
	Index         StreamInfo       `yaml:"index"`
	Data          StreamInfo       `yaml:"data"`
}

// DescriptorConfig mirrors Config in the descriptor.
type DescriptorConfig struct {
	NumDims             int `yaml:"numDims"`
	NumIndexDims        int `yaml:"numIndexDims"`
	BytesPerDim         int `yaml:"bytesPerDim"`
	MaxPointsInLeafNode int `yaml:"maxPointsInLeafNode"`
}

// StreamInfo locates one stream and fingerprints its stored bytes.
type StreamInfo struct {
	Blob       string `yaml:"blob"`
	Size       int64  `yaml:"size"`
	StoredSize int64  `yaml:"storedSize"`
	Digest     string `yaml:"blake3"`
}

type storeOptions struct {
	compression   Compression
	verifyDigests bool
	buildID       uuid.UUID
	rc            *resource.Controller
	logger        *Logger
	reader        []ReaderOption
}

// StoreOption configures WriteTree and OpenTree.
type StoreOption func(*storeOptions)

// WithCompression compresses every stream written by WriteTree.
func WithCompression(c Compression) StoreOption {
	return func(o *storeOptions) { o.compression = c }
}

// WithVerifyDigests controls whether OpenTree checks BLAKE3 digests and
// stream checksums before use. Defaults to true.
func WithVerifyDigests(verify bool) StoreOption {
	return func(o *storeOptions) { o.verifyDigests = verify }
}

// WithBuildID records id in the descriptor and blob names, typically
// Writer.BuildID. Defaults to a fresh random ID.
func WithBuildID(id uuid.UUID) StoreOption {
	return func(o *storeOptions) { o.buildID = id }
}

// WithStoreResourceController throttles blob writes and reads through rc.
func WithStoreResourceController(rc *resource.Controller) StoreOption {
	return func(o *storeOptions) { o.rc = rc }
}

// WithStoreLogger sets the logger for commits and deletes.
func WithStoreLogger(logger *Logger) StoreOption {
	return func(o *storeOptions) { o.logger = logger }
}

// WithReaderOptions passes options to the Reader opened by OpenTree.
func WithReaderOptions(opts ...ReaderOption) StoreOption {
	return func(o *storeOptions) { o.reader = append(o.reader, opts...) }
}

func applyStoreOptions(optFns []StoreOption) storeOptions {
	o := storeOptions{verifyDigests: true, buildID: uuid.New()}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	return o
}

func descriptorName(name string) string { return name + descriptorSuffix }

// WriteTree runs build against fresh blobs of bs and commits the result as
// tree name. The descriptor is written last and only if no tree exists
// under name; until then the tree is not visible to OpenTree. On failure
// every blob written so far is removed.
func WriteTree(ctx context.Context, bs blobstore.BlobStore, name string, build BuildFunc, optFns ...StoreOption) (err error) {
	opts := applyStoreOptions(optFns)
	if name == "" || strings.ContainsAny(name, "/\\") {
		return invalidArgf("tree name %q must be non-empty and contain no path separators", name)
	}
	if _, err := readDescriptor(ctx, bs, name); err == nil {
		return fmt.Errorf("%w: %s", ErrTreeExists, name)
	} else if !errors.Is(err, ErrTreeNotFound) {
		return err
	}

	start := time.Now()
	w := &treeWriter{ctx: ctx, bs: bs, opts: opts, prefix: name + "." + opts.buildID.String()}
	defer func() {
		if err != nil {
			err = errors.Join(err, w.cleanup())
		}
		opts.logger.LogCommit(ctx, name, opts.buildID.String(), w.storedBytes(), time.Since(start), err)
	}()

	data, err := w.open("kdd", dataCodec)
	if err != nil {
		return err
	}
	meta := newMetaSink(metaCodec)
	index := newMetaSink(indexCodec)

	finalize, err := build(meta.out, index.out, data.out)
	if err != nil {
		return err
	}
	if finalize == nil {
		return ErrEmptyTree
	}
	if err := finalize(); err != nil {
		return err
	}
	desc := TreeDescriptor{
		FormatVersion: storeFormatVersion,
		BuildID:       opts.buildID.String(),
		CreatedAt:     time.Now().UTC(),
		Compression:   opts.compression,
	}
	if desc.Data, err = data.commit(); err != nil {
		return err
	}
	if err := meta.finish(); err != nil {
		return err
	}
	if err := index.finish(); err != nil {
		return err
	}
	if err := summarize(&desc, meta.bytes(), index.bytes()); err != nil {
		return err
	}
	if desc.Index, err = w.put("kdi", index.bytes()); err != nil {
		return err
	}
	if desc.Meta, err = w.put("kdm", meta.bytes()); err != nil {
		return err
	}

	raw, err := yaml.Marshal(&desc)
	if err != nil {
		return fmt.Errorf("bkd: encode descriptor: %w", err)
	}
	if err := blobstore.PutIfAbsent(ctx, bs, descriptorName(name), raw); err != nil {
		if errors.Is(err, blobstore.ErrConflict) {
			return fmt.Errorf("%w: %s", ErrTreeExists, name)
		}
		return err
	}
	return nil
}

// summarize fills the tree fields of desc by opening the meta and index
// streams. A current-version reader never touches data while opening.
func summarize(desc *TreeDescriptor, metaBytes, indexBytes []byte) error {
	meta := NewInput(metaCodec, metaBytes)
	index := NewInput(indexCodec, indexBytes)
	if err := skipEnvelope(meta, metaCodec); err != nil {
		return err
	}
	if err := skipEnvelope(index, indexCodec); err != nil {
		return err
	}
	r, err := openReader(meta, index, NewInput(dataCodec, nil), applyReaderOptions(nil))
	if err != nil {
		return err
	}
	desc.TreeVersion = r.version
	desc.PointCount = r.pointCount
	desc.DocCount = r.docCount
	desc.NumLeaves = r.numLeaves
	desc.Config = DescriptorConfig{
		NumDims:             r.cfg.numDims,
		NumIndexDims:        r.cfg.numIndexDims,
		BytesPerDim:         r.cfg.bytesPerDim,
		MaxPointsInLeafNode: r.cfg.maxPointsInLeafNode,
	}
	return nil
}

func skipEnvelope(in *Input, codec string) error {
	_, err := in.CheckHeader(codec, storeFormatVersion, storeFormatVersion)
	return translateError(in.Name(), err)
}

// treeWriter tracks the blobs of one WriteTree call.
type treeWriter struct {
	ctx     context.Context
	bs      blobstore.BlobStore
	opts    storeOptions
	prefix  string
	written []string
	sinks   []*blobSink
	stored  int64
}

func (w *treeWriter) blobName(ext string) string { return w.prefix + "." + ext }

// open starts a streamed blob wrapped in the codec envelope.
func (w *treeWriter) open(ext, codec string) (*blobSink, error) {
	name := w.blobName(ext)
	wb, err := w.bs.Create(w.ctx, name)
	if err != nil {
		return nil, err
	}
	w.written = append(w.written, name)
	s := newBlobSink(w.ctx, name, wb, w.opts)
	w.sinks = append(w.sinks, s)
	s.out = NewOutput(name, s)
	s.out.WriteHeader(codec, storeFormatVersion)
	return s, nil
}

// put writes an already enveloped stream as one blob.
func (w *treeWriter) put(ext string, stream []byte) (StreamInfo, error) {
	name := w.blobName(ext)
	wb, err := w.bs.Create(w.ctx, name)
	if err != nil {
		return StreamInfo{}, err
	}
	w.written = append(w.written, name)
	s := newBlobSink(w.ctx, name, wb, w.opts)
	w.sinks = append(w.sinks, s)
	if _, err := s.Write(stream); err != nil {
		return StreamInfo{}, err
	}
	return s.close()
}

func (w *treeWriter) storedBytes() int64 {
	var n int64
	for _, s := range w.sinks {
		n += s.stored
	}
	return n
}

// cleanup aborts unfinished blobs and deletes the ones already published.
func (w *treeWriter) cleanup() error {
	var errs []error
	for _, s := range w.sinks {
		if !s.closed {
			errs = append(errs, blobstore.Abort(s.w))
		}
	}
	ctx := context.WithoutCancel(w.ctx)
	for _, name := range w.written {
		errs = append(errs, w.bs.Delete(ctx, name))
	}
	return errors.Join(errs...)
}

// metaSink buffers a small stream in memory.
type metaSink struct {
	out *Output
}

func newMetaSink(codec string) *metaSink {
	s := &metaSink{out: NewMemoryOutput(codec)}
	s.out.WriteHeader(codec, storeFormatVersion)
	return s
}

func (s *metaSink) finish() error { return s.out.WriteFooter() }

func (s *metaSink) bytes() []byte { return s.out.Bytes() }

// blobSink hashes, optionally compresses and forwards stream bytes to a
// writable blob.
type blobSink struct {
	name   string
	w      blobstore.WritableBlob
	dst    io.Writer
	out    *Output
	hash   *blake3.Hasher
	comp   Compression
	block  []byte
	frame  []byte
	size   int64
	stored int64
	closed bool
}

func newBlobSink(ctx context.Context, name string, wb blobstore.WritableBlob, opts storeOptions) *blobSink {
	s := &blobSink{
		name: name,
		w:    wb,
		dst:  wb,
		hash: blake3.New(32, nil),
		comp: opts.compression,
	}
	if opts.rc != nil {
		s.dst = resource.NewRateLimitedWriter(ctx, wb, opts.rc)
	}
	return s
}

func (s *blobSink) Write(p []byte) (int, error) {
	s.size += int64(len(p))
	if s.comp == CompressionNone {
		if err := s.emit(p); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	n := len(p)
	for len(p) > 0 {
		take := min(compressionBlockSize-len(s.block), len(p))
		s.block = append(s.block, p[:take]...)
		p = p[take:]
		if len(s.block) == compressionBlockSize {
			if err := s.flushBlock(); err != nil {
				return 0, err
			}
		}
	}
	return n, nil
}

func (s *blobSink) flushBlock() error {
	if len(s.block) == 0 {
		return nil
	}
	var err error
	if s.frame, err = appendBlock(s.frame[:0], s.block, s.comp); err != nil {
		return err
	}
	s.block = s.block[:0]
	return s.emit(s.frame)
}

func (s *blobSink) emit(p []byte) error {
	_, _ = s.hash.Write(p)
	n, err := s.dst.Write(p)
	s.stored += int64(n)
	return err
}

// commit writes the footer of a streamed blob and publishes it.
func (s *blobSink) commit() (StreamInfo, error) {
	if err := s.out.WriteFooter(); err != nil {
		return StreamInfo{}, err
	}
	return s.close()
}

func (s *blobSink) close() (StreamInfo, error) {
	if err := s.flushBlock(); err != nil {
		return StreamInfo{}, err
	}
	if err := s.w.Sync(); err != nil {
		return StreamInfo{}, err
	}
	s.closed = true
	if err := s.w.Close(); err != nil {
		return StreamInfo{}, err
	}
	return StreamInfo{
		Blob:       s.name,
		Size:       s.size,
		StoredSize: s.stored,
		Digest:     hex.EncodeToString(s.hash.Sum(nil)),
	}, nil
}

// Tree is a persisted tree opened by OpenTree. It embeds the Reader over
// the tree's streams, which stay valid until Close.
type Tree struct {
	*Reader
	name  string
	desc  TreeDescriptor
	blobs []blobstore.Blob
}

// Name returns the name the tree was committed under.
func (t *Tree) Name() string { return t.name }

// Descriptor returns the committed descriptor.
func (t *Tree) Descriptor() TreeDescriptor { return t.desc }

// Close releases the backing blobs. The Reader must not be used afterwards.
func (t *Tree) Close() error {
	var errs []error
	for _, b := range t.blobs {
		errs = append(errs, b.Close())
	}
	t.blobs = nil
	return errors.Join(errs...)
}

// OpenTree opens the tree committed under name.
func OpenTree(ctx context.Context, bs blobstore.BlobStore, name string, optFns ...StoreOption) (*Tree, error) {
	opts := applyStoreOptions(optFns)
	desc, err := readDescriptor(ctx, bs, name)
	if err != nil {
		return nil, err
	}
	if desc.FormatVersion != storeFormatVersion {
		return nil, corruptf(descriptorName(name), "unsupported descriptor version %d", desc.FormatVersion)
	}

	t := &Tree{name: name, desc: desc}
	streams := make([]*Input, 3)
	for i, s := range []struct {
		info  StreamInfo
		codec string
	}{{desc.Meta, metaCodec}, {desc.Index, indexCodec}, {desc.Data, dataCodec}} {
		if streams[i], err = t.loadStream(ctx, bs, s.info, s.codec, opts); err != nil {
			return nil, errors.Join(err, t.Close())
		}
	}

	readerOpts := append([]ReaderOption{WithReaderContext(ctx), WithReaderLogger(opts.logger)}, opts.reader...)
	if t.Reader, err = NewReader(streams[0], streams[1], streams[2], readerOpts...); err != nil {
		return nil, errors.Join(err, t.Close())
	}
	if t.pointCount != desc.PointCount || t.docCount != desc.DocCount {
		err := corruptf(descriptorName(name), "descriptor counts points=%d docs=%d, tree has points=%d docs=%d",
			desc.PointCount, desc.DocCount, t.pointCount, t.docCount)
		return nil, errors.Join(err, t.Close())
	}
	return t, nil
}

func (t *Tree) loadStream(ctx context.Context, bs blobstore.BlobStore, info StreamInfo, codec string, opts storeOptions) (*Input, error) {
	b, err := bs.Open(ctx, info.Blob)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, corruptf(info.Blob, "committed blob is missing")
		}
		return nil, err
	}
	t.blobs = append(t.blobs, b)
	if b.Size() != info.StoredSize {
		return nil, corruptf(info.Blob, "blob has %d bytes, descriptor says %d", b.Size(), info.StoredSize)
	}
	if opts.rc != nil {
		if err := opts.rc.AcquireIO(ctx, int(min(info.StoredSize, maxArrayLength))); err != nil {
			return nil, err
		}
	}
	stored, err := blobstore.ReadAll(ctx, b)
	if err != nil {
		return nil, err
	}
	if opts.verifyDigests {
		sum := blake3.Sum256(stored)
		if got := hex.EncodeToString(sum[:]); got != info.Digest {
			return nil, corruptf(info.Blob, "blake3 digest mismatch: got %s want %s", got, info.Digest)
		}
	}
	data := stored
	if t.desc.Compression != CompressionNone {
		if data, err = decompressStream(info.Blob, stored, t.desc.Compression, info.Size); err != nil {
			return nil, err
		}
	}
	in := NewInput(info.Blob, data)
	// Meta and index footers are always checked; the data footer costs a
	// pass over every leaf and follows the digest setting.
	if codec != dataCodec || opts.verifyDigests {
		if err := in.VerifyFooter(); err != nil {
			return nil, translateError(info.Blob, err)
		}
	}
	if err := skipEnvelope(in, codec); err != nil {
		return nil, err
	}
	return in, nil
}

func readDescriptor(ctx context.Context, bs blobstore.BlobStore, name string) (TreeDescriptor, error) {
	var desc TreeDescriptor
	b, err := bs.Open(ctx, descriptorName(name))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return desc, fmt.Errorf("%w: %s", ErrTreeNotFound, name)
		}
		return desc, err
	}
	defer func() { _ = b.Close() }()
	raw, err := blobstore.ReadAll(ctx, b)
	if err != nil {
		return desc, err
	}
	if err := yaml.Unmarshal(raw, &desc); err != nil {
		return desc, &CorruptIndexError{Resource: descriptorName(name), Msg: "malformed descriptor", cause: err}
	}
	return desc, nil
}

// DeleteTree removes the tree committed under name. The descriptor goes
// first, so a partially deleted tree is no longer visible.
func DeleteTree(ctx context.Context, bs blobstore.BlobStore, name string, optFns ...StoreOption) error {
	opts := applyStoreOptions(optFns)
	desc, err := readDescriptor(ctx, bs, name)
	if err != nil {
		return err
	}
	if err := bs.Delete(ctx, descriptorName(name)); err != nil {
		return err
	}
	var errs []error
	for _, s := range []StreamInfo{desc.Data, desc.Index, desc.Meta} {
		errs = append(errs, bs.Delete(ctx, s.Blob))
	}
	err = errors.Join(errs...)
	opts.logger.LogDelete(ctx, name, err)
	return err
}

// ListTrees returns the names of all committed trees in bs.
func ListTrees(ctx context.Context, bs blobstore.BlobStore) ([]string, error) {
	blobs, err := bs.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, b := range blobs {
		if name, ok := strings.CutSuffix(b, descriptorSuffix); ok && !strings.Contains(name, "/") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
