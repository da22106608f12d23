package bkd

import (
	"context"
	"math"
	"os"

	"github.com/hupe1980/bkd/internal/fs"
	"github.com/hupe1980/bkd/resource"
)

type writerOptions struct {
	maxMBSortInHeap float64
	tempDir         string
	tempPrefix      string
	fs              fs.FileSystem
	rc              *resource.Controller
	logger          *Logger
	metrics         MetricsCollector
	ctx             context.Context
	maxDoc          int
	formatVersion   int
}

// WriterOption configures a Writer.
type WriterOption func(*writerOptions)

// WithMaxMBSortInHeap sets how much heap the build may use for sorting and
// selecting points before spilling to temp files. Defaults to 16.
func WithMaxMBSortInHeap(mb float64) WriterOption {
	return func(o *writerOptions) {
		o.maxMBSortInHeap = mb
	}
}

// WithTempDir sets the directory for offline point files.
// Defaults to os.TempDir().
func WithTempDir(dir string) WriterOption {
	return func(o *writerOptions) {
		o.tempDir = dir
	}
}

// WithTempPrefix sets the name prefix of offline point files.
func WithTempPrefix(prefix string) WriterOption {
	return func(o *writerOptions) {
		o.tempPrefix = prefix
	}
}

// withFileSystem swaps the file system used for temp files.
func withFileSystem(fsys fs.FileSystem) WriterOption {
	return func(o *writerOptions) {
		o.fs = fsys
	}
}

// WithResourceController bounds build memory and throttles temp file IO.
func WithResourceController(rc *resource.Controller) WriterOption {
	return func(o *writerOptions) {
		o.rc = rc
	}
}

// WithLogger configures structured logging for builds.
// Pass nil to disable logging.
func WithLogger(logger *Logger) WriterOption {
	return func(o *writerOptions) {
		o.logger = logger
	}
}

// WithMetrics configures the build metrics collector.
func WithMetrics(mc MetricsCollector) WriterOption {
	return func(o *writerOptions) {
		o.metrics = mc
	}
}

// WithContext sets the context used for IO throttling, memory reservations
// and log records.
func WithContext(ctx context.Context) WriterOption {
	return func(o *writerOptions) {
		o.ctx = ctx
	}
}

// WithMaxDoc sets the exclusive upper bound for doc IDs accepted by Add.
func WithMaxDoc(maxDoc int) WriterOption {
	return func(o *writerOptions) {
		o.maxDoc = maxDoc
	}
}

// withFormatVersion writes an older format version. Trees before
// versionMetaFile keep their metadata in the index stream, so meta and index
// must be the same Output.
func withFormatVersion(version int) WriterOption {
	return func(o *writerOptions) {
		o.formatVersion = version
	}
}

func applyWriterOptions(optFns []WriterOption) writerOptions {
	o := writerOptions{
		maxMBSortInHeap: DefaultMaxMBSortInHeap,
		tempDir:         os.TempDir(),
		tempPrefix:      "bkd",
		fs:              fs.Default,
		logger:          NoopLogger(),
		metrics:         NoopMetricsCollector{},
		ctx:             context.Background(),
		maxDoc:          math.MaxInt32,
		formatVersion:   VersionCurrent,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.metrics == nil {
		o.metrics = NoopMetricsCollector{}
	}
	if o.ctx == nil {
		o.ctx = context.Background()
	}
	if o.fs == nil {
		o.fs = fs.Default
	}
	return o
}

type readerOptions struct {
	logger  *Logger
	metrics MetricsCollector
	rc      *resource.Controller
	ctx     context.Context
}

// ReaderOption configures a Reader.
type ReaderOption func(*readerOptions)

// WithReaderLogger configures structured logging for readers.
func WithReaderLogger(logger *Logger) ReaderOption {
	return func(o *readerOptions) {
		o.logger = logger
	}
}

// WithReaderMetrics configures the query metrics collector.
func WithReaderMetrics(mc MetricsCollector) ReaderOption {
	return func(o *readerOptions) {
		o.metrics = mc
	}
}

// WithReaderResourceController bounds the workers used by IntersectParallel.
func WithReaderResourceController(rc *resource.Controller) ReaderOption {
	return func(o *readerOptions) {
		o.rc = rc
	}
}

// WithReaderContext sets the context used for log records.
func WithReaderContext(ctx context.Context) ReaderOption {
	return func(o *readerOptions) {
		o.ctx = ctx
	}
}

func applyReaderOptions(optFns []ReaderOption) readerOptions {
	o := readerOptions{
		logger:  NoopLogger(),
		metrics: NoopMetricsCollector{},
		ctx:     context.Background(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.metrics == nil {
		o.metrics = NoopMetricsCollector{}
	}
	if o.ctx == nil {
		o.ctx = context.Background()
	}
	return o
}
