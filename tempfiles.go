package bkd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/hupe1980/bkd/internal/fs"
	ihash "github.com/hupe1980/bkd/internal/hash"
	"github.com/hupe1980/bkd/internal/store"
	"github.com/hupe1980/bkd/resource"
)

// tempFiles creates and tracks the offline point files of one build.
type tempFiles struct {
	mu      sync.Mutex
	fs      fs.FileSystem
	dir     string
	prefix  string
	counter int
	created map[string]struct{}
	madeDir bool

	ctx     context.Context
	rc      *resource.Controller
	logger  *Logger
	metrics MetricsCollector
}

func newTempFiles(o writerOptions, buildID uuid.UUID) *tempFiles {
	return &tempFiles{
		fs:      o.fs,
		dir:     o.tempDir,
		prefix:  o.tempPrefix + "_" + buildID.String(),
		created: make(map[string]struct{}),
		ctx:     o.ctx,
		rc:      o.rc,
		logger:  o.logger,
		metrics: o.metrics,
	}
}

func (t *tempFiles) create(desc string) (string, fs.File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.madeDir {
		if err := t.fs.MkdirAll(t.dir, 0o755); err != nil {
			return "", nil, fmt.Errorf("bkd: create temp dir: %w", err)
		}
		t.madeDir = true
	}
	name := filepath.Join(t.dir, fmt.Sprintf("%s_bkd_%s_%d.tmp", t.prefix, desc, t.counter))
	t.counter++

	f, err := t.fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", nil, fmt.Errorf("bkd: create temp file: %w", err)
	}
	t.created[name] = struct{}{}
	t.metrics.RecordTempFile(true)
	return name, f, nil
}

func (t *tempFiles) open(name string) (fs.File, error) {
	f, err := t.fs.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("bkd: open temp file: %w", err)
	}
	return f, nil
}

func (t *tempFiles) remove(name string) error {
	t.mu.Lock()
	_, ok := t.created[name]
	delete(t.created, name)
	t.mu.Unlock()
	if !ok {
		return nil
	}

	err := t.fs.Remove(name)
	if errors.Is(err, os.ErrNotExist) {
		err = nil
	}
	t.logger.LogTempFileDeleted(t.ctx, name, err)
	if err == nil {
		t.metrics.RecordTempFile(false)
	}
	return err
}

// removeAll deletes every file still tracked and reports the first failure.
func (t *tempFiles) removeAll() error {
	var errs []error
	for _, name := range t.files() {
		if err := t.remove(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *tempFiles) files() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.created))
	for name := range t.created {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *tempFiles) tracked(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.created[name]
	return ok
}

// verify re-reads a whole temp file and checks its footer.
func (t *tempFiles) verify(name string) error {
	f, err := t.open(name)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size < store.FooterLength {
		return corruptf(name, "temp file too short for footer: %d bytes", size)
	}

	sum := ihash.NewCRC32C()
	r := resource.NewRateLimitedReader(t.ctx, f, t.rc)
	if _, err := io.CopyN(sum, r, size-store.FooterLength); err != nil {
		return fmt.Errorf("bkd: read temp file %s: %w", name, err)
	}
	footer := make([]byte, store.FooterLength)
	if _, err := io.ReadFull(r, footer); err != nil {
		return fmt.Errorf("bkd: read temp file footer %s: %w", name, err)
	}
	return translateError(name, store.VerifyStreamFooter(name, footer, sum))
}
