// Package hotpatch owns the worker file and the live worker table.
//
// Update runs the whole patch sequence under one lock:
//
//	delete stale backup → back up current content → replace file
//	  → verify digest → build table → swap table
//	                 ↘ on any failure: restore previous content
//
// Readers never take the lock. Dispatch loads the table through an atomic
// pointer and Check hashes a file that is only ever replaced by rename, so
// both observe either the old or the new version.
package hotpatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"patchwire/action"
)

var (
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrEmptyUpdate      = errors.New("update has no content")
)

// Builder turns worker file content into a worker table.
type Builder interface {
	Build(content []byte) (*action.Table, error)
}

type loaded struct {
	table *action.Table
	sum   string
}

// Patcher is the sole writer of the worker file and the worker table.
type Patcher struct {
	log        *zap.SugaredLogger
	path       string
	backupPath string
	digest     Digest
	builder    Builder
	bootstrap  []byte

	mu      sync.Mutex // update lock, serialises every write to file and table
	current atomic.Pointer[loaded]
}

type Option func(p *Patcher)

func WithLogger(l *zap.Logger) Option {
	return func(p *Patcher) {
		p.log = l.Named("hotpatch").Sugar()
	}
}

func WithDigest(d Digest) Option {
	return func(p *Patcher) {
		p.digest = d
	}
}

// WithBackupPath overrides the default "<path>.bak".
func WithBackupPath(path string) Option {
	return func(p *Patcher) {
		p.backupPath = path
	}
}

// WithBootstrap writes content to the worker file when it does not exist yet.
func WithBootstrap(content []byte) Option {
	return func(p *Patcher) {
		p.bootstrap = content
	}
}

// Open loads the worker file at path and builds the initial table.
func Open(path string, builder Builder, opts ...Option) (*Patcher, error) {
	p := &Patcher{
		log:        zap.NewNop().Sugar(),
		path:       path,
		backupPath: path + ".bak",
		digest:     MD5,
		builder:    builder,
	}
	for _, o := range opts {
		o(p)
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && p.bootstrap != nil {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating worker directory: %w", err)
		}
		if err := writeFileAtomic(path, p.bootstrap, 0o644); err != nil {
			return nil, fmt.Errorf("writing initial worker file: %w", err)
		}
		p.log.Infow("wrote initial worker file", "path", path)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading worker file: %w", err)
	}
	table, err := builder.Build(content)
	if err != nil {
		return nil, fmt.Errorf("loading worker file %s: %w", path, err)
	}
	p.current.Store(&loaded{table: table, sum: p.digest.Sum(content)})
	p.log.Infow("worker loaded", "path", path, "version", table.Version(), "actions", table.Len())
	return p, nil
}

// Current returns the live worker table.
func (p *Patcher) Current() *action.Table {
	return p.current.Load().table
}

// Path returns the worker file path.
func (p *Patcher) Path() string {
	return p.path
}

// BackupPath returns where the previous worker content is kept.
func (p *Patcher) BackupPath() string {
	return p.backupPath
}

// Digest returns the algorithm used for checksums.
func (p *Patcher) Digest() Digest {
	return p.digest
}

// Update replaces the worker with content, provided the written file hashes
// to checksum and builds into a table. On failure the previous content is
// restored and the live table is left untouched.
func (p *Patcher) Update(ctx context.Context, content []byte, checksum string) error {
	if len(content) == 0 {
		return ErrEmptyUpdate
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.Remove(p.backupPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing stale backup: %w", err)
	}

	previous, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("reading current worker: %w", err)
	}
	mode := fileMode(p.path)
	if err := writeFileAtomic(p.backupPath, previous, mode); err != nil {
		return fmt.Errorf("writing backup: %w", err)
	}

	table, sum, err := p.replace(content, checksum, mode)
	if err != nil {
		p.log.Warnw("worker update failed, restoring previous version", "error", err)
		if restoreErr := writeFileAtomic(p.path, previous, mode); restoreErr != nil {
			p.log.Errorw("restoring worker failed", "error", restoreErr, "backup", p.backupPath)
			return errors.Join(err, fmt.Errorf("restoring previous worker: %w", restoreErr))
		}
		return err
	}

	old := p.current.Swap(&loaded{table: table, sum: sum})
	p.log.Infow("worker updated",
		"from", old.table.Version(),
		"to", table.Version(),
		"digest", p.digest.String(),
		"sum", sum,
	)
	return nil
}

// replace writes content over the worker file, then verifies what landed on
// disk and builds the table from it.
func (p *Patcher) replace(content []byte, checksum string, mode os.FileMode) (*action.Table, string, error) {
	if err := writeFileAtomic(p.path, content, mode); err != nil {
		return nil, "", err
	}

	written, err := os.ReadFile(p.path)
	if err != nil {
		return nil, "", fmt.Errorf("reading back worker: %w", err)
	}
	sum := p.digest.Sum(written)
	if !Matches(sum, checksum) {
		return nil, "", fmt.Errorf("%w: got %s (%s), expected %s", ErrChecksumMismatch, sum, p.digest, checksum)
	}

	table, err := p.builder.Build(written)
	if err != nil {
		return nil, "", fmt.Errorf("building worker: %w", err)
	}
	return table, sum, nil
}

// Check reports whether the worker file currently hashes to checksum.
func (p *Patcher) Check(checksum string) (bool, error) {
	sum, err := p.digest.SumFile(p.path)
	if err != nil {
		return false, err
	}
	p.log.Debugw("worker checksum", "current", sum, "provided", checksum)
	return Matches(sum, checksum), nil
}

// Reload rebuilds the table from the worker file when its content differs
// from the loaded version. A file that fails to build leaves the live table
// in place.
func (p *Patcher) Reload(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	content, err := os.ReadFile(p.path)
	if err != nil {
		return false, fmt.Errorf("reading worker file: %w", err)
	}
	sum := p.digest.Sum(content)
	if sum == p.current.Load().sum {
		return false, nil
	}

	table, err := p.builder.Build(content)
	if err != nil {
		return false, fmt.Errorf("building worker: %w", err)
	}
	p.current.Store(&loaded{table: table, sum: sum})
	p.log.Infow("worker reloaded", "version", table.Version(), "sum", sum)
	return true, nil
}
