package engine

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

const logExt = ".jsonl"

// LogStore owns the per-namespace append-only files under a root directory.
//
// Layout:
//
//	<root>/__meta__.jsonl
//	<root>/<tenant>/<name>.jsonl
//	<root>/<tenant>/__keys__.jsonl
//
// Appends to one namespace are serialized; readers never take a lock.
type LogStore struct {
	DataDir string

	fsync  bool
	logger *zap.Logger

	mu      sync.Mutex             // protects writers
	writers map[string]*sync.Mutex // one per namespace file
}

// Option configures a LogStore.
type Option func(*LogStore)

// WithFsync makes every append call File.Sync before returning.
func WithFsync(enabled bool) Option {
	return func(s *LogStore) { s.fsync = enabled }
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(s *LogStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewLogStore initializes a store rooted at dir, creating dir if needed.
func NewLogStore(dir string, opts ...Option) (*LogStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	s := &LogStore{
		DataDir: dir,
		logger:  zap.NewNop(),
		writers: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "logstore"))
	return s, nil
}

// Path returns the file backing ns.
func (s *LogStore) Path(ns Namespace) string {
	if ns.IsMeta() {
		return filepath.Join(s.DataDir, MetaName+logExt)
	}
	return filepath.Join(s.DataDir, ns.Tenant, ns.Name+logExt)
}

func (s *LogStore) writer(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.writers[path]
	if !ok {
		w = &sync.Mutex{}
		s.writers[path] = w
	}
	return w
}

// Append writes rec as one newline-terminated line at the end of ns's log,
// creating the file and its directory on first use. If the log does not end
// in a newline (e.g. an earlier writer crashed mid-line), one is inserted so
// the new record always starts on its own line.
func (s *LogStore) Append(ns Namespace, rec Record) error {
	line, err := EncodeRecord(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	path := s.Path(ns)

	w := s.writer(path)
	w.Lock()
	defer w.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	needsNewline, err := missingTrailingNewline(f)
	if err != nil {
		return err
	}

	buf := make([]byte, 0, len(line)+2)
	if needsNewline {
		s.logger.Warn("repairing log without trailing newline", zap.String("namespace", ns.String()))
		buf = append(buf, '\n')
	}
	buf = append(buf, line...)
	buf = append(buf, '\n')

	// A single write keeps the line whole for concurrent readers.
	if _, err := f.Write(buf); err != nil {
		return err
	}
	if s.fsync {
		if err := f.Sync(); err != nil {
			return err
		}
	}
	return f.Close()
}

func missingTrailingNewline(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

// ScanLast reads ns's log from the beginning and returns the value of the last
// record whose key equals key. A missing log or a never-written key yields
// ErrNotFound. A line that does not decode aborts the whole scan with
// ErrMalformedLog; later lines are not consulted.
func (s *LogStore) ScanLast(ns Namespace, key string) (Value, error) {
	var (
		last  Value
		found bool
	)
	err := s.Scan(ns, func(rec Record) error {
		if rec.Key == key {
			last, found = rec.Value, true
		}
		return nil
	})
	if err != nil {
		return Value{}, err
	}
	if !found {
		return Value{}, fmt.Errorf("%w: key %q in %s", ErrNotFound, key, ns)
	}
	return last, nil
}

// Snapshot folds ns's log into the current value of every key. A missing log
// yields ErrNotFound.
func (s *LogStore) Snapshot(ns Namespace) (map[string]Value, error) {
	if _, err := os.Stat(s.Path(ns)); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: namespace %s", ErrNotFound, ns)
	}
	out := make(map[string]Value)
	err := s.Scan(ns, func(rec Record) error {
		out[rec.Key] = rec.Value
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Scan calls fn for every record of ns in append order. A missing log is an
// empty log. Scanning stops at the first malformed line or fn error.
func (s *LogStore) Scan(ns Namespace, fn func(Record) error) error {
	path := s.Path(ns)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		line, readErr := r.ReadBytes('\n')
		if readErr != nil && readErr != io.EOF {
			return readErr
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			rec, err := DecodeRecord(trimmed)
			if err != nil {
				s.logger.Error("malformed log line",
					zap.String("path", path),
					zap.Int("line", lineNo),
					zap.Error(err))
				return fmt.Errorf("%w: %s line %d: %q: %v", ErrMalformedLog, path, lineNo, truncate(trimmed, 64), err)
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			return nil
		}
	}
}
