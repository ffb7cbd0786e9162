package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bytedance/sonic"

	"vision_workflow/internal/core"
	"vision_workflow/pkg"
)

// TraceStore durably records one document per pipeline run
type TraceStore interface {
	Record(ctx context.Context, trace *pkg.RunTrace) error
	// List returns a session's traces, oldest first
	List(ctx context.Context, sessionID string) ([]*pkg.RunTrace, error)
	Close() error
}

// traces sort by name, so the timestamp leads
const traceTimeLayout = "20060102T150405.000000000Z"

// FileTraceStore writes <dir>/<session>/<timestamp>_<run>.json
type FileTraceStore struct {
	dir string
}

func NewFileTraceStore(dir string) *FileTraceStore {
	return &FileTraceStore{dir: dir}
}

// Path returns where trace is (or would be) written
func (f *FileTraceStore) Path(trace *pkg.RunTrace) string {
	run := trace.RunID
	if len(run) > 8 {
		run = run[:8]
	}
	name := fmt.Sprintf("%s_%s.json", trace.CompletedAt.UTC().Format(traceTimeLayout), SafeName(run))
	return filepath.Join(f.dir, SafeName(trace.SessionID), name)
}

func (f *FileTraceStore) Record(_ context.Context, trace *pkg.RunTrace) error {
	path := f.Path(trace)

	data, err := sonic.ConfigStd.MarshalIndent(trace, "", "  ")
	if err != nil {
		return &core.PersistenceError{Op: "encode trace", Key: path, Err: err}
	}
	if err := writeFileAtomic(path, data); err != nil {
		return &core.PersistenceError{Op: "write trace", Key: path, Err: err}
	}
	return nil
}

func (f *FileTraceStore) List(_ context.Context, sessionID string) ([]*pkg.RunTrace, error) {
	dir := filepath.Join(f.dir, SafeName(sessionID))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []*pkg.RunTrace{}, nil
		}
		return nil, &core.PersistenceError{Op: "read traces", Key: dir, Err: err}
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	traces := make([]*pkg.RunTrace, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &core.PersistenceError{Op: "read trace", Key: path, Err: err}
		}
		var trace pkg.RunTrace
		if err := sonic.Unmarshal(data, &trace); err != nil {
			return nil, &core.PersistenceError{Op: "decode trace", Key: path, Err: err}
		}
		if trace.SessionID != sessionID {
			continue
		}
		traces = append(traces, &trace)
	}
	return traces, nil
}

func (f *FileTraceStore) Close() error { return nil }

// SafeName maps an id onto a single path element. The mapping is reversible:
// "_" becomes "__" and any other byte outside [A-Za-z0-9.-] (or a leading
// dot) becomes "_" plus two hex digits.
func SafeName(id string) string {
	if id == "" {
		return "_"
	}
	var b strings.Builder
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c == '_':
			b.WriteString("__")
		case c == '.' && i == 0:
			fmt.Fprintf(&b, "_%02x", c)
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '.':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_%02x", c)
		}
	}
	return b.String()
}

// writeFileAtomic writes through a temp file so readers never see a partial document
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
