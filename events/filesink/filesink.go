// Package filesink persists gateway events as hierarchical append-only
// JSONL streams: one file per (event type, day partition, writer id),
// laid out as
//
//	<root>/<eventType>/day=<YYYY-MM-DD>/<writerID>.jsonl
//
// Each line is one self-describing JSON record. Writes are appended and
// flushed per record; a crash can at worst leave one torn trailing
// line, which readers must tolerate.
package filesink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/sqlfront/sqlfront/events"
)

// Sink writes events beneath a root directory. Safe for concurrent use.
type Sink struct {
	root     string
	writerID string

	mu    sync.Mutex
	files map[string]*os.File // partition dir -> open stream
}

// New creates a file sink rooted at dir. The writer id distinguishes
// this gateway process's streams from other writers sharing the layout.
func New(dir string) (*Sink, error) {
	if dir == "" {
		return nil, fmt.Errorf("event log dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log root: %w", err)
	}
	return &Sink{
		root:     dir,
		writerID: uuid.NewString(),
		files:    make(map[string]*os.File),
	}, nil
}

func (s *Sink) Append(ctx context.Context, ev events.Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	dir := filepath.Join(s.root, ev.Type, "day="+ev.Time.Format("2006-01-02"))
	for _, p := range ev.Partitions {
		dir = filepath.Join(dir, p.Key+"="+p.Value)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[dir]
	if !ok {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create partition dir: %w", err)
		}
		f, err = os.OpenFile(filepath.Join(dir, s.writerID+".jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open event stream: %w", err)
		}
		s.files[dir] = f
	}

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// WriterID returns the logical writer id used in stream file names.
func (s *Sink) WriterID() string { return s.writerID }

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.files = make(map[string]*os.File)
	return firstErr
}
