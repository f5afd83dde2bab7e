// Package audit implements the append-only JSONL event log plus a bounded
// in-memory ring buffer of recent registry and administrative events.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/portalcrane/portalcrane/pkg/logger"
	"github.com/portalcrane/portalcrane/pkg/model"
)

// Sink is the process-wide audit log: every emit serializes on one mutex so
// that file order always matches logical emission order within a process.
type Sink struct {
	mu       sync.Mutex
	path     string
	capacity int
	ring     []model.AuditEvent // newest at the end
}

// NewSink opens (creating if necessary) the JSONL file at path and returns a
// Sink with the given ring capacity.
func NewSink(path string, capacity int) (*Sink, error) {
	if capacity <= 0 {
		capacity = 500
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: opening %s: %w", path, err)
	}
	f.Close()

	s := &Sink{path: path, capacity: capacity}
	events, err := s.readTail(capacity)
	if err != nil {
		return nil, err
	}
	s.ring = events
	return s, nil
}

// readTail returns up to the last limit events of the JSONL file, oldest first.
func (s *Sink) readTail(limit int) ([]model.AuditEvent, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("audit: reading %s: %w", s.path, err)
	}
	defer f.Close()

	var events []model.AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev model.AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scanning %s: %w", s.path, err)
	}
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// Emit appends event to the JSONL file and the in-memory ring under a single
// lock, preserving the order invariant.
func (s *Sink) Emit(ctx context.Context, event model.AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(event)
	if err != nil {
		logger.Log(ctx, slog.LevelError, "audit: failed to marshal event", logger.Err(err))
		return
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		logger.Log(ctx, slog.LevelError, "audit: failed to open log for append", logger.Err(err))
		return
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		logger.Log(ctx, slog.LevelError, "audit: failed to append event", logger.Err(err))
		return
	}

	s.ring = append(s.ring, event)
	if len(s.ring) > s.capacity {
		s.ring = s.ring[len(s.ring)-s.capacity:]
	}
}

// Recent returns up to limit events, newest first. When the in-memory ring
// holds fewer than limit events it backfills from disk.
func (s *Sink) Recent(limit int) ([]model.AuditEvent, error) {
	s.mu.Lock()
	ring := make([]model.AuditEvent, len(s.ring))
	copy(ring, s.ring)
	s.mu.Unlock()

	if limit <= 0 || limit > len(ring) {
		if len(ring) < limit {
			s.mu.Lock()
			events, err := s.readTail(limit)
			s.mu.Unlock()
			if err != nil {
				return nil, err
			}
			ring = events
		}
		limit = len(ring)
	}

	out := make([]model.AuditEvent, limit)
	for i := 0; i < limit; i++ {
		out[i] = ring[len(ring)-1-i]
	}
	return out, nil
}

// Trim resizes the ring capacity to max and rewrites the JSONL file keeping
// only the last max events.
func (s *Sink) Trim(max int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.capacity = max
	if len(s.ring) > max {
		s.ring = s.ring[len(s.ring)-max:]
	}

	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("audit: creating temp file for trim: %w", err)
	}
	enc := json.NewEncoder(f)
	for _, ev := range s.ring {
		if err := enc.Encode(ev); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("audit: writing trimmed event: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("audit: closing trimmed file: %w", err)
	}
	return os.Rename(tmp, s.path)
}
