// Package logstore persists per-model process output to rotating text
// files under logs/model_logs/<safe_name>/ and fans live lines out to
// subscribers of the admin log-stream endpoint.
package logstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	maxBufferedLines = 2000
	maxFilesPerModel = 10
)

// Entry is a single line of a model's console output.
type Entry struct {
	Timestamp time.Time
	Stream    string // "stdout" or "stderr"
	Line      string
}

// Store owns one ModelLog per model name.
type Store struct {
	mu      sync.RWMutex
	logs    map[string]*ModelLog
	baseDir string
}

// NewStore creates a store rooted at baseDir (conventionally
// logs/model_logs), creating it if needed.
func NewStore(baseDir string) *Store {
	os.MkdirAll(baseDir, 0755)
	return &Store{logs: make(map[string]*ModelLog), baseDir: baseDir}
}

// Writer returns the ModelLog for name, opening a fresh timestamped log
// file and pruning old ones down to maxFilesPerModel. Call this once per
// start attempt, not once per line.
func (s *Store) Writer(name string) *ModelLog {
	s.mu.Lock()
	ml, ok := s.logs[name]
	if !ok {
		ml = &ModelLog{name: name, dir: filepath.Join(s.baseDir, safeName(name))}
		s.logs[name] = ml
	}
	s.mu.Unlock()

	ml.rotate()
	return ml
}

// Get returns the ModelLog for name if one has been created, or nil.
func (s *Store) Get(name string) *ModelLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logs[name]
}

func safeName(name string) string {
	r := strings.NewReplacer(":", "_", "\\", "_", "/", "_")
	return r.Replace(name)
}

// ModelLog is one model's live ring buffer plus its on-disk file.
type ModelLog struct {
	name string
	dir  string

	mu      sync.Mutex
	file    *os.File
	entries []Entry
	subs    []chan Entry
}

// rotate creates a new timestamped log file, writes the header line, and
// prunes files beyond the 10 most recent for this model (grounded on the
// original daemon's LogManager.prepare_model_log).
func (ml *ModelLog) rotate() {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	if ml.file != nil {
		ml.file.Close()
		ml.file = nil
	}

	if err := os.MkdirAll(ml.dir, 0755); err != nil {
		return
	}

	existing, _ := filepath.Glob(filepath.Join(ml.dir, "*.log"))
	sort.Slice(existing, func(i, j int) bool {
		fi, _ := os.Stat(existing[i])
		fj, _ := os.Stat(existing[j])
		if fi == nil || fj == nil {
			return false
		}
		return fi.ModTime().Before(fj.ModTime())
	})
	for len(existing) >= maxFilesPerModel {
		os.Remove(existing[0])
		existing = existing[1:]
	}

	timestamp := time.Now().Format("20060102_150405")
	path := filepath.Join(ml.dir, timestamp+".log")
	f, err := os.Create(path)
	if err != nil {
		return
	}
	fmt.Fprintf(f, "=== Log Start: %s at %s ===\n", ml.name, timestamp)
	ml.file = f
}

// WriteLine appends one line to the in-memory ring buffer, the current
// log file, and any live subscribers.
func (ml *ModelLog) WriteLine(stream, line string) {
	entry := Entry{Timestamp: time.Now(), Stream: stream, Line: line}

	ml.mu.Lock()
	defer ml.mu.Unlock()

	ml.entries = append(ml.entries, entry)
	if len(ml.entries) > maxBufferedLines {
		ml.entries = ml.entries[len(ml.entries)-maxBufferedLines:]
	}
	if ml.file != nil {
		fmt.Fprintf(ml.file, "[%s] %s\n", entry.Timestamp.Format("15:04:05"), line)
	}

	// Fan-out stays under mu so an unsubscribe (which closes its channel
	// under the same lock) can never race a send. Sends never block; a
	// slow subscriber just drops lines.
	for _, ch := range ml.subs {
		select {
		case ch <- entry:
		default:
		}
	}
}

// Tail returns the most recent n buffered lines (n<=0 returns all).
func (ml *ModelLog) Tail(n int) []Entry {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	if n <= 0 || n >= len(ml.entries) {
		out := make([]Entry, len(ml.entries))
		copy(out, ml.entries)
		return out
	}
	out := make([]Entry, n)
	copy(out, ml.entries[len(ml.entries)-n:])
	return out
}

// Subscribe returns a channel for live lines, a snapshot of buffered
// lines, and an unsubscribe function.
func (ml *ModelLog) Subscribe() (ch chan Entry, existing []Entry, unsub func()) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	ch = make(chan Entry, 200)
	ml.subs = append(ml.subs, ch)

	existing = make([]Entry, len(ml.entries))
	copy(existing, ml.entries)

	unsub = func() {
		ml.mu.Lock()
		defer ml.mu.Unlock()
		for i, s := range ml.subs {
			if s == ch {
				ml.subs = append(ml.subs[:i], ml.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}
	return ch, existing, unsub
}

// Close closes the current file handle and all subscriber channels.
func (ml *ModelLog) Close() {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	if ml.file != nil {
		ml.file.Close()
		ml.file = nil
	}
	for _, ch := range ml.subs {
		close(ch)
	}
	ml.subs = nil
}
