package logstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriterCreatesHeaderedFile(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	ml := s.Writer("llama:7b")

	ml.WriteLine("stdout", "hello")

	files, err := filepath.Glob(filepath.Join(dir, "llama_7b", "*.log"))
	if err != nil || len(files) != 1 {
		t.Fatalf("expected exactly one log file, got %v (err %v)", files, err)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "=== Log Start: llama:7b at") {
		t.Fatalf("missing header line: %s", data)
	}
	if !strings.Contains(string(data), "hello") {
		t.Fatalf("missing appended line: %s", data)
	}
}

func TestWriterPrunesOldFilesBeyondTen(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	for i := 0; i < 13; i++ {
		ml := s.Writer("m")
		ml.WriteLine("stdout", "restart")
	}

	files, err := filepath.Glob(filepath.Join(dir, "m", "*.log"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(files) > maxFilesPerModel {
		t.Fatalf("expected at most %d files, got %d", maxFilesPerModel, len(files))
	}
}

func TestTailReturnsMostRecent(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	ml := s.Writer("m")

	ml.WriteLine("stdout", "line-1")
	ml.WriteLine("stdout", "line-2")
	ml.WriteLine("stdout", "line-3")

	tail := ml.Tail(2)
	if len(tail) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(tail))
	}
	if tail[0].Line != "line-2" || tail[1].Line != "line-3" {
		t.Fatalf("unexpected tail: %+v", tail)
	}
}

func TestSubscribeReceivesExistingThenLive(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	ml := s.Writer("m")

	ml.WriteLine("stdout", "before-1")
	ml.WriteLine("stdout", "before-2")

	ch, existing, unsub := ml.Subscribe()
	defer unsub()

	if len(existing) != 2 {
		t.Fatalf("expected 2 existing entries, got %d", len(existing))
	}

	ml.WriteLine("stdout", "after-1")

	select {
	case entry := <-ch:
		if entry.Line != "after-1" {
			t.Fatalf("expected after-1, got %q", entry.Line)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live entry")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	ml := s.Writer("m")

	ch, _, unsub := ml.Subscribe()
	unsub()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsub")
	}
}

func TestGetReturnsNilForUnknownModel(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	if s.Get("missing") != nil {
		t.Fatal("expected nil for unknown model")
	}
}

func TestWriterIdempotentSameModel(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	ml1 := s.Writer("m")
	ml2 := s.Writer("m")
	if ml1 != ml2 {
		t.Fatal("expected Writer to return the same ModelLog on repeated calls")
	}
}
