package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"
)

// maxDaemonLogFiles bounds how many rotated daemon logs (the current plain
// file plus its gzip-compressed predecessors) are kept on disk, mirroring
// the "newest 10 kept" policy internal/logstore applies to per-model logs.
const maxDaemonLogFiles = 10

// NewDaemonLog opens a fresh process-wide operational log file under dir,
// gzip-compressing whatever plain-text log was left behind by the previous
// run and pruning compressed logs beyond maxDaemonLogFiles. Unlike the
// per-model logs in internal/logstore, which stay plain text because their
// header-line contract is read by operators tailing a live run, the
// daemon-wide log is for retrospective debugging and is compressed as soon
// as it stops being the active file.
func NewDaemonLog(dir string) (io.WriteCloser, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create daemon log dir: %w", err)
	}
	compressStaleLogs(dir)
	pruneCompressedLogs(dir)

	timestamp := time.Now().Format("20060102_150405")
	path := filepath.Join(dir, fmt.Sprintf("daemon_%s.log", timestamp))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create daemon log file: %w", err)
	}
	return f, nil
}

// compressStaleLogs gzips every plain ".log" file left over from a prior
// run (the process that wrote it is gone, so nothing still has it open)
// and removes the uncompressed original once the copy succeeds.
func compressStaleLogs(dir string) {
	matches, _ := filepath.Glob(filepath.Join(dir, "*.log"))
	for _, path := range matches {
		if err := gzipFile(path); err == nil {
			os.Remove(path)
		}
	}
}

func gzipFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	if _, err := gw.Write(data); err != nil {
		gw.Close()
		return err
	}
	return gw.Close()
}

// pruneCompressedLogs keeps only the maxDaemonLogFiles-1 most recent
// compressed logs, reserving one slot for the file about to be created.
func pruneCompressedLogs(dir string) {
	matches, _ := filepath.Glob(filepath.Join(dir, "*.log.gz"))
	sort.Slice(matches, func(i, j int) bool {
		fi, erri := os.Stat(matches[i])
		fj, errj := os.Stat(matches[j])
		if erri != nil || errj != nil {
			return false
		}
		return fi.ModTime().Before(fj.ModTime())
	})
	for len(matches) > maxDaemonLogFiles-1 {
		os.Remove(matches[0])
		matches = matches[1:]
	}
}
