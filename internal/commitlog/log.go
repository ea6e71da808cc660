// Package commitlog implements the durability pipeline described in
// SPEC_FULL.md §4.5-4.7: a single-writer, channel-fed persister appending to
// an on-disk text log, a periodic snapshotter, and startup recovery that
// replays the un-snapshotted tail. Grounded directly on
// original_source/crates/server/src/main.rs's persister/snapshotter
// functions and main()'s recovery sequence.
package commitlog

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/pranav-super/secko/internal/metrics"
)

// headerPrefix and headerWidth describe the fixed 31-byte first line of the
// commit log: "Snapshotted Until Line: NNNNNNN" with no trailing newline.
const (
	headerPrefix     = "Snapshotted Until Line: "
	headerWidth      = 31
	headerDigitStart = len(headerPrefix) // byte offset 24
	headerDigitWidth = headerWidth - headerDigitStart
)

// Commit is one durable write request: a key and its value. It carries no
// record of when the server received the value.
type Commit struct {
	Key   uint64
	Value string
}

// Log owns the commit log file and the atomic "commits durably written"
// counter described by spec.md I4/I5.
type Log struct {
	path     string
	appender *os.File
	updater  *os.File
	counter  int64
	logger   zerolog.Logger
}

// Open opens (creating if necessary) the commit log at path, returning a Log
// ready to drive a persister and a snapshotter, the current durable commit
// counter value, and the parsed recovery watermark.
//
// This is the commit-log part of recovery (see Recover for the whole
// sequence): create the file with its header if absent, then parse the
// watermark at byte offset 24 of line 0 and count total lines.
func Open(path string, logger zerolog.Logger) (*Log, int, int, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("create commit log: %w", err)
		}
		if _, err := f.WriteString(formatHeader(0)); err != nil {
			f.Close()
			return nil, 0, 0, fmt.Errorf("write commit log header: %w", err)
		}
		f.Close()
		logger.Info().Str("path", path).Msg("created new commit log")
	}

	watermark, total, err := readWatermarkAndTotal(path)
	if err != nil {
		return nil, 0, 0, err
	}
	logger.Info().Int("watermark", watermark).Int("total_commits", total).Msg("commit log recovery counters")

	appender, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open commit log for append: %w", err)
	}
	updater, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		appender.Close()
		return nil, 0, 0, fmt.Errorf("open commit log for header update: %w", err)
	}

	l := &Log{path: path, appender: appender, updater: updater, logger: logger}
	atomic.StoreInt64(&l.counter, int64(total))
	return l, total, watermark, nil
}

func formatHeader(watermark int) string {
	digits := fmt.Sprintf("%0*d", headerDigitWidth, watermark)
	return headerPrefix + digits
}

// readWatermarkAndTotal parses the header's watermark field and counts the
// number of commit lines following it (total commits written so far).
func readWatermarkAndTotal(path string) (watermark int, total int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open commit log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	if !scanner.Scan() {
		return 0, 0, fmt.Errorf("commit log %q is empty, missing header", path)
	}
	firstLine := scanner.Text()
	if len(firstLine) < headerWidth {
		return 0, 0, fmt.Errorf("commit log %q header line too short: %q", path, firstLine)
	}
	digits := strings.TrimSpace(firstLine[headerDigitStart:])
	watermark, err = strconv.Atoi(digits)
	if err != nil {
		return 0, 0, fmt.Errorf("commit log %q header watermark unparseable: %w", path, err)
	}

	for scanner.Scan() {
		total++
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, fmt.Errorf("scan commit log %q: %w", path, err)
	}
	return watermark, total, nil
}

// ReplayLines returns lines [watermark, total) of the commit log body (the
// header line excluded), for the caller to parse and apply to the store
// during recovery.
func ReplayLines(path string, watermark, total int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open commit log for replay: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	if !scanner.Scan() {
		return nil, fmt.Errorf("commit log %q missing header during replay", path)
	}

	lines := make([]string, 0, total-watermark)
	idx := 0
	for scanner.Scan() {
		if idx >= watermark && idx < total {
			lines = append(lines, scanner.Text())
		}
		idx++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan commit log %q during replay: %w", path, err)
	}
	return lines, nil
}

// ParseLine splits one commit-log body line into (key, value) per spec.md
// §4.7: split on the first space only, as
// original_source/crates/server/src/main.rs's recovery loop does
// (`split_once(' ')`). Because Persist writes "K -> V", the returned value
// is "-> V": the "-> " part of the separator stays at the front of value,
// so a replayed value is not identical to the value that was committed.
func ParseLine(line string) (key uint64, value string, ok bool) {
	idx := strings.IndexByte(line, ' ')
	if idx < 0 {
		return 0, "", false
	}
	keyStr, rest := line[:idx], line[idx+1:]
	k, err := strconv.ParseUint(keyStr, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return k, rest, true
}

// Persist runs the single-writer persister loop: it consumes commits from
// commits strictly in order and appends "\n{K} -> {V}" for each, matching
// spec.md I4/I5. It returns when commits is closed or done fires.
func (l *Log) Persist(commits <-chan Commit, done <-chan struct{}) {
	for {
		select {
		case c, ok := <-commits:
			if !ok {
				return
			}
			line := fmt.Sprintf("\n%d -> %s", c.Key, c.Value)
			if _, err := l.appender.WriteString(line); err != nil {
				metrics.CommitErrors.Inc()
				l.logger.Error().Err(err).Uint64("key", c.Key).Msg("commit log write failed")
				continue
			}
			n := atomic.AddInt64(&l.counter, 1)
			metrics.CommitsTotal.Inc()
			if n%1000 == 0 {
				l.logger.Debug().Int64("commits_total", n).Msg("commit log progress")
			}
		case <-done:
			return
		}
	}
}

// Count returns the current number of durably-written commits.
func (l *Log) Count() int {
	return int(atomic.LoadInt64(&l.counter))
}

// RewriteWatermark updates the header's watermark field in place at its
// fixed byte offset, per spec.md §4.6.
func (l *Log) RewriteWatermark(watermark int) error {
	digits := fmt.Sprintf("%0*d", headerDigitWidth, watermark)
	_, err := l.updater.WriteAt([]byte(digits), int64(headerDigitStart))
	if err != nil {
		return fmt.Errorf("rewrite commit log watermark: %w", err)
	}
	return nil
}

// Close releases the log's file handles.
func (l *Log) Close() error {
	err1 := l.appender.Close()
	err2 := l.updater.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
