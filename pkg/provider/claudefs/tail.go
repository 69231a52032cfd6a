package claudefs

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/odvcencio/hatchpod/pkg/message"
)

// Tailer follows one transcript file and surfaces newly appended normalized
// messages. It is the observation path for sessions the CLI is driving
// directly: the server never writes the file, it only watches it grow.
type Tailer struct {
	path      string
	onMessage func(message.Message)

	offset  int64
	partial []byte
}

// NewTailer prepares a tailer for the transcript at path. Lines already in
// the file are skipped; only appends after Start are delivered.
func NewTailer(path string, onMessage func(message.Message)) *Tailer {
	return &Tailer{path: path, onMessage: onMessage}
}

// Start blocks until ctx is done, delivering each appended primary-sequence
// line through the callback. A poll ticker backs up fsnotify since some
// filesystems coalesce or drop write events.
func (t *Tailer) Start(ctx context.Context) error {
	if info, err := os.Stat(t.path); err == nil {
		t.offset = info.Size()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(t.path); err != nil {
		return fmt.Errorf("watch %s: %w", t.path, err)
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				t.drain()
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
		case <-ticker.C:
			t.drain()
		}
	}
}

// drain reads everything appended since the last read and emits complete
// lines. A trailing partial line is held until its newline arrives.
func (t *Tailer) drain() {
	f, err := os.Open(t.path)
	if err != nil {
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return
	}
	if info.Size() < t.offset {
		// Truncated or rotated; start over from the top.
		t.offset = 0
		t.partial = nil
	}
	if info.Size() == t.offset {
		return
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return
	}

	reader := bufio.NewReaderSize(f, 64*1024)
	for {
		chunk, err := reader.ReadBytes('\n')
		if len(chunk) > 0 {
			t.offset += int64(len(chunk))
		}
		if err != nil {
			t.partial = append(t.partial, chunk...)
			return
		}
		line := append(t.partial, chunk...)
		t.partial = nil
		if m, _, ok := NormalizeLine(line); ok && t.onMessage != nil {
			t.onMessage(m)
		}
	}
}
