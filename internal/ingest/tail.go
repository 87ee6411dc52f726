package ingest

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/blacklight/aicorrd/internal/aierr"
	"github.com/blacklight/aicorrd/internal/alertmodel"
	"github.com/blacklight/aicorrd/internal/flow"
)

// TextTailIngestor watches the alert log file for appends, the way the
// teacher's config watcher (smart-mcp-proxy-mcpproxy-go/internal/tray)
// watches a file for fsnotify.Write and reacts on the next read.
type TextTailIngestor struct {
	buffer
	path    string
	tracker *flow.Tracker
	log     *zap.Logger

	offset int64
	rb     recordBuilder
}

// NewTextTail returns a TextTailIngestor over path. tracker may be nil if
// no Stream Tracker is wired (flow attachment is then skipped).
func NewTextTail(path string, tracker *flow.Tracker, log *zap.Logger) *TextTailIngestor {
	return &TextTailIngestor{path: path, tracker: tracker, log: log}
}

// Run tails path for appended lines until ctx is canceled.
func (t *TextTailIngestor) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return &aierr.ResourceError{Msg: "creating alert log watcher: " + err.Error()}
	}
	defer watcher.Close()

	if err := watcher.Add(t.path); err != nil {
		return &aierr.TransientIOError{Op: "watch alert log", Err: err}
	}

	if err := t.drain(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := t.drain(); err != nil {
					return err
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if t.log != nil {
				t.log.Warn("alert log watcher error", zap.Error(err))
			}
		}
	}
}

// drain reads every complete line appended since the last offset, feeding
// the in-progress record builder and finalizing on each blank-line
// separator.
func (t *TextTailIngestor) drain() error {
	f, err := os.Open(t.path)
	if err != nil {
		return &aierr.TransientIOError{Op: "open alert log", Err: err}
	}
	defer f.Close()

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return &aierr.TransientIOError{Op: "seek alert log", Err: err}
	}

	r := bufio.NewReader(f)

	var consumed int64
	for {
		raw, err := r.ReadString('\n')
		if err == io.EOF {
			// An unterminated trailing line is left for the next drain.
			break
		}
		if err != nil {
			return &aierr.TransientIOError{Op: "scan alert log", Err: err}
		}
		consumed += int64(len(raw))
		line := strings.TrimRight(raw, "\r\n")

		if line == "" {
			if t.rb.sawHeader {
				rb := t.rb
				if _, err := t.buffer.append(func(serial uint64) (*alertmodel.Alert, error) {
					return rb.build(serial, t.tracker)
				}); err != nil {
					return err
				}
			}
			t.rb = recordBuilder{}
			continue
		}
		if err := t.rb.feedLine(line); err != nil {
			return err
		}
	}

	t.offset += consumed
	return nil
}
