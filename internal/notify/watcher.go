package notify

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// InboxWatcher observes the session's ipc directory so that messages written
// by sibling server processes still trigger a pane nudge. The ipc root and
// every agent inbox under it are watched; inboxes created later are picked up
// from the root's create events.
type InboxWatcher struct {
	root    string
	logger  *log.Logger
	onInbox func(agentID, fileName string)

	watcher *fsnotify.Watcher
	doneCh  chan struct{}
}

// NewInboxWatcher creates a watcher over the ipc root. onInbox is called with
// the inbox owner's agent id for every new message file.
func NewInboxWatcher(root string, onInbox func(agentID, fileName string), logger *log.Logger) *InboxWatcher {
	return &InboxWatcher{
		root:    root,
		logger:  logger,
		onInbox: onInbox,
		doneCh:  make(chan struct{}),
	}
}

// Start initializes fsnotify and runs the event loop until ctx is cancelled.
func (w *InboxWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = watcher

	if err := watcher.Add(w.root); err != nil {
		_ = watcher.Close()
		return err
	}
	entries, err := os.ReadDir(w.root)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				if err := watcher.Add(filepath.Join(w.root, entry.Name())); err != nil && w.logger != nil {
					w.logger.Printf("notify: watch %s: %v", entry.Name(), err)
				}
			}
		}
	}

	go w.loop(ctx)
	return nil
}

// Wait blocks until the event loop has exited.
func (w *InboxWatcher) Wait() { <-w.doneCh }

func (w *InboxWatcher) loop(ctx context.Context) {
	defer close(w.doneCh)
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Printf("notify: watcher error: %v", err)
			}
		}
	}
}

func (w *InboxWatcher) handle(event fsnotify.Event) {
	if event.Op&fsnotify.Create == 0 {
		return
	}
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}

	// A new inbox directory directly under the root.
	if !strings.Contains(rel, string(filepath.Separator)) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil && w.logger != nil {
				w.logger.Printf("notify: watch %s: %v", rel, err)
			}
		}
		return
	}

	// A message file inside an inbox. Lock files and atomic-write temps
	// start with a dot and are ignored.
	agentID, fileName := filepath.Split(rel)
	agentID = strings.TrimSuffix(agentID, string(filepath.Separator))
	if strings.HasPrefix(fileName, ".") || !strings.HasSuffix(fileName, ".md") {
		return
	}
	if w.onInbox != nil {
		w.onInbox(agentID, fileName)
	}
}
