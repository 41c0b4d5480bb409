// Package ipc implements the file-backed message bus. Every registered
// agent owns an inbox directory; a message is one Markdown file with YAML
// front-matter and the content as verbatim body. Multiple server processes
// share the inboxes through atomic file creates and a per-inbox lock for
// read-mark-as-read cycles.
package ipc

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/jaakkos/tmuxcrew/internal/domain"
	"github.com/jaakkos/tmuxcrew/internal/lockfile"
)

const (
	frontMatterDelim = "---"
	inboxLockName    = ".inbox.lock"
	lockTimeout      = 5 * time.Second
)

// Bus is the IPC bus rooted at one session's ipc directory.
type Bus struct {
	root   string
	logger *log.Logger
}

// New creates a bus over the given ipc root directory.
func New(root string, logger *log.Logger) *Bus {
	return &Bus{root: root, logger: logger}
}

// Root returns the backing directory.
func (b *Bus) Root() string { return b.root }

// RegisterAgent creates the agent's inbox. Idempotent.
func (b *Bus) RegisterAgent(agentID string) error {
	if agentID == "" {
		return fmt.Errorf("agent id is empty")
	}
	if err := os.MkdirAll(b.inboxDir(agentID), 0o755); err != nil {
		return fmt.Errorf("create inbox: %w", err)
	}
	return nil
}

// IsRegistered reports whether the agent has an inbox.
func (b *Bus) IsRegistered(agentID string) bool {
	info, err := os.Stat(b.inboxDir(agentID))
	return err == nil && info.IsDir()
}

// RegisteredAgents lists every agent with an inbox, sorted.
func (b *Bus) RegisteredAgents() ([]string, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read ipc dir: %w", err)
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() {
			out = append(out, entry.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// NewMessage fills in identity and timestamp for an outgoing message.
func NewMessage(senderID, receiverID string, msgType domain.MessageType, priority domain.MessagePriority, subject, content string, metadata map[string]any) *domain.Message {
	if priority == "" {
		priority = domain.PriorityNormal
	}
	return &domain.Message{
		ID:          uuid.NewString(),
		SenderID:    senderID,
		ReceiverID:  receiverID,
		MessageType: msgType,
		Priority:    priority,
		Subject:     subject,
		Content:     content,
		Metadata:    metadata,
		CreatedAt:   time.Now(),
	}
}

// Deliver stores a point-to-point message into the receiver's inbox.
// The receiver must be registered.
func (b *Bus) Deliver(msg *domain.Message) error {
	if msg.ReceiverID == "" {
		return fmt.Errorf("deliver: receiver id is empty")
	}
	if !b.IsRegistered(msg.ReceiverID) {
		return fmt.Errorf("deliver: receiver %s has no inbox", msg.ReceiverID)
	}
	return b.writeMessage(msg.ReceiverID, msg)
}

// Broadcast fans the message out to every registered agent except the
// sender. Returns the recipients written.
func (b *Bus) Broadcast(msg *domain.Message) ([]string, error) {
	agents, err := b.RegisteredAgents()
	if err != nil {
		return nil, err
	}
	var delivered []string
	for _, agentID := range agents {
		if agentID == msg.SenderID {
			continue
		}
		copied := *msg
		copied.ReceiverID = ""
		if err := b.writeMessage(agentID, &copied); err != nil {
			return delivered, fmt.Errorf("broadcast to %s: %w", agentID, err)
		}
		delivered = append(delivered, agentID)
	}
	return delivered, nil
}

// ReadOptions filters a Read call.
type ReadOptions struct {
	UnreadOnly bool
	TypeFilter domain.MessageType
	MarkAsRead bool
	Limit      int
}

// Read returns the agent's messages ordered by created_at ascending.
// With MarkAsRead, read_at is stamped atomically under the inbox lock
// before the messages are returned.
func (b *Bus) Read(agentID string, opts ReadOptions) ([]domain.Message, error) {
	var out []domain.Message
	err := lockfile.WithLock(b.inboxLockPath(agentID), lockTimeout, func() error {
		messages, paths, err := b.loadInbox(agentID)
		if err != nil {
			return err
		}
		now := time.Now()
		for i := range messages {
			msg := &messages[i]
			if opts.UnreadOnly && msg.IsRead() {
				continue
			}
			if opts.TypeFilter != "" && msg.MessageType != opts.TypeFilter {
				continue
			}
			if opts.Limit > 0 && len(out) >= opts.Limit {
				break
			}
			if opts.MarkAsRead && !msg.IsRead() {
				stamp := now
				msg.ReadAt = &stamp
				if err := b.rewriteMessage(paths[msg.ID], msg); err != nil {
					return fmt.Errorf("mark read %s: %w", msg.ID, err)
				}
			}
			out = append(out, *msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UnreadCount counts inbox files with no read_at stamp.
func (b *Bus) UnreadCount(agentID string) (int, error) {
	messages, _, err := b.loadInbox(agentID)
	if err != nil {
		return 0, err
	}
	count := 0
	for i := range messages {
		if !messages[i].IsRead() {
			count++
		}
	}
	return count, nil
}

// Clear removes every message from the agent's inbox and returns the
// number deleted.
func (b *Bus) Clear(agentID string) (int, error) {
	removed := 0
	err := lockfile.WithLock(b.inboxLockPath(agentID), lockTimeout, func() error {
		entries, err := os.ReadDir(b.inboxDir(agentID))
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			if err := os.Remove(filepath.Join(b.inboxDir(agentID), entry.Name())); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// AllMessages returns every message across all inboxes ordered by
// created_at, for the dashboard's derived message history.
func (b *Bus) AllMessages() ([]domain.Message, error) {
	agents, err := b.RegisteredAgents()
	if err != nil {
		return nil, err
	}
	var all []domain.Message
	seen := make(map[string]bool)
	for _, agentID := range agents {
		messages, _, err := b.loadInbox(agentID)
		if err != nil {
			return nil, err
		}
		for i := range messages {
			// Broadcast copies share an id; keep one.
			if seen[messages[i].ID] {
				continue
			}
			seen[messages[i].ID] = true
			all = append(all, messages[i])
		}
	}
	sortMessages(all)
	return all, nil
}

func (b *Bus) inboxDir(agentID string) string {
	return filepath.Join(b.root, agentID)
}

func (b *Bus) inboxLockPath(agentID string) string {
	return filepath.Join(b.inboxDir(agentID), inboxLockName)
}

// messageFileName yields lexicographically chronological names.
func messageFileName(msg *domain.Message) string {
	return fmt.Sprintf("%020d-%s.md", msg.CreatedAt.UnixNano(), msg.ID)
}

func (b *Bus) writeMessage(agentID string, msg *domain.Message) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	path := filepath.Join(b.inboxDir(agentID), messageFileName(msg))
	return lockfile.AtomicWrite(path, data, 0o644)
}

func (b *Bus) rewriteMessage(path string, msg *domain.Message) error {
	if path == "" {
		return fmt.Errorf("message file path unknown")
	}
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	return lockfile.AtomicWrite(path, data, 0o644)
}

// loadInbox parses every message file in the inbox. Files without
// front-matter are skipped with a debug log. Returns messages sorted by
// created_at and a message-id → file-path map.
func (b *Bus) loadInbox(agentID string) ([]domain.Message, map[string]string, error) {
	dir := b.inboxDir(agentID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read inbox %s: %w", agentID, err)
	}

	var messages []domain.Message
	paths := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		msg, err := decodeMessage(data)
		if err != nil {
			if b.logger != nil {
				b.logger.Printf("ipc: skipping %s: %v", entry.Name(), err)
			}
			continue
		}
		messages = append(messages, *msg)
		paths[msg.ID] = path
	}
	sortMessages(messages)
	return messages, paths, nil
}

func sortMessages(messages []domain.Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
}

// encodeMessage renders front-matter plus verbatim body. The content is
// never truncated or re-wrapped.
func encodeMessage(msg *domain.Message) ([]byte, error) {
	meta, err := yaml.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal front-matter: %w", err)
	}
	var buf strings.Builder
	buf.WriteString(frontMatterDelim + "\n")
	buf.Write(meta)
	buf.WriteString(frontMatterDelim + "\n")
	buf.WriteString(msg.Content)
	return []byte(buf.String()), nil
}

// decodeMessage splits front-matter from body. A file without a
// front-matter block is an error so callers can skip it.
func decodeMessage(data []byte) (*domain.Message, error) {
	text := string(data)
	if !strings.HasPrefix(text, frontMatterDelim+"\n") {
		return nil, fmt.Errorf("missing front-matter")
	}
	rest := text[len(frontMatterDelim)+1:]
	idx := strings.Index(rest, "\n"+frontMatterDelim+"\n")
	if idx < 0 {
		return nil, fmt.Errorf("unterminated front-matter")
	}
	var msg domain.Message
	if err := yaml.Unmarshal([]byte(rest[:idx]), &msg); err != nil {
		return nil, fmt.Errorf("parse front-matter: %w", err)
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("front-matter missing id")
	}
	msg.Content = rest[idx+len(frontMatterDelim)+2:]
	return &msg, nil
}
