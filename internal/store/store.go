// Package store owns the dashboard file: YAML front-matter carrying the
// authoritative state plus a rendered Markdown body for humans watching the
// file. Server processes are short-lived and share the file, so every
// mutation runs under the cross-process lock as read-mutate-write, and reads
// go through an mtime-keyed cache.
package store

import (
	"errors"
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jaakkos/tmuxcrew/internal/config"
	"github.com/jaakkos/tmuxcrew/internal/domain"
	"github.com/jaakkos/tmuxcrew/internal/lockfile"
)

const (
	lockTimeout = 10 * time.Second

	// timeLayout is used for timestamps surfaced in metadata and summaries.
	timeLayout = time.RFC3339
)

// ErrLegacyFormat marks a dashboard written by an old version that stored
// task bodies inline. It is surfaced to the caller, never auto-repaired.
var ErrLegacyFormat = errors.New("invalid_legacy_dashboard_format")

// Store manages one session's dashboard.md and messages.md.
type Store struct {
	ws       *config.Workspace
	settings *config.Settings
	logger   *log.Logger

	cacheMu sync.Mutex
	cache   lockfile.Cache[*domain.Dashboard]
	now     func() time.Time
}

// New creates a store over the session workspace. The workspace's session id
// doubles as the dashboard's workspace id.
func New(ws *config.Workspace, settings *config.Settings, logger *log.Logger) *Store {
	return &Store{
		ws:       ws,
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}
}

// Initialize creates the dashboard directory and an empty dashboard when
// none exists yet.
func (s *Store) Initialize() error {
	if _, err := os.Stat(s.ws.DashboardPath()); err == nil {
		return nil
	}
	return s.Mutate(func(*domain.Dashboard) error { return nil })
}

// Cleanup removes the dashboard files. Missing files are fine.
func (s *Store) Cleanup() error {
	for _, path := range []string{s.ws.DashboardPath(), s.ws.MessagesPath()} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}
	s.cacheMu.Lock()
	s.cache.Invalidate()
	s.cacheMu.Unlock()
	return nil
}

// Load returns a copy of the current dashboard. Reads are served from the
// cache while the file's mtime is unchanged.
func (s *Store) Load() (*domain.Dashboard, error) {
	s.cacheMu.Lock()
	cached, ok := s.cache.Get(s.ws.DashboardPath())
	s.cacheMu.Unlock()
	if ok {
		return cloneDashboard(cached), nil
	}
	var d *domain.Dashboard
	err := lockfile.WithLock(s.ws.DashboardLockPath(), lockTimeout, func() error {
		var err error
		d, err = s.readUnlocked()
		return err
	})
	if err != nil {
		return nil, err
	}
	s.cacheMu.Lock()
	s.cache.Put(s.ws.DashboardPath(), cloneDashboard(d))
	s.cacheMu.Unlock()
	return d, nil
}

// Mutate runs a read-mutate-write transaction under the dashboard lock.
// The mutated dashboard is re-rendered and written atomically; derived
// statistics are refreshed after fn returns.
func (s *Store) Mutate(fn func(*domain.Dashboard) error) error {
	return lockfile.WithLock(s.ws.DashboardLockPath(), lockTimeout, func() error {
		d, err := s.readUnlocked()
		if err != nil {
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
		d.Recalculate()
		d.UpdatedAt = s.now()
		return s.writeUnlocked(d)
	})
}

func (s *Store) readUnlocked() (*domain.Dashboard, error) {
	content, err := os.ReadFile(s.ws.DashboardPath())
	if err != nil {
		if os.IsNotExist(err) {
			return s.fresh(), nil
		}
		return nil, fmt.Errorf("read dashboard: %w", err)
	}
	d, err := decodeDashboard(content)
	if err != nil {
		if errors.Is(err, ErrLegacyFormat) {
			return nil, err
		}
		if s.logger != nil {
			s.logger.Printf("store: unreadable dashboard, starting fresh: %v", err)
		}
		return s.fresh(), nil
	}
	d.WorkspaceID = s.ws.SessionID
	d.WorkspacePath = s.ws.ProjectRoot
	return d, nil
}

func (s *Store) writeUnlocked(d *domain.Dashboard) error {
	data, err := encodeDashboard(d, s.renderBody(d))
	if err != nil {
		return err
	}
	if err := lockfile.AtomicWrite(s.ws.DashboardPath(), data, 0o644); err != nil {
		return fmt.Errorf("write dashboard: %w", err)
	}
	s.cacheMu.Lock()
	s.cache.Invalidate()
	s.cacheMu.Unlock()
	return nil
}

func (s *Store) fresh() *domain.Dashboard {
	d := domain.NewDashboard(s.ws.SessionID, s.ws.ProjectRoot)
	if s.settings != nil && s.settings.CostWarningThresholdUSD > 0 {
		d.Cost.WarningThreshold = s.settings.CostWarningThresholdUSD
	}
	return d
}

var frontMatterPattern = regexp.MustCompile(`(?s)^---\n(.*?)\n---`)

// encodeDashboard renders front-matter plus Markdown body. Messages are
// render-only and never serialized into the front-matter.
func encodeDashboard(d *domain.Dashboard, body string) ([]byte, error) {
	meta, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal dashboard: %w", err)
	}
	out := make([]byte, 0, len(meta)+len(body)+16)
	out = append(out, "---\n"...)
	out = append(out, meta...)
	out = append(out, "---\n\n"...)
	out = append(out, body...)
	return out, nil
}

// decodeDashboard parses the front-matter and rejects the legacy inline
// description format.
func decodeDashboard(content []byte) (*domain.Dashboard, error) {
	m := frontMatterPattern.FindSubmatch(content)
	if m == nil {
		return nil, fmt.Errorf("missing front-matter")
	}
	var d domain.Dashboard
	if err := yaml.Unmarshal(m[1], &d); err != nil {
		return nil, fmt.Errorf("parse front-matter: %w", err)
	}
	for i := range d.Tasks {
		t := &d.Tasks[i]
		if t.Description != "" && t.TaskFilePath == "" {
			return nil, fmt.Errorf("%w: description body is no longer supported", ErrLegacyFormat)
		}
		if t.Description != "" && t.TaskFilePath != "" && t.Description != t.TaskFilePath {
			return nil, fmt.Errorf("%w: description and task_file_path mismatch", ErrLegacyFormat)
		}
	}
	return &d, nil
}

// cloneDashboard copies the dashboard deeply enough that callers can mutate
// the copy without corrupting the read cache.
func cloneDashboard(d *domain.Dashboard) *domain.Dashboard {
	out := *d
	out.Agents = append([]domain.AgentSummary(nil), d.Agents...)
	out.Tasks = make([]domain.Task, len(d.Tasks))
	for i := range d.Tasks {
		t := d.Tasks[i]
		t.Checklist = append([]domain.ChecklistItem(nil), t.Checklist...)
		t.Logs = append([]domain.TaskLog(nil), t.Logs...)
		if t.Metadata != nil {
			meta := make(map[string]any, len(t.Metadata))
			for k, v := range t.Metadata {
				meta[k] = v
			}
			t.Metadata = meta
		}
		out.Tasks[i] = t
	}
	out.Cost.Calls = append([]domain.APICallRecord(nil), d.Cost.Calls...)
	if d.Cost.ActualCostByAgent != nil {
		byAgent := make(map[string]float64, len(d.Cost.ActualCostByAgent))
		for k, v := range d.Cost.ActualCostByAgent {
			byAgent[k] = v
		}
		out.Cost.ActualCostByAgent = byAgent
	}
	out.Messages = append([]domain.MessageSummary(nil), d.Messages...)
	return &out
}
