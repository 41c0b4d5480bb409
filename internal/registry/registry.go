// Package registry persists the agent set as one JSON file per agent. The
// files are authoritative: server processes are short-lived, so every tool
// call re-reads the directory before acting on agents.
package registry

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jaakkos/tmuxcrew/internal/domain"
	"github.com/jaakkos/tmuxcrew/internal/lockfile"
)

// Registry mirrors the on-disk agent files into memory. All read accessors
// return copies; mutations go through Save which rewrites the agent's file
// atomically.
type Registry struct {
	dir    string
	logger *log.Logger

	mu     sync.RWMutex
	agents map[string]domain.Agent
}

// New creates a registry over the given agents directory.
func New(dir string, logger *log.Logger) *Registry {
	return &Registry{
		dir:    dir,
		logger: logger,
		agents: make(map[string]domain.Agent),
	}
}

// Dir returns the backing directory.
func (r *Registry) Dir() string { return r.dir }

// Rebind points the registry at a new directory (session migration) and
// drops the in-memory mirror so the next sync reloads from the new path.
func (r *Registry) Rebind(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dir = dir
	r.agents = make(map[string]domain.Agent)
}

// SyncFromDisk reloads every agent file and replaces the in-memory set.
// Unparseable files are skipped with a log line; a missing directory yields
// an empty set.
func (r *Registry) SyncFromDisk() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.mu.Lock()
			r.agents = make(map[string]domain.Agent)
			r.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read agents dir: %w", err)
	}

	loaded := make(map[string]domain.Agent)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			// The writer may be mid-rename; treat as transient.
			continue
		}
		var agent domain.Agent
		if err := json.Unmarshal(data, &agent); err != nil {
			if r.logger != nil {
				r.logger.Printf("registry: skipping unparseable %s: %v", entry.Name(), err)
			}
			continue
		}
		if agent.ID == "" {
			continue
		}
		loaded[agent.ID] = agent
	}

	r.mu.Lock()
	r.agents = loaded
	r.mu.Unlock()
	return nil
}

// Save persists one agent atomically and updates the in-memory mirror.
func (r *Registry) Save(agent *domain.Agent) error {
	if agent.ID == "" {
		return fmt.Errorf("agent id is empty")
	}
	data, err := json.MarshalIndent(agent, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal agent %s: %w", agent.ID, err)
	}
	path := filepath.Join(r.dir, agent.ID+".json")
	if err := lockfile.AtomicWrite(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write agent %s: %w", agent.ID, err)
	}
	r.mu.Lock()
	r.agents[agent.ID] = *agent
	r.mu.Unlock()
	return nil
}

// Remove deletes an agent's file and mirror entry. Removing an unknown
// agent is not an error.
func (r *Registry) Remove(agentID string) error {
	path := filepath.Join(r.dir, agentID+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove agent %s: %w", agentID, err)
	}
	r.mu.Lock()
	delete(r.agents, agentID)
	r.mu.Unlock()
	return nil
}

// Get returns a copy of one agent.
func (r *Registry) Get(agentID string) (domain.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	return agent, ok
}

// List returns copies of all agents, ordered by ID.
func (r *Registry) List() []domain.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByRole returns copies of all agents with the given role, ordered by ID.
func (r *Registry) ByRole(role domain.Role) []domain.Agent {
	var out []domain.Agent
	for _, agent := range r.List() {
		if agent.Role == role {
			out = append(out, agent)
		}
	}
	return out
}

// UniqueAdmin returns the single admin agent, or an error when zero or
// several admins are registered.
func (r *Registry) UniqueAdmin() (domain.Agent, error) {
	admins := r.ByRole(domain.RoleAdmin)
	switch len(admins) {
	case 1:
		return admins[0], nil
	case 0:
		return domain.Agent{}, fmt.Errorf("no admin agent registered")
	default:
		return domain.Agent{}, fmt.Errorf("%d admin agents registered", len(admins))
	}
}

// WorkerBySlot finds the worker occupying a 1-based worker slot.
func (r *Registry) WorkerBySlot(workerIndex int) (domain.Agent, bool) {
	for _, agent := range r.ByRole(domain.RoleWorker) {
		if agent.WindowIndex == nil || agent.PaneIndex == nil {
			continue
		}
		if domain.WorkerIndex(*agent.WindowIndex, *agent.PaneIndex) == workerIndex {
			return agent, true
		}
	}
	return domain.Agent{}, false
}

// SessionNames collects every tmux session referenced by the agent set,
// from both SessionName and the session part of TmuxSession. Cleanup kills
// only these.
func (r *Registry) SessionNames() []string {
	seen := make(map[string]bool)
	for _, agent := range r.List() {
		if name := agent.ResolvedSessionName(); name != "" {
			seen[name] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
