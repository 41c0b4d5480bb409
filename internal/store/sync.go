package store

import (
	"strings"
	"time"

	"github.com/jaakkos/tmuxcrew/internal/domain"
)

// agentLister is the slice of the agent registry the sync path needs.
type agentLister interface {
	SyncFromDisk() error
	List() []domain.Agent
}

// messageLister is the slice of the IPC bus the sync path needs.
type messageLister interface {
	AllMessages() ([]domain.Message, error)
}

// SyncReport summarizes one dashboard sync pass.
type SyncReport struct {
	AgentsSynced    int  `json:"agents_synced"`
	AgentsRemoved   int  `json:"agents_removed"`
	MessagesSynced  int  `json:"messages_synced"`
	MessagesFailed  bool `json:"messages_failed,omitempty"`
	SessionStarted  bool `json:"session_started"`
	SessionFinished bool `json:"session_finished"`
}

// messageKey identifies one message for sync dedup. The IPC id wins when
// present; older ledger entries fall back to a composite of the fields.
func messageKey(m *domain.MessageSummary) string {
	if m.MessageID != "" {
		return m.MessageID
	}
	ts := ""
	if m.CreatedAt != nil {
		ts = m.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return strings.Join([]string{m.SenderID, m.ReceiverID, m.MessageType, ts, m.Content}, "\x1f")
}

// SyncFromDisk refreshes the dashboard's agent mirror from the registry and
// folds inbox messages not yet in the ledger into it. messages.md only ever
// grows: new entries are appended, recorded history survives inbox clears
// and fresh processes. The session start is stamped on the first sync that
// sees agents.
func (s *Store) SyncFromDisk(agents agentLister, messages messageLister) (SyncReport, error) {
	var report SyncReport
	if err := agents.SyncFromDisk(); err != nil {
		return report, err
	}
	live := agents.List()

	var summaries []domain.MessageSummary
	if messages != nil {
		all, err := messages.AllMessages()
		if err != nil {
			// Message sync is best-effort; the agent mirror still updates.
			report.MessagesFailed = true
			if s.logger != nil {
				s.logger.Printf("store: message sync failed: %v", err)
			}
		} else {
			summaries = make([]domain.MessageSummary, 0, len(all))
			for i := range all {
				m := &all[i]
				created := m.CreatedAt
				summaries = append(summaries, domain.MessageSummary{
					MessageID:   m.ID,
					SenderID:    m.SenderID,
					ReceiverID:  m.ReceiverID,
					MessageType: string(m.MessageType),
					Subject:     m.Subject,
					Content:     m.Content,
					CreatedAt:   &created,
				})
			}
		}
	}

	var appended []domain.MessageSummary
	var labels map[string]string
	err := s.Mutate(func(d *domain.Dashboard) error {
		before := len(d.Agents)
		d.Agents = d.Agents[:0]
		for i := range live {
			d.Agents = append(d.Agents, summarizeAgent(&live[i]))
		}
		if removed := before - len(d.Agents); removed > 0 {
			report.AgentsRemoved = removed
		}
		report.AgentsSynced = len(d.Agents)

		if summaries != nil {
			seen := make(map[string]bool, len(d.Messages))
			for i := range d.Messages {
				seen[messageKey(&d.Messages[i])] = true
			}
			for i := range summaries {
				if key := messageKey(&summaries[i]); !seen[key] {
					seen[key] = true
					d.Messages = append(d.Messages, summaries[i])
					appended = append(appended, summaries[i])
				}
			}
			report.MessagesSynced = len(appended)
		}

		if d.SessionStartedAt == nil && len(d.Agents) > 0 {
			now := s.now()
			d.SessionStartedAt = &now
		}
		report.SessionStarted = d.SessionStartedAt != nil
		report.SessionFinished = d.SessionFinishedAt != nil
		labels = agentLabelMap(d)
		return nil
	})
	if err != nil {
		return report, err
	}

	if len(appended) > 0 {
		if err := s.appendMessageBlocks(labels, appended); err != nil {
			report.MessagesFailed = true
			if s.logger != nil {
				s.logger.Printf("store: write messages.md failed: %v", err)
			}
		}
	}
	return report, nil
}
