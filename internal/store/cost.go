package store

import (
	"fmt"
	"strings"

	"github.com/jaakkos/tmuxcrew/internal/domain"
)

// CostRecord carries one API call report into the cost ledger. ActualCostUSD
// is only trusted for claude agents reporting a measured session total.
type CostRecord struct {
	AICli         string
	Model         string
	Tokens        int
	ActualCostUSD *float64
	StatusLine    string
	AgentID       string
	TaskID        string
}

// RecordAPICall appends a cost row and refreshes the aggregates. When the
// token count is zero the configured per-call estimate is used.
func (s *Store) RecordAPICall(rec CostRecord) (domain.CostInfo, error) {
	var out domain.CostInfo
	err := s.Mutate(func(d *domain.Dashboard) error {
		tokens := rec.Tokens
		if tokens <= 0 && s.settings != nil {
			tokens = s.settings.EstimatedTokensPerCall
		}
		cli := strings.ToLower(rec.AICli)
		rate := 0.0
		if s.settings != nil {
			rate = s.settings.CostPer1K(cli, rec.Model)
		}
		row := domain.APICallRecord{
			AICli:            cli,
			Model:            rec.Model,
			Tokens:           tokens,
			EstimatedCostUSD: float64(tokens) / 1000 * rate,
			CostSource:       domain.CostSourceEstimated,
			Timestamp:        s.now(),
			AgentID:          rec.AgentID,
			TaskID:           rec.TaskID,
		}
		// The status line is a claude session readout; it only travels
		// with a measured cost.
		if rec.ActualCostUSD != nil && cli == string(domain.CliClaude) {
			actual := *rec.ActualCostUSD
			row.ActualCostUSD = &actual
			row.StatusLine = rec.StatusLine
			row.CostSource = domain.CostSourceActual
		}
		d.Cost.Calls = append(d.Cost.Calls, row)
		recalcCost(&d.Cost)
		out = d.Cost
		return nil
	})
	return out, err
}

// recalcCost rebuilds the aggregates from the rows. Actual rows are a
// session-cumulative snapshot per agent, so only the latest one per agent
// counts; every non-actual row contributes its estimate.
func recalcCost(cost *domain.CostInfo) {
	cost.TotalAPICalls = len(cost.Calls)
	tokens := 0
	estimated := 0.0
	latest := map[string]float64{}
	for i := range cost.Calls {
		row := &cost.Calls[i]
		tokens += row.Tokens
		if row.IsActual() {
			key := row.AgentID
			if key == "" {
				key = "unknown"
			}
			latest[key] = *row.ActualCostUSD
		} else {
			estimated += row.EstimatedCostUSD
		}
	}
	actual := 0.0
	for _, v := range latest {
		actual += v
	}
	cost.EstimatedTokens = tokens
	cost.EstimatedCostUSD = estimated
	cost.ActualCostUSD = actual
	cost.TotalCostUSD = actual + estimated
	if len(latest) > 0 {
		cost.ActualCostByAgent = latest
	} else {
		cost.ActualCostByAgent = nil
	}
}

// GetCostEstimate returns the current aggregates without mutating anything.
func (s *Store) GetCostEstimate() (domain.CostInfo, error) {
	d, err := s.Load()
	if err != nil {
		return domain.CostInfo{}, err
	}
	return d.Cost, nil
}

// CostSummary is the flat digest for get_cost_summary.
type CostSummary struct {
	TotalAPICalls    int            `json:"total_api_calls"`
	EstimatedTokens  int            `json:"estimated_tokens"`
	EstimatedCostUSD float64        `json:"estimated_cost_usd"`
	ActualCostUSD    float64        `json:"actual_cost_usd"`
	TotalCostUSD     float64        `json:"total_cost_usd"`
	WarningThreshold float64        `json:"warning_threshold_usd"`
	WarningExceeded  bool           `json:"warning_exceeded"`
	CallsByCli       map[string]int `json:"calls_by_cli,omitempty"`
}

// GetCostSummary aggregates the ledger for reporting tools.
func (s *Store) GetCostSummary() (CostSummary, error) {
	d, err := s.Load()
	if err != nil {
		return CostSummary{}, err
	}
	byCli := map[string]int{}
	for i := range d.Cost.Calls {
		cli := d.Cost.Calls[i].AICli
		if cli == "" {
			cli = "unknown"
		}
		byCli[cli]++
	}
	if len(byCli) == 0 {
		byCli = nil
	}
	return CostSummary{
		TotalAPICalls:    d.Cost.TotalAPICalls,
		EstimatedTokens:  d.Cost.EstimatedTokens,
		EstimatedCostUSD: d.Cost.EstimatedCostUSD,
		ActualCostUSD:    d.Cost.ActualCostUSD,
		TotalCostUSD:     d.Cost.TotalCostUSD,
		WarningThreshold: d.Cost.WarningThreshold,
		WarningExceeded:  d.Cost.TotalCostUSD >= d.Cost.WarningThreshold,
		CallsByCli:       byCli,
	}, nil
}

// CheckCostWarning reports whether the combined cost crossed the threshold.
// The message is operator-facing and empty while under the threshold.
func (s *Store) CheckCostWarning() (bool, string, error) {
	d, err := s.Load()
	if err != nil {
		return false, "", err
	}
	cost := d.Cost
	if cost.TotalCostUSD < cost.WarningThreshold {
		return false, "", nil
	}
	msg := fmt.Sprintf("警告: 推定コスト ($%.2f) が 閾値 ($%.2f) を超えています",
		cost.TotalCostUSD, cost.WarningThreshold)
	return true, msg, nil
}

// SetCostWarningThreshold updates the warning threshold. Non-positive values
// are rejected.
func (s *Store) SetCostWarningThreshold(thresholdUSD float64) error {
	if thresholdUSD <= 0 {
		return fmt.Errorf("threshold must be positive, got %.2f", thresholdUSD)
	}
	return s.Mutate(func(d *domain.Dashboard) error {
		d.Cost.WarningThreshold = thresholdUSD
		return nil
	})
}

// ResetCostCounter clears the ledger and returns how many rows were dropped.
// The warning threshold survives the reset.
func (s *Store) ResetCostCounter() (int, error) {
	dropped := 0
	err := s.Mutate(func(d *domain.Dashboard) error {
		dropped = len(d.Cost.Calls)
		threshold := d.Cost.WarningThreshold
		d.Cost = domain.NewCostInfo()
		d.Cost.WarningThreshold = threshold
		return nil
	})
	return dropped, err
}

// CostBreakdownRow aggregates the ledger along one key (agent, task or CLI).
type CostBreakdownRow struct {
	Calls   int     `json:"calls"`
	Tokens  int     `json:"tokens"`
	CostUSD float64 `json:"cost_usd"`
}

func breakdownBy(calls []domain.APICallRecord, key func(*domain.APICallRecord) string) map[string]CostBreakdownRow {
	out := map[string]CostBreakdownRow{}
	for i := range calls {
		row := &calls[i]
		k := key(row)
		if k == "" {
			k = "unknown"
		}
		entry := out[k]
		entry.Calls++
		entry.Tokens += row.Tokens
		if row.IsActual() {
			entry.CostUSD = *row.ActualCostUSD
		} else {
			entry.CostUSD += row.EstimatedCostUSD
		}
		out[k] = entry
	}
	return out
}

// CostByAgent aggregates the ledger per reporting agent. An agent's actual
// snapshot replaces its accumulated estimate, matching the total's rule.
func (s *Store) CostByAgent() (map[string]CostBreakdownRow, error) {
	d, err := s.Load()
	if err != nil {
		return nil, err
	}
	return breakdownBy(d.Cost.Calls, func(r *domain.APICallRecord) string { return r.AgentID }), nil
}

// CostByTask aggregates the ledger per task.
func (s *Store) CostByTask() (map[string]CostBreakdownRow, error) {
	d, err := s.Load()
	if err != nil {
		return nil, err
	}
	return breakdownBy(d.Cost.Calls, func(r *domain.APICallRecord) string { return r.TaskID }), nil
}

// DetailedBreakdown groups the ledger by agent, task and CLI in one pass.
type DetailedBreakdown struct {
	ByAgent map[string]CostBreakdownRow `json:"by_agent,omitempty"`
	ByTask  map[string]CostBreakdownRow `json:"by_task,omitempty"`
	ByCli   map[string]CostBreakdownRow `json:"by_cli,omitempty"`
	Total   CostSummary                 `json:"total"`
}

// GetDetailedBreakdown returns the full cost report behind
// get_cost_summary(detailed=true).
func (s *Store) GetDetailedBreakdown() (DetailedBreakdown, error) {
	d, err := s.Load()
	if err != nil {
		return DetailedBreakdown{}, err
	}
	summary, err := s.GetCostSummary()
	if err != nil {
		return DetailedBreakdown{}, err
	}
	return DetailedBreakdown{
		ByAgent: breakdownBy(d.Cost.Calls, func(r *domain.APICallRecord) string { return r.AgentID }),
		ByTask:  breakdownBy(d.Cost.Calls, func(r *domain.APICallRecord) string { return r.TaskID }),
		ByCli:   breakdownBy(d.Cost.Calls, func(r *domain.APICallRecord) string { return r.AICli }),
		Total:   summary,
	}, nil
}
