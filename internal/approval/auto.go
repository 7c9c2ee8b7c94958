package approval

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jkaninda/toolgate/internal/config"
)

// AutoApprover tracks review outcomes and lets repeated safe calls skip review.
// When the same user+tool+input combination has been manually approved N times
// within a lookback window, subsequent identical calls are auto-approved.
type AutoApprover struct {
	mu       sync.Mutex
	history  map[string][]time.Time // key → timestamps of manual approvals
	counters map[string]int         // userID → auto-approvals this hour
	hourSlot int64
	cfg      config.AutoApprovalConfig
	now      func() time.Time
	logger   *slog.Logger
}

// NewAutoApprover creates an AutoApprover. A nil config disables it (nil result).
func NewAutoApprover(cfg *config.AutoApprovalConfig, logger *slog.Logger) *AutoApprover {
	if cfg == nil {
		return nil
	}
	c := *cfg
	if c.MaxPerHour <= 0 {
		c.MaxPerHour = 10
	}
	if c.RequiredApprovals <= 0 {
		c.RequiredApprovals = 3
	}
	if c.WindowHours <= 0 {
		c.WindowHours = 24
	}
	return &AutoApprover{
		history:  make(map[string][]time.Time),
		counters: make(map[string]int),
		cfg:      c,
		now:      time.Now,
		logger:   logger,
	}
}

// ShouldAutoApprove reports whether an identical call was manually approved
// often enough to skip review, and why.
func (a *AutoApprover) ShouldAutoApprove(userID, toolID string, input any) (bool, string) {
	if a == nil || userID == "" || !slices.Contains(a.cfg.AllowedTools, toolID) {
		return false, ""
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if slot := now.Unix() / 3600; slot != a.hourSlot {
		a.counters = make(map[string]int)
		a.hourSlot = slot
	}
	if a.counters[userID] >= a.cfg.MaxPerHour {
		return false, ""
	}

	key := approvalKey(userID, toolID, input)
	recent := len(a.pruneLocked(key, now))
	if recent < a.cfg.RequiredApprovals {
		return false, ""
	}

	a.counters[userID]++
	reason := fmt.Sprintf("%d prior manual approvals in %dh window", recent, a.cfg.WindowHours)
	a.logger.Info("auto-approving tool invocation",
		slog.String("user_id", userID),
		slog.String("tool_id", toolID),
		slog.String("reason", reason),
	)
	return true, reason
}

// RecordManualApproval records that a reviewer approved a specific call.
func (a *AutoApprover) RecordManualApproval(userID, toolID string, input any) {
	if a == nil {
		return
	}
	key := approvalKey(userID, toolID, input)
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	a.history[key] = append(a.pruneLocked(key, now), now)
}

func (a *AutoApprover) pruneLocked(key string, now time.Time) []time.Time {
	cutoff := now.Add(-time.Duration(a.cfg.WindowHours) * time.Hour)
	entries := a.history[key]
	pruned := entries[:0]
	for _, ts := range entries {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	if len(pruned) == 0 {
		delete(a.history, key)
		return nil
	}
	a.history[key] = pruned
	return pruned
}

func approvalKey(userID, toolID string, input any) string {
	data, _ := json.Marshal(input)
	h := sha256.Sum256(append([]byte(userID+"|"+toolID+"|"), data...))
	return hex.EncodeToString(h[:16])
}
