package offline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ghostspeak/relay/internal/metrics"
	"github.com/ghostspeak/relay/internal/models"
)

// RecordConflict registers divergent versions of one logical message
// for an agent and marks the stored message conflicted. Returns the
// conflict id.
func (m *Manager) RecordConflict(ctx context.Context, agent, messageID string, candidates []*models.Message, severity models.ConflictSeverity) (string, error) {
	if len(candidates) < 2 {
		return "", fmt.Errorf("a conflict needs at least two versions")
	}
	as, err := m.agentState(agent)
	if err != nil {
		return "", err
	}

	conflictID := uuid.New().String()

	as.mu.Lock()
	as.state.Pending.Conflicts = append(as.state.Pending.Conflicts, conflictID)
	as.mu.Unlock()

	if om, err := as.primary.Retrieve(ctx, agent, messageID); err == nil && om != nil {
		om.SyncStatus = models.SyncConflict
		om.Conflicts = append(om.Conflicts, models.Conflict{
			ID:       conflictID,
			Type:     "content",
			Severity: severity,
		})
		_ = as.primary.Store(ctx, om)
	}

	m.resMu.Lock()
	m.versions[conflictID] = conflictVersions{
		agent:      agent,
		messageID:  messageID,
		candidates: candidates,
	}
	m.resMu.Unlock()

	m.logger.Info().
		Str("agent", agent).
		Str("conflict_id", conflictID).
		Str("message_id", messageID).
		Int("versions", len(candidates)).
		Msg("conflict recorded")
	return conflictID, nil
}

// ResolutionRequest asks for one conflict to be resolved.
type ResolutionRequest struct {
	ConflictID      string                  `json:"conflict_id"`
	Strategy        models.ConflictStrategy `json:"strategy"`
	SelectedVersion *models.Message         `json:"selected_version,omitempty"` // required for user_decision
}

// ResolutionResult reports the per-conflict outcome. Partial success
// across a batch is expected and itemized, never an overall failure.
type ResolutionResult struct {
	ConflictID string                     `json:"conflict_id"`
	Resolved   bool                       `json:"resolved"`
	Error      string                     `json:"error,omitempty"`
	Resolution *models.ConflictResolution `json:"resolution,omitempty"`
}

// ResolveConflicts applies the requested strategy to each conflict
// independently.
func (m *Manager) ResolveConflicts(ctx context.Context, agent string, requests []ResolutionRequest) ([]ResolutionResult, error) {
	as, err := m.agentState(agent)
	if err != nil {
		return nil, err
	}

	results := make([]ResolutionResult, 0, len(requests))
	for _, req := range requests {
		res := m.resolveOne(ctx, as, req)
		results = append(results, res)
	}
	return results, nil
}

func (m *Manager) resolveOne(ctx context.Context, as *agentState, req ResolutionRequest) ResolutionResult {
	m.resMu.Lock()
	cv, ok := m.versions[req.ConflictID]
	m.resMu.Unlock()
	if !ok {
		return ResolutionResult{
			ConflictID: req.ConflictID,
			Error:      "unknown conflict",
		}
	}

	resolved, reason, err := reduce(req.Strategy, cv.candidates, req.SelectedVersion, req.ConflictID)
	if err != nil {
		return ResolutionResult{ConflictID: req.ConflictID, Error: err.Error()}
	}

	var discarded []*models.Message
	for _, v := range cv.candidates {
		if v != resolved {
			discarded = append(discarded, v)
		}
	}

	resolution := &models.ConflictResolution{
		ConflictID:        req.ConflictID,
		MessageID:         cv.messageID,
		Strategy:          req.Strategy,
		ResolvedMessage:   resolved,
		DiscardedVersions: discarded,
		Reason:            reason,
		ResolvedAt:        m.nowFn(),
	}

	// Resolved message goes back to pending for the next sync pass.
	if om, err := as.primary.Retrieve(ctx, cv.agent, cv.messageID); err == nil && om != nil {
		om.Message = resolved
		om.SyncStatus = models.SyncPending
		om.Conflicts = nil
		_ = as.primary.Store(ctx, om)
	}

	as.mu.Lock()
	as.state.Pending.Conflicts = removeID(as.state.Pending.Conflicts, req.ConflictID)
	as.mu.Unlock()

	m.resMu.Lock()
	m.resolutions[req.ConflictID] = resolution
	delete(m.versions, req.ConflictID)
	m.resMu.Unlock()

	metrics.ConflictsResolved.WithLabelValues(string(req.Strategy)).Inc()
	return ResolutionResult{ConflictID: req.ConflictID, Resolved: true, Resolution: resolution}
}

// reduce picks the surviving version per strategy.
func reduce(strategy models.ConflictStrategy, candidates []*models.Message, selected *models.Message, conflictID string) (*models.Message, string, error) {
	switch strategy {
	case models.LastWriteWins:
		return pick(candidates, func(a, b *models.Message) bool {
			return a.Timestamp > b.Timestamp
		}), "highest timestamp wins", nil

	case models.FirstWriteWins:
		return pick(candidates, func(a, b *models.Message) bool {
			return a.Timestamp < b.Timestamp
		}), "lowest timestamp wins", nil

	case models.UserDecision:
		if selected == nil {
			return nil, "", &UserInputRequiredError{ConflictID: conflictID}
		}
		for _, v := range candidates {
			if v.ID == selected.ID && v.Timestamp == selected.Timestamp {
				return v, "caller selected version", nil
			}
		}
		return selected, "caller supplied version", nil

	case models.MergeChanges:
		return merge(candidates), "contents merged in timestamp order", nil

	case models.PriorityBased:
		return pick(candidates, func(a, b *models.Message) bool {
			if a.Priority.Boost() != b.Priority.Boost() {
				return a.Priority.Boost() > b.Priority.Boost()
			}
			return a.Timestamp > b.Timestamp
		}), "highest priority wins", nil

	case models.SenderPriority:
		// The original sender's version wins; candidates from other
		// parties lose. Ties go to the newest.
		origin := candidates[0].From
		return pick(candidates, func(a, b *models.Message) bool {
			af, bf := a.From == origin, b.From == origin
			if af != bf {
				return af
			}
			return a.Timestamp > b.Timestamp
		}), "original sender wins", nil
	}
	return nil, "", fmt.Errorf("unknown conflict strategy %q", strategy)
}

func pick(candidates []*models.Message, better func(a, b *models.Message) bool) *models.Message {
	best := candidates[0]
	for _, v := range candidates[1:] {
		if better(v, best) {
			best = v
		}
	}
	return best
}

// merge keeps the newest version's envelope with every distinct
// content joined in timestamp order.
func merge(candidates []*models.Message) *models.Message {
	ordered := make([]*models.Message, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp < ordered[j].Timestamp
	})

	var parts []string
	seen := make(map[string]bool)
	for _, v := range ordered {
		if !seen[v.Content] {
			seen[v.Content] = true
			parts = append(parts, v.Content)
		}
	}

	out := *ordered[len(ordered)-1]
	out.Content = strings.Join(parts, "\n")
	return &out
}
