package dispatcher

import (
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/orbitmesh/orbitmesh/internal/model"
)

// matchPattern reports whether an agent named agentName in group agentGroup
// satisfies pattern. An empty pattern matches everything. A "group:<name>"
// prefix restricts matching to that group before the remainder is matched
// against the agent's name with shell-style glob syntax (*, ?), applied
// case-insensitively so "Worker-1" matches "worker-*".
func matchPattern(pattern, agentName, agentGroup string) bool {
	if pattern == "" {
		return true
	}

	if rest, ok := strings.CutPrefix(pattern, "group:"); ok {
		groupPart, namePart, found := strings.Cut(rest, "/")
		if !found {
			// "group:<name>" alone restricts to the group with no further
			// name constraint.
			return strings.EqualFold(agentGroup, groupPart)
		}
		if !strings.EqualFold(agentGroup, groupPart) {
			return false
		}
		pattern = namePart
	}

	matched, err := path.Match(strings.ToLower(pattern), strings.ToLower(agentName))
	if err != nil {
		return false
	}
	return matched
}

// hasAllCapabilities reports whether agent advertises every capability name
// in required.
func hasAllCapabilities(agent *model.Agent, required []string) bool {
	for _, name := range required {
		if !agent.HasCapability(name) {
			return false
		}
	}
	return true
}

// isBlacklisted reports whether agentID appears in job.BlacklistedAgents.
// The dispatcher populates that field from its own in-memory tracking
// immediately before calling eligible, since the field is `json:"-"` and
// never round-trips through storage.
func isBlacklisted(job *model.Job, agentID uuid.UUID) bool {
	for _, id := range job.BlacklistedAgents {
		if id == agentID {
			return true
		}
	}
	return false
}

// eligible filters candidates to those satisfying every selection criterion
// in spec §4.2 except the load tiebreak, which pickBest applies across the
// survivors.
func eligible(job *model.Job, agents []model.Agent) []model.Agent {
	out := make([]model.Agent, 0, len(agents))
	for _, a := range agents {
		if a.Status != model.AgentReady {
			continue
		}
		if job.TargetAgentID != nil && *job.TargetAgentID != a.ID {
			continue
		}
		if !matchPattern(job.Pattern, a.Name, a.Group) {
			continue
		}
		if !hasAllCapabilities(&a, job.RequiredCapabilities) {
			continue
		}
		if isBlacklisted(job, a.ID) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// pickBest returns the candidate with the fewest active assignments, broken
// by earliest lastCompleted, then by agent ID — spec §4.2's deterministic
// tiebreak chain.
func pickBest(candidates []model.Agent, active map[string]int, lastCompleted map[string]int64) (model.Agent, bool) {
	if len(candidates) == 0 {
		return model.Agent{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if active[c.ID.String()] < active[best.ID.String()] {
			best = c
			continue
		}
		if active[c.ID.String()] > active[best.ID.String()] {
			continue
		}
		if lastCompleted[c.ID.String()] < lastCompleted[best.ID.String()] {
			best = c
			continue
		}
		if lastCompleted[c.ID.String()] > lastCompleted[best.ID.String()] {
			continue
		}
		if c.ID.String() < best.ID.String() {
			best = c
		}
	}
	return best, true
}
