package backup

import (
	"sort"

	"github.com/ruteri/threshold-key-custody/interfaces"
)

// Health is the classification of a group by its active member count.
type Health int

const (
	Healthy Health = iota
	Degraded
	Catastrophic
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Catastrophic:
		return "catastrophic"
	default:
		return "unknown"
	}
}

// Classify maps an active member count onto a health class. A degraded group
// keeps operating normally; only a catastrophic one needs backup recovery.
func (m *Manager) Classify(activeMembers int) Health {
	switch {
	case activeMembers >= m.cfg.HealthyMin:
		return Healthy
	case activeMembers < m.cfg.CatastrophicMin:
		return Catastrophic
	default:
		return Degraded
	}
}

// HealthyGroups returns the groups other than the own one that can hold
// backups, ordered by group ID.
func (m *Manager) HealthyGroups(groups []interfaces.Group) []interfaces.Group {
	out := make([]interfaces.Group, 0, len(groups))
	for _, g := range groups {
		if g.ID == m.cfg.Group || len(g.Members) == 0 {
			continue
		}
		if m.Classify(g.ActiveMembers) != Healthy {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func groupIDs(groups []interfaces.Group) []interfaces.GroupID {
	ids := make([]interfaces.GroupID, len(groups))
	for i, g := range groups {
		ids[i] = g.ID
	}
	return ids
}

func sameGroups(a, b []interfaces.GroupID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
