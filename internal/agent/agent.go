package agent

import "time"

// Profile describes an external worker identity. Profiles are supplied by
// the agent-management layer; the coordination core only reads them.
type Profile struct {
	ID           string
	Type         string   // agent type tag (e.g., "coder", "reviewer")
	Capabilities []string // declared capability names
	Priority     int      // scheduling weight, higher wins ties in arbitration
}

// HasCapabilities reports whether the profile's capability set is a
// superset of required.
func (p Profile) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(p.Capabilities))
	for _, c := range p.Capabilities {
		have[c] = true
	}
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}

// Workload is a point-in-time load snapshot for one agent, recomputed from
// periodic reports. It is used only for steal/selection decisions and is
// never persisted.
type Workload struct {
	AgentID      string
	TaskCount    int
	AvgDuration  time.Duration // rolling average task duration
	CPUUsage     float64       // resource-usage hints in [0,1], optional
	MemoryUsage  float64
	Priority     int
	Capabilities []string
	ReportedAt   time.Time
}

// HasCapabilities reports whether the workload's capability snapshot covers
// all required capabilities.
func (w Workload) HasCapabilities(required []string) bool {
	return Profile{Capabilities: w.Capabilities}.HasCapabilities(required)
}
