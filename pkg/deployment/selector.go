package deployment

import (
	"math"
	"sort"

	"robofleet/internal/model"
)

// Ineligibility reasons
const (
	ReasonOffline   = "offline"
	ReasonEStopped  = "estopped"
	ReasonWrongType = "wrong_type"
	ReasonWrongZone = "wrong_zone"
	ReasonBusy      = "busy"
)

const (
	zoneWeight        = 0.4
	typeWeight        = 0.3
	utilizationWeight = 0.3
)

// Candidate eligible robot with its score
type Candidate struct {
	Robot model.Robot
	Score float64
}

// Selection result of one selection pass
type Selection struct {
	Eligible []Candidate
	Excluded map[string]string
	Admitted []string
	Target   int
}

// Selector ranks robots for canary admission
type Selector struct {
	MaxUtilization float64
}

// Eligible splits robots into scored candidates and excluded ids with a reason.
// Candidates are ordered best first, ties broken by id.
func (s Selector) Eligible(robots []model.Robot, types, zones []string) ([]Candidate, map[string]string) {
	excluded := make(map[string]string)
	var out []Candidate
	for _, r := range robots {
		if reason := s.ineligible(r, types, zones); reason != "" {
			excluded[r.ID] = reason
			continue
		}
		out = append(out, Candidate{Robot: r, Score: score(r, types, zones)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Robot.ID < out[j].Robot.ID
	})
	return out, excluded
}

func (s Selector) ineligible(r model.Robot, types, zones []string) string {
	switch {
	case r.Status == model.RobotStatusOffline:
		return ReasonOffline
	case r.Status == model.RobotStatusEStopped:
		return ReasonEStopped
	case len(types) > 0 && !contains(types, r.Type):
		return ReasonWrongType
	case len(zones) > 0 && !contains(zones, r.Zone):
		return ReasonWrongZone
	case s.MaxUtilization > 0 && r.Utilization > s.MaxUtilization:
		return ReasonBusy
	}
	return ""
}

// score weights zone match, type match and spare capacity.
// An empty target list matches every robot.
func score(r model.Robot, types, zones []string) float64 {
	var sc float64
	if len(zones) == 0 || contains(zones, r.Zone) {
		sc += zoneWeight
	}
	if len(types) == 0 || contains(types, r.Type) {
		sc += typeWeight
	}
	util := math.Min(math.Max(r.Utilization, 0), 1)
	sc += utilizationWeight * (1 - util)
	return sc
}

// TargetCount robots a stage must hold: ceil(percentage * eligible)
func TargetCount(percentage float64, eligible int) int {
	if eligible <= 0 || percentage <= 0 {
		return 0
	}
	n := int(math.Ceil(percentage*float64(eligible) - 1e-9))
	if n > eligible {
		n = eligible
	}
	return n
}

// Select admits robots for a stage. Previously admitted robots always stay admitted,
// the remainder up to the target is filled from the best ranked candidates.
func (s Selector) Select(robots []model.Robot, types, zones []string, percentage float64, previous []string) Selection {
	eligible, excluded := s.Eligible(robots, types, zones)
	target := TargetCount(percentage, len(eligible))

	admitted := append([]string(nil), previous...)
	seen := make(map[string]bool, len(previous))
	for _, id := range previous {
		seen[id] = true
	}
	for _, c := range eligible {
		if len(admitted) >= target {
			break
		}
		if seen[c.Robot.ID] {
			continue
		}
		seen[c.Robot.ID] = true
		admitted = append(admitted, c.Robot.ID)
	}
	return Selection{Eligible: eligible, Excluded: excluded, Admitted: admitted, Target: target}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
