package wakeplan

import (
	"sort"
	"strconv"
	"strings"
)

// Group is a materialised PC group as the resolver needs it.
type Group struct {
	ID       uint
	Name     string
	PlanID   uint // 0 when the group has no plan
	PlanName string
	PCs      IDSet
}

type GroupInput struct {
	PlanID    uint
	Candidate []uint
	Pre       IDSet
	// Groups must contain every candidate and every group sharing a PC with one.
	Groups  map[uint]Group
	PCNames map[uint]string
}

type GroupResult struct {
	Verified IDSet
	Rejected IDSet
	// Unknown holds candidates missing from Groups; they are also in Rejected.
	Unknown IDSet
	// PCs reachable through the verified groups.
	PCs              IDSet
	RejectedGroups   string
	ConflictingPCs   string
	ConflictingPlans string
}

func (r GroupResult) HasRejections() bool { return r.Rejected.Len() > 0 }

type EventInput struct {
	Candidate []uint
	Pre       IDSet
	Events    map[uint]Interval
}

type EventResult struct {
	Verified       IDSet
	Rejected       IDSet
	Unknown        IDSet
	RejectedEvents string
}

func (r EventResult) HasRejections() bool { return r.Rejected.Len() > 0 }

// JoinIDs lists ids in ascending order, comma separated.
func JoinIDs(ids IDSet) string {
	parts := make([]string, 0, ids.Len())
	for _, id := range ids.Sorted() {
		parts = append(parts, strconv.FormatUint(uint64(id), 10))
	}
	return strings.Join(parts, ", ")
}

type Resolver struct {
	And string
	Or  string
}

func NewResolver() Resolver { return Resolver{And: DefaultConjunction, Or: DefaultPlanConjunction} }

// ResolveGroups trusts groups already on the plan and admits each newly
// selected group, in name order, unless one of its PCs is claimed by another
// plan through a group outside the selection.
func (r Resolver) ResolveGroups(in GroupInput) GroupResult {
	candidate := NewIDSet(in.Candidate...)
	verified := candidate.Intersect(in.Pre)
	rejected, unknown := IDSet{}, IDSet{}

	// PC -> plan name of the first foreign group claiming it.
	claimed := map[uint]string{}
	for _, g := range sortedGroups(in.Groups) {
		if candidate.Has(g.ID) || g.PlanID == 0 || g.PlanID == in.PlanID {
			continue
		}
		for pc := range g.PCs {
			if _, ok := claimed[pc]; !ok {
				claimed[pc] = g.PlanName
			}
		}
	}

	fresh := make([]Group, 0, len(in.Candidate))
	for id := range candidate.Difference(in.Pre) {
		g, ok := in.Groups[id]
		if !ok {
			rejected.Add(id)
			unknown.Add(id)
			continue
		}
		fresh = append(fresh, g)
	}
	sortGroups(fresh)

	var groupNames, pcNames, planNames []string
	for _, g := range fresh {
		var hits []uint
		for _, pc := range g.PCs.Sorted() {
			if _, ok := claimed[pc]; ok {
				hits = append(hits, pc)
			}
		}
		if len(hits) == 0 {
			verified.Add(g.ID)
			continue
		}
		rejected.Add(g.ID)
		groupNames = append(groupNames, g.Name)
		for _, pc := range hits {
			pcNames = append(pcNames, in.PCNames[pc])
			planNames = append(planNames, claimed[pc])
		}
	}

	pcs := IDSet{}
	for id := range verified {
		pcs = pcs.Union(in.Groups[id].PCs)
	}

	return GroupResult{
		Verified:         verified,
		Rejected:         rejected,
		Unknown:          unknown,
		PCs:              pcs,
		RejectedGroups:   JoinNames(groupNames, r.And),
		ConflictingPCs:   JoinNames(pcNames, r.And),
		ConflictingPlans: JoinNames(planNames, r.Or),
	}
}

// ResolveEvents trusts events already on the plan and admits new ones,
// latest start first, when they overlap none of the events admitted so far.
func (r Resolver) ResolveEvents(in EventInput) EventResult {
	candidate := NewIDSet(in.Candidate...)
	verified := candidate.Intersect(in.Pre)
	rejected, unknown := IDSet{}, IDSet{}

	accepted := make([]Interval, 0, len(in.Candidate))
	for _, id := range verified.Sorted() {
		if ev, ok := in.Events[id]; ok {
			accepted = append(accepted, ev)
		}
	}

	fresh := make([]Interval, 0, len(in.Candidate))
	for id := range candidate.Difference(in.Pre) {
		ev, ok := in.Events[id]
		if !ok {
			rejected.Add(id)
			unknown.Add(id)
			continue
		}
		fresh = append(fresh, ev)
	}
	sort.Slice(fresh, func(i, j int) bool {
		a, b := fresh[i], fresh[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.After(b.Start)
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})

	var names []string
	for _, ev := range fresh {
		if err := ValidateCandidate(ev, accepted); err != nil {
			rejected.Add(ev.ID)
			names = append(names, ev.Name)
			continue
		}
		verified.Add(ev.ID)
		accepted = append(accepted, ev)
	}

	return EventResult{
		Verified:       verified,
		Rejected:       rejected,
		Unknown:        unknown,
		RejectedEvents: JoinNames(names, r.And),
	}
}

type PCGroupInput struct {
	Candidate []uint
	Pre       IDSet
	Groups    map[uint]Group
}

type PCGroupResult struct {
	Verified       IDSet
	Rejected       IDSet
	Unknown        IDSet
	PlanID         uint
	PlanName       string
	PreviousPlanID uint
	// PlanChanged is set when a new group brought a plan other than the previous one.
	PlanChanged    bool
	RejectedGroups string
}

// ResolvePCGroups handles group selection from the PC side: a PC may only
// follow one plan, so newly selected groups carrying a different plan than
// the one already reached are rejected.
func (r Resolver) ResolvePCGroups(in PCGroupInput) PCGroupResult {
	candidate := NewIDSet(in.Candidate...)
	verified := candidate.Intersect(in.Pre)
	rejected, unknown := IDSet{}, IDSet{}

	out := PCGroupResult{}
	pre := make([]Group, 0, in.Pre.Len())
	for id := range in.Pre {
		if g, ok := in.Groups[id]; ok {
			pre = append(pre, g)
		}
	}
	sortGroups(pre)
	for _, g := range pre {
		if g.PlanID != 0 {
			out.PreviousPlanID = g.PlanID
			break
		}
	}

	kept := make([]Group, 0, verified.Len())
	for id := range verified {
		kept = append(kept, in.Groups[id])
	}
	sortGroups(kept)
	for _, g := range kept {
		if g.PlanID != 0 {
			out.PlanID, out.PlanName = g.PlanID, g.PlanName
			break
		}
	}

	fresh := make([]Group, 0, len(in.Candidate))
	for id := range candidate.Difference(in.Pre) {
		g, ok := in.Groups[id]
		if !ok {
			rejected.Add(id)
			unknown.Add(id)
			continue
		}
		fresh = append(fresh, g)
	}
	sortGroups(fresh)

	var names []string
	for _, g := range fresh {
		switch {
		case out.PlanID != 0 && g.PlanID != 0 && g.PlanID != out.PlanID:
			rejected.Add(g.ID)
			names = append(names, g.Name)
			continue
		case out.PlanID == 0 && g.PlanID != 0:
			out.PlanID, out.PlanName = g.PlanID, g.PlanName
			if g.PlanID != out.PreviousPlanID {
				out.PlanChanged = true
			}
		}
		verified.Add(g.ID)
	}

	out.Verified = verified
	out.Rejected = rejected
	out.Unknown = unknown
	out.RejectedGroups = JoinNames(names, r.And)
	return out
}

func sortedGroups(m map[uint]Group) []Group {
	out := make([]Group, 0, len(m))
	for _, g := range m {
		out = append(out, g)
	}
	sortGroups(out)
	return out
}

func sortGroups(gs []Group) {
	sort.Slice(gs, func(i, j int) bool {
		if c := strings.Compare(gs[i].Name, gs[j].Name); c != 0 {
			return c < 0
		}
		return gs[i].ID < gs[j].ID
	})
}
