package wakeplan

import "testing"

func TestJoinNames(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   []string
		conj string
		want string
	}{
		{nil, "og", ""},
		{[]string{"pc-01"}, "og", "pc-01"},
		{[]string{"pc-01", "pc-02"}, "og", "pc-01 og pc-02"},
		{[]string{"a", "b", "c"}, "eller", "a, b eller c"},
		{[]string{"a", "b", "a", "c", "b"}, "og", "a, b og c"},
		{[]string{"x", "x"}, "og", "x"},
	}
	for _, tc := range tests {
		if got := JoinNames(tc.in, tc.conj); got != tc.want {
			t.Errorf("JoinNames(%v, %q) = %q, want %q", tc.in, tc.conj, got, tc.want)
		}
	}
}

// site with three plans: P1 (id 1) holds G1, P2 (id 2) is being edited.
func conflictFixture() GroupInput {
	return GroupInput{
		PlanID: 2,
		Groups: map[uint]Group{
			1: {ID: 1, Name: "G1", PlanID: 1, PlanName: "P1", PCs: NewIDSet(101)},
			2: {ID: 2, Name: "G2", PCs: NewIDSet(101, 102)},
			3: {ID: 3, Name: "G3", PCs: NewIDSet(103)},
			4: {ID: 4, Name: "G4", PlanID: 3, PlanName: "P3", PCs: NewIDSet(104)},
			5: {ID: 5, Name: "G5", PCs: NewIDSet(104, 105)},
		},
		PCNames: map[uint]string{101: "pc-01", 102: "pc-02", 103: "pc-03", 104: "pc-04", 105: "pc-05"},
		Pre:     NewIDSet(),
	}
}

func TestResolveGroupsCrossPlanConflict(t *testing.T) {
	t.Parallel()

	in := conflictFixture()
	in.Candidate = []uint{2}
	res := NewResolver().ResolveGroups(in)

	if res.Verified.Len() != 0 || !res.Rejected.Has(2) {
		t.Fatalf("verified=%v rejected=%v, want G2 rejected", res.Verified.Sorted(), res.Rejected.Sorted())
	}
	if res.RejectedGroups != "G2" {
		t.Errorf("RejectedGroups = %q", res.RejectedGroups)
	}
	if res.ConflictingPCs != "pc-01" {
		t.Errorf("ConflictingPCs = %q", res.ConflictingPCs)
	}
	if res.ConflictingPlans != "P1" {
		t.Errorf("ConflictingPlans = %q", res.ConflictingPlans)
	}
	if res.PCs.Len() != 0 {
		t.Errorf("PCs = %v, want none", res.PCs.Sorted())
	}
}

func TestResolveGroupsMixed(t *testing.T) {
	t.Parallel()

	in := conflictFixture()
	in.Pre = NewIDSet(3)
	in.Candidate = []uint{5, 3, 2}
	res := NewResolver().ResolveGroups(in)

	if !res.Verified.Equal(NewIDSet(3)) {
		t.Fatalf("verified = %v", res.Verified.Sorted())
	}
	if !res.Rejected.Equal(NewIDSet(2, 5)) {
		t.Fatalf("rejected = %v", res.Rejected.Sorted())
	}
	if res.RejectedGroups != "G2 og G5" {
		t.Errorf("RejectedGroups = %q", res.RejectedGroups)
	}
	if res.ConflictingPCs != "pc-01 og pc-04" {
		t.Errorf("ConflictingPCs = %q", res.ConflictingPCs)
	}
	if res.ConflictingPlans != "P1 eller P3" {
		t.Errorf("ConflictingPlans = %q", res.ConflictingPlans)
	}
	if !res.PCs.Equal(NewIDSet(103)) {
		t.Errorf("PCs = %v", res.PCs.Sorted())
	}
}

func TestResolveGroupsSelectionClearsOwnConflict(t *testing.T) {
	t.Parallel()

	// Selecting G1 together with G2 moves both onto the plan, so G1's old
	// plan no longer counts as a foreign claim.
	in := conflictFixture()
	in.Candidate = []uint{1, 2}
	res := NewResolver().ResolveGroups(in)
	if !res.Verified.Equal(NewIDSet(1, 2)) || res.HasRejections() {
		t.Fatalf("verified=%v rejected=%v", res.Verified.Sorted(), res.Rejected.Sorted())
	}
	if !res.PCs.Equal(NewIDSet(101, 102)) {
		t.Fatalf("PCs = %v", res.PCs.Sorted())
	}
}

func TestResolveGroupsSamePlanIsNotAConflict(t *testing.T) {
	t.Parallel()

	in := conflictFixture()
	in.PlanID = 1 // editing P1 itself
	in.Pre = NewIDSet(1)
	in.Candidate = []uint{1, 2}
	res := NewResolver().ResolveGroups(in)
	if !res.Verified.Equal(NewIDSet(1, 2)) {
		t.Fatalf("verified = %v", res.Verified.Sorted())
	}
}

func TestResolveGroupsProperties(t *testing.T) {
	t.Parallel()

	inputs := [][]uint{{}, {1}, {2}, {2, 3}, {1, 2, 3, 4, 5}, {5, 4, 99}}
	r := NewResolver()
	for _, cand := range inputs {
		in := conflictFixture()
		in.Pre = NewIDSet(3, 4)
		in.Candidate = cand

		a := r.ResolveGroups(in)
		b := r.ResolveGroups(in)

		if !a.Verified.Equal(b.Verified) || a.RejectedGroups != b.RejectedGroups ||
			a.ConflictingPCs != b.ConflictingPCs || a.ConflictingPlans != b.ConflictingPlans {
			t.Errorf("candidate %v: results differ between runs", cand)
		}
		if !a.Verified.Union(a.Rejected).Equal(NewIDSet(cand...)) {
			t.Errorf("candidate %v: verified ∪ rejected = %v", cand, a.Verified.Union(a.Rejected).Sorted())
		}
		if a.Verified.Intersect(a.Rejected).Len() != 0 {
			t.Errorf("candidate %v: verified and rejected intersect", cand)
		}
	}
}

func TestResolveEventsOverlapScenario(t *testing.T) {
	t.Parallel()

	in := EventInput{
		Pre:       NewIDSet(1),
		Candidate: []uint{1, 2},
		Events: map[uint]Interval{
			1: iv(1, "E1", "2024-01-01", "2024-01-05"),
			2: iv(2, "E2", "2024-01-04", "2024-01-10"),
		},
	}
	res := NewResolver().ResolveEvents(in)
	if !res.Verified.Equal(NewIDSet(1)) || !res.Rejected.Equal(NewIDSet(2)) {
		t.Fatalf("verified=%v rejected=%v", res.Verified.Sorted(), res.Rejected.Sorted())
	}
	if res.RejectedEvents != "E2" {
		t.Fatalf("RejectedEvents = %q", res.RejectedEvents)
	}
}

func TestResolveEventsOrderAndDegenerate(t *testing.T) {
	t.Parallel()

	// Latest start wins: B (Mar) is admitted before A (Feb) is checked.
	in := EventInput{
		Pre:       NewIDSet(),
		Candidate: []uint{1, 2, 3, 4},
		Events: map[uint]Interval{
			1: iv(1, "A", "2024-02-20", "2024-03-02"),
			2: iv(2, "B", "2024-03-01", "2024-03-05"),
			3: iv(3, "C", "2024-06-01", "2024-06-01"),
			4: iv(4, "D", "2024-09-09", "2024-09-01"),
		},
	}
	res := NewResolver().ResolveEvents(in)
	if !res.Verified.Equal(NewIDSet(2, 3)) {
		t.Fatalf("verified = %v", res.Verified.Sorted())
	}
	if res.RejectedEvents != "D og A" {
		t.Fatalf("RejectedEvents = %q", res.RejectedEvents)
	}

	// Verified events never overlap pairwise.
	var accepted []Interval
	for _, id := range res.Verified.Sorted() {
		accepted = append(accepted, in.Events[id])
	}
	for i := range accepted {
		for j := i + 1; j < len(accepted); j++ {
			if Overlaps(accepted[i], accepted[j]) {
				t.Fatalf("%s overlaps %s", accepted[i].Name, accepted[j].Name)
			}
		}
	}
}

func TestResolvePCGroups(t *testing.T) {
	t.Parallel()

	groups := map[uint]Group{
		1: {ID: 1, Name: "Børn", PlanID: 10, PlanName: "Dag"},
		2: {ID: 2, Name: "Voksen", PlanID: 20, PlanName: "Aften"},
		3: {ID: 3, Name: "Alle"},
		4: {ID: 4, Name: "Aften-gruppe", PlanID: 20, PlanName: "Aften"},
	}
	r := NewResolver()

	res := r.ResolvePCGroups(PCGroupInput{Pre: NewIDSet(1), Candidate: []uint{1, 2, 3}, Groups: groups})
	if !res.Verified.Equal(NewIDSet(1, 3)) || res.RejectedGroups != "Voksen" {
		t.Fatalf("verified=%v rejected=%q", res.Verified.Sorted(), res.RejectedGroups)
	}
	if res.PlanID != 10 || res.PlanChanged {
		t.Fatalf("plan=%d changed=%v", res.PlanID, res.PlanChanged)
	}

	// Leaving Børn for Aften switches plan.
	res = r.ResolvePCGroups(PCGroupInput{Pre: NewIDSet(1), Candidate: []uint{4, 2}, Groups: groups})
	if !res.Verified.Equal(NewIDSet(2, 4)) || res.PlanID != 20 || !res.PlanChanged || res.PreviousPlanID != 10 {
		t.Fatalf("got %+v", res)
	}

	// Dropping every planned group leaves the PC without a plan.
	res = r.ResolvePCGroups(PCGroupInput{Pre: NewIDSet(1, 3), Candidate: []uint{3}, Groups: groups})
	if res.PlanID != 0 || res.PreviousPlanID != 10 {
		t.Fatalf("got %+v", res)
	}
}

func TestResolveUnknownCandidates(t *testing.T) {
	t.Parallel()
	r := NewResolver()

	in := conflictFixture()
	in.Candidate = []uint{3, 77}
	g := r.ResolveGroups(in)
	if !g.Verified.Equal(NewIDSet(3)) || !g.Unknown.Equal(NewIDSet(77)) || !g.Rejected.Has(77) {
		t.Fatalf("groups: verified=%v unknown=%v rejected=%v", g.Verified.Sorted(), g.Unknown.Sorted(), g.Rejected.Sorted())
	}

	e := r.ResolveEvents(EventInput{
		Candidate: []uint{1, 42, 9},
		Pre:       NewIDSet(),
		Events:    map[uint]Interval{1: iv(1, "Jul", "2024-12-24", "2024-12-26")},
	})
	if !e.Verified.Equal(NewIDSet(1)) || !e.Unknown.Equal(NewIDSet(9, 42)) {
		t.Fatalf("events: verified=%v unknown=%v", e.Verified.Sorted(), e.Unknown.Sorted())
	}

	p := r.ResolvePCGroups(PCGroupInput{Candidate: []uint{5}, Pre: NewIDSet(), Groups: map[uint]Group{}})
	if p.Verified.Len() != 0 || !p.Unknown.Equal(NewIDSet(5)) {
		t.Fatalf("pc groups: verified=%v unknown=%v", p.Verified.Sorted(), p.Unknown.Sorted())
	}
}

func TestJoinIDs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   IDSet
		want string
	}{
		{NewIDSet(), ""},
		{NewIDSet(7), "7"},
		{NewIDSet(42, 9, 100), "9, 42, 100"},
	}
	for _, tc := range tests {
		if got := JoinIDs(tc.in); got != tc.want {
			t.Errorf("JoinIDs(%v) = %q, want %q", tc.in.Sorted(), got, tc.want)
		}
	}
}
