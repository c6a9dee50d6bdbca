package wakeplan

// Diff is the membership change of a group between two snapshots.
type Diff struct {
	Added   []uint
	Removed []uint
}

func (d Diff) Empty() bool { return len(d.Added) == 0 && len(d.Removed) == 0 }

// DiffMembers returns after-before and before-after, both sorted ascending.
func DiffMembers(before, after IDSet) Diff {
	return Diff{
		Added:   after.Difference(before).Sorted(),
		Removed: before.Difference(after).Sorted(),
	}
}
