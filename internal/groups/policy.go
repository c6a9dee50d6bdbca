package groups

import (
	"errors"
	"sort"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"kioskadmin/internal/apperr"
	"kioskadmin/internal/jobs"
	"kioskadmin/internal/models"
	"kioskadmin/internal/wakeplan"
)

// PolicyEntry is one script of a group policy. ID refers to an existing
// entry; zero adds a new one. Params maps script input ids to values.
type PolicyEntry struct {
	ID       uint            `json:"id,omitempty"`
	ScriptID uint            `json:"script_id"`
	Params   map[uint]string `json:"params,omitempty"`
}

type policyChange struct {
	post    []models.AssociatedScript
	fresh   wakeplan.IDSet
	updated wakeplan.IDSet
}

func sameParams(have []models.AssociatedScriptParameter, want map[uint]string) bool {
	if len(have) != len(want) {
		return false
	}
	for _, p := range have {
		if v, ok := want[p.InputID]; !ok || v != p.Value {
			return false
		}
	}
	return true
}

func writeParams(tx *gorm.DB, asID uint, values map[uint]string) ([]models.AssociatedScriptParameter, error) {
	if err := tx.Where("associated_script_id = ?", asID).Delete(&models.AssociatedScriptParameter{}).Error; err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	ids := make([]uint, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	params := make([]models.AssociatedScriptParameter, 0, len(ids))
	for _, id := range ids {
		params = append(params, models.AssociatedScriptParameter{AssociatedScriptID: asID, InputID: id, Value: values[id]})
	}
	if err := tx.Create(&params).Error; err != nil {
		return nil, err
	}
	return params, nil
}

// updatePolicy stores entries as the group's policy, in order, and reports
// which entries are new and which had their parameters changed.
func updatePolicy(tx *gorm.DB, siteID uint, g *models.PCGroup, entries []PolicyEntry) (*policyChange, error) {
	pre := make(map[uint]models.AssociatedScript, len(g.Policy))
	for _, as := range g.Policy {
		pre[as.ID] = as
	}
	ch := &policyChange{fresh: wakeplan.IDSet{}, updated: wakeplan.IDSet{}}
	keep := wakeplan.IDSet{}

	for pos, e := range entries {
		var script models.Script
		err := tx.Preload("Inputs").
			Where("(site_id IS NULL OR site_id = ?) AND is_security_script = ?", siteID, false).
			First(&script, e.ScriptID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, apperr.NotFound("script", e.ScriptID)
			}
			return nil, err
		}
		values := make(map[uint]string, len(e.Params))
		verr := apperr.Validation("The group policy is not valid", nil)
		for _, in := range script.Inputs {
			raw, ok := e.Params[in.ID]
			if !ok {
				continue
			}
			v, err := jobs.ValidateInput(in, raw)
			if err != nil {
				verr.Add(in.Name, err.Error())
				continue
			}
			values[in.ID] = v
		}
		if verr.HasFields() {
			return nil, verr
		}

		as, existing := pre[e.ID]
		if existing && as.ScriptID == script.ID && !keep.Has(as.ID) {
			keep.Add(as.ID)
			if as.Position != pos {
				if err := tx.Model(&models.AssociatedScript{}).Where("id = ?", as.ID).Update("position", pos).Error; err != nil {
					return nil, err
				}
				as.Position = pos
			}
			if !sameParams(as.Parameters, values) {
				if as.Parameters, err = writeParams(tx, as.ID, values); err != nil {
					return nil, err
				}
				ch.updated.Add(as.ID)
			}
		} else {
			as = models.AssociatedScript{GroupID: g.ID, ScriptID: script.ID, Position: pos}
			if err := tx.Omit(clause.Associations).Create(&as).Error; err != nil {
				return nil, err
			}
			if as.Parameters, err = writeParams(tx, as.ID, values); err != nil {
				return nil, err
			}
			ch.fresh.Add(as.ID)
		}
		as.Script = &script
		ch.post = append(ch.post, as)
	}

	var gone []uint
	for id := range pre {
		if !keep.Has(id) {
			gone = append(gone, id)
		}
	}
	if len(gone) > 0 {
		if err := tx.Where("associated_script_id IN ?", gone).Delete(&models.AssociatedScriptParameter{}).Error; err != nil {
			return nil, err
		}
		if err := tx.Delete(&models.AssociatedScript{}, gone).Error; err != nil {
			return nil, err
		}
	}
	return ch, nil
}

// subset returns the policy entries whose ids are in ids, in position order.
func subset(policy []models.AssociatedScript, ids wakeplan.IDSet) []models.AssociatedScript {
	out := make([]models.AssociatedScript, 0, len(ids))
	for _, as := range policy {
		if ids.Has(as.ID) {
			out = append(out, as)
		}
	}
	return out
}
