package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"kioskadmin/internal/apperr"
	"kioskadmin/internal/auth"
	"kioskadmin/internal/clock"
	"kioskadmin/internal/logs"
	"kioskadmin/internal/models"
	"kioskadmin/internal/sites"
	"kioskadmin/internal/wakeplan"
)

// Built-in scripts used to push wake plans to the PCs.
const (
	WakePlanSetUID    = "wake_plan_set"
	WakePlanRemoveUID = "wake_plan_remove"
)

type Service struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewService(db *gorm.DB, c clock.Clock) *Service {
	if c == nil {
		c = clock.System{}
	}
	return &Service{db: db, clock: c}
}

var _ wakeplan.Dispatcher = (*Service)(nil)

// RunScript enqueues script on pcs and on every PC of groups, each PC once.
func (s *Service) RunScript(ctx context.Context, ac auth.Context, siteID, scriptID uint, pcIDs, groupIDs []uint, values []string) (*models.Batch, error) {
	var out *models.Batch
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		site, err := sites.Load(tx, ac, siteID)
		if err != nil {
			return err
		}
		script, err := loadScript(tx, site, scriptID)
		if err != nil {
			return err
		}
		targets, err := resolveTargets(tx, site.ID, pcIDs, groupIDs)
		if err != nil {
			return err
		}
		args, err := BuildArgs(*script, values)
		if err != nil {
			return err
		}
		out, err = s.enqueue(tx, ac, site.ID, script, targets, args)
		return err
	})
	if err != nil {
		return nil, err
	}
	logs.For(ctx, "jobs", "run_script").
		WithField("site", siteID).WithField("script", scriptID).WithField("batch", out.ID).
		Infof("script enqueued on %d pc(s)", len(out.Jobs))
	return out, nil
}

// RunWakeScript runs the set or remove wake plan script for one dispatch.
func (s *Service) RunWakeScript(ctx context.Context, ac auth.Context, d wakeplan.Dispatch) (uint, error) {
	uid := WakePlanSetUID
	if d.Mode == wakeplan.ModeRemove {
		uid = WakePlanRemoveUID
	}
	var batchID uint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		site, err := sites.Load(tx, ac, d.SiteID)
		if err != nil {
			return err
		}
		var script models.Script
		if err := tx.Preload("Inputs").Where("uid = ? AND site_id IS NULL", uid).First(&script).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("built-in script %s is not installed, run seed-scripts", uid)
			}
			return err
		}
		args, err := BuildArgs(script, d.Args)
		if err != nil {
			return err
		}
		b, err := s.enqueue(tx, ac, site.ID, &script, d.PCs, args)
		if err != nil {
			return err
		}
		batchID = b.ID
		return nil
	})
	if err != nil {
		return 0, err
	}
	logs.For(ctx, "jobs", "run_wake_script").WithFields(map[string]any{
		"site": d.SiteID, "mode": d.Mode, "pcs": len(d.PCs), "batch": batchID,
	}).Info("wake plan dispatched")
	return batchID, nil
}

// RunPolicy enqueues the group policy, in position order, on pcs. It runs
// inside the caller's transaction so a missing mandatory parameter rolls
// the whole mutation back.
func (s *Service) RunPolicy(tx *gorm.DB, ac auth.Context, siteID uint, policy []models.AssociatedScript, pcIDs []uint) ([]uint, error) {
	if len(pcIDs) == 0 || len(policy) == 0 {
		return nil, nil
	}
	ordered := append([]models.AssociatedScript(nil), policy...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Position < ordered[j].Position })

	var batches []uint
	for _, as := range ordered {
		var script models.Script
		if err := tx.Preload("Inputs").First(&script, as.ScriptID).Error; err != nil {
			return nil, fmt.Errorf("policy script %d: %w", as.ScriptID, err)
		}
		params := as.Parameters
		if params == nil {
			if err := tx.Where("associated_script_id = ?", as.ID).Find(&params).Error; err != nil {
				return nil, err
			}
		}
		byInput := make(map[uint]string, len(params))
		for _, p := range params {
			byInput[p.InputID] = p.Value
		}
		inputs := sortedInputs(script.Inputs)
		values := make([]string, len(inputs))
		for i, in := range inputs {
			values[i] = byInput[in.ID]
		}
		args, err := BuildArgs(script, values)
		if err != nil {
			return nil, err
		}
		b, err := s.enqueue(tx, ac, siteID, &script, pcIDs, args)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b.ID)
	}
	return batches, nil
}

// Restart reruns a finished job on the same PC with the same arguments.
func (s *Service) Restart(ctx context.Context, ac auth.Context, siteID, jobID uint) (*models.Job, string, error) {
	var (
		out *models.Job
		msg string
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		site, err := sites.Load(tx, ac, siteID)
		if err != nil {
			return err
		}
		var job models.Job
		err = tx.Preload("Batch.Script.Inputs").Preload("PC").
			Joins("JOIN batches ON batches.id = jobs.batch_id").
			Where("jobs.id = ? AND batches.site_id = ?", jobID, site.ID).
			First(&job).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("job", jobID)
			}
			return err
		}
		if job.Batch == nil || job.Batch.Script == nil || job.PC == nil {
			return apperr.Conflict("The script or computer of this job no longer exists")
		}
		if !job.IsFinished() {
			return apperr.Conflict("Can only restart jobs that are Done or Failed")
		}
		var args []string
		if len(job.Batch.Args) > 0 {
			if err := json.Unmarshal(job.Batch.Args, &args); err != nil {
				return fmt.Errorf("decode batch args: %w", err)
			}
		}
		b, err := s.enqueue(tx, ac, site.ID, job.Batch.Script, []uint{job.PCID}, args)
		if err != nil {
			return err
		}
		out = &b.Jobs[0]
		msg = fmt.Sprintf("The script %s is being rerun on the computer %s", job.Batch.Script.Name, job.PC.Name)
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return out, msg, nil
}

// ListScripts returns global and site scripts visible to ac.
func (s *Service) ListScripts(ctx context.Context, ac auth.Context, siteID uint) ([]models.Script, error) {
	site, err := sites.Load(s.db.WithContext(ctx), ac, siteID)
	if err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).Preload("Inputs", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("site_id IS NULL OR site_id = ?", site.ID)
	q = visibleScripts(q, ac, site, "scripts")
	var out []models.Script
	if err := q.Order("name").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) enqueue(tx *gorm.DB, ac auth.Context, siteID uint, script *models.Script, pcIDs []uint, args []string) (*models.Batch, error) {
	ids := wakeplan.NewIDSet(pcIDs...).Sorted()
	if len(ids) == 0 {
		return nil, apperr.Validation("No computers were selected", nil)
	}
	var n int64
	if err := tx.Model(&models.PC{}).Where("id IN ? AND site_id = ?", ids, siteID).Count(&n).Error; err != nil {
		return nil, err
	}
	if int(n) != len(ids) {
		return nil, apperr.Validation("Some of the selected computers do not belong to the site", nil)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	b := models.Batch{
		SiteID:   siteID,
		ScriptID: script.ID,
		Name:     fmt.Sprintf("%s %s", script.Name, now.Format("2006-01-02 15:04:05")),
		UserID:   ac.UserRef(),
		Args:     datatypes.JSON(raw),
	}
	if err := tx.Create(&b).Error; err != nil {
		return nil, err
	}
	b.Jobs = make([]models.Job, 0, len(ids))
	for _, id := range ids {
		b.Jobs = append(b.Jobs, models.Job{BatchID: b.ID, PCID: id, UserID: ac.UserRef(), Status: models.JobNew})
	}
	if err := tx.Create(&b.Jobs).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

func loadScript(tx *gorm.DB, site *models.Site, id uint) (*models.Script, error) {
	var sc models.Script
	err := tx.Preload("Inputs").Where("site_id IS NULL OR site_id = ?", site.ID).First(&sc, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("script", id)
		}
		return nil, err
	}
	return &sc, nil
}

func resolveTargets(tx *gorm.DB, siteID uint, pcIDs, groupIDs []uint) ([]uint, error) {
	set := wakeplan.NewIDSet(pcIDs...)
	if len(groupIDs) > 0 {
		var fromGroups []uint
		err := tx.Table("pc_group_members").
			Joins("JOIN pc_groups ON pc_groups.id = pc_group_members.pc_group_id").
			Where("pc_groups.id IN ? AND pc_groups.site_id = ? AND pc_groups.deleted_at IS NULL", groupIDs, siteID).
			Pluck("pc_group_members.pc_id", &fromGroups).Error
		if err != nil {
			return nil, err
		}
		set.Add(fromGroups...)
	}
	return set.Sorted(), nil
}

func sortedInputs(in []models.ScriptInput) []models.ScriptInput {
	out := append([]models.ScriptInput(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// visibleScripts hides hidden scripts from non superusers unless the
// customer has the feature that unlocks them.
func visibleScripts(q *gorm.DB, ac auth.Context, site *models.Site, table string) *gorm.DB {
	if ac.IsSuperuser {
		return q
	}
	var features []string
	if site.Customer != nil {
		for _, f := range site.Customer.FeaturePermissions {
			features = append(features, f.UID)
		}
	}
	if len(features) == 0 {
		return q.Where(table+".is_hidden = ?", false)
	}
	return q.Where("("+table+".is_hidden = ? OR "+table+".feature_uid IN ?)", false, features)
}
