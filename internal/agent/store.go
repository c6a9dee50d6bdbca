package agent

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"kioskadmin/internal/models"
)

var (
	ErrUnknownSite  = errors.New("unknown site")
	ErrJobNotFound  = errors.New("job not found")
	ErrJobFinished  = errors.New("job already finished")
	ErrUnknownState = errors.New("unknown job status")
)

// PCFields is the agent's view of a computer.
type PCFields struct {
	ID          uint
	UID         string
	Key         string
	Name        string
	SiteID      uint
	IsActivated bool
	LastSeen    time.Time
}

// JobFields is one script run handed to an agent.
type JobFields struct {
	ID         uint     `json:"id"`
	Script     string   `json:"script"`
	Executable string   `json:"executable"`
	Args       []string `json:"args"`
	Status     string   `json:"status"`
}

// Store persists agent registrations and job state.
type Store interface {
	// Register creates the PC on the site or renames an existing one. The
	// bool reports a new registration.
	Register(siteUID, uid, name string, at time.Time) (PCFields, bool, error)
	FindByUID(uid string) (PCFields, bool)
	Touch(uid string, at time.Time) error
	// TakeJobs returns the PC's NEW jobs and marks them SUBMITTED.
	TakeJobs(pcID uint) ([]JobFields, error)
	UpdateJob(pcID, jobID uint, status, log string, at time.Time) error
}

// ApplyStatus moves j to status, stamping start and finish times.
func ApplyStatus(j *models.Job, status, log string, at time.Time) error {
	if j.IsFinished() {
		return ErrJobFinished
	}
	switch status {
	case models.JobRunning:
		if j.Started == nil {
			j.Started = &at
		}
	case models.JobDone, models.JobFailed:
		if j.Started == nil {
			j.Started = &at
		}
		j.Finished = &at
	default:
		return ErrUnknownState
	}
	j.Status = status
	if strings.TrimSpace(log) != "" {
		j.Log = log
	}
	return nil
}

// MemStore keeps registrations in memory. It serves development setups
// without a database.
type MemStore struct {
	mu     sync.RWMutex
	sites  map[string]uint
	byUID  map[string]PCFields
	jobs   map[uint][]models.Job
	specs  map[uint]JobFields
	nextID uint
}

func NewMemStore(sites map[string]uint) *MemStore {
	if sites == nil {
		sites = map[string]uint{}
	}
	return &MemStore{
		sites: sites,
		byUID: make(map[string]PCFields),
		jobs:  make(map[uint][]models.Job),
		specs: make(map[uint]JobFields),
	}
}

func (m *MemStore) Register(siteUID, uid, name string, at time.Time) (PCFields, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	siteID, ok := m.sites[siteUID]
	if !ok {
		return PCFields{}, false, ErrUnknownSite
	}
	if ex, ok := m.byUID[uid]; ok && uid != "" {
		if name != "" {
			ex.Name = name
		}
		ex.SiteID, ex.LastSeen = siteID, at
		m.byUID[uid] = ex
		return ex, false, nil
	}
	if uid == "" {
		uid = uuid.NewString()
	}
	m.nextID++
	p := PCFields{ID: m.nextID, UID: uid, Key: uuid.NewString(), Name: name, SiteID: siteID, LastSeen: at}
	m.byUID[uid] = p
	return p, true, nil
}

func (m *MemStore) FindByUID(uid string) (PCFields, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byUID[uid]
	return p, ok
}

func (m *MemStore) Touch(uid string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byUID[uid]
	if !ok {
		return errors.New("not found")
	}
	p.LastSeen = at
	m.byUID[uid] = p
	return nil
}

// Enqueue adds a NEW job for pcID.
func (m *MemStore) Enqueue(pcID uint, j JobFields) uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	j.ID, j.Status = m.nextID, models.JobNew
	m.jobs[pcID] = append(m.jobs[pcID], models.Job{Base: models.Base{ID: j.ID}, PCID: pcID, Status: models.JobNew})
	m.specs[j.ID] = j
	return j.ID
}

func (m *MemStore) TakeJobs(pcID uint) ([]JobFields, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []JobFields
	for i := range m.jobs[pcID] {
		j := &m.jobs[pcID][i]
		if j.Status != models.JobNew {
			continue
		}
		j.Status = models.JobSubmitted
		spec := m.specs[j.ID]
		spec.Status = j.Status
		out = append(out, spec)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (m *MemStore) UpdateJob(pcID, jobID uint, status, log string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.jobs[pcID] {
		j := &m.jobs[pcID][i]
		if j.ID == jobID {
			return ApplyStatus(j, status, log, at)
		}
	}
	return ErrJobNotFound
}

// Job returns a copy of the stored job, for inspection.
func (m *MemStore) Job(pcID, jobID uint) (models.Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, j := range m.jobs[pcID] {
		if j.ID == jobID {
			return j, true
		}
	}
	return models.Job{}, false
}
