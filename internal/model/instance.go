package model

import (
	"sync"
	"time"

	"github.com/ekisa-team/detserve/internal/predictor"
)

// Status is the lifecycle state of a model instance.
type Status string

const (
	StatusUnloaded Status = "unloaded"
	StatusLoading  Status = "loading"
	StatusLoaded   Status = "loaded"
	StatusFailed   Status = "failed"
)

// Instance is one load attempt of the configured model.
type Instance struct {
	ID  string
	Dir string

	mu        sync.RWMutex
	status    Status
	predictor *predictor.Predictor
	loadedAt  time.Time
	err       error
}

// NewInstance creates an unloaded instance.
func NewInstance(id, dir string) *Instance {
	return &Instance{ID: id, Dir: dir, status: StatusUnloaded}
}

// SetStatus updates the status.
func (i *Instance) SetStatus(s Status) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.status = s
}

// Status returns the current status.
func (i *Instance) Status() Status {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return i.status
}

func (i *Instance) setLoaded(p *predictor.Predictor) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.status = StatusLoaded
	i.predictor = p
	i.loadedAt = time.Now()
	i.err = nil
}

func (i *Instance) setFailed(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.status = StatusFailed
	i.err = err
}

// Predictor returns the loaded predictor, nil unless loaded.
func (i *Instance) Predictor() *predictor.Predictor {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if i.status != StatusLoaded {
		return nil
	}
	return i.predictor
}

func (i *Instance) unload() error {
	i.mu.Lock()
	p := i.predictor
	i.predictor = nil
	i.status = StatusUnloaded
	i.mu.Unlock()

	if p == nil {
		return nil
	}
	return p.Close()
}

// Info is a serializable view of an instance.
type Info struct {
	ID       string                 `json:"id"`
	Dir      string                 `json:"dir"`
	Status   Status                 `json:"status"`
	Name     string                 `json:"name,omitempty"`
	Backend  string                 `json:"backend,omitempty"`
	Config   string                 `json:"config,omitempty"`
	Weights  string                 `json:"weights,omitempty"`
	Dataset  string                 `json:"dataset,omitempty"`
	Classes  int                    `json:"classes,omitempty"`
	LoadedAt *time.Time             `json:"loaded_at,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Pool     *predictor.PoolMetrics `json:"pool,omitempty"`
}

// Info returns a snapshot of the instance.
func (i *Instance) Info() Info {
	i.mu.RLock()
	defer i.mu.RUnlock()

	info := Info{ID: i.ID, Dir: i.Dir, Status: i.status}
	if i.err != nil {
		info.Error = i.err.Error()
	}
	if p := i.predictor; p != nil && i.status == StatusLoaded {
		loadedAt := i.loadedAt
		metrics := p.PoolMetrics()
		info.Name = p.Name()
		info.Backend = string(p.Provider())
		info.Config = p.ConfigPath()
		info.Weights = p.WeightsPath()
		info.Dataset = p.Metadata().Name
		info.Classes = p.Config().NumClasses()
		info.LoadedAt = &loadedAt
		info.Pool = &metrics
	}
	return info
}
