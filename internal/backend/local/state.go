package local

import (
	"sync"

	"trainengine/internal/apperrors"
	"trainengine/internal/backend"
)

// procRepo tracks live worker processes with thread-safe access.
// Handles map to process state; byJob prevents launching the same job
// twice while a previous worker is still tracked.
type procRepo struct {
	mu    sync.RWMutex
	procs map[backend.Handle]*procState
	byJob map[string]backend.Handle
}

func newProcRepo() *procRepo {
	return &procRepo{
		procs: make(map[backend.Handle]*procState),
		byJob: make(map[string]backend.Handle),
	}
}

// reserve claims a job slot before the process is launched. Returns a
// conflict error if a worker for the job is already tracked.
func (r *procRepo) reserve(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byJob[jobID]; exists {
		return apperrors.Conflict("job", jobID, "worker already launched")
	}
	r.byJob[jobID] = ""
	return nil
}

// commit fills in a reserved slot once the process is up.
func (r *procRepo) commit(jobID string, h backend.Handle, ps *procState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byJob[jobID] = h
	r.procs[h] = ps
}

// abandon frees a reserved slot after a failed launch.
func (r *procRepo) abandon(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byJob, jobID)
}

func (r *procRepo) get(h backend.Handle) (*procState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ps, ok := r.procs[h]
	return ps, ok
}

// release removes a process from tracking once its terminal state has
// been delivered.
func (r *procRepo) release(jobID string, h backend.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, h)
	if r.byJob[jobID] == h {
		delete(r.byJob, jobID)
	}
}

func (r *procRepo) handles() []backend.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := make([]backend.Handle, 0, len(r.procs))
	for h := range r.procs {
		hs = append(hs, h)
	}
	return hs
}
