// Package job defines the training job data model: the immutable
// descriptor submitted by a caller, the mutable record owned by the
// store, and the wire types workers use to report back.
package job

import "time"

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further status transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// transitions is the forward-only state machine. Terminal states have
// no outgoing edges.
var transitions = map[Status][]Status{
	StatusPending:  {StatusStarting, StatusFailed, StatusCancelled},
	StatusStarting: {StatusRunning, StatusCompleted, StatusFailed, StatusCancelled},
	StatusRunning:  {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// BackendKind selects the execution backend for a job.
type BackendKind string

const (
	BackendLocal BackendKind = "local"
	BackendKube  BackendKind = "kubernetes"
)

// Resources describes what the worker needs to run.
type Resources struct {
	GPUs     int `json:"gpus,omitempty" yaml:"gpus"`
	CPUCores int `json:"cpuCores,omitempty" yaml:"cpu_cores"`
	MemoryMB int `json:"memoryMB,omitempty" yaml:"memory_mb"`
}

// Descriptor is the immutable submission input for a job. It is
// created once at submission time and never mutated afterwards.
type Descriptor struct {
	ID             string            `json:"id"`
	SessionID      string            `json:"sessionId"`
	Backend        BackendKind       `json:"backend"`
	Framework      string            `json:"framework"`
	ModelName      string            `json:"modelName"`
	DatasetURI     string            `json:"datasetUri,omitempty"`
	Config         map[string]string `json:"config,omitempty"`
	Resources      Resources         `json:"resources,omitempty"`
	Command        []string          `json:"command,omitempty"` // local backend
	Image          string            `json:"image,omitempty"`   // kubernetes backend
	CallbackURL    string            `json:"callbackUrl,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
}

// Progress holds the last-known training position and an open-ended
// metric map. Different workers report different metric names, so the
// map is schema-free.
type Progress struct {
	Epoch   int                `json:"epoch"`
	Step    int                `json:"step,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// CheckpointRefs holds opaque references to checkpoint artifacts.
// The engine never touches checkpoint payloads, only their URIs.
type CheckpointRefs struct {
	Best string `json:"best,omitempty"`
	Last string `json:"last,omitempty"`
}

// Failure is the structured reason recorded when a job fails.
type Failure struct {
	Reason   string `json:"reason"`
	Detail   string `json:"detail,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

// Well-known failure reasons. The terminal error field always carries
// one of these rather than a raw fault.
const (
	ReasonLaunchFailed       = "launch failed"
	ReasonProcessExited      = "process exited abnormally"
	ReasonWorkerReported     = "worker reported failure"
	ReasonBackendUnreachable = "status unknown - backend unreachable"
	ReasonCancelled          = "cancelled by request"
	ReasonTimeout            = "timeout exceeded"
)

// Record is the mutable, authoritative state of one job. It is owned
// by the store; every mutation goes through the version CAS guard.
type Record struct {
	Descriptor  Descriptor     `json:"descriptor"`
	Status      Status         `json:"status"`
	Version     int64          `json:"version"`
	RunID       string         `json:"runId,omitempty"` // worker's internal run identifier
	Handle      string         `json:"backendHandle,omitempty"`
	Progress    Progress       `json:"progress"`
	Checkpoints CheckpointRefs `json:"checkpoints"`
	Error       *Failure       `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// NewRecord creates the initial pending record for a descriptor.
func NewRecord(d Descriptor) *Record {
	now := time.Now().UTC()
	return &Record{
		Descriptor: d,
		Status:     StatusPending,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// LogLine is one captured line of worker output.
type LogLine struct {
	Seq       int64     `json:"seq"`
	Stream    string    `json:"stream"` // "stdout" or "stderr"
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"createdAt"`
}

// MetricPoint is one row of recorded metric history.
type MetricPoint struct {
	Epoch     int                `json:"epoch"`
	Step      int                `json:"step,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
}
