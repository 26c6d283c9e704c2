package job

// Callback message kinds, used for routing and metrics attributes.
const (
	CallbackStarted    = "started"
	CallbackProgress   = "progress"
	CallbackCompletion = "completion"
)

// StartedCallback is the worker's first report. It carries the
// worker's own run identifier for experiment-tracking linkage.
type StartedCallback struct {
	RunID string `json:"runId,omitempty"`
}

// ProgressCallback is a periodic report. The worker may retry a
// delivery after a network blip, so epoch ordering decides whether a
// message is applied or discarded.
type ProgressCallback struct {
	Epoch       int                `json:"epoch"`
	Step        int                `json:"step,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Checkpoints *CheckpointRefs    `json:"checkpoints,omitempty"`
	LogExcerpt  string             `json:"logExcerpt,omitempty"`
}

// CompletionCallback is the worker's final report.
type CompletionCallback struct {
	Succeeded   bool               `json:"succeeded"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Checkpoints *CheckpointRefs    `json:"checkpoints,omitempty"`
	Error       *Failure           `json:"error,omitempty"`
	Diagnostic  string             `json:"diagnostic,omitempty"`
}
