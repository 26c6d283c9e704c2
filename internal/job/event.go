package job

import "time"

// EventType classifies a broadcast event.
type EventType string

const (
	EventStatus     EventType = "status"
	EventProgress   EventType = "progress"
	EventLog        EventType = "log"
	EventCheckpoint EventType = "checkpoint"
)

// Event is pushed to the broadcast hub on every accepted state change,
// progress report, or captured log batch. Subscribers receive events
// matching the record's shape plus log-line batches.
type Event struct {
	Type      EventType       `json:"type"`
	JobID     string          `json:"jobId"`
	SessionID string          `json:"sessionId,omitempty"`
	Status    Status          `json:"status,omitempty"`
	Version   int64           `json:"version,omitempty"`
	Progress  *Progress       `json:"progress,omitempty"`
	Error     *Failure        `json:"error,omitempty"`
	Refs      *CheckpointRefs `json:"checkpoints,omitempty"`
	Stream    string          `json:"stream,omitempty"` // log events
	Lines     []string        `json:"lines,omitempty"`  // log events
	Time      time.Time       `json:"time"`
}

// StatusEvent builds the broadcast event for a record's current state.
func StatusEvent(rec *Record) Event {
	return Event{
		Type:      EventStatus,
		JobID:     rec.Descriptor.ID,
		SessionID: rec.Descriptor.SessionID,
		Status:    rec.Status,
		Version:   rec.Version,
		Error:     rec.Error,
		Time:      time.Now().UTC(),
	}
}

// ProgressEvent builds the broadcast event for an accepted progress report.
func ProgressEvent(rec *Record) Event {
	p := rec.Progress
	return Event{
		Type:      EventProgress,
		JobID:     rec.Descriptor.ID,
		SessionID: rec.Descriptor.SessionID,
		Status:    rec.Status,
		Version:   rec.Version,
		Progress:  &p,
		Time:      time.Now().UTC(),
	}
}

// LogEvent builds the broadcast event for a batch of captured output lines.
func LogEvent(jobID, sessionID, stream string, lines []string) Event {
	return Event{
		Type:      EventLog,
		JobID:     jobID,
		SessionID: sessionID,
		Stream:    stream,
		Lines:     lines,
		Time:      time.Now().UTC(),
	}
}
