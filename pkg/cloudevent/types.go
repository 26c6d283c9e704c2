// Package cloudevent implements a minimal CloudEvents 1.0 structured
// JSON encoding and an HTTP sender with HMAC signing.
package cloudevent

import "time"

// CloudEvent is a CloudEvents 1.0 event in structured JSON form.
type CloudEvent struct {
	SpecVersion string         `json:"specversion"`
	Type        string         `json:"type"`
	Source      string         `json:"source"`
	Subject     string         `json:"subject,omitempty"`
	ID          string         `json:"id"`
	Time        time.Time      `json:"time"`
	Data        map[string]any `json:"data,omitempty"`
}

// New creates a CloudEvent with spec version 1.0 and the current time.
func New(eventType, source, subject, id string, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		Subject:     subject,
		ID:          id,
		Time:        time.Now().UTC(),
		Data:        data,
	}
}
