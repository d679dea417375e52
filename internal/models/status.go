package models

import "time"

// ReadinessState is the lifecycle state of a request key.
type ReadinessState string

const (
	StateProcessing ReadinessState = "processing"
	StateReady      ReadinessState = "ready"
	StateMissing    ReadinessState = "missing"
	StateError      ReadinessState = "error"
)

// Terminal reports whether no further transitions happen without a new ingestion.
func (s ReadinessState) Terminal() bool {
	return s == StateReady || s == StateError
}

// ReadinessStatus is the raw counter record pollers read.
type ReadinessStatus struct {
	Key          string         `json:"key"`
	Status       ReadinessState `json:"status"`
	DocumentID   string         `json:"documentId,omitempty"`
	PartsIndexed int            `json:"partsIndexed"`
	PagesIndexed int            `json:"pagesIndexed"`
	ContentHash  string         `json:"contentHash,omitempty"`
	Error        *IngestError   `json:"error,omitempty"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// MissingStatus is returned for unknown or expired keys.
func MissingStatus(key string) ReadinessStatus {
	return ReadinessStatus{Key: key, Status: StateMissing}
}
