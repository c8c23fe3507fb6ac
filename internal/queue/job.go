package queue

import (
	"encoding/json"
	"fmt"
)

// JobType names the work a queued message asks for.
type JobType string

const (
	JobDocumentIngest      JobType = "document-ingest"
	JobBatchIngest         JobType = "batch-ingest"
	JobTextIngest          JobType = "text-ingest"
	JobDeleteByPath        JobType = "delete-by-path"
	JobDeleteByPaths       JobType = "delete-by-paths"
	JobExpireToggleByPath  JobType = "expire-toggle-by-path"
	JobExpireToggleByPaths JobType = "expire-toggle-by-paths"
)

var knownJobs = map[JobType]bool{
	JobDocumentIngest:      true,
	JobBatchIngest:         true,
	JobTextIngest:          true,
	JobDeleteByPath:        true,
	JobDeleteByPaths:       true,
	JobExpireToggleByPath:  true,
	JobExpireToggleByPaths: true,
}

// Valid reports whether t is a job type the dispatcher handles.
func (t JobType) Valid() bool { return knownJobs[t] }

// Job is the message envelope. Payload is decoded according to Type.
type Job struct {
	Type    JobType         `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type DocumentIngestPayload struct {
	KnowledgeID int64 `json:"knowledgeId"`
}

type BatchIngestPayload struct {
	KnowledgeIDs []int64 `json:"knowledgeIds"`
}

type TextIngestPayload struct {
	Title    string `json:"title"`
	Text     string `json:"text"`
	Business string `json:"business,omitempty"`
	Scene    string `json:"scene,omitempty"`
}

type DeleteByPathPayload struct {
	Path string `json:"path"`
}

type DeleteByPathsPayload struct {
	Paths []string `json:"paths"`
}

type ExpireTogglePayload struct {
	Path    string `json:"path"`
	Expired bool   `json:"expired"`
}

type ExpireTogglesPayload struct {
	Paths   []string `json:"paths"`
	Expired bool     `json:"expired"`
}

// NewJob wraps payload in an envelope of the given type.
func NewJob(t JobType, payload any) (Job, error) {
	if !knownJobs[t] {
		return Job{}, fmt.Errorf("unknown job type %q", t)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Job{Type: t, Payload: raw}, nil
}

// ParseJob decodes a message body into an envelope with a known type.
func ParseJob(body []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(body, &j); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	if !knownJobs[j.Type] {
		return Job{}, fmt.Errorf("unknown job type %q", j.Type)
	}
	return j, nil
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", j.Type)
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", j.Type, err)
	}
	return nil
}
