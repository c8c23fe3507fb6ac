package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/models"
	"github.com/markdave123-py/contexta/internal/queue"
	"github.com/markdave123-py/contexta/internal/services"
)

type recordingRegistrar struct {
	policies []services.SameTitlePolicy
	titles   []string
}

func (r *recordingRegistrar) Register(_ context.Context, req services.DocumentRequest, policy services.SameTitlePolicy) (*models.KnowledgeRecord, error) {
	r.policies = append(r.policies, policy)
	r.titles = append(r.titles, req.Title)
	return &models.KnowledgeRecord{ID: 42, Title: req.Title, FileURL: "k/" + req.FileName}, nil
}

type capturePublisher struct {
	jobs []queue.Job
	err  error
}

func (p *capturePublisher) Publish(_ context.Context, job queue.Job) error {
	if p.err != nil {
		return p.err
	}
	p.jobs = append(p.jobs, job)
	return nil
}

func TestBuildJob(t *testing.T) {
	job, err := buildJob("document-ingest", `{"knowledgeId":7}`)
	require.NoError(t, err)
	assert.Equal(t, queue.JobDocumentIngest, job.Type)

	var p queue.DocumentIngestPayload
	require.NoError(t, job.Decode(&p))
	assert.Equal(t, int64(7), p.KnowledgeID)

	_, err = buildJob("reticulate", `{}`)
	assert.Error(t, err)

	_, err = buildJob("delete-by-path", `{"path":`)
	assert.Error(t, err)
}

func TestOneLine(t *testing.T) {
	assert.Equal(t, "a b c", oneLine("a\n  b\tc", 10))
	assert.Equal(t, "abc…", oneLine("abcdef", 3))
}

func TestEnqueueDocumentRegistersWithReplaceAndQueuesIngest(t *testing.T) {
	reg := &recordingRegistrar{}
	pub := &capturePublisher{}

	rec, err := enqueueDocument(context.Background(), reg, pub, services.DocumentRequest{
		Title:    "handbook",
		FileName: "handbook.pdf",
		Data:     []byte("%PDF"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), rec.ID)
	assert.Equal(t, []services.SameTitlePolicy{services.SameTitleReplace}, reg.policies)

	require.Len(t, pub.jobs, 1)
	assert.Equal(t, queue.JobDocumentIngest, pub.jobs[0].Type)
	var p queue.DocumentIngestPayload
	require.NoError(t, pub.jobs[0].Decode(&p))
	assert.Equal(t, int64(42), p.KnowledgeID)
}

func TestEnqueueDocumentSurfacesBrokerFailure(t *testing.T) {
	pub := &capturePublisher{err: errors.Join(core.ErrQueueUnavailable, errors.New("refused"))}

	_, err := enqueueDocument(context.Background(), &recordingRegistrar{}, pub, services.DocumentRequest{Title: "x", Data: []byte("x")})
	assert.ErrorIs(t, err, core.ErrQueueUnavailable)
}
