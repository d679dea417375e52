package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentdoc "github.com/feichai0017/document-context/internal/agent/document"
	"github.com/feichai0017/document-context/internal/contextstore"
	"github.com/feichai0017/document-context/internal/ingest"
	"github.com/feichai0017/document-context/internal/models"
	"github.com/feichai0017/document-context/internal/status"
	"github.com/feichai0017/document-context/pkg/logger"
	"github.com/feichai0017/document-context/pkg/queue"
	"github.com/feichai0017/document-context/pkg/storage"
)

const memo = "Executive summary of the offering. The property is a garden style apartment community " +
	"located in a growing suburban market with strong employment. Residents enjoy a pool, a fitness " +
	"center and covered parking. The sponsor plans to renovate interiors and raise rents toward market " +
	"levels over the hold period. Net operating income is expected to grow as units turn over and the " +
	"cap rate on exit is underwritten conservatively against recent comparable sales in the local submarket."

type textPage struct{ text string }

func (p textPage) Number() int                                 { return 1 }
func (p textPage) Image() []byte                               { return nil }
func (p textPage) Content() (string, []models.TextItem, error) { return p.text, nil, nil }

type textSource struct{ text string }

func (s textSource) NumPages() int                   { return 1 }
func (s textSource) Page(int) (agentdoc.Page, error) { return textPage{text: s.text}, nil }
func (s textSource) Close() error                    { return nil }

type textOpener struct{}

func (textOpener) CanOpen(mime string) bool { return mime == "application/pdf" }
func (textOpener) Open(data []byte) (agentdoc.Source, error) {
	return textSource{text: memo}, nil
}

type memStorage struct {
	mu        sync.Mutex
	objects   map[string][]byte
	threshold time.Time
}

func newMemStorage() *memStorage { return &memStorage{objects: make(map[string][]byte)} }

func (m *memStorage) Store(_ context.Context, r io.Reader, key string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return key, nil
}

func (m *memStorage) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such key: %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memStorage) CleanupBefore(_ context.Context, threshold time.Time) error {
	m.threshold = threshold
	return nil
}

type fakeQueue struct {
	mu         sync.Mutex
	tasks      []*queue.Task
	statuses   map[string]*queue.TaskStatus
	enqueueErr error
	cancelErr  error
}

func (q *fakeQueue) Enqueue(_ context.Context, task *queue.Task) error {
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *fakeQueue) GetTaskStatus(_ context.Context, id string) (*queue.TaskStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.statuses[id]
	if !ok {
		return nil, queue.ErrTaskNotFound
	}
	return st, nil
}

func (q *fakeQueue) CancelTask(context.Context, string) error { return q.cancelErr }

func (q *fakeQueue) SaveFinalStatus(_ context.Context, st *queue.TaskStatus) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.statuses == nil {
		q.statuses = make(map[string]*queue.TaskStatus)
	}
	q.statuses[st.TaskID] = st
	return nil
}

type fakeDurable struct {
	mu     sync.Mutex
	docs   map[string]models.Document
	chunks map[string][]models.Chunk
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{docs: make(map[string]models.Document), chunks: make(map[string][]models.Chunk)}
}

func (d *fakeDurable) ReplaceDocument(_ context.Context, doc models.Document, res *models.ParseResult) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.docs[doc.ID] = doc
	d.chunks[doc.ID] = res.Chunks
	return nil
}

func (d *fakeDurable) FindByHash(_ context.Context, owner, hash string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, doc := range d.docs {
		if doc.OwnerID == owner && doc.ContentHash == hash {
			return id, true, nil
		}
	}
	return "", false, nil
}

func (d *fakeDurable) DeleteDocument(_ context.Context, owner, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, ok := d.docs[id]
	if !ok || doc.OwnerID != owner {
		return false, nil
	}
	delete(d.docs, id)
	delete(d.chunks, id)
	return true, nil
}

func (d *fakeDurable) Chunks(_ context.Context, owner string, ids []string) ([]models.Chunk, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []models.Chunk
	for _, id := range ids {
		if d.docs[id].OwnerID == owner {
			out = append(out, d.chunks[id]...)
		}
	}
	return out, nil
}

func (d *fakeDurable) SearchChunks(context.Context, string, []string, []string, int) ([]models.ScoredChunk, error) {
	return nil, nil
}

type fixture struct {
	svc      *Service
	contexts *contextstore.Store
	tracker  *status.MemoryTracker
	durable  *fakeDurable
	storage  *memStorage
	queue    *fakeQueue
}

func newFixture(t *testing.T, mode ingest.Mode, async bool) *fixture {
	t.Helper()
	log := logger.NewTestLogger()
	f := &fixture{
		contexts: contextstore.New(contextstore.Config{}, log),
		tracker:  status.NewMemoryTracker(time.Hour),
		durable:  newFakeDurable(),
	}
	t.Cleanup(func() { _ = f.contexts.Close() })

	orch := ingest.New(ingest.Dependencies{
		Openers:  []agentdoc.Opener{textOpener{}},
		Contexts: f.contexts,
		Tracker:  f.tracker,
		Durable:  f.durable,
	}, ingest.Config{PersistMode: mode, PersistBackoff: time.Millisecond}, log)

	deps := Dependencies{
		Orchestrator: orch,
		Contexts:     f.contexts,
		Tracker:      f.tracker,
		Durable:      f.durable,
	}
	if async {
		f.storage = newMemStorage()
		f.queue = &fakeQueue{}
		deps.Storage = f.storage
		deps.Queue = f.queue
	}
	f.svc = NewService(deps, &ServiceConfig{QueuePriority: 2, RetentionPeriod: time.Hour}, log)
	return f
}

func pdfBytes(body string) []byte {
	return []byte("%PDF-1.7\n" + body)
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	ie, ok := models.AsIngestError(err)
	require.True(t, ok, "expected IngestError, got %v", err)
	assert.Equal(t, code, ie.Code)
}

func TestIngestSearchDelete(t *testing.T) {
	f := newFixture(t, ingest.ModeEphemeral, false)
	ctx := context.Background()

	sum, err := f.svc.Ingest(ctx, pdfBytes("memo"), IngestMetadata{Filename: "memo.pdf", Owner: "alice", RequestKey: "k1"})
	require.NoError(t, err)
	assert.True(t, sum.Success)
	assert.Equal(t, "k1", sum.RequestKey)
	assert.Positive(t, sum.ChunkCount)

	rep, err := f.svc.GetStatus(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, models.StateReady, rep.Status)
	assert.True(t, rep.IsReady)
	assert.Equal(t, 100, rep.PercentReady)
	assert.Equal(t, sum.DocumentID, rep.DocumentID)

	chunks, err := f.svc.Search(ctx, SearchRequest{Owner: "alice", Key: "k1", Query: "parking"})
	require.NoError(t, err)
	assert.NotEmpty(t, chunks)

	removed, err := f.svc.DeleteContext(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, removed)

	rep, err = f.svc.GetStatus(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, models.StateMissing, rep.Status)

	_, err = f.svc.Search(ctx, SearchRequest{Owner: "alice", Key: "k1", Query: "parking"})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestIngestRejectsInvalidUpload(t *testing.T) {
	f := newFixture(t, ingest.ModeEphemeral, false)

	_, err := f.svc.Ingest(context.Background(), nil, IngestMetadata{Filename: "memo.pdf"})
	requireCode(t, err, models.CodeEmptyFile)
}

func TestGetStatusUnknownKey(t *testing.T) {
	f := newFixture(t, ingest.ModeEphemeral, false)

	rep, err := f.svc.GetStatus(context.Background(), "nope")
	require.NoError(t, err)
	assert.Equal(t, models.StateMissing, rep.Status)
	assert.False(t, rep.IsReady)
	assert.Equal(t, 0, rep.PercentReady)
	assert.GreaterOrEqual(t, rep.RetryAfterSeconds, 1)
	assert.LessOrEqual(t, rep.RetryAfterSeconds, 5)
}

func TestSearchOwnerIsolation(t *testing.T) {
	f := newFixture(t, ingest.ModeEphemeral, false)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, pdfBytes("memo"), IngestMetadata{Filename: "memo.pdf", Owner: "alice", RequestKey: "k1"})
	require.NoError(t, err)

	_, err = f.svc.Search(ctx, SearchRequest{Owner: "bob", Key: "k1", Query: "parking"})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSearchAnonymousContexts(t *testing.T) {
	f := newFixture(t, ingest.ModeEphemeral, false)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, pdfBytes("memo"), IngestMetadata{Filename: "memo.pdf", Owner: "alice", RequestKey: "owned"})
	require.NoError(t, err)
	_, err = f.svc.Ingest(ctx, pdfBytes("memo local copy"), IngestMetadata{Filename: "memo.pdf", RequestKey: "anon"})
	require.NoError(t, err)

	tests := []struct {
		name  string
		owner string
		key   string
		found bool
	}{
		{"anonymous reads anonymous", "", "anon", true},
		{"anonymous cannot read owned", "", "owned", false},
		{"owner cannot read anonymous", "alice", "anon", false},
		{"owner reads own", "alice", "owned", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks, err := f.svc.Search(ctx, SearchRequest{Owner: tt.owner, Key: tt.key, Query: "parking"})
			if tt.found {
				require.NoError(t, err)
				assert.NotEmpty(t, chunks)
				return
			}
			assert.ErrorIs(t, err, models.ErrNotFound)
		})
	}
}

func TestSearchFallsBackToDurable(t *testing.T) {
	f := newFixture(t, ingest.ModeBoth, false)
	ctx := context.Background()

	sum, err := f.svc.Ingest(ctx, pdfBytes("memo"), IngestMetadata{Filename: "memo.pdf", Owner: "alice", RequestKey: "k1"})
	require.NoError(t, err)

	// 临时上下文过期
	f.contexts.Delete("k1")

	chunks, err := f.svc.Search(ctx, SearchRequest{Owner: "alice", Key: "k1", Query: "cap rate"})
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.Equal(t, sum.DocumentID, chunks[0].DocumentID)

	chunks, err = f.svc.Search(ctx, SearchRequest{Owner: "alice", DocumentIDs: []string{sum.DocumentID}, Query: "pool"})
	require.NoError(t, err)
	assert.NotEmpty(t, chunks)

	_, err = f.svc.Search(ctx, SearchRequest{Owner: "bob", DocumentIDs: []string{sum.DocumentID}, Query: "pool"})
	assert.ErrorIs(t, err, models.ErrNotFound)

	ok, err := f.svc.DeleteDocument(ctx, "alice", sum.DocumentID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSearchNeedsTarget(t *testing.T) {
	f := newFixture(t, ingest.ModeEphemeral, false)

	_, err := f.svc.Search(context.Background(), SearchRequest{Query: "noi"})
	requireCode(t, err, models.CodeInvalidRequest)
}

func TestSubmitWithoutQueue(t *testing.T) {
	f := newFixture(t, ingest.ModeDurable, false)

	_, err := f.svc.Submit(context.Background(), pdfBytes("memo"), IngestMetadata{Filename: "memo.pdf"})
	assert.ErrorIs(t, err, ErrAsyncDisabled)
	assert.ErrorIs(t, f.svc.CancelTask(context.Background(), "k"), ErrAsyncDisabled)
}

func TestSubmitAndHandle(t *testing.T) {
	f := newFixture(t, ingest.ModeDurable, true)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, pdfBytes("memo"), IngestMetadata{Filename: "memo.pdf", Owner: "alice"})
	require.NoError(t, err)
	assert.Equal(t, string(models.StateProcessing), res.Status)

	rep, err := f.svc.GetStatus(ctx, res.RequestKey)
	require.NoError(t, err)
	assert.Equal(t, models.StateProcessing, rep.Status)
	assert.False(t, rep.IsReady)
	assert.Nil(t, rep.Task)

	f.queue.statuses = map[string]*queue.TaskStatus{
		res.RequestKey: {TaskID: res.RequestKey, Status: "retrying"},
	}
	rep, err = f.svc.GetStatus(ctx, res.RequestKey)
	require.NoError(t, err)
	require.NotNil(t, rep.Task)
	assert.Equal(t, "retrying", rep.Task.Status)

	require.Len(t, f.queue.tasks, 1)
	task := f.queue.tasks[0]
	assert.Equal(t, queue.TaskTypeDocumentIngest, task.Type)
	assert.Equal(t, storage.UploadKey(res.RequestKey), task.Payload[queue.PayloadStorageKey])
	assert.Equal(t, string(ingest.ModeDurable), task.Payload[queue.PayloadMode])
	assert.Contains(t, f.storage.objects, storage.UploadKey(res.RequestKey))

	require.NoError(t, f.svc.HandleDocument(ctx, task))

	rep, err = f.svc.GetStatus(ctx, res.RequestKey)
	require.NoError(t, err)
	assert.Equal(t, models.StateReady, rep.Status)
	assert.True(t, rep.IsReady)
	assert.Equal(t, res.DocumentID, rep.DocumentID)
	assert.Contains(t, f.storage.objects, storage.ResultKey(res.RequestKey))
	assert.Equal(t, "completed", f.queue.statuses[res.RequestKey].Status)
	assert.Nil(t, rep.Task)

	doc, err := f.svc.GetProcessedDocument(ctx, res.RequestKey)
	require.NoError(t, err)
	assert.Equal(t, res.DocumentID, doc.DocumentID)
	assert.NotEmpty(t, doc.Content)

	chunks, err := f.svc.Search(ctx, SearchRequest{Owner: "alice", Key: res.RequestKey, Query: "noi"})
	require.NoError(t, err)
	assert.NotEmpty(t, chunks)
}

func TestSubmitRejectsEphemeralMode(t *testing.T) {
	f := newFixture(t, ingest.ModeDurable, true)

	_, err := f.svc.Submit(context.Background(), pdfBytes("memo"), IngestMetadata{Filename: "memo.pdf", Mode: "ephemeral"})
	requireCode(t, err, models.CodeInvalidRequest)
	assert.Empty(t, f.queue.tasks)
}

func TestSubmitEnqueueFailure(t *testing.T) {
	f := newFixture(t, ingest.ModeDurable, true)
	f.queue.enqueueErr = errors.New("redis down")
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, pdfBytes("memo"), IngestMetadata{Filename: "memo.pdf", RequestKey: "k9"})
	require.Error(t, err)

	rep, err := f.svc.GetStatus(ctx, "k9")
	require.NoError(t, err)
	assert.Equal(t, models.StateError, rep.Status)
	assert.Empty(t, f.storage.objects)
}

func TestGetProcessedDocumentFromStorage(t *testing.T) {
	f := newFixture(t, ingest.ModeDurable, true)
	ctx := context.Background()

	_, err := f.svc.GetProcessedDocument(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	f.storage.objects[storage.ResultKey("old")] = []byte(`{"requestKey":"old","status":"completed","content":[{"id":"c1","text":"x"}]}`)
	doc, err := f.svc.GetProcessedDocument(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, "old", doc.RequestKey)
	assert.Len(t, doc.Content, 1)
}

func TestCancelTask(t *testing.T) {
	f := newFixture(t, ingest.ModeDurable, true)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, pdfBytes("memo"), IngestMetadata{Filename: "memo.pdf"})
	require.NoError(t, err)

	require.NoError(t, f.svc.CancelTask(ctx, res.RequestKey))

	rep, err := f.svc.GetStatus(ctx, res.RequestKey)
	require.NoError(t, err)
	assert.Equal(t, models.StateError, rep.Status)
	require.NotNil(t, rep.Error)
	assert.Equal(t, models.CodeCancelled, rep.Error.Code)

	f.queue.cancelErr = fmt.Errorf("%w: x", queue.ErrTaskNotFound)
	assert.ErrorIs(t, f.svc.CancelTask(ctx, "x"), models.ErrNotFound)
}

func TestCleanupTasks(t *testing.T) {
	f := newFixture(t, ingest.ModeDurable, true)

	before := time.Now()
	require.NoError(t, f.svc.CleanupTasks(context.Background()))
	assert.WithinDuration(t, before.Add(-time.Hour), f.storage.threshold, time.Second)
}
