// Package ingest drives one document from raw bytes to stored chunks.
//
// An ingestion validates the upload, opens the container, extracts every page
// under a bounded worker pool, detects tables and chunks each page as it
// completes, then persists the chunk set to the ephemeral store, the durable
// store or both. Progress counters go to a status.Tracker so pollers can see
// readiness before the run finishes. Runs for the same document id are
// serialized; identical bytes from the same owner short-circuit to the
// previous run while its output is still live.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/feichai0017/document-context/internal/agent/document"
	"github.com/feichai0017/document-context/internal/chunker"
	"github.com/feichai0017/document-context/internal/contextstore"
	"github.com/feichai0017/document-context/internal/extractor"
	"github.com/feichai0017/document-context/internal/models"
	"github.com/feichai0017/document-context/internal/status"
	"github.com/feichai0017/document-context/internal/structure"
	"github.com/feichai0017/document-context/internal/utils/validator"
	"github.com/feichai0017/document-context/pkg/logger"
)

// Mode selects where a run's output is persisted.
type Mode string

const (
	ModeEphemeral Mode = "ephemeral"
	ModeDurable   Mode = "durable"
	ModeBoth      Mode = "both"
)

func (m Mode) ephemeral() bool { return m == ModeEphemeral || m == ModeBoth }
func (m Mode) durable() bool   { return m == ModeDurable || m == ModeBoth }

// ParseMode accepts ephemeral, durable or both.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeEphemeral, ModeDurable, ModeBoth:
		return m, nil
	}
	return "", fmt.Errorf("unknown persist mode %q", s)
}

// documentNamespace derives document ids from owner and content hash.
var documentNamespace = uuid.MustParse("5b0e7c8e-3d0a-4c47-9a4b-2f6f1d1f6a10")

// DocumentID is stable for identical bytes uploaded by the same owner.
func DocumentID(owner, contentHash string) string {
	return uuid.NewSHA1(documentNamespace, []byte(owner+"|"+contentHash)).String()
}

// DurableStore persists a run. ReplaceDocument must be all-or-nothing.
type DurableStore interface {
	ReplaceDocument(ctx context.Context, doc models.Document, res *models.ParseResult) error
	FindByHash(ctx context.Context, owner, hash string) (string, bool, error)
}

type Config struct {
	PageConcurrency int
	PersistMode     Mode
	PersistRetries  uint64
	PersistBackoff  time.Duration
	ContextTTL      time.Duration
	// CacheTTL bounds how long durable-only runs short-circuit re-ingestion.
	CacheTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		PageConcurrency: 4,
		PersistMode:     ModeEphemeral,
		PersistRetries:  3,
		PersistBackoff:  200 * time.Millisecond,
		ContextTTL:      contextstore.DefaultTTL,
		CacheTTL:        status.DefaultTTL,
	}
}

// Dependencies are the collaborators of an Orchestrator. Durable may be nil
// when no run uses durable persistence.
type Dependencies struct {
	Validator *validator.DocumentValidator
	Openers   []document.Opener
	Extractor *extractor.Extractor
	Detector  *structure.Detector
	Chunker   *chunker.Chunker
	Contexts  *contextstore.Store
	Tracker   status.Tracker
	Durable   DurableStore
}

// Request is one upload.
type Request struct {
	Data     []byte
	Filename string
	Owner    string
	// DocumentID and RequestKey are derived when empty.
	DocumentID string
	RequestKey string
	// Mode overrides the configured persist mode.
	Mode Mode
}

// Result is returned by every Ingest call, failed ones included.
type Result struct {
	Summary models.IngestSummary
	Parse   *models.ParseResult
}

type Orchestrator struct {
	deps   Dependencies
	cfg    Config
	locks  *KeyedLock
	runs   *runCache
	logger logger.Logger
}

func New(deps Dependencies, cfg Config, log logger.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.PageConcurrency <= 0 {
		cfg.PageConcurrency = def.PageConcurrency
	}
	if cfg.PersistMode == "" {
		cfg.PersistMode = def.PersistMode
	}
	if cfg.PersistBackoff <= 0 {
		cfg.PersistBackoff = def.PersistBackoff
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if log == nil {
		log = logger.NewNop()
	}
	if deps.Validator == nil {
		deps.Validator = validator.NewDocumentValidator(log, nil)
	}
	if deps.Extractor == nil {
		deps.Extractor = extractor.New(nil, nil, extractor.DefaultOptions(), log)
	}
	if deps.Detector == nil {
		deps.Detector = structure.NewDetector(structure.DefaultConfig())
	}
	if deps.Chunker == nil {
		deps.Chunker = chunker.New()
	}
	if deps.Tracker == nil {
		deps.Tracker = status.NewMemoryTracker(status.DefaultTTL)
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		locks:  NewKeyedLock(),
		runs:   newRunCache(cfg.CacheTTL),
		logger: log.Named("ingest"),
	}
}

// Mode returns the configured persist mode.
func (o *Orchestrator) Mode() Mode { return o.cfg.PersistMode }

// Tracker returns the readiness store progress is written to.
func (o *Orchestrator) Tracker() status.Tracker { return o.deps.Tracker }

// Result returns the parse result of a finished run still remembered by this process.
func (o *Orchestrator) Result(requestKey string) (*models.ParseResult, bool) {
	r, ok := o.runs.byRequestKey(requestKey)
	if !ok {
		return nil, false
	}
	return r.result, true
}

// Ingest runs one ingestion. The returned Result is never nil; err is set
// for hard failures and carries a *models.IngestError with the reason code.
// Page-local failures only set Summary.Partial.
func (o *Orchestrator) Ingest(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res := &Result{Summary: models.IngestSummary{
		DocumentID: req.DocumentID,
		RequestKey: req.RequestKey,
	}}

	mode := req.Mode
	if mode == "" {
		mode = o.cfg.PersistMode
	}
	if err := o.checkMode(mode); err != nil {
		return o.reject(res, start, err)
	}

	check := o.deps.Validator.Validate(req.Filename, req.Data)
	if err := check.Err(); err != nil {
		return o.reject(res, start, err)
	}
	info := check.FileInfo

	docID := req.DocumentID
	if docID == "" {
		docID = DocumentID(req.Owner, info.Hash)
	}
	res.Summary.DocumentID = docID

	unlock, err := o.locks.Lock(ctx, docID)
	if err != nil {
		return o.reject(res, start, models.NewDocumentError(models.CodeCancelled, "ingestion cancelled while waiting for the document lock", err))
	}
	defer unlock()

	ck := cacheKey(req.Owner, info.Hash)
	if prev, ok := o.reusable(ctx, ck, docID, mode); ok {
		res.Summary = prev.summary
		res.Summary.Cached = true
		res.Summary.ProcessingTimeMs = time.Since(start).Milliseconds()
		res.Parse = prev.result
		o.logger.Info("Reusing previous ingestion",
			logger.String("documentId", docID),
			logger.String("requestKey", prev.summary.RequestKey),
		)
		return res, nil
	}

	key := req.RequestKey
	if key == "" {
		key = uuid.NewString()
	}
	res.Summary.RequestKey = key

	log := o.logger.With(
		logger.String("documentId", docID),
		logger.String("requestKey", key),
	)
	log.Info("Starting document ingestion",
		logger.String("filename", req.Filename),
		logger.Int64("size", info.Size),
		logger.String("mode", string(mode)),
	)

	// 终态写入不能随调用方取消而丢失
	wctx := context.WithoutCancel(ctx)
	if err := o.deps.Tracker.Begin(wctx, key, docID, info.Hash); err != nil {
		log.Warn("Failed to record processing status", logger.Error(err))
	}

	parse, err := o.parse(ctx, log, req, info, docID, key)
	res.Parse = parse
	if parse != nil {
		res.Summary.PageCount = len(parse.Pages)
	}
	if err != nil {
		o.fail(wctx, log, key, err)
		return o.reject(res, start, err)
	}
	parse.Duration = time.Since(start)

	doc := models.Document{
		ID:          docID,
		OwnerID:     req.Owner,
		Filename:    req.Filename,
		FileType:    info.FileType,
		MimeType:    info.MimeType,
		Size:        info.Size,
		PageCount:   len(parse.Pages),
		ContentHash: info.Hash,
		CreatedAt:   start,
	}
	meta := map[string]string{
		models.MetaFilename:   req.Filename,
		models.MetaOwner:      req.Owner,
		models.MetaDocumentID: docID,
	}

	parts, pages := len(parse.Chunks), parse.UsablePages()
	res.Summary.ChunkCount = parts
	res.Summary.TableCount = len(parse.Tables)
	res.Summary.Partial = parse.Partial

	stored, perr := o.persist(wctx, log, mode, key, doc, parse, meta)
	if perr != nil {
		parse.Success = false
		parse.Err = perr
		if stored {
			// 临时副本仍可查询
			o.complete(wctx, log, key, parts, pages)
		} else {
			o.fail(wctx, log, key, perr)
		}
		return o.reject(res, start, perr)
	}

	o.complete(wctx, log, key, parts, pages)
	res.Summary.Success = true
	res.Summary.ProcessingTimeMs = time.Since(start).Milliseconds()
	o.runs.put(ck, run{summary: res.Summary, result: parse, mode: mode, owner: req.Owner, hash: info.Hash})

	log.Info("Document ingestion completed",
		logger.Int("pages", len(parse.Pages)),
		logger.Int("chunks", parts),
		logger.Int("tables", len(parse.Tables)),
		logger.Bool("partial", parse.Partial),
		logger.Int64("elapsedMs", res.Summary.ProcessingTimeMs),
	)
	return res, nil
}

func (o *Orchestrator) checkMode(mode Mode) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}
	if mode.ephemeral() && o.deps.Contexts == nil {
		return fmt.Errorf("persist mode %s needs a context store", mode)
	}
	if mode.durable() && o.deps.Durable == nil {
		return fmt.Errorf("persist mode %s needs a durable store", mode)
	}
	return nil
}

// reusable returns the previous run for the same bytes while its output is still live.
func (o *Orchestrator) reusable(ctx context.Context, ck, docID string, mode Mode) (run, bool) {
	prev, ok := o.runs.get(ck)
	if !ok || prev.summary.DocumentID != docID || prev.mode != mode {
		return run{}, false
	}
	if mode.ephemeral() && !o.deps.Contexts.Has(prev.summary.RequestKey) {
		o.runs.forget(ck)
		return run{}, false
	}
	if mode.durable() {
		id, found, err := o.deps.Durable.FindByHash(ctx, prev.owner, prev.hash)
		if err != nil || !found || id != docID {
			o.runs.forget(ck)
			return run{}, false
		}
	}
	return prev, true
}

type pageOutput struct {
	page   models.Page
	chunks []models.Chunk
	tables []models.Table
}

func (o *Orchestrator) parse(ctx context.Context, log logger.Logger, req Request, info validator.FileInfo, docID, key string) (*models.ParseResult, error) {
	opener := o.opener(info.MimeType)
	if opener == nil {
		return nil, models.NewValidationError(models.CodeUnsupportedType, fmt.Sprintf("no reader for %s", info.MimeType))
	}
	src, err := opener.Open(req.Data)
	if err != nil {
		return nil, models.NewDocumentError(models.CodeUnreadableDocument, "document structure is unreadable", err)
	}
	defer src.Close()

	n := src.NumPages()
	if n == 0 {
		return nil, models.NewValidationError(models.CodeZeroPages, "document has no pages")
	}
	if err := o.deps.Validator.CheckPageCount(n); err != nil {
		return nil, err
	}

	outs := o.extractPages(ctx, log, src, docID, key, n)

	parse := &models.ParseResult{
		Pages:  make([]models.Page, 0, n),
		Tables: []models.Table{},
	}
	for _, out := range outs {
		parse.Pages = append(parse.Pages, out.page)
		parse.Chunks = append(parse.Chunks, out.chunks...)
		parse.Tables = append(parse.Tables, out.tables...)
		if out.page.Err != nil {
			parse.Partial = true
		}
	}

	if parse.UsablePages() == 0 {
		code, msg := models.CodeNoUsableText, "no page yielded usable text"
		if ctx.Err() != nil {
			code, msg = models.CodeCancelled, "ingestion cancelled before any page yielded text"
		}
		err := models.NewDocumentError(code, msg, ctx.Err())
		parse.Err = err
		return parse, err
	}
	parse.Success = true
	return parse, nil
}

func (o *Orchestrator) opener(mime string) document.Opener {
	for _, op := range o.deps.Openers {
		if op.CanOpen(mime) {
			return op
		}
	}
	return nil
}

// extractPages runs pages through the worker pool. Once ctx is done no new
// page is scheduled; pages never started are marked cancelled.
func (o *Orchestrator) extractPages(ctx context.Context, log logger.Logger, src document.Source, docID, key string, n int) []pageOutput {
	outs := make([]pageOutput, n)
	sem := semaphore.NewWeighted(int64(o.cfg.PageConcurrency))
	wctx := context.WithoutCancel(ctx)

	var (
		g     errgroup.Group
		mu    sync.Mutex
		parts int
		pages int
	)
	scheduled := 0
	for i := 1; i <= n; i++ {
		if ctx.Err() != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		scheduled = i
		i := i
		g.Go(func() error {
			defer sem.Release(1)
			out := o.processPage(ctx, src, docID, i)
			outs[i-1] = out
			if !out.page.Usable() {
				return nil
			}

			mu.Lock()
			parts += len(out.chunks)
			pages++
			p, pg := parts, pages
			mu.Unlock()
			if err := o.deps.Tracker.Progress(wctx, key, p, pg); err != nil {
				log.Warn("Failed to record progress", logger.Int("page", i), logger.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if scheduled < n {
		log.Warn("Ingestion cancelled, skipping remaining pages",
			logger.Int("scheduled", scheduled),
			logger.Int("pages", n),
		)
		cause := ctx.Err()
		if cause == nil {
			cause = context.Canceled
		}
		for i := scheduled + 1; i <= n; i++ {
			outs[i-1] = pageOutput{page: models.Page{
				Number: i,
				Method: models.MethodNone,
				Err:    models.NewExtractionError(i, models.CodeCancelled, cause),
			}}
		}
	}
	return outs
}

func (o *Orchestrator) processPage(ctx context.Context, src document.Source, docID string, n int) pageOutput {
	pg, err := src.Page(n)
	if err != nil {
		return pageOutput{page: models.Page{
			Number: n,
			Method: models.MethodNone,
			Err:    models.NewExtractionError(n, models.CodeUnreadableDocument, err),
		}}
	}

	page := o.deps.Extractor.Extract(ctx, pg)
	page.Number = n
	out := pageOutput{page: page}
	if page.Usable() {
		out.tables = o.deps.Detector.Detect(page)
		out.chunks = o.deps.Chunker.Chunk(docID, n, page.Text)
	}
	return out
}

// persist returns whether an ephemeral copy was stored, even when the durable write failed.
func (o *Orchestrator) persist(ctx context.Context, log logger.Logger, mode Mode, key string, doc models.Document, parse *models.ParseResult, meta map[string]string) (bool, *models.IngestError) {
	stored := false
	if mode.ephemeral() {
		o.deps.Contexts.Put(key, parse.Chunks, o.cfg.ContextTTL, meta)
		stored = true
	}
	if !mode.durable() {
		return stored, nil
	}

	op := func() error {
		return o.deps.Durable.ReplaceDocument(ctx, doc, parse)
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("Durable write failed, retrying",
			logger.Error(err),
			logger.Duration("backoff", wait),
		)
	}
	if err := backoff.RetryNotify(op, o.backOff(ctx), notify); err != nil {
		log.Error("Durable write failed", logger.Error(err))
		return stored, models.NewPersistenceError(err)
	}
	return stored, nil
}

func (o *Orchestrator) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.PersistBackoff
	b.MaxInterval = 10 * o.cfg.PersistBackoff
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, o.cfg.PersistRetries), ctx)
}

func (o *Orchestrator) complete(ctx context.Context, log logger.Logger, key string, parts, pages int) {
	if err := o.deps.Tracker.Complete(ctx, key, parts, pages); err != nil {
		log.Warn("Failed to record ready status", logger.Error(err))
	}
}

func (o *Orchestrator) fail(ctx context.Context, log logger.Logger, key string, err error) {
	ie, ok := models.AsIngestError(err)
	if !ok {
		ie = models.NewDocumentError(models.CodeUnreadableDocument, err.Error(), err)
	}
	log.Warn("Document ingestion failed",
		logger.String("code", ie.Code),
		logger.Error(err),
	)
	if terr := o.deps.Tracker.Fail(ctx, key, ie); terr != nil {
		log.Warn("Failed to record error status", logger.Error(terr))
	}
}

func (o *Orchestrator) reject(res *Result, start time.Time, err error) (*Result, error) {
	res.Summary.Success = false
	res.Summary.ProcessingTimeMs = time.Since(start).Milliseconds()
	var ie *models.IngestError
	if errors.As(err, &ie) {
		res.Summary.Error = ie
	} else {
		res.Summary.Error = &models.IngestError{Kind: models.KindValidation, Code: models.CodeInvalidRequest, Message: err.Error(), Err: err}
	}
	return res, err
}
