package models

import (
	"time"
)

// FileType 文件类型
type FileType string

const (
	PDF   FileType = "pdf"
	Image FileType = "image"
)

// Document is an uploaded file. It never changes after upload.
type Document struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	Filename    string    `json:"filename"`
	FileType    FileType  `json:"fileType"`
	MimeType    string    `json:"mimeType"`
	Size        int64     `json:"size"`
	PageCount   int       `json:"pageCount"`
	ContentHash string    `json:"contentHash"`
	CreatedAt   time.Time `json:"createdAt"`
	Data        []byte    `json:"-"`
}

// TextItem is one positioned run of text on a page. Y grows upwards, as in PDF user space.
type TextItem struct {
	Text     string  `json:"text"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	W        float64 `json:"w"`
	FontSize float64 `json:"fontSize"`
}

// ExtractionMethod 页面文本来源
type ExtractionMethod string

const (
	MethodTextLayer ExtractionMethod = "text-layer"
	MethodOCR       ExtractionMethod = "ocr"
	MethodMerged    ExtractionMethod = "merged"
	MethodNone      ExtractionMethod = "none"
)

// Page is the result of extracting one page.
type Page struct {
	Number     int              `json:"number"`
	Text       string           `json:"text"`
	Items      []TextItem       `json:"-"`
	OCR        bool             `json:"ocr"`
	Confidence float64          `json:"confidence"`
	Method     ExtractionMethod `json:"method"`
	Err        *IngestError     `json:"error,omitempty"`
}

// Usable reports whether the page produced any text.
func (p Page) Usable() bool {
	for _, r := range p.Text {
		if r != ' ' && r != '\n' && r != '\t' && r != '\r' {
			return true
		}
	}
	return false
}

// ChunkType 分块类型
type ChunkType string

const (
	ChunkParagraph ChunkType = "paragraph"
	ChunkTable     ChunkType = "table"
	ChunkHeader    ChunkType = "header"
	ChunkFooter    ChunkType = "footer"
	ChunkList      ChunkType = "list"
)

// Position is an inclusive, 1-based line range within the page text.
type Position struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Chunk is the unit of retrieval.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId"`
	Page       int       `json:"page"`
	Index      int       `json:"index"`
	Position   Position  `json:"position"`
	TokenCount int       `json:"tokenCount"`
	Type       ChunkType `json:"type"`
	Text       string    `json:"text"`
}

// BBox is a bounding box in page coordinates.
type BBox struct {
	MinX float64 `json:"minX"`
	MinY float64 `json:"minY"`
	MaxX float64 `json:"maxX"`
	MaxY float64 `json:"maxY"`
}

// Table is a detected table candidate.
type Table struct {
	Page   int        `json:"page"`
	BBox   BBox       `json:"bbox"`
	Header []string   `json:"header,omitempty"`
	Rows   [][]string `json:"rows"`
}

// ParseResult is produced once per ingestion attempt.
type ParseResult struct {
	Success  bool          `json:"success"`
	Pages    []Page        `json:"pages"`
	Chunks   []Chunk       `json:"chunks"`
	Tables   []Table       `json:"tables"`
	Duration time.Duration `json:"duration"`
	Partial  bool          `json:"partial"`
	Err      *IngestError  `json:"error,omitempty"`
}

// UsablePages counts pages that yielded text.
func (r *ParseResult) UsablePages() int {
	n := 0
	for _, p := range r.Pages {
		if p.Usable() {
			n++
		}
	}
	return n
}

// IngestSummary is what callers of ingest get back.
type IngestSummary struct {
	Success          bool         `json:"success"`
	DocumentID       string       `json:"documentId"`
	RequestKey       string       `json:"requestKey"`
	PageCount        int          `json:"pageCount"`
	ChunkCount       int          `json:"chunkCount"`
	TableCount       int          `json:"tableCount"`
	ProcessingTimeMs int64        `json:"processingTimeMs"`
	Partial          bool         `json:"partial"`
	Cached           bool         `json:"cached"`
	Error            *IngestError `json:"error,omitempty"`
}

// StoredContext is one entry of the ephemeral context store.
type StoredContext struct {
	Key       string            `json:"key"`
	Chunks    []Chunk           `json:"chunks"`
	CreatedAt time.Time         `json:"createdAt"`
	TTL       time.Duration     `json:"ttl"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ExpiresAt returns the instant the entry stops being visible.
func (c StoredContext) ExpiresAt() time.Time {
	return c.CreatedAt.Add(c.TTL)
}

// Metadata keys used on stored contexts.
const (
	MetaFilename   = "filename"
	MetaOwner      = "owner"
	MetaDocumentID = "documentId"
)

// ProcessingTask 异步任务
type ProcessingTask struct {
	ID        string            `json:"id"`
	Status    ReadinessState    `json:"status"`
	Type      string            `json:"type"`
	Priority  int               `json:"priority"`
	Metadata  map[string]string `json:"metadata"`
	CreatedAt time.Time         `json:"createdAt"`
}

// ScoredChunk is a chunk with a relevance score from full-text search.
type ScoredChunk struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}
