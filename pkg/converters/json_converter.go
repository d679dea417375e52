package converters

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/feichai0017/document-context/internal/models"
)

// DocumentConverter 定义文档转换器接口
type DocumentConverter interface {
	Convert(summary models.IngestSummary, res *models.ParseResult) (*ProcessedDocument, error)
}

// ProcessedDocument 定义处理后的文档结构
type ProcessedDocument struct {
	RequestKey  string           `json:"requestKey"`
	DocumentID  string           `json:"documentId"`
	Status      string           `json:"status"`
	Content     []ChunkContent   `json:"content"`
	Tables      []models.Table   `json:"tables,omitempty"`
	Pages       []PageSummary    `json:"pages"`
	Metadata    DocumentMetadata `json:"metadata"`
	ProcessedAt time.Time        `json:"processedAt"`
}

// ChunkContent 定义文档块内容
type ChunkContent struct {
	ID         string          `json:"id"`
	Text       string          `json:"text"`
	Page       int             `json:"page"`
	Index      int             `json:"index"`
	Position   models.Position `json:"position"`
	Type       string          `json:"type"`
	TokenCount int             `json:"tokenCount"`
}

// PageSummary records how each page was read.
type PageSummary struct {
	Number     int     `json:"number"`
	Method     string  `json:"method"`
	OCR        bool    `json:"ocr"`
	Confidence float64 `json:"confidence,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// DocumentMetadata 定义文档元数据
type DocumentMetadata struct {
	PageCount    int      `json:"pageCount"`
	UsablePages  int      `json:"usablePages"`
	ChunkCount   int      `json:"chunkCount"`
	TableCount   int      `json:"tableCount"`
	Sections     []string `json:"sections"`
	Confidence   float64  `json:"confidence"`
	Partial      bool     `json:"partial"`
	ProcessingMs int64    `json:"processingMs"`
}

// JSONConverter 实现文档转换器
type JSONConverter struct {
	now func() time.Time
}

func NewJSONConverter() *JSONConverter {
	return &JSONConverter{now: time.Now}
}

func (c *JSONConverter) Convert(summary models.IngestSummary, res *models.ParseResult) (*ProcessedDocument, error) {
	if res == nil {
		return nil, fmt.Errorf("no parse result to convert")
	}
	if len(res.Chunks) == 0 {
		return nil, fmt.Errorf("no chunks to convert")
	}

	status := "completed"
	if res.Partial {
		status = "partial"
	}

	// 初始化文档结构
	doc := &ProcessedDocument{
		RequestKey:  summary.RequestKey,
		DocumentID:  summary.DocumentID,
		Status:      status,
		Content:     make([]ChunkContent, 0, len(res.Chunks)),
		Tables:      res.Tables,
		Pages:       make([]PageSummary, 0, len(res.Pages)),
		ProcessedAt: c.now().UTC(),
		Metadata: DocumentMetadata{
			PageCount:    len(res.Pages),
			UsablePages:  res.UsablePages(),
			ChunkCount:   len(res.Chunks),
			TableCount:   len(res.Tables),
			Sections:     make([]string, 0),
			Partial:      res.Partial,
			ProcessingMs: res.Duration.Milliseconds(),
		},
	}

	seen := make(map[string]bool)
	for _, chunk := range res.Chunks {
		doc.Content = append(doc.Content, ChunkContent{
			ID:         chunk.ID,
			Text:       chunk.Text,
			Page:       chunk.Page,
			Index:      chunk.Index,
			Position:   chunk.Position,
			Type:       string(chunk.Type),
			TokenCount: chunk.TokenCount,
		})
		// 标题块作为章节
		if chunk.Type == models.ChunkHeader && !seen[chunk.Text] {
			seen[chunk.Text] = true
			doc.Metadata.Sections = append(doc.Metadata.Sections, chunk.Text)
		}
	}

	var total float64
	var usable int
	for _, p := range res.Pages {
		ps := PageSummary{
			Number:     p.Number,
			Method:     string(p.Method),
			OCR:        p.OCR,
			Confidence: p.Confidence,
		}
		if p.Err != nil {
			ps.Error = p.Err.Code
		}
		doc.Pages = append(doc.Pages, ps)
		if p.Usable() {
			total += p.Confidence
			usable++
		}
	}

	// 计算平均置信度
	if usable > 0 {
		doc.Metadata.Confidence = total / float64(usable)
	}

	return doc, nil
}

// Write encodes doc as indented JSON.
func Write(w io.Writer, doc *ProcessedDocument) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode processed document: %w", err)
	}
	return nil
}

// Read decodes a document written by Write.
func Read(r io.Reader) (*ProcessedDocument, error) {
	var doc ProcessedDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode processed document: %w", err)
	}
	return &doc, nil
}
