package converters

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/document-context/internal/models"
)

func sampleResult() *models.ParseResult {
	return &models.ParseResult{
		Success:  true,
		Partial:  true,
		Duration: 1500 * time.Millisecond,
		Pages: []models.Page{
			{Number: 1, Text: "Executive Summary\nstrong", Method: models.MethodTextLayer, Confidence: 1},
			{Number: 2, Text: "NOI 1,250,000", OCR: true, Method: models.MethodOCR, Confidence: 0.8},
			{Number: 3, Method: models.MethodNone, Err: models.NewExtractionError(3, models.CodeOCRFailed, nil)},
		},
		Chunks: []models.Chunk{
			{ID: "c1", Page: 1, Index: 0, Type: models.ChunkHeader, Text: "Executive Summary", TokenCount: 2},
			{ID: "c2", Page: 1, Index: 1, Type: models.ChunkParagraph, Text: "strong", TokenCount: 1},
			{ID: "c3", Page: 2, Index: 0, Type: models.ChunkTable, Text: "NOI 1,250,000", TokenCount: 3},
			{ID: "c4", Page: 2, Index: 1, Type: models.ChunkHeader, Text: "Executive Summary", TokenCount: 2},
		},
		Tables: []models.Table{{Page: 2, Rows: [][]string{{"NOI", "1,250,000"}}}},
	}
}

func TestConvert(t *testing.T) {
	c := NewJSONConverter()
	c.now = func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }

	doc, err := c.Convert(models.IngestSummary{RequestKey: "k1", DocumentID: "d1"}, sampleResult())
	require.NoError(t, err)

	assert.Equal(t, "k1", doc.RequestKey)
	assert.Equal(t, "d1", doc.DocumentID)
	assert.Equal(t, "partial", doc.Status)
	assert.Len(t, doc.Content, 4)
	assert.Equal(t, "table", doc.Content[2].Type)
	assert.Equal(t, []string{"Executive Summary"}, doc.Metadata.Sections)
	assert.Equal(t, 3, doc.Metadata.PageCount)
	assert.Equal(t, 2, doc.Metadata.UsablePages)
	assert.Equal(t, 1, doc.Metadata.TableCount)
	assert.InDelta(t, 0.9, doc.Metadata.Confidence, 1e-9)
	assert.Equal(t, int64(1500), doc.Metadata.ProcessingMs)
	assert.Equal(t, models.CodeOCRFailed, doc.Pages[2].Error)
}

func TestConvertRejectsEmpty(t *testing.T) {
	c := NewJSONConverter()

	_, err := c.Convert(models.IngestSummary{}, nil)
	assert.Error(t, err)

	_, err = c.Convert(models.IngestSummary{}, &models.ParseResult{})
	assert.Error(t, err)
}

func TestWriteRead(t *testing.T) {
	doc, err := NewJSONConverter().Convert(models.IngestSummary{RequestKey: "k"}, sampleResult())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, doc))

	got, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, doc.Metadata, got.Metadata)
	assert.Equal(t, doc.Content, got.Content)
}
