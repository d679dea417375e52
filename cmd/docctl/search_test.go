package main

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"

	"github.com/feichai0017/document-context/internal/models"
)

func TestSnippet(t *testing.T) {
	assert.Equal(t, "a b c", snippet("a\n b\t c", 10))
	assert.Equal(t, "abc...", snippet("abcdef", 3))
	assert.Equal(t, "净营业收...", snippet("净营业收入增长", 4))
}

func TestOutputChunks(t *testing.T) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)

	outputChunks(cmd, nil)
	assert.Equal(t, "No results found.\n", buf.String())

	buf.Reset()
	outputChunks(cmd, []models.Chunk{{Page: 3, Type: models.ChunkTable, Text: "NOI\n1,250,000"}})
	assert.Equal(t, "Results:\n[1] p.3 table - NOI 1,250,000\n", buf.String())
}
