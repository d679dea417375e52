package retrieval

import (
	"math"
	"strings"

	"github.com/feichai0017/document-context/internal/models"
)

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// BM25 scores chunks against terms. Phrase terms count consecutive token matches.
func BM25(chunks []models.Chunk, terms []string) []float64 {
	scores := make([]float64, len(chunks))
	if len(chunks) == 0 || len(terms) == 0 {
		return scores
	}

	docs := make([][]string, len(chunks))
	total := 0
	for i, c := range chunks {
		docs[i] = Tokenize(c.Text)
		total += len(docs[i])
	}
	avgdl := float64(total) / float64(len(docs))
	if avgdl == 0 {
		return scores
	}

	n := float64(len(docs))
	for _, term := range terms {
		phrase := strings.Fields(term)
		if len(phrase) == 0 {
			continue
		}
		tf := make([]int, len(docs))
		df := 0
		for i, d := range docs {
			tf[i] = countPhrase(d, phrase)
			if tf[i] > 0 {
				df++
			}
		}
		if df == 0 {
			continue
		}
		idf := math.Log((n-float64(df)+0.5)/(float64(df)+0.5) + 1)
		for i, d := range docs {
			if tf[i] == 0 {
				continue
			}
			f := float64(tf[i])
			norm := bm25K1 * (1 - bm25B + bm25B*float64(len(d))/avgdl)
			scores[i] += idf * f * (bm25K1 + 1) / (f + norm)
		}
	}
	return scores
}

func countPhrase(tokens, phrase []string) int {
	n := 0
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		match := true
		for j, p := range phrase {
			if tokens[i+j] != p {
				match = false
				break
			}
		}
		if match {
			n++
		}
	}
	return n
}
