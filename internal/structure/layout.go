package structure

import (
	"math"
	"sort"
	"strings"

	"github.com/feichai0017/document-context/internal/models"
)

// Row is a set of items sharing a baseline, left to right.
type Row struct {
	Y     float64
	Items []models.TextItem
}

// GroupRows clusters items into rows, top of page first. tol is the vertical
// tolerance; <= 0 derives it from the font size of each item.
func GroupRows(items []models.TextItem, tol float64) []Row {
	if len(items) == 0 {
		return nil
	}
	sorted := make([]models.TextItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Y != sorted[j].Y {
			return sorted[i].Y > sorted[j].Y
		}
		return sorted[i].X < sorted[j].X
	})

	var rows []Row
	for _, it := range sorted {
		t := tol
		if t <= 0 {
			t = math.Max(1, fontSize(it)*0.4)
		}
		if n := len(rows); n > 0 && math.Abs(rows[n-1].Y-it.Y) <= t {
			rows[n-1].Items = append(rows[n-1].Items, it)
			continue
		}
		rows = append(rows, Row{Y: it.Y, Items: []models.TextItem{it}})
	}
	for i := range rows {
		sort.SliceStable(rows[i].Items, func(a, b int) bool { return rows[i].Items[a].X < rows[i].Items[b].X })
	}
	return rows
}

// LayoutText renders positioned items as lines, keeping wide horizontal gaps
// as runs of spaces so column alignment survives into plain text.
func LayoutText(items []models.TextItem) string {
	rows := GroupRows(items, 0)
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		var sb strings.Builder
		end := math.Inf(-1)
		for _, it := range r.Items {
			if sb.Len() > 0 {
				gap := it.X - end
				fs := fontSize(it)
				switch {
				case gap > fs*1.5:
					n := int(math.Round(gap / (fs * 0.5)))
					if n < 2 {
						n = 2
					}
					if n > 8 {
						n = 8
					}
					sb.WriteString(strings.Repeat(" ", n))
				case gap > fs*0.15:
					sb.WriteByte(' ')
				}
			}
			sb.WriteString(it.Text)
			end = math.Max(end, it.X+it.W)
		}
		if line := strings.TrimRight(sb.String(), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func fontSize(it models.TextItem) float64 {
	if it.FontSize > 0 {
		return it.FontSize
	}
	return 10
}
