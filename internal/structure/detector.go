// Package structure finds tables on a page from item geometry or, when no
// geometry is available, from line shape.
package structure

import (
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/feichai0017/document-context/internal/models"
)

const (
	DefaultMinRows    = 2
	DefaultMinColumns = 2
)

// Config tunes detection.
type Config struct {
	MinRows    int
	MinColumns int
	// CellGap is the horizontal gap, in font sizes, that starts a new cell.
	CellGap float64
	// AlignTolerance is how far, in points, column anchors may drift between rows.
	AlignTolerance float64
}

func DefaultConfig() Config {
	return Config{MinRows: DefaultMinRows, MinColumns: DefaultMinColumns, CellGap: 1.5, AlignTolerance: 12}
}

// Detector is stateless and safe for concurrent use.
type Detector struct {
	cfg Config
}

func NewDetector(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.MinRows < 2 {
		cfg.MinRows = def.MinRows
	}
	if cfg.MinColumns < 2 {
		cfg.MinColumns = def.MinColumns
	}
	if cfg.CellGap <= 0 {
		cfg.CellGap = def.CellGap
	}
	if cfg.AlignTolerance <= 0 {
		cfg.AlignTolerance = def.AlignTolerance
	}
	return &Detector{cfg: cfg}
}

// Detect uses item geometry when the page has it and falls back to its text.
func (d *Detector) Detect(page models.Page) []models.Table {
	if len(page.Items) > 0 && !page.OCR {
		return d.DetectItems(page.Number, page.Items)
	}
	return d.DetectText(page.Number, page.Text)
}

type cell struct {
	text       string
	minX, maxX float64
	minY, maxY float64
}

// DetectItems clusters items into rows and cells and accepts runs of rows
// that share at least MinColumns aligned columns.
func (d *Detector) DetectItems(page int, items []models.TextItem) []models.Table {
	rows := GroupRows(items, 0)
	cellRows := make([][]cell, len(rows))
	for i, r := range rows {
		cellRows[i] = d.cells(r)
	}

	var tables []models.Table
	for i := 0; i < len(cellRows); {
		if len(cellRows[i]) < d.cfg.MinColumns {
			i++
			continue
		}
		anchors := cellRows[i]
		j := i + 1
		for j < len(cellRows) && d.aligned(anchors, cellRows[j]) >= d.cfg.MinColumns {
			j++
		}
		if j-i >= d.cfg.MinRows {
			tables = append(tables, d.buildTable(page, cellRows[i:j]))
		}
		i = j
	}
	return tables
}

func (d *Detector) cells(r Row) []cell {
	var out []cell
	for _, it := range r.Items {
		fs := fontSize(it)
		top := it.Y + fs
		if n := len(out); n > 0 {
			last := &out[n-1]
			gap := it.X - last.maxX
			if gap <= fs*d.cfg.CellGap {
				if gap > fs*0.15 {
					last.text += " "
				}
				last.text += it.Text
				last.maxX = math.Max(last.maxX, it.X+it.W)
				last.minY = math.Min(last.minY, it.Y)
				last.maxY = math.Max(last.maxY, top)
				continue
			}
		}
		out = append(out, cell{text: it.Text, minX: it.X, maxX: it.X + it.W, minY: it.Y, maxY: top})
	}
	for i := range out {
		out[i].text = strings.TrimSpace(out[i].text)
	}
	return out
}

// aligned counts cells of row whose left or right edge lines up with an anchor cell.
func (d *Detector) aligned(anchors, row []cell) int {
	n := 0
	used := make([]bool, len(anchors))
	for _, c := range row {
		for k, a := range anchors {
			if used[k] {
				continue
			}
			if math.Abs(c.minX-a.minX) <= d.cfg.AlignTolerance || math.Abs(c.maxX-a.maxX) <= d.cfg.AlignTolerance {
				used[k] = true
				n++
				break
			}
		}
	}
	return n
}

func (d *Detector) buildTable(page int, rows [][]cell) models.Table {
	t := models.Table{
		Page: page,
		BBox: models.BBox{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)},
	}
	data := make([][]string, 0, len(rows))
	for _, r := range rows {
		vals := make([]string, len(r))
		for i, c := range r {
			vals[i] = c.text
			t.BBox.MinX = math.Min(t.BBox.MinX, c.minX)
			t.BBox.MaxX = math.Max(t.BBox.MaxX, c.maxX)
			t.BBox.MinY = math.Min(t.BBox.MinY, c.minY)
			t.BBox.MaxY = math.Max(t.BBox.MaxY, c.maxY)
		}
		data = append(data, vals)
	}
	return withHeader(t, data)
}

var (
	textColumns  = regexp.MustCompile(`\t|\s{2,}`)
	numericValue = regexp.MustCompile(`^[(\-+]?[$€£¥]?\d[\d,.]*%?\)?$`)
)

// DetectText finds tables in plain text lines: cells split on wide gaps, or a
// label followed by numeric values. Bounding boxes are in line units.
func (d *Detector) DetectText(page int, text string) []models.Table {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	rows := make([][]string, len(lines))
	for i, l := range lines {
		rows[i] = SplitCells(l)
	}

	var tables []models.Table
	for i := 0; i < len(rows); {
		width := len(rows[i])
		if width < d.cfg.MinColumns {
			i++
			continue
		}
		j := i + 1
		for j < len(rows) && len(rows[j]) == width {
			j++
		}
		if j-i >= d.cfg.MinRows {
			maxX := 0
			for _, l := range lines[i:j] {
				if n := len([]rune(l)); n > maxX {
					maxX = n
				}
			}
			t := models.Table{
				Page: page,
				BBox: models.BBox{MinX: 0, MinY: float64(i + 1), MaxX: float64(maxX), MaxY: float64(j)},
			}
			tables = append(tables, withHeader(t, rows[i:j]))
		}
		i = j
	}
	return tables
}

// SplitCells splits a line into table cells. Lines that are not tabular yield
// fewer than two cells.
func SplitCells(line string) []string {
	t := strings.TrimSpace(line)
	if t == "" {
		return nil
	}
	parts := textColumns.Split(t, -1)
	if len(parts) >= 2 {
		return parts
	}

	tokens := strings.Fields(t)
	k := len(tokens)
	for k > 0 && numericValue.MatchString(tokens[k-1]) {
		k--
	}
	if k == 0 && len(tokens) >= 2 {
		return tokens
	}
	// a lone trailing number after a long label is prose, not a row
	if k == 0 || k == len(tokens) || (len(tokens)-k < 2 && k > 4) {
		return []string{t}
	}
	cells := []string{strings.Join(tokens[:k], " ")}
	return append(cells, tokens[k:]...)
}

// withHeader uses the first row as header when it is mostly words and the
// rest of the table carries numbers.
func withHeader(t models.Table, rows [][]string) models.Table {
	if len(rows) >= 2 && digitShare(rows[0]) < 0.1 && digitShare(flatten(rows[1:])) >= 0.1 {
		t.Header = rows[0]
		t.Rows = rows[1:]
		return t
	}
	t.Rows = rows
	return t
}

func flatten(rows [][]string) []string {
	var out []string
	for _, r := range rows {
		out = append(out, r...)
	}
	return out
}

func digitShare(cells []string) float64 {
	digits, total := 0, 0
	for _, c := range cells {
		for _, r := range c {
			if unicode.IsSpace(r) {
				continue
			}
			total++
			if unicode.IsDigit(r) {
				digits++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(digits) / float64(total)
}
