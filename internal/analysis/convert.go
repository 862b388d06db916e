package analysis

import (
	"fmt"
	"strings"

	"cloud.google.com/go/documentai/apiv1/documentaipb"

	"labtools/internal/blocks"
)

// ConvertOptions controls how a Document AI document becomes blocks.
type ConvertOptions struct {
	// IDPrefix keeps block ids unique across shards of one job.
	IDPrefix string

	// DateLabel selects the form fields that are emitted as date queries.
	DateLabel func(fieldName string) bool

	// DateAlias is the query alias given to date form fields.
	DateAlias string

	// Queries map entity types (compared case-insensitively with the alias)
	// onto QUERY blocks.
	Queries []blocks.Query
}

type converter struct {
	opts  ConvertOptions
	text  []rune
	shift int64
	seq   int
	out   []blocks.Block
}

// DocumentToBlocks converts one Document AI document (or shard) into a block
// graph: pages and lines become PAGE and LINE blocks, tables become TABLE and
// CELL blocks with WORD children, and date form fields and query entities
// become QUERY blocks with a QUERY_RESULT answer.
func DocumentToBlocks(doc *documentaipb.Document, opts ConvertOptions) []blocks.Block {
	c := &converter{opts: opts, text: []rune(doc.GetText())}
	if info := doc.GetShardInfo(); info != nil {
		c.shift = info.GetTextOffset()
	}

	for i, page := range doc.GetPages() {
		number := int(page.GetPageNumber())
		if number == 0 {
			number = i + 1
		}
		c.page(page, number)
	}
	c.entities(doc.GetEntities())
	return c.out
}

func (c *converter) id(kind string) string {
	c.seq++
	return fmt.Sprintf("%s%s-%d", c.opts.IDPrefix, kind, c.seq)
}

func (c *converter) emit(b blocks.Block) string {
	c.out = append(c.out, b)
	return b.ID
}

func (c *converter) page(page *documentaipb.Document_Page, number int) {
	pageIdx := len(c.out)
	c.emit(blocks.Block{ID: c.id("page"), Type: blocks.TypePage, Page: number})

	var children []string
	for _, line := range page.GetLines() {
		text := c.layoutText(line.GetLayout())
		if text == "" {
			continue
		}
		children = append(children, c.emit(blocks.Block{
			ID:   c.id("line"),
			Type: blocks.TypeLine,
			Text: text,
			Page: number,
		}))
	}

	for _, table := range page.GetTables() {
		children = append(children, c.table(table, number))
	}

	for _, field := range page.GetFormFields() {
		name := c.layoutText(field.GetFieldName())
		if c.opts.DateLabel == nil || !c.opts.DateLabel(name) {
			continue
		}
		c.query(blocks.Query{Text: name, Alias: c.opts.DateAlias}, c.layoutText(field.GetFieldValue()), number)
	}

	if len(children) > 0 {
		c.out[pageIdx].Relationships = []blocks.Relationship{{Type: blocks.RelChild, IDs: children}}
	}
}

// table numbers header rows first, then body rows, from 1. Column indexes
// advance by each cell's column span.
func (c *converter) table(table *documentaipb.Document_Page_Table, page int) string {
	tableIdx := len(c.out)
	tableID := c.emit(blocks.Block{ID: c.id("table"), Type: blocks.TypeTable, Page: page})

	rows := append(append([]*documentaipb.Document_Page_Table_TableRow{}, table.GetHeaderRows()...), table.GetBodyRows()...)
	var cellIDs []string
	for r, row := range rows {
		col := 1
		for _, cell := range row.GetCells() {
			cellIDs = append(cellIDs, c.cell(cell, r+1, col, page))
			span := int(cell.GetColSpan())
			if span < 1 {
				span = 1
			}
			col += span
		}
	}

	if len(cellIDs) > 0 {
		c.out[tableIdx].Relationships = []blocks.Relationship{{Type: blocks.RelChild, IDs: cellIDs}}
	}
	return tableID
}

func (c *converter) cell(cell *documentaipb.Document_Page_Table_TableCell, row, col, page int) string {
	cellIdx := len(c.out)
	cellID := c.emit(blocks.Block{
		ID:          c.id("cell"),
		Type:        blocks.TypeCell,
		RowIndex:    row,
		ColumnIndex: col,
		Page:        page,
	})

	var words []string
	for _, part := range strings.Split(c.anchorText(cell.GetLayout().GetTextAnchor()), "\n") {
		part = strings.Join(strings.Fields(part), " ")
		if part == "" {
			continue
		}
		words = append(words, c.emit(blocks.Block{
			ID:   c.id("word"),
			Type: blocks.TypeWord,
			Text: part,
			Page: page,
		}))
	}

	if len(words) > 0 {
		c.out[cellIdx].Relationships = []blocks.Relationship{{Type: blocks.RelChild, IDs: words}}
	}
	return cellID
}

func (c *converter) query(q blocks.Query, answer string, page int) {
	qIdx := len(c.out)
	c.emit(blocks.Block{ID: c.id("query"), Type: blocks.TypeQuery, Query: &q, Page: page})
	if answer == "" {
		return
	}
	ansID := c.emit(blocks.Block{ID: c.id("answer"), Type: blocks.TypeQueryResult, Text: answer, Page: page})
	c.out[qIdx].Relationships = []blocks.Relationship{{Type: blocks.RelAnswer, IDs: []string{ansID}}}
}

func (c *converter) entities(entities []*documentaipb.Document_Entity) {
	if len(c.opts.Queries) == 0 {
		return
	}
	for _, e := range entities {
		for _, q := range c.opts.Queries {
			if !strings.EqualFold(e.GetType(), q.Alias) {
				continue
			}
			c.query(q, entityText(e), 0)
			break
		}
	}
}

// entityText prefers a normalized date over the mention text.
func entityText(e *documentaipb.Document_Entity) string {
	if d := e.GetNormalizedValue().GetDateValue(); d != nil && d.GetYear() > 0 {
		return fmt.Sprintf("%04d-%02d-%02d", d.GetYear(), d.GetMonth(), d.GetDay())
	}
	return strings.TrimSpace(e.GetMentionText())
}

func (c *converter) layoutText(layout *documentaipb.Document_Page_Layout) string {
	return strings.Join(strings.Fields(c.anchorText(layout.GetTextAnchor())), " ")
}

// anchorText resolves the text segments of anchor. Indexes count code points.
func (c *converter) anchorText(anchor *documentaipb.Document_TextAnchor) string {
	if anchor == nil {
		return ""
	}
	if content := anchor.GetContent(); content != "" {
		return content
	}

	var b strings.Builder
	n := int64(len(c.text))
	for _, seg := range anchor.GetTextSegments() {
		start, end := seg.GetStartIndex(), seg.GetEndIndex()
		if end > n && c.shift > 0 {
			start, end = start-c.shift, end-c.shift
		}
		if start < 0 {
			start = 0
		}
		if end > n {
			end = n
		}
		if start >= end {
			continue
		}
		b.WriteString(string(c.text[start:end]))
	}
	return b.String()
}
