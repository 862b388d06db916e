// Package tables rebuilds row/column indexed cell text from a block graph.
package tables

import (
	"labtools/internal/blocks"
)

// Position addresses a cell. Rows and columns are 1-based.
type Position struct {
	Row    int
	Column int
}

// CellMap maps a cell position to its joined text. Positions with no cell
// block are absent rather than empty.
type CellMap map[Position]string

// Text returns the text at (row, column), or "" when the cell is absent.
func (m CellMap) Text(row, column int) string {
	return m[Position{Row: row, Column: column}]
}

// MaxRow returns the largest row index present, or 0 for an empty map.
func (m CellMap) MaxRow() int {
	highest := 0
	for p := range m {
		if p.Row > highest {
			highest = p.Row
		}
	}
	return highest
}

// Reconstruct builds the cell map for one TABLE block. A cell without text
// children maps to "". Cells without a usable position are ignored, and when
// two cells claim the same position the first one is kept.
func Reconstruct(g *blocks.Graph, table *blocks.Block) CellMap {
	cells := make(CellMap)
	if table == nil || !table.HasRelationship(blocks.RelChild) {
		return cells
	}
	for _, cell := range g.Cells(table) {
		if cell.RowIndex < 1 || cell.ColumnIndex < 1 {
			continue
		}
		pos := Position{Row: cell.RowIndex, Column: cell.ColumnIndex}
		if _, taken := cells[pos]; taken {
			continue
		}
		cells[pos] = g.TextOf(cell)
	}
	return cells
}
