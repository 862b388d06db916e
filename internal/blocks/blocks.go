// Package blocks models the output of a document-analysis job as a typed
// block graph.
//
// The analysis service returns a flat list of blocks whose relationships
// reference other blocks by id. Graph indexes that list once per job so the
// tree (PAGE -> TABLE -> CELL -> WORD/LINE, QUERY -> QUERY_RESULT) can be
// walked without rescanning it.
//
// The JSON field names follow the Textract-style wire shape so saved job
// output can be replayed offline.
package blocks

import "strings"

// BlockType identifies the kind of a block.
type BlockType string

const (
	TypePage        BlockType = "PAGE"
	TypeTable       BlockType = "TABLE"
	TypeCell        BlockType = "CELL"
	TypeLine        BlockType = "LINE"
	TypeWord        BlockType = "WORD"
	TypeQuery       BlockType = "QUERY"
	TypeQueryResult BlockType = "QUERY_RESULT"
)

// RelationshipType identifies how a block refers to related blocks.
type RelationshipType string

const (
	RelChild  RelationshipType = "CHILD"
	RelAnswer RelationshipType = "ANSWER"
)

// Relationship is an ordered list of related block ids of one kind.
type Relationship struct {
	Type RelationshipType `json:"Type"`
	IDs  []string         `json:"Ids"`
}

// Query is the question attached to a QUERY block.
type Query struct {
	Text  string `json:"Text"`
	Alias string `json:"Alias,omitempty"`
}

// Block is one unit of analysis output.
type Block struct {
	ID            string         `json:"Id"`
	Type          BlockType      `json:"BlockType"`
	Text          string         `json:"Text,omitempty"`
	RowIndex      int            `json:"RowIndex,omitempty"`
	ColumnIndex   int            `json:"ColumnIndex,omitempty"`
	Page          int            `json:"Page,omitempty"`
	Query         *Query         `json:"Query,omitempty"`
	Relationships []Relationship `json:"Relationships,omitempty"`
}

// IsText reports whether the block carries recognised text.
func (b *Block) IsText() bool {
	return b.Type == TypeWord || b.Type == TypeLine || b.Type == TypeQueryResult
}

// RelatedIDs returns the ids of every relationship of the given kind, in
// relationship order.
func (b *Block) RelatedIDs(kind RelationshipType) []string {
	var ids []string
	for _, rel := range b.Relationships {
		if rel.Type == kind {
			ids = append(ids, rel.IDs...)
		}
	}
	return ids
}

// HasRelationship reports whether the block declares any relationship of kind.
func (b *Block) HasRelationship(kind RelationshipType) bool {
	for _, rel := range b.Relationships {
		if rel.Type == kind {
			return true
		}
	}
	return false
}

// QueryAnswer pairs a query with the text of one of its answers.
type QueryAnswer struct {
	Alias    string
	Question string
	Answer   string
}

// Graph is an arena of blocks indexed by id.
type Graph struct {
	blocks []*Block
	index  map[string]*Block
}

// NewGraph builds a graph from the complete block list of one job. When two
// blocks share an id the first one wins.
func NewGraph(list []Block) *Graph {
	g := &Graph{
		blocks: make([]*Block, 0, len(list)),
		index:  make(map[string]*Block, len(list)),
	}
	for i := range list {
		b := list[i]
		if _, dup := g.index[b.ID]; dup {
			continue
		}
		g.blocks = append(g.blocks, &b)
		g.index[b.ID] = &b
	}
	return g
}

// Len returns the number of distinct blocks.
func (g *Graph) Len() int { return len(g.blocks) }

// Get looks a block up by id.
func (g *Graph) Get(id string) (*Block, bool) {
	b, ok := g.index[id]
	return b, ok
}

// OfType returns every block of type t in input order.
func (g *Graph) OfType(t BlockType) []*Block {
	var out []*Block
	for _, b := range g.blocks {
		if b.Type == t {
			out = append(out, b)
		}
	}
	return out
}

// Tables returns the TABLE blocks in input order.
func (g *Graph) Tables() []*Block { return g.OfType(TypeTable) }

// Related resolves the ids of b's relationships of kind. Ids that are not in
// the graph are skipped.
func (g *Graph) Related(b *Block, kind RelationshipType) []*Block {
	ids := b.RelatedIDs(kind)
	out := make([]*Block, 0, len(ids))
	for _, id := range ids {
		if child, ok := g.index[id]; ok {
			out = append(out, child)
		}
	}
	return out
}

// Cells returns the CELL children of a TABLE block.
func (g *Graph) Cells(table *Block) []*Block {
	var cells []*Block
	for _, child := range g.Related(table, RelChild) {
		if child.Type == TypeCell {
			cells = append(cells, child)
		}
	}
	return cells
}

// TextOf joins the text of b's text-bearing children with single spaces, in
// relationship order, and trims the result.
func (g *Graph) TextOf(b *Block) string {
	return g.joinText(g.Related(b, RelChild))
}

// QueryAnswers returns one entry per ANSWER of every QUERY block.
func (g *Graph) QueryAnswers() []QueryAnswer {
	var answers []QueryAnswer
	for _, q := range g.OfType(TypeQuery) {
		qa := QueryAnswer{}
		if q.Query != nil {
			qa.Alias = q.Query.Alias
			qa.Question = q.Query.Text
		}
		for _, ans := range g.Related(q, RelAnswer) {
			if !ans.IsText() {
				continue
			}
			qa.Answer = strings.TrimSpace(ans.Text)
			answers = append(answers, qa)
		}
	}
	return answers
}

// Lines returns the text of every LINE block in input order.
func (g *Graph) Lines() []string {
	var lines []string
	for _, b := range g.OfType(TypeLine) {
		if t := strings.TrimSpace(b.Text); t != "" {
			lines = append(lines, t)
		}
	}
	return lines
}

func (g *Graph) joinText(children []*Block) string {
	parts := make([]string, 0, len(children))
	for _, c := range children {
		if !c.IsText() {
			continue
		}
		if t := strings.TrimSpace(c.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}
