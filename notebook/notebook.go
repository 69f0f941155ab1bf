// Package notebook holds the in-memory notebook model: an ordered sequence
// of cells plus a name index.  All mutation goes through Apply, which is a
// pure function of (state, message); binding a worker to its cell is the
// one exception and has its own method, because the worker arrives out of
// band as the sender of a response.
//
// The model is not goroutine-safe.  The server only touches it from inside
// its pipeline drivers, which serialize all access.
package notebook

import (
	"github.com/whisper-darkly/forknote-backend/message"
	"github.com/whisper-darkly/forknote-backend/worker"
)

// Output is one recorded result of a cell, e.g. a chunk of stdout.
type Output struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// Cell is a named unit of code with its own worker and an ordered output
// history.  Parent is empty for root cells.
type Cell struct {
	Name    string   `json:"name"`
	Parent  string   `json:"parent,omitempty"`
	Code    string   `json:"code"`
	Results []Output `json:"results"`

	// Worker is a non-owning handle to the cell's worker; nil between cell
	// creation and the worker's ready response.  Once set it is never
	// replaced.
	Worker *worker.Worker `json:"-"`
}

// Notebook is the mutable aggregate of all cells, in creation order.
type Notebook struct {
	Cells []*Cell `json:"cells"`

	index map[string]*Cell
}

// New returns an empty notebook.
func New() *Notebook {
	return &Notebook{index: make(map[string]*Cell)}
}

// Cell returns the cell with the given name, or nil.
func (n *Notebook) Cell(name string) *Cell {
	return n.index[name]
}

// NameOf returns the name of the cell bound to w, or "" when no cell is.
// Linear scan; notebooks stay small.
func (n *Notebook) NameOf(w *worker.Worker) string {
	for _, c := range n.Cells {
		if c.Worker == w {
			return c.Name
		}
	}
	return ""
}

// Bind attaches a worker to the named cell.  A cell's worker is set exactly
// once; later calls for the same cell are ignored.
func (n *Notebook) Bind(name string, w *worker.Worker) {
	if c := n.index[name]; c != nil && c.Worker == nil {
		c.Worker = w
	}
}

// Apply folds a message into the model.  Messages with no model effect are
// no-ops, as are messages referencing unknown cells.
func (n *Notebook) Apply(msg message.Message) {
	switch m := msg.(type) {
	case *message.DidCreateCell:
		n.append(m.Request.Cell, m.Request.Parent)
	case *message.DidForkCell:
		n.append(m.Request.Cell, m.Request.Parent)
	case *message.DidUpdateCell:
		if c := n.index[m.Request.Cell]; c != nil {
			c.Code = m.Request.Code
		}
	case *message.UpdateCell:
		if c := n.index[m.Cell]; c != nil {
			c.Code = m.Code
		}
	case *message.Stdout:
		if c := n.index[m.Cell]; c != nil {
			c.Results = append(c.Results, Output{Type: "text", Data: m.Text})
		}
	}
}

func (n *Notebook) append(name, parent string) {
	if _, exists := n.index[name]; exists {
		return
	}
	c := &Cell{Name: name, Parent: parent, Results: []Output{}}
	n.Cells = append(n.Cells, c)
	n.index[name] = c
}
