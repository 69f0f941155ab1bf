// Package message defines the wire vocabulary exchanged between clients,
// the server and workers.  Every message carries a "type" discriminator on
// the wire plus an opaque id; ids missing from inbound messages are stamped
// server-side.
//
// Three families:
//
//   - requests  (client → server): CreateCell, ForkCell, UpdateCell, RunCell
//   - responses (server → client): DidCreateCell, DidForkCell, DidUpdateCell, DidRunCell
//   - outputs   (server → client): Stdout
package message

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Message is implemented by every wire message.
type Message interface {
	// Type returns the wire discriminator, e.g. "CreateCell".
	Type() string

	// ID returns the message's opaque identifier.
	ID() string

	stamp() // assigns a fresh id when none was supplied
}

// Request is implemented by the client-originated messages.
type Request interface {
	Message

	// CellName returns the cell the request targets; empty when the
	// request does not name one.
	CellName() string
}

// Base carries the fields common to all messages.
type Base struct {
	Id string `json:"id,omitempty"`
}

func (b *Base) ID() string { return b.Id }

func (b *Base) stamp() {
	if b.Id == "" {
		b.Id = NewID()
	}
}

// NewID returns a fresh opaque identifier.
func NewID() string { return uuid.New().String() }

// ---- requests ----

// CreateCell asks for a new cell backed by a fresh root worker.  A non-empty
// Parent turns the request into a fork (kept for clients that predate the
// dedicated ForkCell type).
type CreateCell struct {
	Base
	Cell   string `json:"cell,omitempty"`
	Parent string `json:"parent,omitempty"`
}

// ForkCell asks for a new cell whose worker is forked from Parent's worker.
type ForkCell struct {
	Base
	Cell   string `json:"cell,omitempty"`
	Parent string `json:"parent,omitempty"`
}

// UpdateCell replaces the named cell's source code.
type UpdateCell struct {
	Base
	Cell string `json:"cell,omitempty"`
	Code string `json:"code"`
}

// RunCell executes the named cell's current code in its worker.
type RunCell struct {
	Base
	Cell string `json:"cell,omitempty"`
}

func (m *CreateCell) Type() string { return "CreateCell" }
func (m *ForkCell) Type() string   { return "ForkCell" }
func (m *UpdateCell) Type() string { return "UpdateCell" }
func (m *RunCell) Type() string    { return "RunCell" }

func (m *CreateCell) CellName() string { return m.Cell }
func (m *ForkCell) CellName() string   { return m.Cell }
func (m *UpdateCell) CellName() string { return m.Cell }
func (m *RunCell) CellName() string    { return m.Cell }

// ---- responses ----

// DidCreateCell acknowledges a CreateCell.
type DidCreateCell struct {
	Base
	Request *CreateCell `json:"request"`
}

// DidForkCell acknowledges a ForkCell.
type DidForkCell struct {
	Base
	Request *ForkCell `json:"request"`
}

// DidUpdateCell acknowledges an UpdateCell.
type DidUpdateCell struct {
	Base
	Request *UpdateCell `json:"request"`
}

// DidRunCell reports run completion; synthesized from the worker callback.
type DidRunCell struct {
	Base
	Request *RunCell `json:"request"`
}

func (m *DidCreateCell) Type() string { return "DidCreateCell" }
func (m *DidForkCell) Type() string   { return "DidForkCell" }
func (m *DidUpdateCell) Type() string { return "DidUpdateCell" }
func (m *DidRunCell) Type() string    { return "DidRunCell" }

// ---- outputs ----

// Stdout carries one chunk of worker output.  Workers emit it with Cell
// unset; the server resolves the cell from the sending worker.
type Stdout struct {
	Base
	Cell string `json:"cell,omitempty"`
	Text string `json:"text"`
}

func (m *Stdout) Type() string { return "Stdout" }

// ---- codec ----

// envelope is the superset of all wire fields, used for decoding.
type envelope struct {
	Type    string          `json:"type"`
	Id      string          `json:"id,omitempty"`
	Cell    string          `json:"cell,omitempty"`
	Parent  string          `json:"parent,omitempty"`
	Code    string          `json:"code,omitempty"`
	Text    string          `json:"text,omitempty"`
	Request json.RawMessage `json:"request,omitempty"`
}

// Decode parses a wire message and stamps a fresh id when none was supplied.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	var msg Message
	switch env.Type {
	case "CreateCell":
		msg = &CreateCell{Base: Base{env.Id}, Cell: env.Cell, Parent: env.Parent}
	case "ForkCell":
		msg = &ForkCell{Base: Base{env.Id}, Cell: env.Cell, Parent: env.Parent}
	case "UpdateCell":
		msg = &UpdateCell{Base: Base{env.Id}, Cell: env.Cell, Code: env.Code}
	case "RunCell":
		msg = &RunCell{Base: Base{env.Id}, Cell: env.Cell}
	case "Stdout":
		msg = &Stdout{Base: Base{env.Id}, Cell: env.Cell, Text: env.Text}
	case "DidRunCell":
		// Accepted on the callback path: the worker posts back the original
		// request wrapped in a DidRunCell, or the bare request itself.
		var req RunCell
		if len(env.Request) > 0 {
			if err := json.Unmarshal(env.Request, &req); err != nil {
				return nil, fmt.Errorf("decode DidRunCell request: %w", err)
			}
		}
		msg = &DidRunCell{Base: Base{env.Id}, Request: &req}
	case "":
		return nil, fmt.Errorf("message has no type")
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}

	msg.stamp()
	return msg, nil
}

// Encode serializes a message with its type discriminator.
func Encode(msg Message) ([]byte, error) {
	inner, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	// Splice the discriminator into the object without a second struct per
	// variant.  inner is always a JSON object.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(inner, &fields); err != nil {
		return nil, err
	}
	typ, _ := json.Marshal(msg.Type())
	fields["type"] = typ
	return json.Marshal(fields)
}
