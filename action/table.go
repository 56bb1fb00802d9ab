package action

import (
	"errors"
	"fmt"

	"patchwire/message"
)

var ErrDuplicateAction = errors.New("duplicate action name")

// Table is an ordered, immutable list of descriptors. Enumeration order is the
// order descriptors were given, and lookups scan it linearly.
type Table struct {
	version     string
	descriptors []Descriptor
}

// NewTable builds a table. Names must be unique and non-empty, and every
// descriptor needs a handler.
func NewTable(version string, descriptors ...Descriptor) (*Table, error) {
	seen := make(map[string]struct{}, len(descriptors))
	out := make([]Descriptor, 0, len(descriptors))
	for i, d := range descriptors {
		if d.Name == "" {
			return nil, fmt.Errorf("action %d has no name", i)
		}
		if _, ok := seen[d.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAction, d.Name)
		}
		if d.Handler == nil {
			return nil, fmt.Errorf("action %s has no handler", d.Name)
		}
		if d.ResponseType == "" {
			d.ResponseType = message.TypeString
		}
		if !d.ResponseType.Valid() {
			return nil, fmt.Errorf("action %s: unknown response type %q", d.Name, d.ResponseType)
		}
		params := make([]Param, len(d.Params))
		for j, p := range d.Params {
			if p.Type == "" {
				p.Type = message.TypeString
			}
			if !p.Type.Valid() {
				return nil, fmt.Errorf("action %s: parameter %s has unknown type %q", d.Name, p.Name, p.Type)
			}
			params[j] = p
		}
		d.Params = params

		seen[d.Name] = struct{}{}
		out = append(out, d)
	}
	return &Table{version: version, descriptors: out}, nil
}

// Version returns the version of the code the table was built from.
func (t *Table) Version() string {
	if t == nil {
		return ""
	}
	return t.version
}

// Find returns the descriptor named name.
func (t *Table) Find(name string) (*Descriptor, bool) {
	if t == nil {
		return nil, false
	}
	for i := range t.descriptors {
		if t.descriptors[i].Name == name {
			return &t.descriptors[i], true
		}
	}
	return nil, false
}

// Len returns the number of descriptors.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.descriptors)
}

// Infos returns the wire form of every descriptor, in table order.
func (t *Table) Infos() []message.ActionInfo {
	if t == nil {
		return nil
	}
	infos := make([]message.ActionInfo, 0, len(t.descriptors))
	for i := range t.descriptors {
		infos = append(infos, t.descriptors[i].Info())
	}
	return infos
}
