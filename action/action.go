// Package action defines action descriptors and the ordered tables that hold
// them. A Table is immutable once built: replacing behaviour means building a
// new Table and swapping the reference.
package action

import (
	"context"
	"fmt"
	"strings"

	"patchwire/message"
)

// Params is the parameter mapping of one request.
type Params map[string]string

// String returns the named parameter, or "" when absent.
func (p Params) String(name string) string {
	return p[name]
}

// File decodes the named FILE parameter.
func (p Params) File(name string) ([]byte, error) {
	v, ok := p[name]
	if !ok || v == "" {
		return nil, fmt.Errorf("parameter %q is empty", name)
	}
	return message.DecodeFile(v)
}

// Handler runs one action. A returned error, or a panic, is turned into a
// failure response by the dispatcher.
type Handler func(ctx context.Context, params Params) (*message.Response, error)

// Param is one declared parameter.
type Param struct {
	Name string
	Type message.ParamType
}

// Descriptor describes one remote action.
type Descriptor struct {
	Name         string
	Params       []Param
	ResponseType message.ParamType
	Handler      Handler
}

// Info returns the wire form of the descriptor.
func (d *Descriptor) Info() message.ActionInfo {
	params := make([]message.ParamInfo, 0, len(d.Params))
	for _, p := range d.Params {
		params = append(params, message.ParamInfo{Name: p.Name, Type: p.Type})
	}
	return message.ActionInfo{
		Name:         d.Name,
		Params:       params,
		ResponseType: d.ResponseType,
	}
}

// Validate returns the names of declared parameters that are missing from
// params, or FILE parameters that carry no content, in declaration order.
func (d *Descriptor) Validate(params Params) []string {
	var missing []string
	for _, p := range d.Params {
		v, ok := params[p.Name]
		if !ok || (p.Type == message.TypeFile && v == "") {
			missing = append(missing, p.Name)
		}
	}
	return missing
}

// MissingParams formats the failure message for a failed Validate.
func MissingParams(names []string) *message.Response {
	return message.Failure("Missing required parameters: %s", strings.Join(names, ", "))
}
