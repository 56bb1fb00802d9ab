package worker

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"patchwire/action"
	"patchwire/message"
)

// Kind is a handler factory the manifest can bind actions to.
type Kind struct {
	// Params are declared when the manifest entry declares none. When the
	// entry does declare params, these names must be among them.
	Params       []action.Param
	ResponseType message.ParamType
	// FreeParams lets an entry declare parameters the kind does not know
	// about, as the exec kind does for its command template.
	FreeParams bool
	New        func(spec ActionSpec, log *zap.SugaredLogger) (action.Handler, error)
}

// Catalog maps kind names to kinds and builds worker tables from manifests.
type Catalog struct {
	log   *zap.SugaredLogger
	kinds map[string]Kind
}

type Option func(c *Catalog)

func WithLogger(l *zap.Logger) Option {
	return func(c *Catalog) {
		c.log = l.Named("worker").Sugar()
	}
}

// NewCatalog returns a catalog holding the built-in kinds.
func NewCatalog(opts ...Option) *Catalog {
	c := &Catalog{
		log:   zap.NewNop().Sugar(),
		kinds: builtinKinds(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Register adds or replaces a kind.
func (c *Catalog) Register(name string, k Kind) {
	c.kinds[name] = k
}

// Kinds lists the registered kind names, sorted.
func (c *Catalog) Kinds() []string {
	names := make([]string, 0, len(c.kinds))
	for name := range c.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build parses content as a manifest and returns the worker table it
// describes. Nothing is shared with previously built tables.
func (c *Catalog) Build(content []byte) (*action.Table, error) {
	m, err := ParseManifest(content)
	if err != nil {
		return nil, err
	}

	descriptors := make([]action.Descriptor, 0, len(m.Actions))
	for _, spec := range m.Actions {
		d, err := c.describe(spec)
		if err != nil {
			return nil, fmt.Errorf("%w: action %s: %v", ErrInvalidManifest, spec.Name, err)
		}
		descriptors = append(descriptors, d)
	}

	table, err := action.NewTable(m.Version, descriptors...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return table, nil
}

func (c *Catalog) describe(spec ActionSpec) (action.Descriptor, error) {
	kind, ok := c.kinds[spec.Kind]
	if !ok {
		return action.Descriptor{}, fmt.Errorf("unknown kind %q", spec.Kind)
	}

	params := kind.Params
	if len(spec.Params) > 0 {
		params = make([]action.Param, 0, len(spec.Params))
		declared := make(map[string]bool, len(spec.Params))
		for _, p := range spec.Params {
			params = append(params, action.Param{Name: p.Name, Type: p.Type})
			declared[p.Name] = true
		}
		for _, required := range kind.Params {
			if !declared[required.Name] {
				return action.Descriptor{}, fmt.Errorf("kind %s needs parameter %s", spec.Kind, required.Name)
			}
		}
		if !kind.FreeParams && len(spec.Params) != len(kind.Params) {
			return action.Descriptor{}, fmt.Errorf("kind %s does not take extra parameters", spec.Kind)
		}
	}

	responseType := spec.ResponseType
	if responseType == "" {
		responseType = kind.ResponseType
	}

	handler, err := kind.New(spec, c.log.With("action", spec.Name))
	if err != nil {
		return action.Descriptor{}, err
	}
	return action.Descriptor{
		Name:         spec.Name,
		Params:       params,
		ResponseType: responseType,
		Handler:      handler,
	}, nil
}
