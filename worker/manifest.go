// Package worker turns a worker manifest into an action table.
//
// The manifest is the hot-patchable part of the server: it names the worker
// version and lists actions, each binding declared parameters and a response
// type to a handler kind from the Catalog. Replacing the manifest replaces the
// worker's behaviour without restarting the process.
package worker

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"patchwire/message"
	"patchwire/version"
)

//go:embed default.yaml
var DefaultManifest []byte

var ErrInvalidManifest = errors.New("invalid worker manifest")

type Manifest struct {
	Version string       `yaml:"version"`
	Actions []ActionSpec `yaml:"actions"`
}

// ActionSpec is one manifest entry.
type ActionSpec struct {
	Name         string            `yaml:"name"`
	Kind         string            `yaml:"kind"`
	Params       []ParamSpec       `yaml:"params"`
	ResponseType message.ParamType `yaml:"response_type"`

	// Command is the argv template for exec and screenshot kinds. "{name}"
	// inside an argument is replaced by the parameter of that name.
	Command []string `yaml:"command"`
	// Dir is the working directory for commands.
	Dir string `yaml:"dir"`
}

type ParamSpec struct {
	Name string            `yaml:"name"`
	Type message.ParamType `yaml:"type"`
}

// ParseManifest decodes and sanity-checks a manifest. Unknown fields are
// rejected so a typo in an update fails verification instead of being ignored.
func ParseManifest(content []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidManifest)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if _, err := version.Major(m.Version); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	for i, a := range m.Actions {
		if a.Name == "" {
			return nil, fmt.Errorf("%w: action %d has no name", ErrInvalidManifest, i)
		}
		if a.Kind == "" {
			return nil, fmt.Errorf("%w: action %s has no kind", ErrInvalidManifest, a.Name)
		}
	}
	return &m, nil
}
