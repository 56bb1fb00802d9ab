// Package version holds the versions this build speaks and the major-version
// compatibility gate applied to every request.
package version

import (
	"errors"
	"fmt"

	"github.com/coreos/go-semver/semver"

	"patchwire/message"
)

const (
	Protocol = "1.0.0"
	Server   = "1.0.0"
	Client   = "1.0.0"
)

// ErrIncompatible is returned when a peer's major version differs from ours.
var ErrIncompatible = errors.New("incompatible version")

// Major returns the major component of a MAJOR.MINOR.PATCH string.
func Major(v string) (int64, error) {
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return 0, fmt.Errorf("parsing version %q: %w", v, err)
	}
	return parsed.Major, nil
}

// IncompatibleError names the request field that failed the gate.
type IncompatibleError struct {
	Field   string
	Version string
	Reason  string
}

func (e *IncompatibleError) Error() string {
	return fmt.Sprintf("%s: %s %q: %s", ErrIncompatible, e.Field, e.Version, e.Reason)
}

func (e *IncompatibleError) Unwrap() error {
	return ErrIncompatible
}

// Gate checks the request against the server's protocol major version. Every
// version field the request carries must parse and share the server's major.
// Older clients only send client_version; a request carrying neither field is
// incompatible.
func Gate(req *message.Request, serverProtocol string) error {
	want, err := Major(serverProtocol)
	if err != nil {
		return err
	}

	fields := []struct{ name, value string }{
		{"protocol_version", req.ProtocolVersion},
		{"client_version", req.ClientVersion},
	}
	checked := 0
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		checked++
		got, err := Major(f.value)
		if err != nil {
			return &IncompatibleError{Field: f.name, Version: f.value, Reason: err.Error()}
		}
		if got != want {
			return &IncompatibleError{
				Field:   f.name,
				Version: f.value,
				Reason:  fmt.Sprintf("peer major %d, server major %d", got, want),
			}
		}
	}
	if checked == 0 {
		return &IncompatibleError{Field: "client_version", Reason: "no version sent"}
	}
	return nil
}
