// Package discovery publishes running servers and lets clients find them.
package discovery

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrNoInstances is returned when no server is registered.
var ErrNoInstances = errors.New("no server instances available")

// Instance describes one reachable server.
type Instance struct {
	Addr            string `json:"addr"`
	ServerVersion   string `json:"server_version"`
	ProtocolVersion string `json:"protocol_version"`
	Weight          int    `json:"weight"`
}

type Registry interface {
	Register(ctx context.Context, instance Instance, ttl int64) error
	Deregister(ctx context.Context, addr string) error
	Discover(ctx context.Context) ([]Instance, error)
	Watch(ctx context.Context) <-chan []Instance
}

// StaticRegistry is an in-memory Registry. Clients configured with a fixed
// server list use it, and so do tests.
type StaticRegistry struct {
	mu        sync.Mutex
	instances []Instance
	watchers  []chan []Instance
}

// NewStaticRegistry returns a registry holding instances.
func NewStaticRegistry(instances ...Instance) *StaticRegistry {
	return &StaticRegistry{instances: slices.Clone(instances)}
}

// FromAddrs builds a static registry of equally weighted addresses.
func FromAddrs(addrs ...string) *StaticRegistry {
	r := &StaticRegistry{}
	for _, a := range addrs {
		r.instances = append(r.instances, Instance{Addr: a, Weight: 1})
	}
	return r
}

func (r *StaticRegistry) Register(ctx context.Context, instance Instance, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances = slices.DeleteFunc(r.instances, func(i Instance) bool { return i.Addr == instance.Addr })
	r.instances = append(r.instances, instance)
	r.notify()
	return nil
}

func (r *StaticRegistry) Deregister(ctx context.Context, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances = slices.DeleteFunc(r.instances, func(i Instance) bool { return i.Addr == addr })
	r.notify()
	return nil
}

func (r *StaticRegistry) Discover(ctx context.Context) ([]Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.instances), nil
}

// Watch emits the full instance list after every change until ctx is done.
func (r *StaticRegistry) Watch(ctx context.Context) <-chan []Instance {
	ch := make(chan []Instance, 1)
	r.mu.Lock()
	r.watchers = append(r.watchers, ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		r.watchers = slices.DeleteFunc(r.watchers, func(w chan []Instance) bool { return w == ch })
		close(ch)
	}()
	return ch
}

// notify must be called with r.mu held. Slow watchers only see the latest list.
func (r *StaticRegistry) notify() {
	for _, w := range r.watchers {
		select {
		case <-w:
		default:
		}
		w <- slices.Clone(r.instances)
	}
}
