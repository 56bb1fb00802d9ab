package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// DefaultPrefix is the etcd key prefix servers register under:
//
//	Key:   /patchwire/servers/{addr}
//	Value: JSON-encoded Instance
//
// Entries are attached to a TTL lease kept alive by the registering process,
// so a crashed server disappears once the lease expires.
const DefaultPrefix = "/patchwire/servers/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	log    *zap.SugaredLogger
	client *clientv3.Client
	prefix string

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // addr → lease, for Deregister
}

type EtcdOption func(r *EtcdRegistry)

func WithLogger(l *zap.Logger) EtcdOption {
	return func(r *EtcdRegistry) {
		r.log = l.Named("discovery").Sugar()
	}
}

// WithPrefix overrides DefaultPrefix. The prefix should end in "/".
func WithPrefix(prefix string) EtcdOption {
	return func(r *EtcdRegistry) {
		r.prefix = prefix
	}
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, opts ...EtcdOption) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd: %w", err)
	}
	r := &EtcdRegistry{
		log:    zap.NewNop().Sugar(),
		client: c,
		prefix: DefaultPrefix,
		leases: make(map[string]clientv3.LeaseID),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

func (r *EtcdRegistry) key(addr string) string {
	return r.prefix + addr
}

// Register publishes instance under a lease of ttl seconds and keeps the
// lease alive in the background.
func (r *EtcdRegistry) Register(ctx context.Context, instance Instance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("granting lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	if _, err := r.client.Put(ctx, r.key(instance.Addr), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registering %s: %w", instance.Addr, err)
	}

	// KeepAlive outlives the caller's ctx; it stops when the lease is revoked
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return fmt.Errorf("keeping lease alive: %w", err)
	}
	go func() {
		for range ch {
		}
		r.log.Debugw("lease keepalive stopped", "addr", instance.Addr)
	}()

	r.mu.Lock()
	r.leases[instance.Addr] = lease.ID
	r.mu.Unlock()

	r.log.Infow("registered server", "addr", instance.Addr, "ttl", ttl)
	return nil
}

// Deregister removes addr. Revoking the lease also ends its keepalive.
func (r *EtcdRegistry) Deregister(ctx context.Context, addr string) error {
	r.mu.Lock()
	id, ok := r.leases[addr]
	delete(r.leases, addr)
	r.mu.Unlock()

	if ok {
		if _, err := r.client.Revoke(ctx, id); err != nil {
			return fmt.Errorf("revoking lease for %s: %w", addr, err)
		}
		return nil
	}
	if _, err := r.client.Delete(ctx, r.key(addr)); err != nil {
		return fmt.Errorf("deregistering %s: %w", addr, err)
	}
	return nil
}

// Discover returns every registered server.
func (r *EtcdRegistry) Discover(ctx context.Context) ([]Instance, error) {
	resp, err := r.client.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("listing servers: %w", err)
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.log.Warnw("skipping malformed registration", "key", string(kv.Key), "error", err)
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch emits the full server list whenever a registration changes. The
// channel is closed when ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context) <-chan []Instance {
	ch := make(chan []Instance, 1)

	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, r.prefix, clientv3.WithPrefix()) {
			// Re-list rather than apply individual events
			instances, err := r.Discover(ctx)
			if err != nil {
				r.log.Warnw("listing servers after change", "error", err)
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Close releases the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
