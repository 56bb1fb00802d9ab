package discovery

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticRegistry(t *testing.T) {
	ctx := context.Background()
	reg := FromAddrs("127.0.0.1:1", "127.0.0.1:2")

	got, err := reg.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Weight)

	require.NoError(t, reg.Register(ctx, Instance{Addr: "127.0.0.1:2", Weight: 5}, 10))
	require.NoError(t, reg.Deregister(ctx, "127.0.0.1:1"))

	got, err = reg.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Instance{{Addr: "127.0.0.1:2", Weight: 5}}, got)
}

func TestStaticRegistryWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewStaticRegistry()
	ch := reg.Watch(ctx)

	require.NoError(t, reg.Register(ctx, Instance{Addr: "a"}, 10))
	require.NoError(t, reg.Register(ctx, Instance{Addr: "b"}, 10))

	select {
	case got := <-ch:
		assert.Len(t, got, 2, "watchers see the latest list")
	case <-time.After(time.Second):
		t.Fatal("no watch update")
	}

	cancel()
	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}

// etcdEndpoints returns the endpoints in PATCHWIRE_ETCD_ENDPOINTS or skips.
func etcdEndpoints(t *testing.T) []string {
	v := os.Getenv("PATCHWIRE_ETCD_ENDPOINTS")
	if v == "" {
		t.Skip("PATCHWIRE_ETCD_ENDPOINTS not set")
	}
	return strings.Split(v, ",")
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg, err := NewEtcdRegistry(etcdEndpoints(t), 2*time.Second, WithPrefix("/patchwire-test/"+t.Name()+"/"))
	require.NoError(t, err)
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	inst1 := Instance{Addr: "127.0.0.1:8001", Weight: 10, ServerVersion: "1.0.0", ProtocolVersion: "1.0.0"}
	inst2 := Instance{Addr: "127.0.0.1:8002", Weight: 5, ServerVersion: "1.0.0", ProtocolVersion: "1.0.0"}
	require.NoError(t, reg.Register(ctx, inst1, 10))
	require.NoError(t, reg.Register(ctx, inst2, 10))

	instances, err := reg.Discover(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Instance{inst1, inst2}, instances)

	require.NoError(t, reg.Deregister(ctx, inst1.Addr))
	instances, err = reg.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Instance{inst2}, instances)

	require.NoError(t, reg.Deregister(ctx, inst2.Addr))
}
