package client

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchwire/discovery"
	"patchwire/hotpatch"
	"patchwire/loadbalance"
	"patchwire/message"
	"patchwire/server"
	"patchwire/worker"
)

const workerV1 = "version: 1.0.0\nactions:\n  - {name: heartbeat, kind: heartbeat}\n  - name: list_directory\n    kind: list_directory\n    params:\n      - {name: directory, type: string}\n"

const workerV2 = "version: 1.1.0\nactions:\n  - {name: heartbeat, kind: heartbeat}\n  - {name: system_info, kind: system_info}\n"

// startServer runs a server on an ephemeral port and returns its address.
func startServer(t *testing.T) string {
	t.Helper()
	return serve(t, workerV1)
}

func startBenchServer(b *testing.B) string {
	return serve(b, workerV1+"  - name: download_file\n    kind: download_file\n    response_type: file\n    params:\n      - {name: file_path, type: string}\n")
}

func serve(t testing.TB, manifest string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o644))
	patcher, err := hotpatch.Open(path, worker.NewCatalog())
	require.NoError(t, err)

	srv, err := server.New(patcher)
	require.NoError(t, err)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l)
	t.Cleanup(func() { _ = srv.Shutdown(time.Second) })
	return l.Addr().String()
}

func dial(t *testing.T, addr string, opts ...Option) *Client {
	t.Helper()
	c, err := Dial(context.Background(), addr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCallAndActions(t *testing.T) {
	c := dial(t, startServer(t))
	ctx := context.Background()

	infos, err := c.Actions(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 6)
	assert.Equal(t, "get_actions", infos[0].Name)
	assert.Equal(t, "list_directory", infos[5].Name)
	assert.Equal(t, []string{"directory"}, ParamNames(infos[5]))
	assert.Equal(t, []string{"file_data", "checksum"}, ParamNames(infos[1]))

	resp, err := c.Call(ctx, "heartbeat", nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "1.0.0", resp.WorkerVersion)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), nil, 0o644))
	resp, err = c.Call(ctx, "list_directory", map[string]string{"directory": dir})
	require.NoError(t, err)
	var names []string
	require.NoError(t, resp.Decode(&names))
	assert.Equal(t, []string{"a.txt"}, names)
}

func TestUpdateAndCheckWorker(t *testing.T) {
	c := dial(t, startServer(t))
	ctx := context.Background()

	ok, err := c.CheckWorker(ctx, hotpatch.MD5.Sum([]byte(workerV1)))
	require.NoError(t, err)
	assert.True(t, ok)

	resp, err := c.UpdateWorker(ctx, []byte(workerV2))
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Text())
	assert.Equal(t, "1.1.0", resp.WorkerVersion)

	ok, err = c.CheckWorker(ctx, hotpatch.MD5.Sum([]byte(workerV2)))
	require.NoError(t, err)
	assert.True(t, ok)

	infos, err := c.Actions(ctx)
	require.NoError(t, err)
	assert.Equal(t, "system_info", infos[len(infos)-1].Name)
}

func TestUpdateWorkerFile(t *testing.T) {
	c := dial(t, startServer(t))
	path := filepath.Join(t.TempDir(), "next.yaml")
	require.NoError(t, os.WriteFile(path, []byte(workerV2), 0o644))

	resp, err := c.UpdateWorkerFile(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, resp.Success, resp.Text())

	_, err = c.UpdateWorkerFile(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestUpdateWorkerWithMismatchedDigest(t *testing.T) {
	// The server verifies with md5, a sha256 checksum never matches
	c := dial(t, startServer(t), WithDigest(hotpatch.SHA256))
	resp, err := c.UpdateWorker(context.Background(), []byte(workerV2))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Text(), "Worker update failed")

	ok, err := c.CheckWorker(context.Background(), hotpatch.MD5.Sum([]byte(workerV1)))
	require.NoError(t, err)
	assert.True(t, ok, "worker must be unchanged")
}

func TestExit(t *testing.T) {
	c := dial(t, startServer(t))
	require.NoError(t, c.Exit(context.Background()))

	_, err := c.Call(context.Background(), "heartbeat", nil)
	assert.Error(t, err)
}

func TestDialDiscoveredSkipsIncompatibleServers(t *testing.T) {
	addr := startServer(t)
	reg := discovery.NewStaticRegistry(
		discovery.Instance{Addr: "127.0.0.1:1", ProtocolVersion: "2.0.0", Weight: 1},
		discovery.Instance{Addr: addr, ProtocolVersion: "1.0.0", Weight: 1},
	)

	for i := 0; i < 3; i++ {
		c, err := DialDiscovered(context.Background(), reg, &loadbalance.RoundRobinBalancer{})
		require.NoError(t, err)
		resp, err := c.Call(context.Background(), "heartbeat", nil)
		require.NoError(t, err)
		assert.True(t, resp.Success)
		require.NoError(t, c.Close())
	}
}

func TestDialDiscoveredNoServers(t *testing.T) {
	_, err := DialDiscovered(context.Background(), discovery.NewStaticRegistry(), &loadbalance.RoundRobinBalancer{})
	assert.ErrorIs(t, err, discovery.ErrNoInstances)
}

func TestParamNames(t *testing.T) {
	info := message.ActionInfo{Name: "copy_file", Params: []message.ParamInfo{{Name: "source"}, {Name: "destination"}}}
	assert.Equal(t, []string{"source", "destination"}, ParamNames(info))
	assert.Empty(t, ParamNames(message.ActionInfo{Name: "heartbeat"}))
}
