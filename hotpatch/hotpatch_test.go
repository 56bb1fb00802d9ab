package hotpatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchwire/action"
	"patchwire/message"
	"patchwire/worker"
)

const (
	manifestV1 = "version: 1.0.0\nactions:\n  - {name: heartbeat, kind: heartbeat}\n"
	manifestV2 = "version: 2.0.0\nactions:\n  - {name: ping, kind: heartbeat}\n  - {name: ls, kind: list_directory}\n"
)

func openPatcher(t *testing.T, initial string, opts ...Option) (*Patcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(initial), 0o644))
	p, err := Open(path, worker.NewCatalog(), opts...)
	require.NoError(t, err)
	return p, path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestOpenBootstrapsMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "worker.yaml")
	p, err := Open(path, worker.NewCatalog(), WithBootstrap(worker.DefaultManifest))
	require.NoError(t, err)

	assert.Equal(t, string(worker.DefaultManifest), readFile(t, path))
	assert.Equal(t, "1.0.0", p.Current().Version())
}

func TestOpenFailsOnMissingFileWithoutBootstrap(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "worker.yaml"), worker.NewCatalog())
	assert.Error(t, err)
}

func TestUpdateSuccess(t *testing.T) {
	p, path := openPatcher(t, manifestV1)

	err := p.Update(context.Background(), []byte(manifestV2), MD5.Sum([]byte(manifestV2)))
	require.NoError(t, err)

	assert.Equal(t, manifestV2, readFile(t, path))
	assert.Equal(t, manifestV1, readFile(t, p.BackupPath()), "backup keeps the previous worker")
	assert.Equal(t, "2.0.0", p.Current().Version())
	_, ok := p.Current().Find("ping")
	assert.True(t, ok)

	ok, err = p.Check(MD5.Sum([]byte(manifestV2)))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUpdateWrongChecksumRollsBack(t *testing.T) {
	p, path := openPatcher(t, manifestV1)
	before := p.Current()

	err := p.Update(context.Background(), []byte(manifestV2), MD5.Sum([]byte("something else")))
	require.True(t, errors.Is(err, ErrChecksumMismatch), "got %v", err)

	assert.Equal(t, manifestV1, readFile(t, path), "worker file must be byte-identical to before")
	assert.Same(t, before, p.Current(), "live table must not change")

	ok, err := p.Check(MD5.Sum([]byte(manifestV1)))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUpdateUnbuildableManifestRollsBack(t *testing.T) {
	p, path := openPatcher(t, manifestV1)
	bad := "version: 3.0.0\nactions:\n  - {name: x, kind: teleport}\n"

	err := p.Update(context.Background(), []byte(bad), MD5.Sum([]byte(bad)))
	require.True(t, errors.Is(err, worker.ErrInvalidManifest), "got %v", err)

	assert.Equal(t, manifestV1, readFile(t, path))
	assert.Equal(t, "1.0.0", p.Current().Version())
}

func TestUpdateReplacesStaleBackup(t *testing.T) {
	p, _ := openPatcher(t, manifestV1)
	require.NoError(t, os.WriteFile(p.BackupPath(), []byte("stale"), 0o644))

	require.NoError(t, p.Update(context.Background(), []byte(manifestV2), MD5.Sum([]byte(manifestV2))))
	assert.Equal(t, manifestV1, readFile(t, p.BackupPath()))
}

func TestUpdateEmptyContent(t *testing.T) {
	p, _ := openPatcher(t, manifestV1)
	assert.ErrorIs(t, p.Update(context.Background(), nil, MD5.Sum(nil)), ErrEmptyUpdate)
}

func TestUpdateChecksumIsCaseInsensitive(t *testing.T) {
	p, _ := openPatcher(t, manifestV1, WithDigest(SHA256))
	sum := SHA256.Sum([]byte(manifestV2))
	upper := []byte(sum)
	for i, c := range upper {
		if c >= 'a' && c <= 'f' {
			upper[i] = c - 'a' + 'A'
		}
	}
	require.NoError(t, p.Update(context.Background(), []byte(manifestV2), string(upper)))
}

func TestNoTornReadsDuringUpdates(t *testing.T) {
	p, _ := openPatcher(t, manifestV1)
	rejected := manifestV2 + "#"
	sums := map[string]string{
		manifestV1: MD5.Sum([]byte(manifestV1)),
		manifestV2: MD5.Sum([]byte(manifestV2)),
		rejected:   MD5.Sum([]byte(rejected)),
	}

	stop := make(chan struct{})
	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				_, err := p.Check(sums[manifestV1])
				assert.NoError(t, err)
				table := p.Current()
				if !assert.NotNil(t, table) {
					return
				}
				assert.Contains(t, []string{"1.0.0", "2.0.0"}, table.Version())
			}
		}()
	}

	var torn sync.WaitGroup
	torn.Add(1)
	go func() {
		defer torn.Done()
		for i := 0; i < 200; i++ {
			sum, err := MD5.SumFile(p.Path())
			if !assert.NoError(t, err) {
				return
			}
			// A rejected candidate is briefly visible before the restore, but never half written
			assert.Contains(t, []string{sums[manifestV1], sums[manifestV2], sums[rejected]}, sum, "worker file read mid-write")
		}
	}()

	for i := 0; i < 20; i++ {
		next := manifestV2
		if i%2 == 1 {
			next = manifestV1
		}
		require.NoError(t, p.Update(context.Background(), []byte(next), sums[next]))
		require.Error(t, p.Update(context.Background(), []byte(rejected), sums[manifestV2]))
	}

	torn.Wait()
	close(stop)
	readers.Wait()
}

func TestConcurrentUpdatesSerialise(t *testing.T) {
	p, path := openPatcher(t, manifestV1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := manifestV1
			if i%2 == 0 {
				content = manifestV2
			}
			assert.NoError(t, p.Update(context.Background(), []byte(content), MD5.Sum([]byte(content))))
		}(i)
	}
	wg.Wait()

	// Whatever won last, file and table agree
	onDisk := readFile(t, path)
	want := map[string]string{manifestV1: "1.0.0", manifestV2: "2.0.0"}[onDisk]
	assert.Equal(t, want, p.Current().Version())
}

func TestReload(t *testing.T) {
	p, path := openPatcher(t, manifestV1)

	changed, err := p.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, os.WriteFile(path, []byte(manifestV2), 0o644))
	changed, err = p.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "2.0.0", p.Current().Version())

	require.NoError(t, os.WriteFile(path, []byte("version: nope"), 0o644))
	_, err = p.Reload(context.Background())
	assert.Error(t, err)
	assert.Equal(t, "2.0.0", p.Current().Version(), "broken edits keep the live table")
}

func TestWatchReloadsExternalEdits(t *testing.T) {
	p, path := openPatcher(t, manifestV1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// The watcher may not be registered yet, keep rewriting until it is seen
	assert.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(manifestV2), 0o644)
		return p.Current().Version() == "2.0.0"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestUpdateAndCheckActions(t *testing.T) {
	p, path := openPatcher(t, manifestV1)
	update := p.UpdateDescriptor()
	check := p.CheckDescriptor()
	ctx := context.Background()

	resp, err := update.Handler(ctx, action.Params{"checksum": "abc"})
	require.NoError(t, err)
	assert.Equal(t, "No file data provided", resp.Text())

	resp, err = update.Handler(ctx, action.Params{"file_data": message.EncodeFile([]byte(manifestV2))})
	require.NoError(t, err)
	assert.Equal(t, "No checksum provided", resp.Text())

	resp, err = update.Handler(ctx, action.Params{
		"file_data": message.EncodeFile([]byte(manifestV2)),
		"checksum":  "0000",
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Text(), "Worker update failed")
	assert.Equal(t, manifestV1, readFile(t, path))

	resp, err = update.Handler(ctx, action.Params{
		"file_data": message.EncodeFile([]byte(manifestV2)),
		"checksum":  MD5.Sum([]byte(manifestV2)),
	})
	require.NoError(t, err)
	assert.True(t, resp.Success, resp.Text())
	assert.Equal(t, "2.0.0", resp.WorkerVersion)

	resp, err = check.Handler(ctx, action.Params{"checksum": MD5.Sum([]byte(manifestV2))})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	resp, err = check.Handler(ctx, action.Params{"checksum": MD5.Sum([]byte(manifestV1))})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "Worker checksum mismatch", resp.Text())

	resp, err = check.Handler(ctx, action.Params{})
	require.NoError(t, err)
	assert.Equal(t, "No checksum provided", resp.Text())
}

func TestDigests(t *testing.T) {
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", MD5.Sum(nil))
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", SHA256.Sum(nil))
	assert.Equal(t, "ef46db3751d8e999", XXHash.Sum(nil))

	for name, want := range map[string]Digest{"": MD5, "MD5": MD5, "sha256": SHA256, "xxhash": XXHash} {
		got, err := ParseDigest(name)
		require.NoError(t, err)
		assert.Equal(t, want.String(), got.String())
	}
	_, err := ParseDigest("crc32")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))
	sum, err := XXHash.SumFile(path)
	require.NoError(t, err)
	assert.Equal(t, XXHash.Sum([]byte("abc")), sum)
}
