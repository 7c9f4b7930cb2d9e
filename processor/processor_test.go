package processor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/datapress/datapress/chunks"
	"github.com/datapress/datapress/fsutil"
	"github.com/datapress/datapress/tree"
	"github.com/datapress/datapress/types/xsync"
)

// fakeStore records download calls and serves synthetic object contents.
type fakeStore struct {
	downloads atomic.Int64
	fail      bool
}

func (f *fakeStore) Download(_ context.Context, bucket, key string, w io.Writer) error {
	f.downloads.Add(1)
	if f.fail {
		return errors.New("object store unavailable")
	}
	_, err := fmt.Fprintf(w, "s3://%s/%s", bucket, key)
	return err
}

func writeDataset(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func oneItemPerFile(root string, filepaths []string) ([]*tree.Node, error) {
	items := make([]*tree.Node, len(filepaths))
	for i, fp := range filepaths {
		items[i] = tree.Map(map[string]*tree.Node{
			"path":  tree.String(fp),
			"index": tree.Int(int64(i)),
		})
	}
	return items, nil
}

// readAllItems merges the chunk caches of every worker, keyed by global item
// index.
func readAllItems(t *testing.T, cacheRoot, root string) map[int]*tree.Node {
	t.Helper()
	items := make(map[int]*tree.Node)
	base := filepath.Join(cacheRoot, fsutil.RootHash(root))
	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "w_") {
			continue
		}
		reader, err := chunks.NewReader(filepath.Join(base, e.Name()))
		require.NoError(t, err)
		for _, meta := range reader.Index().Chunks {
			for _, idx := range meta.Indexes {
				item, err := reader.Item(idx)
				require.NoError(t, err)
				_, seen := items[idx]
				require.Falsef(t, seen, "item %d stored by more than one worker", idx)
				items[idx] = item
			}
		}
	}
	return items
}

func countStagedFiles(t *testing.T, cacheRoot, root string) int {
	t.Helper()
	dataDir := filepath.Join(cacheRoot, fsutil.RootHash(root), "data")
	count := 0
	err := filepath.WalkDir(dataDir, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	require.NoError(t, err)
	return count
}

var sampleFiles = map[string]string{
	"a/0.txt": "zero",
	"a/1.txt": "one",
	"b/2.txt": "two",
	"3.txt":   "three",
	"4.txt":   "four",
}

func TestRunLocal(t *testing.T) {
	root := t.TempDir()
	cacheRoot := t.TempDir()
	writeDataset(t, root, sampleFiles)

	p := New(oneItemPerFile).
		WithNumWorkers(2).
		WithCacheRoot(cacheRoot).
		WithRemove(false).
		WithVerbosity(0)
	require.NoError(t, p.Run(context.Background(), root, ""))

	items := readAllItems(t, cacheRoot, root)
	require.Len(t, items, len(sampleFiles))
	dataDir := filepath.Join(cacheRoot, fsutil.RootHash(root), "data")
	for idx, item := range items {
		staged := item.Get("path").StringValue()
		require.Truef(t, strings.HasPrefix(staged, dataDir),
			"item %d path %q not rewritten to the staging dir", idx, staged)
		content, err := os.ReadFile(staged)
		require.NoError(t, err)
		rel, err := filepath.Rel(dataDir, staged)
		require.NoError(t, err)
		require.Equal(t, sampleFiles[rel], string(content))
	}
	require.Equal(t, len(sampleFiles), countStagedFiles(t, cacheRoot, root))
}

func TestRunRemote(t *testing.T) {
	root := t.TempDir()
	cacheRoot := t.TempDir()
	writeDataset(t, root, sampleFiles)
	store := &fakeStore{}

	// Capture each staged file's content before the remover deletes it.
	prepare := func(item *tree.Node) (*tree.Node, error) {
		data, err := os.ReadFile(item.Get("path").StringValue())
		if err != nil {
			return nil, err
		}
		return tree.Map(map[string]*tree.Node{
			"content": tree.Bytes(data),
			"index":   item.Get("index"),
		}), nil
	}

	p := New(oneItemPerFile).
		WithPrepareItem(prepare).
		WithNumWorkers(2).
		WithCacheRoot(cacheRoot).
		WithStore(store).
		WithVerbosity(0)
	require.NoError(t, p.Run(context.Background(), root, "s3://my-bucket/imagenet"))

	require.EqualValues(t, len(sampleFiles), store.downloads.Load(),
		"expected exactly one download per dataset file")
	items := readAllItems(t, cacheRoot, root)
	require.Len(t, items, len(sampleFiles))
	for idx, item := range items {
		content := string(item.Get("content").BytesValue())
		require.Truef(t, strings.HasPrefix(content, "s3://my-bucket/imagenet/"),
			"item %d content %q not fetched from the fake store", idx, content)
	}
	// Staged copies are removed once their chunk entry was stored.
	require.Zero(t, countStagedFiles(t, cacheRoot, root))
}

func TestRunRemotePreStaged(t *testing.T) {
	root := t.TempDir()
	cacheRoot := t.TempDir()
	writeDataset(t, root, sampleFiles)
	// Stage every file up front, as an interrupted earlier run would have.
	dataDir := filepath.Join(cacheRoot, fsutil.RootHash(root), "data")
	writeDataset(t, dataDir, sampleFiles)
	store := &fakeStore{fail: true} // Any store access would fail the run.

	p := New(oneItemPerFile).
		WithNumWorkers(2).
		WithCacheRoot(cacheRoot).
		WithStore(store).
		WithRemove(false).
		WithVerbosity(0)
	require.NoError(t, p.Run(context.Background(), root, "s3://my-bucket/imagenet"))
	require.Zero(t, store.downloads.Load(), "pre-staged files must not be re-downloaded")
	require.Len(t, readAllItems(t, cacheRoot, root), len(sampleFiles))
}

func TestRunPollingMode(t *testing.T) {
	root := t.TempDir()
	cacheRoot := t.TempDir()
	writeDataset(t, root, sampleFiles)

	p := New(oneItemPerFile).
		WithNumWorkers(3).
		WithCacheRoot(cacheRoot).
		WithWorkerMode(WorkerModePolling).
		WithRemove(false).
		WithVerbosity(0).
		withPollPeriod(time.Millisecond)
	require.NoError(t, p.Run(context.Background(), root, ""))
	require.Len(t, readAllItems(t, cacheRoot, root), len(sampleFiles))
}

func TestRunMoreWorkersThanItems(t *testing.T) {
	root := t.TempDir()
	cacheRoot := t.TempDir()
	writeDataset(t, root, map[string]string{"only.txt": "only"})

	p := New(oneItemPerFile).
		WithNumWorkers(4).
		WithCacheRoot(cacheRoot).
		WithRemove(false).
		WithVerbosity(0)
	require.NoError(t, p.Run(context.Background(), root, ""))
	require.Len(t, readAllItems(t, cacheRoot, root), 1)
}

func TestRunMaxParallelDownloads(t *testing.T) {
	root := t.TempDir()
	cacheRoot := t.TempDir()
	writeDataset(t, root, sampleFiles)
	store := &fakeStore{}

	p := New(oneItemPerFile).
		WithNumWorkers(2).
		WithNumDownloaders(3).
		WithMaxParallelDownloads(1).
		WithCacheRoot(cacheRoot).
		WithStore(store).
		WithRemove(false).
		WithVerbosity(0)
	require.NoError(t, p.Run(context.Background(), root, "s3://my-bucket/imagenet"))
	require.EqualValues(t, len(sampleFiles), store.downloads.Load())
}

func TestRunReusesCachedFileListing(t *testing.T) {
	root := t.TempDir()
	cacheRoot := t.TempDir()
	writeDataset(t, root, sampleFiles)

	// A listing from an earlier run pins the dataset's files: later runs must
	// not re-walk the root.
	listFile := filepath.Join(cacheRoot, fsutil.RootHash(root), FilepathsFileName)
	require.NoError(t, os.MkdirAll(filepath.Dir(listFile), 0o755))
	pinned := filepath.Join(root, "a", "0.txt")
	require.NoError(t, os.WriteFile(listFile, []byte(pinned+"\n"), 0o644))

	p := New(oneItemPerFile).
		WithNumWorkers(1).
		WithCacheRoot(cacheRoot).
		WithRemove(false).
		WithVerbosity(0)
	require.NoError(t, p.Run(context.Background(), root, ""))
	require.Len(t, readAllItems(t, cacheRoot, root), 1)
}

func TestRunItemWithoutPaths(t *testing.T) {
	root := t.TempDir()
	cacheRoot := t.TempDir()
	writeDataset(t, root, map[string]string{"0.txt": "zero"})

	setup := func(root string, filepaths []string) ([]*tree.Node, error) {
		return []*tree.Node{tree.Int(42)}, nil
	}
	p := New(setup).
		WithNumWorkers(1).
		WithCacheRoot(cacheRoot).
		WithVerbosity(0)
	err := p.Run(context.Background(), root, "")
	require.ErrorContains(t, err, "doesn't contain any filepaths")
}

func TestRunBadRemoteScheme(t *testing.T) {
	root := t.TempDir()
	p := New(oneItemPerFile).WithVerbosity(0)
	err := p.Run(context.Background(), root, "gs://bucket/imagenet")
	require.ErrorContains(t, err, "s3")
}

func TestRunSetupError(t *testing.T) {
	root := t.TempDir()
	cacheRoot := t.TempDir()
	writeDataset(t, root, map[string]string{"0.txt": "zero"})

	setup := func(string, []string) ([]*tree.Node, error) {
		return nil, errors.New("corrupt manifest")
	}
	p := New(setup).WithCacheRoot(cacheRoot).WithVerbosity(0)
	err := p.Run(context.Background(), root, "")
	require.ErrorContains(t, err, "corrupt manifest")
}

func TestRunDownloadError(t *testing.T) {
	root := t.TempDir()
	cacheRoot := t.TempDir()
	writeDataset(t, root, sampleFiles)
	store := &fakeStore{fail: true}

	p := New(oneItemPerFile).
		WithNumWorkers(2).
		WithCacheRoot(cacheRoot).
		WithStore(store).
		WithVerbosity(0)
	err := p.Run(context.Background(), root, "s3://my-bucket/imagenet")
	require.ErrorContains(t, err, "object store unavailable")
}

func TestRunInvalidNumWorkers(t *testing.T) {
	root := t.TempDir()
	cacheRoot := t.TempDir()
	writeDataset(t, root, map[string]string{"0.txt": "zero"})

	for _, n := range []int{0, -1} {
		p := New(oneItemPerFile).
			WithNumWorkers(n).
			WithCacheRoot(cacheRoot).
			WithVerbosity(0)
		err := p.Run(context.Background(), root, "")
		require.ErrorContainsf(t, err, "numWorkers must be positive", "numWorkers=%d", n)
	}
}

// A failed run must not leave remover goroutines blocked on their queues.
func TestRunDownloadErrorStopsRemovers(t *testing.T) {
	root := t.TempDir()
	cacheRoot := t.TempDir()
	writeDataset(t, root, sampleFiles)
	store := &fakeStore{fail: true}

	p := New(oneItemPerFile).
		WithNumWorkers(2).
		WithCacheRoot(cacheRoot).
		WithStore(store).
		WithVerbosity(0)
	err := p.Run(context.Background(), root, "s3://my-bucket/imagenet")
	require.ErrorContains(t, err, "object store unavailable")

	require.Eventually(t, func() bool {
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		return !strings.Contains(string(buf[:n]), "(*remover).run")
	}, 5*time.Second, 10*time.Millisecond, "remover goroutines still running after a failed run")
}

// blockingStore parks every download until released, so tests can abort a
// worker with its downloads still in flight.
type blockingStore struct {
	started chan struct{}
	release chan struct{}
}

func (s *blockingStore) Download(context.Context, string, string, io.Writer) error {
	s.started <- struct{}{}
	<-s.release
	return nil
}

func TestWorkerKillAbortsRun(t *testing.T) {
	root := t.TempDir()
	cacheRoot := t.TempDir()
	writeDataset(t, root, sampleFiles)
	var filepaths []string
	require.NoError(t, filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			filepaths = append(filepaths, path)
		}
		return err
	}))
	items, err := oneItemPerFile(root, filepaths)
	require.NoError(t, err)

	store := &blockingStore{
		started: make(chan struct{}, len(items)),
		release: make(chan struct{}),
	}
	kill := xsync.NewLatch()
	w := newStreamingWorker(workerConfig{
		ctx:            context.Background(),
		root:           root,
		remoteRoot:     "s3://my-bucket/imagenet",
		items:          items,
		indices:        intRange(len(items)),
		numDownloaders: 2,
		remove:         true,
		chunkBytes:     chunks.DefaultChunkBytes,
		cacheRoot:      cacheRoot,
		store:          store,
		kill:           kill,
	}, make(chan progressUpdate, len(items)))
	w.Start()
	<-store.started // At least one download is in flight.
	w.Kill()

	// The worker must finish without waiting for the parked downloads: no item
	// was stored, no error reported, and its remover shut down with it.
	select {
	case <-w.DoneChan():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after Kill")
	}
	require.NoError(t, w.Err())
	require.Zero(t, w.Count())
	close(store.release)
}

func TestRunPrepareItemError(t *testing.T) {
	root := t.TempDir()
	cacheRoot := t.TempDir()
	writeDataset(t, root, map[string]string{"0.txt": "zero"})

	prepare := func(*tree.Node) (*tree.Node, error) {
		return nil, errors.New("decode failed")
	}
	p := New(oneItemPerFile).
		WithPrepareItem(prepare).
		WithNumWorkers(1).
		WithCacheRoot(cacheRoot).
		WithVerbosity(0)
	err := p.Run(context.Background(), root, "")
	require.ErrorContains(t, err, "decode failed")
}
