package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/datapress/datapress/chunks"
	"github.com/datapress/datapress/fsutil"
	"github.com/datapress/datapress/storage"
	"github.com/datapress/datapress/tree"
	"github.com/datapress/datapress/types/xsync"
)

// Worker prepares one partition of dataset items: it stages the files each
// item depends on, applies the prepare callback and stores the result into
// its own chunk cache.
//
// There are two backends sharing one algorithm body, differing only in how
// progress reaches the coordinator: a polled backend exposing a counter the
// coordinator reads periodically, and a streaming backend pushing
// (worker, count) updates over a shared channel.
type Worker interface {
	// Start launches the worker. It must be called exactly once.
	Start()
	// Kill asks the worker to stop where it is. No in-flight work is
	// drained; the worker's chunk cache may be left without its index.
	Kill()
	// Count returns the number of items stored so far.
	Count() int64
	// DoneChan is closed once the worker finished, successfully or not.
	DoneChan() <-chan struct{}
	// Err returns the worker's error. Only valid after DoneChan is closed.
	Err() error
}

// progressUpdate is one message of the streaming progress transport.
type progressUpdate struct {
	worker int
	count  int64
}

// workerConfig carries everything a worker needs; it is assembled by the
// Processor, one per partition.
type workerConfig struct {
	ctx            context.Context
	index          int // Worker index within this node.
	rank           int // Global worker rank, used in chunk file names.
	nodeRank       int
	root           string
	remoteRoot     string
	items          []*tree.Node
	indices        []int // Global item index per local item.
	prepare        PrepareItemFn
	numDownloaders int
	remove         bool
	chunkSize      int
	chunkBytes     int64
	compression    string
	cacheRoot      string
	store          storage.ObjectStore
	downloadSem    *xsync.Semaphore
	kill           *xsync.Latch
}

// newPolledWorker returns the backend whose progress is read by polling
// Worker.Count.
func newPolledWorker(cfg workerConfig) Worker {
	return &baseWorker{workerConfig: cfg, done: xsync.NewLatch()}
}

// newStreamingWorker returns the backend that pushes progress updates over
// the given channel.
func newStreamingWorker(cfg workerConfig, updates chan<- progressUpdate) Worker {
	return &baseWorker{workerConfig: cfg, updates: updates, done: xsync.NewLatch()}
}

// baseWorker is the shared algorithm body of both Worker backends.
type baseWorker struct {
	workerConfig

	updates chan<- progressUpdate // nil for the polled backend.

	cacheDir     string
	cacheDataDir string
	cache        *chunks.Writer
	paths        [][]string // Per local item, the raw files it depends on.

	counter atomic.Int64
	done    *xsync.Latch
	err     error
}

func (w *baseWorker) Start() {
	go func() {
		defer w.done.Trigger()
		w.err = w.process()
		if w.err != nil {
			klog.Errorf("worker %d failed: %+v", w.index, w.err)
		}
	}()
}

func (w *baseWorker) Kill()                     { w.kill.Trigger() }
func (w *baseWorker) Count() int64              { return w.counter.Load() }
func (w *baseWorker) DoneChan() <-chan struct{} { return w.done.WaitChan() }
func (w *baseWorker) Err() error                { return w.err }

func (w *baseWorker) process() error {
	if err := w.createCache(); err != nil {
		return err
	}
	if err := w.collectPaths(); err != nil {
		return err
	}
	// Buffered so neither downloaders nor this loop can deadlock on a kill:
	// every possible message fits.
	ready := make(chan downloadResult, len(w.items)+w.numDownloaders)
	w.startDownloaders(ready)
	removeQueue, removerDone := w.startRemover()
	// The remover must shut down on every exit path, not only on success.
	defer func() {
		if removeQueue == nil {
			return
		}
		close(removeQueue)
		removerDone.Wait()
	}()

	sentinels := 0
	for sentinels < w.numDownloaders {
		var r downloadResult
		select {
		case <-w.kill.WaitChan():
			return nil
		case r = <-ready:
		}
		if r.sentinel {
			sentinels++
			continue
		}
		if r.err != nil {
			return r.err
		}
		item := w.items[r.index]
		if w.prepare != nil {
			var err error
			item, err = w.prepare(item)
			if err != nil {
				return errors.Wrapf(err, "preparing item %d failed", w.indices[r.index])
			}
		}
		if err := w.cache.Store(w.indices[r.index], item); err != nil {
			return err
		}
		count := w.counter.Add(1)
		if w.updates != nil {
			select {
			case w.updates <- progressUpdate{worker: w.index, count: count}:
			case <-w.kill.WaitChan():
				return nil
			}
		}
		if removeQueue != nil {
			removeQueue <- w.paths[r.index]
		}
	}
	return w.cache.Done()
}

// createCache creates this worker's chunk cache directory and the shared
// staging directory, both keyed by the content hash of the root path.
func (w *baseWorker) createCache() error {
	rootHash := fsutil.RootHash(w.root)
	w.cacheDir = filepath.Join(w.cacheRoot, rootHash, fmt.Sprintf("w_%d_%d", w.nodeRank, w.index))
	if err := os.MkdirAll(w.cacheDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create worker cache dir %q", w.cacheDir)
	}
	w.cacheDataDir = filepath.Join(w.cacheRoot, rootHash, "data")
	if err := os.MkdirAll(w.cacheDataDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create staging dir %q", w.cacheDataDir)
	}
	w.cache = chunks.NewWriter(w.cacheDir).
		WithRank(w.rank).
		WithChunkSize(w.chunkSize).
		WithChunkBytes(w.chunkBytes).
		WithCompression(w.compression)
	return nil
}

// collectPaths records, per item, the files it depends on -- string leaves
// prefixed by the root path -- and rewrites those leaves to their staging
// location, so prepared items reference the local copies.
//
// An item with no identifiable file path is a configuration error and aborts
// the run.
func (w *baseWorker) collectPaths() error {
	rewrite := func(path string) string {
		return strings.Replace(path, w.root, w.cacheDataDir, 1)
	}
	w.paths = make([][]string, len(w.items))
	rewritten := make([]*tree.Node, len(w.items))
	for i, item := range w.items {
		newItem, paths := tree.ExtractPaths(item, w.root, rewrite)
		if len(paths) == 0 {
			return errors.Errorf("item %d doesn't contain any filepaths under root %q", w.indices[i], w.root)
		}
		rewritten[i] = newItem
		w.paths[i] = paths
	}
	w.items = rewritten
	return nil
}

// startDownloaders spins up the download pool, hands every item's files to a
// downloader round-robin, and closes the work channels; each close is the
// shutdown sentinel for one downloader.
func (w *baseWorker) startDownloaders(ready chan<- downloadResult) {
	workChans := make([]chan workUnit, w.numDownloaders)
	for i := range workChans {
		workChans[i] = make(chan workUnit, len(w.items))
		d := &downloader{
			ctx:          w.ctx,
			root:         w.root,
			remoteRoot:   w.remoteRoot,
			cacheDataDir: w.cacheDataDir,
			store:        w.store,
			sem:          w.downloadSem,
			work:         workChans[i],
			ready:        ready,
			kill:         w.kill,
		}
		go d.run()
	}
	for i, paths := range w.paths {
		workChans[i%w.numDownloaders] <- workUnit{index: i, paths: paths}
	}
	for _, ch := range workChans {
		close(ch)
	}
}

// startRemover starts the staged-file deleter when removal is enabled.
// Returns a nil queue otherwise.
func (w *baseWorker) startRemover() (chan<- []string, *xsync.Latch) {
	if !w.remove {
		return nil, nil
	}
	queue := make(chan []string, len(w.items))
	r := &remover{
		root:         w.root,
		cacheDataDir: w.cacheDataDir,
		work:         queue,
		kill:         w.kill,
		done:         xsync.NewLatch(),
	}
	go r.run()
	return queue, r.done
}
