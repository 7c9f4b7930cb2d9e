// Package processor coordinates streaming dataset preparation: it discovers
// the dataset's files, partitions the user's items across nodes and workers,
// stages remote files on demand, and writes prepared items into per-worker
// chunk caches.
//
// The run is a single-pass batch job (partition, download, transform, write,
// cleanup). Interruption is fail-fast: on SIGINT all workers are killed and
// the process exits immediately; sealed chunks survive, anything in flight
// does not.
package processor

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/datapress/datapress/chunks"
	"github.com/datapress/datapress/fsutil"
	"github.com/datapress/datapress/storage"
	"github.com/datapress/datapress/tree"
	"github.com/datapress/datapress/types/xsync"
)

// SetupFn organizes the dataset: from the root path and its file listing it
// produces the items to process. Each item must reference at least one file
// under root.
type SetupFn func(root string, filepaths []string) ([]*tree.Node, error)

// PrepareItemFn transforms one item, with its file-path leaves already
// rewritten to the local staging copies, into what gets stored in the chunk
// cache. A nil PrepareItemFn stores items as-is.
type PrepareItemFn func(item *tree.Node) (*tree.Node, error)

// WorkerMode selects the Worker backend, i.e. how worker progress reaches
// the coordinator.
type WorkerMode int

const (
	// WorkerModeStreaming workers push (worker, count) updates over a
	// shared channel.
	WorkerModeStreaming WorkerMode = iota
	// WorkerModePolling workers expose counters the coordinator polls
	// once per poll period.
	WorkerModePolling
)

// DefaultCacheRoot is where per-root cache directories are created.
const DefaultCacheRoot = "/cache"

// FilepathsFileName is the cached file listing, stored under
// <cacheRoot>/<sha256(root)>/.
const FilepathsFileName = "filepaths.txt"

// Processor owns one end-to-end preparation run. Create it with New,
// configure it with the With* setters, then call Run.
type Processor struct {
	setup          SetupFn
	prepare        PrepareItemFn
	numWorkers     int
	numDownloaders int
	chunkSize      int
	chunkBytes     int64
	compression    string
	remove         bool
	mode           WorkerMode
	cacheRoot      string
	store          storage.ObjectStore
	maxParallel    int
	verbosity      int
	pollPeriod     time.Duration

	workers []Worker
}

// New returns a Processor with defaults: one worker per CPU, two downloaders
// per worker, 64 MiB chunk byte bound, staged files removed after use,
// streaming progress.
func New(setup SetupFn) *Processor {
	return &Processor{
		setup:          setup,
		numWorkers:     runtime.NumCPU(),
		numDownloaders: 2,
		chunkBytes:     chunks.DefaultChunkBytes,
		remove:         true,
		mode:           WorkerModeStreaming,
		cacheRoot:      DefaultCacheRoot,
		verbosity:      1,
		pollPeriod:     time.Second,
	}
}

// WithPrepareItem sets the per-item transform. Default is to store items
// unchanged.
func (p *Processor) WithPrepareItem(fn PrepareItemFn) *Processor {
	p.prepare = fn
	return p
}

// WithNumWorkers sets how many workers this node runs.
func (p *Processor) WithNumWorkers(n int) *Processor {
	p.numWorkers = n
	return p
}

// WithNumDownloaders sets how many downloaders each worker runs.
func (p *Processor) WithNumDownloaders(n int) *Processor {
	p.numDownloaders = n
	return p
}

// WithChunkSize bounds the number of items per chunk. Zero (default)
// disables the item-count bound.
func (p *Processor) WithChunkSize(n int) *Processor {
	p.chunkSize = n
	return p
}

// WithChunkBytes bounds the serialized bytes per chunk.
func (p *Processor) WithChunkBytes(n int64) *Processor {
	p.chunkBytes = n
	return p
}

// WithCompression sets the chunk compression, see chunks.CompressionZstd.
func (p *Processor) WithCompression(name string) *Processor {
	p.compression = name
	return p
}

// WithRemove controls whether staged raw files are deleted once their chunk
// entry was stored. Default true.
func (p *Processor) WithRemove(remove bool) *Processor {
	p.remove = remove
	return p
}

// WithWorkerMode selects the Worker backend.
func (p *Processor) WithWorkerMode(mode WorkerMode) *Processor {
	p.mode = mode
	return p
}

// WithCacheRoot overrides the cache root directory (default
// DefaultCacheRoot).
func (p *Processor) WithCacheRoot(dir string) *Processor {
	p.cacheRoot = fsutil.ReplaceTildeInDir(dir)
	return p
}

// WithStore overrides the object store used for downloads. Default is a
// lazily constructed storage.Client.
func (p *Processor) WithStore(store storage.ObjectStore) *Processor {
	p.store = store
	return p
}

// WithMaxParallelDownloads caps in-flight downloads across all workers'
// downloaders. Zero (default) means no cap beyond the pool sizes themselves.
func (p *Processor) WithMaxParallelDownloads(n int) *Processor {
	p.maxParallel = n
	return p
}

// WithVerbosity sets output verbosity: 0 silences the progress bar and the
// phase log lines, 1 (default) shows them.
func (p *Processor) WithVerbosity(v int) *Processor {
	p.verbosity = v
	return p
}

// withPollPeriod shortens the polled-progress refresh period; used by tests.
func (p *Processor) withPollPeriod(d time.Duration) *Processor {
	p.pollPeriod = d
	return p
}

// Run executes the preparation of the dataset rooted at root. When
// remoteRoot is an "s3://" URL, each raw file is fetched from the
// corresponding remote object; when remoteRoot is empty the files are staged
// from the local root directly. Any other remoteRoot scheme fails.
func (p *Processor) Run(ctx context.Context, root, remoteRoot string) error {
	start := time.Now()
	root, err := filepath.Abs(fsutil.ReplaceTildeInDir(root))
	if err != nil {
		return errors.Wrapf(err, "failed resolving root %q", root)
	}
	if remoteRoot != "" && !strings.HasPrefix(remoteRoot, "s3://") {
		return errors.Errorf("expected remote root to be an `s3` URL or empty, got %q", remoteRoot)
	}
	if p.numWorkers < 1 {
		return errors.Errorf("numWorkers must be positive, got %d", p.numWorkers)
	}
	if p.verbosity >= 1 {
		klog.Infof("Setup started")
	}

	filepaths, err := p.cachedListFilepaths(root)
	if err != nil {
		return err
	}
	items, err := p.setup(root, filepaths)
	if err != nil {
		return errors.Wrap(err, "setup callback failed")
	}

	numNodes, nodeRank, err := nodeTopology()
	if err != nil {
		return err
	}
	partitions := assignToWorkers(p.numWorkers, numNodes, nodeRank, items)
	globalIndices := make([]int, len(items))
	for i := range globalIndices {
		globalIndices[i] = i
	}
	indexPartitions := assignToWorkers(p.numWorkers, numNodes, nodeRank, globalIndices)

	numItems := 0
	for _, partition := range partitions {
		numItems += len(partition)
	}
	if p.verbosity >= 1 {
		klog.Infof("Setup finished in %s. Found %d filepaths, %d items for this node.",
			time.Since(start).Round(time.Millisecond), len(filepaths), numItems)
		klog.Infof("Starting %d workers", p.numWorkers)
	}

	store := p.store
	if store == nil {
		store = storage.NewClient()
	}
	var downloadSem *xsync.Semaphore
	if p.maxParallel > 0 {
		downloadSem = xsync.NewSemaphore(p.maxParallel)
	}

	kill := xsync.NewLatch()
	finished := xsync.NewLatch()
	defer finished.Trigger()
	p.watchInterrupt(kill, finished)

	var updates chan progressUpdate
	if p.mode == WorkerModeStreaming {
		updates = make(chan progressUpdate, 256)
	}
	p.workers = make([]Worker, p.numWorkers)
	for i := range p.workers {
		cfg := workerConfig{
			ctx:            ctx,
			index:          i,
			rank:           nodeRank*p.numWorkers + i,
			nodeRank:       nodeRank,
			root:           root,
			remoteRoot:     remoteRoot,
			items:          partitions[i],
			indices:        indexPartitions[i],
			prepare:        p.prepare,
			numDownloaders: p.numDownloaders,
			remove:         p.remove,
			chunkSize:      p.chunkSize,
			chunkBytes:     p.chunkBytes,
			compression:    p.compression,
			cacheRoot:      p.cacheRoot,
			store:          store,
			downloadSem:    downloadSem,
			kill:           kill,
		}
		if p.mode == WorkerModePolling {
			p.workers[i] = newPolledWorker(cfg)
		} else {
			p.workers[i] = newStreamingWorker(cfg, updates)
		}
		p.workers[i].Start()
	}
	if p.verbosity >= 1 {
		klog.Infof("Workers are ready! Starting data processing...")
	}

	allDone := make(chan struct{})
	go func() {
		for _, w := range p.workers {
			<-w.DoneChan()
		}
		close(allDone)
	}()

	bar := p.newBar(numItems)
	if p.mode == WorkerModePolling {
		err = p.monitorPolling(bar, numItems, allDone)
	} else {
		err = p.monitorStreaming(bar, updates, numItems, allDone)
	}
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return err
	}

	// Join: all workers completed, surface the first failure if any.
	<-allDone
	for _, w := range p.workers {
		if w.Err() != nil {
			return w.Err()
		}
	}
	if p.verbosity >= 1 {
		klog.Infof("Finished data processing in %s!", time.Since(start).Round(time.Millisecond))
	}
	return nil
}

// watchInterrupt implements the fail-fast SIGINT policy: kill every worker
// and exit immediately, with no cleanup guarantees.
func (p *Processor) watchInterrupt(kill, finished *xsync.Latch) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			klog.Warningf("Interrupted, killing %d workers and exiting.", len(p.workers))
			kill.Trigger()
			os.Exit(1)
		case <-finished.WaitChan():
		}
	}()
}

// monitorPolling aggregates progress by summing the per-worker counters once
// per poll period.
func (p *Processor) monitorPolling(bar *progressbar.ProgressBar, numItems int, allDone <-chan struct{}) error {
	ticker := time.NewTicker(p.pollPeriod)
	defer ticker.Stop()
	current := 0
	for current < numItems {
		select {
		case <-ticker.C:
		case <-allDone:
		}
		total := 0
		for _, w := range p.workers {
			total += int(w.Count())
		}
		if bar != nil && total > current {
			_ = bar.Add(total - current)
		}
		current = total
		select {
		case <-allDone:
			// Workers stopped; whatever the counters say now is final.
			return nil
		default:
		}
	}
	return nil
}

// monitorStreaming aggregates progress from (worker, count) updates.
func (p *Processor) monitorStreaming(bar *progressbar.ProgressBar, updates <-chan progressUpdate, numItems int, allDone <-chan struct{}) error {
	tracker := make(map[int]int64, len(p.workers))
	current := 0
	for current < numItems {
		var u progressUpdate
		select {
		case u = <-updates:
		case <-allDone:
			// Workers stopped early; drain what is buffered and stop.
			for {
				select {
				case u = <-updates:
					tracker[u.worker] = u.count
				default:
					return nil
				}
			}
		}
		tracker[u.worker] = u.count
		total := 0
		for _, count := range tracker {
			total += int(count)
		}
		if bar != nil && total > current {
			_ = bar.Add(total - current)
		}
		current = total
	}
	return nil
}

func (p *Processor) newBar(numItems int) *progressbar.ProgressBar {
	if p.verbosity < 1 {
		return nil
	}
	return progressbar.NewOptions(numItems,
		progressbar.OptionSetDescription("Processing"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("items"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: ".",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

// cachedListFilepaths returns the dataset's file listing, walking the
// filesystem only the first time: the listing is cached under
// <cacheRoot>/<sha256(root)>/filepaths.txt and reused by later runs.
func (p *Processor) cachedListFilepaths(root string) ([]string, error) {
	listFile := filepath.Join(p.cacheRoot, fsutil.RootHash(root), FilepathsFileName)
	if fsutil.FileExists(listFile) {
		data, err := os.ReadFile(listFile)
		if err != nil {
			return nil, errors.Wrapf(err, "failed reading cached file listing %q", listFile)
		}
		var filepaths []string
		for _, line := range strings.Split(string(data), "\n") {
			if line != "" {
				filepaths = append(filepaths, line)
			}
		}
		klog.V(1).Infof("reusing cached file listing %q (%d files)", listFile, len(filepaths))
		return filepaths, nil
	}

	var filepaths []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			filepaths = append(filepaths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed walking root %q", root)
	}
	if err = os.MkdirAll(filepath.Dir(listFile), 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create cache dir for %q", listFile)
	}
	var sb strings.Builder
	for _, fp := range filepaths {
		sb.WriteString(fp)
		sb.WriteByte('\n')
	}
	if err = os.WriteFile(listFile, []byte(sb.String()), 0o644); err != nil {
		return nil, errors.Wrapf(err, "failed writing cached file listing %q", listFile)
	}
	return filepaths, nil
}
