package processor

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/datapress/datapress/fsutil"
	"github.com/datapress/datapress/storage"
	"github.com/datapress/datapress/types/xsync"
)

// workUnit assigns the files of one item (by local index within the worker's
// partition) to a downloader.
type workUnit struct {
	index int
	paths []string
}

// downloadResult is one message on a worker's ready channel: an item index
// whose files are in place, a fatal error, or a downloader shutdown sentinel.
type downloadResult struct {
	index    int
	sentinel bool
	err      error
}

// downloader pulls work units from its own channel and fetches the raw files
// of each assigned item into the shared staging directory, signaling
// readiness on the shared ready channel. Closing the work channel shuts it
// down; it emits exactly one sentinel on exit.
type downloader struct {
	ctx          context.Context
	root         string
	remoteRoot   string
	cacheDataDir string
	store        storage.ObjectStore
	sem          *xsync.Semaphore // Caps in-flight downloads across all workers; may be nil.
	work         <-chan workUnit
	ready        chan<- downloadResult
	kill         *xsync.Latch
}

func (d *downloader) run() {
	defer func() {
		d.ready <- downloadResult{sentinel: true}
	}()
	for unit := range d.work {
		if d.kill.Test() {
			return
		}
		if err := d.fetch(unit); err != nil {
			d.ready <- downloadResult{index: unit.index, err: err}
			return
		}
		d.ready <- downloadResult{index: unit.index}
	}
}

// fetch makes every file of the work unit available under the staging
// directory.
func (d *downloader) fetch(unit workUnit) error {
	// Fast path: all files were already staged, typically by a previous
	// interrupted run. No remote access in that case.
	staged := true
	for _, path := range unit.paths {
		if !fsutil.FileExists(d.stagedPath(path)) {
			staged = false
			break
		}
	}
	if staged {
		klog.V(2).Infof("item %d: all %d files already staged", unit.index, len(unit.paths))
		return nil
	}

	for _, path := range unit.paths {
		if d.remoteRoot == "" {
			// No remote: the dataset lives on this filesystem, stage a copy.
			if err := d.copyLocal(path, d.stagedPath(path)); err != nil {
				return err
			}
			continue
		}
		remotePath := strings.Replace(path, d.root, d.remoteRoot, 1)
		bucket, key, err := storage.ParseURL(remotePath)
		if err != nil {
			return err
		}
		if err = d.download(bucket, key, d.stagedPath(path)); err != nil {
			return err
		}
	}
	return nil
}

func (d *downloader) copyLocal(srcPath, dstPath string) error {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create staging directory for %q", dstPath)
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return errors.Wrapf(err, "failed opening %q for staging", srcPath)
	}
	defer func() {
		_ = src.Close()
	}()
	dst, err := os.Create(dstPath)
	if err != nil {
		return errors.Wrapf(err, "failed creating staged file %q", dstPath)
	}
	if _, err = io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return errors.Wrapf(err, "failed staging %q to %q", srcPath, dstPath)
	}
	if err = dst.Close(); err != nil {
		return errors.Wrapf(err, "failed closing staged file %q", dstPath)
	}
	return nil
}

func (d *downloader) download(bucket, key, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create staging directory for %q", localPath)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return errors.Wrapf(err, "failed creating staged file %q", localPath)
	}
	if d.sem != nil {
		d.sem.Acquire()
		defer d.sem.Release()
	}
	if err = d.store.Download(d.ctx, bucket, key, f); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed closing staged file %q", localPath)
	}
	return nil
}

// stagedPath maps a root-relative dataset path to its staging location.
func (d *downloader) stagedPath(path string) string {
	return strings.Replace(path, d.root, d.cacheDataDir, 1)
}
