// datapress prepares a dataset directory into the chunked binary cache
// format: it walks the root, treats every file as one item, optionally
// fetching it from the matching location under an s3:// remote root, and
// writes the items into per-worker chunk caches.
//
// Typical use on a 2-node job:
//
//	NUM_NODES=2 NODE_RANK=0 datapress -root /data/imagenet \
//	    -remote_root s3://my-bucket/imagenet -workers 16 -chunk_bytes 64MiB
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/datapress/datapress/chunks"
	"github.com/datapress/datapress/processor"
	"github.com/datapress/datapress/tree"
)

var (
	flagRoot        = flag.String("root", "", "Dataset root directory. Required.")
	flagRemoteRoot  = flag.String("remote_root", "", "s3:// URL mirroring the root; leave empty for a purely local dataset.")
	flagCacheRoot   = flag.String("cache_root", processor.DefaultCacheRoot, "Directory holding the per-dataset caches.")
	flagWorkers     = flag.Int("workers", runtime.NumCPU(), "Number of workers on this node.")
	flagDownloaders = flag.Int("downloaders", 2, "Number of downloaders per worker.")
	flagChunkSize   = flag.Int("chunk_size", 0, "Max items per chunk; 0 disables the item-count bound.")
	flagChunkBytes  = flag.String("chunk_bytes", "64MiB", "Max serialized bytes per chunk, e.g. \"64MiB\".")
	flagCompression = flag.String("compression", "", "Chunk compression; \"zstd\" or empty.")
	flagKeep        = flag.Bool("keep_staged", false, "Keep staged raw files instead of deleting them after chunking.")
	flagPolling     = flag.Bool("polling", false, "Use the polled worker backend instead of streaming progress updates.")
	flagMaxParallel = flag.Int("max_parallel_downloads", 0, "Cap on in-flight downloads across all workers; 0 for no cap.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagRoot == "" {
		fmt.Fprintln(os.Stderr, "missing required -root flag")
		flag.Usage()
		os.Exit(2)
	}
	chunkBytes := must.M1(humanize.ParseBytes(*flagChunkBytes))

	// One item per dataset file.
	setup := func(root string, filepaths []string) ([]*tree.Node, error) {
		items := make([]*tree.Node, len(filepaths))
		for i, fp := range filepaths {
			items[i] = tree.Map(map[string]*tree.Node{
				"path": tree.String(fp),
			})
		}
		return items, nil
	}

	p := processor.New(setup).
		WithNumWorkers(*flagWorkers).
		WithNumDownloaders(*flagDownloaders).
		WithChunkSize(*flagChunkSize).
		WithChunkBytes(int64(chunkBytes)).
		WithCompression(*flagCompression).
		WithRemove(!*flagKeep).
		WithCacheRoot(*flagCacheRoot).
		WithMaxParallelDownloads(*flagMaxParallel)
	if *flagPolling {
		p.WithWorkerMode(processor.WorkerModePolling)
	}
	if *flagCompression != "" && *flagCompression != chunks.CompressionZstd {
		klog.Exitf("unsupported -compression %q, only %q is available", *flagCompression, chunks.CompressionZstd)
	}

	must.M(p.Run(context.Background(), *flagRoot, *flagRemoteRoot))
}
