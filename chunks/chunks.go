// Package chunks implements the on-disk chunked cache the data preparation
// pipeline writes into: serialized items accumulate into bounded-size binary
// chunk files, each sealed atomically (written to a temporary name, then
// renamed), with an index.json mapping item index to chunk file.
//
// A chunk is only appended to until it is sealed; sealed chunks are never
// rewritten. Interrupting a run can leave at most a temporary file behind,
// never a partial chunk under its final name.
package chunks

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/datapress/datapress/tree"
)

// DefaultChunkBytes is the chunk byte bound used when none is configured.
const DefaultChunkBytes = 1 << 26 // 64 MiB

// CompressionZstd enables zstd compression of sealed chunk payloads.
const CompressionZstd = "zstd"

// IndexFileName is the name of the index file written next to the chunks.
const IndexFileName = "index.json"

// chunkMagic prefixes every chunk payload, followed by the format version.
var chunkMagic = []byte{'D', 'P', 'C', 1}

// ChunkMeta is one entry of the index: a sealed chunk file and the item
// indices it holds, in storage order.
type ChunkMeta struct {
	Filename string `json:"filename"`
	NumItems int    `json:"num_items"`
	Bytes    int64  `json:"bytes"`    // Serialized item bytes, before compression.
	Checksum string `json:"checksum"` // Hex sha256 of the chunk file as written.
	Indexes  []int  `json:"indexes"`
}

// IndexConfig records the writer configuration the chunks were produced with.
type IndexConfig struct {
	ChunkSize   int    `json:"chunk_size"`
	ChunkBytes  int64  `json:"chunk_bytes"`
	Compression string `json:"compression"`
	Rank        int    `json:"rank"`
}

// Index is the parsed content of index.json.
type Index struct {
	Config   IndexConfig `json:"config"`
	Chunks   []ChunkMeta `json:"chunks"`
	NumItems int         `json:"num_items"`
}

type pendingItem struct {
	index int
	data  []byte
}

// Writer accumulates items into chunks under one directory.
//
// Items are stored under an explicit index: arrival order decides which chunk
// an item lands in, the recorded index keeps reads deterministic regardless.
// Writer is not safe for concurrent use; in the pipeline each worker owns
// exactly one.
type Writer struct {
	dir         string
	rank        int
	chunkSize   int
	chunkBytes  int64
	compression string

	pending      []pendingItem
	pendingBytes int64
	seq          int
	index        Index
	encoder      *zstd.Encoder
	done         bool
}

// NewWriter creates a Writer storing chunks under dir, which must exist.
//
// Without further configuration chunks are bounded by DefaultChunkBytes only.
func NewWriter(dir string) *Writer {
	return &Writer{
		dir:        dir,
		chunkBytes: DefaultChunkBytes,
	}
}

// WithRank sets the worker rank embedded in chunk file names
// ("chunk-<rank>-<seq>.bin"), so concurrent writers on the same dataset never
// produce colliding names. Default is 0.
func (w *Writer) WithRank(rank int) *Writer {
	w.rank = rank
	return w
}

// WithChunkSize bounds the number of items per chunk. Zero (the default)
// means no item-count bound.
func (w *Writer) WithChunkSize(n int) *Writer {
	w.chunkSize = n
	return w
}

// WithChunkBytes bounds the serialized bytes per chunk. Zero disables the
// byte bound.
func (w *Writer) WithChunkBytes(n int64) *Writer {
	w.chunkBytes = n
	return w
}

// WithCompression sets the chunk payload compression. The only supported
// value is CompressionZstd; empty disables compression.
func (w *Writer) WithCompression(name string) *Writer {
	w.compression = name
	return w
}

// Store serializes the item and schedules it for the current chunk, sealing
// chunks as the configured bounds are reached.
func (w *Writer) Store(index int, item *tree.Node) error {
	if w.done {
		return errors.New("chunks.Writer: Store after Done")
	}
	data := MarshalItem(item)
	if w.chunkBytes > 0 && len(w.pending) > 0 && w.pendingBytes+int64(len(data)) > w.chunkBytes {
		if err := w.seal(); err != nil {
			return err
		}
	}
	w.pending = append(w.pending, pendingItem{index: index, data: data})
	w.pendingBytes += int64(len(data))
	w.index.NumItems++
	if w.chunkSize > 0 && len(w.pending) >= w.chunkSize {
		return w.seal()
	}
	if w.chunkBytes > 0 && w.pendingBytes >= w.chunkBytes {
		return w.seal()
	}
	return nil
}

// Done seals the tail chunk and writes index.json. The Writer cannot be used
// afterwards.
func (w *Writer) Done() error {
	if w.done {
		return nil
	}
	if len(w.pending) > 0 {
		if err := w.seal(); err != nil {
			return err
		}
	}
	w.done = true
	w.index.Config = IndexConfig{
		ChunkSize:   w.chunkSize,
		ChunkBytes:  w.chunkBytes,
		Compression: w.compression,
		Rank:        w.rank,
	}
	data, err := json.MarshalIndent(&w.index, "", " ")
	if err != nil {
		return errors.Wrap(err, "failed to encode chunk index")
	}
	if err = w.writeAtomic(IndexFileName, data); err != nil {
		return err
	}
	klog.V(1).Infof("chunk cache %s: %d items in %d chunks", w.dir, w.index.NumItems, len(w.index.Chunks))
	return nil
}

// seal writes the pending items as one chunk file.
func (w *Writer) seal() error {
	meta := ChunkMeta{
		Filename: fmt.Sprintf("chunk-%d-%d.bin", w.rank, w.seq),
		NumItems: len(w.pending),
		Bytes:    w.pendingBytes,
		Indexes:  make([]int, 0, len(w.pending)),
	}

	// Payload: magic, item count, per-item (index, length) table, then data.
	payload := append([]byte{}, chunkMagic...)
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(w.pending)))
	for _, it := range w.pending {
		payload = binary.BigEndian.AppendUint64(payload, uint64(it.index))
		payload = binary.BigEndian.AppendUint32(payload, uint32(len(it.data)))
		meta.Indexes = append(meta.Indexes, it.index)
	}
	for _, it := range w.pending {
		payload = append(payload, it.data...)
	}

	if w.compression != "" {
		var err error
		payload, err = w.compress(payload)
		if err != nil {
			return err
		}
	}
	sum := sha256.Sum256(payload)
	meta.Checksum = hex.EncodeToString(sum[:])
	if err := w.writeAtomic(meta.Filename, payload); err != nil {
		return err
	}
	klog.V(2).Infof("sealed %s: %d items, %s", meta.Filename, meta.NumItems, humanize.IBytes(uint64(meta.Bytes)))

	w.index.Chunks = append(w.index.Chunks, meta)
	w.seq++
	w.pending = w.pending[:0]
	w.pendingBytes = 0
	return nil
}

func (w *Writer) compress(payload []byte) ([]byte, error) {
	if w.compression != CompressionZstd {
		return nil, errors.Errorf("unsupported chunk compression %q, only %q is available",
			w.compression, CompressionZstd)
	}
	if w.encoder == nil {
		var err error
		w.encoder, err = zstd.NewWriter(nil)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create zstd encoder")
		}
	}
	return w.encoder.EncodeAll(payload, nil), nil
}

// writeAtomic writes data to a temporary file in the cache dir and renames it
// into place.
func (w *Writer) writeAtomic(filename string, data []byte) error {
	tmp := filepath.Join(w.dir, ".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed writing temporary chunk file for %q", filename)
	}
	final := filepath.Join(w.dir, filename)
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "failed sealing %q", final)
	}
	return nil
}
