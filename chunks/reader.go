package chunks

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/datapress/datapress/fsutil"
	"github.com/datapress/datapress/tree"
)

// ReadIndex parses the index.json of a chunk cache directory.
func ReadIndex(dir string) (*Index, error) {
	data, err := os.ReadFile(filepath.Join(dir, IndexFileName))
	if err != nil {
		return nil, errors.Wrapf(err, "failed reading chunk index in %q", dir)
	}
	index := &Index{}
	if err = json.Unmarshal(data, index); err != nil {
		return nil, errors.Wrapf(err, "failed parsing chunk index in %q", dir)
	}
	return index, nil
}

// Reader reads items back from a sealed chunk cache directory.
type Reader struct {
	dir     string
	index   *Index
	decoder *zstd.Decoder

	// Item index -> position in Index.Chunks.
	chunkOf map[int]int
}

// NewReader opens the chunk cache under dir.
func NewReader(dir string) (*Reader, error) {
	index, err := ReadIndex(dir)
	if err != nil {
		return nil, err
	}
	r := &Reader{dir: dir, index: index, chunkOf: make(map[int]int, index.NumItems)}
	for chunkPos, meta := range index.Chunks {
		for _, itemIndex := range meta.Indexes {
			r.chunkOf[itemIndex] = chunkPos
		}
	}
	return r, nil
}

// Index returns the parsed index of the cache.
func (r *Reader) Index() *Index { return r.index }

// NumItems returns the total number of items in the cache.
func (r *Reader) NumItems() int { return r.index.NumItems }

// Item reads back the item stored under the given index.
func (r *Reader) Item(index int) (*tree.Node, error) {
	chunkPos, ok := r.chunkOf[index]
	if !ok {
		return nil, errors.Errorf("no item with index %d in chunk cache %q", index, r.dir)
	}
	items, err := r.ReadChunk(r.index.Chunks[chunkPos])
	if err != nil {
		return nil, err
	}
	for i, itemIndex := range r.index.Chunks[chunkPos].Indexes {
		if itemIndex == index {
			return items[i], nil
		}
	}
	return nil, errors.Errorf("chunk %q does not hold item %d as indexed", r.index.Chunks[chunkPos].Filename, index)
}

// ReadChunk decodes one chunk file and returns its items in storage order,
// aligned with meta.Indexes.
//
// The file is checked against the sha256 recorded at seal time; a corrupted
// chunk is removed and reported as an error.
func (r *Reader) ReadChunk(meta ChunkMeta) ([]*tree.Node, error) {
	path := filepath.Join(r.dir, meta.Filename)
	if meta.Checksum != "" {
		if err := fsutil.ValidateChecksum(path, meta.Checksum); err != nil {
			return nil, err
		}
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed reading chunk %q", meta.Filename)
	}
	if r.index.Config.Compression != "" {
		if r.index.Config.Compression != CompressionZstd {
			return nil, errors.Errorf("chunk cache %q uses unsupported compression %q", r.dir, r.index.Config.Compression)
		}
		if r.decoder == nil {
			r.decoder, err = zstd.NewReader(nil)
			if err != nil {
				return nil, errors.Wrap(err, "failed to create zstd decoder")
			}
		}
		payload, err = r.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, errors.Wrapf(err, "failed decompressing chunk %q", meta.Filename)
		}
	}
	if len(payload) < len(chunkMagic)+4 || !bytes.Equal(payload[:len(chunkMagic)], chunkMagic) {
		return nil, errors.Errorf("chunk %q is not a valid chunk file", meta.Filename)
	}
	payload = payload[len(chunkMagic):]
	numItems := int(binary.BigEndian.Uint32(payload))
	payload = payload[4:]
	if numItems != meta.NumItems {
		return nil, errors.Errorf("chunk %q holds %d items, index says %d", meta.Filename, numItems, meta.NumItems)
	}
	const entrySize = 8 + 4
	if len(payload) < numItems*entrySize {
		return nil, errors.Errorf("chunk %q truncated in item table", meta.Filename)
	}
	lengths := make([]int, numItems)
	for i := 0; i < numItems; i++ {
		entry := payload[i*entrySize:]
		itemIndex := int(binary.BigEndian.Uint64(entry))
		if itemIndex != meta.Indexes[i] {
			return nil, errors.Errorf("chunk %q item %d has index %d, index file says %d",
				meta.Filename, i, itemIndex, meta.Indexes[i])
		}
		lengths[i] = int(binary.BigEndian.Uint32(entry[8:]))
	}
	payload = payload[numItems*entrySize:]
	items := make([]*tree.Node, numItems)
	for i, size := range lengths {
		if len(payload) < size {
			return nil, errors.Errorf("chunk %q truncated in item %d", meta.Filename, i)
		}
		var err error
		items[i], err = UnmarshalItem(payload[:size])
		if err != nil {
			return nil, errors.Wrapf(err, "chunk %q item %d", meta.Filename, i)
		}
		payload = payload[size:]
	}
	return items, nil
}
