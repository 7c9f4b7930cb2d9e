package chunks

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/datapress/datapress/tree"
)

// Binary item encoding: one tag byte per node, big-endian fixed-width sizes.
//
//	Nil           tag
//	Bool          tag, value byte
//	Int           tag, int64
//	Float         tag, IEEE-754 float64
//	String/Bytes  tag, uint32 length, raw bytes
//	List          tag, uint32 count, children
//	Map           tag, uint32 count, (uint32 key length, key, child)*

// MarshalItem serializes an item tree.
func MarshalItem(item *tree.Node) []byte {
	return appendNode(nil, item)
}

func appendNode(buf []byte, n *tree.Node) []byte {
	buf = append(buf, byte(n.Kind()))
	switch n.Kind() {
	case tree.KindNil:
	case tree.KindBool:
		if n.BoolValue() {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case tree.KindInt:
		buf = binary.BigEndian.AppendUint64(buf, uint64(n.IntValue()))
	case tree.KindFloat:
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(n.FloatValue()))
	case tree.KindString:
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(n.StringValue())))
		buf = append(buf, n.StringValue()...)
	case tree.KindBytes:
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(n.BytesValue())))
		buf = append(buf, n.BytesValue()...)
	case tree.KindList:
		buf = binary.BigEndian.AppendUint32(buf, uint32(n.Len()))
		for i := 0; i < n.Len(); i++ {
			buf = appendNode(buf, n.At(i))
		}
	case tree.KindMap:
		buf = binary.BigEndian.AppendUint32(buf, uint32(n.Len()))
		for i := 0; i < n.Len(); i++ {
			key := n.Key(i)
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(key)))
			buf = append(buf, key...)
			buf = appendNode(buf, n.At(i))
		}
	}
	return buf
}

// UnmarshalItem deserializes an item tree produced by MarshalItem.
func UnmarshalItem(data []byte) (*tree.Node, error) {
	n, rest, err := readNode(data)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, errors.Errorf("item has %d trailing bytes", len(rest))
	}
	return n, nil
}

func readNode(data []byte) (*tree.Node, []byte, error) {
	if len(data) < 1 {
		return nil, nil, errors.New("truncated item: missing tag")
	}
	kind := tree.Kind(data[0])
	data = data[1:]
	switch kind {
	case tree.KindNil:
		return tree.Nil(), data, nil
	case tree.KindBool:
		if len(data) < 1 {
			return nil, nil, errors.New("truncated bool leaf")
		}
		return tree.Bool(data[0] != 0), data[1:], nil
	case tree.KindInt:
		if len(data) < 8 {
			return nil, nil, errors.New("truncated int leaf")
		}
		return tree.Int(int64(binary.BigEndian.Uint64(data))), data[8:], nil
	case tree.KindFloat:
		if len(data) < 8 {
			return nil, nil, errors.New("truncated float leaf")
		}
		return tree.Float(math.Float64frombits(binary.BigEndian.Uint64(data))), data[8:], nil
	case tree.KindString, tree.KindBytes:
		raw, rest, err := readSized(data)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "%s leaf", kind)
		}
		if kind == tree.KindString {
			return tree.String(string(raw)), rest, nil
		}
		blob := make([]byte, len(raw))
		copy(blob, raw)
		return tree.Bytes(blob), rest, nil
	case tree.KindList:
		if len(data) < 4 {
			return nil, nil, errors.New("truncated list header")
		}
		count := int(binary.BigEndian.Uint32(data))
		data = data[4:]
		children := make([]*tree.Node, count)
		var err error
		for i := range children {
			children[i], data, err = readNode(data)
			if err != nil {
				return nil, nil, err
			}
		}
		return tree.List(children...), data, nil
	case tree.KindMap:
		if len(data) < 4 {
			return nil, nil, errors.New("truncated map header")
		}
		count := int(binary.BigEndian.Uint32(data))
		data = data[4:]
		entries := make(map[string]*tree.Node, count)
		for i := 0; i < count; i++ {
			var key []byte
			var err error
			key, data, err = readSized(data)
			if err != nil {
				return nil, nil, errors.Wrap(err, "map key")
			}
			entries[string(key)], data, err = readNode(data)
			if err != nil {
				return nil, nil, err
			}
		}
		return tree.Map(entries), data, nil
	}
	return nil, nil, errors.Errorf("unknown node tag %d", kind)
}

func readSized(data []byte) (raw, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, errors.New("truncated length prefix")
	}
	size := int(binary.BigEndian.Uint32(data))
	data = data[4:]
	if len(data) < size {
		return nil, nil, errors.Errorf("truncated payload: want %d bytes, have %d", size, len(data))
	}
	return data[:size], data[size:], nil
}
