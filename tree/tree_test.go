package tree

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleItem() *Node {
	return Map(map[string]*Node{
		"image": String("/data/imagenet/n01440764/img_0.jpg"),
		"label": Int(0),
		"meta": List(
			Float(0.5),
			Bool(true),
			Nil(),
			Bytes([]byte{1, 2, 3}),
		),
	})
}

func TestFlattenUnflatten(t *testing.T) {
	item := sampleItem()
	leaves, spec := Flatten(item)
	require.Len(t, leaves, 6)

	rebuilt, err := Unflatten(leaves, spec)
	require.NoError(t, err)
	require.True(t, Equal(item, rebuilt), "expected rebuilt tree to equal the original")

	// Leaves can be substituted as long as the count matches.
	leaves[0] = String("elsewhere")
	changed, err := Unflatten(leaves, spec)
	require.NoError(t, err)
	require.False(t, Equal(item, changed))

	_, err = Unflatten(leaves[:3], spec)
	require.Error(t, err, "expected too few leaves to fail")
}

func TestMapKeyOrderIndependence(t *testing.T) {
	a := Map(map[string]*Node{"x": Int(1), "y": Int(2), "z": Int(3)})
	b := Map(map[string]*Node{"z": Int(3), "x": Int(1), "y": Int(2)})
	require.True(t, Equal(a, b))
	require.Equal(t, "x", a.Key(0))
	require.Equal(t, int64(2), a.Get("y").IntValue())
	require.Nil(t, a.Get("missing"))
}

func TestExtractPaths(t *testing.T) {
	const root = "/data/imagenet"
	item := Map(map[string]*Node{
		"image": String(root + "/n01440764/img_0.jpg"),
		"mask":  String(root + "/n01440764/mask_0.png"),
		"name":  String("img_0"), // Not a path: no root prefix.
		"label": Int(0),
	})
	rewrite := func(p string) string {
		return strings.Replace(p, root, "/cache/abc/data", 1)
	}
	rewritten, paths := ExtractPaths(item, root, rewrite)
	require.Equal(t, []string{
		root + "/n01440764/img_0.jpg",
		root + "/n01440764/mask_0.png",
	}, paths)
	require.Equal(t, "/cache/abc/data/n01440764/img_0.jpg", rewritten.Get("image").StringValue())
	require.Equal(t, "/cache/abc/data/n01440764/mask_0.png", rewritten.Get("mask").StringValue())
	require.Equal(t, "img_0", rewritten.Get("name").StringValue())
	// The original item is untouched.
	require.Equal(t, root+"/n01440764/img_0.jpg", item.Get("image").StringValue())
}

func TestExtractPathsNoPaths(t *testing.T) {
	item := List(Int(1), String("relative/path.jpg"))
	_, paths := ExtractPaths(item, "/data/imagenet", nil)
	require.Empty(t, paths)
}
