package compiler

import (
	"testing"

	"github.com/esaurez/pbrt-v3/types"
)

type boxVolume struct {
	min, max types.Vec3
}

func (b boxVolume) BBox() [2]types.Vec3 { return [2]types.Vec3{b.min, b.max} }
func (b boxVolume) Center() types.Vec3  { return b.min.Add(b.max).Mul(0.5) }

func TestLeafCallback(t *testing.T) {
	type primSpec struct {
		min types.Vec3
		max types.Vec3
	}

	primSpecs := []primSpec{
		{types.Vec3{-2, 0, -2}, types.Vec3{-1, 1, -1}},
		{types.Vec3{1, 0, -2}, types.Vec3{2, 1, -1}},
		{types.Vec3{-2, 0, 1}, types.Vec3{-1, 1, 2}},
		{types.Vec3{1, 0, 1}, types.Vec3{2, 1, 2}},
	}

	itemList := make([]BoundedVolume, len(primSpecs))
	for idx, ps := range primSpecs {
		itemList[idx] = boxVolume{ps.min, ps.max}
	}

	var cbCount = 0
	var expItemListCount = 0
	cb := func(leaf *SourceNode, itemList []BoundedVolume) {
		cbCount++
		if len(itemList) != expItemListCount {
			t.Fatalf("expected leaf callback to be called with %d items; got %d", expItemListCount, len(itemList))
		}
	}

	var expCount = 0

	// Partition each item in a single leaf
	cbCount = 0
	expItemListCount = 1
	treeNodes := BuildLinearBVH(itemList, 1, SplitSAH, cb, SurfaceAreaHeuristic)

	expCount = 4
	if cbCount != expCount {
		t.Fatalf("expected leaf callback to be called %d times; called %d", expCount, cbCount)
	}
	expCount = 7
	if len(treeNodes) != expCount {
		t.Fatalf("expected bvh tree to have %d nodes; got %d", expCount, len(treeNodes))
	}

	// Partition two items in a single leaf
	cbCount = 0
	expItemListCount = 2
	treeNodes = BuildLinearBVH(itemList, 2, SplitSAH, cb, SurfaceAreaHeuristic)

	expCount = 2
	if cbCount != expCount {
		t.Fatalf("expected leaf callback to be called %d times; called %d", expCount, cbCount)
	}
	expCount = 3
	if len(treeNodes) != expCount {
		t.Fatalf("expected bvh tree to have %d nodes; got %d", expCount, len(treeNodes))
	}
}

func TestLinearLayout(t *testing.T) {
	itemList := []BoundedVolume{
		boxVolume{types.Vec3{-10, -1, -1}, types.Vec3{-9, 1, 1}},
		boxVolume{types.Vec3{9, -1, -1}, types.Vec3{10, 1, 1}},
	}

	nodes := BuildLinearBVH(itemList, 1, SplitSAH, func(*SourceNode, []BoundedVolume) {}, SurfaceAreaHeuristic)
	if len(nodes) != 3 {
		t.Fatalf("expected 3 nodes; got %d", len(nodes))
	}

	root := nodes[0]
	if root.IsLeaf() {
		t.Fatalf("expected the root to be an interior node")
	}
	if root.SecondChildOffset != 2 {
		t.Fatalf("expected right child at offset 2; got %d", root.SecondChildOffset)
	}
	if !nodes[1].IsLeaf() || !nodes[2].IsLeaf() {
		t.Fatalf("expected both children to be leafs")
	}
	if nodes[1].PrimitiveCount != 1 || nodes[2].PrimitiveCount != 1 {
		t.Fatalf("expected one primitive per leaf; got %d and %d", nodes[1].PrimitiveCount, nodes[2].PrimitiveCount)
	}

	want := types.Bounds3{Min: types.Vec3{-10, -1, -1}, Max: types.Vec3{10, 1, 1}}
	if root.Bounds != want {
		t.Fatalf("expected root bounds %+v; got %+v", want, root.Bounds)
	}
	if root.Axis != XAxis {
		t.Fatalf("expected a split along x; got axis %d", root.Axis)
	}
}
