package compiler

import (
	"math"
	"sort"
	"time"

	"github.com/esaurez/pbrt-v3/types"
)

type Axis uint8

const (
	XAxis Axis = iota
	YAxis
	ZAxis

	// The BVH builder will not attempt to calculate split candidates
	// if the node bbox along an axis is less than this threshold.
	minSideLength float32 = 1e-3

	// If the split step (calculated as side length / (1024 * depth+1))
	// is less than this threshold the BVH builder will not evaluate
	// split candidates.
	minSplitStep float32 = 1e-5
)

var (
	// A split scoring strategy that uses the surface area heuristic (SAH).
	SurfaceAreaHeuristic = surfaceAreaHeuristic{}
)

// SourceNode is one node of the builder's linear BVH layout: the left child
// of an interior node is always the next node in the array, the right child
// sits at SecondChildOffset. Leaves have PrimitiveCount > 0.
type SourceNode struct {
	Bounds            types.Bounds3
	Axis              Axis
	SecondChildOffset uint32
	PrimitiveOffset   uint32
	PrimitiveCount    uint32
}

// IsLeaf reports whether the node references primitives directly.
func (n *SourceNode) IsLeaf() bool { return n.PrimitiveCount > 0 }

// The BoundedVolume interface is implemented by everything the builder can
// partition.
type BoundedVolume interface {
	BBox() [2]types.Vec3
	Center() types.Vec3
}

// A callback that is called whenever the builder creates a new leaf.
type LeafCallback func(leaf *SourceNode, itemList []BoundedVolume)

// A split scoring strategy.
type ScoreStrategy interface {
	// Calculate a score for splitting workList at splitPoint along a particular Axis.
	ScoreSplit(workList []BoundedVolume, splitAxis Axis, splitPoint float32) (leftCount, rightCount int, score float32)

	// Calculate a score for all items in workList.
	ScorePartition(workList []BoundedVolume) (score float32)
}

type splitScore struct {
	axis       Axis
	splitPoint float32

	leftCount, rightCount int
	score                 float32
}

type buildStats struct {
	partitionedItems int
	totalItems       int
	nodes            int
	leafs            int
	maxDepth         int
}

type builder struct {
	nodes []SourceNode

	leafCb LeafCallback

	// The minimum number of items that are required for creating a leaf.
	minLeafItems int

	split SplitMethod

	// A channel for receiving score results.
	scoreChan chan splitScore

	scoreStrategy ScoreStrategy

	stats buildStats
}

// BuildLinearBVH constructs a linear BVH from a set of bounded volumes.
//
// The minLeafItems param specifies the minimum number of items that can form
// a leaf; the builder automatically generates leafs when the incoming work
// list length is <= minLeafItems.
func BuildLinearBVH(workList []BoundedVolume, minLeafItems int, split SplitMethod, leafCb LeafCallback, scoreStrategy ScoreStrategy) []SourceNode {
	b := &builder{
		nodes:         make([]SourceNode, 0),
		leafCb:        leafCb,
		minLeafItems:  minLeafItems,
		split:         split,
		scoreChan:     make(chan splitScore, 0),
		scoreStrategy: scoreStrategy,
		stats: buildStats{
			totalItems: len(workList),
		},
	}

	start := time.Now()
	b.partition(workList, 0)
	logger.Debugf(
		"BVH tree build time: %d ms, maxDepth: %d, nodes: %d, leafs: %d",
		time.Since(start).Nanoseconds()/1e6,
		b.stats.maxDepth, b.stats.nodes, b.stats.leafs,
	)
	return b.nodes
}

// Partition workList and return the node index.
func (b *builder) partition(workList []BoundedVolume, depth int) uint32 {
	if depth > b.stats.maxDepth {
		b.stats.maxDepth = depth
	}

	node := SourceNode{Bounds: types.EmptyBounds()}
	for _, item := range workList {
		itemBBox := item.BBox()
		node.Bounds.Min = types.MinVec3(node.Bounds.Min, itemBBox[0])
		node.Bounds.Max = types.MaxVec3(node.Bounds.Max, itemBBox[1])
	}

	// Do we have enough items for partitioning? If not create a leaf
	if len(workList) <= b.minLeafItems {
		return b.createLeaf(&node, workList)
	}

	var leftWorkList, rightWorkList []BoundedVolume
	var splitAxis Axis
	switch b.split {
	case SplitMiddle:
		leftWorkList, rightWorkList, splitAxis = b.splitMiddle(&node, workList)
	case SplitEqualCounts:
		leftWorkList, rightWorkList, splitAxis = b.splitEqualCounts(&node, workList)
	default:
		leftWorkList, rightWorkList, splitAxis = b.splitSAH(&node, workList, depth)
	}

	// No split improved on keeping the work list together
	if leftWorkList == nil {
		return b.createLeaf(&node, workList)
	}

	node.Axis = splitAxis

	// Add node to list before its children so that the left child lands at
	// nodeIndex+1
	nodeIndex := len(b.nodes)
	b.nodes = append(b.nodes, node)
	b.stats.nodes++

	b.partition(leftWorkList, depth+1)
	rightNodeIndex := b.partition(rightWorkList, depth+1)
	b.nodes[nodeIndex].SecondChildOffset = rightNodeIndex

	return uint32(nodeIndex)
}

// splitSAH scores split candidates along all three axes in parallel and
// partitions the work list by the best one. Returns nil worklists when no
// candidate beats the score of the unsplit node.
func (b *builder) splitSAH(node *SourceNode, workList []BoundedVolume, depth int) ([]BoundedVolume, []BoundedVolume, Axis) {
	var bestScore float32 = b.scoreStrategy.ScorePartition(workList)
	var bestSplit *splitScore

	pendingScores := 0

	side := node.Bounds.Diagonal()
	for axis := XAxis; axis <= ZAxis; axis++ {
		// Skip axis if bbox dimension is too small
		if side[axis] < minSideLength {
			continue
		}

		// We want the split steps to become more granular the deeper we go
		splitStep := side[axis] / (1024.0 / float32(depth+1))
		if splitStep < minSplitStep {
			continue
		}

		for splitPoint := node.Bounds.Min[axis]; splitPoint < node.Bounds.Max[axis]; splitPoint += splitStep {
			pendingScores++
			go func(axis Axis, splitPoint float32) {
				lCount, rCount, score := b.scoreStrategy.ScoreSplit(workList, axis, splitPoint)
				b.scoreChan <- splitScore{
					axis:       axis,
					splitPoint: splitPoint,

					leftCount:  lCount,
					rightCount: rCount,
					score:      score,
				}
			}(axis, splitPoint)
		}
	}

	for ; pendingScores > 0; pendingScores-- {
		candidate := <-b.scoreChan
		if candidate.score < bestScore {
			bestScore = candidate.score
			bestSplit = &candidate
		}
	}

	if bestSplit == nil {
		return nil, nil, 0
	}

	leftWorkList := make([]BoundedVolume, 0, bestSplit.leftCount)
	rightWorkList := make([]BoundedVolume, 0, bestSplit.rightCount)
	for _, item := range workList {
		if item.Center()[bestSplit.axis] < bestSplit.splitPoint {
			leftWorkList = append(leftWorkList, item)
		} else {
			rightWorkList = append(rightWorkList, item)
		}
	}
	return leftWorkList, rightWorkList, bestSplit.axis
}

// splitMiddle partitions by the bbox center along the largest axis, falling
// back to an equal-count split when one side comes out empty.
func (b *builder) splitMiddle(node *SourceNode, workList []BoundedVolume) ([]BoundedVolume, []BoundedVolume, Axis) {
	axis := largestAxis(node.Bounds)
	mid := node.Bounds.Center()[axis]

	var left, right []BoundedVolume
	for _, item := range workList {
		if item.Center()[axis] < mid {
			left = append(left, item)
		} else {
			right = append(right, item)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return b.splitEqualCounts(node, workList)
	}
	return left, right, axis
}

// splitEqualCounts splits the work list at the median center along the
// largest axis.
func (b *builder) splitEqualCounts(node *SourceNode, workList []BoundedVolume) ([]BoundedVolume, []BoundedVolume, Axis) {
	axis := largestAxis(node.Bounds)

	sorted := make([]BoundedVolume, len(workList))
	copy(sorted, workList)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Center()[axis] < sorted[j].Center()[axis]
	})

	mid := len(sorted) / 2
	return sorted[:mid], sorted[mid:], axis
}

func largestAxis(b types.Bounds3) Axis {
	d := b.Diagonal()
	axis := XAxis
	if d[1] > d[axis] {
		axis = YAxis
	}
	if d[2] > d[axis] {
		axis = ZAxis
	}
	return axis
}

// Setup the given node item as a leaf node containing all items in the work
// list and return its index in the node array.
func (b *builder) createLeaf(node *SourceNode, workList []BoundedVolume) uint32 {
	b.leafCb(node, workList)

	nodeIndex := len(b.nodes)
	b.nodes = append(b.nodes, *node)

	b.stats.leafs++
	b.stats.partitionedItems += len(workList)

	return uint32(nodeIndex)
}

// A score implementation that uses surface area heuristic for calculating split scores.
type surfaceAreaHeuristic struct{}

// Score a BVH split based on the surface area heuristic. The SAH calculates
// the split score using the formula (lower score is better):
//
// left count * left BBOX area + rightCount * right BBOX area.
//
// SAH avoids splits that generate empty partitions by assigning the worst
// possible score (MaxFloat32) when it encounters such cases.
func (h surfaceAreaHeuristic) ScoreSplit(workList []BoundedVolume, axis Axis, splitPoint float32) (leftCount, rightCount int, score float32) {
	lmin := types.Vec3{math.MaxFloat32, math.MaxFloat32, math.MaxFloat32}
	rmin := types.Vec3{math.MaxFloat32, math.MaxFloat32, math.MaxFloat32}
	lmax := types.Vec3{-math.MaxFloat32, -math.MaxFloat32, -math.MaxFloat32}
	rmax := types.Vec3{-math.MaxFloat32, -math.MaxFloat32, -math.MaxFloat32}

	leftCount = 0
	rightCount = 0
	for _, item := range workList {
		center := item.Center()
		itemBBox := item.BBox()
		if center[axis] < splitPoint {
			leftCount++
			lmin = types.MinVec3(lmin, itemBBox[0])
			lmax = types.MaxVec3(lmax, itemBBox[1])
		} else {
			rightCount++
			rmin = types.MinVec3(rmin, itemBBox[0])
			rmax = types.MaxVec3(rmax, itemBBox[1])
		}
	}

	// Make sure that we don't generate empty partitions
	if leftCount == 0 || rightCount == 0 {
		return leftCount, rightCount, math.MaxFloat32
	}

	lside := lmax.Sub(lmin)
	rside := rmax.Sub(rmin)
	score = (float32(leftCount) * (lside[0]*lside[1] + lside[1]*lside[2] + lside[0]*lside[2])) +
		(float32(rightCount) * (rside[0]*rside[1] + rside[1]*rside[2] + rside[0]*rside[2]))

	return leftCount, rightCount, score
}

// Calculate score for a partitioned workList using formula:
// count * BBOX area
//
// If the workList is empty, then this method returns the worst possible
// score (MaxFloat32).
func (h surfaceAreaHeuristic) ScorePartition(workList []BoundedVolume) (score float32) {
	if len(workList) == 0 {
		return math.MaxFloat32
	}

	min := types.Vec3{math.MaxFloat32, math.MaxFloat32, math.MaxFloat32}
	max := types.Vec3{-math.MaxFloat32, -math.MaxFloat32, -math.MaxFloat32}

	for _, item := range workList {
		itemBBox := item.BBox()
		min = types.MinVec3(min, itemBBox[0])
		max = types.MaxVec3(max, itemBBox[1])
	}

	side := max.Sub(min)
	return float32(len(workList)) * (side[0]*side[1] + side[1]*side[2] + side[0]*side[2])
}
