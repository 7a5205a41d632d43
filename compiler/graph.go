package compiler

import (
	"github.com/esaurez/pbrt-v3/types"
)

// edge is one possible ray movement between nodes, weighted by the modeled
// probability of a ray taking it.
type edge struct {
	src, dst uint64
	weight   float32
}

type edgeSpan struct {
	start, count int
}

// traversalGraph is the frozen model of expected ray movement over the
// node set for one ray direction class: a flat edge list with per-node
// outgoing spans, per-node incoming probability mass and the depth-first
// node order the builders visit.
type traversalGraph struct {
	edges        []edge
	depthFirst   []uint64
	outgoing     []edgeSpan
	incomingProb []float32
}

func newTraversalGraph(nodeCount int) traversalGraph {
	return traversalGraph{
		depthFirst:   make([]uint64, 0, nodeCount),
		outgoing:     make([]edgeSpan, nodeCount),
		incomingProb: make([]float32, nodeCount),
	}
}

// addEdge appends an edge. All edges of one source are added consecutively,
// keeping the outgoing span contiguous.
func (g *traversalGraph) addEdge(src, dst uint64, prob float32) {
	g.edges = append(g.edges, edge{src: src, dst: dst, weight: prob})
	if g.outgoing[src].count == 0 {
		g.outgoing[src].start = len(g.edges) - 1
	}
	g.outgoing[src].count++
	g.incomingProb[dst] += prob
}

func (g *traversalGraph) outgoingEdges(node uint64) []edge {
	s := g.outgoing[node]
	return g.edges[s.start : s.start+s.count]
}

// createTraversalGraph models traversal for rays of the given direction
// class.
func (b *TreeletBVH) createTraversalGraph(rayDir types.Vec3) traversalGraph {
	var g traversalGraph
	switch b.cfg.Traversal {
	case TraversalCheckSend:
		g = b.createTraversalGraphCheckSend(rayDir)
	default:
		g = b.createTraversalGraphSendCheck(rayDir)
	}
	logger.Debugf("traversal graph: %d verts, %d edges", len(g.depthFirst), len(g.edges))
	return g
}

// createTraversalGraphSendCheck walks the BVH in traversal order and, at
// each node, splits the incoming probability between the hit successor
// (weighted by relative surface area) and the miss successor (the pending
// stack top). A leaf whose last primitive is a non-copyable instance has no
// edge to its miss successor: the ray leaves through the instance, so the
// successor is credited the probability mass directly.
func (b *TreeletBVH) createTraversalGraphSendCheck(rayDir types.Vec3) traversalGraph {
	g := newTraversalGraph(len(b.nodes))

	dirIsNeg := [3]bool{rayDir[0] < 0, rayDir[1] < 0, rayDir[2] < 0}

	traversalStack := make([]uint64, 1, 64)
	traversalStack[0] = 0

	g.incomingProb[0] = 1.0
	for len(traversalStack) > 0 {
		curIdx := traversalStack[len(traversalStack)-1]
		traversalStack = traversalStack[:len(traversalStack)-1]
		g.depthFirst = append(g.depthFirst, curIdx)

		node := &b.nodes[curIdx]
		curProb := g.incomingProb[curIdx]

		var nextMiss uint64
		if len(traversalStack) > 0 {
			nextMiss = traversalStack[len(traversalStack)-1]
		}

		switch {
		case !node.IsLeaf():
			if dirIsNeg[node.Axis] {
				traversalStack = append(traversalStack, curIdx+1)
				traversalStack = append(traversalStack, uint64(node.SecondChildOffset))
			} else {
				traversalStack = append(traversalStack, uint64(node.SecondChildOffset))
				traversalStack = append(traversalStack, curIdx+1)
			}

			nextHit := traversalStack[len(traversalStack)-1]

			if nextMiss == 0 {
				// Guaranteed move down in the BVH
				g.addEdge(curIdx, nextHit, curProb)
			} else {
				curSA := node.Bounds.SurfaceArea()
				nextSA := b.nodes[nextHit].Bounds.SurfaceArea()

				condHitProb := nextSA / curSA
				condMissProb := 1 - condHitProb

				g.addEdge(curIdx, nextHit, curProb*condHitProb)
				g.addEdge(curIdx, nextMiss, curProb*condMissProb)
			}
		case nextMiss != 0:
			// Leaf node, guaranteed move up in the BVH
			if b.leafEndsInNonCopyableInstance(node) {
				g.incomingProb[nextMiss] += curProb
			} else {
				g.addEdge(curIdx, nextMiss, curProb)
			}
		default:
			// Termination point for all traversal paths
		}
	}

	return g
}

// createTraversalGraphCheckSend distributes each node's probability over
// the whole pending stack: entry i is reached only if every entry above it
// missed, with a conditional hit probability of its surface area relative
// to its parent's. runningProb saturates at zero when a conditional hit
// probability reaches one; the remaining edges still get (zero-weight)
// entries so downstream consumers see a complete successor set.
func (b *TreeletBVH) createTraversalGraphCheckSend(rayDir types.Vec3) traversalGraph {
	g := newTraversalGraph(len(b.nodes))

	dirIsNeg := [3]bool{rayDir[0] < 0, rayDir[1] < 0, rayDir[2] < 0}

	traversalStack := make([]uint64, 1, 64)
	traversalStack[0] = 0

	g.incomingProb[0] = 1.0
	for len(traversalStack) > 0 {
		curIdx := traversalStack[len(traversalStack)-1]
		traversalStack = traversalStack[:len(traversalStack)-1]
		g.depthFirst = append(g.depthFirst, curIdx)

		node := &b.nodes[curIdx]
		curProb := g.incomingProb[curIdx]

		if !node.IsLeaf() {
			if dirIsNeg[node.Axis] {
				traversalStack = append(traversalStack, curIdx+1)
				traversalStack = append(traversalStack, uint64(node.SecondChildOffset))
			} else {
				traversalStack = append(traversalStack, uint64(node.SecondChildOffset))
				traversalStack = append(traversalStack, curIdx+1)
			}
		}

		skipEdge := b.leafEndsInNonCopyableInstance(node)

		runningProb := float32(1.0)
		for i := len(traversalStack) - 1; i >= 0; i-- {
			nextNode := traversalStack[i]
			nextSA := b.nodes[nextNode].Bounds.SurfaceArea()
			parentSA := b.nodes[b.nodeParents[nextNode]].Bounds.SurfaceArea()

			condHitProb := nextSA / parentSA
			pathProb := curProb * runningProb * condHitProb

			if skipEdge {
				g.incomingProb[nextNode] += pathProb
			} else {
				g.addEdge(curIdx, nextNode, pathProb)
			}
			// Saturates at zero when condHitProb hits one; later entries
			// still get edges so every reachable successor is represented.
			runningProb *= 1 - condHitProb
			if runningProb < 0 {
				runningProb = 0
			}
		}
	}

	return g
}
