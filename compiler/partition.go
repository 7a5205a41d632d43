package compiler

import (
	"context"
	"math"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/esaurez/pbrt-v3/cloud"
)

// allocateTreelets produces the final treelet partition. The nvidia and
// mergedgraph algorithms work on one direction-independent node set; the
// rest partition per ray octant, yielding eight root treelets.
func (b *TreeletBVH) allocateTreelets() ([]*TreeletInfo, error) {
	switch b.cfg.Partition {
	case PartitionNvidia, PartitionMergedGraph:
		return b.allocateUnspecializedTreelets()
	default:
		return b.allocateDirectionalTreelets()
	}
}

func (b *TreeletBVH) allocateUnspecializedTreelets() ([]*TreeletInfo, error) {
	nodeCount := len(b.nodes)
	graph := newTraversalGraph(nodeCount)

	if b.cfg.Partition == PartitionMergedGraph {
		// Union the eight octant graphs; each edge contributes its weight
		// in both directions so the merged cut sees affinity regardless of
		// traversal order.
		mergedEdges := make([]map[uint64]float32, nodeCount)
		for i := range mergedEdges {
			mergedEdges[i] = make(map[uint64]float32)
		}
		for dirIdx := 0; dirIdx < 8; dirIdx++ {
			g := b.createTraversalGraph(cloud.ComputeRayDir(uint32(dirIdx)))
			if dirIdx == 0 {
				graph.depthFirst = g.depthFirst
			}
			for nodeIdx := 0; nodeIdx < nodeCount; nodeIdx++ {
				graph.incomingProb[nodeIdx] += g.incomingProb[nodeIdx]
				for _, e := range g.outgoingEdges(uint64(nodeIdx)) {
					mergedEdges[e.src][e.dst] += e.weight
					mergedEdges[e.dst][e.src] += e.weight
				}
			}
		}

		for nodeIdx := 0; nodeIdx < nodeCount; nodeIdx++ {
			outgoing := mergedEdges[nodeIdx]
			dsts := make([]uint64, 0, len(outgoing))
			for dst := range outgoing {
				dsts = append(dsts, dst)
			}
			sort.Slice(dsts, func(i, j int) bool { return dsts[i] < dsts[j] })

			start := len(graph.edges)
			for _, dst := range dsts {
				graph.edges = append(graph.edges, edge{src: uint64(nodeIdx), dst: dst, weight: outgoing[dst]})
			}
			graph.outgoing[nodeIdx] = edgeSpan{start: start, count: len(dsts)}
		}
	}

	assignment, err := b.computeTreelets(graph)
	if err != nil {
		return nil, err
	}
	b.treeletAllocations[0] = assignment

	intermediate, err := b.mergeDisjointTreelets(0, graph)
	if err != nil {
		return nil, err
	}

	// Root treelet (the one holding node 0) goes first.
	finalTreelets := make([]*TreeletInfo, 0, len(intermediate))
	for _, info := range intermediate {
		if info.nodes[0] == 0 {
			finalTreelets = append(finalTreelets, info)
			break
		}
	}
	if len(finalTreelets) != 1 {
		return nil, errors.New("compiler: no treelet holds the root node")
	}
	for _, info := range intermediate {
		if info != finalTreelets[0] {
			finalTreelets = append(finalTreelets, info)
		}
	}

	b.orderTreeletNodesDepthFirst(1, finalTreelets)

	if err := checkNodesExactlyOnce(1, nodeCount, finalTreelets); err != nil {
		return nil, err
	}
	return finalTreelets, nil
}

func (b *TreeletBVH) allocateDirectionalTreelets() ([]*TreeletInfo, error) {
	nodeCount := len(b.nodes)

	var intermediate [8][]*TreeletInfo
	g, _ := errgroup.WithContext(context.Background())
	for dirIdx := 0; dirIdx < 8; dirIdx++ {
		dirIdx := dirIdx
		g.Go(func() error {
			graph := b.createTraversalGraph(cloud.ComputeRayDir(uint32(dirIdx)))

			assignment, err := b.computeTreelets(graph)
			if err != nil {
				return errors.Wrapf(err, "octant %d", dirIdx)
			}
			b.treeletAllocations[dirIdx] = assignment

			if intermediate[dirIdx], err = b.mergeDisjointTreelets(dirIdx, graph); err != nil {
				return errors.Wrapf(err, "octant %d", dirIdx)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Root treelets take ids 0-7, one per octant, then the rest follow
	// contiguously.
	finalTreelets := make([]*TreeletInfo, 0)
	for dirIdx := 0; dirIdx < 8; dirIdx++ {
		found := false
		for _, info := range intermediate[dirIdx] {
			if info.nodes[0] == 0 {
				finalTreelets = append(finalTreelets, info)
				found = true
				break
			}
		}
		if !found {
			return nil, errors.Errorf("compiler: octant %d has no root treelet", dirIdx)
		}
	}
	for dirIdx := 0; dirIdx < 8; dirIdx++ {
		for _, info := range intermediate[dirIdx] {
			if info.nodes[0] != 0 {
				finalTreelets = append(finalTreelets, info)
			}
		}
	}

	b.orderTreeletNodesDepthFirst(8, finalTreelets)

	if err := checkNodesExactlyOnce(8, nodeCount, finalTreelets); err != nil {
		return nil, err
	}
	return finalTreelets, nil
}

// checkNodesExactlyOnce verifies every node lands in exactly one treelet
// per direction.
func checkNodesExactlyOnce(numDirs, nodeCount int, treelets []*TreeletInfo) error {
	counts := make([][]uint32, numDirs)
	for d := range counts {
		counts[d] = make([]uint32, nodeCount)
	}
	for _, info := range treelets {
		for _, nodeIdx := range info.nodes {
			counts[info.dirIdx][nodeIdx]++
		}
	}
	for d := range counts {
		for nodeIdx, c := range counts[d] {
			if c != 1 {
				return errors.Errorf("compiler: node %d appears in %d treelets for direction %d", nodeIdx, c, d)
			}
		}
	}
	return nil
}

// computeTreelets runs the configured partitioner and validates the result:
// every node assigned, every treelet within budget (instances counted once
// per treelet).
func (b *TreeletBVH) computeTreelets(graph traversalGraph) ([]uint32, error) {
	var assignment []uint32
	switch b.cfg.Partition {
	case PartitionNvidia:
		assignment = b.origAssignTreelets()
	default:
		assignment = b.computeTreeletsTopological(graph)
	}

	var totalBytes uint64
	sizes := make(map[uint32]uint64)
	instanceTracker := make(map[uint32]uint64)
	for nodeIdx := range b.nodes {
		treelet := assignment[nodeIdx]
		if treelet == 0 {
			return nil, errors.Errorf("compiler: node %d not assigned to any treelet", nodeIdx)
		}
		instanceTracker[treelet] |= b.nodeInstanceMasks[nodeIdx]
		sizes[treelet] += b.nodeSizes[nodeIdx]
		totalBytes += b.nodeSizes[nodeIdx]
	}
	for treelet, mask := range instanceTracker {
		instBytes := b.getInstancesBytes(mask)
		sizes[treelet] += instBytes
		totalBytes += instBytes
	}

	logger.Infof("generated %d treelets: %s total from %d nodes",
		len(sizes), humanize.IBytes(totalBytes), len(b.nodes))

	for treelet, size := range sizes {
		if size > b.cfg.MaxTreeletBytes {
			return nil, errors.Errorf("compiler: treelet %d is %s, over the %s budget",
				treelet, humanize.IBytes(size), humanize.IBytes(b.cfg.MaxTreeletBytes))
		}
	}
	return assignment, nil
}

// computeTreeletsTopological grows one treelet at a time: starting from the
// first unassigned node in depth-first order, it repeatedly pulls the
// highest-weight edge of the growing cut whose destination still fits.
// Destinations found assigned or oversized are dropped from the cut for
// good. Treelet ids are assigned from 1; 0 means unassigned.
func (b *TreeletBVH) computeTreeletsTopological(graph traversalGraph) []uint32 {
	nodeCount := len(b.nodes)
	assignment := make([]uint32, nodeCount)

	order := graph.depthFirst
	pos := 0

	curTreelet := uint32(1)
	for {
		for pos < len(order) && assignment[order[pos]] != 0 {
			pos++
		}
		if pos == len(order) {
			break
		}
		curNode := order[pos]
		pos++
		assignment[curNode] = curTreelet

		cut := make(map[uint64]float32)
		var includedInstances uint64

		// Size of the node plus any copyable instances it would newly pull
		// into the treelet.
		additionalSize := func(nodeIdx uint64) uint64 {
			node := &b.nodes[nodeIdx]
			totalSize := b.nodeSizes[nodeIdx]
			for primIdx := uint32(0); primIdx < node.PrimitiveCount; primIdx++ {
				prim := b.prims[node.PrimitiveOffset+primIdx]
				if !prim.IsInstance() || !prim.Instance.copyable {
					continue
				}
				if includedInstances&(1<<uint(prim.Instance.instanceID)) == 0 {
					totalSize += prim.Instance.totalBytes
				}
			}
			return totalSize
		}

		rootSize := additionalSize(curNode)
		remainingBytes := b.cfg.MaxTreeletBytes - rootSize
		includedInstances |= b.nodeInstanceMasks[curNode]

		for remainingBytes >= b.cfg.Estimates.NodeSize {
			for _, e := range graph.outgoingEdges(curNode) {
				if additionalSize(e.dst) > remainingBytes {
					continue
				}
				cut[e.dst] += e.weight
			}

			// Pick the heaviest edge whose destination still fits.
			type outEdge struct {
				dst    uint64
				weight float32
			}
			sorted := make([]outEdge, 0, len(cut))
			for dst, weight := range cut {
				sorted = append(sorted, outEdge{dst: dst, weight: weight})
			}
			sort.Slice(sorted, func(i, j int) bool {
				if sorted[i].weight != sorted[j].weight {
					return sorted[i].weight > sorted[j].weight
				}
				return sorted[i].dst < sorted[j].dst
			})

			var usedBytes uint64
			best := uint64(math.MaxUint64)
			for _, e := range sorted {
				curBytes := additionalSize(e.dst)
				if assignment[e.dst] != 0 || curBytes > remainingBytes {
					delete(cut, e.dst)
					continue
				}
				usedBytes = curBytes
				best = e.dst
				break
			}
			if best == math.MaxUint64 {
				// Treelet full
				break
			}
			delete(cut, best)

			curNode = best
			assignment[curNode] = curTreelet
			remainingBytes -= usedBytes
			includedInstances |= b.nodeInstanceMasks[curNode]
		}

		curTreelet++
	}

	return assignment
}

// origAssignTreelets is the two-pass treelet assignment: a bottom-up pass
// computes, for each node, the best achievable cost of cutting a treelet
// rooted there; a top-down pass re-runs the greedy fill from the root and
// cuts the treelet as soon as the bottom-up cost is matched, queueing the
// frontier as new roots. The surface-area epsilon keeps tiny nodes from
// producing degenerate scores.
func (b *TreeletBVH) origAssignTreelets() []uint32 {
	nodeCount := len(b.nodes)
	labels := make([]uint32, nodeCount)

	maxNodes := float32(b.cfg.MaxTreeletBytes) / float32(b.cfg.Estimates.NodeSize)
	areaEpsilon := b.nodes[0].Bounds.SurfaceArea() * maxNodes / (float32(nodeCount) * 10)

	// fill picks cut nodes greedily by (surface area + epsilon) / price,
	// where price is the subtree size still missing, capped at the
	// remaining budget.
	type pick struct {
		cutIdx       int
		nodeSize     uint64
		instanceSize uint64
	}
	bestPick := func(cut []uint64, includedInstances uint64, curInstanceSize, remainingSize uint64) (pick, bool) {
		best := pick{cutIdx: -1}
		bestScore := float32(math.Inf(-1))
		for i, n := range cut {
			gain := b.nodes[n].Bounds.SurfaceArea() + areaEpsilon

			nodeMask := b.nodeInstanceMasks[n] | includedInstances
			additionalInstanceSize := b.getInstancesBytes(nodeMask) - curInstanceSize
			additionalNodeSize := b.nodeSizes[n] + additionalInstanceSize
			if additionalNodeSize > remainingSize {
				continue
			}

			subtreeMask := b.subtreeInstanceMasks[n] | includedInstances
			additionalSubtreeSize := b.subtreeSizes[n] + b.getInstancesBytes(subtreeMask) - curInstanceSize

			price := additionalSubtreeSize
			if remainingSize < price {
				price = remainingSize
			}
			score := gain / float32(price)
			if score > bestScore {
				best = pick{cutIdx: i, nodeSize: additionalNodeSize, instanceSize: additionalInstanceSize}
				bestScore = score
			}
		}
		return best, best.cutIdx >= 0
	}

	/* pass one */
	bestCosts := make([]float32, nodeCount)
	for rootIndex := nodeCount - 1; rootIndex >= 0; rootIndex-- {
		rootSA := b.nodes[rootIndex].Bounds.SurfaceArea()

		cut := []uint64{uint64(rootIndex)}
		bestCosts[rootIndex] = math.MaxFloat32
		var includedInstances uint64
		var curInstanceSize uint64
		remainingSize := b.cfg.MaxTreeletBytes

		for {
			best, ok := bestPick(cut, includedInstances, curInstanceSize, remainingSize)
			if !ok {
				break
			}
			bestNodeIndex := cut[best.cutIdx]
			cut = append(cut[:best.cutIdx], cut[best.cutIdx+1:]...)

			if node := &b.nodes[bestNodeIndex]; !node.IsLeaf() {
				cut = append(cut, bestNodeIndex+1, uint64(node.SecondChildOffset))
			}

			thisCost := rootSA + areaEpsilon
			for _, n := range cut {
				thisCost += bestCosts[n]
			}
			if thisCost < bestCosts[rootIndex] {
				bestCosts[rootIndex] = thisCost
			}

			remainingSize -= best.nodeSize
			includedInstances |= b.nodeInstanceMasks[bestNodeIndex]
			curInstanceSize += best.instanceSize
		}
	}

	floatEquals := func(a, bb float32) bool {
		return abs32(a-bb) < 1e-4
	}

	/* pass two */
	currentTreelet := uint32(0)

	queue := []uint64{0}
	for len(queue) > 0 {
		rootIndex := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		currentTreelet++

		rootSA := b.nodes[rootIndex].Bounds.SurfaceArea()
		cut := []uint64{rootIndex}

		remainingSize := b.cfg.MaxTreeletBytes
		bestCost := bestCosts[rootIndex]
		var curInstanceSize uint64
		var includedInstances uint64

		for {
			best, ok := bestPick(cut, includedInstances, curInstanceSize, remainingSize)
			if !ok {
				break
			}
			bestNodeIndex := cut[best.cutIdx]
			cut = append(cut[:best.cutIdx], cut[best.cutIdx+1:]...)

			if node := &b.nodes[bestNodeIndex]; !node.IsLeaf() {
				cut = append(cut, bestNodeIndex+1, uint64(node.SecondChildOffset))
			}

			labels[bestNodeIndex] = currentTreelet

			thisCost := rootSA + areaEpsilon
			for _, n := range cut {
				thisCost += bestCosts[n]
			}

			remainingSize -= best.nodeSize
			includedInstances |= b.nodeInstanceMasks[bestNodeIndex]
			curInstanceSize += best.instanceSize

			if floatEquals(thisCost, bestCost) {
				break
			}
		}

		// The frontier becomes the roots of the next treelets.
		queue = append(queue, cut...)
	}

	return labels
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

// mergeDisjointTreelets collects the per-treelet node lists, sizes and
// probabilities for one direction, then greedily merges under-budget
// treelets pairwise, smallest first. Instance bytes are the size of the
// union of the two masks, never the sum. Non-copyable instance entry
// probabilities are accumulated into the registry here.
func (b *TreeletBVH) mergeDisjointTreelets(dirIdx int, graph traversalGraph) ([]*TreeletInfo, error) {
	treelets := make(map[uint32]*TreeletInfo)
	get := func(id uint32) *TreeletInfo {
		info, ok := treelets[id]
		if !ok {
			info = &TreeletInfo{dirIdx: dirIdx}
			treelets[id] = info
		}
		return info
	}

	for nodeIdx := range b.nodes {
		curTreelet := b.treeletAllocations[dirIdx][nodeIdx]
		info := get(curTreelet)
		info.dirIdx = dirIdx
		info.nodes = append(info.nodes, uint64(nodeIdx))
		info.noInstanceSize += b.nodeSizes[nodeIdx]

		node := &b.nodes[nodeIdx]
		for primIdx := uint32(0); primIdx < node.PrimitiveCount; primIdx++ {
			prim := b.prims[node.PrimitiveOffset+primIdx]
			if !prim.IsInstance() {
				continue
			}
			inst := prim.Instance
			if inst.copyable {
				if info.instanceMask&(1<<uint(inst.instanceID)) == 0 {
					info.instanceMask |= 1 << uint(inst.instanceID)
					info.instanceSize += inst.totalBytes
				}
			} else {
				b.reg.probabilities[dirIdx][inst.instanceID] += graph.incomingProb[nodeIdx]
			}
		}

		for _, e := range graph.outgoingEdges(uint64(nodeIdx)) {
			dstTreelet := b.treeletAllocations[dirIdx][e.dst]
			if curTreelet != dstTreelet {
				get(dstTreelet).totalProb += e.weight
			}
		}
	}
	get(b.treeletAllocations[dirIdx][0]).totalProb += 1.0

	type sortEntry struct {
		id      uint32
		size    uint64
		info    *TreeletInfo
		removed bool
	}
	entries := make([]sortEntry, 0, len(treelets))
	for id, info := range treelets {
		if id == 0 {
			return nil, errors.New("compiler: unassigned node in merge phase")
		}
		size := info.noInstanceSize + info.instanceSize
		if size > b.cfg.MaxTreeletBytes {
			return nil, errors.Errorf("compiler: treelet %d exceeds budget before merging", id)
		}
		entries = append(entries, sortEntry{id: id, size: size, info: info})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].size != entries[j].size {
			return entries[i].size < entries[j].size
		}
		return entries[i].id < entries[j].id
	})

	merged := make([]*TreeletInfo, 0, len(entries))
	for i := range entries {
		if entries[i].removed {
			continue
		}
		info := entries[i].info

		for j := i + 1; j < len(entries); j++ {
			if entries[j].removed {
				continue
			}
			candidate := entries[j].info

			noInstSize := info.noInstanceSize + candidate.noInstanceSize
			if noInstSize > b.cfg.MaxTreeletBytes {
				continue
			}

			mergedMask := info.instanceMask | candidate.instanceMask
			unionInstanceSize := b.getInstancesBytes(mergedMask)

			totalSize := noInstSize + unionInstanceSize
			if totalSize <= b.cfg.MaxTreeletBytes {
				// Keep serialization order rooted at the earlier node.
				if info.nodes[0] < candidate.nodes[0] {
					info.nodes = append(info.nodes, candidate.nodes...)
				} else {
					info.nodes = append(candidate.nodes, info.nodes...)
				}
				info.instanceMask = mergedMask
				info.instanceSize = unionInstanceSize
				info.noInstanceSize = noInstSize
				info.totalProb += candidate.totalProb
				entries[j].removed = true
			}

			// No point searching further
			if totalSize >= b.cfg.MaxTreeletBytes-b.cfg.Estimates.NodeSize {
				break
			}
		}

		merged = append(merged, info)
	}

	// Make final instance lists
	for _, info := range merged {
		for instanceIdx := 0; instanceIdx < b.reg.count; instanceIdx++ {
			if info.instanceMask&(1<<uint(instanceIdx)) != 0 {
				info.instances = append(info.instances, b.reg.unique[instanceIdx])
			}
		}
	}

	return merged, nil
}

// orderTreeletNodesDepthFirst rewrites the per-direction allocations to use
// the final treelet indices, then rebuilds every treelet's node list in the
// order the dump writer serializes: a depth-first walk restricted to the
// treelet, left child first, with children in foreign treelets queued as
// new walk roots.
func (b *TreeletBVH) orderTreeletNodesDepthFirst(numDirs int, treelets []*TreeletInfo) {
	for treeletID, info := range treelets {
		for _, nodeIdx := range info.nodes {
			b.treeletAllocations[info.dirIdx][nodeIdx] = uint32(treeletID)
		}
		info.nodes = info.nodes[:0]
	}

	for dirIdx := 0; dirIdx < numDirs; dirIdx++ {
		depthFirst := []uint64{0}

		for len(depthFirst) > 0 {
			start := depthFirst[len(depthFirst)-1]
			depthFirst = depthFirst[:len(depthFirst)-1]

			treeletID := b.treeletAllocations[dirIdx][start]
			info := treelets[treeletID]

			inTreelet := []uint64{start}
			for len(inTreelet) > 0 {
				nodeIdx := inTreelet[len(inTreelet)-1]
				inTreelet = inTreelet[:len(inTreelet)-1]
				info.nodes = append(info.nodes, nodeIdx)

				node := &b.nodes[nodeIdx]
				if node.IsLeaf() {
					continue
				}

				right := uint64(node.SecondChildOffset)
				if b.treeletAllocations[dirIdx][right] == treeletID {
					inTreelet = append(inTreelet, right)
				} else {
					depthFirst = append(depthFirst, right)
				}

				left := nodeIdx + 1
				if b.treeletAllocations[dirIdx][left] == treeletID {
					inTreelet = append(inTreelet, left)
				} else {
					depthFirst = append(depthFirst, left)
				}
			}
		}
	}
}
