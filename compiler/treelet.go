package compiler

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/esaurez/pbrt-v3/manager"
)

// Copyable instances are tracked in a single uint64 bitmask.
const maxUniqueInstances = 64

// InstanceRegistry is shared by every TreeletBVH of one compilation: it
// hands out instance ids, remembers each copyable instance's size and
// accumulates the per-octant probability of entering each non-copyable
// instance. Construct one per scene and pass it to every constructor.
type InstanceRegistry struct {
	count  int
	unique map[int]*TreeletBVH
	sizes  [maxUniqueInstances]uint64

	// probability of a ray entering each non-copyable instance, per octant
	probabilities [8][maxUniqueInstances]float32
}

func NewInstanceRegistry() *InstanceRegistry {
	return &InstanceRegistry{unique: make(map[int]*TreeletBVH)}
}

func (r *InstanceRegistry) register(b *TreeletBVH) (int, error) {
	if r.count >= maxUniqueInstances {
		return 0, errors.Errorf("compiler: more than %d unique instances", maxUniqueInstances)
	}
	id := r.count
	r.count++
	return id, nil
}

// TreeletInfo is one treelet of the final partition: its nodes in
// serialization order, the copyable instances duplicated into it and its
// size/probability bookkeeping.
type TreeletInfo struct {
	nodes     []uint64
	instances []*TreeletBVH

	instanceMask   uint64
	noInstanceSize uint64
	instanceSize   uint64
	totalProb      float32
	dirIdx         int

	// manager id, assigned when dumping starts
	sTreeletID uint32
}

// ID returns the treelet's manager id. Valid only after dumping.
func (t *TreeletInfo) ID() uint32 { return t.sTreeletID }

// Nodes returns the node indices in serialization order.
func (t *TreeletInfo) Nodes() []uint64 { return t.nodes }

// Bytes returns the treelet's estimated serialized size.
func (t *TreeletInfo) Bytes() uint64 { return t.noInstanceSize + t.instanceSize }

// Probability returns the modeled probability of a ray visiting the treelet.
func (t *TreeletInfo) Probability() float32 { return t.totalProb }

// TreeletBVH is the offline dump engine: a linear BVH annotated with
// per-node size estimates and a treelet partition. The scene accelerator is
// the root; instanced sub-BVHs are TreeletBVHs of their own, either small
// enough to copy into referencing treelets or partitioned recursively.
type TreeletBVH struct {
	mgr *manager.SceneManager
	cfg Config
	reg *InstanceRegistry

	root       bool
	copyable   bool
	instanceID int
	totalBytes uint64

	nodes []SourceNode
	prims []*BuildPrimitive

	nodeSizes    []uint64
	subtreeSizes []uint64
	nodeParents  []uint64

	nodeInstanceMasks    []uint64
	subtreeInstanceMasks []uint64

	instMu            sync.Mutex
	instanceSizeCache map[uint64]uint64

	// per-octant node -> treelet assignment; only index 0 is populated in
	// unspecialized mode
	treeletAllocations [8][]uint32
	allTreelets        []*TreeletInfo

	dumped      bool
	dumpedRoots []uint32
}

// NewSceneBVH builds the scene accelerator: source BVH, node info, treelet
// partition. Dumping is a separate step (DumpHeader / DumpTreelets).
func NewSceneBVH(mgr *manager.SceneManager, prims []*BuildPrimitive, cfg Config, reg *InstanceRegistry) (*TreeletBVH, error) {
	cfg.applyDefaults()
	if len(prims) == 0 {
		return nil, errors.New("compiler: no primitives")
	}

	b := &TreeletBVH{
		mgr:               mgr,
		cfg:               cfg,
		reg:               reg,
		root:              true,
		instanceID:        -1,
		instanceSizeCache: make(map[uint64]uint64),
	}
	b.build(prims)

	if err := b.setNodeInfo(); err != nil {
		return nil, err
	}
	treelets, err := b.allocateTreelets()
	if err != nil {
		return nil, err
	}
	b.allTreelets = treelets
	return b, nil
}

// NewInstanceBVH builds the BVH for one instanced object. Small instances
// become copyable; larger ones get their own treelet partition which is
// dumped on demand when a referencing treelet is written.
func NewInstanceBVH(mgr *manager.SceneManager, prims []*BuildPrimitive, cfg Config, reg *InstanceRegistry) (*TreeletBVH, error) {
	cfg.applyDefaults()
	if len(prims) == 0 {
		return nil, errors.New("compiler: no primitives")
	}

	b := &TreeletBVH{
		mgr:               mgr,
		cfg:               cfg,
		reg:               reg,
		instanceSizeCache: make(map[uint64]uint64),
	}
	var err error
	if b.instanceID, err = reg.register(b); err != nil {
		return nil, err
	}
	b.build(prims)

	for i := range b.nodes {
		n := &b.nodes[i]
		b.totalBytes += cfg.Estimates.NodeSize + uint64(n.PrimitiveCount)*cfg.Estimates.TriSize
	}

	if b.totalBytes < cfg.CopyableThreshold {
		b.copyable = true
		return b, nil
	}

	if err := b.setNodeInfo(); err != nil {
		return nil, err
	}
	treelets, err := b.allocateTreelets()
	if err != nil {
		return nil, err
	}
	b.allTreelets = treelets
	return b, nil
}

// Nodes returns the linear source BVH.
func (b *TreeletBVH) Nodes() []SourceNode { return b.nodes }

// Treelets returns the final partition.
func (b *TreeletBVH) Treelets() []*TreeletInfo { return b.allTreelets }

// Copyable reports whether the whole BVH fits under the copyable threshold.
func (b *TreeletBVH) Copyable() bool { return b.copyable }

// build runs the linear builder. The leaf callback reorders primitives into
// leaf-contiguous order so nodes can reference them by (offset, count).
func (b *TreeletBVH) build(prims []*BuildPrimitive) {
	workList := make([]BoundedVolume, len(prims))
	for i, p := range prims {
		workList[i] = p
	}

	ordered := make([]*BuildPrimitive, 0, len(prims))
	leafCb := func(leaf *SourceNode, items []BoundedVolume) {
		leaf.PrimitiveOffset = uint32(len(ordered))
		leaf.PrimitiveCount = uint32(len(items))
		for _, item := range items {
			ordered = append(ordered, item.(*BuildPrimitive))
		}
	}

	b.nodes = BuildLinearBVH(workList, b.cfg.MaxLeafPrims, b.cfg.Split, leafCb, SurfaceAreaHeuristic)
	b.prims = ordered
}

// setNodeInfo computes per-node serialized sizes, parent links and copyable
// instance masks, then folds them bottom-up into subtree aggregates. Also
// registers every copyable instance's size with the registry.
func (b *TreeletBVH) setNodeInfo() error {
	est := b.cfg.Estimates
	nodeCount := len(b.nodes)

	b.nodeSizes = make([]uint64, nodeCount)
	b.subtreeSizes = make([]uint64, nodeCount)
	b.nodeParents = make([]uint64, nodeCount)
	b.nodeInstanceMasks = make([]uint64, nodeCount)
	b.subtreeInstanceMasks = make([]uint64, nodeCount)

	for nodeIdx := 0; nodeIdx < nodeCount; nodeIdx++ {
		node := &b.nodes[nodeIdx]

		totalSize := est.NodeSize
		for primIdx := uint32(0); primIdx < node.PrimitiveCount; primIdx++ {
			prim := b.prims[node.PrimitiveOffset+primIdx]
			if !prim.IsInstance() {
				totalSize += est.TriSize
				continue
			}
			totalSize += est.InstSize

			inst := prim.Instance
			if !inst.copyable {
				continue
			}
			b.reg.unique[inst.instanceID] = inst
			b.reg.sizes[inst.instanceID] = inst.totalBytes
			b.nodeInstanceMasks[nodeIdx] |= 1 << uint(inst.instanceID)
		}
		b.nodeSizes[nodeIdx] = totalSize

		if !node.IsLeaf() {
			b.nodeParents[nodeIdx+1] = uint64(nodeIdx)
			b.nodeParents[node.SecondChildOffset] = uint64(nodeIdx)
		}
	}

	for nodeIdx := nodeCount - 1; nodeIdx >= 0; nodeIdx-- {
		node := &b.nodes[nodeIdx]
		b.subtreeSizes[nodeIdx] = b.nodeSizes[nodeIdx]
		b.subtreeInstanceMasks[nodeIdx] = b.nodeInstanceMasks[nodeIdx]
		if !node.IsLeaf() {
			b.subtreeSizes[nodeIdx] += b.subtreeSizes[nodeIdx+1] + b.subtreeSizes[node.SecondChildOffset]
			b.subtreeInstanceMasks[nodeIdx] |=
				b.subtreeInstanceMasks[nodeIdx+1] | b.subtreeInstanceMasks[node.SecondChildOffset]
		}
	}
	return nil
}

// getInstancesBytes returns the summed size of every copyable instance in
// the mask. Memoized; the cache is shared across the octant fan-out.
func (b *TreeletBVH) getInstancesBytes(mask uint64) uint64 {
	b.instMu.Lock()
	defer b.instMu.Unlock()

	if total, ok := b.instanceSizeCache[mask]; ok {
		return total
	}
	var total uint64
	for instanceIdx := 0; instanceIdx < b.reg.count; instanceIdx++ {
		if mask&(1<<uint(instanceIdx)) != 0 {
			total += b.reg.sizes[instanceIdx]
		}
	}
	b.instanceSizeCache[mask] = total
	return total
}

// leafEndsInNonCopyableInstance reports whether the node is a leaf whose
// last primitive hops to another treelet group. Rays leave through the
// instance there, so the graph builders credit the miss successor without an
// edge.
func (b *TreeletBVH) leafEndsInNonCopyableInstance(node *SourceNode) bool {
	if node.PrimitiveCount == 0 {
		return false
	}
	last := b.prims[node.PrimitiveOffset+node.PrimitiveCount-1]
	return last.IsInstance() && !last.Instance.copyable
}
