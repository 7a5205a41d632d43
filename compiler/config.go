package compiler

import (
	"github.com/pkg/errors"

	"github.com/esaurez/pbrt-v3/scene"
)

// TraversalAlgorithm selects how expected ray movement between nodes is
// modeled when building the traversal graph.
type TraversalAlgorithm uint8

const (
	// TraversalSendCheck models a worker that forwards a ray as soon as the
	// next node lies outside its treelet.
	TraversalSendCheck TraversalAlgorithm = iota
	// TraversalCheckSend models a worker that tests every pending stack
	// entry before forwarding.
	TraversalCheckSend
)

// PartitionAlgorithm selects the treelet partitioning strategy.
type PartitionAlgorithm uint8

const (
	// PartitionNvidia runs the two-pass treelet assignment over an
	// unspecialized (direction-independent) node set.
	PartitionNvidia PartitionAlgorithm = iota
	// PartitionOneByOne grows treelets greedily along the heaviest
	// traversal-graph edges, one per ray octant.
	PartitionOneByOne
	// PartitionMergedGraph unions the eight octant graphs and grows
	// treelets over the merged edge set.
	PartitionMergedGraph
)

// SplitMethod selects the node split strategy of the source BVH builder.
type SplitMethod uint8

const (
	SplitSAH SplitMethod = iota
	SplitMiddle
	SplitEqualCounts
)

// ParseTraversalAlgorithm maps a config string to an algorithm. Unknown
// names are errors.
func ParseTraversalAlgorithm(name string) (TraversalAlgorithm, error) {
	switch name {
	case "sendcheck":
		return TraversalSendCheck, nil
	case "checksend":
		return TraversalCheckSend, nil
	default:
		return 0, errors.Errorf("compiler: unknown traversal algorithm %q", name)
	}
}

// ParsePartitionAlgorithm maps a config string to an algorithm. The names
// topohierarchical, greedysize and agglomerative are recognized but have no
// honest implementation, so they are rejected instead of producing an
// unusable all-zero assignment.
func ParsePartitionAlgorithm(name string) (PartitionAlgorithm, error) {
	switch name {
	case "nvidia":
		return PartitionNvidia, nil
	case "onebyone":
		return PartitionOneByOne, nil
	case "mergedgraph":
		return PartitionMergedGraph, nil
	case "topohierarchical", "greedysize", "agglomerative":
		return 0, errors.Errorf("compiler: partition algorithm %q is not implemented", name)
	default:
		return 0, errors.Errorf("compiler: unknown partition algorithm %q", name)
	}
}

// ParseSplitMethod maps a config string to a split method.
func ParseSplitMethod(name string) (SplitMethod, error) {
	switch name {
	case "sah":
		return SplitSAH, nil
	case "middle":
		return SplitMiddle, nil
	case "equal":
		return SplitEqualCounts, nil
	default:
		return 0, errors.Errorf("compiler: unknown split method %q", name)
	}
}

// SizeEstimates are the per-object byte costs used when sizing treelets
// against the byte budget.
type SizeEstimates struct {
	// NodeSize is the serialized node image size.
	NodeSize uint64
	// TriSize assumes each triangle brings two unique vertices (position
	// plus normal) on top of its three indices.
	TriSize uint64
	// InstSize is the serialized transformed-primitive record size.
	InstSize uint64
}

// DefaultSizeEstimates returns the stock estimates.
func DefaultSizeEstimates() SizeEstimates {
	return SizeEstimates{
		NodeSize: scene.NodeWireSize,
		TriSize:  3*4 + 2*12,
		InstSize: 32*4 + 4,
	}
}

// Config drives the offline pipeline.
type Config struct {
	// MaxTreeletBytes is the treelet byte budget.
	MaxTreeletBytes uint64
	// CopyableThreshold is the size below which an instanced sub-BVH is
	// duplicated into referencing treelets instead of partitioned on its
	// own. Zero means MaxTreeletBytes / 2.
	CopyableThreshold uint64

	Traversal TraversalAlgorithm
	Partition PartitionAlgorithm
	Split     SplitMethod

	// MaxLeafPrims is the leaf size target of the source BVH builder.
	// Zero means 4.
	MaxLeafPrims int

	Estimates SizeEstimates

	// Partitioner enables compound-material generation for materials whose
	// texture footprint exceeds the material treelet budget. Without one,
	// such materials are a dump-time error.
	Partitioner TexturePartitioner
}

func (c *Config) applyDefaults() {
	if c.CopyableThreshold == 0 {
		c.CopyableThreshold = c.MaxTreeletBytes / 2
	}
	if c.MaxLeafPrims == 0 {
		c.MaxLeafPrims = 4
	}
	if c.Estimates == (SizeEstimates{}) {
		c.Estimates = DefaultSizeEstimates()
	}
}
