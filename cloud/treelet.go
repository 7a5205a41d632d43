// Package cloud implements the render-time half of the system: the lazily
// loaded, treelet-partitioned BVH, its synchronous intersection entry points
// and the suspendable Trace operation that lets a ray's traversal hop
// between workers holding different treelets.
package cloud

import (
	"github.com/esaurez/pbrt-v3/scene"
	"github.com/esaurez/pbrt-v3/types"
)

// PrimitiveKind enumerates the closed set of primitive shapes a leaf can
// reference. Intersection sites switch exhaustively over it.
type PrimitiveKind uint8

const (
	// KindTriangle is plain mesh geometry.
	KindTriangle PrimitiveKind = iota
	// KindTransformed wraps an instance (included or external) with an
	// animated transform.
	KindTransformed
	// KindExternalInstance forwards to another treelet's root via the
	// owning CloudBVH, loading it on demand.
	KindExternalInstance
	// KindIncludedInstance is a sub-tree rooted at a node of the same
	// treelet, referenced by index with no duplicated ownership.
	KindIncludedInstance
)

// Primitive is a tagged union; only the fields of its Kind are meaningful.
type Primitive struct {
	Kind PrimitiveKind

	// KindTriangle
	Mesh        *scene.TriangleMesh
	TriNumber   uint32
	Material    scene.Material
	MaterialKey scene.MaterialKey
	AreaLightID uint32

	// KindTransformed
	Transform types.AnimatedTransform
	Inner     *Primitive

	// KindExternalInstance
	RootTreelet uint32

	// KindIncludedInstance
	Treelet   uint32
	NodeIndex uint32
}

// meshInfo carries the per-mesh attributes from the treelet file's mesh
// table; triangle records resolve against it by mesh id.
type meshInfo struct {
	mesh        *scene.TriangleMesh
	material    scene.MaterialKey
	areaLightID uint32
}

type pendingInstance struct {
	slot int
	rec  scene.TransformedPrimitiveRecord
}

type pendingTriangle struct {
	slot int
	rec  scene.TriangleRecord
}

// Treelet is the unit of lazy loading. Between loadTreeletBase and
// finalization the two pending worklists hold primitive slots waiting on
// cross-treelet instances or material definitions; finalization drains them
// and the treelet is immutable afterwards.
type Treelet struct {
	id uint32

	nodes      []scene.TreeletNode
	primitives []*Primitive

	meshes map[uint64]meshInfo

	// texture and material payloads this treelet authoritatively includes
	spectrumTextures map[uint32][]byte
	floatTextures    map[uint32][]byte
	includedMaterials map[uint32]scene.Material

	// sub-trees of this same treelet referenced as instances, one view
	// object per distinct instance ref
	includedInstances map[uint64]*Primitive

	requiredInstances map[uint64]struct{}
	requiredMaterials map[scene.MaterialKey]struct{}

	pendingInstances []pendingInstance
	pendingTriangles []pendingTriangle

	loaded    bool
	finalized bool
}

func newTreelet(id uint32) *Treelet {
	return &Treelet{
		id:                id,
		meshes:            make(map[uint64]meshInfo),
		spectrumTextures:  make(map[uint32][]byte),
		floatTextures:     make(map[uint32][]byte),
		includedMaterials: make(map[uint32]scene.Material),
		includedInstances: make(map[uint64]*Primitive),
		requiredInstances: make(map[uint64]struct{}),
		requiredMaterials: make(map[scene.MaterialKey]struct{}),
	}
}

func (t *Treelet) ID() uint32                 { return t.id }
func (t *Treelet) Nodes() []scene.TreeletNode { return t.nodes }
func (t *Treelet) RootBounds() types.Bounds3  { return t.nodes[0].Bounds }
