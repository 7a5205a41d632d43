// Package compiler implements the offline half of the system: it builds a
// conventional linear BVH over the scene's primitives, estimates per-node
// serialized sizes, models expected ray traversal as a weighted graph,
// partitions the node set into treelets that fit a byte budget and writes
// the per-treelet record files the cloud package loads at render time.
package compiler

import (
	"github.com/esaurez/pbrt-v3/log"
	"github.com/esaurez/pbrt-v3/scene"
	"github.com/esaurez/pbrt-v3/types"
)

var logger = log.New("compiler")

// BuildPrimitive is one input to the BVH builder: either a single triangle
// of a mesh or an instanced sub-BVH under an animated transform.
type BuildPrimitive struct {
	// triangle
	Mesh      *scene.TriangleMesh
	TriNumber uint32

	// instance
	Instance  *TreeletBVH
	Transform types.AnimatedTransform

	bounds types.Bounds3
}

// NewTrianglePrimitive wraps one triangle of a mesh.
func NewTrianglePrimitive(mesh *scene.TriangleMesh, triNumber uint32) *BuildPrimitive {
	return &BuildPrimitive{
		Mesh:      mesh,
		TriNumber: triNumber,
		bounds:    mesh.TriangleBounds(triNumber),
	}
}

// NewInstancePrimitive wraps an instanced sub-BVH under a transform.
func NewInstancePrimitive(instance *TreeletBVH, transform types.AnimatedTransform) *BuildPrimitive {
	root := instance.nodes[0].Bounds
	// conservative bounds across the animation interval
	b := transform.Start.TransformBounds(root)
	if transform.Start != transform.End {
		b = types.Union(b, transform.End.TransformBounds(root))
	}
	return &BuildPrimitive{
		Instance:  instance,
		Transform: transform,
		bounds:    b,
	}
}

// IsInstance reports whether this primitive wraps a sub-BVH.
func (p *BuildPrimitive) IsInstance() bool { return p.Instance != nil }

func (p *BuildPrimitive) BBox() [2]types.Vec3 {
	return [2]types.Vec3{p.bounds.Min, p.bounds.Max}
}

func (p *BuildPrimitive) Center() types.Vec3 {
	return p.bounds.Center()
}
