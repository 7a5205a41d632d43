package cloud

import (
	"github.com/pkg/errors"

	"github.com/esaurez/pbrt-v3/scene"
	"github.com/esaurez/pbrt-v3/types"
)

// ComputeIdx maps a ray direction to its root treelet when directional
// treelets are enabled (one root per octant, ids 0-7), else 0.
func (c *CloudBVH) ComputeIdx(dir types.Vec3) uint32 {
	if !c.opts.Directional {
		return 0
	}
	return ComputeIdx(dir)
}

// ComputeIdx returns the octant index of a direction; bit i is set when
// component i is non-negative.
func ComputeIdx(dir types.Vec3) uint32 {
	var idx uint32
	if dir[0] >= 0 {
		idx |= 1
	}
	if dir[1] >= 0 {
		idx |= 2
	}
	if dir[2] >= 0 {
		idx |= 4
	}
	return idx
}

// ComputeRayDir is the inverse of ComputeIdx: the canonical direction of an
// octant.
func ComputeRayDir(idx uint32) types.Vec3 {
	pick := func(bit uint32) float32 {
		if idx&bit != 0 {
			return 1
		}
		return -1
	}
	return types.Vec3{pick(1), pick(2), pick(4)}
}

type stackEntry struct {
	treelet uint32
	node    uint32
}

// Intersect finds the closest hit, loading treelets as traversal crosses
// into them. startRoot 0 means "derive the root from the ray direction".
func (c *CloudBVH) Intersect(r *types.Ray, si *scene.SurfaceInteraction, startRoot uint32) (bool, error) {
	return c.intersect(r, si, startRoot, false)
}

// IntersectP reports whether anything is hit at all.
func (c *CloudBVH) IntersectP(r *types.Ray, startRoot uint32) (bool, error) {
	var si scene.SurfaceInteraction
	return c.intersect(r, &si, startRoot, true)
}

func (c *CloudBVH) intersect(r *types.Ray, si *scene.SurfaceInteraction, startRoot uint32, anyHit bool) (bool, error) {
	root := startRoot
	if root == 0 {
		root = c.ComputeIdx(r.Dir)
	}
	if err := c.LoadTreelet(root, nil); err != nil {
		return false, err
	}

	invDir := r.Dir.Recip()
	dirIsNeg := [3]bool{invDir[0] < 0, invDir[1] < 0, invDir[2] < 0}

	var stack [maxTraversalDepth]stackEntry
	stack[0] = stackEntry{treelet: root, node: 0}
	size := 1
	hit := false

	for size > 0 {
		size--
		cur := stack[size]

		if err := c.LoadTreelet(cur.treelet, nil); err != nil {
			return false, err
		}
		t := c.treelets[cur.treelet]
		node := &t.nodes[cur.node]
		c.nodesVisited++

		if !node.Bounds.IntersectP(r, invDir, dirIsNeg) {
			continue
		}

		if node.IsLeaf() {
			end := node.PrimitiveOffset + node.PrimitiveCount
			for pi := node.PrimitiveOffset; pi < end; pi++ {
				ok, err := c.intersectPrimitive(t.primitives[pi], r, si, anyHit)
				if err != nil {
					return false, err
				}
				if ok {
					if anyHit {
						return true, nil
					}
					hit = true
				}
			}
			continue
		}

		// descend near child first, push far child
		near, far := 0, 1
		if dirIsNeg[node.Axis] {
			near, far = 1, 0
		}
		if size+2 > maxTraversalDepth {
			panic(errors.Errorf("cloud: traversal stack overflow at treelet %d node %d", cur.treelet, cur.node))
		}
		stack[size] = stackEntry{treelet: node.ChildTreelet[far], node: node.ChildNode[far]}
		size++
		stack[size] = stackEntry{treelet: node.ChildTreelet[near], node: node.ChildNode[near]}
		size++
	}
	return hit, nil
}

// intersectPrimitive dispatches over the closed primitive union. On a hit
// it shrinks r.TMax and fills si (closest-hit mode).
func (c *CloudBVH) intersectPrimitive(p *Primitive, r *types.Ray, si *scene.SurfaceInteraction, anyHit bool) (bool, error) {
	c.primitivesVisited++
	switch p.Kind {
	case KindTriangle:
		if anyHit {
			return scene.IntersectTriangleP(r, p.Mesh, p.TriNumber), nil
		}
		tsi, t, ok := scene.IntersectTriangle(r, p.Mesh, p.TriNumber)
		if !ok {
			return false, nil
		}
		r.TMax = t
		*si = tsi
		si.Material = p.Material
		si.AreaLightID = p.AreaLightID
		return true, nil

	case KindTransformed:
		m := p.Transform.Interpolate(r.Time)
		if m.IsIdentity() {
			return c.intersectPrimitive(p.Inner, r, si, anyHit)
		}
		inv := m.Inverse()
		local := inv.TransformRay(*r)
		ok, err := c.intersectPrimitive(p.Inner, &local, si, anyHit)
		if err != nil || !ok {
			return ok, err
		}
		if !anyHit {
			r.TMax = local.TMax
			si.P = m.TransformPoint(si.P)
			si.N = inv.TransformNormalByInverse(si.N).Normalize()
			si.Wo = types.Vec3{-r.Dir[0], -r.Dir[1], -r.Dir[2]}
		}
		return true, err

	case KindExternalInstance:
		// recurse through the main entry point; the target treelet loads
		// lazily on first touch
		if anyHit {
			return c.IntersectP(r, p.RootTreelet)
		}
		return c.Intersect(r, si, p.RootTreelet)

	case KindIncludedInstance:
		return c.intersectIncluded(p, r, si, anyHit)
	}
	panic(errors.Errorf("cloud: unknown primitive kind %d", p.Kind))
}

// intersectIncluded traverses a sub-tree of an already loaded treelet
// starting at the instance's root node.
func (c *CloudBVH) intersectIncluded(p *Primitive, r *types.Ray, si *scene.SurfaceInteraction, anyHit bool) (bool, error) {
	t := c.treelets[p.Treelet]
	invDir := r.Dir.Recip()
	dirIsNeg := [3]bool{invDir[0] < 0, invDir[1] < 0, invDir[2] < 0}

	var stack [maxTraversalDepth]stackEntry
	stack[0] = stackEntry{treelet: p.Treelet, node: p.NodeIndex}
	size := 1
	hit := false

	for size > 0 {
		size--
		cur := stack[size]
		if cur.treelet != p.Treelet {
			// the instanced sub-tree is fully contained in its treelet
			panic(errors.Errorf("cloud: included instance at treelet %d escaped to %d", p.Treelet, cur.treelet))
		}
		node := &t.nodes[cur.node]
		c.nodesVisited++

		if !node.Bounds.IntersectP(r, invDir, dirIsNeg) {
			continue
		}
		if node.IsLeaf() {
			end := node.PrimitiveOffset + node.PrimitiveCount
			for pi := node.PrimitiveOffset; pi < end; pi++ {
				ok, err := c.intersectPrimitive(t.primitives[pi], r, si, anyHit)
				if err != nil {
					return false, err
				}
				if ok {
					if anyHit {
						return true, nil
					}
					hit = true
				}
			}
			continue
		}
		near, far := 0, 1
		if dirIsNeg[node.Axis] {
			near, far = 1, 0
		}
		stack[size] = stackEntry{treelet: node.ChildTreelet[far], node: node.ChildNode[far]}
		size++
		stack[size] = stackEntry{treelet: node.ChildTreelet[near], node: node.ChildNode[near]}
		size++
	}
	return hit, nil
}
