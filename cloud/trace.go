package cloud

import (
	"github.com/pkg/errors"

	"github.com/esaurez/pbrt-v3/scene"
	"github.com/esaurez/pbrt-v3/types"
)

// Trace advances a ray's traversal, but only within the treelet named by
// the current stack top. As soon as the top of stack points into a
// different treelet the call returns with the stack non-empty, leaving the
// state ready to be serialized and shipped to whichever worker holds that
// treelet. An empty stack on return means the path is exhausted.
func (c *CloudBVH) Trace(s *RayTraceState) error {
	if s.StackEmpty() {
		return nil
	}
	currentTreelet := s.CurrentTreelet()
	if err := c.LoadTreelet(currentTreelet, nil); err != nil {
		return err
	}

	// working ray, re-derived whenever the transformed flag flips between
	// consecutive stack entries
	ray := s.Ray
	hasTransform := false
	invDir := ray.Dir.Recip()
	dirIsNeg := [3]bool{invDir[0] < 0, invDir[1] < 0, invDir[2] < 0}

	for !s.StackEmpty() {
		if s.CurrentTreelet() != currentTreelet {
			return nil
		}
		cur := s.Pop()
		t := c.treelets[cur.Treelet]
		node := &t.nodes[cur.Node]
		c.nodesVisited++

		if cur.Transformed != hasTransform {
			if cur.Transformed {
				ray = s.RayTransform.Inverse().TransformRay(s.Ray)
			} else {
				ray = s.Ray
			}
			ray.TMax = s.Ray.TMax
			invDir = ray.Dir.Recip()
			dirIsNeg = [3]bool{invDir[0] < 0, invDir[1] < 0, invDir[2] < 0}
			hasTransform = cur.Transformed
		}

		if !node.Bounds.IntersectP(&ray, invDir, dirIsNeg) {
			continue
		}

		if node.IsLeaf() {
			c.traceLeaf(s, t, cur, node, &ray, hasTransform)
			continue
		}

		near, far := 0, 1
		if dirIsNeg[node.Axis] {
			near, far = 1, 0
		}
		s.Push(TraceStackEntry{
			Treelet:     node.ChildTreelet[far],
			Node:        node.ChildNode[far],
			Transformed: hasTransform,
		})
		s.Push(TraceStackEntry{
			Treelet:     node.ChildTreelet[near],
			Node:        node.ChildNode[near],
			Transformed: hasTransform,
		})
	}
	return nil
}

// traceLeaf walks a leaf's primitives from the entry's resumable cursor.
// Hitting an external instance defers the rest of the leaf and pushes a
// continuation into the target treelet; everything else resolves in place.
func (c *CloudBVH) traceLeaf(s *RayTraceState, t *Treelet, cur TraceStackEntry, node *scene.TreeletNode, ray *types.Ray, hasTransform bool) {
	end := node.PrimitiveOffset + node.PrimitiveCount
	for pi := node.PrimitiveOffset + cur.Primitive; pi < end; pi++ {
		p := t.primitives[pi]
		c.primitivesVisited++

		if p.Kind == KindTransformed && p.Inner.Kind == KindExternalInstance {
			// defer the remaining primitives of this leaf
			if pi+1 < end {
				cont := cur
				cont.Primitive = pi + 1 - node.PrimitiveOffset
				s.Push(cont)
			}
			m := p.Transform.Interpolate(ray.Time)
			next := TraceStackEntry{Treelet: p.Inner.RootTreelet, Node: 0}
			if !m.IsIdentity() {
				s.RayTransform = m
				next.Transformed = true
			}
			s.Push(next)
			return
		}

		hit, hitT, si := c.traceIntersect(p, ray)
		if !hit {
			continue
		}
		if si.Material != nil && !si.Material.IsPlaceholder() {
			panic(errors.Errorf(
				"cloud: treelet %d primitive %d resolved a non-placeholder material during trace",
				t.id, pi))
		}
		key := scene.MaterialKey{}
		if si.Material != nil {
			key = si.Material.(*scene.PlaceholderMaterial).Key
		}
		if hasTransform {
			si.P = s.RayTransform.TransformPoint(si.P)
			si.N = s.RayTransform.Inverse().TransformNormalByInverse(si.N).Normalize()
		}
		s.SetHit(cur, hitT, si, key, si.AreaLightID)
	}
}

// traceIntersect resolves a leaf primitive against the working ray,
// shrinking ray.TMax on a hit. External instances never reach here.
func (c *CloudBVH) traceIntersect(p *Primitive, ray *types.Ray) (bool, float32, scene.SurfaceInteraction) {
	var si scene.SurfaceInteraction
	switch p.Kind {
	case KindTriangle:
		tsi, hitT, ok := scene.IntersectTriangle(ray, p.Mesh, p.TriNumber)
		if !ok {
			return false, 0, si
		}
		ray.TMax = hitT
		tsi.Material = p.Material
		tsi.AreaLightID = p.AreaLightID
		return true, hitT, tsi

	case KindTransformed:
		// included instance behind a transform, resolved immediately
		m := p.Transform.Interpolate(ray.Time)
		if m.IsIdentity() {
			return c.traceIntersect(p.Inner, ray)
		}
		local := m.Inverse().TransformRay(*ray)
		ok, hitT, isi := c.traceIntersect(p.Inner, &local)
		if !ok {
			return false, 0, si
		}
		ray.TMax = local.TMax
		isi.P = m.TransformPoint(isi.P)
		isi.N = m.Inverse().TransformNormalByInverse(isi.N).Normalize()
		return true, hitT, isi

	case KindIncludedInstance:
		t := c.treelets[p.Treelet]
		var best scene.SurfaceInteraction
		bestT := float32(0)
		hit := false

		invDir := ray.Dir.Recip()
		dirIsNeg := [3]bool{invDir[0] < 0, invDir[1] < 0, invDir[2] < 0}
		var stack [maxTraversalDepth]uint32
		stack[0] = p.NodeIndex
		size := 1
		for size > 0 {
			size--
			node := &t.nodes[stack[size]]
			c.nodesVisited++
			if !node.Bounds.IntersectP(ray, invDir, dirIsNeg) {
				continue
			}
			if node.IsLeaf() {
				for pi := node.PrimitiveOffset; pi < node.PrimitiveOffset+node.PrimitiveCount; pi++ {
					ok, hitT, isi := c.traceIntersect(t.primitives[pi], ray)
					if ok {
						hit, bestT, best = true, hitT, isi
					}
				}
				continue
			}
			near, far := 0, 1
			if dirIsNeg[node.Axis] {
				near, far = 1, 0
			}
			stack[size] = node.ChildNode[far]
			size++
			stack[size] = node.ChildNode[near]
			size++
		}
		return hit, bestT, best
	}
	panic(errors.Errorf("cloud: primitive kind %d cannot be traced in place", p.Kind))
}
