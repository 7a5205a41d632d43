package compiler

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/esaurez/pbrt-v3/manager"
	"github.com/esaurez/pbrt-v3/record"
	"github.com/esaurez/pbrt-v3/scene"
)

// left/right child slot indices in a serialized node
const (
	leftChild  = 0
	rightChild = 1
)

// DumpHeader writes the scene HEADER file: the root bounds plus the summed
// size of every treelet file written so far. Call after DumpTreelets.
func (b *TreeletBVH) DumpHeader() error {
	var total uint64
	count := b.mgr.AllocatedIDs(manager.Treelet)
	for id := uint32(0); id < count; id++ {
		fi, err := os.Stat(b.mgr.FilePath(manager.Treelet, id))
		if err != nil {
			return errors.Wrapf(err, "compiler: sizing treelet %d", id)
		}
		total += uint64(fi.Size())
	}

	w := record.NewWriter(filepath.Join(b.mgr.ScenePath(), "HEADER"))
	w.WriteBytes(scene.MarshalBounds(b.nodes[0].Bounds))
	w.WriteUint64(total)
	return w.Close()
}

// DumpTreelets writes every treelet of the partition to the scene
// directory and returns the manager ids of the root treelets: one per ray
// octant in directional mode, a single id otherwise. The scene accelerator
// also writes the material treelets and the treelet probability file;
// non-copyable instance BVHs are dumped on first reference and memoized.
func (b *TreeletBVH) DumpTreelets() ([]uint32, error) {
	if b.copyable {
		return nil, errors.New("compiler: copyable instance has no treelets of its own")
	}
	if b.dumped {
		return b.dumpedRoots, nil
	}

	// Ids for every treelet come first so cross-treelet child references
	// can be resolved while writing.
	for _, info := range b.allTreelets {
		info.sTreeletID = b.mgr.NextID(manager.Treelet, nil)
	}

	if b.root {
		if err := b.dumpMaterials(); err != nil {
			return nil, err
		}
	}

	locations := b.nodeLocations()
	if err := b.dumpSanityCheck(); err != nil {
		return nil, err
	}

	for ti, info := range b.allTreelets {
		if err := b.dumpTreelet(uint32(ti), info, locations); err != nil {
			return nil, errors.Wrapf(err, "compiler: treelet %d", info.sTreeletID)
		}
	}

	numRoots := 1
	if b.multiDir() {
		numRoots = 8
	}
	roots := make([]uint32, numRoots)
	for i := range roots {
		roots[i] = b.allTreelets[i].sTreeletID
	}

	if b.root {
		if err := b.writeTreeletProbabilities(); err != nil {
			return nil, err
		}
	}

	b.dumped = true
	b.dumpedRoots = roots
	logger.Infof("dumped %d treelets (%d roots)", len(b.allTreelets), numRoots)
	return roots, nil
}

func (b *TreeletBVH) multiDir() bool {
	return b.cfg.Partition == PartitionOneByOne
}

// nodeLocations maps every node to its serialized position within its
// treelet, per direction.
func (b *TreeletBVH) nodeLocations() [8][]uint32 {
	var locs [8][]uint32
	for _, info := range b.allTreelets {
		if locs[info.dirIdx] == nil {
			locs[info.dirIdx] = make([]uint32, len(b.nodes))
		}
		for i, n := range info.nodes {
			locs[info.dirIdx][n] = uint32(i)
		}
	}
	return locs
}

// dumpSanityCheck verifies the partition is serializable: every treelet is
// non-empty, the scene root sits at position 0 of each root treelet, and
// every cross-treelet child lands in a treelet of the same direction.
func (b *TreeletBVH) dumpSanityCheck() error {
	numRoots := 1
	if b.multiDir() {
		numRoots = 8
	}
	for i := 0; i < numRoots; i++ {
		if len(b.allTreelets[i].nodes) == 0 || b.allTreelets[i].nodes[0] != 0 {
			return errors.Errorf("compiler: root treelet %d does not start at the scene root", i)
		}
	}

	for ti, info := range b.allTreelets {
		if len(info.nodes) == 0 {
			return errors.Errorf("compiler: treelet %d is empty", ti)
		}
		d := info.dirIdx
		for _, n := range info.nodes {
			node := &b.nodes[n]
			if node.IsLeaf() {
				continue
			}
			for _, child := range [2]uint64{n + 1, uint64(node.SecondChildOffset)} {
				target := b.treeletAllocations[d][child]
				if target == uint32(ti) {
					continue
				}
				if b.allTreelets[target].dirIdx != d {
					return errors.Errorf("compiler: node %d crosses from direction %d into treelet %d of direction %d",
						child, d, target, b.allTreelets[target].dirIdx)
				}
			}
		}
	}
	return nil
}

// meshSlot is one original mesh included in a treelet: either the subset of
// triangles its nodes reference, or the whole mesh when tris is nil
// (instance geometry).
type meshSlot struct {
	mesh *scene.TriangleMesh
	tris []uint32
}

// meshRemap resolves an original (mesh, triangle) pair to its record in the
// serialized treelet.
type meshRemap struct {
	meshID   uint64
	identity bool
	tris     map[uint32]scene.TriangleRecord
}

func (r *meshRemap) lookup(tri uint32) (scene.TriangleRecord, error) {
	if r.identity {
		return scene.TriangleRecord{MeshID: r.meshID, TriNumber: tri}, nil
	}
	rec, ok := r.tris[tri]
	if !ok {
		return rec, errors.Errorf("compiler: triangle %d of mesh %d not serialized", tri, r.meshID)
	}
	return rec, nil
}

type primLists struct {
	transformed []scene.TransformedPrimitiveRecord
	triangles   []scene.TriangleRecord
}

func (b *TreeletBVH) dumpTreelet(ti uint32, info *TreeletInfo, locations [8][]uint32) error {
	tid := info.sTreeletID
	w := b.mgr.GetWriter(manager.Treelet, tid)

	// geometry treelets carry no texture or material payloads
	w.WriteUint32(0) // ptex textures
	w.WriteUint32(0) // spectrum textures
	w.WriteUint32(0) // float textures
	w.WriteUint32(0) // materials

	slots := b.collectMeshes(info)
	remaps, err := b.writeMeshes(w, tid, slots)
	if err != nil {
		return err
	}

	instanceStarts := make(map[*TreeletBVH]uint32)
	totalNodes := len(info.nodes)
	for _, inst := range info.instances {
		instanceStarts[inst] = uint32(totalNodes)
		totalNodes += len(inst.nodes)
	}

	outNodes := make([]scene.TreeletNode, 0, totalNodes)
	outPrims := make([]primLists, 0, totalNodes)
	var primCursor uint32

	type parentFix struct {
		idx  int
		side int
	}
	var fixes []parentFix

	d := info.dirIdx
	for _, nodeIdx := range info.nodes {
		src := &b.nodes[nodeIdx]
		outIdx := len(outNodes)

		if len(fixes) > 0 {
			f := fixes[len(fixes)-1]
			fixes = fixes[:len(fixes)-1]
			outNodes[f.idx].ChildTreelet[f.side] = tid
			outNodes[f.idx].ChildNode[f.side] = uint32(outIdx)
		}

		out := scene.TreeletNode{Bounds: src.Bounds, Axis: uint8(src.Axis)}
		var pl primLists

		if src.IsLeaf() {
			for primIdx := uint32(0); primIdx < src.PrimitiveCount; primIdx++ {
				prim := b.prims[src.PrimitiveOffset+primIdx]
				if prim.IsInstance() {
					rec, err := b.instanceRecord(prim, info, tid, instanceStarts)
					if err != nil {
						return err
					}
					pl.transformed = append(pl.transformed, rec)
					continue
				}
				rm := remaps[prim.Mesh]
				rec, err := rm.lookup(prim.TriNumber)
				if err != nil {
					return err
				}
				pl.triangles = append(pl.triangles, rec)
			}
			out.SetLeaf(primCursor, src.PrimitiveCount)
			primCursor += src.PrimitiveCount
		} else {
			right := uint64(src.SecondChildOffset)
			if target := b.treeletAllocations[d][right]; target != ti {
				out.ChildTreelet[rightChild] = b.allTreelets[target].sTreeletID
				out.ChildNode[rightChild] = locations[d][right]
				b.mgr.RecordDependency(
					manager.ObjectKey{Type: manager.Treelet, ID: tid},
					manager.ObjectKey{Type: manager.Treelet, ID: b.allTreelets[target].sTreeletID})
			} else {
				fixes = append(fixes, parentFix{idx: outIdx, side: rightChild})
			}

			left := nodeIdx + 1
			if target := b.treeletAllocations[d][left]; target != ti {
				out.ChildTreelet[leftChild] = b.allTreelets[target].sTreeletID
				out.ChildNode[leftChild] = locations[d][left]
				b.mgr.RecordDependency(
					manager.ObjectKey{Type: manager.Treelet, ID: tid},
					manager.ObjectKey{Type: manager.Treelet, ID: b.allTreelets[target].sTreeletID})
			} else {
				fixes = append(fixes, parentFix{idx: outIdx, side: leftChild})
			}
		}

		outNodes = append(outNodes, out)
		outPrims = append(outPrims, pl)
	}
	if len(fixes) != 0 {
		return errors.Errorf("compiler: %d unresolved child links after node emission", len(fixes))
	}

	// Copyable instance sub-trees get appended as self-contained node spans;
	// referencing leaves point at the span root via an included-instance ref.
	for _, inst := range info.instances {
		start := instanceStarts[inst]
		for i := range inst.nodes {
			src := &inst.nodes[i]
			out := scene.TreeletNode{Bounds: src.Bounds, Axis: uint8(src.Axis)}
			var pl primLists

			if src.IsLeaf() {
				for primIdx := uint32(0); primIdx < src.PrimitiveCount; primIdx++ {
					prim := inst.prims[src.PrimitiveOffset+primIdx]
					if prim.IsInstance() {
						return errors.New("compiler: instance BVH contains a nested instance")
					}
					rm := remaps[prim.Mesh]
					rec, err := rm.lookup(prim.TriNumber)
					if err != nil {
						return err
					}
					pl.triangles = append(pl.triangles, rec)
				}
				out.SetLeaf(primCursor, src.PrimitiveCount)
				primCursor += src.PrimitiveCount
			} else {
				out.ChildTreelet[leftChild] = tid
				out.ChildTreelet[rightChild] = tid
				out.ChildNode[leftChild] = start + uint32(i) + 1
				out.ChildNode[rightChild] = start + src.SecondChildOffset
			}

			outNodes = append(outNodes, out)
			outPrims = append(outPrims, pl)
		}
	}

	w.WriteUint32(uint32(len(outNodes)))
	w.WriteUint32(primCursor)
	w.WriteBytes(scene.MarshalNodes(outNodes))
	for i := range outNodes {
		pl := &outPrims[i]
		w.WriteUint32(uint32(len(pl.transformed)))
		w.WriteUint32(uint32(len(pl.triangles)))
		for j := range pl.transformed {
			w.WriteBytes(pl.transformed[j].Marshal())
		}
		for j := range pl.triangles {
			w.WriteBytes(pl.triangles[j].Marshal())
		}
	}

	if err := w.Close(); err != nil {
		return err
	}
	logger.Debugf("treelet %d: %d nodes, %d primitives, %s",
		tid, len(outNodes), primCursor, humanize.IBytes(uint64(len(w.Bytes()))))
	return nil
}

// instanceRecord produces the transformed-primitive record for one instance
// reference. Copyable instances point back into this treelet's appended node
// span; others point at the instance's own root treelet, dumping it first if
// needed.
func (b *TreeletBVH) instanceRecord(prim *BuildPrimitive, info *TreeletInfo, tid uint32,
	instanceStarts map[*TreeletBVH]uint32) (scene.TransformedPrimitiveRecord, error) {

	inst := prim.Instance
	var ref uint64
	if inst.copyable {
		start, ok := instanceStarts[inst]
		if !ok {
			return scene.TransformedPrimitiveRecord{},
				errors.Errorf("compiler: copyable instance %d not included in treelet %d", inst.instanceID, tid)
		}
		ref = scene.MakeInstanceRef(tid, start)
	} else {
		roots, err := inst.DumpTreelets()
		if err != nil {
			return scene.TransformedPrimitiveRecord{}, err
		}
		idx := info.dirIdx
		if idx >= len(roots) {
			idx = 0
		}
		ref = scene.MakeInstanceRef(roots[idx], 0)
		b.mgr.RecordDependency(
			manager.ObjectKey{Type: manager.Treelet, ID: tid},
			manager.ObjectKey{Type: manager.Treelet, ID: roots[idx]})
	}

	return scene.TransformedPrimitiveRecord{
		RootRef:        ref,
		StartTransform: prim.Transform.Start,
		EndTransform:   prim.Transform.End,
		StartTime:      prim.Transform.StartTime,
		EndTime:        prim.Transform.EndTime,
	}, nil
}

// collectMeshes gathers every mesh a treelet references, in first-touch
// node order: scene meshes with the triangle subset their leaves name,
// then each included instance's meshes kept whole.
func (b *TreeletBVH) collectMeshes(info *TreeletInfo) []*meshSlot {
	var slots []*meshSlot
	index := make(map[*scene.TriangleMesh]*meshSlot)

	add := func(mesh *scene.TriangleMesh) *meshSlot {
		slot, ok := index[mesh]
		if !ok {
			slot = &meshSlot{mesh: mesh}
			index[mesh] = slot
			slots = append(slots, slot)
		}
		return slot
	}

	for _, nodeIdx := range info.nodes {
		node := &b.nodes[nodeIdx]
		for primIdx := uint32(0); primIdx < node.PrimitiveCount; primIdx++ {
			prim := b.prims[node.PrimitiveOffset+primIdx]
			if prim.IsInstance() {
				continue
			}
			slot := add(prim.Mesh)
			slot.tris = append(slot.tris, prim.TriNumber)
		}
	}

	for _, inst := range info.instances {
		for _, prim := range inst.prims {
			if prim.IsInstance() {
				continue
			}
			add(prim.Mesh).tris = nil
		}
	}
	return slots
}

// writeMeshes serializes the treelet's meshes, patching the count in after
// the fact since compound materials split one source mesh into several.
func (b *TreeletBVH) writeMeshes(w *record.Writer, tid uint32, slots []*meshSlot) (map[*scene.TriangleMesh]*meshRemap, error) {
	meshCountOff := w.Offset()
	w.WriteUint32(0)

	remaps := make(map[*scene.TriangleMesh]*meshRemap)
	var numMeshes uint32

	for _, slot := range slots {
		mtl := b.mgr.MeshMaterialID(slot.mesh)
		light := b.mgr.MeshAreaLightID(slot.mesh)

		tris := slot.tris
		if tris == nil {
			tris = make([]uint32, slot.mesh.TriangleCount())
			for i := range tris {
				tris[i] = uint32(i)
			}
		}

		rm := &meshRemap{tris: make(map[uint32]scene.TriangleRecord)}
		remaps[slot.mesh] = rm

		if b.mgr.IsCompoundMaterial(mtl) {
			n, err := b.writeCompoundMesh(w, tid, slot.mesh, mtl, light, tris, rm)
			if err != nil {
				return nil, err
			}
			numMeshes += n
			continue
		}

		newID := b.mgr.NextID(manager.TriangleMesh, nil)
		rm.meshID = uint64(newID)

		var blob []byte
		if slot.tris == nil {
			// whole mesh, triangle numbers survive unchanged
			rm.identity = true
			blob = slot.mesh.Serialize()
		} else {
			for i, tri := range tris {
				rm.tris[tri] = scene.TriangleRecord{MeshID: uint64(newID), TriNumber: uint32(i)}
			}
			blob = slot.mesh.Cut(tris, nil).Serialize()
		}

		if err := writeMeshEntry(w, b.mgr, tid, uint64(newID), mtl, light, blob); err != nil {
			return nil, err
		}
		numMeshes++
	}

	if err := w.PatchUint32(meshCountOff, numMeshes); err != nil {
		return nil, err
	}
	return remaps, nil
}

// writeCompoundMesh splits one mesh along its compound-material partitions:
// each triangle goes to the partition material owning its ptex face, and
// each partition becomes a separate serialized mesh with renumbered faces.
func (b *TreeletBVH) writeCompoundMesh(w *record.Writer, tid uint32, mesh *scene.TriangleMesh,
	mtl, light uint32, tris []uint32, rm *meshRemap) (uint32, error) {

	if len(mesh.FaceIndices) == 0 {
		return 0, errors.Errorf("compiler: compound material %d on a mesh without face indices", mtl)
	}
	parts := b.mgr.CompoundMaterial(mtl)

	partMtls := make([]uint32, 0, len(parts))
	for partMtl := range parts {
		partMtls = append(partMtls, partMtl)
	}
	sort.Slice(partMtls, func(i, j int) bool { return partMtls[i] < partMtls[j] })

	faceOwner := make(map[uint32]uint32)
	for _, partMtl := range partMtls {
		for face := range parts[partMtl] {
			faceOwner[face] = partMtl
		}
	}

	partTris := make(map[uint32][]uint32)
	for _, tri := range tris {
		face := mesh.FaceIndices[tri]
		partMtl, ok := faceOwner[face]
		if !ok {
			return 0, errors.Errorf("compiler: face %d of material %d not covered by any partition", face, mtl)
		}
		partTris[partMtl] = append(partTris[partMtl], tri)
	}

	var numMeshes uint32
	for _, partMtl := range partMtls {
		sub := partTris[partMtl]
		if len(sub) == 0 {
			continue
		}
		faceMap := parts[partMtl]

		newID := b.mgr.NextID(manager.TriangleMesh, nil)
		for i, tri := range sub {
			rm.tris[tri] = scene.TriangleRecord{MeshID: uint64(newID), TriNumber: uint32(i)}
		}

		blob := mesh.Cut(sub, func(face uint32) uint32 { return faceMap[face] }).Serialize()
		if err := writeMeshEntry(w, b.mgr, tid, uint64(newID), partMtl, light, blob); err != nil {
			return 0, err
		}
		numMeshes++
	}
	return numMeshes, nil
}

func writeMeshEntry(w *record.Writer, mgr *manager.SceneManager, tid uint32,
	meshID uint64, mtl, light uint32, blob []byte) error {

	hdr := scene.MeshHeader{
		MeshID:      meshID,
		Material:    scene.MaterialKey{Treelet: mgr.MaterialTreeletID(mtl), ID: mtl},
		AreaLightID: light,
	}
	w.WriteBytes(hdr.Marshal())
	w.WriteBytes(blob)

	if mtl != 0 {
		mgr.RecordDependency(
			manager.ObjectKey{Type: manager.Treelet, ID: tid},
			manager.ObjectKey{Type: manager.Material, ID: mtl})
		mgr.RecordDependency(
			manager.ObjectKey{Type: manager.Treelet, ID: tid},
			manager.ObjectKey{Type: manager.Treelet, ID: hdr.Material.Treelet})
	}
	return nil
}

// writeTreeletProbabilities writes the scheduler's treelet weight file:
// one "id probability" line per treelet, with non-copyable instance
// treelets scaled by the modeled probability of entering the instance.
func (b *TreeletBVH) writeTreeletProbabilities() error {
	f, err := os.Create(filepath.Join(b.mgr.ScenePath(), "STATIC0_pre"))
	if err != nil {
		return errors.Wrap(err, "compiler: creating probability file")
	}
	defer f.Close()

	for _, info := range b.allTreelets {
		fmt.Fprintf(f, "%d %f\n", info.sTreeletID, info.totalProb)
	}

	for _, inst := range b.nonCopyableInstances() {
		if !inst.dumped {
			continue
		}
		for _, info := range inst.allTreelets {
			scale := b.reg.probabilities[info.dirIdx][inst.instanceID]
			fmt.Fprintf(f, "%d %f\n", info.sTreeletID, scale*info.totalProb)
		}
	}
	return f.Close()
}

func (b *TreeletBVH) nonCopyableInstances() []*TreeletBVH {
	seen := make(map[*TreeletBVH]struct{})
	var insts []*TreeletBVH
	for _, prim := range b.prims {
		if !prim.IsInstance() || prim.Instance.copyable {
			continue
		}
		if _, ok := seen[prim.Instance]; ok {
			continue
		}
		seen[prim.Instance] = struct{}{}
		insts = append(insts, prim.Instance)
	}
	sort.Slice(insts, func(i, j int) bool { return insts[i].instanceID < insts[j].instanceID })
	return insts
}
