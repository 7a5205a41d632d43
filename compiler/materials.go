package compiler

import (
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/esaurez/pbrt-v3/manager"
)

// Material treelets get three quarters of the geometry budget; texture keys
// per treelet are capped so link tables stay small.
const (
	materialBudgetNum        = 3
	materialBudgetDen        = 4
	maxTextureKeysPerTreelet = 150
)

// FaceSet exposes the face structure of a ptex texture group: per-face byte
// sizes and the quad adjacency needed to keep partitions spatially
// coherent. Adjacent returns -1 for missing neighbors.
type FaceSet interface {
	Count() uint32
	Size(face uint32) uint64
	Adjacent(face uint32) [4]int64
}

// TexturePartitioner is the injected capability that performs the actual
// ptex file surgery when a material's texture footprint exceeds the
// material treelet budget. CutTextures writes the partition's texture files
// through the scene manager and returns the new texture ids plus the
// old-face to new-face mapping; MaterialForPartition writes a material
// definition bound to those textures and records its dependencies.
type TexturePartitioner interface {
	Faces(texIDs []uint32) (FaceSet, error)
	CutTextures(texIDs []uint32, faces map[uint32]struct{}) (manager.TexturePartition, error)
	MaterialForPartition(mtl uint32, part manager.TexturePartition) (uint32, error)
}

type materialEntry struct {
	id   uint32
	stex []uint32
	ftex []uint32
	size uint64
}

// textureGroup collects every material sharing one exact texture set.
type textureGroup struct {
	key       string
	texIDs    []uint32
	texSize   uint64
	materials []materialEntry
	totalSize uint64
}

type materialTreelet struct {
	groups []*textureGroup
	noTex  []materialEntry
	size   uint64
}

// dumpMaterials assigns every material to a material treelet and writes the
// treelet files: texture payloads, material definitions and no geometry.
// Materials whose texture footprint exceeds the budget are first split into
// compound materials along ptex face partitions.
func (b *TreeletBVH) dumpMaterials() error {
	budget := materialBudgetNum * b.cfg.MaxTreeletBytes / materialBudgetDen

	var entries []materialEntry
	for _, mtl := range b.mgr.MaterialIDs() {
		if mtl == 0 {
			continue
		}
		split, err := b.prepareMaterial(mtl, budget)
		if err != nil {
			return err
		}
		entries = append(entries, split...)
	}

	groups, noTex, err := b.groupByTextures(entries)
	if err != nil {
		return err
	}
	mergeSubsetGroups(groups)

	treelets, err := packMaterialTreelets(groups, noTex, budget)
	if err != nil {
		return err
	}

	for _, mt := range treelets {
		if len(mt.groups) == 0 && len(mt.noTex) == 0 {
			continue
		}
		if err := b.writeMaterialTreelet(mt); err != nil {
			return err
		}
	}
	logger.Infof("dumped %d material treelets for %d materials", len(treelets), len(entries))
	return nil
}

// prepareMaterial sizes one material's texture closure. Oversized materials
// come back as their compound partition materials instead.
func (b *TreeletBVH) prepareMaterial(mtl uint32, budget uint64) ([]materialEntry, error) {
	texIDs, stex, ftex := b.materialClosure(mtl)

	var texSize uint64
	for _, id := range texIDs {
		sz, err := b.objectSize(manager.Texture, id)
		if err != nil {
			return nil, err
		}
		texSize += sz
	}

	if texSize <= budget {
		entry, err := b.sizeEntry(mtl, stex, ftex)
		if err != nil {
			return nil, err
		}
		return []materialEntry{entry}, nil
	}

	if b.cfg.Partitioner == nil {
		return nil, errors.Errorf("compiler: material %d needs %s of textures, over the %s material budget, and no texture partitioner is configured",
			mtl, humanize.IBytes(texSize), humanize.IBytes(budget))
	}

	parts, err := b.generateTexturePartitions(texIDs, budget)
	if err != nil {
		return nil, errors.Wrapf(err, "compiler: partitioning textures of material %d", mtl)
	}
	texKey := textureKey(texIDs)

	var entries []materialEntry
	for _, part := range parts {
		b.mgr.AddToCompoundTexture(texKey, part)

		partMtl, err := b.cfg.Partitioner.MaterialForPartition(mtl, part)
		if err != nil {
			return nil, errors.Wrapf(err, "compiler: deriving partition material of %d", mtl)
		}
		b.mgr.AddToCompoundMaterial(mtl, partMtl, part.FaceMap)

		_, pstex, pftex := b.materialClosure(partMtl)
		entry, err := b.sizeEntry(partMtl, pstex, pftex)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	logger.Infof("material %d split into %d compound partitions (%s of textures)",
		mtl, len(parts), humanize.IBytes(texSize))
	return entries, nil
}

func (b *TreeletBVH) sizeEntry(mtl uint32, stex, ftex []uint32) (materialEntry, error) {
	entry := materialEntry{id: mtl, stex: stex, ftex: ftex}
	sz, err := b.objectSize(manager.Material, mtl)
	if err != nil {
		return entry, err
	}
	entry.size = sz
	for _, id := range stex {
		if sz, err = b.objectSize(manager.SpectrumTexture, id); err != nil {
			return entry, err
		}
		entry.size += sz
	}
	for _, id := range ftex {
		if sz, err = b.objectSize(manager.FloatTexture, id); err != nil {
			return entry, err
		}
		entry.size += sz
	}
	return entry, nil
}

// materialClosure walks the dependency graph below one material and splits
// the reachable objects by type.
func (b *TreeletBVH) materialClosure(mtl uint32) (texIDs, stexIDs, ftexIDs []uint32) {
	seen := make(map[manager.ObjectKey]struct{})
	var walk func(key manager.ObjectKey)
	walk = func(key manager.ObjectKey) {
		for _, dep := range b.mgr.Dependencies(key) {
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			switch dep.Type {
			case manager.Texture:
				texIDs = append(texIDs, dep.ID)
			case manager.SpectrumTexture:
				stexIDs = append(stexIDs, dep.ID)
			case manager.FloatTexture:
				ftexIDs = append(ftexIDs, dep.ID)
			}
			walk(dep)
		}
	}
	walk(manager.ObjectKey{Type: manager.Material, ID: mtl})

	sortIDs := func(ids []uint32) {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	sortIDs(texIDs)
	sortIDs(stexIDs)
	sortIDs(ftexIDs)
	return texIDs, stexIDs, ftexIDs
}

func (b *TreeletBVH) objectSize(t manager.ObjectType, id uint32) (uint64, error) {
	fi, err := os.Stat(b.mgr.FilePath(t, id))
	if err != nil {
		return 0, errors.Wrapf(err, "compiler: sizing %s %d", t, id)
	}
	return uint64(fi.Size()), nil
}

func textureKey(texIDs []uint32) string {
	names := make([]string, len(texIDs))
	for i, id := range texIDs {
		names[i] = manager.FileName(manager.Texture, id)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func (b *TreeletBVH) groupByTextures(entries []materialEntry) ([]*textureGroup, []materialEntry, error) {
	byKey := make(map[string]*textureGroup)
	var keys []string
	var noTex []materialEntry

	for _, entry := range entries {
		texIDs, _, _ := b.materialClosure(entry.id)
		if len(texIDs) == 0 {
			noTex = append(noTex, entry)
			continue
		}
		key := textureKey(texIDs)
		grp, ok := byKey[key]
		if !ok {
			grp = &textureGroup{key: key, texIDs: texIDs}
			for _, id := range texIDs {
				sz, err := b.objectSize(manager.Texture, id)
				if err != nil {
					return nil, nil, err
				}
				grp.texSize += sz
			}
			grp.totalSize = grp.texSize
			byKey[key] = grp
			keys = append(keys, key)
		}
		grp.materials = append(grp.materials, entry)
		grp.totalSize += entry.size
	}

	sort.Strings(keys)
	groups := make([]*textureGroup, len(keys))
	for i, key := range keys {
		groups[i] = byKey[key]
	}
	return groups, noTex, nil
}

// mergeSubsetGroups folds any group whose texture set is contained in
// another group's set into that group; the materials ride along for free
// since the textures are already paid for.
func mergeSubsetGroups(groups []*textureGroup) {
	for i, small := range groups {
		if small == nil {
			continue
		}
		for j, big := range groups {
			if i == j || big == nil || len(small.texIDs) >= len(big.texIDs) {
				continue
			}
			if !subsetOf(small.texIDs, big.texIDs) {
				continue
			}
			big.materials = append(big.materials, small.materials...)
			for _, entry := range small.materials {
				big.totalSize += entry.size
			}
			groups[i] = nil
			break
		}
	}
}

func subsetOf(small, big []uint32) bool {
	set := make(map[uint32]struct{}, len(big))
	for _, id := range big {
		set[id] = struct{}{}
	}
	for _, id := range small {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

// packMaterialTreelets first-fit packs the texture groups, largest first,
// then drops the untextured materials into the smallest bins.
func packMaterialTreelets(groups []*textureGroup, noTex []materialEntry, budget uint64) ([]*materialTreelet, error) {
	live := groups[:0:0]
	for _, grp := range groups {
		if grp != nil {
			live = append(live, grp)
		}
	}
	sort.SliceStable(live, func(i, j int) bool { return live[i].totalSize > live[j].totalSize })

	treelets := []*materialTreelet{{}}
	for _, grp := range live {
		if grp.totalSize > budget {
			return nil, errors.Errorf("compiler: texture group %q is %s, over the %s material budget",
				grp.key, humanize.IBytes(grp.totalSize), humanize.IBytes(budget))
		}
		placed := false
		for _, mt := range treelets {
			if mt.size+grp.totalSize <= budget && len(mt.groups) < maxTextureKeysPerTreelet {
				mt.groups = append(mt.groups, grp)
				mt.size += grp.totalSize
				placed = true
				break
			}
		}
		if !placed {
			treelets = append(treelets, &materialTreelet{
				groups: []*textureGroup{grp},
				size:   grp.totalSize,
			})
		}
	}

	for _, entry := range noTex {
		smallest := treelets[0]
		for _, mt := range treelets[1:] {
			if mt.size < smallest.size {
				smallest = mt
			}
		}
		if smallest.size+entry.size > budget {
			return nil, errors.Errorf("compiler: material %d does not fit any material treelet", entry.id)
		}
		smallest.noTex = append(smallest.noTex, entry)
		smallest.size += entry.size
	}
	return treelets, nil
}

// writeMaterialTreelet writes one material treelet file: the four payload
// tables followed by an empty geometry section, so the loader parses it with
// the same code path as geometry treelets.
func (b *TreeletBVH) writeMaterialTreelet(mt *materialTreelet) error {
	tid := b.mgr.NextID(manager.Treelet, nil)
	w := b.mgr.GetWriter(manager.Treelet, tid)
	key := manager.ObjectKey{Type: manager.Treelet, ID: tid}

	texIDs := make(map[uint32]struct{})
	stexIDs := make(map[uint32]struct{})
	ftexIDs := make(map[uint32]struct{})
	var materials []materialEntry

	collect := func(entry materialEntry) {
		materials = append(materials, entry)
		for _, id := range entry.stex {
			stexIDs[id] = struct{}{}
		}
		for _, id := range entry.ftex {
			ftexIDs[id] = struct{}{}
		}
		b.mgr.RecordMaterialTreeletID(entry.id, tid)
		b.mgr.RecordDependency(key, manager.ObjectKey{Type: manager.Material, ID: entry.id})
	}
	for _, grp := range mt.groups {
		for _, id := range grp.texIDs {
			texIDs[id] = struct{}{}
		}
		for _, entry := range grp.materials {
			collect(entry)
		}
	}
	for _, entry := range mt.noTex {
		collect(entry)
	}
	sort.Slice(materials, func(i, j int) bool { return materials[i].id < materials[j].id })

	writeTable := func(t manager.ObjectType, ids map[uint32]struct{}) error {
		sorted := make([]uint32, 0, len(ids))
		for id := range ids {
			sorted = append(sorted, id)
		}
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		w.WriteUint32(uint32(len(sorted)))
		for _, id := range sorted {
			blob, err := os.ReadFile(b.mgr.FilePath(t, id))
			if err != nil {
				return errors.Wrapf(err, "compiler: reading %s %d", t, id)
			}
			w.WriteUint32(id)
			w.WriteBytes(blob)
			b.mgr.RecordDependency(key, manager.ObjectKey{Type: t, ID: id})
		}
		return nil
	}

	if err := writeTable(manager.Texture, texIDs); err != nil {
		return err
	}
	if err := writeTable(manager.SpectrumTexture, stexIDs); err != nil {
		return err
	}
	if err := writeTable(manager.FloatTexture, ftexIDs); err != nil {
		return err
	}

	w.WriteUint32(uint32(len(materials)))
	for _, entry := range materials {
		blob, err := os.ReadFile(b.mgr.FilePath(manager.Material, entry.id))
		if err != nil {
			return errors.Wrapf(err, "compiler: reading material %d", entry.id)
		}
		w.WriteUint32(entry.id)
		w.WriteBytes(blob)
	}

	// empty geometry section
	w.WriteUint32(0) // mesh count
	w.WriteUint32(0) // node count
	w.WriteUint32(0) // primitive count
	w.WriteBytes(nil)

	return w.Close()
}

// generateTexturePartitions walks the faces of a texture group in adjacency
// order, flushing a partition whenever adding the next face would overflow
// the budget. Connected regions stay together as far as the budget allows.
func (b *TreeletBVH) generateTexturePartitions(texIDs []uint32, budget uint64) ([]manager.TexturePartition, error) {
	part := b.cfg.Partitioner
	faces, err := part.Faces(texIDs)
	if err != nil {
		return nil, err
	}

	count := faces.Count()
	assigned := make([]bool, count)
	current := make(map[uint32]struct{})
	var size uint64
	var out []manager.TexturePartition

	flush := func() error {
		if len(current) == 0 {
			return nil
		}
		p, err := part.CutTextures(texIDs, current)
		if err != nil {
			return err
		}
		out = append(out, p)
		current = make(map[uint32]struct{})
		size = 0
		return nil
	}

	for seed := uint32(0); seed < count; seed++ {
		if assigned[seed] {
			continue
		}
		queue := []uint32{seed}
		for len(queue) > 0 {
			face := queue[0]
			queue = queue[1:]
			if assigned[face] {
				continue
			}
			faceSize := faces.Size(face)
			if faceSize > budget {
				return nil, errors.Errorf("compiler: face %d alone is %s, over the %s budget",
					face, humanize.IBytes(faceSize), humanize.IBytes(budget))
			}
			if size+faceSize > budget {
				if err := flush(); err != nil {
					return nil, err
				}
			}
			assigned[face] = true
			current[face] = struct{}{}
			size += faceSize

			for _, adj := range faces.Adjacent(face) {
				if adj >= 0 && !assigned[uint32(adj)] {
					queue = append(queue, uint32(adj))
				}
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}
