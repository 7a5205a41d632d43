package cloud

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/esaurez/pbrt-v3/log"
	"github.com/esaurez/pbrt-v3/manager"
	"github.com/esaurez/pbrt-v3/record"
	"github.com/esaurez/pbrt-v3/scene"
	"github.com/esaurez/pbrt-v3/types"
)

var logger = log.New("cloud")

// traversal stack depth, matches the partitioner's depth guarantee
const maxTraversalDepth = 64

// Options configure a CloudBVH instance.
type Options struct {
	// Preload loads and finalizes every treelet at construction time.
	// Without it treelets load on first touch, which is only safe from a
	// single tracing goroutine.
	Preload bool
	// Directional selects the ray-octant root treelet (ids 0-7) instead
	// of a single root treelet 0.
	Directional bool
	// Workers bounds the parallelism of preload phases and declares how
	// many goroutines will trace. Lazy loading with Workers > 1 is a
	// construction-time error.
	Workers int
	// MaterialFactory decodes authoritative material blobs. Defaults to
	// scene.OpaqueMaterialFactory.
	MaterialFactory scene.MaterialFactory
	// LightFactory, when set, constructs concrete area lights from the
	// cached parameter stream.
	LightFactory scene.LightFactory
}

// CloudBVH owns a sparse collection of treelets and every instance wrapper
// created to link them. All cross-treelet references are integer refs
// resolved through its lookup tables.
type CloudBVH struct {
	mgr  *manager.SceneManager
	opts Options

	treelets []*Treelet

	// resolved cross-treelet instances, keyed by instance ref
	instances map[uint64]*Primitive
	// shared material link table, keyed by material id
	materials map[uint32]scene.Material

	areaLights map[uint32]scene.AreaLightParams
	lights     map[uint32]any

	rootBounds    types.Bounds3
	totalSceneLen uint64

	preloaded bool

	lightMu sync.Mutex

	// statistics, written only by the tracing goroutine (or under the
	// preload barrier)
	nodesLoaded        uint64
	nodesVisited       uint64
	primitivesVisited  uint64
	treeletBytesLoaded uint64
}

// New builds a CloudBVH over a compiled scene directory.
func New(mgr *manager.SceneManager, opts Options) (*CloudBVH, error) {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if !opts.Preload && opts.Workers > 1 {
		return nil, errors.Errorf("cloud: lazy loading requires a single worker, got %d", opts.Workers)
	}
	if opts.MaterialFactory == nil {
		opts.MaterialFactory = scene.OpaqueMaterialFactory{}
	}

	c := &CloudBVH{
		mgr:        mgr,
		opts:       opts,
		instances:  make(map[uint64]*Primitive),
		materials:  make(map[uint32]scene.Material),
		areaLights: make(map[uint32]scene.AreaLightParams),
		lights:     make(map[uint32]any),
	}

	if err := c.loadHeader(); err != nil {
		return nil, err
	}
	if err := c.loadAreaLights(); err != nil {
		return nil, err
	}
	if opts.Preload {
		if err := c.preloadAll(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// WorldBound returns the root bounds recorded in the scene header.
func (c *CloudBVH) WorldBound() types.Bounds3 {
	return c.rootBounds
}

// RootSurfaceAreas sums the surface area of the distinct loaded root
// treelet bounds.
func (c *CloudBVH) RootSurfaceAreas() float32 {
	var total float32
	var seen []types.Bounds3
	for _, t := range c.treelets {
		if t == nil || !t.finalized || len(t.nodes) == 0 {
			continue
		}
		b := t.RootBounds()
		dup := false
		for _, s := range seen {
			if s == b {
				dup = true
				break
			}
		}
		if !dup {
			seen = append(seen, b)
			total += b.SurfaceArea()
		}
	}
	return total
}

// SurfaceAreaUnion returns the surface area of the union of all loaded
// treelet root bounds.
func (c *CloudBVH) SurfaceAreaUnion() float32 {
	b := types.EmptyBounds()
	for _, t := range c.treelets {
		if t == nil || !t.finalized || len(t.nodes) == 0 {
			continue
		}
		b = types.Union(b, t.RootBounds())
	}
	return b.SurfaceArea()
}

// Clear drops every loaded treelet and all link tables; treelets reload on
// next touch.
func (c *CloudBVH) Clear() {
	c.treelets = nil
	c.instances = make(map[uint64]*Primitive)
	c.materials = make(map[uint32]scene.Material)
	c.preloaded = false
}

// LogStats reports load and traversal counters.
func (c *CloudBVH) LogStats() {
	logger.Infof("nodes loaded: %s, bytes loaded: %s, nodes visited: %s, primitives visited: %s",
		humanize.Comma(int64(c.nodesLoaded)),
		humanize.IBytes(c.treeletBytesLoaded),
		humanize.Comma(int64(c.nodesVisited)),
		humanize.Comma(int64(c.primitivesVisited)))
}

func (c *CloudBVH) loadHeader() error {
	r, err := record.OpenReader(filepath.Join(c.mgr.ScenePath(), "HEADER"))
	if err != nil {
		// scenes written before header emission still load
		logger.Debugf("no scene header: %v", err)
		return nil
	}
	defer r.Close()

	buf, err := r.ReadBytes()
	if err != nil {
		return errors.Wrap(err, "cloud: reading header bounds")
	}
	if c.rootBounds, err = scene.UnmarshalBounds(buf); err != nil {
		return errors.Wrap(err, "cloud: decoding header bounds")
	}
	if c.totalSceneLen, err = r.ReadUint64(); err != nil {
		return errors.Wrap(err, "cloud: reading header size")
	}
	logger.Infof("scene totals %s across treelets", humanize.IBytes(c.totalSceneLen))
	return nil
}

func (c *CloudBVH) loadAreaLights() error {
	path := c.mgr.FilePath(manager.AreaLights, 0)
	r, err := record.OpenReader(path)
	if err != nil {
		// area lights are optional
		logger.Debugf("no area light stream: %v", err)
		return nil
	}
	defer r.Close()

	count, err := r.ReadUint32()
	if err != nil {
		return errors.Wrapf(err, "cloud: reading %s", path)
	}
	for i := uint32(0); i < count; i++ {
		var p scene.AreaLightParams
		if p.ID, err = r.ReadUint32(); err != nil {
			return errors.Wrapf(err, "cloud: area light %d id", i)
		}
		mat, err := r.ReadBytes()
		if err != nil {
			return errors.Wrapf(err, "cloud: area light %d transform", i)
		}
		if p.LightToWorld, err = scene.UnmarshalMat4(mat); err != nil {
			return errors.Wrapf(err, "cloud: area light %d transform", i)
		}
		blob, err := r.ReadBytes()
		if err != nil {
			return errors.Wrapf(err, "cloud: area light %d params", i)
		}
		p.Params = append([]byte(nil), blob...)
		c.areaLights[p.ID] = p
	}
	return nil
}

// LoadTreelet makes treelet id fully usable, reading its record stream from
// buf when non-nil or from the scene directory otherwise. It is a no-op for
// already-finalized treelets and for preloaded scenes.
func (c *CloudBVH) LoadTreelet(id uint32, buf []byte) error {
	if c.preloaded {
		return nil
	}
	if int(id) < len(c.treelets) && c.treelets[id] != nil && c.treelets[id].finalized {
		return nil
	}
	if err := c.loadTreeletBase(id, buf); err != nil {
		return err
	}
	t := c.treelets[id]
	c.installPlaceholders(t)
	c.installExternalInstances(t)
	c.finalizeTreeletLoad(t)
	return nil
}

func (c *CloudBVH) growTreelets(id uint32) {
	for uint32(len(c.treelets)) <= id {
		c.treelets = append(c.treelets, nil)
	}
}

// loadTreeletBase deserializes treelet id and installs it into the sparse
// array. Single-threaded entry point for the lazy path.
func (c *CloudBVH) loadTreeletBase(id uint32, buf []byte) error {
	c.growTreelets(id)
	t := newTreelet(id)
	if err := c.readTreelet(t, buf); err != nil {
		return err
	}
	c.treelets[id] = t
	c.nodesLoaded += uint64(len(t.nodes))
	return nil
}

// readTreelet deserializes one treelet record stream: textures, materials,
// meshes, nodes, then the per-node primitive lists. Cross-treelet references
// are queued on the pending worklists, never resolved here. Touches no
// CloudBVH state except the mutex-guarded texture cache, so preload workers
// can run it concurrently.
func (c *CloudBVH) readTreelet(t *Treelet, buf []byte) error {
	id := t.id

	var r *record.Reader
	if buf != nil {
		r = record.NewReader(buf)
	} else {
		var err error
		if r, err = c.mgr.GetReader(manager.Treelet, id); err != nil {
			return err
		}
		defer r.Close()
	}

	fail := func(err error, stage string) error {
		return errors.Wrapf(err, "cloud: treelet %d: %s", id, stage)
	}

	// 1. ptex textures, registered into the shared in-memory cache
	ptexCount, err := r.ReadUint32()
	if err != nil {
		return fail(err, "ptex texture count")
	}
	for i := uint32(0); i < ptexCount; i++ {
		texID, err := r.ReadUint32()
		if err != nil {
			return fail(err, "ptex texture id")
		}
		blob, err := r.ReadBytes()
		if err != nil {
			return fail(err, "ptex texture payload")
		}
		c.mgr.AddInMemoryTexture(manager.FileName(manager.Texture, texID), append([]byte(nil), blob...))
	}

	// 2-3. spectrum and float textures
	if err := readTextureTable(r, t.spectrumTextures); err != nil {
		return fail(err, "spectrum textures")
	}
	if err := readTextureTable(r, t.floatTextures); err != nil {
		return fail(err, "float textures")
	}

	// 4. authoritative material definitions
	mtlCount, err := r.ReadUint32()
	if err != nil {
		return fail(err, "material count")
	}
	for i := uint32(0); i < mtlCount; i++ {
		mtlID, err := r.ReadUint32()
		if err != nil {
			return fail(err, "material id")
		}
		blob, err := r.ReadBytes()
		if err != nil {
			return fail(err, "material payload")
		}
		mtl, err := c.opts.MaterialFactory.DecodeMaterial(mtlID, blob)
		if err != nil {
			return fail(err, "material decode")
		}
		t.includedMaterials[mtlID] = mtl
	}

	// 5. triangle meshes
	meshCount, err := r.ReadUint32()
	if err != nil {
		return fail(err, "mesh count")
	}
	for i := uint32(0); i < meshCount; i++ {
		hdrBuf, err := r.ReadBytes()
		if err != nil {
			return fail(err, "mesh header")
		}
		hdr, err := scene.UnmarshalMeshHeader(hdrBuf)
		if err != nil {
			return fail(err, "mesh header")
		}
		blob, err := r.ReadBytes()
		if err != nil {
			return fail(err, "mesh payload")
		}
		mesh, err := scene.DeserializeMesh(blob)
		if err != nil {
			return fail(err, "mesh decode")
		}
		t.meshes[hdr.MeshID] = meshInfo{
			mesh:        mesh,
			material:    hdr.Material,
			areaLightID: hdr.AreaLightID,
		}
	}

	// 6. nodes
	nodeCount, err := r.ReadUint32()
	if err != nil {
		return fail(err, "node count")
	}
	primCount, err := r.ReadUint32()
	if err != nil {
		return fail(err, "primitive count")
	}
	nodeBuf, err := r.ReadBytes()
	if err != nil {
		return fail(err, "node array")
	}
	if t.nodes, err = scene.UnmarshalNodes(nodeBuf); err != nil {
		return fail(err, "node array")
	}
	if uint32(len(t.nodes)) != nodeCount {
		return fail(errors.Errorf("decoded %d nodes, header says %d", len(t.nodes), nodeCount), "node array")
	}
	t.primitives = make([]*Primitive, 0, primCount)

	// 7. per-node primitive lists, in node order
	for range t.nodes {
		tpCount, err := r.ReadUint32()
		if err != nil {
			return fail(err, "transformed primitive count")
		}
		triCount, err := r.ReadUint32()
		if err != nil {
			return fail(err, "triangle count")
		}
		for i := uint32(0); i < tpCount; i++ {
			buf, err := r.ReadBytes()
			if err != nil {
				return fail(err, "transformed primitive record")
			}
			rec, err := scene.UnmarshalTransformedPrimitive(buf)
			if err != nil {
				return fail(err, "transformed primitive record")
			}
			slot := len(t.primitives)
			t.primitives = append(t.primitives, nil)
			if scene.InstanceGroup(rec.RootRef) == id {
				// included instance, resolvable right now
				inst := t.includedInstance(rec.RootRef)
				t.primitives[slot] = &Primitive{
					Kind:      KindTransformed,
					Transform: rec.AnimatedTransform(),
					Inner:     inst,
				}
			} else {
				t.requiredInstances[rec.RootRef] = struct{}{}
				t.pendingInstances = append(t.pendingInstances, pendingInstance{slot: slot, rec: rec})
			}
		}
		for i := uint32(0); i < triCount; i++ {
			buf, err := r.ReadBytes()
			if err != nil {
				return fail(err, "triangle record")
			}
			rec, err := scene.UnmarshalTriangle(buf)
			if err != nil {
				return fail(err, "triangle record")
			}
			mi, ok := t.meshes[rec.MeshID]
			if !ok {
				return fail(errors.Errorf("triangle references unknown mesh %d", rec.MeshID), "triangle record")
			}
			slot := len(t.primitives)
			t.primitives = append(t.primitives, nil)
			if mi.material.ID != 0 {
				t.requiredMaterials[mi.material] = struct{}{}
			}
			t.pendingTriangles = append(t.pendingTriangles, pendingTriangle{slot: slot, rec: rec})
		}
	}
	if uint32(len(t.primitives)) != primCount {
		return fail(errors.Errorf("decoded %d primitives, header says %d", len(t.primitives), primCount), "primitives")
	}

	t.loaded = true
	logger.Debugf("treelet %d loaded: %d nodes, %d primitives, %d meshes",
		id, len(t.nodes), len(t.primitives), len(t.meshes))
	return nil
}

func (t *Treelet) includedInstance(ref uint64) *Primitive {
	if inst, ok := t.includedInstances[ref]; ok {
		return inst
	}
	inst := &Primitive{
		Kind:      KindIncludedInstance,
		Treelet:   t.id,
		NodeIndex: scene.InstanceNode(ref),
	}
	t.includedInstances[ref] = inst
	return inst
}

// installPlaceholders puts a placeholder into the shared material table for
// every required material that has no definition yet.
func (c *CloudBVH) installPlaceholders(t *Treelet) {
	for id, mtl := range t.includedMaterials {
		c.materials[id] = mtl
	}
	for key := range t.requiredMaterials {
		if _, ok := c.materials[key.ID]; !ok {
			c.materials[key.ID] = &scene.PlaceholderMaterial{Key: key}
		}
	}
}

// installExternalInstances creates the forwarding wrapper for every
// unresolved cross-treelet instance ref.
func (c *CloudBVH) installExternalInstances(t *Treelet) {
	for ref := range t.requiredInstances {
		if _, ok := c.instances[ref]; ok {
			continue
		}
		c.instances[ref] = &Primitive{
			Kind:        KindExternalInstance,
			RootTreelet: scene.InstanceGroup(ref),
		}
	}
}

// finalizeTreeletLoad drains the pending worklists, turning every null
// primitive slot into a concrete primitive. The treelet is immutable after
// this returns.
func (c *CloudBVH) finalizeTreeletLoad(t *Treelet) {
	for _, p := range t.pendingInstances {
		inst, ok := c.instances[p.rec.RootRef]
		if !ok {
			panic(errors.Errorf("cloud: treelet %d: unresolved instance ref %#x", t.id, p.rec.RootRef))
		}
		t.primitives[p.slot] = &Primitive{
			Kind:      KindTransformed,
			Transform: p.rec.AnimatedTransform(),
			Inner:     inst,
		}
	}
	for _, p := range t.pendingTriangles {
		mi := t.meshes[p.rec.MeshID]
		prim := &Primitive{
			Kind:        KindTriangle,
			Mesh:        mi.mesh,
			TriNumber:   p.rec.TriNumber,
			MaterialKey: mi.material,
		}
		if mi.material.ID != 0 {
			prim.Material = c.materials[mi.material.ID]
		}
		if mi.areaLightID != 0 {
			// each emissive triangle gets its own light id
			prim.AreaLightID = mi.areaLightID + p.rec.TriNumber
			c.constructAreaLight(mi.areaLightID, prim.AreaLightID)
		}
		t.primitives[p.slot] = prim
	}
	t.pendingInstances = nil
	t.pendingTriangles = nil
	t.finalized = true
}

func (c *CloudBVH) constructAreaLight(baseID, lightID uint32) {
	if c.opts.LightFactory == nil {
		return
	}
	c.lightMu.Lock()
	defer c.lightMu.Unlock()
	if _, ok := c.lights[lightID]; ok {
		return
	}
	params, ok := c.areaLights[baseID]
	if !ok {
		panic(errors.Errorf("cloud: no cached parameters for area light %d", baseID))
	}
	light, err := c.opts.LightFactory.DecodeAreaLight(params)
	if err != nil {
		panic(errors.Wrapf(err, "cloud: constructing area light %d", lightID))
	}
	c.lights[lightID] = light
}

// preloadAll loads every treelet in parallel, unions the required materials
// and instances across all of them, then finalizes in parallel. The barrier
// between the phases is what lets cross-treelet forward references resolve
// without placeholder churn.
func (c *CloudBVH) preloadAll() error {
	count := c.mgr.TreeletCount()
	if count == 0 {
		return errors.New("cloud: scene has no treelets")
	}
	c.growTreelets(count - 1)
	c.mgr.SetSyncTextureReads(true)

	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(c.opts.Workers)
	var mu sync.Mutex
	for id := uint32(0); id < count; id++ {
		id := id
		g.Go(func() error {
			t := newTreelet(id)
			if err := c.readTreelet(t, nil); err != nil {
				return err
			}
			mu.Lock()
			c.treelets[id] = t
			c.nodesLoaded += uint64(len(t.nodes))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, t := range c.treelets {
		c.installPlaceholders(t)
	}
	for _, t := range c.treelets {
		c.installExternalInstances(t)
	}

	fin, _ := errgroup.WithContext(context.Background())
	fin.SetLimit(c.opts.Workers)
	for _, t := range c.treelets {
		t := t
		fin.Go(func() error {
			c.finalizeTreeletLoad(t)
			return nil
		})
	}
	if err := fin.Wait(); err != nil {
		return err
	}
	c.preloaded = true
	logger.Infof("preloaded %d treelets, %s nodes", count, humanize.Comma(int64(c.nodesLoaded)))
	return nil
}

func readTextureTable(r *record.Reader, into map[uint32][]byte) error {
	count, err := r.ReadUint32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		id, err := r.ReadUint32()
		if err != nil {
			return err
		}
		blob, err := r.ReadBytes()
		if err != nil {
			return err
		}
		into[id] = append([]byte(nil), blob...)
	}
	return nil
}
