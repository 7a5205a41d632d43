// Package manager implements the scene object store: it maps typed object ids
// to files inside a scene directory, hands out fresh ids during dumping,
// tracks inter-object dependencies, and caches in-memory textures. A
// SceneManager instance is passed explicitly to every component that needs
// one; there is no ambient global store.
package manager

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/esaurez/pbrt-v3/record"
)

type ObjectType uint8

const (
	Treelet ObjectType = iota
	TriangleMesh
	Material
	FloatTexture
	SpectrumTexture
	Texture
	AreaLights
	Manifest

	objectTypeCount
)

func (t ObjectType) String() string {
	switch t {
	case Treelet:
		return "treelet"
	case TriangleMesh:
		return "mesh"
	case Material:
		return "material"
	case FloatTexture:
		return "ftex"
	case SpectrumTexture:
		return "stex"
	case Texture:
		return "tex"
	case AreaLights:
		return "arealights"
	case Manifest:
		return "manifest"
	}
	return "unknown"
}

// ObjectKey identifies one stored object.
type ObjectKey struct {
	Type ObjectType
	ID   uint32
}

// FileName returns the canonical name of an object inside a scene directory.
func FileName(t ObjectType, id uint32) string {
	switch t {
	case Treelet:
		return fmt.Sprintf("T%d", id)
	case TriangleMesh:
		return fmt.Sprintf("TM%d", id)
	case Material:
		return fmt.Sprintf("MAT%d", id)
	case FloatTexture:
		return fmt.Sprintf("FTEX%d", id)
	case SpectrumTexture:
		return fmt.Sprintf("STEX%d", id)
	case Texture:
		return fmt.Sprintf("TEX%d", id)
	case AreaLights:
		return "AREALIGHTS"
	case Manifest:
		return "MANIFEST"
	}
	return fmt.Sprintf("UNKNOWN%d", id)
}

type inMemoryTexture struct {
	data []byte
}

// SceneManager is bound to one scene directory.
type SceneManager struct {
	scenePath string

	nextIDs [objectTypeCount]uint32
	ptrIDs  map[any]uint32

	dependencies map[ObjectKey]map[ObjectKey]struct{}

	meshMaterialIDs  map[any]uint32
	meshAreaLightIDs map[any]uint32

	materialToTreelet map[uint32]uint32

	// compound textures: joined texture key -> partitions, each carrying the
	// new texture ids and the old-face -> new-face mapping
	compoundTextures map[string][]TexturePartition
	// compound materials: original material -> partition material -> face map
	compoundMaterials map[uint32]map[uint32]map[uint32]uint32

	texMu            sync.Mutex
	syncTextureReads bool
	inMemoryTextures map[string]inMemoryTexture
}

// TexturePartition is one size-bounded face group cut out of a texture set.
type TexturePartition struct {
	TextureIDs []uint32
	FaceMap    map[uint32]uint32
}

func New(scenePath string) *SceneManager {
	return &SceneManager{
		scenePath:         scenePath,
		ptrIDs:            make(map[any]uint32),
		dependencies:      make(map[ObjectKey]map[ObjectKey]struct{}),
		meshMaterialIDs:   make(map[any]uint32),
		meshAreaLightIDs:  make(map[any]uint32),
		materialToTreelet: make(map[uint32]uint32),
		compoundTextures:  make(map[string][]TexturePartition),
		compoundMaterials: make(map[uint32]map[uint32]map[uint32]uint32),
		inMemoryTextures:  make(map[string]inMemoryTexture),
	}
}

// Open binds to an existing scene directory and loads its manifest.
func Open(scenePath string) (*SceneManager, error) {
	m := New(scenePath)
	if err := m.loadManifest(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *SceneManager) ScenePath() string {
	return m.scenePath
}

func (m *SceneManager) FilePath(t ObjectType, id uint32) string {
	return filepath.Join(m.scenePath, FileName(t, id))
}

// GetReader memory-maps the record file backing the given object.
func (m *SceneManager) GetReader(t ObjectType, id uint32) (*record.Reader, error) {
	r, err := record.OpenReader(m.FilePath(t, id))
	if err != nil {
		return nil, errors.Wrapf(err, "manager: reading %s %d", t, id)
	}
	return r, nil
}

// GetWriter creates the record file backing the given object.
func (m *SceneManager) GetWriter(t ObjectType, id uint32) *record.Writer {
	return record.NewWriter(m.FilePath(t, id))
}

// NextID issues a fresh id for the given object type. A non-nil ptr is
// remembered so the id can later be looked up with GetID.
func (m *SceneManager) NextID(t ObjectType, ptr any) uint32 {
	id := m.nextIDs[t]
	m.nextIDs[t]++
	if ptr != nil {
		m.ptrIDs[ptr] = id
	}
	return id
}

// AllocatedIDs returns how many ids have been issued for a type.
func (m *SceneManager) AllocatedIDs(t ObjectType) uint32 {
	return m.nextIDs[t]
}

func (m *SceneManager) GetID(ptr any) uint32 {
	id, ok := m.ptrIDs[ptr]
	if !ok {
		panic("manager: no id recorded for object")
	}
	return id
}

func (m *SceneManager) HasID(ptr any) bool {
	_, ok := m.ptrIDs[ptr]
	return ok
}

func (m *SceneManager) TreeletCount() uint32 {
	return m.nextIDs[Treelet]
}

func (m *SceneManager) RecordDependency(from, to ObjectKey) {
	deps, ok := m.dependencies[from]
	if !ok {
		deps = make(map[ObjectKey]struct{})
		m.dependencies[from] = deps
	}
	deps[to] = struct{}{}
}

// Dependencies returns the direct dependencies of an object, sorted.
func (m *SceneManager) Dependencies(key ObjectKey) []ObjectKey {
	return sortedKeys(m.dependencies[key])
}

// TreeletDependencies returns the transitive dependency closure of a treelet.
func (m *SceneManager) TreeletDependencies(id uint32) []ObjectKey {
	seen := make(map[ObjectKey]struct{})
	var visit func(key ObjectKey)
	visit = func(key ObjectKey) {
		for dep := range m.dependencies[key] {
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			visit(dep)
		}
	}
	visit(ObjectKey{Treelet, id})
	return sortedKeys(seen)
}

func (m *SceneManager) RecordMeshMaterialID(mesh any, mtl uint32) {
	m.meshMaterialIDs[mesh] = mtl
}

func (m *SceneManager) MeshMaterialID(mesh any) uint32 {
	return m.meshMaterialIDs[mesh]
}

func (m *SceneManager) RecordMeshAreaLightID(mesh any, light uint32) {
	m.meshAreaLightIDs[mesh] = light
}

func (m *SceneManager) MeshAreaLightID(mesh any) uint32 {
	return m.meshAreaLightIDs[mesh]
}

func (m *SceneManager) RecordMaterialTreeletID(mtl, treelet uint32) {
	m.materialToTreelet[mtl] = treelet
}

func (m *SceneManager) MaterialTreeletID(mtl uint32) uint32 {
	if mtl == 0 {
		return 0
	}
	tid, ok := m.materialToTreelet[mtl]
	if !ok {
		panic(fmt.Sprintf("manager: material %d has no treelet assignment", mtl))
	}
	return tid
}

// MaterialIDs returns every material id that has a treelet assignment or a
// stored definition, sorted.
func (m *SceneManager) MaterialIDs() []uint32 {
	seen := make(map[uint32]struct{})
	for key := range m.dependencies {
		if key.Type == Material {
			seen[key.ID] = struct{}{}
		}
	}
	for id := uint32(0); id < m.nextIDs[Material]; id++ {
		seen[id] = struct{}{}
	}
	ids := make([]uint32, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *SceneManager) AddToCompoundTexture(texKey string, part TexturePartition) {
	m.compoundTextures[texKey] = append(m.compoundTextures[texKey], part)
}

func (m *SceneManager) IsCompoundTexture(texKey string) bool {
	_, ok := m.compoundTextures[texKey]
	return ok
}

func (m *SceneManager) CompoundTexture(texKey string) []TexturePartition {
	return m.compoundTextures[texKey]
}

func (m *SceneManager) AddToCompoundMaterial(origMtl, partMtl uint32, faceMap map[uint32]uint32) {
	parts, ok := m.compoundMaterials[origMtl]
	if !ok {
		parts = make(map[uint32]map[uint32]uint32)
		m.compoundMaterials[origMtl] = parts
	}
	parts[partMtl] = faceMap
}

func (m *SceneManager) IsCompoundMaterial(mtl uint32) bool {
	_, ok := m.compoundMaterials[mtl]
	return ok
}

func (m *SceneManager) CompoundMaterial(mtl uint32) map[uint32]map[uint32]uint32 {
	return m.compoundMaterials[mtl]
}

// AddInMemoryTexture registers raw texture bytes under a synthesized file
// name. Safe for concurrent use by preload workers.
func (m *SceneManager) AddInMemoryTexture(name string, data []byte) {
	m.texMu.Lock()
	defer m.texMu.Unlock()
	m.inMemoryTextures[name] = inMemoryTexture{data: data}
}

// InMemoryTexture returns previously registered texture bytes. Reads take the
// registration lock only when SetSyncTextureReads(true) was requested.
func (m *SceneManager) InMemoryTexture(name string) ([]byte, error) {
	if m.syncTextureReads {
		m.texMu.Lock()
		defer m.texMu.Unlock()
	}
	tex, ok := m.inMemoryTextures[name]
	if !ok {
		return nil, errors.Errorf("manager: no in-memory texture %q", name)
	}
	return tex.data, nil
}

func (m *SceneManager) HasInMemoryTextures() bool {
	m.texMu.Lock()
	defer m.texMu.Unlock()
	return len(m.inMemoryTextures) > 0
}

func (m *SceneManager) SetSyncTextureReads(v bool) {
	m.syncTextureReads = v
}

func sortedKeys(set map[ObjectKey]struct{}) []ObjectKey {
	out := make([]ObjectKey, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out
}
