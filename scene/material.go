package scene

import (
	"fmt"

	"github.com/esaurez/pbrt-v3/types"
)

// MaterialKey names where a material's authoritative definition lives.
// ID 0 means "no material". Keys order treelet-major so they can back
// sorted sets and maps.
type MaterialKey struct {
	Treelet uint32
	ID      uint32
}

func (k MaterialKey) Less(o MaterialKey) bool {
	if k.Treelet != o.Treelet {
		return k.Treelet < o.Treelet
	}
	return k.ID < o.ID
}

func (k MaterialKey) String() string {
	return fmt.Sprintf("(%d,%d)", k.Treelet, k.ID)
}

// Material is the renderable object a MaterialKey resolves to. The loader
// only ever installs placeholders; authoritative definitions are decoded by
// a MaterialFactory during a later resolve step owned by the shading stage.
type Material interface {
	MaterialID() uint32
	IsPlaceholder() bool
}

// PlaceholderMaterial stands in for a material whose definition lives in a
// treelet that has not been linked yet. It carries only the key.
type PlaceholderMaterial struct {
	Key MaterialKey
}

func (m *PlaceholderMaterial) MaterialID() uint32  { return m.Key.ID }
func (m *PlaceholderMaterial) IsPlaceholder() bool { return true }

// MaterialFactory decodes an authoritative material definition from its
// serialized blob. Construction of concrete materials is outside this
// module; callers inject whatever factory their shading stage provides.
type MaterialFactory interface {
	DecodeMaterial(id uint32, blob []byte) (Material, error)
}

// OpaqueMaterial is the fallback decoding: it retains the blob verbatim so
// scenes can be loaded, traced and re-dumped without a shading stage.
type OpaqueMaterial struct {
	ID   uint32
	Blob []byte
}

func (m *OpaqueMaterial) MaterialID() uint32  { return m.ID }
func (m *OpaqueMaterial) IsPlaceholder() bool { return false }

// OpaqueMaterialFactory decodes every material as an OpaqueMaterial.
type OpaqueMaterialFactory struct{}

func (OpaqueMaterialFactory) DecodeMaterial(id uint32, blob []byte) (Material, error) {
	return &OpaqueMaterial{ID: id, Blob: blob}, nil
}

// AreaLightParams is one cached (parameter blob, transform) pair from the
// scene's area-light stream. Each triangle of an emissive mesh derives its
// light id as the mesh's area-light id plus the local triangle index.
type AreaLightParams struct {
	ID           uint32
	LightToWorld types.Mat4
	Params       []byte
}

// LightFactory turns cached area-light parameters into a concrete light.
// Like MaterialFactory this is an injected capability; the core never
// interprets the parameter blob itself.
type LightFactory interface {
	DecodeAreaLight(p AreaLightParams) (any, error)
}
