package cloud

import (
	"encoding/binary"
	"math"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/esaurez/pbrt-v3/scene"
	"github.com/esaurez/pbrt-v3/types"
)

// TraceStackEntry is one deferred visit: a node, the treelet it lives in, a
// resumable cursor into the node's primitive list, and whether the ray must
// be expressed in the instance space recorded in RayTransform.
type TraceStackEntry struct {
	Treelet     uint32
	Node        uint32
	Primitive   uint32
	Transformed bool
}

const (
	// MaxTraceDepth bounds the explicit visit stack; the partitioner
	// guarantees tree depth stays within it.
	MaxTraceDepth = 64

	stackEntryWireSize = 13
	rayStateFixedSize  = 217
)

// RayTraceState is the unit of work shipped between workers: the ray, its
// accumulated radiance and weight, the remaining traversal stack and the
// best hit so far. It crosses machine boundaries via Serialize.
type RayTraceState struct {
	SampleID  uint64
	SampleNum uint64
	PixelX    int32
	PixelY    int32

	Ray types.Ray

	Beta [3]float32
	Ld   [3]float32

	RemainingBounces uint32
	IsShadowRay      bool
	IsLightRay       bool

	Hit         bool
	HitTreelet  uint32
	HitNode     uint32
	HitT        float32
	MaterialKey scene.MaterialKey
	AreaLightID uint32
	Interaction scene.SurfaceInteraction

	// RayTransform is the instance-space matrix active for stack entries
	// with Transformed set.
	RayTransform types.Mat4

	Hop     uint16
	PathHop uint16

	stack     [MaxTraceDepth]TraceStackEntry
	stackSize int
}

// StartTrace resets the stack to the traversal root for the state's ray.
func (s *RayTraceState) StartTrace(rootTreelet uint32) {
	s.stackSize = 0
	s.Hit = false
	s.Push(TraceStackEntry{Treelet: rootTreelet, Node: 0})
}

func (s *RayTraceState) Push(e TraceStackEntry) {
	if s.stackSize >= MaxTraceDepth {
		panic(errors.New("cloud: ray state stack overflow"))
	}
	s.stack[s.stackSize] = e
	s.stackSize++
}

func (s *RayTraceState) Pop() TraceStackEntry {
	if s.stackSize == 0 {
		panic(errors.New("cloud: ray state stack underflow"))
	}
	s.stackSize--
	return s.stack[s.stackSize]
}

func (s *RayTraceState) Top() TraceStackEntry {
	return s.stack[s.stackSize-1]
}

func (s *RayTraceState) StackEmpty() bool {
	return s.stackSize == 0
}

// CurrentTreelet names the treelet the next Trace call will work in.
func (s *RayTraceState) CurrentTreelet() uint32 {
	if s.stackSize == 0 {
		return 0
	}
	return s.Top().Treelet
}

// SetHit records the best hit so far and clips the ray.
func (s *RayTraceState) SetHit(e TraceStackEntry, t float32, si scene.SurfaceInteraction, key scene.MaterialKey, areaLightID uint32) {
	s.Hit = true
	s.HitTreelet = e.Treelet
	s.HitNode = e.Node
	s.HitT = t
	s.MaterialKey = key
	s.AreaLightID = areaLightID
	s.Interaction = si
	s.Ray.TMax = t
}

// Serialize writes the state to a compact little-endian image holding only
// the live prefix of the stack.
func (s *RayTraceState) Serialize() []byte {
	buf := make([]byte, rayStateFixedSize+s.stackSize*stackEntryWireSize)
	le := binary.LittleEndian
	off := 0

	put32 := func(v uint32) { le.PutUint32(buf[off:], v); off += 4 }
	put64 := func(v uint64) { le.PutUint64(buf[off:], v); off += 8 }
	putf := func(v float32) { put32(math.Float32bits(v)) }
	putb := func(v bool) {
		if v {
			buf[off] = 1
		}
		off++
	}

	put64(s.SampleID)
	put64(s.SampleNum)
	put32(uint32(s.PixelX))
	put32(uint32(s.PixelY))

	putf(s.Ray.Origin[0])
	putf(s.Ray.Origin[1])
	putf(s.Ray.Origin[2])
	putf(s.Ray.Dir[0])
	putf(s.Ray.Dir[1])
	putf(s.Ray.Dir[2])
	putf(s.Ray.TMax)
	putf(s.Ray.Time)
	put32(0) // reserved alignment word
	putf(s.Beta[0])
	putf(s.Beta[1])
	putf(s.Beta[2])
	putf(s.Ld[0])
	putf(s.Ld[1])
	putf(s.Ld[2])

	put32(s.RemainingBounces)
	le.PutUint16(buf[off:], s.Hop)
	off += 2
	putb(s.IsShadowRay)
	putb(s.IsLightRay)
	putb(s.Hit)
	put32(s.HitTreelet)
	put32(s.HitNode)
	putf(s.HitT)
	for _, v := range [...]float32{
		s.Interaction.P[0], s.Interaction.P[1], s.Interaction.P[2],
		s.Interaction.N[0], s.Interaction.N[1], s.Interaction.N[2],
		s.Interaction.UV[0], s.Interaction.UV[1],
	} {
		putf(v)
	}
	put32(s.MaterialKey.Treelet)
	put32(s.MaterialKey.ID)
	for _, f := range s.RayTransform {
		putf(f)
	}
	put32(s.AreaLightID)
	le.PutUint16(buf[off:], s.PathHop)
	le.PutUint16(buf[off+2:], uint16(s.stackSize))
	off += 4

	for i := 0; i < s.stackSize; i++ {
		e := &s.stack[i]
		put32(e.Treelet)
		put32(e.Node)
		put32(e.Primitive)
		putb(e.Transformed)
	}
	return buf[:off]
}

// Deserialize restores a state produced by Serialize.
func (s *RayTraceState) Deserialize(buf []byte) error {
	if len(buf) < rayStateFixedSize {
		return errors.Errorf("cloud: ray state image of %d bytes is too short", len(buf))
	}
	le := binary.LittleEndian
	off := 0

	get32 := func() uint32 { v := le.Uint32(buf[off:]); off += 4; return v }
	get64 := func() uint64 { v := le.Uint64(buf[off:]); off += 8; return v }
	getf := func() float32 { return math.Float32frombits(get32()) }
	getb := func() bool { v := buf[off] != 0; off++; return v }

	s.SampleID = get64()
	s.SampleNum = get64()
	s.PixelX = int32(get32())
	s.PixelY = int32(get32())

	s.Ray.Origin = types.Vec3{getf(), getf(), getf()}
	s.Ray.Dir = types.Vec3{getf(), getf(), getf()}
	s.Ray.TMax = getf()
	s.Ray.Time = getf()
	get32() // reserved
	s.Beta = [3]float32{getf(), getf(), getf()}
	s.Ld = [3]float32{getf(), getf(), getf()}

	s.RemainingBounces = get32()
	s.Hop = le.Uint16(buf[off:])
	off += 2
	s.IsShadowRay = getb()
	s.IsLightRay = getb()
	s.Hit = getb()
	s.HitTreelet = get32()
	s.HitNode = get32()
	s.HitT = getf()
	s.Interaction.P = types.Vec3{getf(), getf(), getf()}
	s.Interaction.N = types.Vec3{getf(), getf(), getf()}
	s.Interaction.UV = types.Vec2{getf(), getf()}
	s.MaterialKey.Treelet = get32()
	s.MaterialKey.ID = get32()
	for i := range s.RayTransform {
		s.RayTransform[i] = getf()
	}
	s.AreaLightID = get32()
	s.PathHop = le.Uint16(buf[off:])
	size := int(le.Uint16(buf[off+2:]))
	off += 4

	if size > MaxTraceDepth {
		return errors.Errorf("cloud: ray state stack of %d entries exceeds capacity", size)
	}
	if len(buf) < off+size*stackEntryWireSize {
		return errors.Errorf("cloud: ray state stack truncated")
	}
	s.stackSize = size
	for i := 0; i < size; i++ {
		e := &s.stack[i]
		e.Treelet = get32()
		e.Node = get32()
		e.Primitive = get32()
		e.Transformed = getb()
	}
	return nil
}

// SerializeCompressed is Serialize followed by snappy compression, for
// states shipped across machines.
func (s *RayTraceState) SerializeCompressed() []byte {
	return snappy.Encode(nil, s.Serialize())
}

func (s *RayTraceState) DeserializeCompressed(buf []byte) error {
	raw, err := snappy.Decode(nil, buf)
	if err != nil {
		return errors.Wrap(err, "cloud: decompressing ray state")
	}
	return s.Deserialize(raw)
}
