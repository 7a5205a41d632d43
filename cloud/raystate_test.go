package cloud

import (
	"testing"

	"github.com/esaurez/pbrt-v3/scene"
	"github.com/esaurez/pbrt-v3/types"
)

func sampleRayState() *RayTraceState {
	s := &RayTraceState{
		SampleID:         42,
		SampleNum:        7,
		PixelX:           640,
		PixelY:           -12,
		Ray:              types.NewRay(types.Vec3{1, 2, 3}, types.Vec3{0, 0, 1}),
		Beta:             [3]float32{0.5, 0.25, 0.125},
		Ld:               [3]float32{1, 0, 0.75},
		RemainingBounces: 3,
		IsShadowRay:      true,
		RayTransform:     types.Translation(types.Vec3{-4, 5, 6}),
		Hop:              9,
		PathHop:          11,
	}
	s.StartTrace(5)
	s.Push(TraceStackEntry{Treelet: 5, Node: 17, Primitive: 2, Transformed: true})
	s.SetHit(
		TraceStackEntry{Treelet: 5, Node: 17},
		1.5,
		scene.SurfaceInteraction{
			P:  types.Vec3{1, 2, 4.5},
			N:  types.Vec3{0, 0, -1},
			UV: types.Vec2{0.25, 0.75},
			Wo: types.Vec3{0, 0, -1},
		},
		scene.MaterialKey{Treelet: 30, ID: 4},
		2,
	)
	return s
}

func checkStatesEqual(t *testing.T, want, got *RayTraceState) {
	t.Helper()
	if got.SampleID != want.SampleID || got.SampleNum != want.SampleNum {
		t.Fatalf("expected sample %d/%d; got %d/%d", want.SampleID, want.SampleNum, got.SampleID, got.SampleNum)
	}
	if got.PixelX != want.PixelX || got.PixelY != want.PixelY {
		t.Fatalf("expected pixel (%d, %d); got (%d, %d)", want.PixelX, want.PixelY, got.PixelX, got.PixelY)
	}
	if got.Ray != want.Ray {
		t.Fatalf("expected ray %+v; got %+v", want.Ray, got.Ray)
	}
	if got.Beta != want.Beta || got.Ld != want.Ld {
		t.Fatalf("radiance accumulators changed across the wire")
	}
	if got.RemainingBounces != want.RemainingBounces ||
		got.IsShadowRay != want.IsShadowRay || got.IsLightRay != want.IsLightRay {
		t.Fatalf("bounce bookkeeping changed across the wire")
	}
	if got.Hit != want.Hit || got.HitTreelet != want.HitTreelet ||
		got.HitNode != want.HitNode || got.HitT != want.HitT {
		t.Fatalf("expected hit record %v/%d/%d/%f; got %v/%d/%d/%f",
			want.Hit, want.HitTreelet, want.HitNode, want.HitT,
			got.Hit, got.HitTreelet, got.HitNode, got.HitT)
	}
	if got.MaterialKey != want.MaterialKey || got.AreaLightID != want.AreaLightID {
		t.Fatalf("expected material key %v light %d; got %v light %d",
			want.MaterialKey, want.AreaLightID, got.MaterialKey, got.AreaLightID)
	}
	if got.Interaction.P != want.Interaction.P || got.Interaction.N != want.Interaction.N ||
		got.Interaction.UV != want.Interaction.UV {
		t.Fatalf("interaction changed across the wire")
	}
	if got.RayTransform != want.RayTransform {
		t.Fatalf("ray transform changed across the wire")
	}
	if got.Hop != want.Hop || got.PathHop != want.PathHop {
		t.Fatalf("expected hop counters %d/%d; got %d/%d", want.Hop, want.PathHop, got.Hop, got.PathHop)
	}
	if got.stackSize != want.stackSize {
		t.Fatalf("expected stack of %d entries; got %d", want.stackSize, got.stackSize)
	}
	for i := 0; i < want.stackSize; i++ {
		if got.stack[i] != want.stack[i] {
			t.Fatalf("stack entry %d changed across the wire: %+v != %+v", i, got.stack[i], want.stack[i])
		}
	}
}

func TestRayStateSerializeRoundTrip(t *testing.T) {
	want := sampleRayState()
	blob := want.Serialize()

	if len(blob) != rayStateFixedSize+want.stackSize*stackEntryWireSize {
		t.Fatalf("expected a %d byte image; got %d",
			rayStateFixedSize+want.stackSize*stackEntryWireSize, len(blob))
	}

	var got RayTraceState
	if err := got.Deserialize(blob); err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}
	checkStatesEqual(t, want, &got)
}

func TestRayStateSerializeCompressedRoundTrip(t *testing.T) {
	want := sampleRayState()

	var got RayTraceState
	if err := got.DeserializeCompressed(want.SerializeCompressed()); err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}
	checkStatesEqual(t, want, &got)
}

func TestRayStateDeserializeErrors(t *testing.T) {
	var got RayTraceState
	if err := got.Deserialize(make([]byte, rayStateFixedSize-1)); err == nil {
		t.Fatalf("expected an error on a short buffer")
	}

	blob := sampleRayState().Serialize()
	if err := got.Deserialize(blob[:len(blob)-1]); err == nil {
		t.Fatalf("expected an error on a truncated stack")
	}

	if err := got.DeserializeCompressed([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Fatalf("expected an error on a corrupt compressed image")
	}
}

func TestRayStateStackDiscipline(t *testing.T) {
	var s RayTraceState
	s.StartTrace(3)

	if s.StackEmpty() {
		t.Fatalf("expected a root entry after StartTrace")
	}
	if s.CurrentTreelet() != 3 {
		t.Fatalf("expected current treelet 3; got %d", s.CurrentTreelet())
	}

	s.Push(TraceStackEntry{Treelet: 4, Node: 9})
	if top := s.Top(); top.Treelet != 4 || top.Node != 9 {
		t.Fatalf("expected the pushed entry on top; got %+v", top)
	}
	if e := s.Pop(); e.Treelet != 4 {
		t.Fatalf("expected to pop treelet 4; got %d", e.Treelet)
	}
	if e := s.Pop(); e.Treelet != 3 || e.Node != 0 {
		t.Fatalf("expected the root entry; got %+v", e)
	}
	if !s.StackEmpty() {
		t.Fatalf("expected an empty stack")
	}
	if s.CurrentTreelet() != 0 {
		t.Fatalf("expected treelet 0 on an empty stack; got %d", s.CurrentTreelet())
	}
}
