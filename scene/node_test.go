package scene

import (
	"testing"

	"github.com/esaurez/pbrt-v3/types"
)

func TestNodeMarshalRoundTrip(t *testing.T) {
	nodes := []TreeletNode{
		{
			Bounds: types.Bounds3{Min: types.Vec3{-1, -2, -3}, Max: types.Vec3{1, 2, 3}},
			Axis:   2,
			ChildTreelet: [2]uint32{3, 7},
			ChildNode:    [2]uint32{1, 42},
		},
		{},
	}
	nodes[1].Bounds = types.Bounds3{Min: types.Vec3{0, 0, 0}, Max: types.Vec3{1, 1, 1}}
	nodes[1].SetLeaf(5, 3)

	decoded, err := UnmarshalNodes(MarshalNodes(nodes))
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(decoded) != len(nodes) {
		t.Fatalf("expected %d nodes; got %d", len(nodes), len(decoded))
	}
	for i := range nodes {
		if decoded[i] != nodes[i] {
			t.Fatalf("node %d changed across the wire: %+v != %+v", i, decoded[i], nodes[i])
		}
	}

	if decoded[0].IsLeaf() {
		t.Fatalf("expected node 0 to stay interior")
	}
	if !decoded[1].IsLeaf() {
		t.Fatalf("expected node 1 to stay a leaf")
	}
	if decoded[1].PrimitiveOffset != 5 || decoded[1].PrimitiveCount != 3 {
		t.Fatalf("expected leaf span (5,3); got (%d,%d)", decoded[1].PrimitiveOffset, decoded[1].PrimitiveCount)
	}
}

func TestNodeUnmarshalSizeCheck(t *testing.T) {
	if _, err := UnmarshalNodes(make([]byte, NodeWireSize+1)); err == nil {
		t.Fatalf("expected error on a byte count that is not a node multiple")
	}
}

func TestWireRecordRoundTrips(t *testing.T) {
	tp := TransformedPrimitiveRecord{
		RootRef:        MakeInstanceRef(9, 4),
		StartTransform: types.Translation(types.Vec3{1, 2, 3}),
		EndTransform:   types.Translation(types.Vec3{4, 5, 6}),
		StartTime:      0.25,
		EndTime:        0.75,
	}
	gotTP, err := UnmarshalTransformedPrimitive(tp.Marshal())
	if err != nil || gotTP != tp {
		t.Fatalf("transformed primitive changed across the wire (err %v)", err)
	}
	if InstanceGroup(gotTP.RootRef) != 9 || InstanceNode(gotTP.RootRef) != 4 {
		t.Fatalf("expected instance ref (9,4); got (%d,%d)",
			InstanceGroup(gotTP.RootRef), InstanceNode(gotTP.RootRef))
	}

	tr := TriangleRecord{MeshID: 12345, TriNumber: 678}
	gotTR, err := UnmarshalTriangle(tr.Marshal())
	if err != nil || gotTR != tr {
		t.Fatalf("triangle record changed across the wire (err %v)", err)
	}

	hdr := MeshHeader{MeshID: 4, Material: MaterialKey{Treelet: 2, ID: 17}, AreaLightID: 3}
	gotHdr, err := UnmarshalMeshHeader(hdr.Marshal())
	if err != nil || gotHdr != hdr {
		t.Fatalf("mesh header changed across the wire (err %v)", err)
	}

	if _, err := UnmarshalTransformedPrimitive(make([]byte, 10)); err == nil {
		t.Fatalf("expected error on short transformed primitive record")
	}
	if _, err := UnmarshalTriangle(make([]byte, 8)); err == nil {
		t.Fatalf("expected error on short triangle record")
	}
}
