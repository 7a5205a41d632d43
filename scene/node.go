// Package scene defines the shared data model for treelet-partitioned
// scenes: the fixed-size node records, material keys, triangle meshes and
// the per-leaf primitive wire records that both the offline compiler and
// the render-time loader operate on.
package scene

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/esaurez/pbrt-v3/types"
)

// LeafTag marks a node as a leaf when stored in ChildTreelet[0].
const LeafTag = 0xFFFFFFFF

// NodeWireSize is the serialized size of one TreeletNode.
const NodeWireSize = 52

// TreeletNode is one node of a serialized treelet. Interior nodes carry two
// child references, each a (treelet, node index) pair; leaves carry a span
// into the treelet's primitive list. ChildTreelet[0] == LeafTag selects the
// leaf shape, and Axis is only meaningful for interior nodes.
type TreeletNode struct {
	Bounds types.Bounds3
	Axis   uint8

	ChildTreelet [2]uint32
	ChildNode    [2]uint32

	PrimitiveOffset uint32
	PrimitiveCount  uint32
}

func (n *TreeletNode) IsLeaf() bool {
	return n.ChildTreelet[0] == LeafTag
}

func (n *TreeletNode) SetLeaf(offset, count uint32) {
	n.ChildTreelet[0] = LeafTag
	n.PrimitiveOffset = offset
	n.PrimitiveCount = count
}

func (n *TreeletNode) marshal(buf []byte) {
	le := binary.LittleEndian
	putVec3(buf[0:], n.Bounds.Min)
	putVec3(buf[12:], n.Bounds.Max)
	le.PutUint32(buf[24:], uint32(n.Axis))
	le.PutUint32(buf[28:], n.ChildTreelet[0])
	le.PutUint32(buf[32:], n.ChildTreelet[1])
	le.PutUint32(buf[36:], n.ChildNode[0])
	le.PutUint32(buf[40:], n.ChildNode[1])
	le.PutUint32(buf[44:], n.PrimitiveOffset)
	le.PutUint32(buf[48:], n.PrimitiveCount)
}

func (n *TreeletNode) unmarshal(buf []byte) {
	le := binary.LittleEndian
	n.Bounds.Min = getVec3(buf[0:])
	n.Bounds.Max = getVec3(buf[12:])
	n.Axis = uint8(le.Uint32(buf[24:]))
	n.ChildTreelet[0] = le.Uint32(buf[28:])
	n.ChildTreelet[1] = le.Uint32(buf[32:])
	n.ChildNode[0] = le.Uint32(buf[36:])
	n.ChildNode[1] = le.Uint32(buf[40:])
	n.PrimitiveOffset = le.Uint32(buf[44:])
	n.PrimitiveCount = le.Uint32(buf[48:])
}

// MarshalNodes packs a node array into one contiguous wire image.
func MarshalNodes(nodes []TreeletNode) []byte {
	buf := make([]byte, len(nodes)*NodeWireSize)
	for i := range nodes {
		nodes[i].marshal(buf[i*NodeWireSize:])
	}
	return buf
}

// UnmarshalNodes decodes the wire image produced by MarshalNodes.
func UnmarshalNodes(buf []byte) ([]TreeletNode, error) {
	if len(buf)%NodeWireSize != 0 {
		return nil, errors.Errorf("scene: node array of %d bytes is not a multiple of %d", len(buf), NodeWireSize)
	}
	nodes := make([]TreeletNode, len(buf)/NodeWireSize)
	for i := range nodes {
		nodes[i].unmarshal(buf[i*NodeWireSize:])
	}
	return nodes, nil
}

func putVec3(buf []byte, v types.Vec3) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], f32bits(v[0]))
	le.PutUint32(buf[4:], f32bits(v[1]))
	le.PutUint32(buf[8:], f32bits(v[2]))
}

func getVec3(buf []byte) types.Vec3 {
	le := binary.LittleEndian
	return types.Vec3{
		f32frombits(le.Uint32(buf[0:])),
		f32frombits(le.Uint32(buf[4:])),
		f32frombits(le.Uint32(buf[8:])),
	}
}
