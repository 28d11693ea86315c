package mesh

import (
	"bytes"
	"encoding/binary"
	"fmt"
	stdmath "math"

	"github.com/spaghettifunk/remesh/engine/math"
)

func f32(b []byte) float32 {
	return stdmath.Float32frombits(binary.BigEndian.Uint32(b))
}

func floatBits(v float32) uint32 {
	return stdmath.Float32bits(v)
}

// geometryMagic tags a LOD geometry block.
var geometryMagic = [4]byte{'M', 'G', 'E', 'O'}

const geometryVersion = 1

// Sanity bound on vertex/index counts: a corrupt count must not drive a huge
// allocation before the length check catches it.
const maxGeometryCount = 1 << 22

// Geometry is one decoded LOD of a mesh: interleaved-free positions,
// normals, texture coordinates and a triangle index list.
type Geometry struct {
	Positions []math.Vec3
	Normals   []math.Vec3
	Texcoords []math.Vec2
	Indices   []uint32
	Extents   math.Extents3D
}

func (g *Geometry) FaceCount() int {
	return len(g.Indices) / 3
}

// DecodeGeometry parses a LOD block. A block that parses but carries zero
// faces is an error: the repo treats it the same as unparseable data.
func DecodeGeometry(data []byte) (*Geometry, error) {
	const headerLen = 4 + 2 + 4 + 4
	if len(data) < headerLen {
		return nil, fmt.Errorf("geometry: block too short (%d bytes)", len(data))
	}
	if !bytes.Equal(data[:4], geometryMagic[:]) {
		return nil, fmt.Errorf("geometry: bad magic")
	}
	version := binary.BigEndian.Uint16(data[4:])
	if version > geometryVersion {
		return nil, fmt.Errorf("geometry: unsupported block version %d", version)
	}
	vertexCount := binary.BigEndian.Uint32(data[6:])
	indexCount := binary.BigEndian.Uint32(data[10:])
	if vertexCount == 0 || vertexCount > maxGeometryCount || indexCount > maxGeometryCount {
		return nil, fmt.Errorf("geometry: unreasonable counts v=%d i=%d", vertexCount, indexCount)
	}
	if indexCount == 0 || indexCount%3 != 0 {
		return nil, fmt.Errorf("geometry: index count %d is not a triangle list", indexCount)
	}

	// positions(3f) + normals(3f) + texcoords(2f) per vertex, u32 per index
	need := headerLen + int(vertexCount)*(12+12+8) + int(indexCount)*4
	if len(data) < need {
		return nil, fmt.Errorf("geometry: block truncated, need %d bytes have %d", need, len(data))
	}

	g := &Geometry{
		Positions: make([]math.Vec3, vertexCount),
		Normals:   make([]math.Vec3, vertexCount),
		Texcoords: make([]math.Vec2, vertexCount),
		Indices:   make([]uint32, indexCount),
	}

	off := headerLen
	readVec3 := func() math.Vec3 {
		v := math.Vec3{
			X: f32(data[off:]),
			Y: f32(data[off+4:]),
			Z: f32(data[off+8:]),
		}
		off += 12
		return v
	}

	for i := uint32(0); i < vertexCount; i++ {
		g.Positions[i] = readVec3()
	}
	for i := uint32(0); i < vertexCount; i++ {
		g.Normals[i] = readVec3()
	}
	for i := uint32(0); i < vertexCount; i++ {
		g.Texcoords[i] = math.Vec2{X: f32(data[off:]), Y: f32(data[off+4:])}
		off += 8
	}
	for i := uint32(0); i < indexCount; i++ {
		idx := binary.BigEndian.Uint32(data[off:])
		if idx >= vertexCount {
			return nil, fmt.Errorf("geometry: index %d out of range (%d vertices)", idx, vertexCount)
		}
		g.Indices[i] = idx
		off += 4
	}

	g.Extents.Min = g.Positions[0]
	g.Extents.Max = g.Positions[0]
	for _, p := range g.Positions[1:] {
		math.UpdateMinMax(&g.Extents.Min, &g.Extents.Max, p)
	}
	return g, nil
}

// EncodeGeometry serializes a LOD block; the exact inverse of DecodeGeometry.
func EncodeGeometry(g *Geometry) ([]byte, error) {
	if len(g.Positions) == 0 {
		return nil, fmt.Errorf("geometry: no vertices")
	}
	if len(g.Normals) != len(g.Positions) || len(g.Texcoords) != len(g.Positions) {
		return nil, fmt.Errorf("geometry: attribute count mismatch")
	}
	if len(g.Indices) == 0 || len(g.Indices)%3 != 0 {
		return nil, fmt.Errorf("geometry: index count %d is not a triangle list", len(g.Indices))
	}

	var buf bytes.Buffer
	buf.Write(geometryMagic[:])
	writeU16 := func(v uint16) {
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], v)
		buf.Write(b[:])
	}
	writeU32 := func(v uint32) {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		buf.Write(b[:])
	}
	writeF32 := func(v float32) {
		writeU32(floatBits(v))
	}

	writeU16(geometryVersion)
	writeU32(uint32(len(g.Positions)))
	writeU32(uint32(len(g.Indices)))
	for _, p := range g.Positions {
		writeF32(p.X)
		writeF32(p.Y)
		writeF32(p.Z)
	}
	for _, n := range g.Normals {
		writeF32(n.X)
		writeF32(n.Y)
		writeF32(n.Z)
	}
	for _, t := range g.Texcoords {
		writeF32(t.X)
		writeF32(t.Y)
	}
	for _, idx := range g.Indices {
		writeU32(idx)
	}
	return buf.Bytes(), nil
}
