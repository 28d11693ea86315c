package mesh

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/spaghettifunk/remesh/engine/math"
)

// DecodeSkinInfo parses the skin block of a mesh asset.
func DecodeSkinInfo(id MeshID, data []byte) (*SkinInfo, error) {
	raw, _, err := DecodeMap(data)
	if err != nil {
		return nil, fmt.Errorf("skin: %w", err)
	}
	info := &SkinInfo{MeshID: id}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           info,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("skin: %w", err)
	}
	return info, nil
}

// EncodeSkinInfo serializes a skin block.
func EncodeSkinInfo(info *SkinInfo) ([]byte, error) {
	joints := make([]interface{}, len(info.JointNames))
	for i, j := range info.JointNames {
		joints[i] = j
	}
	matrix := make([]interface{}, len(info.BindShapeMatrix))
	for i, v := range info.BindShapeMatrix {
		matrix[i] = v
	}
	return EncodeValue(map[string]interface{}{
		"joint_names":       joints,
		"bind_shape_matrix": matrix,
		"pelvis_offset":     info.PelvisOffset,
	})
}

// DecodeDecomposition parses the physics_convex block: a base hull plus a
// list of sub-hulls, each a flat x/y/z triplet array.
func DecodeDecomposition(id MeshID, data []byte) (*Decomposition, error) {
	raw, _, err := DecodeMap(data)
	if err != nil {
		return nil, fmt.Errorf("decomposition: %w", err)
	}
	d := &Decomposition{MeshID: id}

	if base, ok := raw["base_hull"].([]interface{}); ok {
		d.BaseHull, err = positionsFromFlat(base)
		if err != nil {
			return nil, fmt.Errorf("decomposition base hull: %w", err)
		}
	}
	if hulls, ok := raw["hulls"].([]interface{}); ok {
		d.Hulls = make([][]math.Vec3, 0, len(hulls))
		for i, h := range hulls {
			flat, ok := h.([]interface{})
			if !ok {
				return nil, fmt.Errorf("decomposition hull %d: not an array", i)
			}
			hull, err := positionsFromFlat(flat)
			if err != nil {
				return nil, fmt.Errorf("decomposition hull %d: %w", i, err)
			}
			d.Hulls = append(d.Hulls, hull)
		}
	}
	return d, nil
}

// EncodeDecomposition serializes a physics_convex block.
func EncodeDecomposition(d *Decomposition) ([]byte, error) {
	raw := map[string]interface{}{}
	if len(d.BaseHull) > 0 {
		raw["base_hull"] = flatFromPositions(d.BaseHull)
	}
	if len(d.Hulls) > 0 {
		hulls := make([]interface{}, len(d.Hulls))
		for i, h := range d.Hulls {
			hulls[i] = flatFromPositions(h)
		}
		raw["hulls"] = hulls
	}
	return EncodeValue(raw)
}

// DecodePhysicsMesh parses the physics_mesh block into a Decomposition
// carrying only the triangle mesh. Nil or empty data means no physics mesh
// exists for the asset; that is a valid, empty record.
func DecodePhysicsMesh(id MeshID, data []byte) (*Decomposition, error) {
	d := &Decomposition{MeshID: id, Mesh: &PhysicsMesh{}}
	if len(data) == 0 {
		return d, nil
	}
	raw, _, err := DecodeMap(data)
	if err != nil {
		return nil, fmt.Errorf("physics mesh: %w", err)
	}
	flat, ok := raw["positions"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("physics mesh: missing positions")
	}
	positions, err := positionsFromFlat(flat)
	if err != nil {
		return nil, fmt.Errorf("physics mesh: %w", err)
	}
	if len(positions)%3 != 0 {
		return nil, fmt.Errorf("physics mesh: %d positions is not a triangle soup", len(positions))
	}
	d.Mesh.Positions = positions
	d.Mesh.Normals = triangleNormals(positions)
	return d, nil
}

// EncodePhysicsMesh serializes a physics_mesh block.
func EncodePhysicsMesh(pm *PhysicsMesh) ([]byte, error) {
	return EncodeValue(map[string]interface{}{
		"positions": flatFromPositions(pm.Positions),
	})
}

func positionsFromFlat(flat []interface{}) ([]math.Vec3, error) {
	if len(flat)%3 != 0 {
		return nil, fmt.Errorf("%d values is not a list of points", len(flat))
	}
	out := make([]math.Vec3, 0, len(flat)/3)
	for i := 0; i < len(flat); i += 3 {
		x, xok := flat[i].(float64)
		y, yok := flat[i+1].(float64)
		z, zok := flat[i+2].(float64)
		if !xok || !yok || !zok {
			return nil, fmt.Errorf("non-real coordinate at %d", i)
		}
		out = append(out, math.NewVec3(float32(x), float32(y), float32(z)))
	}
	return out, nil
}

func flatFromPositions(positions []math.Vec3) []interface{} {
	out := make([]interface{}, 0, len(positions)*3)
	for _, p := range positions {
		out = append(out, float64(p.X), float64(p.Y), float64(p.Z))
	}
	return out
}

// triangleNormals computes one face normal per triangle, repeated for each
// of its three corners.
func triangleNormals(positions []math.Vec3) []math.Vec3 {
	normals := make([]math.Vec3, 0, len(positions))
	for i := 0; i+2 < len(positions); i += 3 {
		n := positions[i+1].Sub(positions[i]).Cross(positions[i+2].Sub(positions[i])).Normalized()
		normals = append(normals, n, n, n)
	}
	return normals
}
