package upload

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/remesh/engine/math"
	"github.com/spaghettifunk/remesh/engine/mesh"
)

// Model is one uploadable base mesh: geometry per detail slot plus one
// transform per placed instance. Instances sharing the same base geometry
// belong on one Model so the container is serialized once; an empty
// Transforms list places a single instance at the origin. HighLOD is
// mandatory; missing lower slots are filled by the server from the next one
// up. Physics, when nil, is generated as a single hull before the upload
// starts.
type Model struct {
	Name string

	LODs    [mesh.NumModelSlots]*mesh.Geometry
	Physics *mesh.Decomposition

	Transforms []math.Mat4
	Textures   [][]byte
}

func (m *Model) base() *mesh.Geometry {
	return m.LODs[mesh.LODHigh]
}

// buildContainer serializes one model into the asset wire format: the block
// table header followed by every block, offsets relative to the header end.
func buildContainer(m *Model) ([]byte, error) {
	if m.base() == nil {
		return nil, errors.New("model has no high detail geometry")
	}

	h := &mesh.Header{Version: 1}
	var blocks [][]byte
	offset := int32(0)

	appendBlock := func(data []byte) mesh.BlockRef {
		ref := mesh.BlockRef{Offset: offset, Size: int32(len(data))}
		blocks = append(blocks, data)
		offset += int32(len(data))
		return ref
	}

	for lod := mesh.LODLowest; lod <= mesh.LODHigh; lod++ {
		g := m.LODs[lod]
		if g == nil {
			continue
		}
		data, err := mesh.EncodeGeometry(g)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", lod, err)
		}
		ref := appendBlock(data)
		switch lod {
		case mesh.LODLowest:
			h.LowestLOD = ref
		case mesh.LODLow:
			h.LowLOD = ref
		case mesh.LODMedium:
			h.MediumLOD = ref
		case mesh.LODHigh:
			h.HighLOD = ref
		}
	}

	if m.Physics != nil && (len(m.Physics.Hulls) > 0 || len(m.Physics.BaseHull) > 0) {
		data, err := mesh.EncodeDecomposition(m.Physics)
		if err != nil {
			return nil, fmt.Errorf("physics convex: %w", err)
		}
		h.PhysicsConvex = appendBlock(data)
	}
	if pg := m.LODs[mesh.LODPhysics]; pg != nil {
		data, err := mesh.EncodePhysicsMesh(&mesh.PhysicsMesh{Positions: pg.Positions, Normals: pg.Normals})
		if err != nil {
			return nil, fmt.Errorf("physics mesh: %w", err)
		}
		h.PhysicsMesh = appendBlock(data)
	}

	headerBytes, err := mesh.EncodeHeader(h)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(headerBytes)+int(offset))
	out = append(out, headerBytes...)
	for _, b := range blocks {
		out = append(out, b...)
	}
	return out, nil
}

// buildManifest assembles the JSON document sent to the fee and upload
// endpoints: every base model's container exactly once plus one instance
// entry per placed transform, each split into position, rotation and scale.
// The fee request carries no texture bytes; only the final upload does.
func buildManifest(name, description string, models []*Model, containers [][]byte, uploadTextures bool) map[string]interface{} {
	meshList := make([]interface{}, len(containers))
	for i, c := range containers {
		meshList[i] = c
	}

	instances := make([]interface{}, 0, len(models))
	for i, m := range models {
		transforms := m.Transforms
		if len(transforms) == 0 {
			transforms = []math.Mat4{math.NewMat4Identity()}
		}
		for _, tr := range transforms {
			pos, rot, scale := math.DecomposeTransform(tr)
			instances = append(instances, map[string]interface{}{
				"mesh":     i,
				"name":     m.Name,
				"position": []interface{}{pos.X, pos.Y, pos.Z},
				"rotation": []interface{}{rot.X, rot.Y, rot.Z, rot.W},
				"scale":    []interface{}{scale.X, scale.Y, scale.Z},
			})
		}
	}

	var textureList []interface{}
	if uploadTextures {
		for _, m := range models {
			for _, t := range m.Textures {
				textureList = append(textureList, t)
			}
		}
	}

	return map[string]interface{}{
		"name":        name,
		"description": description,
		"asset_resources": map[string]interface{}{
			"mesh_list":     meshList,
			"instance_list": instances,
			"texture_list":  textureList,
		},
		"texture_upload": uploadTextures,
	}
}
