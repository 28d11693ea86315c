package mesh

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spaghettifunk/remesh/engine/math"
)

// MeshID names one mesh asset; stable across LODs.
type MeshID = uuid.UUID

// LOD is a level of detail index. Wire and cache layouts depend on the
// ordering lowest..high.
type LOD int

const (
	LODLowest LOD = iota
	LODLow
	LODMedium
	LODHigh
	// LODPhysics is an upload-container slot only; it is never fetched as a
	// leveled-detail block.
	LODPhysics

	NumLODs = 4
	// NumModelSlots covers the upload container slots (four LODs + physics).
	NumModelSlots = 5
)

var lodNames = [NumModelSlots]string{"lowest_lod", "low_lod", "medium_lod", "high_lod", "physics_mesh"}

func (l LOD) String() string {
	if l < 0 || int(l) >= len(lodNames) {
		return fmt.Sprintf("lod(%d)", int(l))
	}
	return lodNames[l]
}

// VolumeParams identifies a renderable instance of a mesh: the asset plus the
// shape modifiers applied to it. The same MeshID rendered with different
// modifiers is a different volume, so the whole struct takes part in map
// keys.
type VolumeParams struct {
	MeshID  MeshID
	Profile uint8
	Path    uint8
	Hollow  float32
}

func NewVolumeParams(id MeshID) VolumeParams {
	return VolumeParams{MeshID: id}
}

func (p VolumeParams) String() string {
	return fmt.Sprintf("%s/p%d:%d:h%.2f", p.MeshID, p.Profile, p.Path, p.Hollow)
}

// SkinInfo is the rigging block of a mesh asset.
type SkinInfo struct {
	MeshID          MeshID    `mapstructure:"-"`
	JointNames      []string  `mapstructure:"joint_names"`
	BindShapeMatrix []float64 `mapstructure:"bind_shape_matrix"`
	PelvisOffset    float64   `mapstructure:"pelvis_offset"`
}

// PhysicsMesh is a flat triangle soup used for physics display and collision.
type PhysicsMesh struct {
	Positions []math.Vec3
	Normals   []math.Vec3
}

func (pm *PhysicsMesh) Empty() bool {
	return pm == nil || len(pm.Positions) == 0
}

// Decomposition is the per-mesh auxiliary physics representation. The convex
// block and the triangle physics-mesh block arrive through separate fetches;
// whichever lands second merges into the record built by the first.
type Decomposition struct {
	MeshID     MeshID
	BaseHull   []math.Vec3
	Hulls      [][]math.Vec3
	HullMeshes []PhysicsMesh
	Mesh       *PhysicsMesh
}

// Merge copies the parts other carries that the receiver does not. Later
// partial arrivals must never wipe out earlier ones.
func (d *Decomposition) Merge(other *Decomposition) {
	if other == nil {
		return
	}
	if len(d.BaseHull) == 0 && len(other.BaseHull) > 0 {
		d.BaseHull = other.BaseHull
	}
	if len(d.Hulls) == 0 && len(other.Hulls) > 0 {
		d.Hulls = other.Hulls
		d.HullMeshes = other.HullMeshes
	}
	if d.Mesh == nil && other.Mesh != nil {
		d.Mesh = other.Mesh
	}
}
