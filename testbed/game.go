package testbed

import (
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/spaghettifunk/remesh/engine"
	"github.com/spaghettifunk/remesh/engine/core"
	"github.com/spaghettifunk/remesh/engine/mesh"
	"github.com/spaghettifunk/remesh/engine/repo"
)

// StreamingDemo drives the engine with a handful of simulated objects: each
// one orbits between near and far, so requested detail levels rise and fall
// and the scheduler has scores to chew on.
type StreamingDemo struct {
	*engine.Game
}

type demoObject struct {
	params   mesh.VolumeParams
	radius   float32
	distance float32
	// Negative while approaching the camera.
	drift float32
}

type demoState struct {
	objects []*demoObject
}

func NewStreamingDemo(configPath string) (*StreamingDemo, error) {
	d := &StreamingDemo{
		Game: &engine.Game{
			ApplicationConfig: &engine.ApplicationConfig{
				Name:       "Remesh Streaming Demo",
				ConfigPath: configPath,
			},
			State: &demoState{},
		},
	}
	d.FnInitialize = d.Initialize
	d.FnUpdate = d.Update
	d.FnShutdown = d.Shutdown
	d.FnObjectBounds = d.ObjectBounds
	return d, nil
}

// Initialize seeds the scene from REMESH_ASSETS, a comma-separated list of
// asset ids, and subscribes to every repository event.
func (d *StreamingDemo) Initialize() error {
	state := d.State.(*demoState)

	distance := float32(4)
	for _, field := range strings.Split(os.Getenv("REMESH_ASSETS"), ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		id, err := uuid.Parse(field)
		if err != nil {
			core.LogWarn("skipping '%s': not an asset id", field)
			continue
		}
		state.objects = append(state.objects, &demoObject{
			params:   mesh.NewVolumeParams(id),
			radius:   2,
			distance: distance,
			drift:    12,
		})
		distance += 40
	}
	if len(state.objects) == 0 {
		core.LogWarn("REMESH_ASSETS is empty, nothing to stream")
	}

	core.EventRegister(core.EVENT_CODE_MESH_LOADED, d.onMeshLoaded)
	core.EventRegister(core.EVENT_CODE_MESH_UNAVAILABLE, d.onMeshUnavailable)
	core.EventRegister(core.EVENT_CODE_SKIN_INFO_RECEIVED, d.onSkinInfo)
	core.EventRegister(core.EVENT_CODE_DECOMPOSITION_READY, d.onDecomposition)
	core.EventRegister(core.EVENT_CODE_UPLOAD_FEE_QUOTED, d.onFeeQuoted)
	core.EventRegister(core.EVENT_CODE_UPLOAD_COMPLETE, d.onUploadComplete)
	core.EventRegister(core.EVENT_CODE_UPLOAD_FAILED, d.onUploadFailed)
	return nil
}

// Update moves every object and requests the detail its distance calls for.
func (d *StreamingDemo) Update(deltaTime float64) error {
	state := d.State.(*demoState)
	for _, obj := range state.objects {
		obj.distance += obj.drift * float32(deltaTime)
		if obj.distance < 4 || obj.distance > 200 {
			obj.drift = -obj.drift
		}

		want := lodForDistance(obj.radius, obj.distance)
		actual := d.Repository.ActualMeshLOD(obj.params, want)
		if actual != want {
			d.Repository.RequestLoad(obj.params, want, actual)
		}
	}
	return nil
}

func (d *StreamingDemo) Shutdown() error {
	return nil
}

func (d *StreamingDemo) ObjectBounds(id mesh.MeshID) (float32, float32, bool) {
	state := d.State.(*demoState)
	for _, obj := range state.objects {
		if obj.params.MeshID == id {
			return obj.radius, obj.distance, true
		}
	}
	return 0, 0, false
}

// lodForDistance is a crude screen-coverage heuristic, enough to make the
// demo ask for different levels as objects move.
func lodForDistance(radius, distance float32) mesh.LOD {
	if distance < 1 {
		distance = 1
	}
	coverage := radius / distance
	switch {
	case coverage > 0.25:
		return mesh.LODHigh
	case coverage > 0.08:
		return mesh.LODMedium
	case coverage > 0.02:
		return mesh.LODLow
	default:
		return mesh.LODLowest
	}
}

func (d *StreamingDemo) onMeshLoaded(ctx core.EventContext) {
	lm := ctx.Data.(*repo.LoadedMesh)
	core.LogInfo("loaded %s at %s: %d faces", lm.Params.MeshID, lm.LOD, lm.Geometry.FaceCount())

	// Grab the rigging and physics views once geometry is in.
	d.Repository.RequestSkinInfo(lm.Params.MeshID)
	d.Repository.RequestDecomposition(lm.Params.MeshID)
}

func (d *StreamingDemo) onMeshUnavailable(ctx core.EventContext) {
	um := ctx.Data.(*repo.UnavailableMesh)
	core.LogWarn("mesh %s is unavailable at %s", um.Params.MeshID, um.LOD)
}

func (d *StreamingDemo) onSkinInfo(ctx core.EventContext) {
	info := ctx.Data.(*mesh.SkinInfo)
	core.LogInfo("skin for %s: %d joints", info.MeshID, len(info.JointNames))
}

func (d *StreamingDemo) onDecomposition(ctx core.EventContext) {
	dec := ctx.Data.(*mesh.Decomposition)
	core.LogInfo("decomposition for %s: %d hulls", dec.MeshID, len(dec.Hulls))
}

func (d *StreamingDemo) onFeeQuoted(ctx core.EventContext) {
	q := ctx.Data.(repo.FeeQuote)
	core.LogInfo("upload '%s' quoted at %d", q.Name, q.Price)
}

func (d *StreamingDemo) onUploadComplete(ctx core.EventContext) {
	rec := ctx.Data.(repo.InventoryRecord)
	core.LogInfo("upload '%s' registered as asset %s", rec.Name, rec.AssetID)
}

func (d *StreamingDemo) onUploadFailed(ctx core.EventContext) {
	f := ctx.Data.(repo.UploadFailure)
	core.LogError("upload failed: %s [%s] %s", f.Message, f.Identifier, strings.Join(f.Details, "; "))
}
