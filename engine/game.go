package engine

import (
	"github.com/spaghettifunk/remesh/engine/assets"
	"github.com/spaghettifunk/remesh/engine/mesh"
	"github.com/spaghettifunk/remesh/engine/repo"
)

// Game is the embedder's half of the engine: configuration, per-frame logic
// and the world-state callback the request scheduler scores against. The
// engine fills in Repository and Assets before FnInitialize runs.
type Game struct {
	ApplicationConfig *ApplicationConfig
	Repository        *repo.Repository
	Assets            *assets.AssetManager
	State             interface{}

	FnInitialize Initialize
	FnUpdate     Update
	FnShutdown   Shutdown
	// FnObjectBounds reports world radius and camera distance for an asset,
	// used to prioritize fetches. Optional; without it requests keep
	// submission order.
	FnObjectBounds ObjectBounds
}

type Initialize func() error
type Update func(deltaTime float64) error
type Shutdown func() error
type ObjectBounds func(id mesh.MeshID) (radius, distance float32, ok bool)
