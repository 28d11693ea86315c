package assets

import "github.com/spaghettifunk/remesh/engine/mesh"

// Loader turns one source file format into geometry ready for upload or
// local display.
type Loader interface {
	// Extensions lists the file suffixes the loader claims, without the dot.
	Extensions() []string
	Load(path string) (*mesh.Geometry, error)
}
