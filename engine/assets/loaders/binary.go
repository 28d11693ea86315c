package loaders

import (
	"os"

	"github.com/spaghettifunk/remesh/engine/mesh"
)

// GeometryBlockLoader reads a raw geometry block, the same format LOD blocks
// use inside a mesh asset. Handy for round-tripping previously downloaded
// or exported data.
type GeometryBlockLoader struct{}

func (gl *GeometryBlockLoader) Extensions() []string {
	return []string{"mgeo"}
}

func (gl *GeometryBlockLoader) Load(path string) (*mesh.Geometry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return mesh.DecodeGeometry(data)
}
