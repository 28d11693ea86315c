package assets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/remesh/engine/math"
	"github.com/spaghettifunk/remesh/engine/mesh"
)

type fakeLoader struct{ exts []string }

func (f *fakeLoader) Extensions() []string                { return f.exts }
func (f *fakeLoader) Load(string) (*mesh.Geometry, error) { return &mesh.Geometry{}, nil }

func TestLoadGeometryRoutesByExtension(t *testing.T) {
	am, err := NewAssetManager()
	require.NoError(t, err)

	dir := t.TempDir()
	objPath := filepath.Join(dir, "tri.OBJ")
	require.NoError(t, os.WriteFile(objPath, []byte("v 0 0 0\nv 1 0 0\nv 0 1 0\nf 1 2 3\n"), 0o644))

	// Extension matching is case insensitive.
	g, err := am.LoadGeometry(objPath)
	require.NoError(t, err)
	assert.Equal(t, 1, g.FaceCount())

	_, err = am.LoadGeometry(filepath.Join(dir, "tri.fbx"))
	assert.Error(t, err, "unknown extension")
}

func TestLoadGeometryBlockFile(t *testing.T) {
	am, err := NewAssetManager()
	require.NoError(t, err)

	src := &mesh.Geometry{
		Positions: []math.Vec3{{X: 0}, {X: 1}, {Y: 1}},
		Normals:   []math.Vec3{{Z: 1}, {Z: 1}, {Z: 1}},
		Texcoords: []math.Vec2{{}, {X: 1}, {Y: 1}},
		Indices:   []uint32{0, 1, 2},
	}
	data, err := mesh.EncodeGeometry(src)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "tri.mgeo")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	g, err := am.LoadGeometry(path)
	require.NoError(t, err)
	assert.Equal(t, src.Positions, g.Positions)
	assert.Equal(t, src.Indices, g.Indices)
}

func TestRegisterLoaderRejectsDuplicateExtension(t *testing.T) {
	am, err := NewAssetManager()
	require.NoError(t, err)

	assert.Error(t, am.RegisterLoader(&fakeLoader{exts: []string{"obj"}}))
	assert.NoError(t, am.RegisterLoader(&fakeLoader{exts: []string{"gltf"}}))
}
