package assets

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spaghettifunk/remesh/engine/assets/loaders"
	"github.com/spaghettifunk/remesh/engine/mesh"
)

// AssetManager routes source files to the loader registered for their
// extension.
type AssetManager struct {
	mutex   sync.RWMutex
	loaders map[string]Loader
}

func NewAssetManager() (*AssetManager, error) {
	am := &AssetManager{
		loaders: make(map[string]Loader),
	}
	for _, l := range []Loader{
		&loaders.ModelLoader{},
		&loaders.GeometryBlockLoader{},
	} {
		if err := am.RegisterLoader(l); err != nil {
			return nil, err
		}
	}
	return am, nil
}

func (am *AssetManager) RegisterLoader(l Loader) error {
	am.mutex.Lock()
	defer am.mutex.Unlock()
	for _, ext := range l.Extensions() {
		ext = strings.ToLower(ext)
		if _, taken := am.loaders[ext]; taken {
			return fmt.Errorf("a loader for '.%s' is already registered", ext)
		}
		am.loaders[ext] = l
	}
	return nil
}

// LoadGeometry parses one source file into geometry.
func (am *AssetManager) LoadGeometry(path string) (*mesh.Geometry, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")

	am.mutex.RLock()
	l, ok := am.loaders[ext]
	am.mutex.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no loader registered for '.%s'", ext)
	}
	return l.Load(path)
}
