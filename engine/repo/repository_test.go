package repo

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/remesh/engine/cache"
	"github.com/spaghettifunk/remesh/engine/config"
	"github.com/spaghettifunk/remesh/engine/math"
	"github.com/spaghettifunk/remesh/engine/mesh"
	"github.com/spaghettifunk/remesh/engine/transport"
)

// recListener records every callback so tests can assert on dispatch order
// and counts. All calls arrive on the goroutine pumping Update.
type recListener struct {
	mu          sync.Mutex
	loaded      []LoadedMesh
	unavailable []UnavailableMesh
	skins       []*mesh.SkinInfo
	decomps     []*mesh.Decomposition
	fees        []FeeQuote
	inventory   []InventoryRecord
	failures    []UploadFailure
}

func (l *recListener) MeshLoaded(params mesh.VolumeParams, lod mesh.LOD, g *mesh.Geometry) {
	l.mu.Lock()
	l.loaded = append(l.loaded, LoadedMesh{Params: params, LOD: lod, Geometry: g})
	l.mu.Unlock()
}

func (l *recListener) MeshUnavailable(params mesh.VolumeParams, lod mesh.LOD) {
	l.mu.Lock()
	l.unavailable = append(l.unavailable, UnavailableMesh{Params: params, LOD: lod})
	l.mu.Unlock()
}

func (l *recListener) SkinInfoReceived(info *mesh.SkinInfo) {
	l.mu.Lock()
	l.skins = append(l.skins, info)
	l.mu.Unlock()
}

func (l *recListener) DecompositionReceived(d *mesh.Decomposition) {
	l.mu.Lock()
	l.decomps = append(l.decomps, d)
	l.mu.Unlock()
}

func (l *recListener) UploadFeeQuoted(q FeeQuote) {
	l.mu.Lock()
	l.fees = append(l.fees, q)
	l.mu.Unlock()
}

func (l *recListener) UploadCompleted(rec InventoryRecord) {
	l.mu.Lock()
	l.inventory = append(l.inventory, rec)
	l.mu.Unlock()
}

func (l *recListener) UploadFailed(f UploadFailure) {
	l.mu.Lock()
	l.failures = append(l.failures, f)
	l.mu.Unlock()
}

func (l *recListener) loadedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.loaded)
}

func (l *recListener) unavailableCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.unavailable)
}

func (l *recListener) skinCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.skins)
}

func (l *recListener) decompCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.decomps)
}

// meshServer serves asset containers over HTTP byte ranges the way a real
// asset host would, and counts header probes per asset.
type meshServer struct {
	srv *httptest.Server

	mu           sync.Mutex
	assets       map[mesh.MeshID][]byte
	headerProbes map[mesh.MeshID]int
	rangeFetches map[mesh.MeshID]int
	headerFails  map[mesh.MeshID]int
}

func newMeshServer(t *testing.T) *meshServer {
	s := &meshServer{
		assets:       make(map[mesh.MeshID][]byte),
		headerProbes: make(map[mesh.MeshID]int),
		rangeFetches: make(map[mesh.MeshID]int),
		headerFails:  make(map[mesh.MeshID]int),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *meshServer) add(id mesh.MeshID, asset []byte) {
	s.mu.Lock()
	s.assets[id] = asset
	s.mu.Unlock()
}

func (s *meshServer) failNextHeaders(id mesh.MeshID, n int) {
	s.mu.Lock()
	s.headerFails[id] = n
	s.mu.Unlock()
}

func (s *meshServer) probes(id mesh.MeshID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headerProbes[id]
}

func (s *meshServer) blockFetches(id mesh.MeshID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rangeFetches[id]
}

func (s *meshServer) handle(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.URL.Query().Get("mesh_id"))
	if err != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	asset, ok := s.assets[id]
	if !ok {
		s.mu.Unlock()
		http.Error(w, "no such asset", http.StatusNotFound)
		return
	}

	start, end := parseRange(r.Header.Get("Range"))
	if start == 0 {
		s.headerProbes[id]++
		if s.headerFails[id] > 0 {
			s.headerFails[id]--
			s.mu.Unlock()
			http.Error(w, "flaky", http.StatusServiceUnavailable)
			return
		}
	} else {
		s.rangeFetches[id]++
	}
	s.mu.Unlock()

	if start >= int64(len(asset)) {
		http.Error(w, "range past end", http.StatusRequestedRangeNotSatisfiable)
		return
	}
	if end >= int64(len(asset)) {
		end = int64(len(asset)) - 1
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(asset)))
	w.WriteHeader(http.StatusPartialContent)
	w.Write(asset[start : end+1])
}

func parseRange(header string) (start, end int64) {
	spec := strings.TrimPrefix(header, "bytes=")
	first, second, _ := strings.Cut(spec, "-")
	start, _ = strconv.ParseInt(first, 10, 64)
	end, _ = strconv.ParseInt(second, 10, 64)
	return start, end
}

func triangleGeometry() *mesh.Geometry {
	return &mesh.Geometry{
		Positions: []math.Vec3{{X: 0, Y: 0, Z: 0}, {X: 1, Y: 0, Z: 0}, {X: 0, Y: 1, Z: 0}},
		Normals:   []math.Vec3{{Z: 1}, {Z: 1}, {Z: 1}},
		Texcoords: []math.Vec2{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 0, Y: 1}},
		Indices:   []uint32{0, 1, 2},
	}
}

// assetSpec selects which blocks a built test asset carries.
type assetSpec struct {
	lowest, low, medium, high bool
	skin, decomp, physics     bool
}

func allLODs() assetSpec {
	return assetSpec{lowest: true, low: true, medium: true, high: true}
}

func buildAsset(t *testing.T, id mesh.MeshID, spec assetSpec) []byte {
	t.Helper()

	lodData, err := mesh.EncodeGeometry(triangleGeometry())
	require.NoError(t, err)

	h := &mesh.Header{Version: 1}
	var payload []byte
	place := func(ref *mesh.BlockRef, data []byte) {
		ref.Offset = int32(len(payload))
		ref.Size = int32(len(data))
		payload = append(payload, data...)
	}

	if spec.lowest {
		place(&h.LowestLOD, lodData)
	}
	if spec.low {
		place(&h.LowLOD, lodData)
	}
	if spec.medium {
		place(&h.MediumLOD, lodData)
	}
	if spec.high {
		place(&h.HighLOD, lodData)
	}
	if spec.skin {
		data, err := mesh.EncodeSkinInfo(&mesh.SkinInfo{
			MeshID:          id,
			JointNames:      []string{"mPelvis", "mSpine"},
			BindShapeMatrix: []float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1},
		})
		require.NoError(t, err)
		place(&h.Skin, data)
	}
	if spec.decomp {
		data, err := mesh.EncodeDecomposition(&mesh.Decomposition{
			MeshID: id,
			Hulls:  [][]math.Vec3{{{X: 0}, {X: 1}, {Y: 1}}},
		})
		require.NoError(t, err)
		place(&h.PhysicsConvex, data)
	}
	if spec.physics {
		data, err := mesh.EncodePhysicsMesh(&mesh.PhysicsMesh{
			Positions: []math.Vec3{{X: 0}, {X: 1}, {Y: 1}},
		})
		require.NoError(t, err)
		place(&h.PhysicsMesh, data)
	}

	headerData, err := mesh.EncodeHeader(h)
	require.NoError(t, err)
	return append(headerData, payload...)
}

func newTestRepo(t *testing.T, baseURL string, store *cache.Store) (*Repository, *recListener) {
	t.Helper()
	if store == nil {
		var err error
		store, err = cache.NewStore(t.TempDir())
		require.NoError(t, err)
	}
	client, err := transport.NewClient(transport.Options{BaseURL: baseURL})
	require.NoError(t, err)

	lis := &recListener{}
	r, err := NewRepository(config.Default(), store, client, nil, lis)
	require.NoError(t, err)
	t.Cleanup(func() { r.Shutdown() })
	return r, lis
}

// pump drives Update until the condition holds or the deadline passes.
func pump(t *testing.T, r *Repository, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		r.Update()
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for repository results")
}

func TestLoadEndToEnd(t *testing.T) {
	srv := newMeshServer(t)
	id := mesh.MeshID(uuid.New())
	srv.add(id, buildAsset(t, id, allLODs()))

	r, lis := newTestRepo(t, srv.srv.URL, nil)
	params := mesh.VolumeParams{MeshID: id}

	// Nothing is resident yet, so the caller has no level to render with.
	got := r.RequestLoad(params, mesh.LODHigh, LODNone)
	assert.Equal(t, LODNone, got)
	assert.Equal(t, LODNone, r.ActualMeshLOD(params, mesh.LODHigh))

	pump(t, r, func() bool { return lis.loadedCount() > 0 })

	lis.mu.Lock()
	lm := lis.loaded[0]
	lis.mu.Unlock()
	assert.Equal(t, params, lm.Params)
	assert.Equal(t, mesh.LODHigh, lm.LOD)
	require.NotNil(t, lm.Geometry)
	assert.Equal(t, 1, lm.Geometry.FaceCount())

	assert.Equal(t, mesh.LODHigh, r.ActualMeshLOD(params, mesh.LODHigh))
	require.NotNil(t, r.Header(id))
	assert.Greater(t, r.StreamingCost(id, 2.0), float32(0))

	// A second request for a resident level is absorbed without a new
	// callback, and now reports the level as renderable.
	assert.Equal(t, mesh.LODHigh, r.RequestLoad(params, mesh.LODHigh, LODNone))
	r.Update()
	assert.Equal(t, 1, lis.loadedCount())
	assert.Zero(t, lis.unavailableCount())
}

func TestHeaderFetchedOnceForManyRequests(t *testing.T) {
	srv := newMeshServer(t)
	id := mesh.MeshID(uuid.New())
	srv.add(id, buildAsset(t, id, allLODs()))

	r, lis := newTestRepo(t, srv.srv.URL, nil)
	params := mesh.VolumeParams{MeshID: id}

	// Both LOD requests land before the header is known; they park behind a
	// single header fetch and replay when it arrives.
	r.RequestLoad(params, mesh.LODHigh, LODNone)
	r.RequestLoad(params, mesh.LODLow, LODNone)

	pump(t, r, func() bool { return lis.loadedCount() == 2 })
	assert.Equal(t, 1, srv.probes(id))
}

func TestRequestSteersToNearestLevel(t *testing.T) {
	srv := newMeshServer(t)
	id := mesh.MeshID(uuid.New())
	srv.add(id, buildAsset(t, id, assetSpec{low: true, high: true}))

	r, lis := newTestRepo(t, srv.srv.URL, nil)
	params := mesh.VolumeParams{MeshID: id}

	r.RequestLoad(params, mesh.LODHigh, LODNone)
	pump(t, r, func() bool { return lis.loadedCount() == 1 })

	// Medium is absent; with the header known the request steers down to low
	// before anything is queued. Until low arrives the caller keeps rendering
	// the level it already has.
	got := r.RequestLoad(params, mesh.LODMedium, mesh.LODHigh)
	assert.Equal(t, mesh.LODHigh, got)

	pump(t, r, func() bool { return lis.loadedCount() == 2 })
	lis.mu.Lock()
	lod := lis.loaded[1].LOD
	lis.mu.Unlock()
	assert.Equal(t, mesh.LODLow, lod)
	assert.Zero(t, lis.unavailableCount())
}

func TestMissingAssetBecomesUnavailable(t *testing.T) {
	srv := newMeshServer(t)
	// Nothing registered: every fetch is a 404.
	r, lis := newTestRepo(t, srv.srv.URL, nil)
	params := mesh.VolumeParams{MeshID: mesh.MeshID(uuid.New())}

	r.RequestLoad(params, mesh.LODMedium, LODNone)
	pump(t, r, func() bool { return lis.unavailableCount() > 0 })

	lis.mu.Lock()
	um := lis.unavailable[0]
	lis.mu.Unlock()
	assert.Equal(t, params, um.Params)
	assert.Equal(t, mesh.LODMedium, um.LOD)
	assert.Zero(t, lis.loadedCount())

	h := r.Header(params.MeshID)
	require.NotNil(t, h)
	assert.True(t, h.NotFound)
	assert.Equal(t, float32(0), r.StreamingCost(params.MeshID, 2.0))
}

func TestUnsupportedVersionGatesEveryLOD(t *testing.T) {
	srv := newMeshServer(t)
	id := mesh.MeshID(uuid.New())

	// An asset from the future: blocks are present but the header version is
	// past what this build can read.
	lodData, err := mesh.EncodeGeometry(triangleGeometry())
	require.NoError(t, err)
	h := &mesh.Header{Version: mesh.MaxSupportedVersion + 1}
	h.HighLOD = mesh.BlockRef{Offset: 0, Size: int32(len(lodData))}
	headerData, err := mesh.EncodeHeader(h)
	require.NoError(t, err)
	srv.add(id, append(headerData, lodData...))

	r, lis := newTestRepo(t, srv.srv.URL, nil)
	params := mesh.VolumeParams{MeshID: id}

	// Both levels park behind the header fetch and must resolve unavailable
	// once the version is known, with no block fetch ever issued.
	r.RequestLoad(params, mesh.LODHigh, LODNone)
	r.RequestLoad(params, mesh.LODLowest, LODNone)
	pump(t, r, func() bool { return lis.unavailableCount() == 2 })

	assert.Zero(t, lis.loadedCount())
	assert.Equal(t, 0, srv.blockFetches(id))
	assert.Equal(t, float32(0), r.StreamingCost(id, 2.0))

	// A later request still resolves unavailable without touching the
	// network again.
	probes := srv.probes(id)
	r.RequestLoad(params, mesh.LODMedium, LODNone)
	pump(t, r, func() bool { return lis.unavailableCount() == 3 })
	assert.Equal(t, probes, srv.probes(id))
	assert.Equal(t, 0, srv.blockFetches(id))
}

func TestRetryAfterServerError(t *testing.T) {
	srv := newMeshServer(t)
	id := mesh.MeshID(uuid.New())
	srv.add(id, buildAsset(t, id, allLODs()))
	srv.failNextHeaders(id, 2)

	r, lis := newTestRepo(t, srv.srv.URL, nil)
	params := mesh.VolumeParams{MeshID: id}

	r.RequestLoad(params, mesh.LODHigh, LODNone)
	pump(t, r, func() bool { return lis.loadedCount() > 0 })

	// The two 503s were retried, never reported as unavailable.
	assert.Zero(t, lis.unavailableCount())
	assert.GreaterOrEqual(t, srv.probes(id), 3)
}

func TestLoadsFromCacheWithoutNetwork(t *testing.T) {
	srv := newMeshServer(t)
	id := mesh.MeshID(uuid.New())
	srv.add(id, buildAsset(t, id, allLODs()))

	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)

	r1, lis1 := newTestRepo(t, srv.srv.URL, store)
	params := mesh.VolumeParams{MeshID: id}
	r1.RequestLoad(params, mesh.LODHigh, LODNone)
	pump(t, r1, func() bool { return lis1.loadedCount() > 0 })
	require.NoError(t, r1.Shutdown())

	// A fresh repository on the same store, pointed at a dead endpoint,
	// must satisfy the request entirely from disk.
	r2, lis2 := newTestRepo(t, "http://127.0.0.1:1", store)
	r2.RequestLoad(params, mesh.LODHigh, LODNone)
	pump(t, r2, func() bool { return lis2.loadedCount() > 0 })
	assert.Zero(t, lis2.unavailableCount())
}

func TestSkinAndDecompositionBlocks(t *testing.T) {
	srv := newMeshServer(t)
	id := mesh.MeshID(uuid.New())
	srv.add(id, buildAsset(t, id, assetSpec{
		lowest: true, low: true, medium: true, high: true,
		skin: true, decomp: true, physics: true,
	}))

	r, lis := newTestRepo(t, srv.srv.URL, nil)

	assert.Nil(t, r.RequestSkinInfo(id))
	pump(t, r, func() bool { return lis.skinCount() > 0 })

	lis.mu.Lock()
	skin := lis.skins[0]
	lis.mu.Unlock()
	assert.Equal(t, []string{"mPelvis", "mSpine"}, skin.JointNames)

	// Now cached: the second call answers synchronously.
	assert.Same(t, skin, r.RequestSkinInfo(id))

	assert.Nil(t, r.RequestDecomposition(id))
	pump(t, r, func() bool { return lis.decompCount() > 0 })

	d := r.RequestDecomposition(id)
	require.NotNil(t, d)
	assert.Len(t, d.Hulls, 1)

	// The physics mesh merges into the same cached decomposition.
	assert.Nil(t, r.RequestPhysicsShape(id))
	pump(t, r, func() bool {
		got := r.RequestPhysicsShape(id)
		return got != nil && got.Mesh != nil
	})
	merged := r.RequestPhysicsShape(id)
	require.NotNil(t, merged)
	assert.Len(t, merged.Hulls, 1, "hulls survive the physics mesh merge")
	assert.False(t, merged.Mesh.Empty())
}

func TestSkinMissingIsAnEmptyAnswer(t *testing.T) {
	srv := newMeshServer(t)
	id := mesh.MeshID(uuid.New())
	srv.add(id, buildAsset(t, id, allLODs()))

	r, lis := newTestRepo(t, srv.srv.URL, nil)

	assert.Nil(t, r.RequestSkinInfo(id))
	pump(t, r, func() bool { return lis.skinCount() > 0 })

	lis.mu.Lock()
	skin := lis.skins[0]
	lis.mu.Unlock()
	assert.Equal(t, id, skin.MeshID)
	assert.Empty(t, skin.JointNames)
}

func TestCacheOutgoingMesh(t *testing.T) {
	id := mesh.MeshID(uuid.New())
	asset := buildAsset(t, id, allLODs())

	// Dead endpoint: the cached asset must carry the whole load.
	r, lis := newTestRepo(t, "http://127.0.0.1:1", nil)
	require.NoError(t, r.CacheOutgoingMesh(id, asset))

	require.NotNil(t, r.Header(id))

	params := mesh.VolumeParams{MeshID: id}
	r.RequestLoad(params, mesh.LODHigh, LODNone)
	pump(t, r, func() bool { return lis.loadedCount() > 0 })
	assert.Zero(t, lis.unavailableCount())
}

func TestUploadQueuesDispatchOnUpdate(t *testing.T) {
	r, lis := newTestRepo(t, "http://127.0.0.1:1", nil)

	id := mesh.MeshID(uuid.New())
	r.EnqueueFeeQuote("chair", 12, map[string]interface{}{"upload_price": 12})
	r.EnqueueInventory(id, "chair", "a chair", map[string]interface{}{"state": "complete"})
	r.EnqueueUploadFailure("mesh too dense", "TooManyTriangles", []string{"LOD0 over budget"})

	r.Update()

	lis.mu.Lock()
	defer lis.mu.Unlock()
	require.Len(t, lis.fees, 1)
	assert.Equal(t, "chair", lis.fees[0].Name)
	assert.Equal(t, int64(12), lis.fees[0].Price)
	require.Len(t, lis.inventory, 1)
	assert.Equal(t, id, lis.inventory[0].AssetID)
	assert.Equal(t, "chair", lis.inventory[0].Name)
	require.Len(t, lis.failures, 1)
	assert.Equal(t, "TooManyTriangles", lis.failures[0].Identifier)
	assert.Equal(t, []string{"LOD0 over budget"}, lis.failures[0].Details)
}

func TestRequestLoadReturnsBestResidentNearPrevious(t *testing.T) {
	r, _ := newTestRepo(t, "http://127.0.0.1:1", nil)
	params := mesh.VolumeParams{MeshID: mesh.MeshID(uuid.New())}

	r.mu.Lock()
	r.resident[params] = [mesh.NumLODs]bool{mesh.LODLowest: true}
	r.mu.Unlock()

	// High is queued, but until it lands the caller keeps the level it was
	// already showing.
	got := r.RequestLoad(params, mesh.LODHigh, mesh.LODLowest)
	assert.Equal(t, mesh.LODLowest, got)

	// With no previous level the search starts at the target and still finds
	// the resident one.
	got = r.RequestLoad(params, mesh.LODHigh, LODNone)
	assert.Equal(t, mesh.LODLowest, got)
}

func TestConcurrentRequestsMarkHeaderOnce(t *testing.T) {
	srv := newMeshServer(t)
	id := mesh.MeshID(uuid.New())
	// A header with no LOD blocks at all; nothing is ever loadable.
	srv.add(id, buildAsset(t, id, assetSpec{}))

	r, lis := newTestRepo(t, srv.srv.URL, nil)
	params := mesh.VolumeParams{MeshID: id}

	r.RequestLoad(params, mesh.LODHigh, LODNone)
	pump(t, r, func() bool { return lis.unavailableCount() > 0 })
	require.NotNil(t, r.Header(id))

	// Many goroutines hit the known header at once; marking it unusable must
	// be safe against concurrent readers of the shared copy.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.RequestLoad(params, mesh.LODMedium, LODNone)
			}
		}()
	}
	wg.Wait()

	h := r.Header(id)
	require.NotNil(t, h)
	assert.True(t, h.NotFound)
}

func TestActualMeshLODFallbacks(t *testing.T) {
	r, _ := newTestRepo(t, "http://127.0.0.1:1", nil)
	params := mesh.VolumeParams{MeshID: mesh.MeshID(uuid.New())}

	assert.Equal(t, LODNone, r.ActualMeshLOD(params, mesh.LODMedium))

	r.mu.Lock()
	r.resident[params] = [mesh.NumLODs]bool{mesh.LODLow: true, mesh.LODHigh: true}
	r.mu.Unlock()

	// Exact hit.
	assert.Equal(t, mesh.LODLow, r.ActualMeshLOD(params, mesh.LODLow))
	// Medium missing: the lower resident level wins over the higher one.
	assert.Equal(t, mesh.LODLow, r.ActualMeshLOD(params, mesh.LODMedium))
	// Nothing below lowest: fall upward.
	assert.Equal(t, mesh.LODLow, r.ActualMeshLOD(params, mesh.LODLowest))
	// Out-of-range input clamps.
	assert.Equal(t, mesh.LODHigh, r.ActualMeshLOD(params, mesh.LOD(42)))
}

func TestWaterMarks(t *testing.T) {
	cases := []struct {
		name          string
		maxConcurrent uint32
		pipelined     bool
		wantLow       int
		wantHigh      int
	}{
		{"small pool", 8, false, 16, 32},
		{"default pool", 32, false, 32, 64},
		{"huge pool clamps", 128, false, 40, 80},
		{"pipelined default", 32, true, 20, 40},
		{"pipelined small clamps", 8, true, 16, 32},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			low, high := waterMarks(tc.maxConcurrent, tc.pipelined)
			assert.Equal(t, tc.wantLow, low)
			assert.Equal(t, tc.wantHigh, high)
		})
	}
}
