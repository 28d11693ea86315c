package repo

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/spaghettifunk/remesh/engine/cache"
	"github.com/spaghettifunk/remesh/engine/config"
	"github.com/spaghettifunk/remesh/engine/core"
	"github.com/spaghettifunk/remesh/engine/mesh"
	"github.com/spaghettifunk/remesh/engine/transport"
)

// LODNone reports that nothing usable is resident for a mesh.
const LODNone = mesh.LOD(-1)

// ObjectLocator supplies per-object world state for request scoring. Bigger
// and closer objects win. A locator that does not know the object reports
// ok false and the request keeps its previous score.
type ObjectLocator interface {
	ObjectBounds(id mesh.MeshID) (radius, distance float32, ok bool)
}

// Listener receives every result the repository produces. Callbacks run on
// the goroutine that calls Update.
type Listener interface {
	MeshLoaded(params mesh.VolumeParams, lod mesh.LOD, geometry *mesh.Geometry)
	MeshUnavailable(params mesh.VolumeParams, lod mesh.LOD)
	SkinInfoReceived(info *mesh.SkinInfo)
	DecompositionReceived(d *mesh.Decomposition)
	UploadFeeQuoted(q FeeQuote)
	UploadCompleted(rec InventoryRecord)
	UploadFailed(f UploadFailure)
}

// InventoryRecord describes one uploaded asset ready to register.
type InventoryRecord struct {
	AssetID     mesh.MeshID
	Name        string
	Description string
	Response    map[string]interface{}
}

// UploadFailure is the single notification emitted for a failed upload.
type UploadFailure struct {
	Message    string
	Identifier string
	Details    []string
}

// FeeQuote carries the price the service quoted for an upload. Response is
// the full fee body, breakdown included.
type FeeQuote struct {
	Name     string
	Price    int64
	Response map[string]interface{}
}

// Repository is the front door for mesh asset loading. Callers register
// interest from any goroutine; once per frame the owner calls Update, which
// scores and forwards pending requests to the worker and dispatches finished
// results to the Listener.
type Repository struct {
	worker *worker
	store  *cache.Store

	cfg atomic.Pointer[config.Config]

	locator  ObjectLocator
	listener Listener

	mu       sync.Mutex
	pending  []lodRequest
	loading  map[mesh.VolumeParams]map[mesh.LOD]bool
	resident map[mesh.VolumeParams][mesh.NumLODs]bool

	skinCache   map[mesh.MeshID]*mesh.SkinInfo
	decompCache map[mesh.MeshID]*mesh.Decomposition

	feeQ       []FeeQuote
	inventoryQ []InventoryRecord
	failureQ   []UploadFailure
}

func NewRepository(cfg *config.Config, store *cache.Store, client *transport.Client, locator ObjectLocator, listener Listener) (*Repository, error) {
	r := &Repository{
		worker:      newWorker(store, client, cfg.Repository.MaxConcurrentRequests, cfg.Repository.RequestsPerSecond),
		store:       store,
		locator:     locator,
		listener:    listener,
		loading:     make(map[mesh.VolumeParams]map[mesh.LOD]bool),
		resident:    make(map[mesh.VolumeParams][mesh.NumLODs]bool),
		skinCache:   make(map[mesh.MeshID]*mesh.SkinInfo),
		decompCache: make(map[mesh.MeshID]*mesh.Decomposition),
	}
	r.cfg.Store(cfg)
	r.worker.start()
	return r, nil
}

func (r *Repository) Shutdown() error {
	r.worker.stop()
	return nil
}

// SetConfig applies a hot-reloaded config. Throttle values take effect on
// the next Update; in-flight requests are untouched.
func (r *Repository) SetConfig(cfg *config.Config) {
	r.cfg.Store(cfg)
}

// waterMarks derives the forwarding thresholds from the concurrency ceiling.
// Pipelined transports keep more requests in flight per connection, so the
// high mark grows less aggressively.
func waterMarks(maxConcurrent uint32, pipelined bool) (low, high int) {
	if pipelined {
		high = int(5 * maxConcurrent / 4)
	} else {
		high = int(2 * maxConcurrent)
	}
	if high < 32 {
		high = 32
	}
	if high > 80 {
		high = 80
	}
	low = high / 2
	if low < 16 {
		low = 16
	}
	if low > 40 {
		low = 40
	}
	return low, high
}

// RequestLoad registers interest in one LOD of a mesh and reports the level
// to render while it streams in. When the header is already known the
// request is steered to the nearest level the asset actually carries.
// Duplicate requests for a level already loading or resident are absorbed.
//
// The return value is the steered level when it is already resident,
// otherwise the best resident level near prev (prev itself, then below it,
// then above), otherwise LODNone. prev is the level the caller currently
// shows; pass LODNone for a fresh object.
func (r *Repository) RequestLoad(params mesh.VolumeParams, lod, prev mesh.LOD) mesh.LOD {
	if lod < mesh.LODLowest {
		lod = mesh.LODLowest
	}
	if lod > mesh.LODHigh {
		lod = mesh.LODHigh
	}

	if h := r.worker.header(params.MeshID); h != nil {
		actual, ok := mesh.NearestAvailableLOD(h, lod)
		if !ok {
			// No usable level at all. Record that through the worker so every
			// later caller skips the asset without a refetch.
			r.worker.markHeaderNotFound(params.MeshID)
		} else {
			lod = actual
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.resident[params][lod] {
		return lod
	}
	if !r.loading[params][lod] {
		if r.loading[params] == nil {
			r.loading[params] = make(map[mesh.LOD]bool)
		}
		r.loading[params][lod] = true
		r.pending = append(r.pending, lodRequest{params: params, lod: lod})
		core.MetricsLODPendingAdd(1)
	}

	start := prev
	if start < mesh.LODLowest || start > mesh.LODHigh {
		start = lod
	}
	return r.residentNearLocked(params, start)
}

// ActualMeshLOD reports the level to render right now: the requested level
// when resident, else the nearest resident below it, else the nearest above,
// else LODNone.
func (r *Repository) ActualMeshLOD(params mesh.VolumeParams, lod mesh.LOD) mesh.LOD {
	if lod < mesh.LODLowest {
		lod = mesh.LODLowest
	}
	if lod > mesh.LODHigh {
		lod = mesh.LODHigh
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.residentNearLocked(params, lod)
}

func (r *Repository) residentNearLocked(params mesh.VolumeParams, lod mesh.LOD) mesh.LOD {
	res, ok := r.resident[params]
	if !ok {
		return LODNone
	}
	if res[lod] {
		return lod
	}
	for i := lod - 1; i >= mesh.LODLowest; i-- {
		if res[i] {
			return i
		}
	}
	for i := lod + 1; i <= mesh.LODHigh; i++ {
		if res[i] {
			return i
		}
	}
	return LODNone
}

// RequestSkinInfo returns the cached skin immediately when present,
// otherwise nil after scheduling a fetch. The listener hears about it when
// it lands.
func (r *Repository) RequestSkinInfo(id mesh.MeshID) *mesh.SkinInfo {
	r.mu.Lock()
	if info, ok := r.skinCache[id]; ok {
		r.mu.Unlock()
		return info
	}
	r.mu.Unlock()
	r.worker.requestBlock(blockSkin, id)
	return nil
}

// RequestDecomposition schedules a convex decomposition fetch unless a
// cached copy with hull data exists.
func (r *Repository) RequestDecomposition(id mesh.MeshID) *mesh.Decomposition {
	r.mu.Lock()
	d, ok := r.decompCache[id]
	r.mu.Unlock()
	if ok && (len(d.Hulls) > 0 || len(d.BaseHull) > 0) {
		return d
	}
	r.worker.requestBlock(blockDecomposition, id)
	return nil
}

// RequestPhysicsShape schedules a physics mesh fetch unless a cached copy
// carries one.
func (r *Repository) RequestPhysicsShape(id mesh.MeshID) *mesh.Decomposition {
	r.mu.Lock()
	d, ok := r.decompCache[id]
	r.mu.Unlock()
	if ok && d.Mesh != nil {
		return d
	}
	r.worker.requestBlock(blockPhysicsMesh, id)
	return nil
}

// Header exposes the decoded asset header once it is known.
func (r *Repository) Header(id mesh.MeshID) *mesh.Header {
	return r.worker.header(id)
}

// StreamingCost estimates the render cost of a mesh at a world radius using
// the configured cost constants. Zero until the header is known.
func (r *Repository) StreamingCost(id mesh.MeshID, radius float32) float32 {
	h := r.worker.header(id)
	if h == nil || h.NotFound {
		return 0
	}
	cost := r.cfg.Load().Cost
	return mesh.StreamingCost(h, radius, mesh.CostParams{
		BytesPerTriangle: float32(cost.BytesPerTriangle),
		MetadataDiscount: float32(cost.MetadataDiscount),
		MinimumByteSize:  float32(cost.MinimumByteSize),
		TriangleBudget:   float32(cost.TriangleBudget),
	})
}

// CacheOutgoingMesh writes a freshly uploaded asset into the local cache so
// the uploader never refetches its own data. The header is decoded to learn
// the full extent before the write.
func (r *Repository) CacheOutgoingMesh(id mesh.MeshID, assetData []byte) error {
	h, err := mesh.DecodeHeader(assetData)
	if err != nil {
		return err
	}
	if err := r.store.Reserve(id, h.MaxExtent()); err != nil {
		return err
	}
	if err := r.store.WriteRange(id, 0, assetData); err != nil {
		return err
	}
	core.MetricsAddCacheBytesWritten(len(assetData))
	r.worker.setHeader(id, h)
	return nil
}

// EnqueueFeeQuote records a successful fee quotation for the next Update to
// dispatch. Called from upload goroutines.
func (r *Repository) EnqueueFeeQuote(name string, price int64, response map[string]interface{}) {
	r.mu.Lock()
	r.feeQ = append(r.feeQ, FeeQuote{Name: name, Price: price, Response: response})
	r.mu.Unlock()
}

// EnqueueInventory records a completed upload for the next Update to
// dispatch. Called from upload goroutines.
func (r *Repository) EnqueueInventory(assetID mesh.MeshID, name, description string, response map[string]interface{}) {
	r.mu.Lock()
	r.inventoryQ = append(r.inventoryQ, InventoryRecord{
		AssetID:     assetID,
		Name:        name,
		Description: description,
		Response:    response,
	})
	r.mu.Unlock()
}

// EnqueueUploadFailure records the single notification for a failed upload.
func (r *Repository) EnqueueUploadFailure(message, identifier string, details []string) {
	r.mu.Lock()
	r.failureQ = append(r.failureQ, UploadFailure{
		Message:    message,
		Identifier: identifier,
		Details:    details,
	})
	r.mu.Unlock()
}

// Update is the per-frame tick: apply throttle config, score and forward
// pending requests when the worker backlog drops below the low water mark,
// then dispatch every finished result to the listener.
func (r *Repository) Update() {
	cfg := r.cfg.Load()
	r.worker.setLimits(cfg.Repository.MaxConcurrentRequests, cfg.Repository.RequestsPerSecond)

	low, high := waterMarks(cfg.Repository.MaxConcurrentRequests, cfg.Repository.Pipelined)
	backlog := r.worker.activeAndQueued()
	if backlog < low {
		r.forward(high - backlog)
	}

	loaded, unavailable, skins, decomps := r.worker.drainResults()

	for _, lm := range loaded {
		r.mu.Lock()
		res := r.resident[lm.Params]
		res[lm.LOD] = true
		r.resident[lm.Params] = res
		delete(r.loading[lm.Params], lm.LOD)
		r.mu.Unlock()
		core.MetricsLODProcessingAdd(-1)
		r.listener.MeshLoaded(lm.Params, lm.LOD, lm.Geometry)
	}

	for _, um := range unavailable {
		r.mu.Lock()
		delete(r.loading[um.Params], um.LOD)
		r.mu.Unlock()
		core.MetricsLODProcessingAdd(-1)
		r.listener.MeshUnavailable(um.Params, um.LOD)
	}

	for _, info := range skins {
		r.mu.Lock()
		r.skinCache[info.MeshID] = info
		r.mu.Unlock()
		r.listener.SkinInfoReceived(info)
	}

	for _, d := range decomps {
		r.mu.Lock()
		if existing, ok := r.decompCache[d.MeshID]; ok {
			existing.Merge(d)
			d = existing
		} else {
			r.decompCache[d.MeshID] = d
		}
		r.mu.Unlock()
		r.listener.DecompositionReceived(d)
	}

	r.mu.Lock()
	fees, inventory, failures := r.feeQ, r.inventoryQ, r.failureQ
	r.feeQ, r.inventoryQ, r.failureQ = nil, nil, nil
	r.mu.Unlock()
	for _, q := range fees {
		r.listener.UploadFeeQuoted(q)
	}
	for _, rec := range inventory {
		r.listener.UploadCompleted(rec)
	}
	for _, f := range failures {
		r.listener.UploadFailed(f)
	}

	r.worker.signal()
}

// forward hands at most n pending requests to the worker, highest score
// first. Scores are recomputed from current object state on every call, so
// a request that was far away when filed still wins once its object walks
// up to the camera.
func (r *Repository) forward(n int) {
	if n <= 0 {
		return
	}

	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return
	}
	if r.locator != nil {
		for i := range r.pending {
			radius, distance, ok := r.locator.ObjectBounds(r.pending[i].params.MeshID)
			if !ok {
				continue
			}
			if distance < 1 {
				distance = 1
			}
			r.pending[i].score = radius / distance
		}
	}
	sort.SliceStable(r.pending, func(i, j int) bool {
		return r.pending[i].score > r.pending[j].score
	})
	if n > len(r.pending) {
		n = len(r.pending)
	}
	batch := make([]lodRequest, n)
	copy(batch, r.pending[:n])
	r.pending = r.pending[n:]
	r.mu.Unlock()

	core.MetricsLODPendingAdd(-n)
	core.MetricsLODProcessingAdd(n)
	r.worker.enqueueLODs(batch)
}
