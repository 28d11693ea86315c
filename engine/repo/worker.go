package repo

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/spaghettifunk/remesh/engine/cache"
	"github.com/spaghettifunk/remesh/engine/core"
	"github.com/spaghettifunk/remesh/engine/mesh"
	"github.com/spaghettifunk/remesh/engine/transport"
)

type lodRequest struct {
	params mesh.VolumeParams
	lod    mesh.LOD
	score  float32
}

// LoadedMesh is one decoded LOD ready to hand to the listener.
type LoadedMesh struct {
	Params   mesh.VolumeParams
	LOD      mesh.LOD
	Geometry *mesh.Geometry
}

// UnavailableMesh reports a request that can never be satisfied: the asset
// does not exist, its format is unreadable, or the server rejected it with a
// non-retryable status. Delivered once per request.
type UnavailableMesh struct {
	Params mesh.VolumeParams
	LOD    mesh.LOD
}

// blockKind selects which interest set a block fetch belongs to.
type blockKind int

const (
	blockSkin blockKind = iota
	blockDecomposition
	blockPhysicsMesh
)

// worker owns the fetch queues. LOD requests waiting on a header park in
// pendingLOD and are replayed the moment the header lands; skin, convex
// decomposition and physics mesh interest are flat sets scanned whole every
// pass, deduplicated by asset id.
type worker struct {
	store  *cache.Store
	client *transport.Client

	ctx    context.Context
	cancel context.CancelFunc

	cond     *sync.Cond
	shutdown bool
	headerQ  []mesh.MeshID
	lodQ     []lodRequest

	pendingLOD    map[mesh.MeshID][]lodRequest
	headerPending map[mesh.MeshID]struct{}

	skinRequests    map[mesh.MeshID]struct{}
	decompRequests  map[mesh.MeshID]struct{}
	physicsRequests map[mesh.MeshID]struct{}

	loadedQ      []LoadedMesh
	unavailableQ []UnavailableMesh
	skinQ        []*mesh.SkinInfo
	decompQ      []*mesh.Decomposition

	headerMu sync.Mutex
	headers  map[mesh.MeshID]*mesh.Header

	limiter       *rate.Limiter
	active        atomic.Int32
	maxConcurrent atomic.Int32

	wg sync.WaitGroup
}

func newWorker(store *cache.Store, client *transport.Client, maxConcurrent, requestsPerSecond uint32) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		store:           store,
		client:          client,
		ctx:             ctx,
		cancel:          cancel,
		cond:            sync.NewCond(&sync.Mutex{}),
		pendingLOD:      make(map[mesh.MeshID][]lodRequest),
		headerPending:   make(map[mesh.MeshID]struct{}),
		skinRequests:    make(map[mesh.MeshID]struct{}),
		decompRequests:  make(map[mesh.MeshID]struct{}),
		physicsRequests: make(map[mesh.MeshID]struct{}),
		headers:         make(map[mesh.MeshID]*mesh.Header),
		limiter:         rate.NewLimiter(rate.Limit(requestsPerSecond), int(maxConcurrent)),
	}
	w.maxConcurrent.Store(int32(maxConcurrent))
	return w
}

func (w *worker) start() {
	w.wg.Add(1)
	go w.run()
}

func (w *worker) stop() {
	w.cond.L.Lock()
	w.shutdown = true
	w.cond.L.Unlock()
	w.cond.Broadcast()
	w.cancel()
	w.wg.Wait()
}

func (w *worker) signal() {
	w.cond.Signal()
}

// setLimits applies hot-reloaded throttle values.
func (w *worker) setLimits(maxConcurrent, requestsPerSecond uint32) {
	w.maxConcurrent.Store(int32(maxConcurrent))
	w.limiter.SetLimit(rate.Limit(requestsPerSecond))
	w.limiter.SetBurst(int(maxConcurrent))
}

// activeAndQueued is the backlog the scheduler measures against the water
// marks: in-flight fetches plus everything still parked in a queue.
func (w *worker) activeAndQueued() int {
	w.cond.L.Lock()
	queued := len(w.lodQ) + len(w.headerQ)
	w.cond.L.Unlock()
	return int(w.active.Load()) + queued
}

func (w *worker) header(id mesh.MeshID) *mesh.Header {
	w.headerMu.Lock()
	defer w.headerMu.Unlock()
	return w.headers[id]
}

func (w *worker) setHeader(id mesh.MeshID, h *mesh.Header) {
	w.headerMu.Lock()
	w.headers[id] = h
	w.headerMu.Unlock()
}

// markHeaderNotFound records that an asset can never be served from its
// header, for example when no LOD block has a size. Published headers are
// immutable, so the entry is swapped for a marked copy under the lock;
// goroutines still holding the old pointer read a stale but consistent value.
func (w *worker) markHeaderNotFound(id mesh.MeshID) {
	w.headerMu.Lock()
	if h := w.headers[id]; h != nil && !h.NotFound {
		marked := *h
		marked.NotFound = true
		w.headers[id] = &marked
	}
	w.headerMu.Unlock()
}

func (w *worker) enqueueLODs(reqs []lodRequest) {
	if len(reqs) == 0 {
		return
	}
	w.cond.L.Lock()
	w.lodQ = append(w.lodQ, reqs...)
	w.cond.L.Unlock()
	w.cond.Signal()
}

func (w *worker) requestBlock(kind blockKind, id mesh.MeshID) {
	w.cond.L.Lock()
	switch kind {
	case blockSkin:
		w.skinRequests[id] = struct{}{}
	case blockDecomposition:
		w.decompRequests[id] = struct{}{}
	case blockPhysicsMesh:
		w.physicsRequests[id] = struct{}{}
	}
	w.cond.L.Unlock()
	w.cond.Signal()
}

// drainResults moves every finished result out in one shot. Called from
// Update on the owner's goroutine.
func (w *worker) drainResults() ([]LoadedMesh, []UnavailableMesh, []*mesh.SkinInfo, []*mesh.Decomposition) {
	w.cond.L.Lock()
	loaded, unavailable, skins, decomps := w.loadedQ, w.unavailableQ, w.skinQ, w.decompQ
	w.loadedQ, w.unavailableQ, w.skinQ, w.decompQ = nil, nil, nil, nil
	w.cond.L.Unlock()
	return loaded, unavailable, skins, decomps
}

func (w *worker) hasWorkLocked() bool {
	return len(w.lodQ) > 0 || len(w.headerQ) > 0 ||
		len(w.skinRequests) > 0 || len(w.decompRequests) > 0 || len(w.physicsRequests) > 0
}

// canStart gates one more fetch: below the concurrency ceiling and inside
// the per-second budget. A denied token just parks the queue until the next
// Update signal.
func (w *worker) canStart() bool {
	if w.active.Load() >= w.maxConcurrent.Load() {
		return false
	}
	return w.limiter.Allow()
}

// budgetAvailable peeks at the budget without consuming a token.
func (w *worker) budgetAvailable() bool {
	return w.active.Load() < w.maxConcurrent.Load() && w.limiter.Tokens() >= 1
}

func (w *worker) run() {
	defer w.wg.Done()
	for {
		w.cond.L.Lock()
		for !w.shutdown && !w.hasWorkLocked() {
			w.cond.Wait()
		}
		if w.shutdown {
			w.cond.L.Unlock()
			return
		}

		// LOD requests go first: they are the ones the caller scored.
		for len(w.lodQ) > 0 && w.canStart() {
			req := w.lodQ[0]
			w.lodQ = w.lodQ[1:]
			w.cond.L.Unlock()
			w.loadLOD(req)
			w.cond.L.Lock()
		}

		for len(w.headerQ) > 0 && w.canStart() {
			id := w.headerQ[0]
			w.headerQ = w.headerQ[1:]
			w.cond.L.Unlock()
			w.loadHeader(id)
			w.cond.L.Lock()
		}

		w.serviceBlockSetLocked(blockSkin, w.skinRequests)
		w.serviceBlockSetLocked(blockDecomposition, w.decompRequests)
		w.serviceBlockSetLocked(blockPhysicsMesh, w.physicsRequests)
		w.cond.L.Unlock()

		// Queues can still hold work when the budget ran out, and the
		// interest sets hold entries parked behind an in-flight header
		// fetch. Wait for the next signal rather than spinning.
		w.cond.L.Lock()
		if !w.shutdown && w.hasWorkLocked() {
			runnable := len(w.lodQ) > 0 || len(w.headerQ) > 0
			if !runnable || !w.budgetAvailable() {
				w.cond.Wait()
			}
		}
		w.cond.L.Unlock()
	}
}

// queueHeaderLocked requests the asset header once, no matter how many
// block or LOD requests are waiting on it.
func (w *worker) queueHeaderLocked(id mesh.MeshID) {
	if _, pending := w.headerPending[id]; pending {
		return
	}
	w.headerPending[id] = struct{}{}
	w.headerQ = append(w.headerQ, id)
}

// loadLOD resolves one LOD request: park it if the header is still unknown,
// refuse it if the header says the block does not exist, satisfy it from
// cache, or fetch it.
func (w *worker) loadLOD(req lodRequest) {
	id := req.params.MeshID
	h := w.header(id)
	if h == nil {
		w.cond.L.Lock()
		w.pendingLOD[id] = append(w.pendingLOD[id], req)
		w.queueHeaderLocked(id)
		w.cond.L.Unlock()
		return
	}
	if h.NotFound || h.Version > mesh.MaxSupportedVersion {
		w.pushUnavailable(req)
		return
	}
	ref := h.Block(req.lod)
	if !ref.Valid() {
		w.pushUnavailable(req)
		return
	}

	offset := int64(h.HeaderSize) + int64(ref.Offset)
	size := int(ref.Size)

	if data, err := w.store.ReadRange(id, offset, size); err == nil && !cache.AllZero(data) {
		if g, derr := mesh.DecodeGeometry(data); derr == nil {
			core.MetricsAddCacheBytesRead(size)
			w.pushLoaded(LoadedMesh{Params: req.params, LOD: req.lod, Geometry: g})
			return
		}
		core.LogWarn("cached LOD for %s is corrupt, refetching", id)
	}

	w.active.Add(1)
	w.wg.Add(1)
	go w.fetchLOD(req, offset, size)
}

func (w *worker) fetchLOD(req lodRequest, offset int64, size int) {
	defer func() {
		w.active.Add(-1)
		w.wg.Done()
		w.cond.Signal()
	}()

	id := req.params.MeshID
	body, status, err := w.client.FetchByteRange(w.ctx, id, offset, size)
	if err != nil || status < 200 || status >= 300 {
		if transport.Retryable(status, err) {
			core.MetricsAddHTTPRetry()
			w.cond.L.Lock()
			w.lodQ = append(w.lodQ, req)
			w.cond.L.Unlock()
			return
		}
		core.LogWarn("LOD fetch for %s failed permanently (status %d): %v", id, status, err)
		w.pushUnavailable(req)
		return
	}

	g, derr := mesh.DecodeGeometry(body)
	if derr != nil {
		core.LogWarn("LOD block for %s does not parse: %s", id, derr.Error())
		w.pushUnavailable(req)
		return
	}

	if werr := w.store.WriteRange(id, offset, body); werr != nil {
		core.LogWarn("cache write for %s failed: %s", id, werr.Error())
	} else {
		core.MetricsAddCacheBytesWritten(len(body))
	}
	w.pushLoaded(LoadedMesh{Params: req.params, LOD: req.lod, Geometry: g})
}

// loadHeader satisfies a header request from cache when a sane copy exists,
// otherwise fetches the probe range.
func (w *worker) loadHeader(id mesh.MeshID) {
	if sz := w.store.Size(id); sz > 0 {
		n := int64(mesh.HeaderProbeSize)
		if sz < n {
			n = sz
		}
		if data, err := w.store.ReadRange(id, 0, int(n)); err == nil && !cache.AllZero(data) {
			if w.headerReceived(id, data, false) {
				core.MetricsAddCacheBytesRead(int(n))
				return
			}
		}
	}

	w.active.Add(1)
	w.wg.Add(1)
	go w.fetchHeader(id)
}

func (w *worker) fetchHeader(id mesh.MeshID) {
	defer func() {
		w.active.Add(-1)
		w.wg.Done()
		w.cond.Signal()
	}()

	body, status, err := w.client.FetchByteRange(w.ctx, id, 0, mesh.HeaderProbeSize)
	if err != nil || status < 200 || status >= 300 {
		if transport.Retryable(status, err) {
			core.MetricsAddHTTPRetry()
			w.cond.L.Lock()
			delete(w.headerPending, id)
			w.queueHeaderLocked(id)
			w.cond.L.Unlock()
			return
		}
		core.LogWarn("header fetch for %s failed permanently (status %d): %v", id, status, err)
		w.setHeader(id, &mesh.Header{NotFound: true})
		w.flushPendingFor(id)
		return
	}
	w.headerReceived(id, body, true)
}

// headerReceived decodes header bytes and, on success, flushes every parked
// request for the asset. fromNetwork controls both the cache write-back and
// the failure mode: cached bytes that do not parse report false so the
// caller can refetch, network bytes that do not parse mark the asset gone.
func (w *worker) headerReceived(id mesh.MeshID, data []byte, fromNetwork bool) bool {
	h, err := mesh.DecodeHeader(data)
	if err != nil {
		if !fromNetwork {
			return false
		}
		core.LogWarn("header for %s does not parse: %s", id, err.Error())
		h = &mesh.Header{NotFound: true}
	}
	if h != nil && !h.NotFound && h.Version > mesh.MaxSupportedVersion {
		core.LogWarn("mesh %s uses format version %d, newer than this build understands", id, h.Version)
		h.NotFound = true
	}

	w.setHeader(id, h)

	if fromNetwork && !h.NotFound {
		// Reserve the full asset extent so later block writes land inside
		// the file and unwritten slots read back zeroed.
		if err := w.store.Reserve(id, h.MaxExtent()); err != nil {
			core.LogWarn("cache reserve for %s failed: %s", id, err.Error())
		} else if err := w.store.WriteRange(id, 0, data); err != nil {
			core.LogWarn("cache write for %s failed: %s", id, err.Error())
		} else {
			core.MetricsAddCacheBytesWritten(len(data))
		}
	}

	w.flushPendingFor(id)
	return true
}

// flushPendingFor replays requests parked on a header. Requests for assets
// that turned out to be unavailable resolve immediately.
func (w *worker) flushPendingFor(id mesh.MeshID) {
	h := w.header(id)

	w.cond.L.Lock()
	delete(w.headerPending, id)
	parked := w.pendingLOD[id]
	delete(w.pendingLOD, id)
	if h != nil && !h.NotFound {
		w.lodQ = append(parked, w.lodQ...)
	} else {
		for _, req := range parked {
			w.unavailableQ = append(w.unavailableQ, UnavailableMesh{Params: req.params, LOD: req.lod})
		}
	}
	w.cond.L.Unlock()
	w.cond.Signal()
}

// serviceBlockSetLocked walks one interest set. Assets with a known header
// start their block fetch and leave the set; the rest stay parked behind a
// header request. Called with the queue lock held. The ready ids are
// snapshotted first because retrying fetch goroutines re-add to the set
// while the lock is dropped for loadBlock.
func (w *worker) serviceBlockSetLocked(kind blockKind, set map[mesh.MeshID]struct{}) {
	ready := make([]mesh.MeshID, 0, len(set))
	for id := range set {
		if w.header(id) == nil {
			w.queueHeaderLocked(id)
			continue
		}
		ready = append(ready, id)
	}
	for _, id := range ready {
		if w.active.Load() >= w.maxConcurrent.Load() {
			return
		}
		delete(set, id)
		h := w.header(id)
		w.cond.L.Unlock()
		w.loadBlock(kind, id, h)
		w.cond.L.Lock()
	}
}

func blockRefFor(kind blockKind, h *mesh.Header) mesh.BlockRef {
	switch kind {
	case blockSkin:
		return h.Skin
	case blockDecomposition:
		return h.PhysicsConvex
	default:
		return h.PhysicsMesh
	}
}

// loadBlock resolves a skin, convex decomposition or physics mesh request.
// A header without the block is a definitive empty answer, not an error.
func (w *worker) loadBlock(kind blockKind, id mesh.MeshID, h *mesh.Header) {
	if h.NotFound {
		w.pushBlockResult(kind, id, nil, true)
		return
	}
	ref := blockRefFor(kind, h)
	if !ref.Valid() {
		w.pushBlockResult(kind, id, nil, true)
		return
	}

	offset := int64(h.HeaderSize) + int64(ref.Offset)
	size := int(ref.Size)

	if data, err := w.store.ReadRange(id, offset, size); err == nil && !cache.AllZero(data) {
		if w.pushBlockResult(kind, id, data, false) {
			core.MetricsAddCacheBytesRead(size)
			return
		}
	}

	w.active.Add(1)
	w.wg.Add(1)
	go w.fetchBlock(kind, id, offset, size)
}

func (w *worker) fetchBlock(kind blockKind, id mesh.MeshID, offset int64, size int) {
	defer func() {
		w.active.Add(-1)
		w.wg.Done()
		w.cond.Signal()
	}()

	body, status, err := w.client.FetchByteRange(w.ctx, id, offset, size)
	if err != nil || status < 200 || status >= 300 {
		if transport.Retryable(status, err) {
			core.MetricsAddHTTPRetry()
			w.requestBlock(kind, id)
			return
		}
		core.LogWarn("block fetch for %s failed permanently (status %d): %v", id, status, err)
		w.pushBlockResult(kind, id, nil, true)
		return
	}

	if !w.pushBlockResult(kind, id, body, false) {
		// Unparseable network bytes: report the empty answer rather than
		// refetching the same corrupt block forever.
		w.pushBlockResult(kind, id, nil, true)
		return
	}
	if werr := w.store.WriteRange(id, offset, body); werr != nil {
		core.LogWarn("cache write for %s failed: %s", id, werr.Error())
	} else {
		core.MetricsAddCacheBytesWritten(len(body))
	}
}

// pushBlockResult decodes block bytes into the right result queue. forceEmpty
// delivers the no-such-block answer. Returns false when data does not parse.
func (w *worker) pushBlockResult(kind blockKind, id mesh.MeshID, data []byte, forceEmpty bool) bool {
	switch kind {
	case blockSkin:
		info := &mesh.SkinInfo{MeshID: id}
		if !forceEmpty {
			decoded, err := mesh.DecodeSkinInfo(id, data)
			if err != nil {
				core.LogWarn("skin block for %s does not parse: %s", id, err.Error())
				return false
			}
			info = decoded
		}
		w.cond.L.Lock()
		w.skinQ = append(w.skinQ, info)
		w.cond.L.Unlock()

	case blockDecomposition:
		d := &mesh.Decomposition{MeshID: id}
		if !forceEmpty {
			decoded, err := mesh.DecodeDecomposition(id, data)
			if err != nil {
				core.LogWarn("decomposition block for %s does not parse: %s", id, err.Error())
				return false
			}
			d = decoded
		}
		w.cond.L.Lock()
		w.decompQ = append(w.decompQ, d)
		w.cond.L.Unlock()

	default:
		d := &mesh.Decomposition{MeshID: id, Mesh: &mesh.PhysicsMesh{}}
		if !forceEmpty {
			decoded, err := mesh.DecodePhysicsMesh(id, data)
			if err != nil {
				core.LogWarn("physics mesh block for %s does not parse: %s", id, err.Error())
				return false
			}
			d = decoded
		}
		w.cond.L.Lock()
		w.decompQ = append(w.decompQ, d)
		w.cond.L.Unlock()
	}
	w.cond.Signal()
	return true
}

func (w *worker) pushLoaded(lm LoadedMesh) {
	w.cond.L.Lock()
	w.loadedQ = append(w.loadedQ, lm)
	w.cond.L.Unlock()
	w.cond.Signal()
}

func (w *worker) pushUnavailable(req lodRequest) {
	w.cond.L.Lock()
	w.unavailableQ = append(w.unavailableQ, UnavailableMesh{Params: req.params, LOD: req.lod})
	w.cond.L.Unlock()
	w.cond.Signal()
}
