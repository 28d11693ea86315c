package decomp

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/spaghettifunk/remesh/engine/core"
	"github.com/spaghettifunk/remesh/engine/math"
	"github.com/spaghettifunk/remesh/engine/mesh"
)

// StageDecompose splits the input into spatial clusters and builds one
// convex hull per cluster. StageSingleHull wraps the whole input in a single
// hull, the shape used for mesh upload physics.
const (
	StageDecompose  = "decompose"
	StageSingleHull = "single_hull"
)

const defaultMaxHulls = 32

// Smallest cluster worth its own hull. Below this the triangles fold into
// the parent's hull instead.
const minClusterTriangles = 8

var ErrShuttingDown = errors.New("decomposer is shutting down")
var ErrQueueFull = errors.New("decomposition queue is full")

// Request is one decomposition job. Positions and Indices describe a
// triangle mesh; OnStatus, when set, hears per-stage progress from the
// worker goroutine.
type Request struct {
	MeshID    mesh.MeshID
	Positions []math.Vec3
	Indices   []uint32

	Stage    string
	MaxHulls int

	OnStatus func(stage string, progress float32)
	// OnComplete, when set, receives the result directly on the worker
	// goroutine instead of parking it for DrainCompleted. Upload jobs use
	// this to block until their hulls exist.
	OnComplete func(*Result)
}

// Result carries the hulls for one finished request. Hulls are point clouds
// for collision; HullMeshes are display triangles for the same hulls.
type Result struct {
	MeshID     mesh.MeshID
	Hulls      [][]math.Vec3
	HullMeshes []mesh.PhysicsMesh
}

// Decomposer runs decomposition jobs on a single worker goroutine, one at a
// time. Results accumulate until the owner drains them.
type Decomposer struct {
	requests chan *Request

	mu        sync.Mutex
	completed []*Result
	closed    bool

	wg sync.WaitGroup
}

func NewDecomposer() (*Decomposer, error) {
	d := &Decomposer{
		requests: make(chan *Request, 32),
	}
	d.wg.Add(1)
	go d.run()
	return d, nil
}

func (d *Decomposer) Shutdown() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	close(d.requests)
	d.wg.Wait()
	return nil
}

// Submit queues one job. It never blocks: a full queue is an error the
// caller can surface or retry next frame.
func (d *Decomposer) Submit(req *Request) error {
	if req == nil || len(req.Positions) == 0 {
		return errors.New("decomposition request carries no geometry")
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrShuttingDown
	}
	d.mu.Unlock()

	select {
	case d.requests <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// DrainCompleted returns every finished result since the last call.
func (d *Decomposer) DrainCompleted() []*Result {
	d.mu.Lock()
	out := d.completed
	d.completed = nil
	d.mu.Unlock()
	return out
}

func (d *Decomposer) run() {
	defer d.wg.Done()
	for req := range d.requests {
		res, err := d.process(req)
		if err != nil {
			// Degrade rather than drop: the requester is waiting on exactly
			// one result per submitted job.
			core.LogWarn("decomposition of %s failed, using bounding box: %s", req.MeshID, err.Error())
			res = boxResult(req)
		}
		if req.OnComplete != nil {
			req.OnComplete(res)
			continue
		}
		d.mu.Lock()
		d.completed = append(d.completed, res)
		d.mu.Unlock()
	}
}

func boxResult(req *Request) *Result {
	hull := BoxHull(req.Positions)
	return &Result{
		MeshID:     req.MeshID,
		Hulls:      [][]math.Vec3{hull},
		HullMeshes: []mesh.PhysicsMesh{hullDisplayMesh(hull)},
	}
}

func (d *Decomposer) process(req *Request) (*Result, error) {
	status := req.OnStatus
	if status == nil {
		status = func(string, float32) {}
	}

	stage := req.Stage
	if stage == "" {
		stage = StageDecompose
	}

	var hulls [][]math.Vec3
	switch stage {
	case StageSingleHull:
		status(stage, 0)
		hulls = [][]math.Vec3{SingleHull(req.Positions)}
		status(stage, 1)

	case StageDecompose:
		maxHulls := req.MaxHulls
		if maxHulls <= 0 {
			maxHulls = defaultMaxHulls
		}
		status(stage, 0)
		clusters := clusterTriangles(req.Positions, req.Indices, maxHulls)
		hulls = make([][]math.Vec3, 0, len(clusters))
		for i, c := range clusters {
			hulls = append(hulls, SingleHull(c))
			status(stage, float32(i+1)/float32(len(clusters)))
		}

	default:
		return nil, fmt.Errorf("unknown decomposition stage %q", stage)
	}

	// Degenerate input still gets a usable shape: the bounding box.
	if len(hulls) == 0 || len(hulls[0]) < 4 {
		hulls = [][]math.Vec3{BoxHull(req.Positions)}
	}

	res := &Result{MeshID: req.MeshID, Hulls: hulls}
	for _, h := range hulls {
		res.HullMeshes = append(res.HullMeshes, hullDisplayMesh(h))
	}
	return res, nil
}

// hullDirections are the support directions sampled when approximating a
// convex hull: the 6 axes plus the 20 diagonal combinations.
var hullDirections = buildHullDirections()

func buildHullDirections() []math.Vec3 {
	var dirs []math.Vec3
	for _, x := range []float32{-1, 0, 1} {
		for _, y := range []float32{-1, 0, 1} {
			for _, z := range []float32{-1, 0, 1} {
				if x == 0 && y == 0 && z == 0 {
					continue
				}
				dirs = append(dirs, math.NewVec3(x, y, z).Normalized())
			}
		}
	}
	return dirs
}

// SingleHull approximates the convex hull of a point cloud by taking the
// extreme vertex along each sampled support direction. Good enough for
// collision bounds; never tighter than the true hull.
func SingleHull(positions []math.Vec3) []math.Vec3 {
	if len(positions) == 0 {
		return nil
	}
	seen := make(map[math.Vec3]struct{}, len(hullDirections))
	hull := make([]math.Vec3, 0, len(hullDirections))
	for _, dir := range hullDirections {
		best := positions[0]
		bestDot := dir.Dot(best)
		for _, p := range positions[1:] {
			if d := dir.Dot(p); d > bestDot {
				best, bestDot = p, d
			}
		}
		if _, dup := seen[best]; dup {
			continue
		}
		seen[best] = struct{}{}
		hull = append(hull, best)
	}
	return hull
}

// BoxHull is the fallback shape: the eight corners of the axis-aligned
// bounding box of the input.
func BoxHull(positions []math.Vec3) []math.Vec3 {
	if len(positions) == 0 {
		return nil
	}
	lo := positions[0]
	hi := positions[0]
	for _, p := range positions[1:] {
		math.UpdateMinMax(&lo, &hi, p)
	}
	return []math.Vec3{
		{X: lo.X, Y: lo.Y, Z: lo.Z},
		{X: hi.X, Y: lo.Y, Z: lo.Z},
		{X: lo.X, Y: hi.Y, Z: lo.Z},
		{X: hi.X, Y: hi.Y, Z: lo.Z},
		{X: lo.X, Y: lo.Y, Z: hi.Z},
		{X: hi.X, Y: lo.Y, Z: hi.Z},
		{X: lo.X, Y: hi.Y, Z: hi.Z},
		{X: hi.X, Y: hi.Y, Z: hi.Z},
	}
}

// clusterTriangles recursively splits triangle centroids along the longest
// extent axis until the cluster count reaches maxHulls or clusters get too
// small. Each returned cluster is the vertex soup of its triangles.
func clusterTriangles(positions []math.Vec3, indices []uint32, maxHulls int) [][]math.Vec3 {
	triCount := len(indices) / 3
	if triCount == 0 {
		// No topology: treat the whole cloud as one cluster.
		return [][]math.Vec3{positions}
	}

	tris := make([]int, triCount)
	for i := range tris {
		tris[i] = i
	}

	clusters := [][]int{tris}
	for len(clusters) < maxHulls {
		// Split the cluster with the largest extent.
		splitAt := -1
		var splitSize float32
		for i, c := range clusters {
			if len(c) < minClusterTriangles*2 {
				continue
			}
			if s := clusterExtent(positions, indices, c); s > splitSize {
				splitAt, splitSize = i, s
			}
		}
		if splitAt < 0 {
			break
		}
		a, b := splitCluster(positions, indices, clusters[splitAt])
		if len(a) == 0 || len(b) == 0 {
			break
		}
		clusters[splitAt] = a
		clusters = append(clusters, b)
	}

	out := make([][]math.Vec3, 0, len(clusters))
	for _, c := range clusters {
		soup := make([]math.Vec3, 0, len(c)*3)
		for _, t := range c {
			soup = append(soup,
				positions[indices[t*3]],
				positions[indices[t*3+1]],
				positions[indices[t*3+2]])
		}
		out = append(out, soup)
	}
	return out
}

func triangleCentroid(positions []math.Vec3, indices []uint32, t int) math.Vec3 {
	return positions[indices[t*3]].
		Add(positions[indices[t*3+1]]).
		Add(positions[indices[t*3+2]]).
		MulScalar(1.0 / 3.0)
}

func clusterExtent(positions []math.Vec3, indices []uint32, tris []int) float32 {
	lo := triangleCentroid(positions, indices, tris[0])
	hi := lo
	for _, t := range tris[1:] {
		math.UpdateMinMax(&lo, &hi, triangleCentroid(positions, indices, t))
	}
	ext := hi.Sub(lo)
	return math.Max(ext.X, math.Max(ext.Y, ext.Z))
}

// splitCluster partitions a cluster at the median centroid along its
// longest axis.
func splitCluster(positions []math.Vec3, indices []uint32, tris []int) ([]int, []int) {
	lo := triangleCentroid(positions, indices, tris[0])
	hi := lo
	for _, t := range tris[1:] {
		math.UpdateMinMax(&lo, &hi, triangleCentroid(positions, indices, t))
	}
	ext := hi.Sub(lo)

	axis := func(v math.Vec3) float32 { return v.X }
	if ext.Y >= ext.X && ext.Y >= ext.Z {
		axis = func(v math.Vec3) float32 { return v.Y }
	} else if ext.Z >= ext.X && ext.Z >= ext.Y {
		axis = func(v math.Vec3) float32 { return v.Z }
	}

	sorted := make([]int, len(tris))
	copy(sorted, tris)
	sort.Slice(sorted, func(i, j int) bool {
		return axis(triangleCentroid(positions, indices, sorted[i])) <
			axis(triangleCentroid(positions, indices, sorted[j]))
	})
	mid := len(sorted) / 2
	return sorted[:mid], sorted[mid:]
}

// hullDisplayMesh builds render triangles for a hull: the box of its bounds.
// Collision uses the hull points themselves; this is only for visualization.
func hullDisplayMesh(hull []math.Vec3) mesh.PhysicsMesh {
	corners := BoxHull(hull)
	if len(corners) != 8 {
		return mesh.PhysicsMesh{}
	}
	// Two triangles per box face, wound outward.
	faces := [][3]int{
		{0, 2, 1}, {1, 2, 3}, // z min
		{4, 5, 6}, {5, 7, 6}, // z max
		{0, 1, 4}, {1, 5, 4}, // y min
		{2, 6, 3}, {3, 6, 7}, // y max
		{0, 4, 2}, {2, 4, 6}, // x min
		{1, 3, 5}, {3, 7, 5}, // x max
	}
	pm := mesh.PhysicsMesh{
		Positions: make([]math.Vec3, 0, len(faces)*3),
		Normals:   make([]math.Vec3, 0, len(faces)*3),
	}
	for _, f := range faces {
		a, b, c := corners[f[0]], corners[f[1]], corners[f[2]]
		n := b.Sub(a).Cross(c.Sub(a)).Normalized()
		pm.Positions = append(pm.Positions, a, b, c)
		pm.Normals = append(pm.Normals, n, n, n)
	}
	return pm
}
