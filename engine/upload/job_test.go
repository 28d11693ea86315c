package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/remesh/engine/decomp"
	"github.com/spaghettifunk/remesh/engine/math"
	"github.com/spaghettifunk/remesh/engine/mesh"
	"github.com/spaghettifunk/remesh/engine/transport"
)

type recordedInventory struct {
	assetID     mesh.MeshID
	name        string
	description string
	response    map[string]interface{}
}

type recordedFailure struct {
	message    string
	identifier string
	details    []string
}

type recordedQuote struct {
	name     string
	price    int64
	response map[string]interface{}
}

// fakeNotifier records the upload outcome the way the repository would.
type fakeNotifier struct {
	mu        sync.Mutex
	quotes    []recordedQuote
	inventory []recordedInventory
	failures  []recordedFailure
	cached    [][]byte
}

func (n *fakeNotifier) EnqueueFeeQuote(name string, price int64, response map[string]interface{}) {
	n.mu.Lock()
	n.quotes = append(n.quotes, recordedQuote{name, price, response})
	n.mu.Unlock()
}

func (n *fakeNotifier) EnqueueInventory(assetID mesh.MeshID, name, description string, response map[string]interface{}) {
	n.mu.Lock()
	n.inventory = append(n.inventory, recordedInventory{assetID, name, description, response})
	n.mu.Unlock()
}

func (n *fakeNotifier) EnqueueUploadFailure(message, identifier string, details []string) {
	n.mu.Lock()
	n.failures = append(n.failures, recordedFailure{message, identifier, details})
	n.mu.Unlock()
}

func (n *fakeNotifier) CacheOutgoingMesh(id mesh.MeshID, assetData []byte) error {
	n.mu.Lock()
	n.cached = append(n.cached, assetData)
	n.mu.Unlock()
	return nil
}

func triangleGeometry() *mesh.Geometry {
	return &mesh.Geometry{
		Positions: []math.Vec3{{X: 0, Y: 0, Z: 0}, {X: 1, Y: 0, Z: 0}, {X: 0, Y: 1, Z: 0}},
		Normals:   []math.Vec3{{Z: 1}, {Z: 1}, {Z: 1}},
		Texcoords: []math.Vec2{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 0, Y: 1}},
		Indices:   []uint32{0, 1, 2},
	}
}

func testModel(name string) *Model {
	m := &Model{Name: name}
	m.LODs[mesh.LODHigh] = triangleGeometry()
	return m
}

func newUploadClient(t *testing.T) *transport.Client {
	t.Helper()
	c, err := transport.NewClient(transport.Options{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	return c
}

func newTestDecomposer(t *testing.T) *decomp.Decomposer {
	t.Helper()
	d, err := decomp.NewDecomposer()
	require.NoError(t, err)
	t.Cleanup(func() { d.Shutdown() })
	return d
}

func newTestJob(t *testing.T, n *fakeNotifier, opts JobOptions) *Job {
	t.Helper()
	job, err := NewJob(newUploadClient(t), n, newTestDecomposer(t), opts)
	require.NoError(t, err)
	return job
}

func TestBuildContainerRoundTrip(t *testing.T) {
	m := testModel("chair")
	m.LODs[mesh.LODLow] = triangleGeometry()
	m.Physics = &mesh.Decomposition{
		Hulls: [][]math.Vec3{{{X: 0}, {X: 1}, {Y: 1}, {Z: 1}}},
	}

	data, err := buildContainer(m)
	require.NoError(t, err)

	h, err := mesh.DecodeHeader(data)
	require.NoError(t, err)
	assert.True(t, h.HighLOD.Valid())
	assert.True(t, h.LowLOD.Valid())
	assert.True(t, h.PhysicsConvex.Valid())
	assert.False(t, h.MediumLOD.Valid())
	assert.Equal(t, int64(len(data)), h.MaxExtent())

	start := int64(h.HeaderSize) + int64(h.HighLOD.Offset)
	g, err := mesh.DecodeGeometry(data[start : start+int64(h.HighLOD.Size)])
	require.NoError(t, err)
	assert.Equal(t, 1, g.FaceCount())

	start = int64(h.HeaderSize) + int64(h.PhysicsConvex.Offset)
	d, err := mesh.DecodeDecomposition(uuid.Nil, data[start:start+int64(h.PhysicsConvex.Size)])
	require.NoError(t, err)
	require.Len(t, d.Hulls, 1)
	assert.Len(t, d.Hulls[0], 4)
}

func TestBuildManifestInstances(t *testing.T) {
	m := testModel("lamp")
	m.Transforms = []math.Mat4{math.NewMat4TRS(
		math.NewVec3(10, 20, 30),
		math.NewQuatIdentity(),
		math.NewVec3(2, 2, 2),
	)}

	container, err := buildContainer(m)
	require.NoError(t, err)

	manifest := buildManifest("lamp", "a lamp", []*Model{m}, [][]byte{container}, false)
	assert.Equal(t, "lamp", manifest["name"])
	assert.Equal(t, false, manifest["texture_upload"])

	resources := manifest["asset_resources"].(map[string]interface{})
	instances := resources["instance_list"].([]interface{})
	require.Len(t, instances, 1)

	inst := instances[0].(map[string]interface{})
	assert.Equal(t, 0, inst["mesh"])
	assert.Equal(t, "lamp", inst["name"])
	assert.Equal(t, []interface{}{float32(10), float32(20), float32(30)}, inst["position"])
	assert.Equal(t, []interface{}{float32(2), float32(2), float32(2)}, inst["scale"])

	rot := inst["rotation"].([]interface{})
	require.Len(t, rot, 4)
	assert.InDelta(t, 1.0, float64(rot[3].(float32)), 1e-5, "identity rotation keeps w at one")
}

func TestBuildManifestSharedBaseModel(t *testing.T) {
	m := testModel("column")
	m.Transforms = []math.Mat4{
		math.NewMat4TRS(math.NewVec3(0, 0, 0), math.NewQuatIdentity(), math.NewVec3(1, 1, 1)),
		math.NewMat4TRS(math.NewVec3(5, 0, 0), math.NewQuatIdentity(), math.NewVec3(1, 1, 1)),
	}

	container, err := buildContainer(m)
	require.NoError(t, err)

	manifest := buildManifest("columns", "", []*Model{m}, [][]byte{container}, false)
	resources := manifest["asset_resources"].(map[string]interface{})

	// One serialized container, one instance entry per placement, both
	// pointing at the same mesh index.
	require.Len(t, resources["mesh_list"].([]interface{}), 1)
	instances := resources["instance_list"].([]interface{})
	require.Len(t, instances, 2)
	for _, raw := range instances {
		inst := raw.(map[string]interface{})
		assert.Equal(t, 0, inst["mesh"])
	}
	first := instances[0].(map[string]interface{})
	second := instances[1].(map[string]interface{})
	assert.Equal(t, []interface{}{float32(0), float32(0), float32(0)}, first["position"])
	assert.Equal(t, []interface{}{float32(5), float32(0), float32(0)}, second["position"])
}

func TestBuildManifestDefaultsToOneInstance(t *testing.T) {
	m := testModel("rock")
	container, err := buildContainer(m)
	require.NoError(t, err)

	manifest := buildManifest("rock", "", []*Model{m}, [][]byte{container}, false)
	resources := manifest["asset_resources"].(map[string]interface{})
	instances := resources["instance_list"].([]interface{})
	require.Len(t, instances, 1)
	inst := instances[0].(map[string]interface{})
	assert.Equal(t, []interface{}{float32(0), float32(0), float32(0)}, inst["position"])
	assert.Equal(t, []interface{}{float32(1), float32(1), float32(1)}, inst["scale"])
}

func TestJobSuccess(t *testing.T) {
	assetID := uuid.New()

	uploader := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"state":"complete","new_asset":%q}`, assetID)
	}))
	defer uploader.Close()

	var feeHits atomic.Int32
	fee := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		feeHits.Add(1)
		fmt.Fprintf(w, `{"upload_price":11,"uploader":%q}`, uploader.URL)
	}))
	defer fee.Close()

	n := &fakeNotifier{}
	m := testModel("chair")
	job := newTestJob(t, n, JobOptions{
		FeeURL: fee.URL, Name: "chair", Description: "a chair", Models: []*Model{m},
	})

	job.Run(context.Background())

	assert.Equal(t, int32(1), feeHits.Load())

	n.mu.Lock()
	defer n.mu.Unlock()
	assert.Empty(t, n.failures)
	require.Len(t, n.quotes, 1)
	assert.Equal(t, "chair", n.quotes[0].name)
	assert.Equal(t, int64(11), n.quotes[0].price)
	require.Len(t, n.inventory, 1)
	assert.Equal(t, mesh.MeshID(assetID), n.inventory[0].assetID)
	assert.Equal(t, "chair", n.inventory[0].name)
	assert.Equal(t, "a chair", n.inventory[0].description)
	assert.Equal(t, "complete", n.inventory[0].response["state"])

	// The uploaded container was cached locally and still parses.
	require.Len(t, n.cached, 1)
	h, err := mesh.DecodeHeader(n.cached[0])
	require.NoError(t, err)
	assert.True(t, h.HighLOD.Valid())
	assert.True(t, h.PhysicsConvex.Valid(), "the generated hull travels in the container")

	// generateHulls filled in the missing physics shape.
	require.NotNil(t, m.Physics)
	assert.NotEmpty(t, m.Physics.Hulls)
}

func TestJobTexturesOnlyInUploadRequest(t *testing.T) {
	textureList := func(body []byte) []interface{} {
		var doc map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &doc))
		resources := doc["asset_resources"].(map[string]interface{})
		list, _ := resources["texture_list"].([]interface{})
		return list
	}

	var mu sync.Mutex
	var feeBody, uploadBody []byte

	uploader := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		uploadBody = body
		mu.Unlock()
		fmt.Fprintf(w, `{"state":"complete","new_asset":%q}`, uuid.New())
	}))
	defer uploader.Close()

	fee := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		feeBody = body
		mu.Unlock()
		fmt.Fprintf(w, `{"upload_price":11,"uploader":%q}`, uploader.URL)
	}))
	defer fee.Close()

	m := testModel("chair")
	m.Textures = [][]byte{{0xde, 0xad, 0xbe, 0xef}}

	job := newTestJob(t, &fakeNotifier{}, JobOptions{
		FeeURL: fee.URL, UploadTextures: true, Name: "chair", Models: []*Model{m},
	})
	job.Run(context.Background())

	// The fee request prices the geometry without the texture bytes; the
	// final upload carries them.
	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, feeBody)
	require.NotNil(t, uploadBody)
	assert.Empty(t, textureList(feeBody))
	assert.Len(t, textureList(uploadBody), 1)
}

func TestJobQuoteOnlyStopsAfterFee(t *testing.T) {
	var uploaderHits atomic.Int32
	uploader := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uploaderHits.Add(1)
	}))
	defer uploader.Close()

	fee := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"upload_price":42,"uploader":%q}`, uploader.URL)
	}))
	defer fee.Close()

	n := &fakeNotifier{}
	job := newTestJob(t, n, JobOptions{
		FeeURL: fee.URL, QuoteOnly: true, Name: "chair", Models: []*Model{testModel("chair")},
	})
	job.Run(context.Background())

	assert.Equal(t, int32(0), uploaderHits.Load(), "a quote-only job never uploads")

	n.mu.Lock()
	defer n.mu.Unlock()
	require.Len(t, n.quotes, 1)
	assert.Equal(t, int64(42), n.quotes[0].price)
	assert.Equal(t, float64(42), n.quotes[0].response["upload_price"])
	assert.Empty(t, n.inventory)
	assert.Empty(t, n.failures)
	assert.Empty(t, n.cached)
}

func TestJobMultiModelSkipsLocalCache(t *testing.T) {
	assetID := uuid.New()
	uploader := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"state":"complete","new_asset":%q}`, assetID)
	}))
	defer uploader.Close()

	fee := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"upload_price":20,"uploader":%q}`, uploader.URL)
	}))
	defer fee.Close()

	n := &fakeNotifier{}
	job := newTestJob(t, n, JobOptions{
		FeeURL: fee.URL, Name: "set", Models: []*Model{testModel("table"), testModel("chair")},
	})
	job.Run(context.Background())

	n.mu.Lock()
	defer n.mu.Unlock()
	assert.Empty(t, n.failures)
	require.Len(t, n.inventory, 1)
	assert.Equal(t, mesh.MeshID(assetID), n.inventory[0].assetID)
	// Two containers share one returned asset id; neither can claim the
	// cache slot alone.
	assert.Empty(t, n.cached)
}

func TestJobFeeRejectionNotifiesOnce(t *testing.T) {
	var uploaderHits atomic.Int32
	uploader := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uploaderHits.Add(1)
	}))
	defer uploader.Close()

	fee := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":{"message":"bad mesh","identifier":"TooManyTriangles","errors":["LOD0 over budget","LOD1 over budget"]}}`)
	}))
	defer fee.Close()

	n := &fakeNotifier{}
	job := newTestJob(t, n, JobOptions{
		FeeURL: fee.URL, Name: "chair", Models: []*Model{testModel("chair")},
	})
	job.Run(context.Background())

	assert.Equal(t, int32(0), uploaderHits.Load(), "a rejected fee never reaches the uploader")

	n.mu.Lock()
	defer n.mu.Unlock()
	assert.Empty(t, n.quotes)
	assert.Empty(t, n.inventory)
	assert.Empty(t, n.cached)
	require.Len(t, n.failures, 1, "exactly one notification per failed job")
	assert.Equal(t, "bad mesh", n.failures[0].message)
	assert.Equal(t, "TooManyTriangles", n.failures[0].identifier)
	assert.Equal(t, []string{"LOD0 over budget", "LOD1 over budget"}, n.failures[0].details)
}

func TestJobIncompleteStateFails(t *testing.T) {
	uploader := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"state":"pending"}`)
	}))
	defer uploader.Close()

	fee := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"uploader":%q}`, uploader.URL)
	}))
	defer fee.Close()

	n := &fakeNotifier{}
	job := newTestJob(t, n, JobOptions{
		FeeURL: fee.URL, Name: "chair", Models: []*Model{testModel("chair")},
	})
	job.Run(context.Background())

	n.mu.Lock()
	defer n.mu.Unlock()
	assert.Empty(t, n.inventory)
	require.Len(t, n.failures, 1)
	assert.Equal(t, "AssetUpload", n.failures[0].identifier)
}

func TestJobFeeUnreachableFails(t *testing.T) {
	n := &fakeNotifier{}
	job := newTestJob(t, n, JobOptions{
		FeeURL: "http://127.0.0.1:1/fee", Name: "chair", Models: []*Model{testModel("chair")},
	})
	job.Run(context.Background())

	n.mu.Lock()
	defer n.mu.Unlock()
	assert.Empty(t, n.inventory)
	require.Len(t, n.failures, 1)
	assert.Equal(t, "FeeRequest", n.failures[0].identifier)
}

func TestNewJobValidation(t *testing.T) {
	client := newUploadClient(t)
	d := newTestDecomposer(t)

	_, err := NewJob(client, &fakeNotifier{}, d, JobOptions{FeeURL: "http://fee", Name: "x"})
	assert.Error(t, err, "no models")

	_, err = NewJob(client, &fakeNotifier{}, d, JobOptions{
		FeeURL: "http://fee", Name: "x", Models: []*Model{{Name: "hollow"}},
	})
	assert.Error(t, err, "model without high detail geometry")
}
