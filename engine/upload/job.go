package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/spaghettifunk/remesh/engine/core"
	"github.com/spaghettifunk/remesh/engine/decomp"
	"github.com/spaghettifunk/remesh/engine/mesh"
	"github.com/spaghettifunk/remesh/engine/transport"
)

// Notifier receives the outcome of an upload. A failed upload produces
// exactly one EnqueueUploadFailure call; a completed one produces one
// EnqueueInventory call after the asset data is cached locally. Every
// successful fee quotation produces one EnqueueFeeQuote call.
type Notifier interface {
	EnqueueFeeQuote(name string, price int64, response map[string]interface{})
	EnqueueInventory(assetID mesh.MeshID, name, description string, response map[string]interface{})
	EnqueueUploadFailure(message, identifier string, details []string)
	CacheOutgoingMesh(id mesh.MeshID, assetData []byte) error
}

// JobOptions configures one upload job. QuoteOnly stops after the fee
// response, so the caller learns the price without creating an asset.
type JobOptions struct {
	FeeURL         string
	UploadTextures bool
	QuoteOnly      bool
	Name           string
	Description    string
	Models         []*Model
}

// Job drives one upload through its stages: hull generation, container and
// manifest assembly, the fee request, and the asset POST to the one-time
// URL the fee response hands back.
type Job struct {
	client     *transport.Client
	notifier   Notifier
	decomposer *decomp.Decomposer

	feeURL         string
	uploadTextures bool
	quoteOnly      bool

	name        string
	description string
	models      []*Model
}

func NewJob(client *transport.Client, notifier Notifier, decomposer *decomp.Decomposer, opts JobOptions) (*Job, error) {
	if len(opts.Models) == 0 {
		return nil, fmt.Errorf("upload: no models")
	}
	for i, m := range opts.Models {
		if m.base() == nil {
			return nil, fmt.Errorf("upload: model %d has no high detail geometry", i)
		}
	}
	return &Job{
		client:         client,
		notifier:       notifier,
		decomposer:     decomposer,
		feeURL:         opts.FeeURL,
		uploadTextures: opts.UploadTextures,
		quoteOnly:      opts.QuoteOnly,
		name:           opts.Name,
		description:    opts.Description,
		models:         opts.Models,
	}, nil
}

// Start runs the job on its own goroutine.
func (j *Job) Start(ctx context.Context) {
	go j.Run(ctx)
}

// Run executes the whole upload synchronously. Every failure path funnels
// through fail, so the notifier hears about each job exactly once.
func (j *Job) Run(ctx context.Context) {
	if err := j.generateHulls(ctx); err != nil {
		j.fail("Physics generation failed.", "PhysicsGeneration", []string{err.Error()})
		return
	}

	containers := make([][]byte, len(j.models))
	for i, m := range j.models {
		data, err := buildContainer(m)
		if err != nil {
			j.fail("Mesh serialization failed.", "MeshSerialization", []string{err.Error()})
			return
		}
		containers[i] = data
	}

	// The fee request never carries texture bytes; the server prices the
	// geometry and declares the texture intent via the manifest flag.
	feeManifest := buildManifest(j.name, j.description, j.models, containers, false)

	uploaderURL, err := j.requestFee(ctx, feeManifest)
	if err != nil {
		// requestFee already notified.
		return
	}
	if j.quoteOnly {
		core.LogInfo("fee quote for '%s' complete, no upload requested", j.name)
		return
	}

	uploadManifest := buildManifest(j.name, j.description, j.models, containers, j.uploadTextures)
	assetID, response, err := j.uploadAsset(ctx, uploaderURL, uploadManifest)
	if err != nil {
		return
	}

	// The service hands back a single asset id, so only a single-container
	// upload has an id to file its bytes under locally.
	if len(containers) == 1 {
		if cerr := j.notifier.CacheOutgoingMesh(assetID, containers[0]); cerr != nil {
			core.LogWarn("caching uploaded asset %s failed: %s", assetID, cerr.Error())
		}
	} else {
		core.LogDebug("upload '%s' carries %d containers, skipping local cache", j.name, len(containers))
	}
	j.notifier.EnqueueInventory(assetID, j.name, j.description, response)
	core.LogInfo("upload '%s' complete, asset %s", j.name, assetID)
}

// generateHulls fills in missing physics shapes through the decomposition
// engine, one single-hull request per base model. Submission is concurrent
// but the engine works its queue off one request at a time; the job blocks
// here, off the main thread, until every hull exists.
func (j *Job) generateHulls(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range j.models {
		m := m
		if m.Physics != nil && (len(m.Physics.Hulls) > 0 || len(m.Physics.BaseHull) > 0) {
			continue
		}
		g.Go(func() error {
			source := m.LODs[mesh.LODPhysics]
			if source == nil {
				source = m.base()
			}
			done := make(chan *decomp.Result, 1)
			req := &decomp.Request{
				Positions:  source.Positions,
				Indices:    source.Indices,
				Stage:      decomp.StageSingleHull,
				OnComplete: func(res *decomp.Result) { done <- res },
			}
			for {
				err := j.decomposer.Submit(req)
				if err == nil {
					break
				}
				if !errors.Is(err, decomp.ErrQueueFull) {
					return fmt.Errorf("model '%s': %w", m.Name, err)
				}
				select {
				case <-time.After(10 * time.Millisecond):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			select {
			case res := <-done:
				if len(res.Hulls) == 0 || len(res.Hulls[0]) == 0 {
					return fmt.Errorf("model '%s' yields no hull", m.Name)
				}
				m.Physics = &mesh.Decomposition{Hulls: res.Hulls}
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}

// requestFee POSTs the manifest to the fee endpoint. The server reports
// validation failures inside the body, status 200 or not, as an error
// object; only a clean response with an uploader URL lets the job continue.
func (j *Job) requestFee(ctx context.Context, manifest map[string]interface{}) (string, error) {
	body, status, err := j.client.PostJSON(ctx, j.feeURL, manifest)
	if err != nil {
		j.fail("Mesh fee request failed.", "FeeRequest", []string{err.Error()})
		return "", err
	}
	if msg, id, details, found := extractError(body); found {
		j.fail(msg, id, details)
		return "", fmt.Errorf("fee rejected: %s", id)
	}
	if status < 200 || status >= 300 {
		j.fail("Mesh fee request failed.", "FeeRequest", []string{fmt.Sprintf("status %d", status)})
		return "", fmt.Errorf("fee status %d", status)
	}

	uploader := gjson.GetBytes(body, "uploader").String()
	if uploader == "" && !j.quoteOnly {
		j.fail("Mesh fee response carries no upload URL.", "FeeRequest", nil)
		return "", fmt.Errorf("no uploader url")
	}

	price := gjson.GetBytes(body, "upload_price").Int()
	var response map[string]interface{}
	if jerr := json.Unmarshal(body, &response); jerr != nil {
		response = nil
	}
	j.notifier.EnqueueFeeQuote(j.name, price, response)
	core.LogDebug("upload '%s' fee quoted at %d", j.name, price)
	return uploader, nil
}

// uploadAsset POSTs the manifest to the one-time URL and pulls the new
// asset id out of the completion response.
func (j *Job) uploadAsset(ctx context.Context, uploaderURL string, manifest map[string]interface{}) (mesh.MeshID, map[string]interface{}, error) {
	body, status, err := j.client.PostJSON(ctx, uploaderURL, manifest)
	if err != nil {
		j.fail("Mesh upload failed.", "AssetUpload", []string{err.Error()})
		return mesh.MeshID{}, nil, err
	}
	if msg, id, details, found := extractError(body); found {
		j.fail(msg, id, details)
		return mesh.MeshID{}, nil, fmt.Errorf("upload rejected: %s", id)
	}
	if status < 200 || status >= 300 {
		j.fail("Mesh upload failed.", "AssetUpload", []string{fmt.Sprintf("status %d", status)})
		return mesh.MeshID{}, nil, fmt.Errorf("upload status %d", status)
	}

	if state := gjson.GetBytes(body, "state").String(); state != "complete" {
		j.fail("Mesh upload did not complete.", "AssetUpload", []string{fmt.Sprintf("state %q", state)})
		return mesh.MeshID{}, nil, fmt.Errorf("upload state %q", state)
	}
	assetID, err := uuid.Parse(gjson.GetBytes(body, "new_asset").String())
	if err != nil {
		j.fail("Mesh upload response carries no asset id.", "AssetUpload", []string{err.Error()})
		return mesh.MeshID{}, nil, err
	}

	var response map[string]interface{}
	if jerr := json.Unmarshal(body, &response); jerr != nil {
		response = nil
	}
	return assetID, response, nil
}

func (j *Job) fail(message, identifier string, details []string) {
	core.LogWarn("upload '%s' failed: %s (%s)", j.name, message, identifier)
	j.notifier.EnqueueUploadFailure(message, identifier, details)
}

// extractError pulls the server's structured error payload apart:
// {"error": {"message": ..., "identifier": ..., "errors": [...]}}.
func extractError(body []byte) (message, identifier string, details []string, found bool) {
	errObj := gjson.GetBytes(body, "error")
	if !errObj.Exists() {
		return "", "", nil, false
	}
	message = errObj.Get("message").String()
	if message == "" {
		message = "Mesh upload rejected by server."
	}
	identifier = errObj.Get("identifier").String()
	for _, e := range errObj.Get("errors").Array() {
		details = append(details, e.String())
	}
	return message, identifier, details, true
}
