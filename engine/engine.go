package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/spaghettifunk/remesh/engine/assets"
	"github.com/spaghettifunk/remesh/engine/cache"
	"github.com/spaghettifunk/remesh/engine/config"
	"github.com/spaghettifunk/remesh/engine/core"
	"github.com/spaghettifunk/remesh/engine/decomp"
	"github.com/spaghettifunk/remesh/engine/mesh"
	"github.com/spaghettifunk/remesh/engine/repo"
	"github.com/spaghettifunk/remesh/engine/transport"
	"github.com/spaghettifunk/remesh/engine/upload"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

const defaultBaseURL = "http://127.0.0.1:9000/mesh"

// Engine wires the subsystems together and drives them: once per tick it
// runs the game update, the repository scheduler, and the decomposition
// drain. Results reach the embedder through the event system.
type Engine struct {
	currentStage Stage
	gameInstance *Game
	isRunning    atomic.Bool

	cfg     *config.Config
	watcher *config.Watcher

	store        *cache.Store
	client       *transport.Client
	repository   *repo.Repository
	decomposer   *decomp.Decomposer
	assetManager *assets.AssetManager

	ctx       context.Context
	cancelCtx context.CancelFunc

	clock    *core.Clock
	lastTime float64
}

func New(g *Game) (*Engine, error) {
	cfg := config.Default()
	if g.ApplicationConfig.ConfigPath != "" {
		loaded, err := config.Load(g.ApplicationConfig.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	core.ConfigureLogging(cfg.Logging.Level, cfg.Logging.File, cfg.Logging.MaxSizeMB)

	if cfg.Transport.BaseURL == "" {
		cfg.Transport.BaseURL = defaultBaseURL
	}

	store, err := cache.NewStore(cfg.Cache.Path)
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}

	client, err := transport.NewClient(transport.Options{
		BaseURL:             cfg.Transport.BaseURL,
		LargeFetchThreshold: int64(cfg.Transport.LargeFetchThreshold),
		LargeTransferTime:   cfg.Transport.LargeTransferTime.Std(),
		UploadTimeout:       cfg.Transport.UploadTimeout.Std(),
	})
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}

	am, err := assets.NewAssetManager()
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		currentStage: EngineStageUninitialized,
		gameInstance: g,
		cfg:          cfg,
		store:        store,
		client:       client,
		assetManager: am,
		ctx:          ctx,
		cancelCtx:    cancel,
		clock:        core.NewClock(),
	}
	e.isRunning.Store(true)
	return e, nil
}

func (e *Engine) Initialize() error {
	e.currentStage = EngineStageInitializing

	if !core.EventSystemInitialize() {
		return fmt.Errorf("failed to initialize the event system")
	}
	if err := core.MetricsInitialize(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	core.EventRegister(core.EVENT_CODE_APPLICATION_QUIT, e.onEvent)

	var locator repo.ObjectLocator
	if e.gameInstance.FnObjectBounds != nil {
		locator = gameLocator{fn: e.gameInstance.FnObjectBounds}
	}

	repository, err := repo.NewRepository(e.cfg, e.store, e.client, locator, e)
	if err != nil {
		return err
	}
	e.repository = repository

	decomposer, err := decomp.NewDecomposer()
	if err != nil {
		return err
	}
	e.decomposer = decomposer

	if e.gameInstance.ApplicationConfig.ConfigPath != "" {
		w, werr := config.NewWatcher(e.gameInstance.ApplicationConfig.ConfigPath, e.onConfigReload)
		if werr != nil {
			core.LogWarn("config hot reload unavailable: %s", werr.Error())
		} else {
			e.watcher = w
		}
	}

	e.gameInstance.Repository = e.repository
	e.gameInstance.Assets = e.assetManager

	if e.gameInstance.FnInitialize != nil {
		if err := e.gameInstance.FnInitialize(); err != nil {
			return err
		}
	}

	e.currentStage = EngineStageInitialized
	return nil
}

func (e *Engine) Run() error {
	if e.currentStage != EngineStageInitialized {
		return fmt.Errorf("engine must be initialized before it can run")
	}
	e.currentStage = EngineStageRunning

	e.clock.Start()
	e.clock.Update()
	e.lastTime = e.clock.Elapsed()

	// start goroutine to process all the events around the engine
	go core.ProcessEvents()

	// 60 updates per second.
	ticker := time.NewTicker(time.Second / 60)
	defer ticker.Stop()

	for e.isRunning.Load() {
		<-ticker.C

		e.clock.Update()
		currentTime := e.clock.Elapsed()
		delta := (currentTime - e.lastTime) / float64(time.Second)

		if e.gameInstance.FnUpdate != nil {
			if err := e.gameInstance.FnUpdate(delta); err != nil {
				core.LogFatal("Game update failed, shutting down.")
				e.isRunning.Store(false)
				break
			}
		}

		e.repository.Update()

		for _, res := range e.decomposer.DrainCompleted() {
			core.EventFire(core.EventContext{
				Type: core.EVENT_CODE_DECOMPOSITION_READY,
				Data: &mesh.Decomposition{
					MeshID:     res.MeshID,
					Hulls:      res.Hulls,
					HullMeshes: res.HullMeshes,
				},
			})
		}

		e.lastTime = currentTime
	}

	return nil
}

func (e *Engine) Shutdown() error {
	e.currentStage = EngineStageShuttingDown
	e.isRunning.Store(false)
	e.cancelCtx()

	if e.gameInstance.FnShutdown != nil {
		if err := e.gameInstance.FnShutdown(); err != nil {
			core.LogError(err.Error())
		}
	}
	if e.watcher != nil {
		if err := e.watcher.Shutdown(); err != nil {
			return err
		}
	}
	if e.decomposer != nil {
		if err := e.decomposer.Shutdown(); err != nil {
			return err
		}
	}
	if e.repository != nil {
		if err := e.repository.Shutdown(); err != nil {
			return err
		}
	}
	return core.EventSystemShutdown()
}

// Repository exposes the mesh scheduler to embedders that bypass the Game
// callbacks.
func (e *Engine) Repository() *repo.Repository {
	return e.repository
}

// Decomposer exposes the physics decomposition queue.
func (e *Engine) Decomposer() *decomp.Decomposer {
	return e.decomposer
}

// StartUpload launches an upload job for a set of models. The fee quote,
// completion and failure arrive as events after the repository's next
// update.
func (e *Engine) StartUpload(name, description string, models []*upload.Model) error {
	return e.startUploadJob(name, description, models, false)
}

// QuoteUploadFee runs the fee stage of an upload without creating an asset;
// the quoted price arrives as an upload-fee event.
func (e *Engine) QuoteUploadFee(name, description string, models []*upload.Model) error {
	return e.startUploadJob(name, description, models, true)
}

func (e *Engine) startUploadJob(name, description string, models []*upload.Model, quoteOnly bool) error {
	feeURL := e.cfg.Upload.FeeURL
	if feeURL == "" {
		feeURL = e.cfg.Transport.BaseURL + "/fee"
	}
	job, err := upload.NewJob(e.client, e.repository, e.decomposer, upload.JobOptions{
		FeeURL:         feeURL,
		UploadTextures: e.cfg.Upload.UploadTextures,
		QuoteOnly:      quoteOnly,
		Name:           name,
		Description:    description,
		Models:         models,
	})
	if err != nil {
		return err
	}
	job.Start(e.ctx)
	return nil
}

func (e *Engine) onConfigReload(cfg *config.Config) {
	e.repository.SetConfig(cfg)
	core.EventFire(core.EventContext{Type: core.EVENT_CODE_CONFIG_RELOADED, Data: cfg})
}

func (e *Engine) onEvent(context core.EventContext) {
	switch context.Type {
	case core.EVENT_CODE_APPLICATION_QUIT:
		core.LogInfo("EVENT_CODE_APPLICATION_QUIT received, shutting down.")
		e.isRunning.Store(false)
	}
}

// The engine is the repository listener; every result becomes an event so
// any number of embedder systems can subscribe.

func (e *Engine) MeshLoaded(params mesh.VolumeParams, lod mesh.LOD, geometry *mesh.Geometry) {
	core.EventFire(core.EventContext{
		Type: core.EVENT_CODE_MESH_LOADED,
		Data: &repo.LoadedMesh{Params: params, LOD: lod, Geometry: geometry},
	})
}

func (e *Engine) MeshUnavailable(params mesh.VolumeParams, lod mesh.LOD) {
	core.EventFire(core.EventContext{
		Type: core.EVENT_CODE_MESH_UNAVAILABLE,
		Data: &repo.UnavailableMesh{Params: params, LOD: lod},
	})
}

func (e *Engine) SkinInfoReceived(info *mesh.SkinInfo) {
	core.EventFire(core.EventContext{Type: core.EVENT_CODE_SKIN_INFO_RECEIVED, Data: info})
}

func (e *Engine) DecompositionReceived(d *mesh.Decomposition) {
	core.EventFire(core.EventContext{Type: core.EVENT_CODE_DECOMPOSITION_READY, Data: d})
}

func (e *Engine) UploadFeeQuoted(q repo.FeeQuote) {
	core.EventFire(core.EventContext{Type: core.EVENT_CODE_UPLOAD_FEE_QUOTED, Data: q})
}

func (e *Engine) UploadCompleted(rec repo.InventoryRecord) {
	core.EventFire(core.EventContext{Type: core.EVENT_CODE_UPLOAD_COMPLETE, Data: rec})
}

func (e *Engine) UploadFailed(f repo.UploadFailure) {
	core.EventFire(core.EventContext{Type: core.EVENT_CODE_UPLOAD_FAILED, Data: f})
}

type gameLocator struct {
	fn ObjectBounds
}

func (l gameLocator) ObjectBounds(id mesh.MeshID) (float32, float32, bool) {
	return l.fn(id)
}
