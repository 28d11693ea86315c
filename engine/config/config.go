package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
	"github.com/spaghettifunk/remesh/engine/core"
)

// Duration is a time.Duration that decodes from TOML strings like "90s".
// go-toml maps strings through encoding.TextUnmarshaler, which the stdlib
// type does not implement.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std converts back to the stdlib type for callers that sleep and dial.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Repository holds the fetch throttle knobs. These are the values that can
// change while the engine runs; Watch pushes updates to the scheduler.
type Repository struct {
	// Upper bound on concurrently open mesh HTTP requests.
	MaxConcurrentRequests uint32 `toml:"max_concurrent_requests"`
	// Per-second budget on fetches started by the repo worker.
	RequestsPerSecond uint32 `toml:"requests_per_second"`
	// Pipelined transports keep connections warm; the high water mark is
	// derived with a larger multiplier when this is set.
	Pipelined bool `toml:"pipelined"`
}

type Transport struct {
	BaseURL string `toml:"base_url"`
	// Fetches at or above this size go through the large connection pool.
	LargeFetchThreshold uint32   `toml:"large_fetch_threshold"`
	LargeTransferTime   Duration `toml:"large_transfer_timeout"`
	UploadTimeout       Duration `toml:"upload_timeout"`
}

type Cache struct {
	Path string `toml:"path"`
}

// Cost carries the streaming-cost estimation constants.
type Cost struct {
	BytesPerTriangle uint32 `toml:"bytes_per_triangle"`
	MetadataDiscount uint32 `toml:"metadata_discount"`
	MinimumByteSize  uint32 `toml:"minimum_byte_size"`
	TriangleBudget   uint32 `toml:"triangle_budget"`
}

type Upload struct {
	FeeURL         string `toml:"fee_url"`
	UploadTextures bool   `toml:"upload_textures"`
}

type Logging struct {
	Level     string `toml:"level"`
	File      string `toml:"file"`
	MaxSizeMB int    `toml:"max_size_mb"`
}

type Config struct {
	Repository Repository `toml:"repository"`
	Transport  Transport  `toml:"transport"`
	Cache      Cache      `toml:"cache"`
	Cost       Cost       `toml:"cost"`
	Upload     Upload     `toml:"upload"`
	Logging    Logging    `toml:"logging"`
}

func Default() *Config {
	return &Config{
		Repository: Repository{
			MaxConcurrentRequests: 32,
			RequestsPerSecond:     100,
			Pipelined:             true,
		},
		Transport: Transport{
			LargeFetchThreshold: 1 << 21,
			LargeTransferTime:   Duration(240 * time.Second),
			UploadTimeout:       Duration(60 * time.Second),
		},
		Cache: Cache{Path: "cache/mesh"},
		Cost: Cost{
			BytesPerTriangle: 16,
			MetadataDiscount: 128,
			MinimumByteSize:  16,
			TriangleBudget:   250000,
		},
		Logging: Logging{Level: "info"},
	}
}

// Load reads a TOML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Watcher re-reads the config file whenever it changes on disk and hands the
// parsed result to the registered callback.
type Watcher struct {
	path     string
	fsnotify *fsnotify.Watcher
	done     chan struct{}
	isClosed bool

	mutex    sync.Mutex
	onReload func(*Config)
}

func NewWatcher(path string, onReload func(*Config)) (*Watcher, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:     path,
		fsnotify: fsWatch,
		done:     make(chan struct{}),
		onReload: onReload,
	}
	if err := fsWatch.Add(path); err != nil {
		fsWatch.Close()
		return nil, err
	}
	go w.start()
	return w, nil
}

func (w *Watcher) start() {
	for {
		select {
		case e := <-w.fsnotify.Events:
			if e.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.reload()
			}
		case e := <-w.fsnotify.Errors:
			if e != nil {
				core.LogError(e.Error())
			}
		case <-w.done:
			w.fsnotify.Close()
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		core.LogWarn("config reload failed, keeping previous values: %s", err.Error())
		return
	}
	w.mutex.Lock()
	cb := w.onReload
	w.mutex.Unlock()
	if cb != nil {
		cb(cfg)
	}
	core.LogInfo("config reloaded from '%s'", w.path)
}

func (w *Watcher) Shutdown() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.isClosed {
		return nil
	}
	w.isClosed = true
	close(w.done)
	return nil
}
