/*
This is an example application that uses the engine package to stream mesh
assets and, optionally, upload a model.
*/
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spaghettifunk/remesh/engine"
	"github.com/spaghettifunk/remesh/engine/math"
	"github.com/spaghettifunk/remesh/engine/mesh"
	"github.com/spaghettifunk/remesh/engine/upload"
	"github.com/spaghettifunk/remesh/testbed"
)

func main() {
	demo, err := testbed.NewStreamingDemo(os.Getenv("REMESH_CONFIG"))
	if err != nil {
		panic(err)
	}

	engine, err := engine.New(demo.Game)
	if err != nil {
		panic(err)
	}

	if err := engine.Initialize(); err != nil {
		panic(err)
	}

	// Optionally upload a model alongside the streaming demo.
	if path := os.Getenv("REMESH_UPLOAD"); path != "" {
		g, err := demo.Assets.LoadGeometry(path)
		if err != nil {
			panic(err)
		}
		model := &upload.Model{
			Name:       path,
			Transforms: []math.Mat4{math.NewMat4Identity()},
		}
		model.LODs[mesh.LODHigh] = g
		if err := engine.StartUpload(path, "uploaded by the streaming demo", []*upload.Model{model}); err != nil {
			panic(err)
		}
	}

	// signal channel to capture system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	// start shutdown goroutine
	go func() {
		// capture sigterm and other system call here
		<-sigCh
		_ = engine.Shutdown()
	}()

	// run engine
	if err := engine.Run(); err != nil {
		panic(err)
	}
}
