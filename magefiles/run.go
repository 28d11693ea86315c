//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Runs the streaming demo. Configure it with REMESH_CONFIG, REMESH_ASSETS
// and REMESH_UPLOAD.
func (Run) Demo() error {
	fmt.Println("Run streaming demo...")
	if _, err := executeCmd("go", withArgs("run", "main.go"), withStream()); err != nil {
		return err
	}
	return nil
}
