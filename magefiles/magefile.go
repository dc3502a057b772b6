//go:build mage

// Tools for building and maintaining fwdist.
package main

import (
	"os"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// binaries built by Build, relative to the module root
var binaries = []string{"fwdistd", "fwdistctl"}

// Compiles the daemon and the CLI into bin/.
func Build() error {
	mg.Deps(Vet)
	for _, b := range binaries {
		if _, err := sh.Exec(nil, os.Stdout, os.Stderr, "go", "build", "-o", filepath.Join("bin", b), "./"+b); err != nil {
			return err
		}
	}
	return nil
}

// Runs go vet across the module.
func Vet() error {
	_, err := sh.Exec(nil, os.Stdout, os.Stderr, "go", "vet", "./...")
	return err
}

// Runs all tests.
// Tests are run with -race.
// go-sqlite3 needs cgo, so CGO_ENABLED is forced on.
func Test() error {
	_, err := sh.Exec(map[string]string{"CGO_ENABLED": "1"}, os.Stdout, os.Stderr, "go", "test", "./...", "-race", "-count=1")
	return err
}

// Removes build output.
func Clean() error {
	return sh.Rm("bin")
}
