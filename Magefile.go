//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"

	"medsim/internal/store"
)

const binary = "bin/medsim"

// Default target
var Default = Build

// Build builds the medsim binary
func Build() error {
	mg.Deps(Lint, Test)

	version, err := sh.Output("git", "describe", "--tags", "--always", "--dirty")
	if err != nil || version == "" {
		version = "dev"
	}

	fmt.Printf("Building %s (%s)...\n", binary, version)
	return sh.RunV("go", "build",
		"-o", binary,
		"-ldflags", "-s -w -X main.version="+version,
		".")
}

// Test runs the Go unit tests with the race detector
func Test() error {
	fmt.Println("Running Go tests...")
	return sh.RunV("go", "test", "-race", "-coverprofile=coverage.out", "./...")
}

// Cover prints per-function coverage of the last test run
func Cover() error {
	mg.Deps(Test)
	return sh.RunV("go", "tool", "cover", "-func=coverage.out")
}

// Lint runs go vet and golangci-lint
func Lint() error {
	fmt.Println("Running linters...")
	if err := sh.RunV("go", "vet", "./..."); err != nil {
		return err
	}
	return sh.RunV("golangci-lint", "run")
}

// LintFix runs linters with auto-fix
func LintFix() error {
	return sh.RunV("golangci-lint", "run", "--fix")
}

// InitDB creates the sqlite store at MEDSIM_STORE_SQLITE_PATH (default medsim.db)
func InitDB() error {
	path := os.Getenv("MEDSIM_STORE_SQLITE_PATH")
	if path == "" {
		path = "medsim.db"
	}

	db, err := store.OpenSQLite(path)
	if err != nil {
		return fmt.Errorf("failed to init %s: %w", path, err)
	}
	fmt.Printf("  ✓ Initialized %s\n", path)
	return db.Close()
}

// Migrate applies the Postgres migrations using MEDSIM_STORE_POSTGRES_DSN
func Migrate() error {
	mg.Deps(Build)
	return sh.RunV("./"+binary, "migrate")
}

// Clean removes build artifacts
func Clean() error {
	fmt.Println("Cleaning...")
	if err := sh.Rm("bin"); err != nil {
		return err
	}
	return sh.Rm("coverage.out")
}

// Run builds and starts the HTTP API
func Run() error {
	mg.Deps(Build)
	return sh.RunV("./"+binary, "serve")
}

// MCP builds and serves the MCP tool on stdio
func MCP() error {
	mg.Deps(Build)
	return sh.RunV("./"+binary, "mcp")
}
