// Package uarch is the root of the microarchitectural probe orchestrator.
package uarch

// Version is the orchestrator release, overridden at link time with
// -ldflags "-X github.com/deixis/uarch.Version=...".
var Version = "v0.1.0-dev"
