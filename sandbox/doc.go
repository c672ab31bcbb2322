// Package sandbox provides secure execution of untrusted code.
//
// The sandbox package implements the execution core: admission control
// under concurrency, staging of submitted source files into per-request
// workspaces, the container lifecycle (create, start, bound-wait,
// collect, forced remove) driven over the engine's control API, and
// classification of raw engine signals into structured results.
//
// Containers run with the workspace mounted read-only, the network
// disabled, a read-only root filesystem with size-bounded tmpfs scratch
// areas, all capabilities dropped, privilege escalation disabled, and
// hard memory/CPU/pid caps. Commands are argument vectors, never shell
// strings.
//
// Every resource the package allocates (admission permit, workspace,
// container) is released on every exit path, independent of how the
// execution ends.
package sandbox
