// Package main is the entry point for the vbase-rce server.
//
// The server executes untrusted, caller-submitted source code inside
// disposable, tightly sandboxed containers and returns captured output
// over a Piston API v2 compatible HTTP surface. Executions are bounded
// by an admission limiter, staged into per-request workspaces and run
// with hard resource caps, network isolation and a read-only root
// filesystem.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main
