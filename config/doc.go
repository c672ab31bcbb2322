// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and VBASE_-prefixed environment variables.
// It covers the HTTP adapter, logging, the sandbox security profile and
// the server-side resource bounds clamped onto every execution request.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Max concurrent jobs: %d\n", cfg.Limits.MaxConcurrentJobs)
package config
