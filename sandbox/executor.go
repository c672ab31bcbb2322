package sandbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vbase/rce/config"
	"github.com/vbase/rce/runtime"
)

// Memory requests below this floor are raised to it.
const minMemoryBytes = 16 * 1024 * 1024

// Runner is the container lifecycle surface the orchestrator depends on.
// Controller implements it against the real engine; tests substitute a
// fake.
type Runner interface {
	Run(ctx context.Context, desc runtime.Descriptor, ws *Workspace, spec RunSpec) (RawOutcome, error)
	ImageExists(ctx context.Context, imageRef string) (bool, error)
}

var _ Runner = (*Controller)(nil)

// Executor orchestrates one execution end to end: resolve, admit, stage,
// run, classify. Cleanup of the workspace and the admission permit is
// guaranteed on every path by deferred, idempotent releases.
type Executor struct {
	cfg        *config.Config
	logger     *zap.Logger
	registry   *runtime.Registry
	workspaces *WorkspaceManager
	limiter    *Limiter
	runner     Runner
}

// NewExecutor creates the orchestrator.
func NewExecutor(logger *zap.Logger, cfg *config.Config, registry *runtime.Registry,
	workspaces *WorkspaceManager, limiter *Limiter, runner Runner) *Executor {
	return &Executor{
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		workspaces: workspaces,
		limiter:    limiter,
		runner:     runner,
	}
}

// Execute runs one request. Runtime resolution and request validation
// fail fast, before an admission permit is consumed and before any
// engine call. Timeout, OOM and nonzero exits come back as classified
// results, not errors.
func (e *Executor) Execute(ctx context.Context, req Request) (*Response, error) {
	desc, ok := e.registry.Resolve(req.Language, req.Version)
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrRuntimeNotFound, req.Language, req.Version)
	}

	files, mainContent, err := prepareFiles(req, desc)
	if err != nil {
		return nil, err
	}

	runTimeout, err := clampTimeout(req.RunTimeoutMS, e.cfg.DefaultTimeout(), e.cfg.MaxTimeout())
	if err != nil {
		return nil, err
	}
	compileTimeout, err := clampTimeout(req.CompileTimeoutMS, e.cfg.DefaultTimeout(), e.cfg.MaxTimeout())
	if err != nil {
		return nil, err
	}
	memory, err := clampMemory(req.RunMemoryLimit, e.cfg.DefaultMemoryBytes(), e.cfg.MaxMemoryBytes())
	if err != nil {
		return nil, err
	}
	// Compile and run share one container, so a separate compile memory
	// bound is validated but not applied.
	if _, err := clampMemory(req.CompileMemoryLimit, e.cfg.DefaultMemoryBytes(), e.cfg.MaxMemoryBytes()); err != nil {
		return nil, err
	}

	permit, err := e.limiter.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer permit.Release()

	ws, err := e.workspaces.Stage(files)
	if err != nil {
		return nil, fmt.Errorf("staging workspace: %w", err)
	}
	defer e.workspaces.Destroy(ws)

	var classname string
	if desc.Language == "java" {
		classname = extractJavaClassName(mainContent)
	}

	command := buildCommand(desc.RunCmd, ws.MainFile, classname, req.Args)
	timeout := runTimeout
	if desc.Compiled {
		compileCmd := buildCommand(desc.CompileCmd, ws.MainFile, classname, nil)
		command = chainCommands(compileCmd, command)
		// One container covers both stages, so both budgets apply.
		timeout = compileTimeout + runTimeout
	}

	e.logger.Info("executing request",
		zap.String("language", desc.Language),
		zap.String("version", desc.Version),
		zap.String("workspace_id", ws.ID),
		zap.Duration("timeout", timeout),
		zap.Int64("memory_bytes", memory),
		zap.Int64("in_flight", e.limiter.InFlight()))

	started := time.Now()
	raw, err := e.runner.Run(ctx, desc, ws, RunSpec{
		Command: command,
		Stdin:   req.Stdin,
		Resources: ResourceProfile{
			MemoryBytes: memory,
			NanoCPUs:    e.cfg.Limits.NanoCPUs,
			PidsLimit:   e.cfg.Limits.PidsLimit,
			Timeout:     timeout,
		},
	})
	if err != nil {
		return nil, err
	}

	result := Classify(raw)
	e.logger.Info("execution finished",
		zap.String("language", desc.Language),
		zap.String("workspace_id", ws.ID),
		zap.Duration("elapsed", time.Since(started)),
		zap.Bool("timed_out", result.TimedOut),
		zap.Bool("oom_killed", result.OOMKilled))

	return &Response{
		Language: desc.Language,
		Version:  desc.Version,
		Run:      result,
	}, nil
}

// ListRuntimes returns the registered runtimes whose images are present
// on the engine.
func (e *Executor) ListRuntimes(ctx context.Context) ([]RuntimeInfo, error) {
	runtimes := make([]RuntimeInfo, 0)
	for _, d := range e.registry.List() {
		exists, err := e.runner.ImageExists(ctx, d.Image)
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}
		runtimes = append(runtimes, runtimeInfo(d))
	}
	return runtimes, nil
}

// GetRuntime looks up a registered runtime by language name or alias,
// without consulting the engine.
func (e *Executor) GetRuntime(language string) (RuntimeInfo, bool) {
	d, ok := e.registry.Resolve(language, "*")
	if !ok {
		return RuntimeInfo{}, false
	}
	return runtimeInfo(d), true
}

func runtimeInfo(d runtime.Descriptor) RuntimeInfo {
	aliases := d.Aliases
	if aliases == nil {
		aliases = []string{}
	}
	return RuntimeInfo{
		Language: d.Language,
		Version:  d.Version,
		Aliases:  aliases,
		Runtime:  d.Runtime,
	}
}

// prepareFiles decodes and names every submitted file before anything is
// admitted or staged. The first file is the main file.
func prepareFiles(req Request, desc runtime.Descriptor) ([]SourceFile, string, error) {
	if len(req.Files) == 0 {
		return nil, "", fmt.Errorf("%w: at least one file is required", ErrInvalidRequest)
	}

	files := make([]SourceFile, 0, len(req.Files))
	var mainContent string
	for i, f := range req.Files {
		data, err := f.Decoded()
		if err != nil {
			return nil, "", fmt.Errorf("%w: file %d: %v", ErrInvalidRequest, i, err)
		}
		name := stagedFilename(f, desc, data)
		if err := validateStagedName(name); err != nil {
			return nil, "", fmt.Errorf("%w: file %d: %v", ErrInvalidRequest, i, err)
		}
		files = append(files, SourceFile{Name: name, Data: data})
		if i == 0 {
			mainContent = string(data)
		}
	}
	return files, mainContent, nil
}

// clampTimeout applies the default for omitted values and silently caps
// out-of-range requests at the maximum. Nil and the documented -1
// sentinel select the default; other non-positive values are malformed.
func clampTimeout(ms *int64, def, max time.Duration) (time.Duration, error) {
	if ms == nil || *ms == -1 {
		return def, nil
	}
	if *ms <= 0 {
		return 0, fmt.Errorf("%w: timeout must be positive milliseconds, got %d", ErrInvalidRequest, *ms)
	}
	d := time.Duration(*ms) * time.Millisecond
	if d > max {
		d = max
	}
	return d, nil
}

// clampMemory mirrors clampTimeout for byte-denominated memory limits,
// with a floor below which containers cannot start their runtime.
func clampMemory(limit *int64, def, max int64) (int64, error) {
	if limit == nil || *limit == -1 {
		return def, nil
	}
	if *limit <= 0 {
		return 0, fmt.Errorf("%w: memory limit must be positive bytes, got %d", ErrInvalidRequest, *limit)
	}
	mem := *limit
	if mem > max {
		mem = max
	}
	if mem < minMemoryBytes {
		mem = minMemoryBytes
	}
	return mem, nil
}
