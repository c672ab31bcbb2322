package sandbox

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vbase/rce/config"
	"github.com/vbase/rce/runtime"
)

// fakeRunner stands in for the lifecycle controller so orchestration can
// be exercised without an engine.
type fakeRunner struct {
	mu       sync.Mutex
	runCalls int
	lastDesc runtime.Descriptor
	lastSpec RunSpec
	lastPath string

	outcome RawOutcome
	err     error
	delay   time.Duration
	images  map[string]bool
	onRun   func(ws *Workspace)
}

func (f *fakeRunner) Run(_ context.Context, desc runtime.Descriptor, ws *Workspace, spec RunSpec) (RawOutcome, error) {
	f.mu.Lock()
	f.runCalls++
	f.lastDesc = desc
	f.lastSpec = spec
	f.lastPath = ws.Path
	f.mu.Unlock()
	if f.onRun != nil {
		f.onRun(ws)
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.outcome, f.err
}

func (f *fakeRunner) ImageExists(_ context.Context, imageRef string) (bool, error) {
	if f.images == nil {
		return true, nil
	}
	return f.images[imageRef], nil
}

func executorTestConfig() *config.Config {
	return &config.Config{
		Limits: config.LimitsConfig{
			DefaultTimeoutSec: 10,
			MaxTimeoutSec:     30,
			DefaultMemoryMB:   128,
			MaxMemoryMB:       256,
			MaxConcurrentJobs: 5,
			PidsLimit:         64,
			NanoCPUs:          500_000_000,
			MaxOutputBytes:    1024 * 1024,
		},
	}
}

func newTestExecutor(t *testing.T, runner Runner, cfg *config.Config) *Executor {
	t.Helper()
	if cfg == nil {
		cfg = executorTestConfig()
	}
	registry, err := runtime.NewRegistry(runtime.Defaults())
	require.NoError(t, err)
	logger := zap.NewNop()
	workspaces := NewWorkspaceManager(logger, t.TempDir())
	limiter := NewLimiter(cfg.Limits.MaxConcurrentJobs)
	return NewExecutor(logger, cfg, registry, workspaces, limiter, runner)
}

func pythonRequest() Request {
	return Request{
		Language: "python",
		Files:    []File{{Content: "print('hi')"}},
	}
}

func TestExecutorExecute(t *testing.T) {
	t.Run("CleanRun", func(t *testing.T) {
		runner := &fakeRunner{outcome: RawOutcome{Stdout: "hi\n"}}
		var stagedDuringRun bool
		runner.onRun = func(ws *Workspace) {
			_, err := os.Stat(ws.Path)
			stagedDuringRun = err == nil
		}
		exec := newTestExecutor(t, runner, nil)

		resp, err := exec.Execute(context.Background(), pythonRequest())
		require.NoError(t, err)
		assert.Equal(t, "python", resp.Language)
		assert.Equal(t, "3.12.0", resp.Version)
		assert.Equal(t, "hi\n", resp.Run.Stdout)
		require.NotNil(t, resp.Run.Code)
		assert.Equal(t, int64(0), *resp.Run.Code)
		assert.Nil(t, resp.Compile)

		assert.True(t, stagedDuringRun)
		_, statErr := os.Stat(runner.lastPath)
		assert.True(t, os.IsNotExist(statErr))

		assert.Equal(t, []string{"python3", "/code/main.py"}, runner.lastSpec.Command)
		assert.Equal(t, 10*time.Second, runner.lastSpec.Resources.Timeout)
		assert.Equal(t, int64(128*1024*1024), runner.lastSpec.Resources.MemoryBytes)
		assert.Equal(t, int64(64), runner.lastSpec.Resources.PidsLimit)
	})

	t.Run("UnknownLanguageFailsFast", func(t *testing.T) {
		runner := &fakeRunner{}
		exec := newTestExecutor(t, runner, nil)

		_, err := exec.Execute(context.Background(), Request{
			Language: "cobol",
			Files:    []File{{Content: "DISPLAY 'HI'."}},
		})
		assert.ErrorIs(t, err, ErrRuntimeNotFound)
		assert.Equal(t, 0, runner.runCalls)
	})

	t.Run("UnknownVersionFailsFast", func(t *testing.T) {
		runner := &fakeRunner{}
		exec := newTestExecutor(t, runner, nil)

		req := pythonRequest()
		req.Version = "2.7.0"
		_, err := exec.Execute(context.Background(), req)
		assert.ErrorIs(t, err, ErrRuntimeNotFound)
		assert.Equal(t, 0, runner.runCalls)
	})

	t.Run("NoFilesRejected", func(t *testing.T) {
		runner := &fakeRunner{}
		exec := newTestExecutor(t, runner, nil)

		_, err := exec.Execute(context.Background(), Request{Language: "python"})
		assert.ErrorIs(t, err, ErrInvalidRequest)
		assert.Equal(t, 0, runner.runCalls)
	})

	t.Run("MalformedTimeoutRejected", func(t *testing.T) {
		runner := &fakeRunner{}
		exec := newTestExecutor(t, runner, nil)

		for _, ms := range []int64{0, -2, -100} {
			req := pythonRequest()
			req.RunTimeoutMS = &ms
			_, err := exec.Execute(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest, "timeout %d", ms)
		}
		assert.Equal(t, 0, runner.runCalls)
	})

	t.Run("SentinelSelectsDefault", func(t *testing.T) {
		runner := &fakeRunner{}
		exec := newTestExecutor(t, runner, nil)

		sentinel := int64(-1)
		req := pythonRequest()
		req.RunTimeoutMS = &sentinel
		req.RunMemoryLimit = &sentinel
		_, err := exec.Execute(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, 10*time.Second, runner.lastSpec.Resources.Timeout)
		assert.Equal(t, int64(128*1024*1024), runner.lastSpec.Resources.MemoryBytes)
	})

	t.Run("OverLimitValuesCapped", func(t *testing.T) {
		runner := &fakeRunner{}
		exec := newTestExecutor(t, runner, nil)

		timeout := int64(120_000)
		memory := int64(4 * 1024 * 1024 * 1024)
		req := pythonRequest()
		req.RunTimeoutMS = &timeout
		req.RunMemoryLimit = &memory
		_, err := exec.Execute(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, runner.lastSpec.Resources.Timeout)
		assert.Equal(t, int64(256*1024*1024), runner.lastSpec.Resources.MemoryBytes)
	})

	t.Run("TinyMemoryRaisedToFloor", func(t *testing.T) {
		runner := &fakeRunner{}
		exec := newTestExecutor(t, runner, nil)

		memory := int64(1024)
		req := pythonRequest()
		req.RunMemoryLimit = &memory
		_, err := exec.Execute(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, int64(minMemoryBytes), runner.lastSpec.Resources.MemoryBytes)
	})

	t.Run("CompiledRuntimeChainsStages", func(t *testing.T) {
		runner := &fakeRunner{}
		exec := newTestExecutor(t, runner, nil)

		_, err := exec.Execute(context.Background(), Request{
			Language: "c",
			Files:    []File{{Content: "int main(void) { return 0; }"}},
		})
		require.NoError(t, err)

		cmd := runner.lastSpec.Command
		require.Len(t, cmd, 3)
		assert.Equal(t, "/bin/sh", cmd[0])
		assert.Equal(t, "-c", cmd[1])
		assert.Contains(t, cmd[2], "'gcc'")
		assert.Contains(t, cmd[2], " && ")
		assert.Contains(t, cmd[2], "/code/main.c")
		assert.Equal(t, 20*time.Second, runner.lastSpec.Resources.Timeout)
	})

	t.Run("JavaClassnameFlowsThrough", func(t *testing.T) {
		runner := &fakeRunner{}
		exec := newTestExecutor(t, runner, nil)

		_, err := exec.Execute(context.Background(), Request{
			Language: "java",
			Files:    []File{{Content: "public class Solver { public static void main(String[] a) {} }"}},
		})
		require.NoError(t, err)
		assert.Contains(t, runner.lastSpec.Command[2], "/code/Solver.java")
		assert.Contains(t, runner.lastSpec.Command[2], "'Solver'")
	})

	t.Run("ArgsAndStdinForwarded", func(t *testing.T) {
		runner := &fakeRunner{}
		exec := newTestExecutor(t, runner, nil)

		req := pythonRequest()
		req.Args = []string{"--verbose", "input file"}
		req.Stdin = "line\n"
		_, err := exec.Execute(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, []string{"python3", "/code/main.py", "--verbose", "input file"}, runner.lastSpec.Command)
		assert.Equal(t, "line\n", runner.lastSpec.Stdin)
	})

	t.Run("TimeoutIsAResult", func(t *testing.T) {
		runner := &fakeRunner{outcome: RawOutcome{Stdout: "partial", TimedOut: true}}
		exec := newTestExecutor(t, runner, nil)

		resp, err := exec.Execute(context.Background(), pythonRequest())
		require.NoError(t, err)
		assert.True(t, resp.Run.TimedOut)
		assert.Nil(t, resp.Run.Code)
		require.NotNil(t, resp.Run.Signal)
		assert.Equal(t, SignalTimedOut, *resp.Run.Signal)
		assert.Equal(t, "partial", resp.Run.Stdout)
	})

	t.Run("OOMIsAResult", func(t *testing.T) {
		runner := &fakeRunner{outcome: RawOutcome{ExitCode: 137, OOMKilled: true}}
		exec := newTestExecutor(t, runner, nil)

		resp, err := exec.Execute(context.Background(), pythonRequest())
		require.NoError(t, err)
		assert.True(t, resp.Run.OOMKilled)
		require.NotNil(t, resp.Run.Signal)
		assert.Equal(t, SignalOOMKilled, *resp.Run.Signal)
	})

	t.Run("RunnerFailureStillDestroysWorkspace", func(t *testing.T) {
		runner := &fakeRunner{err: errors.New("engine exploded")}
		exec := newTestExecutor(t, runner, nil)

		_, err := exec.Execute(context.Background(), pythonRequest())
		require.Error(t, err)
		require.NotEmpty(t, runner.lastPath)
		_, statErr := os.Stat(runner.lastPath)
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("ConcurrencyBounded", func(t *testing.T) {
		cfg := executorTestConfig()
		cfg.Limits.MaxConcurrentJobs = 2

		var inFlight, peak atomic.Int64
		runner := &fakeRunner{delay: 20 * time.Millisecond}
		runner.onRun = func(_ *Workspace) {
			cur := inFlight.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
		}
		exec := newTestExecutor(t, runner, cfg)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer inFlight.Add(-1)
				_, err := exec.Execute(context.Background(), pythonRequest())
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.LessOrEqual(t, peak.Load(), int64(2))
		assert.Equal(t, 8, runner.runCalls)
	})
}

func TestExecutorListRuntimes(t *testing.T) {
	t.Run("FiltersMissingImages", func(t *testing.T) {
		runner := &fakeRunner{images: map[string]bool{
			"vbase-python-runner": true,
			"vbase-c-runner":      true,
		}}
		exec := newTestExecutor(t, runner, nil)

		runtimes, err := exec.ListRuntimes(context.Background())
		require.NoError(t, err)
		require.Len(t, runtimes, 2)
		languages := []string{runtimes[0].Language, runtimes[1].Language}
		assert.Equal(t, []string{"python", "c"}, languages)
	})

	t.Run("AllPresent", func(t *testing.T) {
		exec := newTestExecutor(t, &fakeRunner{}, nil)
		runtimes, err := exec.ListRuntimes(context.Background())
		require.NoError(t, err)
		assert.Len(t, runtimes, 5)
		for _, rt := range runtimes {
			assert.NotNil(t, rt.Aliases)
		}
	})
}

func TestExecutorGetRuntime(t *testing.T) {
	exec := newTestExecutor(t, &fakeRunner{}, nil)

	t.Run("ByAlias", func(t *testing.T) {
		info, ok := exec.GetRuntime("py")
		require.True(t, ok)
		assert.Equal(t, "python", info.Language)
		assert.Equal(t, "3.12.0", info.Version)
	})

	t.Run("CaseInsensitive", func(t *testing.T) {
		info, ok := exec.GetRuntime("JavaScript")
		require.True(t, ok)
		assert.Equal(t, "javascript", info.Language)
	})

	t.Run("Unknown", func(t *testing.T) {
		_, ok := exec.GetRuntime("fortran")
		assert.False(t, ok)
	})
}

func TestClampHelpers(t *testing.T) {
	t.Run("TimeoutInRangePreserved", func(t *testing.T) {
		ms := int64(2500)
		d, err := clampTimeout(&ms, 10*time.Second, 30*time.Second)
		require.NoError(t, err)
		assert.Equal(t, 2500*time.Millisecond, d)
	})

	t.Run("MemoryInRangePreserved", func(t *testing.T) {
		limit := int64(200 * 1024 * 1024)
		mem, err := clampMemory(&limit, 128*1024*1024, 256*1024*1024)
		require.NoError(t, err)
		assert.Equal(t, limit, mem)
	})

	t.Run("NegativeMemoryRejected", func(t *testing.T) {
		limit := int64(-64)
		_, err := clampMemory(&limit, 128, 256)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidRequest)
		assert.True(t, strings.Contains(err.Error(), "-64"))
	})
}
