package sandbox

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Signals reported for forced terminations the engine itself performed.
const (
	// SignalTimedOut marks a run the controller killed for exceeding
	// its time budget.
	SignalTimedOut = "terminated"
	// SignalOOMKilled marks a run the kernel killed for exceeding its
	// memory cap.
	SignalOOMKilled = "killed"
)

// RawOutcome is everything the lifecycle controller observed about a
// finished container, before classification.
type RawOutcome struct {
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
	ExitCode        int64
	OOMKilled       bool
	TimedOut        bool
}

// Result is a classified execution outcome. Exactly one of Code and
// Signal is set: Code for a normal exit, Signal when the process was
// terminated. Timeout, OOM and nonzero exits are results, not errors.
type Result struct {
	Stdout          string  `json:"stdout"`
	Stderr          string  `json:"stderr"`
	Output          string  `json:"output"`
	Code            *int64  `json:"code"`
	Signal          *string `json:"signal"`
	TimedOut        bool    `json:"timed_out"`
	OOMKilled       bool    `json:"oom_killed"`
	StdoutTruncated bool    `json:"stdout_truncated"`
	StderrTruncated bool    `json:"stderr_truncated"`
}

// Classify turns a raw outcome into a structured result. Rules apply in
// priority order: timeout, then OOM kill (regardless of the raw exit
// code), then death by signal, then a normal exit. Output is the
// concatenation of stdout then stderr; real interleaving is not
// preserved.
func Classify(raw RawOutcome) Result {
	result := Result{
		Stdout:          raw.Stdout,
		Stderr:          raw.Stderr,
		Output:          raw.Stdout + raw.Stderr,
		StdoutTruncated: raw.StdoutTruncated,
		StderrTruncated: raw.StderrTruncated,
	}

	switch {
	case raw.TimedOut:
		result.TimedOut = true
		result.Signal = strPtr(SignalTimedOut)
	case raw.OOMKilled:
		result.OOMKilled = true
		result.Signal = strPtr(SignalOOMKilled)
	case raw.ExitCode > 128 && raw.ExitCode <= 128+64:
		result.Signal = strPtr(signalName(raw.ExitCode - 128))
	default:
		code := raw.ExitCode
		result.Code = &code
	}

	return result
}

// signalName maps a signal number to its name, e.g. 9 -> SIGKILL.
func signalName(num int64) string {
	if name := unix.SignalName(syscall.Signal(num)); name != "" {
		return name
	}
	return "SIGUNKNOWN"
}

func strPtr(s string) *string {
	return &s
}
