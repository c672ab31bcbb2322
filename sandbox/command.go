package sandbox

import (
	"path"
	"regexp"
	"strings"

	"github.com/vbase/rce/runtime"
)

// SandboxCodePath is the fixed path the workspace is mounted at inside
// the container, read-only.
const SandboxCodePath = "/code"

var javaClassPattern = regexp.MustCompile(`public\s+class\s+(\w+)`)

// buildCommand expands a descriptor's command template into a concrete
// argument vector. Placeholders are substituted element-wise and caller
// args are appended as separate elements, so nothing is ever interpreted
// by a shell.
func buildCommand(template []string, mainFile, classname string, args []string) []string {
	cmd := make([]string, 0, len(template)+len(args))
	for _, part := range template {
		switch part {
		case runtime.PlaceholderFile:
			cmd = append(cmd, path.Join(SandboxCodePath, mainFile))
		case runtime.PlaceholderClassname:
			if classname != "" {
				cmd = append(cmd, classname)
			}
		default:
			cmd = append(cmd, part)
		}
	}
	return append(cmd, args...)
}

// chainCommands combines a compile and a run vector into one container
// invocation. The shell is needed only for the && chaining; every
// argument is quoted individually so user input never reaches shell
// interpretation.
func chainCommands(compileCmd, runCmd []string) []string {
	quoted := func(argv []string) string {
		parts := make([]string, len(argv))
		for i, a := range argv {
			parts[i] = shellQuote(a)
		}
		return strings.Join(parts, " ")
	}
	return []string{"/bin/sh", "-c", quoted(compileCmd) + " && " + quoted(runCmd)}
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// extractJavaClassName finds the public class in Java source so the run
// command can name it. Falls back to Main.
func extractJavaClassName(content string) string {
	if m := javaClassPattern.FindStringSubmatch(content); m != nil {
		return m[1]
	}
	return "Main"
}

// stagedFilename assigns the on-disk name for a submitted file: the
// caller's name with the runtime extension enforced, or a default
// derived from the runtime.
func stagedFilename(f File, desc runtime.Descriptor, content []byte) string {
	if f.Name != "" {
		if !strings.HasSuffix(f.Name, desc.Extension) {
			return f.Name + desc.Extension
		}
		return f.Name
	}
	if desc.Language == "java" {
		return extractJavaClassName(string(content)) + desc.Extension
	}
	return "main" + desc.Extension
}
