package sandbox

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// FileEncoding identifies how a submitted file's content is encoded.
type FileEncoding string

// Supported content encodings.
const (
	EncodingUTF8   FileEncoding = "utf8"
	EncodingBase64 FileEncoding = "base64"
	EncodingHex    FileEncoding = "hex"
)

// File is one caller-submitted source file.
type File struct {
	Name     string       `json:"name"`
	Content  string       `json:"content" binding:"required"`
	Encoding FileEncoding `json:"encoding"`
}

// Decoded returns the file content as raw bytes according to its
// declared encoding. An empty encoding means utf8.
func (f File) Decoded() ([]byte, error) {
	switch f.Encoding {
	case EncodingUTF8, "":
		return []byte(f.Content), nil
	case EncodingBase64:
		data, err := base64.StdEncoding.DecodeString(f.Content)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 content: %w", err)
		}
		return data, nil
	case EncodingHex:
		data, err := hex.DecodeString(f.Content)
		if err != nil {
			return nil, fmt.Errorf("invalid hex content: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported encoding: %s", f.Encoding)
	}
}

// Request describes one code execution. Immutable once admitted.
// Timeouts are milliseconds and memory limits are bytes; nil or the -1
// sentinel selects the configured default.
type Request struct {
	Language           string   `json:"language" binding:"required"`
	Version            string   `json:"version"`
	Files              []File   `json:"files" binding:"required"`
	Stdin              string   `json:"stdin"`
	Args               []string `json:"args"`
	RunTimeoutMS       *int64   `json:"run_timeout"`
	CompileTimeoutMS   *int64   `json:"compile_timeout"`
	RunMemoryLimit     *int64   `json:"run_memory_limit"`
	CompileMemoryLimit *int64   `json:"compile_memory_limit"`
}

// Response is the executed request's outcome, Piston API v2 compatible.
// Compile is nil for interpreted runtimes; compiled runtimes chain
// compile and run in one container, so their output lands in Run.
type Response struct {
	Language string  `json:"language"`
	Version  string  `json:"version"`
	Run      Result  `json:"run"`
	Compile  *Result `json:"compile"`
}

// RuntimeInfo describes one available runtime to the request layer.
type RuntimeInfo struct {
	Language string   `json:"language"`
	Version  string   `json:"version"`
	Aliases  []string `json:"aliases"`
	Runtime  string   `json:"runtime,omitempty"`
}
