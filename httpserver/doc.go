// Package httpserver provides the HTTP request layer.
//
// The httpserver package exposes the execution core over a Piston API v2
// compatible surface: GET /api/v2/runtimes, GET /api/v2/runtimes/:language
// and POST /api/v2/execute, plus a /health endpoint. It holds no
// execution logic of its own; it binds requests, delegates to the
// sandbox executor and maps error kinds to status codes.
package httpserver
