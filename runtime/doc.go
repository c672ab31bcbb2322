// Package runtime provides the static catalog of executable language runtimes.
//
// Each Descriptor maps a language/version pair (and its aliases) to a
// container image and an argument-vector command template. The catalog is
// built once at startup and immutable afterwards, so lookups need no
// synchronization. Adding a language means adding one descriptor and
// building one runner image; no other component changes.
package runtime
