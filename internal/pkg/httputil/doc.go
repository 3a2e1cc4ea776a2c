// Package httputil holds the JSON envelope used by the relay HTTP API:
// success bodies, the {error, code} error shape, and strict request decoding.
package httputil
