// Package enginestub hosts a deterministic HTTP fake of the media engine
// control API for integration tests. The stub tracks pushes started and
// stopped, serves configurable health verdicts, and can fail the first N
// push starts so retry behaviour can be asserted without a real engine.
package enginestub
