// Package executor dispatches Messages to their subscribed modules through
// bounded per-pool worker channels, instantiating each compiled artifact
// fresh per invocation with the metering middleware armed, and invoking the
// guest's declared entrypoint.
package executor

import (
	"encoding/json"
	"errors"

	"github.com/tetratelabs/wazero"

	"github.com/latticerun/modrunner/internal/message"
)

// Kind is one of the four guest entrypoint shapes, distinguished by which
// symbol the compiled module exports.
type Kind int

const (
	// KindUnknown means none of the recognized entrypoint symbols is
	// exported; the module cannot be invoked.
	KindUnknown Kind = iota
	// KindDataOnly calls entrypoint(payload_ptr, payload_len).
	KindDataOnly
	// KindWithSource calls entrypoint_with_source(payload_ptr, payload_len,
	// source_ptr, source_len).
	KindWithSource
	// KindWithSourceAndResponse has the same call shape as KindWithSource;
	// the distinct symbol only signals the module's intent to call
	// set_response, which the executor honors for any entrypoint kind.
	KindWithSourceAndResponse
	// KindVecWithSource calls entrypoint_vec_with_source(payload_ptr,
	// payload_len, source_ptr, source_len) — same host-side call shape as
	// KindWithSource; "vec" describes how the guest parses the payload
	// (raw bytes rather than a guest-defined structured format), which the
	// host never inspects either way.
	KindVecWithSource
)

const (
	exportDataOnly          = "entrypoint"
	exportWithSource        = "entrypoint_with_source"
	exportWithSourceAndResp = "entrypoint_with_source_and_response"
	exportVecWithSource     = "entrypoint_vec_with_source"
	exportAlloc             = "alloc"
)

// ErrNoEntrypoint is returned when a compiled module exports none of the
// four recognized entrypoint symbols.
var ErrNoEntrypoint = errors.New("executor: module exports no recognized entrypoint")

// ErrNoAllocExport is returned when a module lacks the "alloc(size) -> ptr"
// export the executor relies on to request a guest-memory write target. The
// host has no other way to place the message payload into guest linear
// memory before calling the entrypoint.
var ErrNoAllocExport = errors.New("executor: module exports no alloc function")

// takesSource reports whether kind's call shape includes source_ptr/source_len.
func (k Kind) takesSource() bool {
	return k == KindWithSource || k == KindWithSourceAndResponse || k == KindVecWithSource
}

// DetectEntrypoint inspects compiled's exports and returns the recognized
// entrypoint kind and its export name. KindUnknown/"" is returned if no
// recognized symbol is exported.
func DetectEntrypoint(compiled wazero.CompiledModule) (Kind, string) {
	exports := compiled.ExportedFunctions()
	// Checked most-specific first: a module could plausibly export more
	// than one shape during migration, and the richer shape should win.
	if _, ok := exports[exportWithSourceAndResp]; ok {
		return KindWithSourceAndResponse, exportWithSourceAndResp
	}
	if _, ok := exports[exportVecWithSource]; ok {
		return KindVecWithSource, exportVecWithSource
	}
	if _, ok := exports[exportWithSource]; ok {
		return KindWithSource, exportWithSource
	}
	if _, ok := exports[exportDataOnly]; ok {
		return KindDataOnly, exportDataOnly
	}
	return KindUnknown, ""
}

// sourceDTO is the wire shape of message.Source handed to guests that
// declare a source-taking entrypoint, JSON-encoded into guest memory.
type sourceDTO struct {
	Kind          string `json:"kind"`
	GeneratorKind string `json:"generator_kind,omitempty"`
	GeneratorName string `json:"generator_name,omitempty"`
	WebhookName   string `json:"webhook_name,omitempty"`
	OriginModule  string `json:"origin_module,omitempty"`
}

func encodeSource(s message.Source) ([]byte, error) {
	return json.Marshal(sourceDTO{
		Kind:          string(s.Kind),
		GeneratorKind: s.GeneratorKind,
		GeneratorName: s.GeneratorName,
		WebhookName:   s.WebhookName,
		OriginModule:  s.OriginModule,
	})
}
