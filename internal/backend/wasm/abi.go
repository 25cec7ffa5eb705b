package wasmbackend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// request is the JSON document handed to every operation export.
type request struct {
	Query string `json:"query,omitempty"`
	Page  int    `json:"page,omitempty"`
	URL   string `json:"url,omitempty"`
}

// envelope is the JSON shape of every value crossing the guest boundary in
// either direction: exactly one of Data or Error is set.
type envelope struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error *guestError     `json:"error,omitempty"`
}

type guestError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func pack(ptr, size uint32) uint64 { return uint64(ptr)<<32 | uint64(size) }

func unpack(v uint64) (ptr, size uint32) { return uint32(v >> 32), uint32(v) }

// writeGuest copies data into guest memory obtained from the guest's alloc
// export and returns its address.
func writeGuest(ctx context.Context, mod api.Module, data []byte) (uint32, error) {
	alloc := mod.ExportedFunction("alloc")
	if alloc == nil {
		return 0, fmt.Errorf("guest does not export alloc")
	}
	res, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("guest alloc: %w", err)
	}
	ptr := uint32(res[0])
	if !mod.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("guest alloc returned out of range pointer %d for %d bytes", ptr, len(data))
	}
	return ptr, nil
}

// writeEnvelope marshals v as {"data": v} or err as {"error": ...} into
// guest memory and returns the packed pointer.
func writeEnvelope(ctx context.Context, mod api.Module, v any, kind, msg string) (uint64, error) {
	var env envelope
	if kind != "" {
		env.Error = &guestError{Kind: kind, Message: msg}
	} else {
		data, err := json.Marshal(v)
		if err != nil {
			return 0, fmt.Errorf("encode host value: %w", err)
		}
		env.Data = data
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("encode envelope: %w", err)
	}
	ptr, err := writeGuest(ctx, mod, payload)
	if err != nil {
		return 0, err
	}
	return pack(ptr, uint32(len(payload))), nil
}

func readGuest(mod api.Module, ptr, size uint32) ([]byte, error) {
	data, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return nil, fmt.Errorf("guest range %d+%d out of memory bounds", ptr, size)
	}
	// Read aliases guest memory; copy before the instance goes away.
	return append([]byte(nil), data...), nil
}
