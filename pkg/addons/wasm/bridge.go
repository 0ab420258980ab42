package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero/api"
)

// callRequest is the JSON document handed to a command export.
type callRequest struct {
	ConstructDid string                 `json:"construct_did"`
	Name         string                 `json:"name"`
	Inputs       map[string]interface{} `json:"inputs"`
}

// callResponse is the JSON document a command export returns.
type callResponse struct {
	Outputs map[string]interface{} `json:"outputs"`
	Error   string                 `json:"error,omitempty"`
}

// Bridge calls JSON-in, JSON-out functions of a module. Every function has
// the signature fn(ptr, len u32) u64 and returns (out_ptr << 32) | out_len.
// Calls are serialized: a module instance is not safe for concurrent use.
type Bridge struct {
	mu      sync.Mutex
	module  api.Module
	memory  api.Memory
	malloc  api.Function
	free    api.Function
	timeout time.Duration
}

// NewBridge checks the module exports memory, malloc and free.
func NewBridge(module api.Module, timeout time.Duration) (*Bridge, error) {
	b := &Bridge{module: module, timeout: timeout}

	b.memory = module.Memory()
	if b.memory == nil {
		return nil, fmt.Errorf("WASM module does not export memory")
	}
	b.malloc = module.ExportedFunction("malloc")
	if b.malloc == nil {
		return nil, fmt.Errorf("WASM module does not export malloc function")
	}
	b.free = module.ExportedFunction("free")
	if b.free == nil {
		return nil, fmt.Errorf("WASM module does not export free function")
	}
	return b, nil
}

// HasExport reports whether the module exports a function.
func (b *Bridge) HasExport(name string) bool {
	return b.module.ExportedFunction(name) != nil
}

// Call invokes an exported command.
func (b *Bridge) Call(ctx context.Context, export string, req callRequest) (*callResponse, error) {
	fn := b.module.ExportedFunction(export)
	if fn == nil {
		return nil, fmt.Errorf("WASM module does not export %s", export)
	}

	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	b.mu.Lock()
	output, err := b.call(ctx, fn, input)
	b.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", export, err)
	}

	var resp callResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s response: %w", export, err)
	}
	return &resp, nil
}

func (b *Bridge) call(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate WASM memory: %w", err)
		}
		defer func() { _ = b.deallocate(ctx, ptr) }()

		inputPtr, inputLen = ptr, uint32(len(input))
		if !b.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to WASM memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("WASM function call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("WASM function returned no results")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)
	if outputLen == 0 {
		return []byte("{}"), nil
	}

	view, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from WASM memory")
	}
	// Read returns a view of linear memory; copy before freeing.
	output := make([]byte, len(view))
	copy(output, view)
	_ = b.deallocate(ctx, outputPtr)
	return output, nil
}

func (b *Bridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return ptr, nil
}

func (b *Bridge) deallocate(ctx context.Context, ptr uint32) error {
	if _, err := b.free.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("free failed: %w", err)
	}
	return nil
}
