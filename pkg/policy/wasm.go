package policy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/Mindburn-Labs/keel/pkg/canonical"
)

// wasmEvalTimeout bounds one guest evaluation.
const wasmEvalTimeout = 2 * time.Second

// wasmMemoryLimitPages caps guest memory at 16 MiB (64 KiB pages).
const wasmMemoryLimitPages = 256

// WASMGate runs a WASI policy module. The guest is deny-by-default: no
// filesystem, no network, no clock, no randomness. It reads one canonical
// DecisionRequest on stdin and writes one Decision JSON object to stdout.
type WASMGate struct {
	runtime    wazero.Runtime
	compiled   wazero.CompiledModule
	policyHash string
}

// NewWASMGateFromFile loads the module at path.
func NewWASMGateFromFile(ctx context.Context, path string) (*WASMGate, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read wasm module: %w", err)
	}
	return NewWASMGate(ctx, wasmBytes)
}

// NewWASMGate compiles wasmBytes once; each Evaluate instantiates a fresh
// module so guest state cannot leak between decisions.
func NewWASMGate(ctx context.Context, wasmBytes []byte) (*WASMGate, error) {
	runtimeCfg := wazero.NewRuntimeConfig().WithMemoryLimitPages(wasmMemoryLimitPages)
	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("policy: compile wasm module: %w", err)
	}
	sum := sha256.Sum256(wasmBytes)
	return &WASMGate{
		runtime:    r,
		compiled:   compiled,
		policyHash: "sha256:" + hex.EncodeToString(sum[:]),
	}, nil
}

func (g *WASMGate) Backend() Backend   { return BackendWASM }
func (g *WASMGate) PolicyHash() string { return g.policyHash }

func (g *WASMGate) Evaluate(ctx context.Context, req *DecisionRequest) (*Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, wasmEvalTimeout)
	defer cancel()

	input, err := canonical.MarshalCanonical(req)
	if err != nil {
		return nil, fmt.Errorf("policy: encode request: %w", err)
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := g.runtime.InstantiateModule(ctx, g.compiled, modCfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("policy: wasm evaluation timed out after %v", wasmEvalTimeout)
		}
		return nil, fmt.Errorf("policy: wasm evaluation failed: %w (stderr: %s)", err, stderr.String())
	}
	defer func() { _ = mod.Close(ctx) }()

	return decodeWASMDecision(stdout.Bytes(), g.policyHash)
}

// Close releases the wazero runtime.
func (g *WASMGate) Close(ctx context.Context) error {
	return g.runtime.Close(ctx)
}

// decodeWASMDecision parses the guest's stdout contract.
func decodeWASMDecision(out []byte, policyHash string) (*Decision, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, fmt.Errorf("policy: wasm module produced no decision")
	}
	var d Decision
	if err := json.Unmarshal(out, &d); err != nil {
		return nil, fmt.Errorf("policy: wasm decision not valid JSON: %w", err)
	}
	if d.Rationale == "" {
		return nil, fmt.Errorf("policy: wasm decision carries no rationale")
	}
	d.PolicyHash = policyHash
	return &d, nil
}
