package loader

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/latticerun/modrunner/internal/hostabi"
)

// ErrNoSuchFunction is returned when a guest import does not resolve to a
// known host function and is not covered by the reserved-prefix stub rule
// (spec.md §4.1).
var ErrNoSuchFunction = errors.New("loader: no such host function")

// ErrCompileError wraps a wazero compilation failure.
var ErrCompileError = errors.New("loader: compile error")

// ReservedImportPrefix marks guest imports the loader resolves to no-op
// stubs instead of failing linking — binding-generator scaffolding (e.g.
// wasm-bindgen's __wbindgen_* helpers) that guest toolchains emit
// unconditionally even when the module itself never calls them.
const ReservedImportPrefix = "__wbindgen"

// Compile compiles wasmBytes against rt and validates that every guest
// import resolves to a known host function under hostabi.HostModuleName or
// carries the reserved stub prefix. An unresolved, non-reserved import
// rejects the module with ErrNoSuchFunction before it is ever instantiated.
func Compile(ctx context.Context, rt wazero.Runtime, wasmBytes []byte) (wazero.CompiledModule, error) {
	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompileError, err)
	}
	if err := validateImports(compiled); err != nil {
		_ = compiled.Close(ctx)
		return nil, err
	}
	return compiled, nil
}

func validateImports(compiled wazero.CompiledModule) error {
	for _, fnd := range compiled.ImportedFunctions() {
		modName, name := fnd.ModuleName(), fnd.Name()
		if modName == hostabi.HostModuleName {
			if hostabi.IsKnownFunction(name) {
				continue
			}
			return fmt.Errorf("%w: %s.%s", ErrNoSuchFunction, modName, name)
		}
		if strings.HasPrefix(name, ReservedImportPrefix) {
			continue
		}
		return fmt.Errorf("%w: %s.%s", ErrNoSuchFunction, modName, name)
	}
	return nil
}

// StubReservedImports builds a no-op host module, one per distinct import
// namespace, covering every reserved-prefix import compiled declares, with
// matching signatures so linking succeeds without ever really calling guest
// binding-generator scaffolding. The caller is responsible for closing the
// returned modules when the compiled module is discarded.
func StubReservedImports(ctx context.Context, rt wazero.Runtime, compiled wazero.CompiledModule) ([]api.Closer, error) {
	byModule := map[string][]api.FunctionDefinition{}
	for _, fnd := range compiled.ImportedFunctions() {
		modName, name := fnd.ModuleName(), fnd.Name()
		if modName == hostabi.HostModuleName {
			continue
		}
		if strings.HasPrefix(name, ReservedImportPrefix) {
			byModule[modName] = append(byModule[modName], fnd)
		}
	}

	var closers []api.Closer
	for modName, fnds := range byModule {
		b := rt.NewHostModuleBuilder(modName)
		for _, fnd := range fnds {
			b.NewFunctionBuilder().
				WithGoModuleFunction(api.GoModuleFunc(noOpGoModuleFunc), fnd.ParamTypes(), fnd.ResultTypes()).
				Export(fnd.Name())
		}
		closer, err := b.Instantiate(ctx)
		if err != nil {
			for _, c := range closers {
				_ = c.Close(ctx)
			}
			return nil, fmt.Errorf("loader: instantiate reserved stub module %q: %w", modName, err)
		}
		closers = append(closers, closer)
	}
	return closers, nil
}

// noOpGoModuleFunc is the body of every reserved-prefix stub: it does
// nothing and leaves any result slots at their zero value.
func noOpGoModuleFunc(context.Context, api.Module, []uint64) {}
