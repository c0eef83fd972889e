package loader

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/tetratelabs/wazero"
)

// uleb128 encodes n as unsigned LEB128, the integer encoding WASM's binary
// format uses for section sizes, vector counts, and indices.
func uleb128(n uint32) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if n == 0 {
			return out
		}
	}
}

func wasmName(s string) []byte {
	return append(uleb128(uint32(len(s))), []byte(s)...)
}

func wasmSection(id byte, content []byte) []byte {
	return append([]byte{id}, append(uleb128(uint32(len(content))), content...)...)
}

// buildMinimalModule returns a valid WebAssembly binary declaring one
// zero-arg, zero-result imported function per entry in imports, and nothing
// else — no memory, no exports, no defined functions. Just enough to
// exercise import-validation against a real wazero.CompiledModule.
func buildMinimalModule(imports [][2]string) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x00asm")
	buf.Write([]byte{1, 0, 0, 0})

	typeSection := append(uleb128(1), []byte{0x60, 0x00, 0x00}...)
	buf.Write(wasmSection(1, typeSection))

	var importContent bytes.Buffer
	importContent.Write(uleb128(uint32(len(imports))))
	for _, imp := range imports {
		importContent.Write(wasmName(imp[0]))
		importContent.Write(wasmName(imp[1]))
		importContent.WriteByte(0x00) // func import
		importContent.Write(uleb128(0))
	}
	buf.Write(wasmSection(2, importContent.Bytes()))

	return buf.Bytes()
}

func TestCompile_UnknownHostImportRejected(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	wasmBytes := buildMinimalModule([][2]string{{"plaid", "not_a_real_capability"}})

	_, err := Compile(ctx, rt, wasmBytes)
	if !errors.Is(err, ErrNoSuchFunction) {
		t.Fatalf("expected ErrNoSuchFunction, got %v", err)
	}
}

func TestCompile_UnknownNonReservedNamespaceRejected(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	wasmBytes := buildMinimalModule([][2]string{{"some_other_namespace", "whatever"}})

	_, err := Compile(ctx, rt, wasmBytes)
	if !errors.Is(err, ErrNoSuchFunction) {
		t.Fatalf("expected ErrNoSuchFunction, got %v", err)
	}
}

func TestCompile_ReservedPrefixImportAccepted(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	wasmBytes := buildMinimalModule([][2]string{{"wbg", "__wbindgen_throw"}})

	compiled, err := Compile(ctx, rt, wasmBytes)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer compiled.Close(ctx)
}

func TestCompile_InvalidBytesIsCompileError(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	_, err := Compile(ctx, rt, []byte("not wasm"))
	if !errors.Is(err, ErrCompileError) {
		t.Fatalf("expected ErrCompileError, got %v", err)
	}
}

func TestStubReservedImports_LinksSuccessfully(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	wasmBytes := buildMinimalModule([][2]string{
		{"wbg", "__wbindgen_throw"},
		{"wbg", "__wbindgen_other"},
	})

	compiled, err := Compile(ctx, rt, wasmBytes)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer compiled.Close(ctx)

	closers, err := StubReservedImports(ctx, rt, compiled)
	if err != nil {
		t.Fatalf("StubReservedImports: %v", err)
	}
	defer func() {
		for _, c := range closers {
			_ = c.Close(ctx)
		}
	}()

	if _, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig()); err != nil {
		t.Fatalf("InstantiateModule: %v", err)
	}
}
