package executor

import "bytes"

// These encode just enough of the WebAssembly binary format to produce a
// real, loadable module with working "alloc" and entrypoint exports — no
// toolchain involved, just the section layout the spec format defines.

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

const i32 = 0x7f

func funcType(params, results []byte) []byte {
	b := []byte{0x60}
	b = append(b, uleb128(uint32(len(params)))...)
	b = append(b, params...)
	b = append(b, uleb128(uint32(len(results)))...)
	b = append(b, results...)
	return b
}

// buildGuestModule returns a self-contained WASM module (no imports)
// exporting "alloc(size i32) -> i32" (always returns 0) and entryName with
// entryParamCount i32 params and no results (body is a no-op). A one-page
// memory is always declared so entrypoints that accept source bytes can
// exercise the host's guest-memory write path.
func buildGuestModule(entryName string, entryParamCount int) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x00asm")
	buf.Write([]byte{1, 0, 0, 0})

	allocType := funcType([]byte{i32}, []byte{i32})
	entryParams := make([]byte, entryParamCount)
	for i := range entryParams {
		entryParams[i] = i32
	}
	entryType := funcType(entryParams, nil)

	var typeContent bytes.Buffer
	typeContent.Write(uleb128(2))
	typeContent.Write(allocType)
	typeContent.Write(entryType)
	buf.Write(wasmSection(1, typeContent.Bytes()))

	funcContent := append(uleb128(2), 0x00, 0x01)
	buf.Write(wasmSection(3, funcContent))

	memContent := append(uleb128(1), 0x00)
	memContent = append(memContent, uleb128(1)...)
	buf.Write(wasmSection(5, memContent))

	var exportContent bytes.Buffer
	exportContent.Write(uleb128(2))
	exportContent.Write(wasmName("alloc"))
	exportContent.WriteByte(0x00)
	exportContent.Write(uleb128(0))
	exportContent.Write(wasmName(entryName))
	exportContent.WriteByte(0x00)
	exportContent.Write(uleb128(1))
	buf.Write(wasmSection(7, exportContent.Bytes()))

	allocBody := []byte{0x00, 0x41, 0x00, 0x0b} // no locals; i32.const 0; end
	entryBody := []byte{0x00, 0x0b}             // no locals; end

	var codeContent bytes.Buffer
	codeContent.Write(uleb128(2))
	codeContent.Write(uleb128(uint32(len(allocBody))))
	codeContent.Write(allocBody)
	codeContent.Write(uleb128(uint32(len(entryBody))))
	codeContent.Write(entryBody)
	buf.Write(wasmSection(10, codeContent.Bytes()))

	return buf.Bytes()
}
