package loader

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
)

// wasmMagic is the four-byte WebAssembly binary format header, `\0asm`.
var wasmMagic = [4]byte{0x00, 0x61, 0x73, 0x6d}

// ErrInvalidFileType is returned by Discover when a candidate file's first
// four bytes do not match the WebAssembly magic number.
var ErrInvalidFileType = errors.New("loader: invalid file type, not a wasm module")

// Artifact is one discovered module artifact on disk: its compiled name
// (derived from the file name without extension) and raw bytes.
type Artifact struct {
	Name  string
	Path  string
	Bytes []byte
}

// Discover walks dir (non-recursively — module artifacts are not expected
// to nest) and returns every ".wasm" file whose magic bytes validate,
// sorted by name for deterministic load order. A file with a ".wasm"
// extension whose magic bytes don't match is a hard error: a directory of
// module artifacts should not silently skip a corrupt file.
func Discover(dir string) ([]Artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".wasm" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	artifacts := make([]Artifact, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := validateMagic(data); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, Artifact{
			Name:  name[:len(name)-len(".wasm")],
			Path:  path,
			Bytes: data,
		})
	}
	return artifacts, nil
}

func validateMagic(data []byte) error {
	if len(data) < 4 {
		return ErrInvalidFileType
	}
	var got [4]byte
	copy(got[:], data[:4])
	if got != wasmMagic {
		return ErrInvalidFileType
	}
	return nil
}
