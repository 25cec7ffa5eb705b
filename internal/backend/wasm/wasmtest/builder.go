// Package wasmtest assembles small WebAssembly binaries for tests, so guest
// fixtures need no external toolchain.
package wasmtest

import "sort"

// Value types.
const (
	I32 byte = 0x7f
	I64 byte = 0x7e
)

// Export kinds.
const (
	ExportFunc   byte = 0x00
	ExportMemory byte = 0x02
)

// Opcodes used by fixtures.
const (
	OpUnreachable byte = 0x00
	OpLoop        byte = 0x03
	OpBr          byte = 0x0c
	OpEnd         byte = 0x0b
	OpCall        byte = 0x10
	OpDrop        byte = 0x1a
	OpLocalGet    byte = 0x20
	OpI32Const    byte = 0x41
	OpI64Const    byte = 0x42
	BlockEmpty    byte = 0x40
)

// AllocPtr is where the fixture alloc export places every buffer.
const AllocPtr = 65536

type funcType struct {
	params  []byte
	results []byte
}

type funcImport struct {
	module, field string
	typeIdx       uint32
}

type function struct {
	typeIdx uint32
	body    []byte
}

type export struct {
	name string
	kind byte
	idx  uint32
}

type segment struct {
	offset uint32
	data   []byte
}

// Builder accumulates module sections. Imports must be added before
// functions so indices stay stable.
type Builder struct {
	MemoryPages uint32

	types   []funcType
	imports []funcImport
	funcs   []function
	exports []export
	data    []segment
}

// AddType registers a function signature.
func (b *Builder) AddType(params, results []byte) uint32 {
	b.types = append(b.types, funcType{params: params, results: results})
	return uint32(len(b.types) - 1)
}

// ImportFunc declares an imported function and returns its function index.
func (b *Builder) ImportFunc(module, field string, typeIdx uint32) uint32 {
	b.imports = append(b.imports, funcImport{module: module, field: field, typeIdx: typeIdx})
	return uint32(len(b.imports) - 1)
}

// AddFunc defines a function with no locals. The trailing end is implicit.
func (b *Builder) AddFunc(typeIdx uint32, body ...byte) uint32 {
	b.funcs = append(b.funcs, function{typeIdx: typeIdx, body: body})
	return uint32(len(b.imports) + len(b.funcs) - 1)
}

// Export exposes a function or memory.
func (b *Builder) Export(name string, kind byte, idx uint32) {
	b.exports = append(b.exports, export{name: name, kind: kind, idx: idx})
}

// AddData places bytes in memory 0 at offset.
func (b *Builder) AddData(offset uint32, data []byte) {
	b.data = append(b.data, segment{offset: offset, data: data})
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	types := ULEB(uint64(len(b.types)))
	for _, t := range b.types {
		types = append(types, 0x60)
		types = append(types, vec(t.params)...)
		types = append(types, vec(t.results)...)
	}
	out = append(out, section(1, types)...)

	if len(b.imports) > 0 {
		imports := ULEB(uint64(len(b.imports)))
		for _, imp := range b.imports {
			imports = append(imports, str(imp.module)...)
			imports = append(imports, str(imp.field)...)
			imports = append(imports, 0x00)
			imports = append(imports, ULEB(uint64(imp.typeIdx))...)
		}
		out = append(out, section(2, imports)...)
	}

	funcs := ULEB(uint64(len(b.funcs)))
	for _, f := range b.funcs {
		funcs = append(funcs, ULEB(uint64(f.typeIdx))...)
	}
	out = append(out, section(3, funcs)...)

	mem := append([]byte{0x01, 0x00}, ULEB(uint64(b.MemoryPages))...)
	out = append(out, section(5, mem)...)

	exports := ULEB(uint64(len(b.exports)))
	for _, e := range b.exports {
		exports = append(exports, str(e.name)...)
		exports = append(exports, e.kind)
		exports = append(exports, ULEB(uint64(e.idx))...)
	}
	out = append(out, section(7, exports)...)

	code := ULEB(uint64(len(b.funcs)))
	for _, f := range b.funcs {
		body := append([]byte{0x00}, f.body...)
		body = append(body, OpEnd)
		code = append(code, ULEB(uint64(len(body)))...)
		code = append(code, body...)
	}
	out = append(out, section(10, code)...)

	if len(b.data) > 0 {
		data := ULEB(uint64(len(b.data)))
		for _, d := range b.data {
			data = append(data, 0x00)
			data = append(data, I32Const(int32(d.offset))...)
			data = append(data, OpEnd)
			data = append(data, ULEB(uint64(len(d.data)))...)
			data = append(data, d.data...)
		}
		out = append(out, section(11, data)...)
	}
	return out
}

// Static builds a guest whose operation exports each return a fixed JSON
// response. Responses are laid out from offset 4096, each 4 KiB aligned.
func Static(responses map[string]string) []byte {
	b := &Builder{MemoryPages: 2}
	allocType := b.AddType([]byte{I32}, []byte{I32})
	opType := b.AddType([]byte{I32, I32}, []byte{I64})
	b.Export("memory", ExportMemory, 0)
	b.Export("alloc", ExportFunc, b.AddFunc(allocType, I32Const(AllocPtr)...))

	names := make([]string, 0, len(responses))
	for name := range responses {
		names = append(names, name)
	}
	sort.Strings(names)
	offset := uint32(4096)
	for _, name := range names {
		body := []byte(responses[name])
		if offset+uint32(len(body)) > AllocPtr {
			panic("wasmtest: static responses overflow the data area")
		}
		b.AddData(offset, body)
		b.Export(name, ExportFunc, b.AddFunc(opType, I64Const(Pack(offset, uint32(len(body))))...))
		offset += (uint32(len(body))/4096 + 1) * 4096
	}
	return b.Bytes()
}

// Pack encodes ptr<<32|len as the signed constant an export returns.
func Pack(ptr, size uint32) int64 { return int64(uint64(ptr)<<32 | uint64(size)) }

// I32Const encodes i32.const v.
func I32Const(v int32) []byte { return append([]byte{OpI32Const}, SLEB(int64(v))...) }

// I64Const encodes i64.const v.
func I64Const(v int64) []byte { return append([]byte{OpI64Const}, SLEB(v)...) }

// Call encodes call idx.
func Call(idx uint32) []byte { return append([]byte{OpCall}, ULEB(uint64(idx))...) }

// LocalGet encodes local.get idx.
func LocalGet(idx uint32) []byte { return append([]byte{OpLocalGet}, ULEB(uint64(idx))...) }

// Concat joins instruction fragments.
func Concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// ULEB encodes an unsigned LEB128 integer.
func ULEB(v uint64) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		out = append(out, c)
		if v == 0 {
			return out
		}
	}
}

// SLEB encodes a signed LEB128 integer.
func SLEB(v int64) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		out = append(out, c)
		if done {
			return out
		}
	}
}

func section(id byte, payload []byte) []byte {
	return append(append([]byte{id}, ULEB(uint64(len(payload)))...), payload...)
}

func vec(items []byte) []byte { return append(ULEB(uint64(len(items))), items...) }

func str(s string) []byte { return append(ULEB(uint64(len(s))), s...) }
