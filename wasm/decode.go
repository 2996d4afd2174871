package wasm

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Parsing errors returned by ParseModule.
var (
	ErrInvalidMagic   = errors.New("invalid wasm magic number")
	ErrInvalidVersion = errors.New("invalid wasm version")
)

// ParseModule parses a WebAssembly binary module covering the deterministic
// MVP subset. Unknown sections and post-MVP type encodings are rejected.
func ParseModule(data []byte) (*Module, error) {
	r := bytes.NewReader(data)

	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	if u32le(header[0:4]) != Magic {
		return nil, ErrInvalidMagic
	}
	if u32le(header[4:8]) != Version {
		return nil, ErrInvalidVersion
	}

	m := &Module{}

	// Track section ordering. WASM requires non-custom sections in canonical
	// order: Type, Import, Function, Table, Memory, Global, Export, Start,
	// Element, DataCount, Code, Data.
	var lastSectionOrder int

	for {
		sectionID, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("section header: %w", err)
		}

		if sectionID != SectionCustom {
			order := sectionOrder(sectionID)
			if order < 0 {
				return nil, fmt.Errorf("unknown section ID: 0x%02x", sectionID)
			}
			if order <= lastSectionOrder {
				return nil, fmt.Errorf("section %d appears out of order", sectionID)
			}
			lastSectionOrder = order
		}

		sectionSize, err := ReadLEB128u(r)
		if err != nil {
			return nil, fmt.Errorf("section size: %w", err)
		}
		if uint64(sectionSize) > uint64(r.Len()) {
			return nil, fmt.Errorf("section %d size %d exceeds remaining input", sectionID, sectionSize)
		}
		sectionData := make([]byte, sectionSize)
		if _, err := io.ReadFull(r, sectionData); err != nil {
			return nil, fmt.Errorf("section data: %w", err)
		}

		sr := bytes.NewReader(sectionData)

		switch sectionID {
		case SectionCustom:
			err = parseCustomSection(sr, m)
		case SectionType:
			err = parseTypeSection(sr, m)
		case SectionImport:
			err = parseImportSection(sr, m)
		case SectionFunction:
			err = parseFunctionSection(sr, m)
		case SectionTable:
			err = parseTableSection(sr, m)
		case SectionMemory:
			err = parseMemorySection(sr, m)
		case SectionGlobal:
			err = parseGlobalSection(sr, m)
		case SectionExport:
			err = parseExportSection(sr, m)
		case SectionStart:
			err = parseStartSection(sr, m)
		case SectionElement:
			err = parseElementSection(sr, m)
		case SectionCode:
			err = parseCodeSection(sr, m)
		case SectionData:
			err = parseDataSection(sr, m)
		case SectionDataCount:
			err = parseDataCountSection(sr, m)
		}
		if err != nil {
			return nil, fmt.Errorf("%s section: %w", sectionName(sectionID), err)
		}
		if sr.Len() != 0 {
			return nil, fmt.Errorf("%s section: %d trailing bytes", sectionName(sectionID), sr.Len())
		}
	}

	return m, nil
}

func sectionOrder(id byte) int {
	switch id {
	case SectionType:
		return 1
	case SectionImport:
		return 2
	case SectionFunction:
		return 3
	case SectionTable:
		return 4
	case SectionMemory:
		return 5
	case SectionGlobal:
		return 6
	case SectionExport:
		return 7
	case SectionStart:
		return 8
	case SectionElement:
		return 9
	case SectionDataCount:
		return 10 // DataCount must come before Code
	case SectionCode:
		return 11
	case SectionData:
		return 12
	default:
		return -1
	}
}

func sectionName(id byte) string {
	switch id {
	case SectionCustom:
		return "custom"
	case SectionType:
		return "type"
	case SectionImport:
		return "import"
	case SectionFunction:
		return "function"
	case SectionTable:
		return "table"
	case SectionMemory:
		return "memory"
	case SectionGlobal:
		return "global"
	case SectionExport:
		return "export"
	case SectionStart:
		return "start"
	case SectionElement:
		return "element"
	case SectionCode:
		return "code"
	case SectionData:
		return "data"
	case SectionDataCount:
		return "data count"
	}
	return "unknown"
}

func u32le(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// readCount reads a vector count and bounds it against the bytes remaining
// in the section. Every vector element occupies at least one byte, so a
// count larger than the remaining input is malformed. This keeps parser
// allocations proportional to the raw input size.
func readCount(r *bytes.Reader) (uint32, error) {
	count, err := ReadLEB128u(r)
	if err != nil {
		return 0, err
	}
	if uint64(count) > uint64(r.Len()) {
		return 0, fmt.Errorf("vector count %d exceeds remaining input", count)
	}
	return count, nil
}

func readName(r *bytes.Reader) (string, error) {
	length, err := readCount(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readValType(r *bytes.Reader) (ValType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if !IsValType(b) {
		return 0, fmt.Errorf("unsupported value type 0x%02x", b)
	}
	return ValType(b), nil
}

func readLimits(r *bytes.Reader) (Limits, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return Limits{}, err
	}
	if flags&LimitsShared != 0 {
		return Limits{}, errors.New("shared memories are not supported")
	}
	if flags&^(LimitsHasMax) != 0 {
		return Limits{}, fmt.Errorf("unsupported limits flags 0x%02x", flags)
	}
	var l Limits
	l.Min, err = ReadLEB128u(r)
	if err != nil {
		return Limits{}, err
	}
	if flags&LimitsHasMax != 0 {
		max, err := ReadLEB128u(r)
		if err != nil {
			return Limits{}, err
		}
		l.Max = &max
	}
	return l, nil
}

// readInitExpr reads a constant expression including its end opcode and
// returns the raw bytes. Only the instruction forms legal in constant
// expressions are accepted.
func readInitExpr(r *bytes.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		op, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		buf.WriteByte(op)
		switch op {
		case OpEnd:
			return buf.Bytes(), nil
		case OpI32Const:
			v, err := ReadLEB128s(r)
			if err != nil {
				return nil, err
			}
			WriteLEB128s(&buf, v)
		case OpI64Const:
			v, err := ReadLEB128s64(r)
			if err != nil {
				return nil, err
			}
			WriteLEB128s64(&buf, v)
		case OpF32Const:
			v, err := ReadFloat32(r)
			if err != nil {
				return nil, err
			}
			WriteFloat32(&buf, v)
		case OpF64Const:
			v, err := ReadFloat64(r)
			if err != nil {
				return nil, err
			}
			WriteFloat64(&buf, v)
		case OpGlobalGet, OpRefFunc:
			idx, err := ReadLEB128u(r)
			if err != nil {
				return nil, err
			}
			WriteLEB128u(&buf, idx)
		case OpRefNull:
			ht, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			buf.WriteByte(ht)
		default:
			return nil, fmt.Errorf("opcode 0x%02x is not constant", op)
		}
	}
}

func parseCustomSection(r *bytes.Reader, m *Module) error {
	name, err := readName(r)
	if err != nil {
		return err
	}
	rest := make([]byte, r.Len())
	if _, err := io.ReadFull(r, rest); err != nil {
		return err
	}
	m.CustomSections = append(m.CustomSections, CustomSection{Name: name, Data: rest})
	return nil
}

func parseTypeSection(r *bytes.Reader, m *Module) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	m.Types = make([]FuncType, 0, count)
	for i := uint32(0); i < count; i++ {
		form, err := r.ReadByte()
		if err != nil {
			return err
		}
		if form != FuncTypeByte {
			return fmt.Errorf("type %d: unsupported type form 0x%02x", i, form)
		}
		var ft FuncType
		nparams, err := readCount(r)
		if err != nil {
			return err
		}
		ft.Params = make([]ValType, nparams)
		for j := range ft.Params {
			if ft.Params[j], err = readValType(r); err != nil {
				return fmt.Errorf("type %d param %d: %w", i, j, err)
			}
		}
		nresults, err := readCount(r)
		if err != nil {
			return err
		}
		ft.Results = make([]ValType, nresults)
		for j := range ft.Results {
			if ft.Results[j], err = readValType(r); err != nil {
				return fmt.Errorf("type %d result %d: %w", i, j, err)
			}
		}
		m.Types = append(m.Types, ft)
	}
	return nil
}

func parseImportSection(r *bytes.Reader, m *Module) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	m.Imports = make([]Import, 0, count)
	for i := uint32(0); i < count; i++ {
		var imp Import
		if imp.Module, err = readName(r); err != nil {
			return err
		}
		if imp.Name, err = readName(r); err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		imp.Desc.Kind = kind
		switch kind {
		case KindFunc:
			if imp.Desc.TypeIdx, err = ReadLEB128u(r); err != nil {
				return err
			}
		case KindTable:
			tt, err := readTableType(r)
			if err != nil {
				return err
			}
			imp.Desc.Table = &tt
		case KindMemory:
			limits, err := readLimits(r)
			if err != nil {
				return err
			}
			imp.Desc.Memory = &MemoryType{Limits: limits}
		case KindGlobal:
			gt, err := readGlobalType(r)
			if err != nil {
				return err
			}
			imp.Desc.Global = &gt
		default:
			return fmt.Errorf("import %d: unknown kind 0x%02x", i, kind)
		}
		m.Imports = append(m.Imports, imp)
	}
	return nil
}

func readTableType(r *bytes.Reader) (TableType, error) {
	elemType, err := r.ReadByte()
	if err != nil {
		return TableType{}, err
	}
	if elemType != byte(ValFuncRef) && elemType != byte(ValExtern) {
		return TableType{}, fmt.Errorf("unsupported table element type 0x%02x", elemType)
	}
	limits, err := readLimits(r)
	if err != nil {
		return TableType{}, err
	}
	return TableType{ElemType: elemType, Limits: limits}, nil
}

func readGlobalType(r *bytes.Reader) (GlobalType, error) {
	vt, err := readValType(r)
	if err != nil {
		return GlobalType{}, err
	}
	mut, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	if mut > 1 {
		return GlobalType{}, fmt.Errorf("invalid mutability flag 0x%02x", mut)
	}
	return GlobalType{ValType: vt, Mutable: mut == 1}, nil
}

func parseFunctionSection(r *bytes.Reader, m *Module) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	m.Funcs = make([]uint32, count)
	for i := range m.Funcs {
		if m.Funcs[i], err = ReadLEB128u(r); err != nil {
			return err
		}
	}
	return nil
}

func parseTableSection(r *bytes.Reader, m *Module) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	m.Tables = make([]TableType, count)
	for i := range m.Tables {
		if m.Tables[i], err = readTableType(r); err != nil {
			return err
		}
	}
	return nil
}

func parseMemorySection(r *bytes.Reader, m *Module) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	m.Memories = make([]MemoryType, count)
	for i := range m.Memories {
		limits, err := readLimits(r)
		if err != nil {
			return err
		}
		m.Memories[i] = MemoryType{Limits: limits}
	}
	return nil
}

func parseGlobalSection(r *bytes.Reader, m *Module) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	m.Globals = make([]Global, 0, count)
	for i := uint32(0); i < count; i++ {
		gt, err := readGlobalType(r)
		if err != nil {
			return err
		}
		init, err := readInitExpr(r)
		if err != nil {
			return fmt.Errorf("global %d init: %w", i, err)
		}
		m.Globals = append(m.Globals, Global{Type: gt, Init: init})
	}
	return nil
}

func parseExportSection(r *bytes.Reader, m *Module) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	m.Exports = make([]Export, 0, count)
	for i := uint32(0); i < count; i++ {
		var exp Export
		if exp.Name, err = readName(r); err != nil {
			return err
		}
		if exp.Kind, err = r.ReadByte(); err != nil {
			return err
		}
		if exp.Kind > KindGlobal {
			return fmt.Errorf("export %d: unknown kind 0x%02x", i, exp.Kind)
		}
		if exp.Idx, err = ReadLEB128u(r); err != nil {
			return err
		}
		m.Exports = append(m.Exports, exp)
	}
	return nil
}

func parseStartSection(r *bytes.Reader, m *Module) error {
	idx, err := ReadLEB128u(r)
	if err != nil {
		return err
	}
	m.Start = &idx
	return nil
}

func parseElementSection(r *bytes.Reader, m *Module) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	m.Elements = make([]Element, 0, count)
	for i := uint32(0); i < count; i++ {
		flags, err := ReadLEB128u(r)
		if err != nil {
			return err
		}
		if flags > 3 {
			return fmt.Errorf("element %d: unsupported segment flags %d", i, flags)
		}
		elem := Element{Flags: flags}

		if flags == 2 {
			if elem.TableIdx, err = ReadLEB128u(r); err != nil {
				return err
			}
		}
		if flags == 0 || flags == 2 {
			if elem.Offset, err = readInitExpr(r); err != nil {
				return fmt.Errorf("element %d offset: %w", i, err)
			}
		}
		if flags != 0 {
			if elem.ElemKind, err = r.ReadByte(); err != nil {
				return err
			}
			if elem.ElemKind != 0 {
				return fmt.Errorf("element %d: unsupported elem kind 0x%02x", i, elem.ElemKind)
			}
		}
		n, err := readCount(r)
		if err != nil {
			return err
		}
		elem.FuncIdxs = make([]uint32, n)
		for j := range elem.FuncIdxs {
			if elem.FuncIdxs[j], err = ReadLEB128u(r); err != nil {
				return err
			}
		}
		m.Elements = append(m.Elements, elem)
	}
	return nil
}

func parseCodeSection(r *bytes.Reader, m *Module) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	m.Code = make([]FuncBody, 0, count)
	for i := uint32(0); i < count; i++ {
		bodySize, err := ReadLEB128u(r)
		if err != nil {
			return err
		}
		if uint64(bodySize) > uint64(r.Len()) {
			return fmt.Errorf("function %d: body size %d exceeds remaining input", i, bodySize)
		}
		body := make([]byte, bodySize)
		if _, err := io.ReadFull(r, body); err != nil {
			return err
		}

		br := bytes.NewReader(body)
		nlocals, err := readCount(br)
		if err != nil {
			return err
		}
		fb := FuncBody{Locals: make([]LocalEntry, 0, nlocals)}
		for j := uint32(0); j < nlocals; j++ {
			cnt, err := ReadLEB128u(br)
			if err != nil {
				return err
			}
			vt, err := readValType(br)
			if err != nil {
				return fmt.Errorf("function %d locals: %w", i, err)
			}
			fb.Locals = append(fb.Locals, LocalEntry{Count: cnt, ValType: vt})
		}
		code := make([]byte, br.Len())
		if _, err := io.ReadFull(br, code); err != nil {
			return err
		}
		if len(code) == 0 || code[len(code)-1] != OpEnd {
			return fmt.Errorf("function %d: body does not end with end opcode", i)
		}
		fb.Code = code
		m.Code = append(m.Code, fb)
	}
	return nil
}

func parseDataSection(r *bytes.Reader, m *Module) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	m.Data = make([]DataSegment, 0, count)
	for i := uint32(0); i < count; i++ {
		flags, err := ReadLEB128u(r)
		if err != nil {
			return err
		}
		if flags > 2 {
			return fmt.Errorf("data %d: unsupported segment flags %d", i, flags)
		}
		seg := DataSegment{Flags: flags}
		if flags == 2 {
			if seg.MemIdx, err = ReadLEB128u(r); err != nil {
				return err
			}
		}
		if flags != 1 {
			if seg.Offset, err = readInitExpr(r); err != nil {
				return fmt.Errorf("data %d offset: %w", i, err)
			}
		}
		length, err := readCount(r)
		if err != nil {
			return err
		}
		seg.Init = make([]byte, length)
		if _, err := io.ReadFull(r, seg.Init); err != nil {
			return err
		}
		m.Data = append(m.Data, seg)
	}
	return nil
}

func parseDataCountSection(r *bytes.Reader, m *Module) error {
	count, err := ReadLEB128u(r)
	if err != nil {
		return err
	}
	m.DataCount = &count
	return nil
}
