// Package ecma335 describes the physical layout of CLI metadata tables
// (ECMA-335 partition II, section 22-24) well enough to size every row and
// read or write individual columns.
package ecma335

import "encoding/binary"

// Table identifiers.
const (
	TableModule                 = 0x00
	TableTypeRef                = 0x01
	TableTypeDef                = 0x02
	TableFieldPtr               = 0x03
	TableField                  = 0x04
	TableMethodPtr              = 0x05
	TableMethodDef              = 0x06
	TableParamPtr               = 0x07
	TableParam                  = 0x08
	TableInterfaceImpl          = 0x09
	TableMemberRef              = 0x0A
	TableConstant               = 0x0B
	TableCustomAttribute        = 0x0C
	TableFieldMarshal           = 0x0D
	TableDeclSecurity           = 0x0E
	TableClassLayout            = 0x0F
	TableFieldLayout            = 0x10
	TableStandAloneSig          = 0x11
	TableEventMap               = 0x12
	TableEventPtr               = 0x13
	TableEvent                  = 0x14
	TablePropertyMap            = 0x15
	TablePropertyPtr            = 0x16
	TableProperty               = 0x17
	TableMethodSemantics        = 0x18
	TableMethodImpl             = 0x19
	TableModuleRef              = 0x1A
	TableTypeSpec               = 0x1B
	TableImplMap                = 0x1C
	TableFieldRVA               = 0x1D
	TableENCLog                 = 0x1E
	TableENCMap                 = 0x1F
	TableAssembly               = 0x20
	TableAssemblyProcessor      = 0x21
	TableAssemblyOS             = 0x22
	TableAssemblyRef            = 0x23
	TableAssemblyRefProcessor   = 0x24
	TableAssemblyRefOS          = 0x25
	TableFile                   = 0x26
	TableExportedType           = 0x27
	TableManifestResource       = 0x28
	TableNestedClass            = 0x29
	TableGenericParam           = 0x2A
	TableMethodSpec             = 0x2B
	TableGenericParamConstraint = 0x2C

	NumTables = 64
)

// HeapSizes bits in the tables stream header.
const (
	HeapStringsWide = 0x01
	HeapGUIDWide    = 0x02
	HeapBlobWide    = 0x04
	HeapExtraData   = 0x40
)

// ColumnKind identifies how a column is encoded.
type ColumnKind uint8

const (
	ColU16 ColumnKind = iota
	ColU32
	ColString
	ColGUID
	ColBlob
	ColTable
	ColCoded
)

// Column is one column of a table.
type Column struct {
	Kind  ColumnKind
	Table int    // target table for ColTable
	Coded *Coded // coded index description for ColCoded
}

// Coded is a coded index: a tag selects one of Tables, -1 marks an unused tag.
type Coded struct {
	Bits   uint
	Tables []int
}

var (
	TypeDefOrRef        = &Coded{2, []int{TableTypeDef, TableTypeRef, TableTypeSpec}}
	HasConstant         = &Coded{2, []int{TableField, TableParam, TableProperty}}
	HasFieldMarshal     = &Coded{1, []int{TableField, TableParam}}
	HasDeclSecurity     = &Coded{2, []int{TableTypeDef, TableMethodDef, TableAssembly}}
	MemberRefParent     = &Coded{3, []int{TableTypeDef, TableTypeRef, TableModuleRef, TableMethodDef, TableTypeSpec}}
	HasSemantics        = &Coded{1, []int{TableEvent, TableProperty}}
	MethodDefOrRef      = &Coded{1, []int{TableMethodDef, TableMemberRef}}
	MemberForwarded     = &Coded{1, []int{TableField, TableMethodDef}}
	Implementation      = &Coded{2, []int{TableFile, TableAssemblyRef, TableExportedType}}
	CustomAttributeType = &Coded{3, []int{-1, -1, TableMethodDef, TableMemberRef, -1}}
	ResolutionScope     = &Coded{2, []int{TableModule, TableModuleRef, TableAssemblyRef, TableTypeRef}}
	TypeOrMethodDef     = &Coded{1, []int{TableTypeDef, TableMethodDef}}
	HasCustomAttribute  = &Coded{5, []int{
		TableMethodDef, TableField, TableTypeRef, TableTypeDef, TableParam,
		TableInterfaceImpl, TableMemberRef, TableModule, TableDeclSecurity, TableProperty,
		TableEvent, TableStandAloneSig, TableModuleRef, TableTypeSpec, TableAssembly,
		TableAssemblyRef, TableFile, TableExportedType, TableManifestResource,
		TableGenericParam, TableGenericParamConstraint, TableMethodSpec,
	}}
)

func u16() Column { return Column{Kind: ColU16} }
func u32() Column { return Column{Kind: ColU32} }
func str() Column { return Column{Kind: ColString} }
func guid() Column { return Column{Kind: ColGUID} }
func blob() Column { return Column{Kind: ColBlob} }
func idx(t int) Column { return Column{Kind: ColTable, Table: t} }
func coded(c *Coded) Column { return Column{Kind: ColCoded, Coded: c} }
func cols(c ...Column) []Column { return c }

// Schema lists the columns of every defined table.
var Schema = [NumTables][]Column{
	TableModule:                 cols(u16(), str(), guid(), guid(), guid()),
	TableTypeRef:                cols(coded(ResolutionScope), str(), str()),
	TableTypeDef:                cols(u32(), str(), str(), coded(TypeDefOrRef), idx(TableField), idx(TableMethodDef)),
	TableFieldPtr:               cols(idx(TableField)),
	TableField:                  cols(u16(), str(), blob()),
	TableMethodPtr:              cols(idx(TableMethodDef)),
	TableMethodDef:              cols(u32(), u16(), u16(), str(), blob(), idx(TableParam)),
	TableParamPtr:               cols(idx(TableParam)),
	TableParam:                  cols(u16(), u16(), str()),
	TableInterfaceImpl:          cols(idx(TableTypeDef), coded(TypeDefOrRef)),
	TableMemberRef:              cols(coded(MemberRefParent), str(), blob()),
	TableConstant:               cols(u16(), coded(HasConstant), blob()),
	TableCustomAttribute:        cols(coded(HasCustomAttribute), coded(CustomAttributeType), blob()),
	TableFieldMarshal:           cols(coded(HasFieldMarshal), blob()),
	TableDeclSecurity:           cols(u16(), coded(HasDeclSecurity), blob()),
	TableClassLayout:            cols(u16(), u32(), idx(TableTypeDef)),
	TableFieldLayout:            cols(u32(), idx(TableField)),
	TableStandAloneSig:          cols(blob()),
	TableEventMap:               cols(idx(TableTypeDef), idx(TableEvent)),
	TableEventPtr:               cols(idx(TableEvent)),
	TableEvent:                  cols(u16(), str(), coded(TypeDefOrRef)),
	TablePropertyMap:            cols(idx(TableTypeDef), idx(TableProperty)),
	TablePropertyPtr:            cols(idx(TableProperty)),
	TableProperty:               cols(u16(), str(), blob()),
	TableMethodSemantics:        cols(u16(), idx(TableMethodDef), coded(HasSemantics)),
	TableMethodImpl:             cols(idx(TableTypeDef), coded(MethodDefOrRef), coded(MethodDefOrRef)),
	TableModuleRef:              cols(str()),
	TableTypeSpec:               cols(blob()),
	TableImplMap:                cols(u16(), coded(MemberForwarded), str(), idx(TableModuleRef)),
	TableFieldRVA:               cols(u32(), idx(TableField)),
	TableENCLog:                 cols(u32(), u32()),
	TableENCMap:                 cols(u32()),
	TableAssembly:               cols(u32(), u16(), u16(), u16(), u16(), u32(), blob(), str(), str()),
	TableAssemblyProcessor:      cols(u32()),
	TableAssemblyOS:             cols(u32(), u32(), u32()),
	TableAssemblyRef:            cols(u16(), u16(), u16(), u16(), u32(), blob(), str(), str(), blob()),
	TableAssemblyRefProcessor:   cols(u32(), idx(TableAssemblyRef)),
	TableAssemblyRefOS:          cols(u32(), u32(), u32(), idx(TableAssemblyRef)),
	TableFile:                   cols(u32(), str(), blob()),
	TableExportedType:           cols(u32(), u32(), str(), str(), coded(Implementation)),
	TableManifestResource:       cols(u32(), u32(), str(), coded(Implementation)),
	TableNestedClass:            cols(idx(TableTypeDef), idx(TableTypeDef)),
	TableGenericParam:           cols(u16(), u16(), coded(TypeOrMethodDef), str()),
	TableMethodSpec:             cols(coded(MethodDefOrRef), blob()),
	TableGenericParamConstraint: cols(idx(TableGenericParam), coded(TypeDefOrRef)),
}

// Layout holds column widths and row sizes for a concrete tables stream.
type Layout struct {
	Rows    [NumTables]uint32
	widths  [NumTables][]int
	offsets [NumTables][]int
	RowSize [NumTables]int
}

// NewLayout computes column widths from heap size flags and row counts.
func NewLayout(heapSizes uint8, rows [NumTables]uint32) *Layout {
	l := &Layout{Rows: rows}
	heapWidth := func(flag uint8) int {
		if heapSizes&flag != 0 {
			return 4
		}
		return 2
	}
	for t, columns := range Schema {
		if columns == nil {
			continue
		}
		l.widths[t] = make([]int, len(columns))
		l.offsets[t] = make([]int, len(columns))
		off := 0
		for i, c := range columns {
			var w int
			switch c.Kind {
			case ColU16:
				w = 2
			case ColU32:
				w = 4
			case ColString:
				w = heapWidth(HeapStringsWide)
			case ColGUID:
				w = heapWidth(HeapGUIDWide)
			case ColBlob:
				w = heapWidth(HeapBlobWide)
			case ColTable:
				w = 2
				if rows[c.Table] > 0xFFFF {
					w = 4
				}
			case ColCoded:
				w = codedWidth(c.Coded, &rows)
			}
			l.widths[t][i] = w
			l.offsets[t][i] = off
			off += w
		}
		l.RowSize[t] = off
	}
	return l
}

func codedWidth(c *Coded, rows *[NumTables]uint32) int {
	var maxRows uint32
	for _, t := range c.Tables {
		if t >= 0 && rows[t] > maxRows {
			maxRows = rows[t]
		}
	}
	if maxRows < 1<<(16-c.Bits) {
		return 2
	}
	return 4
}

// Defined reports whether the schema knows table t.
func Defined(t int) bool {
	return t >= 0 && t < NumTables && Schema[t] != nil
}

// Read returns column col of a row slice for table t.
func (l *Layout) Read(t, col int, row []byte) uint32 {
	off := l.offsets[t][col]
	if l.widths[t][col] == 2 {
		return uint32(binary.LittleEndian.Uint16(row[off:]))
	}
	return binary.LittleEndian.Uint32(row[off:])
}

// Put writes column col of a row slice for table t.
func (l *Layout) Put(t, col int, row []byte, v uint32) {
	off := l.offsets[t][col]
	if l.widths[t][col] == 2 {
		binary.LittleEndian.PutUint16(row[off:], uint16(v))
		return
	}
	binary.LittleEndian.PutUint32(row[off:], v)
}

// TablesSize is the total byte size of all rows in the stream.
func (l *Layout) TablesSize() int {
	n := 0
	for t := range l.Rows {
		n += int(l.Rows[t]) * l.RowSize[t]
	}
	return n
}

// EncodeCoded packs a table/row pair into a coded index value.
func EncodeCoded(c *Coded, table int, rid uint32) (uint32, bool) {
	for tag, t := range c.Tables {
		if t == table {
			return rid<<c.Bits | uint32(tag), true
		}
	}
	return 0, false
}

// DecodeCoded splits a coded index value into table and row id.
func DecodeCoded(c *Coded, v uint32) (table int, rid uint32, ok bool) {
	tag := int(v & (1<<c.Bits - 1))
	if tag >= len(c.Tables) || c.Tables[tag] < 0 {
		return 0, 0, false
	}
	return c.Tables[tag], v >> c.Bits, true
}
