package metadata

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/wippyai/peloader/errors"
	"github.com/wippyai/peloader/internal/ecma335"
)

// Scope is the in-memory metadata model behind both Import and Emit.
// Reads take a shared lock so an Emit can be written while other goroutines
// hold the same scope as an Import.
type Scope struct {
	assembly       *AssemblyProps
	runtimeVersion string
	moduleName     string
	assemblyRefs   []AssemblyRef
	files          []FileEntry
	resources      []ManifestResource
	rowCounts      [ecma335.NumTables]uint32
	mu             sync.RWMutex
	refs           atomic.Int32
	mvid           uuid.UUID
	writable       bool
}

var (
	_ Import = (*Scope)(nil)
	_ Emit   = (*Scope)(nil)
)

// NewScope creates an empty writable scope holding one reference.
func NewScope(runtimeVersion string) *Scope {
	s := &Scope{
		runtimeVersion: runtimeVersion,
		mvid:           uuid.New(),
		writable:       true,
	}
	s.refs.Store(1)
	return s
}

func (s *Scope) AddRef() int32 {
	return s.refs.Add(1)
}

func (s *Scope) Release() int32 {
	n := s.refs.Add(-1)
	if n < 0 {
		panic(errors.Released("metadata scope"))
	}
	return n
}

// RefCount returns the current number of references.
func (s *Scope) RefCount() int32 {
	return s.refs.Load()
}

func (s *Scope) Writable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writable
}

func (s *Scope) RuntimeVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runtimeVersion
}

func (s *Scope) ModuleName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.moduleName
}

func (s *Scope) MVID() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mvid
}

func (s *Scope) Assembly() (AssemblyProps, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.assembly == nil {
		return AssemblyProps{}, false
	}
	return *s.assembly, true
}

func (s *Scope) AssemblyRefs() []AssemblyRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AssemblyRef, len(s.assemblyRefs))
	copy(out, s.assemblyRefs)
	return out
}

func (s *Scope) AssemblyRef(tok Token) (AssemblyRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tok.Table() != ecma335.TableAssemblyRef || tok.IsNil() || int(tok.RID()) > len(s.assemblyRefs) {
		return AssemblyRef{}, errors.NotFound(errors.PhaseMetadata, "assembly ref", tok.String())
	}
	return s.assemblyRefs[tok.RID()-1], nil
}

func (s *Scope) Files() []FileEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FileEntry, len(s.files))
	copy(out, s.files)
	return out
}

func (s *Scope) File(tok Token) (FileEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tok.Table() != ecma335.TableFile || tok.IsNil() || int(tok.RID()) > len(s.files) {
		return FileEntry{}, errors.NotFound(errors.PhaseMetadata, "file", tok.String())
	}
	return s.files[tok.RID()-1], nil
}

// FindFile matches file names case-insensitively, as the loader does on disk.
func (s *Scope) FindFile(name string) (FileEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.files {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return FileEntry{}, false
}

func (s *Scope) ManifestResources() []ManifestResource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ManifestResource, len(s.resources))
	copy(out, s.resources)
	return out
}

func (s *Scope) FindManifestResource(name string) (ManifestResource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.resources {
		if r.Name == name {
			return r, true
		}
	}
	return ManifestResource{}, false
}

func (s *Scope) RowCount(table int) uint32 {
	if table < 0 || table >= ecma335.NumTables {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rowCounts[table]
}

func (s *Scope) SetAssembly(props AssemblyProps) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.writable {
		return errors.Unsupported(errors.PhaseMetadata, "scope is read-only")
	}
	if props.Name == "" {
		return errors.InvalidInput(errors.PhaseMetadata, "assembly name is empty")
	}
	p := props
	p.PublicKey = append([]byte(nil), props.PublicKey...)
	if len(p.PublicKey) > 0 {
		p.Flags |= AssemblyFlagPublicKey
	}
	s.assembly = &p
	s.rowCounts[ecma335.TableAssembly] = 1
	return nil
}

func (s *Scope) DefineAssemblyRef(ref AssemblyRef) Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assemblyRefs = append(s.assemblyRefs, ref)
	tok := MakeToken(ecma335.TableAssemblyRef, uint32(len(s.assemblyRefs)))
	s.assemblyRefs[len(s.assemblyRefs)-1].Token = tok
	s.rowCounts[ecma335.TableAssemblyRef]++
	return tok
}

func (s *Scope) DefineFile(f FileEntry) Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = append(s.files, f)
	tok := MakeToken(ecma335.TableFile, uint32(len(s.files)))
	s.files[len(s.files)-1].Token = tok
	s.rowCounts[ecma335.TableFile]++
	return tok
}

func (s *Scope) DefineManifestResource(r ManifestResource) Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources = append(s.resources, r)
	tok := MakeToken(ecma335.TableManifestResource, uint32(len(s.resources)))
	s.resources[len(s.resources)-1].Token = tok
	s.rowCounts[ecma335.TableManifestResource]++
	return tok
}

func (s *Scope) SetModuleName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moduleName = name
	if s.rowCounts[ecma335.TableModule] == 0 {
		s.rowCounts[ecma335.TableModule] = 1
	}
}

func (s *Scope) SetMVID(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mvid = id
}

// clone copies every row into a new scope with a single reference.
func (s *Scope) clone(writable bool) *Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := &Scope{
		runtimeVersion: s.runtimeVersion,
		moduleName:     s.moduleName,
		mvid:           s.mvid,
		rowCounts:      s.rowCounts,
		assemblyRefs:   append([]AssemblyRef(nil), s.assemblyRefs...),
		files:          append([]FileEntry(nil), s.files...),
		resources:      append([]ManifestResource(nil), s.resources...),
		writable:       writable,
	}
	if s.assembly != nil {
		a := *s.assembly
		c.assembly = &a
	}
	c.refs.Store(1)
	return c
}
