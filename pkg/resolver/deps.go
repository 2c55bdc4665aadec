package resolver

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"idlemesh/pkg/store"
)

// Lockfile schemas. Flat sets are keyed by package name; nested sets are
// keyed by install path ("node_modules/a/node_modules/b").
const (
	SchemaFlat   = 1
	SchemaNested = 2
)

const modulesDir = "node_modules"

type Dependency struct {
	Name     string            `json:"name"`
	Version  string            `json:"version"`
	Path     string            `json:"path,omitempty"`
	Requires map[string]string `json:"requires,omitempty"`
}

// InstallPath is where the package lives relative to the project root.
func (d Dependency) InstallPath() string {
	if d.Path != "" {
		return d.Path
	}
	return modulesDir + "/" + d.Name
}

type DependencySet struct {
	Schema  int                   `json:"schema"`
	Entries map[string]Dependency `json:"entries"`
}

func NewSet(schema int) *DependencySet {
	return &DependencySet{Schema: schema, Entries: map[string]Dependency{}}
}

func (s *DependencySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Entries)
}

func (s *DependencySet) key(d Dependency) string {
	if s.Schema == SchemaNested {
		return d.InstallPath()
	}
	return d.Name
}

func (s *DependencySet) Add(d Dependency) {
	if s.Schema == SchemaNested && d.Path == "" {
		d.Path = d.InstallPath()
	}
	s.Entries[s.key(d)] = d
}

// Merge copies every entry of o into s, re-keyed for s's schema.
func (s *DependencySet) Merge(o *DependencySet) {
	if o == nil {
		return
	}
	for _, d := range o.Entries {
		s.Add(d)
	}
}

// Sorted returns entries ordered by install path.
func (s *DependencySet) Sorted() []Dependency {
	if s == nil {
		return nil
	}
	out := make([]Dependency, 0, len(s.Entries))
	for _, d := range s.Entries {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstallPath() < out[j].InstallPath() })
	return out
}

// Marshal is canonical: encoding/json sorts map keys.
func (s *DependencySet) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

func (s *DependencySet) Hash() string {
	if s == nil {
		return ""
	}
	data, err := s.Marshal()
	if err != nil {
		return ""
	}
	return store.Hash(data)
}

func UnmarshalSet(data []byte) (*DependencySet, error) {
	s := &DependencySet{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("decode dependency set: %w", err)
	}
	if s.Entries == nil {
		s.Entries = map[string]Dependency{}
	}
	if s.Schema != SchemaFlat && s.Schema != SchemaNested {
		return nil, fmt.Errorf("unknown dependency set schema %d", s.Schema)
	}
	return s, nil
}

// at returns the entry installed at path, if any.
func (s *DependencySet) at(path string) (Dependency, bool) {
	if s == nil {
		return Dependency{}, false
	}
	if s.Schema == SchemaNested {
		d, ok := s.Entries[path]
		return d, ok
	}
	name, ok := strings.CutPrefix(path, modulesDir+"/")
	if !ok || strings.Contains(name, "/"+modulesDir+"/") {
		return Dependency{}, false
	}
	d, ok := s.Entries[name]
	return d, ok
}

// Has reports whether the same version of d is installed at the same place.
func (s *DependencySet) Has(d Dependency) bool {
	got, ok := s.at(d.InstallPath())
	return ok && got.Version == d.Version
}

// Lookup resolves name the way node does when required from the package at
// from (empty for the project root): nearest node_modules walking upward.
func (s *DependencySet) Lookup(from, name string) (Dependency, bool) {
	if s == nil {
		return Dependency{}, false
	}
	if s.Schema == SchemaFlat {
		d, ok := s.Entries[name]
		return d, ok
	}
	dir := from
	for dir != "" {
		if d, ok := s.Entries[dir+"/"+modulesDir+"/"+name]; ok {
			return d, true
		}
		i := strings.LastIndex(dir, "/"+modulesDir+"/")
		if i < 0 {
			break
		}
		dir = dir[:i]
	}
	d, ok := s.Entries[modulesDir+"/"+name]
	return d, ok
}

// Shortfall returns the entries of required that known lacks, or nil when
// known already satisfies required. The result keeps required's schema.
func Shortfall(known, required *DependencySet) *DependencySet {
	if required.Len() == 0 {
		return nil
	}
	out := NewSet(required.Schema)
	for _, d := range required.Entries {
		if !known.Has(d) {
			out.Add(d)
		}
	}
	if out.Len() == 0 {
		return nil
	}
	return out
}

type lockEntry struct {
	Version      string               `json:"version"`
	Requires     map[string]string    `json:"requires"`
	Dependencies map[string]lockEntry `json:"dependencies"`
}

type lockPackage struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Dependencies map[string]string `json:"dependencies"`
	Link         bool              `json:"link"`
}

type lockfile struct {
	LockfileVersion int                    `json:"lockfileVersion"`
	Dependencies    map[string]lockEntry   `json:"dependencies"`
	Packages        map[string]lockPackage `json:"packages"`
}

// ParseLockfile reads a package-lock.json. Lockfiles carrying a "packages"
// section produce a nested set; older ones produce a flat set.
func ParseLockfile(data []byte) (*DependencySet, error) {
	var lf lockfile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("parse lockfile: %w", err)
	}
	if len(lf.Packages) > 0 {
		set := NewSet(SchemaNested)
		for path, p := range lf.Packages {
			if path == "" || p.Link {
				continue
			}
			i := strings.LastIndex(path, modulesDir+"/")
			if i < 0 {
				continue
			}
			name := path[i+len(modulesDir)+1:]
			if strings.HasPrefix(name, "@types/") {
				continue
			}
			set.Add(Dependency{Name: name, Version: p.Version, Path: path, Requires: typedFree(p.Dependencies)})
		}
		return set, nil
	}
	set := NewSet(SchemaFlat)
	for name, e := range lf.Dependencies {
		if strings.HasPrefix(name, "@types/") {
			continue
		}
		set.Add(Dependency{Name: name, Version: e.Version, Requires: typedFree(e.Requires)})
	}
	return set, nil
}

func typedFree(req map[string]string) map[string]string {
	if len(req) == 0 {
		return nil
	}
	out := make(map[string]string, len(req))
	for k, v := range req {
		if !strings.HasPrefix(k, "@types/") {
			out[k] = v
		}
	}
	return out
}
