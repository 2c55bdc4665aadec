package resolver

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

const bundleManifest = "manifest.json"

// PackageBundle archives exactly the package directories a shortfall names.
// Each package is stored under its escaped install path so scoped and nested
// names survive the trip. Bundles are cached by the shortfall's hash.
func (r *Resolver) PackageBundle(sf *DependencySet) ([]byte, error) {
	if sf.Len() == 0 {
		return nil, errors.New("empty shortfall")
	}
	key := sf.Hash()
	if data, ok, err := r.bundles.Get(key); err != nil {
		return nil, err
	} else if ok {
		return data, nil
	}
	v, err, _ := r.group.Do("bundle\x00"+key, func() (interface{}, error) {
		data, err := buildBundle(r.root, sf)
		if err != nil {
			return nil, err
		}
		if err := r.bundles.Put(key, data); err != nil {
			return nil, fmt.Errorf("cache bundle %s: %w", key, err)
		}
		log.Debugf("built bundle %s (%d packages, %d bytes)", key, sf.Len(), len(data))
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func buildBundle(root string, sf *DependencySet) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	manifest, err := sf.Marshal()
	if err != nil {
		return nil, err
	}
	if err := tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: bundleManifest, Mode: 0o644, Size: int64(len(manifest))}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(manifest); err != nil {
		return nil, err
	}

	for _, d := range sf.Sorted() {
		install := d.InstallPath()
		src := filepath.Join(root, filepath.FromSlash(install))
		prefix := Escape(install)
		err := filepath.WalkDir(src, func(p string, e fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(src, p)
			if err != nil {
				return err
			}
			if e.IsDir() {
				// nested packages travel as their own entries
				if rel != "." && e.Name() == modulesDir {
					return filepath.SkipDir
				}
				return nil
			}
			if !e.Type().IsRegular() {
				return nil
			}
			info, err := e.Info()
			if err != nil {
				return err
			}
			hdr := &tar.Header{
				Typeflag: tar.TypeReg,
				Name:     path.Join(prefix, filepath.ToSlash(rel)),
				Mode:     int64(info.Mode().Perm()),
				Size:     info.Size(),
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(tw, f)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("archive %s: %w", install, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Installer unpacks bundles into a runtime directory and remembers what is
// installed there.
type Installer struct {
	root  string
	state string

	mu    sync.Mutex
	known *DependencySet
}

func NewInstaller(root string) (*Installer, error) {
	if err := os.MkdirAll(filepath.Join(root, modulesDir), 0o755); err != nil {
		return nil, fmt.Errorf("create runtime dir: %w", err)
	}
	i := &Installer{root: root, state: filepath.Join(root, "installed.json"), known: NewSet(SchemaNested)}
	data, err := os.ReadFile(i.state)
	if err == nil {
		set, err := UnmarshalSet(data)
		if err != nil {
			return nil, err
		}
		i.known.Merge(set)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return i, nil
}

// Known returns a copy of the installed set.
func (i *Installer) Known() *DependencySet {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := NewSet(SchemaNested)
	out.Merge(i.known)
	return out
}

// Install extracts a bundle and returns the dependency set it carried.
func (i *Installer) Install(data []byte) (*DependencySet, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	i.mu.Lock()
	defer i.mu.Unlock()

	var manifest *DependencySet
	present := map[string]bool{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read bundle: %w", err)
		}
		if hdr.Name == bundleManifest {
			raw, err := io.ReadAll(tr)
			if err != nil {
				return nil, err
			}
			if manifest, err = UnmarshalSet(raw); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		escaped, rest, ok := strings.Cut(hdr.Name, "/")
		if !ok {
			return nil, fmt.Errorf("bundle entry %q outside a package", hdr.Name)
		}
		install, err := Unescape(escaped)
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(install, modulesDir+"/") {
			return nil, fmt.Errorf("bundle package %q outside %s", install, modulesDir)
		}
		if manifest == nil {
			return nil, errors.New("bundle manifest must precede its packages")
		}
		skip, seen := present[install]
		if !seen {
			// an identical package already in place is left alone so code
			// running against it is not disturbed
			d, ok := manifest.at(install)
			skip = ok && i.known.Has(d)
			present[install] = skip
			if !skip {
				if err := i.clear(install); err != nil {
					return nil, err
				}
			}
		}
		if skip {
			continue
		}
		target, err := i.within(path.Join(install, rest))
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, err
		}
		mode := fs.FileMode(hdr.Mode).Perm() | 0o600
		f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Close(); err != nil {
			return nil, err
		}
	}
	if manifest == nil {
		return nil, errors.New("bundle has no manifest")
	}
	i.known.Merge(manifest)
	if err := i.persist(); err != nil {
		return nil, err
	}
	return manifest, nil
}

// clear removes a previously installed copy of a package together with the
// packages nested under it.
func (i *Installer) clear(install string) error {
	dir, err := i.within(install)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	for k, d := range i.known.Entries {
		p := d.InstallPath()
		if p == install || strings.HasPrefix(p, install+"/") {
			delete(i.known.Entries, k)
		}
	}
	return nil
}

func (i *Installer) within(rel string) (string, error) {
	clean := path.Clean(rel)
	if clean == "." || clean == ".." || path.IsAbs(clean) || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("unsafe bundle path %q", rel)
	}
	return filepath.Join(i.root, filepath.FromSlash(clean)), nil
}

func (i *Installer) persist() error {
	data, err := json.Marshal(i.known)
	if err != nil {
		return err
	}
	tmp := i.state + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, i.state)
}
