package resolver

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"idlemesh/pkg/types"
)

// Rewritten is self-contained source text: every project-local import now
// points at a content-addressed file.
type Rewritten struct {
	Text []byte
	Hash string
}

type fileRef struct {
	Hash string
	Name string
}

// RewriteForTransfer inlines project-local imports of text as separate
// content-addressed entries. dir is the directory text's relative imports
// are resolved from.
func (r *Resolver) RewriteForTransfer(text []byte, dir string) (Rewritten, error) {
	raw, err := r.HashOf(text)
	if err != nil {
		return Rewritten{}, err
	}
	v, err, _ := r.group.Do("rewrite\x00"+raw+"\x00"+dir, func() (interface{}, error) {
		w := &rewriter{r: r, visiting: map[string]bool{}, done: map[string]fileRef{}}
		out, err := w.rewrite(text, dir, "<submitted>")
		if err != nil {
			return nil, err
		}
		h, err := r.HashOf(out)
		if err != nil {
			return nil, err
		}
		return Rewritten{Text: out, Hash: h}, nil
	})
	if err != nil {
		return Rewritten{}, err
	}
	return v.(Rewritten), nil
}

type rewriter struct {
	r        *Resolver
	visiting map[string]bool
	done     map[string]fileRef
}

func (w *rewriter) rewrite(text []byte, dir, name string) ([]byte, error) {
	specs := scanImports(text)
	out := append([]byte(nil), text...)
	for i := len(specs) - 1; i >= 0; i-- {
		s := specs[i]
		switch {
		case isLocal(s.value):
			ref, err := w.local(dir, s.value, name)
			if err != nil {
				return nil, err
			}
			repl := "./" + ref.Name
			out = append(out[:s.start], append([]byte(repl), out[s.end:]...)...)
		case isBuiltin(s.value):
		default:
			if _, ok := w.r.installed.Lookup("", packageName(s.value)); !ok {
				return nil, &types.UnresolvableError{Specifier: s.value, File: name}
			}
		}
	}
	return out, nil
}

func (w *rewriter) local(dir, spec, from string) (fileRef, error) {
	path, err := locate(dir, spec)
	if err != nil {
		return fileRef{}, &types.UnresolvableError{Specifier: spec, File: from}
	}
	if ref, ok := w.done[path]; ok {
		return ref, nil
	}
	if w.visiting[path] {
		return fileRef{}, fmt.Errorf("%w: circular local import of %s from %s", types.ErrUnresolvableDependency, path, from)
	}
	w.visiting[path] = true
	defer delete(w.visiting, path)

	text, err := os.ReadFile(path)
	if err != nil {
		return fileRef{}, fmt.Errorf("read %s: %w", path, err)
	}
	ext := ".js"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		ext = ".json"
	} else if text, err = w.rewrite(text, filepath.Dir(path), path); err != nil {
		return fileRef{}, err
	}
	h, err := w.r.HashOf(text)
	if err != nil {
		return fileRef{}, err
	}
	ref := fileRef{Hash: h, Name: h + ext}
	w.done[path] = ref
	return ref, nil
}

// locate applies node's file and directory-index lookup for a relative specifier.
func locate(dir, spec string) (string, error) {
	base := spec
	if !filepath.IsAbs(base) {
		base = filepath.Join(dir, filepath.FromSlash(spec))
	}
	for _, c := range []string{base, base + ".js", base + ".json", filepath.Join(base, "index.js"), filepath.Join(base, "index.json")} {
		info, err := os.Stat(c)
		if err == nil && !info.IsDir() {
			return c, nil
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
	}
	return "", fs.ErrNotExist
}

// Closure walks the inlined references reachable from root. It returns the
// files present locally (root first) and the hashes still missing.
func (r *Resolver) Closure(root string) ([]fileRef, []string, error) {
	var (
		files   []fileRef
		missing []string
		seen    = map[string]bool{}
	)
	var walk func(ref fileRef) error
	walk = func(ref fileRef) error {
		if seen[ref.Hash] {
			return nil
		}
		seen[ref.Hash] = true
		text, ok, err := r.sources.Get(ref.Hash)
		if err != nil {
			return err
		}
		if !ok {
			missing = append(missing, ref.Hash)
			return nil
		}
		files = append(files, ref)
		if filepath.Ext(ref.Name) != ".js" {
			return nil
		}
		for _, child := range inlinedRefs(text) {
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(fileRef{Hash: root, Name: root + ".js"}); err != nil {
		return nil, nil, err
	}
	return files, missing, nil
}

// Missing lists the hashes of root's closure that are not cached locally.
func (r *Resolver) Missing(root string) ([]string, error) {
	_, missing, err := r.Closure(root)
	return missing, err
}

// ClosureSources returns hash -> text for every file of root's closure.
func (r *Resolver) ClosureSources(root string) (map[string]string, error) {
	files, missing, err := r.Closure(root)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("source %s not cached", missing[0])
	}
	out := make(map[string]string, len(files))
	for _, f := range files {
		text, _, err := r.sources.Get(f.Hash)
		if err != nil {
			return nil, err
		}
		out[f.Hash] = string(text)
	}
	return out, nil
}

// Materialize writes root's closure into dir using the file names the
// rewritten sources refer to, and returns the entry file path.
func (r *Resolver) Materialize(root, dir string) (string, error) {
	files, missing, err := r.Closure(root)
	if err != nil {
		return "", err
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("source %s not cached", missing[0])
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	for _, f := range files {
		p := filepath.Join(dir, f.Name)
		if _, err := os.Stat(p); err == nil {
			continue
		}
		text, _, err := r.sources.Get(f.Hash)
		if err != nil {
			return "", err
		}
		tmp, err := os.CreateTemp(dir, ".tmp-*")
		if err != nil {
			return "", err
		}
		_, werr := tmp.Write(text)
		cerr := tmp.Close()
		if werr == nil {
			werr = cerr
		}
		if werr == nil {
			werr = os.Rename(tmp.Name(), p)
		}
		if werr != nil {
			os.Remove(tmp.Name())
			return "", werr
		}
	}
	return filepath.Join(dir, root+".js"), nil
}
