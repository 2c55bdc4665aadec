package resolver

import (
	"bytes"
	"regexp"
	"sort"
	"strings"
)

var importPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brequire\s*\(\s*['"]([^'"\n]+)['"]\s*\)`),
	regexp.MustCompile(`\bimport\s*\(\s*['"]([^'"\n]+)['"]\s*\)`),
	regexp.MustCompile(`\bimport\s+(?:[\w*{}\s,$]+?\s+from\s*)?['"]([^'"\n]+)['"]`),
	regexp.MustCompile(`\bexport\s+[\w*{}\s,$]+?\s+from\s*['"]([^'"\n]+)['"]`),
}

// inlinedRef matches a local reference produced by rewriting.
var inlinedRef = regexp.MustCompile(`^\./(b[a-z2-7]+)\.(js|json)$`)

type specifier struct {
	start, end int
	value      string
}

// scanImports finds module specifiers in require calls, static and dynamic
// imports, and re-exports, in source order. Commented-out code is ignored.
func scanImports(text []byte) []specifier {
	var found []specifier
	masked := maskComments(text)
	for _, re := range importPatterns {
		for _, m := range re.FindAllSubmatchIndex(masked, -1) {
			found = append(found, specifier{start: m[2], end: m[3], value: string(text[m[2]:m[3]])})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].start < found[j].start })
	out := found[:0]
	last := -1
	for _, s := range found {
		if s.start < last {
			continue
		}
		out = append(out, s)
		last = s.end
	}
	return out
}

// maskComments returns a copy of text with line and block comments blanked
// out. Offsets are preserved. Comment markers inside string and template
// literals are left alone.
func maskComments(text []byte) []byte {
	out := append([]byte(nil), text...)
	var quote byte
	for i := 0; i < len(out); i++ {
		c := out[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote || (c == '\n' && quote != '`') {
				quote = 0
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == '/' && i+1 < len(out) && out[i+1] == '/':
			for ; i < len(out) && out[i] != '\n'; i++ {
				out[i] = ' '
			}
		case c == '/' && i+1 < len(out) && out[i+1] == '*':
			stop := len(out)
			if end := bytes.Index(out[i+2:], []byte("*/")); end >= 0 {
				stop = i + 2 + end + 2
			}
			for ; i < stop; i++ {
				if out[i] != '\n' {
					out[i] = ' '
				}
			}
			i--
		}
	}
	return out
}

func isLocal(spec string) bool {
	return spec == "." || spec == ".." || strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../") || strings.HasPrefix(spec, "/")
}

var builtins = map[string]bool{
	"assert": true, "async_hooks": true, "buffer": true, "child_process": true, "cluster": true,
	"console": true, "constants": true, "crypto": true, "dgram": true, "diagnostics_channel": true,
	"dns": true, "domain": true, "events": true, "fs": true, "http": true, "http2": true,
	"https": true, "inspector": true, "module": true, "net": true, "os": true, "path": true,
	"perf_hooks": true, "process": true, "punycode": true, "querystring": true, "readline": true,
	"repl": true, "stream": true, "string_decoder": true, "sys": true, "timers": true, "tls": true,
	"trace_events": true, "tty": true, "url": true, "util": true, "v8": true, "vm": true,
	"wasi": true, "worker_threads": true, "zlib": true,
}

func isBuiltin(spec string) bool {
	if strings.HasPrefix(spec, "node:") {
		return true
	}
	first, _, _ := strings.Cut(spec, "/")
	return builtins[first]
}

// packageName strips a subpath: "lodash/fp" -> "lodash", "@a/b/c" -> "@a/b".
func packageName(spec string) string {
	parts := strings.SplitN(spec, "/", 3)
	if strings.HasPrefix(spec, "@") && len(parts) >= 2 {
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}

// inlinedRefs lists the content-addressed local files a rewritten text refers to.
func inlinedRefs(text []byte) []fileRef {
	var refs []fileRef
	seen := map[string]bool{}
	for _, s := range scanImports(text) {
		m := inlinedRef.FindStringSubmatch(s.value)
		if m == nil || seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		refs = append(refs, fileRef{Hash: m[1], Name: m[1] + "." + m[2]})
	}
	return refs
}

// packageImports lists the installed packages a text imports.
func packageImports(text []byte) []string {
	var names []string
	seen := map[string]bool{}
	for _, s := range scanImports(text) {
		if isLocal(s.value) || isBuiltin(s.value) {
			continue
		}
		name := packageName(s.value)
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}
