package resolver

import "testing"

func TestEscapeBijective(t *testing.T) {
	inputs := []string{
		"node_modules/@scope/pkg",
		"node_modules/a/node_modules/b",
		"plain-name.js",
		"tilde~40literal",
		"@",
		"weird name!",
		"",
	}
	seen := map[string]string{}
	for _, in := range inputs {
		out := Escape(in)
		for i := 0; i < len(out); i++ {
			if !safeByte(out[i]) && out[i] != '~' {
				t.Fatalf("Escape(%q) = %q contains unsafe byte %q", in, out, out[i])
			}
		}
		if prev, dup := seen[out]; dup {
			t.Fatalf("Escape collision: %q and %q -> %q", prev, in, out)
		}
		seen[out] = in
		back, err := Unescape(out)
		if err != nil || back != in {
			t.Fatalf("Unescape(Escape(%q)) = %q, %v", in, back, err)
		}
	}
	if got := Escape("@scope/pkg"); got != "~40scope~2Fpkg" {
		t.Fatalf("Escape(@scope/pkg) = %q", got)
	}
}

func TestUnescapeRejectsMalformed(t *testing.T) {
	for _, in := range []string{"~4", "~zz", "a/b", "~2f", "x~"} {
		if _, err := Unescape(in); err == nil {
			t.Errorf("Unescape(%q) succeeded", in)
		}
	}
}

func TestScanImportsSkipsComments(t *testing.T) {
	src := []byte("// require('x')\nconst s = '// not a comment'; /* import y from \"y\" */ require(\"z\");\n")
	got := scanImports(src)
	if len(got) != 1 || got[0].value != "z" || string(src[got[0].start:got[0].end]) != "z" {
		t.Fatalf("scanImports = %+v", got)
	}
}

func TestScanImports(t *testing.T) {
	src := []byte(`
const a = require('a');
import b from "b/sub";
import { c1, c2 } from 'c';
import 'd';
export * from "e";
const f = await import("./f.js");
const notAnImport = "require x";
`)
	var got []string
	for _, s := range scanImports(src) {
		got = append(got, s.value)
	}
	want := []string{"a", "b/sub", "c", "d", "e", "./f.js"}
	if len(got) != len(want) {
		t.Fatalf("scanImports = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("scanImports = %v, want %v", got, want)
		}
	}
	if packageName("@a/b/c") != "@a/b" || packageName("lodash/fp") != "lodash" {
		t.Fatal("packageName did not strip subpaths")
	}
	if !isBuiltin("node:fs") || !isBuiltin("fs/promises") || isBuiltin("lodash") {
		t.Fatal("builtin detection wrong")
	}
}
