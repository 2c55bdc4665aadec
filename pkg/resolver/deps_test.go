package resolver

import (
	"reflect"
	"testing"
)

func TestShortfallBothLockfileSchemas(t *testing.T) {
	for _, tc := range []struct {
		name   string
		lock   string
		schema int
		key    string
		path   string
	}{
		{"flat", lockV1, SchemaFlat, "leftpad", ""},
		{"nested", lockV2, SchemaNested, "node_modules/leftpad", "node_modules/leftpad"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			set, err := ParseLockfile([]byte(tc.lock))
			if err != nil {
				t.Fatal(err)
			}
			if set.Schema != tc.schema {
				t.Fatalf("schema = %d, want %d", set.Schema, tc.schema)
			}
			for k := range set.Entries {
				if k == "@types/node" || k == "node_modules/@types/node" {
					t.Fatal("typings were not skipped")
				}
			}
			sf := Shortfall(NewSet(SchemaNested), set)
			if sf.Len() == 0 {
				t.Fatal("empty peer produced an empty shortfall")
			}
			if sf.Schema != tc.schema {
				t.Fatal("shortfall lost the manifest schema")
			}
			d, ok := sf.Entries[tc.key]
			if !ok || d.Version != "1.0.0" || d.Path != tc.path {
				t.Fatalf("leftpad entry = %+v %v", d, ok)
			}
			if _, ok := d.Requires["repeat"]; !ok {
				t.Fatal("requirements dropped")
			}
			if _, ok := d.Requires["@types/node"]; ok {
				t.Fatal("typings kept in requirements")
			}
		})
	}
}

func TestHasComparesVersionAndPlace(t *testing.T) {
	known := NewSet(SchemaNested)
	known.Add(Dependency{Name: "a", Version: "1.0.0"})
	known.Add(Dependency{Name: "b", Version: "2.0.0", Path: "node_modules/a/node_modules/b"})

	flat := NewSet(SchemaFlat)
	flat.Add(Dependency{Name: "a", Version: "1.0.0"})
	flat.Add(Dependency{Name: "b", Version: "2.0.0"})
	sf := Shortfall(known, flat)
	if sf.Len() != 1 {
		t.Fatalf("shortfall = %+v", sf)
	}
	if _, ok := sf.Entries["b"]; !ok {
		t.Fatal("a nested copy must not satisfy a top-level requirement")
	}

	bumped := NewSet(SchemaNested)
	bumped.Add(Dependency{Name: "a", Version: "1.1.0"})
	if Shortfall(known, bumped).Len() != 1 {
		t.Fatal("version change not detected")
	}

	flatKnown := NewSet(SchemaFlat)
	flatKnown.Add(Dependency{Name: "a", Version: "1.0.0"})
	nested := NewSet(SchemaNested)
	nested.Add(Dependency{Name: "a", Version: "1.0.0"})
	if Shortfall(flatKnown, nested) != nil {
		t.Fatal("flat known set should satisfy the same top-level package")
	}
}

func TestLookupWalksUp(t *testing.T) {
	set, err := ParseLockfile([]byte(lockV2))
	if err != nil {
		t.Fatal(err)
	}
	d, ok := set.Lookup("node_modules/leftpad", "inner")
	if !ok || d.Path != "node_modules/leftpad/node_modules/inner" {
		t.Fatalf("nested lookup = %+v %v", d, ok)
	}
	d, ok = set.Lookup("node_modules/leftpad/node_modules/inner", "repeat")
	if !ok || d.Path != "node_modules/repeat" {
		t.Fatalf("walk-up lookup = %+v %v", d, ok)
	}
	if _, ok := set.Lookup("", "inner"); ok {
		t.Fatal("nested package visible from the root")
	}
}

func TestSetHashIgnoresInsertionOrder(t *testing.T) {
	a, b := NewSet(SchemaFlat), NewSet(SchemaFlat)
	a.Add(Dependency{Name: "x", Version: "1"})
	a.Add(Dependency{Name: "y", Version: "2"})
	b.Add(Dependency{Name: "y", Version: "2"})
	b.Add(Dependency{Name: "x", Version: "1"})
	if a.Hash() != b.Hash() {
		t.Fatal("hash depends on insertion order")
	}
	data, _ := a.Marshal()
	back, err := UnmarshalSet(data)
	if err != nil || !reflect.DeepEqual(back, a) {
		t.Fatalf("decode = %+v, %v", back, err)
	}
}
