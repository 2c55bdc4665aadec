package common

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateIdentityIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.key")
	_, first, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v", fi.Mode().Perm())
	}
	_, second, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("peer id changed: %s != %s", first, second)
	}
}

func TestDecodeIdentityRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "   \n", "!!!not base64", "aGVsbG8="} {
		if _, err := DecodeIdentity([]byte(in)); err == nil {
			t.Errorf("%q: expected error", in)
		}
	}
}

func TestEncodeDecodeIdentity(t *testing.T) {
	priv, err := GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	text, err := EncodeIdentity(priv)
	if err != nil {
		t.Fatal(err)
	}
	back, err := DecodeIdentity(text)
	if err != nil {
		t.Fatal(err)
	}
	if !priv.Equals(back) {
		t.Fatal("decoded key differs")
	}
}
