package crypto

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileKeyRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "resume.key")
	p := FileKey{Path: path}

	tok, err := Encrypt(p, "session-secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if tok == "session-secret" {
		t.Fatal("ciphertext equals plaintext")
	}

	got, err := Decrypt(p, tok)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != "session-secret" {
		t.Errorf("round trip: got %q", got)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("key file not created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("key file mode = %o, want 0600", info.Mode().Perm())
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	dir := t.TempDir()
	a := FileKey{Path: filepath.Join(dir, "a.key")}
	b := FileKey{Path: filepath.Join(dir, "b.key")}

	tok, err := Encrypt(a, "payload")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := Decrypt(b, tok); err == nil {
		t.Error("expected error decrypting with a different key")
	}
}

func TestDecryptEmpty(t *testing.T) {
	p := FileKey{Path: filepath.Join(t.TempDir(), "k")}
	got, err := Decrypt(p, "")
	if err != nil || got != "" {
		t.Errorf("empty ciphertext: got %q, %v", got, err)
	}
}

func TestMask(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", ""},
		{"abc", "****"},
		{"abcdefgh", "****efgh"},
	}
	for _, c := range cases {
		if got := Mask(c.in); got != c.want {
			t.Errorf("Mask(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
