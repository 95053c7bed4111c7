package tlsmaterial

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWritePersistsAndScrubs(t *testing.T) {
	dir := t.TempDir()
	w := Writer{CertPath: filepath.Join(dir, "server.crt"), KeyPath: filepath.Join(dir, "server.key")}

	m := &Material{
		CreatedAt:   "token-1",
		Certificate: []byte("CERT-BYTES"),
		PrivateKey:  []byte("KEY-BYTES"),
	}

	if err := w.Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}

	cert, err := os.ReadFile(w.CertPath)
	if err != nil {
		t.Fatalf("reading cert: %v", err)
	}
	if string(cert) != "CERT-BYTES" {
		t.Fatalf("unexpected cert contents: %q", cert)
	}

	key, err := os.ReadFile(w.KeyPath)
	if err != nil {
		t.Fatalf("reading key: %v", err)
	}
	if string(key) != "KEY-BYTES" {
		t.Fatalf("unexpected key contents: %q", key)
	}

	if m.Certificate != nil || m.PrivateKey != nil {
		t.Fatalf("expected in-memory material to be scrubbed, got cert=%v key=%v", m.Certificate, m.PrivateKey)
	}
}

func TestWriteOverwritesExistingAtomically(t *testing.T) {
	dir := t.TempDir()
	w := Writer{CertPath: filepath.Join(dir, "server.crt"), KeyPath: filepath.Join(dir, "server.key")}

	first := &Material{Certificate: []byte("FIRST"), PrivateKey: []byte("FIRST-KEY")}
	if err := w.Write(first); err != nil {
		t.Fatalf("first Write: %v", err)
	}

	second := &Material{Certificate: []byte("SECOND"), PrivateKey: []byte("SECOND-KEY")}
	if err := w.Write(second); err != nil {
		t.Fatalf("second Write: %v", err)
	}

	cert, _ := os.ReadFile(w.CertPath)
	if string(cert) != "SECOND" {
		t.Fatalf("expected overwritten cert, got %q", cert)
	}
}
