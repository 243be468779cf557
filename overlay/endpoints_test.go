package overlay

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEndpointFileParsesHostPortLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peers.txt")
	contents := "# seed peers\n127.0.0.1:7777\n\nnode-b.example.com:7778\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write endpoint file: %v", err)
	}

	refs, err := LoadEndpointFile(path)
	if err != nil {
		t.Fatalf("LoadEndpointFile: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("got %d refs, want 2: %+v", len(refs), refs)
	}
	if refs[0].Address != "127.0.0.1:7777" || refs[1].Address != "node-b.example.com:7778" {
		t.Fatalf("unexpected refs: %+v", refs)
	}
}

func TestLoadEndpointFileRejectsMalformedLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peers.txt")
	if err := os.WriteFile(path, []byte("not-a-hostport\n"), 0o644); err != nil {
		t.Fatalf("write endpoint file: %v", err)
	}

	if _, err := LoadEndpointFile(path); err == nil {
		t.Fatal("expected error for malformed endpoint line")
	}
}

func TestLoadEndpointFileMissingFile(t *testing.T) {
	if _, err := LoadEndpointFile(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
