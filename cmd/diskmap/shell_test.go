package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestShell(t *testing.T, opts Options) (*shell, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	if opts.LogLevel == "" {
		opts.LogLevel = "error"
	}
	sh := newShell(opts, &out, &errOut)
	t.Cleanup(func() {
		sh.shutdown()
	})
	return sh, &out, &errOut
}

func run(sh *shell, out *bytes.Buffer, line string) string {
	out.Reset()
	sh.execute(line)
	return out.String()
}

func TestShellCommands(t *testing.T) {
	dir := t.TempDir()
	sh, out, errOut := newTestShell(t, Options{ShardCount: 3})

	if got := run(sh, out, "GET a"); !strings.Contains(got, "No database open") {
		t.Errorf("Expected no database error, got %q", got)
	}

	if got := run(sh, out, ".open "+dir); !strings.Contains(got, "Database opened") {
		t.Fatalf("Expected database to open, got %q (stderr %q)", got, errOut.String())
	}
	if sh.prompt() != "diskmap:"+dir+"> " {
		t.Errorf("Unexpected prompt %q", sh.prompt())
	}

	tests := []struct {
		line string
		want string
	}{
		{"PUT apple red fruit", "Value stored"},
		{"PUT apricot orange", "Value stored"},
		{"PUT banana yellow", "Value stored"},
		{"GET apple", "red fruit"},
		{"GET cherry", "Key not found"},
		{"CONTAINS banana", "true"},
		{"CONTAINS cherry", "false"},
		{"COUNT", "3 keys"},
		{"SCAN", "apple: red fruit\napricot: orange\nbanana: yellow\n3 entries found"},
		{"SCAN ap", "apple: red fruit\napricot: orange\n2 entries found"},
		{"SCAN SUFFIX nana", "banana: yellow\n1 entries found"},
		{"SCAN a b c d", "Invalid SCAN syntax"},
		{"DELETE banana", "Key deleted (was: yellow)"},
		{"DELETE banana", "Key not found"},
		{"PUT", "PUT requires key and value"},
		{"FROB", "Unknown command: FROB"},
		{".frob", "Unknown command: .frob"},
	}

	for _, tt := range tests {
		got := run(sh, out, tt.line)
		if !strings.Contains(got, tt.want) {
			t.Errorf("%q: expected output containing %q, got %q", tt.line, tt.want, got)
		}
	}

	if errOut.Len() != 0 {
		t.Errorf("Expected no errors, got %q", errOut.String())
	}
}

func TestShellPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	sh, out, _ := newTestShell(t, Options{ShardCount: 2})

	run(sh, out, ".open "+dir)
	run(sh, out, "PUT k1 v1")
	run(sh, out, "PUT k2 v2")
	run(sh, out, "DELETE k1")

	if got := run(sh, out, ".gc"); !strings.Contains(got, "Vacuum reclaimed") {
		t.Errorf("Expected vacuum report, got %q", got)
	}
	if got := run(sh, out, ".sync"); !strings.Contains(got, "flushed") {
		t.Errorf("Expected sync report, got %q", got)
	}
	if got := run(sh, out, ".close"); !strings.Contains(got, "closed") {
		t.Errorf("Expected close report, got %q", got)
	}
	if got := run(sh, out, ".close"); !strings.Contains(got, "No database open") {
		t.Errorf("Expected no database message, got %q", got)
	}

	run(sh, out, ".open "+dir)
	if got := run(sh, out, "GET k2"); strings.TrimSpace(got) != "v2" {
		t.Errorf("Expected v2 after reopen, got %q", got)
	}
	if got := run(sh, out, "GET k1"); !strings.Contains(got, "Key not found") {
		t.Errorf("Expected k1 to stay deleted, got %q", got)
	}

	if got := run(sh, out, "CLEAR"); !strings.Contains(got, "Map cleared") {
		t.Errorf("Expected clear report, got %q", got)
	}
	if got := run(sh, out, "COUNT"); !strings.Contains(got, "0 keys, 0 bytes") {
		t.Errorf("Expected empty map, got %q", got)
	}

	out.Reset()
	if sh.execute(".exit") {
		t.Errorf("Expected .exit to stop the shell")
	}
	if !strings.Contains(out.String(), "Goodbye!") {
		t.Errorf("Expected goodbye, got %q", out.String())
	}
}

func TestShellStats(t *testing.T) {
	sh, out, _ := newTestShell(t, Options{ShardCount: 2})
	run(sh, out, ".open "+t.TempDir())
	run(sh, out, "PUT a 1")
	run(sh, out, "GET a")
	run(sh, out, ".gc")

	got := run(sh, out, ".stats")
	for _, want := range []string{"Puts: 1", "Gets: 1", "Keys: 1", "Shard 0:", "Shard 1:", "Shard Vacuums: 2", "Pages: 2"} {
		if !strings.Contains(got, want) {
			t.Errorf("Expected stats containing %q, got:\n%s", want, got)
		}
	}
}

func TestShellConfigLayers(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(t.TempDir(), "diskmap.yaml")
	if err := os.WriteFile(configFile, []byte("shard_count: 5\ncompression: snappy\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	sh, _, _ := newTestShell(t, Options{ConfigFile: configFile, Compression: "zstd"})
	cfg, err := sh.loadConfig(dir)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.ShardCount != 5 {
		t.Errorf("Expected shard count 5 from file, got %d", cfg.ShardCount)
	}
	if cfg.Compression != "zstd" {
		t.Errorf("Expected flag compression zstd, got %s", cfg.Compression)
	}

	bad, _, _ := newTestShell(t, Options{IOMode: "carrier-pigeon"})
	if _, err := bad.loadConfig(dir); err == nil {
		t.Errorf("Expected invalid io mode to fail")
	}
}

func TestShellOpenFailure(t *testing.T) {
	dir := t.TempDir()
	sh, out, _ := newTestShell(t, Options{ShardCount: 2})
	run(sh, out, ".open "+dir)
	run(sh, out, ".close")

	other, out2, errOut2 := newTestShell(t, Options{ShardCount: 3})
	run(other, out2, ".open "+dir)
	if !strings.Contains(errOut2.String(), "Error opening database") {
		t.Errorf("Expected shard count mismatch, got stdout %q stderr %q", out2.String(), errOut2.String())
	}
	if other.prompt() != "diskmap> " {
		t.Errorf("Expected no database after failed open, got prompt %q", other.prompt())
	}
}
