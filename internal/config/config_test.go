package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "node.conf")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if c.Host != "127.0.0.1" || c.PortBus != 9000 || c.PortServ != 9100 {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	if c.Quiet {
		t.Fatalf("expected quiet to default to false")
	}
}

func TestLoadParsesKeyValuePairsAndSkipsComments(t *testing.T) {
	path := writeConfig(t, "# a comment\n\nhost=10.0.0.1\nport.inBus = 9500\nquiet=yes\n")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if c.Host != "10.0.0.1" {
		t.Fatalf("got host %q", c.Host)
	}
	if c.PortBus != 9500 {
		t.Fatalf("got port.inBus %d", c.PortBus)
	}
	if !c.Quiet {
		t.Fatalf("expected quiet=yes to parse as true")
	}
}

func TestLoadRejectsLineWithoutEquals(t *testing.T) {
	path := writeConfig(t, "not-a-pair\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error on a line without '='")
	}
}

func TestLoadRejectsNegativePort(t *testing.T) {
	path := writeConfig(t, "port.in=-1\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error on a negative port")
	}
}

func TestBoolVariants(t *testing.T) {
	cases := map[string]bool{
		"true": true, "TRUE": true, "yes": true, "1": true, "on": true,
		"false": false, "no": false, "0": false, "off": false, "garbage": false,
	}
	for raw, want := range cases {
		path := writeConfig(t, "quiet="+raw+"\n")
		c, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error for %q: %v", raw, err)
		}
		if c.Quiet != want {
			t.Fatalf("quiet=%q: got %v, want %v", raw, c.Quiet, want)
		}
	}
}
