package utils

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestOutputName(t *testing.T) {
	tests := map[string]string{
		"photos/cat.jpg":                     "cat",
		"dog.tar.png":                        "dog.tar",
		"https://example.com/img/bird.webp":  "bird",
		"https://example.com/a/b.png?size=2": "b",
		"https://example.com/":               "example",
	}
	for in, want := range tests {
		if got := OutputName(in); got != want {
			t.Errorf("OutputName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGenerateOutputFilename(t *testing.T) {
	got := GenerateOutputFilename("in/cat.jpg", "out", "", "_overlay", "png")
	if got != filepath.Join("out", "cat_overlay.png") {
		t.Errorf("Unexpected filename %s", got)
	}
}

func TestExpandSources(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.jpg", "b.PNG", "notes.txt", "sub/c.webp"} {
		path := filepath.Join(dir, name)
		os.MkdirAll(filepath.Dir(path), 0755)
		if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	sources, err := ExpandSources([]string{dir, "https://example.com/x.jpg", "single.png"})
	if err != nil {
		t.Fatalf("ExpandSources failed: %v", err)
	}
	sort.Strings(sources)

	want := []string{
		filepath.Join(dir, "a.jpg"),
		filepath.Join(dir, "b.PNG"),
		filepath.Join(dir, "sub", "c.webp"),
		"https://example.com/x.jpg",
		"single.png",
	}
	sort.Strings(want)
	if len(sources) != len(want) {
		t.Fatalf("Expected %v, got %v", want, sources)
	}
	for i := range want {
		if sources[i] != want[i] {
			t.Errorf("Expected %s, got %s", want[i], sources[i])
		}
	}
}
