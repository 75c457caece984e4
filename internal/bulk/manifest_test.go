package bulk

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func mediaDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestParseManifestAppliesRowsAndDefaults(t *testing.T) {
	dir := mediaDir(t, "b.mp4", "a.MOV", "notes.txt", "c.mkv")
	manifest := strings.NewReader("filename,title,description,tags,privacy,category\n" +
		"b.mp4,Beach day,Sun and sand,\"beach, summer\",public,19\n" +
		"b.mp4,Ignored duplicate,,,,\n" +
		"unknown.mp4,Nope,,,,\n")

	specs, err := ParseManifest(manifest, dir, Defaults{
		TitleTemplate: "Clip {index}",
		Description:   "bulk",
		Tags:          []string{"bulk"},
		Visibility:    "unlisted",
		Category:      "22",
	})
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("expected 3 media files, got %d", len(specs))
	}
	if filepath.Base(specs[0].SourcePath) != "a.MOV" || specs[0].Title != "Clip 1" || specs[0].Visibility != "unlisted" {
		t.Fatalf("unexpected default spec: %+v", specs[0])
	}
	beach := specs[1]
	if beach.Title != "Beach day" || beach.Description != "Sun and sand" || beach.Visibility != "public" || beach.Category != "19" {
		t.Fatalf("unexpected manifest spec: %+v", beach)
	}
	if strings.Join(beach.Tags, "|") != "beach|summer" {
		t.Fatalf("unexpected tags: %v", beach.Tags)
	}
	if specs[2].Title != "Clip 3" {
		t.Fatalf("expected index to follow file order, got %q", specs[2].Title)
	}
}

func TestParseManifestWithoutCSV(t *testing.T) {
	dir := mediaDir(t, "one.mp4")
	specs, err := ParseManifest(nil, dir, DefaultManifestDefaults())
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if len(specs) != 1 || specs[0].Title != "Video Upload 1" || specs[0].Visibility != "private" || specs[0].Category != "22" {
		t.Fatalf("unexpected spec: %+v", specs)
	}
}

func TestParseManifestErrors(t *testing.T) {
	if _, err := ParseManifest(nil, mediaDir(t, "readme.txt"), Defaults{}); !errors.Is(err, ErrNoItems) {
		t.Fatalf("expected ErrNoItems, got %v", err)
	}
	if _, err := ParseManifest(strings.NewReader("title,privacy\nx,public\n"), mediaDir(t, "a.mp4"), Defaults{}); err == nil {
		t.Fatal("expected error for manifest without filename column")
	}
	if _, err := ParseManifest(nil, filepath.Join(t.TempDir(), "missing"), Defaults{}); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
