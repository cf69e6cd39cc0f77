package logdir

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestClear(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{
		"test_execution_20240101_120000.log",
		"test_summary_20240101_120000.txt",
		"pinenv.log",
		"report.xml",
		"NOTES.TXT",
	} {
		if err := os.WriteFile(filepath.Join(root, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, "nested.log"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "nested.log", "deep.log"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	removed, err := Clear(root, ByExtension(".log", "txt"))
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	want := []string{
		filepath.Join(root, "NOTES.TXT"),
		filepath.Join(root, "pinenv.log"),
		filepath.Join(root, "test_execution_20240101_120000.log"),
		filepath.Join(root, "test_summary_20240101_120000.txt"),
	}
	if !reflect.DeepEqual(removed, want) {
		t.Fatalf("removed = %v, want %v", removed, want)
	}
	if _, err := os.Stat(filepath.Join(root, "report.xml")); err != nil {
		t.Fatalf("report.xml should survive: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "nested.log", "deep.log")); err != nil {
		t.Fatalf("subdirectories are not touched: %v", err)
	}

	removed, err = Clear(root, ByExtension(".log", ".txt"))
	if err != nil || len(removed) != 0 {
		t.Fatalf("second Clear = %v, %v", removed, err)
	}
}

func TestClearMissingDir(t *testing.T) {
	removed, err := Clear(filepath.Join(t.TempDir(), "logs"), ByExtension(".log"))
	if err != nil || removed != nil {
		t.Fatalf("Clear(missing) = %v, %v", removed, err)
	}
}
