package fingerprint

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	return path
}

func TestCompute_Stable(t *testing.T) {
	path := writeFile(t, "a.jpg", []byte("production date 2024-03-01"))

	fp1, err := Compute(path)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	fp2, err := Compute(path)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if fp1 != fp2 {
		t.Errorf("fingerprint not stable across calls: %+v vs %+v", fp1, fp2)
	}
	if fp1.Size != 26 {
		t.Errorf("expected size 26, got %d", fp1.Size)
	}
}

func TestCompute_ContentChange(t *testing.T) {
	path := writeFile(t, "a.jpg", []byte("production date 2024-03-01"))
	fp1, err := Compute(path)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("production date 2024-03-02"), 0o644); err != nil {
		t.Fatalf("failed to rewrite file: %v", err)
	}
	fp2, err := Compute(path)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if fp1.Digest == fp2.Digest {
		t.Error("digest unchanged after content change")
	}
}

func TestCompute_LargeFile(t *testing.T) {
	// Above the 10 MB threshold the head+tail digest is used; a change
	// in the tail must still change the digest.
	data := bytes.Repeat([]byte{0xAB}, 11*1024*1024)
	path := writeFile(t, "big.jpg", data)

	fp1, err := Compute(path)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	data[len(data)-1] = 0xCD
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to rewrite file: %v", err)
	}
	fp2, err := Compute(path)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if fp1.Digest == fp2.Digest {
		t.Error("digest unchanged after tail change in large file")
	}
}

func TestCompute_Missing(t *testing.T) {
	if _, err := Compute(filepath.Join(t.TempDir(), "absent.jpg")); err == nil {
		t.Error("expected error for missing file")
	}
}
