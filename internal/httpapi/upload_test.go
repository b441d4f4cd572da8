package httpapi

import (
	"os"
	"strings"
	"testing"
)

func TestReadAllLimitedWithinLimit(t *testing.T) {
	b, err := readAllLimited(strings.NewReader("hello"), 10)
	if err != nil {
		t.Fatalf("readAllLimited: %v", err)
	}
	if string(b) != "hello" {
		t.Fatalf("got %q, want %q", b, "hello")
	}
}

func TestReadAllLimitedExceedsLimit(t *testing.T) {
	_, err := readAllLimited(strings.NewReader("hello world"), 5)
	if err == nil {
		t.Fatal("expected an error when the body exceeds the limit")
	}
}

func TestReadAllLimitedExactlyAtLimit(t *testing.T) {
	b, err := readAllLimited(strings.NewReader("12345"), 5)
	if err != nil {
		t.Fatalf("readAllLimited: %v", err)
	}
	if len(b) != 5 {
		t.Fatalf("got %d bytes, want 5", len(b))
	}
}

func TestBufferToTemp(t *testing.T) {
	path, err := bufferToTemp(strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("bufferToTemp: %v", err)
	}
	defer os.Remove(path)

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("got %q, want %q", got, "payload")
	}
}
