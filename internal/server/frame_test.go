package server

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestReadFrameExactPayload(t *testing.T) {
	payload, err := readFrame(strings.NewReader("5\nhello"))
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if string(payload) != "hello" {
		t.Errorf("payload = %q, want hello", payload)
	}
}

func TestReadFrameDrainsPartialReads(t *testing.T) {
	r := io.MultiReader(
		strings.NewReader("10\nhel"),
		strings.NewReader("lo wor"),
		strings.NewReader("ld"),
	)
	payload, err := readFrame(r)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if string(payload) != "hello worl" {
		t.Errorf("payload = %q, want %q", payload, "hello worl")
	}
}

func TestReadFrameInvalidLengthPrefix(t *testing.T) {
	_, err := readFrame(strings.NewReader("notanumber\npayload"))
	if err == nil {
		t.Fatal("expected error for non-numeric length prefix")
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	_, err := readFrame(strings.NewReader("100\nshort"))
	if err == nil {
		t.Fatal("expected error when peer closes before announced length is reached")
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	_, err := readFrame(bytes.NewReader([]byte("99999999999\nx")))
	if err == nil {
		t.Fatal("expected error for length prefix exceeding maximum")
	}
}
