package transfer

import (
	"bytes"
	"errors"
	"testing"

	"securepeer/models"
)

func TestAssemblerSkipsDuplicateChunk(t *testing.T) {
	var out bytes.Buffer
	asm := NewAssembler(&out, 9)

	chunks := []struct {
		index uint32
		data  string
		apply bool
	}{
		{0, "abc", true},
		{1, "def", true},
		{1, "def", false},
		{2, "ghi", true},
	}
	for _, c := range chunks {
		applied, err := asm.Apply(c.index, []byte(c.data))
		if err != nil {
			t.Fatalf("Apply(%d) failed: %v", c.index, err)
		}
		if applied != c.apply {
			t.Fatalf("Apply(%d) applied=%v, want %v", c.index, applied, c.apply)
		}
	}
	if err := asm.Finish(9); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if out.String() != "abcdefghi" {
		t.Fatalf("unexpected reassembly %q", out.String())
	}
}

func TestAssemblerRejectsGap(t *testing.T) {
	asm := NewAssembler(&bytes.Buffer{}, 9)
	if _, err := asm.Apply(0, []byte("abc")); err != nil {
		t.Fatalf("Apply(0) failed: %v", err)
	}
	_, err := asm.Apply(2, []byte("ghi"))
	if !errors.Is(err, models.ErrIncompleteTransfer) {
		t.Fatalf("expected ErrIncompleteTransfer for gap, got %v", err)
	}
	if asm.Next() != 1 {
		t.Fatalf("expected next index 1, got %d", asm.Next())
	}
}

func TestAssemblerFinishChecksSize(t *testing.T) {
	tests := []struct {
		name        string
		chunks      []string
		senderTotal int64
	}{
		{name: "done before all bytes", chunks: []string{"abc", "def"}, senderTotal: 9},
		{name: "sender total disagrees", chunks: []string{"abc", "def", "ghi"}, senderTotal: 12},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			asm := NewAssembler(&bytes.Buffer{}, 9)
			for i, data := range tc.chunks {
				if _, err := asm.Apply(uint32(i), []byte(data)); err != nil {
					t.Fatalf("Apply(%d) failed: %v", i, err)
				}
			}
			if err := asm.Finish(tc.senderTotal); !errors.Is(err, models.ErrIncompleteTransfer) {
				t.Fatalf("expected ErrIncompleteTransfer, got %v", err)
			}
		})
	}
}

func TestAssemblerRejectsOversizedStream(t *testing.T) {
	asm := NewAssembler(&bytes.Buffer{}, 4)
	if _, err := asm.Apply(0, []byte("abc")); err != nil {
		t.Fatalf("Apply(0) failed: %v", err)
	}
	if _, err := asm.Apply(1, []byte("def")); !errors.Is(err, models.ErrIncompleteTransfer) {
		t.Fatalf("expected ErrIncompleteTransfer, got %v", err)
	}
}

func TestAssemblerEmptyFile(t *testing.T) {
	asm := NewAssembler(&bytes.Buffer{}, 0)
	if err := asm.Finish(0); err != nil {
		t.Fatalf("Finish on empty file failed: %v", err)
	}
}
