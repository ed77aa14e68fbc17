package serialization

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/born-ml/pseudoprop/internal/tensor"
)

func newFloat32(t *testing.T, shape tensor.Shape, values ...float32) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	if err != nil {
		t.Fatalf("Failed to create tensor: %v", err)
	}
	copy(raw.AsFloat32(), values)
	return raw
}

func testStateDict(t *testing.T) map[string]*tensor.RawTensor {
	t.Helper()
	steps, err := tensor.NewRaw(tensor.Shape{2}, tensor.Int32, tensor.CPU)
	if err != nil {
		t.Fatalf("Failed to create tensor: %v", err)
	}
	copy(steps.AsInt32(), []int32{7, -3})

	return map[string]*tensor.RawTensor{
		"layers.0.weight":   newFloat32(t, tensor.Shape{2, 3}, 1, 2, 3, 4, 5, 6),
		"layers.0.bias":     newFloat32(t, tensor.Shape{2}, 0.1, 0.2),
		"layers.0.backward": newFloat32(t, tensor.Shape{2, 3}, -1, -2, -3, -4, -5, -6),
		"optimizer.steps":   steps,
	}
}

// TestSafeTensorsRoundTrip tests that every tensor and metadata entry survives a save/load cycle.
func TestSafeTensorsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	original := testStateDict(t)

	if err := WriteSafeTensors(path, original, map[string]string{"variant": "pseudo_backprop"}); err != nil {
		t.Fatalf("WriteSafeTensors failed: %v", err)
	}

	loaded, metadata, err := ReadSafeTensors(path)
	if err != nil {
		t.Fatalf("ReadSafeTensors failed: %v", err)
	}

	if metadata["variant"] != "pseudo_backprop" {
		t.Errorf("metadata variant = %q, want pseudo_backprop", metadata["variant"])
	}
	if len(metadata[MetadataChecksum]) != 64 {
		t.Errorf("checksum %q is not a hex SHA-256", metadata[MetadataChecksum])
	}
	if len(loaded) != len(original) {
		t.Fatalf("loaded %d tensors, want %d", len(loaded), len(original))
	}

	for name, want := range original {
		got, ok := loaded[name]
		if !ok {
			t.Fatalf("tensor %s missing after load", name)
		}
		if !got.Shape().Equal(want.Shape()) {
			t.Errorf("%s: shape %v, want %v", name, got.Shape(), want.Shape())
		}
		if got.DType() != want.DType() {
			t.Errorf("%s: dtype %s, want %s", name, got.DType(), want.DType())
		}
		if !bytes.Equal(got.Data(), want.Data()) {
			t.Errorf("%s: data differs after round trip", name)
		}
	}
}

// TestSafeTensorsLayout tests the header size prefix and alphabetical data order.
func TestSafeTensorsLayout(t *testing.T) {
	var buf bytes.Buffer
	stateDict := map[string]*tensor.RawTensor{
		"b": newFloat32(t, tensor.Shape{1}, 2),
		"a": newFloat32(t, tensor.Shape{1}, 1),
	}
	if err := NewSafeTensorsWriter(&buf).WriteStateDict(stateDict, nil); err != nil {
		t.Fatalf("WriteStateDict failed: %v", err)
	}

	encoded := buf.Bytes()
	headerSize := binary.LittleEndian.Uint64(encoded[:8])
	data := encoded[8+headerSize:]
	if len(data) != 8 {
		t.Fatalf("data section has %d bytes, want 8", len(data))
	}
	if !bytes.Equal(data[:4], stateDict["a"].Data()) || !bytes.Equal(data[4:], stateDict["b"].Data()) {
		t.Error("tensors are not stored in name order")
	}
}

// TestSafeTensorsChecksumMismatch tests that a flipped data byte is detected.
func TestSafeTensorsChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	if err := WriteSafeTensors(path, testStateDict(t), nil); err != nil {
		t.Fatalf("WriteSafeTensors failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	content[len(content)-1] ^= 0xFF
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	_, _, err = ReadSafeTensors(path)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
}

// TestSafeTensorsTruncated tests that a data section shorter than the header claims is rejected.
func TestSafeTensorsTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := NewSafeTensorsWriter(&buf).WriteStateDict(testStateDict(t), nil); err != nil {
		t.Fatalf("WriteStateDict failed: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-4]

	_, _, err := ReadFrom(bytes.NewReader(truncated))
	if !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds, got %v", err)
	}
}

// TestSafeTensorsHeaderTooLarge tests the header size limit.
func TestSafeTensorsHeaderTooLarge(t *testing.T) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint64(MaxHeaderSize+1))

	_, _, err := ReadFrom(&buf)
	if !errors.Is(err, ErrHeaderTooLarge) {
		t.Fatalf("expected ErrHeaderTooLarge, got %v", err)
	}
}

// TestSafeTensorsRejectsBadNames tests that unsafe tensor names are refused on write.
func TestSafeTensorsRejectsBadNames(t *testing.T) {
	for _, name := range []string{"", "../weight", "a/b", "__metadata__"} {
		var buf bytes.Buffer
		err := NewSafeTensorsWriter(&buf).WriteStateDict(map[string]*tensor.RawTensor{
			name: newFloat32(t, tensor.Shape{1}, 1),
		}, nil)
		if !errors.Is(err, ErrInvalidTensorName) {
			t.Errorf("name %q: expected ErrInvalidTensorName, got %v", name, err)
		}
	}
}

// TestValidateTensorOffsets tests overlap and negative offset detection.
func TestValidateTensorOffsets(t *testing.T) {
	tests := []struct {
		name    string
		tensors []TensorMeta
		want    error
	}{
		{
			name: "valid",
			tensors: []TensorMeta{
				{Name: "a", Offset: 0, Size: 8},
				{Name: "b", Offset: 8, Size: 8},
			},
		},
		{
			name: "overlap",
			tensors: []TensorMeta{
				{Name: "a", Offset: 0, Size: 12},
				{Name: "b", Offset: 8, Size: 8},
			},
			want: ErrOffsetOverlap,
		},
		{
			name:    "negative",
			tensors: []TensorMeta{{Name: "a", Offset: -4, Size: 4}},
			want:    ErrNegativeOffset,
		},
		{
			name:    "out of bounds",
			tensors: []TensorMeta{{Name: "a", Offset: 8, Size: 16}},
			want:    ErrOutOfBounds,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTensorOffsets(tt.tensors, 16)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

// TestValidateChecksum tests digest comparison.
func TestValidateChecksum(t *testing.T) {
	data := []byte("pseudoprop")
	sum := ComputeChecksum(data)
	hexSum := hex.EncodeToString(sum[:])

	if err := ValidateChecksum(data, hexSum); err != nil {
		t.Fatalf("valid checksum rejected: %v", err)
	}
	if err := ValidateChecksum([]byte("tampered"), hexSum); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
	if err := ValidateChecksum(data, "not-hex"); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch for malformed digest, got %v", err)
	}
}
