package serialization

import (
	"github.com/born-ml/pseudoprop/internal/tensor"
)

// metadataKey is the reserved header entry for string metadata.
const metadataKey = "__metadata__"

// SafeTensors dtype strings.
const (
	DTypeF32 = "F32"
	DTypeF64 = "F64"
	DTypeI32 = "I32"
)

// SafeTensorHeader represents a tensor in the SafeTensors header.
type SafeTensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// TensorMeta describes one tensor of a decoded header.
type TensorMeta struct {
	Name   string
	DType  tensor.DataType
	Shape  tensor.Shape
	Offset int64 // Byte offset within the data section
	Size   int64 // Size in bytes
}

// Header is a decoded SafeTensors header.
type Header struct {
	Tensors  []TensorMeta
	Metadata map[string]string
}

// dtypeToSafeTensors converts tensor.DataType to SafeTensors dtype string.
func dtypeToSafeTensors(dt tensor.DataType) (string, bool) {
	switch dt {
	case tensor.Float32:
		return DTypeF32, true
	case tensor.Float64:
		return DTypeF64, true
	case tensor.Int32:
		return DTypeI32, true
	default:
		return "", false
	}
}

// safeTensorsToDType converts a SafeTensors dtype string to tensor.DataType.
func safeTensorsToDType(s string) (tensor.DataType, bool) {
	switch s {
	case DTypeF32:
		return tensor.Float32, true
	case DTypeF64:
		return tensor.Float64, true
	case DTypeI32:
		return tensor.Int32, true
	default:
		return 0, false
	}
}
