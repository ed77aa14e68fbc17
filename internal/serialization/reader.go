package serialization

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/born-ml/pseudoprop/internal/tensor"
)

// ReadSafeTensors loads every tensor and the metadata from path.
func ReadSafeTensors(path string) (map[string]*tensor.RawTensor, map[string]string, error) {
	//nolint:gosec // G304: File path comes from user input, which is expected for model loading
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	stateDict, header, err := ReadFrom(bufio.NewReader(file))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return stateDict, header.Metadata, nil
}

// ReadFrom decodes a SafeTensors stream.
//
// When the metadata carries MetadataChecksum, the data section is verified
// against it and ErrChecksumMismatch is returned on mismatch.
func ReadFrom(r io.Reader) (map[string]*tensor.RawTensor, Header, error) {
	var headerSize uint64
	if err := binary.Read(r, binary.LittleEndian, &headerSize); err != nil {
		return nil, Header{}, fmt.Errorf("failed to read header size: %w", err)
	}
	if headerSize > MaxHeaderSize {
		return nil, Header{}, fmt.Errorf("%w: %d bytes", ErrHeaderTooLarge, headerSize)
	}

	headerJSON := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, Header{}, fmt.Errorf("failed to read header: %w", err)
	}
	header, err := parseHeader(headerJSON)
	if err != nil {
		return nil, Header{}, err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, Header{}, fmt.Errorf("failed to read tensor data: %w", err)
	}
	if err := ValidateHeader(&header, int64(len(data))); err != nil {
		return nil, Header{}, err
	}
	if sum, ok := header.Metadata[MetadataChecksum]; ok {
		if err := ValidateChecksum(data, sum); err != nil {
			return nil, Header{}, err
		}
	}

	stateDict := make(map[string]*tensor.RawTensor, len(header.Tensors))
	for _, meta := range header.Tensors {
		raw, err := tensor.NewRaw(meta.Shape, meta.DType, tensor.CPU)
		if err != nil {
			return nil, Header{}, fmt.Errorf("tensor %s: %w", meta.Name, err)
		}
		copy(raw.Data(), data[meta.Offset:meta.Offset+meta.Size])
		stateDict[meta.Name] = raw
	}
	return stateDict, header, nil
}

func parseHeader(headerJSON []byte) (Header, error) {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(headerJSON, &entries); err != nil {
		return Header{}, fmt.Errorf("failed to parse header: %w", err)
	}
	if len(entries) > MaxTensorCount+1 {
		return Header{}, &ValidationError{
			Err:     ErrTooManyTensors,
			Details: fmt.Sprintf("got %d, max %d", len(entries), MaxTensorCount),
		}
	}

	header := Header{Metadata: map[string]string{}}
	for name, entry := range entries {
		if name == metadataKey {
			if err := json.Unmarshal(entry, &header.Metadata); err != nil {
				return Header{}, fmt.Errorf("failed to parse metadata: %w", err)
			}
			continue
		}

		var th SafeTensorHeader
		if err := json.Unmarshal(entry, &th); err != nil {
			return Header{}, fmt.Errorf("tensor %s: failed to parse header entry: %w", name, err)
		}
		dtype, ok := safeTensorsToDType(th.DType)
		if !ok {
			return Header{}, fmt.Errorf("tensor %s: %w: %s", name, ErrUnsupportedDType, th.DType)
		}
		shape := make(tensor.Shape, len(th.Shape))
		for i, dim := range th.Shape {
			if dim < 0 {
				return Header{}, &ValidationError{Err: ErrNegativeOffset, Tensor: name, Details: fmt.Sprintf("dimension %d is %d", i, dim)}
			}
			shape[i] = int(dim)
		}
		header.Tensors = append(header.Tensors, TensorMeta{
			Name:   name,
			DType:  dtype,
			Shape:  shape,
			Offset: th.DataOffsets[0],
			Size:   th.DataOffsets[1] - th.DataOffsets[0],
		})
	}

	sort.Slice(header.Tensors, func(i, j int) bool {
		return header.Tensors[i].Name < header.Tensors[j].Name
	})
	return header, nil
}
