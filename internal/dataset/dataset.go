// Package dataset provides in-memory classification data and mini-batch
// iteration for training runs.
package dataset

import (
	"errors"
	"fmt"
	"math/rand"
)

// ErrInvalid reports an unusable dataset configuration.
var ErrInvalid = errors.New("invalid dataset")

// Dataset is a dense classification set. Row i of X (Features values) has label Y[i].
type Dataset struct {
	X          []float32
	Y          []int32
	Features   int
	NumClasses int
}

// Len returns the number of examples.
func (d *Dataset) Len() int {
	return len(d.Y)
}

// Example returns the features and label of example i.
func (d *Dataset) Example(i int) ([]float32, int32) {
	return d.X[i*d.Features : (i+1)*d.Features], d.Y[i]
}

// Split returns the first n examples and the rest as two datasets sharing no memory.
func (d *Dataset) Split(n int) (*Dataset, *Dataset, error) {
	if n < 0 || n > d.Len() {
		return nil, nil, fmt.Errorf("%w: split at %d of %d examples", ErrInvalid, n, d.Len())
	}
	head := &Dataset{
		X:          append([]float32(nil), d.X[:n*d.Features]...),
		Y:          append([]int32(nil), d.Y[:n]...),
		Features:   d.Features,
		NumClasses: d.NumClasses,
	}
	tail := &Dataset{
		X:          append([]float32(nil), d.X[n*d.Features:]...),
		Y:          append([]int32(nil), d.Y[n:]...),
		Features:   d.Features,
		NumClasses: d.NumClasses,
	}
	return head, tail, nil
}

// BlobsConfig describes a Gaussian-cluster classification problem.
type BlobsConfig struct {
	NumClasses      int     `yaml:"num_classes" json:"num_classes"`
	Features        int     `yaml:"features" json:"features"`
	SamplesPerClass int     `yaml:"samples_per_class" json:"samples_per_class"`
	CenterScale     float64 `yaml:"center_scale" json:"center_scale"` // Centers ~ U(-scale, scale)
	Spread          float64 `yaml:"spread" json:"spread"`             // Per-feature standard deviation
	Seed            int64   `yaml:"seed" json:"seed"`
}

// Validate checks the config.
func (c BlobsConfig) Validate() error {
	switch {
	case c.NumClasses < 2:
		return fmt.Errorf("%w: need at least 2 classes, got %d", ErrInvalid, c.NumClasses)
	case c.Features < 1:
		return fmt.Errorf("%w: features must be positive, got %d", ErrInvalid, c.Features)
	case c.SamplesPerClass < 1:
		return fmt.Errorf("%w: samples per class must be positive, got %d", ErrInvalid, c.SamplesPerClass)
	case c.Spread < 0 || c.CenterScale < 0:
		return fmt.Errorf("%w: spread and center scale must be non-negative", ErrInvalid)
	}
	return nil
}

// Blobs draws one Gaussian cluster per class and returns the examples in
// shuffled order. Equal configs produce identical datasets.
func Blobs(cfg BlobsConfig) (*Dataset, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	//nolint:gosec // G404: synthetic data, not security-sensitive
	rng := rand.New(rand.NewSource(cfg.Seed))

	centers := make([]float64, cfg.NumClasses*cfg.Features)
	for i := range centers {
		centers[i] = (2*rng.Float64() - 1) * cfg.CenterScale
	}

	n := cfg.NumClasses * cfg.SamplesPerClass
	ds := &Dataset{
		X:          make([]float32, n*cfg.Features),
		Y:          make([]int32, n),
		Features:   cfg.Features,
		NumClasses: cfg.NumClasses,
	}

	order := rng.Perm(n)
	for k := 0; k < n; k++ {
		class := k % cfg.NumClasses
		row := order[k]
		ds.Y[row] = int32(class) //nolint:gosec // G115: class < NumClasses
		center := centers[class*cfg.Features : (class+1)*cfg.Features]
		for f, c := range center {
			ds.X[row*cfg.Features+f] = float32(c + cfg.Spread*rng.NormFloat64())
		}
	}
	return ds, nil
}
