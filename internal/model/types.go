package model

import "fmt"

const (
	ImageSize = 180
	Channels  = 3
)

// Classes is the label order the artifact was trained with. Output index i
// of the model corresponds to Classes[i].
var Classes = []string{"Healthy", "Mosaic", "RedRot", "Rust", "Yellow"}

// InputShape is NHWC with a batch of one.
var InputShape = []int64{1, ImageSize, ImageSize, Channels}

func OutputShape() []int64 {
	return []int64{1, int64(len(Classes))}
}

// Tensor is a dense float32 array in row-major order.
type Tensor struct {
	Shape []int64
	Data  []float32
}

func NewTensor(shape []int64) *Tensor {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return &Tensor{
		Shape: append([]int64(nil), shape...),
		Data:  make([]float32, n),
	}
}

// MinMax returns the smallest and largest element. Both are zero for an
// empty tensor.
func (t *Tensor) MinMax() (float32, float32) {
	if len(t.Data) == 0 {
		return 0, 0
	}
	lo, hi := t.Data[0], t.Data[0]
	for _, v := range t.Data[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func (t *Tensor) String() string {
	lo, hi := t.MinMax()
	return fmt.Sprintf("shape=%v min=%g max=%g", t.Shape, lo, hi)
}

type Prediction struct {
	Label       string
	Probability float32
}

// ArgMax returns the index and value of the largest element; ties resolve
// to the lowest index. It returns -1 for an empty slice.
func ArgMax(values []float32) (int, float32) {
	if len(values) == 0 {
		return -1, 0
	}
	maxIdx := 0
	maxVal := values[0]
	for i, val := range values[1:] {
		if val > maxVal {
			maxVal = val
			maxIdx = i + 1
		}
	}
	return maxIdx, maxVal
}

// Decide maps a model output distribution to a labelled prediction.
func Decide(dist []float32) (Prediction, error) {
	if len(dist) != len(Classes) {
		return Prediction{}, fmt.Errorf("model returned %d scores, expected %d", len(dist), len(Classes))
	}
	idx, val := ArgMax(dist)
	return Prediction{Label: Classes[idx], Probability: val}, nil
}
