// Copyright 2025 gbrec Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nn

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/chewxy/math32"
)

var rng = rand.New(rand.NewSource(0))

// SetRandomSeed resets the random generator used by weight initialization
// and dropout masks.
func SetRandomSeed(seed int64) {
	rng = rand.New(rand.NewSource(seed))
}

type Tensor struct {
	data  []float32
	shape []int
	grad  *Tensor
	op    op
}

func NewTensor(data []float32, shape ...int) *Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	if n != len(data) {
		panic(fmt.Sprintf("shape %v does not match data length %d", shape, len(data)))
	}
	return &Tensor{
		data:  data,
		shape: shape,
	}
}

func NewScalar(data float32) *Tensor {
	return &Tensor{
		data:  []float32{data},
		shape: []int{},
	}
}

// Rand creates a tensor filled with uniform random values in [0,1).
func Rand(shape ...int) *Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = rng.Float32()
	}
	return &Tensor{
		data:  data,
		shape: shape,
	}
}

// Normal creates a tensor filled with normally distributed random values.
func Normal(mean, std float32, shape ...int) *Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(rng.NormFloat64())*std + mean
	}
	return &Tensor{
		data:  data,
		shape: shape,
	}
}

// Ones creates a tensor filled with ones.
func Ones(shape ...int) *Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = 1
	}
	return &Tensor{
		data:  data,
		shape: shape,
	}
}

// Zeros creates a tensor filled with zeros.
func Zeros(shape ...int) *Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return &Tensor{
		data:  make([]float32, n),
		shape: shape,
	}
}

// Data exposes the raw values of a tensor.
func (t *Tensor) Data() []float32 {
	return t.data
}

// Shape returns the shape of a tensor.
func (t *Tensor) Shape() []int {
	return t.shape
}

// Slice returns rows [begin, end) of a matrix as a view.
func (t *Tensor) Slice(begin, end int) *Tensor {
	if len(t.shape) < 1 {
		panic("slice requires at least one dimension")
	}
	rowSize := 1
	for _, s := range t.shape[1:] {
		rowSize *= s
	}
	shape := make([]int, len(t.shape))
	copy(shape, t.shape)
	shape[0] = end - begin
	return &Tensor{
		data:  t.data[begin*rowSize : end*rowSize],
		shape: shape,
	}
}

// NoGrad detaches a tensor from the computation graph.
func (t *Tensor) NoGrad() *Tensor {
	if t.op != nil {
		t.op = nil
	}
	return t
}

// IsNaN reports whether any element is NaN or infinite.
func (t *Tensor) IsNaN() bool {
	for _, v := range t.data {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return true
		}
	}
	return false
}

func (t *Tensor) String() string {
	// Print scalar value
	if len(t.shape) == 0 {
		return fmt.Sprint(t.data[0])
	}

	builder := strings.Builder{}
	builder.WriteString("[")
	if len(t.data) <= 10 {
		for i := 0; i < len(t.data); i++ {
			builder.WriteString(fmt.Sprint(t.data[i]))
			if i != len(t.data)-1 {
				builder.WriteString(", ")
			}
		}
	} else {
		for i := 0; i < 5; i++ {
			builder.WriteString(fmt.Sprint(t.data[i]))
			builder.WriteString(", ")
		}
		builder.WriteString("..., ")
		for i := len(t.data) - 5; i < len(t.data); i++ {
			builder.WriteString(fmt.Sprint(t.data[i]))
			if i != len(t.data)-1 {
				builder.WriteString(", ")
			}
		}
	}
	builder.WriteString("]")
	return builder.String()
}

// Backward propagates gradients through the graph rooted at t. Gradients
// accumulate when a tensor feeds multiple downstream operators, so an
// operator runs its backward pass only after all of its consumers finished.
func (t *Tensor) Backward() {
	if t.op == nil {
		return
	}
	t.grad = Ones(t.shape...)
	// Count consumer edges of each operator.
	degree := make(map[op]int)
	visited := map[op]bool{t.op: true}
	stack := []op{t.op}
	for len(stack) > 0 {
		o := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		inputs, _ := o.inputsAndOutput()
		for _, input := range inputs {
			if input.op != nil {
				degree[input.op]++
				if !visited[input.op] {
					visited[input.op] = true
					stack = append(stack, input.op)
				}
			}
		}
	}
	queue := []op{t.op}
	for len(queue) > 0 {
		o := queue[0]
		queue = queue[1:]
		inputs, output := o.inputsAndOutput()
		grads := o.backward(output.grad)
		for i := range grads {
			input := inputs[i]
			if grads[i] != nil {
				if input.grad == nil {
					input.grad = grads[i]
				} else {
					input.grad.add(grads[i])
				}
			}
			if input.op != nil {
				degree[input.op]--
				if degree[input.op] == 0 {
					queue = append(queue, input.op)
				}
			}
		}
	}
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

func (t *Tensor) clone() *Tensor {
	newData := make([]float32, len(t.data))
	copy(newData, t.data)
	return &Tensor{
		data:  newData,
		shape: t.shape,
	}
}

func (t *Tensor) add(other *Tensor) *Tensor {
	wSize := 1
	for i := range other.shape {
		wSize *= other.shape[i]
	}
	for i := range t.data {
		t.data[i] += other.data[i%wSize]
	}
	return t
}

func (t *Tensor) sub(other *Tensor) *Tensor {
	wSize := 1
	for i := range other.shape {
		wSize *= other.shape[i]
	}
	for i := range t.data {
		t.data[i] -= other.data[i%wSize]
	}
	return t
}

func (t *Tensor) mul(other *Tensor) *Tensor {
	wSize := 1
	for i := range other.shape {
		wSize *= other.shape[i]
	}
	for i := range t.data {
		t.data[i] *= other.data[i%wSize]
	}
	return t
}

func (t *Tensor) div(other *Tensor) *Tensor {
	wSize := 1
	for i := range other.shape {
		wSize *= other.shape[i]
	}
	for i := range t.data {
		t.data[i] /= other.data[i%wSize]
	}
	return t
}

func (t *Tensor) square() *Tensor {
	for i := range t.data {
		t.data[i] = t.data[i] * t.data[i]
	}
	return t
}

func (t *Tensor) exp() *Tensor {
	for i := range t.data {
		t.data[i] = math32.Exp(t.data[i])
	}
	return t
}

func (t *Tensor) log() *Tensor {
	for i := range t.data {
		t.data[i] = math32.Log(t.data[i])
	}
	return t
}

func (t *Tensor) tanh() *Tensor {
	for i := range t.data {
		t.data[i] = math32.Tanh(t.data[i])
	}
	return t
}

func (t *Tensor) neg() *Tensor {
	for i := range t.data {
		t.data[i] = -t.data[i]
	}
	return t
}

func (t *Tensor) matMul(other *Tensor, transpose1, transpose2 bool) *Tensor {
	if len(t.shape) != 2 || len(other.shape) != 2 {
		panic("matMul requires matrices")
	}
	var m, n, k int
	if transpose1 {
		m, k = t.shape[1], t.shape[0]
	} else {
		m, k = t.shape[0], t.shape[1]
	}
	var k2 int
	if transpose2 {
		k2, n = other.shape[1], other.shape[0]
	} else {
		k2, n = other.shape[0], other.shape[1]
	}
	if k != k2 {
		panic("matMul shape mismatch")
	}
	y := Zeros(m, n)
	for i := 0; i < m; i++ {
		for l := 0; l < k; l++ {
			var a float32
			if transpose1 {
				a = t.data[l*m+i]
			} else {
				a = t.data[i*k+l]
			}
			if a == 0 {
				continue
			}
			if transpose2 {
				for j := 0; j < n; j++ {
					y.data[i*n+j] += a * other.data[j*k+l]
				}
			} else {
				for j := 0; j < n; j++ {
					y.data[i*n+j] += a * other.data[l*n+j]
				}
			}
		}
	}
	return y
}
