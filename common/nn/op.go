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

type op interface {
	String() string
	forward(inputs ...*Tensor) *Tensor
	backward(dy *Tensor) []*Tensor
	inputsAndOutput() ([]*Tensor, *Tensor)
	setInputs(inputs ...*Tensor)
	setOutput(y *Tensor)
}

type base struct {
	inputs []*Tensor
	output *Tensor
}

func (b *base) inputsAndOutput() ([]*Tensor, *Tensor) {
	return b.inputs, b.output
}

func (b *base) setInputs(inputs ...*Tensor) {
	b.inputs = inputs
}

func (b *base) setOutput(y *Tensor) {
	b.output = y
}

func apply[T op](f T, inputs ...*Tensor) *Tensor {
	y := f.forward(inputs...)
	f.setInputs(inputs...)
	f.setOutput(y)
	y.op = f
	return y
}

func checkSuffixShape(x0, x1 *Tensor) {
	for i := 0; i < len(x1.shape); i++ {
		if x0.shape[len(x0.shape)-len(x1.shape)+i] != x1.shape[i] {
			panic("the shape of the second tensor must be a suffix sequence of the shape of the first tensor")
		}
	}
}

type add struct {
	base
}

func (a *add) String() string {
	return "Add"
}

func (a *add) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.add(inputs[1])
	return y
}

func (a *add) backward(dy *Tensor) []*Tensor {
	gx0 := dy.clone()
	gx1 := Zeros(a.inputs[1].shape...)
	wSize := 1
	for i := range gx1.shape {
		wSize *= gx1.shape[i]
	}
	for i := range dy.data {
		gx1.data[i%wSize] += dy.data[i]
	}
	return []*Tensor{gx0, gx1}
}

type sub struct {
	base
}

func (s *sub) String() string {
	return "Sub"
}

func (s *sub) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.sub(inputs[1])
	return y
}

func (s *sub) backward(dy *Tensor) []*Tensor {
	gx0 := dy.clone()
	gx1 := Zeros(s.inputs[1].shape...)
	wSize := 1
	for i := range gx1.shape {
		wSize *= gx1.shape[i]
	}
	for i := range dy.data {
		gx1.data[i%wSize] -= dy.data[i]
	}
	return []*Tensor{gx0, gx1}
}

type mul struct {
	base
}

func (m *mul) String() string {
	return "Mul"
}

func (m *mul) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.mul(inputs[1])
	return y
}

func (m *mul) backward(dy *Tensor) []*Tensor {
	gx0 := dy.clone()
	gx0.mul(m.inputs[1])
	gx1 := Zeros(m.inputs[1].shape...)
	wSize := 1
	for i := range gx1.shape {
		wSize *= gx1.shape[i]
	}
	for i := range dy.data {
		gx1.data[i%wSize] += dy.data[i] * m.inputs[0].data[i]
	}
	return []*Tensor{gx0, gx1}
}

type div struct {
	base
}

func (d *div) String() string {
	return "Div"
}

func (d *div) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.div(inputs[1])
	return y
}

func (d *div) backward(dy *Tensor) []*Tensor {
	wSize := 1
	for i := range d.inputs[1].shape {
		wSize *= d.inputs[1].shape[i]
	}
	gx0 := Zeros(d.inputs[0].shape...)
	for i := range dy.data {
		gx0.data[i] = dy.data[i] / d.inputs[1].data[i%wSize]
	}
	gx1 := Zeros(d.inputs[1].shape...)
	for i := range dy.data {
		gx1.data[i%wSize] -= dy.data[i] * d.inputs[0].data[i] / d.inputs[1].data[i%wSize] / d.inputs[1].data[i%wSize]
	}
	return []*Tensor{gx0, gx1}
}

type square struct {
	base
}

func (s *square) String() string {
	return "Square"
}

func (s *square) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.square()
	return y
}

func (s *square) backward(dy *Tensor) []*Tensor {
	dx := s.inputs[0].clone()
	dx.mul(dy)
	for i := range dx.data {
		dx.data[i] *= 2
	}
	return []*Tensor{dx}
}

type exp struct {
	base
}

func (e *exp) String() string {
	return "Exp"
}

func (e *exp) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.exp()
	return y
}

func (e *exp) backward(dy *Tensor) []*Tensor {
	dx := e.output.clone()
	dx.mul(dy)
	return []*Tensor{dx}
}

type log struct {
	base
}

func (l *log) String() string {
	return "Log"
}

func (l *log) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.log()
	return y
}

func (l *log) backward(dy *Tensor) []*Tensor {
	dx := dy.clone()
	dx.div(l.inputs[0])
	return []*Tensor{dx}
}

type sum struct {
	base
}

func (s *sum) String() string {
	return "Sum"
}

func (s *sum) forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	y := NewScalar(0)
	for i := range x.data {
		y.data[0] += x.data[i]
	}
	return y
}

func (s *sum) backward(dy *Tensor) []*Tensor {
	dx := Zeros(s.inputs[0].shape...)
	for i := range dx.data {
		dx.data[i] = dy.data[0]
	}
	return []*Tensor{dx}
}

type mean struct {
	base
}

func (m *mean) String() string {
	return "Mean"
}

func (m *mean) forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	y := NewScalar(0)
	for i := range x.data {
		y.data[0] += x.data[i]
	}
	y.data[0] /= float32(len(x.data))
	return y
}

func (m *mean) backward(dy *Tensor) []*Tensor {
	dx := Zeros(m.inputs[0].shape...)
	for i := range dx.data {
		dx.data[i] = dy.data[0] / float32(len(dx.data))
	}
	return []*Tensor{dx}
}

type matMul struct {
	base
}

func (m *matMul) String() string {
	return "MatMul"
}

func (m *matMul) forward(inputs ...*Tensor) *Tensor {
	return inputs[0].matMul(inputs[1], false, false)
}

func (m *matMul) backward(dy *Tensor) []*Tensor {
	dx0 := dy.matMul(m.inputs[1], false, true)
	dx1 := m.inputs[0].matMul(dy, true, false)
	return []*Tensor{dx0, dx1}
}

type broadcast struct {
	base
	shape []int
}

func (b *broadcast) String() string {
	return "Broadcast"
}

func (b *broadcast) forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	shape := make([]int, len(x.shape))
	copy(shape, x.shape)
	shape = append(shape, b.shape...)
	size := 1
	for i := range shape {
		size *= shape[i]
	}
	y := NewTensor(make([]float32, size), shape...)
	wSize := 1
	for i := range b.shape {
		wSize *= b.shape[i]
	}
	for i := range x.data {
		for j := i * wSize; j < (i+1)*wSize; j++ {
			y.data[j] = x.data[i]
		}
	}
	return y
}

func (b *broadcast) backward(dy *Tensor) []*Tensor {
	gx := Zeros(b.inputs[0].shape...)
	wSize := 1
	for i := range b.shape {
		wSize *= b.shape[i]
	}
	for i := range gx.data {
		for j := i * wSize; j < (i+1)*wSize; j++ {
			gx.data[i] += dy.data[j]
		}
	}
	return []*Tensor{gx}
}

type flatten struct {
	base
}

func (f *flatten) String() string {
	return "Flatten"
}

func (f *flatten) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.shape = []int{len(y.data)}
	return y
}

func (f *flatten) backward(dy *Tensor) []*Tensor {
	dx := dy.clone()
	dx.shape = f.inputs[0].shape
	return []*Tensor{dx}
}

type sigmoid struct {
	base
}

func (s *sigmoid) String() string {
	return "Sigmoid"
}

func (s *sigmoid) forward(inputs ...*Tensor) *Tensor {
	// y = tanh(x * 0.5) * 0.5 + 0.5
	y := inputs[0].clone()
	y.mul(NewScalar(0.5))
	y.tanh()
	y.mul(NewScalar(0.5))
	y.add(NewScalar(0.5))
	return y
}

func (s *sigmoid) backward(dy *Tensor) []*Tensor {
	// dx = dy * y * (1 - y)
	dx := dy.clone()
	dx.mul(s.output)
	one := Ones(s.output.shape...)
	one.sub(s.output)
	dx.mul(one)
	return []*Tensor{dx}
}

type tanh struct {
	base
}

func (t *tanh) String() string {
	return "Tanh"
}

func (t *tanh) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.tanh()
	return y
}

func (t *tanh) backward(dy *Tensor) []*Tensor {
	// dx = dy * (1 - y^2)
	dx := t.output.clone()
	dx.square()
	dx.neg()
	dx.add(NewScalar(1))
	dx.mul(dy)
	return []*Tensor{dx}
}

type relu struct {
	base
}

func (r *relu) String() string {
	return "ReLU"
}

func (r *relu) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	for i := range y.data {
		if y.data[i] < 0 {
			y.data[i] = 0
		}
	}
	return y
}

func (r *relu) backward(dy *Tensor) []*Tensor {
	dx := dy.clone()
	for i := range dx.data {
		if r.inputs[0].data[i] <= 0 {
			dx.data[i] = 0
		}
	}
	return []*Tensor{dx}
}

type leakyReLU struct {
	base
	slope float32
}

func (l *leakyReLU) String() string {
	return "LeakyReLU"
}

func (l *leakyReLU) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	for i := range y.data {
		if y.data[i] < 0 {
			y.data[i] *= l.slope
		}
	}
	return y
}

func (l *leakyReLU) backward(dy *Tensor) []*Tensor {
	dx := dy.clone()
	for i := range dx.data {
		if l.inputs[0].data[i] <= 0 {
			dx.data[i] *= l.slope
		}
	}
	return []*Tensor{dx}
}

type embedding struct {
	base
}

func (e *embedding) String() string {
	return "Embedding"
}

func (e *embedding) forward(inputs ...*Tensor) *Tensor {
	w, x := inputs[0], inputs[1]
	dim := 1
	for _, s := range w.shape[1:] {
		dim *= s
	}
	shape := make([]int, 0, len(x.shape)+len(w.shape)-1)
	shape = append(shape, x.shape...)
	shape = append(shape, w.shape[1:]...)
	y := Zeros(shape...)
	for i := range x.data {
		index := int(x.data[i])
		copy(y.data[i*dim:(i+1)*dim], w.data[index*dim:(index+1)*dim])
	}
	return y
}

func (e *embedding) backward(dy *Tensor) []*Tensor {
	w, x := e.inputs[0], e.inputs[1]
	dim := 1
	for _, s := range w.shape[1:] {
		dim *= s
	}
	gw := Zeros(w.shape...)
	for i := range x.data {
		index := int(x.data[i])
		for j := 0; j < dim; j++ {
			gw.data[index*dim+j] += dy.data[i*dim+j]
		}
	}
	// Indices are not differentiable.
	return []*Tensor{gw, nil}
}

type concat struct {
	base
}

func (c *concat) String() string {
	return "Concat"
}

func (c *concat) forward(inputs ...*Tensor) *Tensor {
	rows := inputs[0].shape[0]
	cols := 0
	for _, x := range inputs {
		if len(x.shape) != 2 || x.shape[0] != rows {
			panic("concat requires matrices with the same number of rows")
		}
		cols += x.shape[1]
	}
	y := Zeros(rows, cols)
	offset := 0
	for _, x := range inputs {
		w := x.shape[1]
		for i := 0; i < rows; i++ {
			copy(y.data[i*cols+offset:i*cols+offset+w], x.data[i*w:(i+1)*w])
		}
		offset += w
	}
	return y
}

func (c *concat) backward(dy *Tensor) []*Tensor {
	rows := c.inputs[0].shape[0]
	cols := dy.shape[1]
	grads := make([]*Tensor, len(c.inputs))
	offset := 0
	for k, x := range c.inputs {
		w := x.shape[1]
		gx := Zeros(x.shape...)
		for i := 0; i < rows; i++ {
			copy(gx.data[i*w:(i+1)*w], dy.data[i*cols+offset:i*cols+offset+w])
		}
		grads[k] = gx
		offset += w
	}
	return grads
}

type dropout struct {
	base
	p    float32
	mask []float32
}

func (d *dropout) String() string {
	return "Dropout"
}

func (d *dropout) forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	y := x.clone()
	d.mask = make([]float32, len(x.data))
	scale := 1 / (1 - d.p)
	for i := range d.mask {
		if rng.Float32() >= d.p {
			d.mask[i] = scale
		}
		y.data[i] *= d.mask[i]
	}
	return y
}

func (d *dropout) backward(dy *Tensor) []*Tensor {
	dx := dy.clone()
	for i := range dx.data {
		dx.data[i] *= d.mask[i]
	}
	return []*Tensor{dx}
}

type neighborMean struct {
	base
	n    int
	dst  []int32
	src  []int32
	w    []float32
	norm []float32
}

func (m *neighborMean) String() string {
	return "NeighborMean"
}

func (m *neighborMean) forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	dim := x.shape[1]
	y := Zeros(m.n, dim)
	m.norm = make([]float32, m.n)
	for e := range m.dst {
		m.norm[m.dst[e]] += m.w[e]
	}
	for e := range m.dst {
		dst, src, w := int(m.dst[e]), int(m.src[e]), m.w[e]
		if m.norm[dst] == 0 {
			continue
		}
		scale := w / m.norm[dst]
		for j := 0; j < dim; j++ {
			y.data[dst*dim+j] += scale * x.data[src*dim+j]
		}
	}
	return y
}

func (m *neighborMean) backward(dy *Tensor) []*Tensor {
	x := m.inputs[0]
	dim := x.shape[1]
	dx := Zeros(x.shape...)
	for e := range m.dst {
		dst, src, w := int(m.dst[e]), int(m.src[e]), m.w[e]
		if m.norm[dst] == 0 {
			continue
		}
		scale := w / m.norm[dst]
		for j := 0; j < dim; j++ {
			dx.data[src*dim+j] += scale * dy.data[dst*dim+j]
		}
	}
	return []*Tensor{dx}
}

// Add returns the element-wise sum of two tensors. The shape of the second tensor must be a suffix sequence of the shape of the first tensor.
func Add(x0, x1 *Tensor) *Tensor {
	if len(x0.shape) < len(x1.shape) {
		x0, x1 = x1, x0
	}
	checkSuffixShape(x0, x1)
	return apply(&add{}, x0, x1)
}

// Sub returns the element-wise difference of two tensors. The shape of the second tensor must be a suffix sequence of the shape of the first tensor.
func Sub(x0, x1 *Tensor) *Tensor {
	if len(x0.shape) < len(x1.shape) {
		panic("the shape of the second tensor must be a suffix sequence of the shape of the first tensor")
	}
	checkSuffixShape(x0, x1)
	return apply(&sub{}, x0, x1)
}

// Mul returns the element-wise product of two tensors. The shape of the second tensor must be a suffix sequence of the shape of the first tensor.
func Mul(x0, x1 *Tensor) *Tensor {
	if len(x0.shape) < len(x1.shape) {
		x0, x1 = x1, x0
	}
	checkSuffixShape(x0, x1)
	return apply(&mul{}, x0, x1)
}

// Div returns the element-wise division of two tensors. The shape of the second tensor must be a suffix sequence of the shape of the first tensor.
func Div(x0, x1 *Tensor) *Tensor {
	if len(x0.shape) < len(x1.shape) {
		panic("the shape of the second tensor must be a suffix sequence of the shape of the first tensor")
	}
	checkSuffixShape(x0, x1)
	return apply(&div{}, x0, x1)
}

// Square returns the element-wise square of a tensor.
func Square(x *Tensor) *Tensor {
	return apply(&square{}, x)
}

// Exp returns the element-wise exponential of a tensor.
func Exp(x *Tensor) *Tensor {
	return apply(&exp{}, x)
}

// Log returns the element-wise natural logarithm of a tensor.
func Log(x *Tensor) *Tensor {
	return apply(&log{}, x)
}

// Sum returns the sum of all elements in a tensor.
func Sum(x *Tensor) *Tensor {
	return apply(&sum{}, x)
}

// Mean returns the mean of all elements in a tensor.
func Mean(x *Tensor) *Tensor {
	return apply(&mean{}, x)
}

func MatMul(x, y *Tensor) *Tensor {
	return apply(&matMul{}, x, y)
}

func Broadcast(x *Tensor, shape ...int) *Tensor {
	return apply(&broadcast{shape: shape}, x)
}

func Flatten(x *Tensor) *Tensor {
	return apply(&flatten{}, x)
}

func Sigmoid(x *Tensor) *Tensor {
	return apply(&sigmoid{}, x)
}

func Tanh(x *Tensor) *Tensor {
	return apply(&tanh{}, x)
}

func ReLu(x *Tensor) *Tensor {
	return apply(&relu{}, x)
}

// LeakyReLu returns max(x, slope*x) element-wise.
func LeakyReLu(x *Tensor, slope float32) *Tensor {
	return apply(&leakyReLU{slope: slope}, x)
}

// Embedding looks up rows of w by integer indices stored in x. The output
// shape is the shape of x followed by the row shape of w.
func Embedding(w, x *Tensor) *Tensor {
	return apply(&embedding{}, w, x)
}

// Concat concatenates matrices along the second axis.
func Concat(inputs ...*Tensor) *Tensor {
	if len(inputs) == 1 {
		return inputs[0]
	}
	return apply(&concat{}, inputs...)
}

// Dropout randomly zeroes elements with probability p and rescales the rest.
// When training is false the input passes through unchanged.
func Dropout(x *Tensor, p float32, training bool) *Tensor {
	if !training || p <= 0 {
		return x
	}
	return apply(&dropout{p: p}, x)
}

// NeighborMean aggregates rows of x over an edge list. Row i of the result is
// the weighted mean of x[src[e]] over all edges e with dst[e] == i. Rows
// without incoming edges stay zero.
func NeighborMean(x *Tensor, n int, dst, src []int32, weight []float32) *Tensor {
	return apply(&neighborMean{n: n, dst: dst, src: src, w: weight}, x)
}
