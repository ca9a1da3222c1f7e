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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLinearRegression(t *testing.T) {
	SetRandomSeed(0)
	x := Rand(100, 1)
	y := Add(Mul(x, NewScalar(2)), NewScalar(5)).NoGrad()

	w := Zeros(1, 1)
	b := Zeros(1)
	predict := func(x *Tensor) *Tensor { return Add(MatMul(x, w), b) }

	optimizer := NewSGD([]*Tensor{w, b}, 0.1)
	for i := 0; i < 500; i++ {
		yPred := predict(x)
		loss := MeanSquareError(y, yPred)

		optimizer.ZeroGrad()
		loss.Backward()
		optimizer.Step()
	}

	assert.Equal(t, []int{1, 1}, w.shape)
	assert.InDelta(t, float64(2), w.data[0], 0.5)
	assert.Equal(t, []int{1}, b.shape)
	assert.InDelta(t, float64(5), b.data[0], 0.5)
}

func TestBinaryClassifier(t *testing.T) {
	SetRandomSeed(0)
	// Two gaussian blobs on the diagonal.
	n := 100
	x := Zeros(2*n, 2)
	target := Zeros(2 * n)
	for i := 0; i < n; i++ {
		x.data[i*2] = float32(rng.NormFloat64())*0.3 + 1
		x.data[i*2+1] = float32(rng.NormFloat64())*0.3 + 1
		target.data[i] = 1
	}
	for i := n; i < 2*n; i++ {
		x.data[i*2] = float32(rng.NormFloat64())*0.3 - 1
		x.data[i*2+1] = float32(rng.NormFloat64())*0.3 - 1
	}

	model := NewSequential(
		NewLinear(2, 8),
		NewReLU(),
		NewLinear(8, 1),
		NewSigmoid(),
	)
	optimizer := NewAdam(model.Parameters(), 0.01)

	var l float32
	for i := 0; i < 200; i++ {
		yPred := Flatten(model.Forward(x))
		loss := BCELoss(yPred, target)

		optimizer.ZeroGrad()
		loss.Backward()
		optimizer.Step()
		l = loss.data[0]
	}
	assert.Less(t, l, float32(0.1))

	yPred := Flatten(model.Forward(x))
	var correct int
	for i := range yPred.data {
		if (yPred.data[i] > 0.5) == (target.data[i] > 0.5) {
			correct++
		}
	}
	assert.Greater(t, float64(correct)/float64(2*n), 0.95)
}

func TestAdamWeightDecay(t *testing.T) {
	SetRandomSeed(0)
	w := Normal(0, 1, 4, 4)
	optimizer := NewAdam([]*Tensor{w}, 0.1)
	optimizer.SetWeightDecay(1e-2)
	for i := 0; i < 100; i++ {
		loss := Sum(Square(w))
		optimizer.ZeroGrad()
		loss.Backward()
		optimizer.Step()
	}
	for _, v := range w.data {
		assert.InDelta(t, 0, v, 0.1)
	}
}
