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

// MeanSquareError returns the mean squared difference of two tensors.
func MeanSquareError(x, y *Tensor) *Tensor {
	return Mean(Square(Sub(x, y)))
}

// BPRLoss returns the Bayesian personalized ranking loss
// mean(-log(sigmoid(positive - negative))) computed through the
// softplus identity.
func BPRLoss(positive, negative *Tensor) *Tensor {
	return Mean(Log(Add(Exp(Sub(negative, positive)), NewScalar(1))))
}

// BCELoss returns the binary cross entropy between predictions in (0,1) and
// binary targets. The target tensor is treated as a constant.
func BCELoss(prediction, target *Tensor) *Tensor {
	eps := NewScalar(1e-7)
	posLog := Log(Add(prediction, eps))
	negLog := Log(Add(Sub(Ones(prediction.shape...), prediction), eps))
	oneMinusTarget := Sub(Ones(target.shape...), target)
	loss := Add(Mul(target, posLog), Mul(oneMinusTarget, negLog))
	return Mul(Mean(loss), NewScalar(-1))
}

// L2Penalty returns weight * mean(x^2).
func L2Penalty(x *Tensor, weight float32) *Tensor {
	return Mul(Mean(Square(x)), NewScalar(weight))
}
