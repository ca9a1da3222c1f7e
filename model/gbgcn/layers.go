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

package gbgcn

import (
	"github.com/chewxy/math32"
	"github.com/gbrec-io/gbrec/common/nn"
)

const leakySlope = 0.2

// gcnLayer is one graph convolution step. Self and neighbor messages are
// transformed separately, summed with a bias and passed through LeakyReLU.
type gcnLayer struct {
	wSelf  *nn.Tensor
	wNeigh *nn.Tensor
	bias   *nn.Tensor
}

func newGCNLayer(dim int) *gcnLayer {
	std := 1.0 / math32.Sqrt(float32(dim))
	return &gcnLayer{
		wSelf:  nn.Normal(0, std, dim, dim),
		wNeigh: nn.Normal(0, std, dim, dim),
		bias:   nn.Zeros(dim),
	}
}

func (l *gcnLayer) parameters() []*nn.Tensor {
	return []*nn.Tensor{l.wSelf, l.wNeigh, l.bias}
}

func (l *gcnLayer) forward(x, agg *nn.Tensor, dropout float32, training bool) *nn.Tensor {
	h := nn.Add(nn.Add(nn.MatMul(x, l.wSelf), nn.MatMul(agg, l.wNeigh)), l.bias)
	return nn.Dropout(nn.LeakyReLu(h, leakySlope), dropout, training)
}

// crossView exchanges information between the initiator and participant user
// embeddings through a learned gate. The gate decides per user how much of
// the other view leaks in.
type crossView struct {
	dim       int
	attnInit  *nn.LinearLayer
	attnPart  *nn.LinearLayer
	combine   *nn.LinearLayer
	transform *nn.LinearLayer
}

func newCrossView(dim int) *crossView {
	return &crossView{
		dim:       dim,
		attnInit:  nn.NewLinear(dim, dim),
		attnPart:  nn.NewLinear(dim, dim),
		combine:   nn.NewLinear(2*dim, 1),
		transform: nn.NewLinear(dim, dim),
	}
}

func (c *crossView) parameters() []*nn.Tensor {
	var params []*nn.Tensor
	params = append(params, c.attnInit.Parameters()...)
	params = append(params, c.attnPart.Parameters()...)
	params = append(params, c.combine.Parameters()...)
	params = append(params, c.transform.Parameters()...)
	return params
}

func (c *crossView) forward(init, part *nn.Tensor, dropout float32, training bool) (*nn.Tensor, *nn.Tensor) {
	n := init.Shape()[0]
	gate := nn.Sigmoid(c.combine.Forward(nn.Concat(
		c.attnInit.Forward(init), c.attnPart.Forward(part))))
	g := nn.Broadcast(nn.Flatten(gate), c.dim)
	gInv := nn.Sub(nn.Ones(n, c.dim), g)
	initOut := nn.Add(init, nn.Dropout(nn.Mul(g, c.transform.Forward(part)), dropout, training))
	partOut := nn.Add(part, nn.Dropout(nn.Mul(gInv, c.transform.Forward(init)), dropout, training))
	return initOut, partOut
}

// socialModule propagates user embeddings over the social graph. Users
// without social edges keep a zero social embedding.
type socialModule struct {
	layers     []*gcnLayer
	aggregator *nn.LinearLayer
}

func newSocialModule(dim int) *socialModule {
	return &socialModule{
		layers:     []*gcnLayer{newGCNLayer(dim), newGCNLayer(dim)},
		aggregator: nn.NewLinear(dim, dim),
	}
}

func (s *socialModule) parameters() []*nn.Tensor {
	var params []*nn.Tensor
	for _, layer := range s.layers {
		params = append(params, layer.parameters()...)
	}
	params = append(params, s.aggregator.Parameters()...)
	return params
}

func (s *socialModule) forward(emb *nn.Tensor, nUsers int, dst, src []int32, weight []float32,
	mask *nn.Tensor, dropout float32, training bool) *nn.Tensor {
	h := emb
	for _, layer := range s.layers {
		agg := nn.NeighborMean(h, nUsers, dst, src, weight)
		h = layer.forward(h, agg, dropout, training)
	}
	return nn.Mul(s.aggregator.Forward(h), mask)
}

// mlpHead scores feature vectors with a small multilayer perceptron ending
// in a sigmoid.
type mlpHead struct {
	layers []*nn.LinearLayer
}

// newMLPHead builds a head with the given layer widths, e.g. 4d, 2d, d, 1.
func newMLPHead(widths ...int) *mlpHead {
	head := new(mlpHead)
	for i := 0; i+1 < len(widths); i++ {
		head.layers = append(head.layers, nn.NewLinear(widths[i], widths[i+1]))
	}
	return head
}

func (h *mlpHead) parameters() []*nn.Tensor {
	var params []*nn.Tensor
	for _, layer := range h.layers {
		params = append(params, layer.Parameters()...)
	}
	return params
}

func (h *mlpHead) forward(x *nn.Tensor, dropout float32, training bool) *nn.Tensor {
	for i, layer := range h.layers {
		x = layer.Forward(x)
		if i+1 < len(h.layers) {
			x = nn.ReLu(x)
			if i == 0 {
				x = nn.Dropout(x, dropout, training)
			}
		}
	}
	return nn.Sigmoid(x)
}
