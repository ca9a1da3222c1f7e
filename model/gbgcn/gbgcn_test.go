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
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/chewxy/math32"
	"github.com/gbrec-io/gbrec/dataset"
	"github.com/gbrec-io/gbrec/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTrainingSet builds a two-community graph: the first half of the users
// interacts with the first half of the items, the second half with the
// second half.
func newTrainingSet() *dataset.Dataset {
	d := dataset.NewDataset(time.Now())
	const nUsers, nItems = 24, 12
	for i := 0; i < nUsers; i++ {
		d.AddUser(fmt.Sprintf("user%02d", i))
	}
	for i := 0; i < nItems; i++ {
		d.AddItem(fmt.Sprintf("item%02d", i))
	}
	for u := 0; u < nUsers; u++ {
		base := 0
		if u >= nUsers/2 {
			base = nItems / 2
		}
		for j := 0; j < 4; j++ {
			item := base + (u+j)%(nItems/2)
			if j == 0 {
				d.AddInitiation(fmt.Sprintf("user%02d", u), fmt.Sprintf("item%02d", item), 1)
			} else {
				d.AddParticipation(fmt.Sprintf("user%02d", u), fmt.Sprintf("item%02d", item), 1)
			}
		}
	}
	// social edges inside each community
	for u := 0; u < nUsers; u++ {
		friend := u + 1
		if u == nUsers/2-1 || u == nUsers-1 {
			friend = u - 1
		}
		d.AddSocialEdge(fmt.Sprintf("user%02d", u), fmt.Sprintf("user%02d", friend), 0.8)
	}
	// labeled groups, larger groups succeed
	for u := 0; u < nUsers; u += 4 {
		members := []string{
			fmt.Sprintf("user%02d", u),
			fmt.Sprintf("user%02d", u+1),
			fmt.Sprintf("user%02d", u+2),
		}
		succeeded := u%8 == 0
		if !succeeded {
			members = members[:1]
		}
		base := 0
		if u >= nUsers/2 {
			base = 6
		}
		d.AddGroup(fmt.Sprintf("item%02d", base), fmt.Sprintf("user%02d", u), members, succeeded)
	}
	return d
}

func newTestModel(state int64) *GBGCN {
	return NewGBGCN(model.Params{
		model.NFactors:    8,
		model.NLayers:     2,
		model.NEpochs:     30,
		model.Patience:    10,
		model.Lr:          0.01,
		model.RandomState: state,
	})
}

func TestGBGCNFit(t *testing.T) {
	trainSet, validSet := newTrainingSet().Split(0.2, 0)
	m := newTestModel(42)
	score, err := m.Fit(context.Background(), trainSet, validSet, NewFitConfig().SetVerbose(10))
	require.NoError(t, err)
	assert.Greater(t, score.Loss, float32(0))
	assert.Less(t, score.Loss, float32(1.5))
	assert.False(t, m.Invalid())

	// materialized embeddings have the configured width
	assert.Len(t, m.UserEmbedding, trainSet.CountUsers())
	assert.Len(t, m.ItemEmbedding, trainSet.CountItems())
	assert.Len(t, m.UserEmbedding[0], 8)

	// the two user views diverge
	assert.NotEqual(t, m.UserInitiator, m.UserParticipant)

	// predictions are probabilities
	prediction := m.Predict("user00", "item00")
	assert.Greater(t, prediction, float32(0))
	assert.Less(t, prediction, float32(1))

	// unknown entities score zero
	assert.Zero(t, m.Predict("stranger", "item00"))
	assert.Zero(t, m.Predict("user00", "unknown"))
	assert.False(t, m.IsUserPredictable(-1))
	assert.False(t, m.IsItemPredictable(1000))
}

func TestGBGCNDeterminism(t *testing.T) {
	trainSet, validSet := newTrainingSet().Split(0.2, 0)
	m1 := newTestModel(42)
	_, err := m1.Fit(context.Background(), trainSet, validSet, NewFitConfig())
	require.NoError(t, err)
	m2 := newTestModel(42)
	_, err = m2.Fit(context.Background(), trainSet, validSet, NewFitConfig())
	require.NoError(t, err)
	assert.Equal(t, m1.UserEmbedding, m2.UserEmbedding)
	assert.Equal(t, m1.Predict("user01", "item01"), m2.Predict("user01", "item01"))
}

func TestGBGCNGroupSuccess(t *testing.T) {
	trainSet, validSet := newTrainingSet().Split(0.2, 0)
	m := newTestModel(42)
	_, err := m.Fit(context.Background(), trainSet, validSet, NewFitConfig())
	require.NoError(t, err)

	itemIndex, ok := m.ItemIndex.Lookup("item00")
	require.True(t, ok)
	members := make([]int32, 0)
	for _, userId := range []string{"user00", "user01", "user02"} {
		userIndex, exist := m.UserIndex.Lookup(userId)
		require.True(t, exist)
		members = append(members, userIndex)
	}
	probability := m.PredictGroupSuccess(itemIndex, members)
	assert.Greater(t, probability, float32(0))
	assert.Less(t, probability, float32(1))

	// groups of unknown members cannot be scored
	assert.Zero(t, m.PredictGroupSuccess(itemIndex, []int32{-1, 1000}))
	assert.Zero(t, m.PredictGroupSuccess(1000, members))
}

func TestGBGCNWithoutCrossView(t *testing.T) {
	trainSet, validSet := newTrainingSet().Split(0.2, 0)
	m := NewGBGCN(model.Params{
		model.NFactors:     8,
		model.NLayers:      1,
		model.NEpochs:      5,
		model.RandomState:  int64(42),
		model.UseCrossView: false,
	})
	score, err := m.Fit(context.Background(), trainSet, validSet, NewFitConfig())
	require.NoError(t, err)
	assert.Greater(t, score.Loss, float32(0))
	assert.False(t, m.Invalid())
}

func TestGBGCNTrainingImproves(t *testing.T) {
	trainSet, validSet := newTrainingSet().Split(0.2, 0)
	// a single epoch scores the starting point, the full run must beat it
	short := NewGBGCN(model.Params{
		model.NFactors:    8,
		model.NLayers:     2,
		model.NEpochs:     1,
		model.Lr:          0.01,
		model.RandomState: int64(42),
	})
	firstScore, err := short.Fit(context.Background(), trainSet, validSet, NewFitConfig())
	require.NoError(t, err)
	long := newTestModel(42)
	finalScore, err := long.Fit(context.Background(), trainSet, validSet, NewFitConfig())
	require.NoError(t, err)
	assert.Less(t, finalScore.Loss, firstScore.Loss)
}

func TestGBGCNDiverge(t *testing.T) {
	trainSet, validSet := newTrainingSet().Split(0.2, 0)
	m := NewGBGCN(model.Params{
		model.NFactors:    8,
		model.NLayers:     1,
		model.NEpochs:     10,
		model.Lr:          1e30,
		model.RandomState: int64(42),
	})
	_, err := m.Fit(context.Background(), trainSet, validSet, NewFitConfig())
	assert.ErrorIs(t, err, ErrTrainingDiverged)
	// the parameters roll back to the last healthy snapshot and still
	// materialize a servable model
	assert.False(t, m.Invalid())
	prediction := m.Predict("user00", "item00")
	assert.False(t, math32.IsNaN(prediction))
}

func TestGBGCNMarshal(t *testing.T) {
	trainSet, validSet := newTrainingSet().Split(0.2, 0)
	m := newTestModel(42)
	_, err := m.Fit(context.Background(), trainSet, validSet, NewFitConfig())
	require.NoError(t, err)

	buf := bytes.NewBuffer(nil)
	require.NoError(t, m.Marshal(buf))
	decoded := new(GBGCN)
	require.NoError(t, decoded.Unmarshal(buf))

	assert.Equal(t, m.UserEmbedding, decoded.UserEmbedding)
	assert.Equal(t, m.ItemEmbedding, decoded.ItemEmbedding)
	assert.Equal(t, m.UserInitiator, decoded.UserInitiator)
	assert.Equal(t, m.UserParticipant, decoded.UserParticipant)
	assert.Equal(t, m.ItemInitiator, decoded.ItemInitiator)
	assert.Equal(t, m.ItemParticipant, decoded.ItemParticipant)
	assert.Equal(t, m.UserIndex.Count(), decoded.UserIndex.Count())
	assert.Equal(t, m.Predict("user00", "item00"), decoded.Predict("user00", "item00"))
	itemIndex, _ := decoded.ItemIndex.Lookup("item00")
	assert.Equal(t,
		m.PredictGroupSuccess(itemIndex, []int32{0, 1, 2}),
		decoded.PredictGroupSuccess(itemIndex, []int32{0, 1, 2}))
}

func TestGBGCNClear(t *testing.T) {
	m := newTestModel(42)
	assert.True(t, m.Invalid())
	trainSet, validSet := newTrainingSet().Split(0.2, 0)
	_, err := m.Fit(context.Background(), trainSet, validSet, NewFitConfig())
	require.NoError(t, err)
	assert.False(t, m.Invalid())
	m.Clear()
	assert.True(t, m.Invalid())
}

func TestGBGCNInterrupt(t *testing.T) {
	trainSet, validSet := newTrainingSet().Split(0.2, 0)
	m := newTestModel(42)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Fit(ctx, trainSet, validSet, NewFitConfig())
	assert.NoError(t, err)
	// the model is still materialized from the initial parameters
	assert.False(t, m.Invalid())
}
