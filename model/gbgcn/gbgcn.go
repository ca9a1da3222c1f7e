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
	"context"
	"io"
	"slices"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/chewxy/math32"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gbrec-io/gbrec/base"
	"github.com/gbrec-io/gbrec/base/encoding"
	"github.com/gbrec-io/gbrec/base/log"
	"github.com/gbrec-io/gbrec/common/nn"
	"github.com/gbrec-io/gbrec/dataset"
	"github.com/gbrec-io/gbrec/model"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// socialPenalty regularizes the raw social embedding table.
const socialPenalty = 0.001

// Score reports validation losses after fitting.
type Score struct {
	Loss        float32
	RankingLoss float32
	OutcomeLoss float32
}

// FitConfig configures the fitting process.
type FitConfig struct {
	Jobs    int
	Verbose int
}

func NewFitConfig() *FitConfig {
	return &FitConfig{
		Jobs:    1,
		Verbose: 10,
	}
}

func (config *FitConfig) SetJobs(jobs int) *FitConfig {
	config.Jobs = jobs
	return config
}

func (config *FitConfig) SetVerbose(verbose int) *FitConfig {
	config.Verbose = verbose
	return config
}

func (config *FitConfig) LoadDefaultIfNil() *FitConfig {
	if config == nil {
		return NewFitConfig()
	}
	return config
}

// trainingGraph is the flattened edge structure the propagation layers run
// over.
type trainingGraph struct {
	initUsers   []int32
	initItems   []int32
	initWeights []float32
	partUsers   []int32
	partItems   []int32
	partWeights []float32
	socialDst   []int32
	socialSrc   []int32
	socialW     []float32
	socialMask  *nn.Tensor
}

// GBGCN learns dual-view user and item embeddings over the group-buying
// graph. Users are embedded twice, once as group initiators and once as
// participants, a gated cross-view exchange couples the two views, and a
// social propagation module adds influence from the social graph. Two heads
// score user-item affinity and group success probability.
type GBGCN struct {
	model.BaseModel
	// indices
	UserIndex       *dataset.FreqDict
	ItemIndex       *dataset.FreqDict
	UserPredictable *bitset.BitSet
	ItemPredictable *bitset.BitSet
	// materialized embeddings for serving
	UserEmbedding   [][]float32
	ItemEmbedding   [][]float32
	UserInitiator   [][]float32
	UserParticipant [][]float32
	ItemInitiator   [][]float32
	ItemParticipant [][]float32
	// learnable state
	userInitEmbedding   *nn.Tensor
	userPartEmbedding   *nn.Tensor
	itemInitEmbedding   *nn.Tensor
	itemPartEmbedding   *nn.Tensor
	userSocialEmbedding *nn.Tensor
	initLayers          []*gcnLayer
	partLayers          []*gcnLayer
	cross               *crossView
	social              *socialModule
	recHead             *mlpHead
	successHead         *mlpHead
	graph               *trainingGraph
	// hyperparameters
	nFactors     int
	nLayers      int
	nEpochs      int
	patience     int
	negRatio     int
	lr           float32
	reg          float32
	initStdDev   float32
	alpha        float32
	beta         float32
	dropout      float32
	useCrossView bool
}

func NewGBGCN(params model.Params) *GBGCN {
	g := new(GBGCN)
	g.SetParams(params)
	return g
}

func (g *GBGCN) SetParams(params model.Params) {
	g.BaseModel.SetParams(params)
	g.nFactors = g.Params.GetInt(model.NFactors, 64)
	g.nLayers = g.Params.GetInt(model.NLayers, 3)
	g.nEpochs = g.Params.GetInt(model.NEpochs, 500)
	g.patience = g.Params.GetInt(model.Patience, 20)
	g.negRatio = g.Params.GetInt(model.NegRatio, 1)
	g.lr = g.Params.GetFloat32(model.Lr, 0.001)
	g.reg = g.Params.GetFloat32(model.Reg, 1e-5)
	g.initStdDev = g.Params.GetFloat32(model.InitStdDev, 0.1)
	g.alpha = g.Params.GetFloat32(model.Alpha, 0.6)
	g.beta = g.Params.GetFloat32(model.Beta, 0.4)
	g.dropout = g.Params.GetFloat32(model.Dropout, 0.1)
	g.useCrossView = g.Params.GetBool(model.UseCrossView, true)
}

func (g *GBGCN) Clear() {
	g.UserIndex = nil
	g.ItemIndex = nil
	g.UserPredictable = nil
	g.ItemPredictable = nil
	g.UserEmbedding = nil
	g.ItemEmbedding = nil
	g.UserInitiator = nil
	g.UserParticipant = nil
	g.ItemInitiator = nil
	g.ItemParticipant = nil
	g.graph = nil
}

func (g *GBGCN) Invalid() bool {
	return g == nil || g.UserIndex == nil || g.UserEmbedding == nil
}

// build creates the learnable tensors for the given graph size.
func (g *GBGCN) build(nUsers, nItems int) {
	d := g.nFactors
	g.userInitEmbedding = nn.Normal(0, g.initStdDev, nUsers, d)
	g.userPartEmbedding = nn.Normal(0, g.initStdDev, nUsers, d)
	g.itemInitEmbedding = nn.Normal(0, g.initStdDev, nItems, d)
	g.itemPartEmbedding = nn.Normal(0, g.initStdDev, nItems, d)
	g.userSocialEmbedding = nn.Normal(0, g.initStdDev, nUsers, d)
	g.initLayers = g.initLayers[:0]
	g.partLayers = g.partLayers[:0]
	for i := 0; i < g.nLayers; i++ {
		g.initLayers = append(g.initLayers, newGCNLayer(d))
		g.partLayers = append(g.partLayers, newGCNLayer(d))
	}
	g.cross = newCrossView(d)
	g.social = newSocialModule(d)
	g.recHead = newMLPHead(4*d, 2*d, d, 1)
	g.successHead = newMLPHead(2*d, d, 1)
}

// parameters returns all learnable tensors in a fixed order.
func (g *GBGCN) parameters() []*nn.Tensor {
	params := []*nn.Tensor{
		g.userInitEmbedding, g.userPartEmbedding,
		g.itemInitEmbedding, g.itemPartEmbedding,
		g.userSocialEmbedding,
	}
	for _, layer := range g.initLayers {
		params = append(params, layer.parameters()...)
	}
	for _, layer := range g.partLayers {
		params = append(params, layer.parameters()...)
	}
	params = append(params, g.cross.parameters()...)
	params = append(params, g.social.parameters()...)
	params = append(params, g.recHead.parameters()...)
	params = append(params, g.successHead.parameters()...)
	return params
}

// Init prepares the model for fitting on the training graph.
func (g *GBGCN) Init(trainSet *dataset.Dataset) {
	g.UserIndex = trainSet.GetUserDict()
	g.ItemIndex = trainSet.GetItemDict()
	nUsers, nItems := trainSet.CountUsers(), trainSet.CountItems()
	g.UserPredictable = bitset.New(uint(nUsers))
	g.ItemPredictable = bitset.New(uint(nItems))
	for userIndex, feedback := range trainSet.GetUserFeedback() {
		if len(feedback) > 0 {
			g.UserPredictable.Set(uint(userIndex))
		}
	}
	for _, edge := range trainSet.GetInitiatorEdges() {
		g.ItemPredictable.Set(uint(edge.ItemIndex))
	}
	for _, edge := range trainSet.GetParticipantEdges() {
		g.ItemPredictable.Set(uint(edge.ItemIndex))
	}
	g.build(nUsers, nItems)
	g.graph = buildGraph(trainSet, g.nFactors)
}

func buildGraph(trainSet *dataset.Dataset, dim int) *trainingGraph {
	graph := new(trainingGraph)
	for _, edge := range trainSet.GetInitiatorEdges() {
		graph.initUsers = append(graph.initUsers, edge.UserIndex)
		graph.initItems = append(graph.initItems, edge.ItemIndex)
		graph.initWeights = append(graph.initWeights, edge.Weight)
	}
	for _, edge := range trainSet.GetParticipantEdges() {
		graph.partUsers = append(graph.partUsers, edge.UserIndex)
		graph.partItems = append(graph.partItems, edge.ItemIndex)
		graph.partWeights = append(graph.partWeights, edge.Weight)
	}
	mask := nn.Zeros(trainSet.CountUsers(), dim)
	for _, edge := range trainSet.GetSocialEdges() {
		graph.socialDst = append(graph.socialDst, edge.FromIndex)
		graph.socialSrc = append(graph.socialSrc, edge.ToIndex)
		graph.socialW = append(graph.socialW, edge.Strength)
		for i := 0; i < dim; i++ {
			mask.Data()[int(edge.FromIndex)*dim+i] = 1
		}
	}
	graph.socialMask = mask
	return graph
}

// forwardOutput holds the propagated embedding tables of one forward pass.
type forwardOutput struct {
	userInit     *nn.Tensor
	userPart     *nn.Tensor
	itemInit     *nn.Tensor
	itemPart     *nn.Tensor
	userSocial   *nn.Tensor
	userCombined *nn.Tensor
	itemCombined *nn.Tensor
}

// propagate runs the convolution stack of one view over its bipartite edges.
func (g *GBGCN) propagate(userEmb, itemEmb *nn.Tensor, layers []*gcnLayer,
	users, items []int32, weights []float32, training bool) (*nn.Tensor, *nn.Tensor) {
	nUsers, nItems := userEmb.Shape()[0], itemEmb.Shape()[0]
	userH, itemH := userEmb, itemEmb
	for _, layer := range layers {
		userAgg := nn.NeighborMean(itemH, nUsers, users, items, weights)
		itemAgg := nn.NeighborMean(userH, nItems, items, users, weights)
		userH = layer.forward(userH, userAgg, g.dropout, training)
		itemH = layer.forward(itemH, itemAgg, g.dropout, training)
	}
	return userH, itemH
}

func (g *GBGCN) forward(training bool) *forwardOutput {
	out := new(forwardOutput)
	out.userInit, out.itemInit = g.propagate(g.userInitEmbedding, g.itemInitEmbedding,
		g.initLayers, g.graph.initUsers, g.graph.initItems, g.graph.initWeights, training)
	out.userPart, out.itemPart = g.propagate(g.userPartEmbedding, g.itemPartEmbedding,
		g.partLayers, g.graph.partUsers, g.graph.partItems, g.graph.partWeights, training)
	if g.useCrossView {
		out.userInit, out.userPart = g.cross.forward(out.userInit, out.userPart, g.dropout, training)
	}
	nUsers := g.userInitEmbedding.Shape()[0]
	out.userSocial = g.social.forward(g.userSocialEmbedding, nUsers,
		g.graph.socialDst, g.graph.socialSrc, g.graph.socialW,
		g.graph.socialMask, g.dropout, training)
	out.userCombined = nn.Add(
		nn.Add(
			nn.Mul(out.userInit, nn.NewScalar(g.alpha)),
			nn.Mul(out.userPart, nn.NewScalar(1-g.alpha))),
		nn.Mul(out.userSocial, nn.NewScalar(g.beta)))
	out.itemCombined = nn.Add(
		nn.Mul(out.itemInit, nn.NewScalar(g.alpha)),
		nn.Mul(out.itemPart, nn.NewScalar(1-g.alpha)))
	return out
}

func indexTensor(indices []int32) *nn.Tensor {
	data := make([]float32, len(indices))
	for i, index := range indices {
		data[i] = float32(index)
	}
	return nn.NewTensor(data, len(indices))
}

// scorePairs returns affinity scores for user-item pairs as an [n,1] tensor.
func (g *GBGCN) scorePairs(out *forwardOutput, users, items []int32, training bool) *nn.Tensor {
	u, i := indexTensor(users), indexTensor(items)
	features := nn.Concat(
		nn.Embedding(out.userCombined, u),
		nn.Embedding(out.itemCombined, i),
		nn.Embedding(out.userInit, u),
		nn.Embedding(out.userPart, u))
	return g.recHead.forward(features, g.dropout, training)
}

// scoreGroups returns success probabilities for labeled groups as an [n,1]
// tensor. Member embeddings are mean-pooled before scoring.
func (g *GBGCN) scoreGroups(out *forwardOutput, groups []dataset.GroupLabel, training bool) *nn.Tensor {
	var dst, src []int32
	var weights []float32
	items := make([]int32, len(groups))
	for i, group := range groups {
		items[i] = group.ItemIndex
		for _, member := range group.MemberIndices {
			dst = append(dst, int32(i))
			src = append(src, member)
			weights = append(weights, 1)
		}
	}
	pooled := nn.NeighborMean(out.userCombined, len(groups), dst, src, weights)
	features := nn.Concat(pooled, nn.Embedding(out.itemCombined, indexTensor(items)))
	return g.successHead.forward(features, g.dropout, training)
}

// computeLoss runs one forward pass over the training graph and evaluates
// the joint loss on the edges and group labels of set.
func (g *GBGCN) computeLoss(set *dataset.Dataset, exclude []mapset.Set[int32],
	rng base.RandomGenerator, training bool) (*nn.Tensor, Score) {
	nItems := int32(g.ItemIndex.Count())
	var users, positives, negatives []int32
	sample := func(edges []dataset.Edge) {
		for _, edge := range edges {
			for i := 0; i < g.negRatio; i++ {
				users = append(users, edge.UserIndex)
				positives = append(positives, edge.ItemIndex)
				negatives = append(negatives, sampleNegative(rng, exclude[edge.UserIndex], nItems))
			}
		}
	}
	sample(set.GetInitiatorEdges())
	sample(set.GetParticipantEdges())

	out := g.forward(training)
	positiveScores := g.scorePairs(out, users, positives, training)
	negativeScores := g.scorePairs(out, users, negatives, training)
	rankingLoss := nn.BPRLoss(positiveScores, negativeScores)
	loss := rankingLoss

	var score Score
	if groups := set.GetGroups(); len(groups) > 0 {
		targets := make([]float32, len(groups))
		for i, group := range groups {
			if group.Succeeded {
				targets[i] = 1
			}
		}
		outcomeLoss := nn.BCELoss(g.scoreGroups(out, groups, training),
			nn.NewTensor(targets, len(groups), 1))
		loss = nn.Add(loss, nn.Mul(outcomeLoss, nn.NewScalar(g.beta)))
		score.OutcomeLoss = outcomeLoss.Data()[0]
	}
	loss = nn.Add(loss, nn.L2Penalty(g.userSocialEmbedding, socialPenalty))
	score.RankingLoss = rankingLoss.Data()[0]
	score.Loss = loss.Data()[0]
	return loss, score
}

func sampleNegative(rng base.RandomGenerator, exclude mapset.Set[int32], nItems int32) int32 {
	for i := 0; i < 128; i++ {
		item := rng.Int31n(nItems)
		if exclude == nil || !exclude.Contains(item) {
			return item
		}
	}
	return rng.Int31n(nItems)
}

// ErrTrainingDiverged is returned by Fit when the training loss becomes NaN
// or infinite. The model is rolled back to the last healthy parameters, but
// callers must not treat the run as successful.
var ErrTrainingDiverged = errors.New("training diverged")

// Fit trains the model. Training stops early once the validation loss has
// not improved for the configured patience, and the parameters of the best
// validation epoch are kept. A NaN or infinite training loss aborts the
// epoch loop, rolls back to the last healthy parameters and returns
// ErrTrainingDiverged.
func (g *GBGCN) Fit(ctx context.Context, trainSet, validSet *dataset.Dataset, config *FitConfig) (Score, error) {
	config = config.LoadDefaultIfNil()
	log.Logger().Info("fit GBGCN",
		zap.Int("train_size", trainSet.CountPositives()),
		zap.Int("valid_size", validSet.CountPositives()),
		zap.Int("n_social_edges", len(trainSet.GetSocialEdges())),
		zap.Int("n_groups", len(trainSet.GetGroups())),
		zap.Any("params", g.GetParams()),
		zap.Any("config", config))
	nn.SetRandomSeed(g.GetRandomState())
	g.Init(trainSet)

	exclude := make([]mapset.Set[int32], trainSet.CountUsers())
	for userIndex, feedback := range trainSet.GetUserFeedback() {
		exclude[userIndex] = mapset.NewSet(feedback...)
	}

	optimizer := nn.NewAdam(g.parameters(), g.lr)
	optimizer.SetWeightDecay(g.reg)

	var bestScore Score
	bestLoss := float32(math32.MaxFloat32)
	best := g.snapshot()
	stale := 0
	diverged := false
	for epoch := 1; epoch <= g.nEpochs; epoch++ {
		select {
		case <-ctx.Done():
			log.Logger().Info("fit interrupted", zap.Int("epoch", epoch))
			g.restore(best)
			g.materialize()
			return bestScore, nil
		default:
		}
		fitStart := time.Now()
		loss, trainScore := g.computeLoss(trainSet, exclude, g.GetRandomGenerator(), true)
		if loss.IsNaN() {
			log.Logger().Warn("training diverged, rolling back",
				zap.Int("epoch", epoch))
			diverged = true
			break
		}
		optimizer.ZeroGrad()
		loss.Backward()
		optimizer.Step()
		fitTime := time.Since(fitStart)

		evalStart := time.Now()
		_, validScore := g.computeLoss(validSet, exclude,
			base.NewRandomGenerator(g.GetRandomState()), false)
		evalTime := time.Since(evalStart)
		if validScore.Loss < bestLoss {
			bestLoss = validScore.Loss
			bestScore = validScore
			best = g.snapshot()
			stale = 0
		} else {
			stale++
			if stale >= g.patience {
				log.Logger().Info("early stop",
					zap.Int("epoch", epoch),
					zap.Float32("best_valid_loss", bestLoss))
				break
			}
		}
		if epoch%config.Verbose == 0 {
			log.Logger().Info("fit GBGCN",
				zap.Int("epoch", epoch),
				zap.Float32("train_loss", trainScore.Loss),
				zap.Float32("valid_loss", validScore.Loss),
				zap.Duration("fit_time", fitTime),
				zap.Duration("eval_time", evalTime))
		}
	}
	g.restore(best)
	g.materialize()
	if diverged {
		return bestScore, errors.Trace(ErrTrainingDiverged)
	}
	return bestScore, nil
}

func (g *GBGCN) snapshot() [][]float32 {
	params := g.parameters()
	state := make([][]float32, len(params))
	for i, p := range params {
		state[i] = slices.Clone(p.Data())
	}
	return state
}

func (g *GBGCN) restore(state [][]float32) {
	for i, p := range g.parameters() {
		copy(p.Data(), state[i])
	}
}

// materialize freezes the propagated embedding tables for serving.
func (g *GBGCN) materialize() {
	out := g.forward(false)
	g.UserEmbedding = toMatrix(out.userCombined)
	g.ItemEmbedding = toMatrix(out.itemCombined)
	g.UserInitiator = toMatrix(out.userInit)
	g.UserParticipant = toMatrix(out.userPart)
	g.ItemInitiator = toMatrix(out.itemInit)
	g.ItemParticipant = toMatrix(out.itemPart)
}

func toMatrix(t *nn.Tensor) [][]float32 {
	rows, cols := t.Shape()[0], t.Shape()[1]
	matrix := make([][]float32, rows)
	for i := 0; i < rows; i++ {
		matrix[i] = slices.Clone(t.Data()[i*cols : (i+1)*cols])
	}
	return matrix
}

// Predict scores the affinity between a user and an item. Unknown entities
// score zero.
func (g *GBGCN) Predict(userId, itemId string) float32 {
	userIndex, exist := g.UserIndex.Lookup(userId)
	if !exist {
		log.Logger().Warn("unknown user", zap.String("user_id", userId))
		return 0
	}
	itemIndex, exist := g.ItemIndex.Lookup(itemId)
	if !exist {
		log.Logger().Warn("unknown item", zap.String("item_id", itemId))
		return 0
	}
	return g.InternalPredict(userIndex, itemIndex)
}

// InternalPredict scores a user-item pair by dense index.
func (g *GBGCN) InternalPredict(userIndex, itemIndex int32) float32 {
	if !g.IsUserPredictable(userIndex) || !g.IsItemPredictable(itemIndex) {
		return 0
	}
	d := g.nFactors
	features := make([]float32, 0, 4*d)
	features = append(features, g.UserEmbedding[userIndex]...)
	features = append(features, g.ItemEmbedding[itemIndex]...)
	features = append(features, g.UserInitiator[userIndex]...)
	features = append(features, g.UserParticipant[userIndex]...)
	return g.recHead.forward(nn.NewTensor(features, 1, 4*d), 0, false).Data()[0]
}

// PredictGroupSuccess estimates the completion probability of a group of
// members buying an item together.
func (g *GBGCN) PredictGroupSuccess(itemIndex int32, memberIndices []int32) float32 {
	if !g.IsItemPredictable(itemIndex) {
		return 0
	}
	d := g.nFactors
	pooled := make([]float32, d)
	n := 0
	for _, member := range memberIndices {
		if !g.IsUserPredictable(member) {
			continue
		}
		for i, v := range g.UserEmbedding[member] {
			pooled[i] += v
		}
		n++
	}
	if n == 0 {
		return 0
	}
	for i := range pooled {
		pooled[i] /= float32(n)
	}
	features := append(pooled, g.ItemEmbedding[itemIndex]...)
	return g.successHead.forward(nn.NewTensor(features, 1, 2*d), 0, false).Data()[0]
}

func (g *GBGCN) IsUserPredictable(userIndex int32) bool {
	if userIndex < 0 || int(userIndex) >= len(g.UserEmbedding) {
		return false
	}
	return g.UserPredictable.Test(uint(userIndex))
}

func (g *GBGCN) IsItemPredictable(itemIndex int32) bool {
	if itemIndex < 0 || int(itemIndex) >= len(g.ItemEmbedding) {
		return false
	}
	return g.ItemPredictable.Test(uint(itemIndex))
}

// Marshal writes the model to w.
func (g *GBGCN) Marshal(w io.Writer) error {
	// write hyperparameters
	if err := encoding.WriteGob(w, g.Params); err != nil {
		return errors.Trace(err)
	}
	// write indices
	userIds := make([]string, g.UserIndex.Count())
	for i := range userIds {
		userIds[i], _ = g.UserIndex.String(int32(i))
	}
	itemIds := make([]string, g.ItemIndex.Count())
	for i := range itemIds {
		itemIds[i], _ = g.ItemIndex.String(int32(i))
	}
	if err := encoding.WriteGob(w, userIds); err != nil {
		return errors.Trace(err)
	}
	if err := encoding.WriteGob(w, itemIds); err != nil {
		return errors.Trace(err)
	}
	// write predictability flags
	for _, flags := range []*bitset.BitSet{g.UserPredictable, g.ItemPredictable} {
		buf, err := flags.MarshalBinary()
		if err != nil {
			return errors.Trace(err)
		}
		if err = encoding.WriteBytes(w, buf); err != nil {
			return errors.Trace(err)
		}
	}
	// write materialized embeddings
	for _, matrix := range [][][]float32{
		g.UserEmbedding, g.ItemEmbedding,
		g.UserInitiator, g.UserParticipant,
		g.ItemInitiator, g.ItemParticipant,
	} {
		if err := encoding.WriteMatrix(w, matrix); err != nil {
			return errors.Trace(err)
		}
	}
	// write learnable parameters
	for _, p := range g.parameters() {
		if err := encoding.WriteMatrix(w, [][]float32{p.Data()}); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Unmarshal reads the model from r.
func (g *GBGCN) Unmarshal(r io.Reader) error {
	// read hyperparameters
	var params model.Params
	if err := encoding.ReadGob(r, &params); err != nil {
		return errors.Trace(err)
	}
	g.SetParams(params)
	// read indices
	var userIds, itemIds []string
	if err := encoding.ReadGob(r, &userIds); err != nil {
		return errors.Trace(err)
	}
	if err := encoding.ReadGob(r, &itemIds); err != nil {
		return errors.Trace(err)
	}
	g.UserIndex = dataset.NewFreqDict()
	for _, userId := range userIds {
		g.UserIndex.NotCount(userId)
	}
	g.ItemIndex = dataset.NewFreqDict()
	for _, itemId := range itemIds {
		g.ItemIndex.NotCount(itemId)
	}
	// read predictability flags
	g.UserPredictable = new(bitset.BitSet)
	g.ItemPredictable = new(bitset.BitSet)
	for _, flags := range []*bitset.BitSet{g.UserPredictable, g.ItemPredictable} {
		buf, err := encoding.ReadBytes(r)
		if err != nil {
			return errors.Trace(err)
		}
		if err = flags.UnmarshalBinary(buf); err != nil {
			return errors.Trace(err)
		}
	}
	// read materialized embeddings
	g.UserEmbedding = newMatrix(len(userIds), g.nFactors)
	g.ItemEmbedding = newMatrix(len(itemIds), g.nFactors)
	g.UserInitiator = newMatrix(len(userIds), g.nFactors)
	g.UserParticipant = newMatrix(len(userIds), g.nFactors)
	g.ItemInitiator = newMatrix(len(itemIds), g.nFactors)
	g.ItemParticipant = newMatrix(len(itemIds), g.nFactors)
	for _, matrix := range [][][]float32{
		g.UserEmbedding, g.ItemEmbedding,
		g.UserInitiator, g.UserParticipant,
		g.ItemInitiator, g.ItemParticipant,
	} {
		if err := encoding.ReadMatrix(r, matrix); err != nil {
			return errors.Trace(err)
		}
	}
	// read learnable parameters
	g.build(len(userIds), len(itemIds))
	for _, p := range g.parameters() {
		if err := encoding.ReadMatrix(r, [][]float32{p.Data()}); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func newMatrix(rows, cols int) [][]float32 {
	matrix := make([][]float32, rows)
	for i := range matrix {
		matrix[i] = make([]float32, cols)
	}
	return matrix
}
