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

// Package recommend serves recommendation queries from the latest trained
// model and the database. Queries are cached with a TTL and never block on
// training.
package recommend

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gbrec-io/gbrec/base/log"
	"github.com/gbrec-io/gbrec/base/parallel"
	"github.com/gbrec-io/gbrec/model/gbgcn"
	"github.com/gbrec-io/gbrec/storage/data"
	"github.com/jellydator/ttlcache/v3"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// ErrModelNotReady is returned by operations that cannot fall back to
// heuristics before the first training run finished.
var ErrModelNotReady = errors.NotProvisionedf("model")

// Config controls serving behavior.
type Config struct {
	CacheDuration         time.Duration
	MinSuccessProbability float64
	Jobs                  int
}

func NewConfig() *Config {
	return &Config{
		CacheDuration:         30 * time.Minute,
		MinSuccessProbability: 0.1,
		Jobs:                  1,
	}
}

// ModelProvider hands out the current serving model, or nil before the first
// training run.
type ModelProvider interface {
	Model() *gbgcn.GBGCN
}

// Recommender answers item, group and group-formation queries.
type Recommender struct {
	database   data.Database
	provider   ModelProvider
	config     *Config
	itemCache  *ttlcache.Cache[string, []ItemRecommendation]
	groupCache *ttlcache.Cache[string, []GroupRecommendation]
}

func NewRecommender(database data.Database, provider ModelProvider, config *Config) *Recommender {
	if config == nil {
		config = NewConfig()
	}
	return &Recommender{
		database: database,
		provider: provider,
		config:   config,
		itemCache: ttlcache.New[string, []ItemRecommendation](
			ttlcache.WithTTL[string, []ItemRecommendation](config.CacheDuration)),
		groupCache: ttlcache.New[string, []GroupRecommendation](
			ttlcache.WithTTL[string, []GroupRecommendation](config.CacheDuration)),
	}
}

// RecommendItems returns the top n items for a user. Entries whose predicted
// group success falls below minSuccessProbability are dropped. Users unknown
// to the model receive the popularity fallback.
func (r *Recommender) RecommendItems(ctx context.Context, userId string, n int,
	minSuccessProbability float64, includeSocial bool) ([]ItemRecommendation, error) {
	if minSuccessProbability < 0 {
		minSuccessProbability = r.config.MinSuccessProbability
	}
	cacheKey := fmt.Sprintf("items|%s|%d|%g|%t", userId, n, minSuccessProbability, includeSocial)
	if item := r.itemCache.Get(cacheKey); item != nil {
		return item.Value(), nil
	}
	m := r.provider.Model()
	if m == nil {
		return nil, errors.Trace(ErrModelNotReady)
	}
	userIndex, known := m.UserIndex.Lookup(userId)
	if !known || !m.IsUserPredictable(userIndex) {
		recommendations := r.popularItems(m, n, minSuccessProbability)
		r.itemCache.Set(cacheKey, recommendations, ttlcache.DefaultTTL)
		return recommendations, nil
	}

	// score every predictable item
	nItems := int(m.ItemIndex.Count())
	scores := make([]float64, nItems)
	_ = parallel.Parallel(nItems, r.config.Jobs, func(_, itemIndex int) error {
		scores[itemIndex] = float64(m.InternalPredict(userIndex, int32(itemIndex)))
		return nil
	})
	candidates := make([]int32, 0, nItems)
	for i := 0; i < nItems; i++ {
		if m.IsItemPredictable(int32(i)) {
			candidates = append(candidates, int32(i))
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return scores[candidates[i]] > scores[candidates[j]]
	})
	if len(candidates) > 2*n {
		candidates = candidates[:2*n]
	}

	socialInfluence := 0.0
	if includeSocial {
		socialInfluence = r.socialImpact(ctx, userId)
	}
	recommendations := make([]ItemRecommendation, 0, n)
	for _, itemIndex := range candidates {
		if len(recommendations) >= n {
			break
		}
		itemId, _ := m.ItemIndex.String(itemIndex)
		successProbability := float64(m.PredictGroupSuccess(itemIndex, []int32{userIndex}))
		if successProbability < minSuccessProbability {
			continue
		}
		potential := r.groupPotential(ctx, itemId)
		recommendations = append(recommendations, ItemRecommendation{
			ItemId:               itemId,
			Score:                scores[itemIndex],
			SuccessProbability:   successProbability,
			SocialInfluenceScore: socialInfluence,
			Reason:               itemReason(scores[itemIndex], potential),
			Confidence:           scores[itemIndex],
		})
	}
	r.itemCache.Set(cacheKey, recommendations, ttlcache.DefaultTTL)
	return recommendations, nil
}

// popularItems ranks items by interaction frequency for cold-start users.
// The success probability filter applies to fallback entries like any other,
// so a threshold above the fallback estimate yields an empty answer.
func (r *Recommender) popularItems(m *gbgcn.GBGCN, n int,
	minSuccessProbability float64) []ItemRecommendation {
	const fallbackSuccessProbability = 0.5
	if fallbackSuccessProbability < minSuccessProbability {
		return []ItemRecommendation{}
	}
	nItems := int(m.ItemIndex.Count())
	indices := make([]int32, nItems)
	total := 0
	for i := range indices {
		indices[i] = int32(i)
		total += m.ItemIndex.Freq(int32(i))
	}
	sort.Slice(indices, func(i, j int) bool {
		return m.ItemIndex.Freq(indices[i]) > m.ItemIndex.Freq(indices[j])
	})
	if len(indices) > n {
		indices = indices[:n]
	}
	return lo.Map(indices, func(itemIndex int32, _ int) ItemRecommendation {
		itemId, _ := m.ItemIndex.String(itemIndex)
		score := 0.0
		if total > 0 {
			score = float64(m.ItemIndex.Freq(itemIndex)) / float64(total)
		}
		return ItemRecommendation{
			ItemId:             itemId,
			Score:              score,
			SuccessProbability: fallbackSuccessProbability,
			Reason:             "Popular item for group buying with good discount potential",
			IsFallback:         true,
			Confidence:         0.3,
		}
	})
}

// RecommendGroups returns joinable forming groups ranked by a composite of
// item interest, predicted success and social influence. Groups the user
// already joined and full groups are excluded.
func (r *Recommender) RecommendGroups(ctx context.Context, userId string, n int,
	minSuccessProbability float64) ([]GroupRecommendation, error) {
	if minSuccessProbability < 0 {
		minSuccessProbability = r.config.MinSuccessProbability
	}
	cacheKey := fmt.Sprintf("groups|%s|%d|%g", userId, n, minSuccessProbability)
	if item := r.groupCache.Get(cacheKey); item != nil {
		return item.Value(), nil
	}
	m := r.provider.Model()
	joined, err := r.database.GetUserGroups(ctx, userId)
	if err != nil {
		return nil, errors.Trace(err)
	}
	joinedGroups := lo.SliceToMap(joined, func(member data.GroupMember) (string, bool) {
		return member.GroupId, true
	})
	strengths, err := r.connectionStrengths(ctx, userId)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var recommendations []GroupRecommendation
	now := time.Now()
	cursor := ""
	for {
		var groups []data.Group
		cursor, groups, err = r.database.GetGroups(ctx, cursor, 1024)
		if err != nil {
			return nil, errors.Trace(err)
		}
		for _, group := range groups {
			if group.Status != data.GroupForming ||
				group.CurrentSize >= group.TargetSize ||
				joinedGroups[group.GroupId] ||
				(!group.ExpiresAt.IsZero() && group.ExpiresAt.Before(now)) {
				continue
			}
			members, err := r.database.GetGroupMembers(ctx, group.GroupId)
			if err != nil {
				return nil, errors.Trace(err)
			}
			itemScore := userItemInterest(m, userId, group.ItemId)
			successProbability, _ := r.groupSuccess(m, group, members)
			if successProbability < minSuccessProbability {
				continue
			}
			socialInfluence := memberInfluence(strengths, members)
			recommendations = append(recommendations, GroupRecommendation{
				GroupId:              group.GroupId,
				ItemId:               group.ItemId,
				CurrentSize:          group.CurrentSize,
				TargetSize:           group.TargetSize,
				Score:                0.4*itemScore + 0.3*successProbability + 0.3*socialInfluence,
				ItemInterestScore:    itemScore,
				SuccessProbability:   successProbability,
				SocialInfluenceScore: socialInfluence,
				Reason:               groupReason(itemScore, successProbability, socialInfluence),
				ExpiresAt:            group.ExpiresAt,
			})
		}
		if cursor == "" {
			break
		}
	}
	sort.Slice(recommendations, func(i, j int) bool {
		return recommendations[i].Score > recommendations[j].Score
	})
	if len(recommendations) > n {
		recommendations = recommendations[:n]
	}
	r.groupCache.Set(cacheKey, recommendations, ttlcache.DefaultTTL)
	return recommendations, nil
}

// AnalyzeGroupFormation estimates how a planned group would perform before
// it is created.
func (r *Recommender) AnalyzeGroupFormation(ctx context.Context, initiatorId, itemId string,
	participantIds []string, targetSize int) (*GroupFormationAnalysis, error) {
	m := r.provider.Model()
	if m == nil {
		return nil, errors.Trace(ErrModelNotReady)
	}
	if _, err := r.database.GetItem(ctx, itemId); err != nil {
		return nil, errors.Trace(err)
	}
	strengths, err := r.connectionStrengths(ctx, initiatorId)
	if err != nil {
		return nil, errors.Trace(err)
	}

	participants := make([]ParticipantAnalysis, 0, len(participantIds))
	for _, participantId := range participantIds {
		interest := userItemInterest(m, participantId, itemId)
		participants = append(participants, ParticipantAnalysis{
			UserId:                   participantId,
			InterestScore:            interest,
			SocialConnectionStrength: strengths[participantId],
			ParticipationProbability: interest,
		})
	}
	sort.Slice(participants, func(i, j int) bool {
		return participants[i].ParticipationProbability > participants[j].ParticipationProbability
	})

	var memberIndices []int32
	for _, userId := range append([]string{initiatorId}, participantIds...) {
		if userIndex, known := m.UserIndex.Lookup(userId); known {
			memberIndices = append(memberIndices, userIndex)
		}
	}
	successProbability := 0.5
	if itemIndex, known := m.ItemIndex.Lookup(itemId); known {
		if p := m.PredictGroupSuccess(itemIndex, memberIndices); p > 0 {
			successProbability = float64(p)
		}
	}

	likely := lo.CountBy(participants, func(p ParticipantAnalysis) bool {
		return p.ParticipationProbability > 0.6
	})
	optimalSize := targetSize
	if likely+1 < optimalSize {
		optimalSize = likely + 1
	}
	return &GroupFormationAnalysis{
		SuccessProbability:      successProbability,
		OptimalSize:             optimalSize,
		RecommendedParticipants: participants,
		RiskFactors:             riskFactors(successProbability, participants, targetSize),
	}, nil
}

// PredictGroupSuccess refreshes and persists the success estimate of a live
// group. A membership-progress heuristic covers groups the model cannot
// score yet.
func (r *Recommender) PredictGroupSuccess(ctx context.Context, groupId string) (*GroupSuccessPrediction, error) {
	group, err := r.database.GetGroup(ctx, groupId)
	if err != nil {
		return nil, errors.Trace(err)
	}
	members, err := r.database.GetGroupMembers(ctx, groupId)
	if err != nil {
		return nil, errors.Trace(err)
	}
	probability, heuristic := r.groupSuccess(r.provider.Model(), group, members)
	updatedAt := time.Now()
	if err = r.database.UpdateGroupPrediction(ctx, groupId, probability, updatedAt); err != nil {
		return nil, errors.Trace(err)
	}
	if heuristic {
		log.Logger().Debug("group success estimated by heuristic",
			zap.String("group_id", groupId), zap.Float64("probability", probability))
	}
	return &GroupSuccessPrediction{
		GroupId:     groupId,
		Probability: probability,
		IsHeuristic: heuristic,
		UpdatedAt:   updatedAt,
	}, nil
}

// groupSuccess scores a group with the model when possible, otherwise with
// the membership progress heuristic.
func (r *Recommender) groupSuccess(m *gbgcn.GBGCN, group data.Group, members []data.GroupMember) (float64, bool) {
	if m != nil {
		if itemIndex, known := m.ItemIndex.Lookup(group.ItemId); known && m.IsItemPredictable(itemIndex) {
			var indices []int32
			for _, member := range members {
				if userIndex, exist := m.UserIndex.Lookup(member.UserId); exist {
					indices = append(indices, userIndex)
				}
			}
			if p := m.PredictGroupSuccess(itemIndex, indices); p > 0 {
				return float64(p), false
			}
		}
	}
	progress := 0.0
	if group.TargetSize > 0 {
		progress = float64(group.CurrentSize) / float64(group.TargetSize)
	}
	if progress > 0.95 {
		progress = 0.95
	} else if progress < 0.05 {
		progress = 0.05
	}
	return progress, true
}

// groupPotential counts recent group activity on an item, scaled to [0,1].
func (r *Recommender) groupPotential(ctx context.Context, itemId string) float64 {
	groups, err := r.database.GetGroupsByItem(ctx, itemId, data.GroupForming, data.GroupCompleted)
	if err != nil {
		log.Logger().Warn("failed to count item groups",
			zap.String("item_id", itemId), zap.Error(err))
		return 0.5
	}
	potential := float64(len(groups)) / 10.0
	if potential > 1 {
		potential = 1
	}
	return potential
}

func (r *Recommender) connectionStrengths(ctx context.Context, userId string) (map[string]float64, error) {
	connections, err := r.database.GetSocialConnections(ctx, userId)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return lo.SliceToMap(connections, func(connection data.SocialConnection) (string, float64) {
		return connection.FolloweeId, connection.Strength
	}), nil
}

// socialImpact is the average connection strength of a user, damped.
func (r *Recommender) socialImpact(ctx context.Context, userId string) float64 {
	strengths, err := r.connectionStrengths(ctx, userId)
	if err != nil || len(strengths) == 0 {
		return 0
	}
	total := 0.0
	for _, strength := range strengths {
		total += strength
	}
	return total / float64(len(strengths)) * 0.3
}

func memberInfluence(strengths map[string]float64, members []data.GroupMember) float64 {
	total, count := 0.0, 0
	for _, member := range members {
		if strength := strengths[member.UserId]; strength > 0 {
			total += strength
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

// userItemInterest falls back to a low default when the model cannot score
// the pair.
func userItemInterest(m *gbgcn.GBGCN, userId, itemId string) float64 {
	if m != nil {
		userIndex, userKnown := m.UserIndex.Lookup(userId)
		itemIndex, itemKnown := m.ItemIndex.Lookup(itemId)
		if userKnown && itemKnown {
			if score := m.InternalPredict(userIndex, itemIndex); score > 0 {
				return float64(score)
			}
		}
	}
	return 0.3
}

func itemReason(score, potential float64) string {
	switch {
	case score > 0.8 && potential > 0.6:
		return "Highly recommended based on your preferences and strong group buying potential"
	case score > 0.6:
		return "Recommended based on your past activity and similar users"
	case potential > 0.7:
		return "Popular item for group buying with good discount potential"
	default:
		return "Suggested based on GBGCN analysis"
	}
}

func groupReason(itemScore, successProbability, socialInfluence float64) string {
	switch {
	case socialInfluence > 0.5:
		return fmt.Sprintf("Your friends are in this group (social score: %.2f)", socialInfluence)
	case successProbability > 0.7:
		return fmt.Sprintf("High success probability (%.0f%%) with good item match", successProbability*100)
	case itemScore > 0.6:
		return fmt.Sprintf("Item matches your interests (score: %.2f)", itemScore)
	default:
		return "Recommended by GBGCN algorithm"
	}
}

func riskFactors(successProbability float64, participants []ParticipantAnalysis, targetSize int) []string {
	var factors []string
	if successProbability < 0.5 {
		factors = append(factors, "Consider inviting users with higher social connections")
	}
	likely := lo.CountBy(participants, func(p ParticipantAnalysis) bool {
		return p.ParticipationProbability > 0.7
	})
	if float64(likely) < float64(targetSize)*0.6 {
		factors = append(factors, "Consider reducing target group size for better success rate")
	}
	detached := lo.CountBy(participants, func(p ParticipantAnalysis) bool {
		return p.SocialConnectionStrength < 0.3
	})
	if float64(detached) > float64(targetSize)*0.5 {
		factors = append(factors, "Add more participants with stronger social connections")
	}
	if len(factors) == 0 {
		factors = append(factors, "Group formation looks optimal!")
	}
	return factors
}
