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

package recommend

import "time"

// ItemRecommendation is one scored item for a user.
type ItemRecommendation struct {
	ItemId               string  `json:"item_id"`
	Score                float64 `json:"score"`
	SuccessProbability   float64 `json:"success_probability"`
	SocialInfluenceScore float64 `json:"social_influence_score"`
	Reason               string  `json:"reason"`
	IsFallback           bool    `json:"is_fallback"`
	Confidence           float64 `json:"confidence"`
}

// GroupRecommendation is one joinable group scored for a user.
type GroupRecommendation struct {
	GroupId              string    `json:"group_id"`
	ItemId               string    `json:"item_id"`
	CurrentSize          int       `json:"current_size"`
	TargetSize           int       `json:"target_size"`
	Score                float64   `json:"score"`
	ItemInterestScore    float64   `json:"item_interest_score"`
	SuccessProbability   float64   `json:"success_probability"`
	SocialInfluenceScore float64   `json:"social_influence_score"`
	Reason               string    `json:"reason"`
	ExpiresAt            time.Time `json:"expires_at"`
}

// ParticipantAnalysis scores one potential group member.
type ParticipantAnalysis struct {
	UserId                   string  `json:"user_id"`
	InterestScore            float64 `json:"interest_score"`
	SocialConnectionStrength float64 `json:"social_connection_strength"`
	ParticipationProbability float64 `json:"participation_probability"`
}

// GroupFormationAnalysis is the outcome of a what-if analysis before a group
// is created.
type GroupFormationAnalysis struct {
	SuccessProbability      float64               `json:"success_probability"`
	OptimalSize             int                   `json:"optimal_size"`
	RecommendedParticipants []ParticipantAnalysis `json:"recommended_participants"`
	RiskFactors             []string              `json:"risk_factors"`
}

// GroupSuccessPrediction is the persisted success estimate of a live group.
type GroupSuccessPrediction struct {
	GroupId     string    `json:"group_id"`
	Probability float64   `json:"probability"`
	IsHeuristic bool      `json:"is_heuristic"`
	UpdatedAt   time.Time `json:"updated_at"`
}
