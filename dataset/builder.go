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

package dataset

import (
	"context"
	"sort"
	"time"

	"github.com/gbrec-io/gbrec/base/log"
	"github.com/gbrec-io/gbrec/storage/data"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// ErrDataInsufficient is returned when the graph holds too few interactions
// to train on.
var ErrDataInsufficient = errors.New("insufficient interactions for training")

// Options controls graph construction.
type Options struct {
	// MinUserInteractions drops users with fewer positive interactions.
	MinUserInteractions int
	// MinItemInteractions drops items with fewer positive interactions.
	MinItemInteractions int
	// MinInteractions is the minimum number of retained positive edges.
	MinInteractions int
	// BatchSize is the page size of database scans.
	BatchSize int
}

func DefaultOptions() *Options {
	return &Options{
		MinUserInteractions: 5,
		MinItemInteractions: 3,
		MinInteractions:     100,
		BatchSize:           1024,
	}
}

// feedbackWeights grades interaction types by strength of intent.
var feedbackWeights = map[string]float32{
	data.FeedbackPurchase: 1.0,
	data.FeedbackJoin:     0.8,
	data.FeedbackShare:    0.3,
	data.FeedbackClick:    0.2,
	data.FeedbackView:     0.1,
}

// LoadDataset builds the heterogeneous group-buying graph from the database.
// Users and items below the interaction thresholds are dropped and index
// assignment is deterministic for identical database content.
func LoadDataset(ctx context.Context, database data.Database, opts *Options) (*Dataset, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	start := time.Now()
	// First pass: count positive interactions per user and item.
	userCount := make(map[string]int)
	itemCount := make(map[string]int)
	feedback, err := scanFeedback(ctx, database, opts.BatchSize)
	if err != nil {
		return nil, errors.Trace(err)
	}
	groups, members, err := scanGroups(ctx, database, opts.BatchSize)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, f := range feedback {
		userCount[f.UserId]++
		itemCount[f.ItemId]++
	}
	for _, group := range groups {
		for _, member := range members[group.GroupId] {
			userCount[member.UserId]++
			itemCount[group.ItemId]++
		}
	}
	// Select retained users and items in lexicographic order so dense
	// indices are reproducible.
	retainedUsers := make(map[string]bool)
	retainedItems := make(map[string]bool)
	for userId, count := range userCount {
		if count >= opts.MinUserInteractions {
			retainedUsers[userId] = true
		}
	}
	for itemId, count := range itemCount {
		if count >= opts.MinItemInteractions {
			retainedItems[itemId] = true
		}
	}
	dataset := NewDataset(start)
	for _, userId := range sortedKeys(retainedUsers) {
		dataset.AddUser(userId)
	}
	for _, itemId := range sortedKeys(retainedItems) {
		dataset.AddItem(itemId)
	}
	// Second pass: build edges.
	for _, group := range groups {
		if !retainedItems[group.ItemId] {
			continue
		}
		finished := group.Status == data.GroupCompleted ||
			group.Status == data.GroupCancelled || group.Status == data.GroupExpired
		var memberIds []string
		for _, member := range members[group.GroupId] {
			if !retainedUsers[member.UserId] {
				continue
			}
			memberIds = append(memberIds, member.UserId)
			if member.IsInitiator {
				dataset.AddInitiation(member.UserId, group.ItemId, 1)
			} else {
				dataset.AddParticipation(member.UserId, group.ItemId, 1)
			}
		}
		if finished && retainedUsers[group.InitiatorId] {
			dataset.AddGroup(group.ItemId, group.InitiatorId, memberIds,
				group.Status == data.GroupCompleted)
		}
	}
	for _, f := range feedback {
		if !retainedUsers[f.UserId] || !retainedItems[f.ItemId] {
			continue
		}
		dataset.AddParticipation(f.UserId, f.ItemId, feedbackWeights[f.FeedbackType])
	}
	// Social edges between retained users.
	if err = scanSocialEdges(ctx, database, opts.BatchSize, dataset); err != nil {
		return nil, errors.Trace(err)
	}
	if dataset.CountPositives() < opts.MinInteractions {
		return nil, errors.Annotatef(ErrDataInsufficient,
			"%d of %d required", dataset.CountPositives(), opts.MinInteractions)
	}
	log.Logger().Info("loaded group-buying graph",
		zap.Int("n_users", dataset.CountUsers()),
		zap.Int("n_items", dataset.CountItems()),
		zap.Int("n_initiator_edges", len(dataset.GetInitiatorEdges())),
		zap.Int("n_participant_edges", len(dataset.GetParticipantEdges())),
		zap.Int("n_social_edges", len(dataset.GetSocialEdges())),
		zap.Int("n_groups", len(dataset.GetGroups())),
		zap.Duration("used_time", time.Since(start)))
	return dataset, nil
}

func scanFeedback(ctx context.Context, database data.Database, batchSize int) ([]data.Feedback, error) {
	var all []data.Feedback
	cursor := ""
	for {
		var page []data.Feedback
		var err error
		cursor, page, err = database.GetFeedback(ctx, cursor, batchSize,
			data.FeedbackPurchase, data.FeedbackJoin, data.FeedbackShare,
			data.FeedbackClick, data.FeedbackView)
		if err != nil {
			return nil, errors.Trace(err)
		}
		all = append(all, page...)
		if cursor == "" {
			return all, nil
		}
	}
}

func scanGroups(ctx context.Context, database data.Database, batchSize int) ([]data.Group, map[string][]data.GroupMember, error) {
	var groups []data.Group
	cursor := ""
	for {
		var page []data.Group
		var err error
		cursor, page, err = database.GetGroups(ctx, cursor, batchSize)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		groups = append(groups, page...)
		if cursor == "" {
			break
		}
	}
	members := make(map[string][]data.GroupMember, len(groups))
	for _, group := range groups {
		groupMembers, err := database.GetGroupMembers(ctx, group.GroupId)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		members[group.GroupId] = groupMembers
	}
	return groups, members, nil
}

func scanSocialEdges(ctx context.Context, database data.Database, batchSize int, dataset *Dataset) error {
	cursor := ""
	for {
		var page []data.SocialConnection
		var err error
		cursor, page, err = database.GetAllSocialConnections(ctx, cursor, batchSize)
		if err != nil {
			return errors.Trace(err)
		}
		for _, connection := range page {
			dataset.AddSocialEdge(connection.FollowerId, connection.FolloweeId,
				float32(connection.Strength))
		}
		if cursor == "" {
			return nil
		}
	}
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
