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

package data

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type SQLiteTestSuite struct {
	suite.Suite
	Database
}

func (suite *SQLiteTestSuite) SetupTest() {
	var err error
	suite.Database, err = Open("sqlite://:memory:")
	suite.NoError(err)
	suite.NoError(suite.Database.Init())
}

func (suite *SQLiteTestSuite) TearDownTest() {
	suite.NoError(suite.Database.Close())
}

func (suite *SQLiteTestSuite) TestUsers() {
	ctx := context.Background()
	var users []User
	for i := 0; i < 5; i++ {
		users = append(users, User{
			UserId:          fmt.Sprintf("user%d", i),
			ReputationScore: float64(i) / 10,
			Labels:          []string{"a", "b"},
		})
	}
	suite.NoError(suite.Database.BatchInsertUsers(ctx, users))
	// get
	user, err := suite.Database.GetUser(ctx, "user3")
	suite.NoError(err)
	suite.Equal(0.3, user.ReputationScore)
	suite.Equal([]string{"a", "b"}, user.Labels)
	// missing
	_, err = suite.Database.GetUser(ctx, "unknown")
	suite.True(errors.Is(err, errors.NotFound))
	// paginate
	cursor, page, err := suite.Database.GetUsers(ctx, "", 3)
	suite.NoError(err)
	suite.NotEmpty(cursor)
	suite.Len(page, 3)
	cursor, page, err = suite.Database.GetUsers(ctx, cursor, 3)
	suite.NoError(err)
	suite.Empty(cursor)
	suite.Len(page, 2)
	// delete
	suite.NoError(suite.Database.DeleteUser(ctx, "user3"))
	_, err = suite.Database.GetUser(ctx, "user3")
	suite.True(errors.Is(err, errors.NotFound))
}

func (suite *SQLiteTestSuite) TestItems() {
	ctx := context.Background()
	items := []Item{
		{ItemId: "croissant", BasePrice: 12.5, MinGroupSize: 2, MaxGroupSize: 6, Timestamp: time.Now()},
		{ItemId: "ramen", BasePrice: 30, MinGroupSize: 3, MaxGroupSize: 10, Timestamp: time.Now()},
	}
	suite.NoError(suite.Database.BatchInsertItems(ctx, items))
	item, err := suite.Database.GetItem(ctx, "ramen")
	suite.NoError(err)
	suite.Equal(3, item.MinGroupSize)
	// upsert overwrites
	items[1].BasePrice = 28
	suite.NoError(suite.Database.BatchInsertItems(ctx, items[1:]))
	item, err = suite.Database.GetItem(ctx, "ramen")
	suite.NoError(err)
	suite.Equal(28.0, item.BasePrice)
	// paginate
	cursor, page, err := suite.Database.GetItems(ctx, "", 10)
	suite.NoError(err)
	suite.Empty(cursor)
	suite.Len(page, 2)
}

func (suite *SQLiteTestSuite) TestFeedback() {
	ctx := context.Background()
	var feedback []Feedback
	for i := 0; i < 4; i++ {
		feedback = append(feedback, Feedback{
			FeedbackKey: FeedbackKey{
				FeedbackType: FeedbackPurchase,
				UserId:       fmt.Sprintf("user%d", i),
				ItemId:       "item0",
			},
			Timestamp: time.Now(),
		})
	}
	feedback = append(feedback, Feedback{
		FeedbackKey: FeedbackKey{FeedbackType: FeedbackView, UserId: "user0", ItemId: "item1"},
		Timestamp:   time.Now(),
	})
	suite.NoError(suite.Database.BatchInsertFeedback(ctx, feedback, true, true))
	// users and items are inserted on demand
	_, err := suite.Database.GetUser(ctx, "user0")
	suite.NoError(err)
	_, err = suite.Database.GetItem(ctx, "item1")
	suite.NoError(err)
	// count
	count, err := suite.Database.CountFeedback(ctx)
	suite.NoError(err)
	suite.Equal(5, count)
	// filter by type
	userFeedback, err := suite.Database.GetUserFeedback(ctx, "user0", FeedbackPurchase)
	suite.NoError(err)
	suite.Len(userFeedback, 1)
	itemFeedback, err := suite.Database.GetItemFeedback(ctx, "item0")
	suite.NoError(err)
	suite.Len(itemFeedback, 4)
	// paginate
	cursor, page, err := suite.Database.GetFeedback(ctx, "", 3)
	suite.NoError(err)
	suite.NotEmpty(cursor)
	suite.Len(page, 3)
	_, page, err = suite.Database.GetFeedback(ctx, cursor, 3)
	suite.NoError(err)
	suite.Len(page, 2)
}

func (suite *SQLiteTestSuite) TestSocialConnections() {
	ctx := context.Background()
	suite.NoError(suite.Database.UpsertSocialConnections(ctx, []SocialConnection{
		{FollowerId: "alice", FolloweeId: "bob", Strength: 0.8},
	}))
	connections, err := suite.Database.GetSocialConnections(ctx, "alice")
	suite.NoError(err)
	suite.Len(connections, 1)
	suite.False(connections[0].IsMutual)
	// the reverse edge flips both to mutual
	suite.NoError(suite.Database.UpsertSocialConnections(ctx, []SocialConnection{
		{FollowerId: "bob", FolloweeId: "alice", Strength: 0.5},
	}))
	connections, err = suite.Database.GetSocialConnections(ctx, "alice")
	suite.NoError(err)
	suite.True(connections[0].IsMutual)
	connections, err = suite.Database.GetSocialConnections(ctx, "bob")
	suite.NoError(err)
	suite.True(connections[0].IsMutual)
	// self connections are rejected
	suite.Error(suite.Database.UpsertSocialConnections(ctx, []SocialConnection{
		{FollowerId: "alice", FolloweeId: "alice"},
	}))
	// paginate all
	cursor, page, err := suite.Database.GetAllSocialConnections(ctx, "", 10)
	suite.NoError(err)
	suite.Empty(cursor)
	suite.Len(page, 2)
}

func (suite *SQLiteTestSuite) TestGroupLifecycle() {
	ctx := context.Background()
	suite.NoError(suite.Database.BatchInsertItems(ctx, []Item{
		{ItemId: "item0", MinGroupSize: 2, MaxGroupSize: 3},
	}))
	suite.NoError(suite.Database.InsertGroup(ctx, Group{
		GroupId:     "group0",
		ItemId:      "item0",
		InitiatorId: "alice",
		TargetSize:  3,
	}))
	group, err := suite.Database.GetGroup(ctx, "group0")
	suite.NoError(err)
	suite.Equal(GroupForming, group.Status)
	suite.Equal(1, group.CurrentSize)
	members, err := suite.Database.GetGroupMembers(ctx, "group0")
	suite.NoError(err)
	suite.Len(members, 1)
	suite.True(members[0].IsInitiator)

	// duplicate join is rejected
	_, err = suite.Database.JoinGroup(ctx, "group0", "alice")
	suite.ErrorIs(err, ErrAlreadyJoined)
	// join until complete
	group, err = suite.Database.JoinGroup(ctx, "group0", "bob")
	suite.NoError(err)
	suite.Equal(2, group.CurrentSize)
	group, err = suite.Database.JoinGroup(ctx, "group0", "carol")
	suite.NoError(err)
	suite.Equal(GroupCompleted, group.Status)
	// completed groups accept no more members
	_, err = suite.Database.JoinGroup(ctx, "group0", "dave")
	suite.ErrorIs(err, ErrGroupClosed)
	// completed groups cannot change state again
	suite.Error(suite.Database.UpdateGroupStatus(ctx, "group0", GroupCancelled))

	// target size outside item bounds is rejected
	suite.Error(suite.Database.InsertGroup(ctx, Group{
		GroupId:     "group1",
		ItemId:      "item0",
		InitiatorId: "alice",
		TargetSize:  10,
	}))

	// expire a forming group
	suite.NoError(suite.Database.InsertGroup(ctx, Group{
		GroupId:     "group2",
		ItemId:      "item0",
		InitiatorId: "bob",
		TargetSize:  3,
	}))
	suite.NoError(suite.Database.UpdateGroupStatus(ctx, "group2", GroupExpired))

	// activate a forming group, then cancel it
	suite.NoError(suite.Database.InsertGroup(ctx, Group{
		GroupId:     "group3",
		ItemId:      "item0",
		InitiatorId: "carol",
		TargetSize:  3,
	}))
	suite.NoError(suite.Database.UpdateGroupStatus(ctx, "group3", GroupActive))
	// only forming groups may activate
	suite.Error(suite.Database.UpdateGroupStatus(ctx, "group3", GroupActive))
	suite.NoError(suite.Database.UpdateGroupStatus(ctx, "group3", GroupCancelled))
	group, err = suite.Database.GetGroup(ctx, "group3")
	suite.NoError(err)
	suite.Equal(GroupCancelled, group.Status)
	// cancelled groups are terminal
	suite.Error(suite.Database.UpdateGroupStatus(ctx, "group3", GroupCompleted))

	// prediction persists
	now := time.Now()
	suite.NoError(suite.Database.UpdateGroupPrediction(ctx, "group2", 0.42, now))
	group, err = suite.Database.GetGroup(ctx, "group2")
	suite.NoError(err)
	suite.NotNil(group.SuccessProbability)
	suite.Equal(0.42, *group.SuccessProbability)
	suite.NotNil(group.PredictionUpdatedAt)

	// query by item and status
	groups, err := suite.Database.GetGroupsByItem(ctx, "item0", GroupCompleted)
	suite.NoError(err)
	suite.Len(groups, 1)
	memberships, err := suite.Database.GetUserGroups(ctx, "bob")
	suite.NoError(err)
	suite.Len(memberships, 2)
}

func (suite *SQLiteTestSuite) TestEmbeddings() {
	ctx := context.Background()
	// before any training there is no active version
	version, err := suite.Database.GetActiveEmbeddingVersion(ctx)
	suite.NoError(err)
	suite.Zero(version)
	// first version
	suite.NoError(suite.Database.PutEmbeddings(ctx, 1, []Embedding{
		{
			EntityType: EntityUser, EntityId: "alice", Dimension: 2,
			Vector:            []float32{1, 2},
			InitiatorVector:   []float32{1, 0},
			ParticipantVector: []float32{0, 2},
		},
		{EntityType: EntityItem, EntityId: "item0", Dimension: 2, Vector: []float32{3, 4}},
	}))
	version, err = suite.Database.GetActiveEmbeddingVersion(ctx)
	suite.NoError(err)
	suite.Equal(int64(1), version)
	embeddings, err := suite.Database.GetEmbeddings(ctx, 1, EntityUser)
	suite.NoError(err)
	suite.Len(embeddings, 1)
	suite.Equal([]float32{1, 2}, embeddings[0].Vector)
	suite.Equal([]float32{1, 0}, embeddings[0].InitiatorVector)
	suite.Equal([]float32{0, 2}, embeddings[0].ParticipantVector)
	suite.Equal(2, embeddings[0].Dimension)
	suite.False(embeddings[0].CreatedAt.IsZero())
	// a new version replaces the pointer atomically
	suite.NoError(suite.Database.PutEmbeddings(ctx, 2, []Embedding{
		{EntityType: EntityUser, EntityId: "alice", Vector: []float32{5, 6}},
	}))
	version, err = suite.Database.GetActiveEmbeddingVersion(ctx)
	suite.NoError(err)
	suite.Equal(int64(2), version)
	// the old version is still readable until deleted
	embeddings, err = suite.Database.GetEmbeddings(ctx, 1, EntityUser)
	suite.NoError(err)
	suite.Len(embeddings, 1)
	suite.NoError(suite.Database.DeleteEmbeddings(ctx, 1))
	embeddings, err = suite.Database.GetEmbeddings(ctx, 1, EntityUser)
	suite.NoError(err)
	suite.Empty(embeddings)
}

func TestSQLite(t *testing.T) {
	suite.Run(t, new(SQLiteTestSuite))
}

func TestOpenUnknownScheme(t *testing.T) {
	_, err := Open("cassandra://localhost:9042")
	assert.Error(t, err)
}
