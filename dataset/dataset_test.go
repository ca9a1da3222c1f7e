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
	"fmt"
	"testing"
	"time"

	"github.com/gbrec-io/gbrec/storage/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreqDict(t *testing.T) {
	dict := NewFreqDict()
	assert.Equal(t, int32(0), dict.Id("a"))
	assert.Equal(t, int32(1), dict.Id("b"))
	assert.Equal(t, int32(0), dict.Id("a"))
	assert.Equal(t, int32(2), dict.Count())
	assert.Equal(t, 2, dict.Freq(0))
	assert.Equal(t, 1, dict.Freq(1))
	s, ok := dict.String(1)
	assert.True(t, ok)
	assert.Equal(t, "b", s)
	_, ok = dict.String(5)
	assert.False(t, ok)
	// NotCount assigns without counting
	assert.Equal(t, int32(2), dict.NotCount("c"))
	assert.Equal(t, 0, dict.Freq(2))
}

func TestDatasetEdges(t *testing.T) {
	d := NewDataset(time.Now())
	d.AddUser("alice")
	d.AddUser("bob")
	d.AddItem("item0")
	d.AddInitiation("alice", "item0", 1)
	d.AddParticipation("bob", "item0", 0.8)
	assert.Equal(t, 2, d.CountUsers())
	assert.Equal(t, 1, d.CountItems())
	assert.Len(t, d.GetInitiatorEdges(), 1)
	assert.Len(t, d.GetParticipantEdges(), 1)
	assert.Equal(t, []int32{0}, d.GetUserFeedback()[0])
	assert.Equal(t, []int32{0}, d.GetUserFeedback()[1])

	// social edges require known endpoints
	assert.True(t, d.AddSocialEdge("alice", "bob", 0.5))
	assert.False(t, d.AddSocialEdge("alice", "stranger", 0.5))
	assert.Len(t, d.GetSocialEdges(), 1)

	// group labels drop unknown members
	assert.True(t, d.AddGroup("item0", "alice", []string{"alice", "bob", "stranger"}, true))
	assert.Len(t, d.GetGroups()[0].MemberIndices, 2)
	assert.False(t, d.AddGroup("item0", "stranger", []string{"stranger"}, true))
}

func TestSplit(t *testing.T) {
	d := NewDataset(time.Now())
	for i := 0; i < 50; i++ {
		d.AddUser(fmt.Sprintf("user%d", i))
	}
	for i := 0; i < 20; i++ {
		d.AddItem(fmt.Sprintf("item%d", i))
	}
	for i := 0; i < 50; i++ {
		for j := 0; j < 4; j++ {
			d.AddParticipation(fmt.Sprintf("user%d", i), fmt.Sprintf("item%d", (i+j)%20), 1)
		}
	}
	train, valid := d.Split(0.2, 42)
	assert.Equal(t, 200, len(train.GetParticipantEdges())+len(valid.GetParticipantEdges()))
	assert.InDelta(t, 40, len(valid.GetParticipantEdges()), 25)
	// deterministic for a fixed seed
	train2, valid2 := d.Split(0.2, 42)
	assert.Equal(t, train.GetParticipantEdges(), train2.GetParticipantEdges())
	assert.Equal(t, valid.GetParticipantEdges(), valid2.GetParticipantEdges())
	// dictionaries are shared
	assert.Equal(t, d.GetUserDict(), train.GetUserDict())
	assert.Equal(t, d.CountUsers(), valid.CountUsers())
}

func newTestDatabase(t *testing.T) data.Database {
	database, err := data.Open("sqlite://:memory:")
	require.NoError(t, err)
	require.NoError(t, database.Init())
	t.Cleanup(func() {
		assert.NoError(t, database.Close())
	})
	return database
}

func TestLoadDataset(t *testing.T) {
	ctx := context.Background()
	database := newTestDatabase(t)
	// 30 users x 5 purchases over 10 items
	var feedback []data.Feedback
	for i := 0; i < 30; i++ {
		for j := 0; j < 5; j++ {
			feedback = append(feedback, data.Feedback{
				FeedbackKey: data.FeedbackKey{
					FeedbackType: data.FeedbackPurchase,
					UserId:       fmt.Sprintf("user%02d", i),
					ItemId:       fmt.Sprintf("item%d", (i+j)%10),
				},
				Timestamp: time.Now(),
			})
		}
	}
	// one sparse user below the threshold
	feedback = append(feedback, data.Feedback{
		FeedbackKey: data.FeedbackKey{
			FeedbackType: data.FeedbackView,
			UserId:       "lurker",
			ItemId:       "item0",
		},
		Timestamp: time.Now(),
	})
	require.NoError(t, database.BatchInsertFeedback(ctx, feedback, true, true))
	// one finished group
	require.NoError(t, database.BatchInsertItems(ctx, []data.Item{
		{ItemId: "item0", MinGroupSize: 2, MaxGroupSize: 5},
	}))
	require.NoError(t, database.InsertGroup(ctx, data.Group{
		GroupId:     "group0",
		ItemId:      "item0",
		InitiatorId: "user00",
		TargetSize:  2,
	}))
	_, err := database.JoinGroup(ctx, "group0", "user01")
	require.NoError(t, err)
	// social edges, one of them dangling
	require.NoError(t, database.UpsertSocialConnections(ctx, []data.SocialConnection{
		{FollowerId: "user00", FolloweeId: "user01", Strength: 0.9},
		{FollowerId: "user00", FolloweeId: "lurker", Strength: 0.9},
	}))

	opts := DefaultOptions()
	opts.MinInteractions = 10
	d, err := LoadDataset(ctx, database, opts)
	require.NoError(t, err)
	assert.Equal(t, 30, d.CountUsers())
	assert.Equal(t, 10, d.CountItems())
	// the lurker and its social edge are dropped
	_, ok := d.GetUserDict().Lookup("lurker")
	assert.False(t, ok)
	assert.Len(t, d.GetSocialEdges(), 1)
	// the completed group produced a label and an initiator edge
	assert.Len(t, d.GetGroups(), 1)
	assert.True(t, d.GetGroups()[0].Succeeded)
	assert.Len(t, d.GetInitiatorEdges(), 1)

	// deterministic indices across reloads
	d2, err := LoadDataset(ctx, database, opts)
	require.NoError(t, err)
	index, _ := d.GetUserDict().Lookup("user07")
	index2, _ := d2.GetUserDict().Lookup("user07")
	assert.Equal(t, index, index2)
	assert.Equal(t, d.GetParticipantEdges(), d2.GetParticipantEdges())
}

func TestLoadDatasetInsufficient(t *testing.T) {
	ctx := context.Background()
	database := newTestDatabase(t)
	require.NoError(t, database.BatchInsertFeedback(ctx, []data.Feedback{
		{
			FeedbackKey: data.FeedbackKey{
				FeedbackType: data.FeedbackPurchase,
				UserId:       "user0",
				ItemId:       "item0",
			},
			Timestamp: time.Now(),
		},
	}, true, true))
	_, err := LoadDataset(ctx, database, nil)
	assert.ErrorIs(t, err, ErrDataInsufficient)
}
