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
	"time"

	"github.com/gbrec-io/gbrec/base"
)

// Edge connects a user to an item in one of the two behavioral views.
type Edge struct {
	UserIndex int32
	ItemIndex int32
	Weight    float32
}

// SocialEdge is a directed social influence edge between two users.
type SocialEdge struct {
	FromIndex int32
	ToIndex   int32
	Strength  float32
}

// GroupLabel is the observed outcome of a finished group-buying session.
type GroupLabel struct {
	ItemIndex      int32
	InitiatorIndex int32
	MemberIndices  []int32
	Succeeded      bool
}

// Dataset holds the heterogeneous group-buying graph: initiator and
// participant user-item edges, user-user social edges and labeled group
// outcomes, all indexed densely.
type Dataset struct {
	timestamp        time.Time
	userDict         *FreqDict
	itemDict         *FreqDict
	initiatorEdges   []Edge
	participantEdges []Edge
	socialEdges      []SocialEdge
	groups           []GroupLabel
	userFeedback     [][]int32
}

func NewDataset(timestamp time.Time) *Dataset {
	return &Dataset{
		timestamp: timestamp,
		userDict:  NewFreqDict(),
		itemDict:  NewFreqDict(),
	}
}

func (d *Dataset) GetTimestamp() time.Time {
	return d.timestamp
}

func (d *Dataset) GetUserDict() *FreqDict {
	return d.userDict
}

func (d *Dataset) GetItemDict() *FreqDict {
	return d.itemDict
}

func (d *Dataset) CountUsers() int {
	return int(d.userDict.Count())
}

func (d *Dataset) CountItems() int {
	return int(d.itemDict.Count())
}

func (d *Dataset) GetInitiatorEdges() []Edge {
	return d.initiatorEdges
}

func (d *Dataset) GetParticipantEdges() []Edge {
	return d.participantEdges
}

func (d *Dataset) GetSocialEdges() []SocialEdge {
	return d.socialEdges
}

func (d *Dataset) GetGroups() []GroupLabel {
	return d.groups
}

// GetUserFeedback returns, per user index, the item indices the user touched
// in either view. It backs negative sampling exclusion and predictability
// flags.
func (d *Dataset) GetUserFeedback() [][]int32 {
	return d.userFeedback
}

// AddUser registers a user identifier and returns its index.
func (d *Dataset) AddUser(userId string) int32 {
	index := d.userDict.NotCount(userId)
	for len(d.userFeedback) <= int(index) {
		d.userFeedback = append(d.userFeedback, nil)
	}
	return index
}

// AddItem registers an item identifier and returns its index.
func (d *Dataset) AddItem(itemId string) int32 {
	return d.itemDict.NotCount(itemId)
}

// AddInitiation records that a user started a group for an item.
func (d *Dataset) AddInitiation(userId, itemId string, weight float32) {
	userIndex := d.AddUser(userId)
	itemIndex := d.itemDict.Id(itemId)
	d.userDict.Id(userId)
	d.initiatorEdges = append(d.initiatorEdges, Edge{userIndex, itemIndex, weight})
	d.userFeedback[userIndex] = append(d.userFeedback[userIndex], itemIndex)
}

// AddParticipation records that a user joined a group or interacted with an
// item as a participant.
func (d *Dataset) AddParticipation(userId, itemId string, weight float32) {
	userIndex := d.AddUser(userId)
	itemIndex := d.itemDict.Id(itemId)
	d.userDict.Id(userId)
	d.participantEdges = append(d.participantEdges, Edge{userIndex, itemIndex, weight})
	d.userFeedback[userIndex] = append(d.userFeedback[userIndex], itemIndex)
}

// AddSocialEdge records a social influence edge. Both endpoints must have
// been registered.
func (d *Dataset) AddSocialEdge(fromId, toId string, strength float32) bool {
	fromIndex, ok := d.userDict.Lookup(fromId)
	if !ok {
		return false
	}
	toIndex, ok := d.userDict.Lookup(toId)
	if !ok {
		return false
	}
	d.socialEdges = append(d.socialEdges, SocialEdge{fromIndex, toIndex, strength})
	return true
}

// AddGroup records the outcome of a finished group. Members missing from the
// user dictionary are dropped.
func (d *Dataset) AddGroup(itemId, initiatorId string, memberIds []string, succeeded bool) bool {
	itemIndex, ok := d.itemDict.Lookup(itemId)
	if !ok {
		return false
	}
	initiatorIndex, ok := d.userDict.Lookup(initiatorId)
	if !ok {
		return false
	}
	label := GroupLabel{
		ItemIndex:      itemIndex,
		InitiatorIndex: initiatorIndex,
		Succeeded:      succeeded,
	}
	for _, memberId := range memberIds {
		if memberIndex, exist := d.userDict.Lookup(memberId); exist {
			label.MemberIndices = append(label.MemberIndices, memberIndex)
		}
	}
	if len(label.MemberIndices) == 0 {
		return false
	}
	d.groups = append(d.groups, label)
	return true
}

// CountPositives returns the number of positive user-item edges in both views.
func (d *Dataset) CountPositives() int {
	return len(d.initiatorEdges) + len(d.participantEdges)
}

func (d *Dataset) shareDicts() *Dataset {
	return &Dataset{
		timestamp:    d.timestamp,
		userDict:     d.userDict,
		itemDict:     d.itemDict,
		userFeedback: d.userFeedback,
	}
}

// Split divides edges and group labels into a training set and a validation
// set. Both sets share the dictionaries and the social graph. The split is
// deterministic for a fixed seed.
func (d *Dataset) Split(validRatio float32, seed int64) (*Dataset, *Dataset) {
	rng := base.NewRandomGenerator(seed)
	train, valid := d.shareDicts(), d.shareDicts()
	train.socialEdges = d.socialEdges
	valid.socialEdges = d.socialEdges
	for _, edge := range d.initiatorEdges {
		if rng.Float32() < validRatio {
			valid.initiatorEdges = append(valid.initiatorEdges, edge)
		} else {
			train.initiatorEdges = append(train.initiatorEdges, edge)
		}
	}
	for _, edge := range d.participantEdges {
		if rng.Float32() < validRatio {
			valid.participantEdges = append(valid.participantEdges, edge)
		} else {
			train.participantEdges = append(train.participantEdges, edge)
		}
	}
	for _, group := range d.groups {
		if rng.Float32() < validRatio {
			valid.groups = append(valid.groups, group)
		} else {
			train.groups = append(train.groups, group)
		}
	}
	return train, valid
}
