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
	"encoding/base64"
	"encoding/json"
	"strconv"
	"time"

	"github.com/juju/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLDatabase stores all group-buying data in a relational database.
type SQLDatabase struct {
	gormDB *gorm.DB
}

// Init creates tables and indices.
func (d *SQLDatabase) Init() error {
	err := d.gormDB.AutoMigrate(User{}, Item{}, Feedback{}, SocialConnection{},
		Group{}, GroupMember{}, Embedding{}, Variable{})
	return errors.Trace(err)
}

func (d *SQLDatabase) Ping() error {
	db, err := d.gormDB.DB()
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(db.Ping())
}

func (d *SQLDatabase) Close() error {
	db, err := d.gormDB.DB()
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(db.Close())
}

// Purge removes all data from the database.
func (d *SQLDatabase) Purge() error {
	for _, model := range []any{&GroupMember{}, &Group{}, &SocialConnection{},
		&Feedback{}, &Embedding{}, &Variable{}, &Item{}, &User{}} {
		if err := d.gormDB.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(model).Error; err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (d *SQLDatabase) BatchInsertUsers(ctx context.Context, users []User) error {
	if len(users) == 0 {
		return nil
	}
	err := d.gormDB.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		CreateInBatches(users, batchSize).Error
	return errors.Trace(err)
}

func (d *SQLDatabase) GetUser(ctx context.Context, userId string) (User, error) {
	var user User
	err := d.gormDB.WithContext(ctx).Where("user_id = ?", userId).First(&user).Error
	if err == gorm.ErrRecordNotFound {
		return User{}, errors.Annotate(ErrUserNotExist, userId)
	}
	return user, errors.Trace(err)
}

func (d *SQLDatabase) GetUsers(ctx context.Context, cursor string, n int) (string, []User, error) {
	var users []User
	err := d.gormDB.WithContext(ctx).
		Where("user_id > ?", cursor).
		Order("user_id").Limit(n).Find(&users).Error
	if err != nil {
		return "", nil, errors.Trace(err)
	}
	if len(users) == n {
		return users[n-1].UserId, users, nil
	}
	return "", users, nil
}

func (d *SQLDatabase) DeleteUser(ctx context.Context, userId string) error {
	return errors.Trace(d.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userId).Delete(&Feedback{}).Error; err != nil {
			return errors.Trace(err)
		}
		if err := tx.Where("follower_id = ? OR followee_id = ?", userId, userId).
			Delete(&SocialConnection{}).Error; err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(tx.Where("user_id = ?", userId).Delete(&User{}).Error)
	}))
}

func (d *SQLDatabase) BatchInsertItems(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	err := d.gormDB.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		CreateInBatches(items, batchSize).Error
	return errors.Trace(err)
}

func (d *SQLDatabase) GetItem(ctx context.Context, itemId string) (Item, error) {
	var item Item
	err := d.gormDB.WithContext(ctx).Where("item_id = ?", itemId).First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return Item{}, errors.Annotate(ErrItemNotExist, itemId)
	}
	return item, errors.Trace(err)
}

func (d *SQLDatabase) GetItems(ctx context.Context, cursor string, n int) (string, []Item, error) {
	var items []Item
	err := d.gormDB.WithContext(ctx).
		Where("item_id > ?", cursor).
		Order("item_id").Limit(n).Find(&items).Error
	if err != nil {
		return "", nil, errors.Trace(err)
	}
	if len(items) == n {
		return items[n-1].ItemId, items, nil
	}
	return "", items, nil
}

func (d *SQLDatabase) DeleteItem(ctx context.Context, itemId string) error {
	return errors.Trace(d.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("item_id = ?", itemId).Delete(&Feedback{}).Error; err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(tx.Where("item_id = ?", itemId).Delete(&Item{}).Error)
	}))
}

const batchSize = 1000

func (d *SQLDatabase) BatchInsertFeedback(ctx context.Context, feedback []Feedback, insertUser, insertItem bool) error {
	if len(feedback) == 0 {
		return nil
	}
	return errors.Trace(d.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if insertUser {
			users := make([]User, 0, len(feedback))
			seen := make(map[string]struct{})
			for _, f := range feedback {
				if _, exist := seen[f.UserId]; !exist {
					seen[f.UserId] = struct{}{}
					users = append(users, User{UserId: f.UserId})
				}
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
				CreateInBatches(users, batchSize).Error; err != nil {
				return errors.Trace(err)
			}
		}
		if insertItem {
			items := make([]Item, 0, len(feedback))
			seen := make(map[string]struct{})
			for _, f := range feedback {
				if _, exist := seen[f.ItemId]; !exist {
					seen[f.ItemId] = struct{}{}
					items = append(items, Item{ItemId: f.ItemId})
				}
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
				CreateInBatches(items, batchSize).Error; err != nil {
				return errors.Trace(err)
			}
		}
		err := tx.Clauses(clause.OnConflict{UpdateAll: true}).
			CreateInBatches(feedback, batchSize).Error
		return errors.Trace(err)
	}))
}

type feedbackCursor struct {
	FeedbackType string `json:"feedback_type"`
	UserId       string `json:"user_id"`
	ItemId       string `json:"item_id"`
}

func (d *SQLDatabase) GetFeedback(ctx context.Context, cursor string, n int, feedbackTypes ...string) (string, []Feedback, error) {
	tx := d.gormDB.WithContext(ctx).Model(&Feedback{})
	if cursor != "" {
		decoded, err := base64.StdEncoding.DecodeString(cursor)
		if err != nil {
			return "", nil, errors.Trace(err)
		}
		var key feedbackCursor
		if err = json.Unmarshal(decoded, &key); err != nil {
			return "", nil, errors.Trace(err)
		}
		tx = tx.Where("(feedback_type, user_id, item_id) > (?, ?, ?)",
			key.FeedbackType, key.UserId, key.ItemId)
	}
	if len(feedbackTypes) > 0 {
		tx = tx.Where("feedback_type IN ?", feedbackTypes)
	}
	var feedback []Feedback
	if err := tx.Order("feedback_type, user_id, item_id").Limit(n).Find(&feedback).Error; err != nil {
		return "", nil, errors.Trace(err)
	}
	if len(feedback) == n {
		last := feedback[n-1]
		encoded, err := json.Marshal(feedbackCursor{
			FeedbackType: last.FeedbackType,
			UserId:       last.UserId,
			ItemId:       last.ItemId,
		})
		if err != nil {
			return "", nil, errors.Trace(err)
		}
		return base64.StdEncoding.EncodeToString(encoded), feedback, nil
	}
	return "", feedback, nil
}

func (d *SQLDatabase) GetUserFeedback(ctx context.Context, userId string, feedbackTypes ...string) ([]Feedback, error) {
	tx := d.gormDB.WithContext(ctx).Where("user_id = ?", userId)
	if len(feedbackTypes) > 0 {
		tx = tx.Where("feedback_type IN ?", feedbackTypes)
	}
	var feedback []Feedback
	err := tx.Find(&feedback).Error
	return feedback, errors.Trace(err)
}

func (d *SQLDatabase) GetItemFeedback(ctx context.Context, itemId string, feedbackTypes ...string) ([]Feedback, error) {
	tx := d.gormDB.WithContext(ctx).Where("item_id = ?", itemId)
	if len(feedbackTypes) > 0 {
		tx = tx.Where("feedback_type IN ?", feedbackTypes)
	}
	var feedback []Feedback
	err := tx.Find(&feedback).Error
	return feedback, errors.Trace(err)
}

func (d *SQLDatabase) CountFeedback(ctx context.Context) (int, error) {
	var count int64
	err := d.gormDB.WithContext(ctx).Model(&Feedback{}).Count(&count).Error
	return int(count), errors.Trace(err)
}

// UpsertSocialConnections writes follow edges and keeps the mutual flag of
// both directions consistent.
func (d *SQLDatabase) UpsertSocialConnections(ctx context.Context, connections []SocialConnection) error {
	if len(connections) == 0 {
		return nil
	}
	return errors.Trace(d.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, connection := range connections {
			if connection.FollowerId == connection.FolloweeId {
				return errors.Errorf("self connection is not allowed: %s", connection.FollowerId)
			}
			var reverse SocialConnection
			err := tx.Where("follower_id = ? AND followee_id = ?",
				connection.FolloweeId, connection.FollowerId).First(&reverse).Error
			switch err {
			case nil:
				connection.IsMutual = true
				if !reverse.IsMutual {
					if err = tx.Model(&SocialConnection{}).
						Where("follower_id = ? AND followee_id = ?", reverse.FollowerId, reverse.FolloweeId).
						Update("is_mutual", true).Error; err != nil {
						return errors.Trace(err)
					}
				}
			case gorm.ErrRecordNotFound:
				connection.IsMutual = false
			default:
				return errors.Trace(err)
			}
			if err = tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&connection).Error; err != nil {
				return errors.Trace(err)
			}
		}
		return nil
	}))
}

func (d *SQLDatabase) GetSocialConnections(ctx context.Context, userId string) ([]SocialConnection, error) {
	var connections []SocialConnection
	err := d.gormDB.WithContext(ctx).
		Where("follower_id = ?", userId).
		Order("followee_id").Find(&connections).Error
	return connections, errors.Trace(err)
}

func (d *SQLDatabase) GetAllSocialConnections(ctx context.Context, cursor string, n int) (string, []SocialConnection, error) {
	tx := d.gormDB.WithContext(ctx).Model(&SocialConnection{})
	if cursor != "" {
		decoded, err := base64.StdEncoding.DecodeString(cursor)
		if err != nil {
			return "", nil, errors.Trace(err)
		}
		var key SocialConnection
		if err = json.Unmarshal(decoded, &key); err != nil {
			return "", nil, errors.Trace(err)
		}
		tx = tx.Where("(follower_id, followee_id) > (?, ?)", key.FollowerId, key.FolloweeId)
	}
	var connections []SocialConnection
	if err := tx.Order("follower_id, followee_id").Limit(n).Find(&connections).Error; err != nil {
		return "", nil, errors.Trace(err)
	}
	if len(connections) == n {
		encoded, err := json.Marshal(SocialConnection{
			FollowerId: connections[n-1].FollowerId,
			FolloweeId: connections[n-1].FolloweeId,
		})
		if err != nil {
			return "", nil, errors.Trace(err)
		}
		return base64.StdEncoding.EncodeToString(encoded), connections, nil
	}
	return "", connections, nil
}

// InsertGroup creates a forming group and its initiator membership.
func (d *SQLDatabase) InsertGroup(ctx context.Context, group Group) error {
	return errors.Trace(d.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := d.getItemTx(tx, group.ItemId)
		if err != nil {
			return errors.Trace(err)
		}
		if group.TargetSize < item.MinGroupSize ||
			(item.MaxGroupSize > 0 && group.TargetSize > item.MaxGroupSize) {
			return errors.Errorf("target size %d out of range [%d, %d]",
				group.TargetSize, item.MinGroupSize, item.MaxGroupSize)
		}
		group.Status = GroupForming
		group.CurrentSize = 1
		if group.CreatedAt.IsZero() {
			group.CreatedAt = time.Now()
		}
		if err := tx.Create(&group).Error; err != nil {
			return errors.Trace(err)
		}
		member := GroupMember{
			GroupId:     group.GroupId,
			UserId:      group.InitiatorId,
			IsInitiator: true,
			JoinedAt:    group.CreatedAt,
		}
		return errors.Trace(tx.Create(&member).Error)
	}))
}

func (d *SQLDatabase) getItemTx(tx *gorm.DB, itemId string) (Item, error) {
	var item Item
	err := tx.Where("item_id = ?", itemId).First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return Item{}, errors.Annotate(ErrItemNotExist, itemId)
	}
	return item, errors.Trace(err)
}

func (d *SQLDatabase) GetGroup(ctx context.Context, groupId string) (Group, error) {
	var group Group
	err := d.gormDB.WithContext(ctx).Where("group_id = ?", groupId).First(&group).Error
	if err == gorm.ErrRecordNotFound {
		return Group{}, errors.Annotate(ErrGroupNotExist, groupId)
	}
	return group, errors.Trace(err)
}

func (d *SQLDatabase) GetGroups(ctx context.Context, cursor string, n int) (string, []Group, error) {
	var groups []Group
	err := d.gormDB.WithContext(ctx).
		Where("group_id > ?", cursor).
		Order("group_id").Limit(n).Find(&groups).Error
	if err != nil {
		return "", nil, errors.Trace(err)
	}
	if len(groups) == n {
		return groups[n-1].GroupId, groups, nil
	}
	return "", groups, nil
}

func (d *SQLDatabase) GetGroupsByItem(ctx context.Context, itemId string, statuses ...string) ([]Group, error) {
	tx := d.gormDB.WithContext(ctx).Where("item_id = ?", itemId)
	if len(statuses) > 0 {
		tx = tx.Where("status IN ?", statuses)
	}
	var groups []Group
	err := tx.Order("group_id").Find(&groups).Error
	return groups, errors.Trace(err)
}

func (d *SQLDatabase) GetGroupMembers(ctx context.Context, groupId string) ([]GroupMember, error) {
	var members []GroupMember
	err := d.gormDB.WithContext(ctx).
		Where("group_id = ?", groupId).
		Order("joined_at").Find(&members).Error
	return members, errors.Trace(err)
}

func (d *SQLDatabase) GetUserGroups(ctx context.Context, userId string) ([]GroupMember, error) {
	var members []GroupMember
	err := d.gormDB.WithContext(ctx).
		Where("user_id = ?", userId).
		Order("joined_at").Find(&members).Error
	return members, errors.Trace(err)
}

// JoinGroup adds a user to a forming group. The capacity check and the size
// update run in one transaction so concurrent joins cannot overfill a group.
func (d *SQLDatabase) JoinGroup(ctx context.Context, groupId, userId string) (Group, error) {
	var group Group
	err := d.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("group_id = ?", groupId).First(&group).Error
		if err == gorm.ErrRecordNotFound {
			return errors.Annotate(ErrGroupNotExist, groupId)
		} else if err != nil {
			return errors.Trace(err)
		}
		if group.Status != GroupForming {
			return ErrGroupClosed
		}
		if group.CurrentSize >= group.TargetSize {
			return ErrGroupFull
		}
		var count int64
		if err = tx.Model(&GroupMember{}).
			Where("group_id = ? AND user_id = ?", groupId, userId).
			Count(&count).Error; err != nil {
			return errors.Trace(err)
		}
		if count > 0 {
			return ErrAlreadyJoined
		}
		member := GroupMember{
			GroupId:  groupId,
			UserId:   userId,
			JoinedAt: time.Now(),
		}
		if err = tx.Create(&member).Error; err != nil {
			return errors.Trace(err)
		}
		group.CurrentSize++
		if group.CurrentSize >= group.TargetSize {
			group.Status = GroupCompleted
		}
		return errors.Trace(tx.Model(&Group{}).
			Where("group_id = ?", groupId).
			Updates(map[string]any{
				"current_size": group.CurrentSize,
				"status":       group.Status,
			}).Error)
	})
	return group, errors.Trace(err)
}

// UpdateGroupStatus moves a group through its lifecycle: forming groups may
// become active, and both non-terminal states may complete, cancel or
// expire. Terminal groups never change state again.
func (d *SQLDatabase) UpdateGroupStatus(ctx context.Context, groupId, status string) error {
	from := []string{GroupForming, GroupActive}
	switch status {
	case GroupActive:
		from = []string{GroupForming}
	case GroupCompleted, GroupCancelled, GroupExpired:
	default:
		return errors.Errorf("invalid group status: %s", status)
	}
	result := d.gormDB.WithContext(ctx).Model(&Group{}).
		Where("group_id = ? AND status IN ?", groupId, from).
		Update("status", status)
	if result.Error != nil {
		return errors.Trace(result.Error)
	}
	if result.RowsAffected == 0 {
		group, err := d.GetGroup(ctx, groupId)
		if err != nil {
			return errors.Trace(err)
		}
		return errors.Errorf("group %s is %s, cannot become %s", groupId, group.Status, status)
	}
	return nil
}

func (d *SQLDatabase) UpdateGroupPrediction(ctx context.Context, groupId string, probability float64, updatedAt time.Time) error {
	result := d.gormDB.WithContext(ctx).Model(&Group{}).
		Where("group_id = ?", groupId).
		Updates(map[string]any{
			"success_probability":   probability,
			"prediction_updated_at": updatedAt,
		})
	if result.Error != nil {
		return errors.Trace(result.Error)
	}
	if result.RowsAffected == 0 {
		return errors.Annotate(ErrGroupNotExist, groupId)
	}
	return nil
}

// PutEmbeddings writes a new embedding version and activates it in the same
// transaction. Readers either see the previous complete version or the new
// complete version, never a partial one.
func (d *SQLDatabase) PutEmbeddings(ctx context.Context, version int64, embeddings []Embedding) error {
	return errors.Trace(d.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("version = ?", version).Delete(&Embedding{}).Error; err != nil {
			return errors.Trace(err)
		}
		for i := range embeddings {
			embeddings[i].Version = version
		}
		if err := tx.CreateInBatches(embeddings, batchSize).Error; err != nil {
			return errors.Trace(err)
		}
		variable := Variable{Name: activeVersionVariable, Value: strconv.FormatInt(version, 10)}
		return errors.Trace(tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&variable).Error)
	}))
}

// GetActiveEmbeddingVersion returns the active version, or zero before the
// first training run completed.
func (d *SQLDatabase) GetActiveEmbeddingVersion(ctx context.Context) (int64, error) {
	var variable Variable
	err := d.gormDB.WithContext(ctx).
		Where("name = ?", activeVersionVariable).First(&variable).Error
	if err == gorm.ErrRecordNotFound {
		return 0, nil
	} else if err != nil {
		return 0, errors.Trace(err)
	}
	version, err := strconv.ParseInt(variable.Value, 10, 64)
	return version, errors.Trace(err)
}

func (d *SQLDatabase) GetEmbeddings(ctx context.Context, version int64, entityType string) ([]Embedding, error) {
	var embeddings []Embedding
	err := d.gormDB.WithContext(ctx).
		Where("version = ? AND entity_type = ?", version, entityType).
		Order("entity_id").Find(&embeddings).Error
	return embeddings, errors.Trace(err)
}

func (d *SQLDatabase) DeleteEmbeddings(ctx context.Context, version int64) error {
	return errors.Trace(d.gormDB.WithContext(ctx).
		Where("version = ?", version).Delete(&Embedding{}).Error)
}
