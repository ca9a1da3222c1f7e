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
	"sort"
	"strings"
	"time"

	"github.com/gbrec-io/gbrec/base/log"
	"github.com/juju/errors"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
	"moul.io/zapgorm2"
)

const (
	MySQLPrefix      = "mysql://"
	PostgresPrefix   = "postgres://"
	PostgreSQLPrefix = "postgresql://"
	SQLitePrefix     = "sqlite://"
)

var (
	ErrUserNotExist  = errors.NotFoundf("user")
	ErrItemNotExist  = errors.NotFoundf("item")
	ErrGroupNotExist = errors.NotFoundf("group")
	ErrNoDatabase    = errors.NotAssignedf("database")

	ErrGroupClosed   = errors.New("group is not accepting members")
	ErrGroupFull     = errors.New("group reached its maximum size")
	ErrAlreadyJoined = errors.New("user already joined this group")
)

// Group statuses. Forming groups accept members, active groups are buying,
// completed, cancelled and expired are terminal.
const (
	GroupForming   = "forming"
	GroupActive    = "active"
	GroupCompleted = "completed"
	GroupCancelled = "cancelled"
	GroupExpired   = "expired"
)

// Feedback types observed from users.
const (
	FeedbackView     = "view"
	FeedbackClick    = "click"
	FeedbackShare    = "share"
	FeedbackJoin     = "join"
	FeedbackPurchase = "purchase"
)

// Embedding entity types.
const (
	EntityUser = "user"
	EntityItem = "item"
)

// User stores meta data about a user.
type User struct {
	UserId          string `gorm:"primaryKey"`
	ReputationScore float64
	Labels          []string `gorm:"serializer:json"`
	Comment         string
}

// Item stores meta data about a group-buying item.
type Item struct {
	ItemId       string `gorm:"primaryKey"`
	IsHidden     bool
	Categories   []string `gorm:"serializer:json"`
	BasePrice    float64
	MinGroupSize int
	MaxGroupSize int
	Timestamp    time.Time
	Comment      string
}

// FeedbackKey identifies feedback.
type FeedbackKey struct {
	FeedbackType string `gorm:"column:feedback_type"`
	UserId       string `gorm:"column:user_id"`
	ItemId       string `gorm:"column:item_id"`
}

// Feedback stores feedback.
type Feedback struct {
	FeedbackKey `gorm:"embedded"`
	Value       float64   `gorm:"column:value"`
	Timestamp   time.Time `gorm:"column:time_stamp"`
	Comment     string    `gorm:"column:comment"`
}

// SortFeedbacks sorts feedback from latest to oldest.
func SortFeedbacks(feedback []Feedback) {
	sort.Slice(feedback, func(i, j int) bool {
		return feedback[i].Timestamp.After(feedback[j].Timestamp)
	})
}

// SocialConnection is a directed follow edge between two users.
type SocialConnection struct {
	FollowerId string `gorm:"primaryKey"`
	FolloweeId string `gorm:"primaryKey"`
	Strength   float64
	IsMutual   bool
	Timestamp  time.Time
}

// Group is a group-buying session on an item.
type Group struct {
	GroupId             string `gorm:"primaryKey"`
	ItemId              string `gorm:"index"`
	InitiatorId         string
	Status              string
	TargetSize          int
	CurrentSize         int
	SuccessProbability  *float64
	PredictionUpdatedAt *time.Time
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// GroupMember is a membership of a user in a group.
type GroupMember struct {
	GroupId     string `gorm:"primaryKey"`
	UserId      string `gorm:"primaryKey;index"`
	IsInitiator bool
	JoinedAt    time.Time
}

// Embedding holds the vectors of one entity under a trained model version:
// the combined serving vector plus the initiator-view and participant-view
// vectors it was blended from.
type Embedding struct {
	Version           int64     `gorm:"primaryKey;autoIncrement:false"`
	EntityType        string    `gorm:"primaryKey"`
	EntityId          string    `gorm:"primaryKey"`
	Dimension         int
	Vector            []float32 `gorm:"serializer:json"`
	InitiatorVector   []float32 `gorm:"serializer:json"`
	ParticipantVector []float32 `gorm:"serializer:json"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Variable is a named scalar kept in the database.
type Variable struct {
	Name  string `gorm:"primaryKey"`
	Value string
}

const activeVersionVariable = "active_embedding_version"

type Database interface {
	Init() error
	Ping() error
	Close() error
	Purge() error
	// users
	BatchInsertUsers(ctx context.Context, users []User) error
	GetUser(ctx context.Context, userId string) (User, error)
	GetUsers(ctx context.Context, cursor string, n int) (string, []User, error)
	DeleteUser(ctx context.Context, userId string) error
	// items
	BatchInsertItems(ctx context.Context, items []Item) error
	GetItem(ctx context.Context, itemId string) (Item, error)
	GetItems(ctx context.Context, cursor string, n int) (string, []Item, error)
	DeleteItem(ctx context.Context, itemId string) error
	// feedback
	BatchInsertFeedback(ctx context.Context, feedback []Feedback, insertUser, insertItem bool) error
	GetFeedback(ctx context.Context, cursor string, n int, feedbackTypes ...string) (string, []Feedback, error)
	GetUserFeedback(ctx context.Context, userId string, feedbackTypes ...string) ([]Feedback, error)
	GetItemFeedback(ctx context.Context, itemId string, feedbackTypes ...string) ([]Feedback, error)
	CountFeedback(ctx context.Context) (int, error)
	// social connections
	UpsertSocialConnections(ctx context.Context, connections []SocialConnection) error
	GetSocialConnections(ctx context.Context, userId string) ([]SocialConnection, error)
	GetAllSocialConnections(ctx context.Context, cursor string, n int) (string, []SocialConnection, error)
	// groups
	InsertGroup(ctx context.Context, group Group) error
	GetGroup(ctx context.Context, groupId string) (Group, error)
	GetGroups(ctx context.Context, cursor string, n int) (string, []Group, error)
	GetGroupsByItem(ctx context.Context, itemId string, statuses ...string) ([]Group, error)
	GetGroupMembers(ctx context.Context, groupId string) ([]GroupMember, error)
	GetUserGroups(ctx context.Context, userId string) ([]GroupMember, error)
	JoinGroup(ctx context.Context, groupId, userId string) (Group, error)
	UpdateGroupStatus(ctx context.Context, groupId, status string) error
	UpdateGroupPrediction(ctx context.Context, groupId string, probability float64, updatedAt time.Time) error
	// embeddings
	PutEmbeddings(ctx context.Context, version int64, embeddings []Embedding) error
	GetActiveEmbeddingVersion(ctx context.Context) (int64, error)
	GetEmbeddings(ctx context.Context, version int64, entityType string) ([]Embedding, error)
	DeleteEmbeddings(ctx context.Context, version int64) error
}

func newGORMConfig() *gorm.Config {
	return &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
		Logger: &zapgorm2.Logger{
			ZapLogger:                 log.Logger(),
			LogLevel:                  logger.Warn,
			SlowThreshold:             10 * time.Second,
			IgnoreRecordNotFoundError: true,
		},
	}
}

// Open a connection to a database.
func Open(path string) (Database, error) {
	var err error
	database := new(SQLDatabase)
	switch {
	case strings.HasPrefix(path, MySQLPrefix):
		name := path[len(MySQLPrefix):]
		database.gormDB, err = gorm.Open(mysql.Open(name), newGORMConfig())
	case strings.HasPrefix(path, PostgresPrefix), strings.HasPrefix(path, PostgreSQLPrefix):
		database.gormDB, err = gorm.Open(postgres.Open(path), newGORMConfig())
	case strings.HasPrefix(path, SQLitePrefix):
		name := path[len(SQLitePrefix):]
		database.gormDB, err = gorm.Open(sqlite.Open(name), newGORMConfig())
	default:
		return nil, errors.Errorf("unknown database: %s", log.RedactDBURL(path))
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return database, nil
}
