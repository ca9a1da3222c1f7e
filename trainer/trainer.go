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

// Package trainer owns the model lifecycle: it loads the group-buying graph,
// fits a fresh model, publishes its embeddings and keeps exactly one training
// run in flight.
package trainer

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/gbrec-io/gbrec/base/encoding"
	"github.com/gbrec-io/gbrec/base/log"
	"github.com/gbrec-io/gbrec/dataset"
	"github.com/gbrec-io/gbrec/model"
	"github.com/gbrec-io/gbrec/model/gbgcn"
	"github.com/gbrec-io/gbrec/storage/data"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Model states.
const (
	StateUninitialized = "uninitialized"
	StateReady         = "ready"
	StateTraining      = "training"
)

// Retrain outcomes.
const (
	RetrainTriggered = "triggered"
	RetrainSkipped   = "skipped"
)

// Retrain reasons.
const (
	ReasonManual    = "manual"
	ReasonScheduled = "scheduled"
	ReasonStartup   = "startup"
)

// Config controls training runs.
type Config struct {
	ModelParams        model.Params
	DatasetOptions     *dataset.Options
	ValidRatio         float32
	MinRetrainInterval time.Duration
	// ModelPath is the checkpoint file written after each successful run and
	// loaded on startup. Empty disables checkpointing.
	ModelPath string
	Jobs      int
}

func NewConfig() *Config {
	return &Config{
		ModelParams:        model.Params{},
		DatasetOptions:     dataset.DefaultOptions(),
		ValidRatio:         0.2,
		MinRetrainInterval: 6 * time.Hour,
		Jobs:               1,
	}
}

// RetrainResult reports whether a retrain request started a training run.
type RetrainResult struct {
	Status string `json:"status"`
	TaskId string `json:"task_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ModelStatus is a snapshot of the trainer for monitoring.
type ModelStatus struct {
	State         string      `json:"state"`
	Version       int64       `json:"version"`
	LastTrainTime time.Time   `json:"last_train_time"`
	LastScore     gbgcn.Score `json:"last_score"`
	LastError     string      `json:"last_error,omitempty"`
}

// Trainer serializes training runs over a shared database. Concurrent
// retrain requests are rejected, not queued.
type Trainer struct {
	database data.Database
	config   *Config
	training *atomic.Bool

	mu            sync.RWMutex
	model         *gbgcn.GBGCN
	version       int64
	lastTrainTime time.Time
	lastScore     gbgcn.Score
	lastError     string
}

func NewTrainer(database data.Database, config *Config) *Trainer {
	if config == nil {
		config = NewConfig()
	}
	t := &Trainer{
		database: database,
		config:   config,
		training: atomic.NewBool(false),
	}
	t.loadModel()
	return t
}

// loadModel restores the checkpoint written by the last successful training
// run so the engine serves immediately after a restart.
func (t *Trainer) loadModel() {
	if t.config.ModelPath == "" {
		return
	}
	r, err := os.Open(t.config.ModelPath)
	if os.IsNotExist(err) {
		return
	} else if err != nil {
		log.Logger().Warn("failed to open model checkpoint",
			zap.String("path", t.config.ModelPath), zap.Error(err))
		return
	}
	defer r.Close()
	var version int64
	m := new(gbgcn.GBGCN)
	if err = encoding.ReadGob(r, &version); err == nil {
		err = m.Unmarshal(r)
	}
	if err != nil {
		log.Logger().Warn("failed to load model checkpoint",
			zap.String("path", t.config.ModelPath), zap.Error(err))
		return
	}
	t.model = m
	t.version = version
	log.Logger().Info("loaded model checkpoint",
		zap.String("path", t.config.ModelPath),
		zap.Int64("version", version))
}

// saveModel checkpoints a fitted model. The file is written aside and
// renamed so a crash cannot leave a truncated checkpoint behind.
func (t *Trainer) saveModel(m *gbgcn.GBGCN, version int64) {
	if t.config.ModelPath == "" {
		return
	}
	temp := t.config.ModelPath + ".tmp"
	w, err := os.Create(temp)
	if err != nil {
		log.Logger().Warn("failed to save model checkpoint",
			zap.String("path", t.config.ModelPath), zap.Error(err))
		return
	}
	if err = encoding.WriteGob(w, version); err == nil {
		err = m.Marshal(w)
	}
	if closeErr := w.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(temp, t.config.ModelPath)
	}
	if err != nil {
		log.Logger().Warn("failed to save model checkpoint",
			zap.String("path", t.config.ModelPath), zap.Error(err))
		return
	}
	log.Logger().Info("saved model checkpoint",
		zap.String("path", t.config.ModelPath),
		zap.Int64("version", version))
}

// Model returns the serving model, or nil before the first successful
// training run.
func (t *Trainer) Model() *gbgcn.GBGCN {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.model
}

func (t *Trainer) Status() ModelStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state := StateUninitialized
	if t.training.Load() {
		state = StateTraining
	} else if t.model != nil {
		state = StateReady
	}
	return ModelStatus{
		State:         state,
		Version:       t.version,
		LastTrainTime: t.lastTrainTime,
		LastScore:     t.lastScore,
		LastError:     t.lastError,
	}
}

// Retrain requests an asynchronous training run. Requests arriving while a
// run is in flight, or before the minimum retrain interval has passed, are
// skipped.
func (t *Trainer) Retrain(reason string) RetrainResult {
	t.mu.RLock()
	lastTrainTime := t.lastTrainTime
	t.mu.RUnlock()
	if !lastTrainTime.IsZero() && time.Since(lastTrainTime) < t.config.MinRetrainInterval {
		RetrainSkippedTotal.WithLabelValues(reason).Inc()
		return RetrainResult{
			Status: RetrainSkipped,
			Reason: "last training finished less than the minimum retrain interval ago",
		}
	}
	if !t.training.CompareAndSwap(false, true) {
		RetrainSkippedTotal.WithLabelValues(reason).Inc()
		return RetrainResult{
			Status: RetrainSkipped,
			Reason: "another training run is in flight",
		}
	}
	taskId := uuid.NewString()
	RetrainTriggeredTotal.WithLabelValues(reason).Inc()
	go func() {
		defer t.training.Store(false)
		t.train(context.Background(), taskId, reason)
	}()
	return RetrainResult{Status: RetrainTriggered, TaskId: taskId}
}

func (t *Trainer) train(ctx context.Context, taskId, reason string) {
	start := time.Now()
	log.Logger().Info("training started",
		zap.String("task_id", taskId),
		zap.String("reason", reason))
	d, err := dataset.LoadDataset(ctx, t.database, t.config.DatasetOptions)
	if err != nil {
		t.fail(taskId, err)
		return
	}
	trainSet, validSet := d.Split(t.config.ValidRatio, 0)
	m := gbgcn.NewGBGCN(t.config.ModelParams)
	score, err := m.Fit(ctx, trainSet, validSet, gbgcn.NewFitConfig().SetJobs(t.config.Jobs))
	if err != nil {
		t.fail(taskId, err)
		return
	}
	version := d.GetTimestamp().UnixNano()
	if err = t.publish(ctx, m, version); err != nil {
		t.fail(taskId, err)
		return
	}
	t.saveModel(m, version)

	t.mu.Lock()
	t.model = m
	t.version = version
	t.lastTrainTime = time.Now()
	t.lastScore = score
	t.lastError = ""
	t.mu.Unlock()
	TrainingSeconds.Set(time.Since(start).Seconds())
	ValidationLoss.Set(float64(score.Loss))
	LastTrainingUnixTime.SetToCurrentTime()
	log.Logger().Info("training finished",
		zap.String("task_id", taskId),
		zap.Int64("version", version),
		zap.Float32("valid_loss", score.Loss),
		zap.Duration("used_time", time.Since(start)))
}

func (t *Trainer) fail(taskId string, err error) {
	if errors.Is(err, dataset.ErrDataInsufficient) {
		log.Logger().Warn("training skipped",
			zap.String("task_id", taskId), zap.Error(err))
	} else {
		log.Logger().Error("training failed",
			zap.String("task_id", taskId), zap.Error(err))
	}
	TrainingFailedTotal.Inc()
	t.mu.Lock()
	t.lastError = err.Error()
	t.mu.Unlock()
}

// publish writes the materialized embeddings under a new version, flips the
// active version pointer and drops the previous version.
func (t *Trainer) publish(ctx context.Context, m *gbgcn.GBGCN, version int64) error {
	embeddings := make([]data.Embedding, 0, len(m.UserEmbedding)+len(m.ItemEmbedding))
	for i := range m.UserEmbedding {
		if !m.IsUserPredictable(int32(i)) {
			continue
		}
		userId, _ := m.UserIndex.String(int32(i))
		embeddings = append(embeddings, data.Embedding{
			Version:           version,
			EntityType:        data.EntityUser,
			EntityId:          userId,
			Dimension:         len(m.UserEmbedding[i]),
			Vector:            m.UserEmbedding[i],
			InitiatorVector:   m.UserInitiator[i],
			ParticipantVector: m.UserParticipant[i],
		})
	}
	for i := range m.ItemEmbedding {
		if !m.IsItemPredictable(int32(i)) {
			continue
		}
		itemId, _ := m.ItemIndex.String(int32(i))
		embeddings = append(embeddings, data.Embedding{
			Version:           version,
			EntityType:        data.EntityItem,
			EntityId:          itemId,
			Dimension:         len(m.ItemEmbedding[i]),
			Vector:            m.ItemEmbedding[i],
			InitiatorVector:   m.ItemInitiator[i],
			ParticipantVector: m.ItemParticipant[i],
		})
	}
	previous, err := t.database.GetActiveEmbeddingVersion(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if err = t.database.PutEmbeddings(ctx, version, embeddings); err != nil {
		return errors.Trace(err)
	}
	if previous != 0 && previous != version {
		if err = t.database.DeleteEmbeddings(ctx, previous); err != nil {
			log.Logger().Warn("failed to drop stale embeddings",
				zap.Int64("version", previous), zap.Error(err))
		}
	}
	return nil
}
