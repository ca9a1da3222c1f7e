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

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/emicklei/go-restful/v3"
	"github.com/gbrec-io/gbrec/model"
	"github.com/gbrec-io/gbrec/recommend"
	"github.com/gbrec-io/gbrec/storage/data"
	"github.com/gbrec-io/gbrec/trainer"
	"github.com/stretchr/testify/suite"
)

type RestTestSuite struct {
	suite.Suite
	database data.Database
	trainer  *trainer.Trainer
	server   *httptest.Server
}

func (s *RestTestSuite) SetupSuite() {
	var err error
	s.database, err = data.Open("sqlite://:memory:")
	s.Require().NoError(err)
	s.Require().NoError(s.database.Init())

	trainerConfig := trainer.NewConfig()
	trainerConfig.ModelParams = model.Params{
		model.NFactors:    8,
		model.NLayers:     1,
		model.NEpochs:     3,
		model.RandomState: int64(42),
	}
	trainerConfig.DatasetOptions.MinInteractions = 10
	s.trainer = trainer.NewTrainer(s.database, trainerConfig)
	recommender := recommend.NewRecommender(s.database, s.trainer, recommend.NewConfig())
	restServer := NewRestServer(s.database, s.trainer, recommender, "127.0.0.1", 0)

	container := restful.NewContainer()
	container.Filter(LogFilter)
	container.Add(restServer.CreateWebService())
	s.server = httptest.NewServer(container)
}

func (s *RestTestSuite) TearDownSuite() {
	s.server.Close()
	s.NoError(s.database.Close())
}

func TestRestTestSuite(t *testing.T) {
	suite.Run(t, new(RestTestSuite))
}

func (s *RestTestSuite) request(method, path string, body any) (int, []byte) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	content, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	return resp.StatusCode, content
}

func (s *RestTestSuite) TestEndToEnd() {
	// the model starts uninitialized
	status, content := s.request(http.MethodGet, "/api/model/status", nil)
	s.Equal(http.StatusOK, status)
	var modelStatus trainer.ModelStatus
	s.Require().NoError(json.Unmarshal(content, &modelStatus))
	s.Equal(trainer.StateUninitialized, modelStatus.State)

	// recommendations are unavailable before the first training run
	status, _ = s.request(http.MethodGet, "/api/recommend/user00", nil)
	s.Equal(http.StatusServiceUnavailable, status)
	status, _ = s.request(http.MethodPost, "/api/analyze/group-formation", GroupFormationRequest{
		InitiatorId: "user00", ItemId: "item0", TargetSize: 3,
	})
	s.Equal(http.StatusServiceUnavailable, status)

	// ingest items, interactions and social edges
	var items []data.Item
	for i := 0; i < 10; i++ {
		items = append(items, data.Item{
			ItemId:       fmt.Sprintf("item%d", i),
			MinGroupSize: 2,
			MaxGroupSize: 5,
		})
	}
	status, _ = s.request(http.MethodPost, "/api/items", items)
	s.Equal(http.StatusOK, status)
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
	status, _ = s.request(http.MethodPost, "/api/feedback", feedback)
	s.Equal(http.StatusOK, status)
	status, _ = s.request(http.MethodPost, "/api/social", []data.SocialConnection{
		{FollowerId: "user00", FolloweeId: "user01", Strength: 0.9},
	})
	s.Equal(http.StatusOK, status)

	// group lifecycle over the write surface
	status, _ = s.request(http.MethodPost, "/api/group", data.Group{
		GroupId: "g0", ItemId: "item0", InitiatorId: "user00", TargetSize: 3,
	})
	s.Equal(http.StatusOK, status)
	status, content = s.request(http.MethodPost, "/api/group/g0/join?user-id=user01", nil)
	s.Equal(http.StatusOK, status)
	var group data.Group
	s.Require().NoError(json.Unmarshal(content, &group))
	s.Equal(2, group.CurrentSize)
	// joining twice conflicts
	status, _ = s.request(http.MethodPost, "/api/group/g0/join?user-id=user01", nil)
	s.Equal(http.StatusConflict, status)
	// joining an unknown group is not found
	status, _ = s.request(http.MethodPost, "/api/group/missing/join?user-id=user01", nil)
	s.Equal(http.StatusNotFound, status)
	// the join refreshed the persisted prediction
	refreshed, err := s.database.GetGroup(context.Background(), "g0")
	s.Require().NoError(err)
	s.NotNil(refreshed.SuccessProbability)

	// train the model
	status, content = s.request(http.MethodPost, "/api/model/retrain", nil)
	s.Equal(http.StatusOK, status)
	var result trainer.RetrainResult
	s.Require().NoError(json.Unmarshal(content, &result))
	s.Equal(trainer.RetrainTriggered, result.Status)
	s.Require().Eventually(func() bool {
		return s.trainer.Status().State == trainer.StateReady
	}, 30*time.Second, 10*time.Millisecond)

	// a second retrain is skipped while the model is fresh
	status, content = s.request(http.MethodPost, "/api/model/retrain", nil)
	s.Equal(http.StatusOK, status)
	s.Require().NoError(json.Unmarshal(content, &result))
	s.Equal(trainer.RetrainSkipped, result.Status)

	// recommendations are served now
	status, content = s.request(http.MethodGet, "/api/recommend/user00?n=5&include-social=true", nil)
	s.Equal(http.StatusOK, status)
	var recommendations []recommend.ItemRecommendation
	s.Require().NoError(json.Unmarshal(content, &recommendations))
	s.NotEmpty(recommendations)

	status, content = s.request(http.MethodGet, "/api/recommend/user00/groups", nil)
	s.Equal(http.StatusOK, status)
	var groups []recommend.GroupRecommendation
	s.Require().NoError(json.Unmarshal(content, &groups))

	status, content = s.request(http.MethodPost, "/api/analyze/group-formation", GroupFormationRequest{
		InitiatorId:    "user00",
		ItemId:         "item0",
		ParticipantIds: []string{"user01", "user02"},
		TargetSize:     4,
	})
	s.Equal(http.StatusOK, status)
	var analysis recommend.GroupFormationAnalysis
	s.Require().NoError(json.Unmarshal(content, &analysis))
	s.NotEmpty(analysis.RiskFactors)
}
