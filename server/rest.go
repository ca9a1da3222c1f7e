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

// Package server exposes the engine over REST: model lifecycle, recommend
// queries and the thin write surface used by the platform.
package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	restfulspec "github.com/emicklei/go-restful-openapi/v2"
	"github.com/emicklei/go-restful/v3"
	"github.com/gbrec-io/gbrec/base/log"
	"github.com/gbrec-io/gbrec/recommend"
	"github.com/gbrec-io/gbrec/storage/data"
	"github.com/gbrec-io/gbrec/trainer"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RestServer wires the trainer, the recommender and the database into a
// go-restful web service.
type RestServer struct {
	HttpHost string
	HttpPort int

	Database    data.Database
	Trainer     *trainer.Trainer
	Recommender *recommend.Recommender
}

func NewRestServer(database data.Database, t *trainer.Trainer, r *recommend.Recommender,
	httpHost string, httpPort int) *RestServer {
	return &RestServer{
		HttpHost:    httpHost,
		HttpPort:    httpPort,
		Database:    database,
		Trainer:     t,
		Recommender: r,
	}
}

// GroupFormationRequest is the body of the group formation analysis route.
type GroupFormationRequest struct {
	InitiatorId    string   `json:"initiator_id"`
	ItemId         string   `json:"item_id"`
	ParticipantIds []string `json:"participant_ids"`
	TargetSize     int      `json:"target_size"`
}

// Serve starts the HTTP server and blocks.
func (s *RestServer) Serve() {
	container := restful.NewContainer()
	container.Filter(LogFilter)
	ws := s.CreateWebService()
	container.Add(ws)
	container.Add(restfulspec.NewOpenAPIService(restfulspec.Config{
		WebServices: []*restful.WebService{ws},
		APIPath:     "/apidocs.json",
	}))
	container.Handle("/metrics", promhttp.Handler())

	address := fmt.Sprintf("%s:%d", s.HttpHost, s.HttpPort)
	log.Logger().Info("start http server", zap.String("address", address))
	if err := http.ListenAndServe(address, container); err != nil {
		log.Logger().Fatal("failed to start http server", zap.Error(err))
	}
}

// LogFilter logs every request with its status and latency.
func LogFilter(req *restful.Request, resp *restful.Response, chain *restful.FilterChain) {
	start := time.Now()
	chain.ProcessFilter(req, resp)
	log.Logger().Info(fmt.Sprintf("%s %s", req.Request.Method, req.Request.URL.Path),
		zap.Int("status_code", resp.StatusCode()),
		zap.Duration("used_time", time.Since(start)))
}

func (s *RestServer) CreateWebService() *restful.WebService {
	ws := new(restful.WebService)
	ws.Consumes(restful.MIME_JSON).Produces(restful.MIME_JSON).Path("/api/")

	// model lifecycle
	ws.Route(ws.POST("/model/retrain").To(s.retrain).
		Doc("Trigger a training run.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"model"}).
		Returns(http.StatusOK, "OK", trainer.RetrainResult{}).
		Writes(trainer.RetrainResult{}))
	ws.Route(ws.GET("/model/status").To(s.modelStatus).
		Doc("Get the model lifecycle state.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"model"}).
		Returns(http.StatusOK, "OK", trainer.ModelStatus{}).
		Writes(trainer.ModelStatus{}))

	// recommendations
	ws.Route(ws.GET("/recommend/{user-id}").To(s.recommendItems).
		Doc("Get recommended items for a user.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"recommend"}).
		Param(ws.PathParameter("user-id", "identifier of the user").DataType("string")).
		Param(ws.QueryParameter("n", "number of returned items").DataType("integer")).
		Param(ws.QueryParameter("min-success-probability", "drop items below this predicted group success").DataType("number")).
		Param(ws.QueryParameter("include-social", "include social influence scores").DataType("boolean")).
		Returns(http.StatusOK, "OK", []recommend.ItemRecommendation{}).
		Writes([]recommend.ItemRecommendation{}))
	ws.Route(ws.GET("/recommend/{user-id}/groups").To(s.recommendGroups).
		Doc("Get joinable groups recommended for a user.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"recommend"}).
		Param(ws.PathParameter("user-id", "identifier of the user").DataType("string")).
		Param(ws.QueryParameter("n", "number of returned groups").DataType("integer")).
		Param(ws.QueryParameter("min-success-probability", "drop groups below this predicted success").DataType("number")).
		Returns(http.StatusOK, "OK", []recommend.GroupRecommendation{}).
		Writes([]recommend.GroupRecommendation{}))
	ws.Route(ws.POST("/analyze/group-formation").To(s.analyzeGroupFormation).
		Doc("Analyze a planned group before creating it.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"recommend"}).
		Reads(GroupFormationRequest{}).
		Returns(http.StatusOK, "OK", recommend.GroupFormationAnalysis{}).
		Writes(recommend.GroupFormationAnalysis{}))

	// write surface
	ws.Route(ws.POST("/users").To(s.insertUsers).
		Doc("Insert or update users.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"ingest"}).
		Reads([]data.User{}))
	ws.Route(ws.POST("/items").To(s.insertItems).
		Doc("Insert or update items.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"ingest"}).
		Reads([]data.Item{}))
	ws.Route(ws.POST("/feedback").To(s.insertFeedback).
		Doc("Insert interactions. Unknown users and items are created.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"ingest"}).
		Reads([]data.Feedback{}))
	ws.Route(ws.POST("/social").To(s.upsertSocialConnections).
		Doc("Insert or update social connections.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"ingest"}).
		Reads([]data.SocialConnection{}))
	ws.Route(ws.POST("/group").To(s.insertGroup).
		Doc("Create a group with its initiator as the first member.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"ingest"}).
		Reads(data.Group{}).
		Returns(http.StatusOK, "OK", data.Group{}))
	ws.Route(ws.POST("/group/{group-id}/join").To(s.joinGroup).
		Doc("Join a forming group.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"ingest"}).
		Param(ws.PathParameter("group-id", "identifier of the group").DataType("string")).
		Param(ws.QueryParameter("user-id", "identifier of the joining user").DataType("string")).
		Returns(http.StatusOK, "OK", data.Group{}).
		Writes(data.Group{}))
	return ws
}

func (s *RestServer) retrain(_ *restful.Request, response *restful.Response) {
	ok(response, s.Trainer.Retrain(trainer.ReasonManual))
}

func (s *RestServer) modelStatus(_ *restful.Request, response *restful.Response) {
	ok(response, s.Trainer.Status())
}

func (s *RestServer) recommendItems(request *restful.Request, response *restful.Response) {
	userId := request.PathParameter("user-id")
	n := parseInt(request, "n", 10)
	minSuccessProbability := parseFloat(request, "min-success-probability", -1)
	includeSocial := request.QueryParameter("include-social") == "true"
	recommendations, err := s.Recommender.RecommendItems(request.Request.Context(),
		userId, n, minSuccessProbability, includeSocial)
	if err != nil {
		writeError(response, err)
		return
	}
	ok(response, recommendations)
}

func (s *RestServer) recommendGroups(request *restful.Request, response *restful.Response) {
	userId := request.PathParameter("user-id")
	n := parseInt(request, "n", 10)
	minSuccessProbability := parseFloat(request, "min-success-probability", -1)
	recommendations, err := s.Recommender.RecommendGroups(request.Request.Context(),
		userId, n, minSuccessProbability)
	if err != nil {
		writeError(response, err)
		return
	}
	ok(response, recommendations)
}

func (s *RestServer) analyzeGroupFormation(request *restful.Request, response *restful.Response) {
	var body GroupFormationRequest
	if err := request.ReadEntity(&body); err != nil {
		badRequest(response, err)
		return
	}
	analysis, err := s.Recommender.AnalyzeGroupFormation(request.Request.Context(),
		body.InitiatorId, body.ItemId, body.ParticipantIds, body.TargetSize)
	if err != nil {
		writeError(response, err)
		return
	}
	ok(response, analysis)
}

func (s *RestServer) insertUsers(request *restful.Request, response *restful.Response) {
	var users []data.User
	if err := request.ReadEntity(&users); err != nil {
		badRequest(response, err)
		return
	}
	if err := s.Database.BatchInsertUsers(request.Request.Context(), users); err != nil {
		internalServerError(response, err)
		return
	}
	ok(response, map[string]int{"inserted": len(users)})
}

func (s *RestServer) insertItems(request *restful.Request, response *restful.Response) {
	var items []data.Item
	if err := request.ReadEntity(&items); err != nil {
		badRequest(response, err)
		return
	}
	if err := s.Database.BatchInsertItems(request.Request.Context(), items); err != nil {
		internalServerError(response, err)
		return
	}
	ok(response, map[string]int{"inserted": len(items)})
}

func (s *RestServer) insertFeedback(request *restful.Request, response *restful.Response) {
	var feedback []data.Feedback
	if err := request.ReadEntity(&feedback); err != nil {
		badRequest(response, err)
		return
	}
	if err := s.Database.BatchInsertFeedback(request.Request.Context(), feedback, true, true); err != nil {
		internalServerError(response, err)
		return
	}
	ok(response, map[string]int{"inserted": len(feedback)})
}

func (s *RestServer) upsertSocialConnections(request *restful.Request, response *restful.Response) {
	var connections []data.SocialConnection
	if err := request.ReadEntity(&connections); err != nil {
		badRequest(response, err)
		return
	}
	if err := s.Database.UpsertSocialConnections(request.Request.Context(), connections); err != nil {
		writeError(response, err)
		return
	}
	ok(response, map[string]int{"inserted": len(connections)})
}

func (s *RestServer) insertGroup(request *restful.Request, response *restful.Response) {
	var group data.Group
	if err := request.ReadEntity(&group); err != nil {
		badRequest(response, err)
		return
	}
	if err := s.Database.InsertGroup(request.Request.Context(), group); err != nil {
		writeError(response, err)
		return
	}
	inserted, err := s.Database.GetGroup(request.Request.Context(), group.GroupId)
	if err != nil {
		internalServerError(response, err)
		return
	}
	ok(response, inserted)
}

func (s *RestServer) joinGroup(request *restful.Request, response *restful.Response) {
	groupId := request.PathParameter("group-id")
	userId := request.QueryParameter("user-id")
	if userId == "" {
		badRequest(response, errors.BadRequestf("user-id is required"))
		return
	}
	group, err := s.Database.JoinGroup(request.Request.Context(), groupId, userId)
	if err != nil {
		writeError(response, err)
		return
	}
	// refresh the success estimate on every membership change
	if _, err = s.Recommender.PredictGroupSuccess(request.Request.Context(), groupId); err != nil {
		log.Logger().Warn("failed to refresh group prediction",
			zap.String("group_id", groupId), zap.Error(err))
	}
	ok(response, group)
}

func parseInt(request *restful.Request, name string, fallback int) int {
	if value := request.QueryParameter(name); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseFloat(request *restful.Request, name string, fallback float64) float64 {
	if value := request.QueryParameter(name); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func ok(response *restful.Response, content interface{}) {
	if err := response.WriteAsJson(content); err != nil {
		log.ResponseLogger(response).Error("failed to write response", zap.Error(err))
	}
}

// writeError maps engine errors to HTTP statuses.
func writeError(response *restful.Response, err error) {
	switch {
	case errors.Is(err, errors.NotFound):
		writeStatus(response, http.StatusNotFound, err)
	case errors.Is(err, errors.NotProvisioned):
		writeStatus(response, http.StatusServiceUnavailable, err)
	case errors.Is(err, data.ErrGroupClosed),
		errors.Is(err, data.ErrGroupFull),
		errors.Is(err, data.ErrAlreadyJoined):
		writeStatus(response, http.StatusConflict, err)
	default:
		internalServerError(response, err)
	}
}

func badRequest(response *restful.Response, err error) {
	writeStatus(response, http.StatusBadRequest, err)
}

func internalServerError(response *restful.Response, err error) {
	log.ResponseLogger(response).Error("internal server error", zap.Error(err))
	writeStatus(response, http.StatusInternalServerError, err)
}

func writeStatus(response *restful.Response, status int, err error) {
	response.Header().Set("Content-Type", "text/plain")
	if writeErr := response.WriteErrorString(status, err.Error()); writeErr != nil {
		log.ResponseLogger(response).Error("failed to write error", zap.Error(writeErr))
	}
}
