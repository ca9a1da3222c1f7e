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
package main

import (
	"time"

	"github.com/gbrec-io/gbrec/base/log"
	"github.com/gbrec-io/gbrec/config"
	"github.com/gbrec-io/gbrec/recommend"
	"github.com/gbrec-io/gbrec/server"
	"github.com/gbrec-io/gbrec/storage/data"
	"github.com/gbrec-io/gbrec/trainer"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCommand = &cobra.Command{
	Use:   "gbrec",
	Short: "The group-buying recommendation engine.",
	Run: func(cmd *cobra.Command, args []string) {
		// setup logger
		debug, _ := cmd.PersistentFlags().GetBool("debug")
		log.SetLogger(cmd.PersistentFlags(), debug)

		// load config
		configPath, _ := cmd.PersistentFlags().GetString("config")
		log.Logger().Info("load config", zap.String("config", configPath))
		conf, err := config.LoadConfig(configPath)
		if err != nil {
			log.Logger().Fatal("failed to load config", zap.Error(err))
		}

		// open database
		log.Logger().Info("connect to database",
			zap.String("database", log.RedactDBURL(conf.Database.Path)))
		database, err := data.Open(conf.Database.Path)
		if err != nil {
			log.Logger().Fatal("failed to connect database", zap.Error(err))
		}
		if err = database.Init(); err != nil {
			log.Logger().Fatal("failed to initialize database", zap.Error(err))
		}

		// create trainer
		trainerConfig := trainer.NewConfig()
		trainerConfig.ModelParams = conf.GetModelParams()
		trainerConfig.DatasetOptions = conf.GetDatasetOptions()
		trainerConfig.ValidRatio = float32(conf.Trainer.ValidRatio)
		trainerConfig.MinRetrainInterval = conf.Trainer.MinRetrainInterval
		trainerConfig.ModelPath = conf.Trainer.ModelPath
		trainerConfig.Jobs = conf.Trainer.Jobs
		t := trainer.NewTrainer(database, trainerConfig)
		t.Retrain(trainer.ReasonStartup)
		go func() {
			for range time.Tick(conf.Trainer.CheckPeriod) {
				t.Retrain(trainer.ReasonScheduled)
			}
		}()

		// create recommender
		recommendConfig := recommend.NewConfig()
		recommendConfig.CacheDuration = conf.Recommend.CacheDuration
		recommendConfig.MinSuccessProbability = conf.Recommend.MinSuccessProbability
		recommendConfig.Jobs = conf.Trainer.Jobs
		recommender := recommend.NewRecommender(database, t, recommendConfig)

		// serve
		restServer := server.NewRestServer(database, t, recommender,
			conf.Server.HttpHost, conf.Server.HttpPort)
		restServer.Serve()
	},
}

func init() {
	log.AddFlags(serveCommand.PersistentFlags())
	serveCommand.PersistentFlags().Bool("debug", false, "use debug log mode")
	serveCommand.PersistentFlags().StringP("config", "c", "config.toml", "configuration file path")
}

func main() {
	if err := serveCommand.Execute(); err != nil {
		log.Logger().Fatal("failed to execute", zap.Error(err))
	}
}
