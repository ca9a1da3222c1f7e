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

package config

import (
	"time"

	"github.com/gbrec-io/gbrec/dataset"
	"github.com/gbrec-io/gbrec/model"
	"github.com/go-playground/validator/v10"
	"github.com/juju/errors"
	"github.com/spf13/viper"
)

// Config is the configuration of the engine.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Model     ModelConfig     `mapstructure:"model"`
	Trainer   TrainerConfig   `mapstructure:"trainer"`
	Recommend RecommendConfig `mapstructure:"recommend"`
	Server    ServerConfig    `mapstructure:"server"`
}

type DatabaseConfig struct {
	// Path is the database connection URL (mysql://, postgres:// or
	// sqlite://).
	Path string `mapstructure:"path" validate:"required"`
}

type ModelConfig struct {
	NFactors      int     `mapstructure:"n_factors" validate:"gt=0"`
	NLayers       int     `mapstructure:"n_layers" validate:"gt=0"`
	NEpochs       int     `mapstructure:"n_epochs" validate:"gt=0"`
	Patience      int     `mapstructure:"patience" validate:"gt=0"`
	Lr            float64 `mapstructure:"lr" validate:"gt=0"`
	Reg           float64 `mapstructure:"reg" validate:"gte=0"`
	Alpha         float64 `mapstructure:"alpha" validate:"gte=0,lte=1"`
	Beta          float64 `mapstructure:"beta" validate:"gte=0,lte=1"`
	Dropout       float64 `mapstructure:"dropout" validate:"gte=0,lt=1"`
	NegativeRatio int     `mapstructure:"negative_ratio" validate:"gt=0"`
	UseCrossView  bool    `mapstructure:"use_cross_view"`
	RandomState   int64   `mapstructure:"random_state"`
}

type TrainerConfig struct {
	MinUserInteractions int           `mapstructure:"min_user_interactions" validate:"gt=0"`
	MinItemInteractions int           `mapstructure:"min_item_interactions" validate:"gt=0"`
	MinInteractions     int           `mapstructure:"min_interactions" validate:"gt=0"`
	ValidRatio          float64       `mapstructure:"valid_ratio" validate:"gt=0,lt=1"`
	MinRetrainInterval  time.Duration `mapstructure:"min_retrain_interval"`
	CheckPeriod         time.Duration `mapstructure:"check_period"`
	ModelPath           string        `mapstructure:"model_path"`
	Jobs                int           `mapstructure:"jobs" validate:"gt=0"`
}

type RecommendConfig struct {
	CacheDuration         time.Duration `mapstructure:"cache_duration"`
	MinSuccessProbability float64       `mapstructure:"min_success_probability" validate:"gte=0,lte=1"`
	DefaultN              int           `mapstructure:"default_n" validate:"gt=0"`
}

type ServerConfig struct {
	HttpHost string `mapstructure:"http_host"`
	HttpPort int    `mapstructure:"http_port" validate:"gt=0"`
}

func setDefault(v *viper.Viper) {
	v.SetDefault("model.n_factors", 64)
	v.SetDefault("model.n_layers", 3)
	v.SetDefault("model.n_epochs", 500)
	v.SetDefault("model.patience", 20)
	v.SetDefault("model.lr", 0.001)
	v.SetDefault("model.reg", 1e-5)
	v.SetDefault("model.alpha", 0.6)
	v.SetDefault("model.beta", 0.4)
	v.SetDefault("model.dropout", 0.1)
	v.SetDefault("model.negative_ratio", 1)
	v.SetDefault("model.use_cross_view", true)
	v.SetDefault("model.random_state", 0)
	v.SetDefault("trainer.min_user_interactions", 5)
	v.SetDefault("trainer.min_item_interactions", 3)
	v.SetDefault("trainer.min_interactions", 100)
	v.SetDefault("trainer.valid_ratio", 0.2)
	v.SetDefault("trainer.min_retrain_interval", "6h")
	v.SetDefault("trainer.check_period", "1h")
	v.SetDefault("trainer.model_path", "gbrec.model")
	v.SetDefault("trainer.jobs", 1)
	v.SetDefault("recommend.cache_duration", "30m")
	v.SetDefault("recommend.min_success_probability", 0.1)
	v.SetDefault("recommend.default_n", 10)
	v.SetDefault("server.http_host", "127.0.0.1")
	v.SetDefault("server.http_port", 8087)
}

// LoadConfig loads and validates the configuration from a TOML file.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefault(v)
	v.SetConfigType("toml")
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Trace(err)
	}
	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, errors.Trace(err)
	}
	if err := validator.New().Struct(&conf); err != nil {
		return nil, errors.Trace(err)
	}
	return &conf, nil
}

// GetModelParams converts the model section to hyper-parameters.
func (config *Config) GetModelParams() model.Params {
	return model.Params{
		model.NFactors:     config.Model.NFactors,
		model.NLayers:      config.Model.NLayers,
		model.NEpochs:      config.Model.NEpochs,
		model.Patience:     config.Model.Patience,
		model.Lr:           float32(config.Model.Lr),
		model.Reg:          float32(config.Model.Reg),
		model.Alpha:        float32(config.Model.Alpha),
		model.Beta:         float32(config.Model.Beta),
		model.Dropout:      float32(config.Model.Dropout),
		model.NegRatio:     config.Model.NegativeRatio,
		model.UseCrossView: config.Model.UseCrossView,
		model.RandomState:  config.Model.RandomState,
	}
}

// GetDatasetOptions converts the trainer section to graph builder options.
func (config *Config) GetDatasetOptions() *dataset.Options {
	opts := dataset.DefaultOptions()
	opts.MinUserInteractions = config.Trainer.MinUserInteractions
	opts.MinItemInteractions = config.Trainer.MinItemInteractions
	opts.MinInteractions = config.Trainer.MinInteractions
	return opts
}
