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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gbrec-io/gbrec/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
[database]
path = "sqlite://gbrec.db"

[model]
n_factors = 32
alpha = 0.7

[trainer]
min_retrain_interval = "2h"

[server]
http_port = 9000
`)
	conf, err := LoadConfig(path)
	require.NoError(t, err)
	// explicit values
	assert.Equal(t, "sqlite://gbrec.db", conf.Database.Path)
	assert.Equal(t, 32, conf.Model.NFactors)
	assert.Equal(t, 0.7, conf.Model.Alpha)
	assert.Equal(t, 2*time.Hour, conf.Trainer.MinRetrainInterval)
	assert.Equal(t, 9000, conf.Server.HttpPort)
	// defaults
	assert.Equal(t, 3, conf.Model.NLayers)
	assert.Equal(t, 500, conf.Model.NEpochs)
	assert.Equal(t, 0.001, conf.Model.Lr)
	assert.True(t, conf.Model.UseCrossView)
	assert.Equal(t, 5, conf.Trainer.MinUserInteractions)
	assert.Equal(t, 100, conf.Trainer.MinInteractions)
	assert.Equal(t, "gbrec.model", conf.Trainer.ModelPath)
	assert.Equal(t, 30*time.Minute, conf.Recommend.CacheDuration)
	assert.Equal(t, 0.1, conf.Recommend.MinSuccessProbability)

	params := conf.GetModelParams()
	assert.Equal(t, 32, params.GetInt(model.NFactors, 0))
	assert.Equal(t, float32(0.7), params.GetFloat32(model.Alpha, 0))

	opts := conf.GetDatasetOptions()
	assert.Equal(t, 5, opts.MinUserInteractions)
	assert.Equal(t, 3, opts.MinItemInteractions)
}

func TestLoadConfigMissingDatabase(t *testing.T) {
	path := writeConfig(t, `
[server]
http_port = 8087
`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigInvalidValue(t *testing.T) {
	path := writeConfig(t, `
[database]
path = "sqlite://gbrec.db"

[model]
alpha = 1.5
`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}
