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

package encoding

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatrix(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	m := [][]float32{{1, 2, 3}, {4, 5, 6}}
	assert.NoError(t, WriteMatrix(buf, m))
	read := [][]float32{make([]float32, 3), make([]float32, 3)}
	assert.NoError(t, ReadMatrix(buf, read))
	assert.Equal(t, m, read)
}

func TestString(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	assert.NoError(t, WriteString(buf, "group-buying"))
	s, err := ReadString(buf)
	assert.NoError(t, err)
	assert.Equal(t, "group-buying", s)
}

func TestGob(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	in := map[string]float32{"alpha": 0.6, "beta": 0.4}
	assert.NoError(t, WriteGob(buf, in))
	var out map[string]float32
	assert.NoError(t, ReadGob(buf, &out))
	assert.Equal(t, in, out)
}
