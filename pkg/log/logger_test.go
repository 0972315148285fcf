// Copyright 2025 The axfor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"metaEmbed/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLogger_FileOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")

	l, err := NewLogger(&Config{
		Level:       "info",
		Encoding:    "json",
		OutputPaths: []string{path},
	})
	require.NoError(t, err)

	l.With(Component("statemachine")).Info("applied", Sequence(7), Key("a/1"))
	l.Debug("dropped at info level")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"msg":"applied"`)
	assert.Contains(t, out, `"component":"statemachine"`)
	assert.Contains(t, out, `"sequence":7`)
	assert.NotContains(t, out, "dropped at info level")
}

func TestNewLogger_ErrorOutputOnlyErrors(t *testing.T) {
	dir := t.TempDir()
	infoPath := filepath.Join(dir, "app.log")
	errPath := filepath.Join(dir, "error.log")

	l, err := NewLogger(&Config{
		Level:            "debug",
		Encoding:         "console",
		OutputPaths:      []string{infoPath},
		ErrorOutputPaths: []string{errPath},
	})
	require.NoError(t, err)

	l.Info("hello")
	l.Error("boom", Err(assert.AnError))
	require.NoError(t, l.Close())

	errData, err := os.ReadFile(errPath)
	require.NoError(t, err)
	assert.Contains(t, string(errData), "boom")
	assert.NotContains(t, string(errData), "hello")

	infoData, err := os.ReadFile(infoPath)
	require.NoError(t, err)
	assert.Contains(t, string(infoData), "hello")
	assert.Contains(t, string(infoData), "boom")
}

func TestLogger_Rotate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")

	l, err := NewLogger(&Config{Level: "info", Encoding: "json", OutputPaths: []string{path}})
	require.NoError(t, err)

	l.Info("before rotate")
	require.NoError(t, l.Rotate())
	l.Info("after rotate")
	require.NoError(t, l.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "after rotate")
	assert.NotContains(t, string(data), "before rotate")
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	_, err := NewLogger(&Config{Level: "loud"})
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Log.Level = "warn"
	cfg.Log.Rotation.Compress = true

	lc := FromConfig(cfg.Log)
	assert.Equal(t, "warn", lc.Level)
	assert.Equal(t, "json", lc.Encoding)
	assert.Equal(t, []string{"stdout"}, lc.OutputPaths)
	assert.Equal(t, 100, lc.Rotation.MaxSizeMB)
	assert.True(t, lc.Rotation.Compress)
}

func TestGlobalLogger(t *testing.T) {
	assert.NotNil(t, GetLogger().Zap())

	l, err := NewLogger(&Config{Level: "info", OutputPaths: []string{"stdout"}})
	require.NoError(t, err)
	prev := ReplaceGlobalLogger(l)
	defer ReplaceGlobalLogger(prev)

	assert.Same(t, l, GetLogger())
}

func TestValueField(t *testing.T) {
	small := Value([]byte("v"))
	assert.Equal(t, "value", small.Key)

	large := Value([]byte(strings.Repeat("x", 2048)))
	assert.Equal(t, "value_size", large.Key)
	assert.Equal(t, int64(2048), large.Integer)

	assert.Equal(t, zap.Uint64("node_id", 3), NodeID(3))
}
