package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_WritesToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "bridge.log")

	require.NoError(t, Init(Config{Level: "debug", OutputFile: path, MaxSize: 1, NoColor: true}))
	assert.Equal(t, logrus.DebugLevel, Logger.GetLevel())

	// 各包的 component entry 走全局 logrus，同样落盘
	Component("test").Infof("hello %s", "world")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello world")
}

func TestInit_BadLevelFallsBackToInfo(t *testing.T) {
	require.NoError(t, Init(Config{Level: "loud"}))
	assert.Equal(t, logrus.InfoLevel, Logger.GetLevel())
}

func TestComponent_AddsField(t *testing.T) {
	e := Component("relay")
	assert.Equal(t, "relay", e.Data["component"])
}
