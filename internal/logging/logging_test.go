// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package logging

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogFormatter(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	entry := &log.Entry{
		Time:    at,
		Level:   log.WarnLevel,
		Message: "fallback: provider failed\n",
		Data:    log.Fields{"session_id": "s1", "provider": "openai", "attempt": 2},
	}
	out, err := (&LogFormatter{}).Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "[2026-03-04 05:06:07] [s1] [warn ] fallback: provider failed | attempt=2, provider=openai\n", string(out))
}

func TestLogFormatterWithCaller(t *testing.T) {
	entry := &log.Entry{
		Time:    time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
		Level:   log.InfoLevel,
		Message: "ready",
		Data:    log.Fields{},
		Caller:  &runtime.Frame{File: "/src/internal/breaker/breaker.go", Line: 42},
	}
	out, err := (&LogFormatter{}).Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "[2026-03-04 05:06:07] [--------] [info ] [breaker.go:42] ready\n", string(out))
}

func TestConfigureLogOutput(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, ConfigureLogOutput(true, dir, 1))
	log.Info("to file")
	require.NoError(t, ConfigureLogOutput(false, "", 0))

	data, err := os.ReadFile(filepath.Join(dir, "fallbackd.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

func TestConfigureRejectsUnknownLevel(t *testing.T) {
	assert.Error(t, Configure(Config{Level: "loud"}))

	prev := log.GetLevel()
	defer log.SetLevel(prev)
	require.NoError(t, Configure(Config{Level: "debug"}))
	assert.Equal(t, log.DebugLevel, log.GetLevel())
}
