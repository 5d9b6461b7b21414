// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig configures the JSONL audit file.
type FileConfig struct {
	Path string `yaml:"path" json:"path"`
	// MaxSizeMB is the size before rotation. Default 100.
	MaxSizeMB int `yaml:"max-size-mb" json:"max_size_mb"`
	// MaxBackups defaults to 10.
	MaxBackups int `yaml:"max-backups" json:"max_backups"`
	// MaxAgeDays defaults to 30.
	MaxAgeDays int  `yaml:"max-age-days" json:"max_age_days"`
	Compress   bool `yaml:"compress" json:"compress"`
}

// fileRecord is one JSON line. Appends and updates are both logged so the
// file is an event stream that can be replayed into the latest step states.
type fileRecord struct {
	Op    string `json:"op"`
	Step  *Step  `json:"step,omitempty"`
	ID    string `json:"id,omitempty"`
	Patch *Patch `json:"patch,omitempty"`
}

// FileSink writes audit steps as JSON lines to a rotating file.
type FileSink struct {
	mu      sync.Mutex
	file    *lumberjack.Logger
	encoder *json.Encoder
	known   map[string]struct{}
}

// NewFileSink opens a rotating JSONL sink.
func NewFileSink(cfg FileConfig) (*FileSink, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit: file path cannot be empty")
	}
	if cfg.MaxSizeMB == 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups == 0 {
		cfg.MaxBackups = 10
	}
	if cfg.MaxAgeDays == 0 {
		cfg.MaxAgeDays = 30
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: failed to create log directory: %w", err)
	}

	file := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return &FileSink{
		file:    file,
		encoder: json.NewEncoder(file),
		known:   make(map[string]struct{}),
	}, nil
}

// AppendStep implements Sink.
func (f *FileSink) AppendStep(_ context.Context, step Step) (string, error) {
	prepare(&step)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.encoder.Encode(fileRecord{Op: "append", Step: &step}); err != nil {
		return "", err
	}
	f.known[step.ID] = struct{}{}
	return step.ID, nil
}

// UpdateStep implements Sink. Only steps appended through this sink since it
// was opened can be updated.
func (f *FileSink) UpdateStep(_ context.Context, id string, patch Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.known[id]; !ok {
		return fmt.Errorf("%w: %s", ErrStepNotFound, id)
	}
	if err := f.encoder.Encode(fileRecord{Op: "update", ID: id, Patch: &patch}); err != nil {
		return err
	}
	if patch.Status != StatusStarted {
		delete(f.known, id)
	}
	return nil
}

// Close implements Sink.
func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Close()
}
