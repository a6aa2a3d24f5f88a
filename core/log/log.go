// log.go - Logging backend.
// Copyright (C) 2017  Yawning Angel.
// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package log provides a logging backend, based around charmbracelet/log.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// Backend is a log backend.  Every logger handed out by GetLogger writes
// through the Backend, so Rotate affects all of them.
type Backend struct {
	sync.RWMutex

	root *log.Logger
	w    io.WriteCloser

	file    string
	level   log.Level
	disable bool
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error {
	return nil
}

// Write implements io.Writer.
func (b *Backend) Write(p []byte) (int, error) {
	b.RLock()
	defer b.RUnlock()
	return b.w.Write(p)
}

// GetLogger returns a per-module logger that writes to the backend.
func (b *Backend) GetLogger(module string) *log.Logger {
	return b.root.WithPrefix(module)
}

// Rotate simply reopens the log file for writing
// and should be used to implement log rotation
// where this is invoked upon HUP signal for example.
func (b *Backend) Rotate() error {
	b.Lock()
	defer b.Unlock()

	if err := b.w.Close(); err != nil {
		return err
	}
	return b.openWriter()
}

// Close closes the log file, if any.
func (b *Backend) Close() error {
	b.Lock()
	defer b.Unlock()
	return b.w.Close()
}

func (b *Backend) openWriter() error {
	switch {
	case b.disable:
		b.w = nopCloser{io.Discard}
	case b.file == "":
		b.w = nopCloser{os.Stdout}
	default:
		const fileMode = 0600

		flags := os.O_CREATE | os.O_APPEND | os.O_WRONLY
		f, err := os.OpenFile(b.file, flags, fileMode)
		if err != nil {
			return fmt.Errorf("log: failed to create log file: %w", err)
		}
		b.w = f
	}
	return nil
}

// New initializes a logging backend.
func New(f string, level string, disable bool) (*Backend, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	b := &Backend{
		file:    f,
		level:   lvl,
		disable: disable,
	}
	if err := b.openWriter(); err != nil {
		return nil, err
	}
	b.root = log.NewWithOptions(b, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.000",
		Level:           lvl,
	})
	return b, nil
}

// ParseLevel accepts the level names used in configuration files,
// including the legacy NOTICE and WARNING spellings.
func ParseLevel(l string) (log.Level, error) {
	switch strings.ToUpper(l) {
	case "ERROR":
		return log.ErrorLevel, nil
	case "WARNING", "WARN":
		return log.WarnLevel, nil
	case "NOTICE", "INFO":
		return log.InfoLevel, nil
	case "DEBUG":
		return log.DebugLevel, nil
	default:
		return log.InfoLevel, fmt.Errorf("log: invalid level: '%v'", l)
	}
}

// NewDiscard returns a logger that drops everything, for tests and for
// components constructed without a backend.
func NewDiscard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
}
