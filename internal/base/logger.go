// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import (
	"log"
	"os"

	"github.com/cockroachdb/redact"
)

// Logger defines an interface for writing log messages. Arguments may be
// redact.SafeFormatter implementations; user data (keys, values) is treated
// as unsafe and redacted when a redactable sink is in use.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// DefaultLogger logs to the Go stdlib logger, stripping redaction markers.
var DefaultLogger defaultLogger

type defaultLogger struct{}

var _ Logger = DefaultLogger

// Infof implements the Logger interface.
func (defaultLogger) Infof(format string, args ...interface{}) {
	_ = log.Output(2, string(redact.Sprintf(format, args...).StripMarkers()))
}

// Errorf implements the Logger interface.
func (defaultLogger) Errorf(format string, args ...interface{}) {
	_ = log.Output(2, string(redact.Sprintf(format, args...).StripMarkers()))
}

// Fatalf implements the Logger interface.
func (defaultLogger) Fatalf(format string, args ...interface{}) {
	_ = log.Output(2, string(redact.Sprintf(format, args...).StripMarkers()))
	os.Exit(1)
}

// NoopLoggerIfNil returns DefaultLogger when l is nil.
func NoopLoggerIfNil(l Logger) Logger {
	if l == nil {
		return DefaultLogger
	}
	return l
}
