// Copyright 2024 The fpcf Authors
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

// Package zlog backs the propertystore.Logger capability with
// github.com/rs/zerolog, so propertystore itself never depends on a
// concrete logging library (see propertystore.Logger).
package zlog

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/bhermann/fpcf/propertystore"
)

// Logger adapts a zerolog.Logger to propertystore.Logger.
type Logger struct {
	z zerolog.Logger
}

var _ propertystore.Logger = Logger{}

// New wraps z as a propertystore.Logger.
func New(z zerolog.Logger) Logger {
	return Logger{z: z}
}

// NewConsole builds a Logger writing human-readable, colorized output to
// w (typically os.Stderr), in the style of cmd/cue's own CLI logging.
func NewConsole(w io.Writer) Logger {
	console := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	return Logger{z: zerolog.New(console).With().Timestamp().Logger()}
}

// Default returns a Logger writing to os.Stderr at info level.
func Default() Logger {
	return Logger{z: NewConsole(os.Stderr).z.Level(zerolog.InfoLevel)}
}

func (l Logger) Infof(format string, args ...any) {
	l.z.Info().Msgf(format, args...)
}

func (l Logger) Warnf(format string, args ...any) {
	l.z.Warn().Msgf(format, args...)
}

func (l Logger) Debugf(format string, args ...any) {
	l.z.Debug().Msgf(format, args...)
}
