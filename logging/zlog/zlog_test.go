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

package zlog_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/go-quicktest/qt"
	"github.com/rs/zerolog"

	"github.com/bhermann/fpcf/logging/zlog"
	"github.com/bhermann/fpcf/propertystore"
)

func TestLoggerSatisfiesPropertyStoreInterface(t *testing.T) {
	var buf bytes.Buffer
	l := zlog.New(zerolog.New(&buf))
	var _ propertystore.Logger = l

	l.Infof("hello %s", "world")
	qt.Assert(t, qt.IsTrue(strings.Contains(buf.String(), "hello world")))
}

func TestWarnAndDebugWriteSeparately(t *testing.T) {
	var buf bytes.Buffer
	l := zlog.New(zerolog.New(&buf).Level(zerolog.DebugLevel))

	l.Warnf("warn %d", 1)
	l.Debugf("debug %d", 2)

	out := buf.String()
	qt.Assert(t, qt.IsTrue(strings.Contains(out, "warn 1")))
	qt.Assert(t, qt.IsTrue(strings.Contains(out, "debug 2")))
}
