// Copyright 2024 The gVisor Authors.
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

package main

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"nestvm.dev/nestvm/cmd/nestvm/config"
	"nestvm.dev/nestvm/pkg/log"
)

func TestLogTarget(t *testing.T) {
	for _, tc := range []struct {
		name       string
		conf       config.Config
		file       bool
		wantFile   bool
		wantStderr bool
	}{
		{name: "stderr only", conf: config.Config{LogFormat: "json"}, wantStderr: true},
		{name: "file", conf: config.Config{LogFormat: "json"}, file: true, wantFile: true},
		{name: "file and stderr", conf: config.Config{LogFormat: "json", AlsoLogToStderr: true}, file: true, wantFile: true, wantStderr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var file, stderr bytes.Buffer
			var logFile io.Writer
			if tc.file {
				logFile = &file
			}
			logTarget(&tc.conf, logFile, &stderr).Emit(0, log.Info, time.Now(), "hello %d", 1)

			if got := strings.Contains(file.String(), `"msg":"hello 1"`); got != tc.wantFile {
				t.Errorf("log file %q, want message: %t", file.String(), tc.wantFile)
			}
			if got := strings.Contains(stderr.String(), "hello 1"); got != tc.wantStderr {
				t.Errorf("stderr %q, want message: %t", stderr.String(), tc.wantStderr)
			}
			// The copy on stderr is text even when the file gets JSON.
			if tc.file && tc.wantStderr && strings.Contains(stderr.String(), `"msg"`) {
				t.Errorf("stderr got JSON: %q", stderr.String())
			}
		})
	}
}
