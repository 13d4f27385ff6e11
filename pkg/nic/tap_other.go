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

//go:build !linux
// +build !linux

package nic

import (
	"context"
	"fmt"
	"runtime"
)

// TAP is a Backend on a host tap device. It is only available on Linux.
type TAP struct{}

// OpenTAP fails on this platform.
func OpenTAP(name string) (*TAP, error) {
	return nil, fmt.Errorf("tap devices are not supported on %s", runtime.GOOS)
}

// ReadPacket implements Backend.ReadPacket.
func (*TAP) ReadPacket(context.Context, []byte) (int, error) { return 0, fmt.Errorf("no tap") }

// WritePacket implements Backend.WritePacket.
func (*TAP) WritePacket([]byte) error { return fmt.Errorf("no tap") }

// Close implements Backend.Close.
func (*TAP) Close() error { return nil }
