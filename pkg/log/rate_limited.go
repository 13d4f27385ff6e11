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

package log

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// limitedLogger drops messages once its token bucket runs dry. Dropped
// messages are counted and reported with the next one let through.
type limitedLogger struct {
	Logger
	limit   *rate.Limiter
	dropped atomic.Int64
}

func (l *limitedLogger) allow() (int64, bool) {
	if !l.limit.Allow() {
		l.dropped.Add(1)
		return 0, false
	}
	return l.dropped.Swap(0), true
}

func (l *limitedLogger) emit(f func(string, ...any), format string, v []any) {
	n, ok := l.allow()
	if !ok {
		return
	}
	if n > 0 {
		f("(%d similar messages suppressed)", n)
	}
	f(format, v...)
}

// Debugf implements Logger.Debugf.
func (l *limitedLogger) Debugf(format string, v ...any) {
	l.emit(l.Logger.Debugf, format, v)
}

// Infof implements Logger.Infof.
func (l *limitedLogger) Infof(format string, v ...any) {
	l.emit(l.Logger.Infof, format, v)
}

// Warningf implements Logger.Warningf.
func (l *limitedLogger) Warningf(format string, v ...any) {
	l.emit(l.Logger.Warningf, format, v)
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return BurstRateLimitedLogger(logger, every, 1)
}

// BurstRateLimitedLogger is like RateLimitedLogger, but lets up to burst
// messages through back to back before throttling. A misbehaving guest's
// exits are reported through one of these.
func BurstRateLimitedLogger(logger Logger, every time.Duration, burst int) Logger {
	return &limitedLogger{
		Logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), max(burst, 1)),
	}
}
