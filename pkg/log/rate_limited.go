// Copyright 2026 The gVisor Authors.
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
	"fmt"
	"time"

	"golang.org/x/time/rate"
	"gvisor.dev/pkvm/pkg/atomicbitops"
)

// throttled forwards at most one message per token of its limiter. Dropped
// messages are counted and the count is attached to the next one forwarded.
type throttled struct {
	next    Logger
	tokens  *rate.Limiter
	dropped atomicbitops.Uint64
}

// forward emits format at level through next if a token is available.
func (t *throttled) forward(level Level, format string, v []any) {
	if level != Warning && !t.next.IsLogging(level) {
		return
	}
	if !t.tokens.Allow() {
		t.dropped.Add(1)
		return
	}
	if n := t.dropped.Swap(0); n > 0 {
		format, v = "%s (%d similar messages suppressed)", []any{fmt.Sprintf(format, v...), n}
	}
	switch level {
	case Debug:
		t.next.Debugf(format, v...)
	case Info:
		t.next.Infof(format, v...)
	default:
		t.next.Warningf(format, v...)
	}
}

// Debugf implements Logger.Debugf.
func (t *throttled) Debugf(format string, v ...any) { t.forward(Debug, format, v) }

// Infof implements Logger.Infof.
func (t *throttled) Infof(format string, v ...any) { t.forward(Info, format, v) }

// Warningf implements Logger.Warningf.
func (t *throttled) Warningf(format string, v ...any) { t.forward(Warning, format, v) }

// IsLogging implements Logger.IsLogging.
func (t *throttled) IsLogging(level Level) bool { return t.next.IsLogging(level) }

// RateLimitedLogger wraps logger so that it emits one message per interval
// at most, all levels sharing the budget.
func RateLimitedLogger(logger Logger, interval time.Duration) Logger {
	return &throttled{next: logger, tokens: rate.NewLimiter(rate.Every(interval), 1)}
}

// BasicRateLimitedLogger is RateLimitedLogger over the global logger.
func BasicRateLimitedLogger(interval time.Duration) Logger {
	return RateLimitedLogger(Log(), interval)
}
