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
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ParseLevel returns the level called name.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(name) {
	case "warning", "warn", "0":
		return Warning, nil
	case "info", "1":
		return Info, nil
	case "debug", "2":
		return Debug, nil
	}
	return 0, fmt.Errorf("unknown log level %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	switch l {
	case Warning, Info, Debug:
		return []byte(strings.ToLower(l.String())), nil
	}
	return nil, fmt.Errorf("unknown log level %d", uint32(l))
}

// UnmarshalText implements encoding.TextUnmarshaler. Levels may be given by
// name or by number.
func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// jsonRecord is one line of JSONEmitter output.
type jsonRecord struct {
	Time  time.Time `json:"time"`
	Level Level     `json:"level"`
	File  string    `json:"file,omitempty"`
	Line  int       `json:"line,omitempty"`
	Msg   string    `json:"msg"`
}

// JSONEmitter logs one JSON object per line.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	r := jsonRecord{
		Time:  timestamp,
		Level: level,
		Msg:   fmt.Sprintf(format, v...),
	}
	r.File, r.Line, _ = caller(depth + 1)
	b, err := json.Marshal(&r)
	if err != nil {
		// Only an unknown level gets here.
		b = []byte(fmt.Sprintf(`{"level":%d,"msg":%q}`, uint32(level), r.Msg))
	}
	e.Writer.Write(append(b, '\n'))
}
