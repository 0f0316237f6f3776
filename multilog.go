// Copyright 2026 The NusaLaunchd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nusalaunchd

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog"
)

// MultiLogger is an io.Writer that splits child output into lines and
// fans each line out to a job's output Log and to the daemon logger.
// Partial lines are held until their newline arrives.
type MultiLogger struct {
	stream  string
	logs    []*Log
	logger  zerolog.Logger
	level   zerolog.Level
	partial []byte
	lock    sync.Mutex
}

// NewMultiLogger returns a writer labelling its lines with stream
// ("stdout" or "stderr").
func NewMultiLogger(stream string, logger zerolog.Logger, level zerolog.Level, logs ...*Log) *MultiLogger {
	return &MultiLogger{
		stream: stream,
		logs:   logs,
		logger: logger,
		level:  level,
	}
}

func (m *MultiLogger) Write(b []byte) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.partial = append(m.partial, b...)
	for {
		i := bytes.IndexByte(m.partial, '\n')
		if i < 0 {
			break
		}
		line := string(m.partial[:i])
		m.partial = m.partial[i+1:]
		m.emit(line)
	}
	if len(m.partial) == 0 {
		m.partial = nil
	}
	return len(b), nil
}

func (m *MultiLogger) emit(line string) {
	for _, l := range m.logs {
		l.Append(m.stream, line)
	}
	m.logger.WithLevel(m.level).Str("stream", m.stream).Msg(line)
}

// Flush emits any buffered partial line.
func (m *MultiLogger) Flush() {
	m.lock.Lock()
	if len(m.partial) > 0 {
		m.emit(string(m.partial))
		m.partial = nil
	}
	m.lock.Unlock()
}
