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
	"strings"
	"sync"
	"time"
)

const (
	DefaultLogRecords = 1000
)

type LogRecord struct {
	ID     int64     `json:"id,string"`
	Time   time.Time `json:"time"`
	Stream string    `json:"stream,omitempty"`
	Text   string    `json:"text"`
}

// Log is a bounded in-memory ring of text lines.  Readers may wait for
// new lines with Watch; the latest record ID doubles as an etag.
type Log struct {
	ring  []LogRecord
	next  int // total records ever written; ring index is next % len(ring)
	id    int64
	cvs   map[*sync.Cond]bool
	mx    sync.Mutex
	clock func() time.Time
}

// NewLog returns a Log keeping the last size lines.
func NewLog(size int) *Log {
	if size <= 0 {
		size = DefaultLogRecords
	}
	return &Log{
		ring: make([]LogRecord, size),
		// IDs start at the wall clock so that a restarted daemon
		// never hands out an etag a client has already seen.
		id:    time.Now().UnixNano(),
		cvs:   make(map[*sync.Cond]bool),
		clock: time.Now,
	}
}

// Append adds one record per line of text.
func (l *Log) Append(stream string, text string) {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	l.mx.Lock()
	now := l.clock()
	for _, line := range lines {
		l.id++
		l.ring[l.next%len(l.ring)] = LogRecord{ID: l.id, Time: now, Stream: stream, Text: line}
		l.next++
	}
	for cv := range l.cvs {
		cv.Broadcast()
	}
	l.mx.Unlock()
}

// Write implements io.Writer, so a Log can back a zerolog or plain
// logger directly.
func (l *Log) Write(b []byte) (int, error) {
	l.Append("", string(b))
	return len(b), nil
}

// Clear drops every record.
func (l *Log) Clear() {
	l.mx.Lock()
	l.next = 0
	l.id = time.Now().UnixNano()
	for cv := range l.cvs {
		cv.Broadcast()
	}
	l.mx.Unlock()
}

// Records returns the stored records, oldest first, and the current etag.
// If last equals the current etag nothing has changed and nil is returned.
func (l *Log) Records(last int64) ([]LogRecord, int64) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.id == last {
		return nil, last
	}
	cnt := l.next
	if cnt > len(l.ring) {
		cnt = len(l.ring)
	}
	recs := make([]LogRecord, 0, cnt)
	for i := l.next - cnt; i < l.next; i++ {
		recs = append(recs, l.ring[i%len(l.ring)])
	}
	return recs, l.id
}

// Watch waits up to expire for the etag to move past last, and returns
// the etag in effect when it gives up or wakes.
func (l *Log) Watch(last int64, expire time.Duration) int64 {
	if expire <= 0 {
		l.mx.Lock()
		defer l.mx.Unlock()
		return l.id
	}
	expired := false
	cv := sync.NewCond(&l.mx)
	timer := time.AfterFunc(expire, func() {
		l.mx.Lock()
		expired = true
		cv.Broadcast()
		l.mx.Unlock()
	})
	defer timer.Stop()

	l.mx.Lock()
	defer l.mx.Unlock()
	l.cvs[cv] = true
	for l.id == last && !expired {
		cv.Wait()
	}
	delete(l.cvs, cv)
	return l.id
}
