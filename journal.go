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
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// JournalEntry records one state transition.
type JournalEntry struct {
	Time   time.Time `json:"time"`
	Job    string    `json:"job"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	Boot   string    `json:"boot"`
}

// Journal is a persistent transition history kept in badger.  Keys are
// "job/<id>/" followed by a big-endian sequence number, so a prefix scan
// returns a job's history in order.
type Journal struct {
	db   *badger.DB
	seq  *badger.Sequence
	boot string
}

// OpenJournal opens (or creates) the journal under dir.  An empty dir
// gives an in-memory journal.
func OpenJournal(dir string) (*Journal, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	seq, err := db.GetSequence([]byte("seq"), 128)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db, seq: seq, boot: uuid.NewString()}, nil
}

func journalPrefix(job string) []byte {
	return []byte("job/" + job + "/")
}

// Append stores an entry, stamping it with this boot's id.
func (j *Journal) Append(e JournalEntry) error {
	n, err := j.seq.Next()
	if err != nil {
		return err
	}
	e.Boot = j.boot
	val, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := binary.BigEndian.AppendUint64(journalPrefix(e.Job), n)
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

// History returns up to limit of the most recent entries for job, oldest
// first.  A limit of zero or less returns everything.
func (j *Journal) History(job string, limit int) ([]JournalEntry, error) {
	var rv []JournalEntry
	prefix := journalPrefix(job)
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		seek := append(append([]byte(nil), prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(rv) >= limit {
				break
			}
			var e JournalEntry
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &e)
			}); err != nil {
				return err
			}
			rv = append(rv, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, k := 0, len(rv)-1; i < k; i, k = i+1, k-1 {
		rv[i], rv[k] = rv[k], rv[i]
	}
	return rv, nil
}

// Forget deletes a job's history.
func (j *Journal) Forget(job string) error {
	return j.db.DropPrefix(journalPrefix(job))
}

func (j *Journal) Close() error {
	if err := j.seq.Release(); err != nil {
		j.db.Close()
		return err
	}
	return j.db.Close()
}
