package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// journalRecord is one line of the change journal
type journalRecord struct {
	Time  time.Time `json:"ts"`
	Table string    `json:"table"`
	Op    string    `json:"op"`
	Key   string    `json:"key"`
	Row   any       `json:"row,omitempty"`
}

// Journal appends every published change to hourly zstd compressed JSONL
// files under dir
type Journal struct {
	dir string
	sub *Subscription
	now func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
	written uint64

	done chan struct{}
}

// NewJournal subscribes to feed and starts writing into dir
func NewJournal(dir string, feed *Feed) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	j := &Journal{
		dir:  dir,
		sub:  feed.Subscribe(4096),
		now:  time.Now,
		done: make(chan struct{}),
	}
	go j.run()
	return j, nil
}

func (j *Journal) run() {
	defer close(j.done)
	for c := range j.sub.C {
		if err := j.write(c); err != nil {
			log.Printf("journal: write %s %s: %v", c.Table, c.Key, err)
		}
	}
}

func (j *Journal) write(c Change) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now().UTC()
	if hour := now.Format("2006-01-02-15"); hour != j.curHour {
		if err := j.rotateLocked(hour); err != nil {
			return err
		}
	}
	b, err := json.Marshal(journalRecord{Time: now, Table: c.Table, Op: c.Op.String(), Key: c.Key, Row: c.Row})
	if err != nil {
		return err
	}
	if _, err := j.w.Write(b); err != nil {
		return err
	}
	if err := j.w.WriteByte('\n'); err != nil {
		return err
	}
	j.written++
	return nil
}

// Written returns how many changes have been journaled
func (j *Journal) Written() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.written
}

// Close stops the subscription, writes out what is still queued and closes
// the current file
func (j *Journal) Close() error {
	j.sub.Close()
	<-j.done
	if d := j.sub.Dropped(); d > 0 {
		log.Printf("journal: %d changes were dropped while the writer lagged", d)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closeLocked()
}

func (j *Journal) rotateLocked(hour string) error {
	if err := j.closeLocked(); err != nil {
		return err
	}
	f, err := os.OpenFile(j.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		f.Close()
		return err
	}
	j.f = f
	j.enc = enc
	j.w = bufio.NewWriterSize(enc, 64*1024)
	j.curHour = hour
	return nil
}

func (j *Journal) closeLocked() error {
	var err error
	if j.w != nil {
		err = j.w.Flush()
	}
	if j.enc != nil {
		if cerr := j.enc.Close(); err == nil {
			err = cerr
		}
		j.enc = nil
	}
	if j.f != nil {
		j.f.Close()
		j.f = nil
	}
	j.w = nil
	j.curHour = ""
	return err
}

func (j *Journal) pathForHour(hour string) string {
	return filepath.Join(j.dir, fmt.Sprintf("changes-%s.jsonl.zst", hour))
}
