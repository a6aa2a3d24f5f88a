// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package journal persists the delivery outcome of every tracked fragment.
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/mixarq/arq"
	"github.com/katzenpost/mixarq/core/worker"
	"github.com/katzenpost/mixarq/fragment"
	"github.com/katzenpost/mixarq/lanes"
)

const (
	deliveriesBucket = "deliveries"
	metadataBucket   = "metadata"
	versionKey       = "version"

	journalVersion = 0

	backlog = 1024
)

var (
	// ErrVersion is returned when opening a journal of another version.
	ErrVersion = errors.New("journal: incompatible version")

	errMalformedKey = errors.New("journal: malformed key")
)

// Record is the persisted form of a delivery event.
type Record struct {
	At              time.Time
	ID              fragment.Identifier
	Lane            lanes.Lane
	Delivered       bool
	Retransmissions uint32
	Error           string
}

type record struct {
	Lane            lanes.Lane
	Delivered       bool
	Retransmissions uint32
	Error           string `cbor:",omitempty"`
}

// Journal is an arq.EventSink writing to a bolt database.  Events are
// written asynchronously; when the backlog is full they are dropped.
type Journal struct {
	worker.Worker

	log *log.Logger
	db  *bolt.DB

	eventCh chan *arq.DeliveryEvent
	now     func() time.Time
}

// Open opens or creates the journal at path.
func Open(logger *log.Logger, path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if b := meta.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != journalVersion {
				return fmt.Errorf("%w: %x", ErrVersion, b)
			}
		} else if err := meta.Put([]byte(versionKey), []byte{journalVersion}); err != nil {
			return err
		}
		_, err = tx.CreateBucketIfNotExists([]byte(deliveriesBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	j := &Journal{
		log:     logger,
		db:      db,
		eventCh: make(chan *arq.DeliveryEvent, backlog),
		now:     time.Now,
	}
	j.Go(j.worker)
	return j, nil
}

// DeliveryEvent implements arq.EventSink.
func (j *Journal) DeliveryEvent(ev *arq.DeliveryEvent) {
	select {
	case j.eventCh <- ev:
	default:
		j.log.Warnf("Journal backlog full, dropping event for %v.", ev.ID)
	}
}

// Halt writes out the backlog and closes the database.
func (j *Journal) Halt() {
	j.Worker.Halt()
	if err := j.db.Close(); err != nil {
		j.log.Errorf("Failed to close journal: %v", err)
	}
}

func (j *Journal) worker() {
	for {
		select {
		case <-j.HaltCh():
			for {
				select {
				case ev := <-j.eventCh:
					j.write(ev)
				default:
					return
				}
			}
		case ev := <-j.eventCh:
			j.write(ev)
		}
	}
}

func (j *Journal) write(ev *arq.DeliveryEvent) {
	r := &record{
		Lane:            ev.Lane,
		Delivered:       ev.Delivered,
		Retransmissions: ev.Retransmissions,
	}
	if ev.Err != nil {
		r.Error = ev.Err.Error()
	}
	v, err := cbor.Marshal(r)
	if err != nil {
		j.log.Errorf("Failed to encode event for %v: %v", ev.ID, err)
		return
	}
	if err := j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(deliveriesBucket)).Put(recordKey(j.now(), ev.ID), v)
	}); err != nil {
		j.log.Errorf("Failed to journal event for %v: %v", ev.ID, err)
	}
}

// recordKey orders records by time.
func recordKey(at time.Time, id fragment.Identifier) []byte {
	k := make([]byte, 8, 8+fragment.IdentifierLength)
	binary.BigEndian.PutUint64(k, uint64(at.UnixNano()))
	return append(k, id.Bytes()...)
}

// Records returns every journalled event, oldest first.
func (j *Journal) Records() ([]*Record, error) {
	var out []*Record
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(deliveriesBucket)).ForEach(func(k, v []byte) error {
			if len(k) != 8+fragment.IdentifierLength {
				return errMalformedKey
			}
			id, err := fragment.FromBytes(k[8:])
			if err != nil {
				return err
			}
			r := new(record)
			if err := cbor.Unmarshal(v, r); err != nil {
				return err
			}
			out = append(out, &Record{
				At:              time.Unix(0, int64(binary.BigEndian.Uint64(k[:8]))),
				ID:              id,
				Lane:            r.Lane,
				Delivered:       r.Delivered,
				Retransmissions: r.Retransmissions,
				Error:           r.Error,
			})
			return nil
		})
	})
	return out, err
}

// Stats counts the delivered and failed fragments.
func (j *Journal) Stats() (delivered, failed int, err error) {
	records, err := j.Records()
	if err != nil {
		return 0, 0, err
	}
	for _, r := range records {
		if r.Delivered {
			delivered++
		} else {
			failed++
		}
	}
	return delivered, failed, nil
}
