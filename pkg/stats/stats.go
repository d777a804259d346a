// Package stats persists download counters in an embedded bolthold store.
// It is write-mostly: the download handler increments a counter per
// (channel, version, artifact) and the numbers are read out-of-band.
package stats

import (
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/timshannon/bolthold"
	"go.etcd.io/bbolt"
)

// Recorder counts artifact downloads. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Increment(channel, version, artifact, userAgent string)
}

type discard struct{}

// Discard returns a Recorder that drops every event.
func Discard() Recorder {
	return discard{}
}

func (discard) Increment(_, _, _, _ string) {}

// Download is one persisted counter row, one per client user agent.
type Download struct {
	ID        uint64 `json:"id" boltholdKey:"ID"`
	Key       string `json:"key" boltholdIndex:"Key"` // channel|version|artifact|userAgent
	Channel   string `json:"channel"`
	Version   string `json:"version"`
	Artifact  string `json:"artifact"`
	UserAgent string `json:"userAgent"`
	Count     int64  `json:"count"`
}

// Store is a bolthold-backed Recorder.
type Store struct {
	db  *bolthold.Store
	log logrus.FieldLogger
}

// Open opens (or creates) the stats database.
func Open(path string, log logrus.FieldLogger) (*Store, error) {
	db, err := bolthold.Open(path, 0o644, &bolthold.Options{
		Encoder: json.Marshal,
		Decoder: json.Unmarshal,
		Options: &bbolt.Options{
			Timeout:      5 * time.Second,
			NoGrowSync:   bbolt.DefaultOptions.NoGrowSync,
			FreelistType: bbolt.DefaultOptions.FreelistType,
		},
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db, log: log.WithField("module", "stats")}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Increment bumps the counter for one download. Failures are logged, never
// propagated: statistics must not break downloads.
func (s *Store) Increment(channel, version, artifact, userAgent string) {
	key := channel + "|" + version + "|" + artifact + "|" + userAgent

	row := &Download{}
	err := s.db.FindOne(row, bolthold.Where("Key").Eq(key))
	switch {
	case err == nil:
		row.Count++
		if err := s.db.Update(row.ID, row); err != nil {
			s.log.Warnf("update download count: %v", err)
		}
	case err == bolthold.ErrNotFound:
		row = &Download{
			Key:       key,
			Channel:   channel,
			Version:   version,
			Artifact:  artifact,
			UserAgent: userAgent,
			Count:     1,
		}
		if err := s.db.Insert(bolthold.NextSequence(), row); err != nil {
			s.log.Warnf("insert download count: %v", err)
		}
	default:
		s.log.Warnf("find download count: %v", err)
	}
}

// Count returns the recorded downloads for one (channel, version, artifact)
// summed over all user agents.
func (s *Store) Count(channel, version, artifact string) int64 {
	var rows []Download
	query := bolthold.Where("Channel").Eq(channel).And("Version").Eq(version).And("Artifact").Eq(artifact)
	if err := s.db.Find(&rows, query); err != nil {
		return 0
	}
	var total int64
	for _, row := range rows {
		total += row.Count
	}
	return total
}

// CountByAgent returns the recorded downloads for one row.
func (s *Store) CountByAgent(channel, version, artifact, userAgent string) int64 {
	row := &Download{}
	if err := s.db.FindOne(row, bolthold.Where("Key").Eq(channel+"|"+version+"|"+artifact+"|"+userAgent)); err != nil {
		return 0
	}
	return row.Count
}
