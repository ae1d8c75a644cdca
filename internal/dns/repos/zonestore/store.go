// Package zonestore persists secondary zone copies in a bbolt database so a
// restarted secondary can serve its last transfer and skip re-pulling an
// unchanged zone.
package zonestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/haukened/zonewalk/internal/dns/common/zonefile"
	"github.com/haukened/zonewalk/internal/dns/domain"
)

var bucketZones = []byte("zones")

// ErrNotFound is returned by Load when no copy of the zone is stored.
var ErrNotFound = errors.New("zone not stored")

// entry is the stored form of one zone: its zone-file lines plus the time of
// the last successful contact with the primary.
type entry struct {
	Zone     string   `json:"zone"`
	Serial   uint32   `json:"serial"`
	Lines    []string `json:"lines"`
	SyncedAt int64    `json:"synced_at"`
}

// Store is a bbolt-backed zone store.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) a bbolt database at path and ensures the bucket exists.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open zone store %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketZones)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Save stores z, replacing any previous copy, with syncedAt as the time the
// primary last confirmed it.
func (s *Store) Save(z *domain.Zone, syncedAt time.Time) error {
	data, err := json.Marshal(entry{
		Zone:     z.Apex.String(),
		Serial:   z.SOA.Serial,
		Lines:    zonefile.Marshal(z),
		SyncedAt: syncedAt.Unix(),
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketZones).Put(key(z.Apex), data)
	})
}

// Touch updates the last-contact time of a stored zone without rewriting its
// records. A missing zone is not an error.
func (s *Store) Touch(apex domain.Domain, syncedAt time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketZones)
		v := b.Get(key(apex))
		if v == nil {
			return nil
		}
		var e entry
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("decode stored zone %s: %w", apex, err)
		}
		e.SyncedAt = syncedAt.Unix()
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(key(apex), data)
	})
}

// Load returns the stored copy of apex and its last-contact time.
func (s *Store) Load(apex domain.Domain) (*domain.Zone, time.Time, error) {
	var e entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketZones).Get(key(apex))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &e)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, time.Time{}, err
		}
		return nil, time.Time{}, fmt.Errorf("decode stored zone %s: %w", apex, err)
	}

	z, err := zonefile.ParseString(strings.Join(e.Lines, "\n"))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("stored zone %s: %w", apex, err)
	}
	return z, time.Unix(e.SyncedAt, 0), nil
}

// Delete removes the stored copy of apex, if any.
func (s *Store) Delete(apex domain.Domain) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketZones).Delete(key(apex))
	})
}

// Zones lists the apexes with a stored copy.
func (s *Store) Zones() ([]domain.Domain, error) {
	var out []domain.Domain
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketZones).ForEach(func(k, _ []byte) error {
			out = append(out, domain.ParseDomain(string(k)))
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, err
}

func key(apex domain.Domain) []byte {
	return []byte(apex.String())
}
