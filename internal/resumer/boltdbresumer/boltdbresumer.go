// Package boltdbresumer provides a resumer.Store implementation that uses a Bolt database file as storage.
package boltdbresumer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/drizzle/internal/bitfield"
	"github.com/cenkalti/drizzle/internal/resumer"
	"go.etcd.io/bbolt"
)

// Keys for the persisten storage.
var Keys = struct {
	InfoHash        []byte
	Name            []byte
	Dest            []byte
	Info            []byte
	FileMap         []byte
	Trackers        []byte
	TrackerIndex    []byte
	NumPieces       []byte
	Bitfield        []byte
	BytesDownloaded []byte
	BytesUploaded   []byte
	BytesWasted     []byte
	PausedAt        []byte
}{
	InfoHash:        []byte("info_hash"),
	Name:            []byte("name"),
	Dest:            []byte("dest"),
	Info:            []byte("info"),
	FileMap:         []byte("file_map"),
	Trackers:        []byte("trackers"),
	TrackerIndex:    []byte("tracker_index"),
	NumPieces:       []byte("num_pieces"),
	Bitfield:        []byte("bitfield"),
	BytesDownloaded: []byte("bytes_downloaded"),
	BytesUploaded:   []byte("bytes_uploaded"),
	BytesWasted:     []byte("bytes_wasted"),
	PausedAt:        []byte("paused_at"),
}

// Resumer contains methods for saving/loading paused sessions to a BoltDB database.
// Each session is kept in a nested bucket named after the session.
type Resumer struct {
	db     *bbolt.DB
	bucket []byte
}

var _ resumer.Store = (*Resumer)(nil)

// Open the database at path and return a Resumer that owns it.
func Open(path string, bucket []byte) (*Resumer, error) {
	db, err := bbolt.Open(path, 0640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	r, err := New(db, bucket)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// New returns a new Resumer.
func New(db *bbolt.DB, bucket []byte) (*Resumer, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err2 := tx.CreateBucketIfNotExists(bucket)
		return err2
	})
	if err != nil {
		return nil, err
	}
	return &Resumer{
		db:     db,
		bucket: bucket,
	}, nil
}

// Save writes the snapshot, replacing a previous one with the same name.
func (r *Resumer) Save(spec *resumer.Spec) error {
	fm, err := json.Marshal(spec.FileMap)
	if err != nil {
		return err
	}
	trackers, err := json.Marshal(spec.Trackers)
	if err != nil {
		return err
	}
	bf := bitfield.FromBools(spec.PieceManager.LocalBitfield)
	key := []byte(resumer.Key(spec.Name))
	return r.db.Update(func(tx *bbolt.Tx) error {
		parent := tx.Bucket(r.bucket)
		if parent.Bucket(key) != nil {
			if err := parent.DeleteBucket(key); err != nil {
				return err
			}
		}
		b, err := parent.CreateBucket(key)
		if err != nil {
			return err
		}
		_ = b.Put(Keys.InfoHash, spec.InfoHash)
		_ = b.Put(Keys.Name, []byte(spec.Name))
		_ = b.Put(Keys.Dest, []byte(spec.Dest))
		_ = b.Put(Keys.Info, spec.Info)
		_ = b.Put(Keys.FileMap, fm)
		_ = b.Put(Keys.Trackers, trackers)
		_ = b.Put(Keys.TrackerIndex, []byte(strconv.Itoa(spec.TrackerIndex)))
		_ = b.Put(Keys.NumPieces, []byte(strconv.FormatUint(uint64(spec.PieceManager.TotalPieces), 10)))
		_ = b.Put(Keys.Bitfield, bf.Bytes())
		_ = b.Put(Keys.BytesDownloaded, []byte(strconv.FormatInt(spec.BytesDownloaded, 10)))
		_ = b.Put(Keys.BytesUploaded, []byte(strconv.FormatInt(spec.BytesUploaded, 10)))
		_ = b.Put(Keys.BytesWasted, []byte(strconv.FormatInt(spec.BytesWasted, 10)))
		_ = b.Put(Keys.PausedAt, []byte(spec.PausedAt.Format(time.RFC3339)))
		return nil
	})
}

// Load reads and validates the snapshot of the named session.
func (r *Resumer) Load(name string) (*resumer.Spec, error) {
	var spec *resumer.Spec
	err := r.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(r.bucket).Bucket([]byte(resumer.Key(name)))
		if b == nil {
			return resumer.ErrNotFound
		}

		value := b.Get(Keys.InfoHash)
		if value == nil {
			return fmt.Errorf("key not found: %q", string(Keys.InfoHash))
		}

		spec = new(resumer.Spec)
		spec.InfoHash = make([]byte, len(value))
		copy(spec.InfoHash, value)

		spec.Name = string(b.Get(Keys.Name))
		spec.Dest = string(b.Get(Keys.Dest))

		value = b.Get(Keys.Info)
		if value != nil {
			spec.Info = make([]byte, len(value))
			copy(spec.Info, value)
		}

		var err error
		value = b.Get(Keys.FileMap)
		if value != nil {
			err = json.Unmarshal(value, &spec.FileMap)
			if err != nil {
				return err
			}
		}

		value = b.Get(Keys.Trackers)
		if value != nil {
			err = json.Unmarshal(value, &spec.Trackers)
			if err != nil {
				return err
			}
		}

		value = b.Get(Keys.TrackerIndex)
		if value != nil {
			spec.TrackerIndex, err = strconv.Atoi(string(value))
			if err != nil {
				return err
			}
		}

		value = b.Get(Keys.NumPieces)
		numPieces, err := strconv.ParseUint(string(value), 10, 32)
		if err != nil {
			return err
		}
		spec.PieceManager.TotalPieces = uint32(numPieces)

		value = b.Get(Keys.Bitfield)
		if value != nil {
			bf, err := bitfield.FromBytes(value, uint32(numPieces))
			if err != nil {
				return err
			}
			spec.PieceManager.LocalBitfield = bf.Bools()
		}

		value = b.Get(Keys.BytesDownloaded)
		if value != nil {
			spec.BytesDownloaded, err = strconv.ParseInt(string(value), 10, 64)
			if err != nil {
				return err
			}
		}

		value = b.Get(Keys.BytesUploaded)
		if value != nil {
			spec.BytesUploaded, err = strconv.ParseInt(string(value), 10, 64)
			if err != nil {
				return err
			}
		}

		value = b.Get(Keys.BytesWasted)
		if value != nil {
			spec.BytesWasted, err = strconv.ParseInt(string(value), 10, 64)
			if err != nil {
				return err
			}
		}

		value = b.Get(Keys.PausedAt)
		if value != nil {
			spec.PausedAt, err = time.Parse(time.RFC3339, string(value))
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return spec, spec.Validate()
}

// Delete removes the snapshot of the named session.
func (r *Resumer) Delete(name string) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		err := tx.Bucket(r.bucket).DeleteBucket([]byte(resumer.Key(name)))
		if err == bbolt.ErrBucketNotFound {
			return resumer.ErrNotFound
		}
		return err
	})
}

// List returns the keys of saved snapshots in byte order.
func (r *Resumer) List() ([]string, error) {
	var names []string
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(r.bucket).ForEach(func(k, v []byte) error {
			if v == nil {
				names = append(names, string(k))
			}
			return nil
		})
	})
	return names, err
}

// Close the database.
func (r *Resumer) Close() error {
	return r.db.Close()
}
