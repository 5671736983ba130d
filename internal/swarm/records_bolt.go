package swarm

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/boltdb/bolt"
	"github.com/fxamacker/cbor/v2"
)

var (
	recordsBucket      = []byte("records")
	contentIndexBucket = []byte("content_index")
)

var (
	recordEncMode cbor.EncMode
	recordDecMode cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	recordEncMode, err = encOptions.EncMode()
	if err != nil {
		panic("swarm: CBOR encoder initialization failed: " + err.Error())
	}
	recordDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("swarm: CBOR decoder initialization failed: " + err.Error())
	}
}

// BoltRecordStore keeps CBOR encoded records in a bolt file.
type BoltRecordStore struct {
	db *bolt.DB
}

var _ RecordStore = (*BoltRecordStore)(nil)

func NewBoltRecordStore(path string) (*BoltRecordStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open record db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{recordsBucket, contentIndexBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init record buckets: %w", err)
	}

	return &BoltRecordStore{db: db}, nil
}

func (s *BoltRecordStore) Close() error {
	return s.db.Close()
}

func (s *BoltRecordStore) Put(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	data, err := recordEncMode.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(recordsBucket).Put([]byte(rec.InfoHash), data); err != nil {
			return err
		}
		return tx.Bucket(contentIndexBucket).Put([]byte(rec.ContentID), []byte(rec.InfoHash))
	})
}

func decodeRecord(data []byte) (Record, error) {
	var rec Record
	if err := recordDecMode.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

func (s *BoltRecordStore) Get(ctx context.Context, infoHash string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(recordsBucket).Get([]byte(infoHash))
		if data == nil {
			return ErrRecordNotFound
		}
		var err error
		rec, err = decodeRecord(data)
		return err
	})
	return rec, err
}

func (s *BoltRecordStore) GetByContentID(ctx context.Context, contentID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		hash := tx.Bucket(contentIndexBucket).Get([]byte(contentID))
		if hash == nil {
			return ErrRecordNotFound
		}
		data := tx.Bucket(recordsBucket).Get(hash)
		if data == nil {
			return ErrRecordNotFound
		}
		var err error
		rec, err = decodeRecord(data)
		return err
	})
	return rec, err
}

func (s *BoltRecordStore) List(ctx context.Context, tier Tier) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(_, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			if tier == "" || rec.Tier == tier {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].InfoHash < out[j].InfoHash
	})
	return out, nil
}

func (s *BoltRecordStore) Delete(ctx context.Context, infoHash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(recordsBucket)
		data := records.Get([]byte(infoHash))
		if data == nil {
			return nil
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return err
		}

		index := tx.Bucket(contentIndexBucket)
		if bytes.Equal(index.Get([]byte(rec.ContentID)), []byte(infoHash)) {
			if err := index.Delete([]byte(rec.ContentID)); err != nil {
				return err
			}
		}
		return records.Delete([]byte(infoHash))
	})
}
