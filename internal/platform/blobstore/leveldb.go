package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	meta_<id>             BlobMetadata JSON
//	data_<id>             raw content
//	patient_<pid>_<id>    empty, index for ListByPatient
const (
	metaPrefix    = "meta_"
	dataPrefix    = "data_"
	patientPrefix = "patient_"
)

// LevelDBBlobStore persists blobs in a LevelDB database on local disk.
// Metadata, content and index entries of one blob are written in a single
// batch.
type LevelDBBlobStore struct {
	db *leveldb.DB
}

func OpenLevelDBBlobStore(path string) (*LevelDBBlobStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", path, err)
	}
	return &LevelDBBlobStore{db: db}, nil
}

func (s *LevelDBBlobStore) Close() error {
	return s.db.Close()
}

func patientKey(patientID, id string) []byte {
	return []byte(patientPrefix + patientID + "_" + id)
}

func (s *LevelDBBlobStore) Upload(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	data, err := readContent(&meta, content)
	if err != nil {
		return nil, err
	}
	meta.ID = uuid.New().String()

	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(metaPrefix+meta.ID), raw)
	batch.Put([]byte(dataPrefix+meta.ID), data)
	if meta.PatientID != "" {
		batch.Put(patientKey(meta.PatientID, meta.ID), nil)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return nil, fmt.Errorf("write blob %s: %w", meta.ID, err)
	}
	return &meta, nil
}

func (s *LevelDBBlobStore) Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	meta, err := s.GetMetadata(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	data, err := s.db.Get([]byte(dataPrefix+id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read blob %s: %w", id, err)
	}
	return io.NopCloser(bytes.NewReader(data)), meta, nil
}

func (s *LevelDBBlobStore) Delete(ctx context.Context, id string) error {
	meta, err := s.GetMetadata(ctx, id)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Delete([]byte(metaPrefix + id))
	batch.Delete([]byte(dataPrefix + id))
	if meta.PatientID != "" {
		batch.Delete(patientKey(meta.PatientID, id))
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("delete blob %s: %w", id, err)
	}
	return nil
}

func (s *LevelDBBlobStore) GetMetadata(_ context.Context, id string) (*BlobMetadata, error) {
	raw, err := s.db.Get([]byte(metaPrefix+id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata %s: %w", id, err)
	}

	var meta BlobMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata %s: %w", id, err)
	}
	return &meta, nil
}

func (s *LevelDBBlobStore) ListByPatient(ctx context.Context, patientID string) ([]*BlobMetadata, error) {
	prefix := []byte(patientPrefix + patientID + "_")
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var out []*BlobMetadata
	for iter.Next() {
		id := string(bytes.TrimPrefix(iter.Key(), prefix))
		meta, err := s.GetMetadata(ctx, id)
		if errors.Is(err, ErrBlobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate patient index: %w", err)
	}
	sortByCreated(out)
	return out, nil
}
