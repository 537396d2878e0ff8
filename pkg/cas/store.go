// Package cas is a content-addressed object store on Pebble. Release
// generation uses it to keep generated diffs across runs, keyed by the pair
// of file hashes they connect.
package cas

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/klauspost/compress/zstd"
	"github.com/multiformats/go-multihash"

	"github.com/saworbit/instpack/internal/metrics"
)

// Key prefixes.
const (
	PrefixObject = "obj:"
	PrefixLink   = "diff:"
)

const compressionMagic = "IPZ1"

var (
	ErrNotFound        = errors.New("object not found")
	ErrUnsupportedHash = errors.New("unsupported hash algorithm")
)

// Store maps CIDs to zstd-compressed objects and names to CIDs.
type Store struct {
	db       *pebble.DB
	hashAlgo string
	owned    bool
}

// Open opens or creates a store in dir.
func Open(dir, hashAlgo string) (*Store, error) {
	return OpenWithOptions(dir, hashAlgo, &pebble.Options{})
}

// OpenWithOptions is Open with explicit Pebble options.
func OpenWithOptions(dir, hashAlgo string, opts *pebble.Options) (*Store, error) {
	if _, err := hashCode(hashAlgo); err != nil {
		return nil, err
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &Store{db: db, hashAlgo: hashAlgo, owned: true}, nil
}

// NewStore wraps an open database. Close leaves db open.
func NewStore(db *pebble.DB, hashAlgo string) (*Store, error) {
	if db == nil {
		return nil, errors.New("pebble database is not initialized")
	}
	if _, err := hashCode(hashAlgo); err != nil {
		return nil, err
	}
	return &Store{db: db, hashAlgo: hashAlgo}, nil
}

// Close flushes and closes the database when the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	if err := s.db.Flush(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

func hashCode(algo string) (uint64, error) {
	switch algo {
	case "sha256":
		return multihash.SHA2_256, nil
	case "blake3":
		return multihash.BLAKE3, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedHash, algo)
}

// CID computes the content identifier of data.
func (s *Store) CID(data []byte) (string, error) {
	code, err := hashCode(s.hashAlgo)
	if err != nil {
		return "", err
	}
	mh, err := multihash.Sum(data, code, -1)
	if err != nil {
		return "", fmt.Errorf("compute multihash: %w", err)
	}
	return mh.B58String(), nil
}

func objectKey(cid string) []byte { return []byte(PrefixObject + cid) }
func linkKey(name string) []byte  { return []byte(PrefixLink + name) }

// PutWithSize stores data and returns its CID and the compressed bytes
// written. Nothing is written when the object already exists.
func (s *Store) PutWithSize(data []byte) (string, int, error) {
	cid, err := s.CID(data)
	if err != nil {
		return "", 0, err
	}
	exists, err := s.Has(cid)
	if err != nil || exists {
		return cid, 0, err
	}

	compressed, err := compressForStorage(data)
	if err != nil {
		return "", 0, fmt.Errorf("compress object: %w", err)
	}
	if err := s.db.Set(objectKey(cid), compressed, pebble.Sync); err != nil {
		return "", 0, fmt.Errorf("store object: %w", err)
	}
	return cid, len(compressed), nil
}

// Put stores data and returns its CID. Identical data is stored once.
func (s *Store) Put(data []byte) (string, error) {
	cid, _, err := s.PutWithSize(data)
	return cid, err
}

// Get returns the object stored under cid.
func (s *Store) Get(cid string) ([]byte, error) {
	value, closer, err := s.db.Get(objectKey(cid))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, cid)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	data, err := decompressFromStorage(value)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", cid, err)
	}
	return data, nil
}

// Has reports whether cid is stored.
func (s *Store) Has(cid string) (bool, error) {
	_, closer, err := s.db.Get(objectKey(cid))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

// Delete removes an object. Links pointing at it are left dangling.
func (s *Store) Delete(cid string) error {
	return s.db.Delete(objectKey(cid), pebble.Sync)
}

// Link points name at an existing object.
func (s *Store) Link(name, cid string) error {
	ok, err := s.Has(cid)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("link %s: %w: %s", name, ErrNotFound, cid)
	}
	return s.db.Set(linkKey(name), []byte(cid), pebble.Sync)
}

// Lookup returns the CID name points at.
func (s *Store) Lookup(name string) (string, bool, error) {
	value, closer, err := s.db.Get(linkKey(name))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	defer closer.Close()
	return string(value), true, nil
}

// Unlink removes a name.
func (s *Store) Unlink(name string) error {
	return s.db.Delete(linkKey(name), pebble.Sync)
}

// DiffName names the diff that turns the file hashed oldHash into the file
// hashed newHash.
func DiffName(oldHash, newHash string) string {
	return oldHash + "_" + newHash
}

// diffLink is the link name of a cached diff. The format names the engine
// and encoding that produced it, so a diff is never served to a run that
// would emit a different format.
func diffLink(format, oldHash, newHash string) string {
	return format + "/" + DiffName(oldHash, newHash)
}

// PutDiff stores a diff in the given format and links it in one batch.
func (s *Store) PutDiff(format, oldHash, newHash string, diff []byte) (string, error) {
	cid, err := s.CID(diff)
	if err != nil {
		return "", err
	}
	compressed, err := compressForStorage(diff)
	if err != nil {
		return "", fmt.Errorf("compress diff: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(objectKey(cid), compressed, pebble.NoSync); err != nil {
		return "", err
	}
	if err := batch.Set(linkKey(diffLink(format, oldHash, newHash)), []byte(cid), pebble.NoSync); err != nil {
		return "", err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return "", fmt.Errorf("commit diff: %w", err)
	}
	return cid, nil
}

// GetDiff returns a cached diff in the given format. A dangling link counts
// as a miss.
func (s *Store) GetDiff(format, oldHash, newHash string) ([]byte, bool, error) {
	cid, ok, err := s.Lookup(diffLink(format, oldHash, newHash))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		metrics.ObserveCache(false)
		return nil, false, nil
	}
	data, err := s.Get(cid)
	if errors.Is(err, ErrNotFound) {
		metrics.ObserveCache(false)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	metrics.ObserveCache(true)
	return data, true, nil
}

func newPrefixIter(db *pebble.DB, prefix string) (*pebble.Iterator, error) {
	upper := append([]byte(prefix), 0xff)
	return db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upper,
	})
}

func (s *Store) linkedCIDs() (map[string]int, error) {
	iter, err := newPrefixIter(s.db, PrefixLink)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	refs := make(map[string]int)
	for iter.First(); iter.Valid(); iter.Next() {
		refs[string(iter.Value())]++
	}
	return refs, iter.Error()
}

// GarbageCollect deletes every object that no link points at.
func (s *Store) GarbageCollect() (int, error) {
	refs, err := s.linkedCIDs()
	if err != nil {
		return 0, fmt.Errorf("collect links: %w", err)
	}

	iter, err := newPrefixIter(s.db, PrefixObject)
	if err != nil {
		return 0, err
	}
	var unreferenced []string
	for iter.First(); iter.Valid(); iter.Next() {
		cid := strings.TrimPrefix(string(iter.Key()), PrefixObject)
		if refs[cid] == 0 {
			unreferenced = append(unreferenced, cid)
		}
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return 0, err
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}

	deleted := 0
	for _, cid := range unreferenced {
		if err := s.Delete(cid); err != nil {
			return deleted, fmt.Errorf("delete %s: %w", cid, err)
		}
		deleted++
	}
	return deleted, nil
}

// Stats describes the store contents.
type Stats struct {
	Objects      int
	StoredBytes  int64
	Links        int
	Unreferenced int
}

// Stats walks the store.
func (s *Store) Stats() (Stats, error) {
	var stats Stats
	refs, err := s.linkedCIDs()
	if err != nil {
		return stats, err
	}
	for _, n := range refs {
		stats.Links += n
	}

	iter, err := newPrefixIter(s.db, PrefixObject)
	if err != nil {
		return stats, err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		stats.Objects++
		stats.StoredBytes += int64(len(iter.Value()))
		if refs[strings.TrimPrefix(string(iter.Key()), PrefixObject)] == 0 {
			stats.Unreferenced++
		}
	}
	return stats, iter.Error()
}

var (
	zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil)
	})
)

func compressForStorage(data []byte) ([]byte, error) {
	enc, err := zstdEncoder()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(data, []byte(compressionMagic)), nil
}

func decompressFromStorage(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, []byte(compressionMagic)) {
		return bytes.Clone(data), nil
	}
	dec, err := zstdDecoder()
	if err != nil {
		return nil, err
	}
	return dec.DecodeAll(data[len(compressionMagic):], nil)
}
