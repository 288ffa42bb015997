// Package journal persists stream recovery state: for every stream it
// keeps an append-only history of committed segment indices plus a head
// record, keyed by the stream's salt. On bootstrap the head names the
// last segment that was durably written, so a crashed transfer resumes
// at the next index instead of restarting.
package journal

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"

	"github.com/dgraph-io/badger/v4"
	"github.com/shirou/gopsutil/disk"
)

const (
	// Key prefixes for the journal records in BadgerDB.
	headPrefix    = "head:"
	historyPrefix = "commit:"

	recordLen = 12 // segment_index (u64 LE) + record crc32 (u32 LE)
)

// Journal is a badger-backed recovery log. One Journal serves many
// streams; records are scoped by stream salt.
type Journal struct {
	db *badger.DB
}

// Open opens or creates the journal at path. minimumFreeSpace is the
// free-disk floor in GiB; opening below it fails rather than letting
// the journal starve the data stream of space.
func Open(path string, minimumFreeSpace uint64) (*Journal, error) {
	if minimumFreeSpace > 0 {
		usage, err := disk.Usage(path)
		if err == nil && usage.Free < minimumFreeSpace*1024*1024*1024 {
			return nil, fmt.Errorf("journal path %s has %d bytes free, need %d GiB", path, usage.Free, minimumFreeSpace)
		}
	}

	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// encodeRecord builds the fixed little-endian journal record. The CRC
// covers the stream salt and the index bytes, so a record pasted from
// another stream fails verification.
func encodeRecord(salt [16]byte, segmentIndex uint64) []byte {
	out := make([]byte, recordLen)
	binary.LittleEndian.PutUint64(out[0:8], segmentIndex)
	sum := crc32.NewIEEE()
	sum.Write(salt[:])
	sum.Write(out[0:8])
	binary.LittleEndian.PutUint32(out[8:12], sum.Sum32())
	return out
}

func decodeRecord(salt [16]byte, buf []byte) (uint64, error) {
	if len(buf) != recordLen {
		return 0, fmt.Errorf("journal record is %d bytes, want %d", len(buf), recordLen)
	}
	index := binary.LittleEndian.Uint64(buf[0:8])
	sum := crc32.NewIEEE()
	sum.Write(salt[:])
	sum.Write(buf[0:8])
	if got := binary.LittleEndian.Uint32(buf[8:12]); got != sum.Sum32() {
		return 0, fmt.Errorf("journal record checksum mismatch for segment %d", index)
	}
	return index, nil
}

// Commit records that segmentIndex of the stream identified by salt has
// been durably written. The head moves forward and the history keeps
// the full append-only trail.
func (j *Journal) Commit(salt [16]byte, segmentIndex uint64) error {
	record := encodeRecord(salt, segmentIndex)
	headKey := fmt.Sprintf("%s%s", headPrefix, hex.EncodeToString(salt[:]))
	historyKey := fmt.Sprintf("%s%s:%020d", historyPrefix, hex.EncodeToString(salt[:]), segmentIndex)

	err := j.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(historyKey), record); err != nil {
			return fmt.Errorf("failed to append journal record: %w", err)
		}
		if err := txn.Set([]byte(headKey), record); err != nil {
			return fmt.Errorf("failed to advance journal head: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to commit segment %d: %w", segmentIndex, err)
	}
	return nil
}

// LastCommitted returns the most recent committed segment index for the
// stream, or ok=false when the stream has no journal entries. A corrupt
// head record is an error; the caller decides whether to restart the
// stream from zero.
func (j *Journal) LastCommitted(salt [16]byte) (index uint64, ok bool, err error) {
	headKey := fmt.Sprintf("%s%s", headPrefix, hex.EncodeToString(salt[:]))

	err = j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(headKey))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return fmt.Errorf("failed to get journal head: %w", err)
		}
		return item.Value(func(val []byte) error {
			idx, derr := decodeRecord(salt, val)
			if derr != nil {
				return derr
			}
			index = idx
			ok = true
			return nil
		})
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to read journal for stream: %w", err)
	}
	return index, ok, nil
}

// History returns every committed index for the stream in ascending
// order. Used by inspection tooling and tests.
func (j *Journal) History(salt [16]byte) ([]uint64, error) {
	prefix := []byte(fmt.Sprintf("%s%s:", historyPrefix, hex.EncodeToString(salt[:])))

	var indices []uint64
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				idx, derr := decodeRecord(salt, val)
				if derr != nil {
					return derr
				}
				indices = append(indices, idx)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read journal history: %w", err)
	}
	return indices, nil
}

// Forget drops all records for one stream, for callers that completed
// or abandoned a transfer.
func (j *Journal) Forget(salt [16]byte) error {
	headKey := []byte(fmt.Sprintf("%s%s", headPrefix, hex.EncodeToString(salt[:])))
	prefix := []byte(fmt.Sprintf("%s%s:", historyPrefix, hex.EncodeToString(salt[:])))

	err := j.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		defer it.Close()
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return txn.Delete(headKey)
	})
	if err != nil {
		return fmt.Errorf("failed to forget stream: %w", err)
	}
	return nil
}
