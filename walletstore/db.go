// Package walletstore is the swap daemon's persistent datastore: wallet
// HD state, the in-flight swap-coin table, and the watchtower's
// funding-outpoint-to-contract cache. It is the spec's multi-contract
// attack cache made durable across restarts.
package walletstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"
)

const (
	dbFileName       = "coinswap.db"
	dbFilePermission = 0600
)

// migration mutates the key/bucket structure of an older database version
// into the next, mirroring channeldb's migration list idiom.
type migration func(tx *bolt.Tx) error

type version struct {
	number    uint32
	migration migration
}

// dbVersions lists every schema version this store has had. If the stored
// version doesn't match the latest, every migration between them runs in
// order at Open time.
var dbVersions = []version{
	{number: 0, migration: nil},
}

// byteOrder is used for every integer key/value this store persists, for
// cursor scans to iterate in numeric order.
var byteOrder = binary.BigEndian

var bufPool = &sync.Pool{
	New: func() interface{} { return make([]byte, 0, 256) },
}

// Top-level buckets.
var (
	// swapCoinsBucket holds every swap coin, keyed by funding outpoint,
	// value the JSON-encoded coin record, which carries the coin's kind.
	swapCoinsBucket = []byte("swap-coins")

	// contractCacheBucket implements the multi-contract attack defense:
	// funding outpoint -> the contract_redeemscript a maker has already
	// committed to for that outpoint. A second, different redeemscript
	// offered for the same outpoint is rejected by the caller, never
	// overwritten here.
	contractCacheBucket = []byte("contract-cache")

	// watchtowerBucket holds one entry per contract a watchtower is
	// tracking until it resolves, keyed by funding outpoint.
	watchtowerBucket = []byte("watchtower")

	// metaBucket holds the schema version and other singleton values.
	metaBucket = []byte("meta")
)

var dbVersionKey = []byte("version")

// DB is the coinswap daemon's bbolt-backed datastore.
type DB struct {
	*bolt.DB
	dbPath string
}

// Open opens (creating if necessary) the coinswap datastore rooted at
// dbPath, applying any pending schema migrations.
func Open(dbPath string) (*DB, error) {
	path := filepath.Join(dbPath, dbFileName)

	if !fileExists(dbPath) {
		if err := os.MkdirAll(dbPath, 0700); err != nil {
			return nil, fmt.Errorf("walletstore: create data dir: %w", err)
		}
	}

	bdb, err := bolt.Open(path, dbFilePermission, nil)
	if err != nil {
		return nil, fmt.Errorf("walletstore: open bbolt db: %w", err)
	}

	store := &DB{DB: bdb, dbPath: dbPath}

	if err := store.initBuckets(); err != nil {
		bdb.Close()
		return nil, err
	}
	if err := store.syncVersions(dbVersions); err != nil {
		bdb.Close()
		return nil, err
	}

	log.Infof("walletstore: opened %s", path)
	return store, nil
}

func (d *DB) initBuckets() error {
	return d.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			swapCoinsBucket, contractCacheBucket, watchtowerBucket, metaBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("walletstore: create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// syncVersions brings the database forward from its persisted version to
// the last entry in versions, applying every migration in between inside
// one write transaction per migration.
func (d *DB) syncVersions(versions []version) error {
	current, err := d.currentVersion()
	if err != nil {
		return err
	}

	latest := versions[len(versions)-1].number
	if current > latest {
		return fmt.Errorf("walletstore: database version %d is newer than supported version %d", current, latest)
	}

	for _, v := range versions {
		if v.number <= current || v.migration == nil {
			continue
		}
		err := d.Update(func(tx *bolt.Tx) error {
			return v.migration(tx)
		})
		if err != nil {
			return fmt.Errorf("walletstore: migration to version %d: %w", v.number, err)
		}
		current = v.number
	}

	return d.setVersion(latest)
}

func (d *DB) currentVersion() (uint32, error) {
	var version uint32
	err := d.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if meta == nil {
			return nil
		}
		raw := meta.Get(dbVersionKey)
		if raw == nil {
			return nil
		}
		version = byteOrder.Uint32(raw)
		return nil
	})
	return version, err
}

func (d *DB) setVersion(v uint32) error {
	return d.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		var buf [4]byte
		byteOrder.PutUint32(buf[:], v)
		return meta.Put(dbVersionKey, buf[:])
	})
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
