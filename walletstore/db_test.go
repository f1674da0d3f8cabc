package walletstore

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testOutpoint(t *testing.T, seed byte) wire.OutPoint {
	t.Helper()
	var hash chainhash.Hash
	for i := range hash {
		hash[i] = seed
	}
	return wire.OutPoint{Hash: hash, Index: 0}
}

func TestContractCacheRejectsSecondDifferentContract(t *testing.T) {
	db := openTestDB(t)
	op := testOutpoint(t, 0x01)

	cached, matches, err := db.DoesPrevoutMatchCachedContract(op, []byte("script-a"))
	if err != nil {
		t.Fatalf("DoesPrevoutMatchCachedContract: %v", err)
	}
	if cached || matches {
		t.Fatal("expected no cache entry yet")
	}

	if err := db.AddPrevoutAndContractToCache(op, []byte("script-a")); err != nil {
		t.Fatalf("AddPrevoutAndContractToCache: %v", err)
	}

	cached, matches, err = db.DoesPrevoutMatchCachedContract(op, []byte("script-a"))
	if err != nil {
		t.Fatalf("DoesPrevoutMatchCachedContract: %v", err)
	}
	if !cached || !matches {
		t.Fatal("expected cached entry to match same script")
	}

	_, matches, err = db.DoesPrevoutMatchCachedContract(op, []byte("script-b"))
	if err != nil {
		t.Fatalf("DoesPrevoutMatchCachedContract: %v", err)
	}
	if matches {
		t.Fatal("a different contract for the same outpoint must not match")
	}

	if err := db.AddPrevoutAndContractToCache(op, []byte("script-b")); err == nil {
		t.Fatal("expected error overwriting cache with a different contract")
	}
}

func TestWatchedContractLifecycle(t *testing.T) {
	db := openTestDB(t)
	op := testOutpoint(t, 0x02)

	err := db.PutWatchedContract(WatchedContract{
		FundingOutpoint: op,
		ContractTxHex:   "",
		RedeemscriptHex: "",
		LocktimeHeight:  100,
	})
	if err != nil {
		t.Fatalf("PutWatchedContract: %v", err)
	}

	unresolved, err := db.ListUnresolvedWatchedContracts()
	if err != nil {
		t.Fatalf("ListUnresolvedWatchedContracts: %v", err)
	}
	if len(unresolved) != 1 {
		t.Fatalf("expected 1 unresolved contract, got %d", len(unresolved))
	}

	if err := db.MarkWatchedContractResolved(op); err != nil {
		t.Fatalf("MarkWatchedContractResolved: %v", err)
	}

	unresolved, err = db.ListUnresolvedWatchedContracts()
	if err != nil {
		t.Fatalf("ListUnresolvedWatchedContracts: %v", err)
	}
	if len(unresolved) != 0 {
		t.Fatalf("expected 0 unresolved contracts after resolving, got %d", len(unresolved))
	}
}
