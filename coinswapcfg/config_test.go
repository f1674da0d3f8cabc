package coinswapcfg

import "testing"

func TestLoadDefaultsNetworkAndRPCPort(t *testing.T) {
	cfg, err := Load([]string{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network != NetworkMainnet {
		t.Fatalf("Network = %q, want main", cfg.Network)
	}
	if cfg.RPCPort != "8332" {
		t.Fatalf("RPCPort = %q, want 8332", cfg.RPCPort)
	}
}

func TestLoadAppliesRegtestPortDefault(t *testing.T) {
	cfg, err := Load([]string{"--network", "regtest"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RPCPort != "18443" {
		t.Fatalf("RPCPort = %q, want 18443", cfg.RPCPort)
	}
}

func TestLoadRejectsUnknownNetwork(t *testing.T) {
	_, err := Load([]string{"--network", "dogecoin"})
	if err == nil {
		t.Fatal("expected an error for an unknown network")
	}
}

func TestSyncAddressAmountCount(t *testing.T) {
	cases := map[SyncAddressAmount]int{
		SyncAddressSmall:     2,
		SyncAddressNormal:    8,
		SyncAddressTesting:   20,
		SyncAddressAmount(""): 8,
	}
	for amount, want := range cases {
		if got := amount.Count(); got != want {
			t.Errorf("%q.Count() = %d, want %d", amount, got, want)
		}
	}
}
