//go:build regtest

// Package regtest holds the docker-orchestrated integration test: it
// starts a real bitcoind regtest node, checks that chainrpc.Client can
// reach it, and checks that a maker.Server accepts a TCP loopback
// connection. It runs no swap and exchanges no protocol messages.
// Excluded from the default `go test ./...` run via the regtest build
// tag, keeping the container-backed suite opt-in.
package regtest

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"

	"github.com/btcswap/coinswap/chainrpc"
	"github.com/btcswap/coinswap/maker"
	"github.com/btcswap/coinswap/walletstore"
)

const (
	rpcUser = "regtest"
	rpcPass = "regtest"
)

// startBitcoind launches a bitcoind regtest container and returns a
// ready-to-use chainrpc.Client, along with a cleanup func.
func startBitcoind(t *testing.T) (*chainrpc.Client, func()) {
	t.Helper()

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Fatalf("dockertest.NewPool: %v", err)
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "ruimarinho/bitcoin-core",
		Tag:        "24",
		Cmd: []string{
			"-regtest=1",
			"-server=1",
			"-rpcallowip=0.0.0.0/0",
			"-rpcbind=0.0.0.0",
			"-fallbackfee=0.0001",
			"-rpcuser=" + rpcUser,
			"-rpcpassword=" + rpcPass,
		},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
	})
	if err != nil {
		t.Fatalf("start bitcoind container: %v", err)
	}

	cleanup := func() {
		if err := pool.Purge(resource); err != nil {
			t.Logf("purge bitcoind container: %v", err)
		}
	}

	host := fmt.Sprintf("localhost:%s", resource.GetPort("18443/tcp"))

	var client *chainrpc.Client
	err = pool.Retry(func() error {
		c, err := chainrpc.New(chainrpc.Config{
			Host: host, User: rpcUser, Pass: rpcPass, DisableTLS: true,
		})
		if err != nil {
			return err
		}
		if _, err := c.GetBlockCount(); err != nil {
			c.Shutdown()
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		cleanup()
		t.Fatalf("bitcoind never became reachable: %v", err)
	}

	return client, cleanup
}

func TestMakerAcceptsConnectionAgainstRealRegtestNode(t *testing.T) {
	chain, cleanup := startBitcoind(t)
	defer cleanup()
	defer chain.Shutdown()

	height, err := chain.GetBlockCount()
	if err != nil {
		t.Fatalf("GetBlockCount: %v", err)
	}
	if height < 0 {
		t.Fatalf("unexpected negative height")
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	wallet, err := walletstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("walletstore.Open: %v", err)
	}
	defer wallet.Close()

	m := &maker.Maker{Wallet: wallet, TweakablePriv: priv, TweakablePoint: priv.PubKey()}
	srv := &maker.Server{Maker: m}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()

	go srv.ListenAndServe(ln)
	time.Sleep(100 * time.Millisecond) // let the accept loop start

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial maker: %v", err)
	}
	conn.Close()
}
