// Package coinswapcfg loads and validates the single immutable
// configuration record every coinswap role is constructed from. There
// is deliberately no package global: the Config value is built once at
// startup and passed explicitly to each role's constructor rather than
// read back out of an ambient package variable.
package coinswapcfg

import (
	"fmt"
	"os"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"
)

// Network identifies which chain this role connects to.
type Network string

const (
	NetworkMainnet Network = "main"
	NetworkTestnet Network = "testnet"
	NetworkSignet  Network = "signet"
	NetworkRegtest Network = "regtest"
)

// defaultRPCPort holds the per-network default RPC port
// table.
var defaultRPCPort = map[Network]string{
	NetworkMainnet: "8332",
	NetworkTestnet: "18332",
	NetworkSignet:  "38332",
	NetworkRegtest: "18443",
}

// SyncAddressAmount is the sync-address-amount tier chosen on the
// command line; Count maps it to an address count. offersync.Syncer does
// not read it and probes every address it is given.
type SyncAddressAmount string

const (
	SyncAddressSmall   SyncAddressAmount = "small"
	SyncAddressNormal  SyncAddressAmount = "normal"
	SyncAddressTesting SyncAddressAmount = "testing"
)

// syncAddressCount holds the address count of each
// sync-address-amount tier.
var syncAddressCount = map[SyncAddressAmount]int{
	SyncAddressSmall:   2,
	SyncAddressNormal:  8,
	SyncAddressTesting: 20,
}

// Count returns the address count of tier a, defaulting to the
// "normal" tier for an empty or unrecognized value.
func (a SyncAddressAmount) Count() int {
	if n, ok := syncAddressCount[a]; ok {
		return n
	}
	return syncAddressCount[SyncAddressNormal]
}

// Config is the single immutable record every role (maker, taker,
// watchtower) is constructed from.
type Config struct {
	Network Network `long:"network" description:"main, testnet, signet, or regtest" default:"main"`

	RPCHost         string `long:"rpc_host" description:"blockchain node RPC host" default:"localhost"`
	RPCPort         string `long:"rpc_port" description:"blockchain node RPC port (defaults per network)"`
	RPCUser         string `long:"rpc_user" description:"blockchain node RPC username"`
	RPCPassword     string `long:"rpc_password" description:"blockchain node RPC password"`
	RPCCookieFile   string `long:"rpc_cookie_file" description:"path to the node's .cookie file" default:".cookie"`
	RPCWalletFile   string `long:"rpc_wallet_file" description:"wallet name to load on the node, if it serves multiple"`

	WalletFile string `long:"wallet_file" description:"path to this role's wallet file"`
	Port       int    `long:"port" description:"TCP port to listen for peer connections on"`

	SyncAddressAmount SyncAddressAmount `long:"sync_address_amount" description:"small, normal, or testing" default:"normal"`
}

// Load parses args (typically os.Args[1:]) into a Config, applying
// per-network RPC port defaults where the caller didn't supply one and
// resolving RPCUser/RPCPassword from RPCCookieFile when neither was
// given directly, the same cookie-auth fallback chainregistry.go's
// rpcclient.ConnConfig assembly performs.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	switch c.Network {
	case NetworkMainnet, NetworkTestnet, NetworkSignet, NetworkRegtest:
	case "":
		c.Network = NetworkMainnet
	default:
		return fmt.Errorf("coinswapcfg: unknown network %q", c.Network)
	}

	if c.RPCPort == "" {
		c.RPCPort = defaultRPCPort[c.Network]
	}

	if c.RPCUser == "" && c.RPCPassword == "" && c.RPCCookieFile != "" {
		user, pass, err := readCookieFile(c.RPCCookieFile)
		if err == nil {
			c.RPCUser, c.RPCPassword = user, pass
		}
		// A missing cookie file is not fatal here: some roles are
		// given explicit rpc_user/rpc_password instead and never
		// touch the cookie path at all.
	}

	return nil
}

// readCookieFile parses a bitcoind-style ".cookie" file, whose sole line
// is "user:password".
func readCookieFile(path string) (user, pass string, err error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	line := string(body)
	for i := 0; i < len(line); i++ {
		if line[i] == ':' {
			return line[:i], trimNewline(line[i+1:]), nil
		}
	}
	return "", "", fmt.Errorf("coinswapcfg: malformed cookie file %s", path)
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// DefaultWalletPath returns the default wallet file location for role
// (e.g. "maker", "taker", "watchtower") under the user's home directory,
// the fallback used when Config.WalletFile is empty.
func DefaultWalletPath(role string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".coinswap", role+".wallet")
}
