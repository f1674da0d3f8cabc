package offersync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/btcswap/coinswap/netdial"
)

// directoryAddressPrefix namespaces maker address advertisements in the
// directory server's etcd keyspace from any other key this daemon might
// one day store there.
const directoryAddressPrefix = "/coinswap/makers/"

// EtcdDirectoryClient implements DirectoryClient against a directory
// server backed by etcd: every maker advertises its own address under a
// leased (TTL-bound) key, so a maker that crashes without deregistering
// drops out of the listing automatically once its lease expires.
type EtcdDirectoryClient struct {
	Client *clientv3.Client
}

// ListMakerAddresses lists every currently-leased maker address.
func (c *EtcdDirectoryClient) ListMakerAddresses(ctx context.Context) ([]netdial.Address, error) {
	resp, err := c.Client.Get(ctx, directoryAddressPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("offersync: etcd list: %w", err)
	}

	addrs := make([]netdial.Address, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var addr netdial.Address
		if err := json.Unmarshal(kv.Value, &addr); err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// Advertise registers addr under fingerprint with a lease of ttl,
// refreshed by the caller via KeepAlive; used by a maker at startup to
// announce itself to the directory server.
func Advertise(ctx context.Context, client *clientv3.Client, fingerprint string, addr netdial.Address, ttl time.Duration) (clientv3.LeaseID, error) {
	lease, err := client.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("offersync: etcd lease grant: %w", err)
	}

	body, err := json.Marshal(addr)
	if err != nil {
		return 0, fmt.Errorf("offersync: marshal address: %w", err)
	}

	key := directoryAddressPrefix + fingerprint
	if _, err := client.Put(ctx, key, string(body), clientv3.WithLease(lease.ID)); err != nil {
		return 0, fmt.Errorf("offersync: etcd put: %w", err)
	}

	return lease.ID, nil
}
