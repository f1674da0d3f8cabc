// Package offersync fetches maker offers from the network: a fixed
// regtest address list for local testing, or a directory server lookup
// otherwise, and fans out connection attempts across every known maker
// address concurrently, tolerating makers that don't respond.
package offersync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btclog"

	"github.com/btcswap/coinswap/netdial"
	"github.com/btcswap/coinswap/wire"
)

func errUnexpectedMethod(got wire.MessageType) error {
	return fmt.Errorf("offersync: expected method offer, got %s", got)
}

func unmarshalPayload(envelope wire.Envelope, v interface{}) error {
	if err := json.Unmarshal(envelope.Payload, v); err != nil {
		return fmt.Errorf("offersync: unmarshal payload: %w", err)
	}
	return nil
}

// Retry/timeout constants governing how hard a taker tries each maker
// before giving up on it silently.
const (
	FirstConnectAttemptTimeout = 20 * time.Second
	FirstConnectSleepDelay     = 10 * time.Second
	FirstConnectAttempts       = 3
)

// RegtestMakerAddresses is the fixed list of local maker addresses used
// when running against a regtest network, replacing directory-server
// lookup entirely.
var RegtestMakerAddresses = []string{
	"localhost:6102",
	"localhost:16102",
	"localhost:26102",
	"localhost:36102",
	"localhost:46102",
}

// OfferAndAddress pairs a maker's advertised terms with the address it
// was fetched from.
type OfferAndAddress struct {
	Offer   wire.Offer
	Address netdial.Address
}

// DirectoryClient looks up the currently advertised maker addresses from
// one or more directory servers.
type DirectoryClient interface {
	ListMakerAddresses(ctx context.Context) ([]netdial.Address, error)
}

// Syncer fetches offers from every known maker address.
type Syncer struct {
	Dialer    *netdial.Dialer
	Directory DirectoryClient
	Regtest   bool
	Log       btclog.Logger

	// Addresses, when non-empty, overrides discovery entirely — the
	// operator named the makers to use on the command line.
	Addresses []netdial.Address
}

// AdvertisedAddresses returns the full set of maker addresses to probe:
// an operator-supplied list when one was given, the fixed regtest list
// in regtest mode, or the directory server's current listing otherwise.
func (s *Syncer) AdvertisedAddresses(ctx context.Context) ([]netdial.Address, error) {
	if len(s.Addresses) > 0 {
		return s.Addresses, nil
	}
	if s.Regtest {
		addrs := make([]netdial.Address, len(RegtestMakerAddresses))
		for i, a := range RegtestMakerAddresses {
			addrs[i] = netdial.Address{Clearnet: a}
		}
		return addrs, nil
	}
	return s.Directory.ListMakerAddresses(ctx)
}

// downloadOfferOnce makes a single attempt to connect to addr and fetch
// its offer, with no retry of its own — retrying is SyncOfferbook's job.
func (s *Syncer) downloadOfferOnce(ctx context.Context, addr netdial.Address) (wire.Offer, error) {
	conn, err := s.Dialer.Dial(ctx, addr)
	if err != nil {
		return wire.Offer{}, err
	}
	defer conn.Close()

	if err := wire.WriteMessage(conn, wire.TypeGiveOffer, wire.GiveOffer{}); err != nil {
		return wire.Offer{}, err
	}

	envelope, err := wire.ReadMessage(conn)
	if err != nil {
		return wire.Offer{}, err
	}
	if envelope.Type != wire.TypeOffer {
		return wire.Offer{}, errUnexpectedMethod(envelope.Type)
	}

	var offer wire.Offer
	if err := unmarshalPayload(envelope, &offer); err != nil {
		return wire.Offer{}, err
	}
	return offer, nil
}

// downloadOffer retries downloadOfferOnce up to FirstConnectAttempts
// times, racing each attempt against FirstConnectAttemptTimeout and
// sleeping FirstConnectSleepDelay between tries, giving up silently
// (returning nil) rather than propagating an error if every attempt fails — a single
// unresponsive maker must never abort a sync of the rest of the
// offerbook.
func (s *Syncer) downloadOffer(ctx context.Context, addr netdial.Address) *OfferAndAddress {
	for attempt := 0; attempt < FirstConnectAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, FirstConnectAttemptTimeout)
		offer, err := s.downloadOfferOnce(attemptCtx, addr)
		cancel()

		if err == nil {
			return &OfferAndAddress{Offer: offer, Address: addr}
		}
		if s.Log != nil {
			s.Log.Debugf("offersync: attempt %d/%d for %s failed: %v",
				attempt+1, FirstConnectAttempts, addr, err)
		}

		if attempt < FirstConnectAttempts-1 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(FirstConnectSleepDelay):
			}
		}
	}
	return nil
}

// SyncOfferbook fans out a downloadOffer call per advertised maker
// address concurrently and collects whichever succeed, silently dropping
// makers that never respond: goroutines + sync.WaitGroup + a
// mutex-guarded result slice.
func (s *Syncer) SyncOfferbook(ctx context.Context) ([]OfferAndAddress, error) {
	addrs, err := s.AdvertisedAddresses(ctx)
	if err != nil {
		return nil, err
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []OfferAndAddress
	)

	for _, addr := range addrs {
		wg.Add(1)
		go func(addr netdial.Address) {
			defer wg.Done()
			result := s.downloadOffer(ctx, addr)
			if result == nil {
				return
			}
			mu.Lock()
			results = append(results, *result)
			mu.Unlock()
		}(addr)
	}
	wg.Wait()

	return results, nil
}
