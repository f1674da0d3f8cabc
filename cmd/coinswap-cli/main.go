// Command coinswap-cli is the single entrypoint for every coinswap role:
// running a maker or taker, watching in-flight contracts, generating a
// wallet, and forcing recovery. One cli.NewApp()/app.Commands table,
// with each role reached through its own subcommand.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/urfave/cli"

	"github.com/btcswap/coinswap/chainrpc"
	"github.com/btcswap/coinswap/coinswapcfg"
	"github.com/btcswap/coinswap/coinswaperr"
	"github.com/btcswap/coinswap/feemodel"
	"github.com/btcswap/coinswap/maker"
	"github.com/btcswap/coinswap/metrics"
	"github.com/btcswap/coinswap/netdial"
	"github.com/btcswap/coinswap/offersync"
	"github.com/btcswap/coinswap/recovery"
	"github.com/btcswap/coinswap/swapcoin"
	"github.com/btcswap/coinswap/taker"
	"github.com/btcswap/coinswap/walletstore"
	protowire "github.com/btcswap/coinswap/wire"
)

// Exit codes: 0 success, 1 protocol aborted, 2 recovery executed.
const (
	exitSuccess          = 0
	exitProtocolAborted  = 1
	exitRecoveryExecuted = 2
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[coinswap] %v\n", err)
	os.Exit(exitProtocolAborted)
}

func main() {
	app := cli.NewApp()
	app.Name = "coinswap-cli"
	app.Usage = "run a coinswap maker, taker, or watchtower"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "network", Value: "main"},
		cli.StringFlag{Name: "rpc_host", Value: "localhost"},
		cli.StringFlag{Name: "rpc_port"},
		cli.StringFlag{Name: "rpc_user"},
		cli.StringFlag{Name: "rpc_password"},
		cli.StringFlag{Name: "rpc_cookie_file", Value: ".cookie"},
		cli.StringFlag{Name: "wallet_file"},
		cli.IntFlag{Name: "port"},
		cli.StringFlag{Name: "sync_address_amount", Value: "normal"},
		cli.StringFlag{Name: "debuglevel", Value: "info"},
		cli.StringFlag{Name: "logfile"},
	}
	app.Commands = []cli.Command{
		runMakerCommand,
		runTakerCommand,
		runWatchtowerCommand,
		generateWalletCommand,
		recoverCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

// loadConfig re-derives a coinswapcfg.Config from the global flags every
// subcommand shares, since go-flags (used by coinswapcfg.Load for a
// bare-args parse) and urfave/cli (used here for the subcommand table)
// don't share a flag set.
func loadConfig(ctx *cli.Context) *coinswapcfg.Config {
	args := []string{
		"--network", ctx.GlobalString("network"),
		"--rpc_host", ctx.GlobalString("rpc_host"),
		"--rpc_cookie_file", ctx.GlobalString("rpc_cookie_file"),
		"--sync_address_amount", ctx.GlobalString("sync_address_amount"),
	}
	if v := ctx.GlobalString("rpc_port"); v != "" {
		args = append(args, "--rpc_port", v)
	}
	if v := ctx.GlobalString("rpc_user"); v != "" {
		args = append(args, "--rpc_user", v)
	}
	if v := ctx.GlobalString("rpc_password"); v != "" {
		args = append(args, "--rpc_password", v)
	}
	if v := ctx.GlobalString("wallet_file"); v != "" {
		args = append(args, "--wallet_file", v)
	}
	if v := ctx.GlobalInt("port"); v != 0 {
		args = append(args, "--port", fmt.Sprint(v))
	}

	cfg, err := coinswapcfg.Load(args)
	if err != nil {
		fatal(err)
	}
	return cfg
}

func openChain(cfg *coinswapcfg.Config) *chainrpc.Client {
	client, err := chainrpc.New(chainrpc.Config{
		Host: cfg.RPCHost + ":" + cfg.RPCPort,
		User: cfg.RPCUser,
		Pass: cfg.RPCPassword,
	})
	if err != nil {
		fatal(err)
	}
	return client
}

func openWallet(cfg *coinswapcfg.Config, role string) *walletstore.DB {
	path := cfg.WalletFile
	if path == "" {
		path = coinswapcfg.DefaultWalletPath(role)
	}
	db, err := walletstore.Open(path)
	if err != nil {
		fatal(err)
	}
	return db
}

func serveMetrics(ctx *cli.Context, reg *metrics.Registry) {
	port := ctx.GlobalInt("port")
	if port == 0 {
		return
	}
	addr := fmt.Sprintf(":%d", port+1)
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	go http.ListenAndServe(addr, mux)
	cswLog.Infof("metrics listening on %s", addr)
}

var runMakerCommand = cli.Command{
	Name:  "run-maker",
	Usage: "run-maker --network regtest --port 8901",
	Flags: []cli.Flag{
		cli.Int64Flag{Name: "absolute_fee", Value: 1000, Usage: "flat fee in satoshis charged per swap"},
		cli.Int64Flag{Name: "amount_relative_fee_ppb", Usage: "fee in parts-per-billion of the routed amount"},
		cli.Int64Flag{Name: "time_relative_fee_ppb", Usage: "fee in parts-per-billion per locked block"},
		cli.Int64Flag{Name: "min_size", Value: 10000, Usage: "smallest swap accepted, in satoshis"},
		cli.Int64Flag{Name: "max_size", Value: 10000000, Usage: "largest swap accepted, in satoshis"},
	},
	Action: func(ctx *cli.Context) error {
		initLoggers()
		setLogLevels(ctx.GlobalString("debuglevel"))
		if lf := ctx.GlobalString("logfile"); lf != "" {
			if err := initLogRotator(lf); err != nil {
				fatal(err)
			}
		}

		cfg := loadConfig(ctx)
		chain := openChain(cfg)
		defer chain.Shutdown()
		wallet := openWallet(cfg, "maker")
		defer wallet.Close()
		reg := metrics.NewRegistry("maker")
		serveMetrics(ctx, reg)

		priv, err := wallet.MasterKey()
		if err != nil {
			fatal(err)
		}

		offer := feemodel.Offer{
			AbsoluteFeeSat:       ctx.Int64("absolute_fee"),
			AmountRelativeFeePPB: ctx.Int64("amount_relative_fee_ppb"),
			TimeRelativeFeePPB:   ctx.Int64("time_relative_fee_ppb"),
		}
		m := &maker.Maker{
			Wallet:          wallet,
			Chain:           chain,
			TweakablePriv:   priv,
			TweakablePoint:  priv.PubKey(),
			Offer:           offer,
			CreateFundingTx: chain.CreateFundingTx,
		}
		srv := &maker.Server{
			Maker: m,
			Offer: protowire.Offer{
				MaxSize:              ctx.Int64("max_size"),
				MinSize:              ctx.Int64("min_size"),
				AbsoluteFeeSat:       offer.AbsoluteFeeSat,
				AmountRelativeFeePPB: offer.AmountRelativeFeePPB,
				TimeRelativeFeePPB:   offer.TimeRelativeFeePPB,
				TweakablePoint:       hex.EncodeToString(priv.PubKey().SerializeCompressed()),
			},
			Log: mkrLog,
		}

		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
		if err != nil {
			fatal(err)
		}
		mkrLog.Infof("maker listening on %s", ln.Addr())
		return srv.ListenAndServe(ln)
	},
}

var runTakerCommand = cli.Command{
	Name:  "run-taker",
	Usage: "run-taker --maker host:port,host:port --amount 500000",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "maker", Usage: "comma-separated maker addresses; discovered from the offerbook when omitted"},
		cli.Int64Flag{Name: "amount", Usage: "amount in satoshis the swap should deliver back"},
		cli.IntFlag{Name: "makers", Value: 2, Usage: "number of makers to route through"},
		cli.IntFlag{Name: "locktime_blocks", Value: 100, Usage: "first leg's contract locktime"},
		cli.IntFlag{Name: "locktime_step", Value: 25, Usage: "blocks each subsequent leg's locktime decreases by"},
	},
	Action: func(ctx *cli.Context) error {
		initLoggers()
		setLogLevels(ctx.GlobalString("debuglevel"))

		amount := ctx.Int64("amount")
		if amount == 0 {
			return fmt.Errorf("run-taker: --amount is required")
		}

		cfg := loadConfig(ctx)
		chain := openChain(cfg)
		defer chain.Shutdown()
		wallet := openWallet(cfg, "taker")
		defer wallet.Close()
		reg := metrics.NewRegistry("taker")
		serveMetrics(ctx, reg)

		priv, err := wallet.MasterKey()
		if err != nil {
			fatal(err)
		}

		dialer := netdial.NewDialer("")
		syncer := &offersync.Syncer{
			Dialer:    dialer,
			Regtest:   cfg.Network == coinswapcfg.NetworkRegtest,
			Addresses: parseMakerAddresses(ctx.String("maker")),
			Log:       tkrLog,
		}
		offers, err := syncer.SyncOfferbook(context.Background())
		if err != nil {
			fatal(err)
		}

		hopCount := ctx.Int("makers")
		if hopCount > len(offers) {
			return fmt.Errorf("run-taker: route needs %d makers, offerbook has %d", hopCount, len(offers))
		}

		baseLocktime := ctx.Int("locktime_blocks")
		step := ctx.Int("locktime_step")
		plan := taker.RoutePlan{
			DestinationAmount: amount,
			FinalLocktime:     uint16(baseLocktime - hopCount*step),
		}
		for i := 0; i < hopCount; i++ {
			plan.Hops = append(plan.Hops, taker.HopPlan{
				MakerAddress: offers[i].Address,
				MakerOffer: feemodel.Offer{
					AbsoluteFeeSat:       offers[i].Offer.AbsoluteFeeSat,
					AmountRelativeFeePPB: offers[i].Offer.AmountRelativeFeePPB,
					TimeRelativeFeePPB:   offers[i].Offer.TimeRelativeFeePPB,
				},
				LocktimeBlocks: uint16(baseLocktime - i*step),
			})
		}

		swap := &taker.Swap{
			Plan:           plan,
			Chain:          chain,
			TweakablePriv:  priv,
			TweakablePoint: priv.PubKey(),
			Wallet:         wallet,
			Connect: func(dctx context.Context, addr netdial.Address) (taker.PeerConn, error) {
				conn, err := dialer.Dial(dctx, addr)
				if err != nil {
					return nil, err
				}
				return protowire.NewConn(conn), nil
			},
			CreateFundingTx: chain.CreateFundingTx,
		}

		reg.SwapStarted.Inc()
		tkrLog.Infof("taker: swap of %d sat across %d maker(s) starting", amount, hopCount)
		result, err := swap.Run(context.Background())
		if err != nil {
			reg.SwapAborted.WithLabelValues(abortKind(err)).Inc()
			tkrLog.Errorf("taker: swap aborted: %v", err)
			os.Exit(exitProtocolAborted)
		}
		reg.SwapCompleted.Inc()
		tkrLog.Infof("taker: swap settled, received %d sat over %d leg(s)",
			result.Incoming.FundingAmount(), 2+len(result.WatchOnly))
		return nil
	},
}

// parseMakerAddresses splits a --maker flag into tagged addresses.
func parseMakerAddresses(flag string) []netdial.Address {
	if flag == "" {
		return nil
	}
	var addrs []netdial.Address
	for _, raw := range strings.Split(flag, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if netdial.IsOnion(raw) {
			addrs = append(addrs, netdial.Address{Onion: raw})
		} else {
			addrs = append(addrs, netdial.Address{Clearnet: raw})
		}
	}
	return addrs
}

// abortKind maps a swap failure to its metric label.
func abortKind(err error) string {
	var typed *coinswaperr.Error
	if coinswaperr.As(err, &typed) {
		return typed.Kind().String()
	}
	return "unknown"
}

var runWatchtowerCommand = cli.Command{
	Name:  "run-watchtower",
	Usage: "run-watchtower --network regtest",
	Action: func(ctx *cli.Context) error {
		initLoggers()
		setLogLevels(ctx.GlobalString("debuglevel"))

		cfg := loadConfig(ctx)
		chain := openChain(cfg)
		defer chain.Shutdown()
		wallet := openWallet(cfg, "watchtower")
		defer wallet.Close()

		monitor := recovery.NewMonitor(chain)
		rcvLog.Infof("watchtower: polling every %s", monitor.PollInterval)

		executedRecovery := false
		for {
			contracts, err := wallet.ListUnresolvedWatchedContracts()
			if err != nil {
				fatal(err)
			}
			for _, wc := range contracts {
				hop, err := hopFromWatchedContract(wallet, wc)
				if err != nil {
					rcvLog.Errorf("watchtower: %v", err)
					continue
				}
				result, err := monitor.Poll(hop)
				if err != nil {
					rcvLog.Errorf("watchtower: poll %s: %v", wc.FundingOutpoint, err)
					continue
				}
				if result.Action != "none" {
					executedRecovery = true
					rcvLog.Infof("watchtower: %s on %s", result.Action, wc.FundingOutpoint)
				}
				if hop.Resolved {
					if err := wallet.MarkWatchedContractResolved(wc.FundingOutpoint); err != nil {
						rcvLog.Errorf("watchtower: mark resolved: %v", err)
					}
				}
			}
			time.Sleep(monitor.PollInterval)
			if executedRecovery {
				os.Exit(exitRecoveryExecuted)
			}
		}
	},
}

var generateWalletCommand = cli.Command{
	Name:  "generate-wallet",
	Usage: "generate-wallet --wallet_file /path/to/wallet",
	Action: func(ctx *cli.Context) error {
		cfg := loadConfig(ctx)
		path := cfg.WalletFile
		if path == "" {
			path = coinswapcfg.DefaultWalletPath("wallet")
		}

		db, err := walletstore.Open(path)
		if err != nil {
			return err
		}
		defer db.Close()

		priv, err := btcec.NewPrivateKey()
		if err != nil {
			return err
		}
		if err := db.PutMasterKey(priv); err != nil {
			return err
		}

		fmt.Printf("wallet created at %s\n", path)
		return nil
	},
}

var recoverCommand = cli.Command{
	Name:  "recover",
	Usage: "recover --wallet_file /path/to/wallet (force-run the recovery automaton once)",
	Action: func(ctx *cli.Context) error {
		initLoggers()
		cfg := loadConfig(ctx)
		chain := openChain(cfg)
		defer chain.Shutdown()
		wallet := openWallet(cfg, "recover")
		defer wallet.Close()

		monitor := recovery.NewMonitor(chain)
		contracts, err := wallet.ListUnresolvedWatchedContracts()
		if err != nil {
			return err
		}

		executed := false
		for _, wc := range contracts {
			hop, err := hopFromWatchedContract(wallet, wc)
			if err != nil {
				rcvLog.Errorf("recover: %v", err)
				continue
			}
			result, err := monitor.Poll(hop)
			if err != nil {
				return err
			}
			if result.Action != "none" {
				executed = true
				fmt.Printf("%s on %s\n", result.Action, wc.FundingOutpoint)
			}
			if hop.Resolved {
				if err := wallet.MarkWatchedContractResolved(wc.FundingOutpoint); err != nil {
					return err
				}
			}
		}

		if executed {
			os.Exit(exitRecoveryExecuted)
		}
		fmt.Println("nothing to recover")
		return nil
	},
}

// hopFromWatchedContract reconstructs a recovery.WatchedHop from a
// watchtower's persisted contract record plus the matching swap coin,
// joining the two tables the watchtower keeps (see DESIGN.md's walletstore
// entry): the contract's own locktime and tx, and whichever keys this
// role holds for it.
func hopFromWatchedContract(wallet *walletstore.DB, wc walletstore.WatchedContract) (*recovery.WatchedHop, error) {
	coin, err := wallet.GetSwapCoin(wc.FundingOutpoint)
	if err != nil {
		return nil, fmt.Errorf("no swap coin recorded for %s: %w", wc.FundingOutpoint, err)
	}

	hop := &recovery.WatchedHop{
		FundingOutpoint:      wc.FundingOutpoint,
		ContractTx:           coin.ContractTx(),
		ContractRedeemscript: coin.ContractRedeemscript(),
		Locktime:             uint16(wc.LocktimeHeight),
		FundingAmount:        coin.FundingAmount(),
		ContractBroadcast:    true,
	}

	switch c := coin.(type) {
	case *swapcoin.IncomingSwapCoin:
		hop.Side = recovery.SideIncoming
		hop.HashlockPriv = c.HashlockPriv
	case *swapcoin.OutgoingSwapCoin:
		hop.Side = recovery.SideOutgoing
		hop.TimelockPriv = c.MyPrivkey
	default:
		// A watch-only coin (no key material on this role's wallet) is
		// still worth polling for state transitions, it just can't
		// react to them.
	}

	return hop, nil
}
