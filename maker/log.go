package maker

import "github.com/btcsuite/btclog"

// log is this subsystem's logger, a no-op until UseLogger wires it to a
// real backend, matching how every lnd-family subsystem package keeps a
// package-global disabled logger until the daemon initializes logging.
var log = btclog.Disabled

// UseLogger sets the package-wide logger used by Maker; Server logs
// through its own Log field instead.
func UseLogger(logger btclog.Logger) {
	log = logger
}
