package netdial

import "github.com/btcsuite/btclog"

// log is this subsystem's logger, disabled until UseLogger wires it in.
var log = btclog.Disabled

// UseLogger sets the package-wide logger used by Dialer.
func UseLogger(logger btclog.Logger) {
	log = logger
}
