package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/btcswap/coinswap/chainrpc"
	"github.com/btcswap/coinswap/maker"
	"github.com/btcswap/coinswap/netdial"
	"github.com/btcswap/coinswap/recovery"
	"github.com/btcswap/coinswap/taker"
	"github.com/btcswap/coinswap/walletstore"
)

// logWriter pipes everything written to it to both stdout and the log
// rotator, mirroring build.LogWriter from the daemon this CLI is
// descended from.
type logWriter struct {
	RotatorPipe *io.PipeWriter
}

func (w *logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	if w.RotatorPipe != nil {
		return w.RotatorPipe.Write(p)
	}
	return len(p), nil
}

var (
	writer     = &logWriter{}
	backendLog = btclog.NewBackend(writer)
	logRotator *rotator.Rotator

	mkrLog = backendLog.Logger("MKR")
	tkrLog = backendLog.Logger("TKR")
	rcvLog = backendLog.Logger("RCV")
	cbeLog = backendLog.Logger("CBE")
	wlsLog = backendLog.Logger("WLS")
	ndlLog = backendLog.Logger("NDL")
	ofsLog = backendLog.Logger("OFS")
	cswLog = backendLog.Logger("CSW")
)

var subsystemLoggers = map[string]btclog.Logger{
	"MKR": mkrLog,
	"TKR": tkrLog,
	"RCV": rcvLog,
	"CBE": cbeLog,
	"WLS": wlsLog,
	"NDL": ndlLog,
	"OFS": ofsLog,
	"CSW": cswLog,
}

// initLoggers wires every subsystem package's package-global logger to
// this binary's shared backend, the same fan-out
// daemon/log.go's init() performs for every lnd subsystem.
func initLoggers() {
	maker.UseLogger(mkrLog)
	taker.UseLogger(tkrLog)
	recovery.UseLogger(rcvLog)
	chainrpc.UseLogger(cbeLog)
	walletstore.UseLogger(wlsLog)
	netdial.UseLogger(ndlLog)
	// offersync.Syncer takes its logger per-instance (Syncer.Log) rather
	// than through a package-wide UseLogger, since one process can run
	// several independent syncers against different directories.
}

// initLogRotator initializes the logging rotator to write logs to
// logFile and create roll files in the same directory. It must be
// called before any subsystem logger is used.
func initLogRotator(logFile string) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("create file rotator: %w", err)
	}

	pr, pw := io.Pipe()
	go r.Run(pr)

	writer.RotatorPipe = pw
	logRotator = r
	return nil
}

// setLogLevel sets the logging level for the named subsystem. Unknown
// subsystems are ignored.
func setLogLevel(subsystemID, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels applies logLevel to every registered subsystem.
func setLogLevels(logLevel string) {
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}
