package spvchain

import (
	"github.com/btcsuite/btclog"

	"github.com/spvclient/spvchain/peer"
)

// log is a logger that is initialized with no output filters. This means the
// package will not perform any logging by default until the caller requests
// it.
var log btclog.Logger

// The default amount of logging is none.
func init() {
	DisableLog()
}

// DisableLog disables all library log output. Logging output is disabled by
// default until UseLogger is called.
func DisableLog() {
	UseLogger(btclog.Disabled)
}

// UseLogger uses a specified Logger to output package logging info. The peer
// subpackage shares the chain service's logger; callers that want separate
// subsystem levels can call peer.UseLogger themselves afterwards.
func UseLogger(logger btclog.Logger) {
	log = logger
	peer.UseLogger(logger)
}

// logClosure is used to provide a closure over expensive logging operations so
// they don't have to be performed when the logging level doesn't warrant it.
type logClosure func() string

func (c logClosure) String() string {
	return c()
}

func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}
