// Package hub is the replication fan-out core of a cache-fronted hub: it
// tails a local binlog per downstream peer and forwards filtered,
// de-duplicated writes over a long-lived connection, while a driver keeps
// each peer's handshake state current against the upstreams it replicates
// from.
package hub

import "errors"

const (
	// InvalidLogID marks a PeerStatus field that has not observed any
	// binlog position yet.
	InvalidLogID uint64 = 0

	// DefaultSlavePriority mirrors the value reported by peers that don't
	// distinguish replica priority.
	DefaultSlavePriority = 100
)

var (
	// ErrReaderExit is the sentinel the reference reader returns to mean
	// "asked to stop, not an error" (original source: Corruption: Exit).
	ErrReaderExit = errors.New("reader exit")

	// ErrAddReader is returned by a BinlogManager whose AddReader factory
	// failed; always fatal to the calling BinlogSender.
	ErrAddReader = errors.New("add reader failed")

	// ErrPeerNotFound names a registry lookup miss. Registry methods
	// themselves report a miss with a false result, not with this error.
	ErrPeerNotFound = errors.New("peer not found in registry")

	// ErrConnectTimeout is returned when dialing a peer exceeds the
	// configured connect timeout.
	ErrConnectTimeout = errors.New("connect timeout")

	// ErrUnknownOp is logged and the offending record dropped when a
	// BinlogRecord carries an op outside {SET, DEL, EXPIREAT}.
	ErrUnknownOp = errors.New("unknown binlog op")
)
