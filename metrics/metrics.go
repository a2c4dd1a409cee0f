// Package metrics provides observability for the protocol server.
//
// The server takes a ServerMetrics and treats nil as "metrics disabled", so
// callers that do not care pass nil and pay nothing.
//
//	m := metrics.NewPrometheus(prometheus.NewRegistry())
//	srv, err := server.Init(cfg, server.NewArbiter(os.Stdin, os.Stdout), m)
package metrics

import "time"

// Transfer outcomes.
const (
	TransferOK       = "ok"
	TransferNotFound = "not_found"
	TransferFailed   = "failed"
)

type ServerMetrics interface {
	// ConnectionOpened is called once per accepted connection.
	ConnectionOpened()

	// ConnectionClosed is called when the connection handler exits.
	ConnectionClosed()

	// SetRegistered reports the current size of the broadcast registry.
	SetRegistered(n int)

	// RecordCommand counts one received command line by kind
	// ("GET", "CHAT", "FIN", "UNKNOWN").
	RecordCommand(kind string)

	// RecordTransfer records the end of a GET with its outcome, the number
	// of body bytes sent and the time from request to HASH line.
	RecordTransfer(outcome string, bytes int64, duration time.Duration)

	// RecordBroadcast records one broadcast fan out.
	RecordBroadcast(delivered int, failed int)
}
