// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package simnet

import (
	"bytes"

	"github.com/go-logr/logr"

	"storj.io/tcpsim"
)

// App is a bulk transfer application: it pushes queued bytes into its
// connection whenever buffer space frees up, and records everything it
// receives. It implements tcpsim.Application.
type App struct {
	logger logr.Logger
	conn   *tcpsim.Connection

	// Passive applications hold queued data until the peer has opened the
	// connection, so their first Send does not start a second handshake.
	Passive bool

	pending       []byte
	closeWhenDone bool
	stopped       bool

	received bytes.Buffer
	started  bool
	reports  int
	err      error
	errCount int
}

// NewApp returns an application not yet bound to a connection.
func NewApp(logger logr.Logger) *App {
	return &App{logger: logger}
}

// Bind attaches the application to its connection.
func (a *App) Bind(conn *tcpsim.Connection) { a.conn = conn }

// Write queues data for sending. With closeWhenDone set, the send side is
// stopped once everything queued has been accepted by the connection.
func (a *App) Write(data []byte, closeWhenDone bool) {
	a.pending = append(a.pending, data...)
	a.closeWhenDone = a.closeWhenDone || closeWhenDone
	a.push()
}

func (a *App) push() {
	if a.Passive && !a.started {
		return
	}
	for len(a.pending) > 0 {
		n, err := a.conn.Send(a.pending)
		if err != nil {
			a.logger.V(1).Info("send failed", "error", err.Error(), "pending", len(a.pending))
			return
		}
		if n == 0 {
			break
		}
		a.pending = a.pending[n:]
	}
	if len(a.pending) == 0 && a.closeWhenDone && !a.stopped {
		a.stopped = true
		a.conn.Stop()
	}
}

// Start implements tcpsim.Application.
func (a *App) Start(available int) {
	a.started = true
	a.logger.V(1).Info("connection started", "available", available)
	a.push()
}

// Report implements tcpsim.Application.
func (a *App) Report(available int) {
	a.reports++
	a.push()
}

// Error implements tcpsim.Application.
func (a *App) Error(err error) {
	a.errCount++
	a.err = err
	a.logger.Error(err, "connection failed")
}

// Receive implements tcpsim.Application.
func (a *App) Receive(data []byte) {
	a.received.Write(data)
}

// Received returns everything delivered so far.
func (a *App) Received() []byte { return a.received.Bytes() }

// Pending is the number of queued bytes not yet accepted by the connection.
func (a *App) Pending() int { return len(a.pending) }

// Started reports whether the handshake completed.
func (a *App) Started() bool { return a.started }

// Reports is how many times buffer space was reported.
func (a *App) Reports() int { return a.reports }

// Err returns the error reported by the connection, if any.
func (a *App) Err() error { return a.err }

// ErrorCount is how many times Error was called.
func (a *App) ErrorCount() int { return a.errCount }
