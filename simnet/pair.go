// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package simnet

import (
	"net/netip"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"storj.io/tcpsim"
)

// Endpoint is one side of a simulated path.
type Endpoint struct {
	Conn *tcpsim.Connection
	App  *App
	// Out carries this endpoint's segments to the peer.
	Out *Link
}

// Pair is two connections joined by a link in each direction.
type Pair struct {
	Client *Endpoint
	Server *Endpoint
}

var (
	clientAddr = netip.MustParseAddr("10.0.0.1")
	serverAddr = netip.MustParseAddr("10.0.0.2")
)

// NewPair wires a client and a server connection together. Options given for
// each side are applied after the addressing defaults.
func NewPair(sim *Simulator, logger logr.Logger, forward, reverse LinkConfig,
	client, server []tcpsim.ConnectOption) (*Pair, error) {
	c, err := newEndpoint(sim, logger.WithName("client"), forward, 49152, 80, clientAddr, serverAddr, client)
	if err != nil {
		return nil, errors.Wrap(err, "client")
	}
	s, err := newEndpoint(sim, logger.WithName("server"), reverse, 80, 49152, serverAddr, clientAddr, server)
	if err != nil {
		return nil, errors.Wrap(err, "server")
	}
	s.App.Passive = true
	c.Out.Attach(s.Conn)
	s.Out.Attach(c.Conn)
	return &Pair{Client: c, Server: s}, nil
}

func newEndpoint(sim *Simulator, logger logr.Logger, link LinkConfig, local, remote uint16,
	src, dst netip.Addr, opts []tcpsim.ConnectOption) (*Endpoint, error) {
	out, err := NewLink(sim, link, logger.WithName("link"))
	if err != nil {
		return nil, err
	}
	app := NewApp(logger.WithName("app"))
	base := []tcpsim.ConnectOption{
		tcpsim.WithLogger(logger),
		tcpsim.WithPorts(local, remote),
		tcpsim.WithRoute(tcpsim.Route{Src: src, Dst: dst, Protocol: tcpsim.ProtocolTCP, TTL: 64}),
	}
	conn, err := tcpsim.NewConnection(out, app, sim, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	app.Bind(conn)
	return &Endpoint{Conn: conn, App: app, Out: out}, nil
}

// Done reports whether both connections have finished or failed.
func (p *Pair) Done() bool {
	return (p.Client.Conn.Finished() || p.Client.Conn.Err() != nil) &&
		(p.Server.Conn.Finished() || p.Server.Conn.Err() != nil)
}
