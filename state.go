// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tcpsim

import "fmt"

// SendSideState is the state of the sending half of a Connection.
type SendSideState int

const (
	SendClosed      SendSideState = iota // nothing sent yet, or fully shut down
	SendSynSent                          // SYN sent, waiting for SYN-ACK
	SendEstablished                      // data may flow
	SendFinWait1                         // FIN sent, waiting for its ACK
)

// ReceiveSideState is the state of the receiving half of a Connection.
type ReceiveSideState int

const (
	RecvListen      ReceiveSideState = iota // waiting for a SYN
	RecvSynRcvd                             // SYN-ACK sent, waiting for the final ACK
	RecvEstablished                         // accepting data
	RecvClosed                              // FIN received or aborted
)

func (st SendSideState) String() string {
	switch st {
	case SendClosed:
		return "SEND-CLOSED"
	case SendSynSent:
		return "SEND-SYN-SENT"
	case SendEstablished:
		return "SEND-ESTABLISHED"
	case SendFinWait1:
		return "SEND-FIN-WAIT-1"
	}
	return fmt.Sprintf("UNKNOWN SEND STATE %d", int(st))
}

func (st ReceiveSideState) String() string {
	switch st {
	case RecvListen:
		return "RECV-LISTEN"
	case RecvSynRcvd:
		return "RECV-SYN-RCVD"
	case RecvEstablished:
		return "RECV-ESTABLISHED"
	case RecvClosed:
		return "RECV-CLOSED"
	}
	return fmt.Sprintf("UNKNOWN RECV STATE %d", int(st))
}

func (c *Connection) setSendState(st SendSideState) {
	if c.snd.state == st {
		return
	}
	c.logger.V(1).Info("send state change", "from", c.snd.state, "to", st)
	c.snd.state = st
	c.stateChanged()
}

func (c *Connection) setRecvState(st ReceiveSideState) {
	if c.rcv.state == st {
		return
	}
	c.logger.V(1).Info("receive state change", "from", c.rcv.state, "to", st)
	c.rcv.state = st
	c.stateChanged()
}

func (c *Connection) stateChanged() {
	if c.tracer != nil && c.tracer.ChangedState != nil {
		c.tracer.ChangedState(c.snd.state, c.rcv.state)
	}
}
