// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build !tcpsimdebug

package tcpsim

func (c *Connection) checkDeepInvariants() {}
