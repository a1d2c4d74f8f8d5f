/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 */

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/hostcache/pkg/server/dns_handler"
)

const (
	defaultTCPIdleTimeout = time.Second * 10
	tcpFirstReadTimeout   = time.Millisecond * 500
)

// tcpConn serializes writes of pipelined responses.
type tcpConn struct {
	wm sync.Mutex
	*dns.Conn
}

func (c *tcpConn) writeMsg(m *dns.Msg) error {
	c.wm.Lock()
	defer c.wm.Unlock()
	return c.WriteMsg(m)
}

// ServeTCP serves l until the Server is closed. It always returns a
// non-nil error, ErrServerClosed after Close.
func (s *Server) ServeTCP(l net.Listener) error {
	defer l.Close()

	handler := s.opts.DNSHandler
	if handler == nil {
		return errMissingDNSHandler
	}

	if ok := s.trackCloser(l, true); !ok {
		return ErrServerClosed
	}
	defer s.trackCloser(l, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		c, err := l.Accept()
		if err != nil {
			if s.Closed() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("unexpected listener err: %w", err)
		}

		go s.handleConnectionTcp(ctx, c, handler)
	}
}

func (s *Server) handleConnectionTcp(ctx context.Context, nc net.Conn, handler dns_handler.Handler) {
	defer nc.Close()

	if !s.trackCloser(nc, true) {
		return
	}
	defer s.trackCloser(nc, false)

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	c := &tcpConn{Conn: &dns.Conn{Conn: nc}}
	client := clientAddr(nc.RemoteAddr())

	idleTimeout := s.opts.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultTCPIdleTimeout
	}

	_ = nc.SetReadDeadline(time.Now().Add(min(idleTimeout, tcpFirstReadTimeout)))

	for {
		req, err := c.ReadMsg()
		if err != nil {
			return
		}

		go s.handleQueryTcp(connCtx, c, handler, req, client, idleTimeout)

		_ = nc.SetReadDeadline(time.Now().Add(idleTimeout))
	}
}

func (s *Server) handleQueryTcp(ctx context.Context, c *tcpConn, handler dns_handler.Handler, req *dns.Msg, client netip.Addr, timeout time.Duration) {
	qCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r, err := handler.ServeDNS(qCtx, req, client)
	if err != nil {
		s.opts.Logger.Debug("handler err", zap.Error(err))
		return
	}
	if r == nil {
		return
	}

	// TCP needs no truncation.
	r.Id = req.Id
	if err := c.writeMsg(r); err != nil {
		s.opts.Logger.Debug("failed to write response", zap.Stringer("client", c.RemoteAddr()), zap.Error(err))
	}
}
