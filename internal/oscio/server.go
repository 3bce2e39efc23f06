package oscio

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/hypebeast/go-osc/osc"

	"github.com/osmundi/posebridge/internal/monitoring"
)

// Server receives control messages and applies them to Controls. Messages
// to other addresses are ignored.
type Server struct {
	addr     string
	controls *Controls
	server   *osc.Server
}

// NewServer prepares a server bound to addr once started.
func NewServer(addr string, c *Controls) (*Server, error) {
	d := osc.NewStandardDispatcher()
	for address, fn := range c.handlers() {
		if err := d.AddMsgHandler(address, fn); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", address, err)
		}
	}
	return &Server{
		addr:     addr,
		controls: c,
		server:   &osc.Server{Addr: addr, Dispatcher: d},
	}, nil
}

// Listen binds the UDP socket. It is split from Serve so callers learn about
// a busy port before the frame loop starts.
func (s *Server) Listen() (net.PacketConn, error) {
	conn, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	monitoring.Logf("Listening on %s", conn.LocalAddr())
	return conn, nil
}

// Serve handles messages on conn until ctx is cancelled. A malformed
// packet is logged and dropped; only a closed conn ends serving early.
func (s *Server) Serve(ctx context.Context, conn net.PacketConn) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		err := s.server.Serve(conn)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil || errors.Is(err, net.ErrClosed) {
			return err
		}
		monitoring.Logf("osc: dropped packet: %v", err)
	}
}

// ListenAndServe binds and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	conn, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, conn)
}
