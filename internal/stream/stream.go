// Package stream serves the tracked frame to other machines as an MJPEG
// stream over HTTP.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hybridgroup/mjpeg"
	"gocv.io/x/gocv"

	"github.com/osmundi/posebridge/internal/monitoring"
)

// Publisher encodes frames to JPEG and fans them out to every connected
// client.
type Publisher struct {
	addr   string
	stream *mjpeg.Stream
	ln     net.Listener
	server *http.Server
}

// NewPublisher prepares a publisher for addr. Nothing listens until Start.
func NewPublisher(addr string) *Publisher {
	s := mjpeg.NewStream()
	s.FrameInterval = 10 * time.Millisecond

	mux := http.NewServeMux()
	mux.Handle("/", s)
	mux.Handle("/stream", s)

	return &Publisher{
		addr:   addr,
		stream: s,
		server: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
	}
}

// Start binds the address and serves in the background until ctx is
// cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.addr, err)
	}
	p.ln = ln

	go func() {
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			monitoring.Logf("stream server stopped: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		// Clients block on the next frame, so a graceful shutdown would
		// never finish.
		p.server.Close()
	}()

	monitoring.Logf("Streaming frames on http://%s/stream", ln.Addr())
	return nil
}

// Addr is the bound address once started.
func (p *Publisher) Addr() string {
	if p.ln == nil {
		return p.addr
	}
	return p.ln.Addr().String()
}

// Publish sends frame to the connected clients.
func (p *Publisher) Publish(frame gocv.Mat) error {
	if frame.Empty() {
		return nil
	}
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	defer buf.Close()
	p.stream.UpdateJPEG(buf.GetBytes())
	return nil
}
