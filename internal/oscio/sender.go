// Package oscio sends keypoints to the visualization and receives its
// control messages over OSC.
package oscio

import (
	"fmt"

	"github.com/hypebeast/go-osc/osc"

	"github.com/osmundi/posebridge/internal/track"
)

// Output addresses.
const (
	AddrNose = "/nose"
	AddrX    = "/x"
	AddrY    = "/y"
)

// Sender publishes tracking frames to one OSC destination.
type Sender struct {
	client *osc.Client
	addr   string
}

// NewSender targets ip:port over UDP.
func NewSender(ip string, port int) *Sender {
	return &Sender{
		client: osc.NewClient(ip, port),
		addr:   fmt.Sprintf("%s:%d", ip, port),
	}
}

// Addr is the destination.
func (s *Sender) Addr() string {
	return s.addr
}

// Publish sends /nose, /x and /y as float32 lists.
func (s *Sender) Publish(f track.Frame) error {
	for _, m := range Messages(f) {
		if err := s.client.Send(m); err != nil {
			return fmt.Errorf("failed to send %s to %s: %w", m.Address, s.addr, err)
		}
	}
	return nil
}

// Messages builds the three OSC messages for a frame.
func Messages(f track.Frame) []*osc.Message {
	return []*osc.Message{
		floats(AddrNose, f.Nose),
		floats(AddrX, f.X),
		floats(AddrY, f.Y),
	}
}

func floats(addr string, v []float64) *osc.Message {
	msg := osc.NewMessage(addr)
	for _, f := range v {
		msg.Append(float32(f))
	}
	return msg
}
