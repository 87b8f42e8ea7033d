// Package oscbeat forwards metronome beats over OSC so lighting rigs and DAWs
// can follow the click.
package oscbeat

import (
	"context"
	"log"
	"net"

	"github.com/pkg/errors"
	"github.com/scgolang/osc"

	"github.com/cbegin/metromatch-go/internal/engine"
)

// OSC addresses.
const (
	AddressBeat  = "/metromatch/beat"
	AddressState = "/metromatch/state"
)

// Sender is the part of an OSC connection the publisher needs.
type Sender interface {
	Send(p osc.Packet) error
	Close() error
}

type Publisher struct {
	conn   Sender
	logger *log.Logger
}

// Dial connects to an OSC receiver at addr (host:port).
func Dial(addr string, logger *log.Logger) (*Publisher, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "resolve osc address")
	}
	conn, err := osc.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, errors.Wrap(err, "dial osc")
	}
	return NewPublisher(conn, logger), nil
}

func NewPublisher(conn Sender, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.Default()
	}
	return &Publisher{conn: conn, logger: logger}
}

// Run forwards events from sub until ctx is done or sub is closed. Send
// failures are logged and never stop the loop.
func (p *Publisher) Run(ctx context.Context, sub *engine.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			msg, ok := Message(ev)
			if !ok {
				continue
			}
			if err := p.conn.Send(msg); err != nil {
				p.logger.Printf("oscbeat: send %s: %v", msg.Address, err)
			}
		}
	}
}

func (p *Publisher) Close() error {
	return p.conn.Close()
}

// Message converts ev to OSC. Beats become
// /metromatch/beat voice index accent bar tempo; start and stop become
// /metromatch/state 1 or 0. Other events have no OSC form.
func Message(ev engine.Event) (osc.Message, bool) {
	switch ev.Kind {
	case engine.EventBeat:
		accent := int32(0)
		if ev.Accent {
			accent = 1
		}
		return osc.Message{
			Address: AddressBeat,
			Arguments: osc.Arguments{
				osc.Int(int32(ev.Voice)),
				osc.Int(int32(ev.Index)),
				osc.Int(accent),
				osc.Int(int32(ev.Bar)),
				osc.Float(float32(ev.Tempo)),
			},
		}, true
	case engine.EventStarted:
		return osc.Message{Address: AddressState, Arguments: osc.Arguments{osc.Int(1)}}, true
	case engine.EventStopped:
		return osc.Message{Address: AddressState, Arguments: osc.Arguments{osc.Int(0)}}, true
	}
	return osc.Message{}, false
}
