package handshake

import (
	"context"
)

// pipeChannel is an in-memory ControlChannel half for protocol tests.
type pipeChannel struct {
	out chan<- *Envelope
	in  <-chan *Envelope
}

// newChannelPair returns two connected control channels.
func newChannelPair() (*pipeChannel, *pipeChannel) {
	aToB := make(chan *Envelope, 16)
	bToA := make(chan *Envelope, 16)
	return &pipeChannel{out: aToB, in: bToA}, &pipeChannel{out: bToA, in: aToB}
}

func (c *pipeChannel) SendMessage(ctx context.Context, env *Envelope) error {
	select {
	case c.out <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeChannel) ReceiveMessage(ctx context.Context) (*Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// silentChannel accepts sends and never delivers a message, for
// timeout tests.
type silentChannel struct{}

func (silentChannel) SendMessage(ctx context.Context, env *Envelope) error { return nil }

func (silentChannel) ReceiveMessage(ctx context.Context) (*Envelope, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
