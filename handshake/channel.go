package handshake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/airlink-dev/airlink/limits"
	"github.com/airlink-dev/airlink/transport"
)

// ErrChannelClosed indicates the peer closed the control channel.
var ErrChannelClosed = errors.New("control channel closed")

// ControlChannel carries control messages between the two peers. The
// protocol flows are written against this interface so they run
// unchanged over TCP, in-memory pairs, or native platform transports.
type ControlChannel interface {
	// SendMessage delivers one control message.
	SendMessage(ctx context.Context, env *Envelope) error

	// ReceiveMessage blocks for the next control message.
	ReceiveMessage(ctx context.Context) (*Envelope, error)
}

// TransportChannel adapts a stream Transport into a ControlChannel by
// wrapping JSON messages in control frames. Chunk frames arriving on
// the same connection are converted into file_chunk messages so the
// receive loop sees one uniform stream.
type TransportChannel struct {
	t       transport.Transport
	token   string
	rx      <-chan []byte
	nextSeq uint32
}

// NewTransportChannel builds a control channel over a transport
// connection.
func NewTransportChannel(ctx context.Context, t transport.Transport, token string) (*TransportChannel, error) {
	rx, err := t.Receive(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to open receive stream: %w", err)
	}
	return &TransportChannel{t: t, token: token, rx: rx}, nil
}

// NewTransportChannelFromStream builds a control channel over an
// already-open receive stream, as produced by TCPTransport.ReceiveAny.
func NewTransportChannelFromStream(t transport.Transport, token string, rx <-chan []byte) *TransportChannel {
	return &TransportChannel{t: t, token: token, rx: rx}
}

// Token returns the connection token this channel is bound to.
func (c *TransportChannel) Token() string { return c.token }

// SendMessage wraps the message in a control frame and sends it. All
// message types except file chunks are bounded by MaxControlMessage;
// chunk envelopes carry bulk data and are bounded by the frame payload
// ceiling instead.
func (c *TransportChannel) SendMessage(ctx context.Context, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal control message: %w", err)
	}
	if env.Type != MsgFileChunk && len(body) > limits.MaxControlMessage {
		return fmt.Errorf("%w: %s message is %d bytes, limit %d",
			limits.ErrMessageTooLarge, env.Type, len(body), limits.MaxControlMessage)
	}

	c.nextSeq++
	frame := &transport.Frame{
		Type:    transport.FrameControl,
		Seq:     c.nextSeq,
		Payload: body,
	}
	wire, err := frame.Serialize()
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "SendMessage",
		"type":       env.Type,
		"session_id": env.SessionID,
	}).Debug("Control message sent")

	return c.t.Send(ctx, c.token, wire)
}

// SendChunkFrame sends raw chunk bytes in a chunk frame, bypassing
// JSON for bulk data. flags may include transport.FlagCompressed and
// transport.FlagEncrypted.
func (c *TransportChannel) SendChunkFrame(ctx context.Context, flags uint16, chunkIndex, totalChunks uint32, payload []byte) error {
	c.nextSeq++
	frame := &transport.Frame{
		Type:        transport.FrameChunk,
		Flags:       flags,
		Seq:         c.nextSeq,
		ChunkIndex:  chunkIndex,
		TotalChunks: totalChunks,
		Payload:     payload,
	}
	wire, err := frame.Serialize()
	if err != nil {
		return err
	}
	return c.t.Send(ctx, c.token, wire)
}

// ReceiveMessage blocks for the next control message, converting
// binary chunk frames into file_chunk envelopes.
func (c *TransportChannel) ReceiveMessage(ctx context.Context) (*Envelope, error) {
	for {
		select {
		case data, ok := <-c.rx:
			if !ok {
				return nil, ErrChannelClosed
			}

			frame, err := transport.ParseFrame(data)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "ReceiveMessage",
					"error":    err.Error(),
				}).Warn("Dropping malformed frame")
				continue
			}

			switch frame.Type {
			case transport.FrameControl:
				var env Envelope
				if err := json.Unmarshal(frame.Payload, &env); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "ReceiveMessage",
						"error":    err.Error(),
					}).Warn("Dropping undecodable control message")
					continue
				}
				if env.Type != MsgFileChunk && len(frame.Payload) > limits.MaxControlMessage {
					logrus.WithFields(logrus.Fields{
						"function": "ReceiveMessage",
						"type":     env.Type,
						"size":     len(frame.Payload),
					}).Warn("Dropping oversized control message")
					continue
				}
				return &env, nil

			case transport.FrameChunk:
				chunk, err := DecodeBinaryChunk(frame.Payload)
				if err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "ReceiveMessage",
						"error":    err.Error(),
					}).Warn("Dropping malformed chunk frame")
					continue
				}
				chunk.Compressed = frame.Flags&transport.FlagCompressed != 0
				env, err := NewEnvelope(MsgFileChunk, "", chunk)
				if err != nil {
					return nil, err
				}
				return env, nil

			default:
				continue
			}

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
