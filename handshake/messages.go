package handshake

import (
	"encoding/json"
	"fmt"
)

// MessageType tags a control message. Each type has exactly one
// payload struct; the envelope plus typed payloads replace the
// untyped maps the protocol grew out of.
type MessageType string

const (
	// MsgHandshake carries the initiator's public key.
	MsgHandshake MessageType = "handshake"
	// MsgHandshakeResponse carries the responder's public key.
	MsgHandshakeResponse MessageType = "handshake_response"
	// MsgVerify carries the AEAD-encrypted verification challenge.
	MsgVerify MessageType = "verify"
	// MsgVerifyAck confirms the challenge decrypted correctly.
	MsgVerifyAck MessageType = "verify_ack"
	// MsgVerifyFail reports a failed challenge.
	MsgVerifyFail MessageType = "verify_fail"
	// MsgFileMeta announces an incoming file.
	MsgFileMeta MessageType = "file_meta"
	// MsgFileChunk carries file bytes at an explicit offset.
	MsgFileChunk MessageType = "file_chunk"
	// MsgFileEnd closes a file and triggers checksum verification.
	MsgFileEnd MessageType = "file_end"
	// MsgFileAck reports cumulative bytes the receiver has written
	// for a file. Senders use it for flow bookkeeping.
	MsgFileAck MessageType = "file_ack"
	// MsgRekey carries a freshly staged public key for symmetric key
	// renegotiation.
	MsgRekey MessageType = "rekey"
	// MsgRekeyResponse carries the peer's staged public key.
	MsgRekeyResponse MessageType = "rekey_response"
)

// Envelope is the wire form of every JSON control message.
type Envelope struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// HandshakePayload is the body of handshake and handshake_response
// messages.
type HandshakePayload struct {
	PublicKey []byte `json:"public_key"`
}

// VerifyPayload is the body of verify messages.
type VerifyPayload struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
}

// FileMetaPayload announces a file before its chunks.
type FileMetaPayload struct {
	FileID   string `json:"file_id"`
	Name     string `json:"name"`
	Size     uint64 `json:"size"`
	MimeType string `json:"mime_type,omitempty"`
	Checksum []byte `json:"checksum,omitempty"`
}

// FileChunkPayload carries file bytes. Offsets are explicit so chunks
// may arrive out of order and transfers can resume mid-file.
type FileChunkPayload struct {
	FileID     string `json:"file_id"`
	Offset     uint64 `json:"offset"`
	Size       uint32 `json:"size"`
	Data       []byte `json:"data"`
	Compressed bool   `json:"compressed,omitempty"`
	Encrypted  bool   `json:"encrypted,omitempty"`
}

// FileEndPayload closes a file.
type FileEndPayload struct {
	FileID string `json:"file_id"`
}

// FileAckPayload acknowledges received bytes for a file.
type FileAckPayload struct {
	FileID string `json:"file_id"`
	Bytes  uint64 `json:"bytes"`
}

// RekeyPayload is the body of rekey and rekey_response messages.
type RekeyPayload struct {
	PublicKey []byte `json:"public_key"`
}

// NewEnvelope builds an envelope with a marshalled payload.
func NewEnvelope(msgType MessageType, sessionID string, payload any) (*Envelope, error) {
	env := &Envelope{Type: msgType, SessionID: sessionID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into out.
func (e *Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}
