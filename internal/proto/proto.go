// Package proto defines fastPort's hybrid text/binary wire framing
// (spec §4.5, §4.8, §6). Client→broker and broker→client text frames
// are JSON objects discriminated by a "type" field; file chunks are a
// fixed binary layout. Marshaling uses json-iterator's
// jsoniter.ConfigCompatibleWithStandardLibrary, grounded on the same
// choice in the Hawthorne001-aistore example.
package proto

import (
	"encoding/binary"
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrShortFrame is returned by DecodeChunk when a binary frame is
// below the minimum valid length of 41 bytes (spec §4.8).
var ErrShortFrame = errors.New("proto: binary frame shorter than 41 bytes")

// ChunkTypeByte is the leading byte of a file-chunk binary frame.
const ChunkTypeByte = 0x02

const fileIDLen = 36 // ASCII UUID

// MinChunkFrameLen is 1 (type) + 36 (fileId) + 4 (chunkIndex).
const MinChunkFrameLen = 1 + fileIDLen + 4

// Envelope decodes only the "type" discriminator of a text frame, so
// Connection.HandleText can pick the concrete frame type before
// unmarshaling the frame again into it.
type Envelope struct {
	Type string `json:"type"`
}

// --- client -> broker -------------------------------------------------

type InitFrame struct {
	Type        string `json:"type"`
	SessionName string `json:"sessionName"`
	Password    string `json:"password"`
	UserID      string `json:"userId,omitempty"`
}

type SubscribeFrame struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

type UnsubscribeFrame struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

type PublishFrame struct {
	Type      string `json:"type"`
	Topic     string `json:"topic"`
	Data      string `json:"data"`
	Hash      string `json:"hash"`
	Timestamp int64  `json:"timestamp"`
	MessageID string `json:"messageId"`
}

type AckFrame struct {
	Type      string `json:"type"`
	Topic     string `json:"topic"`
	MessageID string `json:"messageId"`
}

type InitFileFrame struct {
	Type        string `json:"type"`
	Topic       string `json:"topic"`
	FileID      string `json:"fileId"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	TotalChunks int    `json:"totalChunks"`
}

type EndFileFrame struct {
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	FileID string `json:"fileId"`
	Hash   string `json:"hash,omitempty"`
}

type RegisterFCMTokenFrame struct {
	Type          string `json:"type"`
	UserID        string `json:"userId"`
	EncryptedData string `json:"encryptedData"`
	Hash          string `json:"hash"`
}

// --- broker -> client --------------------------------------------------

type InitResponse struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type SubscribeResponse struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Topic   string `json:"topic"`
}

type UnsubscribeResponse struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Topic   string `json:"topic"`
}

type PublishResponse struct {
	Type        string `json:"type"`
	Success     bool   `json:"success"`
	MessageID   string `json:"messageId,omitempty"`
	DeliveredTo int    `json:"deliveredTo,omitempty"`
}

type MessageEnvelope struct {
	Type      string `json:"type"`
	Topic     string `json:"topic"`
	Data      string `json:"data"`
	Hash      string `json:"hash"`
	Timestamp int64  `json:"timestamp"`
	MessageID string `json:"messageId"`
}

type AckReceived struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

type FCMTokenResponse struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Frame type discriminators (spec §6).
const (
	TypeInit              = "init"
	TypeSubscribe         = "subscribe"
	TypeUnsubscribe       = "unsubscribe"
	TypePublish           = "publish"
	TypeAck               = "ack"
	TypeInitFile          = "init_file"
	TypeEndFile           = "end_file"
	TypeRegisterFCMToken  = "register_fcm_token"
	TypeInitResponse      = "init_response"
	TypeSubscribeResp     = "subscribe_response"
	TypeUnsubscribeResp   = "unsubscribe_response"
	TypePublishResp       = "publish_response"
	TypeMessage           = "message"
	TypeAckReceived       = "ack_received"
	TypeFCMTokenResponse  = "fcm_token_response"
	TypeError             = "error"
)

// Marshal encodes v (expected to be one of the broker->client frame
// types above) as JSON.
func Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal decodes a client->broker text frame into v.
func Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// NewMessageEnvelope builds the relayed message frame a subscriber
// receives for a publish (spec §4.7 step 2) or a retry redelivery
// (spec §4.6).
func NewMessageEnvelope(topic, data, hash string, ts int64, messageID string) MessageEnvelope {
	return MessageEnvelope{Type: TypeMessage, Topic: topic, Data: data, Hash: hash, Timestamp: ts, MessageID: messageID}
}

// EncodeChunk serializes a file-chunk binary frame:
// [0x02][fileId:36B][chunkIndex:4B BE][payload].
func EncodeChunk(fileID string, chunkIndex uint32, payload []byte) []byte {
	buf := make([]byte, MinChunkFrameLen+len(payload))
	buf[0] = ChunkTypeByte
	copy(buf[1:1+fileIDLen], []byte(padFileID(fileID)))
	binary.BigEndian.PutUint32(buf[1+fileIDLen:1+fileIDLen+4], chunkIndex)
	copy(buf[MinChunkFrameLen:], payload)
	return buf
}

// Chunk is a decoded file-chunk binary frame.
type Chunk struct {
	FileID     string
	ChunkIndex uint32
	Payload    []byte
}

// DecodeChunk parses a raw binary frame into a Chunk. It returns
// ErrShortFrame for anything under the 41-byte minimum (spec §4.8);
// callers are expected to drop such frames silently, matching the
// spec's "shorter frames are dropped" rule — DecodeChunk just reports
// the condition.
func DecodeChunk(raw []byte) (Chunk, error) {
	if len(raw) < MinChunkFrameLen {
		return Chunk{}, ErrShortFrame
	}
	fileID := string(raw[1 : 1+fileIDLen])
	chunkIndex := binary.BigEndian.Uint32(raw[1+fileIDLen : 1+fileIDLen+4])
	payload := raw[MinChunkFrameLen:]
	return Chunk{FileID: fileID, ChunkIndex: chunkIndex, Payload: payload}, nil
}

func padFileID(id string) string {
	if len(id) >= fileIDLen {
		return id[:fileIDLen]
	}
	out := make([]byte, fileIDLen)
	copy(out, id)
	for i := len(id); i < fileIDLen; i++ {
		out[i] = ' '
	}
	return string(out)
}

// RawFrame marks a pre-encoded binary payload that must be sent as a
// binary transport frame rather than marshaled as JSON. The File
// Stream Router uses it to relay chunk frames verbatim through the
// same Subscriber.Deliver path text envelopes travel.
type RawFrame []byte

// Now returns the current wall-clock time in Unix milliseconds, the
// unit of a frame's timestamp field. It is a variable so it can be
// replaced; no frame builder in this module calls it at present.
var Now = func() int64 { return time.Now().UnixMilli() }
