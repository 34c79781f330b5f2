package domain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Client -> server frame types.
const (
	FrameChatSend          = "chat.send"
	FrameChatRead          = "chat.read"
	FrameChatAck           = "chat.ack"
	FramePresenceHeartbeat = "presence.heartbeat"
	FramePresenceSubscribe = "presence.subscribe"
	FramePresenceStatus    = "presence.status"
)

// Server -> client frame types.
const (
	FrameChatMessage    = "chat.message"
	FrameChatSent       = "chat.sent"
	FrameChatReceipt    = "chat.receipt"
	FramePresenceUpdate = "presence.update"
	FramePresencePong   = "presence.pong"
	FrameError          = "error"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ClientFrame is a decoded inbound frame. The set of implementations is closed.
type ClientFrame interface {
	clientFrame()
}

type ChatSendFrame struct {
	ConversationID  string `json:"conversationId" validate:"required"`
	Body            string `json:"body" validate:"required_without=FileURL"`
	FileURL         string `json:"fileUrl,omitempty" validate:"omitempty,max=2048"`
	ClientMessageID string `json:"clientMessageId,omitempty" validate:"omitempty,max=128"`
}

type ChatReadFrame struct {
	MessageID string `json:"messageId" validate:"required"`
}

type ChatAckFrame struct {
	MessageID string `json:"messageId" validate:"required"`
}

type HeartbeatFrame struct{}

type PresenceSubscribeFrame struct {
	UserIDs []string `json:"userIds" validate:"required,min=1,dive,required"`
}

type PresenceStatusFrame struct {
	Status Status `json:"status" validate:"required,oneof=online away"`
}

func (ChatSendFrame) clientFrame()          {}
func (ChatReadFrame) clientFrame()          {}
func (ChatAckFrame) clientFrame()           {}
func (HeartbeatFrame) clientFrame()         {}
func (PresenceSubscribeFrame) clientFrame() {}
func (PresenceStatusFrame) clientFrame()    {}

// ErrUnknownFrame is returned for a frame type outside the client set.
var ErrUnknownFrame = errors.New("unknown frame type")

type envelope struct {
	Type string `json:"type"`
}

// DecodeClientFrame parses and validates a raw inbound frame.
func DecodeClientFrame(data []byte) (ClientFrame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed frame", ErrInvalidMessage)
	}

	var frame ClientFrame
	switch env.Type {
	case FrameChatSend:
		var f ChatSendFrame
		if err := decodeInto(data, &f); err != nil {
			return nil, err
		}
		frame = f
	case FrameChatRead:
		var f ChatReadFrame
		if err := decodeInto(data, &f); err != nil {
			return nil, err
		}
		frame = f
	case FrameChatAck:
		var f ChatAckFrame
		if err := decodeInto(data, &f); err != nil {
			return nil, err
		}
		frame = f
	case FramePresenceHeartbeat:
		frame = HeartbeatFrame{}
	case FramePresenceSubscribe:
		var f PresenceSubscribeFrame
		if err := decodeInto(data, &f); err != nil {
			return nil, err
		}
		frame = f
	case FramePresenceStatus:
		var f PresenceStatusFrame
		if err := decodeInto(data, &f); err != nil {
			return nil, err
		}
		frame = f
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, env.Type)
	}
	return frame, nil
}

func decodeInto(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// ServerFrame is an outbound frame. The set of implementations is closed.
type ServerFrame interface {
	FrameType() string
	stamp()
}

type ChatMessageFrame struct {
	Type           string `json:"type"`
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Body           string `json:"body"`
	FileURL        string `json:"fileUrl,omitempty"`
	SentAt         int64  `json:"sentAt"` // unix ms
}

type ChatSentFrame struct {
	Type            string `json:"type"`
	MessageID       string `json:"messageId"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
	SentAt          int64  `json:"sentAt"`
}

type ChatReceiptFrame struct {
	Type      string        `json:"type"`
	MessageID string        `json:"messageId"`
	State     DeliveryState `json:"state"`
	UserID    string        `json:"userId"`
}

type PresenceUpdateFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Status Status `json:"status"`
}

type PongFrame struct {
	Type string `json:"type"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}

func (*ChatMessageFrame) FrameType() string    { return FrameChatMessage }
func (*ChatSentFrame) FrameType() string       { return FrameChatSent }
func (*ChatReceiptFrame) FrameType() string    { return FrameChatReceipt }
func (*PresenceUpdateFrame) FrameType() string { return FramePresenceUpdate }
func (*PongFrame) FrameType() string           { return FramePresencePong }
func (*ErrorFrame) FrameType() string          { return FrameError }

func (f *ChatMessageFrame) stamp()    { f.Type = f.FrameType() }
func (f *ChatSentFrame) stamp()       { f.Type = f.FrameType() }
func (f *ChatReceiptFrame) stamp()    { f.Type = f.FrameType() }
func (f *PresenceUpdateFrame) stamp() { f.Type = f.FrameType() }
func (f *PongFrame) stamp()           { f.Type = f.FrameType() }
func (f *ErrorFrame) stamp()          { f.Type = f.FrameType() }

// EncodeServerFrame sets the frame's type tag and marshals it.
func EncodeServerFrame(f ServerFrame) ([]byte, error) {
	f.stamp()
	return json.Marshal(f)
}

func NewChatMessageFrame(m *Message) *ChatMessageFrame {
	return &ChatMessageFrame{
		Type:           FrameChatMessage,
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		FileURL:        m.FileURL,
		SentAt:         m.SentAt.UnixMilli(),
	}
}

func NewChatSentFrame(m *Message, clientMessageID string) *ChatSentFrame {
	return &ChatSentFrame{
		Type:            FrameChatSent,
		MessageID:       m.ID,
		ClientMessageID: clientMessageID,
		SentAt:          m.SentAt.UnixMilli(),
	}
}

func NewChatReceiptFrame(messageID, userID string, state DeliveryState) *ChatReceiptFrame {
	return &ChatReceiptFrame{
		Type:      FrameChatReceipt,
		MessageID: messageID,
		State:     state,
		UserID:    userID,
	}
}

func NewPresenceUpdateFrame(userID string, status Status) *PresenceUpdateFrame {
	return &PresenceUpdateFrame{
		Type:   FramePresenceUpdate,
		UserID: userID,
		Status: status,
	}
}

func NewPongFrame() *PongFrame {
	return &PongFrame{Type: FramePresencePong}
}

// NewErrorFrame builds an error frame from an error chain.
func NewErrorFrame(err error, ref string) *ErrorFrame {
	return &ErrorFrame{
		Type:    FrameError,
		Code:    ErrorCode(err),
		Message: err.Error(),
		Ref:     ref,
	}
}
