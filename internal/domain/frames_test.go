package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeClientFrame(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want ClientFrame
	}{
		{
			name: "chat send",
			raw:  `{"type":"chat.send","conversationId":"C1","body":"hi","clientMessageId":"m-1"}`,
			want: ChatSendFrame{ConversationID: "C1", Body: "hi", ClientMessageID: "m-1"},
		},
		{
			name: "chat send attachment only",
			raw:  `{"type":"chat.send","conversationId":"C1","fileUrl":"/files/chat/C1/a.png"}`,
			want: ChatSendFrame{ConversationID: "C1", FileURL: "/files/chat/C1/a.png"},
		},
		{
			name: "chat read",
			raw:  `{"type":"chat.read","messageId":"42"}`,
			want: ChatReadFrame{MessageID: "42"},
		},
		{
			name: "chat ack",
			raw:  `{"type":"chat.ack","messageId":"42"}`,
			want: ChatAckFrame{MessageID: "42"},
		},
		{
			name: "heartbeat",
			raw:  `{"type":"presence.heartbeat"}`,
			want: HeartbeatFrame{},
		},
		{
			name: "presence subscribe",
			raw:  `{"type":"presence.subscribe","userIds":["u1","u2"]}`,
			want: PresenceSubscribeFrame{UserIDs: []string{"u1", "u2"}},
		},
		{
			name: "presence status",
			raw:  `{"type":"presence.status","status":"away"}`,
			want: PresenceStatusFrame{Status: StatusAway},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)

			got, err := DecodeClientFrame([]byte(tt.raw))

			req.NoError(err)
			req.Equal(tt.want, got)
		})
	}
}

func TestDecodeClientFrame_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"malformed json", `{"type":`, ErrInvalidMessage},
		{"unknown type", `{"type":"room.join"}`, ErrUnknownFrame},
		{"send without conversation", `{"type":"chat.send","body":"hi"}`, ErrInvalidMessage},
		{"send without body or file", `{"type":"chat.send","conversationId":"C1"}`, ErrInvalidMessage},
		{"read without message id", `{"type":"chat.read"}`, ErrInvalidMessage},
		{"empty subscribe", `{"type":"presence.subscribe","userIds":[]}`, ErrInvalidMessage},
		{"offline is not a client status", `{"type":"presence.status","status":"offline"}`, ErrInvalidMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)

			_, err := DecodeClientFrame([]byte(tt.raw))

			req.Error(err)
			req.True(errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestEncodeServerFrame(t *testing.T) {
	req := require.New(t)

	// Given a message
	sentAt := time.UnixMilli(1700000000000)
	msg := &Message{ID: "7", ConversationID: "C1", SenderID: "A", Body: "hi", SentAt: sentAt}

	// When the chat.message frame is encoded
	data, err := EncodeServerFrame(NewChatMessageFrame(msg))
	req.NoError(err)

	// Then it carries the type tag and camelCase fields
	var got map[string]interface{}
	req.NoError(json.Unmarshal(data, &got))
	req.Equal("chat.message", got["type"])
	req.Equal("7", got["messageId"])
	req.Equal("C1", got["conversationId"])
	req.Equal("A", got["senderId"])
	req.Equal(float64(1700000000000), got["sentAt"])
	req.NotContains(got, "fileUrl")
}

func TestEncodeServerFrame_StampsZeroValue(t *testing.T) {
	req := require.New(t)

	data, err := EncodeServerFrame(&ChatReceiptFrame{MessageID: "9", State: StateRead, UserID: "B"})

	req.NoError(err)
	req.JSONEq(`{"type":"chat.receipt","messageId":"9","state":"read","userId":"B"}`, string(data))
}

func TestErrorCode(t *testing.T) {
	req := require.New(t)

	req.Equal(ErrCodeRateLimited, ErrorCode(ErrAdmissionDenied))
	req.Equal(ErrCodeNotParticipant, ErrorCode(errors.Join(errors.New("send"), ErrNotParticipant)))
	req.Equal(ErrCodeStoreUnavailable, ErrorCode(ErrStoreUnavailable))
	req.Equal(ErrCodeBadRequest, ErrorCode(ErrInvalidMessage))
	req.Equal(ErrCodeNotFound, ErrorCode(ErrMessageNotFound))
	req.Equal(ErrCodeInternalError, ErrorCode(errors.New("boom")))
	req.Empty(ErrorCode(nil))
}

func TestParticipantKey(t *testing.T) {
	req := require.New(t)

	req.Equal("a,b,c", ParticipantKey([]string{"c", "a", " b", "a", ""}))
	req.Equal(ParticipantKey([]string{"x", "y"}), ParticipantKey([]string{"y", "x"}))
}

func TestDeliveryStateAdvances(t *testing.T) {
	req := require.New(t)

	req.True(StateSent.Advances(StateDelivered))
	req.True(StateSent.Advances(StateRead))
	req.True(StateDelivered.Advances(StateRead))
	req.False(StateRead.Advances(StateDelivered))
	req.False(StateDelivered.Advances(StateDelivered))
	req.Equal(StateRead, StateFromRank(StateRead.Rank()))
}
