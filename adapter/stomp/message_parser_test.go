package stomp

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFrame_Connect(t *testing.T) {
	data, err := encodeFrame(connectFrame("app.example.com", "tok"))
	require.NoError(t, err)

	s := string(data)
	assert.Contains(t, s, "CONNECT\n")
	assert.Contains(t, s, "accept-version:1.2\n")
	assert.Contains(t, s, "host:app.example.com\n")
	assert.Contains(t, s, "heart-beat:0,0\n")
	assert.Contains(t, s, "Authorization:Bearer tok\n")
	assert.Equal(t, byte(0), data[len(data)-1], "frames end with NUL")
}

func TestParseFrames_RoundTrip(t *testing.T) {
	sub, err := encodeFrame(subscribeFrame("/user/queue/notifications", "sub-1"))
	require.NoError(t, err)
	unsub, err := encodeFrame(unsubscribeFrame("sub-1"))
	require.NoError(t, err)

	// Two frames in one message with a heart-beat EOL between them
	data := append(append(sub, '\n'), unsub...)
	frames, err := parseFrames(data)
	require.NoError(t, err)
	require.Len(t, frames, 2)

	assert.Equal(t, frame.SUBSCRIBE, frames[0].Command)
	assert.Equal(t, "sub-1", frames[0].Header.Get(frame.Id))
	assert.Equal(t, "/user/queue/notifications", frames[0].Header.Get(frame.Destination))
	assert.Equal(t, "auto", frames[0].Header.Get(frame.Ack))
	assert.Equal(t, frame.UNSUBSCRIBE, frames[1].Command)
}

func TestParseFrames_MessageBody(t *testing.T) {
	f := frame.New(frame.MESSAGE,
		frame.Subscription, "sub-1",
		frame.Destination, "/user/queue/notifications",
		frame.MessageId, "m-1")
	f.Body = []byte(`{"id":1}`)
	data, err := encodeFrame(f)
	require.NoError(t, err)

	frames, err := parseFrames(data)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, `{"id":1}`, string(frames[0].Body))
	assert.Equal(t, "sub-1", frames[0].Header.Get(frame.Subscription))
}

func TestParseFrames_HeartbeatOnly(t *testing.T) {
	frames, err := parseFrames([]byte("\n"))
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestClassifyErrorFrame(t *testing.T) {
	tests := []struct {
		message string
		body    string
		want    error
	}{
		{message: "Unauthorized", want: ErrUnauthorized},
		{message: "Failed to send message", body: "Access token expired", want: ErrUnauthorized},
		{message: "Authentication failed", want: ErrUnauthorized},
		{message: "Destination does not exist", want: ErrRejected},
		{message: "", want: ErrRejected},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			f := frame.New(frame.ERROR, frame.Message, tt.message)
			f.Body = []byte(tt.body)
			assert.ErrorIs(t, classifyErrorFrame(f), tt.want)
		})
	}
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "closed", failureReason(nil))
	assert.Equal(t, "unauthorized", failureReason(&HandshakeError{StatusCode: 401, Err: ErrUnauthorized}))
	assert.Equal(t, "rejected", failureReason(fmt.Errorf("%w: nope", ErrRejected)))
	assert.Equal(t, "closed", failureReason(fmt.Errorf("read: %w", ErrTransportClosed)))
	assert.Equal(t, "handshake", failureReason(&HandshakeError{StatusCode: 502}))
	assert.Equal(t, "network", failureReason(errors.New("connection reset by peer")))
}
