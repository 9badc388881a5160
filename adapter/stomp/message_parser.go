package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-stomp/stomp/v3/frame"
)

// encodeFrame serialises one STOMP frame, including the trailing NUL
func encodeFrame(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", f.Command, err)
	}
	return buf.Bytes(), nil
}

// parseFrames decodes every frame in a text message. Heart-beats are skipped.
// Frames decoded before an error are returned together with the error.
func parseFrames(data []byte) ([]*frame.Frame, error) {
	reader := frame.NewReader(bytes.NewReader(data))

	var frames []*frame.Frame
	for {
		f, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return frames, nil
			}
			return frames, fmt.Errorf("failed to decode frame: %w", err)
		}
		if f == nil {
			continue // heart-beat
		}
		frames = append(frames, f)
	}
}

func connectFrame(host, credential string) *frame.Frame {
	return frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2",
		frame.Host, host,
		frame.HeartBeat, "0,0",
		"Authorization", "Bearer "+credential)
}

func subscribeFrame(destination, id string) *frame.Frame {
	return frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, destination,
		frame.Ack, "auto")
}

func unsubscribeFrame(id string) *frame.Frame {
	return frame.New(frame.UNSUBSCRIBE,
		frame.Id, id)
}

func disconnectFrame() *frame.Frame {
	return frame.New(frame.DISCONNECT)
}

// classifyErrorFrame maps an ERROR frame received before CONNECTED.
// Messages about authentication become ErrUnauthorized, everything else ErrRejected.
func classifyErrorFrame(f *frame.Frame) error {
	message := f.Header.Get(frame.Message)
	text := strings.ToLower(message + " " + string(f.Body))

	for _, hint := range []string{"unauthori", "authenticat", "forbidden", "expired", "invalid token", "access denied", "401", "403"} {
		if strings.Contains(text, hint) {
			return fmt.Errorf("%w: %s", ErrUnauthorized, message)
		}
	}
	return fmt.Errorf("%w: %s", ErrRejected, message)
}

// failureReason labels an error for metrics
func failureReason(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrTransportClosed):
		return "closed"
	default:
		var hs *HandshakeError
		if errors.As(err, &hs) {
			return "handshake"
		}
		return "network"
	}
}
