package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSignalNestedShape(t *testing.T) {
	raw := []byte(`{"type":"webrtc-signaling","data":{"data":{"type":"call-request","data":{"callId":"c1","from":"a","to":"b"}}}}`)

	f, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeSignaling, f.Type)

	sig, err := DecodeSignal(f)
	require.NoError(t, err)
	assert.Equal(t, CallRequest, sig.Type)
	assert.Equal(t, SignalData{CallID: "c1", From: "a", To: "b"}, sig.Data)
}

func TestDecodeSignalRejectsBadPayload(t *testing.T) {
	cases := map[string]string{
		"missing callId": `{"type":"webrtc-signaling","data":{"data":{"type":"call-end","data":{"from":"a","to":"b"}}}}`,
		"unknown type":   `{"type":"webrtc-signaling","data":{"data":{"type":"call-hold","data":{"callId":"c","from":"a","to":"b"}}}}`,
		"no data":        `{"type":"webrtc-signaling"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			f, err := DecodeFrame([]byte(raw))
			require.NoError(t, err)
			_, err = DecodeSignal(f)
			assert.True(t, errors.Is(err, ErrMalformedFrame), "got %v", err)
		})
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	_, err := DecodeFrame([]byte(`{not json`))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = DecodeFrame([]byte(`{"data":{}}`))
	assert.ErrorIs(t, err, ErrEmptyFrameType)
}

func TestEncodeKeepsRawData(t *testing.T) {
	b, err := Encode(TypeNewNotification, json.RawMessage(`{"message":"hi","postId":"p1"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"new_notification","data":{"message":"hi","postId":"p1"}}`, string(b))

	b = MustEncode(TypePong, nil)
	assert.JSONEq(t, `{"type":"pong"}`, string(b))
}
