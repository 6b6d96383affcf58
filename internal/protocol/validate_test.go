package protocol

import (
	"encoding/json"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var limits = Limits{
	Variants:       []string{"female", "male", "default"},
	DefaultVariant: "female",
	DefaultVoice:   "female-1",
	MaxTextLength:  20,
	MinSpeed:       0.25,
	MaxSpeed:       4,
	PreviewID:      "avatar_stream",
}

func TestDecode(t *testing.T) {
	var req StreamStartRequest
	require.NoError(t, Decode(strings.NewReader(`{"socketId":"abc","settings":{"avatar":"male"},"extra":1}`), &req))
	assert.Equal(t, "abc", req.SocketID)
	assert.Equal(t, "male", req.Settings.Avatar)

	err := Decode(strings.NewReader(""), &req)
	assert.True(t, IsValidation(err))
	err = Decode(strings.NewReader("{"), &req)
	assert.True(t, IsValidation(err))
}

func TestStreamStartValidate(t *testing.T) {
	req := StreamStartRequest{SocketID: "sock-1"}
	require.NoError(t, req.Validate(limits))
	assert.Equal(t, "female", req.Settings.Avatar)

	req = StreamStartRequest{}
	err := req.Validate(limits)
	require.Error(t, err)
	assert.Equal(t, "socketId: is required", err.Error())

	req = StreamStartRequest{SocketID: "a/b"}
	assert.True(t, IsValidation(req.Validate(limits)))

	req = StreamStartRequest{SocketID: "s", Settings: StreamSettings{Avatar: "robot"}}
	assert.True(t, IsValidation(req.Validate(limits)))

	req = StreamStartRequest{SocketID: "s", Settings: StreamSettings{Avatar: "custom_1700000000_me"}}
	assert.NoError(t, req.Validate(limits))

	req = StreamStartRequest{SocketID: "avatar_stream", Settings: StreamSettings{Avatar: "male"}}
	err = req.Validate(limits)
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Contains(t, err.Error(), "reserved")
}

func TestSpeakValidate(t *testing.T) {
	req := SpeakRequest{Text: "hello"}
	require.NoError(t, req.Validate(limits))
	assert.Equal(t, 1.0, req.SpeedValue())
	assert.Equal(t, "female-1", req.Voice)
	assert.Equal(t, "female", req.Avatar)

	cases := map[string]SpeakRequest{
		"empty text": {Text: "   "},
		"long text":  {Text: strings.Repeat("a", 21)},
		"slow":       {Text: "hi", Speed: ptr(0.1)},
		"fast":       {Text: "hi", Speed: ptr(9)},
		"pitch":      {Text: "hi", Pitch: 99},
		"avatar":     {Text: "hi", Avatar: "robot"},
		"socket":     {Text: "hi", SocketID: "bad id"},
	}
	for name, req := range cases {
		err := req.Validate(limits)
		assert.True(t, IsValidation(err), name)
	}
}

func TestEventRequest(t *testing.T) {
	evt := EventRequest{Event: EventAvatarChange, Data: json.RawMessage(`{"avatar":"male"}`)}
	require.NoError(t, evt.Validate(limits))
	change, err := evt.AvatarChange(limits)
	require.NoError(t, err)
	assert.Equal(t, "male", change.Avatar)

	evt = EventRequest{Event: EventAvatarChange}
	change, err = evt.AvatarChange(limits)
	require.NoError(t, err)
	assert.Equal(t, "female", change.Avatar)

	evt = EventRequest{Event: EventSpeak, Data: json.RawMessage(`{"text":"hey","speed":2}`)}
	speak, err := evt.Speak(limits)
	require.NoError(t, err)
	assert.Equal(t, 2.0, speak.SpeedValue())

	_, err = EventRequest{Event: EventSpeak}.Speak(limits)
	assert.True(t, IsValidation(err))

	assert.True(t, IsValidation((&EventRequest{}).Validate(limits)))
	assert.True(t, IsValidation((&EventRequest{Event: "explode"}).Validate(limits)))
}

func TestParseFrameQuery(t *testing.T) {
	fq, err := ParseFrameQuery(url.Values{})
	require.NoError(t, err)
	assert.Equal(t, FrameQuery{Gesture: 50}, fq)

	fq, err = ParseFrameQuery(url.Values{"gesture": {"80"}, "speaking": {"True"}, "text": {"hello"}})
	require.NoError(t, err)
	assert.Equal(t, FrameQuery{Gesture: 80, Speaking: true, Text: "hello"}, fq)

	fq, err = ParseFrameQuery(url.Values{"gestureIntensity": {"20"}})
	require.NoError(t, err)
	assert.Equal(t, 20.0, fq.Gesture)

	fq, err = ParseFrameQuery(url.Values{"gesture": {"70"}, "gestureIntensity": {"20"}})
	require.NoError(t, err)
	assert.Equal(t, 70.0, fq.Gesture, "gesture wins over its alias")

	_, err = ParseFrameQuery(url.Values{"gestureIntensity": {"150"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gestureIntensity")

	for _, bad := range []url.Values{
		{"gesture": {"abc"}},
		{"gesture": {"101"}},
		{"gesture": {"-1"}},
		{"gesture": {"NaN"}},
		{"speaking": {"maybe"}},
	} {
		_, err := ParseFrameQuery(bad)
		assert.True(t, IsValidation(err), bad.Encode())
	}
}

func ptr(f float64) *float64 { return &f }
