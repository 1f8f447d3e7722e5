package stream

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satindergrewal/voxmod/internal/audio"
)

func resolverFor(id string, b *Broadcaster) Resolver {
	return func(sessionID string) (*Broadcaster, bool) {
		if sessionID != id {
			return nil, false
		}
		return b, true
	}
}

func TestHTTPMonitorStreamsWAV(t *testing.T) {
	b := NewBroadcaster()
	srv := httptest.NewServer(NewHTTPHandler(resolverFor("s1", b), nil))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?session=s1", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))

	header := make([]byte, 44)
	_, err = io.ReadFull(resp.Body, header)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(header[0:4]))
	assert.Equal(t, "WAVE", string(header[8:12]))
	assert.EqualValues(t, audio.SampleRate, binary.LittleEndian.Uint32(header[24:28]))
	assert.EqualValues(t, audio.BitDepth, binary.LittleEndian.Uint16(header[34:36]))

	frame := audio.NewFrame()
	for i := range frame {
		frame[i] = 0.5
	}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
				b.Publish(frame)
			}
		}
	}()

	pcm := make([]byte, audio.FrameSamples*2)
	_, err = io.ReadFull(resp.Body, pcm)
	require.NoError(t, err)
	assert.EqualValues(t, 16383, int16(binary.LittleEndian.Uint16(pcm[0:2])))
}

func TestHTTPMonitorUnknownSession(t *testing.T) {
	h := NewHTTPHandler(resolverFor("s1", NewBroadcaster()), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/listen?session=nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClipHandler(t *testing.T) {
	clip := audio.NewClip([]float32{0.5, -0.5, 0}, audio.SampleRate, "default")
	h := NewClipHandler(func(sessionID, clipID string) (*audio.Clip, bool) {
		return clip, sessionID == "s1" && clipID == "c1"
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/clips?session=s1&clip=c1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/wav", rec.Header().Get("Content-Type"))
	body := rec.Body.Bytes()
	require.Len(t, body, 44+6)
	assert.EqualValues(t, 6, binary.LittleEndian.Uint32(body[40:44]))
	assert.EqualValues(t, 16383, int16(binary.LittleEndian.Uint16(body[44:46])))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/clips?session=s1&clip=c2", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebRTCHandlerRejects(t *testing.T) {
	h := NewWebRTCHandler(resolverFor("s1", NewBroadcaster()), nil)

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"preflight", http.MethodOptions, "/offer", "", http.StatusOK},
		{"get", http.MethodGet, "/offer?session=s1", "", http.StatusMethodNotAllowed},
		{"unknown session", http.MethodPost, "/offer?session=zz", "{}", http.StatusNotFound},
		{"bad offer", http.MethodPost, "/offer?session=s1", "not json", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body)))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
	assert.Zero(t, h.PeerCount())
}

func TestWebRTCNegotiation(t *testing.T) {
	b := NewBroadcaster()
	h := NewWebRTCHandler(resolverFor("s1", b), nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	client, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	require.NoError(t, err)

	offer, err := client.CreateOffer(nil)
	require.NoError(t, err)
	gather := webrtc.GatheringCompletePromise(client)
	require.NoError(t, client.SetLocalDescription(offer))
	<-gather

	body, err := json.Marshal(client.LocalDescription())
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"?session=s1", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var answer webrtc.SessionDescription
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&answer))
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	assert.Contains(t, answer.SDP, "opus")
	require.NoError(t, client.SetRemoteDescription(answer))

	assert.Equal(t, 1, h.PeerCount())
	assert.Equal(t, 1, b.ListenerCount())

	// Closing the session's broadcaster tears the peer down.
	b.Close()
	require.Eventually(t, func() bool { return h.PeerCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}
