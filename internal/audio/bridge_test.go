package audio

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readaloud/internal/domain"
)

// fakePage plays the browser side of the capture bridge.
type fakePage struct {
	conn       *websocket.Conn
	permission bridgeMessage
	chunks     [][]byte
	ackStop    bool

	mu       sync.Mutex
	received []bridgeMessage
}

func connectPage(t *testing.T, capture *BridgeCapture, page *fakePage, supported []string) {
	t.Helper()

	server := httptest.NewServer(capture)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	page.conn = conn
	require.NoError(t, conn.WriteJSON(bridgeMessage{Type: msgHello, Supported: supported}))
	go page.run()

	require.Eventually(t, capture.Connected, 2*time.Second, 5*time.Millisecond)
}

func (p *fakePage) run() {
	for {
		var msg bridgeMessage
		if err := p.conn.ReadJSON(&msg); err != nil {
			return
		}
		p.mu.Lock()
		p.received = append(p.received, msg)
		p.mu.Unlock()

		switch msg.Type {
		case msgOpen:
			p.mu.Lock()
			permission := p.permission
			p.mu.Unlock()
			_ = p.conn.WriteJSON(permission)
		case msgStart:
			for _, chunk := range p.chunks {
				_ = p.conn.WriteMessage(websocket.BinaryMessage, chunk)
			}
		case msgStop:
			if p.ackStop {
				_ = p.conn.WriteJSON(bridgeMessage{Type: msgStopped})
			}
		}
	}
}

func (p *fakePage) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.received))
	for _, msg := range p.received {
		out = append(out, msg.Type)
	}
	return out
}

func TestBridgeCaptureRecordsFromPage(t *testing.T) {
	t.Parallel()

	capture := NewBridgeCapture(time.Second, nil)
	page := &fakePage{
		permission: bridgeMessage{Type: msgPermission, Granted: true},
		chunks:     [][]byte{[]byte("ab"), []byte("cd")},
		ackStop:    true,
	}
	connectPage(t, capture, page, []string{"audio/ogg;codecs=opus", "audio/mp4"})

	device, err := capture.Open(context.Background())
	require.NoError(t, err)

	mimeType := device.NegotiateFormat([]string{"audio/webm", "audio/mp4"})
	assert.Equal(t, "audio/mp4", mimeType)
	require.NoError(t, device.Start(context.Background(), mimeType))

	var got []byte
	for len(got) < 4 {
		select {
		case chunk := <-device.Chunks():
			got = append(got, chunk...)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for audio, got %q", got)
		}
	}
	assert.Equal(t, "abcd", string(got))

	require.NoError(t, device.Stop())
	_, open := <-device.Chunks()
	assert.False(t, open)
	assert.NoError(t, device.Err())
	require.NoError(t, device.Close())

	require.Eventually(t, func() bool {
		types := page.types()
		return len(types) == 4 && types[3] == msgClose
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{msgOpen, msgStart, msgStop, msgClose}, page.types())
}

func TestBridgeCaptureWithoutPage(t *testing.T) {
	t.Parallel()

	capture := NewBridgeCapture(time.Second, nil)
	_, err := capture.Open(context.Background())
	assert.ErrorIs(t, err, domain.ErrDeviceNotFound)
}

func TestBridgeCapturePermissionRefused(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  string
		want error
	}{
		{name: "not allowed", err: "NotAllowedError", want: domain.ErrPermissionDenied},
		{name: "no microphone", err: "NotFoundError", want: domain.ErrDeviceNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			capture := NewBridgeCapture(time.Second, nil)
			page := &fakePage{permission: bridgeMessage{Type: msgPermission, Granted: false, Error: tc.err}}
			connectPage(t, capture, page, []string{"audio/webm"})

			_, err := capture.Open(context.Background())
			assert.ErrorIs(t, err, tc.want)

			// A refused open frees the bridge for the next attempt.
			page.mu.Lock()
			page.permission = bridgeMessage{Type: msgPermission, Granted: true}
			page.mu.Unlock()
			device, err := capture.Open(context.Background())
			require.NoError(t, err)
			_ = device.Close()
		})
	}
}

func TestBridgeCapturePermissionTimeout(t *testing.T) {
	t.Parallel()

	capture := NewBridgeCapture(50*time.Millisecond, nil)
	page := &fakePage{permission: bridgeMessage{Type: "ignored"}}
	connectPage(t, capture, page, []string{"audio/webm"})

	_, err := capture.Open(context.Background())
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
}

func TestBridgeCaptureIsExclusive(t *testing.T) {
	t.Parallel()

	capture := NewBridgeCapture(time.Second, nil)
	page := &fakePage{permission: bridgeMessage{Type: msgPermission, Granted: true}}
	connectPage(t, capture, page, []string{"audio/webm"})

	device, err := capture.Open(context.Background())
	require.NoError(t, err)
	_, err = capture.Open(context.Background())
	assert.ErrorIs(t, err, domain.ErrSessionBusy)
	require.NoError(t, device.Close())
}

func TestBridgeCaptureDroppedPageFailsDevice(t *testing.T) {
	t.Parallel()

	capture := NewBridgeCapture(time.Second, nil)
	page := &fakePage{
		permission: bridgeMessage{Type: msgPermission, Granted: true},
		chunks:     [][]byte{[]byte("partial")},
	}
	connectPage(t, capture, page, []string{"audio/webm"})

	device, err := capture.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, device.Start(context.Background(), "audio/webm"))

	select {
	case <-device.Chunks():
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for first chunk")
	}
	_ = page.conn.Close()

	for range device.Chunks() {
	}
	assert.Error(t, device.Err())
	_ = device.Close()
}

func TestPermissionError(t *testing.T) {
	t.Parallel()

	assert.True(t, errors.Is(permissionError("NotReadableError"), domain.ErrDeviceNotFound))
	assert.True(t, errors.Is(permissionError("SecurityError"), domain.ErrPermissionDenied))
	assert.Equal(t, domain.ErrPermissionDenied, permissionError(""))
}

func TestBridgeHandlerServesCapturePage(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(NewBridgeCapture(time.Second, nil).Handler())
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Microphone bridge")

	resp, err = http.Get(server.URL + "/bridge.js")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ReadaloudBridge")

	resp, err = http.Get(server.URL + "/missing")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
