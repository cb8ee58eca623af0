package internal

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatrelay/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	path := "sqlite://file:" + t.Name() + "?mode=memory&cache=shared"
	store, err := storage.NewStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer(zap.NewNop(), newTestStore(t), Options{
		UploadDir:  t.TempDir(),
		ExpiryUnit: 10 * time.Millisecond,
	})
	t.Cleanup(s.Close)
	return s
}

// newTestClient builds a client without a live websocket; frames queue on its
// send channel where tests can read them back.
func newTestClient(hub *Hub) *Client {
	return newClient(hub, nil, zap.NewNop(), nil)
}

// readFrame pops the next queued frame for the client, failing the test when
// none arrives in time.
func readFrame(t *testing.T, client *Client) Envelope {
	t.Helper()
	select {
	case payload := <-client.send:
		var envelope Envelope
		require.NoError(t, json.Unmarshal(payload, &envelope))
		return envelope
	case <-time.After(time.Second):
		t.Fatal("expected a frame, got none")
		return Envelope{}
	}
}

// expectNoFrame asserts nothing is queued for the client.
func expectNoFrame(t *testing.T, client *Client) {
	t.Helper()
	select {
	case payload := <-client.send:
		t.Fatalf("unexpected frame: %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
