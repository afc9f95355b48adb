package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"isca-tracker/internal/protocol"
	"isca-tracker/internal/state"
	apperrors "isca-tracker/pkg/errors"
)

// fakeServer answers login frames and pushes one broadcast event after
// a successful login.
func fakeServer(t *testing.T, acceptLogin bool) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var frame protocol.Frame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Event != protocol.FrameLogin {
				continue
			}

			if !acceptLogin {
				reply, _ := protocol.NewFrame(protocol.FrameLoginErr, frame.Seq, protocol.ErrorPayload{Code: "invalid_credentials"})
				_ = conn.WriteJSON(reply)
				continue
			}

			reply, _ := protocol.NewFrame(protocol.FrameLoginOK, frame.Seq, protocol.LoginReply{
				User:  &state.User{ID: "u1", Username: "carlos"},
				Token: "session-token",
			})
			_ = conn.WriteJSON(reply)

			ev := &protocol.Event{
				Collection: state.ColEntries,
				Op:         protocol.OpCreate,
				ID:         "e1",
				Payload:    json.RawMessage(`{"id":"e1","origin":"Matriz"}`),
			}
			broadcast, _ := protocol.NewFrame(ev.Name(), 0, ev)
			_ = conn.WriteJSON(broadcast)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientLoginAndEventDelivery(t *testing.T) {
	srv := fakeServer(t, true)
	client := NewClient(wsURL(srv), zap.NewNop())

	events := make(chan *protocol.Event, 1)
	client.OnEvent(func(ev *protocol.Event) { events <- ev })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	defer client.Close()
	assert.True(t, client.IsConnected())

	reply, err := client.Login(ctx, "carlos", "secret")
	require.NoError(t, err)
	assert.Equal(t, "session-token", reply.Token)
	assert.Equal(t, "carlos", reply.User.Username)

	select {
	case ev := <-events:
		assert.Equal(t, "e1", ev.ID)
		assert.Equal(t, protocol.OpCreate, ev.Op)
	case <-time.After(3 * time.Second):
		t.Fatal("broadcast event never arrived")
	}
}

func TestClientLoginRejection(t *testing.T) {
	srv := fakeServer(t, false)
	client := NewClient(wsURL(srv), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	defer client.Close()

	_, err := client.Login(ctx, "carlos", "wrong")
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
}

func TestClientEmitWhenDisconnected(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1/ws", zap.NewNop())

	env, err := protocol.EncodeMutation(&protocol.EntryDelete{ID: "e1"})
	require.NoError(t, err)
	assert.ErrorIs(t, client.EmitMutation(env), ErrNotConnected)
	assert.False(t, client.IsConnected())
}

func TestClientCloseTearsDownPending(t *testing.T) {
	srv := fakeServer(t, true)
	client := NewClient(wsURL(srv), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))

	// An init_state request the fake server never answers.
	done := make(chan error, 1)
	go func() {
		_, err := client.FetchInitState(context.Background())
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	client.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(3 * time.Second):
		t.Fatal("pending request was not failed on close")
	}
	assert.False(t, client.IsConnected())
}
