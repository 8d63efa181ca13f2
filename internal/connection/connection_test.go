package connection_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/fastport-io/fastport/internal/connection"
	"github.com/fastport-io/fastport/internal/proto"
	"github.com/fastport-io/fastport/internal/session"
	"github.com/fastport-io/fastport/internal/storage"
	"github.com/fastport-io/fastport/internal/storage/memstore"
	"github.com/fastport-io/fastport/internal/subindex"
	"github.com/fastport-io/fastport/internal/transport"
)

type stubPublisher struct{}

func (stubPublisher) Publish(_ context.Context, _ string, _ subindex.Subscriber, f proto.PublishFrame) proto.PublishResponse {
	return proto.PublishResponse{Type: proto.TypePublishResp, Success: true, MessageID: f.MessageID}
}

func (stubPublisher) Ack(context.Context, string, proto.AckFrame) {}

type stubFiles struct{}

func (stubFiles) InitFile(context.Context, string, string, subindex.Subscriber, proto.InitFileFrame) error {
	return nil
}
func (stubFiles) EndFile(context.Context, string, string, proto.EndFileFrame) {}
func (stubFiles) Chunk(context.Context, string, string, []byte) bool         { return true }
func (stubFiles) ReleaseConnection(string, string)                          {}

type stubTokens struct{}

func (stubTokens) SaveDeviceToken(context.Context, storage.DeviceToken) error { return nil }
func (stubTokens) TrackUser(string, string)                                  {}

// testServer upgrades every request to a websocket, builds a fresh
// Connection around it sharing sessions/index, and runs its read loop
// until the socket closes — mirroring cmd/fastportd's serveConnection
// without pulling in the full binary's config/metrics wiring.
func testServer(t *testing.T, sessions *session.Registry, index *subindex.Index) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		tr := transport.New(ws, 0)
		conn := connection.New(tr, sessions, index, stubPublisher{}, stubFiles{}, stubTokens{}, nil)
		for {
			binary, data, err := tr.ReadMessage()
			if err != nil {
				return
			}
			if binary {
				conn.HandleBinary(r.Context(), data)
			} else {
				conn.HandleText(r.Context(), data)
			}
		}
	}))
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return ws
}

func TestInitSubscribePublishRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.CreateSession(ctx, storage.Session{Name: "s1", Password: "pw"}))
	sessions := session.New(store, nil)
	index := subindex.New()

	srv := testServer(t, sessions, index)
	defer srv.Close()

	ws := dial(t, srv)
	defer ws.Close()

	init := mustMarshal(t, proto.InitFrame{Type: proto.TypeInit, SessionName: "s1", Password: "pw"})
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, init))

	var initResp proto.InitResponse
	readInto(t, ws, &initResp)
	require.True(t, initResp.Success)

	sub := mustMarshal(t, proto.SubscribeFrame{Type: proto.TypeSubscribe, Topic: "t1"})
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, sub))

	var subResp proto.SubscribeResponse
	readInto(t, ws, &subResp)
	require.True(t, subResp.Success)
	require.Equal(t, "t1", subResp.Topic)

	pub := mustMarshal(t, proto.PublishFrame{Type: proto.TypePublish, Topic: "t1", Data: "hello", MessageID: "m1"})
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, pub))

	var pubResp proto.PublishResponse
	readInto(t, ws, &pubResp)
	require.True(t, pubResp.Success)
	require.Equal(t, "m1", pubResp.MessageID)
}

func TestHandleTextBeforeInitIsRejected(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.CreateSession(ctx, storage.Session{Name: "s1", Password: "pw"}))
	sessions := session.New(store, nil)
	index := subindex.New()

	srv := testServer(t, sessions, index)
	defer srv.Close()

	ws := dial(t, srv)
	defer ws.Close()

	sub := mustMarshal(t, proto.SubscribeFrame{Type: proto.TypeSubscribe, Topic: "t1"})
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, sub))

	var errResp proto.ErrorFrame
	readInto(t, ws, &errResp)
	require.Equal(t, proto.TypeError, errResp.Type)
}

func TestInitWithWrongPasswordFails(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.CreateSession(ctx, storage.Session{Name: "s1", Password: "pw"}))
	sessions := session.New(store, nil)
	index := subindex.New()

	srv := testServer(t, sessions, index)
	defer srv.Close()

	ws := dial(t, srv)
	defer ws.Close()

	init := mustMarshal(t, proto.InitFrame{Type: proto.TypeInit, SessionName: "s1", Password: "wrong"})
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, init))

	var initResp proto.InitResponse
	readInto(t, ws, &initResp)
	require.False(t, initResp.Success)
	require.NotEmpty(t, initResp.Error)
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := proto.Marshal(v)
	require.NoError(t, err)
	return b
}

func readInto(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, proto.Unmarshal(data, v))
}
