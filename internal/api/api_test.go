package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/relaychat/internal/auth"
	"github.com/lalith-99/relaychat/internal/chat"
	"github.com/lalith-99/relaychat/internal/models"
	"github.com/lalith-99/relaychat/internal/pubsub"
	"github.com/lalith-99/relaychat/internal/repository"
	"github.com/lalith-99/relaychat/internal/repository/mocks"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

const jwtSecret = "api-test-secret"

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	if err := RegisterValidators(); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type fakeDB struct{ err error }

func (f fakeDB) Health(context.Context) error { return f.err }

type fixture struct {
	server   *httptest.Server
	broker   *pubsub.Broker
	bus      *pubsub.Bus
	users    *mocks.MockUserRepository
	chats    *mocks.MockChatRepository
	messages *mocks.MockMessageRepository
}

func newFixture(t *testing.T, db fakeDB) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &fixture{
		broker:   pubsub.NewBroker(),
		users:    mocks.NewMockUserRepository(ctrl),
		chats:    mocks.NewMockChatRepository(ctrl),
		messages: mocks.NewMockMessageRepository(ctrl),
	}

	f.bus = pubsub.NewBus(f.broker.Transport(), pubsub.Options{
		ReadyTimeout:     100 * time.Millisecond,
		HealthInterval:   10 * time.Millisecond,
		ReconnectBackoff: 5 * time.Millisecond,
		QueueSize:        16,
	}, zap.NewNop())
	require.NoError(t, f.bus.WaitReady(context.Background()))

	logger := zap.NewNop()
	svc := chat.NewService(f.chats, f.messages, f.bus, chat.Options{
		MaxContentLength:    1000,
		HistoryDefaultLimit: 50,
		HistoryMaxLimit:     100,
		PublishTimeout:      time.Second,
		GeneralChatSlug:     "general",
		GeneralChatName:     "General Chat",
	}, logger)

	router := NewRouter(Handlers{
		Health:   NewHealthHandler(db, f.bus, svc, "test-1"),
		Users:    NewUserHandler(f.users, jwtSecret, time.Hour, logger),
		Chats:    NewChatHandler(svc, logger),
		Messages: NewMessageHandler(svc, logger),
		Stream:   NewStreamHandler(svc, time.Second, 5*time.Second, logger),
	}, jwtSecret, logger)

	f.server = httptest.NewServer(router)
	t.Cleanup(func() {
		f.server.Close()
		_ = f.bus.Close()
	})
	return f
}

func tokenFor(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	token, err := auth.GenerateToken(userID, "user_"+userID.String()[:8], jwtSecret, time.Hour)
	require.NoError(t, err)
	return token
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		f := newFixture(t, fakeDB{})

		resp := f.do(t, http.MethodGet, "/v1/health", "", nil)

		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[map[string]any](t, resp)
		require.Equal(t, "ok", body["status"])
		require.Equal(t, "ready", body["bus"])
		require.Equal(t, "test-1", body["instance"])
	})

	t.Run("database down", func(t *testing.T) {
		f := newFixture(t, fakeDB{err: errors.New("connection refused")})

		resp := f.do(t, http.MethodGet, "/v1/health", "", nil)

		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("bus degraded", func(t *testing.T) {
		f := newFixture(t, fakeDB{})
		f.broker.Disconnect()
		require.Eventually(t, func() bool { return f.bus.State() == pubsub.StateDegraded }, time.Second, 5*time.Millisecond)

		resp := f.do(t, http.MethodGet, "/v1/health", "", nil)

		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		require.Equal(t, "degraded", decode[map[string]any](t, resp)["bus"])
	})
}

func TestCreateUser(t *testing.T) {
	t.Run("returns user and usable token", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t, fakeDB{})

		created := &models.User{ID: uuid.New(), Username: "alice_1", IsActive: true}
		f.users.EXPECT().Create(gomock.Any(), "alice_1", nil, nil).Return(created, nil)
		f.users.EXPECT().GetByID(gomock.Any(), created.ID).Return(created, nil)
		f.users.EXPECT().TouchLastSeen(gomock.Any(), created.ID).Return(nil)

		resp := f.do(t, http.MethodPost, "/v1/users", "", gin.H{"username": "alice_1"})
		req.Equal(http.StatusCreated, resp.StatusCode)
		body := decode[createUserResponse](t, resp)
		req.Equal(created.ID, body.User.ID)
		req.NotEmpty(body.Token)

		me := f.do(t, http.MethodGet, "/v1/users/me", body.Token, nil)
		req.Equal(http.StatusOK, me.StatusCode)
		req.Equal("alice_1", decode[models.User](t, me).Username)
	})

	t.Run("rejects malformed username", func(t *testing.T) {
		f := newFixture(t, fakeDB{})
		for _, name := range []string{"ab", "has space", "dash-name", strings.Repeat("x", 51)} {
			resp := f.do(t, http.MethodPost, "/v1/users", "", gin.H{"username": name})
			require.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
		}
	})

	t.Run("taken username is a conflict", func(t *testing.T) {
		f := newFixture(t, fakeDB{})
		f.users.EXPECT().Create(gomock.Any(), "bob", nil, nil).
			Return(nil, repository.ErrConflict)

		resp := f.do(t, http.MethodPost, "/v1/users", "", gin.H{"username": "bob"})

		require.Equal(t, http.StatusConflict, resp.StatusCode)
	})
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	f := newFixture(t, fakeDB{})

	for _, path := range []string{"/v1/users/me", "/v1/chats", "/v1/chats/general"} {
		resp := f.do(t, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}

	resp := f.do(t, http.MethodGet, "/v1/users/me", "not-a-token", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSendMessage(t *testing.T) {
	chatID, alice := uuid.New(), uuid.New()
	path := "/v1/chats/" + chatID.String() + "/messages"

	t.Run("member", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t, fakeDB{})
		stored := &models.Message{ID: uuid.New(), ChatID: chatID, SenderID: alice, SenderDisplayName: "alice", Content: "hello", CreatedAt: time.Now().UTC()}

		f.chats.EXPECT().IsParticipant(gomock.Any(), chatID, alice).Return(true, nil)
		f.messages.EXPECT().Insert(gomock.Any(), chatID, alice, "hello").Return(stored, nil)

		resp := f.do(t, http.MethodPost, path, tokenFor(t, alice), gin.H{"content": "hello"})

		req.Equal(http.StatusCreated, resp.StatusCode)
		req.Equal(stored.ID, decode[models.Message](t, resp).ID)
	})

	t.Run("non member", func(t *testing.T) {
		f := newFixture(t, fakeDB{})
		f.chats.EXPECT().IsParticipant(gomock.Any(), chatID, alice).Return(false, nil)

		resp := f.do(t, http.MethodPost, path, tokenFor(t, alice), gin.H{"content": "hello"})

		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("too long", func(t *testing.T) {
		f := newFixture(t, fakeDB{})

		resp := f.do(t, http.MethodPost, path, tokenFor(t, alice), gin.H{"content": strings.Repeat("a", 1001)})

		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("bad chat id", func(t *testing.T) {
		f := newFixture(t, fakeDB{})

		resp := f.do(t, http.MethodPost, "/v1/chats/nope/messages", tokenFor(t, alice), gin.H{"content": "hello"})

		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHistory_BadPaging(t *testing.T) {
	f := newFixture(t, fakeDB{})
	path := "/v1/chats/" + uuid.NewString() + "/messages?limit=ten"

	resp := f.do(t, http.MethodGet, path, tokenFor(t, uuid.New()), nil)

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGeneralChat_NotBootstrapped(t *testing.T) {
	f := newFixture(t, fakeDB{})

	resp := f.do(t, http.MethodGet, "/v1/chats/general", tokenFor(t, uuid.New()), nil)

	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func wsURL(f *fixture, chatID uuid.UUID, token string) string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") +
		"/v1/chats/" + chatID.String() + "/subscribe?access_token=" + token
}

func TestSubscribe_StreamsSentMessages(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, fakeDB{})
	chatID, alice, bob := uuid.New(), uuid.New(), uuid.New()

	f.chats.EXPECT().IsParticipant(gomock.Any(), chatID, gomock.Any()).Return(true, nil).AnyTimes()
	f.messages.EXPECT().Insert(gomock.Any(), chatID, alice, gomock.Any()).
		DoAndReturn(func(_ context.Context, chatID, senderID uuid.UUID, content string) (*models.Message, error) {
			return &models.Message{ID: uuid.New(), ChatID: chatID, SenderID: senderID, SenderDisplayName: "alice", Content: content, CreatedAt: time.Now().UTC()}, nil
		}).Times(2)

	// Given bob is connected to the chat's stream
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(f, chatID, tokenFor(t, bob)), nil)
	req.NoError(err)
	defer conn.Close()
	req.Equal(http.StatusSwitchingProtocols, resp.StatusCode)
	req.Equal(1, f.bus.ListenerCount(chat.ChannelName(chatID)))

	// When alice sends two messages over HTTP
	for _, content := range []string{"hello", "how are you"} {
		sent := f.do(t, http.MethodPost, "/v1/chats/"+chatID.String()+"/messages", tokenFor(t, alice), gin.H{"content": content})
		req.Equal(http.StatusCreated, sent.StatusCode)
	}

	// Then bob receives both, in order
	for _, want := range []string{"hello", "how are you"} {
		req.NoError(conn.SetReadDeadline(time.Now().Add(time.Second)))
		var evt models.MessageEvent
		req.NoError(conn.ReadJSON(&evt))
		req.Equal(models.EventMessageCreated, evt.Kind)
		req.Equal(want, evt.Content)
	}

	// When bob disconnects, his listener is released
	req.NoError(conn.Close())
	req.Eventually(func() bool { return f.bus.ListenerCount(chat.ChannelName(chatID)) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribe_Refusals(t *testing.T) {
	chatID, mallory := uuid.New(), uuid.New()

	t.Run("non member gets 403 before upgrade", func(t *testing.T) {
		f := newFixture(t, fakeDB{})
		f.chats.EXPECT().IsParticipant(gomock.Any(), chatID, mallory).Return(false, nil)

		_, resp, err := websocket.DefaultDialer.Dial(wsURL(f, chatID, tokenFor(t, mallory)), nil)

		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("bus down gets 503 with retry hint", func(t *testing.T) {
		f := newFixture(t, fakeDB{})
		f.chats.EXPECT().IsParticipant(gomock.Any(), chatID, mallory).Return(true, nil)
		f.broker.Disconnect()
		require.Eventually(t, func() bool { return f.bus.State() == pubsub.StateDegraded }, time.Second, 5*time.Millisecond)

		_, resp, err := websocket.DefaultDialer.Dial(wsURL(f, chatID, tokenFor(t, mallory)), nil)

		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		require.Equal(t, retryAfterSeconds, resp.Header.Get("Retry-After"))
	})

	t.Run("query token only accepted on upgrades", func(t *testing.T) {
		f := newFixture(t, fakeDB{})

		resp := f.do(t, http.MethodGet, "/v1/chats?access_token="+tokenFor(t, mallory), "", nil)

		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}
