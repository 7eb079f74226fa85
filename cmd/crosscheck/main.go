// Command crosscheck verifies cross-instance delivery against running
// servers: it subscribes to the general chat on one instance, sends
// through the others, and checks every message arrives in order.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/relaychat/internal/middleware"
	"github.com/lalith-99/relaychat/internal/models"
	"github.com/lalith-99/relaychat/internal/observ"
	"github.com/lalith-99/relaychat/internal/router"
	"go.uber.org/zap"
)

func main() {
	users := flag.String("users", "http://localhost:8081", "comma separated user service endpoints")
	chats := flag.String("chats", "http://localhost:8081,http://localhost:8082", "comma separated chat service endpoints")
	streams := flag.String("streams", "http://localhost:8082", "comma separated stream endpoints")
	count := flag.Int("count", 5, "messages to send")
	timeout := flag.Duration("timeout", 10*time.Second, "overall deadline")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger, err := observ.NewLogger("development", *logLevel, "crosscheck")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Offset the chat pool by one so the first send does not land on the
	// instance holding the subscription when both pools share endpoints.
	chatCounter := new(atomic.Uint64)
	chatCounter.Store(1)

	rt := router.New(
		router.NewRoundRobin(split(*users), nil),
		router.NewRoundRobin(split(*chats), chatCounter),
		router.NewRoundRobin(split(*streams), nil),
	)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := &checker{router: rt, http: &http.Client{Timeout: *timeout}, logger: logger}
	if err := c.run(ctx, *count); err != nil {
		logger.Error("cross-instance check failed", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("cross-instance check passed", zap.Int("messages", *count))
}

type checker struct {
	router *router.Router
	http   *http.Client
	logger *zap.Logger
	token  string
}

func (c *checker) run(ctx context.Context, count int) error {
	if count < 1 {
		return errors.New("count must be positive")
	}

	var created struct {
		User  models.User `json:"user"`
		Token string      `json:"token"`
	}
	username := "xcheck_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	if err := c.call(ctx, router.Operation{Name: "createUser", Kind: router.Mutation},
		http.MethodPost, "/v1/users", map[string]string{"username": username}, &created); err != nil {
		return err
	}
	c.token = created.Token
	c.logger.Info("user created", zap.String("username", username), zap.Stringer("user_id", created.User.ID))

	var general models.Chat
	if err := c.call(ctx, router.Operation{Name: "joinGeneralChat", Kind: router.Mutation},
		http.MethodPost, "/v1/chats/general/join", nil, &general); err != nil {
		return err
	}

	conn, err := c.dial(ctx, general.ID)
	if err != nil {
		return err
	}
	defer conn.Close()

	sent := make([]uuid.UUID, 0, count)
	for i := range count {
		var msg models.Message
		body := map[string]string{"content": fmt.Sprintf("crosscheck %d from %s", i+1, username)}
		if err := c.call(ctx, router.Operation{Name: "sendMessage", Kind: router.Mutation},
			http.MethodPost, "/v1/chats/"+general.ID.String()+"/messages", body, &msg); err != nil {
			return err
		}
		sent = append(sent, msg.ID)
	}

	return c.expect(ctx, conn, created.User.ID, sent)
}

// expect reads events until every sent id has arrived. Messages from other
// users in the general chat are skipped.
func (c *checker) expect(ctx context.Context, conn *websocket.Conn, sender uuid.UUID, sent []uuid.UUID) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	for next := 0; next < len(sent); {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read event %d of %d: %w", next+1, len(sent), err)
		}
		var ev models.MessageEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if ev.Kind != models.EventMessageCreated || ev.SenderID != sender {
			continue
		}
		if ev.ID != sent[next] {
			return fmt.Errorf("event %d: got message %s, want %s", next+1, ev.ID, sent[next])
		}
		c.logger.Debug("event received", zap.Stringer("message_id", ev.ID))
		next++
	}
	return nil
}

func (c *checker) dial(ctx context.Context, chatID uuid.UUID) (*websocket.Conn, error) {
	endpoint, err := c.router.Route(router.Operation{Name: "subscribeMessages", Kind: router.Subscription})
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse stream endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/v1/chats/" + chatID.String() + "/subscribe"
	u.RawQuery = url.Values{middleware.QueryTokenParam: {c.token}}.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("subscribe on %s: %s: %w", endpoint, resp.Status, err)
		}
		return nil, fmt.Errorf("subscribe on %s: %w", endpoint, err)
	}
	c.logger.Info("subscribed", zap.String("endpoint", endpoint))
	return conn, nil
}

func (c *checker) call(ctx context.Context, op router.Operation, method, path string, in, out any) error {
	endpoint, err := c.router.Route(op)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op.Name, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(endpoint, "/")+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s on %s: %w", op.Name, endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s on %s: read body: %w", op.Name, endpoint, err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s on %s: %s: %s", op.Name, endpoint, resp.Status, bytes.TrimSpace(data))
	}
	c.logger.Debug("call ok", zap.String("op", op.Name), zap.String("endpoint", endpoint))

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode: %w", op.Name, err)
	}
	return nil
}

func split(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
