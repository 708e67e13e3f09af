package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/events"
)

// Commands accepted on the websocket channel.
const (
	cmdStartCrawl   = "start-crawl"
	cmdStopCrawl    = "stop-crawl"
	cmdUpdateLinks  = "update-links"
	cmdStartImports = "start-imports"
	cmdStopImports  = "stop-imports"
	cmdSiteOpened   = "extension_site_opened"
	cmdSchemaUpdate = "extension_site_schema_update"
)

const (
	socketSendBuffer = 256
	socketWriteWait  = 10 * time.Second
	socketPongWait   = 60 * time.Second
	socketPingPeriod = socketPongWait * 9 / 10
	socketReadLimit  = maxRequestBytes
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The schema editor connects from a browser extension origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type linksPayload struct {
	Links string `json:"links"`
}

type schemaPayload struct {
	Host   string          `json:"host"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

// socketClient is a hub listener bound to one websocket connection.
type socketClient struct {
	id     string
	conn   *websocket.Conn
	send   chan events.Event
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func newSocketClient(conn *websocket.Conn, logger *zap.Logger) *socketClient {
	id := uuid.NewString()
	return &socketClient{
		id:     id,
		conn:   conn,
		send:   make(chan events.Event, socketSendBuffer),
		done:   make(chan struct{}),
		logger: logger.With(zap.String("client_id", id)),
	}
}

// Consume implements events.Listener. A client that cannot keep up is dropped.
func (c *socketClient) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		if !c.enqueue(evt) {
			return events.ErrListenerClosed
		}
	}
	return nil
}

// Close implements events.Listener.
func (c *socketClient) Close(context.Context) error {
	c.shutdown()
	return nil
}

func (c *socketClient) enqueue(evt events.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- evt:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("websocket client too slow, disconnecting")
		c.shutdown()
		return false
	}
}

func (c *socketClient) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *socketClient) writeLoop() {
	ticker := time.NewTicker(socketPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case evt := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := c.conn.WriteJSON(evt); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

func (s *Server) serveSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := newSocketClient(conn, s.logger)
	unsubscribe := s.hub.Subscribe(client)
	defer unsubscribe()
	defer client.shutdown()

	client.logger.Info("websocket client connected", zap.String("remote", r.RemoteAddr))
	go client.writeLoop()

	client.enqueue(events.Event{Name: events.CrawlStatus, Data: events.Status{IsRunning: s.commands.crawl.Running()}})
	client.enqueue(events.Event{Name: events.ImportStatus, Data: events.Status{IsRunning: s.commands.imports.Running()}})

	s.readLoop(context.WithoutCancel(r.Context()), client)
	client.logger.Info("websocket client disconnected")
}

func (s *Server) readLoop(ctx context.Context, c *socketClient) {
	c.conn.SetReadLimit(socketReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(socketPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(socketPongWait))
	})
	for {
		var msg inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(socketPongWait))
		s.dispatch(ctx, c, msg)
	}
}

func (s *Server) dispatch(ctx context.Context, c *socketClient, msg inbound) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	logger := c.logger.With(zap.String("command", msg.Event))
	switch msg.Event {
	case cmdStartCrawl:
		if _, err := s.commands.StartCrawl(ctx); err != nil {
			logger.Error("start crawl failed", zap.Error(err))
		}
	case cmdStopCrawl:
		s.commands.StopCrawl()
	case cmdStartImports:
		if _, err := s.commands.StartImports(ctx); err != nil {
			logger.Error("start imports failed", zap.Error(err))
		}
	case cmdStopImports:
		s.commands.StopImports()
	case cmdUpdateLinks:
		var payload linksPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			c.enqueue(events.Event{Name: events.LinksUpdated, Data: events.LinksResult{Status: "error", Message: "Invalid links provided"}})
			return
		}
		if _, err := s.commands.UpdateLinks(ctx, payload.Links); err != nil {
			logger.Warn("update links failed", zap.Error(err))
			c.enqueue(events.Event{Name: events.LinksUpdated, Data: events.LinksResult{Status: "error", Message: err.Error()}})
			return
		}
		c.enqueue(events.Event{Name: events.LinksUpdated, Data: events.LinksResult{Status: "success"}})
	case cmdSiteOpened:
		var payload schemaPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			logger.Warn("malformed payload", zap.Error(err))
			return
		}
		raw, err := s.commands.Schema(payload.Host)
		if err != nil {
			if !errors.Is(err, crawler.ErrNotFound) {
				logger.Warn("schema lookup failed", zap.String("host", payload.Host), zap.Error(err))
			}
			return
		}
		c.enqueue(events.Event{Name: events.SiteSchema, Data: raw})
	case cmdSchemaUpdate:
		var payload schemaPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			logger.Warn("malformed payload", zap.Error(err))
			return
		}
		if err := s.commands.SaveSchema(payload.Host, payload.Schema); err != nil {
			logger.Error("schema update failed", zap.String("host", payload.Host), zap.Error(err))
		}
	default:
		logger.Debug("ignoring unknown command")
	}
}
