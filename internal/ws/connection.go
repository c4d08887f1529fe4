package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tetatet/internal/models"
)

const (
	outboundQueueSize = 100
	keepaliveInterval = 30 * time.Second
	writeTimeout      = 10 * time.Second
)

var errQueueFull = errors.New("outbound queue full")

type wsConn interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// messenger sends a chat message on behalf of the connected user.
type messenger interface {
	SendMessage(sender, receiver models.User, text string) (models.MessageDTO, error)
}

// directory resolves receiver IDs arriving in client frames.
type directory interface {
	UserByID(id string) (models.User, error)
}

// Connection owns one websocket. All writes to the socket happen in mainLoop,
// so the single-writer requirement of gorilla/websocket holds; everything
// else talks to the connection through the outbound queue.
type Connection struct {
	ID string

	logger *zap.SugaredLogger
	ws     wsConn
	user   models.User
	svc    messenger
	users  directory

	fromClient chan models.ClientEvent
	outbound   chan models.ServerEvent
	errorCh    chan error
}

func NewConnection(
	id string,
	logger *zap.SugaredLogger,
	ws wsConn,
	user models.User,
	svc messenger,
	users directory,
) *Connection {
	return &Connection{
		ID:         id,
		logger:     logger,
		ws:         ws,
		user:       user,
		svc:        svc,
		users:      users,
		fromClient: make(chan models.ClientEvent),
		outbound:   make(chan models.ServerEvent, outboundQueueSize),
		errorCh:    make(chan error, 2),
	}
}

// User returns the authenticated owner of the connection.
func (c *Connection) User() models.User {
	return c.user
}

// Enqueue hands an event to the connection's writer loop without blocking.
func (c *Connection) Enqueue(event models.ServerEvent) error {
	select {
	case c.outbound <- event:
		return nil
	default:
		return errQueueFull
	}
}

// Close tears down the underlying socket, which unblocks Handle.
func (c *Connection) Close() error {
	return c.ws.Close()
}

// Handle runs the connection until the socket fails, the client disconnects
// or the context is cancelled. A clean shutdown returns nil.
func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer close(c.errorCh)

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpEvents(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *Connection) pumpEvents(ctx context.Context) error {
	for {
		var ev models.ClientEvent
		if err := c.ws.ReadJSON(&ev); err != nil {
			return err
		}
		select {
		case c.fromClient <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case ev := <-c.fromClient:
			c.processClientEvent(ev)
		case ev := <-c.outbound:
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-keepalive.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// processClientEvent handles one inbound frame. Failures never kill the
// connection: the client gets a SendFailed event instead.
func (c *Connection) processClientEvent(ev models.ClientEvent) {
	switch ev.Type {
	case models.ClientEventSend:
		receiver, err := c.users.UserByID(ev.To)
		if err != nil {
			c.sendFailed(ev.To, "unknown receiver")
			return
		}
		if _, err := c.svc.SendMessage(c.user, receiver, ev.Text); err != nil {
			c.logger.Warnw("send failed",
				"user_id", c.user.ID, "receiver_id", ev.To, "error", err)
			c.sendFailed(ev.To, err.Error())
		}
	default:
		c.logger.Debugw("ignoring unknown client event",
			"user_id", c.user.ID, "type", ev.Type)
	}
}

func (c *Connection) sendFailed(to, reason string) {
	err := c.Enqueue(models.ServerEvent{
		Event:   models.EventSendFailed,
		Payload: models.SendFailure{To: to, Reason: reason},
	})
	if err != nil {
		c.logger.Warnw("failed to report send failure",
			"user_id", c.user.ID, "error", err)
	}
}
