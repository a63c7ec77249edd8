package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"vision-server/internal/domain"
	"vision-server/internal/engine"
	"vision-server/pkg/api"
	"vision-server/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Настройки WebSocket
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10 // полигоны областей бывают длинными
	commandTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client - посредник между Websocket и картой
type Client struct {
	Service *engine.MapService
	Schemas *api.SchemaValidator
	Conn    *websocket.Conn

	// Send - ответы на команды. Кадры и SYNC приходят через updates.
	Send chan api.ServerMessage

	ctx      context.Context
	cancel   context.CancelFunc
	actor    domain.Actor
	instance *engine.Instance
	updates  chan api.ServerMessage
	ready    chan struct{}
	log      *logrus.Entry
}

func NewClient(ctx context.Context, service *engine.MapService, schemas *api.SchemaValidator, conn *websocket.Conn) *Client {
	ctx, cancel := context.WithCancel(ctx)
	return &Client{
		Service: service,
		Schemas: schemas,
		Conn:    conn,
		Send:    make(chan api.ServerMessage, 64),
		ctx:     ctx,
		cancel:  cancel,
		ready:   make(chan struct{}),
		log:     logger.For("ws_client"),
	}
}

// readPump читает команды от клиента
func (c *Client) readPump() {
	defer func() {
		c.cancel()
		if c.instance != nil {
			// Переподключившийся наблюдатель остается на карте
			if c.instance.Hub.Unregister(c.actor.CallerID, c.updates) {
				c.instance.Leave(c.actor.CallerID)
			}
			c.log.WithFields(logrus.Fields{
				"map_id":    c.instance.ID,
				"caller_id": c.actor.CallerID,
			}).Info("Client disconnected")
		}
		if err := c.Conn.Close(); err != nil {
			c.log.WithError(err).Debug("failed to close websocket connection")
		}
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	if err := c.Conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.WithError(err).Warn("failed to set read deadline")
	}
	c.Conn.SetPongHandler(func(string) error {
		if err := c.Conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.WithError(err).Warn("failed to set pong read deadline")
		}
		return nil
	})

	// Первое успешное сообщение - INIT (handshake), затем команды
	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("WS read error")
			}
			return
		}
		cmd, err := c.parse(raw)
		if err != nil {
			c.reply(errorMessage(err))
			continue
		}
		action := domain.ParseAction(cmd.Action)

		if c.instance == nil {
			if action != domain.ActionInit {
				c.reply(errorMessage(domain.NewValidationError("action", "first message must be INIT, got %q", cmd.Action)))
				continue
			}
			c.initialize(cmd)
			continue
		}
		if action == domain.ActionInit {
			c.reply(errorMessage(domain.NewValidationError("action", "session is already initialized")))
			continue
		}
		c.execute(action, cmd)
	}
}

// initialize подключает клиента к карте и регистрирует наблюдателя.
// При ошибке клиент может повторить INIT.
func (c *Client) initialize(cmd api.ClientCommand) {
	var init api.InitPayload
	if err := json.Unmarshal(cmd.Payload, &init); err != nil {
		c.reply(errorMessage(domain.NewValidationError("payload", "%v", err)))
		return
	}
	if err := init.Validate(); err != nil {
		c.reply(errorMessage(domain.NewValidationError("payload", "%v", err)))
		return
	}

	actor := domain.Actor{CallerID: init.CallerID, Role: domain.ParseRole(init.Role)}
	ctx, cancel := context.WithTimeout(c.ctx, commandTimeout)
	defer cancel()
	inst, err := c.Service.GetOrCreate(ctx, init.MapID)
	if err != nil {
		c.reply(errorMessage(err))
		return
	}

	// Подписка до INIT: первый кадр не должен потеряться
	updates := inst.Hub.Register(actor.CallerID)
	res, err := inst.Submit(ctx, domain.InternalCommand{Action: domain.ActionInit, Actor: actor, Payload: cmd.Payload})
	if err == nil {
		err = res.Err
	}
	if err != nil {
		inst.Hub.Unregister(actor.CallerID, updates)
		c.reply(errorMessage(err))
		return
	}

	c.actor, c.instance, c.updates = actor, inst, updates
	close(c.ready)
	c.reply(api.ServerMessage{
		Type:     api.MsgTypeResult,
		MapID:    inst.ID,
		ViewerID: actor.CallerID,
		Result:   &api.ResultView{Action: cmd.Action, ID: res.ID},
	})

	c.log.WithFields(logrus.Fields{
		"map_id":    inst.ID,
		"caller_id": actor.CallerID,
		"role":      actor.Role,
	}).Info("Client logged in")
}

// parse проверяет конверт команды по схеме и распаковывает его.
func (c *Client) parse(raw []byte) (api.ClientCommand, error) {
	var cmd api.ClientCommand
	if c.Schemas != nil {
		if err := c.Schemas.ValidateCommand(raw); err != nil {
			return cmd, domain.NewValidationError("command", "%v", err)
		}
	}
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return cmd, domain.NewValidationError("command", "%v", err)
	}
	return cmd, nil
}

func (c *Client) execute(action domain.ActionType, cmd api.ClientCommand) {
	if action == domain.ActionUnknown {
		c.reply(errorMessage(domain.NewValidationError("action", "unknown action %q", cmd.Action)))
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, commandTimeout)
	defer cancel()

	res, err := c.instance.Submit(ctx, domain.InternalCommand{Action: action, Actor: c.actor, Payload: cmd.Payload})
	if err == nil {
		err = res.Err
	}
	if err != nil {
		c.reply(errorMessage(err))
		return
	}
	c.reply(api.ServerMessage{
		Type:     api.MsgTypeResult,
		MapID:    c.instance.ID,
		ViewerID: c.actor.CallerID,
		Result:   &api.ResultView{Action: cmd.Action, ID: res.ID},
	})
}

// reply не блокирует чтение: при переполнении ответ теряется
func (c *Client) reply(msg api.ServerMessage) {
	select {
	case c.Send <- msg:
	default:
		c.log.WithField("type", msg.Type).Warn("Client send buffer is full, reply dropped")
	}
}

// writePump отправляет данные клиенту + Ping
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.Conn.Close(); err != nil {
			c.log.WithError(err).Debug("failed to close websocket connection in writePump")
		}
	}()

	// До INIT канала обновлений нет: nil-канал в select не срабатывает
	var updates chan api.ServerMessage
	ready := c.ready

	for {
		select {
		case <-c.ctx.Done():
			return

		case <-ready:
			updates = c.updates
			ready = nil

		case message, ok := <-updates:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.WithError(err).Warn("failed to set write deadline")
			}
			if !ok {
				// Карта остановлена или сессия перехвачена новым подключением
				if err := c.Conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					c.log.WithError(err).Debug("write close message failed")
				}
				return
			}
			if err := c.Conn.WriteJSON(message); err != nil {
				c.log.WithError(err).Debug("write json message failed")
				return
			}

		case message := <-c.Send:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.WithError(err).Warn("failed to set write deadline")
			}
			if err := c.Conn.WriteJSON(message); err != nil {
				c.log.WithError(err).Debug("write json message failed")
				return
			}

		case <-ticker.C:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.WithError(err).Warn("failed to set ping write deadline")
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.WithError(err).Debug("ping failed")
				return
			}
		}
	}
}
