// fogview - терминальный клиент: подключается к серверу по WebSocket и рисует
// кадры тумана войны. Стрелки двигают наблюдателя, q или Esc - выход.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"vision-server/pkg/api"
	"vision-server/pkg/logger"

	"github.com/gdamore/tcell/v2"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type options struct {
	addr    string
	mapID   string
	id      string
	role    string
	x, y    float64
	logPath string
}

type viewer struct {
	screen tcell.Screen
	conn   *websocket.Conn
	opts   options

	x, y   float64
	frame  *api.FrameView
	status string
	log    *logrus.Entry
}

func main() {
	var opts options
	flag.StringVar(&opts.addr, "addr", "ws://localhost:8080/ws", "Server WebSocket URL")
	flag.StringVar(&opts.mapID, "map", "default", "Map ID")
	flag.StringVar(&opts.id, "id", "fogview", "Caller ID")
	flag.StringVar(&opts.role, "role", "player", "Role: player | gm")
	flag.Float64Var(&opts.x, "x", 10, "Start X")
	flag.Float64Var(&opts.y, "y", 10, "Start Y")
	flag.StringVar(&opts.logPath, "log", "", "Log file (terminal is taken by the view)")
	flag.Parse()

	// Экран занят отрисовкой: лог только в файл
	var out io.Writer = io.Discard
	if opts.logPath != "" {
		f, err := os.OpenFile(opts.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}
	logger.Configure(os.Getenv("LOG_LEVEL"), "text", out)

	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts options) error {
	conn, _, err := websocket.DefaultDialer.Dial(opts.addr, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.addr, err)
	}
	defer conn.Close()

	screen, err := tcell.NewScreen()
	if err != nil {
		return err
	}
	if err := screen.Init(); err != nil {
		return err
	}
	defer screen.Fini()

	v := &viewer{
		screen: screen,
		conn:   conn,
		opts:   opts,
		x:      opts.x,
		y:      opts.y,
		status: "connecting...",
		log:    logger.For("fogview").WithField("map_id", opts.mapID),
	}
	if err := v.send("INIT", api.InitPayload{MapID: opts.mapID, CallerID: opts.id, Role: opts.role, X: opts.x, Y: opts.y}); err != nil {
		return err
	}
	return v.loop()
}

func (v *viewer) loop() error {
	events := make(chan tcell.Event, 100)
	go func() {
		for {
			ev := v.screen.PollEvent()
			if ev == nil {
				return
			}
			events <- ev
		}
	}()

	messages := make(chan api.ServerMessage, 32)
	readErr := make(chan error, 1)
	go func() {
		for {
			var msg api.ServerMessage
			if err := v.conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			messages <- msg
		}
	}()

	v.redraw()
	for {
		select {
		case ev := <-events:
			if !v.handleEvent(ev) {
				return nil
			}
		case msg := <-messages:
			v.handleMessage(msg)
		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}
	}
}

func (v *viewer) handleEvent(ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		if ev.Key() == tcell.KeyEscape || ev.Key() == tcell.KeyCtrlC ||
			(ev.Key() == tcell.KeyRune && ev.Rune() == 'q') {
			return false
		}
		step := 1.0
		if v.frame != nil && v.frame.CellSize > 0 {
			step = v.frame.CellSize
		}
		dx, dy := 0.0, 0.0
		switch ev.Key() {
		case tcell.KeyUp:
			dy = -step
		case tcell.KeyDown:
			dy = step
		case tcell.KeyLeft:
			dx = -step
		case tcell.KeyRight:
			dx = step
		default:
			return true
		}
		if err := v.send("MOVE", api.PositionPayload{X: v.x + dx, Y: v.y + dy}); err != nil {
			v.log.WithError(err).Warn("failed to send move")
		}
	case *tcell.EventResize:
		v.screen.Sync()
		v.redraw()
	}
	return true
}

func (v *viewer) handleMessage(msg api.ServerMessage) {
	switch msg.Type {
	case api.MsgTypeFrame:
		if msg.Frame == nil {
			return
		}
		v.frame = msg.Frame
		v.x, v.y = msg.Frame.Viewer.X, msg.Frame.Viewer.Y
		v.status = fmt.Sprintf("%s | %s @ (%.1f, %.1f) | tick %d | arrows move, q quits",
			v.opts.mapID, v.opts.id, v.x, v.y, msg.Tick)
		v.redraw()
	case api.MsgTypeError:
		if msg.Error != nil {
			v.status = fmt.Sprintf("error %s: %s", msg.Error.Code, msg.Error.Message)
			v.log.WithField("code", msg.Error.Code).Warn(msg.Error.Message)
			v.redraw()
		}
	case api.MsgTypeSync:
		v.log.WithField("bytes", len(msg.Event)).Debug("Sync event")
	}
}

func (v *viewer) redraw() {
	if v.frame == nil {
		v.screen.Clear()
		drawStatus(v.screen, v.status)
		v.screen.Show()
		return
	}
	drawFrame(v.screen, v.frame, v.status)
}

func (v *viewer) send(action string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return v.conn.WriteJSON(api.ClientCommand{Action: action, Payload: raw})
}
