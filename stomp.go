package lobby

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

const (
	stompCommandConnect   = "CONNECT"
	stompCommandConnected = "CONNECTED"
	stompCommandSubscribe = "SUBSCRIBE"
	stompCommandMessage   = "MESSAGE"
)

type stompHeader struct {
	Name  string
	Value string
}

// stompFrame is one protocol frame: command line, header lines, blank line,
// body, NUL terminator. Header order is preserved because the service
// matches the handshake bytes exactly.
type stompFrame struct {
	Command string
	Headers []stompHeader
	Body    []byte
}

func (self *stompFrame) Header(name string) string {
	for _, header := range self.Headers {
		if header.Name == name {
			return header.Value
		}
	}
	return ""
}

func encodeStompFrame(frame *stompFrame) []byte {
	var buf bytes.Buffer
	buf.WriteString(frame.Command)
	buf.WriteByte('\n')
	for _, header := range frame.Headers {
		buf.WriteString(header.Name)
		buf.WriteByte(':')
		buf.WriteString(header.Value)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(frame.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

func decodeStompFrame(raw []byte) (*stompFrame, error) {
	head, body, found := bytes.Cut(raw, []byte("\n\n"))
	if !found {
		return nil, fmt.Errorf("frame has no header separator")
	}
	lines := strings.Split(string(head), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("frame has no command")
	}
	frame := &stompFrame{
		Command: lines[0],
	}
	for _, line := range lines[1:] {
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		frame.Headers = append(frame.Headers, stompHeader{Name: name, Value: value})
	}
	frame.Body = bytes.TrimSuffix(body, []byte{0})
	return frame, nil
}

// heartbeat frame is a bare newline
var stompHeartbeat = []byte("\n")

func stompConnectFrame() []byte {
	return encodeStompFrame(&stompFrame{
		Command: stompCommandConnect,
		Headers: []stompHeader{
			{"heart-beat", "30000,0"},
			{"accept-version", "1.0,1.1,1.2"},
		},
	})
}

func stompSubscribeFrame() []byte {
	return encodeStompFrame(&stompFrame{
		Command: stompCommandSubscribe,
		Headers: []stompHeader{
			{"id", "0"},
			{"destination", "launcher"},
		},
	})
}

type NotificationTransportSettings struct {
	Url                string
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	// used when the server grants no heartbeat interval
	DefaultHeartbeat time.Duration
}

func DefaultNotificationTransportSettings() *NotificationTransportSettings {
	return &NotificationTransportSettings{
		Url:                "wss://connect.epicgames.dev/stomp",
		WsHandshakeTimeout: 5 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        90 * time.Second,
		DefaultHeartbeat:   30 * time.Second,
	}
}

// NotificationMessageFunc receives decoded MESSAGE bodies keyed by their
// dotted type string.
type NotificationMessageFunc func(messageType string, payload map[string]any)

// NotificationTransport is the push-notification channel. It connects with
// the chat bearer, runs the connect/subscribe handshake, keeps the session
// alive with heartbeats and reconnects on any failure.
type NotificationTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	tokenSource func() string
	onMessage   NotificationMessageFunc
	onConnected func()

	settings *NotificationTransportSettings
}

func NewNotificationTransportWithDefaults(
	ctx context.Context,
	tokenSource func() string,
	onMessage NotificationMessageFunc,
	onConnected func(),
) *NotificationTransport {
	return NewNotificationTransport(ctx, tokenSource, onMessage, onConnected, DefaultNotificationTransportSettings())
}

func NewNotificationTransport(
	ctx context.Context,
	tokenSource func() string,
	onMessage NotificationMessageFunc,
	onConnected func(),
	settings *NotificationTransportSettings,
) *NotificationTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &NotificationTransport{
		ctx:         cancelCtx,
		cancel:      cancel,
		tokenSource: tokenSource,
		onMessage:   onMessage,
		onConnected: onConnected,
		settings:    settings,
	}
	go transport.run()
	return transport
}

func (self *NotificationTransport) run() {
	defer self.cancel()

	for {
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			header := http.Header{}
			header.Add("Authorization", fmt.Sprintf("Bearer %s", self.tokenSource()))
			ws, _, err := dialer.DialContext(self.ctx, self.settings.Url, header)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, stompConnectFrame()); err != nil {
				return nil, err
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[stomp]connect error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		self.serve(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *NotificationTransport) serve(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, raw, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[stomp]<- error = %s\n", err)
			return
		}
		if len(bytes.TrimSpace(raw)) == 0 {
			// server side heartbeat
			glog.V(2).Infof("[stomp]<- heartbeat\n")
			continue
		}

		frame, err := decodeStompFrame(raw)
		if err != nil {
			glog.Infof("[stomp]<- bad frame = %s\n", err)
			continue
		}

		switch frame.Command {
		case stompCommandConnected:
			heartbeat := self.grantedHeartbeat(frame)
			go self.heartbeatLoop(handleCtx, ws, heartbeat)

			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, stompSubscribeFrame()); err != nil {
				glog.Infof("[stomp]subscribe error = %s\n", err)
				return
			}
			glog.Infof("[stomp]connected, heartbeat %s\n", heartbeat)

		case stompCommandMessage:
			payload := map[string]any{}
			if err := json.Unmarshal(frame.Body, &payload); err != nil {
				glog.Infof("[stomp]<- bad body = %s\n", err)
				continue
			}
			messageType, _ := payload["type"].(string)
			glog.V(2).Infof("[stomp]<- %s\n", messageType)
			if messageType == "core.connect.v1.connected" {
				if self.onConnected != nil {
					self.onConnected()
				}
				continue
			}
			if self.onMessage != nil {
				self.onMessage(messageType, payload)
			}

		default:
			glog.V(2).Infof("[stomp]<- %s ignored\n", frame.Command)
		}
	}
}

// grantedHeartbeat reads the server's heart-beat reply header. The second
// value is the interval the server expects from us, in milliseconds.
func (self *NotificationTransport) grantedHeartbeat(frame *stompFrame) time.Duration {
	value := frame.Header("heart-beat")
	if value == "" {
		return self.settings.DefaultHeartbeat
	}
	parts := strings.Split(value, ",")
	if len(parts) < 2 {
		return self.settings.DefaultHeartbeat
	}
	ms, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || ms <= 0 {
		return self.settings.DefaultHeartbeat
	}
	return time.Duration(ms) * time.Millisecond
}

func (self *NotificationTransport) heartbeatLoop(ctx context.Context, ws *websocket.Conn, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		if err := ws.WriteMessage(websocket.TextMessage, stompHeartbeat); err != nil {
			glog.Infof("[stomp]heartbeat error = %s\n", err)
			return
		}
		glog.V(2).Infof("[stomp]-> heartbeat\n")
	}
}

func (self *NotificationTransport) Close() {
	self.cancel()
}
