package lobby

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateAuthenticating
	StateBound
	StateReady
)

func (self ConnectionState) String() string {
	switch self {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateBound:
		return "bound"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

const streamAdminSender = "xmpp-admin@prod.ol.epicgames.com"

const streamOpenStanza = "<open xmlns='urn:ietf:params:xml:ns:xmpp-framing' to='prod.ol.epicgames.com' version='1.0' />"

type StreamTransportSettings struct {
	Url                string
	Domain             string
	Platform           string
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	SendTimeout        time.Duration
	PingInterval       time.Duration
	WatchdogInterval   time.Duration
	// restart when no pong lands inside this window
	PongWindow       time.Duration
	PresenceInterval time.Duration
	ResyncDelay      time.Duration
	CloseTimeout     time.Duration
}

func DefaultStreamTransportSettings() *StreamTransportSettings {
	return &StreamTransportSettings{
		Url:                "wss://xmpp-service-prod.ol.epicgames.com",
		Domain:             "prod.ol.epicgames.com",
		Platform:           "WIN",
		WsHandshakeTimeout: 5 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		SendTimeout:        5 * time.Second,
		PingInterval:       10 * time.Second,
		WatchdogInterval:   5 * time.Second,
		PongWindow:         20 * time.Second,
		PresenceInterval:   1 * time.Second,
		ResyncDelay:        2 * time.Second,
		CloseTimeout:       1 * time.Second,
	}
}

// StreamTransport is the presence/messaging channel: a raw XMPP session over
// a websocket. It authenticates with SASL PLAIN, binds a platform resource,
// then keeps the session alive with pings, a liveness watchdog and a
// level-triggered presence publisher.
type StreamTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	userIdSource func() string
	tokenSource  func() string

	onEvent    NotificationMessageFunc
	onPresence func(presence *Presence)
	// asks the orchestration layer to resynchronize party state after a restart
	onResync func()
	onClose  func()

	settings *StreamTransportSettings

	resourceHex string

	stateLock  sync.Mutex
	state      ConnectionState
	ws         *websocket.Conn
	wsCancel   context.CancelFunc
	lastPong   time.Time
	restarting bool
	// the stanza the publisher converges the session toward
	desiredPresence string
}

func NewStreamTransportWithDefaults(
	ctx context.Context,
	userIdSource func() string,
	tokenSource func() string,
) *StreamTransport {
	return NewStreamTransport(ctx, userIdSource, tokenSource, DefaultStreamTransportSettings())
}

func NewStreamTransport(
	ctx context.Context,
	userIdSource func() string,
	tokenSource func() string,
	settings *StreamTransportSettings,
) *StreamTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &StreamTransport{
		ctx:             cancelCtx,
		cancel:          cancel,
		userIdSource:    userIdSource,
		tokenSource:     tokenSource,
		settings:        settings,
		resourceHex:     strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")),
		desiredPresence: "<presence/>",
	}
}

func (self *StreamTransport) SetHandlers(
	onEvent NotificationMessageFunc,
	onPresence func(presence *Presence),
	onResync func(),
	onClose func(),
) {
	self.onEvent = onEvent
	self.onPresence = onPresence
	self.onResync = onResync
	self.onClose = onClose
}

// Resource identifies this session to the service.
func (self *StreamTransport) Resource() string {
	return fmt.Sprintf("V2:Fortnite:%s::%s", self.settings.Platform, self.resourceHex)
}

func (self *StreamTransport) LocalJid() string {
	return fmt.Sprintf("%s@%s/%s", self.userIdSource(), self.settings.Domain, self.Resource())
}

func (self *StreamTransport) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *StreamTransport) setState(state ConnectionState) {
	self.stateLock.Lock()
	self.state = state
	self.stateLock.Unlock()
	glog.V(2).Infof("[xmpp]state %s\n", state)
}

// Start launches the connect loop. Idempotent only in the sense that the
// caller owns exactly one transport per client.
func (self *StreamTransport) Start() {
	go self.run()
}

func (self *StreamTransport) run() {
	defer self.cancel()

	for {
		err := self.connectOnce()
		if err != nil {
			glog.Infof("[xmpp]connect error = %s\n", err)
		}
		self.setState(StateDisconnected)
		if self.onClose != nil {
			self.onClose()
		}
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *StreamTransport) connectOnce() error {
	self.setState(StateConnecting)

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
		Subprotocols:     []string{"xmpp"},
	}
	header := http.Header{}
	header.Add("Authorization", fmt.Sprintf("Bearer %s", self.tokenSource()))
	ws, _, err := dialer.DialContext(self.ctx, self.settings.Url, header)
	if err != nil {
		return err
	}

	wsCtx, wsCancel := context.WithCancel(self.ctx)
	defer wsCancel()

	self.stateLock.Lock()
	self.ws = ws
	self.wsCancel = wsCancel
	self.lastPong = time.Time{}
	self.stateLock.Unlock()

	defer func() {
		self.stateLock.Lock()
		self.ws = nil
		self.wsCancel = nil
		self.stateLock.Unlock()
		ws.Close()
	}()

	if err := self.send(streamOpenStanza); err != nil {
		return err
	}

	authed := false
	for {
		select {
		case <-wsCtx.Done():
			return nil
		default:
		}

		_, raw, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		if err := self.parseMessage(wsCtx, string(raw), &authed); err != nil {
			return err
		}
	}
}

// parseMessage advances the session state machine one inbound stanza at a
// time, mirroring the service's handshake order exactly.
func (self *StreamTransport) parseMessage(wsCtx context.Context, raw string, authed *bool) error {
	if !strings.Contains(raw, "<presence") {
		glog.V(2).Infof("[xmpp]<- %s\n", raw)
	}

	switch {
	case strings.Contains(raw, "<stream:features") && !*authed:
		self.setState(StateAuthenticating)
		saslMsg := base64.StdEncoding.EncodeToString(
			[]byte(fmt.Sprintf("\x00%s\x00%s", self.userIdSource(), self.tokenSource())),
		)
		return self.send(fmt.Sprintf(
			"<auth xmlns='urn:ietf:params:xml:ns:xmpp-sasl' mechanism='PLAIN'>%s</auth>",
			saslMsg,
		))

	case strings.Contains(raw, "<success"):
		*authed = true
		return self.send(streamOpenStanza)

	case strings.HasPrefix(raw, "<stream:features") && strings.Contains(raw, "xmpp-bind"):
		self.setState(StateBound)
		return self.send(fmt.Sprintf(
			"<iq type='set' id='bind_1'>"+
				"<bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'>"+
				"<resource>%s</resource>"+
				"</bind></iq>",
			self.Resource(),
		))

	case strings.Contains(raw, `type="result"`) && strings.Contains(raw, `id="bind_1"`):
		if err := self.send("<iq type='set' id='sess_1'><session xmlns='urn:ietf:params:xml:ns:xmpp-session'/></iq>"); err != nil {
			return err
		}
		self.stateLock.Lock()
		self.lastPong = time.Now()
		self.stateLock.Unlock()
		go self.pingLoop(wsCtx)
		go self.watchdogLoop(wsCtx)
		go self.presenceLoop(wsCtx)
		self.setState(StateReady)
		return nil

	case strings.Contains(raw, `type="result"`) && strings.Contains(raw, `id="ping"`):
		self.stateLock.Lock()
		self.lastPong = time.Now()
		self.stateLock.Unlock()
		glog.V(2).Infof("[xmpp]<- pong\n")
		return nil

	default:
		self.processStanza(raw)
		return nil
	}
}

func (self *StreamTransport) pingLoop(ctx context.Context) {
	for {
		self.Send("<iq type='get' id='ping'><ping xmlns='urn:xmpp:ping'/></iq>")
		select {
		case <-ctx.Done():
			return
		case <-time.After(self.settings.PingInterval):
		}
	}
}

func (self *StreamTransport) watchdogLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(self.settings.WatchdogInterval):
		}
		self.stateLock.Lock()
		lastPong := self.lastPong
		self.stateLock.Unlock()
		if !lastPong.IsZero() && self.settings.PongWindow < time.Since(lastPong) {
			glog.Infof("[xmpp]no pong in %s, restarting\n", self.settings.PongWindow)
			self.Restart()
			return
		}
	}
}

// presenceLoop republishes whenever the desired stanza differs from the last
// sent one. Level triggered so a dropped send converges on the next tick.
func (self *StreamTransport) presenceLoop(ctx context.Context) {
	sent := ""
	for {
		self.stateLock.Lock()
		desired := self.desiredPresence
		self.stateLock.Unlock()
		if desired != sent {
			if err := self.Send(desired); err == nil {
				sent = desired
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(self.settings.PresenceInterval):
		}
	}
}

// Send writes one stanza with the send timeout. A timed-out or reset write
// triggers a restart instead of propagating; only a closed transport errors.
func (self *StreamTransport) Send(data string) error {
	err := self.send(data)
	if err == nil {
		return nil
	}
	var connErr *ConnError
	if errors.As(err, &connErr) {
		return err
	}
	glog.Infof("[xmpp]send error = %s, restarting\n", err)
	go self.Restart()
	return nil
}

func (self *StreamTransport) send(data string) error {
	self.stateLock.Lock()
	ws := self.ws
	self.stateLock.Unlock()
	if ws == nil {
		return &ConnError{Message: "attempted to write to closed stream"}
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.SendTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		return err
	}
	if !strings.HasPrefix(data, "<presence") {
		glog.V(2).Infof("[xmpp]-> %s\n", data)
	}
	return nil
}

// Restart tears the connection down and waits for the rebuilt session, then
// asks the orchestration layer to resync party state. Re-entrant calls while
// a restart is in progress are no-ops.
func (self *StreamTransport) Restart() {
	self.stateLock.Lock()
	if self.restarting {
		self.stateLock.Unlock()
		return
	}
	self.restarting = true
	wsCancel := self.wsCancel
	ws := self.ws
	self.stateLock.Unlock()

	defer func() {
		self.stateLock.Lock()
		self.restarting = false
		self.stateLock.Unlock()
	}()

	glog.Infof("[xmpp]restarting\n")
	if wsCancel != nil {
		wsCancel()
	}
	if ws != nil {
		ws.SetWriteDeadline(time.Now().Add(self.settings.CloseTimeout))
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		ws.Close()
	}

	if err := self.WaitReady(self.ctx, 60*time.Second); err != nil {
		glog.Infof("[xmpp]restart wait error = %s\n", err)
		return
	}
	select {
	case <-self.ctx.Done():
		return
	case <-time.After(self.settings.ResyncDelay):
	}
	if self.onResync != nil {
		self.onResync()
	}
}

// WaitReady blocks until the session reaches Ready.
func (self *StreamTransport) WaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if self.State() == StateReady {
			return nil
		}
		if deadline.Before(time.Now()) {
			return errWaitTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-self.ctx.Done():
			return &ConnError{Message: "stream closed"}
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// SetPresence updates the desired presence stanza. The publisher converges
// the live session toward it.
func (self *StreamTransport) SetPresence(status map[string]any, show string) {
	var stanza string
	if status == nil {
		stanza = "<presence/>"
	} else {
		statusJson, _ := json.Marshal(status)
		stanza = fmt.Sprintf(
			"<presence from='%s'><status>%s</status><show>%s</show></presence>",
			self.LocalJid(),
			statusJson,
			show,
		)
	}
	self.stateLock.Lock()
	self.desiredPresence = stanza
	self.stateLock.Unlock()
}

// SendPresence publishes a one-off presence, optionally directed.
func (self *StreamTransport) SendPresence(to string, status map[string]any, show string) error {
	toAttr := ""
	if to != "" {
		toAttr = fmt.Sprintf(" to='%s'", to)
	}
	showTag := ""
	if show != "" {
		showTag = fmt.Sprintf("<show>%s</show>", show)
	}
	statusTag := ""
	if status != nil {
		statusJson, _ := json.Marshal(status)
		statusTag = fmt.Sprintf("<status>%s</status>", statusJson)
	}
	return self.Send(fmt.Sprintf("<presence%s>%s%s</presence>", toAttr, showTag, statusTag))
}

func (self *StreamTransport) SendPresenceProbe(to string) error {
	return self.Send(fmt.Sprintf("<presence to='%s' type='probe'/>", to))
}

func (self *StreamTransport) Close() {
	self.cancel()
}

type presenceStanza struct {
	XMLName xml.Name `xml:"presence"`
	Type    string   `xml:"type,attr"`
	From    string   `xml:"from,attr"`
	Status  *string  `xml:"status"`
	Show    *string  `xml:"show"`
}

type messageStanza struct {
	XMLName xml.Name `xml:"message"`
	Type    string   `xml:"type,attr"`
	From    string   `xml:"from,attr"`
	Body    *string  `xml:"body"`
}

// processStanza decodes presence and admin message stanzas. Anything that
// does not match the filter rules passes through unhandled.
func (self *StreamTransport) processStanza(raw string) {
	switch {
	case strings.Contains(raw, "<presence"):
		presence, ok := decodePresenceStanza(raw)
		if !ok {
			return
		}
		if self.onPresence != nil {
			self.onPresence(presence)
		}
	case strings.Contains(raw, "<message"):
		body, ok := decodeMessageStanza(raw)
		if !ok {
			return
		}
		payload := map[string]any{}
		if err := json.Unmarshal([]byte(body), &payload); err != nil {
			glog.Infof("[xmpp]<- bad message body = %s\n", err)
			return
		}
		messageType, _ := payload["type"].(string)
		if self.onEvent != nil {
			self.onEvent(messageType, payload)
		}
	}
}

// decodePresenceStanza applies the presence filter: only absent, available
// or unavailable types; party-addressed senders (hyphenated) and empty
// statuses pass through.
func decodePresenceStanza(raw string) (*Presence, bool) {
	stanza := &presenceStanza{}
	if err := xml.Unmarshal([]byte(raw), stanza); err != nil {
		return nil, false
	}
	if stanza.Type != "" && stanza.Type != "available" && stanza.Type != "unavailable" {
		return nil, false
	}
	if strings.Contains(stanza.From, "-") {
		return nil, false
	}
	if stanza.Status == nil || *stanza.Status == "" {
		return nil, false
	}

	split := strings.Split(stanza.From, "@")
	if len(split) < 2 {
		return nil, false
	}
	resourceParts := strings.Split(split[1], ":")
	platform := ""
	if 2 < len(resourceParts) {
		platform = resourceParts[2]
	}

	show := ""
	if stanza.Show != nil {
		show = *stanza.Show
	}
	return &Presence{
		UserId:    split[0],
		Platform:  platform,
		Available: stanza.Type != "unavailable",
		Show:      show,
		Status:    decodePresenceStatus(*stanza.Status),
		RawStatus: *stanza.Status,
	}, true
}

// decodeMessageStanza only accepts normal-typed messages from the service
// admin sender that carry a body.
func decodeMessageStanza(raw string) (string, bool) {
	stanza := &messageStanza{}
	if err := xml.Unmarshal([]byte(raw), stanza); err != nil {
		return "", false
	}
	if stanza.From != streamAdminSender {
		return "", false
	}
	if stanza.Type != "" && stanza.Type != "normal" {
		return "", false
	}
	if stanza.Body == nil {
		return "", false
	}
	return *stanza.Body, true
}
