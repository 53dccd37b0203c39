package main

import (
	"net"
	"net/url"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/puyokura/chatrelay/model"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

// incomingMsg carries one decoded frame from the server into the UI.
type incomingMsg model.Message

// closedMsg reports that the server ended the connection.
type closedMsg struct {
	code   int
	reason string
}

type errMsg error

// Network owns the websocket connection to the relay.
type Network struct {
	codec    model.Codec
	username string
	log      *zap.Logger

	mu   sync.Mutex // serializes writes
	conn *websocket.Conn
}

func NewNetwork(username string, log *zap.Logger) *Network {
	return &Network{codec: model.WireCodec{}, username: username, log: log}
}

// Connect dials ws://host:port/chat and registers the username.
func (n *Network) Connect(host, port string) error {
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(host, port), Path: "/chat"}
	n.log.Info("connecting", zap.String("url", u.String()))

	c, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return errors.Wrapf(err, "connect to %s", u.String())
	}

	n.mu.Lock()
	n.conn = c
	n.mu.Unlock()

	return n.write(model.Message{
		Kind:      model.KindRegister,
		Sender:    n.username,
		Timestamp: model.Timestamp(time.Now()),
	})
}

func (n *Network) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return
	}
	n.conn.SetWriteDeadline(time.Now().Add(writeWait))
	n.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	n.conn.Close()
	n.conn = nil
}

// WaitForMessage is a tea.Cmd that blocks for the next frame.
func (n *Network) WaitForMessage() tea.Msg {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn == nil {
		return closedMsg{code: websocket.CloseNormalClosure}
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return closedMsg{code: ce.Code, reason: ce.Text}
		}
		return errMsg(err)
	}

	msg, err := n.codec.Decode(data)
	if err != nil {
		n.log.Warn("undecodable frame from server", zap.ByteString("frame", data), zap.Error(err))
		return n.WaitForMessage()
	}
	return incomingMsg(msg)
}

// Send returns a tea.Cmd that writes msg.
func (n *Network) Send(msg model.Message) tea.Cmd {
	return func() tea.Msg {
		if err := n.write(msg); err != nil {
			return errMsg(err)
		}
		return nil
	}
}

func (n *Network) write(msg model.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return errors.New("not connected")
	}
	n.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return errors.Wrap(n.conn.WriteMessage(websocket.TextMessage, n.codec.Encode(msg)), "send")
}
