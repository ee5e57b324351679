package docsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type WsTransportSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// must be longer than `PingTimeout`, since pings keep the read alive
	ReadTimeout time.Duration
	PingTimeout time.Duration
	BufferSize  int
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      15 * time.Second,
		PingTimeout:      5 * time.Second,
		BufferSize:       32,
	}
}

// WsTransport carries text messages over a websocket.
// An empty text message is a ping and is not delivered.
type WsTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws       *websocket.Conn
	settings *WsTransportSettings

	send    chan []byte
	receive chan []byte
}

func DialWsTransportWithDefaults(ctx context.Context, url string) (*WsTransport, error) {
	return DialWsTransport(ctx, url, nil, DefaultWsTransportSettings())
}

func DialWsTransport(
	ctx context.Context,
	url string,
	requestHeader http.Header,
	settings *WsTransportSettings,
) (*WsTransport, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: settings.HandshakeTimeout,
	}
	ws, err := TraceWithReturnError(fmt.Sprintf("[ws]connect %s", url), func() (*websocket.Conn, error) {
		ws, _, err := dialer.DialContext(ctx, url, requestHeader)
		return ws, err
	})
	if err != nil {
		return nil, err
	}
	return NewWsTransport(ctx, ws, settings), nil
}

// takes ownership of `ws`
func NewWsTransport(ctx context.Context, ws *websocket.Conn, settings *WsTransportSettings) *WsTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &WsTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		ws:       ws,
		settings: settings,
		send:     make(chan []byte, settings.BufferSize),
		receive:  make(chan []byte, settings.BufferSize),
	}
	go transport.run()
	return transport
}

func (self *WsTransport) run() {
	defer self.cancel()
	defer self.ws.Close()

	remote := self.ws.RemoteAddr()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		defer self.cancel()

		for {
			select {
			case <-self.ctx.Done():
				self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				self.ws.WriteMessage(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				)
				// unblocks the reader
				self.ws.Close()
				return
			case message := <-self.send:
				self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := self.ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// a websocket write deadline cannot be recovered
					glog.Infof("[ws]%s-> error = %s\n", remote, err)
					return
				}
				glog.V(2).Infof("[ws]%s-> %d bytes\n", remote, len(message))
			case <-time.After(self.settings.PingTimeout):
				self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := self.ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	func() {
		defer close(self.receive)

		for {
			self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := self.ws.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(self.ctx.Err(), context.Canceled) {
					glog.Infof("[ws]%s<- error = %s\n", remote, err)
				}
				return
			}

			switch messageType {
			case websocket.TextMessage:
				if len(message) == 0 {
					glog.V(2).Infof("[ws]ping %s<-\n", remote)
					continue
				}
				select {
				case <-self.ctx.Done():
					return
				case self.receive <- message:
					glog.V(2).Infof("[ws]%s<- %d bytes\n", remote, len(message))
				}
			default:
				glog.V(2).Infof("[ws]other=%d %s<-\n", messageType, remote)
			}
		}
	}()

	self.cancel()
	<-writeDone
}

func (self *WsTransport) Send(message []byte) error {
	select {
	case <-self.ctx.Done():
		return ErrClosed
	case self.send <- message:
		return nil
	case <-time.After(self.settings.WriteTimeout):
		return fmt.Errorf("[ws]send timeout after %s", self.settings.WriteTimeout)
	}
}

func (self *WsTransport) Receive() <-chan []byte {
	return self.receive
}

func (self *WsTransport) Close() {
	self.cancel()
}

func (self *WsTransport) Done() <-chan struct{} {
	return self.ctx.Done()
}
