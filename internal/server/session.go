package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/deckcompanion/internal/consts"
	"github.com/codefionn/deckcompanion/internal/dispatch"
	"github.com/codefionn/deckcompanion/internal/history"
	"github.com/codefionn/deckcompanion/internal/logger"
	"github.com/codefionn/deckcompanion/internal/profile"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// State is a session's position in its lifecycle
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateRejected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateRejected:
		return "rejected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	errSessionClosed = errors.New("session closed")
	errSendQueueFull = errors.New("send queue full")
)

// Session is one connected control panel
type Session struct {
	id     string
	device string
	conn   *websocket.Conn
	srv    *Server
	log    *logger.Logger

	send    chan []byte
	inbox   chan inbound
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Int32
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newSession(srv *Server, conn *websocket.Conn, device string) *Session {
	id, _ := generateSessionID()
	ctx, cancel := context.WithCancel(srv.baseContext())

	s := &Session{
		id:      id,
		device:  device,
		conn:    conn,
		srv:     srv,
		log:     srv.log.WithPrefix("session " + id),
		send:    make(chan []byte, consts.SendQueueSize),
		inbox:   make(chan inbound, consts.ExecQueueSize),
		limiter: srv.newLimiter(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

// DeviceID returns the device id the client connected with
func (s *Session) DeviceID() string { return s.device }

// State returns the current lifecycle state
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.log.Debug("State -> %s", st)
}

// Send queues an encoded frame. It never blocks. A full queue means the peer
// stopped reading, so the session is closed and the client has to reconnect.
func (s *Session) Send(data []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return errSessionClosed
	default:
		s.log.Warn("Send queue full, closing session")
		s.close()
		return errSendQueueFull
	}
}

func (s *Session) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("Failed to encode message: %v", err)
		return
	}
	if err := s.Send(data); err != nil {
		s.log.Warn("Dropping outbound message: %v", err)
	}
}

func (s *Session) ack(ok bool, reason string) {
	s.sendJSON(NewAck(ok, reason))
}

// reject closes the connection with policy violation before registration.
func (s *Session) reject(reason string) {
	s.setState(StateRejected)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(consts.WriteWait)); err != nil {
		s.log.Debug("Failed to send close frame: %v", err)
	}
	s.close()
}

// serve runs the active session until the connection ends. It returns once
// every goroutine the session started has exited.
func (s *Session) serve() {
	s.setState(StateAuthenticated)
	s.srv.hub.Register(s)

	doc := s.srv.store.Load(s.device)
	s.sendJSON(NewConfigMessage(doc))
	s.setState(StateActive)

	s.wg.Add(3)
	go s.writePump()
	go s.worker()
	go s.pushNowPlaying()

	// Server shutdown ends every session.
	go func() {
		select {
		case <-s.ctx.Done():
			s.close()
		case <-s.done:
		}
	}()

	s.readPump()
	s.wg.Wait()
}

// close unregisters the session and releases the connection. Safe to call
// from any goroutine, any number of times.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.srv.hub.Unregister(s)
		s.cancel()
		close(s.done)
		s.conn.Close()
		s.setState(StateClosed)
	})
}

// pushNowPlaying sends one snapshot right after the handshake. Failures and
// an idle player are not reported to the client.
func (s *Session) pushNowPlaying() {
	defer s.wg.Done()
	if s.srv.player == nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, consts.CollaboratorTimeout)
	defer cancel()

	snap, err := s.srv.player.Query(ctx)
	if err != nil {
		s.log.Debug("Initial now-playing query failed: %v", err)
		return
	}
	if snap != nil {
		s.sendJSON(snap)
	}
}

// readPump reads frames in arrival order and hands them to the worker.
func (s *Session) readPump() {
	defer s.close()

	s.conn.SetReadLimit(consts.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(consts.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(consts.PongWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.log.Warn("WebSocket read error: %v", err)
			}
			return
		}
		// any frame proves the peer is alive
		_ = s.conn.SetReadDeadline(time.Now().Add(consts.PongWait))

		in := inbound{data: message}
		if !s.limiter.Allow() {
			in = inbound{reject: "rate limit exceeded"}
		}

		select {
		case s.inbox <- in:
		default:
			// Nothing can be queued behind a full inbox, so this ack may
			// overtake acks for messages still waiting in it.
			s.ack(false, "too many pending requests")
		}
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (s *Session) writePump() {
	defer s.wg.Done()
	ticker := time.NewTicker(consts.PingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(consts.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Debug("Failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(consts.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			return
		}
	}
}

// inbound is one frame read from the client. A non-empty reject is acked in
// place of handling data.
type inbound struct {
	data   []byte
	reject string
}

// worker handles inbound messages one at a time, in the order they were read.
// Collaborator calls block here instead of in the read loop.
func (s *Session) worker() {
	defer s.wg.Done()
	for {
		select {
		case in := <-s.inbox:
			if in.reject != "" {
				s.ack(false, in.reject)
				continue
			}
			s.handleMessage(in.data)
		case <-s.done:
			return
		}
	}
}

func (s *Session) handleMessage(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.ack(false, "malformed message: "+err.Error())
		return
	}

	switch msg.Type {
	case MessageTypeExec:
		s.handleExec(msg)
	case MessageTypeSaveLayout:
		s.handleSaveLayout(msg)
	default:
		s.log.Warn("Unknown message type: %q", msg.Type)
		s.ack(false, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (s *Session) handleExec(msg inboundMessage) {
	var action dispatch.Action
	if len(msg.Action) == 0 {
		s.ack(false, "exec without action")
		return
	}
	if err := json.Unmarshal(msg.Action, &action); err != nil {
		s.ack(false, "malformed action: "+err.Error())
		return
	}

	res := s.srv.exec.Execute(s.ctx, action)
	s.ack(res.OK, res.Reason())
	s.srv.record(s.ctx, history.Entry{
		Device: s.device,
		Type:   string(action.Kind),
		Cmd:    action.Cmd,
		OK:     res.OK,
		Err:    res.Reason(),
	})
}

func (s *Session) handleSaveLayout(msg inboundMessage) {
	var layout []profile.Widget
	if len(msg.Layout) == 0 {
		s.ack(false, "save_layout without layout")
		return
	}
	if err := json.Unmarshal(msg.Layout, &layout); err != nil {
		s.ack(false, "malformed layout: "+err.Error())
		return
	}
	if layout == nil {
		s.ack(false, "save_layout without layout")
		return
	}

	if _, err := s.srv.store.SaveLayout(s.device, msg.PageID, layout); err != nil {
		s.log.Error("Failed to save layout for %s: %v", s.device, err)
		s.ack(false, err.Error())
		return
	}
	s.log.Info("Saved layout for %s page %q (%d widgets)", s.device, msg.PageID, len(layout))
}

func generateSessionID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
