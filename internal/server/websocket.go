package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/tabular/location-collector/internal/collector"
	"github.com/tabular/location-collector/internal/sensor"
)

const writeWait = 10 * time.Second

type Client struct {
	ID         string
	Conn       *websocket.Conn
	RemoteAddr string
	StartTime  time.Time
	LastPing   time.Time
	Received   int64
	Sent       int64

	writeMu sync.Mutex
}

func (c *Client) send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "failed to write message")
	}
	c.Sent++
	return nil
}

func (c *Client) sentCount() int64 {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Sent
}

// inboundMessage is anything a websocket client may send. Which fields
// matter depends on Type.
type inboundMessage struct {
	Type string `json:"type"`

	Latitude  *float64   `json:"latitude,omitempty"`
	Longitude *float64   `json:"longitude,omitempty"`
	Altitude  *float64   `json:"altitude,omitempty"`
	Accuracy  *float64   `json:"accuracy,omitempty"`
	Heading   *float64   `json:"heading,omitempty"`
	Speed     *float64   `json:"speed,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`

	Code    sensor.ErrorCode       `json:"code,omitempty"`
	Message string                 `json:"message,omitempty"`
	State   sensor.PermissionState `json:"state,omitempty"`
	Visible *bool                  `json:"visible,omitempty"`
}

func (s *Service) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		ID:         uuid.NewString(),
		Conn:       conn,
		RemoteAddr: r.RemoteAddr,
		StartTime:  time.Now(),
		LastPing:   time.Now(),
	}

	s.clientsMux.Lock()
	s.clients[client.ID] = client
	s.clientsMux.Unlock()

	unsubscribe := s.collector.Subscribe(func(ev collector.Event) {
		if err := client.send(ev); err != nil {
			s.logger.Debug("Dropping event for client", "client_id", client.ID, "error", err)
		}
	})

	s.logger.Info("WebSocket client connected",
		"client_id", client.ID,
		"remote_addr", r.RemoteAddr,
	)

	defer func() {
		unsubscribe()
		s.clientsMux.Lock()
		delete(s.clients, client.ID)
		s.clientsMux.Unlock()

		conn.Close()
		s.logger.Info("WebSocket client disconnected",
			"client_id", client.ID,
			"messages_received", client.Received,
			"events_sent", client.sentCount(),
		)
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Error("WebSocket read error", "client_id", client.ID, "error", err)
			}
			break
		}

		client.LastPing = time.Now()
		client.Received++

		if messageType != websocket.TextMessage {
			s.logger.Debug("Ignoring non-text message", "client_id", client.ID, "type", messageType)
			continue
		}
		if err := s.processTextMessage(r, client, data); err != nil {
			s.logger.Warn("Failed to process message",
				"client_id", client.ID,
				"error", err,
			)
		}
	}
}

func (s *Service) processTextMessage(r *http.Request, client *Client, data []byte) error {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return errors.Wrap(err, "failed to parse JSON message")
	}

	switch msg.Type {
	case "ping":
		return client.send(map[string]interface{}{
			"type":      "pong",
			"timestamp": time.Now().Format(time.RFC3339),
		})

	case "visibility":
		if msg.Visible == nil {
			return errors.New("visibility message missing visible field")
		}
		s.collector.SetVisible(r.Context(), *msg.Visible)
		return nil

	case "position", "error", "permission":
		if s.remote == nil {
			s.logger.Debug("No remote sensor attached, ignoring", "type", msg.Type, "client_id", client.ID)
			return nil
		}
		return s.feedSensor(msg)

	case "":
		return errors.New("message missing type field")
	}

	s.logger.Debug("Unknown message type", "type", msg.Type, "client_id", client.ID)
	return nil
}

func (s *Service) feedSensor(msg inboundMessage) error {
	switch msg.Type {
	case "position":
		if msg.Latitude == nil || msg.Longitude == nil {
			return errors.New("position message missing coordinates")
		}
		pos := sensor.Position{
			Latitude:  *msg.Latitude,
			Longitude: *msg.Longitude,
			Altitude:  msg.Altitude,
			Accuracy:  msg.Accuracy,
			Heading:   msg.Heading,
			Speed:     msg.Speed,
		}
		if msg.Timestamp != nil {
			pos.Timestamp = *msg.Timestamp
		}
		s.remote.Push(pos)

	case "error":
		code := msg.Code
		switch code {
		case sensor.CodePermissionDenied, sensor.CodePositionUnavailable, sensor.CodeTimeout:
		default:
			code = sensor.CodeUnknown
		}
		message := msg.Message
		if message == "" {
			message = string(code)
		}
		s.remote.PushError(sensor.NewError(code, message))

	case "permission":
		switch msg.State {
		case sensor.PermissionGranted, sensor.PermissionDenied, sensor.PermissionPrompt:
			s.remote.SetPermission(msg.State)
		default:
			return errors.Errorf("unknown permission state %q", msg.State)
		}
	}
	return nil
}

func (s *Service) clientCount() int {
	s.clientsMux.RLock()
	defer s.clientsMux.RUnlock()
	return len(s.clients)
}
