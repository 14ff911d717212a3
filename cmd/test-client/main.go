package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	var (
		urlFlag  = flag.String("url", "ws://localhost:9000/ws/events", "WebSocket URL")
		count    = flag.Int("count", 10, "Number of positions to send")
		interval = flag.Duration("interval", time.Second, "Delay between positions")
		lat      = flag.Float64("lat", 37.7749, "Starting latitude")
		lon      = flag.Float64("lon", -122.4194, "Starting longitude")
		step     = flag.Float64("step", 0.0005, "Degrees moved per position")
		fail     = flag.Bool("fail", false, "Send a timeout error after the walk")
	)
	flag.Parse()

	u, err := url.Parse(*urlFlag)
	if err != nil {
		log.Fatal("Invalid URL:", err)
	}

	fmt.Printf("🧪 Test Client connecting to %s\n", u.String())

	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("Dial error:", err)
	}
	defer c.Close()

	fmt.Printf("✅ Connected successfully\n")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var msg map[string]interface{}
			if err := c.ReadJSON(&msg); err != nil {
				return
			}
			switch msg["type"] {
			case "locationUpdate":
				fmt.Printf("📍 Update: %v\n", msg["record"])
			case "locationError":
				fmt.Printf("⚠️  Error [%v]: %v\n", msg["code"], msg["error"])
			case "pong":
				fmt.Printf("🏓 Pong\n")
			}
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	send := func(v map[string]interface{}) {
		if err := c.WriteJSON(v); err != nil {
			log.Fatal("Write error:", err)
		}
	}

	send(map[string]interface{}{"type": "permission", "state": "granted"})
	send(map[string]interface{}{"type": "ping"})

	for i := 0; i < *count; i++ {
		heading := float64(i) * 15
		rad := heading * math.Pi / 180
		send(map[string]interface{}{
			"type":      "position",
			"latitude":  *lat + float64(i)**step*math.Cos(rad),
			"longitude": *lon + float64(i)**step*math.Sin(rad),
			"accuracy":  5 + float64(i%4),
			"heading":   heading,
			"speed":     1.4,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
		fmt.Printf("📦 Sent position %d/%d\n", i+1, *count)

		select {
		case <-interrupt:
			return
		case <-time.After(*interval):
		}
	}

	if *fail {
		send(map[string]interface{}{"type": "error", "code": "timeout", "message": "simulated timeout"})
		time.Sleep(*interval)
	}

	c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-done:
	case <-time.After(time.Second):
	}

	fmt.Printf("✅ Test completed successfully\n")
}
