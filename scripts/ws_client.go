// Package main generates routes for an office and follows the events of the
// first one over WebSocket.
//
//	OFFICE_ID=<uuid> SERVICE_DATE=2024-09-05 go run ./scripts
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	office := os.Getenv("OFFICE_ID")
	if office == "" {
		log.Fatal("OFFICE_ID is required")
	}
	day := os.Getenv("SERVICE_DATE")
	if day == "" {
		day = time.Now().UTC().Format(time.DateOnly)
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	resp, err := http.Post(fmt.Sprintf("%s/v1/offices/%s/routes/generate?serviceDate=%s", base, office, day), "application/json", nil)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var gen struct {
		Created bool `json:"created"`
		Routes  []struct {
			ID         string `json:"id"`
			TotalTasks int    `json:"totalTasks"`
		} `json:"routes"`
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		log.Fatal(err)
	}
	if resp.StatusCode >= 300 {
		log.Fatalf("generate: %s: %s", resp.Status, gen.Detail)
	}
	if len(gen.Routes) == 0 {
		log.Fatal("no routes returned")
	}
	routeID := gen.Routes[0].ID
	log.Printf("route %s (%d stops, created=%v)", routeID, gen.Routes[0].TotalTasks, gen.Created)

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/routes/" + routeID + "/events"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("event <- %s", msg)
		}
	}()

	// trigger an event
	req, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/v1/routes/%s/recalculate", base, routeID), nil)
	if r, err := http.DefaultClient.Do(req); err == nil {
		_ = r.Body.Close()
	}

	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
