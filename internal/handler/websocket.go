package handler

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/ws"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Auth happens via the JWT middleware on the route; origin checking is
	// delegated to the CORS layer in front.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebsocketHandler upgrades dashboard connections and attaches them to the
// event hub.
func WebsocketHandler(hub *ws.Hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			log.Printf("⚠ ws upgrade failed: %v", err)
			return err
		}

		client := ws.NewClient(hub, conn)
		hub.Register(client)

		go client.WritePump()
		go client.ReadPump()
		return nil
	}
}
