package marketdata

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// PriceWS streams price updates from the bus to websocket clients.
// An optional ?symbol= filter limits the stream to one stock.
type PriceWS struct {
	bus      *Bus
	upgrader websocket.Upgrader
}

func NewPriceWS(bus *Bus, origin string) *PriceWS {
	return &PriceWS{
		bus:      bus,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return allowOrigin(r, origin) }},
	}
}

func (h *PriceWS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	symbol := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))

	events := h.bus.Subscribe()
	defer h.bus.Unsubscribe(events)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			if symbol != "" {
				if upd, ok := evt.Data.(PriceUpdate); ok && upd.Symbol != symbol {
					continue
				}
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func allowOrigin(r *http.Request, origin string) bool {
	if origin == "*" {
		return true
	}
	return strings.EqualFold(r.Header.Get("Origin"), origin)
}
