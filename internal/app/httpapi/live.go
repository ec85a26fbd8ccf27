package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/R3E-Network/fundraiser/internal/app/metrics"
)

const (
	liveWriteWait  = 10 * time.Second
	livePongWait   = 60 * time.Second
	livePingPeriod = (livePongWait * 9) / 10
	liveBuffer     = 32
)

// liveFeed streams donation events for one campaign over a websocket.
func (h *handler) liveFeed(w http.ResponseWriter, r *http.Request) {
	campaignID := mux.Vars(r)["campaignId"]
	if _, err := h.app.Campaigns.Get(r.Context(), campaignID); err != nil {
		h.fail(w, r, err)
		return
	}

	// Subscribe before the upgrade so no event published after the
	// handshake completes is missed.
	events, cancel := h.app.Events.Subscribe(campaignID, liveBuffer)
	defer cancel()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.log.ForContext(r.Context()).WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	metrics.LiveSubscriberOpened()
	defer metrics.LiveSubscriberClosed()

	log := h.log.ForContext(r.Context()).WithField("campaign_id", campaignID)
	log.Debug("live feed connected")

	// Reader: handles pongs and notices the client going away.
	done := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(livePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(livePongWait))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(livePingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			log.Debug("live feed closed by client")
			return
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteJSON(evt); err != nil {
				log.WithError(err).Debug("live feed write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteWait)); err != nil {
				return
			}
		}
	}
}

// checkOrigin applies the CORS origin list to websocket handshakes.
func (h *handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || h.cors.Allows(origin)
}
