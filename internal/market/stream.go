package market

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantfold/tradeagent/internal/observ"
)

// PriceStream subscribes to a websocket price feed and fans ticks out on a
// channel. The safety monitor consumes it so stop-loss breaches are detected
// on every tick, not just at scheduler cadence.
type PriceStream struct {
	url         string
	instruments []string

	Ticks chan PriceQuote

	readTimeout  time.Duration
	writeTimeout time.Duration
	pingInterval time.Duration
	redialDelay  time.Duration
}

func NewPriceStream(url string, instruments []string) *PriceStream {
	return &PriceStream{
		url:          url,
		instruments:  instruments,
		Ticks:        make(chan PriceQuote, 1024),
		readTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		pingInterval: 20 * time.Second,
		redialDelay:  2 * time.Second,
	}
}

// Run dials, subscribes, and pumps ticks until ctx is cancelled. Connection
// drops redial with a fixed delay; the Ticks channel stays open across
// redials and closes only when Run returns.
func (s *PriceStream) Run(ctx context.Context) {
	log := observ.Logger("price_stream")
	defer close(s.Ticks)

	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.runOnce(ctx); err != nil {
			log.Warn().Err(err).Msg("stream disconnected, redialing")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.redialDelay):
		}
	}
}

func (s *PriceStream) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := struct {
		Op          string   `json:"op"`
		Instruments []string `json:"instruments"`
	}{Op: "subscribe", Instruments: s.instruments}
	conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(ctx, conn, done)

	for {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var tick struct {
			Instrument string  `json:"instrument"`
			Price      float64 `json:"price"`
			Timestamp  string  `json:"timestamp"`
		}
		if err := json.Unmarshal(raw, &tick); err != nil {
			continue // non-tick frames are ignored
		}
		ts, err := time.Parse(time.RFC3339, tick.Timestamp)
		if err != nil {
			ts = time.Now().UTC()
		}
		quote := PriceQuote{Instrument: tick.Instrument, Price: tick.Price, Timestamp: ts, Source: "stream"}
		if quote.Validate() != nil {
			continue
		}

		select {
		case s.Ticks <- quote:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Consumer lagging: drop the tick, the next one supersedes it.
		}
	}
}

func (s *PriceStream) pingLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
