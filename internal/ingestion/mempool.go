package ingestion

import (
	"HalvingMassacre/internal/event"
	"HalvingMassacre/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// BlockSink receives every block notification of a feed.
type BlockSink func(ctx context.Context, blocks []event.Block) error

// MempoolFeed follows a mempool.space style WebSocket and forwards the
// blocks it announces. It reconnects with backoff until ctx ends.
type MempoolFeed struct {
	url     string
	sink    BlockSink
	dialer  *websocket.Dialer
	metrics *observability.Metrics
	log     zerolog.Logger

	PingInterval time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
}

func NewMempoolFeed(url string, sink BlockSink, metrics *observability.Metrics) *MempoolFeed {
	return &MempoolFeed{
		url:          url,
		sink:         sink,
		dialer:       websocket.DefaultDialer,
		metrics:      metrics,
		log:          observability.NewLogger("mempool-feed"),
		PingInterval: 60 * time.Second,
		MinBackoff:   time.Second,
		MaxBackoff:   time.Minute,
	}
}

// wantBlocks subscribes the connection to new blocks.
var wantBlocks = []byte(`{"action":"want","data":["blocks"]}`)

// Run connects and reads until ctx ends. It only returns ctx.Err().
func (f *MempoolFeed) Run(ctx context.Context) error {
	backoff := f.MinBackoff
	for {
		start := time.Now()
		err := f.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// a session that lived long enough resets the backoff
		if time.Since(start) > f.MaxBackoff {
			backoff = f.MinBackoff
		}
		f.log.Warn().Err(err).Dur("retry_in", backoff).Msg("mempool feed disconnected")
		if f.metrics != nil {
			f.metrics.FeedReconnects.WithLabelValues("mempool").Inc()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > f.MaxBackoff {
			backoff = f.MaxBackoff
		}
	}
}

func (f *MempoolFeed) session(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.url, err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, wantBlocks); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.log.Info().Str("url", f.url).Msg("mempool feed connected")

	readTimeout := 3 * f.PingInterval
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(f.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				// unblocks ReadMessage
				conn.Close()
				return
			case <-ticker.C:
				deadline := time.Now().Add(10 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					f.log.Debug().Err(err).Msg("ping failed")
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("closed by server")
			}
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		blocks, err := event.ParseBlocks(data)
		if err != nil {
			f.log.Warn().Err(err).Msg("bad block message")
			continue
		}
		if len(blocks) == 0 {
			continue
		}
		if err := f.sink(ctx, blocks); err != nil {
			f.log.Error().Err(err).Int("blocks", len(blocks)).Msg("apply blocks")
		}
	}
}
