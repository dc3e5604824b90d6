package ingest

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"drummond-analytics/internal/calendar"
	"drummond-analytics/internal/market"
)

// StreamConfig holds the real-time stream tunables.
type StreamConfig struct {
	URL      string
	APIToken string
	Exchange string
	// Buffer bounds the outgoing bar channel; producers block when the
	// consumer falls behind.
	Buffer       int
	PingInterval time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// DefaultStreamConfig returns the production stream parameters.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		URL:          "wss://ws.eodhistoricaldata.com/ws/us",
		Exchange:     DefaultExchangeSuffix,
		Buffer:       256,
		PingInterval: 30 * time.Second,
		ReconnectMin: time.Second,
		ReconnectMax: time.Minute,
	}
}

// streamMessage is one pushed bar update.
type streamMessage struct {
	Symbol    string  `json:"s"`
	Timestamp int64   `json:"t"` // unix milliseconds
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    float64 `json:"v"`
}

// StreamClient maintains a websocket subscription during the extended
// session and forwards provisional bars on a bounded channel.
type StreamClient struct {
	mu sync.RWMutex

	cfg      StreamConfig
	cal      *calendar.Calendar
	interval market.Interval
	symbols  []string
	log      zerolog.Logger

	conn      *websocket.Conn
	bars      chan market.Bar
	stopChan  chan struct{}
	wg        sync.WaitGroup
	isRunning bool
}

func NewStreamClient(cfg StreamConfig, cal *calendar.Calendar, interval market.Interval, symbols []string, log zerolog.Logger) *StreamClient {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = time.Minute
	}
	return &StreamClient{
		cfg:      cfg,
		cal:      cal,
		interval: interval,
		symbols:  symbols,
		log:      log.With().Str("component", "stream_client").Logger(),
		bars:     make(chan market.Bar, cfg.Buffer),
		stopChan: make(chan struct{}),
	}
}

// Bars is the bounded channel of provisional bars. Closed on Stop.
func (s *StreamClient) Bars() <-chan market.Bar { return s.bars }

// Connected reports whether the websocket is currently up. The reconciler
// uses this to decide between the stream and the delayed live path.
func (s *StreamClient) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil
}

// Start launches the read loop. It reconnects with capped exponential
// backoff until Stop is called.
func (s *StreamClient) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("ingest: stream already running")
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
	return nil
}

// Stop closes the connection and waits for the read loop to drain.
func (s *StreamClient) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	close(s.bars)
}

func (s *StreamClient) run() {
	defer s.wg.Done()
	backoff := s.cfg.ReconnectMin
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		if err := s.connect(); err != nil {
			s.log.Warn().Err(err).Dur("backoff", backoff).Msg("stream connect failed")
			select {
			case <-s.stopChan:
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > s.cfg.ReconnectMax {
				backoff = s.cfg.ReconnectMax
			}
			continue
		}
		backoff = s.cfg.ReconnectMin
		s.readLoop()

		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
		s.mu.Unlock()
	}
}

func (s *StreamClient) connect() error {
	streamURL := s.cfg.URL
	if s.cfg.APIToken != "" {
		streamURL += "?api_token=" + s.cfg.APIToken
	}
	conn, _, err := websocket.DefaultDialer.Dial(streamURL, nil)
	if err != nil {
		return fmt.Errorf("ingest: dial stream: %w", err)
	}

	qualified := make([]string, len(s.symbols))
	for i, sym := range s.symbols {
		qualified[i] = QualifySymbol(sym, s.cfg.Exchange)
	}
	sub := map[string]string{
		"action":  "subscribe",
		"symbols": strings.Join(qualified, ","),
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("ingest: subscribe: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.log.Info().Int("symbols", len(qualified)).Msg("stream connected")
	return nil
}

func (s *StreamClient) readLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var msg streamMessage
			if err := s.conn.ReadJSON(&msg); err != nil {
				select {
				case <-s.stopChan:
				default:
					s.log.Warn().Err(err).Msg("stream read failed, reconnecting")
				}
				return
			}
			s.forward(msg)
		}
	}()

	for {
		select {
		case <-s.stopChan:
			return
		case <-done:
			return
		case <-ticker.C:
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn != nil {
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}
}

// forward converts and publishes one stream update. Updates outside the
// extended session are dropped.
func (s *StreamClient) forward(msg streamMessage) {
	ts := time.UnixMilli(msg.Timestamp).UTC()
	if s.cal != nil && !s.cal.InExtendedSession(ts) {
		return
	}
	// Ticks land mid-bucket; snap to the bar-open boundary.
	ts = ts.Truncate(s.interval.Duration())
	row := ProviderBar{
		Timestamp: ts.Unix(),
		Open:      msg.Open,
		High:      msg.High,
		Low:       msg.Low,
		Close:     msg.Close,
		Volume:    msg.Volume,
	}
	bar, err := row.Bar(msg.Symbol, s.interval, true)
	if err != nil {
		s.log.Debug().Err(err).Str("symbol", msg.Symbol).Msg("dropping invalid stream bar")
		return
	}

	select {
	case s.bars <- bar:
	case <-s.stopChan:
	}
}
