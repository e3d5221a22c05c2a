package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/kolskypavel/Radio-O-Manager-sub000/internal/race"
	"github.com/kolskypavel/Radio-O-Manager-sub000/internal/readlog"
	"github.com/kolskypavel/Radio-O-Manager-sub000/internal/si"
	"github.com/kolskypavel/Radio-O-Manager-sub000/internal/store"
)

// Server coordinates card reader polling, result evaluation and broadcasts
// to WebSocket clients.
type Server struct {
	cfg     *Config
	reader  si.Reader
	store   *store.Store
	webFS   fs.FS
	journal *readlog.Journal

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Reader  *si.Status      `json:"reader,omitempty"`
	Readout *ReadoutEvent   `json:"readout,omitempty"`
	Results json.RawMessage `json:"results,omitempty"` // refreshed category standings
	Stamp   int64           `json:"stamp"`             // Unix ms
}

// ReadoutEvent is one processed card readout as shown at the finish desk.
type ReadoutEvent struct {
	Card       *si.CardReadout  `json:"card"`
	Competitor *race.Competitor `json:"competitor,omitempty"`
	Category   string           `json:"category,omitempty"`
	Result     *race.Result     `json:"result,omitempty"`
	Punches    []race.Punch     `json:"punches,omitempty"`
	Unknown    bool             `json:"unknown"` // card not registered to anyone
}

// New creates a new Server.
func New(cfg *Config, reader si.Reader, st *store.Store, webFS fs.FS) *Server {
	s := &Server{
		cfg:     cfg,
		reader:  reader,
		store:   st,
		webFS:   webFS,
		journal: readlog.New(cfg.Readlog),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	reader.OnStatus(func(status si.Status) {
		s.broadcast(Frame{Reader: &status, Stamp: time.Now().UnixMilli()})
	})
	return s
}

// Run starts the HTTP server and the reader polling loop. It returns when
// the context is cancelled or either loop fails.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	// Serve embedded web files
	mux.Handle("/", http.FileServer(http.FS(s.webFS)))

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// JSON API
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/categories", s.handleCategories)
	mux.HandleFunc("/api/competitors", s.handleCompetitors)
	mux.HandleFunc("/api/results", s.handleResults)
	mux.HandleFunc("/api/results/status", s.handleResultStatus)
	mux.HandleFunc("/api/reader", s.handleReader)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: mux,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.pollLoop(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.journal.Close()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	g.Go(func() error {
		log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	return g.Wait()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	total := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", total)

	// Send current reader status so a fresh client renders immediately
	st := s.reader.Status()
	if data, err := json.Marshal(Frame{Reader: &st, Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (handle incoming messages / keep-alive)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			remaining := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", remaining)
		}()
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		s.journal.SetEnabled(s.cfg.Readlog.Enabled)
		writeOK(w)

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cats, err := s.store.Categories(r.Context())
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		writeJSON(w, cats)

	case http.MethodPost:
		var cat race.Category
		if err := json.NewDecoder(r.Body).Decode(&cat); err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		editing := cat.ID != 0
		if err := s.store.SaveCategory(r.Context(), &cat); err != nil {
			// Control grammar errors carry the offending token; hand
			// that to the UI verbatim.
			var verr *race.ValidationError
			if errors.As(err, &verr) {
				writeJSONStatus(w, 400, map[string]string{
					"error": verr.Error(),
					"token": verr.Token,
				})
				return
			}
			http.Error(w, err.Error(), 400)
			return
		}
		// Editing a course invalidates every standing in the category.
		if editing {
			if err := s.store.ReevaluateCategory(r.Context(), cat.ID); err != nil {
				http.Error(w, err.Error(), 500)
				return
			}
			s.broadcastResults(r.Context(), cat.ID)
		}
		writeJSON(w, &cat)

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleCompetitors(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		categoryID, _ := strconv.ParseInt(r.URL.Query().Get("category"), 10, 64)
		comps, err := s.store.Competitors(r.Context(), categoryID)
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		writeJSON(w, comps)

	case http.MethodPost:
		var comp race.Competitor
		if err := json.NewDecoder(r.Body).Decode(&comp); err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.store.SaveCompetitor(r.Context(), &comp); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		writeJSON(w, &comp)

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	categoryID, _ := strconv.ParseInt(r.URL.Query().Get("category"), 10, 64)
	ranked, err := s.store.RankedResults(r.Context(), categoryID)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, ranked)
}

// handleResultStatus applies or clears a manual status override.
// POST {"resultId": 1, "status": "disqualified"} sets one,
// POST {"resultId": 1, "clear": true} reverts to automatic evaluation.
func (s *Server) handleResultStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	var req struct {
		ResultID int64  `json:"resultId"`
		Status   string `json:"status"`
		Clear    bool   `json:"clear"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ResultID == 0 {
		http.Error(w, "bad request", 400)
		return
	}
	var err error
	if req.Clear {
		err = s.store.ClearManualStatus(r.Context(), req.ResultID)
	} else {
		err = s.store.SetManualStatus(r.Context(), req.ResultID, race.ResultStatus(req.Status))
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	s.broadcastResults(r.Context(), 0)
	writeOK(w)
}

func (s *Server) handleReader(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	writeJSON(w, s.reader.Status())
}

// pollLoop drives the card reader: one ReadCard per tick, each readout
// runs through the evaluation pipeline and is broadcast to clients.
func (s *Server) pollLoop(ctx context.Context) {
	pollMs := s.cfg.Reader.PollMs
	if pollMs <= 0 {
		pollMs = 200
	}
	ticker := time.NewTicker(time.Duration(pollMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			readout, err := s.reader.ReadCard()
			if err != nil {
				log.Printf("[reader] read failed: %v", err)
				continue
			}
			if readout == nil {
				continue
			}
			s.processReadout(ctx, readout)
		}
	}
}

// processReadout is the readout pipeline: time adjustment, competitor
// lookup, scoring, persistence, journal, broadcast. An unregistered card
// is still journaled and broadcast so the finish desk can fix the entry.
func (s *Server) processReadout(ctx context.Context, readout *si.CardReadout) {
	// Older cards store bare 12-hour clock times; anchor them to the
	// race day before anything else looks at them.
	if readout.Type == si.Card5 {
		if base, err := s.cfg.RaceStart(); err == nil {
			si.AdjustReadout(base, readout)
		} else {
			log.Printf("[reader] race start unusable, punch times left raw: %v", err)
		}
	}

	event := &ReadoutEvent{Card: readout}

	comp, err := s.store.CompetitorByCard(ctx, readout.Number)
	if err != nil {
		log.Printf("[reader] competitor lookup for card %d: %v", readout.Number, err)
		return
	}
	if comp == nil {
		log.Printf("[reader] card %d is not registered", readout.Number)
		event.Unknown = true
		s.journal.Record(readout, nil, nil, nil)
		s.broadcast(Frame{Readout: event, Stamp: time.Now().UnixMilli()})
		return
	}
	event.Competitor = comp

	cat, err := s.store.Category(ctx, comp.CategoryID)
	if err != nil {
		log.Printf("[reader] category %d for %s: %v", comp.CategoryID, comp.Name, err)
		return
	}
	event.Category = cat.Name

	res := &race.Result{
		CompetitorID:    comp.ID,
		CardNumber:      readout.Number,
		AutomaticStatus: true,
		StartTime:       readout.Start,
		FinishTime:      readout.Finish,
	}
	punches := race.PunchesFromReadout(readout)
	race.Evaluate(res, punches, cat.ControlPoints, cat.RaceType)
	race.ApplyTimeLimit(res, cat.TimeLimit)

	if err := s.store.SaveResult(ctx, res, punches); err != nil {
		log.Printf("[reader] save result for %s: %v", comp.Name, err)
		// Broadcast anyway: the journal row below is the recovery path.
	}
	event.Result = res
	event.Punches = punches

	s.journal.Record(readout, comp, cat, res)

	log.Printf("[reader] card %d -> %s (%s): %d points, %s",
		readout.Number, comp.Name, cat.Name, res.Points, res.Status)

	s.broadcast(Frame{Readout: event, Stamp: time.Now().UnixMilli()})
	s.broadcastResults(ctx, comp.CategoryID)
}

// broadcastResults pushes fresh standings for one category (or all) to
// every client.
func (s *Server) broadcastResults(ctx context.Context, categoryID int64) {
	ranked, err := s.store.RankedResults(ctx, categoryID)
	if err != nil {
		log.Printf("[server] results refresh: %v", err)
		return
	}
	data, err := json.Marshal(ranked)
	if err != nil {
		return
	}
	s.broadcast(Frame{Results: data, Stamp: time.Now().UnixMilli()})
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, 200, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
