// Package relay is the websocket surface of the escrow engine. Clients send signed command events,
// query pools with REQ filters and follow the lifecycle event stream. Every event the relay sends
// is signed by the local wallet.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sasha-s/go-deadlock"
	"github.com/stackerstan/go-nostr"

	"poolmachine/escrow/conductor"
	"poolmachine/messaging/events"
	"poolmachine/poolmachine"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = pongWait / 2

	// Maximum message size allowed from peer.
	maxMessageSize = 5242880
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Relay struct {
	engine    *conductor.Engine
	wallet    poolmachine.Wallet
	addr      string
	router    *mux.Router
	seen      func(interface{}) bool
	mutex     *deadlock.Mutex
	listeners map[*socket]map[string]nostr.Filters
}

func New(engine *conductor.Engine, wallet poolmachine.Wallet, addr string) *Relay {
	capacity := engine.Config().BloomCapacity
	if capacity == 0 {
		capacity = 100000
	}
	r := &Relay{
		engine:    engine,
		wallet:    wallet,
		addr:      addr,
		router:    mux.NewRouter(),
		seen:      poolmachine.MakeNewInverseBloomFilter(capacity),
		mutex:     &deadlock.Mutex{},
		listeners: make(map[*socket]map[string]nostr.Filters),
	}
	// catch the websocket call before anything else
	r.router.Path("/").Headers("Upgrade", "websocket").HandlerFunc(r.handleWebsocket)
	r.router.Path("/metrics").HandlerFunc(r.handleMetrics)
	return r
}

func (r *Relay) Handler() http.Handler {
	return cors.Default().Handler(r.router)
}

// Start serves the relay until terminate is closed.
func (r *Relay) Start(terminate chan struct{}, wg *sync.WaitGroup) error {
	poolmachine.LogCLI("Starting the relay for pool clients", 4)
	if err := r.follow(); err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           r.Handler(),
		Addr:              r.addr,
		WriteTimeout:      2 * time.Second,
		ReadTimeout:       2 * time.Second,
		IdleTimeout:       30 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
	}
	wg.Add(1)
	go func() {
		poolmachine.LogCLI("listening on "+srv.Addr, 4)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			poolmachine.LogCLI(err.Error(), 1)
		}
	}()
	go func() {
		<-terminate
		poolmachine.LogCLI("Relay: I received terminate signal, shutting down", 4)
		r.engine.Bus().Unsubscribe("relay")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			poolmachine.LogCLI(err.Error(), 2)
		}
		wg.Done()
	}()
	return nil
}

// follow subscribes to the engine's events and streams them to live listeners.
func (r *Relay) follow() error {
	feed, err := r.engine.Bus().Subscribe("relay")
	if err != nil {
		return err
	}
	go r.broadcast(feed)
	return nil
}

func (r *Relay) broadcast(feed <-chan events.Event) {
	for e := range feed {
		if !r.seen(e.ID()) {
			continue
		}
		ev, err := r.lifecycleEvent(e)
		if err != nil {
			poolmachine.LogCLI(err.Error(), 1)
			continue
		}
		for ws, subID := range r.interested(e) {
			if err := ws.WriteJSON([]interface{}{"EVENT", subID, ev}); err != nil {
				poolmachine.LogCLI(err.Error(), 3)
			}
		}
	}
}

func (r *Relay) interested(e events.Event) map[*socket]string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	out := make(map[*socket]string)
	for ws, subs := range r.listeners {
		for subID, filters := range subs {
			if matchesLive(filters, e) {
				out[ws] = subID
				break
			}
		}
	}
	return out
}

func (r *Relay) setListener(ws *socket, subID string, filters nostr.Filters) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	subs, ok := r.listeners[ws]
	if !ok {
		subs = make(map[string]nostr.Filters)
		r.listeners[ws] = subs
	}
	subs[subID] = filters
}

func (r *Relay) removeListener(ws *socket, subID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if subs, ok := r.listeners[ws]; ok {
		delete(subs, subID)
		if len(subs) == 0 {
			delete(r.listeners, ws)
		}
	}
}

func (r *Relay) dropSocket(ws *socket) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.listeners, ws)
}

func (r *Relay) handleMetrics(w http.ResponseWriter, req *http.Request) {
	r.engine.RefreshGauges()
	promhttp.HandlerFor(r.engine.Metrics().Registry(), promhttp.HandlerOpts{}).ServeHTTP(w, req)
}

// handleWebsocket handles connections from pool clients.
func (r *Relay) handleWebsocket(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		poolmachine.LogCLI("failed to upgrade websocket", 3)
		return
	}
	ws := &socket{conn: conn}
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	// reader
	go func() {
		defer func() {
			cancel()
			close(done)
			r.dropSocket(ws)
			conn.Close()
		}()
		conn.SetReadLimit(maxMessageSize)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			typ, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					poolmachine.LogCLI("unexpected close of websocket", 3)
				}
				return
			}
			if typ == websocket.PingMessage {
				ws.WriteMessage(websocket.PongMessage, nil)
				continue
			}
			r.handleMessage(ctx, ws, message)
		}
	}()

	// pinger
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					poolmachine.LogCLI("couldn't ping, closing socket", 3)
					conn.Close()
					return
				}
			}
		}
	}()
}

// handleMessage answers one client frame. Commands are applied in the order a socket sends them.
func (r *Relay) handleMessage(ctx context.Context, ws *socket, message []byte) {
	var request []jsoniter.RawMessage
	if err := json.Unmarshal(message, &request); err != nil {
		return
	}
	if len(request) < 2 {
		ws.WriteJSON([]interface{}{"NOTICE", "request has less than 2 parameters"})
		return
	}
	var typ string
	json.Unmarshal(request[0], &typ)

	switch typ {
	case "EVENT":
		var evt nostr.Event
		if err := json.Unmarshal(request[1], &evt); err != nil {
			ws.WriteJSON([]interface{}{"NOTICE", "failed to decode event"})
			return
		}
		receipt, err := r.engine.HandleCommand(ctx, evt)
		if err != nil {
			ws.WriteJSON([]interface{}{"OK", evt.ID, false, err.Error()})
			return
		}
		b, _ := json.Marshal(receipt)
		ws.WriteJSON([]interface{}{"OK", evt.ID, true, string(b)})
	case "REQ":
		var subID string
		if err := json.Unmarshal(request[1], &subID); err != nil || subID == "" {
			ws.WriteJSON([]interface{}{"NOTICE", "REQ has no <id>"})
			return
		}
		filters := make(nostr.Filters, len(request)-2)
		for i, filterReq := range request[2:] {
			if err := json.Unmarshal(filterReq, &filters[i]); err != nil {
				ws.WriteJSON([]interface{}{"NOTICE", "failed to decode filter"})
				return
			}
		}
		live := false
		for _, filter := range filters {
			evs, follow, err := r.query(filter)
			if err != nil {
				ws.WriteJSON([]interface{}{"NOTICE", fmt.Sprintf("%s: %s", subID, err)})
				continue
			}
			live = live || follow
			for _, ev := range evs {
				if err := ws.WriteJSON([]interface{}{"EVENT", subID, ev}); err != nil {
					poolmachine.LogCLI(err.Error(), 3)
					return
				}
			}
		}
		if live {
			r.setListener(ws, subID, filters)
		}
		ws.WriteJSON([]interface{}{"EOSE", subID})
	case "CLOSE":
		var subID string
		json.Unmarshal(request[1], &subID)
		if subID == "" {
			ws.WriteJSON([]interface{}{"NOTICE", "CLOSE has no <id>"})
			return
		}
		r.removeListener(ws, subID)
	default:
		ws.WriteJSON([]interface{}{"NOTICE", "unknown message type " + typ})
	}
}

// socket serialises writes, gorilla allows one concurrent writer per connection.
type socket struct {
	conn  *websocket.Conn
	mutex deadlock.Mutex
}

func (s *socket) WriteJSON(v interface{}) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *socket) WriteMessage(t int, data []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(t, data)
}
