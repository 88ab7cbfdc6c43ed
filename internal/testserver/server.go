// Package testserver provides an in-memory remote server speaking the
// discovery/retrieval/storage and session protocol, with a websocket push
// feed. It backs the transport, notifier and datasource tests and the
// syncctl "serve" command.
package testserver

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nkkko/remotesync/internal/logging"
	"github.com/nkkko/remotesync/internal/telemetry"
	"github.com/nkkko/remotesync/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config contains reference server configuration
type Config struct {
	// Path prefixes, matching the transport's
	DataPrefix    string
	SessionPrefix string
	PushPath      string

	// Area sessions are granted for
	Area string

	// Authorize every new session without credentials
	AutoAuthorize bool

	// Lifetime of granted authorizations
	SessionLifetime time.Duration

	// Artificial latency added to data endpoints
	Latency time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		DataPrefix:      "/srv/data",
		SessionPrefix:   "/srv/session",
		PushPath:        "/srv/push",
		Area:            "client",
		AutoAuthorize:   true,
		SessionLifetime: time.Hour,
	}
}

type session struct {
	area       string
	parent     string
	token      string
	userID     int64
	expire     time.Time
	authorized bool
}

type fault struct {
	status  int
	message string
}

// Server is an in-memory remote
type Server struct {
	config Config
	logger zerolog.Logger

	mu         sync.Mutex
	tables     map[string]map[int64]proto.Object
	nextID     int64
	signatures map[string]string
	sessions   map[string]*session
	users      map[string]string
	userIDs    map[string]int64
	requests   map[string]int
	faults     map[string][]fault

	subsMu      sync.Mutex
	subscribers map[string]*websocket.Conn

	upgrader websocket.Upgrader
	router   chi.Router
}

// New creates a reference server
func New(config Config) *Server {
	defaults := DefaultConfig()
	if config.DataPrefix == "" {
		config.DataPrefix = defaults.DataPrefix
	}
	if config.SessionPrefix == "" {
		config.SessionPrefix = defaults.SessionPrefix
	}
	if config.PushPath == "" {
		config.PushPath = defaults.PushPath
	}
	if config.SessionLifetime <= 0 {
		config.SessionLifetime = defaults.SessionLifetime
	}

	s := &Server{
		config:      config,
		logger:      log.With().Str("component", "testserver").Logger(),
		tables:      make(map[string]map[int64]proto.Object),
		nextID:      1,
		signatures:  make(map[string]string),
		sessions:    make(map[string]*session),
		users:       make(map[string]string),
		userIDs:     make(map[string]int64),
		requests:    make(map[string]int),
		faults:      make(map[string][]fault),
		subscribers: make(map[string]*websocket.Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "traceparent"},
		MaxAge:         300,
	}))
	r.Use(telemetry.HTTPMiddleware("remotesync-testserver"))
	r.Use(logging.HTTPMiddleware())

	r.Route(s.config.DataPrefix, func(r chi.Router) {
		r.Post("/discovery/{schema}/{table}/", s.handleDiscovery)
		r.Post("/retrieval/{schema}/{table}/", s.handleRetrieval)
		r.Post("/storage/{schema}/{table}/", s.handleStorage)
		r.Post("/signature/{schema}", s.handleSignature)
	})

	r.Route(s.config.SessionPrefix, func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/", s.handlePollSession)
		r.Delete("/", s.handleDeleteSession)
		r.Post("/htpasswd/", s.handleHtpasswd)
		r.Post("/{provider}/", s.handleOAuth)
	})

	r.Get(s.config.PushPath, s.handlePush)
	return r
}

// AddUser registers htpasswd credentials
func (s *Server) AddUser(username, password string, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = password
	s.userIDs[username] = userID
}

// SetSignature changes the version stamp of a schema
func (s *Server) SetSignature(schema, signature string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signatures[schema] = signature
}

// Requests returns how many requests a phase has served
func (s *Server) Requests(phase string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[phase]
}

// FailNext makes the next request of a phase fail with the given status
func (s *Server) FailNext(phase string, status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[phase] = append(s.faults[phase], fault{status: status, message: message})
}

// Put writes an object as another client would, bumping its generation
// number and notifying subscribers. Objects without an id are assigned one.
func (s *Server) Put(schema, table string, object proto.Object) proto.Object {
	s.mu.Lock()
	stored := s.store(schema, table, object)
	s.mu.Unlock()

	s.broadcast(pushEvent(schema, table, stored))
	return stored
}

// Get returns the current copy of an object
func (s *Server) Get(schema, table string, id int64) (proto.Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	object, ok := s.tables[tableKey(schema, table)][id]
	if !ok {
		return nil, false
	}
	return object.Clone(), true
}

// DropConnections closes every push connection
func (s *Server) DropConnections() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for id, conn := range s.subscribers {
		conn.Close()
		delete(s.subscribers, id)
	}
}

// Subscribers returns the number of open push connections
func (s *Server) Subscribers() int {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	return len(s.subscribers)
}

// Broadcast sends a push event to every subscriber
func (s *Server) Broadcast(evt proto.PushEvent) {
	s.broadcast(evt)
}

func tableKey(schema, table string) string {
	return schema + "/" + table
}

func pushEvent(schema, table string, object proto.Object) proto.PushEvent {
	op := "UPDATE"
	if deleted, _ := object["deleted"].(bool); deleted {
		op = "DELETE"
	}
	return proto.PushEvent{
		Op:     op,
		Schema: schema,
		Table:  table,
		ID:     object.ID(),
		GN:     object.GN(),
	}
}

// store persists one object; the caller holds s.mu
func (s *Server) store(schema, table string, object proto.Object) proto.Object {
	key := tableKey(schema, table)
	rows, ok := s.tables[key]
	if !ok {
		rows = make(map[int64]proto.Object)
		s.tables[key] = rows
	}

	stored := object.Clone()
	id := object.ID()
	if object.IsTemporary() {
		id = s.nextID
		s.nextID++
	} else if id >= s.nextID {
		s.nextID = id + 1
	}

	var gn int64 = 1
	if previous, ok := rows[id]; ok {
		gn = previous.GN() + 1
	}
	stored["id"] = id
	stored["gn"] = gn

	if deleted, _ := stored["deleted"].(bool); deleted {
		delete(rows, id)
	} else {
		rows[id] = stored
	}
	return stored.Clone()
}

// begin counts the request and applies any queued fault or latency
func (s *Server) begin(w http.ResponseWriter, phase string) bool {
	s.mu.Lock()
	s.requests[phase]++
	var f *fault
	if queued := s.faults[phase]; len(queued) > 0 {
		f = &queued[0]
		s.faults[phase] = queued[1:]
	}
	latency := s.config.Latency
	s.mu.Unlock()

	if latency > 0 && phase != "session" {
		time.Sleep(latency)
	}
	if f != nil {
		sendError(w, f.status, f.message)
		return false
	}
	return true
}

// authorized checks the auth_token of a data request
func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	token := r.URL.Query().Get("auth_token")
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.authorized && sess.token == token && token != "" {
			if time.Now().After(sess.expire) {
				break
			}
			return true
		}
	}
	sendError(w, http.StatusUnauthorized, "invalid or expired auth_token")
	return false
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, "discovery") || !s.authorized(w, r) {
		return
	}
	var req struct {
		Criteria proto.Criteria `json:"criteria"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	rows := s.tables[tableKey(chi.URLParam(r, "schema"), chi.URLParam(r, "table"))]
	result := proto.DiscoveryResult{IDs: []int64{}, GNs: []int64{}}
	var matches []proto.Object
	for _, object := range rows {
		if req.Criteria.Match(object) {
			matches = append(matches, object)
		}
	}
	s.mu.Unlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].ID() < matches[j].ID() })
	for _, object := range matches {
		result.IDs = append(result.IDs, object.ID())
		result.GNs = append(result.GNs, object.GN())
	}
	sendJSON(w, http.StatusOK, result)
}

func (s *Server) handleRetrieval(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, "retrieval") || !s.authorized(w, r) {
		return
	}
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	rows := s.tables[tableKey(chi.URLParam(r, "schema"), chi.URLParam(r, "table"))]
	objects := make([]proto.Object, 0, len(req.IDs))
	for _, id := range req.IDs {
		if object, ok := rows[id]; ok {
			objects = append(objects, object.Clone())
		}
	}
	s.mu.Unlock()

	sendJSON(w, http.StatusOK, map[string]interface{}{"objects": objects})
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, "storage") || !s.authorized(w, r) {
		return
	}
	var req struct {
		Objects []proto.Object `json:"objects"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	schema, table := chi.URLParam(r, "schema"), chi.URLParam(r, "table")
	s.mu.Lock()
	stored := make([]proto.Object, 0, len(req.Objects))
	for _, object := range req.Objects {
		stored = append(stored, s.store(schema, table, object))
	}
	s.mu.Unlock()

	sendJSON(w, http.StatusOK, map[string]interface{}{"objects": stored})
	for _, object := range stored {
		s.broadcast(pushEvent(schema, table, object))
	}
}

func (s *Server) handleSignature(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, "signature") || !s.authorized(w, r) {
		return
	}
	schema := chi.URLParam(r, "schema")
	s.mu.Lock()
	signature, ok := s.signatures[schema]
	if !ok {
		signature = "v1"
		s.signatures[schema] = signature
	}
	s.mu.Unlock()
	sendJSON(w, http.StatusOK, map[string]string{"signature": signature})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, "session") {
		return
	}
	var req struct {
		Area   string `json:"area"`
		Handle string `json:"handle"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	sess := &session{area: req.Area}
	if req.Handle != "" {
		// mobile session bound to an authorized parent
		parent, ok := s.sessions[req.Handle]
		if !ok || !parent.authorized {
			s.mu.Unlock()
			sendError(w, http.StatusForbidden, "parent session is not authorized")
			return
		}
		sess.parent = req.Handle
		s.authorize(sess, parent.userID)
	} else if s.config.AutoAuthorize {
		s.authorize(sess, 0)
	}
	if sess.expire.IsZero() {
		sess.expire = time.Now().Add(s.config.SessionLifetime)
	}
	handle := uuid.New().String()
	s.sessions[handle] = sess
	expire := sess.expire
	s.mu.Unlock()

	sendJSON(w, http.StatusOK, proto.SessionHandle{Handle: handle, Expire: expire})
}

// authorize grants a token; the caller holds s.mu
func (s *Server) authorize(sess *session, userID int64) {
	sess.authorized = true
	sess.token = uuid.New().String()
	sess.userID = userID
	if sess.userID == 0 {
		sess.userID = 1
	}
	sess.expire = time.Now().Add(s.config.SessionLifetime)
}

func (s *Server) sessionInfo(sess *session) proto.SessionInfo {
	area := sess.area
	if area == "" {
		area = s.config.Area
	}
	return proto.SessionInfo{
		Token:  sess.token,
		UserID: sess.userID,
		Expire: sess.expire,
		Area:   area,
	}
}

func (s *Server) handlePollSession(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, "session") {
		return
	}
	handle := r.URL.Query().Get("handle")

	s.mu.Lock()
	sess, ok := s.sessions[handle]
	var info proto.SessionInfo
	if ok && sess.authorized {
		info = s.sessionInfo(sess)
	}
	s.mu.Unlock()

	switch {
	case !ok:
		sendError(w, http.StatusNotFound, "unknown session")
	case info.Token == "":
		sendError(w, http.StatusUnauthorized, "session is not authorized")
	default:
		sendJSON(w, http.StatusOK, info)
	}
}

func (s *Server) handleHtpasswd(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, "session") {
		return
	}
	var req struct {
		Handle   string `json:"handle"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[req.Handle]
	password, known := s.users[req.Username]
	var info proto.SessionInfo
	if ok && known && password == req.Password {
		s.authorize(sess, s.userIDs[req.Username])
		info = s.sessionInfo(sess)
	}
	s.mu.Unlock()

	switch {
	case !ok:
		sendError(w, http.StatusNotFound, "unknown session")
	case info.Token == "":
		sendError(w, http.StatusUnauthorized, "invalid credentials")
	default:
		sendJSON(w, http.StatusOK, info)
	}
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, "session") {
		return
	}
	handle := r.URL.Query().Get("handle")
	s.mu.Lock()
	delete(s.sessions, handle)
	s.mu.Unlock()
	sendJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleOAuth(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, "session") {
		return
	}
	sendError(w, http.StatusNotImplemented, "oauth provider "+chi.URLParam(r, "provider")+" is not configured")
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Logger(r).Debug().Err(err).Msg("Push upgrade failed")
		return
	}

	id := uuid.New().String()
	s.subsMu.Lock()
	s.subscribers[id] = conn
	s.subsMu.Unlock()

	// Drain until the client goes away
	go func() {
		defer func() {
			s.subsMu.Lock()
			delete(s.subscribers, id)
			s.subsMu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) broadcast(evt proto.PushEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for id, conn := range s.subscribers {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.logger.Debug().Err(err).Str("subscriber", id).Msg("Push write failed")
			conn.Close()
			delete(s.subscribers, id)
		}
	}
}

func sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func sendError(w http.ResponseWriter, status int, errMsg string) {
	sendJSON(w, status, map[string]string{"error": errMsg, "code": strconv.Itoa(status)})
}
