// Package server contains the icp transfer receiver: the HTTP server that
// authenticates upload requests, accepts chunked file data, and finalizes completed
// uploads into the output directory.
//
// To instantiate a new Server, use New with a well-defined Config:
//
//	srv := server.New(config.New())
//	http.ListenAndServe(":3000", http.HandlerFunc(srv.Handle))
//
// To run a server with signal handling and the background session manager, use
// Serve or a Runner (see runner.go).
package server

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/mieweb/indexedcp/config"
	"github.com/mieweb/indexedcp/crypto"
	"github.com/mieweb/indexedcp/session"
	"github.com/mieweb/indexedcp/util"
	"golang.org/x/time/rate"
)

const (
	// HeaderOffset carries the chunk offset on PUT requests, and the server's current
	// offset on offset-mismatch responses so the client can re-sync without a round trip
	HeaderOffset = "X-Offset"

	// HeaderAPIKey is an alternative to the Authorization header for presenting the API key
	HeaderAPIKey = "X-API-Key"

	visitorExpungeAfter = 30 * time.Minute
	sessionIDRegexPart  = `([a-fA-F0-9-]+)`
)

var bearerAuthRegex = regexp.MustCompile(`^Bearer (\S+)$`)

// Server is the transfer receiver. It gates every request on the configured API key,
// delegates session bookkeeping to the session registry, and runs a background
// manager that expires idle sessions.
type Server struct {
	config      *config.Config
	sessions    *session.Registry
	visitors    map[string]*visitor
	routes      []route
	managerChan chan bool
	mu          sync.Mutex
}

// Info contains information about the server, returned by the /v1/info endpoint
type Info struct {
	ServerAddr       string `json:"serverAddr"`
	ProtectedWithKey bool   `json:"protectedWithKey"`
}

// SessionOpenRequest is the request body for opening or resuming an upload session
type SessionOpenRequest struct {
	Fingerprint string `json:"fingerprint"`
	Size        int64  `json:"size"`
	Name        string `json:"name"`
}

// SessionResponse is the response body for all session operations. DestinationName
// is the server-side filename; it may differ from the client's suggested name if a
// collision had to be resolved.
type SessionResponse struct {
	SessionID       string `json:"sessionId"`
	BytesReceived   int64  `json:"bytesReceived"`
	DestinationName string `json:"destinationName"`
	Complete        bool   `json:"complete"`
}

// visitor represents an API user, and its associated rate.Limiters used for rate limiting
type visitor struct {
	limiterGET *rate.Limiter
	limiterPUT *rate.Limiter
	lastSeen   time.Time
}

// handleFunc extends the normal http.HandlerFunc to be able to easily return errors
type handleFunc func(http.ResponseWriter, *http.Request) error

// route represents a HTTP route (e.g. PUT /v1/sessions/..), a regex that matches it and its handler
type route struct {
	method  string
	regex   *regexp.Regexp
	handler handleFunc
}

func newRoute(method, pattern string, handler handleFunc) route {
	return route{method, regexp.MustCompile("^" + pattern + "$"), handler}
}

// routeCtx is a marker struct used to find fields in route matches
type routeCtx struct{}

// New creates a new Server instance using the given config. It initializes the
// session registry from the output directory, restoring sessions persisted by a
// previous process.
func New(conf *config.Config) (*Server, error) {
	if conf.ListenHTTP == "" {
		return nil, errListenAddrMissing
	}
	sessions, err := session.New(conf.OutputDir, conf.FileSizeLimit)
	if err != nil {
		return nil, err
	}
	if conf.APIKey == "" {
		log.Printf("WARNING: no API key configured, all upload requests will be accepted")
	}
	return &Server{
		config:   conf,
		sessions: sessions,
		visitors: make(map[string]*visitor),
		routes:   nil,
	}, nil
}

// Handle is the delegating handler function for the server. It uses the route list
// to find a matching route and delegates to it.
func (s *Server) Handle(w http.ResponseWriter, r *http.Request) {
	for _, route := range s.routeList() {
		matches := route.regex.FindStringSubmatch(r.URL.Path)
		if len(matches) > 0 && r.Method == route.method {
			log.Printf("%s - %s %s", r.RemoteAddr, r.Method, r.RequestURI)
			ctx := context.WithValue(r.Context(), routeCtx{}, matches[1:])
			if err := route.handler(w, r.WithContext(ctx)); err != nil {
				if e, ok := err.(*ErrHTTP); ok {
					s.fail(w, r, e.Code, e)
				} else {
					s.fail(w, r, http.StatusInternalServerError, err)
				}
			}
			return
		}
	}
	if r.Method == http.MethodGet {
		s.fail(w, r, http.StatusNotFound, errNoMatchingRoute)
	} else {
		s.fail(w, r, http.StatusBadRequest, errNoMatchingRoute)
	}
}

func (s *Server) routeList() []route {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.routes != nil {
		return s.routes
	}

	s.routes = []route{
		newRoute("GET", "/v1/info", s.limit(s.handleInfo)),
		newRoute("GET", "/v1/verify", s.limit(s.auth(s.handleVerify))),
		newRoute("POST", "/v1/sessions", s.limit(s.auth(s.handleSessionOpen))),
		newRoute("PUT", "/v1/sessions/"+sessionIDRegexPart, s.limit(s.auth(s.handleSessionChunk))),
		newRoute("POST", "/v1/sessions/"+sessionIDRegexPart+"/finalize", s.limit(s.auth(s.handleSessionFinalize))),
	}
	return s.routes
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) error {
	response := &Info{
		ServerAddr:       s.config.ServerAddr,
		ProtectedWithKey: s.config.APIKey != "",
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(response)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func (s *Server) handleSessionOpen(w http.ResponseWriter, r *http.Request) error {
	var request SessionOpenRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		return ErrHTTPBadRequest
	}
	if request.Fingerprint == "" || request.Size < 0 || request.Name == "" {
		return ErrHTTPBadRequest
	}
	status, err := s.sessions.OpenOrResume(request.Fingerprint, request.Size, request.Name)
	if err == session.ErrSizeLimitExceeded {
		return ErrHTTPPayloadTooLarge
	} else if err != nil {
		return err
	}
	return writeSessionResponse(w, status)
}

func (s *Server) handleSessionChunk(w http.ResponseWriter, r *http.Request) error {
	fields := r.Context().Value(routeCtx{}).([]string)
	id := fields[0]
	offset, err := strconv.ParseInt(r.Header.Get(HeaderOffset), 10, 64)
	if err != nil || offset < 0 {
		return ErrHTTPBadRequest
	}
	status, err := s.sessions.WriteChunk(id, offset, r.Body)
	if err == session.ErrOffsetMismatch {
		// Tell the client where we are so it can re-seek without re-querying
		w.Header().Set(HeaderOffset, strconv.FormatInt(status.BytesReceived, 10))
		return ErrHTTPConflict
	} else if err == session.ErrNotFound {
		return ErrHTTPNotFound
	} else if err == session.ErrChecksumMismatch {
		return ErrHTTPUnprocessableEntity
	} else if err != nil {
		return err
	}
	return writeSessionResponse(w, status)
}

func (s *Server) handleSessionFinalize(w http.ResponseWriter, r *http.Request) error {
	fields := r.Context().Value(routeCtx{}).([]string)
	id := fields[0]
	status, err := s.sessions.Finalize(id)
	if err == session.ErrNotFound {
		return ErrHTTPNotFound
	} else if err == session.ErrNotComplete {
		return ErrHTTPConflict
	} else if err == session.ErrChecksumMismatch {
		return ErrHTTPUnprocessableEntity
	} else if err != nil {
		return err
	}
	return writeSessionResponse(w, status)
}

func writeSessionResponse(w http.ResponseWriter, status *session.Status) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(&SessionResponse{
		SessionID:       status.ID,
		BytesReceived:   status.BytesReceived,
		DestinationName: status.DestName,
		Complete:        status.Complete,
	})
}

func (s *Server) auth(next handleFunc) handleFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		if err := s.authorize(r); err != nil {
			return err
		}
		return next(w, r)
	}
}

// authorize checks the API key on the request. If the server has no key configured,
// all requests are accepted (explicit insecure mode, announced loudly at startup).
func (s *Server) authorize(r *http.Request) error {
	if s.config.APIKey == "" {
		return nil
	}
	key := r.Header.Get(HeaderAPIKey)
	if m := bearerAuthRegex.FindStringSubmatch(r.Header.Get("Authorization")); m != nil {
		key = m[1]
	}
	if key == "" {
		log.Printf("%s - %s %s - missing API key", r.RemoteAddr, r.Method, r.RequestURI)
		return ErrHTTPUnauthorized
	}
	if !crypto.SafeCompare(s.config.APIKey, key) {
		log.Printf("%s - %s %s - invalid API key", r.RemoteAddr, r.Method, r.RequestURI)
		return ErrHTTPUnauthorized
	}
	return nil
}

// startManager will start the server manager background process that expires idle
// sessions and logs usage stats. This method exits immediately and will spin up a goroutine.
func (s *Server) startManager() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.managerChan != nil {
		return
	}
	s.managerChan = make(chan bool)

	managerChan := s.managerChan
	go func() {
		ticker := time.NewTicker(s.config.ManagerInterval)
		defer ticker.Stop()
		for {
			s.updateStatsAndExpire()
			select {
			case <-ticker.C:
			case <-managerChan:
				return
			}
		}
	}()
}

// stopManager will stop the existing manager goroutine if one is running. It is safe
// to call more than once.
func (s *Server) stopManager() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.managerChan != nil {
		close(s.managerChan)
		s.managerChan = nil
	}
}

func (s *Server) updateStatsAndExpire() {
	s.mu.Lock()
	for ip, v := range s.visitors {
		if time.Since(v.lastSeen) > visitorExpungeAfter {
			delete(s.visitors, ip)
		}
	}
	s.mu.Unlock()

	s.sessions.Expire(s.config.SessionExpireAfter, s.config.CompletedRetain)

	stats := s.sessions.Stats()
	log.Printf("sessions: %d active, partial data: %s, visitors: %d (last 30 minutes)",
		stats.Active, util.BytesToHuman(stats.PartialBytes), len(s.visitors))
}

// limit wraps all HTTP endpoints and limits API use to a certain number of requests per second.
// This function was taken from https://www.alexedwards.net/blog/how-to-rate-limit-http-requests (MIT).
func (s *Server) limit(next handleFunc) handleFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		v := s.getVisitor(r.RemoteAddr)
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			if !v.limiterGET.Allow() {
				return ErrHTTPTooManyRequests
			}
		} else {
			if !v.limiterPUT.Allow() {
				return ErrHTTPTooManyRequests
			}
		}
		return next(w, r)
	}
}

// getVisitor creates or retrieves a rate.Limiter for the given visitor.
// This function was taken from https://www.alexedwards.net/blog/how-to-rate-limit-http-requests (MIT).
func (s *Server) getVisitor(remoteAddr string) *visitor {
	s.mu.Lock()
	defer s.mu.Unlock()

	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		ip = remoteAddr // This should not happen in real life; only in tests.
	}

	v, exists := s.visitors[ip]
	if !exists {
		v = &visitor{
			rate.NewLimiter(s.config.LimitGET, s.config.LimitGETBurst),
			rate.NewLimiter(s.config.LimitPUT, s.config.LimitPUTBurst),
			time.Now(),
		}
		s.visitors[ip] = v
		return v
	}

	v.lastSeen = time.Now()
	return v
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, code int, err error) {
	log.Printf("%s - %s %s - %s", r.RemoteAddr, r.Method, r.RequestURI, err.Error())
	w.WriteHeader(code)
	w.Write([]byte(http.StatusText(code)))
}
