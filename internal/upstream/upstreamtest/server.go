// Package upstreamtest is an in-process fake of the explorer transactions API and
// the token registry, for tests and local runs.
package upstreamtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"time"

	"referralfees/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

// Token explorer api key accepted by the fake; a JWT so config validation passes with it
var Token = func() string {
	key, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "upstreamtest",
		ExpiresAt: jwt.NewNumericDate(time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)),
	}).SignedString([]byte("upstreamtest"))
	if err != nil {
		panic(err)
	}
	return key
}()

// Server serves records newest first, like the real explorer
type Server struct {
	*httptest.Server

	mu             sync.Mutex
	records        []domain.TransactionRecord
	honorBoundary  bool
	failPages      map[int]int // page -> status
	requests       int
	lastBoundaries []string
}

// New honorBoundary=false simulates an upstream that ignores endTimestampUnix
func New(records []domain.TransactionRecord, honorBoundary bool) *Server {
	s := &Server{
		honorBoundary: honorBoundary,
		failPages:     make(map[int]int),
	}
	s.Add(records...)
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Add live growth: new records show up at the head of page 1
func (s *Server) Add(records ...domain.TransactionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, records...)
	sort.SliceStable(s.records, func(i, j int) bool {
		return s.records[i].CreatedAtTimestamp > s.records[j].CreatedAtTimestamp
	})
}

// FailPage makes every request for page answer with status until cleared with status 0
func (s *Server) FailPage(page, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status == 0 {
		delete(s.failPages, page)
		return
	}
	s.failPages[page] = status
}

func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Boundaries endTimestampUnix values seen, "" for unfiltered requests
func (s *Server) Boundaries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lastBoundaries...)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests++

	if r.Header.Get("Authorization") != "Bearer "+Token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	page, err := strconv.Atoi(q.Get("page"))
	if err != nil || page < 1 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	perPage, err := strconv.Atoi(q.Get("perPage"))
	if err != nil || perPage < 1 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if status, ok := s.failPages[page]; ok {
		w.WriteHeader(status)
		return
	}

	boundary := q.Get("endTimestampUnix")
	s.lastBoundaries = append(s.lastBoundaries, boundary)

	view := s.records
	if boundary != "" && s.honorBoundary {
		end, err := strconv.ParseInt(boundary, 10, 64)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		view = make([]domain.TransactionRecord, 0, len(s.records))
		for _, rec := range s.records {
			if rec.CreatedAtTimestamp <= end {
				view = append(view, rec)
			}
		}
	}

	totalPages := (len(view) + perPage - 1) / perPage
	from := (page - 1) * perPage
	to := from + perPage
	if from > len(view) {
		from = len(view)
	}
	if to > len(view) {
		to = len(view)
	}

	resp := domain.Page{
		Records:    append([]domain.TransactionRecord{}, view[from:to]...),
		TotalPages: totalPages,
	}
	if page < totalPages {
		next := page + 1
		resp.NextPage = &next
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Registry token registry handler answering with the given tokens
func Registry(tokens []domain.TokenInfo) *httptest.Server {
	body, _ := json.Marshal(tokens)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
}
