package api

import (
	"log"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// dummyHash is compared against when the operator is unknown, so unknown
// and known names take the same time.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("gojails-no-such-operator"), bcrypt.MinCost)

// operatorStore checks operator passwords against bcrypt hashes.
type operatorStore struct {
	mu     sync.RWMutex
	hashes map[string][]byte // lowercased operator name -> bcrypt hash
}

func newOperatorStore(hashes map[string]string) *operatorStore {
	s := &operatorStore{}
	s.set(hashes)
	return s
}

func (s *operatorStore) set(hashes map[string]string) {
	m := make(map[string][]byte, len(hashes))
	for name, h := range hashes {
		m[strings.ToLower(strings.TrimSpace(name))] = []byte(h)
	}
	s.mu.Lock()
	s.hashes = m
	s.mu.Unlock()
}

func (s *operatorStore) check(operator, password string) bool {
	s.mu.RLock()
	hash, ok := s.hashes[strings.ToLower(strings.TrimSpace(operator))]
	s.mu.RUnlock()
	if !ok {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

func (s *operatorStore) empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hashes) == 0
}

// HashPassword returns the bcrypt hash to put in api.operators.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// SetOperators replaces the operator password table.
func (s *Server) SetOperators(hashes map[string]string) { s.operators.set(hashes) }

// handleLogin handles POST /api/v1/auth/login.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Operator string `json:"operator"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if s.operators.empty() {
		writeJSONError(w, http.StatusForbidden, "password login is disabled")
		return
	}
	if req.Operator == "" || req.Password == "" || !s.operators.check(req.Operator, req.Password) {
		log.Printf("api: failed login attempt for %q from %s", req.Operator, r.RemoteAddr)
		writeJSONError(w, http.StatusUnauthorized, "invalid operator or password")
		return
	}
	token, err := s.auth.Issue(req.Operator)
	if err != nil {
		writeError(w, err)
		return
	}
	log.Printf("api: operator %q logged in from %s", req.Operator, r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
