package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/jukebox-core/internal/auth"
	"github.com/nerrad567/jukebox-core/internal/bus"
)

// defaultTicketTTL is how long an admin WebSocket ticket is valid.
const defaultTicketTTL = 60 * time.Second

// ticketBytes is the number of random bytes used for WebSocket tickets.
const ticketBytes = 32

// errTicketInvalid is returned for an unknown, used or expired ticket.
var errTicketInvalid = errors.New("invalid websocket ticket")

// TicketStore holds pending admin WebSocket tickets.
// Tickets are single-use and expire after the store's TTL.
type TicketStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	tickets map[string]ticketEntry
}

type ticketEntry struct {
	subject   string
	role      auth.Role
	expiresAt time.Time
}

// NewTicketStore creates a store whose tickets live for ttl.
func NewTicketStore(ttl time.Duration) *TicketStore {
	if ttl <= 0 {
		ttl = defaultTicketTTL
	}
	return &TicketStore{
		ttl:     ttl,
		now:     time.Now,
		tickets: make(map[string]ticketEntry),
	}
}

// Issue creates a ticket for an authenticated caller.
func (s *TicketStore) Issue(subject string, role auth.Role) string {
	b := make([]byte, ticketBytes)
	//nolint:errcheck // crypto/rand.Read always returns len(b) on supported platforms
	rand.Read(b)
	ticket := hex.EncodeToString(b)

	s.mu.Lock()
	s.tickets[ticket] = ticketEntry{subject: subject, role: role, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return ticket
}

// Redeem consumes a ticket and returns the caller it was issued to.
func (s *TicketStore) Redeem(ticket string) (subject string, role auth.Role, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, found := s.tickets[ticket]
	if !found {
		return "", "", false
	}
	delete(s.tickets, ticket)

	if !s.now().Before(entry.expiresAt) {
		return "", "", false
	}
	return entry.subject, entry.role, true
}

// Len returns the number of outstanding tickets.
func (s *TicketStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tickets)
}

func (s *TicketStore) cleanExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for ticket, entry := range s.tickets {
		if !now.Before(entry.expiresAt) {
			delete(s.tickets, ticket)
		}
	}
}

// Run removes expired tickets periodically until ctx is cancelled.
func (s *TicketStore) Run(ctx context.Context) {
	ticker := time.NewTicker(s.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanExpired()
		}
	}
}

// AdminAuthenticator authenticates admin WebSocket upgrades. Browsers pass
// a ticket in the "ticket" query parameter; other clients may send a
// bearer token header instead. Either way the role must grant the admin
// channel.
func AdminAuthenticator(secret string, tickets *TicketStore) bus.AdminAuthenticator {
	return func(r *http.Request) (string, error) {
		if ticket := r.URL.Query().Get("ticket"); ticket != "" {
			subject, role, ok := tickets.Redeem(ticket)
			if !ok {
				return "", errTicketInvalid
			}
			if !auth.HasPermission(role, auth.PermAdminChannel) {
				return "", auth.ErrForbidden
			}
			return subject, nil
		}

		raw, ok := bearerToken(r)
		if !ok {
			return "", auth.ErrTokenInvalid
		}
		claims, err := auth.ParseToken(raw, secret)
		if err != nil {
			return "", err
		}
		if !auth.HasPermission(claims.Role, auth.PermAdminChannel) {
			return "", auth.ErrForbidden
		}
		return claims.Subject, nil
	}
}

// handleWSTicket issues a single-use ticket for the admin WebSocket so the
// bearer token never appears in a URL.
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	ticket := s.tickets.Issue(claims.Subject, claims.Role)

	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_in": int(s.tickets.ttl.Seconds()),
	})
}
