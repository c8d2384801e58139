package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"

	"p2potc/crypto"
	gatewayauth "p2potc/gateway/auth"
	"p2potc/native/otc"
	"p2potc/services/otcd/journal"
)

// HeaderIdempotencyKey names the header custody uses to deduplicate retries.
const HeaderIdempotencyKey = "Idempotency-Key"

// IdempotencyStore persists responses to keyed requests.
type IdempotencyStore interface {
	LookupIdempotency(ctx context.Context, key string) (*journal.IdempotencyKey, bool, error)
	SaveIdempotency(ctx context.Context, record journal.IdempotencyKey) error
}

// maxIdempotencyKey matches the width of the journal's key column.
const maxIdempotencyKey = 128

// withIdempotency replays the stored response for a repeated key. Keys are
// scoped to the custody API key that signed the request. Responses with a
// 5xx status are not stored so the request may be retried.
//
// Lookup and save are not atomic: two concurrent requests with the same key
// can both reach the handler. The deal and post state checks reject the
// second application, and the losing save fails on the primary key.
func (s *Server) withIdempotency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
		if key == "" || s.idempotency == nil {
			next.ServeHTTP(w, r)
			return
		}
		if principal, ok := gatewayauth.PrincipalFromContext(r.Context()); ok {
			key = principal.APIKey + ":" + key
		}
		if len(key) > maxIdempotencyKey {
			s.writeBadRequest(w, fmt.Errorf("%s too long", HeaderIdempotencyKey))
			return
		}
		record, found, err := s.idempotency.LookupIdempotency(r.Context(), key)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if found {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(record.Status)
			_, _ = io.WriteString(w, record.Response)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		if status >= http.StatusInternalServerError {
			return
		}
		if err := s.idempotency.SaveIdempotency(r.Context(), journal.IdempotencyKey{
			Key:       key,
			RequestID: chimw.GetReqID(r.Context()),
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    status,
			Response:  recorder.buf.String(),
		}); err != nil {
			s.logger.Error("store idempotent response", slog.String("key", key), slog.Any("error", err))
		}
	})
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}

type depositRequest struct {
	Depositor crypto.Address `json:"depositor"`
	Amount    string         `json:"amount"`
	Asset     string         `json:"asset"`
	PostID    uint64         `json:"postId,omitempty"`
	DealID    uint64         `json:"dealId,omitempty"`
}

// ReportDeposit applies a custody observed deposit to its post or deal.
func (s *Server) ReportDeposit(w http.ResponseWriter, r *http.Request) {
	principal, ok := gatewayauth.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "missing custody principal", http.StatusUnauthorized)
		return
	}
	var req depositRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	notice := otc.DepositNotice{
		Depositor: req.Depositor,
		Amount:    amount,
		Asset:     req.Asset,
		PostID:    req.PostID,
		DealID:    req.DealID,
	}
	if err := s.svc.Deposit(r.Context(), principal.APIKey, notice); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
