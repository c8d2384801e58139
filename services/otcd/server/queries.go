package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"p2potc/native/otc"
	"p2potc/services/otcd/viewkey"
)

// HeaderViewingKey carries the caller's viewing key on caller scoped queries.
const HeaderViewingKey = "X-Viewing-Key"

// requireViewingKey checks the viewing key against the auth collaborator for
// the authenticated caller.
func (s *Server) requireViewingKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := callerFrom(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		key := strings.TrimSpace(r.Header.Get(HeaderViewingKey))
		if key == "" {
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing viewing key"})
			return
		}
		if err := s.viewKeys.Validate(r.Context(), caller, key); err != nil {
			if errors.Is(err, viewkey.ErrKeyMismatch) {
				s.writeJSON(w, http.StatusForbidden, map[string]string{"error": "viewing key mismatch"})
				return
			}
			s.logger.Warn("viewing key validation failed", slog.String("caller", caller.String()), slog.Any("error", err))
			s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": "viewing key service unavailable"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.svc.Config()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) GetRevenue(w http.ResponseWriter, r *http.Request) {
	revenue, err := s.svc.Revenue()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"revenue": revenue.String()})
}

func (s *Server) GetModerators(w http.ResponseWriter, r *http.Request) {
	mods, err := s.svc.Moderators()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"moderators": mods})
}

func (s *Server) GetPastDeals(w http.ResponseWriter, r *http.Request) {
	deals, err := s.svc.PastDeals()
	s.writeDeals(w, r, deals, err)
}

func (s *Server) GetActiveDeals(w http.ResponseWriter, r *http.Request) {
	deals, err := s.svc.ActiveDeals()
	s.writeDeals(w, r, deals, err)
}

func (s *Server) GetActivePosts(w http.ResponseWriter, r *http.Request) {
	posts, err := s.svc.ActivePosts()
	s.writePosts(w, r, posts, err)
}

func (s *Server) MyPosts(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	posts, err := s.svc.PostsOf(caller)
	s.writePosts(w, r, posts, err)
}

func (s *Server) MyDeals(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	deals, err := s.svc.DealsOf(caller)
	s.writeDeals(w, r, deals, err)
}

func (s *Server) MyPaymentInfo(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	info, err := s.svc.PaymentInfoOf(caller)
	if errors.Is(err, otc.ErrMissingPaymentInfo) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// GetDeal returns a deal with the payee's payment info to parties, admins
// and moderators.
func (s *Server) GetDeal(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	id, err := idParam(r)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	detail, err := s.svc.DealDetail(caller, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) writeDeals(w http.ResponseWriter, r *http.Request, deals []*otc.Deal, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if deals == nil {
		deals = []*otc.Deal{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deals": deals})
}

func (s *Server) writePosts(w http.ResponseWriter, r *http.Request, posts []*otc.Post, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if posts == nil {
		posts = []*otc.Post{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"posts": posts})
}
