package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chainnet/p2p"
)

const adminDialTimeout = 15 * time.Second

// networkAPI is the operator surface of the network controller.
type networkAPI interface {
	NetInfo() p2p.NetInfo
	Peers() []p2p.PeerStatus
	KnownPeers() []p2p.PeerRecord
	Bans() []p2p.BanEntry
	DialPeer(ctx context.Context, target string) error
	BanPeer(id p2p.NodeID, duration time.Duration) error
	BanAddr(addr string, duration time.Duration) error
	Unban(target p2p.BanTarget) error
}

type banRequest struct {
	Peer            string `json:"peer,omitempty"`
	Addr            string `json:"addr,omitempty"`
	DurationSeconds int64  `json:"durationSeconds,omitempty"`
}

type dialRequest struct {
	Target string `json:"target"`
}

func newAdminRouter(api networkAPI, logger *slog.Logger) http.Handler {
	logger = logger.With(slog.String("component", "admin_http"))
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/p2p", func(r chi.Router) {
		r.Get("/netinfo", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, api.NetInfo())
		})
		r.Get("/peers", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, api.Peers())
		})
		r.Get("/known", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, api.KnownPeers())
		})
		r.Get("/bans", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, api.Bans())
		})
		r.Post("/dial", func(w http.ResponseWriter, r *http.Request) {
			var req dialRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Target) == "" {
				writeError(w, http.StatusBadRequest, errors.New("target required"))
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), adminDialTimeout)
			defer cancel()
			if err := api.DialPeer(ctx, req.Target); err != nil {
				logger.Debug("Operator dial failed", slog.Any("error", err))
				writeError(w, dialStatus(err), err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
		r.Post("/bans", func(w http.ResponseWriter, r *http.Request) {
			var req banRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			duration := time.Duration(req.DurationSeconds) * time.Second
			var err error
			switch {
			case req.Peer != "" && req.Addr == "":
				err = api.BanPeer(p2p.NormalizeNodeID(req.Peer), duration)
			case req.Addr != "" && req.Peer == "":
				err = api.BanAddr(req.Addr, duration)
			default:
				err = errors.New("exactly one of peer or addr required")
			}
			if err != nil {
				writeBanResult(w, logger, err, http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
		r.Delete("/bans/{target}", func(w http.ResponseWriter, r *http.Request) {
			raw, err := url.PathUnescape(chi.URLParam(r, "target"))
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			target, err := p2p.ParseBanTarget(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			if err := api.Unban(target); err != nil {
				writeBanResult(w, logger, err, http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	})
	return r
}

func dialStatus(err error) int {
	var dialErr *p2p.DialError
	switch {
	case errors.Is(err, p2p.ErrInvalidAddress), errors.Is(err, p2p.ErrSelfDial):
		return http.StatusBadRequest
	case errors.Is(err, p2p.ErrPeerUnknown):
		return http.StatusNotFound
	case errors.Is(err, p2p.ErrPeerBanned):
		return http.StatusForbidden
	case errors.Is(err, p2p.ErrSlotsFull), errors.Is(err, p2p.ErrAlreadyConnected):
		return http.StatusConflict
	case errors.Is(err, p2p.ErrNotRunning):
		return http.StatusServiceUnavailable
	case errors.As(err, &dialErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeBanResult reports a ban change that failed with err. A persistence
// failure means the change is live in memory only and is answered with 202.
func writeBanResult(w http.ResponseWriter, logger *slog.Logger, err error, status int) {
	var perr *p2p.PersistenceError
	if errors.As(err, &perr) {
		logger.Warn("Ban change applied without durability", slog.Any("error", err))
		writeJSON(w, http.StatusAccepted, map[string]any{"persisted": false, "error": err.Error()})
		return
	}
	writeError(w, status, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
