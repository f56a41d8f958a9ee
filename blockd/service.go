package blockd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/dnpguard/bus"
	"github.com/hazyhaar/dnpguard/oracle"
)

// Service exposes the Store through the engine message contract.
type Service struct {
	store  *Store
	logger *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService wraps a Store.
func NewService(store *Store, opts ...ServiceOption) *Service {
	s := &Service{store: store, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register installs handlers for every contract service on a Router. One
// platform-scoped import handler is registered per listed platform.
func (s *Service) Register(r *bus.Router, platforms ...string) {
	r.RegisterLocal(oracle.SvcCheckArtistBlocked, s.handleCheck)
	r.RegisterLocal(oracle.SvcAddToDNP, s.handleAdd)
	r.RegisterLocal(oracle.SvcRemoveFromDNP, s.handleRemove)
	r.RegisterLocal(oracle.SvcLogAction, s.handleLogAction)
	for _, p := range platforms {
		r.RegisterLocal(oracle.ImportService(p), s.importHandler(p))
	}
}

func (s *Service) handleCheck(ctx context.Context, payload []byte) ([]byte, error) {
	var req oracle.CheckRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("blockd: bad check request: %w", err)
	}
	blocked, err := s.store.IsBlocked(ctx, req.Artist)
	if err != nil {
		return nil, err
	}
	return json.Marshal(oracle.CheckResponse{Blocked: blocked})
}

func (s *Service) handleAdd(ctx context.Context, payload []byte) ([]byte, error) {
	var req oracle.ChangeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("blockd: bad add request: %w", err)
	}
	added, err := s.store.Add(ctx, req.Artist)
	if err != nil {
		return nil, err
	}
	s.logger.Info("blockd: artist added", "artist", req.Artist.Name,
		"platform", req.Artist.Platform, "new", added)
	return json.Marshal(oracle.ChangeResponse{Success: true})
}

func (s *Service) handleRemove(ctx context.Context, payload []byte) ([]byte, error) {
	var req oracle.ChangeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("blockd: bad remove request: %w", err)
	}
	removed, err := s.store.Remove(ctx, req.Artist)
	if err != nil {
		return nil, err
	}
	s.logger.Info("blockd: artist removed", "artist", req.Artist.Name,
		"platform", req.Artist.Platform, "found", removed)
	return json.Marshal(oracle.ChangeResponse{Success: removed})
}

func (s *Service) handleLogAction(ctx context.Context, payload []byte) ([]byte, error) {
	var req oracle.LogRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("blockd: bad log request: %w", err)
	}
	if err := s.store.RecordAction(ctx, req.Action); err != nil {
		return nil, err
	}
	return []byte(`{}`), nil
}

func (s *Service) importHandler(platform string) bus.Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var req oracle.ImportRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("blockd: bad import request: %w", err)
		}
		added, err := s.store.Import(ctx, platform, req.Data.Artists, req.Data.Tracks)
		if err != nil {
			return nil, err
		}
		s.logger.Info("blockd: blocklist imported", "platform", platform,
			"artists", len(req.Data.Artists), "tracks", len(req.Data.Tracks), "added", added)
		return json.Marshal(oracle.ChangeResponse{Success: true})
	}
}
