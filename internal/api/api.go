// Package api exposes the estimator over HTTP: platform components post
// topology and configuration events, and operators read the current
// estimate and per-cell statistics.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/thesyncim/lbe/pkg/lbe"
)

// Server is the HTTP API in front of a Router.
type Server struct {
	router *lbe.Router
	apiKey string
	log    *zap.Logger

	// onCarrierConfig runs before a carrier config change is posted, e.g. to
	// reload the carrier table.
	onCarrierConfig func() error

	offers OfferAnswerer
}

// OfferAnswerer answers WebRTC offers.
type OfferAnswerer interface {
	Answer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
}

// Option configures a Server.
type Option func(*Server)

// WithAPIKey requires "Authorization: Bearer <key>" on every request.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = key }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithCarrierReload sets a hook run when a carrier config change is posted.
// A hook error fails the request and the change is not posted.
func WithCarrierReload(fn func() error) Option {
	return func(s *Server) { s.onCarrierConfig = fn }
}

// WithWebRTC serves POST /v1/webrtc/offer with a.
func WithWebRTC(a OfferAnswerer) Option {
	return func(s *Server) { s.offers = a }
}

// NewServer creates an API server for router.
func NewServer(router *lbe.Router, opts ...Option) *Server {
	s := &Server{router: router, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the gin engine.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	if s.apiKey != "" {
		r.Use(s.authMiddleware())
	}

	v1 := r.Group("/v1")
	events := v1.Group("/events")
	events.POST("/screen", s.handleScreen)
	events.POST("/network", s.handleNetwork)
	events.POST("/cell", s.handleCell)
	events.POST("/radio-tech", s.handleRadioTech)
	events.POST("/nr-frequency", s.handleNRFrequency)
	events.POST("/signal", s.handleSignal)
	events.POST("/carrier-config", s.handleCarrierConfig)
	events.POST("/activity", s.handleActivity)

	v1.GET("/estimate", s.handleEstimate)
	v1.GET("/cells", s.handleCells)
	if s.offers != nil {
		v1.POST("/webrtc/offer", s.handleOffer)
	}
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("api listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// accepted maps a posting error to a response.
func (s *Server) accepted(c *gin.Context, err error) {
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, lbe.ErrRouterClosed) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

type screenRequest struct {
	On *bool `json:"on" binding:"required"`
}

func (s *Server) handleScreen(c *gin.Context) {
	var req screenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.accepted(c, s.router.ScreenState(*req.On))
}

type networkRequest struct {
	// Transports of the default network; empty means no default network.
	Transports []string `json:"transports"`
}

func (s *Server) handleNetwork(c *gin.Context) {
	var req networkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	t, err := ParseTransports(req.Transports)
	if err != nil {
		badRequest(c, err)
		return
	}
	s.accepted(c, s.router.DefaultNetwork(t))
}

type cellRequest struct {
	MCC    string `json:"mcc"`
	MNC    string `json:"mnc"`
	TAC    int32  `json:"tac"`
	CellID int64  `json:"cell_id"`
}

func (s *Server) handleCell(c *gin.Context) {
	var req cellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.accepted(c, s.router.CellChanged(lbe.CellKey{
		MCC:    req.MCC,
		MNC:    req.MNC,
		TAC:    req.TAC,
		CellID: req.CellID,
	}))
}

type radioTechRequest struct {
	Tech string `json:"tech" binding:"required"`
}

func (s *Server) handleRadioTech(c *gin.Context) {
	var req radioTechRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.accepted(c, s.router.RadioTechChanged(lbe.ParseRadioTech(req.Tech)))
}

type nrFrequencyRequest struct {
	Range string `json:"range" binding:"required"`
}

func (s *Server) handleNRFrequency(c *gin.Context) {
	var req nrFrequencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.accepted(c, s.router.NRFrequencyChanged(ParseFrequencyRange(req.Range)))
}

type signalRequest struct {
	Level *int `json:"level" binding:"required"`
}

func (s *Server) handleSignal(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.accepted(c, s.router.SignalLevelChanged(*req.Level))
}

func (s *Server) handleCarrierConfig(c *gin.Context) {
	if s.onCarrierConfig != nil {
		if err := s.onCarrierConfig(); err != nil {
			s.log.Warn("carrier config reload failed", zap.Error(err))
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
	}
	s.accepted(c, s.router.CarrierConfigChanged())
}

type activityRequest struct {
	TimestampMs int64                        `json:"timestamp_ms"`
	SleepTimeMs int64                        `json:"sleep_time_ms"`
	IdleTimeMs  int64                        `json:"idle_time_ms"`
	TxTimeMs    [lbe.NumTxPowerBuckets]int64 `json:"tx_time_ms"`
	RxTimeMs    int64                        `json:"rx_time_ms"`
}

func (s *Server) handleActivity(c *gin.Context) {
	var req activityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.accepted(c, s.router.ActivityInfo(lbe.ActivityInfo(req)))
}

// EstimateResponse is the body of GET /v1/estimate.
type EstimateResponse struct {
	State        string        `json:"state"`
	ScreenOn     bool          `json:"screen_on"`
	Cellular     bool          `json:"cellular"`
	Cell         string        `json:"cell"`
	Tech         string        `json:"tech"`
	Frequency    string        `json:"nr_frequency"`
	SignalLevel  int           `json:"signal_level"`
	RAT          string        `json:"rat"`
	Defaults     BoundsJSON    `json:"carrier_defaults"`
	Current      EstimateJSON  `json:"current"`
	Published    *EstimateJSON `json:"published,omitempty"`
	PublishCount int           `json:"publish_count"`
	PollInFlight bool          `json:"poll_in_flight"`
	TrackedCells int           `json:"tracked_cells"`
}

// BoundsJSON is a tx/rx pair in kbps.
type BoundsJSON struct {
	TxKbps int `json:"tx_kbps"`
	RxKbps int `json:"rx_kbps"`
}

// EstimateJSON is an estimate with its per-direction sources.
type EstimateJSON struct {
	TxKbps   int    `json:"tx_kbps"`
	RxKbps   int    `json:"rx_kbps"`
	TxSource string `json:"tx_source"`
	RxSource string `json:"rx_source"`
}

func estimateJSON(e lbe.Estimate) EstimateJSON {
	return EstimateJSON{
		TxKbps:   e.TxKbps,
		RxKbps:   e.RxKbps,
		TxSource: e.TxSource.String(),
		RxSource: e.RxSource.String(),
	}
}

func (s *Server) handleEstimate(c *gin.Context) {
	snap, err := s.router.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	resp := EstimateResponse{
		State:        snap.State.String(),
		ScreenOn:     snap.ScreenOn,
		Cellular:     snap.Transports.Has(lbe.TransportCellular),
		Cell:         snap.Cell.String(),
		Tech:         snap.Tech.String(),
		Frequency:    snap.Frequency.String(),
		SignalLevel:  snap.SignalLevel,
		RAT:          string(snap.RAT),
		Defaults:     BoundsJSON{TxKbps: snap.Defaults.TxKbps, RxKbps: snap.Defaults.RxKbps},
		Current:      estimateJSON(snap.Current),
		PublishCount: snap.PublishCount,
		PollInFlight: snap.PollInFlight,
		TrackedCells: snap.TrackedCells,
	}
	if snap.HasPublished {
		p := estimateJSON(snap.Published)
		resp.Published = &p
	}
	c.JSON(http.StatusOK, resp)
}

// CellResponse is one entry of GET /v1/cells.
type CellResponse struct {
	Cell         string  `json:"cell"`
	RAT          string  `json:"rat"`
	SampleCount  int     `json:"sample_count"`
	TxCount      int     `json:"tx_count"`
	RxCount      int     `json:"rx_count"`
	TxKbps       float64 `json:"tx_kbps"`
	RxKbps       float64 `json:"rx_kbps"`
	LastUpdateMs int64   `json:"last_update_ms"`
}

func (s *Server) handleCells(c *gin.Context) {
	cells, err := s.router.Cells(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	rat := c.Query("rat")
	response := make([]CellResponse, 0, len(cells))
	for _, cs := range cells {
		if rat != "" && string(cs.RAT) != rat {
			continue
		}
		response = append(response, CellResponse{
			Cell:         cs.Cell.String(),
			RAT:          string(cs.RAT),
			SampleCount:  cs.Stats.SampleCount,
			TxCount:      cs.Stats.TxCount,
			RxCount:      cs.Stats.RxCount,
			TxKbps:       cs.Stats.TxKbps,
			RxKbps:       cs.Stats.RxKbps,
			LastUpdateMs: cs.Stats.LastUpdateMs,
		})
	}
	c.JSON(http.StatusOK, gin.H{"cells": response})
}

func (s *Server) handleOffer(c *gin.Context) {
	var offer webrtc.SessionDescription
	if err := c.ShouldBindJSON(&offer); err != nil {
		badRequest(c, err)
		return
	}
	if offer.Type != webrtc.SDPTypeOffer {
		badRequest(c, fmt.Errorf("expected offer, got %s", offer.Type))
		return
	}
	answer, err := s.offers.Answer(c.Request.Context(), offer)
	if err != nil {
		s.log.Warn("answering offer", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, answer)
}

// ParseTransports maps transport names to a Transports set.
func ParseTransports(names []string) (lbe.Transports, error) {
	var t lbe.Transports
	for _, name := range names {
		switch strings.ToLower(name) {
		case "cellular":
			t |= lbe.TransportCellular
		case "wifi":
			t |= lbe.TransportWiFi
		case "ethernet":
			t |= lbe.TransportEthernet
		case "vpn":
			t |= lbe.TransportVPN
		default:
			return 0, fmt.Errorf("unknown transport %q", name)
		}
	}
	return t, nil
}

// ParseFrequencyRange maps a frequency range name, case-insensitively.
// Unrecognized names map to FrequencyUnknown.
func ParseFrequencyRange(name string) lbe.FrequencyRange {
	for f := lbe.FrequencyLow; f <= lbe.FrequencyMMWave; f++ {
		if strings.EqualFold(f.String(), name) {
			return f
		}
	}
	return lbe.FrequencyUnknown
}
