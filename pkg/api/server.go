package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypersettle/pkg/app/core/asset"
	"github.com/uhyunpark/hypersettle/pkg/app/core/portfolio"
	"github.com/uhyunpark/hypersettle/pkg/app/core/settlement"
	"github.com/uhyunpark/hypersettle/pkg/app/core/stats"
	"github.com/uhyunpark/hypersettle/pkg/app/core/venue"
	"github.com/uhyunpark/hypersettle/pkg/app/settle"
	"github.com/uhyunpark/hypersettle/pkg/chain"
	"github.com/uhyunpark/hypersettle/pkg/crypto"
	"github.com/uhyunpark/hypersettle/pkg/events"
)

const maxTxBytes = 64 << 10

type Options struct {
	AllowedOrigins []string
	TxLog          chain.WAL           // one JSON line per accepted submission; nil disables
	Stats          *stats.Collector    // nil disables /stats
	Gatherer       prometheus.Gatherer // nil disables /metrics
	Bus            *events.Bus         // nil disables websocket event streaming
	Gossip         func(raw []byte)    // relays accepted submissions to peers
	Logger         *zap.SugaredLogger
}

// Server handles REST API and WebSocket connections
type Server struct {
	app    *settle.App
	opts   Options
	router *mux.Router
	hub    *Hub
	logger *zap.SugaredLogger
}

func NewServer(app *settle.App, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	s := &Server{
		app:    app,
		opts:   opts,
		router: mux.NewRouter(),
		hub:    NewHub(opts.Logger),
		logger: opts.Logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.requestID)

	// Reference data
	api.HandleFunc("/assets", s.handleGetAssets).Methods("GET")
	api.HandleFunc("/assets/{ticker}", s.handleGetAsset).Methods("GET")
	api.HandleFunc("/venues", s.handleGetVenues).Methods("GET")
	api.HandleFunc("/venues/{id:[0-9]+}", s.handleGetVenue).Methods("GET")

	// Custody
	api.HandleFunc("/portfolios/{owner}", s.handleGetPortfolios).Methods("GET")
	api.HandleFunc("/portfolios/{owner}/{number:[0-9]+}", s.handleGetPortfolio).Methods("GET")

	// Settlement
	api.HandleFunc("/instructions", s.handleGetInstructions).Methods("GET")
	api.HandleFunc("/instructions/{id:[0-9]+}", s.handleGetInstruction).Methods("GET")
	api.HandleFunc("/parties/{address}/pending", s.handleGetPending).Methods("GET")
	api.HandleFunc("/nonces/{address}", s.handleGetNonce).Methods("GET")

	// Statistics
	api.HandleFunc("/stats/assets", s.handleGetAssetVolumes).Methods("GET")
	api.HandleFunc("/stats/venues/{id:[0-9]+}", s.handleGetVenueVolume).Methods("GET")

	api.HandleFunc("/chain/status", s.handleGetChainStatus).Methods("GET")
	api.HandleFunc("/tx", s.handleSubmitTx).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.opts.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler returns the router wrapped in the CORS policy.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves until ctx is cancelled. Settlement events from the bus are
// streamed to websocket clients while it runs.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)
	if s.opts.Bus != nil {
		sub := s.opts.Bus.Subscribe(1024)
		go s.pumpEvents(ctx, sub)
	}

	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Infow("api_server_starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) pumpEvents(ctx context.Context, sub *events.Subscription) {
	defer s.opts.Bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			s.BroadcastEvent(ev)
		}
	}
}

// BroadcastEvent fans a settlement event out to the websocket channels that
// cover it.
func (s *Server) BroadcastEvent(ev settlement.Event) {
	msg := WSEvent{
		Type:        string(ev.Type),
		Instruction: uint64(ev.Instruction),
		OldStatus:   ev.OldStatus.String(),
		NewStatus:   ev.NewStatus.String(),
		Leg:         ev.Leg,
		Reason:      ev.Reason,
		Block:       ev.Block,
	}
	if ev.Party != (common.Address{}) {
		msg.Party = ev.Party.Hex()
	}

	channels := []string{"instructions", fmt.Sprintf("instruction:%d", ev.Instruction)}
	if inst, err := s.app.Engine().Instruction(ev.Instruction); err == nil {
		for _, a := range inst.Affirmations.Parties {
			channels = append(channels, partyChannel(a.Party))
		}
	} else if msg.Party != "" {
		channels = append(channels, partyChannel(ev.Party))
	}
	for _, ch := range channels {
		msg.Channel = ch
		s.hub.BroadcastToChannel(ch, msg)
	}
}

func partyChannel(a common.Address) string { return "party:" + a.Hex() }

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetAssets(w http.ResponseWriter, r *http.Request) {
	list := s.app.Assets().List()
	out := make([]AssetInfo, len(list))
	for i, a := range list {
		out[i] = assetInfo(a)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	a, err := s.app.Assets().Get(mux.Vars(r)["ticker"])
	if err != nil {
		respondError(w, http.StatusNotFound, "asset not found", err.Error())
		return
	}
	respondJSON(w, assetInfo(a))
}

func (s *Server) handleGetVenues(w http.ResponseWriter, r *http.Request) {
	list := s.app.Venues().List()
	out := make([]VenueInfo, len(list))
	for i, v := range list {
		out[i] = venueInfo(v)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetVenue(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	v, err := s.app.Venues().Get(venue.ID(id))
	if err != nil {
		respondError(w, http.StatusNotFound, "venue not found", err.Error())
		return
	}
	respondJSON(w, venueInfo(v))
}

func (s *Server) handleGetPortfolios(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseAddress(w, mux.Vars(r)["owner"])
	if !ok {
		return
	}
	list := s.app.Portfolios().ListByOwner(owner)
	out := make([]PortfolioInfo, len(list))
	for i, p := range list {
		out[i] = s.portfolioInfo(p)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	owner, ok := parseAddress(w, vars["owner"])
	if !ok {
		return
	}
	number, _ := strconv.ParseUint(vars["number"], 10, 64)
	p, err := s.app.Portfolios().Get(portfolio.ID{Owner: owner, Number: number})
	if err != nil {
		respondError(w, http.StatusNotFound, "portfolio not found", err.Error())
		return
	}
	respondJSON(w, s.portfolioInfo(p))
}

// handleGetInstructions lists every instruction, optionally filtered by
// ?status=pending|executed|rejected|failed.
func (s *Server) handleGetInstructions(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	out := []InstructionInfo{}
	for _, inst := range s.app.Engine().List() {
		if status != "" && inst.Status.String() != status {
			continue
		}
		out = append(out, s.instructionInfo(inst))
	}
	respondJSON(w, out)
}

func (s *Server) handleGetInstruction(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	inst, err := s.app.Engine().Instruction(settlement.InstructionID(id))
	if err != nil {
		respondError(w, http.StatusNotFound, "instruction not found", err.Error())
		return
	}
	respondJSON(w, s.instructionInfo(inst))
}

// handleGetPending lists the instructions waiting on the party's affirmation.
func (s *Server) handleGetPending(w http.ResponseWriter, r *http.Request) {
	party, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	out := []InstructionInfo{}
	for _, id := range s.app.Engine().PendingFor(party) {
		inst, err := s.app.Engine().Instruction(id)
		if err != nil {
			continue
		}
		out = append(out, s.instructionInfo(inst))
	}
	respondJSON(w, out)
}

func (s *Server) handleGetNonce(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	respondJSON(w, NonceInfo{Address: addr.Hex(), Nonce: s.app.Nonce(addr)})
}

func (s *Server) handleGetAssetVolumes(w http.ResponseWriter, r *http.Request) {
	if s.opts.Stats == nil {
		respondError(w, http.StatusNotFound, "statistics disabled", "")
		return
	}
	keys, vols := s.opts.Stats.AssetVolumes()
	out := make([]VolumeInfo, len(keys))
	for i, k := range keys {
		v := vols[k]
		out[i] = VolumeInfo{Key: k, Legs: v.Legs, Amount: s.amount(k, v.Amount)}
	}
	respondJSON(w, out)
}

// handleGetVenueVolume reports a venue's volume in raw units: it may span
// assets of different precision.
func (s *Server) handleGetVenueVolume(w http.ResponseWriter, r *http.Request) {
	if s.opts.Stats == nil {
		respondError(w, http.StatusNotFound, "statistics disabled", "")
		return
	}
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	v := s.opts.Stats.VenueVolume(venue.ID(id))
	respondJSON(w, VolumeInfo{
		Key:    strconv.FormatUint(id, 10),
		Legs:   v.Legs,
		Amount: Amount{Units: v.Amount, Value: strconv.FormatInt(v.Amount, 10)},
	})
}

func (s *Server) handleGetChainStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, ChainStatus{
		Height:      s.app.Height(),
		AppHash:     s.app.AppHash().String(),
		MempoolSize: s.app.MempoolLen(),
		Scheduled:   s.app.Agenda().Len(),
		ChainID:     s.app.Domain().ChainID.Uint64(),
	})
}

// handleSubmitTx accepts a signed settlement call, checks its signature and
// nonce, and queues it for the next block.
func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTxBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body", err.Error())
		return
	}
	if len(body) > maxTxBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "transaction too large", "")
		return
	}

	hash, err := s.app.SubmitTx(body)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, settle.ErrNonceTooLow) {
			status = http.StatusConflict
		}
		respondError(w, status, "transaction rejected", err.Error())
		return
	}
	if s.opts.Gossip != nil {
		s.opts.Gossip(body)
	}

	s.logger.Infow("tx_submitted", "hash", hash.Hex(), "bytes", len(body), "request_id", requestIDFrom(r))
	s.logTransaction("TX_SUBMIT", map[string]interface{}{
		"hash":       hash.Hex(),
		"tx_bytes":   len(body),
		"request_id": requestIDFrom(r),
	})
	respondJSON(w, SubmitTxResponse{Status: "submitted", Hash: hash.Hex()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Rendering
// ==============================

// amount renders units of ticker under its precision.
func (s *Server) amount(ticker string, units int64) Amount {
	dec := int32(s.app.Assets().Decimals(ticker))
	return Amount{Units: units, Value: decimal.New(units, -dec).StringFixed(dec)}
}

func assetInfo(a asset.Asset) AssetInfo {
	dec := int32(a.Decimals)
	venues := make([]uint64, len(a.AllowedVenues))
	for i, v := range a.AllowedVenues {
		venues[i] = uint64(v)
	}
	return AssetInfo{
		Ticker:         a.Ticker,
		Issuer:         a.Issuer.Hex(),
		Decimals:       a.Decimals,
		Frozen:         a.Frozen,
		TotalSupply:    Amount{Units: a.TotalSupply, Value: decimal.New(a.TotalSupply, -dec).StringFixed(dec)},
		VenueFiltering: a.VenueFiltering,
		AllowedVenues:  venues,
	}
}

func venueInfo(v venue.Venue) VenueInfo {
	kinds := make([]string, len(v.AllowedKinds))
	for i, k := range v.AllowedKinds {
		kinds[i] = k.String()
	}
	signers := make([]string, len(v.Signers))
	for i, a := range v.Signers {
		signers[i] = a.Hex()
	}
	return VenueInfo{
		ID:           uint64(v.ID),
		Owner:        v.Owner.Hex(),
		Details:      v.Details,
		Type:         v.Type.String(),
		AllowedKinds: kinds,
		Signers:      signers,
		Active:       v.Active,
	}
}

func (s *Server) portfolioInfo(p portfolio.Portfolio) PortfolioInfo {
	locks := s.app.Engine().Locks()
	assets := make([]string, 0, len(p.Balances))
	for a := range p.Balances {
		assets = append(assets, a)
	}
	sort.Strings(assets)

	balances := make([]BalanceInfo, 0, len(assets))
	for _, a := range assets {
		balances = append(balances, BalanceInfo{
			Asset:  a,
			Free:   s.amount(a, p.Balances[a]),
			Locked: s.amount(a, locks.Locked(p.ID, a)),
		})
	}
	return PortfolioInfo{
		Owner:              p.ID.Owner.Hex(),
		Number:             p.ID.Number,
		Name:               p.Name,
		Custodian:          p.Custodian.Hex(),
		AutoAffirmReceipts: p.AutoAffirmReceipts,
		Balances:           balances,
	}
}

func (s *Server) instructionInfo(inst settlement.Instruction) InstructionInfo {
	legs := make([]LegInfo, len(inst.Legs))
	for i, l := range inst.Legs {
		legs[i] = LegInfo{
			From:   PortfolioRef{Owner: l.From.Owner.Hex(), Number: l.From.Number},
			To:     PortfolioRef{Owner: l.To.Owner.Hex(), Number: l.To.Number},
			Asset:  l.Asset,
			Amount: s.amount(l.Asset, l.Amount),
			Locked: i < len(inst.Locks) && inst.Locks[i] != 0,
		}
	}
	affs := make([]AffirmationInfo, len(inst.Affirmations.Parties))
	for i, a := range inst.Affirmations.Parties {
		affs[i] = AffirmationInfo{Party: a.Party.Hex(), State: a.State.String(), Auto: a.Auto}
	}
	return InstructionInfo{
		ID:            uint64(inst.ID),
		Venue:         uint64(inst.Venue),
		Creator:       inst.Creator.Hex(),
		Mode:          inst.Mode.String(),
		Status:        inst.Status.String(),
		Legs:          legs,
		Affirmations:  affs,
		Memo:          inst.Memo,
		TradeDate:     inst.TradeDate,
		ValueDate:     inst.ValueDate,
		CreatedAt:     inst.CreatedAt,
		ClosedAt:      inst.ClosedAt,
		ScheduledAt:   inst.ScheduledAt,
		FailureReason: inst.FailureReason,
		Reschedules:   inst.Reschedules,
	}
}

// ==============================
// Helper Functions
// ==============================

type ctxKey struct{}

// requestID tags each request with a uuid, echoed in X-Request-ID.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func requestIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

func parseAddress(w http.ResponseWriter, s string) (common.Address, bool) {
	addr, err := crypto.ParseAddress(s)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid address", err.Error())
		return common.Address{}, false
	}
	return addr, true
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}

// logTransaction writes one JSON line per submission to the tx log.
func (s *Server) logTransaction(eventType string, data map[string]interface{}) {
	if s.opts.TxLog == nil {
		return
	}
	entry := map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"event":     eventType,
		"data":      data,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		s.logger.Warnw("tx_log_marshal_failed", "error", err)
		return
	}
	s.opts.TxLog.Append(string(line))
}
