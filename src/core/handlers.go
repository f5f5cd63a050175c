package main

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Router builds the API router with the standard middleware chain
func (node *RelayNode) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(RequestIDMiddleware)
	router.Use(MetricsMiddleware)
	router.Use(RateLimitMiddleware(node.rateLimiter))
	router.Use(BodySizeLimitMiddleware(node.cfg.MaxBodySizeBytes))

	router.HandleFunc("/api/health", node.HealthCheckHandler).Methods("GET")
	router.HandleFunc("/api/stats", node.StatsHandler).Methods("GET")

	// Swap endpoints
	router.HandleFunc("/api/swaps", node.InitiateSwapHandler).Methods("POST")
	router.HandleFunc("/api/swaps", node.ListSwapsHandler).Methods("GET")
	router.HandleFunc("/api/swaps/{id}", node.GetSwapHandler).Methods("GET")
	router.HandleFunc("/api/swaps/{id}/fills", node.ListFillsHandler).Methods("GET")

	// Chain monitor boundary
	router.HandleFunc("/api/events", node.IngestEventHandler).Methods("POST")

	// Resolver-facing endpoints, signed when auth is required
	resolverAPI := router.PathPrefix("/api").Subrouter()
	resolverAPI.Use(ResolverAuthMiddleware)
	resolverAPI.HandleFunc("/resolvers", node.RegisterResolverHandler).Methods("POST")
	resolverAPI.HandleFunc("/swaps/{id}/fills", node.SubmitFillHandler).Methods("POST")
	resolverAPI.HandleFunc("/swaps/{id}/fills/batch", node.SubmitFillBatchHandler).Methods("POST")
	resolverAPI.HandleFunc("/swaps/{id}/auction/bids", node.SubmitBidHandler).Methods("POST")

	router.HandleFunc("/api/resolvers", node.ListResolversHandler).Methods("GET")
	router.HandleFunc("/api/resolvers/{address}", node.GetResolverHandler).Methods("GET")

	// Auction endpoints
	router.HandleFunc("/api/swaps/{id}/auction", node.StartAuctionHandler).Methods("POST")
	router.HandleFunc("/api/swaps/{id}/auction", node.GetAuctionHandler).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return router
}

// StartServer starts the HTTP server for API endpoints
func (node *RelayNode) StartServer(port string) error {
	node.httpServer = &http.Server{
		Addr:    ":" + port,
		Handler: node.Router(),
	}
	logger.Info("Starting relay node server", "port", port, "nodeId", node.NodeID)
	return node.httpServer.ListenAndServe()
}

type apiError struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason, message string) {
	writeJSON(w, status, apiError{Error: message, Reason: reason})
}

// rejectionStatus maps a protocol rejection to an HTTP status
func rejectionStatus(err error) int {
	switch {
	case errors.Is(err, ErrSwapUnknown), errors.Is(err, ErrUnknownResolver):
		return http.StatusNotFound
	case errors.Is(err, ErrRegistryFull):
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

// HealthCheckHandler handles health check requests
func (node *RelayNode) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"node_id": node.NodeID,
		"uptime":  time.Now().Unix() - node.startedAt,
		"version": "1.0.0",
	})
}

// StatsHandler returns aggregate engine statistics
func (node *RelayNode) StatsHandler(w http.ResponseWriter, r *http.Request) {
	swaps := node.coordinator.ListSwaps(0)

	byState := make(map[string]int)
	volume := new(big.Int)
	filled := new(big.Int)
	for _, s := range swaps {
		byState[string(s.State)]++
		volume.Add(volume, s.Amount)
		filled.Add(filled, s.FilledAmount)
	}

	resolvers := node.registry.ListAll()
	authorized := 0
	for _, res := range resolvers {
		if res.Authorized {
			authorized++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"totalSwaps":          len(swaps),
		"swapsByState":        byState,
		"totalVolume":         volume.String(),
		"totalFilled":         filled.String(),
		"resolvers":           len(resolvers),
		"authorizedResolvers": authorized,
		"pendingEvents":       node.coordinator.PendingEvents(),
	})
}

type initiateSwapRequest struct {
	SourceChain        ChainID `json:"sourceChain"`
	DestinationChain   ChainID `json:"destinationChain"`
	Initiator          string  `json:"initiator"`
	DestinationAccount string  `json:"destinationAccount"`
	Amount             string  `json:"amount"`
	Hashlock           string  `json:"hashlock"`
	Timelock           int64   `json:"timelock"`
	EnablePartialFill  bool    `json:"enablePartialFill"`
	MerkleRoot         string  `json:"merkleRoot,omitempty"`
}

// InitiateSwapHandler validates a swap order and returns the
// deterministic swap id the initiator should expect on chain. The swap
// record itself is created when the source-chain lock event is
// observed; the engine never front-runs the chain.
func (node *RelayNode) InitiateSwapHandler(w http.ResponseWriter, r *http.Request) {
	var req initiateSwapRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}

	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "Validation", "amount must be a base-10 integer")
		return
	}
	if req.Timelock == 0 {
		req.Timelock = time.Now().Unix() + node.cfg.DefaultTimelock
	}

	order := &SwapOrder{
		SourceChain:        req.SourceChain,
		DestinationChain:   req.DestinationChain,
		Initiator:          req.Initiator,
		DestinationAccount: req.DestinationAccount,
		Amount:             amount,
		Hashlock:           req.Hashlock,
		Timelock:           req.Timelock,
		EnablePartialFill:  req.EnablePartialFill,
		MerkleRoot:         req.MerkleRoot,
	}
	if err := ValidateSwapOrder(node.cfg, order); err != nil {
		writeError(w, http.StatusBadRequest, "Validation", err.Error())
		return
	}

	swapID := DeriveSwapID(order.Initiator, order.DestinationAccount, order.Hashlock, order.Amount, order.Timelock)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"swapId":   swapID,
		"hashlock": order.Hashlock,
		"timelock": order.Timelock,
	})
}

// ListSwapsHandler returns tracked swaps, newest first
func (node *RelayNode) ListSwapsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"swaps": node.coordinator.ListSwaps(limit),
	})
}

// GetSwapHandler returns a swap's last guard-checked state
func (node *RelayNode) GetSwapHandler(w http.ResponseWriter, r *http.Request) {
	swapID := mux.Vars(r)["id"]
	swap, ok := node.coordinator.GetSwap(swapID)
	if !ok {
		writeError(w, http.StatusNotFound, "SwapUnknown", "no such swap")
		return
	}
	writeJSON(w, http.StatusOK, swap)
}

// ListFillsHandler returns the append-only fill history for a swap
func (node *RelayNode) ListFillsHandler(w http.ResponseWriter, r *http.Request) {
	swapID := mux.Vars(r)["id"]
	if _, ok := node.coordinator.GetSwap(swapID); !ok {
		writeError(w, http.StatusNotFound, "SwapUnknown", "no such swap")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"fills": node.coordinator.ledger.Fills(swapID),
	})
}

// IngestEventHandler accepts a canonical chain event from a monitor
// collaborator.
func (node *RelayNode) IngestEventHandler(w http.ResponseWriter, r *http.Request) {
	var ev ChainEvent
	if err := DecodeJSONBody(w, r, &ev); err != nil {
		return
	}
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = time.Now()
	}

	if err := node.coordinator.Ingest(ev); err != nil {
		writeError(w, rejectionStatus(err), reasonCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": true})
}

type registerResolverRequest struct {
	Address  string `json:"address"`
	Endpoint string `json:"endpoint,omitempty"`
	Stake    string `json:"stake"`
}

// RegisterResolverHandler admits a resolver into the registry
func (node *RelayNode) RegisterResolverHandler(w http.ResponseWriter, r *http.Request) {
	var req registerResolverRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}

	if !IsValidEthereumAddress(req.Address) {
		writeError(w, http.StatusBadRequest, "Validation", "resolver address must be a 0x-prefixed ethereum address")
		return
	}
	stake, ok := new(big.Int).SetString(req.Stake, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "Validation", "stake must be a base-10 integer")
		return
	}

	resolver, err := node.registry.Register(req.Address, req.Endpoint, stake)
	if err != nil {
		writeError(w, rejectionStatus(err), reasonCode(err), err.Error())
		return
	}
	if node.store != nil {
		node.store.SaveResolver(resolver)
	}
	writeJSON(w, http.StatusCreated, resolver)
}

// ListResolversHandler returns all resolvers ordered by reputation
func (node *RelayNode) ListResolversHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resolvers": node.registry.ListAuthorized(),
	})
}

// GetResolverHandler returns one resolver record, including
// deauthorized ones.
func (node *RelayNode) GetResolverHandler(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	resolver, ok := node.registry.Get(address)
	if !ok {
		writeError(w, http.StatusNotFound, "UnknownResolver", "no such resolver")
		return
	}
	writeJSON(w, http.StatusOK, resolver)
}

type submitFillRequest struct {
	Resolver    string   `json:"resolver"`
	Amount      string   `json:"amount"`
	Nonce       uint64   `json:"nonce"`
	MerkleProof []string `json:"merkleProof,omitempty"`
}

// SubmitFillHandler applies one resolver fill against a swap. A
// rejected fill always carries the specific protocol reason so
// resolver software can distinguish retry-with-new-nonce from
// permanently closed.
func (node *RelayNode) SubmitFillHandler(w http.ResponseWriter, r *http.Request) {
	swapID := mux.Vars(r)["id"]
	var req submitFillRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}

	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "Validation", "amount must be a base-10 integer")
		return
	}

	result := node.coordinator.SubmitFill(swapID, req.Resolver, amount, req.Nonce, req.MerkleProof)
	if !result.Accepted {
		status := http.StatusUnprocessableEntity
		if result.Err != nil {
			status = rejectionStatus(result.Err)
		}
		writeError(w, status, result.Reason, "fill rejected")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type submitFillBatchRequest struct {
	Fills []submitFillRequest `json:"fills"`
}

// SubmitFillBatchHandler applies a list of fills, reporting each
// item's outcome independently.
func (node *RelayNode) SubmitFillBatchHandler(w http.ResponseWriter, r *http.Request) {
	swapID := mux.Vars(r)["id"]
	var req submitFillBatchRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}

	items := make([]FillObservedPayload, 0, len(req.Fills))
	for _, f := range req.Fills {
		amount, ok := new(big.Int).SetString(f.Amount, 10)
		if !ok {
			writeError(w, http.StatusBadRequest, "Validation", "amount must be a base-10 integer")
			return
		}
		items = append(items, FillObservedPayload{
			Resolver:    f.Resolver,
			Amount:      amount,
			Nonce:       f.Nonce,
			MerkleProof: f.MerkleProof,
		})
	}

	results := node.coordinator.SubmitFillBatch(swapID, items)
	accepted := 0
	for _, res := range results {
		if res.Accepted {
			accepted++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results":  results,
		"accepted": accepted,
	})
}

type startAuctionRequest struct {
	StartPrice   string `json:"startPrice"`
	ReservePrice string `json:"reservePrice"`
	Duration     string `json:"duration,omitempty"`
}

// StartAuctionHandler opens a Dutch auction for a swap
func (node *RelayNode) StartAuctionHandler(w http.ResponseWriter, r *http.Request) {
	swapID := mux.Vars(r)["id"]
	var req startAuctionRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}

	startPrice, err := decimal.NewFromString(req.StartPrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Validation", "invalid start price")
		return
	}
	reservePrice, err := decimal.NewFromString(req.ReservePrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Validation", "invalid reserve price")
		return
	}
	floor, err := decimal.NewFromString(node.cfg.ReservePriceFloor)
	if err == nil && reservePrice.LessThan(floor) {
		writeError(w, http.StatusBadRequest, "Validation", "reserve price below configured floor")
		return
	}

	var duration time.Duration
	if req.Duration != "" {
		duration, err = time.ParseDuration(req.Duration)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Validation", "invalid duration")
			return
		}
	}

	auction, err := node.coordinator.StartAuction(swapID, startPrice, reservePrice, duration)
	if err != nil {
		writeError(w, rejectionStatus(err), reasonCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, auction)
}

// GetAuctionHandler returns the auction for a swap with its live price
func (node *RelayNode) GetAuctionHandler(w http.ResponseWriter, r *http.Request) {
	swapID := mux.Vars(r)["id"]
	auction, ok := node.coordinator.GetAuction(swapID)
	if !ok {
		writeError(w, http.StatusNotFound, "AuctionClosed", "no auction for swap")
		return
	}
	price := auctionPriceAt(auction, time.Now())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"auction":      auction,
		"currentPrice": price.String(),
	})
}

type submitBidRequest struct {
	Resolver string `json:"resolver"`
	Amount   string `json:"amount"`
	Price    string `json:"price"`
}

// SubmitBidHandler records a resolver's auction bid
func (node *RelayNode) SubmitBidHandler(w http.ResponseWriter, r *http.Request) {
	swapID := mux.Vars(r)["id"]
	var req submitBidRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}

	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "Validation", "amount must be a base-10 integer")
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Validation", "invalid price")
		return
	}

	if err := node.coordinator.SubmitBid(swapID, req.Resolver, amount, price); err != nil {
		auctionBidsTotal.WithLabelValues("rejected").Inc()
		writeError(w, rejectionStatus(err), reasonCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accepted": true})
}
