// Package api exposes the matchmaker operations over HTTP
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/proofmarket/matchmaker-node/matchmaker"
	"github.com/proofmarket/matchmaker-node/types"
	"go.vocdoni.io/dvote/log"
)

// operatorsCountTTL is how long the /operators/count value is cached
const operatorsCountTTL = 60 * time.Second

// API allows external requests to the Node
type API struct {
	r  *gin.Engine
	mm *matchmaker.Matchmaker

	countMu      sync.Mutex
	countValue   int
	countExpires time.Time
}

// New returns a new API with the endpoints, without starting to listen
func New(mm *matchmaker.Matchmaker) (*API, error) {
	if mm == nil {
		return nil, fmt.Errorf("can not create the API without a matchmaker")
	}

	a := API{mm: mm}

	r := gin.Default()

	r.POST("/proof-requests", a.postSubmitRequest)
	r.POST("/proof-requests/:id/cancel", a.postCancelRequest)
	r.POST("/proof-requests/:id/status", a.postRequestStatus)
	r.POST("/proof-requests/:id/acknowledge", a.postAcknowledge)
	r.POST("/proof-requests/:id/proof", a.postSubmitProof)

	// every POST route under /operators carries the operator address as the
	// :id segment; mixing a static segment in would break the route tree
	r.POST("/operators/:id/heartbeat", a.postHeartbeat)
	r.POST("/operators/:id/assignment", a.postPollAssignment)
	r.GET("/operators/count", a.getOperatorsCount)

	r.GET("/health", a.getHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.r = r

	return &a, nil
}

// Serve serves the API at the given port
func (a *API) Serve(port string) error {
	return a.r.Run(":" + port)
}

type errorMsg struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// returnErr maps the matchmaker error kinds to HTTP statuses and builds the
// structured error body
func returnErr(c *gin.Context, err error) {
	code := types.ErrorCode(err)
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, types.ErrConflict),
		errors.Is(err, types.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, types.ErrDepositInsufficient):
		status = http.StatusPaymentRequired
	case errors.Is(err, types.ErrProofInvalid):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrChainUnavailable),
		errors.Is(err, types.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}

	log.Warnw("HTTP API request error", "code", code, "err", err)
	c.JSON(status, errorMsg{
		Message: err.Error(),
		Code:    code,
	})
}

// requestIDParam parses the :id path parameter as a request id
func requestIDParam(c *gin.Context) (types.RequestID, error) {
	idStr := c.Param("id")
	if !strings.HasPrefix(idStr, "0x") || len(idStr) != 2+2*common.HashLength {
		return types.RequestID{},
			fmt.Errorf("%w: malformed request id %q", types.ErrNotFound, idStr)
	}
	return common.HexToHash(idStr), nil
}

// operatorIDParam parses the :id path parameter as an operator address
func operatorIDParam(c *gin.Context) (types.OperatorID, error) {
	opStr := c.Param("id")
	if !common.IsHexAddress(opStr) {
		return types.OperatorID{},
			fmt.Errorf("%w: malformed operator id %q", types.ErrNotFound, opStr)
	}
	return common.HexToAddress(opStr), nil
}

func (a *API) postSubmitRequest(c *gin.Context) {
	var signed types.SignedRequest
	if err := c.ShouldBindJSON(&signed); err != nil {
		returnErr(c, err)
		return
	}

	id, created, err := a.mm.Submit(c.Request.Context(), &signed)
	if err != nil {
		returnErr(c, err)
		return
	}

	c.JSON(http.StatusOK, submitResp{ID: id, Created: created})
}

func (a *API) postCancelRequest(c *gin.Context) {
	id, err := requestIDParam(c)
	if err != nil {
		returnErr(c, err)
		return
	}

	var d authBody
	if err := c.ShouldBindJSON(&d); err != nil {
		returnErr(c, err)
		return
	}

	if err := a.mm.Cancel(c.Request.Context(), id, d.Signer, d.Signature); err != nil {
		returnErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (a *API) postRequestStatus(c *gin.Context) {
	id, err := requestIDParam(c)
	if err != nil {
		returnErr(c, err)
		return
	}

	var d authBody
	if err := c.ShouldBindJSON(&d); err != nil {
		returnErr(c, err)
		return
	}

	req, err := a.mm.Status(id, d.Signer, d.Signature)
	if err != nil {
		returnErr(c, err)
		return
	}

	c.JSON(http.StatusOK, newRequestView(req))
}

func (a *API) postAcknowledge(c *gin.Context) {
	id, err := requestIDParam(c)
	if err != nil {
		returnErr(c, err)
		return
	}

	var d authBody
	if err := c.ShouldBindJSON(&d); err != nil {
		returnErr(c, err)
		return
	}

	if err := a.mm.Acknowledge(id, d.Signer, d.Signature); err != nil {
		returnErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (a *API) postSubmitProof(c *gin.Context) {
	id, err := requestIDParam(c)
	if err != nil {
		returnErr(c, err)
		return
	}

	var d proofReq
	if err := c.ShouldBindJSON(&d); err != nil {
		returnErr(c, err)
		return
	}

	err = a.mm.SubmitProof(c.Request.Context(), id, d.Operator, d.Proof,
		d.Signature)
	if err != nil {
		returnErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (a *API) postHeartbeat(c *gin.Context) {
	op, err := operatorIDParam(c)
	if err != nil {
		returnErr(c, err)
		return
	}

	var d heartbeatReq
	if err := c.ShouldBindJSON(&d); err != nil {
		returnErr(c, err)
		return
	}

	err = a.mm.Heartbeat(c.Request.Context(), op, d.Resource, d.Socket,
		time.UnixMilli(d.At), d.Signature)
	if err != nil {
		returnErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"operator": op})
}

func (a *API) postPollAssignment(c *gin.Context) {
	op, err := operatorIDParam(c)
	if err != nil {
		returnErr(c, err)
		return
	}

	var d authBody
	if err := c.ShouldBindJSON(&d); err != nil {
		returnErr(c, err)
		return
	}

	req, err := a.mm.PollAssignment(op, d.Signature)
	if err != nil {
		returnErr(c, err)
		return
	}

	c.JSON(http.StatusOK, newRequestView(req))
}

func (a *API) getOperatorsCount(c *gin.Context) {
	a.countMu.Lock()
	defer a.countMu.Unlock()

	now := time.Now()
	if now.After(a.countExpires) {
		count, err := a.mm.OnlineOperators(now)
		if err != nil {
			returnErr(c, err)
			return
		}
		a.countValue = count
		a.countExpires = now.Add(operatorsCountTTL)
	}

	c.JSON(http.StatusOK, gin.H{"count": a.countValue})
}

func (a *API) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
