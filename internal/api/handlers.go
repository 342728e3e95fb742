package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	playground "github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_hybrid/internal/trading/model"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/router"
	"github.com/Aidin1998/pincex_hybrid/internal/validator"
	"github.com/Aidin1998/pincex_hybrid/pkg/errors"
)

const (
	defaultDepth = 20
	maxDepth     = 1000
	defaultAudit = 100
)

type orderRequest struct {
	ID        string          `json:"id" validate:"omitempty,max=128"`
	Pair      string          `json:"pair" validate:"required"`
	Side      model.Side      `json:"side" validate:"required,oneof=buy sell"`
	Type      model.OrderType `json:"type" validate:"required,oneof=market limit"`
	Amount    string          `json:"amount" validate:"required,decimal"`
	Price     string          `json:"price" validate:"required_if=Type limit,omitempty,decimal"`
	ExpiresAt *time.Time      `json:"expires_at"`
	// Route sends the order through the smart order router. Market orders
	// default to routing when a router is configured.
	Route *bool `json:"route"`
}

type batchRequest struct {
	Orders []orderRequest `json:"orders" validate:"required,min=1,dive"`
}

type orderResponse struct {
	Order             model.Order           `json:"order"`
	Fills             []model.Trade         `json:"fills"`
	SelfTradesSkipped int                   `json:"self_trades_skipped,omitempty"`
	Routing           *router.RoutingResult `json:"routing,omitempty"`
}

type batchItem struct {
	*orderResponse
	Error *errors.ProblemDetails `json:"error,omitempty"`
}

// bind decodes the JSON body into dst and validates its tags.
func (s *Server) bind(c *gin.Context, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil {
		return errors.ValidationError.Wrap(err).Explain("malformed request body")
	}
	if err := s.validate.Struct(dst); err != nil {
		verrs, ok := err.(playground.ValidationErrors)
		if !ok {
			return errors.ValidationError.Wrap(err).Explain("invalid request")
		}
		e := errors.ValidationError.Explain("invalid request")
		for _, fe := range verrs {
			e = e.WithField(fe.Tag(), fieldPath(fe.Namespace()), fe.Error())
		}
		return e
	}
	return nil
}

// fieldPath drops the struct name from a validator namespace.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func (s *Server) toOrder(req orderRequest, userID string) model.Order {
	id := req.ID
	if id == "" {
		id = s.newID()
	}
	price := req.Price
	if req.Type == model.OrderTypeMarket {
		price = ""
	}
	o := model.NewOrder(id, userID, req.Pair, req.Side, req.Type, price, req.Amount, s.clock.Now())
	if req.ExpiresAt != nil {
		at := req.ExpiresAt.UTC()
		o.ExpiresAt = &at
	}
	return o
}

func (s *Server) useRouter(req orderRequest) (bool, error) {
	if req.Route == nil {
		return s.router != nil && req.Type == model.OrderTypeMarket, nil
	}
	if *req.Route && s.router == nil {
		return false, errors.ValidationError.Explain("routing is not enabled").WithField("unavailable", "route", "no AMM is configured")
	}
	return *req.Route, nil
}

// pretrade runs the validator's order checks when enabled.
func (s *Server) pretrade(c *gin.Context, order model.Order) error {
	if !s.opts.PretradeChecks || s.validator == nil {
		return nil
	}
	pair, err := s.exchange.Pair(order.Pair)
	if err != nil {
		return err
	}
	return s.validator.CheckOrder(c.Request.Context(), pair, order)
}

func (s *Server) submit(c *gin.Context, req orderRequest, order model.Order) (*orderResponse, error) {
	route, err := s.useRouter(req)
	if err != nil {
		return nil, err
	}
	if err := s.pretrade(c, order); err != nil {
		return nil, err
	}
	ctx := c.Request.Context()
	if route {
		res, err := s.router.Route(ctx, order)
		if err != nil {
			return nil, err
		}
		return &orderResponse{Order: res.Order, Fills: res.Trades, Routing: res}, nil
	}
	res, err := s.exchange.ProcessOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	return &orderResponse{Order: res.Order, Fills: res.Trades, SelfTradesSkipped: res.SelfTradesSkipped}, nil
}

func (s *Server) placeOrder(c *gin.Context) {
	var req orderRequest
	if err := s.bind(c, &req); err != nil {
		s.writeError(c, err)
		return
	}
	order := s.toOrder(req, c.GetString(ctxUserID))
	resp, err := s.submit(c, req, order)
	if err != nil {
		s.logger.Debug("order rejected", zap.String("order_id", order.ID), zap.Error(err))
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// placeBatch runs a batch through the sharded executor. Results keep the
// request order; rejected orders carry a problem document.
func (s *Server) placeBatch(c *gin.Context) {
	var req batchRequest
	if err := s.bind(c, &req); err != nil {
		s.writeError(c, err)
		return
	}
	if len(req.Orders) > s.opts.MaxBatch {
		s.writeError(c, errors.ValidationError.Explain("batch of %d exceeds %d orders", len(req.Orders), s.opts.MaxBatch))
		return
	}

	userID := c.GetString(ctxUserID)
	items := make([]batchItem, len(req.Orders))
	var (
		orders []model.Order
		slots  []int
	)
	for i, r := range req.Orders {
		order := s.toOrder(r, userID)
		if err := s.pretrade(c, order); err != nil {
			items[i].Error = errors.ProblemFor(err, c.Request.URL.Path)
			continue
		}
		orders = append(orders, order)
		slots = append(slots, i)
	}

	for j, res := range s.exchange.SubmitBatch(c.Request.Context(), orders) {
		i := slots[j]
		if res.Err != nil {
			items[i].Error = errors.ProblemFor(res.Err, c.Request.URL.Path)
			continue
		}
		items[i].orderResponse = &orderResponse{
			Order:             res.Result.Order,
			Fills:             res.Result.Trades,
			SelfTradesSkipped: res.Result.SelfTradesSkipped,
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": items})
}

// ownedOrder returns the caller's order; other users' orders read as missing.
func (s *Server) ownedOrder(c *gin.Context) (model.Order, error) {
	pair, id := c.Param("pair"), c.Param("id")
	o, err := s.exchange.GetOrder(pair, id)
	if err != nil {
		return model.Order{}, err
	}
	if o.UserID != c.GetString(ctxUserID) {
		return model.Order{}, errors.OrderNotFound.Explain("order %s not found on %s", id, pair)
	}
	return o, nil
}

func (s *Server) getOrder(c *gin.Context) {
	o, err := s.ownedOrder(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) cancelOrder(c *gin.Context) {
	o, err := s.ownedOrder(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	ok, err := s.exchange.CancelOrder(c.Request.Context(), o.Pair, o.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": ok})
}

func (s *Server) getOrderbook(c *gin.Context) {
	depth := defaultDepth
	if raw := c.Query("depth"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxDepth {
			s.writeError(c, errors.ValidationError.Explain("depth must be in 1..%d", maxDepth).WithField("range", "depth", raw))
			return
		}
		depth = n
	}
	snap, err := s.exchange.GetOrderbook(c.Param("pair"), depth)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) getShards(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"shards": s.exchange.Status()})
}

func (s *Server) requireValidator(c *gin.Context) bool {
	if s.validator == nil {
		s.writeError(c, errors.Unavailable.Explain("validator is disabled"))
		return false
	}
	return true
}

func (s *Server) getSnapshots(c *gin.Context) {
	if !s.requireValidator(c) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": s.validator.Snapshots()})
}

func (s *Server) validateProof(c *gin.Context) {
	if !s.requireValidator(c) {
		return
	}
	var req validator.ProofRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.ValidationError.Wrap(err).Explain("malformed proof request"))
		return
	}
	if err := s.validator.ValidateProof(c.Request.Context(), req); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "order_id": req.OrderID})
}

func (s *Server) getAuditTrail(c *gin.Context) {
	if !s.requireValidator(c) {
		return
	}
	limit := defaultAudit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(c, errors.ValidationError.Explain("limit must be positive").WithField("range", "limit", raw))
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, gin.H{"discrepancies": s.validator.AuditTrail(limit)})
}
