package httppresentation

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	apppay "github.com/Zhima-Mochi/directpay/internal/application/payment"
	dompay "github.com/Zhima-Mochi/directpay/internal/domain/payment"
	"github.com/Zhima-Mochi/directpay/internal/observability"
	"github.com/gin-gonic/gin"
)

const componentHTTPHandler = "http_server"

// PaymentService is the orchestration surface exposed over HTTP.
type PaymentService interface {
	Authorize(ctx context.Context, cmd apppay.CreateCommand) (*dompay.Result, error)
	Purchase(ctx context.Context, cmd apppay.CreateCommand) (*dompay.Result, error)
	Capture(ctx context.Context, cmd apppay.CaptureCommand) (*dompay.Result, error)
	Void(ctx context.Context, cmd apppay.VoidCommand) (*dompay.Result, error)
	Credit(ctx context.Context, cmd apppay.CreditCommand) (*dompay.Result, error)
	GetPayment(ctx context.Context, q apppay.GetPaymentQuery) (*dompay.Payment, error)
	GetAccountPayments(ctx context.Context, q apppay.AccountPaymentsQuery) ([]*dompay.Payment, error)
}

type Handler struct {
	payments PaymentService
	log      observability.Logger
	metrics  http.Handler

	httpRequests observability.Counter
	httpDuration observability.Histogram
}

type Option func(*Handler)

// WithMetricsHandler exposes h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(hd *Handler) { hd.metrics = h }
}

func NewHandler(payments PaymentService, logger observability.Logger, tel observability.Observability, opts ...Option) *Handler {
	if tel == nil {
		tel = observability.Nop()
	}
	if logger == nil {
		logger = tel.Logger()
	}
	h := &Handler{
		payments:     payments,
		log:          logger.With(observability.F("component", componentHTTPHandler)),
		httpRequests: tel.Metrics().Counter(observability.MHTTPRequests),
		httpDuration: tel.Metrics().Histogram(observability.MHTTPRequestDuration),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router wires: Trace → request context → HTTP metrics → access log → recovery → handler.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(h.withTrace(), h.withRequestContext(), h.withHTTPMetrics(), h.withAccessLog(), h.withRecovery())

	r.GET("/health", h.handleHealth)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics))
	}

	v1 := r.Group("/api/v1")
	accounts := v1.Group("/accounts/:accountId/payments")
	accounts.GET("", h.handleListAccountPayments)
	accounts.POST("/authorizations", h.handleAuthorize)
	accounts.POST("/purchases", h.handlePurchase)
	accounts.POST("/:paymentId/captures", h.handleCapture)
	accounts.POST("/:paymentId/voids", h.handleVoid)
	accounts.POST("/:paymentId/credits", h.handleCredit)
	accounts.GET("/:paymentId", h.handleGetAccountPayment)
	v1.GET("/payments/:paymentId", h.handleGetPayment)

	return r
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (h *Handler) handleAuthorize(c *gin.Context) {
	h.create(c, h.payments.Authorize)
}

func (h *Handler) handlePurchase(c *gin.Context) {
	h.create(c, h.payments.Purchase)
}

func (h *Handler) create(c *gin.Context, run func(context.Context, apppay.CreateCommand) (*dompay.Result, error)) {
	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	res, err := run(c.Request.Context(), apppay.CreateCommand{
		AccountID:   c.Param("accountId"),
		ExternalKey: req.ExternalKey,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Properties:  req.Properties,
	})
	writeResult(c, res, err, true)
}

func (h *Handler) handleCapture(c *gin.Context) {
	var req captureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	res, err := h.payments.Capture(c.Request.Context(), apppay.CaptureCommand{
		AccountID:  c.Param("accountId"),
		PaymentID:  c.Param("paymentId"),
		Amount:     req.Amount,
		RequestKey: req.RequestKey,
		Properties: req.Properties,
	})
	writeResult(c, res, err, false)
}

func (h *Handler) handleVoid(c *gin.Context) {
	var req voidRequest
	// An empty body is a plain void.
	if err := bindOptionalJSON(c, &req); err != nil {
		bindError(c, err)
		return
	}
	res, err := h.payments.Void(c.Request.Context(), apppay.VoidCommand{
		AccountID:  c.Param("accountId"),
		PaymentID:  c.Param("paymentId"),
		RequestKey: req.RequestKey,
		Properties: req.Properties,
	})
	writeResult(c, res, err, false)
}

func (h *Handler) handleCredit(c *gin.Context) {
	var req creditRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		bindError(c, err)
		return
	}
	res, err := h.payments.Credit(c.Request.Context(), apppay.CreditCommand{
		AccountID:  c.Param("accountId"),
		PaymentID:  c.Param("paymentId"),
		Amount:     req.Amount,
		RequestKey: req.RequestKey,
		Properties: req.Properties,
	})
	writeResult(c, res, err, false)
}

func (h *Handler) handleGetPayment(c *gin.Context) {
	h.getPayment(c, c.Query("account_id"))
}

func (h *Handler) handleGetAccountPayment(c *gin.Context) {
	h.getPayment(c, c.Param("accountId"))
}

func (h *Handler) getPayment(c *gin.Context, accountID string) {
	withInfo, err := pluginInfoFlag(c)
	if err != nil {
		bindError(c, err)
		return
	}
	p, err := h.payments.GetPayment(c.Request.Context(), apppay.GetPaymentQuery{
		AccountID:      accountID,
		PaymentID:      c.Param("paymentId"),
		WithPluginInfo: withInfo,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPaymentDTO(p))
}

func (h *Handler) handleListAccountPayments(c *gin.Context) {
	withInfo, err := pluginInfoFlag(c)
	if err != nil {
		bindError(c, err)
		return
	}
	payments, err := h.payments.GetAccountPayments(c.Request.Context(), apppay.AccountPaymentsQuery{
		AccountID:      c.Param("accountId"),
		WithPluginInfo: withInfo,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]*paymentDTO, 0, len(payments))
	for _, p := range payments {
		out = append(out, toPaymentDTO(p))
	}
	c.JSON(http.StatusOK, gin.H{"payments": out})
}

func pluginInfoFlag(c *gin.Context) (bool, error) {
	raw := c.Query("with_plugin_info")
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

// bindOptionalJSON binds a body that may be absent, including an empty chunked one.
func bindOptionalJSON(c *gin.Context, obj any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
