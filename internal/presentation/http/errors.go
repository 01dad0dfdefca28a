package httppresentation

import (
	"errors"
	"net/http"

	dompay "github.com/Zhima-Mochi/directpay/internal/domain/payment"
	"github.com/gin-gonic/gin"
)

// retryAfterSeconds is advertised when another operation holds the payment.
const retryAfterSeconds = "1"

func asOperationError(err error) (*dompay.OperationError, bool) {
	var opErr *dompay.OperationError
	if errors.As(err, &opErr) {
		return opErr, true
	}
	return nil, false
}

func statusForKind(kind dompay.ErrorKind) int {
	switch kind {
	case dompay.KindValidation:
		return http.StatusBadRequest
	case dompay.KindNotFound:
		return http.StatusNotFound
	case dompay.KindInvalidState, dompay.KindConcurrentOperation:
		return http.StatusConflict
	case dompay.KindGatewayDeclined:
		return http.StatusPaymentRequired
	case dompay.KindTransientGateway:
		return http.StatusServiceUnavailable
	case dompay.KindIndeterminate:
		return http.StatusAccepted
	}
	return http.StatusInternalServerError
}

// writeResult renders an operation result. created selects 201 for first-time creations.
func writeResult(c *gin.Context, res *dompay.Result, err error, created bool) {
	if res == nil {
		writeError(c, err)
		return
	}
	body := operationResponse{
		Outcome:     string(res.Outcome),
		Replayed:    res.Replayed,
		Payment:     toPaymentDTO(res.Payment),
		Transaction: toTransactionDTO(res.Transaction),
		Error:       toErrorBody(res.Err),
	}
	status := http.StatusOK
	switch res.Outcome {
	case dompay.OutcomeSuccess:
		if created && !res.Replayed {
			status = http.StatusCreated
		}
	case dompay.OutcomeIndeterminate:
		status = http.StatusAccepted
	default:
		status = statusForKind(res.Kind)
		if res.Kind == dompay.KindConcurrentOperation {
			c.Header("Retry-After", retryAfterSeconds)
		}
	}
	c.JSON(status, body)
}

func writeError(c *gin.Context, err error) {
	kind := dompay.KindOf(err)
	if kind == dompay.KindConcurrentOperation {
		c.Header("Retry-After", retryAfterSeconds)
	}
	body := toErrorBody(err)
	if body == nil {
		body = &errorBody{Kind: string(dompay.KindInternal)}
	}
	if kind == dompay.KindInternal || body.Kind == string(dompay.KindInternal) {
		body.Message = "internal error"
	}
	c.JSON(statusForKind(kind), gin.H{"error": body})
}

func bindError(c *gin.Context, err error) {
	writeError(c, dompay.NewValidationError("", "malformed request body: "+err.Error()))
}
