package httppresentation

import (
	"encoding/json"
	"time"

	dompay "github.com/Zhima-Mochi/directpay/internal/domain/payment"
	"github.com/shopspring/decimal"
)

type createPaymentRequest struct {
	ExternalKey string            `json:"external_key" binding:"required"`
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency"`
	Properties  map[string]string `json:"properties"`
}

type captureRequest struct {
	Amount     decimal.Decimal   `json:"amount"`
	RequestKey string            `json:"request_key"`
	Properties map[string]string `json:"properties"`
}

type voidRequest struct {
	RequestKey string            `json:"request_key"`
	Properties map[string]string `json:"properties"`
}

type creditRequest struct {
	Amount     *decimal.Decimal  `json:"amount"`
	RequestKey string            `json:"request_key"`
	Properties map[string]string `json:"properties"`
}

type transactionDTO struct {
	ID                    string            `json:"id"`
	Seq                   int               `json:"seq"`
	Type                  string            `json:"type"`
	Amount                *decimal.Decimal  `json:"amount,omitempty"`
	Currency              string            `json:"currency"`
	Status                string            `json:"status"`
	IdempotencyKey        string            `json:"idempotency_key"`
	ProcessorReference    string            `json:"processor_reference,omitempty"`
	GatewayErrorCode      string            `json:"gateway_error_code,omitempty"`
	GatewayErrorMessage   string            `json:"gateway_error_message,omitempty"`
	ResolvesTransactionID string            `json:"resolves_transaction_id,omitempty"`
	Properties            map[string]string `json:"properties,omitempty"`
	CreatedBy             string            `json:"created_by,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	CompletedAt           *time.Time        `json:"completed_at,omitempty"`
}

type pluginInfoDTO struct {
	PluginName         string          `json:"plugin_name"`
	ProcessorReference string          `json:"processor_reference,omitempty"`
	Status             string          `json:"status,omitempty"`
	RawResponse        json.RawMessage `json:"raw_response,omitempty"`
	Error              string          `json:"error,omitempty"`
	QueriedAt          time.Time       `json:"queried_at"`
}

type paymentDTO struct {
	ID                 string           `json:"id"`
	AccountID          string           `json:"account_id"`
	ExternalKey        string           `json:"external_key"`
	PluginName         string           `json:"plugin_name"`
	Currency           string           `json:"currency"`
	State              string           `json:"state"`
	AmountAuthorized   decimal.Decimal  `json:"amount_authorized"`
	AmountCaptured     decimal.Decimal  `json:"amount_captured"`
	AmountRefunded     decimal.Decimal  `json:"amount_refunded"`
	ProcessorReference string           `json:"processor_reference,omitempty"`
	Transactions       []transactionDTO `json:"transactions"`
	PluginInfo         *pluginInfoDTO   `json:"plugin_info,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

type errorBody struct {
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	Code          string `json:"code,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

type operationResponse struct {
	Outcome     string          `json:"outcome"`
	Replayed    bool            `json:"replayed,omitempty"`
	Payment     *paymentDTO     `json:"payment,omitempty"`
	Transaction *transactionDTO `json:"transaction,omitempty"`
	Error       *errorBody      `json:"error,omitempty"`
}

func toTransactionDTO(t *dompay.Transaction) *transactionDTO {
	if t == nil {
		return nil
	}
	return &transactionDTO{
		ID:                    t.ID,
		Seq:                   t.Seq,
		Type:                  string(t.Type),
		Amount:                t.Amount,
		Currency:              t.Currency,
		Status:                string(t.Status),
		IdempotencyKey:        t.IdempotencyKey,
		ProcessorReference:    t.ProcessorReference,
		GatewayErrorCode:      t.GatewayErrorCode,
		GatewayErrorMessage:   t.GatewayErrorMessage,
		ResolvesTransactionID: t.ResolvesTransactionID,
		Properties:            t.Properties,
		CreatedBy:             t.CreatedBy,
		CreatedAt:             t.CreatedAt,
		CompletedAt:           t.CompletedAt,
	}
}

func toPaymentDTO(p *dompay.Payment) *paymentDTO {
	if p == nil {
		return nil
	}
	out := &paymentDTO{
		ID:                 p.ID,
		AccountID:          p.AccountID,
		ExternalKey:        p.ExternalKey,
		PluginName:         p.PluginName,
		Currency:           p.Currency,
		State:              string(p.State),
		AmountAuthorized:   p.AmountAuthorized,
		AmountCaptured:     p.AmountCaptured,
		AmountRefunded:     p.AmountRefunded,
		ProcessorReference: p.ProcessorReference,
		Transactions:       make([]transactionDTO, 0, len(p.Transactions)),
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
	for _, t := range p.Transactions {
		out.Transactions = append(out.Transactions, *toTransactionDTO(t))
	}
	if info := p.PluginInfo; info != nil {
		out.PluginInfo = &pluginInfoDTO{
			PluginName:         info.PluginName,
			ProcessorReference: info.ProcessorReference,
			Status:             string(info.Status),
			RawResponse:        info.RawResponse,
			Error:              info.Error,
			QueriedAt:          info.QueriedAt,
		}
	}
	return out
}

func toErrorBody(err error) *errorBody {
	if err == nil {
		return nil
	}
	body := &errorBody{Kind: string(dompay.KindOf(err)), Message: err.Error()}
	if opErr, ok := asOperationError(err); ok {
		body.Code = opErr.Code
		body.TransactionID = opErr.TransactionID
	}
	return body
}
