package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"reflect"
	"strings"

	orderapp "github.com/coffeehut/workflow/order-service/application"
	orderdomain "github.com/coffeehut/workflow/order-service/domain"
	paymentapp "github.com/coffeehut/workflow/payment-service/application"
	paymentdomain "github.com/coffeehut/workflow/payment-service/domain"
	"github.com/coffeehut/workflow/shared/events"
	"github.com/coffeehut/workflow/shared/logger"
	"github.com/coffeehut/workflow/shared/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// CompletePaymentBody is the body of POST /payments/{id}/complete
type CompletePaymentBody struct {
	Amount float64 `json:"amount" validate:"gte=0"`
}

// AcceptedResponse is returned for requests that continue asynchronously
type AcceptedResponse struct {
	OrderID       string `json:"orderId,omitempty"`
	PaymentID     string `json:"paymentId,omitempty"`
	CorrelationID string `json:"correlationId"`
}

type EventsResponse struct {
	Events []*events.Event `json:"events"`
}

type errorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

// WorkflowHandlers serves the HTTP API of the workflow
type WorkflowHandlers struct {
	publisher  events.Publisher
	eventLog   events.EventLog
	getOrder   *orderapp.GetOrder
	getPayment *paymentapp.GetPayment
	validate   *validator.Validate
	logger     *logger.Logger
}

func NewWorkflowHandlers(
	publisher events.Publisher,
	eventLog events.EventLog,
	getOrder *orderapp.GetOrder,
	getPayment *paymentapp.GetPayment,
	log *logger.Logger,
) *WorkflowHandlers {
	if log == nil {
		log = logger.Nop()
	}
	return &WorkflowHandlers{
		publisher:  publisher,
		eventLog:   eventLog,
		getOrder:   getOrder,
		getPayment: getPayment,
		validate:   newValidator(),
		logger:     log,
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		return tag
	})
	return v
}

// PlaceOrder publishes an order request. The order id is assigned here so
// the caller can follow the order while the workflow runs.
func (h *WorkflowHandlers) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var request events.OrderRequest
	if !h.decode(w, r, &request) {
		return
	}

	orderID := models.GenerateUUID()
	event := events.NewEvent(orderID, events.OrderRequestTopic, request)
	event.WithCorrelationID(event.ID)

	if err := h.publisher.Publish(r.Context(), event); err != nil {
		h.logger.Error(r.Context(), "failed to publish order request", err)
		writeError(w, http.StatusServiceUnavailable, "failed to place order")
		return
	}

	writeJSON(w, http.StatusAccepted, AcceptedResponse{
		OrderID:       orderID.String(),
		CorrelationID: event.CorrelationID.String(),
	})
}

func (h *WorkflowHandlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	response, err := h.getOrder.Execute(r.Context(), &orderapp.GetOrderQuery{OrderID: chi.URLParam(r, "id")})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *WorkflowHandlers) GetOrderEvents(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if _, err := h.getOrder.Execute(r.Context(), &orderapp.GetOrderQuery{OrderID: orderID}); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeTrail(w, r, models.ID(orderID))
}

// CompletePayment asks the payment step to check a payment with the gateway.
// The request joins the correlation the payment was opened under.
func (h *WorkflowHandlers) CompletePayment(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "id")

	var body CompletePaymentBody
	if !h.decode(w, r, &body) {
		return
	}

	if _, err := h.getPayment.Execute(r.Context(), &paymentapp.GetPaymentQuery{PaymentID: paymentID}); err != nil {
		h.handleError(w, r, err)
		return
	}

	event := events.NewEvent(models.ID(paymentID), events.CompletePaymentRequestTopic, events.CompletePaymentRequest{
		PaymentID: models.ID(paymentID),
		Amount:    body.Amount,
	})
	event.WithCorrelationID(h.correlationOf(r, models.ID(paymentID), event.ID))

	if err := h.publisher.Publish(r.Context(), event); err != nil {
		h.logger.Error(r.Context(), "failed to publish complete payment request", err)
		writeError(w, http.StatusServiceUnavailable, "failed to complete payment")
		return
	}

	writeJSON(w, http.StatusAccepted, AcceptedResponse{
		PaymentID:     paymentID,
		CorrelationID: event.CorrelationID.String(),
	})
}

func (h *WorkflowHandlers) GetPayment(w http.ResponseWriter, r *http.Request) {
	response, err := h.getPayment.Execute(r.Context(), &paymentapp.GetPaymentQuery{PaymentID: chi.URLParam(r, "id")})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *WorkflowHandlers) GetPaymentEvents(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "id")
	if _, err := h.getPayment.Execute(r.Context(), &paymentapp.GetPaymentQuery{PaymentID: paymentID}); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeTrail(w, r, models.ID(paymentID))
}

// RegisterRoutes registers workflow routes
func (h *WorkflowHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.PlaceOrder)
		r.Get("/{id}", h.GetOrder)
		r.Get("/{id}/events", h.GetOrderEvents)
	})
	r.Route("/payments/{id}", func(r chi.Router) {
		r.Get("/", h.GetPayment)
		r.Get("/events", h.GetPaymentEvents)
		r.Post("/complete", h.CompletePayment)
	})
}

func (h *WorkflowHandlers) correlationOf(r *http.Request, aggregateID, fallback models.ID) models.ID {
	if h.eventLog == nil {
		return fallback
	}
	trail, err := h.eventLog.ListByAggregate(r.Context(), aggregateID)
	if err != nil {
		h.logger.Warn(r.Context(), "failed to read event log", err)
		return fallback
	}
	for _, event := range trail {
		if !event.CorrelationID.IsZero() {
			return event.CorrelationID
		}
	}
	return fallback
}

func (h *WorkflowHandlers) writeTrail(w http.ResponseWriter, r *http.Request, aggregateID models.ID) {
	if h.eventLog == nil {
		writeJSON(w, http.StatusOK, EventsResponse{Events: []*events.Event{}})
		return
	}

	trail, err := h.eventLog.ListByAggregate(r.Context(), aggregateID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if trail == nil {
		trail = []*events.Event{}
	}
	writeJSON(w, http.StatusOK, EventsResponse{Events: trail})
}

func (h *WorkflowHandlers) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	defer func() {
		_, _ = io.Copy(io.Discard, r.Body)
	}()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}

	if err := h.validate.Struct(dest); err != nil {
		var fieldErrors validator.ValidationErrors
		if !errors.As(err, &fieldErrors) {
			writeError(w, http.StatusBadRequest, "validation failed")
			return false
		}
		details := make(map[string]string, len(fieldErrors))
		for _, fieldErr := range fieldErrors {
			details[fieldErr.Field()] = fieldErr.Tag()
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Details: details})
		return false
	}
	return true
}

func (h *WorkflowHandlers) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orderdomain.ErrOrderNotFound), errors.Is(err, paymentdomain.ErrPaymentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error(r.Context(), "request failed", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
