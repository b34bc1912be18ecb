package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	orderapp "github.com/coffeehut/workflow/order-service/application"
	orderdomain "github.com/coffeehut/workflow/order-service/domain"
	orderinfra "github.com/coffeehut/workflow/order-service/infrastructure"
	paymentapp "github.com/coffeehut/workflow/payment-service/application"
	paymentdomain "github.com/coffeehut/workflow/payment-service/domain"
	paymentinfra "github.com/coffeehut/workflow/payment-service/infrastructure"
	"github.com/coffeehut/workflow/shared/events"
	sharedinfra "github.com/coffeehut/workflow/shared/infrastructure"
	"github.com/coffeehut/workflow/shared/mocks"
	"github.com/coffeehut/workflow/shared/models"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type httpFixture struct {
	router    *chi.Mux
	publisher *mocks.MockPublisher
	orders    *orderinfra.MemoryOrderRepository
	payments  *paymentinfra.MemoryPaymentRepository
	eventLog  *sharedinfra.MemoryEventLog
}

func newHTTPFixture(t *testing.T) *httpFixture {
	f := &httpFixture{
		publisher: mocks.NewMockPublisher(t),
		orders:    orderinfra.NewMemoryOrderRepository(),
		payments:  paymentinfra.NewMemoryPaymentRepository(),
		eventLog:  sharedinfra.NewMemoryEventLog(),
	}

	h := NewWorkflowHandlers(
		f.publisher,
		f.eventLog,
		orderapp.NewGetOrder(f.orders),
		paymentapp.NewGetPayment(f.payments),
		nil,
	)
	f.router = chi.NewRouter()
	h.RegisterRoutes(f.router)
	return f
}

func (f *httpFixture) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestWorkflowHandlers_PlaceOrder(t *testing.T) {
	t.Run("publishes an order request", func(t *testing.T) {
		f := newHTTPFixture(t)

		var published *events.Event
		f.publisher.EXPECT().Publish(mock.Anything, mock.Anything).
			Run(func(_ context.Context, evts ...*events.Event) { published = evts[0] }).
			Return(nil).Once()

		rec := f.do(http.MethodPost, "/orders", `{"beverage":"Americano","customerName":"Tony Stark"}`)
		require.Equal(t, http.StatusAccepted, rec.Code)

		var response AcceptedResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		assert.NotEmpty(t, response.OrderID)

		require.NotNil(t, published)
		assert.Equal(t, events.OrderRequestTopic, published.Topic)
		assert.Equal(t, models.ID(response.OrderID), published.AggregateID)
		assert.Equal(t, published.ID.String(), response.CorrelationID)
		assert.Equal(t, events.OrderRequest{Beverage: "Americano", CustomerName: "Tony Stark"}, published.Data)
	})

	tests := []struct {
		name         string
		body         string
		expectedBody string
	}{
		{
			name:         "missing fields",
			body:         `{"beverage":""}`,
			expectedBody: `{"error":"validation failed","details":{"beverage":"required","customerName":"required"}}`,
		},
		{
			name:         "unknown field",
			body:         `{"beverage":"Latte","customerName":"Pepper Potts","size":"venti"}`,
			expectedBody: `{"error":"invalid request body"}`,
		},
		{
			name:         "malformed json",
			body:         `{"beverage":`,
			expectedBody: `{"error":"invalid request body"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newHTTPFixture(t).do(http.MethodPost, "/orders", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.JSONEq(t, tt.expectedBody, rec.Body.String())
		})
	}

	t.Run("publisher down", func(t *testing.T) {
		f := newHTTPFixture(t)
		f.publisher.EXPECT().Publish(mock.Anything, mock.Anything).Return(errors.New("broker down")).Once()

		rec := f.do(http.MethodPost, "/orders", `{"beverage":"Latte","customerName":"Pepper Potts"}`)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestWorkflowHandlers_Orders(t *testing.T) {
	f := newHTTPFixture(t)
	ctx := context.Background()

	order, err := orderdomain.TakeOrder("Mocha", "Bruce Banner")
	require.NoError(t, err)
	require.NoError(t, f.orders.Save(ctx, order))
	require.NoError(t, f.eventLog.Append(ctx, order.Events()...))

	rec := f.do(http.MethodGet, "/orders/"+order.ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var response orderapp.GetOrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "accepted", response.Status)
	assert.Equal(t, "Bruce Banner", response.CustomerName)

	rec = f.do(http.MethodGet, "/orders/"+order.ID.String()+"/events", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var trail struct {
		Events []struct {
			Topic string `json:"topic"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trail))
	require.Len(t, trail.Events, 1)
	assert.Equal(t, events.OrderAcceptedTopic.String(), trail.Events[0].Topic)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/orders/missing", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/orders/missing/events", "").Code)
}

func TestWorkflowHandlers_CompletePayment(t *testing.T) {
	ctx := context.Background()

	newPayment := func(t *testing.T, f *httpFixture) *paymentdomain.Payment {
		payment, err := paymentdomain.InitiatePayment("o1", 6)
		require.NoError(t, err)
		require.NoError(t, f.payments.Save(ctx, payment))
		return payment
	}

	t.Run("joins the payment correlation", func(t *testing.T) {
		f := newHTTPFixture(t)
		payment := newPayment(t, f)
		for _, event := range payment.Events() {
			event.WithCorrelationID("c-order")
		}
		require.NoError(t, f.eventLog.Append(ctx, payment.Events()...))

		f.publisher.EXPECT().Publish(mock.Anything, mock.MatchedBy(func(evt *events.Event) bool {
			return evt.Topic == events.CompletePaymentRequestTopic &&
				evt.CorrelationID == "c-order" &&
				evt.Data == events.CompletePaymentRequest{PaymentID: payment.ID, Amount: 6}
		})).Return(nil).Once()

		rec := f.do(http.MethodPost, "/payments/"+payment.ID.String()+"/complete", `{"amount":6}`)
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.JSONEq(t, `{"paymentId":"`+payment.ID.String()+`","correlationId":"c-order"}`, rec.Body.String())
	})

	t.Run("starts a correlation without history", func(t *testing.T) {
		f := newHTTPFixture(t)
		payment := newPayment(t, f)

		f.publisher.EXPECT().Publish(mock.Anything, mock.MatchedBy(func(evt *events.Event) bool {
			return evt.CorrelationID == evt.ID
		})).Return(nil).Once()

		rec := f.do(http.MethodPost, "/payments/"+payment.ID.String()+"/complete", `{"amount":6}`)
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("unknown payment", func(t *testing.T) {
		rec := newHTTPFixture(t).do(http.MethodPost, "/payments/missing/complete", `{"amount":6}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("negative amount", func(t *testing.T) {
		f := newHTTPFixture(t)
		payment := newPayment(t, f)

		rec := f.do(http.MethodPost, "/payments/"+payment.ID.String()+"/complete", `{"amount":-1}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":"validation failed","details":{"amount":"gte"}}`, rec.Body.String())
	})

	t.Run("get payment", func(t *testing.T) {
		f := newHTTPFixture(t)
		payment := newPayment(t, f)

		rec := f.do(http.MethodGet, "/payments/"+payment.ID.String(), "")
		require.Equal(t, http.StatusOK, rec.Code)

		var response paymentapp.GetPaymentResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		assert.Equal(t, "initiated", response.Status)
		assert.Equal(t, 6.0, response.Amount)

		rec = f.do(http.MethodGet, "/payments/"+payment.ID.String()+"/events", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"events":[]}`, rec.Body.String())
	})
}

func TestMetricsAndHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = httptest.NewRecorder()
	NewMetricsHandler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
