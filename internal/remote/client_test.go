package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezcar24/dealersync/internal/record"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, retries int) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(Config{
		URL:                  srv.URL,
		APIKey:               "anon-key",
		AccessToken:          "session-token",
		MaxRetries:           retries,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
	}, nil)
}

func TestFetchChanges(t *testing.T) {
	var got map[string]string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/rpc/get_changes", r.URL.Path)
		assert.Equal(t, "anon-key", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer session-token", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Correlation-Id"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_, _ = io.WriteString(w, `{
			"vehicles": [{"id":"v1","dealer_id":"d1","vin":"abc","updated_at":"2025-01-01T00:00:00Z"}],
			"debts": [{"id":"x1","dealer_id":"d1","counterparty_name":"Sam","direction":"owed_to_me","amount":12.5,
			           "updated_at":"2025-01-01T00:00:00Z","deleted_at":"2025-01-02T00:00:00Z"}],
			"unknown_table": [{"id":"z"}]
		}`)
	}, 0)

	snap, err := client.FetchChanges(context.Background(), "d1", time.Time{})
	require.NoError(t, err)

	assert.Equal(t, "d1", got["dealer_id"])
	assert.Equal(t, "1970-01-01T00:00:00Z", got["since"])
	assert.Equal(t, 2, snap.Len())

	debts := snap.Records(record.Debt)
	require.Len(t, debts, 1)
	assert.True(t, debts[0].Meta().IsTombstone())
	assert.Equal(t, record.Decimal("12.5"), debts[0].(*record.DebtRecord).Amount)
}

func TestFetchChanges_DoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}, 5)

	_, err := client.FetchChanges(context.Background(), "d1", time.Now())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, KindConnectivity, Classify(err))
}

func TestUpsert_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	var body map[string][]json.RawMessage
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		assert.Equal(t, "/rest/v1/rpc/sync_expenses", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusNoContent)
	}, 3)

	err := client.Upsert(context.Background(), record.Expense, []json.RawMessage{json.RawMessage(`{"id":"e1"}`)})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, body["payload"], 1)
	assert.JSONEq(t, `{"id":"e1"}`, string(body["payload"][0]))
}

func TestUpsert_RejectionIsPermanent(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":"23503","message":"violates foreign key","hint":"check debt_id"}`)
	}, 3)

	err := client.Upsert(context.Background(), record.DebtPayment, []json.RawMessage{json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	var re *Error
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "sync_debt_payments", re.RPC)
	assert.Equal(t, "23503", re.Code)
	assert.Equal(t, "check debt_id", re.Hint)
	assert.Equal(t, KindRejected, Classify(err))
	assert.Equal(t, "RemoteError", ErrorType(err))
}

func TestDelete(t *testing.T) {
	var got map[string]string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/rpc/delete_crm_vehicles", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}, 0)

	require.NoError(t, client.Delete(context.Background(), record.Vehicle, "d1", "v1"))
	assert.Equal(t, map[string]string{"p_id": "v1", "p_dealer_id": "d1"}, got)
}

func TestWriteLog(t *testing.T) {
	var got LogEntry
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/application_logs", r.URL.Path)
		assert.Equal(t, "return=minimal", r.Header.Get("Prefer"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}, 0)

	err := client.WriteLog(context.Background(), LogEntry{
		Message: "Sync error: sync_sales",
		Context: map[string]any{"entity_type": "sale"},
		UserID:  "d1",
	})
	require.NoError(t, err)
	assert.Equal(t, "error", got.Level)
	assert.Equal(t, "sale", got.Context["entity_type"])
}

func TestConnectivityFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewHTTPClient(Config{URL: url, APIKey: "k"}, nil)
	err := client.Delete(context.Background(), record.Debt, "d1", "x1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectivity)
	assert.Equal(t, KindConnectivity, Classify(err))
}

func TestCancelledRequest(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := client.Delete(ctx, record.Debt, "d1", "x1")
	require.Error(t, err)
	assert.Equal(t, KindCancelled, Classify(err))
}

func TestObjectStore(t *testing.T) {
	objects := map[string][]byte{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			assert.Equal(t, "true", r.Header.Get("x-upsert"))
			data, _ := io.ReadAll(r.Body)
			objects[r.URL.Path] = data
		case http.MethodGet:
			data, ok := objects[r.URL.Path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				_, _ = io.WriteString(w, `{"error":"not_found","message":"Object not found"}`)
				return
			}
			_, _ = w.Write(data)
		case http.MethodDelete:
			assert.Equal(t, "/storage/v1/object/vehicle-images", r.URL.Path)
			var body map[string][]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			for _, p := range body["prefixes"] {
				delete(objects, "/storage/v1/object/vehicle-images/"+p)
			}
		}
	}, 0)
	ctx := context.Background()

	require.NoError(t, client.Upload(ctx, "vehicle-images", "d1/vehicles/v1.jpg", "image/jpeg", []byte("jpeg")))
	data, err := client.Download(ctx, "vehicle-images", "d1/vehicles/v1.jpg")
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(data))

	require.NoError(t, client.Remove(ctx, "vehicle-images", "d1/vehicles/v1.jpg"))
	_, err = client.Download(ctx, "vehicle-images", "d1/vehicles/v1.jpg")
	assert.True(t, IsNotFound(err))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("soon"))
}
