package carrier

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"sms-dispatch-engine/internal/domain"
	"sms-dispatch-engine/internal/ports"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage() domain.Message {
	return domain.NewOutbound(uuid.New(), "+15550100", "+15551230002", "hello")
}

func TestSendSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"provider_ref":"crr-42"}`))
	}))
	defer srv.Close()

	result, err := New(srv.URL, "key-1").Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "crr-42", result.ProviderRef)
}

func TestSendClassifiesServerErrorsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").Send(context.Background(), testMessage())
	var perr *ports.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.True(t, perr.Transient)
	assert.Equal(t, "HTTP_503", perr.Code)
}

func TestSendClassifiesRejectionsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error_code":"INVALID_DESTINATION"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").Send(context.Background(), testMessage())
	var perr *ports.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.False(t, perr.Transient)
	assert.Equal(t, "INVALID_DESTINATION", perr.Code)
}

func TestSendNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // Immediately unreachable

	_, err := New(srv.URL, "").Send(context.Background(), testMessage())
	var perr *ports.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.True(t, perr.Transient)
}
