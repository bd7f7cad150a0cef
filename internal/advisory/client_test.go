package advisory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantkit/botcore/internal/config"
)

var clientNow = time.Date(2026, 8, 26, 15, 0, 0, 0, time.UTC)

func testClient(baseURL string) *Client {
	return NewClient(config.Advisory{
		BaseURL:             baseURL,
		TimeoutMs:           2000,
		FreshnessThresholdH: 24,
		RequestsPerSec:      1000,
		Burst:               100,
	}, func() time.Time { return clientNow })
}

func validContext() MarketContext {
	return MarketContext{
		Strategy:         "spx-put-credit",
		Instrument:       "SPX",
		VolatilityRegime: "normal",
		DayOfWeek:        time.Wednesday,
		RecentWinRate:    0.6,
		RecentTrades:     10,
		Features:         map[string]float64{"spot": 5000},
	}
}

func recommendResponse(trainedAt time.Time) map[string]any {
	return map[string]any{
		"action":           "enter",
		"win_probability":  0.72,
		"confidence":       0.81,
		"features":         map[string]float64{"iv_rank": 0.4},
		"model_trained_at": trainedAt.Format(time.RFC3339),
	}
}

func TestClientRecommend(t *testing.T) {
	var gotCtx MarketContext
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/recommend", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotCtx))
		_ = json.NewEncoder(w).Encode(recommendResponse(clientNow.Add(-2 * time.Hour)))
	}))
	defer srv.Close()

	rec, err := testClient(srv.URL).Recommend(context.Background(), validContext())
	require.NoError(t, err)
	assert.Equal(t, ActionEnter, rec.Action)
	assert.InDelta(t, 0.72, rec.WinProbability, 1e-9)
	assert.InDelta(t, 0.81, rec.Confidence, 1e-9)
	assert.InDelta(t, 2, rec.ModelAgeHours, 0.01)
	assert.False(t, rec.Stale)
	assert.Equal(t, "spx-put-credit", gotCtx.Strategy)
	assert.InDelta(t, 5000, gotCtx.Features["spot"], 1e-9)
}

func TestClientMarksStaleModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(recommendResponse(clientNow.Add(-48 * time.Hour)))
	}))
	defer srv.Close()

	rec, err := testClient(srv.URL).Recommend(context.Background(), validContext())
	require.NoError(t, err)
	// Staleness is informational here; any veto belongs to the caller.
	assert.True(t, rec.Stale)
	assert.InDelta(t, 48, rec.ModelAgeHours, 0.01)
}

func TestClientRetriesOnceOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(recommendResponse(clientNow.Add(-2 * time.Hour)))
	}))
	defer srv.Close()

	rec, err := testClient(srv.URL).Recommend(context.Background(), validContext())
	require.NoError(t, err)
	assert.Equal(t, ActionEnter, rec.Action)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientGivesUpAfterRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Recommend(context.Background(), validContext())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAdvisoryUnavailable))
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientDoesNotRetryTimeout(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		time.Sleep(300 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(recommendResponse(clientNow))
	}))
	defer srv.Close()

	c := NewClient(config.Advisory{
		BaseURL:             srv.URL,
		TimeoutMs:           50,
		FreshnessThresholdH: 24,
		RequestsPerSec:      1000,
		Burst:               100,
	}, func() time.Time { return clientNow })

	_, err := c.Recommend(context.Background(), validContext())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAdvisoryUnavailable))
	assert.Equal(t, int32(1), calls.Load(), "a timed-out call must not be retried")
}

func TestClientRejectsMalformedResponses(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
	}{
		{"unknown action", map[string]any{
			"action": "yolo", "win_probability": 0.7, "confidence": 0.8,
			"model_trained_at": clientNow.Format(time.RFC3339),
		}},
		{"probability out of range", map[string]any{
			"action": "enter", "win_probability": 1.2, "confidence": 0.8,
			"model_trained_at": clientNow.Format(time.RFC3339),
		}},
		{"confidence out of range", map[string]any{
			"action": "enter", "win_probability": 0.7, "confidence": -0.1,
			"model_trained_at": clientNow.Format(time.RFC3339),
		}},
		{"bad timestamp", map[string]any{
			"action": "enter", "win_probability": 0.7, "confidence": 0.8,
			"model_trained_at": "yesterday",
		}},
		{"future training date", map[string]any{
			"action": "enter", "win_probability": 0.7, "confidence": 0.8,
			"model_trained_at": clientNow.Add(time.Hour).Format(time.RFC3339),
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_ = json.NewEncoder(w).Encode(tc.body)
			}))
			defer srv.Close()

			_, err := testClient(srv.URL).Recommend(context.Background(), validContext())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrAdvisoryUnavailable))
		})
	}
}

func TestClientValidatesContextBeforeCalling(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	mc := validContext()
	mc.VolatilityRegime = ""
	_, err := testClient(srv.URL).Recommend(context.Background(), mc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "volatility_regime")
	assert.Zero(t, calls.Load(), "invalid context must not reach the service")
}
