package coinmarketcap

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"crypto_live/internal/domain"
	"crypto_live/internal/infra"
)

const listingsJSON = `{
  "status": {"error_code": 0, "error_message": null},
  "data": [
    {
      "id": 1, "name": "Bitcoin", "symbol": "BTC", "slug": "bitcoin", "cmc_rank": 1,
      "circulating_supply": 19700000, "max_supply": 21000000,
      "quote": {"USD": {"price": 50000, "volume_24h": 30000000000, "percent_change_24h": 2.5,
        "market_cap": 985000000000, "last_updated": "2024-07-30T05:43:00.000Z"}}
    },
    {
      "id": 1027, "name": "Ethereum", "symbol": "ETH", "slug": "ethereum", "cmc_rank": 2,
      "circulating_supply": 120000000, "max_supply": null,
      "quote": {"USD": {"price": 3000, "volume_24h": 15000000000, "percent_change_24h": -1.25,
        "market_cap": 360000000000, "last_updated": "2024-07-30T05:43:00.000Z"}}
    }
  ]
}`

func fastClient(url string, opts ...ClientOption) *Client {
	opts = append([]ClientOption{WithRetries(2, time.Millisecond)}, opts...)
	return NewClient(url, "test-key", opts...)
}

func TestFetchPage_MapsListings(t *testing.T) {
	var gotQuery, gotKey, gotAccept string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cryptocurrency/listings/latest" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get("X-CMC_PRO_API_KEY")
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(listingsJSON))
	}))
	defer server.Close()

	client := fastClient(server.URL)
	records, err := client.FetchPage(context.Background(), 51, 50)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}

	if gotQuery != "convert=USD&limit=50&start=51" {
		t.Errorf("query = %q", gotQuery)
	}
	if gotKey != "test-key" {
		t.Errorf("api key header = %q", gotKey)
	}
	if gotAccept != "application/json" {
		t.Errorf("accept header = %q", gotAccept)
	}

	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}

	btc := records[0]
	wantTS := time.Date(2024, 7, 30, 5, 43, 0, 0, time.UTC).UnixMilli()
	if btc.ID != "bitcoin" || btc.Symbol != "BTC" || btc.Name != "Bitcoin" || btc.Rank != 1 {
		t.Errorf("identity fields = %+v", btc)
	}
	if btc.PriceUSD != 50000 || btc.ChangePercent24h != 2.5 || btc.MarketCapUSD != 985000000000 ||
		btc.VolumeUSD24h != 30000000000 || btc.Supply != 19700000 {
		t.Errorf("market fields = %+v", btc)
	}
	if btc.MaxSupply == nil || *btc.MaxSupply != 21000000 {
		t.Errorf("MaxSupply = %v, want 21000000", btc.MaxSupply)
	}
	if int64(btc.LastUpdated) != wantTS {
		t.Errorf("LastUpdated = %d, want %d", btc.LastUpdated, wantTS)
	}

	if records[1].MaxSupply != nil {
		t.Errorf("null max_supply should map to nil, got %v", *records[1].MaxSupply)
	}
}

func TestFetchPage_InvalidPage(t *testing.T) {
	client := NewClient("http://unused", "k")
	for _, tc := range []struct{ start, limit int }{{0, 50}, {1, 0}, {-1, -1}} {
		if _, err := client.FetchPage(context.Background(), tc.start, tc.limit); !errors.Is(err, domain.ErrInvalidPage) {
			t.Errorf("FetchPage(%d, %d) = %v, want ErrInvalidPage", tc.start, tc.limit, err)
		}
	}
}

func TestFetchPage_MissingAPIKey(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	if _, err := client.FetchPage(context.Background(), 1, 50); !errors.Is(err, domain.ErrMissingAPIKey) {
		t.Fatalf("err = %v, want ErrMissingAPIKey", err)
	}
	if hits.Load() != 0 {
		t.Error("no request should be sent without a key")
	}
}

func TestFetchPage_Errors(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		wantStatus   int
		wantProvider int
		wantHits     int32
	}{
		{
			name:       "server error retried then surfaced",
			status:     http.StatusInternalServerError,
			body:       "boom",
			wantStatus: 500,
			wantHits:   3,
		},
		{
			name:       "rate limited retried",
			status:     http.StatusTooManyRequests,
			body:       `{}`,
			wantStatus: 429,
			wantHits:   3,
		},
		{
			name:         "bad key is final",
			status:       http.StatusUnauthorized,
			body:         `{"status":{"error_code":1002,"error_message":"API key missing."}}`,
			wantStatus:   401,
			wantProvider: 1002,
			wantHits:     1,
		},
		{
			name:         "provider error inside 200",
			status:       http.StatusOK,
			body:         `{"status":{"error_code":1008,"error_message":"rate limit"},"data":[]}`,
			wantStatus:   200,
			wantProvider: 1008,
			wantHits:     1,
		},
		{
			name:       "undecodable payload",
			status:     http.StatusOK,
			body:       `<html>`,
			wantStatus: 200,
			wantHits:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := fastClient(server.URL).FetchPage(context.Background(), 1, 10)

			var fe *domain.FetchError
			if !errors.As(err, &fe) {
				t.Fatalf("err = %v, want *FetchError", err)
			}
			if fe.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", fe.StatusCode, tt.wantStatus)
			}
			if fe.ProviderCode != tt.wantProvider {
				t.Errorf("ProviderCode = %d, want %d", fe.ProviderCode, tt.wantProvider)
			}
			if got := hits.Load(); got != tt.wantHits {
				t.Errorf("requests = %d, want %d", got, tt.wantHits)
			}
		})
	}
}

func TestFetchPage_RecoversAfterTransientFailure(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(listingsJSON))
	}))
	defer server.Close()

	records, err := fastClient(server.URL).FetchPage(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if len(records) != 2 {
		t.Errorf("len(records) = %d, want 2", len(records))
	}
}

func TestFetchPage_TransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := fastClient(url, WithRetries(0, 0)).FetchPage(context.Background(), 1, 10)

	var fe *domain.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *FetchError", err)
	}
	if fe.StatusCode != 0 || fe.Err == nil {
		t.Errorf("transport failure should carry cause and no status: %+v", fe)
	}
}

func TestFetchPage_CircuitBreakerFailsFast(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cb := infra.NewCircuitBreaker(infra.CircuitBreakerConfig{
		Name:             "cmc",
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
	})
	client := fastClient(server.URL, WithRetries(0, 0), WithCircuitBreaker(cb))

	client.FetchPage(context.Background(), 1, 10)
	client.FetchPage(context.Background(), 1, 10)

	_, err := client.FetchPage(context.Background(), 1, 10)
	if !errors.Is(err, infra.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if hits.Load() != 2 {
		t.Errorf("requests = %d, want 2 (third rejected locally)", hits.Load())
	}
}

func TestFetchPage_ProviderRejectionDoesNotTripBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"status":{"error_code":1006,"error_message":"plan"}}`))
	}))
	defer server.Close()

	cb := infra.NewCircuitBreaker(infra.CircuitBreakerConfig{
		Name:             "cmc",
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
	})
	client := fastClient(server.URL, WithCircuitBreaker(cb))

	for i := 0; i < 3; i++ {
		_, err := client.FetchPage(context.Background(), 1, 10)
		var fe *domain.FetchError
		if !errors.As(err, &fe) || fe.ProviderCode != 1006 {
			t.Fatalf("err = %v, want provider 1006", err)
		}
	}
	if cb.GetState() != infra.StateClosed {
		t.Errorf("breaker state = %s, want CLOSED", cb.GetState())
	}
}

type countingObserver struct {
	ok, failed atomic.Int32
}

func (o *countingObserver) ObserveFetch(outcome string, _ time.Duration) {
	if outcome == "ok" {
		o.ok.Add(1)
	} else {
		o.failed.Add(1)
	}
}

func TestFetchPage_ObserverAndRateLimiter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(listingsJSON))
	}))
	defer server.Close()

	obs := &countingObserver{}
	client := fastClient(server.URL, WithObserver(obs), WithRateLimiter(infra.NewRateLimiter(1, 0.001)))

	if _, err := client.FetchPage(context.Background(), 1, 2); err != nil {
		t.Fatalf("first fetch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := client.FetchPage(ctx, 1, 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second fetch = %v, want DeadlineExceeded from the limiter", err)
	}

	if obs.ok.Load() != 1 || obs.failed.Load() != 1 {
		t.Errorf("observer ok=%d failed=%d, want 1/1", obs.ok.Load(), obs.failed.Load())
	}
}
