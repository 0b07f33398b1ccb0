package coinmarketcap

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"crypto_live/internal/domain"
	"crypto_live/pkg/quant"
)

type status struct {
	ErrorCode    int     `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
}

type usdQuote struct {
	Price            float64 `json:"price"`
	Volume24h        float64 `json:"volume_24h"`
	PercentChange24h float64 `json:"percent_change_24h"`
	MarketCap        float64 `json:"market_cap"`
	LastUpdated      string  `json:"last_updated"`
}

type listing struct {
	ID                int      `json:"id"`
	Name              string   `json:"name"`
	Symbol            string   `json:"symbol"`
	Slug              string   `json:"slug"`
	CMCRank           int      `json:"cmc_rank"`
	CirculatingSupply float64  `json:"circulating_supply"`
	MaxSupply         *float64 `json:"max_supply"`
	Quote             struct {
		USD usdQuote `json:"USD"`
	} `json:"quote"`
}

type listingsResponse struct {
	Data   []listing `json:"data"`
	Status status    `json:"status"`
}

var _ domain.SnapshotSource = (*Client)(nil)

// FetchPage returns up to limit assets starting at the 1-based rank offset
// start. Callers page forward with start += limit.
func (c *Client) FetchPage(ctx context.Context, start, limit int) ([]domain.AssetRecord, error) {
	if start < 1 || limit < 1 {
		return nil, domain.ErrInvalidPage
	}
	if c.apiKey == "" {
		c.logger.Error("API key missing, set CRYPTO_CMC_API_KEY")
		return nil, domain.ErrMissingAPIKey
	}

	began := time.Now()
	records, err := c.fetchPage(ctx, start, limit)
	c.observe(err, time.Since(began))
	if err != nil {
		c.logger.Warn("listings fetch failed", "start", start, "limit", limit, "err", err)
		return nil, err
	}

	c.logger.Debug("listings fetched", "start", start, "limit", limit, "count", len(records))
	return records, nil
}

func (c *Client) fetchPage(ctx context.Context, start, limit int) ([]domain.AssetRecord, error) {
	query := url.Values{}
	query.Set("start", strconv.Itoa(start))
	query.Set("limit", strconv.Itoa(limit))
	query.Set("convert", "USD")

	body, err := c.doWithRetry(ctx, "/cryptocurrency/listings/latest", query)
	if err != nil {
		return nil, err
	}

	var resp listingsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &domain.FetchError{StatusCode: 200, Message: "undecodable payload", Err: err}
	}
	if resp.Status.ErrorCode != 0 {
		return nil, &domain.FetchError{
			StatusCode:   200,
			ProviderCode: resp.Status.ErrorCode,
			Message:      statusMessage(resp.Status),
		}
	}

	records := make([]domain.AssetRecord, 0, len(resp.Data))
	for _, item := range resp.Data {
		records = append(records, item.toDomain())
	}
	return records, nil
}

func (c *Client) observe(err error, elapsed time.Duration) {
	if c.observer == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.observer.ObserveFetch(outcome, elapsed)
}

func (item listing) toDomain() domain.AssetRecord {
	q := item.Quote.USD
	return domain.AssetRecord{
		ID:               item.Slug,
		Symbol:           item.Symbol,
		Name:             item.Name,
		Rank:             item.CMCRank,
		PriceUSD:         q.Price,
		ChangePercent24h: q.PercentChange24h,
		MarketCapUSD:     q.MarketCap,
		VolumeUSD24h:     q.Volume24h,
		Supply:           item.CirculatingSupply,
		MaxSupply:        item.MaxSupply,
		LastUpdated:      parseTime(q.LastUpdated),
	}
}

// parseTime converts "2024-07-30T05:43:00.000Z" to milliseconds; 0 if unparseable.
func parseTime(s string) quant.TimeStamp {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0
	}
	return quant.FromTime(t)
}

func statusMessage(s status) string {
	if s.ErrorMessage != nil && *s.ErrorMessage != "" {
		return *s.ErrorMessage
	}
	return "provider error " + strconv.Itoa(s.ErrorCode)
}
