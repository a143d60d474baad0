// Package market maintains the prediction-market bin statuses against the
// running daily high and refreshes bin price snapshots.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lox/metarcall/internal/httputil"
	"github.com/lox/metarcall/internal/models"
	"github.com/lox/metarcall/internal/store"
)

// StatusForHigh classifies one bin against the daily high: a bin whose
// upper bound is already below the high can never resolve YES (DEAD), a bin
// containing the high is CURRENT, everything else is still ALIVE.
func StatusForHigh(bin models.MarketBin, highWholeF int64) string {
	high := float64(highWholeF)
	if bin.UpperBoundF.Valid && bin.UpperBoundF.Float64 < high {
		return models.BinStatusDead
	}

	lowerOK := !bin.LowerBoundF.Valid || high >= bin.LowerBoundF.Float64
	upperOK := !bin.UpperBoundF.Valid || high <= bin.UpperBoundF.Float64
	if lowerOK && upperOK {
		return models.BinStatusCurrent
	}
	return models.BinStatusAlive
}

// ApplyHigh recomputes every bin's status for the day and returns the
// market IDs newly eliminated by this high. DEAD is terminal within a day.
func ApplyHigh(st *store.Store, dayKey string, highWholeF int64, at time.Time) ([]string, error) {
	bins, err := st.ListMarketBins(dayKey)
	if err != nil {
		return nil, fmt.Errorf("list bins: %w", err)
	}

	var eliminated []string
	for _, bin := range bins {
		status := StatusForHigh(bin, highWholeF)
		if bin.Status == models.BinStatusDead || status == bin.Status {
			continue
		}

		if status == models.BinStatusDead {
			if err := st.MarkBinDead(dayKey, bin.MarketID, at); err != nil {
				return eliminated, fmt.Errorf("mark bin %s dead: %w", bin.MarketID, err)
			}
			eliminated = append(eliminated, bin.MarketID)
			continue
		}
		if err := st.SetBinStatus(dayKey, bin.MarketID, status); err != nil {
			return eliminated, fmt.Errorf("set bin %s status: %w", bin.MarketID, err)
		}
	}
	return eliminated, nil
}

// PriceClient fetches current yes-prices for a day's bins.
type PriceClient struct {
	endpoint string
	client   *http.Client
}

func NewPriceClient(endpoint string) *PriceClient {
	return &PriceClient{endpoint: endpoint, client: httputil.NewClient()}
}

type binPrice struct {
	MarketID string  `json:"marketId"`
	YesPrice float64 `json:"yesPrice"`
}

// FetchPrices returns the current yes-price per market ID.
func (c *PriceClient) FetchPrices(ctx context.Context, dayKey string) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?day="+dayKey, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		details, _ := io.ReadAll(io.LimitReader(resp.Body, 400))
		return nil, fmt.Errorf("fetch prices: status %d: %s", resp.StatusCode, details)
	}

	var prices []binPrice
	if err := json.NewDecoder(resp.Body).Decode(&prices); err != nil {
		return nil, fmt.Errorf("decode prices: %w", err)
	}

	byMarket := make(map[string]float64, len(prices))
	for _, price := range prices {
		byMarket[price.MarketID] = price.YesPrice
	}
	return byMarket, nil
}

// RefreshPrices updates stored price snapshots for every bin of the day.
// Markets missing from the feed keep their last snapshot.
func RefreshPrices(ctx context.Context, st *store.Store, client *PriceClient, dayKey string, at time.Time) error {
	bins, err := st.ListMarketBins(dayKey)
	if err != nil {
		return fmt.Errorf("list bins: %w", err)
	}
	if len(bins) == 0 {
		return nil
	}

	prices, err := client.FetchPrices(ctx, dayKey)
	if err != nil {
		return err
	}

	for _, bin := range bins {
		price, ok := prices[bin.MarketID]
		if !ok {
			continue
		}
		if err := st.UpdateBinPrice(dayKey, bin.MarketID, price, at); err != nil {
			return fmt.Errorf("update bin %s price: %w", bin.MarketID, err)
		}
	}
	return nil
}
