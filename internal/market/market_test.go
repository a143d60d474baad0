package market

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/metarcall/internal/models"
	"github.com/lox/metarcall/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	st := store.New(db, loc)
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func nf(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: true}
}

func TestStatusForHigh(t *testing.T) {
	tests := []struct {
		name string
		bin  models.MarketBin
		high int64
		want string
	}{
		{"below range", models.MarketBin{LowerBoundF: nf(80), UpperBoundF: nf(81)}, 78, models.BinStatusAlive},
		{"within range", models.MarketBin{LowerBoundF: nf(80), UpperBoundF: nf(81)}, 80, models.BinStatusCurrent},
		{"at upper bound", models.MarketBin{LowerBoundF: nf(80), UpperBoundF: nf(81)}, 81, models.BinStatusCurrent},
		{"above range", models.MarketBin{LowerBoundF: nf(80), UpperBoundF: nf(81)}, 82, models.BinStatusDead},
		{"open upper tail", models.MarketBin{LowerBoundF: nf(90)}, 95, models.BinStatusCurrent},
		{"open upper tail not reached", models.MarketBin{LowerBoundF: nf(90)}, 85, models.BinStatusAlive},
		{"open lower tail", models.MarketBin{UpperBoundF: nf(70)}, 65, models.BinStatusCurrent},
		{"open lower tail passed", models.MarketBin{UpperBoundF: nf(70)}, 75, models.BinStatusDead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusForHigh(tt.bin, tt.high); got != tt.want {
				t.Errorf("StatusForHigh(high=%d) = %s, want %s", tt.high, got, tt.want)
			}
		})
	}
}

func TestApplyHighEliminatesAndPromotes(t *testing.T) {
	st := setupTestStore(t)
	dayKey := "2025-07-14"

	bins := []models.MarketBin{
		{DayKey: dayKey, MarketID: "m-78-79", Label: "78-79", LowerBoundF: nf(78), UpperBoundF: nf(79), Status: models.BinStatusAlive},
		{DayKey: dayKey, MarketID: "m-80-81", Label: "80-81", LowerBoundF: nf(80), UpperBoundF: nf(81), Status: models.BinStatusAlive},
		{DayKey: dayKey, MarketID: "m-82-83", Label: "82-83", LowerBoundF: nf(82), UpperBoundF: nf(83), Status: models.BinStatusAlive},
	}
	for _, bin := range bins {
		if err := st.UpsertMarketBin(bin); err != nil {
			t.Fatalf("upsert bin: %v", err)
		}
	}

	at := time.Date(2025, 7, 14, 18, 0, 0, 0, time.UTC)
	eliminated, err := ApplyHigh(st, dayKey, 80, at)
	if err != nil {
		t.Fatalf("ApplyHigh: %v", err)
	}
	if len(eliminated) != 1 || eliminated[0] != "m-78-79" {
		t.Fatalf("eliminated = %v, want [m-78-79]", eliminated)
	}

	stored, err := st.ListMarketBins(dayKey)
	if err != nil {
		t.Fatalf("list bins: %v", err)
	}
	statuses := map[string]string{}
	for _, bin := range stored {
		statuses[bin.MarketID] = bin.Status
	}
	if statuses["m-78-79"] != models.BinStatusDead {
		t.Errorf("m-78-79 status = %s, want DEAD", statuses["m-78-79"])
	}
	if statuses["m-80-81"] != models.BinStatusCurrent {
		t.Errorf("m-80-81 status = %s, want CURRENT", statuses["m-80-81"])
	}
	if statuses["m-82-83"] != models.BinStatusAlive {
		t.Errorf("m-82-83 status = %s, want ALIVE", statuses["m-82-83"])
	}

	// A higher high kills the previous CURRENT bin but does not report the
	// already-dead bin again.
	eliminated, err = ApplyHigh(st, dayKey, 82, at.Add(time.Hour))
	if err != nil {
		t.Fatalf("ApplyHigh second: %v", err)
	}
	if len(eliminated) != 1 || eliminated[0] != "m-80-81" {
		t.Fatalf("second eliminated = %v, want [m-80-81]", eliminated)
	}

	stored, err = st.ListMarketBins(dayKey)
	if err != nil {
		t.Fatalf("list bins: %v", err)
	}
	for _, bin := range stored {
		if bin.MarketID == "m-78-79" {
			if !bin.DeadSince.Valid || !bin.DeadSince.Time.Equal(at) {
				t.Errorf("m-78-79 dead_since = %v, want original stamp %v", bin.DeadSince, at)
			}
		}
	}
}

func TestRefreshPrices(t *testing.T) {
	st := setupTestStore(t)
	dayKey := "2025-07-14"

	for _, bin := range []models.MarketBin{
		{DayKey: dayKey, MarketID: "m-80-81", Label: "80-81", LowerBoundF: nf(80), UpperBoundF: nf(81), Status: models.BinStatusAlive},
		{DayKey: dayKey, MarketID: "m-82-83", Label: "82-83", LowerBoundF: nf(82), UpperBoundF: nf(83), Status: models.BinStatusAlive},
	} {
		if err := st.UpsertMarketBin(bin); err != nil {
			t.Fatalf("upsert bin: %v", err)
		}
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("day"); got != dayKey {
			t.Errorf("day query = %q, want %q", got, dayKey)
		}
		json.NewEncoder(w).Encode([]binPrice{
			{MarketID: "m-80-81", YesPrice: 0.62},
		})
	}))
	defer server.Close()

	at := time.Date(2025, 7, 14, 19, 0, 0, 0, time.UTC)
	if err := RefreshPrices(context.Background(), st, NewPriceClient(server.URL), dayKey, at); err != nil {
		t.Fatalf("RefreshPrices: %v", err)
	}

	bins, err := st.ListMarketBins(dayKey)
	if err != nil {
		t.Fatalf("list bins: %v", err)
	}
	for _, bin := range bins {
		switch bin.MarketID {
		case "m-80-81":
			if !bin.YesPrice.Valid || bin.YesPrice.Float64 != 0.62 {
				t.Errorf("m-80-81 yes_price = %v, want 0.62", bin.YesPrice)
			}
			if !bin.PriceUpdatedAt.Valid {
				t.Error("m-80-81 price_updated_at not set")
			}
		case "m-82-83":
			if bin.YesPrice.Valid {
				t.Errorf("m-82-83 yes_price = %v, want unset", bin.YesPrice)
			}
		}
	}
}
