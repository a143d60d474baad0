package store

import (
	"time"

	"github.com/lox/metarcall/internal/models"
)

// UpsertMarketBin creates or refreshes a bin definition. Status transitions
// are applied separately so a definition refresh never resurrects a DEAD bin.
func (s *Store) UpsertMarketBin(bin models.MarketBin) error {
	_, err := s.db.Exec(`
		INSERT INTO market_bins (day_key, market_id, label, lower_bound_f, upper_bound_f, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(day_key, market_id) DO UPDATE SET
			label = excluded.label,
			lower_bound_f = excluded.lower_bound_f,
			upper_bound_f = excluded.upper_bound_f
	`, bin.DayKey, bin.MarketID, bin.Label, bin.LowerBoundF, bin.UpperBoundF, bin.Status)
	return err
}

func (s *Store) ListMarketBins(dayKey string) ([]models.MarketBin, error) {
	rows, err := s.db.Query(`
		SELECT id, day_key, market_id, label, lower_bound_f, upper_bound_f, status, dead_since, yes_price, price_updated_at
		FROM market_bins
		WHERE day_key = ?
		ORDER BY lower_bound_f ASC
	`, dayKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bins []models.MarketBin
	for rows.Next() {
		var bin models.MarketBin
		if err := rows.Scan(&bin.ID, &bin.DayKey, &bin.MarketID, &bin.Label, &bin.LowerBoundF, &bin.UpperBoundF, &bin.Status, &bin.DeadSince, &bin.YesPrice, &bin.PriceUpdatedAt); err != nil {
			return nil, err
		}
		bins = append(bins, bin)
	}
	return bins, rows.Err()
}

// MarkBinDead transitions a bin to DEAD, stamping dead_since only on the
// first transition.
func (s *Store) MarkBinDead(dayKey, marketID string, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE market_bins
		SET status = ?, dead_since = COALESCE(dead_since, ?)
		WHERE day_key = ? AND market_id = ? AND status != ?
	`, models.BinStatusDead, at, dayKey, marketID, models.BinStatusDead)
	return err
}

func (s *Store) SetBinStatus(dayKey, marketID, status string) error {
	_, err := s.db.Exec(`
		UPDATE market_bins SET status = ? WHERE day_key = ? AND market_id = ?
	`, status, dayKey, marketID)
	return err
}

func (s *Store) UpdateBinPrice(dayKey, marketID string, yesPrice float64, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE market_bins SET yes_price = ?, price_updated_at = ? WHERE day_key = ? AND market_id = ?
	`, yesPrice, at, dayKey, marketID)
	return err
}
