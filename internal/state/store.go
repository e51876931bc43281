package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-core/internal/position"
)

const stateFileName = "bot_state.json"

// RiskMeta is the risk gate's persisted memory: when the last losing trade
// closed, and when any trade last closed per symbol. Times are unix seconds.
type RiskMeta struct {
	LastLossTime            float64            `json:"last_loss_time"`
	LastClosedTimePerSymbol map[string]float64 `json:"last_closed_time_per_symbol"`
}

// Document is the single JSON document the whole engine persists. It must
// survive process restarts byte-for-byte meaningful, so every field keeps a
// stable key.
type Document struct {
	OpenPositions   []position.Position `json:"open_positions"`
	ClosedPositions []position.Position `json:"closed_positions"`
	Watchlist       []string            `json:"watchlist"`

	PaperBalanceUSDT float64 `json:"paper_balance_usdt"`
	RealizedPnLToday float64 `json:"realized_pnl_today"`
	DailyStartEquity float64 `json:"daily_start_equity"`
	DailyDate        string  `json:"daily_date"`

	CapitalUSDT         float64 `json:"capital_usdt"`
	BotBalanceUSDT      float64 `json:"bot_balance_usdt"`
	LastProfitSplitDate string  `json:"last_profit_split_date"`

	RiskMeta RiskMeta `json:"risk_meta"`

	LastRunTime string `json:"last_run_time"`
	BotStatus   string `json:"bot_status"`
}

func defaultDocument() Document {
	return Document{
		OpenPositions:   []position.Position{},
		ClosedPositions: []position.Position{},
		Watchlist:       []string{"BTCUSDT"},
		DailyDate:       time.Now().Format("2006-01-02"),
		BotStatus:       "STOPPED",
		RiskMeta: RiskMeta{
			LastClosedTimePerSymbol: map[string]float64{},
		},
	}
}

// Store owns the on-disk document. Saves are atomic (write temp, rename) and
// the previous file is copied to a .bak sibling first, so a torn write never
// loses the last good state.
type Store struct {
	path       string
	backupPath string
	log        zerolog.Logger

	mu  sync.RWMutex
	doc Document
}

// Open loads the document from dataDir, falling back to the backup and then
// to defaults if the file is missing or corrupt, and writes the result back.
func Open(dataDir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	path := filepath.Join(dataDir, stateFileName)
	s := &Store{
		path:       path,
		backupPath: path + ".bak",
		log:        log.With().Str("comp", "state").Logger(),
	}

	doc, err := readDocument(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn().Err(err).Msg("state file unreadable, trying backup")
		}
		doc, err = readDocument(s.backupPath)
		if err != nil {
			doc = defaultDocument()
		} else {
			s.log.Info().Msg("state restored from backup")
		}
	}

	normalize(&doc)
	doc.LastRunTime = time.Now().Format("2006-01-02 15:04:05")

	s.doc = doc
	if err := s.save(); err != nil {
		return nil, err
	}
	return s, nil
}

func readDocument(path string) (Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return doc, nil
}

func normalize(doc *Document) {
	if doc.OpenPositions == nil {
		doc.OpenPositions = []position.Position{}
	}
	if doc.ClosedPositions == nil {
		doc.ClosedPositions = []position.Position{}
	}
	if len(doc.Watchlist) == 0 {
		doc.Watchlist = []string{"BTCUSDT"}
	}
	if doc.DailyDate == "" {
		doc.DailyDate = time.Now().Format("2006-01-02")
	}
	if doc.BotStatus == "" {
		doc.BotStatus = "STOPPED"
	}
	if doc.RiskMeta.LastClosedTimePerSymbol == nil {
		doc.RiskMeta.LastClosedTimePerSymbol = map[string]float64{}
	}
}

// Snapshot returns a deep copy of the current document.
func (s *Store) Snapshot() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneDocument(s.doc)
}

// Update applies fn to the document under the lock and persists the result.
func (s *Store) Update(fn func(*Document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.doc)
	normalize(&s.doc)
	return s.save()
}

// SavePositions persists the open and closed position slices. Implements the
// ledger's store.
func (s *Store) SavePositions(open, closed []position.Position) error {
	return s.Update(func(doc *Document) {
		doc.OpenPositions = open
		doc.ClosedPositions = closed
	})
}

// SaveRiskMeta persists the risk gate's memory.
func (s *Store) SaveRiskMeta(meta RiskMeta) error {
	return s.Update(func(doc *Document) {
		doc.RiskMeta = meta
	})
}

// save must be called with the lock held.
func (s *Store) save() error {
	if _, err := os.Stat(s.path); err == nil {
		if raw, err := os.ReadFile(s.path); err == nil {
			if err := os.WriteFile(s.backupPath, raw, 0o644); err != nil {
				s.log.Warn().Err(err).Msg("state backup failed")
			}
		}
	}

	raw, err := json.MarshalIndent(s.doc, "", "    ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

func cloneDocument(doc Document) Document {
	out := doc
	out.OpenPositions = append([]position.Position(nil), doc.OpenPositions...)
	out.ClosedPositions = append([]position.Position(nil), doc.ClosedPositions...)
	out.Watchlist = append([]string(nil), doc.Watchlist...)
	out.RiskMeta.LastClosedTimePerSymbol = make(map[string]float64, len(doc.RiskMeta.LastClosedTimePerSymbol))
	for k, v := range doc.RiskMeta.LastClosedTimePerSymbol {
		out.RiskMeta.LastClosedTimePerSymbol[k] = v
	}
	return out
}
