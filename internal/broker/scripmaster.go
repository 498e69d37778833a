package broker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gocarina/gocsv"

	apperrors "github.com/Anupamvm/mCube-ai-sub004/internal/errors"
	"github.com/Anupamvm/mCube-ai-sub004/internal/models"
)

// Scrip is one row of the Motilal scrip master. Orders go out with the
// scrip code, not the symbol, so the master must be loaded before
// placing orders through the Motilal adapter.
type Scrip struct {
	Exchange       string  `csv:"exchange"`
	ExchangeName   string  `csv:"exchangename"`
	ScripCode      int64   `csv:"scripcode"`
	ScripName      string  `csv:"scripname"`
	ScripShortName string  `csv:"scripshortname"`
	Instrument     string  `csv:"instrumentname"`
	LotSize        int     `csv:"marketlot"`
	TickSize       float64 `csv:"ticksize"`
	ISIN           string  `csv:"isinnumber"`
	ExpiryDate     int64   `csv:"expirydate"`
	StrikePrice    float64 `csv:"strikeprice"`
	OptionType     string  `csv:"optiontype"`
}

// ScripMaster indexes scrips by exchange and trading symbol.
type ScripMaster struct {
	mu    sync.RWMutex
	byKey map[string]Scrip
}

// NewScripMaster creates an empty scrip master.
func NewScripMaster() *ScripMaster {
	return &ScripMaster{byKey: make(map[string]Scrip)}
}

// Add indexes scrips, overwriting earlier rows with the same key.
func (s *ScripMaster) Add(scrips []Scrip) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, scrip := range scrips {
		key := scripKey(scrip.Exchange, scrip.ScripShortName)
		s.byKey[key] = scrip
	}
}

// Lookup resolves a symbol on an exchange to its scrip row.
func (s *ScripMaster) Lookup(exchange models.Exchange, symbol string) (Scrip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scrip, ok := s.byKey[scripKey(string(exchange), symbol)]
	if !ok {
		return Scrip{}, apperrors.Wrapf(apperrors.ErrSymbolNotFound, "%s on %s not in scrip master", symbol, exchange)
	}
	return scrip, nil
}

// Len reports the number of indexed scrips.
func (s *ScripMaster) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey)
}

// LoadReader parses scrip master CSV from r and indexes it.
func (s *ScripMaster) LoadReader(r io.Reader) error {
	var scrips []Scrip
	if err := gocsv.Unmarshal(r, &scrips); err != nil {
		return fmt.Errorf("failed to parse scrip master: %w", err)
	}
	s.Add(scrips)
	return nil
}

// LoadFile parses a scrip master CSV file.
func (s *ScripMaster) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open scrip master: %w", err)
	}
	defer f.Close()
	return s.LoadReader(f)
}

// Download fetches the scrip master for one exchange from the Motilal
// endpoint and indexes it.
func (s *ScripMaster) Download(ctx context.Context, baseURL string, exchange models.Exchange) error {
	url := fmt.Sprintf("%s/getscripmastercsv?name=%s", strings.TrimRight(baseURL, "/"), exchange)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download scrip master: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("scrip master download returned status %d", resp.StatusCode)
	}
	return s.LoadReader(resp.Body)
}

func scripKey(exchange, symbol string) string {
	return strings.ToUpper(exchange) + ":" + strings.ToUpper(symbol)
}
