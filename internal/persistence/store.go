package persistence

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"icarus/internal/domain/account"
	"icarus/internal/domain/position"
	"icarus/internal/domain/prediction"
	"icarus/internal/domain/settings"
	"icarus/pkg/errors"
	"icarus/pkg/logger"
)

const (
	tradesFile    = "trades.log"
	positionsFile = "positions.json"
	accountFile   = "account.json"
	settingsFile  = "settings.json"
	samplesFile   = "samples.log"
	modelsDir     = "models"
)

// TradeRecord is one line of the append-only trade log. Seq is a
// monotonic global sequence number so downstream consumers can
// serialise transitions across symbols.
type TradeRecord struct {
	Seq      int64             `json:"seq"`
	Position position.Position `json:"position"`
}

// Store is the single-writer file-backed durable state. The trade log
// is the source of truth for the balance; positions.json and
// account.json are snapshots rewritten on every transition.
type Store struct {
	mu      sync.Mutex
	dataDir string

	trades  *os.File
	samples *os.File
}

// NewStore opens (creating if needed) the data directory and its
// append-only logs.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, modelsDir), 0o755); err != nil {
		return nil, errors.Wrap(err, "create data directory")
	}

	trades, err := os.OpenFile(filepath.Join(dataDir, tradesFile),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open trade log")
	}

	samples, err := os.OpenFile(filepath.Join(dataDir, samplesFile),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		trades.Close()
		return nil, errors.Wrap(err, "open sample log")
	}

	return &Store{dataDir: dataDir, trades: trades, samples: samples}, nil
}

// Close flushes and releases the append-only logs.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	for _, f := range []*os.File{s.trades, s.samples} {
		if f == nil {
			continue
		}
		if err := f.Sync(); err != nil && first == nil {
			first = err
		}
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.trades, s.samples = nil, nil
	return first
}

// WriteOpen persists the state after a position opened: the open
// positions map and the account snapshot, in that order.
func (s *Store) WriteOpen(positions map[uuid.UUID]*position.Position, acc account.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writePositions(positions); err != nil {
		return err
	}
	return s.writeAccount(acc)
}

// WriteClose appends the closed position to the trade log, then
// rewrites the open positions map and the account snapshot. The log
// append is fsynced before the snapshots are touched so a crash
// between the writes loses at most the optimisation, never the truth.
func (s *Store) WriteClose(rec TradeRecord, positions map[uuid.UUID]*position.Position, acc account.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(errors.ErrPersistenceFault, err.Error())
	}
	if _, err := s.trades.Write(append(line, '\n')); err != nil {
		return errors.Wrap(errors.ErrPersistenceFault, err.Error())
	}
	if err := s.trades.Sync(); err != nil {
		return errors.Wrap(errors.ErrPersistenceFault, err.Error())
	}

	if err := s.writePositions(positions); err != nil {
		return err
	}
	return s.writeAccount(acc)
}

// AppendSample appends one training sample to samples.log.
func (s *Store) AppendSample(sample prediction.TrainingSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(sample)
	if err != nil {
		return errors.Wrap(errors.ErrPersistenceFault, err.Error())
	}
	if _, err := s.samples.Write(append(line, '\n')); err != nil {
		return errors.Wrap(errors.ErrPersistenceFault, err.Error())
	}
	return nil
}

// SaveSettings rewrites settings.json atomically.
func (s *Store) SaveSettings(doc settings.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSONAtomic(settingsFile, doc)
}

// LoadSettings reads settings.json. ErrNotFound when absent.
func (s *Store) LoadSettings() (settings.Settings, error) {
	var doc settings.Settings
	err := s.readJSON(settingsFile, &doc)
	return doc, err
}

// LoadAccount reads the balance snapshot. ErrNotFound when absent.
func (s *Store) LoadAccount() (account.Account, error) {
	var acc account.Account
	err := s.readJSON(accountFile, &acc)
	return acc, err
}

// LoadPositions reads the open positions map. An absent file means a
// fresh start and returns an empty map.
func (s *Store) LoadPositions() (map[uuid.UUID]*position.Position, error) {
	var list []*position.Position
	err := s.readJSON(positionsFile, &list)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return map[uuid.UUID]*position.Position{}, nil
		}
		return nil, err
	}

	out := make(map[uuid.UUID]*position.Position, len(list))
	for _, p := range list {
		out[p.ID] = p
	}
	return out, nil
}

// LoadTrades reads the whole trade log in sequence order.
func (s *Store) LoadTrades() ([]TradeRecord, error) {
	f, err := os.Open(filepath.Join(s.dataDir, tradesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(errors.ErrPersistenceFault, err.Error())
	}
	defer f.Close()

	var records []TradeRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec TradeRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// A torn tail line after a crash is tolerated; anything
			// else in the middle of the log is corruption.
			logger.Warnw("skipping unparsable trade log line", "error", err)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrPersistenceFault, err.Error())
	}
	return records, nil
}

// ReplayBalance folds the trade log over the initial balance. Each
// close restores the held margin plus realised PnL minus fees, and
// every still-open position's margin is deducted. The result must
// equal the persisted wallet balance after any crash.
func ReplayBalance(initial decimal.Decimal, trades []TradeRecord, open map[uuid.UUID]*position.Position) decimal.Decimal {
	balance := initial
	for _, rec := range trades {
		p := rec.Position
		balance = balance.Add(p.RealizedPnL).Sub(p.FeesPaid)
	}
	for _, p := range open {
		balance = balance.Sub(p.Margin)
	}
	if balance.IsNegative() {
		balance = decimal.Zero
	}
	return balance
}

// SaveModelStates writes each learner blob under models/<schema_id>/.
func (s *Store) SaveModelStates(schemaID string, states map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.dataDir, modelsDir, schemaID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(errors.ErrPersistenceFault, err.Error())
	}
	for name, blob := range states {
		path := filepath.Join(dir, name+".bin")
		if err := atomicWrite(path, blob); err != nil {
			return err
		}
	}
	return nil
}

// LoadModelStates reads every learner blob of the given schema.
// Missing directory means no persisted learners yet.
func (s *Store) LoadModelStates(schemaID string) (map[string][]byte, error) {
	dir := filepath.Join(s.dataDir, modelsDir, schemaID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string][]byte{}, nil
		}
		return nil, errors.Wrap(errors.ErrPersistenceFault, err.Error())
	}

	states := make(map[string][]byte, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".bin") {
			continue
		}
		blob, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, errors.Wrap(errors.ErrPersistenceFault, err.Error())
		}
		states[strings.TrimSuffix(e.Name(), ".bin")] = blob
	}
	return states, nil
}

// writePositions rewrites positions.json atomically as a sorted-free
// list snapshot of the open map. Caller holds the store mutex.
func (s *Store) writePositions(positions map[uuid.UUID]*position.Position) error {
	list := make([]*position.Position, 0, len(positions))
	for _, p := range positions {
		list = append(list, p)
	}
	return s.writeJSONAtomic(positionsFile, list)
}

// writeAccount rewrites account.json atomically. Caller holds the
// store mutex.
func (s *Store) writeAccount(acc account.Account) error {
	return s.writeJSONAtomic(accountFile, acc)
}

func (s *Store) writeJSONAtomic(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ErrPersistenceFault, err.Error())
	}
	return atomicWrite(filepath.Join(s.dataDir, name), data)
}

func (s *Store) readJSON(name string, v interface{}) error {
	data, err := os.ReadFile(filepath.Join(s.dataDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(errors.ErrNotFound, "%s absent", name)
		}
		return errors.Wrap(errors.ErrPersistenceFault, err.Error())
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(errors.ErrPersistenceFault, "decode %s: %v", name, err)
	}
	return nil
}

// atomicWrite writes via a temp file and rename so readers never see a
// torn snapshot.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(errors.ErrPersistenceFault, err.Error())
	}
	tmpName := tmp.Name()

	_, werr := tmp.Write(data)
	if werr == nil {
		werr = tmp.Sync()
	}
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmpName)
		return errors.Wrap(errors.ErrPersistenceFault, werr.Error())
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(errors.ErrPersistenceFault, err.Error())
	}
	return nil
}
