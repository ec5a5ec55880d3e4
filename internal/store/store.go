// Package store persists the engine's durable state to JSON files: the
// simulated wallet, open positions, and an append-only trade log. Every
// snapshot write goes through a temp-file-then-rename sequence so a crash
// mid-write never leaves a half-written document on disk.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cryptoengine/pkg/types"
)

const (
	walletFile    = "wallet.json"
	positionsFile = "positions.json"
	tradeLogFile  = "trades.log"
)

// Store is the JSON-file-backed persistence layer. Safe for concurrent use.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open prepares a Store rooted at dir, creating it if necessary.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// writeAtomic writes data to name by first writing to name+".tmp" and then
// renaming over the target, so a reader never observes a partial write.
func (s *Store) writeAtomic(name string, data []byte) error {
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// SaveWallet atomically persists the simulated-mode wallet document.
func (s *Store) SaveWallet(wallet types.WalletSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(wallet, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal wallet: %w", err)
	}
	return s.writeAtomic(walletFile, data)
}

// LoadWallet reads the persisted wallet document, returning nil with no
// error if it has never been written.
func (s *Store) LoadWallet() (*types.WalletSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, walletFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read wallet: %w", err)
	}

	var wallet types.WalletSnapshot
	if err := json.Unmarshal(data, &wallet); err != nil {
		return nil, fmt.Errorf("unmarshal wallet: %w", err)
	}
	return &wallet, nil
}

// SavePositions atomically persists the full open-positions document.
func (s *Store) SavePositions(positions types.PositionsSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(positions, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal positions: %w", err)
	}
	return s.writeAtomic(positionsFile, data)
}

// LoadPositions reads the persisted positions document, returning an empty
// (non-nil) snapshot if it has never been written.
func (s *Store) LoadPositions() (types.PositionsSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, positionsFile))
	if os.IsNotExist(err) {
		return types.PositionsSnapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read positions: %w", err)
	}

	positions := types.PositionsSnapshot{}
	if err := json.Unmarshal(data, &positions); err != nil {
		return nil, fmt.Errorf("unmarshal positions: %w", err)
	}
	return positions, nil
}

// tradeLogEntry is one line of the append-only trade log.
type tradeLogEntry struct {
	types.Fill
	LoggedAt time.Time `json:"logged_at"`
}

// AppendTrade appends one fill to the trade log as a single JSON line. The
// log is append-only — it is never rewritten, so atomic rename doesn't
// apply here; a torn final line on crash is tolerated and skipped on replay.
func (s *Store) AppendTrade(fill types.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(s.dir, tradeLogFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open trade log: %w", err)
	}
	defer f.Close()

	entry := tradeLogEntry{Fill: fill, LoggedAt: time.Now()}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal trade log entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append trade log: %w", err)
	}
	return nil
}

// LoadTradeLog replays every well-formed line of the trade log, skipping
// any trailing line that fails to parse (a partial write from a crash).
func (s *Store) LoadTradeLog() ([]types.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.dir, tradeLogFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open trade log: %w", err)
	}
	defer f.Close()

	var fills []types.Fill
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry tradeLogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		fills = append(fills, entry.Fill)
	}
	return fills, scanner.Err()
}
