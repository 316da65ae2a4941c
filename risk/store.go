package risk

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxsignals/copier/logging"
)

// fileConfig is the persisted shape: a global default plus per-account
// overrides keyed by account ID.
type fileConfig struct {
	GlobalDefault Profile            `json:"global_default"`
	Accounts      map[string]Profile `json:"accounts"`
}

// Store owns the persisted risk configuration. Every mutating call writes the
// file back; reads are served from memory.
type Store struct {
	path string
	log  *logging.Logger

	mu  sync.Mutex
	cfg fileConfig
}

// OpenStore loads the configuration, migrating the legacy flat format (a bare
// profile with no global_default/accounts wrapper) in place. A missing or
// corrupt file self-heals to the balanced defaults.
func OpenStore(path string, log *logging.Logger) (*Store, error) {
	s := &Store{
		path: path,
		log:  log,
		cfg: fileConfig{
			GlobalDefault: DefaultProfile(),
			Accounts:      map[string]Profile{},
		},
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
		log.Infof("risk: created default configuration at %s", path)
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("risk: read config: %w", err)
	}

	var probe map[string]json.RawMessage
	_ = json.Unmarshal(data, &probe)
	_, hasGlobal := probe["global_default"]
	_, hasAccounts := probe["accounts"]

	var cfg fileConfig
	if jsonErr := json.Unmarshal(data, &cfg); jsonErr != nil || (!hasGlobal && !hasAccounts) {
		// Either corrupt or the legacy flat format: a bare profile object.
		var legacy Profile
		if err := json.Unmarshal(data, &legacy); err == nil && legacy.Validate() == nil {
			log.Infof("risk: migrating legacy flat config at %s", path)
			s.cfg = fileConfig{GlobalDefault: legacy, Accounts: map[string]Profile{}}
			if err := s.saveLocked(); err != nil {
				return nil, err
			}
			return s, nil
		}
		log.Warnf("risk: config at %s unreadable, restoring defaults", path)
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
		return s, nil
	}

	if cfg.Accounts == nil {
		cfg.Accounts = map[string]Profile{}
	}
	if err := cfg.GlobalDefault.Validate(); err != nil {
		log.Warnf("risk: invalid global default (%v), restoring balanced preset", err)
		cfg.GlobalDefault = DefaultProfile()
	}
	for id, p := range cfg.Accounts {
		if err := p.Validate(); err != nil {
			log.Warnf("risk: invalid profile for account %s (%v), using global default", id, err)
			delete(cfg.Accounts, id)
		}
	}

	s.cfg = cfg
	return s, nil
}

// ProfileFor returns the effective profile for an account: its override when
// present, the global default otherwise.
func (s *Store) ProfileFor(accountID string) Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.cfg.Accounts[accountID]; ok {
		return clone(p)
	}
	return clone(s.cfg.GlobalDefault)
}

// ApplyPreset replaces the profile for accountID (or the global default when
// accountID is empty) with a named preset and persists.
func (s *Store) ApplyPreset(name, accountID string) error {
	pre, ok := Presets[name]
	if !ok {
		return fmt.Errorf("risk: unknown preset %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if accountID == "" {
		s.cfg.GlobalDefault = clone(pre)
	} else {
		s.cfg.Accounts[accountID] = clone(pre)
	}
	return s.saveLocked()
}

// UpdateFraction sets one risk fraction and persists.
func (s *Store) UpdateFraction(accountID string, class ClassKey, reduced bool, value float64) error {
	if value <= 0 || value > 0.10 {
		return fmt.Errorf("risk: fraction %v outside (0, 0.10]", value)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.effectiveLocked(accountID)
	var f *Fractions
	switch class {
	case "CFD":
		f = &p.CFD
	case "XAUUSD":
		f = &p.Gold
	default:
		f = &p.Forex
	}
	if reduced {
		f.Reduced = value
	} else {
		f.Default = value
	}
	s.setLocked(accountID, p)
	return s.saveLocked()
}

// UpdateDrawdownPct sets the daily drawdown percentage and persists.
func (s *Store) UpdateDrawdownPct(accountID string, pct float64) error {
	if pct <= 0 || pct > 100 {
		return fmt.Errorf("risk: drawdown percentage %v out of range", pct)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.effectiveLocked(accountID)
	p.DrawdownPct = pct
	s.setLocked(accountID, p)
	return s.saveLocked()
}

// UpdateTPSelection sets the take-profit selection policy and persists.
func (s *Store) UpdateTPSelection(accountID string, sel TPSelection) error {
	switch sel.Mode {
	case "all", "first", "last":
	case "custom":
		if len(sel.Custom) == 0 {
			return fmt.Errorf("risk: custom tp selection needs at least one level")
		}
	default:
		return fmt.Errorf("risk: unknown tp selection mode %q", sel.Mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.effectiveLocked(accountID)
	p.TPSelection = sel
	s.setLocked(accountID, p)
	return s.saveLocked()
}

func (s *Store) effectiveLocked(accountID string) Profile {
	if accountID != "" {
		if p, ok := s.cfg.Accounts[accountID]; ok {
			return clone(p)
		}
		return clone(s.cfg.GlobalDefault)
	}
	return clone(s.cfg.GlobalDefault)
}

func (s *Store) setLocked(accountID string, p Profile) {
	if accountID == "" {
		s.cfg.GlobalDefault = p
	} else {
		s.cfg.Accounts[accountID] = p
	}
}

func (s *Store) saveLocked() error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("risk: create config dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(s.cfg, "", "    ")
	if err != nil {
		return fmt.Errorf("risk: encode config: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("risk: write config: %w", err)
	}
	return nil
}
