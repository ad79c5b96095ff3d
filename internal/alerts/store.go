package alerts

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"market-alerts/pkg/models"
)

var (
	ErrRuleNotFound = errors.New("rule not found")
	ErrInvalidRule  = errors.New("invalid rule")
	// ErrStaleRule means the rule changed since the caller read it.
	ErrStaleRule = errors.New("rule changed since it was read")
)

// RuleUpdate carries the fields to change; nil fields are left untouched.
type RuleUpdate struct {
	Symbol     *string
	Condition  *models.Condition
	Threshold  *float64
	Channels   []models.Channel
	Recipients map[models.Channel][]string
	Note       *string
	Enabled    *bool
}

type RuleFilter struct {
	Symbol      string
	EnabledOnly bool
}

// Store is the in-memory rule registry with a symbol index for the evaluation path.
type Store struct {
	rules       map[string]*models.AlertRule
	symbolIndex map[string][]string
	mu          sync.RWMutex
}

func NewStore() *Store {
	return &Store{
		rules:       make(map[string]*models.AlertRule),
		symbolIndex: make(map[string][]string),
	}
}

// Add validates the rule, assigns a fresh identifier and stores it armed.
func (s *Store) Add(rule *models.AlertRule) (string, error) {
	stored := rule.Clone()
	if len(stored.Channels) == 0 {
		stored.Channels = []models.Channel{models.ChannelLog}
	}
	if err := ValidateRule(stored); err != nil {
		return "", err
	}

	stored.ID = uuid.New().String()
	stored.Armed = true
	stored.Revision = 1
	stored.LastTriggeredAt = nil
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.rules[stored.ID] = stored
	s.addToSymbolIndex(stored.Symbol, stored.ID)

	return stored.ID, nil
}

func (s *Store) Get(id string) (*models.AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, ErrRuleNotFound
	}
	return rule.Clone(), nil
}

// Update applies the changes atomically. Changing what the rule watches re-arms it.
func (s *Store) Update(id string, update RuleUpdate) (*models.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, ErrRuleNotFound
	}

	next := rule.Clone()
	rearm := false

	if update.Symbol != nil {
		rearm = rearm || *update.Symbol != next.Symbol
		next.Symbol = *update.Symbol
	}
	if update.Condition != nil {
		rearm = rearm || *update.Condition != next.Condition
		next.Condition = *update.Condition
	}
	if update.Threshold != nil {
		rearm = rearm || *update.Threshold != next.Threshold
		next.Threshold = *update.Threshold
	}
	if update.Channels != nil {
		next.Channels = append([]models.Channel(nil), update.Channels...)
	}
	if update.Recipients != nil {
		next.Recipients = make(map[models.Channel][]string, len(update.Recipients))
		for ch, to := range update.Recipients {
			next.Recipients[ch] = append([]string(nil), to...)
		}
	}
	if update.Note != nil {
		next.Note = *update.Note
	}
	if update.Enabled != nil {
		next.Enabled = *update.Enabled
	}

	if err := ValidateRule(next); err != nil {
		return nil, err
	}
	if rearm {
		next.Armed = true
	}
	next.Revision = rule.Revision + 1

	if rule.Symbol != next.Symbol {
		s.removeFromSymbolIndex(rule.Symbol, id)
		s.addToSymbolIndex(next.Symbol, id)
	}
	s.rules[id] = next

	return next.Clone(), nil
}

func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[id]
	if !exists {
		return ErrRuleNotFound
	}

	s.removeFromSymbolIndex(rule.Symbol, id)
	delete(s.rules, id)

	return nil
}

// List returns copies of the matching rules ordered by creation time.
func (s *Store) List(filter RuleFilter) []*models.AlertRule {
	s.mu.RLock()
	rules := make([]*models.AlertRule, 0, len(s.rules))
	for _, rule := range s.rules {
		if filter.Symbol != "" && rule.Symbol != filter.Symbol {
			continue
		}
		if filter.EnabledOnly && !rule.Enabled {
			continue
		}
		rules = append(rules, rule.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(rules, func(i, j int) bool {
		if rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].ID < rules[j].ID
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
	return rules
}

func (s *Store) EnabledBySymbol(symbol string) []*models.AlertRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ruleIDs, exists := s.symbolIndex[symbol]
	if !exists {
		return []*models.AlertRule{}
	}

	rules := make([]*models.AlertRule, 0, len(ruleIDs))
	for _, id := range ruleIDs {
		if rule, exists := s.rules[id]; exists && rule.Enabled {
			rules = append(rules, rule.Clone())
		}
	}
	return rules
}

// Transition records the engine's state change for a rule. It applies only when the stored
// rule is still at revision and not already in the target state; otherwise it returns
// ErrStaleRule and changes nothing. Disarming stamps LastTriggeredAt.
func (s *Store) Transition(id string, revision uint64, armed bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[id]
	if !exists {
		return ErrRuleNotFound
	}
	if rule.Revision != revision || rule.Armed == armed {
		return ErrStaleRule
	}

	rule.Armed = armed
	if !armed {
		t := at
		rule.LastTriggeredAt = &t
	}
	return nil
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}

func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	symbols := make([]string, 0, len(s.symbolIndex))
	for symbol := range s.symbolIndex {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// ValidateRule rejects parameters the engine could never evaluate.
func ValidateRule(rule *models.AlertRule) error {
	if rule.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidRule)
	}
	switch rule.Condition {
	case models.ConditionAbove, models.ConditionBelow,
		models.ConditionChangeUp, models.ConditionChangeDown:
	default:
		return fmt.Errorf("%w: unsupported condition %q", ErrInvalidRule, rule.Condition)
	}
	if math.IsNaN(rule.Threshold) || math.IsInf(rule.Threshold, 0) || rule.Threshold <= 0 {
		return fmt.Errorf("%w: threshold must be a positive number", ErrInvalidRule)
	}
	for _, ch := range rule.Channels {
		if _, err := models.ParseChannel(string(ch)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
	}
	return nil
}

func (s *Store) addToSymbolIndex(symbol, ruleID string) {
	for _, id := range s.symbolIndex[symbol] {
		if id == ruleID {
			return
		}
	}
	s.symbolIndex[symbol] = append(s.symbolIndex[symbol], ruleID)
}

func (s *Store) removeFromSymbolIndex(symbol, ruleID string) {
	ruleIDs, exists := s.symbolIndex[symbol]
	if !exists {
		return
	}

	for i, id := range ruleIDs {
		if id == ruleID {
			s.symbolIndex[symbol] = append(ruleIDs[:i], ruleIDs[i+1:]...)
			break
		}
	}

	if len(s.symbolIndex[symbol]) == 0 {
		delete(s.symbolIndex, symbol)
	}
}
