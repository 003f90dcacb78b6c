package testutils

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/migadu/bouncer/bounce"
	"github.com/migadu/bouncer/consts"
	"github.com/migadu/bouncer/rules"
)

// HistoryRecord is one subscriber history entry written to a MemStore.
type HistoryRecord struct {
	SubscriberID int64
	Title        string
	Detail       string
}

// RuleMatch is one audit row written to a MemStore.
type RuleMatch struct {
	RuleID   int64
	BounceID int64
}

type memState struct {
	nextID          int64
	bounces         map[int64]bounce.Bounce
	umbs            []bounce.UserMessageBounce
	subscribers     map[int64]bounce.Subscriber
	campaignBounces map[int64]int
	history         []HistoryRecord
	rules           map[int64]rules.Rule
	ruleMatches     []RuleMatch
	blacklist       map[string]string
}

func (s *memState) clone() *memState {
	c := &memState{
		nextID:          s.nextID,
		bounces:         make(map[int64]bounce.Bounce, len(s.bounces)),
		umbs:            append([]bounce.UserMessageBounce(nil), s.umbs...),
		subscribers:     make(map[int64]bounce.Subscriber, len(s.subscribers)),
		campaignBounces: make(map[int64]int, len(s.campaignBounces)),
		history:         append([]HistoryRecord(nil), s.history...),
		rules:           make(map[int64]rules.Rule, len(s.rules)),
		ruleMatches:     append([]RuleMatch(nil), s.ruleMatches...),
		blacklist:       make(map[string]string, len(s.blacklist)),
	}
	for k, v := range s.bounces {
		c.bounces[k] = v
	}
	for k, v := range s.subscribers {
		c.subscribers[k] = v
	}
	for k, v := range s.campaignBounces {
		c.campaignBounces[k] = v
	}
	for k, v := range s.rules {
		c.rules[k] = v
	}
	for k, v := range s.blacklist {
		c.blacklist[k] = v
	}
	return c
}

// MemStore keeps bounces, subscribers, campaigns and rules in memory.
// InTx restores the previous state when fn fails. Transactions are not
// isolated from each other.
type MemStore struct {
	mu       sync.Mutex
	state    *memState
	failures map[string]error

	Transactions int // committed InTx calls
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		state: &memState{
			bounces:         make(map[int64]bounce.Bounce),
			subscribers:     make(map[int64]bounce.Subscriber),
			campaignBounces: make(map[int64]int),
			rules:           make(map[int64]rules.Rule),
			blacklist:       make(map[string]string),
		},
		failures: make(map[string]error),
	}
}

// Fail makes the named method return err until cleared with a nil err.
func (s *MemStore) Fail(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

func (s *MemStore) check(method string) error {
	return s.failures[method]
}

func (s *MemStore) id() int64 {
	s.state.nextID++
	return s.state.nextID
}

func (s *MemStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	if err := s.check("InTx"); err != nil {
		s.mu.Unlock()
		return err
	}
	snapshot := s.state.clone()
	s.mu.Unlock()

	if err := fn(ctx); err != nil {
		s.mu.Lock()
		s.state = snapshot
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.Transactions++
	s.mu.Unlock()
	return nil
}

// Fixtures

// AddSubscriber inserts a subscriber and returns its id.
func (s *MemStore) AddSubscriber(email string, confirmed bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	s.state.subscribers[id] = bounce.Subscriber{ID: id, Email: strings.ToLower(email), Confirmed: confirmed}
	return id
}

// SetSubscriber replaces a subscriber row.
func (s *MemStore) SetSubscriber(sub bounce.Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.subscribers[sub.ID] = sub
}

// AddRule inserts an active rule and returns its id.
func (s *MemStore) AddRule(pattern, action string, listOrder int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	s.state.rules[id] = rules.Rule{
		ID:          id,
		Pattern:     pattern,
		PatternHash: rules.PatternHash(pattern),
		Action:      action,
		ListOrder:   listOrder,
		Active:      true,
	}
	return id
}

// Inspection

func (s *MemStore) Subscriber(id int64) (bounce.Subscriber, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.state.subscribers[id]
	return sub, ok
}

func (s *MemStore) Bounce(id int64) (bounce.Bounce, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.state.bounces[id]
	return b, ok
}

func (s *MemStore) Bounces() []bounce.Bounce {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bounce.Bounce, 0, len(s.state.bounces))
	for _, b := range s.state.bounces {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemStore) UserMessageBounces() []bounce.UserMessageBounce {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bounce.UserMessageBounce(nil), s.state.umbs...)
}

func (s *MemStore) CampaignBounceCount(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.campaignBounces[id]
}

func (s *MemStore) History() []HistoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HistoryRecord(nil), s.state.history...)
}

func (s *MemStore) Rule(id int64) (rules.Rule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.state.rules[id]
	return r, ok
}

func (s *MemStore) RuleMatches() []RuleMatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RuleMatch(nil), s.state.ruleMatches...)
}

func (s *MemStore) BlacklistedEmails() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.state.blacklist))
	for k, v := range s.state.blacklist {
		out[k] = v
	}
	return out
}

// Bounces

func (s *MemStore) CreateBounce(ctx context.Context, b *bounce.Bounce) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("CreateBounce"); err != nil {
		return 0, err
	}
	for _, text := range []string{b.Header, b.Data, b.Status, b.Comment} {
		if !utf8.ValidString(text) || strings.IndexByte(text, 0) >= 0 {
			return 0, fmt.Errorf("%w: text column holds invalid UTF-8 or NUL", consts.ErrDBInsertFailed)
		}
	}
	b.ID = s.id()
	s.state.bounces[b.ID] = *b
	return b.ID, nil
}

func (s *MemStore) GetBounce(ctx context.Context, id int64) (*bounce.Bounce, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("GetBounce"); err != nil {
		return nil, err
	}
	b, ok := s.state.bounces[id]
	if !ok {
		return nil, fmt.Errorf("bounce %d: %w", id, consts.ErrDBNotFound)
	}
	return &b, nil
}

func (s *MemStore) UpdateBounceStatus(ctx context.Context, id int64, status, comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("UpdateBounceStatus"); err != nil {
		return err
	}
	b, ok := s.state.bounces[id]
	if !ok {
		return fmt.Errorf("bounce %d: %w", id, consts.ErrDBNotFound)
	}
	b.Status, b.Comment = status, comment
	s.state.bounces[id] = b
	return nil
}

func (s *MemStore) DeleteBounce(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("DeleteBounce"); err != nil {
		return err
	}
	delete(s.state.bounces, id)
	kept := s.state.umbs[:0]
	for _, umb := range s.state.umbs {
		if umb.BounceID != id {
			kept = append(kept, umb)
		}
	}
	s.state.umbs = kept
	return nil
}

func (s *MemStore) ListBouncesByStatus(ctx context.Context, status string, afterID int64, limit int) ([]bounce.Bounce, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("ListBouncesByStatus"); err != nil {
		return nil, err
	}
	var out []bounce.Bounce
	for _, b := range s.state.bounces {
		if b.Status == status && b.ID > afterID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) UserMessageBounceExists(ctx context.Context, subscriberID, campaignID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("UserMessageBounceExists"); err != nil {
		return false, err
	}
	for _, umb := range s.state.umbs {
		if umb.SubscriberID == subscriberID && umb.CampaignID == campaignID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) CreateUserMessageBounce(ctx context.Context, umb *bounce.UserMessageBounce) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("CreateUserMessageBounce"); err != nil {
		return 0, err
	}
	umb.ID = s.id()
	s.state.umbs = append(s.state.umbs, *umb)
	return umb.ID, nil
}

func (s *MemStore) ListUserMessageBounces(ctx context.Context, afterID int64, limit int) ([]bounce.UserMessageBounce, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("ListUserMessageBounces"); err != nil {
		return nil, err
	}
	var out []bounce.UserMessageBounce
	for _, umb := range s.state.umbs {
		if umb.ID > afterID {
			out = append(out, umb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Subscribers

func (s *MemStore) FindSubscriberByID(ctx context.Context, id int64) (*bounce.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("FindSubscriberByID"); err != nil {
		return nil, err
	}
	sub, ok := s.state.subscribers[id]
	if !ok {
		return nil, fmt.Errorf("subscriber %d: %w", id, consts.ErrDBNotFound)
	}
	return &sub, nil
}

func (s *MemStore) FindSubscriberByEmail(ctx context.Context, email string) (*bounce.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("FindSubscriberByEmail"); err != nil {
		return nil, err
	}
	for _, sub := range s.state.subscribers {
		if strings.EqualFold(sub.Email, email) {
			return &sub, nil
		}
	}
	return nil, fmt.Errorf("subscriber %s: %w", email, consts.ErrDBNotFound)
}

func (s *MemStore) updateSubscriber(method string, id int64, fn func(*bounce.Subscriber)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(method); err != nil {
		return err
	}
	sub, ok := s.state.subscribers[id]
	if !ok {
		return fmt.Errorf("subscriber %d: %w", id, consts.ErrDBNotFound)
	}
	fn(&sub)
	s.state.subscribers[id] = sub
	return nil
}

func (s *MemStore) MarkSubscriberUnconfirmed(ctx context.Context, id int64) error {
	return s.updateSubscriber("MarkSubscriberUnconfirmed", id, func(sub *bounce.Subscriber) { sub.Confirmed = false })
}

func (s *MemStore) MarkSubscriberConfirmed(ctx context.Context, id int64) error {
	return s.updateSubscriber("MarkSubscriberConfirmed", id, func(sub *bounce.Subscriber) { sub.Confirmed = true })
}

func (s *MemStore) BlacklistSubscriber(ctx context.Context, id int64, reason string) error {
	return s.updateSubscriber("BlacklistSubscriber", id, func(sub *bounce.Subscriber) { sub.Blacklisted = true })
}

func (s *MemStore) IncrementSubscriberBounceCount(ctx context.Context, id int64) error {
	return s.updateSubscriber("IncrementSubscriberBounceCount", id, func(sub *bounce.Subscriber) { sub.BounceCount++ })
}

func (s *MemStore) DecrementSubscriberBounceCount(ctx context.Context, id int64) error {
	return s.updateSubscriber("DecrementSubscriberBounceCount", id, func(sub *bounce.Subscriber) {
		if sub.BounceCount > 0 {
			sub.BounceCount--
		}
	})
}

func (s *MemStore) DeleteSubscriber(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("DeleteSubscriber"); err != nil {
		return err
	}
	delete(s.state.subscribers, id)
	kept := s.state.history[:0]
	for _, h := range s.state.history {
		if h.SubscriberID != id {
			kept = append(kept, h)
		}
	}
	s.state.history = kept
	return nil
}

func (s *MemStore) ListSubscribersByBounceCount(ctx context.Context, minCount int, afterID int64, limit int) ([]bounce.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("ListSubscribersByBounceCount"); err != nil {
		return nil, err
	}
	var out []bounce.Subscriber
	for _, sub := range s.state.subscribers {
		if sub.BounceCount >= minCount && sub.ID > afterID {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) BlacklistEmail(ctx context.Context, email, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("BlacklistEmail"); err != nil {
		return err
	}
	email = strings.ToLower(email)
	if _, ok := s.state.blacklist[email]; !ok {
		s.state.blacklist[email] = reason
	}
	return nil
}

func (s *MemStore) AddSubscriberHistory(ctx context.Context, subscriberID int64, title, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("AddSubscriberHistory"); err != nil {
		return err
	}
	s.state.history = append(s.state.history, HistoryRecord{SubscriberID: subscriberID, Title: title, Detail: detail})
	return nil
}

// Campaigns

func (s *MemStore) IncrementCampaignBounceCount(ctx context.Context, campaignID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("IncrementCampaignBounceCount"); err != nil {
		return err
	}
	s.state.campaignBounces[campaignID]++
	return nil
}

// Rules

func (s *MemStore) ListActiveRules(ctx context.Context) ([]rules.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("ListActiveRules"); err != nil {
		return nil, err
	}
	var out []rules.Rule
	for _, r := range s.state.rules {
		if r.Active {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ListOrder != out[j].ListOrder {
			return out[i].ListOrder < out[j].ListOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemStore) IncrementRuleCount(ctx context.Context, ruleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("IncrementRuleCount"); err != nil {
		return err
	}
	if r, ok := s.state.rules[ruleID]; ok {
		r.HitCount++
		s.state.rules[ruleID] = r
	}
	return nil
}

func (s *MemStore) RecordRuleMatch(ctx context.Context, ruleID, bounceID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("RecordRuleMatch"); err != nil {
		return err
	}
	s.state.ruleMatches = append(s.state.ruleMatches, RuleMatch{RuleID: ruleID, BounceID: bounceID})
	return nil
}
