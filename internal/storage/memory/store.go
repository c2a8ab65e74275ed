// Package memory provides an in-memory watch.Store for development and
// tests. It mirrors the Postgres store's transactional behavior by holding
// one lock per call.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/pagewatch/internal/watch"
)

type kindData struct {
	nextTarget int64
	targets    map[int64]watch.Target
	byURL      map[string]int64
	captures   []watch.CaptureRecord
	results    []watch.AnalysisResult
	subs       map[int64]map[int64]struct{}
}

func newKindData() *kindData {
	return &kindData{
		targets: make(map[int64]watch.Target),
		byURL:   make(map[string]int64),
		subs:    make(map[int64]map[int64]struct{}),
	}
}

// Store is a mutex-guarded in-memory watch.Store.
type Store struct {
	mu       sync.RWMutex
	now      func() time.Time
	kinds    map[string]*kindData
	users    map[int64]watch.User
	byEmail  map[string]int64
	nextUser int64
}

// NewStore constructs an empty store. clock may be nil.
func NewStore(clock watch.Clock) *Store {
	now := func() time.Time { return time.Now().UTC() }
	if clock != nil {
		now = clock.Now
	}
	return &Store{
		now:     now,
		kinds:   make(map[string]*kindData),
		users:   make(map[int64]watch.User),
		byEmail: make(map[string]int64),
	}
}

// view returns the kind's data without creating it; safe under RLock.
func (s *Store) view(kind watch.Kind) *kindData {
	if d, ok := s.kinds[kind.Name]; ok {
		return d
	}
	return emptyKind
}

var emptyKind = newKindData()

func (s *Store) data(kind watch.Kind) *kindData {
	d, ok := s.kinds[kind.Name]
	if !ok {
		d = newKindData()
		s.kinds[kind.Name] = d
	}
	return d
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

// PutTarget inserts or replaces a target, assigning an ID when unset.
func (s *Store) PutTarget(kind watch.Kind, t watch.Target) watch.Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.data(kind)
	if t.ID == 0 {
		d.nextTarget++
		t.ID = d.nextTarget
	} else if t.ID > d.nextTarget {
		d.nextTarget = t.ID
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	if t.State == "" {
		t.State = watch.StateActive
	}
	t.Active = t.State == watch.StateActive
	t.Kind = kind.Name
	d.targets[t.ID] = t
	d.byURL[t.URL] = t.ID
	return t
}

// Captures returns stored captures for a target in insert order.
func (s *Store) Captures(kind watch.Kind, targetID int64) []watch.CaptureRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []watch.CaptureRecord
	for _, c := range s.view(kind).captures {
		if c.TargetID == targetID {
			out = append(out, c)
		}
	}
	return out
}

// Results returns stored results for a target in insert order.
func (s *Store) Results(kind watch.Kind, targetID int64) []watch.AnalysisResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []watch.AnalysisResult
	for _, r := range s.view(kind).results {
		if r.TargetID == targetID {
			out = append(out, r)
		}
	}
	return out
}

// DueTargets returns due targets, never-checked first, then oldest check.
func (s *Store) DueTargets(_ context.Context, kind watch.Kind, now time.Time, limit int) ([]watch.Target, error) {
	if limit <= 0 {
		limit = watch.DefaultBatchSize
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []watch.Target
	for _, t := range s.view(kind).targets {
		if t.Due(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i].LastChecked, due[j].LastChecked
		switch {
		case a == nil && b == nil:
			return due[i].ID < due[j].ID
		case a == nil:
			return true
		case b == nil:
			return false
		case !a.Equal(*b):
			return a.Before(*b)
		default:
			return due[i].ID < due[j].ID
		}
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// GetTarget loads one target.
func (s *Store) GetTarget(_ context.Context, kind watch.Kind, targetID int64) (watch.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.view(kind).targets[targetID]
	if !ok {
		return watch.Target{}, fmt.Errorf("get %s target %d: %w", kind.Name, targetID, watch.ErrNotFound)
	}
	return t, nil
}

// RecordSuccess stores the capture and result and clears the failure count.
func (s *Store) RecordSuccess(_ context.Context, kind watch.Kind, targetID int64, res watch.Success) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.data(kind)
	t, ok := d.targets[targetID]
	if !ok {
		return fmt.Errorf("reset %s target %d: %w", kind.Name, targetID, watch.ErrNotFound)
	}

	c := res.Capture
	c.TargetID = targetID
	c.Analyzed = true
	r := res.Result
	r.TargetID = targetID
	r.CaptureID = c.ID
	r.NotificationSent = false
	d.captures = append(d.captures, c)
	d.results = append(d.results, r)

	checked := res.CheckedAt
	t.FailedAttempts = 0
	t.LastChecked = &checked
	d.targets[targetID] = t
	return nil
}

// RecordFailure stores the optional capture, counts the failure and moves
// the target to the error state at the threshold.
func (s *Store) RecordFailure(_ context.Context, kind watch.Kind, targetID int64, f watch.Failure) (watch.Target, error) {
	threshold := f.Threshold
	if threshold <= 0 {
		threshold = watch.DefaultFailureThreshold
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.data(kind)
	t, ok := d.targets[targetID]
	if !ok {
		return watch.Target{}, fmt.Errorf("count failure for %s target %d: %w", kind.Name, targetID, watch.ErrNotFound)
	}
	if f.Capture != nil {
		c := *f.Capture
		c.TargetID = targetID
		c.Analyzed = false
		d.captures = append(d.captures, c)
	}
	checked := f.CheckedAt
	t.FailedAttempts++
	t.LastChecked = &checked
	if t.FailedAttempts >= threshold {
		t.State = watch.StateError
		t.Active = false
	}
	d.targets[targetID] = t
	return t, nil
}

// PendingResults returns qualifying unsent results, oldest first.
func (s *Store) PendingResults(_ context.Context, kind watch.Kind) ([]watch.PendingResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := s.view(kind)
	var out []watch.PendingResult
	for _, r := range d.results {
		if r.NotificationSent || !kind.Qualifies(r.Analysis) {
			continue
		}
		t, ok := d.targets[r.TargetID]
		if !ok {
			continue
		}
		out = append(out, watch.PendingResult{Result: r, Target: t})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Result.CreatedAt.Before(out[j].Result.CreatedAt)
	})
	return out, nil
}

// Subscribers lists the users subscribed to a target, by user ID.
func (s *Store) Subscribers(_ context.Context, kind watch.Kind, targetID int64) ([]watch.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0)
	for uid := range s.view(kind).subs[targetID] {
		ids = append(ids, uid)
	}
	slices.Sort(ids)
	var out []watch.Subscriber
	for _, uid := range ids {
		u, ok := s.users[uid]
		if !ok {
			continue
		}
		out = append(out, watch.Subscriber{UserID: u.ID, Email: u.Email, DisplayName: u.DisplayName})
	}
	return out, nil
}

// MarkNotified flips notification_sent and optionally pauses the target.
func (s *Store) MarkNotified(_ context.Context, kind watch.Kind, resultID string, targetID int64, deactivate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.data(kind)
	idx := slices.IndexFunc(d.results, func(r watch.AnalysisResult) bool {
		return r.ID == resultID && r.TargetID == targetID && !r.NotificationSent
	})
	if idx < 0 {
		return fmt.Errorf("mark %s result %s: %w", kind.Name, resultID, watch.ErrNotFound)
	}
	d.results[idx].NotificationSent = true
	if deactivate {
		if t, ok := d.targets[targetID]; ok {
			t.State = watch.StatePaused
			t.Active = false
			d.targets[targetID] = t
		}
	}
	return nil
}

// ExpireStale pauses active targets created before cutoff that have been
// checked at least once.
func (s *Store) ExpireStale(_ context.Context, kind watch.Kind, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.data(kind)
	var n int64
	for id, t := range d.targets {
		if t.Active && t.CreatedAt.Before(cutoff) && t.LastChecked != nil {
			t.State = watch.StatePaused
			t.Active = false
			d.targets[id] = t
			n++
		}
	}
	return n, nil
}

// UpsertUser inserts a user by email or refreshes its display name.
func (s *Store) UpsertUser(_ context.Context, email, displayName string) (watch.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return watch.User{}, fmt.Errorf("email is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byEmail[email]; ok {
		u := s.users[id]
		u.DisplayName = displayName
		s.users[id] = u
		return u, nil
	}
	s.nextUser++
	u := watch.User{ID: s.nextUser, Email: email, DisplayName: displayName}
	s.users[u.ID] = u
	s.byEmail[email] = u.ID
	return u, nil
}

// Subscribe creates or re-arms the target for url and links userID to it.
func (s *Store) Subscribe(_ context.Context, kind watch.Kind, userID int64, url string, intervalHours int) (watch.Target, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return watch.Target{}, fmt.Errorf("url is required")
	}
	if err := watch.ValidateInterval(intervalHours); err != nil {
		return watch.Target{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return watch.Target{}, fmt.Errorf("subscribe user %d: %w", userID, watch.ErrNotFound)
	}
	d := s.data(kind)

	var t watch.Target
	if id, ok := d.byURL[url]; ok {
		t = d.targets[id]
	} else {
		d.nextTarget++
		t = watch.Target{ID: d.nextTarget, Kind: kind.Name, URL: url, CreatedAt: s.now()}
		d.byURL[url] = t.ID
	}
	t.CheckInterval = intervalHours
	t.LastChecked = nil
	t.FailedAttempts = 0
	t.State = watch.StateActive
	t.Active = true
	d.targets[t.ID] = t

	if d.subs[t.ID] == nil {
		d.subs[t.ID] = make(map[int64]struct{})
	}
	d.subs[t.ID][userID] = struct{}{}
	return t, nil
}

// Unsubscribe removes the link and pauses the target once no subscriptions
// remain.
func (s *Store) Unsubscribe(_ context.Context, kind watch.Kind, userID, targetID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.data(kind)
	if _, ok := d.subs[targetID][userID]; !ok {
		return fmt.Errorf("unlink user %d from %s target %d: %w", userID, kind.Name, targetID, watch.ErrNotFound)
	}
	delete(d.subs[targetID], userID)
	if len(d.subs[targetID]) == 0 {
		delete(d.subs, targetID)
		if t, ok := d.targets[targetID]; ok {
			t.State = watch.StatePaused
			t.Active = false
			d.targets[targetID] = t
		}
	}
	return nil
}
