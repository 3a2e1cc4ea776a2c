package campaign_test

import (
	"context"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/pkg/distlock"
	"github.com/ignite/relay/internal/queue"
	"github.com/ignite/relay/internal/service/campaign"
)

// ---------------------------------------------------------------------------
// In-memory campaign repository
// ---------------------------------------------------------------------------

type memRepo struct {
	mu             sync.Mutex
	campaigns      map[int64]*domain.Campaign
	deliveryWrites int
	now            func() time.Time
}

func newMemRepo(cs ...*domain.Campaign) *memRepo {
	r := &memRepo{campaigns: map[int64]*domain.Campaign{}, now: time.Now}
	for _, c := range cs {
		r.campaigns[c.ID] = c
	}
	return r
}

func (r *memRepo) Get(_ context.Context, id int64) (*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memRepo) UpdateState(_ context.Context, id int64, state domain.CampaignState, from ...domain.CampaignState) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return false, campaign.ErrNotFound
	}
	if len(from) > 0 && !slices.Contains(from, c.State) {
		return false, nil
	}
	c.State = state
	c.UpdatedAt = r.now()
	return true, nil
}

func (r *memRepo) UpdateDelivery(_ context.Context, id int64, expected, state domain.CampaignState, d domain.Delivery) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return false, campaign.ErrNotFound
	}
	if c.State != expected {
		return false, nil
	}
	r.deliveryWrites++
	c.State = state
	c.Delivery = d
	c.UpdatedAt = r.now()
	return true, nil
}

func (r *memRepo) MarkListGenerated(_ context.Context, id int64, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return false, campaign.ErrNotFound
	}
	if c.State != domain.CampaignLoading {
		return false, nil
	}
	c.State = domain.CampaignScheduled
	c.ListGeneratedAt = &at
	c.UpdatedAt = r.now()
	return true, nil
}

func (r *memRepo) SetSchedule(_ context.Context, id int64, state domain.CampaignState, sendAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns[id].State = state
	r.campaigns[id].SendAt = &sendAt
	return nil
}

func (r *memRepo) SetListGenerated(_ context.Context, id int64, at *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns[id].ListGeneratedAt = at
	return nil
}

func (r *memRepo) ListDue(_ context.Context, before time.Time) ([]*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Campaign
	for _, c := range r.campaigns {
		if c.State == domain.CampaignAborting {
			cp := *c
			out = append(out, &cp)
			continue
		}
		if c.IsTrigger() || c.SendAt == nil || c.SendAt.After(before) {
			continue
		}
		switch c.State {
		case domain.CampaignPending, domain.CampaignScheduled, domain.CampaignLoading, domain.CampaignRunning:
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) ListActive(_ context.Context) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for id, c := range r.campaigns {
		switch c.State {
		case domain.CampaignScheduled, domain.CampaignLoading, domain.CampaignRunning:
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *memRepo) campaign(id int64) domain.Campaign {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.campaigns[id]
}

// ---------------------------------------------------------------------------
// In-memory ledger with users, lists and the recipient predicate
// ---------------------------------------------------------------------------

type memLedger struct {
	mu           sync.Mutex
	users        map[int64]*domain.User
	lists        map[int64][]int64
	unsubscribed map[int64]bool
	sends        map[domain.SendKey]*domain.CampaignSend
	chunkSizes   []int

	// Hooks run without the ledger lock held.
	afterChunk      func(n int)
	beforeUpsert    func()
	beforeAggregate func()
	pageErr         error
}

func newMemLedger() *memLedger {
	return &memLedger{
		users:        map[int64]*domain.User{},
		lists:        map[int64][]int64{},
		unsubscribed: map[int64]bool{},
		sends:        map[domain.SendKey]*domain.CampaignSend{},
	}
}

func (l *memLedger) addUser(u *domain.User, lists ...int64) {
	l.users[u.ID] = u
	for _, list := range lists {
		l.lists[list] = append(l.lists[list], u.ID)
	}
}

func (l *memLedger) inAny(userID int64, lists []int64) bool {
	for _, list := range lists {
		for _, id := range l.lists[list] {
			if id == userID {
				return true
			}
		}
	}
	return false
}

func (l *memLedger) eligible(c *domain.Campaign, id int64) bool {
	u := l.users[id]
	if u == nil || l.unsubscribed[id] || !u.Reachable(c.Channel) {
		return false
	}
	if l.inAny(id, c.ExclusionListIDs) {
		return false
	}
	for k, s := range l.sends {
		if k.CampaignID == c.ID && k.UserID == id && s.State == domain.SendSent {
			return false
		}
	}
	return true
}

func (l *memLedger) candidates(c *domain.Campaign) []int64 {
	seen := map[int64]bool{}
	var ids []int64
	for _, list := range c.ListIDs {
		for _, id := range l.lists[list] {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (l *memLedger) recipients(c *domain.Campaign) []domain.Recipient {
	var out []domain.Recipient
	for _, id := range l.candidates(c) {
		if l.eligible(c, id) {
			out = append(out, domain.Recipient{UserID: id, Timezone: l.users[id].Timezone})
		}
	}
	return out
}

func (l *memLedger) StreamRecipients(_ context.Context, c *domain.Campaign, chunkSize int, fn func([]domain.Recipient) error) error {
	l.mu.Lock()
	all := l.recipients(c)
	l.mu.Unlock()
	for start := 0; start < len(all); start += chunkSize {
		end := start + chunkSize
		if end > len(all) {
			end = len(all)
		}
		chunk := append([]domain.Recipient(nil), all[start:end]...)
		l.mu.Lock()
		l.chunkSizes = append(l.chunkSizes, len(chunk))
		n := len(l.chunkSizes)
		l.mu.Unlock()
		if err := fn(chunk); err != nil {
			return err
		}
		if l.afterChunk != nil {
			l.afterChunk(n)
		}
	}
	return nil
}

func (l *memLedger) RecipientPage(_ context.Context, c *domain.Campaign, sinceID int64, limit int) (campaign.RecipientPage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pageErr != nil {
		return campaign.RecipientPage{}, l.pageErr
	}
	var page campaign.RecipientPage
	examined := 0
	for _, id := range l.candidates(c) {
		if id <= sinceID {
			continue
		}
		if examined == limit {
			break
		}
		examined++
		page.LastID = id
		if l.eligible(c, id) {
			page.Recipients = append(page.Recipients, domain.Recipient{UserID: id, Timezone: l.users[id].Timezone})
		}
	}
	page.Exhausted = examined < limit
	return page, nil
}

func (l *memLedger) CountRecipients(_ context.Context, c *domain.Campaign) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.recipients(c))), nil
}

func (l *memLedger) UpsertSends(_ context.Context, sends []domain.CampaignSend) error {
	if l.beforeUpsert != nil {
		l.beforeUpsert()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range sends {
		if existing, ok := l.sends[s.Key()]; ok {
			existing.State = s.State
			existing.SendAt = s.SendAt
			continue
		}
		cp := s
		l.sends[s.Key()] = &cp
	}
	return nil
}

func (l *memLedger) sorted(campaignID int64) []*domain.CampaignSend {
	var rows []*domain.CampaignSend
	for k, s := range l.sends {
		if k.CampaignID == campaignID {
			rows = append(rows, s)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].UserID != rows[j].UserID {
			return rows[i].UserID < rows[j].UserID
		}
		return rows[i].ReferenceID < rows[j].ReferenceID
	})
	return rows
}

func (l *memLedger) ReadySends(_ context.Context, q campaign.ReadyQuery) ([]domain.CampaignSend, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.CampaignSend
	for _, s := range l.sorted(q.CampaignID) {
		if s.UserID < q.AfterUserID || (s.UserID == q.AfterUserID && s.ReferenceID <= q.AfterReference) {
			continue
		}
		if s.SendAt.After(q.Before) {
			continue
		}
		match := false
		for _, st := range q.States {
			if s.State == st {
				match = true
			}
		}
		if !match {
			continue
		}
		out = append(out, *s)
		if len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (l *memLedger) FailStalled(_ context.Context, campaignID int64, before time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for _, s := range l.sorted(campaignID) {
		if s.State == domain.SendThrottled && s.SendAt.Before(before) {
			s.State = domain.SendFailed
			n++
		}
	}
	return n, nil
}

func (l *memLedger) Aggregate(_ context.Context, campaignID int64) (domain.Delivery, error) {
	if l.beforeAggregate != nil {
		l.beforeAggregate()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var d domain.Delivery
	for _, s := range l.sorted(campaignID) {
		d.Total++
		switch s.State {
		case domain.SendSent:
			d.Sent++
		case domain.SendPending, domain.SendThrottled:
			d.Pending++
		}
		if s.OpenedAt != nil {
			d.Opens++
		}
		if s.Clicks > 0 {
			d.Clicks++
		}
	}
	return d, nil
}

func (l *memLedger) GetSend(_ context.Context, key domain.SendKey) (*domain.CampaignSend, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sends[key]
	if !ok {
		return nil, campaign.ErrSendNotFound
	}
	cp := *s
	return &cp, nil
}

func (l *memLedger) UpdateSendState(_ context.Context, key domain.SendKey, state domain.SendState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sends[key]
	if !ok {
		return campaign.ErrSendNotFound
	}
	s.State = state
	return nil
}

func (l *memLedger) AbortPending(_ context.Context, campaignID int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for _, s := range l.sorted(campaignID) {
		if s.State.Ready() {
			s.State = domain.SendAborted
			n++
		}
	}
	return n, nil
}

func (l *memLedger) DeleteUnsent(_ context.Context, campaignID int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for k, s := range l.sends {
		if k.CampaignID != campaignID {
			continue
		}
		if s.State.Ready() || s.State == domain.SendAborted {
			delete(l.sends, k)
			n++
		}
	}
	return n, nil
}

func (l *memLedger) RecordOpen(_ context.Context, key domain.SendKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sends[key]
	if !ok {
		return campaign.ErrSendNotFound
	}
	if s.OpenedAt == nil {
		now := time.Now()
		s.OpenedAt = &now
	}
	return nil
}

func (l *memLedger) RecordClick(ctx context.Context, key domain.SendKey) error {
	if err := l.RecordOpen(ctx, key); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sends[key].Clicks++
	return nil
}

func (l *memLedger) send(key domain.SendKey) domain.CampaignSend {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.sends[key]
}

func (l *memLedger) rows(campaignID int64) []domain.CampaignSend {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.CampaignSend
	for _, s := range l.sorted(campaignID) {
		out = append(out, *s)
	}
	return out
}

// ---------------------------------------------------------------------------
// Queue and event fakes
// ---------------------------------------------------------------------------

type fakeEnqueuer struct {
	mu     sync.Mutex
	dedupe bool
	jobs   []*queue.Job
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, j *queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, j)
	return nil
}

func (f *fakeEnqueuer) EnqueueBatch(_ context.Context, jobs []*queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, jobs...)
	return nil
}

func (f *fakeEnqueuer) SupportsDedupe() bool { return f.dedupe }

func (f *fakeEnqueuer) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.jobs))
	for i, j := range f.jobs {
		out[i] = j.Name
	}
	return out
}

func (f *fakeEnqueuer) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = nil
}

type memEvents struct {
	mu     sync.Mutex
	events []domain.UserEvent
}

func (m *memEvents) Record(_ context.Context, e domain.UserEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

type memSubscriptions struct {
	mu      sync.Mutex
	ledger  *memLedger
	optOuts map[[2]int64]bool
}

func (m *memSubscriptions) Unsubscribe(_ context.Context, userID, subscriptionID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.optOuts[[2]int64{userID, subscriptionID}] = true
	m.ledger.mu.Lock()
	m.ledger.unsubscribed[userID] = true
	m.ledger.mu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	svc    *campaign.Service
	repo   *memRepo
	ledger *memLedger
	queue  *fakeEnqueuer
	events *memEvents
	subs   *memSubscriptions
	locks  *distlock.RedisLocker
	mr     *miniredis.Miniredis
	now    time.Time
}

var baseTime = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, cfg campaign.Config, cs ...*domain.Campaign) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	h := &harness{
		repo:   newMemRepo(cs...),
		ledger: newMemLedger(),
		queue:  &fakeEnqueuer{},
		events: &memEvents{},
		locks:  distlock.NewRedisLocker(rdb),
		mr:     mr,
		now:    baseTime,
	}
	h.subs = &memSubscriptions{ledger: h.ledger, optOuts: map[[2]int64]bool{}}
	h.svc = campaign.NewService(campaign.Deps{
		Campaigns:     h.repo,
		Ledger:        h.ledger,
		Events:        h.events,
		Subscriptions: h.subs,
		Queue:         h.queue,
		Locks:         h.locks,
		Progress:      campaign.NewProgressStore(rdb, time.Hour),
	}, cfg)
	h.repo.now = func() time.Time { return h.now }
	h.svc.SetClock(func() time.Time { return h.now })
	return h
}

func blast(id int64, state domain.CampaignState) *domain.Campaign {
	sendAt := baseTime
	return &domain.Campaign{
		ID:        id,
		ProjectID: 1,
		Type:      domain.CampaignBlast,
		Channel:   domain.ChannelEmail,
		State:     state,
		ListIDs:   []int64{10},
		SendAt:    &sendAt,
	}
}

func emailUser(id int64) *domain.User {
	return &domain.User{ID: id, ProjectID: 1, Email: "user@example.com"}
}
