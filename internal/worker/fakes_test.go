package worker

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
	"github.com/ignite/relay/internal/pkg/ratelimit"
	"github.com/ignite/relay/internal/queue"
	"github.com/ignite/relay/internal/service/campaign"
	"github.com/ignite/relay/internal/service/sending"
)

// store is an in-memory stand-in for every repository the worker reaches:
// campaigns, the send ledger, users, providers and user events. Every user
// in the store is on the campaign's audience.
type store struct {
	mu        sync.Mutex
	campaigns map[int64]*domain.Campaign
	sends     map[domain.SendKey]*domain.CampaignSend
	users     map[int64]*domain.User
	providers map[int64]*domain.Provider
	events    []domain.UserEvent
	optOuts   map[[2]int64]bool
}

func newStore() *store {
	return &store{
		campaigns: map[int64]*domain.Campaign{},
		sends:     map[domain.SendKey]*domain.CampaignSend{},
		users:     map[int64]*domain.User{},
		providers: map[int64]*domain.Provider{},
		optOuts:   map[[2]int64]bool{},
	}
}

func (s *store) Get(_ context.Context, id int64) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *store) UpdateState(_ context.Context, id int64, state domain.CampaignState, from ...domain.CampaignState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.campaigns[id]
	if len(from) > 0 && !slices.Contains(from, c.State) {
		return false, nil
	}
	c.State = state
	return true, nil
}

func (s *store) UpdateDelivery(_ context.Context, id int64, expected, state domain.CampaignState, d domain.Delivery) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.campaigns[id]
	if c.State != expected {
		return false, nil
	}
	c.State = state
	c.Delivery = d
	return true, nil
}

func (s *store) MarkListGenerated(_ context.Context, id int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.campaigns[id]
	if c.State != domain.CampaignLoading {
		return false, nil
	}
	c.State = domain.CampaignScheduled
	c.ListGeneratedAt = &at
	return true, nil
}

func (s *store) SetSchedule(_ context.Context, id int64, state domain.CampaignState, sendAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[id].State = state
	s.campaigns[id].SendAt = &sendAt
	return nil
}

func (s *store) SetListGenerated(_ context.Context, id int64, at *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[id].ListGeneratedAt = at
	return nil
}

func (s *store) ListDue(context.Context, time.Time) ([]*domain.Campaign, error) {
	return nil, nil
}

func (s *store) ListActive(context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, c := range s.campaigns {
		if !c.IsTerminal() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *store) audience(c *domain.Campaign) []domain.Recipient {
	var out []domain.Recipient
	for _, u := range s.users {
		if u.Reachable(c.Channel) {
			out = append(out, domain.Recipient{UserID: u.ID, Timezone: u.Timezone})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *store) StreamRecipients(_ context.Context, c *domain.Campaign, chunkSize int, fn func([]domain.Recipient) error) error {
	s.mu.Lock()
	all := s.audience(c)
	s.mu.Unlock()
	for start := 0; start < len(all); start += chunkSize {
		end := start + chunkSize
		if end > len(all) {
			end = len(all)
		}
		if err := fn(all[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *store) RecipientPage(_ context.Context, c *domain.Campaign, sinceID int64, limit int) (campaign.RecipientPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var page campaign.RecipientPage
	for _, r := range s.audience(c) {
		if r.UserID <= sinceID {
			continue
		}
		if len(page.Recipients) == limit {
			break
		}
		page.Recipients = append(page.Recipients, r)
		page.LastID = r.UserID
	}
	page.Exhausted = len(page.Recipients) < limit
	return page, nil
}

func (s *store) CountRecipients(_ context.Context, c *domain.Campaign) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.audience(c))), nil
}

func (s *store) UpsertSends(_ context.Context, sends []domain.CampaignSend) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range sends {
		if existing, ok := s.sends[row.Key()]; ok {
			existing.State = row.State
			existing.SendAt = row.SendAt
			continue
		}
		cp := row
		s.sends[row.Key()] = &cp
	}
	return nil
}

func (s *store) rows(campaignID int64) []*domain.CampaignSend {
	var rows []*domain.CampaignSend
	for k, row := range s.sends {
		if k.CampaignID == campaignID {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].UserID < rows[j].UserID })
	return rows
}

func (s *store) ReadySends(_ context.Context, q campaign.ReadyQuery) ([]domain.CampaignSend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CampaignSend
	for _, row := range s.rows(q.CampaignID) {
		if row.UserID <= q.AfterUserID || row.SendAt.After(q.Before) {
			continue
		}
		for _, st := range q.States {
			if row.State == st {
				out = append(out, *row)
				break
			}
		}
		if len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (s *store) FailStalled(_ context.Context, campaignID int64, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, row := range s.rows(campaignID) {
		if row.State == domain.SendThrottled && row.SendAt.Before(before) {
			row.State = domain.SendFailed
			n++
		}
	}
	return n, nil
}

func (s *store) Aggregate(_ context.Context, campaignID int64) (domain.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var d domain.Delivery
	for _, row := range s.rows(campaignID) {
		d.Total++
		switch row.State {
		case domain.SendSent:
			d.Sent++
		case domain.SendPending, domain.SendThrottled:
			d.Pending++
		}
		if row.OpenedAt != nil {
			d.Opens++
		}
		if row.Clicks > 0 {
			d.Clicks++
		}
	}
	return d, nil
}

func (s *store) GetSend(_ context.Context, key domain.SendKey) (*domain.CampaignSend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.sends[key]
	if !ok {
		return nil, campaign.ErrSendNotFound
	}
	cp := *row
	return &cp, nil
}

func (s *store) UpdateSendState(_ context.Context, key domain.SendKey, state domain.SendState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.sends[key]
	if !ok {
		return campaign.ErrSendNotFound
	}
	row.State = state
	return nil
}

func (s *store) AbortPending(_ context.Context, campaignID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, row := range s.rows(campaignID) {
		if row.State.Ready() {
			row.State = domain.SendAborted
			n++
		}
	}
	return n, nil
}

func (s *store) DeleteUnsent(_ context.Context, campaignID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, row := range s.sends {
		if k.CampaignID == campaignID && row.State != domain.SendSent {
			delete(s.sends, k)
			n++
		}
	}
	return n, nil
}

func (s *store) RecordOpen(_ context.Context, key domain.SendKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.sends[key]
	if !ok {
		return campaign.ErrSendNotFound
	}
	if row.OpenedAt == nil {
		now := time.Now()
		row.OpenedAt = &now
	}
	return nil
}

func (s *store) RecordClick(ctx context.Context, key domain.SendKey) error {
	if err := s.RecordOpen(ctx, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends[key].Clicks++
	return nil
}

func (s *store) Record(_ context.Context, e domain.UserEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *store) Unsubscribe(_ context.Context, userID, subscriptionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.optOuts[[2]int64{userID, subscriptionID}] = true
	return nil
}

func (s *store) GetUser(_ context.Context, id int64) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *store) GetProvider(_ context.Context, id int64) (*domain.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok {
		return nil, sending.ErrProviderNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *store) send(key domain.SendKey) domain.CampaignSend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.sends[key]
}

func (s *store) campaign(id int64) domain.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.campaigns[id]
}

func (s *store) eventNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, e := range s.events {
		names = append(names, e.Name)
	}
	return names
}

// ---------------------------------------------------------------------------
// Queue and provider fakes
// ---------------------------------------------------------------------------

type delayed struct {
	job  *queue.Job
	wait time.Duration
}

type fakeQueue struct {
	mu      sync.Mutex
	jobs    []*queue.Job
	delayed []delayed
}

func (q *fakeQueue) Enqueue(_ context.Context, job *queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) EnqueueBatch(ctx context.Context, jobs []*queue.Job) error {
	for _, j := range jobs {
		_ = q.Enqueue(ctx, j)
	}
	return nil
}

func (q *fakeQueue) Delay(_ context.Context, job *queue.Job, d time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayed = append(q.delayed, delayed{job: job, wait: d})
	return nil
}

func (q *fakeQueue) SupportsDedupe() bool { return true }

// take removes and returns every queued job.
func (q *fakeQueue) take() []*queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := q.jobs
	q.jobs = nil
	return jobs
}

type sendFunc func(ctx context.Context, msg *sending.Message) (*sending.Result, error)

type fakeProvider struct {
	mu   sync.Mutex
	sent []*sending.Message
	fn   sendFunc
}

func (p *fakeProvider) Send(ctx context.Context, msg *sending.Message) (*sending.Result, error) {
	p.mu.Lock()
	p.sent = append(p.sent, msg)
	fn := p.fn
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, msg)
	}
	return &sending.Result{MessageID: "msg-1"}, nil
}

func (p *fakeProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	h        *Handlers
	svc      *campaign.Service
	store    *store
	queue    *fakeQueue
	provider *fakeProvider
	mr       *miniredis.Miniredis
}

const (
	testCampaignID = int64(1)
	testProviderID = int64(7)
)

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st := newStore()
	st.providers[testProviderID] = &domain.Provider{
		ID: testProviderID, Name: "primary", Type: "fake", Group: domain.ChannelEmail,
	}
	sendAt := time.Now().Add(-time.Minute)
	st.campaigns[testCampaignID] = &domain.Campaign{
		ID:         testCampaignID,
		ProjectID:  1,
		Type:       domain.CampaignBlast,
		Channel:    domain.ChannelEmail,
		State:      domain.CampaignRunning,
		ProviderID: testProviderID,
		ListIDs:    []int64{10},
		SendAt:     &sendAt,
		Template: domain.Template{
			From:    "news@example.com",
			Subject: "Hi {{ user.first_name | default: \"there\" }}",
			HTML:    "<html><body>Hello</body></html>",
		},
	}

	q := &fakeQueue{}
	svc := campaign.NewService(campaign.Deps{
		Campaigns:     st,
		Ledger:        st,
		Events:        st,
		Subscriptions: st,
		Queue:         q,
		Locks:         distlock.NewRedisLocker(rdb),
		Progress:      campaign.NewProgressStore(rdb, time.Hour),
	}, campaign.Config{ChunkSize: 2, PartialPageSize: 2})

	prov := &fakeProvider{}
	registry := sending.NewRegistry(st, map[domain.ProviderType]sending.Factory{
		"fake": func(*domain.Provider) (sending.Provider, error) { return prov, nil },
	}, 0)

	h := NewHandlers(Deps{
		Campaigns: svc,
		Users:     st,
		Providers: registry,
		Renderer:  sending.NewRenderer(nil),
		Limiter:   ratelimit.New(rdb),
		Queue:     q,
	}, cfg)

	return &harness{h: h, svc: svc, store: st, queue: q, provider: prov, mr: mr}
}

func (hs *harness) addUser(id int64, email string) {
	hs.store.users[id] = &domain.User{ID: id, ProjectID: 1, Email: email}
}

// pending seeds a due pending row for user id and returns its key.
func (hs *harness) pending(id int64) domain.SendKey {
	key := domain.SendKey{CampaignID: testCampaignID, UserID: id, ReferenceID: domain.DefaultReferenceID}
	hs.store.sends[key] = &domain.CampaignSend{
		CampaignID: key.CampaignID, UserID: id, ReferenceID: key.ReferenceID,
		State: domain.SendPending, SendAt: time.Now().Add(-time.Minute),
	}
	return key
}

func sendJob(t *testing.T, key domain.SendKey, maxAttempts int) *queue.Job {
	t.Helper()
	job, err := campaign.NewSendJob(domain.ChannelEmail, key, maxAttempts)
	if err != nil {
		t.Fatalf("NewSendJob: %v", err)
	}
	return job
}
