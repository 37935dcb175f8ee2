package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/commerce-dash/settlement/internal/domain"
	"github.com/commerce-dash/settlement/internal/repositories"
)

type testRepoError struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *testRepoError) Error() string { return e.msg }
func (e *testRepoError) IsNotFound() bool { return e.notFound }
func (e *testRepoError) IsConflict() bool { return e.conflict }
func (e *testRepoError) IsUnavailable() bool { return e.unavailable }

func errNotFound(format string, args ...any) error {
	return &testRepoError{msg: fmt.Sprintf(format, args...), notFound: true}
}

// memStore is an in-memory stand-in for the Postgres schema. txUnit snapshots it so failing
// callbacks roll back like a real transaction.
type memStore struct {
	mu sync.Mutex

	orders    map[string]domain.Order
	lines     map[string][]domain.CartLine
	clients   map[string]domain.Client
	stock     map[string]int64
	logs      []domain.PointLog
	balances  map[string]domain.PointBalance
	revenues  map[string]domain.OrderRevenue
	settings  map[string]domain.AffiliateSettings
	jobs      map[string]domain.SettlementJob
	jobOrder  []string
	stockErr  error
	lockCalls int
}

func newMemStore() *memStore {
	return &memStore{
		orders:   map[string]domain.Order{},
		lines:    map[string][]domain.CartLine{},
		clients:  map[string]domain.Client{},
		stock:    map[string]int64{},
		balances: map[string]domain.PointBalance{},
		revenues: map[string]domain.OrderRevenue{},
		settings: map[string]domain.AffiliateSettings{},
		jobs:     map[string]domain.SettlementJob{},
	}
}

type memSnapshot struct {
	orders   map[string]domain.Order
	stock    map[string]int64
	logs     []domain.PointLog
	balances map[string]domain.PointBalance
	revenues map[string]domain.OrderRevenue
	jobs     map[string]domain.SettlementJob
	jobOrder []string
}

func (m *memStore) snapshot() memSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memSnapshot{
		orders:   maps.Clone(m.orders),
		stock:    maps.Clone(m.stock),
		logs:     slices.Clone(m.logs),
		balances: maps.Clone(m.balances),
		revenues: maps.Clone(m.revenues),
		jobs:     maps.Clone(m.jobs),
		jobOrder: slices.Clone(m.jobOrder),
	}
}

func (m *memStore) restore(s memSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders, m.stock, m.logs, m.balances = s.orders, s.stock, s.logs, s.balances
	m.revenues, m.jobs, m.jobOrder = s.revenues, s.jobs, s.jobOrder
}

type txUnit struct {
	store *memStore
	calls int
}

func (u *txUnit) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	u.calls++
	snap := u.store.snapshot()
	if err := fn(ctx); err != nil {
		u.store.restore(snap)
		return err
	}
	return nil
}

var errSerialization = errors.New("could not serialize access")

// retryingUnit reruns the closure after a serialization failure, the way the postgres unit of work does.
type retryingUnit struct {
	store    *memStore
	attempts int
}

func (u *retryingUnit) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	for {
		u.attempts++
		snap := u.store.snapshot()
		err := fn(ctx)
		if err == nil {
			return nil
		}
		u.store.restore(snap)
		if !errors.Is(err, errSerialization) || u.attempts >= 3 {
			return err
		}
	}
}

// flakyJobs fails the failOn-th Enqueue call once with a serialization error.
type flakyJobs struct {
	memJobs
	failOn int
	calls  int
}

func (r *flakyJobs) Enqueue(ctx context.Context, job domain.SettlementJob) error {
	r.calls++
	if r.calls == r.failOn {
		return errSerialization
	}
	return r.memJobs.Enqueue(ctx, job)
}

func stockKey(productID, affiliateID, variationID, country string) string {
	return productID + "|" + affiliateID + "|" + variationID + "|" + country
}

func balanceKey(clientID, orgID string) string { return clientID + "|" + orgID }

func (m *memStore) balance(clientID, orgID string) domain.PointBalance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[balanceKey(clientID, orgID)]
}

func (m *memStore) jobsOfKind(kind domain.SettlementJobKind) []domain.SettlementJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SettlementJob
	for _, id := range m.jobOrder {
		if job := m.jobs[id]; job.Kind == kind {
			out = append(out, job)
		}
	}
	return out
}

type memOrders struct{ *memStore }

func (r memOrders) LockByID(ctx context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	r.lockCalls++
	r.mu.Unlock()
	return r.FindByID(ctx, orderID)
}

func (r memOrders) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, errNotFound("order %s", orderID)
	}
	order.Meta = slices.Clone(order.Meta)
	return order, nil
}

func (r memOrders) UpdateStatus(_ context.Context, update repositories.OrderStatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[update.OrderID]
	if !ok {
		return errNotFound("order %s", update.OrderID)
	}
	at := update.At
	stamp := func(field **time.Time) {
		if *field == nil {
			*field = &at
		}
	}
	switch update.Status {
	case domain.OrderStatusPaid:
		stamp(&order.DatePaid)
	case domain.OrderStatusCompleted:
		stamp(&order.DateCompleted)
	case domain.OrderStatusCancelled:
		stamp(&order.DateCancelled)
	case domain.OrderStatusUnderpaid:
		stamp(&order.DateUnderpaid)
	case domain.OrderStatusRefunded:
		stamp(&order.DateRefunded)
	}
	order.Status = update.Status
	order.Meta = slices.Clone(order.Meta)
	if update.AppendMeta != nil {
		order.Meta = append(order.Meta, *update.AppendMeta)
	}
	order.NotifiedPaidOrCompleted = order.NotifiedPaidOrCompleted || update.MarkNotified
	order.NotifiedOpen = order.NotifiedOpen || update.MarkOpenNotified
	order.UpdatedAt = at
	r.orders[order.ID] = order
	return nil
}

func (r memOrders) MarkReferralAwarded(_ context.Context, orderID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return errNotFound("order %s", orderID)
	}
	order.ReferralAwarded = true
	order.UpdatedAt = at
	r.orders[orderID] = order
	return nil
}

type memCarts struct{ *memStore }

func (r memCarts) ListLines(_ context.Context, cartID, _ string) ([]domain.CartLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.lines[cartID]), nil
}

type memClients struct{ *memStore }

func (r memClients) FindByID(_ context.Context, clientID string) (domain.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, ok := r.clients[clientID]
	if !ok {
		return domain.Client{}, errNotFound("client %s", clientID)
	}
	return client, nil
}

type memStock struct{ *memStore }

func (r memStock) Adjust(_ context.Context, adj repositories.StockAdjustment) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stockErr != nil {
		return false, r.stockErr
	}
	key := stockKey(adj.ProductID, adj.AffiliateProductID, adj.VariationID, adj.Country)
	qty, ok := r.stock[key]
	if !ok {
		return false, nil
	}
	r.stock[key] = qty + adj.Delta
	return true, nil
}

type memPoints struct{ *memStore }

func (r memPoints) AppendLog(_ context.Context, log domain.PointLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, log)
	return nil
}

func (r memPoints) ApplyDelta(_ context.Context, delta repositories.BalanceDelta) (domain.PointBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := balanceKey(delta.ClientID, delta.OrganizationID)
	b := r.balances[key]
	b.ClientID, b.OrganizationID = delta.ClientID, delta.OrganizationID
	b.PointsCurrent += delta.CurrentDelta
	b.PointsSpent = max(0, b.PointsSpent+delta.SpentDelta)
	b.UpdatedAt = delta.At
	r.balances[key] = b
	return b, nil
}

func (r memPoints) LockBalance(_ context.Context, clientID, orgID string, at time.Time) (domain.PointBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := balanceKey(clientID, orgID)
	b, ok := r.balances[key]
	if !ok {
		b = domain.PointBalance{ClientID: clientID, OrganizationID: orgID, UpdatedAt: at}
		r.balances[key] = b
	}
	return b, nil
}

func (r memPoints) SumByAction(_ context.Context, clientID, orgID string, action domain.PointAction) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for _, log := range r.logs {
		if log.ClientID == clientID && log.OrganizationID == orgID && log.Action == action {
			total += log.Points
		}
	}
	return total, nil
}

type memRevenues struct {
	*memStore
	insertErr error
}

func (r memRevenues) FindByOrder(_ context.Context, orderID string) (domain.OrderRevenue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rev, ok := r.revenues[orderID]
	if !ok {
		return domain.OrderRevenue{}, errNotFound("revenue %s", orderID)
	}
	return rev, nil
}

func (r memRevenues) Insert(_ context.Context, rev domain.OrderRevenue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	if _, ok := r.revenues[rev.OrderID]; ok {
		return &testRepoError{msg: "duplicate revenue", conflict: true}
	}
	r.revenues[rev.OrderID] = rev
	return nil
}

func (r memRevenues) SumClientEUR(_ context.Context, clientID, orgID string) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := decimal.Zero
	for orderID, rev := range r.revenues {
		order := r.orders[orderID]
		if rev.ClientID != clientID || rev.OrganizationID != orgID {
			continue
		}
		if order.Status == domain.OrderStatusPaid || order.Status == domain.OrderStatusCompleted {
			total = total.Add(rev.Total.EUR)
		}
	}
	return total, nil
}

type memSettings struct{ *memStore }

func (r memSettings) FindByOrganization(_ context.Context, orgID string) (domain.AffiliateSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	settings, ok := r.settings[orgID]
	if !ok {
		return domain.AffiliateSettings{OrganizationID: orgID}, nil
	}
	return settings, nil
}

type memJobs struct{ *memStore }

func (r memJobs) Enqueue(_ context.Context, job domain.SettlementJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return nil
	}
	r.jobs[job.ID] = job
	r.jobOrder = append(r.jobOrder, job.ID)
	return nil
}

func (r memJobs) FindByID(_ context.Context, jobID string) (domain.SettlementJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return domain.SettlementJob{}, errNotFound("job %s", jobID)
	}
	return job, nil
}

func claimable(job domain.SettlementJob, now time.Time) bool {
	switch job.Status {
	case domain.SettlementJobPending:
		return !job.NextAttemptAt.After(now)
	case domain.SettlementJobRunning:
		return job.LeasedUntil != nil && job.LeasedUntil.Before(now)
	}
	return false
}

func (r memJobs) claimLocked(job domain.SettlementJob, now, leaseUntil time.Time) domain.SettlementJob {
	job.Status = domain.SettlementJobRunning
	job.Attempts++
	lease := leaseUntil
	job.LeasedUntil = &lease
	job.UpdatedAt = now
	r.jobs[job.ID] = job
	return job
}

func (r memJobs) Claim(_ context.Context, jobID string, now, leaseUntil time.Time) (domain.SettlementJob, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok || !claimable(job, now) {
		return domain.SettlementJob{}, false, nil
	}
	return r.claimLocked(job, now, leaseUntil), true, nil
}

func (r memJobs) ClaimDue(_ context.Context, now, leaseUntil time.Time, limit int) ([]domain.SettlementJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []domain.SettlementJob
	for _, id := range r.jobOrder {
		if job := r.jobs[id]; claimable(job, now) {
			due = append(due, job)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i, job := range due {
		due[i] = r.claimLocked(job, now, leaseUntil)
	}
	return due, nil
}

func (r memJobs) update(jobID string, fn func(*domain.SettlementJob)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return errNotFound("job %s", jobID)
	}
	fn(&job)
	job.LeasedUntil = nil
	r.jobs[jobID] = job
	return nil
}

func (r memJobs) MarkDone(_ context.Context, jobID string, at time.Time) error {
	return r.update(jobID, func(job *domain.SettlementJob) {
		job.Status = domain.SettlementJobDone
		job.CompletedAt = &at
		job.LastError = ""
	})
}

func (r memJobs) MarkRetry(_ context.Context, jobID, lastErr string, next, at time.Time) error {
	return r.update(jobID, func(job *domain.SettlementJob) {
		job.Status = domain.SettlementJobPending
		job.LastError = lastErr
		job.NextAttemptAt = next
		job.UpdatedAt = at
	})
}

func (r memJobs) MarkFailed(_ context.Context, jobID, lastErr string, at time.Time) error {
	return r.update(jobID, func(job *domain.SettlementJob) {
		job.Status = domain.SettlementJobFailed
		job.LastError = lastErr
		job.UpdatedAt = at
	})
}

func (r memJobs) Backlog(_ context.Context, now time.Time) (domain.SettlementBacklog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var backlog domain.SettlementBacklog
	for _, job := range r.jobs {
		switch {
		case job.Status == domain.SettlementJobFailed:
			backlog.Failed++
		case job.Status == domain.SettlementJobPending && !job.NextAttemptAt.After(now):
			backlog.Due++
			if backlog.OldestDue == nil || job.NextAttemptAt.Before(*backlog.OldestDue) {
				at := job.NextAttemptAt
				backlog.OldestDue = &at
			}
		}
	}
	return backlog, nil
}

type fixedCurrencies map[string]domain.Currency

func (f fixedCurrencies) HomeCurrency(country string) domain.Currency {
	if c, ok := f[country]; ok {
		return c
	}
	return domain.CurrencyUSD
}

var testCurrencies = fixedCurrencies{"GB": domain.CurrencyGBP, "DE": domain.CurrencyEUR, "FR": domain.CurrencyEUR}

type stubRates struct {
	rate  domain.ExchangeRate
	err   error
	calls int
}

func (s *stubRates) RateFor(_ context.Context, at time.Time) (domain.ExchangeRate, error) {
	s.calls++
	if s.err != nil {
		return domain.ExchangeRate{}, s.err
	}
	rate := s.rate
	rate.Bucket = domain.RateBucket(at)
	return rate, nil
}

type stubSpot struct {
	price decimal.Decimal
	err   error
	asset string
	at    time.Time
}

func (s *stubSpot) SpotPriceUSD(_ context.Context, asset string, at time.Time) (decimal.Decimal, error) {
	s.asset, s.at = asset, at
	return s.price, s.err
}

type recordingTrigger struct {
	mu  sync.Mutex
	ids [][]string
}

func (r *recordingTrigger) Trigger(_ context.Context, ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, slices.Clone(ids))
}

type sequentialIDs struct {
	prefix string
	n      int
}

func (s *sequentialIDs) next() string {
	s.n++
	return fmt.Sprintf("%s-%03d", s.prefix, s.n)
}

var errInjected = errors.New("injected failure")

var fixedNow = time.Date(2024, 6, 3, 10, 15, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func dec(value string) decimal.Decimal { return decimal.RequireFromString(value) }
