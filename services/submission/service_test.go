package submission

import (
	"context"
	"testing"
	"time"

	"engagement-ledger/pkg/authz"
	"engagement-ledger/pkg/errutil"
	"engagement-ledger/services/identity"
	"engagement-ledger/services/ledger"
	"engagement-ledger/services/testutil"
	"engagement-ledger/services/tier"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var admin = authz.Principal{Subject: "root", Role: authz.RoleAdmin}

type fixture struct {
	svc        *Service
	identities *identity.Service
	rules      *tier.Service
	ledger     *ledger.Service
	clock      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t,
		&identity.Connection{}, &identity.HandleIndex{},
		&tier.Rule{}, &ledger.Balance{}, &ledger.Transaction{}, &Submission{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	policy, err := authz.NewDefault()
	require.NoError(t, err)

	f := &fixture{
		identities: identity.NewService(identity.ServiceParams{DB: db}),
		ledger:     ledger.NewService(ledger.ServiceParams{DB: db, Node: node, Policy: policy}),
		clock:      time.Date(2025, 3, 1, 15, 0, 0, 0, time.UTC),
	}
	f.rules, err = tier.NewService(tier.ServiceParams{DB: db, Policy: policy})
	require.NoError(t, err)

	f.svc = NewService(ServiceParams{
		DB:         db,
		Node:       node,
		Identities: f.identities,
		Rules:      f.rules,
		Ledger:     f.ledger,
		Policy:     policy,
	})
	f.svc.loc = time.FixedZone("EST", -5*3600)
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) link(t *testing.T, id, handle string) {
	t.Helper()
	_, err := f.identities.Link(context.Background(), id, handle, "")
	require.NoError(t, err)
}

func (f *fixture) grant(t *testing.T, id string, points int64) {
	t.Helper()
	_, err := f.ledger.ApplyDelta(context.Background(), ledger.DeltaRequest{
		UserID: id, Delta: points, Kind: ledger.KindGrant, Mode: ledger.Strict,
	})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, id string) int64 {
	t.Helper()
	total, err := f.ledger.GetBalance(context.Background(), id)
	require.NoError(t, err)
	return total
}

func (f *fixture) setRule(t *testing.T, tierName string, cost int64, limit int) {
	t.Helper()
	r, _ := tier.Default(tierName)
	r.SubmissionCost = cost
	r.DailySubmissionLimit = limit
	_, err := f.rules.SetRule(context.Background(), admin, tierName, r)
	require.NoError(t, err)
}

func TestParsePost(t *testing.T) {
	cases := []struct {
		in     string
		id     string
		author string
		ok     bool
	}{
		{in: "1234567890", id: "1234567890", ok: true},
		{in: "https://x.com/Alice/status/123?s=20", id: "123", author: "alice", ok: true},
		{in: "https://twitter.com/bob_1/status/456/photo/1", id: "456", author: "bob_1", ok: true},
		{in: "https://example.com/posts/987", id: "987", ok: true},
		{in: "https://x.com/i/web/status/789", id: "789", ok: true},
		{in: "not a post", ok: false},
		{in: "https://x.com/alice", ok: false},
	}

	for _, tc := range cases {
		p, err := ParsePost(tc.in)
		if !tc.ok {
			require.ErrorIs(t, err, errutil.ErrInvalidArgument, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.id, p.ID, tc.in)
		require.Equal(t, tc.author, p.Author, tc.in)
	}
}

func TestSubmitRequiresLinkedIdentity(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Submit(context.Background(), "ghost", "123", "")
	require.ErrorIs(t, err, errutil.ErrNotLinked)
}

func TestSubmitChargesCostAndRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.link(t, "u1", "alice")
	f.grant(t, "u1", 1000)

	sub, err := f.svc.Submit(ctx, "u1", "https://x.com/alice/status/42", "Crypto News")
	require.NoError(t, err)
	require.Equal(t, "42", sub.ExternalPostID)
	require.Equal(t, "alice", sub.AuthorHandle)
	require.Equal(t, "crypto-news", sub.Category)
	require.Equal(t, tier.Micro, sub.Tier)
	require.Equal(t, "2025-03-01", sub.QuotaDay)
	require.Equal(t, int64(500), f.balance(t, "u1"))

	txns, err := f.ledger.GetRecentTransactions(ctx, "u1", 1)
	require.NoError(t, err)
	require.Equal(t, ledger.KindSubmissionCost, txns[0].Kind)
	require.Equal(t, sub.ContentID, *txns[0].RelatedContentID)

	got, err := f.svc.Get(ctx, sub.ContentID)
	require.NoError(t, err)
	require.Equal(t, sub.DedupeKey, got.DedupeKey)
}

func TestSubmitRejectsDuplicatePostSystemWide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.link(t, "u1", "alice")
	f.link(t, "u2", "bob")
	f.grant(t, "u1", 1000)
	f.grant(t, "u2", 1000)

	_, err := f.svc.Submit(ctx, "u1", "42", "")
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, "u2", "https://x.com/alice/status/42", "")
	require.ErrorIs(t, err, errutil.ErrDuplicateSubmission)
	require.Equal(t, int64(1000), f.balance(t, "u2"), "rejected submission is not charged")
}

func TestSubmitInsufficientPointsIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.link(t, "u1", "alice")
	f.grant(t, "u1", 499)

	_, err := f.svc.Submit(ctx, "u1", "42", "")
	require.ErrorIs(t, err, errutil.ErrInsufficientPoints)
	require.Equal(t, int64(499), f.balance(t, "u1"))

	subs, err := f.svc.ListRecent(ctx, 10, f.clock.Add(-time.Hour))
	require.NoError(t, err)
	require.Empty(t, subs)
}

func TestSubmitQuotaResetsAtReferenceDayBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.link(t, "u1", "alice")
	f.setRule(t, tier.Micro, 0, 2)

	// 23:00 EST on March 1st is already March 2nd in UTC.
	f.clock = time.Date(2025, 3, 2, 4, 0, 0, 0, time.UTC)

	first, err := f.svc.Submit(ctx, "u1", "1", "")
	require.NoError(t, err)
	require.Equal(t, "2025-03-01", first.QuotaDay)
	_, err = f.svc.Submit(ctx, "u1", "2", "")
	require.NoError(t, err)

	_, err = f.svc.Withdraw(ctx, authz.Principal{Subject: "u1", Role: authz.RoleMember}, first.ContentID)
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, "u1", "3", "")
	require.ErrorIs(t, err, errutil.ErrQuotaExceeded, "withdrawn submissions still count")

	f.clock = time.Date(2025, 3, 2, 5, 30, 0, 0, time.UTC)
	next, err := f.svc.Submit(ctx, "u1", "3", "")
	require.NoError(t, err)
	require.Equal(t, "2025-03-02", next.QuotaDay)
	require.Zero(t, f.balance(t, "u1"), "zero-cost tier posts no transaction")
}

func TestWithdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.link(t, "u1", "alice")
	f.grant(t, "u1", 600)

	sub, err := f.svc.Submit(ctx, "u1", "42", "")
	require.NoError(t, err)

	_, err = f.svc.Withdraw(ctx, authz.Principal{Subject: "u2", Role: authz.RoleMember}, sub.ContentID)
	require.ErrorIs(t, err, errutil.ErrForbidden)

	out, err := f.svc.Withdraw(ctx, admin, sub.ContentID)
	require.NoError(t, err)
	require.True(t, out.Withdrawn)
	require.NotNil(t, out.WithdrawnAt)

	again, err := f.svc.Withdraw(ctx, authz.Principal{Subject: "u1", Role: authz.RoleMember}, sub.ContentID)
	require.NoError(t, err)
	require.True(t, again.Withdrawn)
	require.Equal(t, int64(100), f.balance(t, "u1"), "withdrawal does not refund")

	_, err = f.svc.Withdraw(ctx, admin, "missing")
	require.ErrorIs(t, err, errutil.ErrNotFound)
}

func TestListActiveSkipsWithdrawnAndOldContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.link(t, "u1", "alice")
	f.setRule(t, tier.Micro, 0, 10)

	old, err := f.svc.Submit(ctx, "u1", "1", "")
	require.NoError(t, err)

	f.clock = f.clock.Add(2 * time.Hour)
	gone, err := f.svc.Submit(ctx, "u1", "2", "")
	require.NoError(t, err)
	_, err = f.svc.Withdraw(ctx, admin, gone.ContentID)
	require.NoError(t, err)

	f.clock = f.clock.Add(time.Minute)
	live, err := f.svc.Submit(ctx, "u1", "3", "")
	require.NoError(t, err)

	active, err := f.svc.ListActive(ctx, f.clock.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, live.ContentID, active[0].ContentID)

	recent, err := f.svc.ListRecent(ctx, 10, f.clock.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, recent, 3)
	require.Equal(t, live.ContentID, recent[0].ContentID)
	require.Equal(t, old.ContentID, recent[2].ContentID)
}
