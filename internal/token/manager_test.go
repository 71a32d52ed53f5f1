package token_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kiranshivaraju/bastion/internal/credential"
	"github.com/kiranshivaraju/bastion/internal/events"
	"github.com/kiranshivaraju/bastion/internal/store"
	"github.com/kiranshivaraju/bastion/internal/token"
	"github.com/kiranshivaraju/bastion/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a synchronous Publisher that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// faultyStore lets a test fail selected operations of a real store.
type faultyStore struct {
	store.TokenStore
	duplicates    int
	softDeleteErr error
	findErr       error
}

func (f *faultyStore) CreateToken(ctx context.Context, t *models.TokenRecord) error {
	if f.duplicates > 0 {
		f.duplicates--
		return store.ErrDuplicateKey
	}
	return f.TokenStore.CreateToken(ctx, t)
}

func (f *faultyStore) SoftDeleteToken(ctx context.Context, id int64, at time.Time) (bool, error) {
	if f.softDeleteErr != nil {
		return false, f.softDeleteErr
	}
	return f.TokenStore.SoftDeleteToken(ctx, id, at)
}

func (f *faultyStore) FindTokenByHash(ctx context.Context, hash string) (*models.TokenRecord, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.TokenStore.FindTokenByHash(ctx, hash)
}

func newCodec(t *testing.T) *credential.Codec {
	t.Helper()
	codec, err := credential.NewCodec([]byte("test-app-key"))
	require.NoError(t, err)
	return codec
}

func newSQLite(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newManager(t *testing.T, opts ...token.Option) (*token.Manager, *recorder, store.TokenStore) {
	t.Helper()
	s := newSQLite(t)
	bus := &recorder{}
	return token.NewManager(s, newCodec(t), bus, opts...), bus, s
}

func issueParams() token.IssueParams {
	return token.IssueParams{
		Owner:       token.OwnerID("user-1"),
		Name:        "ci",
		Environment: models.EnvironmentTest,
		Type:        models.TokenTypeSecret,
		Scopes:      []string{"users:read"},
	}
}

func TestIssue_RoundTrip(t *testing.T) {
	m, bus, _ := newManager(t)
	ctx := context.Background()

	rec, plain, err := m.Issue(ctx, issueParams())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(plain, "app_test_sk_"))
	assert.Equal(t, plain[len("app_test_sk_"):][:8], rec.TokenPrefix)
	assert.NotContains(t, rec.TokenHash, plain)
	assert.Equal(t, models.TokenStateActive, rec.State)

	got, err := m.Resolve(ctx, plain)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.True(t, m.IsValid(ctx, got, time.Now()))

	issued := bus.ofType(events.TokenIssued)
	require.Len(t, issued, 1)
	assert.Equal(t, rec.ID, issued[0].Token.ID)
}

func TestIssue_Validation(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		modify func(p *token.IssueParams)
		field  string
	}{
		{"missing owner", func(p *token.IssueParams) { p.Owner = nil }, "owner"},
		{"blank owner", func(p *token.IssueParams) { p.Owner = token.OwnerID(" ") }, "owner"},
		{"missing name", func(p *token.IssueParams) { p.Name = "" }, "name"},
		{"bad environment", func(p *token.IssueParams) { p.Environment = "staging" }, "environment"},
		{"bad type", func(p *token.IssueParams) { p.Type = "admin" }, "type"},
		{"blank scope", func(p *token.IssueParams) { p.Scopes = []string{""} }, "scope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := issueParams()
			tt.modify(&p)
			_, _, err := m.Issue(ctx, p)
			var vErr *models.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestIssue_DefaultTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m, _, _ := newManager(t, token.WithDefaultTTL(24*time.Hour), token.WithClock(func() time.Time { return now }))

	rec, _, err := m.Issue(context.Background(), issueParams())
	require.NoError(t, err)
	require.NotNil(t, rec.ExpiresAt)
	assert.True(t, now.Add(24*time.Hour).Equal(*rec.ExpiresAt))

	explicit := now.Add(time.Hour)
	p := issueParams()
	p.ExpiresAt = &explicit
	rec, _, err = m.Issue(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, explicit.Equal(*rec.ExpiresAt))
}

func TestIssue_RetriesOnCollision(t *testing.T) {
	fs := &faultyStore{TokenStore: newSQLite(t), duplicates: 2}
	m := token.NewManager(fs, newCodec(t), nil)

	rec, plain, err := m.Issue(context.Background(), issueParams())
	require.NoError(t, err)
	assert.NotEmpty(t, plain)
	assert.NotZero(t, rec.ID)
}

func TestIssue_GivesUpAfterRepeatedCollisions(t *testing.T) {
	fs := &faultyStore{TokenStore: newSQLite(t), duplicates: 10}
	m := token.NewManager(fs, newCodec(t), nil)

	_, _, err := m.Issue(context.Background(), issueParams())
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
}

func TestIssue_ConcurrentUniqueness(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	prefixes := map[string]bool{}
	hashes := map[string]bool{}
	errs := make(chan error, n)

	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, _, err := m.Issue(ctx, issueParams())
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			prefixes[rec.TokenPrefix] = true
			hashes[rec.TokenHash] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, prefixes, n)
	assert.Len(t, hashes, n)
}

func TestResolve_UnknownToken(t *testing.T) {
	m, _, _ := newManager(t)

	_, err := m.Resolve(context.Background(), "app_test_sk_doesnotexist")
	assert.ErrorIs(t, err, token.ErrNotFound)

	_, err = m.Resolve(context.Background(), "")
	assert.ErrorIs(t, err, token.ErrNotFound)
}

func TestResolve_StoreFailureIsWrapped(t *testing.T) {
	boom := errors.New("connection reset")
	fs := &faultyStore{TokenStore: newSQLite(t), findErr: boom}
	m := token.NewManager(fs, newCodec(t), nil)

	_, err := m.Resolve(context.Background(), "app_test_sk_whatever")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, token.ErrNotFound)
}

func TestIsValid_Expiry(t *testing.T) {
	m, bus, _ := newManager(t)
	ctx := context.Background()

	expires := time.Now().Add(time.Hour)
	p := issueParams()
	p.ExpiresAt = &expires
	rec, _, err := m.Issue(ctx, p)
	require.NoError(t, err)

	assert.True(t, m.IsValid(ctx, rec, expires.Add(-time.Second)))
	assert.True(t, m.IsValid(ctx, rec, expires), "valid at the exact expiry instant")
	assert.Empty(t, bus.ofType(events.TokenExpired))

	assert.False(t, m.IsValid(ctx, rec, expires.Add(time.Second)))
	assert.Len(t, bus.ofType(events.TokenExpired), 1)
}

func TestIsValid_NoExpiryNeverExpires(t *testing.T) {
	m, _, _ := newManager(t)
	rec, _, err := m.Issue(context.Background(), issueParams())
	require.NoError(t, err)

	assert.True(t, m.IsValid(context.Background(), rec, time.Now().AddDate(100, 0, 0)))
}

func TestTouch(t *testing.T) {
	m, _, s := newManager(t)
	ctx := context.Background()
	rec, _, err := m.Issue(ctx, issueParams())
	require.NoError(t, err)

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, m.Touch(ctx, rec, at))

	got, err := s.FindTokenByHash(ctx, rec.TokenHash)
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)
	assert.True(t, at.Equal(*got.LastUsedAt))
}

func TestRevoke_Idempotent(t *testing.T) {
	m, bus, _ := newManager(t)
	ctx := context.Background()
	rec, plain, err := m.Issue(ctx, issueParams())
	require.NoError(t, err)

	require.NoError(t, m.Revoke(ctx, rec, "compromised"))
	require.NoError(t, m.Revoke(ctx, rec, "compromised"))

	// A stale copy that still looks active must not emit a second event either.
	stale, err := m.Lookup(ctx, rec.TokenPrefix)
	require.NoError(t, err)
	stale.State = models.TokenStateActive
	require.NoError(t, m.Revoke(ctx, stale, "compromised"))

	revoked := bus.ofType(events.TokenRevoked)
	require.Len(t, revoked, 1)
	assert.Equal(t, "compromised", revoked[0].Reason)

	got, err := m.Resolve(ctx, plain)
	require.NoError(t, err)
	assert.False(t, m.IsValid(ctx, got, time.Now()))
}

func TestRevoke_OverridesFutureExpiry(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	future := time.Now().Add(24 * time.Hour)
	p := issueParams()
	p.ExpiresAt = &future
	rec, plain, err := m.Issue(ctx, p)
	require.NoError(t, err)

	require.NoError(t, m.Revoke(ctx, rec, ""))

	got, err := m.Resolve(ctx, plain)
	require.NoError(t, err)
	assert.False(t, m.IsValid(ctx, got, time.Now()))
}

func TestRotate(t *testing.T) {
	m, bus, _ := newManager(t)
	ctx := context.Background()

	expires := time.Now().Add(72 * time.Hour).UTC().Truncate(time.Second)
	p := issueParams()
	p.Scopes = []string{"users:read", "payments:*"}
	p.ExpiresAt = &expires
	p.Metadata = map[string]any{"team": "core"}
	old, oldPlain, err := m.Issue(ctx, p)
	require.NoError(t, err)

	rec, plain, err := m.Rotate(ctx, old)
	require.NoError(t, err)
	assert.NotEqual(t, oldPlain, plain)
	assert.Equal(t, old.Name, rec.Name)
	assert.Equal(t, old.Environment, rec.Environment)
	assert.Equal(t, old.Type, rec.Type)
	assert.Equal(t, old.Scopes, rec.Scopes)
	require.NotNil(t, rec.ExpiresAt)
	assert.True(t, expires.Equal(*rec.ExpiresAt))
	assert.Equal(t, "core", rec.Metadata["team"])
	assert.EqualValues(t, old.ID, rec.Metadata[models.MetadataRotatedFrom])
	assert.NotEmpty(t, rec.Metadata[models.MetadataRotatedAt])

	oldRec, err := m.Resolve(ctx, oldPlain)
	require.NoError(t, err)
	assert.False(t, m.IsValid(ctx, oldRec, time.Now()))

	newRec, err := m.Resolve(ctx, plain)
	require.NoError(t, err)
	assert.True(t, m.IsValid(ctx, newRec, time.Now()))

	rotated := bus.ofType(events.TokenRotated)
	require.Len(t, rotated, 1)
	assert.Equal(t, old.ID, rotated[0].Token.ID)
	assert.Equal(t, rec.ID, rotated[0].Replacement.ID)
	assert.Equal(t, plain, rotated[0].PlainTextToken)

	revoked := bus.ofType(events.TokenRevoked)
	require.Len(t, revoked, 1)
	assert.Equal(t, token.ReasonRotated, revoked[0].Reason)
}

func TestRotate_RevokeFailureLeavesBothValid(t *testing.T) {
	fs := &faultyStore{TokenStore: newSQLite(t)}
	m := token.NewManager(fs, newCodec(t), nil)
	ctx := context.Background()

	old, oldPlain, err := m.Issue(ctx, issueParams())
	require.NoError(t, err)

	boom := errors.New("write timeout")
	fs.softDeleteErr = boom
	rec, plain, err := m.Rotate(ctx, old)
	require.ErrorIs(t, err, boom)
	require.NotNil(t, rec)
	require.NotEmpty(t, plain)

	for _, p := range []string{oldPlain, plain} {
		got, err := m.Resolve(ctx, p)
		require.NoError(t, err)
		assert.True(t, m.IsValid(ctx, got, time.Now()))
	}
}

func TestRotate_RevokedTokenRefused(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	rec, _, err := m.Issue(ctx, issueParams())
	require.NoError(t, err)
	require.NoError(t, m.Revoke(ctx, rec, ""))

	_, _, err = m.Rotate(ctx, rec)
	var vErr *models.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestLookupAndList(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	a, _, err := m.Issue(ctx, issueParams())
	require.NoError(t, err)
	p := issueParams()
	p.Owner = token.OwnerID("user-2")
	_, _, err = m.Issue(ctx, p)
	require.NoError(t, err)

	got, err := m.Lookup(ctx, a.TokenPrefix)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = m.Lookup(ctx, "missing1")
	assert.ErrorIs(t, err, token.ErrNotFound)

	byID, err := m.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.TokenPrefix, byID.TokenPrefix)

	_, err = m.Get(ctx, 999999)
	assert.ErrorIs(t, err, token.ErrNotFound)

	list, err := m.ListForOwner(ctx, token.OwnerID("user-1"))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)
}

func TestRevokeAllForOwner(t *testing.T) {
	m, bus, _ := newManager(t)
	ctx := context.Background()

	for range 3 {
		_, _, err := m.Issue(ctx, issueParams())
		require.NoError(t, err)
	}
	other := issueParams()
	other.Owner = token.OwnerID("user-2")
	_, _, err := m.Issue(ctx, other)
	require.NoError(t, err)

	n, err := m.RevokeAllForOwner(ctx, token.OwnerID("user-1"), "offboarded")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, bus.ofType(events.TokenRevoked), 3)

	n, err = m.RevokeAllForOwner(ctx, token.OwnerID("user-1"), "offboarded")
	require.NoError(t, err)
	assert.Zero(t, n)

	remaining, err := m.ListForOwner(ctx, token.OwnerID("user-2"))
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestPrune(t *testing.T) {
	m, bus, _ := newManager(t)
	ctx := context.Background()
	now := time.Now()

	past := now.Add(-time.Hour)
	p := issueParams()
	p.ExpiresAt = &past
	expired, _, err := m.Issue(ctx, p)
	require.NoError(t, err)

	fresh, _, err := m.Issue(ctx, issueParams())
	require.NoError(t, err)

	n, err := m.PruneExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	revoked := bus.ofType(events.TokenRevoked)
	require.Len(t, revoked, 1)
	assert.Equal(t, expired.ID, revoked[0].Token.ID)
	assert.Equal(t, token.ReasonPruned, revoked[0].Reason)

	// fresh was never used and was created before this cutoff.
	n, err = m.PruneUnused(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := m.Lookup(ctx, fresh.TokenPrefix)
	require.NoError(t, err)
	assert.True(t, got.IsRevoked())
}
