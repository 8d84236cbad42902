package bypass

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nshruti113/admission-guard/internal/logging"
	"github.com/nshruti113/admission-guard/internal/storage"
	"github.com/nshruti113/admission-guard/internal/storage/storagetest"
)

func setupTestManager(t *testing.T) *Manager {
	store, _ := storagetest.NewRedis(t)
	return NewManager(store, DefaultConfig(), logging.Discard())
}

func TestCreateToken_StoresOnlyHash(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	token, err := m.CreateToken(ctx, CreateRequest{Reason: "incident-42", CreatedBy: "ops"})
	require.NoError(t, err)
	require.NotEmpty(t, token.Token)

	assert.Equal(t, HashToken(token.Token), token.HashedToken)
	assert.Equal(t, int64(100), token.MaxUsage)
	assert.WithinDuration(t, token.CreatedAt.Add(time.Hour), token.ExpiresAt, time.Second)

	raw, err := m.store.Get(ctx, storage.BypassTokenKey(token.HashedToken))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), token.Token)
}

func TestCreateToken_Validation(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	_, err := m.CreateToken(ctx, CreateRequest{CreatedBy: "ops"})
	assert.ErrorIs(t, err, ErrMissingReason)

	_, err = m.CreateToken(ctx, CreateRequest{Reason: "r", CreatedBy: "ops", Duration: 48 * time.Hour})
	assert.ErrorIs(t, err, ErrInvalidDuration)

	_, err = m.CreateToken(ctx, CreateRequest{Reason: "r", CreatedBy: "ops", MaxUsage: -1})
	assert.ErrorIs(t, err, ErrInvalidMaxUsage)
}

func TestValidateAndUse_SingleUse(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	token, err := m.CreateToken(ctx, CreateRequest{Reason: "r", CreatedBy: "ops", MaxUsage: 1})
	require.NoError(t, err)

	first := m.ValidateAndUse(ctx, token.Token, "10.0.0.1")
	assert.True(t, first.IsValid)
	assert.Equal(t, int64(1), first.Token.UsageCount)

	second := m.ValidateAndUse(ctx, token.Token, "10.0.0.1")
	assert.False(t, second.IsValid)
	assert.Equal(t, "Token usage limit exceeded", second.Reason)
}

func TestValidateAndUse_ConcurrentUsesStopAtMaxUsage(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	token, err := m.CreateToken(ctx, CreateRequest{Reason: "r", CreatedBy: "ops", MaxUsage: 3})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var valid atomic.Int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.ValidateAndUse(ctx, token.Token, "10.0.0.1").IsValid {
				valid.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(3), valid.Load())

	raw, err := m.store.Get(ctx, storage.BypassUsageKey(token.HashedToken))
	require.NoError(t, err)
	assert.Equal(t, "3", string(raw))

	tokens := m.ListUserTokens(ctx, "ops")
	require.Len(t, tokens, 1)
	assert.Equal(t, int64(3), tokens[0].UsageCount)

	stats := m.GetTokenStats(ctx)
	assert.Equal(t, int64(3), stats.TotalUsage)
	assert.Equal(t, 1, stats.Expired)
}

func TestValidateAndUse_IPRestriction(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	token, err := m.CreateToken(ctx, CreateRequest{
		Reason:         "r",
		CreatedBy:      "ops",
		IPRestrictions: []string{"10.0.0.1"},
	})
	require.NoError(t, err)

	denied := m.ValidateAndUse(ctx, token.Token, "203.0.113.5")
	assert.False(t, denied.IsValid)
	assert.Equal(t, "IP address not authorized for this token", denied.Reason)

	allowed := m.ValidateAndUse(ctx, token.Token, "10.0.0.1")
	assert.True(t, allowed.IsValid)
	assert.Equal(t, int64(1), allowed.Token.UsageCount, "rejected attempts do not consume uses")
}

func TestValidateAndUse_Expired(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()
	base := time.Now()
	m.now = func() time.Time { return base }

	token, err := m.CreateToken(ctx, CreateRequest{Reason: "r", CreatedBy: "ops", Duration: time.Hour})
	require.NoError(t, err)

	// Key TTL has not run out yet in the store, but the wall clock has passed expiresAt.
	m.now = func() time.Time { return base.Add(time.Hour + time.Second) }
	result := m.ValidateAndUse(ctx, token.Token, "10.0.0.1")
	assert.False(t, result.IsValid)
	assert.Equal(t, ReasonExpired, result.Reason)
}

func TestValidateAndUse_Rejections(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	assert.Equal(t, ReasonMissing, m.ValidateAndUse(ctx, "", "10.0.0.1").Reason)
	assert.Equal(t, ReasonInvalid, m.ValidateAndUse(ctx, "bp_unknown", "10.0.0.1").Reason)
}

func TestValidateAndUse_StoreUnavailable(t *testing.T) {
	m := NewManager(&storagetest.FailingStore{}, DefaultConfig(), logging.Discard())

	result := m.ValidateAndUse(context.Background(), "bp_anything", "10.0.0.1")
	assert.False(t, result.IsValid)
	assert.Equal(t, ReasonInvalid, result.Reason)
	assert.Empty(t, m.ListUserTokens(context.Background(), ""))
	assert.Zero(t, m.GetTokenStats(context.Background()))
}

func TestRevokeToken(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	token, err := m.CreateToken(ctx, CreateRequest{Reason: "r", CreatedBy: "ops"})
	require.NoError(t, err)

	require.NoError(t, m.RevokeToken(ctx, token.HashedToken))
	assert.Equal(t, ReasonInvalid, m.ValidateAndUse(ctx, token.Token, "10.0.0.1").Reason)
}

func TestListUserTokensAndStats(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	a, err := m.CreateToken(ctx, CreateRequest{Reason: "a", CreatedBy: "alice", MaxUsage: 1})
	require.NoError(t, err)
	_, err = m.CreateToken(ctx, CreateRequest{Reason: "b", CreatedBy: "bob"})
	require.NoError(t, err)

	require.True(t, m.ValidateAndUse(ctx, a.Token, "10.0.0.1").IsValid)

	alice := m.ListUserTokens(ctx, "alice")
	require.Len(t, alice, 1)
	assert.Empty(t, alice[0].Token)
	assert.Equal(t, a.HashedToken, alice[0].HashedToken)

	assert.Len(t, m.ListUserTokens(ctx, ""), 2)

	stats := m.GetTokenStats(ctx)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, int64(1), stats.TotalUsage)
}
