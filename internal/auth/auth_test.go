package auth

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidateToken(t *testing.T) {
	token, err := IssueToken("secret", "user-1", []string{"read:conversations"}, time.Hour)
	require.NoError(t, err)

	claims, err := ValidateToken("secret", token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.True(t, HasPermission(claims.Permissions, "read:conversations"))
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	token, err := IssueToken("secret", "user-1", nil, time.Hour)
	require.NoError(t, err)

	_, err = ValidateToken("different-secret", token)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	token, err := IssueToken("secret", "user-1", nil, -time.Hour)
	require.NoError(t, err)

	_, err = ValidateToken("secret", token)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestHasPermissionWildcard(t *testing.T) {
	assert.True(t, HasPermission([]string{"admin:all"}, "write:anything"))
	assert.False(t, HasPermission([]string{"read:conversations"}, "write:anything"))
}

func TestLooksLikeAPIKey(t *testing.T) {
	key, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.True(t, LooksLikeAPIKey(key))
	assert.False(t, LooksLikeAPIKey("not-a-key"))
	assert.False(t, LooksLikeAPIKey("pa_tooshort"))
}

func TestHashKeyIsDeterministic(t *testing.T) {
	assert.Equal(t, HashKey("pa_abc"), HashKey("pa_abc"))
	assert.NotEqual(t, HashKey("pa_abc"), HashKey("pa_abd"))
}

func TestStoreCreateAndValidateAPIKey(t *testing.T) {
	_ = godotenv.Load("../../.env")
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	store := NewStore(pool)
	require.NoError(t, store.InitSchema(ctx))

	clearKey, err := GenerateAPIKey()
	require.NoError(t, err)

	rec, err := store.CreateAPIKey(ctx, "key-test-1", clearKey, "test key", []string{"read:conversations"})
	require.NoError(t, err)
	assert.True(t, rec.IsActive)

	validated, err := store.Validate(ctx, clearKey)
	require.NoError(t, err)
	assert.Equal(t, rec.KeyID, validated.KeyID)
	assert.EqualValues(t, 1, validated.UsageCount)

	require.NoError(t, store.Revoke(ctx, rec.KeyID))
	_, err = store.Validate(ctx, clearKey)
	assert.ErrorIs(t, err, ErrKeyInvalid)
}
