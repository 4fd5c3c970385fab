package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/giantswarm/mcp-authserver/internal/util"
	"github.com/giantswarm/mcp-authserver/storage"
)

// authorizationCodeJSON is the stored form of an authorization code.
// Times are Unix milliseconds; used_at is omitted until the code is consumed.
type authorizationCodeJSON struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope,omitempty"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	ExpiresAt           int64  `json:"expires_at"`
	UsedAt              int64  `json:"used_at,omitempty"`
	CreatedAt           int64  `json:"created_at"`
}

func toAuthorizationCodeJSON(c *storage.AuthorizationCode) *authorizationCodeJSON {
	j := &authorizationCodeJSON{
		Code:                c.Code,
		ClientID:            c.ClientID,
		RedirectURI:         c.RedirectURI,
		Scope:               c.Scope,
		CodeChallenge:       c.CodeChallenge,
		CodeChallengeMethod: c.CodeChallengeMethod,
		ExpiresAt:           unixMilli(c.ExpiresAt),
		CreatedAt:           unixMilli(c.CreatedAt),
	}
	if c.UsedAt != nil {
		j.UsedAt = unixMilli(*c.UsedAt)
	}
	return j
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	c := &storage.AuthorizationCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		RedirectURI:         j.RedirectURI,
		Scope:               j.Scope,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		ExpiresAt:           fromUnixMilli(j.ExpiresAt),
		CreatedAt:           fromUnixMilli(j.CreatedAt),
	}
	if j.UsedAt != 0 {
		usedAt := fromUnixMilli(j.UsedAt)
		c.UsedAt = &usedAt
	}
	return c
}

// luaConsumeAuthorizationCode atomically checks that an authorization code is unused and
// unexpired and stamps used_at. Only one concurrent caller can observe the unused state.
//
// KEYS[1] = code key
// ARGV[1] = current time in Unix milliseconds
//
// Returns the updated JSON on success, or one of NOT_FOUND, ALREADY_USED, EXPIRED.
// The remaining TTL is carried over with PTTL/PX rather than KEEPTTL so the script also
// runs on servers older than Redis 6.
const luaConsumeAuthorizationCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)
if code.used_at then
    return 'ALREADY_USED'
end

local now = tonumber(ARGV[1])
if now >= tonumber(code.expires_at) then
    return 'EXPIRED'
end

code.used_at = now
local encoded = cjson.encode(code)
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
    redis.call('SET', KEYS[1], encoded, 'PX', ttl)
else
    redis.call('SET', KEYS[1], encoded)
end
return encoded
`

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode stores a code with a TTL covering its lifetime plus retention,
// and indexes it by expiry and by client.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}
	if err := validateIDLength(code.Code, "authorization code"); err != nil {
		return err
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := retentionTTL(code.ExpiresAt, codeRetention)
	clientCodes := s.clientCodesKey(code.ClientID)

	for _, resp := range s.client.DoMulti(ctx,
		s.client.B().Set().Key(s.codeKey(code.Code)).Value(string(data)).Ex(ttl).Build(),
		s.client.B().Zadd().Key(s.codeExpiryKey()).ScoreMember().
			ScoreMember(float64(unixMilli(code.ExpiresAt)), code.Code).Build(),
		s.client.B().Sadd().Key(clientCodes).Member(code.Code).Build(),
		s.client.B().Expire().Key(clientCodes).Seconds(int64(ttl.Seconds())+1).Build(),
	) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to save authorization code: %w", err)
		}
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, codeLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves an authorization code without modifying it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	return getAndUnmarshal(ctx, s, s.codeKey(code), storage.ErrAuthorizationCodeNotFound, fromAuthorizationCodeJSON)
}

// ConsumeAuthorizationCode atomically marks a code used via a Lua script.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time) (*storage.AuthorizationCode, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeAuthorizationCode).
			Numkeys(1).
			Key(s.codeKey(code)).
			Arg(strconv.FormatInt(now.UnixMilli(), 10)).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic code consume: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrAuthorizationCodeNotFound
	case "EXPIRED":
		return nil, storage.ErrAuthorizationCodeExpired
	case "ALREADY_USED":
		s.logger.Warn("Authorization code reuse attempted",
			"code_prefix", util.SafeTruncate(code, codeLogLength))
		return nil, storage.ErrAuthorizationCodeUsed
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse authorization code: %w", err)
	}

	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, codeLogLength))
	return fromAuthorizationCodeJSON(&j), nil
}

// DeleteExpiredAuthorizationCodes removes codes whose ExpiresAt is before now
func (s *Store) DeleteExpiredAuthorizationCodes(ctx context.Context, now time.Time) (int, error) {
	codes, err := s.client.Do(ctx,
		s.client.B().Zrangebyscore().Key(s.codeExpiryKey()).
			Min("-inf").Max("("+strconv.FormatInt(now.UnixMilli(), 10)).Build(),
	).AsStrSlice()
	if err != nil {
		return 0, fmt.Errorf("failed to scan expired authorization codes: %w", err)
	}
	if len(codes) == 0 {
		return 0, nil
	}

	keys := make([]string, len(codes))
	for i, c := range codes {
		keys[i] = s.codeKey(c)
	}

	n, err := s.deleteKeys(ctx, keys)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired authorization codes: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Zrem().Key(s.codeExpiryKey()).Member(codes...).Build()).Error(); err != nil {
		return n, fmt.Errorf("failed to update code expiry index: %w", err)
	}
	return n, nil
}

// DeleteAuthorizationCodesForClient removes every code issued to clientID
func (s *Store) DeleteAuthorizationCodesForClient(ctx context.Context, clientID string) (int, error) {
	setKey := s.clientCodesKey(clientID)
	codes, err := s.client.Do(ctx, s.client.B().Smembers().Key(setKey).Build()).AsStrSlice()
	if err != nil {
		return 0, fmt.Errorf("failed to list authorization codes for client: %w", err)
	}
	if len(codes) == 0 {
		return 0, nil
	}

	keys := make([]string, len(codes))
	for i, c := range codes {
		keys[i] = s.codeKey(c)
	}

	n, err := s.deleteKeys(ctx, keys)
	if err != nil {
		return 0, fmt.Errorf("failed to delete authorization codes for client: %w", err)
	}

	for _, resp := range s.client.DoMulti(ctx,
		s.client.B().Del().Key(setKey).Build(),
		s.client.B().Zrem().Key(s.codeExpiryKey()).Member(codes...).Build(),
	) {
		if err := resp.Error(); err != nil {
			return n, fmt.Errorf("failed to update code indexes: %w", err)
		}
	}

	s.logger.Debug("Deleted authorization codes for client", "client_id", clientID, "count", n)
	return n, nil
}
