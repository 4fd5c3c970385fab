package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/internal/util"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/storage"
)

// codeLogLength is the number of characters of an authorization code included in logs
const codeLogLength = 8

var (
	// ErrCodeNotFound is returned by CodeStore.Get for an unknown code
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrCodeInvalid is returned by CodeStore.Consume when the code is unknown,
	// expired or already used. The three cases are deliberately indistinguishable.
	ErrCodeInvalid = errors.New("authorization code is invalid")
)

// CodeParams are the request parameters bound to a new authorization code
type CodeParams struct {
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// CodeStore issues single-use authorization codes on top of a storage.CodeStore
type CodeStore struct {
	store   storage.CodeStore
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
	auditor *security.Auditor
	metrics *instrumentation.Metrics
}

// NewCodeStore creates an authorization code store. Codes live for ttl.
func NewCodeStore(store storage.CodeStore, ttl time.Duration, now func() time.Time, logger *slog.Logger) *CodeStore {
	if ttl <= 0 {
		ttl = DefaultAuthorizationCodeTTL * time.Second
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CodeStore{
		store:  store,
		ttl:    ttl,
		now:    now,
		logger: logger,
	}
}

// Create mints and persists a new authorization code
func (c *CodeStore) Create(ctx context.Context, params CodeParams) (*storage.AuthorizationCode, error) {
	now := c.now()
	code := &storage.AuthorizationCode{
		Code:                oauth2.GenerateVerifier(),
		ClientID:            params.ClientID,
		RedirectURI:         params.RedirectURI,
		Scope:               params.Scope,
		CodeChallenge:       params.CodeChallenge,
		CodeChallengeMethod: params.CodeChallengeMethod,
		ExpiresAt:           now.Add(c.ttl),
		CreatedAt:           now,
	}

	if err := c.store.SaveAuthorizationCode(ctx, code); err != nil {
		return nil, fmt.Errorf("failed to save authorization code: %w", err)
	}
	return code.Clone(), nil
}

// Get looks up a code without consuming it
func (c *CodeStore) Get(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ac, err := c.store.GetAuthorizationCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
			return nil, ErrCodeNotFound
		}
		return nil, err
	}
	return ac, nil
}

// Consume atomically marks an unused, unexpired code as used and returns it.
// Of any number of concurrent calls for one code, at most one succeeds.
func (c *CodeStore) Consume(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ac, err := c.store.ConsumeAuthorizationCode(ctx, code, c.now())
	if err == nil {
		return ac, nil
	}
	if !storage.IsCodeRejection(err) {
		return nil, err
	}

	if storage.IsCodeReuseError(err) {
		c.logger.Warn("Authorization code reuse detected",
			"code_prefix", util.SafeTruncate(code, codeLogLength))
		if c.metrics != nil {
			c.metrics.RecordCodeReuseDetected(ctx)
		}
		if c.auditor != nil {
			clientID := ""
			if existing, getErr := c.store.GetAuthorizationCode(ctx, code); getErr == nil {
				clientID = existing.ClientID
			}
			c.auditor.LogCodeReuse(clientID, "")
		}
	} else {
		c.logger.Debug("Authorization code rejected",
			"reason", err.Error(),
			"code_prefix", util.SafeTruncate(code, codeLogLength))
	}

	return nil, ErrCodeInvalid
}

// CleanupExpired deletes every code past its expiry and returns how many were removed
func (c *CodeStore) CleanupExpired(ctx context.Context) (int, error) {
	return c.store.DeleteExpiredAuthorizationCodes(ctx, c.now())
}

// DeleteForClient deletes every code issued to clientID
func (c *CodeStore) DeleteForClient(ctx context.Context, clientID string) (int, error) {
	return c.store.DeleteAuthorizationCodesForClient(ctx, clientID)
}
