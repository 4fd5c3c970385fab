package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/giantswarm/mcp-authserver/storage"
)

type clientMetadataJSON struct {
	ClientID  string `json:"client_id"`
	Document  []byte `json:"document"`
	CachedAt  int64  `json:"cached_at"`
	ExpiresAt int64  `json:"expires_at"`
}

func fromClientMetadataJSON(j *clientMetadataJSON) *storage.ClientMetadataRecord {
	return &storage.ClientMetadataRecord{
		ClientID:  j.ClientID,
		Document:  j.Document,
		CachedAt:  fromUnixMilli(j.CachedAt),
		ExpiresAt: fromUnixMilli(j.ExpiresAt),
	}
}

// GetClientMetadata returns the cached metadata record for clientID, expired or not
func (s *Store) GetClientMetadata(ctx context.Context, clientID string) (*storage.ClientMetadataRecord, error) {
	return getAndUnmarshal(ctx, s, s.metadataKey(clientID), storage.ErrClientMetadataNotFound, fromClientMetadataJSON)
}

// SaveClientMetadata stores a metadata record, replacing any previous one
func (s *Store) SaveClientMetadata(ctx context.Context, record *storage.ClientMetadataRecord) error {
	if record == nil || record.ClientID == "" {
		return fmt.Errorf("client metadata client ID cannot be empty")
	}
	if err := validateIDLength(record.ClientID, "client ID"); err != nil {
		return err
	}

	data, err := json.Marshal(&clientMetadataJSON{
		ClientID:  record.ClientID,
		Document:  record.Document,
		CachedAt:  unixMilli(record.CachedAt),
		ExpiresAt: unixMilli(record.ExpiresAt),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal client metadata: %w", err)
	}

	ttl := retentionTTL(record.ExpiresAt, metadataRetention)
	for _, resp := range s.client.DoMulti(ctx,
		s.client.B().Set().Key(s.metadataKey(record.ClientID)).Value(string(data)).Ex(ttl).Build(),
		s.client.B().Zadd().Key(s.metadataExpiryKey()).ScoreMember().
			ScoreMember(float64(unixMilli(record.ExpiresAt)), record.ClientID).Build(),
	) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to save client metadata: %w", err)
		}
	}
	return nil
}

// DeleteExpiredClientMetadata removes records whose ExpiresAt is before now
func (s *Store) DeleteExpiredClientMetadata(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.client.Do(ctx,
		s.client.B().Zrangebyscore().Key(s.metadataExpiryKey()).
			Min("-inf").Max("("+strconv.FormatInt(now.UnixMilli(), 10)).Build(),
	).AsStrSlice()
	if err != nil {
		return 0, fmt.Errorf("failed to scan expired client metadata: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.metadataKey(id)
	}

	n, err := s.deleteKeys(ctx, keys)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired client metadata: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Zrem().Key(s.metadataExpiryKey()).Member(ids...).Build()).Error(); err != nil {
		return n, fmt.Errorf("failed to update metadata expiry index: %w", err)
	}
	return n, nil
}
