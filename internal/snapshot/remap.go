package snapshot

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/offshore-budgeting/ledgersync/internal/identity"
)

// Remap moves cached card entries from old to new identities. Snapshot keys
// and their embedded cardID field are rewritten, as is the id of each
// matching card-list entry. Matching ignores case; rewritten identities are
// upper-case. An entry whose new key is already taken is dropped rather
// than overwriting the existing one. Unrelated and undecodable entries are
// left untouched. It returns the number of entries rewritten and flushes
// the cache when anything changed.
func (s *Store) Remap(ctx context.Context, ids map[uuid.UUID]uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	lookup := make(map[string]string, len(ids))
	for from, to := range ids {
		if from == to {
			continue
		}

		lookup[identity.FormatID(from)] = identity.FormatID(to)
	}

	changed := s.remapSnapshots(lookup) + s.remapCardList(lookup)

	if changed > 0 && !s.kv.Synchronize(ctx) {
		s.logger.Warn("widget cache flush failed; remapped entries are pending")
	}

	s.logger.Info("widget cache remapped", slog.Int("entries", changed))

	return changed, nil
}

func (s *Store) remapSnapshots(lookup map[string]string) int {
	changed := 0

	for _, key := range s.kv.Keys(cardSnapshotPrefix) {
		period, cardID, ok := splitCardSnapshotKey(key)
		if !ok {
			continue
		}

		to, ok := lookup[strings.ToUpper(cardID)]
		if !ok {
			continue
		}

		raw, _ := s.kv.Get(key)

		newKey := cardSnapshotKey(period, to)
		if _, taken := s.kv.Get(newKey); taken {
			s.kv.Delete(key)
			changed++

			s.logger.Debug("dropped superseded card snapshot", slog.String("key", key))

			continue
		}

		rewritten, err := setField(raw, "cardID", to)
		if err != nil {
			s.logger.Warn("skipping undecodable card snapshot",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)

			continue
		}

		s.kv.Set(newKey, rewritten)
		s.kv.Delete(key)
		changed++

		s.logger.Debug("remapped card snapshot",
			slog.String("from", key),
			slog.String("to", newKey),
		)
	}

	return changed
}

func (s *Store) remapCardList(lookup map[string]string) int {
	raw, ok := s.kv.Get(cardListKey)
	if !ok {
		return 0
	}

	var entries []map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		s.logger.Warn("skipping undecodable card list", slog.String("error", err.Error()))
		return 0
	}

	changed := 0
	seen := make(map[string]bool, len(entries))
	kept := entries[:0]

	for _, entry := range entries {
		var id string
		if err := json.Unmarshal(entry["id"], &id); err != nil {
			kept = append(kept, entry)
			continue
		}

		if to, ok := lookup[strings.ToUpper(id)]; ok {
			entry["id"], _ = json.Marshal(to)
			id = to
			changed++
		}

		if seen[strings.ToUpper(id)] {
			continue
		}

		seen[strings.ToUpper(id)] = true
		kept = append(kept, entry)
	}

	if changed == 0 {
		return 0
	}

	data, err := json.Marshal(kept)
	if err != nil {
		s.logger.Warn("re-encoding card list failed", slog.String("error", err.Error()))
		return 0
	}

	s.kv.Set(cardListKey, string(data))

	return changed
}

// setField replaces one top-level string field of a JSON object and keeps
// every other field as it was.
func setField(raw, field, value string) (string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return "", err
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return "", err
	}

	obj[field] = encoded

	out, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}

	return string(out), nil
}
