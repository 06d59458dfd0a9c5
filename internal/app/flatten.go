package app

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"threadline/api/internal/store"
)

type FlattenResult struct {
	Flattened int `json:"flattened"`
	Recounted int `json:"recounted"`
}

// FlattenDeepReplies re-parents messages stored deeper than MaxThreadDepth
// onto their depth-2 ancestor. It repairs data written before the depth cap
// was enforced and is run as a one-off migration.
func (s *MessageService) FlattenDeepReplies(ctx context.Context) (FlattenResult, error) {
	var result FlattenResult
	touched := map[string]struct{}{}
	query := store.MessageQuery{MinDepth: store.MaxThreadDepth + 1, IncludeDeleted: true}
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		batch, err := s.store.FindMessages(ctx, query, store.Page{Page: 1, Limit: store.MaxPageLimit})
		if err != nil {
			return result, fmt.Errorf("find deep replies: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, msg := range batch {
			if len(msg.ThreadPath) < store.MaxThreadDepth {
				return result, fmt.Errorf("message %s at depth %d has a short path", msg.ID, msg.ThreadDepth)
			}
			for _, id := range msg.ThreadPath {
				touched[id] = struct{}{}
			}
			parent := msg.ThreadPath[store.MaxThreadDepth-1]
			msg.ReplyTo = &parent
			msg.ThreadPath = slices.Clone(msg.ThreadPath[:store.MaxThreadDepth])
			msg.ThreadDepth = store.MaxThreadDepth
			msg.UpdatedAt = s.now().UTC()
			if err := s.store.UpdateMessage(ctx, msg); err != nil {
				return result, fmt.Errorf("flatten %s: %w", msg.ID, err)
			}
			result.Flattened++
		}
	}

	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	if err := recountAncestors(ctx, s.store, ids, s.now); err != nil {
		return result, fmt.Errorf("recount replies: %w", err)
	}
	result.Recounted = len(ids)
	s.logger.Info("deep_replies_flattened", zap.Int("flattened", result.Flattened), zap.Int("recounted", result.Recounted))
	return result, nil
}
