package store

import (
	"context"
	"errors"
	"fmt"
)

// ChunkVisitor receives one chunk per call during a streaming read. It may
// block for backpressure; returning an error aborts the stream.
type ChunkVisitor func(chunkIndex int, data []byte, meta *ChunkMeta) error

// StreamContent produces the chunks of a completed content item in
// ascending index order. Each chunk is re-read independently, with no
// content-wide lock held between steps, so a concurrent removal surfaces
// as ErrContentGone at the next chunk rather than corrupting the stream.
func (cs *ContentStore) StreamContent(ctx context.Context, contentID string, visit ChunkVisitor) error {
	meta, err := cs.GetContent(contentID)
	if err != nil {
		return err
	}
	if !meta.IsComplete {
		return fmt.Errorf("%w: content %s incomplete", ErrContentNotFound, contentID)
	}

	for i := 0; i < meta.TotalChunks; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunkMeta, err := cs.GetChunkMetadata(contentID, i)
		if err != nil {
			if errors.Is(err, ErrChunkNotFound) {
				return cs.goneOrMissing(contentID)
			}
			return err
		}

		data, err := cs.GetChunk(contentID, i)
		if err != nil {
			if errors.Is(err, ErrChunkNotFound) {
				return cs.goneOrMissing(contentID)
			}
			return err
		}

		if err := visit(i, data, chunkMeta); err != nil {
			return err
		}
	}
	return nil
}

// goneOrMissing distinguishes content removed mid-stream (GONE) from a
// chunk that never existed.
func (cs *ContentStore) goneOrMissing(contentID string) error {
	if _, err := cs.GetContent(contentID); errors.Is(err, ErrContentNotFound) {
		return ErrContentGone
	}
	return ErrChunkNotFound
}
