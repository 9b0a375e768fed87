package embedding

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Deduped wraps a Provider and collapses concurrent Encode calls for the
// same single query text into one upstream request, the way the base
// and composite retrievers' query-embedding call and the follow-up
// cache's embed-for-lookup call can legitimately race for the same text
// within the same moment (e.g. a composite and its own base retriever
// both embedding the identical incoming query). Multi-text batches pass
// straight through since there's no single cache key to dedupe on.
type Deduped struct {
	inner Provider
	group singleflight.Group
}

func NewDeduped(inner Provider) *Deduped {
	return &Deduped{inner: inner}
}

func (d *Deduped) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) != 1 {
		return d.inner.Encode(ctx, texts)
	}

	key := d.inner.Version() + ":" + texts[0]
	v, err, _ := d.group.Do(key, func() (any, error) {
		return d.inner.Encode(ctx, texts)
	})
	if err != nil {
		return nil, err
	}
	vectors := v.([][]float32)
	// Return a copy: singleflight shares the slice across every caller
	// that joined this call, and callers must not be able to mutate it.
	out := make([][]float32, len(vectors))
	for i, vec := range vectors {
		out[i] = append([]float32(nil), vec...)
	}
	return out, nil
}

func (d *Deduped) Version() string { return d.inner.Version() }

var _ Provider = (*Deduped)(nil)
