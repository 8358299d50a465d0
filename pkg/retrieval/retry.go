package retrieval

import (
	"context"

	"github.com/dotsetgreg/dotrag/pkg/logger"
	"github.com/dotsetgreg/dotrag/pkg/utils"
)

// RetryingRetriever retries transient search failures with backoff.
type RetryingRetriever struct {
	inner  Retriever
	policy utils.RetryPolicy
}

func NewRetryingRetriever(inner Retriever, policy utils.RetryPolicy) *RetryingRetriever {
	return &RetryingRetriever{inner: inner, policy: policy}
}

func (r *RetryingRetriever) Search(ctx context.Context, query string, opts SearchOptions) ([]Document, error) {
	var docs []Document
	attempt := 0
	err := utils.Retry(ctx, r.policy, func(ctx context.Context) error {
		attempt++
		var err error
		docs, err = r.inner.Search(ctx, query, opts)
		if err != nil && attempt > 1 {
			logger.DebugCF("retrieval", "Search retry failed", map[string]interface{}{"attempt": attempt, "error": err.Error()})
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}
