package warming

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/otero/cachefabric/coordinator"
)

// CoordinatorCacheClient adapts the coordinator service's public API to
// the warming service's CacheClient interface, so scheduled and
// predictive warming write straight into the tier fabric rather than a
// notional cache-manager HTTP API. It calls coordinator.Set the same
// way any other Encore service would, same-process or not.
type CoordinatorCacheClient struct{}

// Set splits key on the first ":" into namespace/name (falling back to
// a "warming" namespace for plain keys, e.g. those produced by a
// predictor that doesn't know about namespacing) and delegates to
// coordinator.Set.
func (CoordinatorCacheClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	namespace, name := "warming", key
	if ns, n, ok := strings.Cut(key, ":"); ok && ns != "" && n != "" {
		namespace, name = ns, n
	}

	_, err := coordinator.Set(ctx, namespace, name, &coordinator.SetRequest{
		Value: base64.StdEncoding.EncodeToString(value),
		TTL:   int(ttl.Seconds()),
	})
	return err
}

// FlushWriteBack calls the coordinator's FlushWriteBack endpoint,
// draining up to max queued write-back jobs. Called periodically by
// the write-back-flush cron job so WriteBack writes that only landed on
// the fastest tier propagate to the rest of the tier chain.
func FlushWriteBack(ctx context.Context, max int) (int, error) {
	resp, err := coordinator.FlushWriteBack(ctx, &coordinator.FlushWriteBackRequest{Max: max})
	if err != nil {
		return 0, err
	}
	return resp.Flushed, nil
}
