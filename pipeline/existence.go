package pipeline

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// ContactFetcher asks the directory service about accounts and groups we
// have not seen yet.
type ContactFetcher interface {
	FetchContactors(ctx context.Context, ids []string) error
	FetchGroup(ctx context.Context, groupID string) error
}

// existenceCache remembers which contacts and groups have been confirmed in
// this process so each is fetched at most once until Reset.
type existenceCache struct {
	fetcher  ContactFetcher
	self     string
	contacts sync.Map
	groups   sync.Map
	log      zerolog.Logger
}

func newExistenceCache(fetcher ContactFetcher, self string, logger zerolog.Logger) *existenceCache {
	return &existenceCache{
		fetcher: fetcher,
		self:    self,
		log:     logger.With().Str("component", "existence").Logger(),
	}
}

// Check fetches the unconfirmed ids among senders and groups. Failures are
// logged and the ids stay unconfirmed, so a later batch retries them.
func (c *existenceCache) Check(ctx context.Context, senders, groups []string) {
	if c.fetcher == nil {
		return
	}

	unknown := make([]string, 0, len(senders))
	seen := make(map[string]struct{}, len(senders))
	for _, id := range senders {
		if id == "" || id == c.self {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := c.contacts.Load(id); !ok {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		if err := c.fetcher.FetchContactors(ctx, unknown); err != nil {
			c.log.Warn().Err(err).Strs("ids", unknown).Msg("fetch contactors")
		} else {
			for _, id := range unknown {
				c.contacts.Store(id, struct{}{})
			}
		}
	}

	for _, id := range groups {
		if id == "" {
			continue
		}
		if _, loaded := c.groups.LoadOrStore(id, struct{}{}); loaded {
			continue
		}
		if err := c.fetcher.FetchGroup(ctx, id); err != nil {
			c.groups.Delete(id)
			c.log.Warn().Err(err).Str("group", id).Msg("fetch group")
		}
	}
}

// Reset forgets every confirmed id.
func (c *existenceCache) Reset() {
	c.contacts.Range(func(key, _ any) bool {
		c.contacts.Delete(key)
		return true
	})
	c.groups.Range(func(key, _ any) bool {
		c.groups.Delete(key)
		return true
	})
}
