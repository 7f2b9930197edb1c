package core

import "time"

// Configuration is an immutable snapshot of flags, bandit mappings and bandit
// models. It is safe for concurrent use and is replaced wholesale, never
// mutated.
type Configuration struct {
	flags         map[string]flagEntry
	flagKeys      []string
	banditsByFlag map[string]map[string]string
	banditKeys    map[string]struct{}
	models        map[string]BanditModel
	rawFlags      []byte
	environment   string
	publishedAt   time.Time
	fetchedAt     time.Time
}

type flagEntry struct {
	flag *Flag
	err  error
}

// BanditKeys returns the deduplicated set of bandits referenced by flags.
func (c *Configuration) BanditKeys() map[string]struct{} {
	out := make(map[string]struct{}, len(c.banditKeys))
	for k := range c.banditKeys {
		out[k] = struct{}{}
	}
	return out
}

// FlagsConfiguration returns a copy of the flags payload as it was parsed.
func (c *Configuration) FlagsConfiguration() []byte {
	return append([]byte(nil), c.rawFlags...)
}

// FlagKeys returns every flag key in the snapshot, sorted, including flags
// that failed validation.
func (c *Configuration) FlagKeys() []string {
	return append([]string(nil), c.flagKeys...)
}

// Flag returns a valid flag by key.
func (c *Configuration) Flag(key string) (*Flag, bool) {
	e, ok := c.flags[key]
	if !ok || e.err != nil {
		return nil, false
	}
	return e.flag, true
}

func (c *Configuration) lookupFlag(key string) (*Flag, error) {
	e, ok := c.flags[key]
	if !ok {
		return nil, ErrFlagNotFound
	}
	return e.flag, e.err
}

func (c *Configuration) BanditModel(key string) (BanditModel, bool) {
	m, ok := c.models[key]
	return m, ok
}

// BanditKeyFor returns the bandit backing a flag's variation value.
func (c *Configuration) BanditKeyFor(flagKey, variationValue string) (string, bool) {
	k, ok := c.banditsByFlag[flagKey][variationValue]
	return k, ok
}

func (c *Configuration) Environment() string    { return c.environment }
func (c *Configuration) PublishedAt() time.Time { return c.publishedAt }
func (c *Configuration) FetchedAt() time.Time   { return c.fetchedAt }
