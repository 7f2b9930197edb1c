package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

const (
	payloadFlags        = "flags"
	payloadBandits      = "bandits"
	payloadBanditModels = "bandit models"
)

type environment struct {
	Name string `json:"name"`
}

type flagsDocument struct {
	CreatedAt   *time.Time                   `json:"createdAt"`
	Environment *environment                 `json:"environment"`
	Flags       map[string]json.RawMessage   `json:"flags"`
	Bandits     map[string][]BanditVariation `json:"bandits"`
}

type banditsDocument struct {
	Bandits map[string][]BanditVariation `json:"bandits"`
}

type banditModelsDocument struct {
	UpdatedAt   *time.Time             `json:"updatedAt"`
	Environment *environment           `json:"environment"`
	Bandits     map[string]BanditModel `json:"bandits"`
}

type ParseOption func(*parseOptions)

type parseOptions struct {
	fetchedAt time.Time
}

// WithFetchedAt records when the payloads were obtained. Defaults to now.
func WithFetchedAt(t time.Time) ParseOption {
	return func(o *parseOptions) { o.fetchedAt = t }
}

// Parse builds an immutable Configuration from the flags payload and the
// optional bandit payloads. A nil or empty optional payload is skipped.
//
// Malformed JSON fails with *SyntaxError and a wrong shape with
// *SchemaError; both match ErrParse. A single flag that cannot be decoded or
// validated does not fail the parse: it is kept as a defective entry and
// reported when evaluated.
func Parse(flags, bandits, banditModels []byte, opts ...ParseOption) (*Configuration, error) {
	o := parseOptions{fetchedAt: time.Now().UTC()}
	for _, opt := range opts {
		opt(&o)
	}

	var doc flagsDocument
	if err := decodePayload(payloadFlags, flags, &doc); err != nil {
		return nil, err
	}
	if doc.Flags == nil {
		return nil, &SchemaError{Payload: payloadFlags, Path: "flags", Reason: "must be an object"}
	}

	cfg := &Configuration{
		flags:         make(map[string]flagEntry, len(doc.Flags)),
		banditsByFlag: make(map[string]map[string]string),
		banditKeys:    make(map[string]struct{}),
		models:        make(map[string]BanditModel),
		rawFlags:      append([]byte(nil), flags...),
		fetchedAt:     o.fetchedAt,
	}
	if doc.CreatedAt != nil {
		cfg.publishedAt = doc.CreatedAt.UTC()
	}
	if doc.Environment != nil {
		cfg.environment = doc.Environment.Name
	}

	for key, raw := range doc.Flags {
		flag, err := parseFlag(key, raw)
		cfg.flags[key] = flagEntry{flag: flag, err: err}
		cfg.flagKeys = append(cfg.flagKeys, key)
	}
	sort.Strings(cfg.flagKeys)

	cfg.addBanditVariations(doc.Bandits)

	if len(bandits) > 0 {
		var bdoc banditsDocument
		if err := decodePayload(payloadBandits, bandits, &bdoc); err != nil {
			return nil, err
		}
		cfg.addBanditVariations(bdoc.Bandits)
	}

	if len(banditModels) > 0 {
		var mdoc banditModelsDocument
		if err := decodePayload(payloadBanditModels, banditModels, &mdoc); err != nil {
			return nil, err
		}
		for key, model := range mdoc.Bandits {
			if err := validateModel(model.ModelData); err != nil {
				return nil, &SchemaError{Payload: payloadBanditModels, Path: "bandits." + key + ".modelData", Reason: err.Error()}
			}
			if model.BanditKey == "" {
				model.BanditKey = key
			}
			cfg.models[key] = model
		}
	}

	return cfg, nil
}

func decodePayload(payload string, data []byte, dst any) error {
	err := json.Unmarshal(data, dst)
	if err == nil {
		return nil
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return &SyntaxError{Payload: payload, Offset: syntaxErr.Offset, Err: err}
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &SchemaError{
			Payload: payload,
			Path:    typeErr.Field,
			Reason:  fmt.Sprintf("cannot use %s as %s", typeErr.Value, typeErr.Type),
		}
	}
	return &SchemaError{Payload: payload, Reason: err.Error()}
}

func (c *Configuration) addBanditVariations(rows map[string][]BanditVariation) {
	for banditKey, variations := range rows {
		c.banditKeys[banditKey] = struct{}{}
		for _, v := range variations {
			byValue, ok := c.banditsByFlag[v.FlagKey]
			if !ok {
				byValue = make(map[string]string)
				c.banditsByFlag[v.FlagKey] = byValue
			}
			byValue[v.VariationValue] = banditKey
		}
	}
}

func parseFlag(key string, raw json.RawMessage) (*Flag, error) {
	var flag Flag
	if err := json.Unmarshal(raw, &flag); err != nil {
		return nil, fmt.Errorf("%w: flag %q: %w", ErrInvalidFlag, key, err)
	}
	if flag.Key == "" {
		flag.Key = key
	}
	if err := flag.compile(); err != nil {
		return nil, fmt.Errorf("%w: flag %q: %w", ErrInvalidFlag, key, err)
	}
	return &flag, nil
}

func (f *Flag) compile() error {
	if !f.VariationType.Valid() {
		return fmt.Errorf("unknown variation type %q", f.VariationType)
	}
	if f.TotalShards == 0 {
		f.TotalShards = defaultTotalShards
	}

	f.values = make(map[string]Value, len(f.Variations))
	for key, variation := range f.Variations {
		value, err := f.VariationType.Decode(variation.Value)
		if err != nil {
			return fmt.Errorf("variation %q: %w", key, err)
		}
		f.values[key] = value
	}

	for i := range f.Allocations {
		alloc := &f.Allocations[i]
		for r := range alloc.Rules {
			for c := range alloc.Rules[r].Conditions {
				if err := alloc.Rules[r].Conditions[c].compile(); err != nil {
					return fmt.Errorf("allocation %q: rule %d: %w", alloc.Key, r, err)
				}
			}
		}
		if err := f.validateSplits(alloc); err != nil {
			return fmt.Errorf("allocation %q: %w", alloc.Key, err)
		}
	}
	return nil
}

func (f *Flag) validateSplits(alloc *Allocation) error {
	for i, split := range alloc.Splits {
		if _, ok := f.values[split.VariationKey]; !ok {
			return fmt.Errorf("split %d: unknown variation %q", i, split.VariationKey)
		}
		for _, shard := range split.Shards {
			for _, r := range shard.Ranges {
				if r.Start > r.End || r.End > f.TotalShards {
					return fmt.Errorf("split %d: shard range [%d, %d) outside [0, %d)", i, r.Start, r.End, f.TotalShards)
				}
			}
		}
	}

	// Splits sharded under the same set of salts partition traffic. They
	// overlap when every salt's ranges intersect. Splits with different salt
	// sets are layered and only ordered by position.
	for i := 0; i < len(alloc.Splits); i++ {
		for j := i + 1; j < len(alloc.Splits); j++ {
			if salt, ok := splitsOverlap(alloc.Splits[i], alloc.Splits[j]); ok {
				return fmt.Errorf("splits %d and %d overlap on salt %q", i, j, salt)
			}
		}
	}
	return nil
}

func splitsOverlap(a, b Split) (string, bool) {
	if len(a.Shards) == 0 || len(a.Shards) != len(b.Shards) {
		return "", false
	}
	byB := make(map[string][]ShardRange, len(b.Shards))
	for _, shard := range b.Shards {
		byB[shard.Salt] = append(byB[shard.Salt], shard.Ranges...)
	}
	seen := make(map[string]bool, len(a.Shards))
	for _, shard := range a.Shards {
		ranges, ok := byB[shard.Salt]
		if !ok || !rangesOverlap(shard.Ranges, ranges) {
			return "", false
		}
		seen[shard.Salt] = true
	}
	if len(seen) != len(byB) {
		return "", false
	}
	return a.Shards[0].Salt, true
}

func rangesOverlap(a, b []ShardRange) bool {
	for _, x := range a {
		for _, y := range b {
			if x.Start < x.End && y.Start < y.End && x.Start < y.End && y.Start < x.End {
				return true
			}
		}
	}
	return false
}

func validateModel(m BanditModelData) error {
	if m.ActionProbabilityFloor < 0 || m.ActionProbabilityFloor > 1 {
		return fmt.Errorf("actionProbabilityFloor %v outside [0, 1]", m.ActionProbabilityFloor)
	}
	if m.Gamma < 0 || math.IsInf(m.Gamma, 0) {
		return fmt.Errorf("gamma %v must be a finite non-negative number", m.Gamma)
	}
	return nil
}
