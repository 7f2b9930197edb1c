package core

import (
	"crypto/md5"
	"encoding/binary"
)

// Shard maps input onto [0, totalShards). The first four bytes of the MD5
// digest are read as a big-endian uint32, which keeps the result identical
// across SDKs. A zero totalShards yields 0.
func Shard(input string, totalShards uint64) uint64 {
	if totalShards == 0 {
		return 0
	}
	sum := md5.Sum([]byte(input))
	return uint64(binary.BigEndian.Uint32(sum[:4])) % totalShards
}

func shardValue(s ShardSpec, subjectKey string, totalShards uint64) uint64 {
	return Shard(s.Salt+"-"+subjectKey, totalShards)
}

func shardMatches(s ShardSpec, value uint64) bool {
	for _, r := range s.Ranges {
		if r.Contains(value) {
			return true
		}
	}
	return false
}

// splitMatches reports whether every shard of split contains the subject.
// A split with no shards matches everyone.
func splitMatches(split Split, subjectKey string, totalShards uint64, trace *SplitDetails) bool {
	matched := true
	for _, s := range split.Shards {
		v := shardValue(s, subjectKey, totalShards)
		ok := shardMatches(s, v)
		if trace != nil {
			trace.Shards = append(trace.Shards, ShardDetails{Shard: s, ShardValue: v, Matched: ok})
		}
		if !ok {
			matched = false
			if trace == nil {
				return false
			}
		}
	}
	if trace != nil {
		trace.Matched = matched
	}
	return matched
}
