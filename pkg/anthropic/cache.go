package anthropic

// BuildCachedSystemBlocks returns the shared instructions as a cached
// system block followed by an uncached per-request block. The instructions
// are identical for every job of one kind, so repeated jobs hit the cache.
func BuildCachedSystemBlocks(instructions, perRequest, ttl string) []SystemBlock {
	blocks := []SystemBlock{{
		Text:         instructions,
		CacheControl: &CacheControl{TTL: ttl},
	}}
	if perRequest != "" {
		blocks = append(blocks, SystemBlock{Text: perRequest})
	}
	return blocks
}
