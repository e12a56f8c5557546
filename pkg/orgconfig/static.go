package orgconfig

import "sort"

// Static is a fixed map of Redis targets.
type Static map[int64]Redis

// OrgIDs returns the org IDs in ascending order.
func (s Static) OrgIDs() []int64 {
	ids := make([]int64, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RedisTarget returns the target of an org.
func (s Static) RedisTarget(orgID int64) (Redis, bool) {
	target, ok := s[orgID]
	if !ok || !target.Valid() {
		return Redis{}, false
	}
	if target.Network == "" {
		target.Network = "tcp"
	}
	return target, true
}
