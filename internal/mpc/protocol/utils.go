package protocol

import (
	"sort"

	"github.com/pkg/errors"
)

// NormalizeIDs 返回排序后的副本，空名单或重复 ID 报错
func NormalizeIDs(ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, errors.New("participant IDs cannot be empty")
	}
	sortedIDs := make([]string, len(ids))
	copy(sortedIDs, ids)
	sort.Strings(sortedIDs)
	for i := 1; i < len(sortedIDs); i++ {
		if sortedIDs[i] == sortedIDs[i-1] {
			return nil, errors.Errorf("duplicate participant ID %q", sortedIDs[i])
		}
	}
	for _, id := range sortedIDs {
		if id == "" {
			return nil, errors.New("participant ID cannot be empty")
		}
	}
	return sortedIDs, nil
}

// AssignIdentifiers 按排序后的名单分配原语编号（1..n）
func AssignIdentifiers(ids []string) (map[string]Identifier, error) {
	sortedIDs, err := NormalizeIDs(ids)
	if err != nil {
		return nil, err
	}
	if len(sortedIDs) > int(^Identifier(0)) {
		return nil, errors.Errorf("too many participants: %d", len(sortedIDs))
	}
	result := make(map[string]Identifier, len(sortedIDs))
	for i, id := range sortedIDs {
		result[id] = Identifier(i + 1)
	}
	return result, nil
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func without(ids []string, id string) []string {
	result := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			result = append(result, v)
		}
	}
	return result
}
