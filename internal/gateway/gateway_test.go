package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bentbr/rdatacore/internal/dynamicentity"
)

func TestEntityToMapIncludesRegistryFields(t *testing.T) {
	e := dynamicentity.Entity{
		UUID:       "e-1",
		EntityType: "widget",
		Path:       "/a",
		EntityKey:  "k1",
		Version:    2,
		Fields:     map[string]any{"name": "thing"},
	}
	m := entityToMap(e)
	assert.Equal(t, "e-1", m["uuid"])
	assert.Equal(t, "thing", m["name"])
	assert.Equal(t, 2, m["version"])
}

func TestToMapsConvertsRecords(t *testing.T) {
	records := []dynamicentity.Record{{"a": 1}, {"b": 2}}
	out := toMaps(records)
	assert.Len(t, out, 2)
	assert.Equal(t, 1, out[0]["a"])
	assert.Equal(t, 2, out[1]["b"])
}
