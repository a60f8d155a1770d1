package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePagination(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "", defaultPageLimit, 0},
		{"custom limit", "limit=20", 20, 0},
		{"custom offset", "offset=10", defaultPageLimit, 10},
		{"limit capped", "limit=5000", maxPageLimit, 0},
		{"negative values ignored", "limit=-1&offset=-5", defaultPageLimit, 0},
		{"garbage ignored", "limit=abc&offset=xyz", defaultPageLimit, 0},
		{"zero limit uses default", "limit=0", defaultPageLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/audit?"+tt.query, nil)
			limit, offset := parsePagination(r)
			assert.Equal(t, tt.wantLimit, limit, "limit")
			assert.Equal(t, tt.wantOffset, offset, "offset")
		})
	}
}

func TestPaginate(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	page, meta := paginate(items, 2, 0)
	assert.Equal(t, []int{1, 2}, page)
	assert.Equal(t, PaginationMeta{TotalCount: 5, Limit: 2, Offset: 0, HasMore: true}, meta)

	page, meta = paginate(items, 2, 4)
	assert.Equal(t, []int{5}, page)
	assert.False(t, meta.HasMore)

	page, meta = paginate(items, 2, 10)
	assert.Empty(t, page)
	assert.Equal(t, 10, meta.Offset)
	assert.False(t, meta.HasMore)

	page, _ = paginate([]int(nil), 10, 0)
	assert.Empty(t, page)
}
