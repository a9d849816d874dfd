// Package queryvalidation implements pagination parsing, field-name
// sanitisation, and sort validation shared by every list-style operation.
package queryvalidation

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Pagination is the caller-supplied request shape; either Page/PerPage or
// Limit/Offset may be set.
type Pagination struct {
	Page    *int
	PerPage *int
	Limit   *int
	Offset  *int
}

// Descriptor is the resolved, safe-to-use pagination/sort state.
type Descriptor struct {
	Limit     int
	Offset    int
	Page      int
	PerPage   int
	SortBy    string
	SortOrder string
}

// ResolvePagination applies defaults and max_limit. per_page == -1 means "no
// limit" and is accepted only when allowNoLimit is true.
func ResolvePagination(p Pagination, defaultLimit, maxLimit int, allowNoLimit bool) (Descriptor, error) {
	d := Descriptor{Limit: defaultLimit, Page: 1}

	if p.PerPage != nil {
		if *p.PerPage == -1 {
			if !allowNoLimit {
				return Descriptor{}, fmt.Errorf("per_page=-1 is not permitted for this endpoint")
			}
			d.Limit = -1
		} else if *p.PerPage > 0 {
			d.Limit = *p.PerPage
		}
		if p.Page != nil && *p.Page > 0 {
			d.Page = *p.Page
		}
		d.PerPage = d.Limit
		if d.Limit > 0 {
			d.Offset = (d.Page - 1) * d.Limit
		}
	} else {
		if p.Limit != nil && *p.Limit > 0 {
			d.Limit = *p.Limit
		}
		if p.Offset != nil && *p.Offset >= 0 {
			d.Offset = *p.Offset
		}
	}

	if d.Limit > 0 && maxLimit > 0 && d.Limit > maxLimit {
		d.Limit = maxLimit
	}
	return d, nil
}

// SchemaLookup resolves whether columnName is a real column of table,
// cached per table with explicit invalidation on schema change.
type SchemaLookup interface {
	HasColumn(ctx context.Context, table, columnName string) (bool, error)
}

// SortValidator sanitises sort_by against the safe identifier regex and,
// unless it is in the endpoint's virtual-field whitelist, confirms it names
// a real column via SchemaLookup (cached).
type SortValidator struct {
	Schema SchemaLookup

	mu    sync.RWMutex
	cache map[string]bool // "table.column" -> exists
}

func NewSortValidator(schema SchemaLookup) *SortValidator {
	return &SortValidator{Schema: schema, cache: make(map[string]bool)}
}

// InvalidateTable drops cached column-existence results for table, to be
// called whenever the table's schema changes (e.g. entity definition
// update regenerating the per-type table).
func (v *SortValidator) InvalidateTable(table string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	prefix := table + "."
	for k := range v.cache {
		if strings.HasPrefix(k, prefix) {
			delete(v.cache, k)
		}
	}
}

// Validate sanitises sortBy/sortOrder. virtualFields is the endpoint's
// whitelist of non-column sortable names (e.g. computed fields).
func (v *SortValidator) Validate(ctx context.Context, table, sortBy, sortOrder string, virtualFields map[string]bool) (string, string, error) {
	order := strings.ToUpper(strings.TrimSpace(sortOrder))
	if order == "" {
		order = "ASC"
	}
	if order != "ASC" && order != "DESC" {
		return "", "", fmt.Errorf("sort_order must be ASC or DESC")
	}

	if sortBy == "" {
		return "", order, nil
	}
	if !identifierRe.MatchString(sortBy) {
		return "", "", fmt.Errorf("sort_by %q contains unsafe characters", sortBy)
	}
	if virtualFields != nil && virtualFields[sortBy] {
		return sortBy, order, nil
	}

	key := table + "." + sortBy
	v.mu.RLock()
	exists, cached := v.cache[key]
	v.mu.RUnlock()
	if !cached {
		var err error
		exists, err = v.Schema.HasColumn(ctx, table, sortBy)
		if err != nil {
			return "", "", err
		}
		v.mu.Lock()
		v.cache[key] = exists
		v.mu.Unlock()
	}
	if !exists {
		return "", "", fmt.Errorf("sort_by %q is not a column of %s", sortBy, table)
	}
	return sortBy, order, nil
}
