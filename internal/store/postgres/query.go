package postgres

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

// listQuery appends the time window, ordering and paging of opts to base.
type listQuery struct {
	sb   strings.Builder
	args []any
}

func newListQuery(base string, args ...any) *listQuery {
	q := &listQuery{args: args}
	q.sb.WriteString(base)
	return q
}

func (q *listQuery) arg(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *listQuery) window(column string, opts domain.ListOpts) *listQuery {
	if opts.Since != nil {
		fmt.Fprintf(&q.sb, " AND %s >= %s", column, q.arg(*opts.Since))
	}
	if opts.Until != nil {
		fmt.Fprintf(&q.sb, " AND %s <= %s", column, q.arg(*opts.Until))
	}
	return q
}

func (q *listQuery) orderPage(order string, limit, offset int) *listQuery {
	q.sb.WriteString(" ORDER BY " + order)
	if limit > 0 {
		q.sb.WriteString(" LIMIT " + q.arg(limit))
	}
	if offset > 0 {
		q.sb.WriteString(" OFFSET " + q.arg(offset))
	}
	return q
}

func (q *listQuery) String() string { return q.sb.String() }
