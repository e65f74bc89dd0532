package schedule

import (
	"context"
	"strings"
	"time"

	"github.com/teranos/usedcss/db"
	"github.com/teranos/usedcss/errors"
)

// Format selects the shape of a search result.
type Format int

const (
	FormatObject Format = iota // []*Action
	FormatArray                // []map[string]any
	FormatIDs                  // []string
)

// Comparator for date filters
type Comparator string

const (
	CompareNE Comparator = "!="
	CompareGT Comparator = ">"
	CompareGE Comparator = ">="
	CompareLT Comparator = "<"
	CompareLE Comparator = "<="
	CompareEQ Comparator = "="
)

func (c Comparator) sql() (string, error) {
	switch c {
	case "":
		return string(CompareLE), nil
	case CompareNE, CompareGT, CompareGE, CompareLT, CompareLE, CompareEQ:
		return string(c), nil
	}
	return "", errors.NewInvalidRequestError("unknown comparator %q", string(c))
}

// Claim filters
const (
	ClaimAny      = ""           // claimed or not
	ClaimedOnly   = "*claimed"   // any non-empty claim
	UnclaimedOnly = "*unclaimed" // no claim
)

// DefaultPerPage is used when Query.PerPage is zero.
const DefaultPerPage = 5

// Query filters a search. Zero values mean "no filter" except where noted.
type Query struct {
	Hook string
	// Args nil matches any args; a non-nil slice (including empty) must match exactly.
	Args            []any
	Group           string
	Date            *time.Time
	DateCompare     Comparator // default <=
	Modified        *time.Time
	ModifiedCompare Comparator // default <=
	Status          Status
	// Claimed is ClaimAny, ClaimedOnly, UnclaimedOnly or a specific claim id.
	Claimed string
	PerPage int // 0 = DefaultPerPage, negative = unlimited
	Offset  int
	OrderBy string // hook | group | modified | date (default)
	Order   string // ASC (default) | DESC
}

// SearchResult holds the field matching the requested Format.
type SearchResult struct {
	Format  Format
	Actions []*Action
	Rows    []map[string]any
	IDs     []string
}

// Len returns the number of results regardless of format.
func (r SearchResult) Len() int {
	switch r.Format {
	case FormatArray:
		return len(r.Rows)
	case FormatIDs:
		return len(r.IDs)
	default:
		return len(r.Actions)
	}
}

var orderColumns = map[string]string{
	"":         "run_at",
	"date":     "run_at",
	"hook":     "hook",
	"group":    "group_name",
	"modified": "modified_at",
}

func buildSearch(q Query) (string, []any, error) {
	var where []string
	var args []any

	if q.Hook != "" {
		where = append(where, "hook = ?")
		args = append(args, q.Hook)
	}
	if q.Args != nil {
		encoded, err := EncodeArgs(q.Args)
		if err != nil {
			return "", nil, err
		}
		where = append(where, "args = ?")
		args = append(args, encoded)
	}
	if q.Group != "" {
		where = append(where, "group_name = ?")
		args = append(args, q.Group)
	}
	if q.Date != nil {
		op, err := q.DateCompare.sql()
		if err != nil {
			return "", nil, err
		}
		where = append(where, "run_at "+op+" ?")
		args = append(args, db.FormatTime(*q.Date))
	}
	if q.Modified != nil {
		op, err := q.ModifiedCompare.sql()
		if err != nil {
			return "", nil, err
		}
		where = append(where, "modified_at "+op+" ?")
		args = append(args, db.FormatTime(*q.Modified))
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	switch q.Claimed {
	case ClaimAny:
	case ClaimedOnly:
		where = append(where, "claim_id != ''")
	case UnclaimedOnly:
		where = append(where, "claim_id = ''")
	default:
		where = append(where, "claim_id = ?")
		args = append(args, q.Claimed)
	}

	column, ok := orderColumns[strings.ToLower(q.OrderBy)]
	if !ok {
		return "", nil, errors.NewInvalidRequestError("unknown order field %q", q.OrderBy)
	}
	order := strings.ToUpper(q.Order)
	switch order {
	case "":
		order = "ASC"
	case "ASC", "DESC":
	default:
		return "", nil, errors.NewInvalidRequestError("unknown order %q", q.Order)
	}

	var sb strings.Builder
	sb.WriteString("SELECT " + actionColumns + " FROM scheduled_actions")
	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	// id breaks ties so pages are stable
	sb.WriteString(" ORDER BY " + column + " " + order + ", id " + order)

	perPage := q.PerPage
	if perPage == 0 {
		perPage = DefaultPerPage
	}
	if perPage > 0 {
		sb.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, perPage, q.Offset)
	} else if q.Offset > 0 {
		sb.WriteString(" LIMIT -1 OFFSET ?")
		args = append(args, q.Offset)
	}
	return sb.String(), args, nil
}

// Search runs q and shapes the result per format.
func (s *Store) Search(ctx context.Context, q Query, format Format) (SearchResult, error) {
	query, args, err := buildSearch(q)
	if err != nil {
		return SearchResult{}, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return SearchResult{}, errors.Wrap(err, "failed to search actions")
	}
	actions, err := scanActions(rows)
	if err != nil {
		return SearchResult{}, err
	}

	result := SearchResult{Format: format}
	switch format {
	case FormatObject:
		result.Actions = actions
	case FormatArray:
		result.Rows = make([]map[string]any, 0, len(actions))
		for _, a := range actions {
			result.Rows = append(result.Rows, a.Map())
		}
	case FormatIDs:
		result.IDs = make([]string, 0, len(actions))
		for _, a := range actions {
			result.IDs = append(result.IDs, a.ID)
		}
	default:
		return SearchResult{}, errors.NewInvalidRequestError("unknown search format %d", int(format))
	}
	return result, nil
}

// Map renders the action as an associative row, keyed by column name.
func (a *Action) Map() map[string]any {
	row := map[string]any{
		"id":                a.ID,
		"hook":              a.Hook,
		"args":              a.Args,
		"group":             a.Group,
		"run_at":            a.RunAt,
		"recurrence":        string(a.Recurrence.kind()),
		"recurrence_active": a.RecurrenceActive,
		"status":            string(a.Status),
		"claim_id":          a.ClaimID,
		"attempts":          a.Attempts,
		"last_error":        a.LastError,
		"created_at":        a.CreatedAt,
		"modified_at":       a.ModifiedAt,
	}
	switch a.Recurrence.Kind {
	case RecurInterval:
		row["interval_seconds"] = int64(a.Recurrence.Interval / time.Second)
	case RecurCron:
		row["cron"] = a.Recurrence.Cron
	}
	return row
}
