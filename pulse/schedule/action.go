// Package schedule is the durable scheduled-action layer: one-shot and
// recurring actions identified by (hook, args), and the runner that claims
// and executes them.
//
// Recurrence is a self-re-arming chain. Each occurrence is a single row; when
// it completes the runner inserts the next one, but only while the row's
// RecurrenceActive flag is still set. Cancelling the pending occurrence
// clears the flag for the whole (hook, args) identity, so Cancel and
// CancelAll both stop every future run.
package schedule

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/usedcss/errors"
)

// Status of a scheduled action
type Status string

const (
	StatusPending  Status = "pending"  // waiting for run_at
	StatusRunning  Status = "running"  // claimed by a runner
	StatusComplete Status = "complete" // hook returned nil
	StatusFailed   Status = "failed"   // hook returned an error or panicked
	StatusCanceled Status = "canceled" // removed before it ran
)

// DefaultGroup is stored on actions scheduled without an explicit group.
const DefaultGroup = "usedcss"

// RecurrenceKind says how the next occurrence is computed.
type RecurrenceKind string

const (
	RecurNone     RecurrenceKind = "none"
	RecurInterval RecurrenceKind = "interval"
	RecurCron     RecurrenceKind = "cron"
)

// Recurrence describes a repeating action. The zero value is one-shot.
type Recurrence struct {
	Kind     RecurrenceKind
	Interval time.Duration
	Cron     string
}

// IsRecurring reports whether completion should arm another occurrence.
func (r Recurrence) IsRecurring() bool {
	return r.Kind == RecurInterval || r.Kind == RecurCron
}

// Next returns the occurrence after t.
func (r Recurrence) Next(t time.Time) (time.Time, error) {
	switch r.Kind {
	case RecurInterval:
		if r.Interval <= 0 {
			return time.Time{}, errors.Newf("invalid recurrence interval %s", r.Interval)
		}
		return t.Add(r.Interval), nil
	case RecurCron:
		sched, err := ParseCron(r.Cron)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(t), nil
	default:
		return time.Time{}, errors.New("action does not recur")
	}
}

func (r Recurrence) kind() RecurrenceKind {
	if r.Kind == "" {
		return RecurNone
	}
	return r.Kind
}

// Standard five-field cron plus descriptors such as @weekly and @every 5m.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a cron expression or descriptor.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid cron expression %q", expr)
	}
	return sched, nil
}

// Action is one occurrence of a scheduled hook.
type Action struct {
	ID               string
	Hook             string
	Args             []any
	Group            string
	RunAt            time.Time
	Recurrence       Recurrence
	Status           Status
	ClaimID          string
	RecurrenceActive bool
	Attempts         int
	LastError        string
	CreatedAt        time.Time
	ModifiedAt       time.Time
}

// EncodeArgs renders args as the canonical JSON stored in the args column.
// Equal tuples always encode to equal strings, which is what dedup compares.
// nil encodes as the empty tuple.
func EncodeArgs(args []any) (string, error) {
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode action args")
	}
	return string(data), nil
}

// DecodeArgs parses the args column. Numbers decode as json.Number so
// integer ids survive unchanged; use ArgInt64 to read them.
func DecodeArgs(s string) ([]any, error) {
	if s == "" {
		return []any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var args []any
	if err := dec.Decode(&args); err != nil {
		return nil, errors.Wrapf(err, "failed to decode action args %q", s)
	}
	if args == nil {
		args = []any{}
	}
	return args, nil
}

// ArgInt64 reads args[i] as an integer.
func ArgInt64(args []any, i int) (int64, error) {
	if i < 0 || i >= len(args) {
		return 0, errors.Newf("missing argument %d (have %d)", i, len(args))
	}
	switch v := args[i].(type) {
	case json.Number:
		return v.Int64()
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != float64(int64(v)) {
			return 0, errors.Newf("argument %d is not an integer: %v", i, v)
		}
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, errors.Newf("argument %d has unsupported type %T", i, v)
	}
}
