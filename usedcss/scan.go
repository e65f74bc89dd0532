package usedcss

import (
	"database/sql"

	"github.com/teranos/usedcss/db"
	"github.com/teranos/usedcss/errors"
)

// RecordScanArgs holds the nullable and text-encoded columns of a record row
type RecordScanArgs struct {
	IsMobile     int
	Status       string
	CSS          sql.NullString
	CreatedAt    string
	UpdatedAt    string
	LastAccessed string
}

// recordColumns is the column list every record SELECT uses
const recordColumns = `id, url, is_mobile, status, job_id, queue_name, css, hash, retries,
	created_at, updated_at, last_accessed`

// recordScanTargets returns scan destinations in recordColumns order
func recordScanTargets(r *Record, args *RecordScanArgs) []any {
	return []any{
		&r.ID,
		&r.URL,
		&args.IsMobile,
		&args.Status,
		&r.JobID,
		&r.QueueName,
		&args.CSS,
		&r.Hash,
		&r.Retries,
		&args.CreatedAt,
		&args.UpdatedAt,
		&args.LastAccessed,
	}
}

func processRecordScanArgs(r *Record, args *RecordScanArgs) error {
	r.IsMobile = args.IsMobile == 1
	r.Status = Status(args.Status)
	if args.CSS.Valid {
		r.CSS = args.CSS.String
	}

	var err error
	if r.CreatedAt, err = db.ParseTime(args.CreatedAt); err != nil {
		return errors.Wrapf(err, "created_at for record %d", r.ID)
	}
	if r.UpdatedAt, err = db.ParseTime(args.UpdatedAt); err != nil {
		return errors.Wrapf(err, "updated_at for record %d", r.ID)
	}
	if r.LastAccessed, err = db.ParseTime(args.LastAccessed); err != nil {
		return errors.Wrapf(err, "last_accessed for record %d", r.ID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord scans one record from a *sql.Row or *sql.Rows
func scanRecord(row rowScanner) (*Record, error) {
	var r Record
	var args RecordScanArgs
	if err := row.Scan(recordScanTargets(&r, &args)...); err != nil {
		return nil, err
	}
	if err := processRecordScanArgs(&r, &args); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan used css record")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
