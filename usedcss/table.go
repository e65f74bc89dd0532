package usedcss

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/pterm/pterm"
)

// Column is one column of a status table
type Column struct {
	Title string
	Cells []string
}

// StatusTable is a tabular status view. Prepare loads the data; Columns
// returns it once prepared.
type StatusTable interface {
	Prepare(ctx context.Context) error
	Columns() []Column
}

// RecordTable lists used-CSS records
type RecordTable struct {
	Store  *Store
	Status Status // empty lists every status
	Limit  int
	Offset int

	records []*Record
}

// Prepare implements StatusTable
func (t *RecordTable) Prepare(ctx context.Context) error {
	records, err := t.Store.List(ctx, t.Status, t.Limit, t.Offset)
	if err != nil {
		return err
	}
	t.records = records
	return nil
}

// Columns implements StatusTable
func (t *RecordTable) Columns() []Column {
	cols := []Column{
		{Title: "ID"}, {Title: "URL"}, {Title: "Mobile"}, {Title: "Status"},
		{Title: "Job"}, {Title: "Retries"}, {Title: "Hash"}, {Title: "Updated"},
	}
	for _, r := range t.records {
		hash := r.Hash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		row := []string{
			strconv.FormatInt(r.ID, 10),
			r.URL,
			strconv.FormatBool(r.IsMobile),
			string(r.Status),
			r.JobID,
			strconv.Itoa(r.Retries),
			hash,
			r.UpdatedAt.Format("2006-01-02 15:04:05"),
		}
		for i := range cols {
			cols[i].Cells = append(cols[i].Cells, row[i])
		}
	}
	return cols
}

// RenderStatus prepares t and writes it to w as a table
func RenderStatus(ctx context.Context, w io.Writer, t StatusTable) error {
	if err := t.Prepare(ctx); err != nil {
		return err
	}
	cols := t.Columns()
	if len(cols) == 0 {
		return nil
	}

	header := make([]string, len(cols))
	for i, c := range cols {
		header[i] = c.Title
	}
	data := pterm.TableData{header}
	for row := 0; row < len(cols[0].Cells); row++ {
		line := make([]string, len(cols))
		for i, c := range cols {
			if row < len(c.Cells) {
				line[i] = c.Cells[row]
			}
		}
		data = append(data, line)
	}

	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, out)
	return err
}
