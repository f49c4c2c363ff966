package objstore

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"

	"github.com/webmaster-cyber/sendmailzw/internal/model"
)

// List blocks are CSV: a header row naming the columns, the address in the
// "Email" column, every other column a merge field.

// RecipientWriter streams recipients to a CSV block.
type RecipientWriter struct {
	w      *csv.Writer
	fields []string
	count  int
}

// NewRecipientWriter writes the header row for the given merge fields. The
// Email column is always first; fields are emitted in sorted order so blocks
// for the same list share a layout.
func NewRecipientWriter(w io.Writer, fields []string) (*RecipientWriter, error) {
	sorted := make([]string, len(fields))
	copy(sorted, fields)
	sort.Strings(sorted)

	cw := csv.NewWriter(w)
	header := append([]string{"Email"}, sorted...)
	if err := cw.Write(header); err != nil {
		return nil, fmt.Errorf("objstore: write header: %w", err)
	}
	return &RecipientWriter{w: cw, fields: sorted}, nil
}

// Write appends one recipient row.
func (rw *RecipientWriter) Write(r *model.Recipient) error {
	row := make([]string, 0, len(rw.fields)+1)
	row = append(row, r.Email)
	for _, f := range rw.fields {
		row = append(row, r.Fields[f])
	}
	if err := rw.w.Write(row); err != nil {
		return fmt.Errorf("objstore: write row: %w", err)
	}
	rw.count++
	return nil
}

// Count returns the number of rows written so far, excluding the header.
func (rw *RecipientWriter) Count() int {
	return rw.count
}

// Flush completes the block.
func (rw *RecipientWriter) Flush() error {
	rw.w.Flush()
	if err := rw.w.Error(); err != nil {
		return fmt.Errorf("objstore: flush: %w", err)
	}
	return nil
}

// RecipientReader streams recipients out of a CSV block.
type RecipientReader struct {
	r      *csv.Reader
	fields []string
}

// NewRecipientReader consumes the header row and prepares to read rows.
func NewRecipientReader(r io.Reader) (*RecipientReader, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("objstore: read header: %w", err)
	}
	if len(header) == 0 || header[0] != "Email" {
		return nil, fmt.Errorf("objstore: malformed block header")
	}
	fields := make([]string, len(header)-1)
	copy(fields, header[1:])
	return &RecipientReader{r: cr, fields: fields}, nil
}

// Fields returns the block's merge field names.
func (rr *RecipientReader) Fields() []string {
	return rr.fields
}

// Read returns the next recipient, or io.EOF at the end of the block.
func (rr *RecipientReader) Read() (model.Recipient, error) {
	row, err := rr.r.Read()
	if err != nil {
		if err == io.EOF {
			return model.Recipient{}, io.EOF
		}
		return model.Recipient{}, fmt.Errorf("objstore: read row: %w", err)
	}
	rec := model.Recipient{Email: row[0]}
	if len(rr.fields) > 0 {
		rec.Fields = make(map[string]string, len(rr.fields))
		for i, f := range rr.fields {
			if i+1 < len(row) {
				rec.Fields[f] = row[i+1]
			}
		}
	}
	return rec, nil
}

// Skip discards n rows, stopping early at the end of the block.
func (rr *RecipientReader) Skip(n int) error {
	for i := 0; i < n; i++ {
		if _, err := rr.r.Read(); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("objstore: skip row: %w", err)
		}
	}
	return nil
}
