// Package csvio reads and writes the semicolon-separated interchange files
// the pipeline stages pass between each other: route dumps, mapper output
// and prepared result files.
package csvio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"cotations/packages/domain"
)

var (
	routeColumns    = []string{"id", "description", "activities", "status", "ai_cotations"}
	keptColumns     = []string{"id", "description", "activity"}
	preparedColumns = []string{"id", "cotations"}
)

// stripBOM removes the UTF-8 byte order mark some spreadsheet tools prepend.
func stripBOM(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if b, err := br.Peek(3); err == nil && bytes.Equal(b, []byte{0xEF, 0xBB, 0xBF}) {
		br.Discard(3)
	}
	return br
}

// rowReader consumes semicolon rows and resolves fields by column name. A
// file whose first row is not a header falls back to positional columns.
type rowReader struct {
	c       *csv.Reader
	want    []string
	cols    map[string]int
	pending []string
	eof     bool
}

func newRowReader(r io.Reader, want []string) *rowReader {
	c := csv.NewReader(stripBOM(r))
	c.Comma = ';'
	c.FieldsPerRecord = -1
	return &rowReader{c: c, want: want}
}

// next returns the following data row, or nil at end of input.
func (r *rowReader) next() ([]string, error) {
	if r.eof {
		return nil, nil
	}
	if r.cols == nil {
		first, err := r.c.Read()
		if errors.Is(err, io.EOF) {
			r.eof = true
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv header: %w", err)
		}
		cols, isHeader := headerIndex(first, r.want)
		r.cols = cols
		if !isHeader {
			r.pending = first
		}
	}
	if r.pending != nil {
		row := r.pending
		r.pending = nil
		return row, nil
	}
	row, err := r.c.Read()
	if errors.Is(err, io.EOF) {
		r.eof = true
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv row: %w", err)
	}
	return row, nil
}

func (r *rowReader) field(row []string, name string) string {
	idx, ok := r.cols[name]
	if !ok || idx >= len(row) {
		return ""
	}
	return row[idx]
}

// headerIndex maps wanted column names to positions. When the first row does
// not name every wanted column it is data, and columns are positional.
func headerIndex(first []string, want []string) (map[string]int, bool) {
	named := make(map[string]int, len(first))
	for i, cell := range first {
		named[strings.ToLower(strings.TrimSpace(cell))] = i
	}
	cols := make(map[string]int, len(want))
	for _, name := range want {
		idx, ok := named[name]
		if !ok {
			for i, n := range want {
				cols[n] = i
			}
			return cols, false
		}
		cols[name] = idx
	}
	return cols, true
}

// RouteReader iterates a route table dump. It satisfies the batch runner's
// source contract, so a CSV file substitutes for the live table.
type RouteReader struct {
	r *rowReader
}

func NewRouteReader(r io.Reader) *RouteReader {
	return &RouteReader{r: newRowReader(r, routeColumns)}
}

func (rr *RouteReader) Next(_ context.Context) (domain.RouteRecord, bool, error) {
	for {
		row, err := rr.r.next()
		if err != nil {
			return domain.RouteRecord{}, false, err
		}
		if row == nil {
			return domain.RouteRecord{}, false, nil
		}

		idRaw := strings.TrimSpace(rr.r.field(row, "id"))
		id, err := strconv.ParseInt(idRaw, 10, 64)
		if err != nil {
			slog.Warn("Skipping route csv row with unusable id", "value", idRaw)
			continue
		}

		existing, err := domain.DecodeHistogram(rr.r.field(row, "ai_cotations"))
		if err != nil {
			slog.Warn("Ignoring corrupt ai_cotations value in csv", "route_id", id, "error", err)
			existing = nil
		}

		return domain.RouteRecord{
			ID:             id,
			RawDescription: rr.r.field(row, "description"),
			Activities:     domain.ParseActivities(rr.r.field(row, "activities")),
			Status:         domain.ParseStatus(rr.r.field(row, "status")),
			ExistingGrades: existing,
		}, true, nil
	}
}

// KeptReader iterates a mapper output file.
type KeptReader struct {
	r *rowReader
}

func NewKeptReader(r io.Reader) *KeptReader {
	return &KeptReader{r: newRowReader(r, keptColumns)}
}

func (kr *KeptReader) Next(_ context.Context) (domain.KeptRoute, bool, error) {
	for {
		row, err := kr.r.next()
		if err != nil {
			return domain.KeptRoute{}, false, err
		}
		if row == nil {
			return domain.KeptRoute{}, false, nil
		}

		idRaw := strings.TrimSpace(kr.r.field(row, "id"))
		id, err := strconv.ParseInt(idRaw, 10, 64)
		if err != nil {
			slog.Warn("Skipping mapper csv row with unusable id", "value", idRaw)
			continue
		}

		return domain.KeptRoute{
			ID:          id,
			Description: kr.r.field(row, "description"),
			Activity:    kr.r.field(row, "activity"),
		}, true, nil
	}
}

// PreparedReader iterates a prepared result file for the import commands.
type PreparedReader struct {
	r *rowReader
}

func NewPreparedReader(r io.Reader) *PreparedReader {
	return &PreparedReader{r: newRowReader(r, preparedColumns)}
}

func (pr *PreparedReader) Next(_ context.Context) (domain.PreparedRow, bool, error) {
	for {
		row, err := pr.r.next()
		if err != nil {
			return domain.PreparedRow{}, false, err
		}
		if row == nil {
			return domain.PreparedRow{}, false, nil
		}

		idRaw := strings.TrimSpace(pr.r.field(row, "id"))
		id, err := strconv.ParseInt(idRaw, 10, 64)
		if err != nil {
			slog.Warn("Skipping prepared csv row with unusable id", "value", idRaw)
			continue
		}

		return domain.PreparedRow{ID: id, Cotations: pr.r.field(row, "cotations")}, true, nil
	}
}

// KeptWriter writes mapper output rows, header first.
type KeptWriter struct {
	w          *csv.Writer
	headerDone bool
}

func NewKeptWriter(w io.Writer) *KeptWriter {
	cw := csv.NewWriter(w)
	cw.Comma = ';'
	return &KeptWriter{w: cw}
}

func (kw *KeptWriter) Write(k domain.KeptRoute) error {
	if !kw.headerDone {
		if err := kw.w.Write(keptColumns); err != nil {
			return err
		}
		kw.headerDone = true
	}
	return kw.w.Write([]string{strconv.FormatInt(k.ID, 10), k.Description, k.Activity})
}

// Flush writes buffered rows through and reports any deferred write error.
func (kw *KeptWriter) Flush() error {
	kw.w.Flush()
	return kw.w.Error()
}

// ResultWriter writes prepared result rows, header first. The cotations
// column carries the canonical JSON array as a single field.
type ResultWriter struct {
	w          *csv.Writer
	headerDone bool
}

func NewResultWriter(w io.Writer) *ResultWriter {
	cw := csv.NewWriter(w)
	cw.Comma = ';'
	return &ResultWriter{w: cw}
}

func (rw *ResultWriter) Write(id int64, h domain.Histogram) error {
	if !rw.headerDone {
		if err := rw.w.Write(preparedColumns); err != nil {
			return err
		}
		rw.headerDone = true
	}
	encoded, err := h.EncodeJSON()
	if err != nil {
		return fmt.Errorf("failed to encode cotations for route %d: %w", id, err)
	}
	return rw.w.Write([]string{strconv.FormatInt(id, 10), string(encoded)})
}

func (rw *ResultWriter) Flush() error {
	rw.w.Flush()
	return rw.w.Error()
}
