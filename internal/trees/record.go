// Package trees holds the street-tree domain: row decoding, proximity
// filtering, and the paginated search pipeline.
package trees

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/twpayne/go-geom"

	"github.com/sells-group/tree-radius/pkg/datasette"
)

// recordArity is the fixed number of positional values per row.
const recordArity = 19

// Record is one street tree decoded from a raw positional row.
type Record struct {
	RowID         int64
	TreeID        int64
	LegalStatus   string
	Species       string
	Address       string
	SiteOrder     int64
	SiteInfo      string
	PlantType     string
	Caretaker     string
	CareAssistant string
	PlantDate     string
	TrunkDiameter float64
	PlotSize      string
	PermitNotes   string
	XCoord        float64
	YCoord        float64
	Latitude      float64
	Longitude     float64
	LocationBlob  string

	// Located is false when the row carries NULL coordinates. Such a
	// record exists in the dataset but can never match a radius test.
	Located bool
}

// Location returns the record's geodetic coordinate as {lon, lat}.
func (r Record) Location() geom.Coord {
	return geom.Coord{r.Longitude, r.Latitude}
}

// MalformedPageError means a fetched row did not match the 19-column
// schema. It is fatal: positional decoding must never misassign fields.
type MalformedPageError struct {
	Offset int
	Row    int
	Reason string
}

func (e *MalformedPageError) Error() string {
	return fmt.Sprintf("trees: malformed page at offset %d, row %d: %s", e.Offset, e.Row, e.Reason)
}

// DecodeRow decodes one raw positional row from the page at the given
// offset. Arity or type mismatches fail with MalformedPageError.
func DecodeRow(page datasette.Page, idx int) (Record, error) {
	row := page.Rows[idx]
	if len(row) != recordArity {
		return Record{}, &MalformedPageError{
			Offset: page.Offset,
			Row:    idx,
			Reason: fmt.Sprintf("expected %d values, got %d", recordArity, len(row)),
		}
	}

	d := rowDecoder{offset: page.Offset, row: idx}
	rec := Record{
		RowID:         d.intAt(row, 0, "rowid"),
		TreeID:        d.intAt(row, 1, "TreeID"),
		LegalStatus:   d.stringAt(row, 2, "qLegalStatus"),
		Species:       d.stringAt(row, 3, "qSpecies"),
		Address:       d.stringAt(row, 4, "qAddress"),
		SiteOrder:     d.intAt(row, 5, "SiteOrder"),
		SiteInfo:      d.stringAt(row, 6, "qSiteInfo"),
		PlantType:     d.stringAt(row, 7, "PlantType"),
		Caretaker:     d.stringAt(row, 8, "qCaretaker"),
		CareAssistant: d.stringAt(row, 9, "qCareAssistant"),
		PlantDate:     d.stringAt(row, 10, "PlantDate"),
		TrunkDiameter: d.floatAt(row, 11, "DBH"),
		PlotSize:      d.stringAt(row, 12, "PlotSize"),
		PermitNotes:   d.stringAt(row, 13, "PermitNotes"),
		XCoord:        d.floatAt(row, 14, "XCoord"),
		YCoord:        d.floatAt(row, 15, "YCoord"),
		LocationBlob:  d.stringAt(row, 18, "Location"),
	}

	lat, latNull := d.nullableFloatAt(row, 16, "Latitude")
	lon, lonNull := d.nullableFloatAt(row, 17, "Longitude")
	if d.err != nil {
		return Record{}, d.err
	}
	rec.Latitude = lat
	rec.Longitude = lon
	rec.Located = !latNull && !lonNull
	return rec, nil
}

// decodePage decodes every row of a page.
func decodePage(page datasette.Page) ([]Record, error) {
	records := make([]Record, 0, len(page.Rows))
	for i := range page.Rows {
		rec, err := DecodeRow(page, i)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// parseCoordText parses a coordinate stored as TEXT. An empty string is
// treated as a mismatch, not a NULL: the column was present but unusable.
func parseCoordText(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// rowDecoder accumulates the first type mismatch while decoding one row.
type rowDecoder struct {
	offset int
	row    int
	err    error
}

func (d *rowDecoder) fail(col string, v any) {
	if d.err == nil {
		d.err = &MalformedPageError{
			Offset: d.offset,
			Row:    d.row,
			Reason: fmt.Sprintf("column %s has unexpected type %T", col, v),
		}
	}
}

// stringAt decodes a text column; SQL NULL decodes to "".
func (d *rowDecoder) stringAt(row []any, i int, col string) string {
	switch v := row[i].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		d.fail(col, v)
		return ""
	}
}

// intAt decodes an integer column. JSON numbers arrive as float64.
func (d *rowDecoder) intAt(row []any, i int, col string) int64 {
	switch v := row[i].(type) {
	case nil:
		return 0
	case float64:
		return int64(v)
	default:
		d.fail(col, v)
		return 0
	}
}

// floatAt decodes a numeric column; SQL NULL decodes to 0.
func (d *rowDecoder) floatAt(row []any, i int, col string) float64 {
	v, _ := d.nullableFloatAt(row, i, col)
	return v
}

// nullableFloatAt decodes a numeric column, reporting whether it was
// SQL NULL.
func (d *rowDecoder) nullableFloatAt(row []any, i int, col string) (float64, bool) {
	switch v := row[i].(type) {
	case nil:
		return 0, true
	case float64:
		return v, false
	case string:
		// The dataset stores Latitude/Longitude as TEXT for some rows.
		f, ok := parseCoordText(v)
		if !ok {
			d.fail(col, v)
			return 0, false
		}
		return f, false
	default:
		d.fail(col, v)
		return 0, false
	}
}
