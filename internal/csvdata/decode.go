package csvdata

import (
	"bytes"
	"encoding/csv"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Decode parses CSV bytes whose first non-blank row is the header.
//
// Recognised columns are Code, Id, Name and Value. Each is matched by its
// capitalized name first, then its lowercase name, then any other casing;
// the first non-empty cell wins. Output order matches input row order and
// repeated codes are kept.
func Decode(data []byte) ([]Record, error) {
	return decode(data, nil)
}

// DecodeWithHeader parses CSV bytes that carry no header row, using header
// as the column names.
func DecodeWithHeader(data []byte, header []string) ([]Record, error) {
	if header == nil {
		header = []string{}
	}
	return decode(data, header)
}

func decode(data []byte, header []string) ([]Record, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyResult
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1 // rows may be ragged

	if header == nil {
		h, err := nextRow(r)
		if err == io.EOF {
			return nil, ErrEmptyResult
		}
		if err != nil {
			return nil, errors.Errorf("%w: header: %v", ErrMalformedInput, err)
		}
		header = h
	}

	cols := resolveColumns(header)
	if len(cols.code) == 0 {
		return nil, errors.Errorf("%w: header [%s] has no Code/code column",
			ErrMissingKeyColumn, strings.Join(header, ","))
	}

	var recs []Record
	for {
		row, err := nextRow(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Errorf("%w: %v", ErrMalformedInput, err)
		}
		line, _ := r.FieldPos(0)

		rec, err := cols.record(row, line)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}

	if len(recs) == 0 {
		return nil, ErrEmptyResult
	}
	return recs, nil
}

// nextRow returns the next row that has at least one non-blank cell.
func nextRow(r *csv.Reader) ([]string, error) {
	for {
		row, err := r.Read()
		if err != nil {
			return nil, err
		}
		for _, cell := range row {
			if strings.TrimSpace(cell) != "" {
				return row, nil
			}
		}
	}
}

// columns holds, per logical field, the candidate column indexes in lookup
// priority order.
type columns struct {
	code  []int
	id    []int
	name  []int
	value []int
}

func resolveColumns(header []string) columns {
	clean := make([]string, len(header))
	for i, h := range header {
		clean[i] = strings.TrimSpace(strings.TrimPrefix(h, string(utf8BOM)))
	}
	return columns{
		code:  candidates(clean, "Code"),
		id:    candidates(clean, "Id"),
		name:  candidates(clean, "Name"),
		value: candidates(clean, "Value"),
	}
}

func candidates(header []string, capitalized string) []int {
	lower := strings.ToLower(capitalized)
	var exact, low, folded []int
	for i, h := range header {
		switch {
		case h == capitalized:
			exact = append(exact, i)
		case h == lower:
			low = append(low, i)
		case strings.EqualFold(h, capitalized):
			folded = append(folded, i)
		}
	}
	return append(append(exact, low...), folded...)
}

func pick(row []string, idx []int) string {
	for _, i := range idx {
		if i < len(row) {
			if v := strings.TrimSpace(row[i]); v != "" {
				return v
			}
		}
	}
	return ""
}

func (c columns) record(row []string, line int) (Record, error) {
	rec := Record{
		Code: pick(row, c.code),
		Name: pick(row, c.name),
	}
	if rec.Code == "" {
		return Record{}, errors.Errorf("%w: line %d has no code value", ErrMissingKeyColumn, line)
	}

	if s := pick(row, c.id); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Record{}, errors.Errorf("%w: line %d: id %q is not an integer", ErrMalformedInput, line, s)
		}
		rec.ID = id
	}

	if s := pick(row, c.value); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return Record{}, errors.Errorf("%w: line %d: value %q is not a finite number", ErrMalformedInput, line, s)
		}
		rec.Value = v
	}

	return rec, nil
}
