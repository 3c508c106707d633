package postprocess

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// CanonicalDateLayout is the form every normalized date takes.
const CanonicalDateLayout = "2006-01-02"

const (
	minPlausibleYear = 1900
	maxPlausibleYear = 2100
	// Spreadsheet serials outside this range are more likely ids or amounts
	// than dates. 73051 is 2100-01-01.
	minSerial = 10000
	maxSerial = 73051
)

var (
	isoLayouts = []string{
		"2006-01-02",
		"2006-1-2",
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006/1/2",
		"2006.1.2",
	}

	// US month-first layouts are tried before day-first ones, so an
	// ambiguous "06/05/2025" reads as June 5.
	numericLayouts = []string{
		"1/2/2006", "1-2-2006", "1.2.2006",
		"1/2/06", "1-2-06",
		"2/1/2006", "2-1-2006", "2.1.2006",
		"2/1/06", "2-1-06", "2.1.06",
	}

	monthNameLayouts = []string{
		"January 2, 2006", "January 2 2006", "Jan 2, 2006", "Jan 2 2006",
		"2 January 2006", "2 Jan 2006", "2 January, 2006", "2 Jan, 2006",
		"02-Jan-2006", "2-Jan-2006", "02-Jan-06", "2-Jan-06",
		"Monday, January 2, 2006", "Mon, Jan 2, 2006", "Mon, 2 Jan 2006",
		"January 2006", "Jan 2006",
	}

	ordinalSuffix = regexp.MustCompile(`(?i)(\d)(st|nd|rd|th)\b`)
	digitsOnly    = regexp.MustCompile(`^\d+$`)
	serialNumber  = regexp.MustCompile(`^\d+(\.\d+)?$`)
)

// compressedOrders lists, per digit count, the interpretations tried in
// order. The first valid one wins, which is a policy choice: "010203" reads
// as January 2, 2003 and never as February 1.
var compressedOrders = map[int][]string{
	4: {"MDYY"},
	5: {"MDDYY", "MMDYY"},
	6: {"MMDDYY", "DDMMYY", "YYMMDD"},
	7: {"MDDYYYY", "MMDYYYY"},
	8: {"YYYYMMDD", "MMDDYYYY", "DDMMYYYY"},
}

// ParseDate runs value through each parser layer and returns the first
// plausible calendar date.
func ParseDate(value string) (time.Time, bool) {
	value = cleanDate(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layer := range []func(string) (time.Time, bool){
		parseLayouts(isoLayouts),
		parseLayouts(numericLayouts),
		parseMonthName,
		parseCompressed,
		parseSerial,
		parseEpoch,
	} {
		if t, ok := layer(value); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// NormalizeDate returns value in CanonicalDateLayout, or now's date when no
// parser accepts it. The boolean reports whether parsing succeeded.
func NormalizeDate(value string, now time.Time) (string, bool) {
	if t, ok := ParseDate(value); ok {
		return t.Format(CanonicalDateLayout), true
	}
	return now.Format(CanonicalDateLayout), false
}

func cleanDate(value string) string {
	value = strings.TrimSpace(value)
	value = ordinalSuffix.ReplaceAllString(value, "$1")
	value = strings.ReplaceAll(value, ". ", " ")
	return strings.Join(strings.Fields(value), " ")
}

func plausible(t time.Time) bool {
	return t.Year() >= minPlausibleYear && t.Year() <= maxPlausibleYear
}

func parseLayouts(layouts []string) func(string) (time.Time, bool) {
	return func(value string) (time.Time, bool) {
		for _, layout := range layouts {
			if t, err := time.Parse(layout, value); err == nil && plausible(t) {
				return t, true
			}
		}
		return time.Time{}, false
	}
}

func parseMonthName(value string) (time.Time, bool) {
	return parseLayouts(monthNameLayouts)(value)
}

func parseCompressed(value string) (time.Time, bool) {
	if !digitsOnly.MatchString(value) {
		return time.Time{}, false
	}
	for _, order := range compressedOrders[len(value)] {
		if t, ok := readCompressed(value, order); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// readCompressed reads digits according to an order pattern made of runs
// of M, D and Y, each run's length being its digit count.
func readCompressed(digits, order string) (time.Time, bool) {
	var year, month, day, yearDigits int
	for i := 0; i < len(order); {
		j := i
		for j < len(order) && order[j] == order[i] {
			j++
		}
		n, err := strconv.Atoi(digits[i:j])
		if err != nil {
			return time.Time{}, false
		}
		switch order[i] {
		case 'Y':
			year, yearDigits = n, j-i
		case 'M':
			month = n
		case 'D':
			day = n
		}
		i = j
	}
	if yearDigits == 2 {
		year = expandYear(year)
	}
	return validDate(year, month, day)
}

// expandYear maps two-digit years onto 1970..2069.
func expandYear(yy int) int {
	if yy < 70 {
		return 2000 + yy
	}
	return 1900 + yy
}

func validDate(year, month, day int) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes overflow such as February 30; reject it.
	if t.Year() != year || int(t.Month()) != month || t.Day() != day || !plausible(t) {
		return time.Time{}, false
	}
	return t, true
}

func parseSerial(value string) (time.Time, bool) {
	if !serialNumber.MatchString(value) {
		return time.Time{}, false
	}
	serial, err := strconv.ParseFloat(value, 64)
	if err != nil || serial < minSerial || serial > maxSerial {
		return time.Time{}, false
	}
	t, err := excelize.ExcelDateToTime(serial, false)
	if err != nil || !plausible(t) {
		return time.Time{}, false
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
}

func parseEpoch(value string) (time.Time, bool) {
	if !digitsOnly.MatchString(value) {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	var t time.Time
	switch {
	case len(value) >= 12:
		t = time.UnixMilli(n).UTC()
	case len(value) >= 9:
		t = time.Unix(n, 0).UTC()
	default:
		return time.Time{}, false
	}
	if !plausible(t) {
		return time.Time{}, false
	}
	return t, true
}
