// Package feed turns published results files into dataset match records.
// It understands the football-data.co.uk season CSVs (results plus average
// bookmaker 1X2 odds) and a minimal generic CSV.
package feed

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/richard-senior/podds/internal/logger"
	"github.com/richard-senior/podds/pkg/dataset"
)

// kickOff is assumed when a football-data row has no Time column
const kickOff = "15:00"

var seasonPattern = regexp.MustCompile(`^(\d{4})/(\d{4})$`)

// bookies whose individual 1X2 prices are averaged when no market average exists
var bookies = []string{"B365", "BF", "BS", "BW", "GB", "IW", "LB", "PS", "SO", "SB", "SJ", "SY", "VC", "WH"}

// Parse reads either CSV format, choosing by the header row
func Parse(r io.Reader, league, season string) ([]dataset.MatchRecord, error) {
	rows, header, err := readRows(r)
	if err != nil {
		return nil, err
	}
	switch {
	case header["FTHG"] && header["HomeTeam"]:
		return footballDataRecords(rows, league, season), nil
	case header["home_team"] && header["home_goals"]:
		return genericRecords(rows, league, season)
	}
	return nil, fmt.Errorf("unrecognised CSV header")
}

// ParseFootballData parses a football-data.co.uk season file. Rows without
// a full-time score (fixtures not yet played) are skipped.
func ParseFootballData(r io.Reader, league, season string) ([]dataset.MatchRecord, error) {
	rows, _, err := readRows(r)
	if err != nil {
		return nil, err
	}
	return footballDataRecords(rows, league, season), nil
}

// ParseGeneric parses home_team,away_team,home_goals,away_goals,date rows.
// Unlike the football-data parser a malformed row is an error.
func ParseGeneric(r io.Reader) ([]dataset.MatchRecord, error) {
	rows, _, err := readRows(r)
	if err != nil {
		return nil, err
	}
	return genericRecords(rows, "", "")
}

// readRows returns each data row keyed by its header
func readRows(r io.Reader) ([]map[string]string, map[string]bool, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, map[string]bool{}, nil
	}

	headers := records[0]
	if len(headers) > 0 {
		headers[0] = strings.TrimPrefix(headers[0], "\ufeff")
	}
	present := make(map[string]bool, len(headers))
	for i, h := range headers {
		headers[i] = strings.TrimSpace(h)
		present[headers[i]] = true
	}

	rows := make([]map[string]string, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]string, len(headers))
		for j, value := range record {
			if j < len(headers) {
				row[headers[j]] = strings.TrimSpace(value)
			}
		}
		rows = append(rows, row)
	}
	return rows, present, nil
}

func footballDataRecords(rows []map[string]string, league, season string) []dataset.MatchRecord {
	var out []dataset.MatchRecord
	for i, row := range rows {
		if row["HomeTeam"] == "" || row["AwayTeam"] == "" {
			continue
		}
		m, err := footballDataRow(row, league, season)
		if err != nil {
			logger.Warn(fmt.Sprintf("Skipping row %d", i+2), err)
			continue
		}
		if m != nil {
			out = append(out, *m)
		}
	}
	return out
}

// footballDataRow converts one row; a nil record means the match is unplayed
func footballDataRow(row map[string]string, league, season string) (*dataset.MatchRecord, error) {
	if row["FTHG"] == "" || row["FTAG"] == "" {
		return nil, nil
	}
	hg, err := strconv.Atoi(row["FTHG"])
	if err != nil {
		return nil, fmt.Errorf("bad FTHG %q", row["FTHG"])
	}
	ag, err := strconv.Atoi(row["FTAG"])
	if err != nil {
		return nil, fmt.Errorf("bad FTAG %q", row["FTAG"])
	}
	date, err := ParseDateTime(row["Date"], row["Time"])
	if err != nil {
		return nil, err
	}
	if league == "" {
		league = row["Div"]
	}
	home, draw, away := AverageOdds(row)
	return &dataset.MatchRecord{
		HomeTeam:  row["HomeTeam"],
		AwayTeam:  row["AwayTeam"],
		HomeGoals: hg,
		AwayGoals: ag,
		Date:      date,
		Season:    season,
		League:    league,
		Odds:      dataset.MatchOdds{Home: home, Draw: draw, Away: away},
	}, nil
}

// ParseDateTime reads a football-data date (dd/mm/yyyy or dd/mm/yy) and
// optional hh:mm kick-off as Europe/London local time and returns it in UTC
func ParseDateTime(date, kick string) (time.Time, error) {
	date = strings.TrimSpace(date)
	if date == "" {
		return time.Time{}, errors.New("no Date field found")
	}
	kick = strings.TrimSpace(kick)
	if kick == "" {
		kick = kickOff
	}
	dt := date + " " + kick

	var parsed time.Time
	var err error
	for _, layout := range []string{"02/01/2006 15:04", "02/01/06 15:04"} {
		if parsed, err = time.Parse(layout, dt); err == nil {
			break
		}
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("could not parse date from %s: %w", dt, err)
	}

	loc, lerr := time.LoadLocation("Europe/London")
	if lerr != nil {
		return parsed.UTC(), nil
	}
	return time.Date(parsed.Year(), parsed.Month(), parsed.Day(), parsed.Hour(), parsed.Minute(), 0, 0, loc).UTC(), nil
}

// AverageOdds returns the average decimal 1X2 prices of a football-data row,
// preferring closing averages, then pre-match averages, then the mean over
// individual bookmakers. Zeros mean no odds.
func AverageOdds(row map[string]string) (home, draw, away float64) {
	for _, prefix := range []string{"AvgC", "Avg"} {
		if h, d, a, ok := triple(row, prefix); ok {
			return h, d, a
		}
	}

	for _, suffix := range []string{"C", ""} {
		var th, td, ta float64
		var n int
		for _, b := range bookies {
			if h, d, a, ok := triple(row, b+suffix); ok {
				th, td, ta = th+h, td+d, ta+a
				n++
			}
		}
		if n > 0 {
			return round2(th / float64(n)), round2(td / float64(n)), round2(ta / float64(n))
		}
	}
	return 0, 0, 0
}

// triple reads prefix+H, prefix+D and prefix+A as odds
func triple(row map[string]string, prefix string) (h, d, a float64, ok bool) {
	var err error
	if h, err = price(row[prefix+"H"]); err != nil {
		return 0, 0, 0, false
	}
	if d, err = price(row[prefix+"D"]); err != nil {
		return 0, 0, 0, false
	}
	if a, err = price(row[prefix+"A"]); err != nil {
		return 0, 0, 0, false
	}
	return h, d, a, true
}

// price parses a decimal price; blanks, -1 placeholders and odds of 1 or
// less are rejected
func price(v string) (float64, error) {
	if v == "" {
		return 0, errors.New("blank")
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	if f <= 1 {
		return 0, fmt.Errorf("not a price: %v", f)
	}
	return f, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func genericRecords(rows []map[string]string, league, season string) ([]dataset.MatchRecord, error) {
	out := make([]dataset.MatchRecord, 0, len(rows))
	for i, row := range rows {
		line := i + 2
		hg, err := strconv.Atoi(row["home_goals"])
		if err != nil {
			return nil, fmt.Errorf("line %d: bad home_goals %q", line, row["home_goals"])
		}
		ag, err := strconv.Atoi(row["away_goals"])
		if err != nil {
			return nil, fmt.Errorf("line %d: bad away_goals %q", line, row["away_goals"])
		}
		date, err := parseGenericDate(row["date"])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		m := dataset.MatchRecord{
			HomeTeam:  row["home_team"],
			AwayTeam:  row["away_team"],
			HomeGoals: hg,
			AwayGoals: ag,
			Date:      date,
			Season:    season,
			League:    league,
		}
		if v := row["league"]; v != "" {
			m.League = v
		}
		if v := row["season"]; v != "" {
			m.Season = v
		}
		out = append(out, m)
	}
	return out, nil
}

func parseGenericDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad date %q", v)
	}
	return t, nil
}

// SeasonCode converts "2024/2025" to football-data's "2425"
func SeasonCode(season string) (string, error) {
	m := seasonPattern.FindStringSubmatch(season)
	if m == nil {
		return "", fmt.Errorf("season must be in the format 'yyyy/yyyy', got %q", season)
	}
	return m[1][2:] + m[2][2:], nil
}

// SeasonFromCode converts "2425" back to "2024/2025"
func SeasonFromCode(code string) (string, error) {
	if len(code) != 4 {
		return "", fmt.Errorf("season code must have four digits, got %q", code)
	}
	start, err := strconv.Atoi(code[:2])
	if err != nil {
		return "", fmt.Errorf("bad season code %q", code)
	}
	end, err := strconv.Atoi(code[2:])
	if err != nil {
		return "", fmt.Errorf("bad season code %q", code)
	}
	century := 2000
	if start > 90 {
		century = 1900
	}
	endCentury := century
	if end < start {
		endCentury += 100
	}
	return fmt.Sprintf("%d/%d", century+start, endCentury+end), nil
}

// SeasonURL fills a base URL template with the season code and league
func SeasonURL(base, season, league string) (string, error) {
	code, err := SeasonCode(season)
	if err != nil {
		return "", err
	}
	if league == "" {
		return "", errors.New("league code is required")
	}
	return fmt.Sprintf(base, code, league), nil
}

// IsCurrentSeason reports whether now falls inside season, taken as July
// of the first year to the end of June of the second
func IsCurrentSeason(season string, now time.Time) bool {
	m := seasonPattern.FindStringSubmatch(season)
	if m == nil {
		return false
	}
	start, _ := strconv.Atoi(m[1])
	end, _ := strconv.Atoi(m[2])
	from := time.Date(start, time.July, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(end, time.July, 1, 0, 0, 0, 0, time.UTC)
	return !now.Before(from) && now.Before(to)
}
