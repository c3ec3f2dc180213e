package feed

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/richard-senior/podds/internal/logger"
	"github.com/richard-senior/podds/pkg/dataset"
)

// Fetcher retrieves a remote document
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Source downloads football-data.co.uk season files, caching them on disk.
// The cached copy of a season still in progress is refreshed on every load.
type Source struct {
	fetcher  Fetcher
	baseURL  string
	cacheDir string
	now      func() time.Time
}

// NewSource creates a Source. baseURL has two %s verbs: season code, then
// league code. An empty cacheDir disables caching.
func NewSource(f Fetcher, baseURL, cacheDir string) *Source {
	return &Source{fetcher: f, baseURL: baseURL, cacheDir: cacheDir, now: time.Now}
}

// Season returns the played matches of one league season
func (s *Source) Season(ctx context.Context, league, season string) ([]dataset.MatchRecord, error) {
	data, err := s.seasonCSV(ctx, league, season)
	if err != nil {
		return nil, err
	}
	matches, err := ParseFootballData(bytes.NewReader(data), league, season)
	if err != nil {
		return nil, fmt.Errorf("error parsing football data for %s %s: %w", league, season, err)
	}
	logger.Info(fmt.Sprintf("Processed %d matches from football-data.co.uk for %s %s", len(matches), league, season))
	return matches, nil
}

// Load returns the matches of every league and season combination
func (s *Source) Load(ctx context.Context, leagues, seasons []string) ([]dataset.MatchRecord, error) {
	var all []dataset.MatchRecord
	for _, league := range leagues {
		for _, season := range seasons {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			ms, err := s.Season(ctx, league, season)
			if err != nil {
				return nil, err
			}
			all = append(all, ms...)
		}
	}
	return all, nil
}

func (s *Source) seasonCSV(ctx context.Context, league, season string) ([]byte, error) {
	u, err := SeasonURL(s.baseURL, season, league)
	if err != nil {
		return nil, err
	}

	cacheFile := ""
	if s.cacheDir != "" {
		if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
		safeSeason := strings.ReplaceAll(season, "/", "-")
		cacheFile = filepath.Join(s.cacheDir, fmt.Sprintf("raw-league-csv-%s-%s.csv", safeSeason, league))
		if IsCurrentSeason(season, s.now()) {
			logger.Debug("Ignoring cache for current season " + season)
		} else if data, err := os.ReadFile(cacheFile); err == nil {
			logger.Debug("Returning data from cached file " + cacheFile)
			return data, nil
		}
	}

	logger.Info(fmt.Sprintf("Fetching historical data from football-data.co.uk for %s %s", league, season))
	data, err := s.fetcher.Get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch data from external source: %w", err)
	}
	if cacheFile != "" {
		if err := os.WriteFile(cacheFile, data, 0o644); err != nil {
			logger.Warn("Failed to write cache file "+cacheFile, err)
		}
	}
	return data, nil
}

// LoadFile reads a local CSV in either supported format
func LoadFile(file, league, season string) ([]dataset.MatchRecord, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ms, err := Parse(f, league, season)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return ms, nil
}

// SeasonLink is one season file advertised on a football-data index page
type SeasonLink struct {
	URL    string `json:"url"`
	Season string `json:"season"`
	League string `json:"league"`
}

// DiscoverSeasons scrapes the CSV links of a football-data country page,
// newest season first. Relative links resolve against pageURL.
func DiscoverSeasons(html []byte, pageURL string) ([]SeasonLink, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("bad page URL: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("error parsing HTML: %w", err)
	}

	seen := make(map[string]bool)
	var links []SeasonLink
	doc.Find(`a[href$=".csv"]`).Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		// .../mmz4281/2425/E0.csv
		league := strings.TrimSuffix(path.Base(abs.Path), ".csv")
		season, err := SeasonFromCode(path.Base(path.Dir(abs.Path)))
		if err != nil || league == "" || seen[abs.String()] {
			return
		}
		seen[abs.String()] = true
		links = append(links, SeasonLink{URL: abs.String(), Season: season, League: league})
	})

	sort.SliceStable(links, func(i, j int) bool {
		if links[i].Season != links[j].Season {
			return links[i].Season > links[j].Season
		}
		return links[i].League < links[j].League
	})
	return links, nil
}

// Discover fetches indexURL and returns its season links
func (s *Source) Discover(ctx context.Context, indexURL string) ([]SeasonLink, error) {
	html, err := s.fetcher.Get(ctx, indexURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch season index: %w", err)
	}
	return DiscoverSeasons(html, indexURL)
}
