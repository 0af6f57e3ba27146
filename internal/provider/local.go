// SPDX-License-Identifier: MIT

package provider

import (
	"context"
	"encoding/xml"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mediacurator/curator/internal/config"
	"github.com/mediacurator/curator/internal/errdef"
	"github.com/mediacurator/curator/internal/store"
)

// LocalName is the reserved provider name for local sidecar data.
const LocalName = "local"

// nfoMovie is the subset of the Kodi NFO schema the local provider reads.
type nfoMovie struct {
	XMLName   xml.Name `xml:"movie"`
	Title     string   `xml:"title"`
	Year      int      `xml:"year"`
	Plot      string   `xml:"plot"`
	Tagline   string   `xml:"tagline"`
	Runtime   int      `xml:"runtime"`
	MPAA      string   `xml:"mpaa"`
	Premiered string   `xml:"premiered"`
	Studio    string   `xml:"studio"`
	Genres    []string `xml:"genre"`
	UniqueIDs []struct {
		Type  string `xml:"type,attr"`
		Value string `xml:",chardata"`
	} `xml:"uniqueid"`
	IMDBID string `xml:"id"` // legacy single-id form
}

// LocalProvider reads NFO sidecars from the entity's directory so local
// data participates in the merge like any remote catalog. It is unmetered:
// the guard gets an effectively unbounded rate.
type LocalProvider struct{}

// NewLocalProvider returns the sidecar reader.
func NewLocalProvider() *LocalProvider { return &LocalProvider{} }

// LocalGuard builds the (effectively unbounded) guard for the local
// provider. The environment tuning still supplies the retry and breaker
// settings; there is no ProviderRPS key for local, so the declared rate
// stands.
func LocalGuard(perf config.Performance) *Guard {
	return GuardFromPerformance((&LocalProvider{}).Capabilities(), perf)
}

func (p *LocalProvider) Capabilities() Capabilities {
	return Capabilities{
		Name:        LocalName,
		Auth:        AuthNone,
		EntityTypes: []store.EntityType{store.EntityMovie, store.EntitySeries, store.EntityEpisode},
		Fields: []string{"title", "year", "plot", "tagline", "genres", "studio",
			"content_rating", "release_date"},
		SustainedRPS:         10000,
		WindowSeconds:        1,
		MetadataCompleteness: 0.5,
	}
}

// Search is not meaningful locally; the sidecar already belongs to the
// entity.
func (p *LocalProvider) Search(_ context.Context, _ SearchRequest) ([]SearchResult, error) {
	return nil, nil
}

// GetMetadata parses movie.nfo or <basename>.nfo next to the media path.
// A missing sidecar is an empty response, not an error.
func (p *LocalProvider) GetMetadata(_ context.Context, req MetadataRequest) (*MetadataResponse, error) {
	if req.Path == "" {
		return &MetadataResponse{Fields: map[string]string{}}, nil
	}

	nfo, err := findNFO(req.Path)
	if err != nil {
		return nil, err
	}
	if nfo == "" {
		return &MetadataResponse{Fields: map[string]string{}}, nil
	}

	data, err := os.ReadFile(nfo)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeFSPermission, err, "read %s", nfo).WithProvider(LocalName)
	}
	var m nfoMovie
	if err := xml.Unmarshal(data, &m); err != nil {
		return nil, errdef.Wrap(errdef.CodeProviderInvalidResponse, err, "parse %s", nfo).
			WithProvider(LocalName)
	}

	fields := map[string]string{}
	put := func(k, v string) {
		if v = strings.TrimSpace(v); v != "" && !isNASentinel(v) {
			fields[k] = v
		}
	}
	put("title", m.Title)
	if m.Year > 0 {
		fields["year"] = strconv.Itoa(m.Year)
	}
	put("plot", m.Plot)
	put("tagline", m.Tagline)
	put("content_rating", m.MPAA)
	put("release_date", m.Premiered)
	put("studio", m.Studio)
	if len(m.Genres) > 0 {
		put("genres", strings.Join(m.Genres, ", "))
	}

	ids := map[string]string{}
	for _, uid := range m.UniqueIDs {
		switch strings.ToLower(uid.Type) {
		case "imdb":
			ids["imdb"] = strings.TrimSpace(uid.Value)
		case "tmdb":
			ids["tmdb"] = strings.TrimSpace(uid.Value)
		case "tvdb":
			ids["tvdb"] = strings.TrimSpace(uid.Value)
		}
	}
	if ids["imdb"] == "" && strings.HasPrefix(m.IMDBID, "tt") {
		ids["imdb"] = m.IMDBID
	}

	return &MetadataResponse{Fields: fields, ExternalIDs: ids}, nil
}

// GetAssets returns nothing; local artwork is handled by discovery.
func (p *LocalProvider) GetAssets(_ context.Context, _ AssetRequest) ([]Asset, error) {
	return nil, nil
}

// TestConnection always succeeds; there is nothing remote to reach.
func (p *LocalProvider) TestConnection(_ context.Context) TestResult {
	return TestResult{OK: true, Message: "local sidecar reader"}
}

// findNFO locates the sidecar for a media path: movie.nfo in the directory,
// then <basename>.nfo. Empty when neither exists.
func findNFO(mediaPath string) (string, error) {
	dir := filepath.Dir(mediaPath)
	base := strings.TrimSuffix(filepath.Base(mediaPath), filepath.Ext(mediaPath))

	for _, cand := range []string{
		filepath.Join(dir, "movie.nfo"),
		filepath.Join(dir, base+".nfo"),
	} {
		if _, err := os.Stat(cand); err == nil {
			return cand, nil
		} else if !os.IsNotExist(err) {
			return "", errdef.Wrap(errdef.CodeFSPermission, err, "stat %s", cand)
		}
	}
	return "", nil
}

// isNASentinel reports upstream "no data" sentinels that must become
// absent fields.
func isNASentinel(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "n/a", "na", "unknown", "null":
		return true
	}
	return false
}
