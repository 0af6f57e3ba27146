// SPDX-License-Identifier: MIT

// Package discovery classifies the files sitting next to a media file
// (artwork, trailers, subtitle sidecars) and ingests them into the asset
// cache, recording both the library path and the cached copy.
package discovery

import (
	"regexp"
	"strings"

	"golang.org/x/text/language"
)

// Image asset types, as stored on image rows.
const (
	ImagePoster       = "poster"
	ImageFanart       = "fanart"
	ImageBanner       = "banner"
	ImageClearLogo    = "clearlogo"
	ImageClearArt     = "clearart"
	ImageDiscArt      = "discart"
	ImageLandscape    = "landscape"
	ImageKeyArt       = "keyart"
	ImageThumb        = "thumb"
	ImageCharacterArt = "characterart"
)

var imageTypes = map[string]struct{}{
	ImagePoster: {}, ImageFanart: {}, ImageBanner: {}, ImageClearLogo: {},
	ImageClearArt: {}, ImageDiscArt: {}, ImageLandscape: {}, ImageKeyArt: {},
	ImageThumb: {}, ImageCharacterArt: {},
}

// Common player conventions mapped onto the canonical types.
var imageAliases = map[string]string{
	"folder":     ImagePoster,
	"cover":      ImagePoster,
	"movie":      ImagePoster,
	"backdrop":   ImageFanart,
	"background": ImageFanart,
	"logo":       ImageClearLogo,
	"disc":       ImageDiscArt,
	"landscape":  ImageLandscape,
}

var (
	videoExts = map[string]struct{}{
		".mkv": {}, ".mp4": {}, ".avi": {}, ".m4v": {}, ".mov": {},
		".wmv": {}, ".ts": {}, ".webm": {}, ".mpg": {}, ".mpeg": {},
	}
	imageExts = map[string]struct{}{
		".jpg": {}, ".jpeg": {}, ".png": {}, ".webp": {}, ".tbn": {},
	}
	subtitleExts = map[string]struct{}{
		".srt": {}, ".sub": {}, ".ass": {}, ".ssa": {}, ".vtt": {},
	}
)

// IsVideo reports whether ext (with leading dot) is a recognized video
// container extension.
func IsVideo(ext string) bool {
	_, ok := videoExts[strings.ToLower(ext)]
	return ok
}

var numberedImage = regexp.MustCompile(`^([a-z]+?)(\d+)$`)

// ClassifyImage maps an image basename (no extension) to its asset type.
// Patterns rank: exact type name, alias, media-prefixed (`<media>-poster`),
// numbered (`fanart3`). Unrecognized names classify as false.
func ClassifyImage(base, mediaBase string) (string, bool) {
	name := strings.ToLower(strings.TrimSpace(base))
	media := strings.ToLower(strings.TrimSpace(mediaBase))

	if media != "" {
		for _, sep := range []string{"-", "."} {
			if rest, ok := strings.CutPrefix(name, media+sep); ok {
				name = rest
				break
			}
		}
	}

	if _, ok := imageTypes[name]; ok {
		return name, true
	}
	if canonical, ok := imageAliases[name]; ok {
		return canonical, true
	}
	if m := numberedImage.FindStringSubmatch(name); m != nil {
		if _, ok := imageTypes[m[1]]; ok {
			return m[1], true
		}
		if canonical, ok := imageAliases[m[1]]; ok {
			return canonical, true
		}
	}
	return "", false
}

var trailerQuality = regexp.MustCompile(`(2160p|1080p|720p|480p)`)

// ClassifyTrailer reports whether a video basename is a trailer for the
// media file, and the quality token when one is present.
func ClassifyTrailer(base, mediaBase string) (quality string, ok bool) {
	name := strings.ToLower(base)
	if !strings.Contains(name, "trailer") {
		return "", false
	}
	media := strings.ToLower(mediaBase)
	if media != "" && !strings.HasPrefix(name, media) && name != "trailer" &&
		!strings.HasPrefix(name, "trailer") {
		return "", false
	}
	return trailerQuality.FindString(name), true
}

// SubtitleInfo is the parsed shape of one subtitle sidecar name.
type SubtitleInfo struct {
	Language string // ISO 639-2/T, "und" when unparseable
	Forced   bool
	SDH      bool
}

// Language names that BCP 47 parsing alone does not resolve.
var languageAliases = map[string]string{
	"english": "en", "german": "de", "french": "fr", "spanish": "es",
	"italian": "it", "japanese": "ja", "portuguese": "pt", "dutch": "nl",
	"russian": "ru", "korean": "ko", "chinese": "zh",
}

// ClassifySubtitle parses a subtitle basename against the media basename.
// Tokens after the media name are dot-separated: language, forced, sdh/cc
// in any order ("Heat (1995).en.forced.srt").
func ClassifySubtitle(base, mediaBase string) (SubtitleInfo, bool) {
	name := strings.ToLower(base)
	media := strings.ToLower(mediaBase)
	if media == "" || !strings.HasPrefix(name, media) {
		return SubtitleInfo{}, false
	}

	info := SubtitleInfo{Language: "und"}
	rest := strings.TrimPrefix(name, media)
	for _, tok := range strings.Split(rest, ".") {
		tok = strings.TrimSpace(tok)
		switch {
		case tok == "":
			continue
		case tok == "forced":
			info.Forced = true
		case tok == "sdh" || tok == "cc" || tok == "hi":
			info.SDH = true
		default:
			if lang, ok := NormalizeLanguage(tok); ok {
				info.Language = lang
			}
		}
	}
	return info, true
}

// NormalizeLanguage maps a language token (en, eng, english, …) to its
// ISO 639-2/T three-letter code.
func NormalizeLanguage(token string) (string, bool) {
	token = strings.ToLower(strings.TrimSpace(token))
	if alias, ok := languageAliases[token]; ok {
		token = alias
	}
	if len(token) < 2 || len(token) > 3 {
		return "", false
	}
	tag, err := language.Parse(token)
	if err != nil {
		return "", false
	}
	base, conf := tag.Base()
	if conf == language.No {
		return "", false
	}
	return base.ISO3(), true
}
