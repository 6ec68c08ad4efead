package probe

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"kptv-checker/work/config"
	"kptv-checker/work/logger"
	"kptv-checker/work/utils"

	"github.com/grafov/m3u8"
)

// variantClient fetches playlists for variant resolution. Short timeout: a
// master playlist is a few KB and anything slower than this will also fail
// the probe proper.
var variantClient = &http.Client{Timeout: 15 * time.Second}

// ResolveVariant inspects a stream URL that looks like an HLS playlist and,
// when it turns out to be a master playlist, returns the highest-bandwidth
// variant URL so the probe measures the best rendition the provider offers.
// Media playlists and non-HLS URLs are returned unchanged; any fetch or parse
// failure falls back to the original URL since the probe itself will surface
// the real problem.
func ResolveVariant(cfg *config.Config, streamURL string) string {
	if !looksLikePlaylist(streamURL) {
		return streamURL
	}

	req, err := http.NewRequest(http.MethodGet, streamURL, nil)
	if err != nil {
		return streamURL
	}
	req.Header.Set("User-Agent", cfg.StreamAnalysis.UserAgent)

	resp, err := variantClient.Do(req)
	if err != nil {
		logger.Debug("[PROBE] Variant fetch failed for %s: %v", utils.LogURL(cfg, streamURL), err)
		return streamURL
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return streamURL
	}

	playlist, listType, err := m3u8.DecodeFrom(resp.Body, false)
	if err != nil || listType != m3u8.MASTER {
		return streamURL
	}

	master := playlist.(*m3u8.MasterPlaylist)
	var best *m3u8.Variant
	for _, variant := range master.Variants {
		if variant == nil {
			continue
		}
		if best == nil || variant.Bandwidth > best.Bandwidth {
			best = variant
		}
	}
	if best == nil || best.URI == "" {
		return streamURL
	}

	resolved := resolveReference(streamURL, best.URI)
	logger.Debug("[PROBE] Resolved master playlist to variant (%d bps): %s",
		best.Bandwidth, utils.LogURL(cfg, resolved))
	return resolved
}

// looksLikePlaylist is a cheap pre-filter so plain TS/HTTP streams skip the
// playlist fetch entirely.
func looksLikePlaylist(streamURL string) bool {
	u, err := url.Parse(streamURL)
	if err != nil {
		return false
	}
	path := strings.ToLower(u.Path)
	return strings.HasSuffix(path, ".m3u8") || strings.HasSuffix(path, ".m3u")
}

// resolveReference makes a variant URI absolute against the master URL.
func resolveReference(masterURL, variantURI string) string {
	base, err := url.Parse(masterURL)
	if err != nil {
		return variantURI
	}
	ref, err := url.Parse(variantURI)
	if err != nil {
		return variantURI
	}
	return base.ResolveReference(ref).String()
}
