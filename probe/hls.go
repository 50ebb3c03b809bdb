package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/grafov/m3u8"

	"github.com/whisper-darkly/sticky-relay/stream"
)

func init() {
	Register("hls", func(o Options) Strategy {
		return &HLS{UserAgent: o.UserAgent, InsecureTLS: o.InsecureTLS}
	})
}

// HLS checks a direct .m3u8 URL: the stream is live while its media
// playlist has segments and no ENDLIST tag.
type HLS struct {
	UserAgent   string
	InsecureTLS bool // skip certificate verification
}

func (h *HLS) Name() string { return "hls" }

func (h *HLS) Probe(ctx context.Context, desc stream.Descriptor) (stream.ProbeResult, error) {
	if !stream.IsHLSURL(desc.ID) {
		return stream.ProbeResult{}, ErrNotApplicable
	}
	client := NewHTTPClient(desc.Auth.CookieHeader, h.UserAgent, h.InsecureTLS)

	mediaURL := desc.ID
	pl, listType, err := h.fetch(ctx, client, mediaURL)
	if err != nil {
		if errors.Is(err, stream.ErrNotFound) {
			return h.notLive("playlist not found"), nil
		}
		return stream.ProbeResult{}, err
	}

	if listType == m3u8.MASTER {
		mediaURL, err = BestVariant(pl.(*m3u8.MasterPlaylist), desc.ID)
		if err != nil {
			return stream.ProbeResult{}, &ProbeError{Kind: Unparseable, Strategy: h.Name(), Err: err}
		}
		pl, listType, err = h.fetch(ctx, client, mediaURL)
		if err != nil {
			if errors.Is(err, stream.ErrNotFound) {
				return h.notLive("variant playlist not found"), nil
			}
			return stream.ProbeResult{}, err
		}
		if listType != m3u8.MEDIA {
			return stream.ProbeResult{}, &ProbeError{Kind: Unparseable, Strategy: h.Name(), Err: fmt.Errorf("variant %s is not a media playlist", mediaURL)}
		}
	}

	media := pl.(*m3u8.MediaPlaylist)
	if media.Closed {
		return h.notLive("playlist has ENDLIST"), nil
	}
	if media.Count() == 0 {
		return h.notLive("playlist has no segments"), nil
	}
	return stream.ProbeResult{
		Live:        true,
		MediaURL:    mediaURL,
		Strategy:    h.Name(),
		Diagnostics: fmt.Sprintf("%d segments", media.Count()),
	}, nil
}

func (h *HLS) fetch(ctx context.Context, client *HTTPClient, url string) (m3u8.Playlist, m3u8.ListType, error) {
	body, err := client.Get(ctx, url)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch playlist: %w", err)
	}
	pl, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), true)
	if err != nil {
		return nil, 0, &ProbeError{Kind: Unparseable, Strategy: h.Name(), Err: fmt.Errorf("decode playlist: %w", err)}
	}
	return pl, listType, nil
}

func (h *HLS) notLive(reason string) stream.ProbeResult {
	return stream.ProbeResult{Live: false, Strategy: h.Name(), Diagnostics: reason}
}
