package enrich

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"datacatcher/bundle"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNoSource is returned when the worker has no metadata service configured.
var ErrNoSource = errors.New("enrich: no metadata source configured")

const maxResponseBytes = 4 << 20

// Source fetches header metadata for the scan window starting at start.
type Source interface {
	Fetch(ctx context.Context, start time.Time, duration time.Duration) (*Metadata, error)
}

// HTTPSource queries the metadata service over HTTP:
//
//	GET <base>?start=<unix ms>&duration_ms=<ms>
type HTTPSource struct {
	base   string
	client *http.Client
}

// NewHTTPSource returns a source for baseURL. Per-attempt deadlines come from
// the caller's context; timeout only bounds dialing and TLS setup.
func NewHTTPSource(baseURL string, timeout time.Duration) (*HTTPSource, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("enrich: metadata url is empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("enrich: metadata url: %w", err)
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPSource{
		base: baseURL,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: timeout,
				MaxIdleConnsPerHost: 2,
			},
		},
	}, nil
}

// serviceResponse is the wire shape returned by the metadata service.
type serviceResponse struct {
	Antennas []struct {
		ID int `json:"id"`
		Position
	} `json:"antennas"`
	Chunks []struct {
		Chunk    int    `json:"chunk"`
		Sideband string `json:"sideband"`
		ChunkFreq
	} `json:"chunks"`
	CalFlags []struct {
		Antenna int    `json:"antenna"`
		Flags   uint32 `json:"flags"`
	} `json:"cal_flags"`
}

// Fetch performs one request.
func (s *HTTPSource) Fetch(ctx context.Context, start time.Time, duration time.Duration) (*Metadata, error) {
	u, err := url.Parse(s.base)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("start", strconv.FormatInt(start.UnixMilli(), 10))
	q.Set("duration_ms", strconv.FormatInt(duration.Milliseconds(), 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, fmt.Errorf("enrich: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	return decodeResponse(body)
}

func decodeResponse(body []byte) (*Metadata, error) {
	var parsed serviceResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("enrich: decode response: %w", err)
	}
	md := &Metadata{
		Antennas: make(map[int]Position, len(parsed.Antennas)),
		Chunks:   make(map[ChunkKey]ChunkFreq, len(parsed.Chunks)),
		CalFlags: make(map[int]uint32, len(parsed.CalFlags)),
	}
	for _, a := range parsed.Antennas {
		md.Antennas[a.ID] = a.Position
	}
	for _, c := range parsed.Chunks {
		sb, err := parseSideband(c.Sideband)
		if err != nil {
			return nil, err
		}
		md.Chunks[ChunkKey{Chunk: c.Chunk, Sideband: sb}] = c.ChunkFreq
	}
	for _, c := range parsed.CalFlags {
		md.CalFlags[c.Antenna] = c.Flags
	}
	return md, nil
}

func parseSideband(s string) (bundle.Sideband, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lsb", "l":
		return bundle.LSB, nil
	case "usb", "u":
		return bundle.USB, nil
	}
	return 0, fmt.Errorf("enrich: unknown sideband %q", s)
}
