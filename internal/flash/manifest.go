package flash

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
)

const maxImageSize = 16 * 1024 * 1024

// Manifest lists firmware parts either directly or per chip family.
type Manifest struct {
	Name    string  `json:"name,omitempty"`
	Version string  `json:"version,omitempty"`
	Parts   []Part  `json:"parts,omitempty"`
	Builds  []Build `json:"builds,omitempty"`
}

type Build struct {
	ChipFamily string `json:"chipFamily"`
	Parts      []Part `json:"parts"`
}

type Part struct {
	Path   string `json:"path"`
	Offset Offset `json:"offset"`
}

// Offset decodes from a JSON number or a decimal or 0x-prefixed string.
type Offset uint32

func (o *Offset) UnmarshalJSON(b []byte) error {
	var n uint32
	if err := json.Unmarshal(b, &n); err == nil {
		*o = Offset(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("offset must be a number or string")
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return fmt.Errorf("invalid offset %q", s)
	}
	*o = Offset(v)
	return nil
}

// PartsFor picks the build matching family, falling back to the first build.
func (m Manifest) PartsFor(family string) ([]Part, error) {
	parts := m.Parts
	if len(m.Builds) > 0 {
		parts = m.Builds[0].Parts
		for _, b := range m.Builds {
			if strings.EqualFold(b.ChipFamily, family) {
				parts = b.Parts
				break
			}
		}
	}
	if len(parts) == 0 {
		return nil, errors.New("manifest has no parts")
	}
	for _, p := range parts {
		if p.Path == "" {
			return nil, errors.New("manifest part without path")
		}
	}
	return parts, nil
}

type image struct {
	part Part
	data []byte
}

func fetchManifest(ctx context.Context, client *http.Client, manifestURL string) (*url.URL, Manifest, error) {
	base, err := url.Parse(manifestURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, Manifest{}, fmt.Errorf("invalid manifest URL %q", manifestURL)
	}
	body, err := get(ctx, client, base.String())
	if err != nil {
		return nil, Manifest{}, fmt.Errorf("fetch manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return base, m, nil
}

// fetchParts downloads every part or none.
func fetchParts(ctx context.Context, client *http.Client, base *url.URL, parts []Part) ([]image, error) {
	targets := make([]string, len(parts))
	for i, p := range parts {
		ref, err := url.Parse(p.Path)
		if err != nil {
			return nil, fmt.Errorf("invalid part path %q", p.Path)
		}
		targets[i] = base.ResolveReference(ref).String()
	}

	images := make([]image, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range parts {
		target := targets[i]
		g.Go(func() error {
			data, err := get(gctx, client, target)
			if err != nil {
				return fmt.Errorf("fetch part %s: %w", p.Path, err)
			}
			if len(data) == 0 {
				return fmt.Errorf("fetch part %s: empty image", p.Path)
			}
			images[i] = image{part: p, data: data}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

func get(ctx context.Context, client *http.Client, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxImageSize {
		return nil, fmt.Errorf("image exceeds %d bytes", maxImageSize)
	}
	return data, nil
}
