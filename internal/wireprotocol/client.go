// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package wireprotocol

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/repocell/cell/internal/cellerr"
	"github.com/repocell/cell/internal/gitobj"
	"github.com/repocell/cell/modules/plumbing/format/pktline"
)

// AdvertisedRef is one (name, sha) pair parsed out of an upstream's
// info/refs response.
type AdvertisedRef struct {
	Name string
	Sha  gitobj.Hash
}

// Client speaks the client half of Smart HTTP against an upstream remote,
// used by the cell's sync driver to discover and fetch from another cell
// or any Git-compatible host.
type Client struct {
	HTTP *http.Client
}

// NewClient returns a Client using http.DefaultClient when hc is nil.
func NewClient(hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{HTTP: hc}
}

// DiscoverRefs issues the info/refs?service=git-upload-pack GET and parses
// the ref advertisement the same shape Server.InfoRefs produces.
func (c *Client) DiscoverRefs(ctx context.Context, url string) ([]AdvertisedRef, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(url, "/")+"/info/refs?service=git-upload-pack", nil)
	if err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "build info/refs request")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "fetch info/refs")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, cellerr.NewIO("info/refs: unexpected status %d", resp.StatusCode)
	}

	s := pktline.NewScanner(resp.Body)
	refs, err := parseAdvertisement(s)
	if err != nil {
		return nil, err
	}
	return refs, nil
}

func parseAdvertisement(s *pktline.Scanner) ([]AdvertisedRef, error) {
	var refs []AdvertisedRef
	first := true
	for s.Scan() {
		if s.IsFlush() {
			break
		}
		line := strings.TrimRight(string(s.Bytes()), "\n")
		if strings.HasPrefix(line, "# service=") {
			continue
		}
		if first {
			// Strip the NUL-separated capability suffix from the first ref line.
			if idx := strings.IndexByte(line, '\x00'); idx >= 0 {
				line = line[:idx]
			}
			first = false
		}
		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			continue
		}
		sha, err := gitobj.NewHashEx(fields[0])
		if err != nil {
			continue // capabilities^{} sentinel on an empty repo
		}
		if fields[1] == "capabilities^{}" {
			continue
		}
		refs = append(refs, AdvertisedRef{Name: fields[1], Sha: sha})
	}
	if err := s.Err(); err != nil {
		return nil, cellerr.Wrap(cellerr.KindMalformed, err, "parse ref advertisement")
	}
	return refs, nil
}

// FetchResult is what fetchPack hands back to the sync driver: the raw
// pack bytes, ready for gitobj.PackDecode, and any progress lines the
// remote multiplexed over side-band-64k.
type FetchResult struct {
	PackBytes []byte
	Progress  []string
}

// FetchPack issues the upload-pack POST with the given want/have set and
// demultiplexes the side-band-64k response into pack bytes.
func (c *Client) FetchPack(ctx context.Context, url string, wants, haves []gitobj.Hash) (*FetchResult, error) {
	var body bytes.Buffer
	enc := pktline.NewEncoder(&body)
	for i, w := range wants {
		if i == 0 {
			if err := enc.EncodeString(fmt.Sprintf("want %s %s\n", w, Capabilities)); err != nil {
				return nil, err
			}
			continue
		}
		if err := enc.EncodeString(fmt.Sprintf("want %s\n", w)); err != nil {
			return nil, err
		}
	}
	for _, h := range haves {
		if err := enc.EncodeString(fmt.Sprintf("have %s\n", h)); err != nil {
			return nil, err
		}
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("done\n"); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(url, "/")+"/git-upload-pack", &body)
	if err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "build upload-pack request")
	}
	req.Header.Set("Content-Type", "application/x-git-upload-pack-request")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "post upload-pack")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, cellerr.NewIO("upload-pack: unexpected status %d", resp.StatusCode)
	}

	s := pktline.NewScanner(resp.Body)
	// Drain ACK/NAK negotiation lines preceding the side-band pack stream.
	for s.Scan() {
		if s.IsFlush() {
			continue
		}
		line := string(s.Bytes())
		if strings.HasPrefix(line, "NAK") || strings.HasPrefix(line, "ACK") {
			continue
		}
		// First non-negotiation line is already the start of the sideband
		// stream; fall through without consuming it twice.
		if len(line) > 0 && (line[0] == pktline.PackData || line[0] == pktline.ProgressMsg || line[0] == pktline.ErrorMsg) {
			var pack bytes.Buffer
			var progress []string
			band, data := line[0], line[1:]
			switch band {
			case pktline.PackData:
				pack.Write(data)
			case pktline.ProgressMsg:
				progress = append(progress, string(data))
			case pktline.ErrorMsg:
				return nil, &pktline.RemoteError{Message: string(data)}
			}
			if err := pktline.Demux(s, func(b []byte) error { pack.Write(b); return nil },
				func(b []byte) { progress = append(progress, string(b)) }); err != nil {
				return nil, cellerr.Wrap(cellerr.KindMalformed, err, "demux upload-pack response")
			}
			return &FetchResult{PackBytes: pack.Bytes(), Progress: progress}, nil
		}
		break
	}
	if err := s.Err(); err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "read upload-pack response")
	}
	return &FetchResult{}, nil
}
