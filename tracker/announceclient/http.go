package announceclient

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/dmoreau/gobt/bencode"
)

// HTTPClient announces to HTTP(S) trackers per BEP 3, always requesting the
// compact peer format but tolerating the dictionary format some trackers
// return regardless.
type HTTPClient struct {
	config     Config
	httpClient *http.Client
}

// NewHTTPClient builds an HTTPClient with config's timeout as the
// underlying http.Client's deadline.
func NewHTTPClient(config Config) *HTTPClient {
	config = config.applyDefaults()
	return &HTTPClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// Announce implements Client.
func (c *HTTPClient) Announce(ctx context.Context, rawURL string, req Request) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errf("parse tracker url: %s", err)
	}

	v := url.Values{}
	v.Set("info_hash", string(req.InfoHash.Bytes()))
	v.Set("peer_id", string(req.PeerID.Bytes()))
	v.Set("port", strconv.Itoa(int(req.Port)))
	v.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	v.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	v.Set("left", strconv.FormatInt(req.Left, 10))
	v.Set("compact", "1")
	if req.Event != EventNone {
		v.Set("event", req.Event.String())
	}
	numWant := req.NumWant
	if numWant == 0 {
		numWant = c.config.NumWant
	}
	v.Set("numwant", strconv.Itoa(numWant))
	u.RawQuery = v.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errf("build request: %s", err)
	}
	httpReq.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errf("send request: %s", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errf("tracker returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, errf("read response: %s", err)
	}

	val, _, err := bencode.Decode(body)
	if err != nil {
		return nil, errf("decode response: %s", err)
	}
	return parseHTTPResponse(val)
}

func parseHTTPResponse(v *bencode.Value) (*Result, error) {
	if v == nil || v.Kind != bencode.KindDict {
		return nil, errf("response is not a dictionary")
	}

	if fv := v.Get("failure reason"); fv != nil {
		s, err := fv.Str()
		if err != nil {
			return nil, errf("failure reason: %s", err)
		}
		return nil, &FailureError{Reason: s}
	}

	result := &Result{}

	if iv := v.Get("interval"); iv != nil {
		n, err := iv.Int64()
		if err != nil {
			return nil, errf("interval: %s", err)
		}
		result.Interval = secondsToDuration(n)
	}
	if miv := v.Get("min interval"); miv != nil {
		n, err := miv.Int64()
		if err != nil {
			return nil, errf("min interval: %s", err)
		}
		result.MinInterval = secondsToDuration(n)
	}
	if cv := v.Get("complete"); cv != nil {
		n, err := cv.Int64()
		if err != nil {
			return nil, errf("complete: %s", err)
		}
		result.Complete = int(n)
	}
	if iv := v.Get("incomplete"); iv != nil {
		n, err := iv.Int64()
		if err != nil {
			return nil, errf("incomplete: %s", err)
		}
		result.Incomplete = int(n)
	}

	pv := v.Get("peers")
	if pv == nil {
		return result, nil
	}
	switch pv.Kind {
	case bencode.KindString:
		peers, err := parseCompactPeers(pv.String)
		if err != nil {
			return nil, err
		}
		result.Peers = peers
	case bencode.KindList:
		peers, err := parseDictPeers(pv.List)
		if err != nil {
			return nil, err
		}
		result.Peers = peers
	default:
		return nil, errf("peers field has unexpected type")
	}
	return result, nil
}

func parseCompactPeers(data []byte) ([]PeerEndpoint, error) {
	if len(data)%6 != 0 {
		return nil, errf("compact peers length %d is not a multiple of 6", len(data))
	}
	peers := make([]PeerEndpoint, 0, len(data)/6)
	for i := 0; i < len(data); i += 6 {
		ip := net.IP(append([]byte(nil), data[i:i+4]...))
		port := binary.BigEndian.Uint16(data[i+4 : i+6])
		peers = append(peers, PeerEndpoint{IP: ip, Port: port})
	}
	return peers, nil
}

func parseDictPeers(list []*bencode.Value) ([]PeerEndpoint, error) {
	peers := make([]PeerEndpoint, 0, len(list))
	for _, pv := range list {
		if pv.Kind != bencode.KindDict {
			continue
		}
		ipv := pv.Get("ip")
		portv := pv.Get("port")
		if ipv == nil || portv == nil {
			continue
		}
		ipStr, err := ipv.Str()
		if err != nil {
			continue
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		port, err := portv.Int64()
		if err != nil {
			continue
		}
		peers = append(peers, PeerEndpoint{IP: ip, Port: uint16(port)})
	}
	return peers, nil
}
