// Package lapis implements the CountSource port against a LAPIS-style
// wastewater sequencing API. Coverage at a mutation's position is obtained
// the way the upstream instance expects: one aggregated query per symbol,
// summed, over the exact same date window as the filtered-count query.
package lapis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/sihlelab/effluent/internal/core/domain"
	"github.com/sihlelab/effluent/internal/core/ports"
)

var symbols = []string{"A", "C", "G", "T", "-"}

var mutationRe = regexp.MustCompile(`^([ACGT])?([0-9]+)([ACGT-])$`)

type Client struct {
	hc     *http.Client
	logger *slog.Logger

	// baseURL and token return the current upstream endpoint and access
	// token; both are hot-swapped by the settings store, so they are funcs
	// rather than fields.
	baseURL func() string
	token   func() string
}

var _ ports.CountSource = (*Client)(nil)

func New(logger *slog.Logger, baseURL func() string, token func() string) *Client {
	if token == nil {
		token = func() string { return "" }
	}
	return &Client{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: 60 * time.Second},
		logger:  logger,
		token:   token,
	}
}

// StaticURL adapts a fixed endpoint to the live-lookup form New expects.
func StaticURL(u string) func() string {
	return func() string { return u }
}

type aggregatedPayload struct {
	NucleotideMutations []string `json:"nucleotideMutations,omitempty"`
	LocationName        string   `json:"location_name,omitempty"`
	SamplingDateFrom    string   `json:"sampling_dateFrom,omitempty"`
	SamplingDateTo      string   `json:"sampling_dateTo,omitempty"`
	Fields              []string `json:"fields,omitempty"`
	OrderBy             []string `json:"orderBy,omitempty"`
}

type aggregatedResponse struct {
	Data []map[string]any `json:"data"`
	Info struct {
		DataVersion string `json:"dataVersion"`
	} `json:"info"`
}

// FetchCounts composes the filtered-count query and the per-symbol coverage
// queries into per-bucket (count, coverage) pairs. Both sides use identical
// date boundaries so the two are comparable; buckets the API returned no
// rows for keep coverage 0 ("no data").
func (c *Client) FetchCounts(ctx context.Context, mutation, location string, from, to time.Time, interval domain.BucketInterval) ([]ports.BucketCount, error) {
	ref, pos, _, err := parseMutation(mutation)
	if err != nil {
		return nil, err
	}

	counts, err := c.dailyCounts(ctx, mutation, location, from, to)
	if err != nil {
		return nil, fmt.Errorf("filtered counts for %s: %w", mutation, err)
	}

	coverage := map[string]int{}
	for _, sym := range symbols {
		perDay, err := c.dailyCounts(ctx, fmt.Sprintf("%s%d%s", ref, pos, sym), location, from, to)
		if err != nil {
			return nil, fmt.Errorf("coverage for %s: %w", mutation, err)
		}
		for day, n := range perDay {
			coverage[day] += n
		}
	}

	buckets := domain.BucketStarts(from, to, interval)
	index := make(map[time.Time]int, len(buckets))
	out := make([]ports.BucketCount, len(buckets))
	for i, b := range buckets {
		index[b] = i
		out[i] = ports.BucketCount{Bucket: b}
	}

	for day, cov := range coverage {
		t, err := time.Parse("2006-01-02", day)
		if err != nil {
			continue
		}
		if i, ok := index[domain.BucketStart(t, interval)]; ok {
			out[i].Coverage += cov
			out[i].Count += counts[day]
		}
	}
	return out, nil
}

// dailyCounts issues one aggregated query and returns date -> count.
func (c *Client) dailyCounts(ctx context.Context, mutation, location string, from, to time.Time) (map[string]int, error) {
	resp, err := c.aggregated(ctx, aggregatedPayload{
		NucleotideMutations: []string{mutation},
		LocationName:        location,
		SamplingDateFrom:    from.UTC().Format("2006-01-02"),
		SamplingDateTo:      to.UTC().Format("2006-01-02"),
		Fields:              []string{"sampling_date"},
		OrderBy:             []string{"sampling_date"},
	})
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(resp.Data))
	for _, row := range resp.Data {
		date, _ := row["sampling_date"].(string)
		count, _ := row["count"].(float64)
		if date != "" {
			counts[date] += int(count)
		}
	}
	return counts, nil
}

func (c *Client) FetchLocations(ctx context.Context) ([]string, error) {
	resp, err := c.aggregated(ctx, aggregatedPayload{Fields: []string{"location_name"}})
	if err != nil {
		return nil, fmt.Errorf("fetch locations: %w", err)
	}

	var locations []string
	for _, row := range resp.Data {
		if name, _ := row["location_name"].(string); name != "" {
			locations = append(locations, name)
		}
	}
	return locations, nil
}

func (c *Client) DataVersion(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/sample/info", nil)
	if err != nil {
		return "", err
	}
	c.authorize(req)

	res, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("lapis info: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("lapis info returned status %d", res.StatusCode)
	}

	var info struct {
		DataVersion string `json:"dataVersion"`
	}
	if err := json.NewDecoder(res.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("decode info: %w", err)
	}
	return info.DataVersion, nil
}

func (c *Client) aggregated(ctx context.Context, payload aggregatedPayload) (*aggregatedResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+"/sample/aggregated", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	res, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lapis connection failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lapis returned status %d", res.StatusCode)
	}

	var out aggregatedResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode aggregated response: %w", err)
	}
	return &out, nil
}

func (c *Client) authorize(req *http.Request) {
	if t := c.token(); t != "" {
		req.Header.Set("Authorization", "Bearer "+t)
	}
}

func parseMutation(mutation string) (ref string, pos int, alt string, err error) {
	m := mutationRe.FindStringSubmatch(mutation)
	if m == nil {
		return "", 0, "", fmt.Errorf("malformed mutation %q", mutation)
	}
	fmt.Sscanf(m[2], "%d", &pos)
	return m[1], pos, m[3], nil
}
