package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/httpapi"
)

const maxGeneratorResponse = 1 << 20

// remoteGenerator calls the content service at baseURL/<feature>.
type remoteGenerator struct {
	baseURL string
	client  *http.Client
}

func newRemoteGenerator(baseURL string, client *http.Client) *remoteGenerator {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &remoteGenerator{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type generateRequest struct {
	Subject string          `json:"subject"`
	Input   json.RawMessage `json:"input,omitempty"`
}

// For returns the generator for one feature.
func (g *remoteGenerator) For(feature string) httpapi.Generator {
	return httpapi.GeneratorFunc(func(ctx context.Context, subject string, input json.RawMessage) (any, error) {
		return g.generate(ctx, feature, subject, input)
	})
}

func (g *remoteGenerator) generate(ctx context.Context, feature, subject string, input json.RawMessage) (any, error) {
	body, err := json.Marshal(generateRequest{Subject: subject, Input: input})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/"+feature, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: generator: %w", tally.ErrUpstream, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxGeneratorResponse))
	if err != nil {
		return nil, fmt.Errorf("%w: generator: %w", tally.ErrUpstream, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: generator returned %d", tally.ErrUpstream, resp.StatusCode)
	}

	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: generator: %w", tally.ErrUpstream, err)
	}
	return out, nil
}
