// Package verifier implements the http client used to check submitted
// proofs against the external verifier service
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Client implements the verifier http client, used by the matchmaker to
// decide proof validity
type Client struct {
	url string
	c   *http.Client
}

// NewClient returns a new Client for the given verifierURL
func NewClient(verifierURL string) *Client {
	httpClient := &http.Client{}
	return &Client{
		url: verifierURL,
		c:   httpClient,
	}
}

type verifyRequest struct {
	Payload hexutil.Bytes `json:"payload"`
	Proof   hexutil.Bytes `json:"proof"`
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

type errorMsg struct {
	Message string `json:"message"`
}

// Verify sends the request payload and the submitted proof to the verifier
// service. valid=false with a nil error means the service decided the proof
// is wrong; transport and service failures are returned as errors so the
// caller retries.
func (c *Client) Verify(ctx context.Context, payload, proof []byte) (bool, error) {
	body, err := json.Marshal(verifyRequest{Payload: payload, Proof: proof})
	if err != nil {
		return false, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.url+"/verify", bytes.NewBuffer(body))
	if err != nil {
		return false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.c.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("can not reach verifier: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return false, err
	}

	if resp.StatusCode == http.StatusBadRequest {
		var errMsg errorMsg
		if err = json.Unmarshal(respBody, &errMsg); err != nil {
			return false, err
		}
		return false, errors.New(errMsg.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("verifier returned status %d", resp.StatusCode)
	}

	var verdict verifyResponse
	if err := json.Unmarshal(respBody, &verdict); err != nil {
		return false, err
	}
	return verdict.Valid, nil
}
