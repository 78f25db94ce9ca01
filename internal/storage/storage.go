// Package storage is the HTTP user agent for MogileFS storage nodes.
//
// Storage nodes serve blobs over plain HTTP: ranged GET for reads and
// partial-content PUT (Content-Range) for writes. The client keeps a pool
// of keep-alive connections per origin and reports 416 Range Not
// Satisfiable as a distinguished sentinel so callers can treat it as
// end-of-object rather than failure.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrRangeNotSatisfiable marks a ranged GET past the end of the object.
var ErrRangeNotSatisfiable = errors.New("requested range not satisfiable")

// Options tunes the underlying HTTP transport.
type Options struct {
	RequestTimeout time.Duration
	IdleTimeout    time.Duration
}

// Client is the storage-node user agent. Safe for concurrent use.
type Client struct {
	hc *http.Client
}

// Response is the raw result of one storage-node request.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// New creates a storage client with pooled keep-alive connections.
func New(opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 60 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     opts.IdleTimeout,
	}
	return &Client{
		hc: &http.Client{
			Transport: transport,
			Timeout:   opts.RequestTimeout,
		},
	}
}

// Do performs one request and drains the response body. Non-2xx statuses
// other than 416 are returned as errors.
func (c *Client) Do(method, url string, headers map[string]string, body []byte) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.ContentLength = int64(len(body))
	}

	logrus.Tracef("storage > %s %s (%d bytes)", method, url, len(body))
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	logrus.Tracef("storage < %d %s %s (%d bytes)", resp.StatusCode, method, url, len(data))

	res := &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}
	switch {
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		return res, ErrRangeNotSatisfiable
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return res, fmt.Errorf("storage node %s %s: status %d", method, url, resp.StatusCode)
	}
	return res, nil
}

// GetRange reads length bytes starting at offset. A range past the end of
// the object returns ErrRangeNotSatisfiable.
func (c *Client) GetRange(url string, offset, length int64) ([]byte, error) {
	headers := map[string]string{
		"Range": fmt.Sprintf("bytes=%d-%d", offset, offset+length-1),
	}
	res, err := c.Do(http.MethodGet, url, headers, nil)
	if err != nil {
		return nil, err
	}
	return res.Body, nil
}

// PutRange writes the bytes at offset using a partial-content PUT. The
// storage backend must honor Content-Range on PUT.
func (c *Client) PutRange(url string, offset int64, body []byte) error {
	headers := map[string]string{
		"Content-Range": fmt.Sprintf("bytes %d-%d/*", offset, offset+int64(len(body))-1),
	}
	_, err := c.Do(http.MethodPut, url, headers, body)
	return err
}

// Create materializes an empty object at the destination URL.
func (c *Client) Create(url string) error {
	_, err := c.Do(http.MethodPut, url, nil, []byte{})
	return err
}

// Delete removes the object at the URL.
func (c *Client) Delete(url string) error {
	_, err := c.Do(http.MethodDelete, url, nil, nil)
	return err
}
