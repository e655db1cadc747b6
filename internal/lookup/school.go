// Package lookup resolves DISE school codes against the public school
// directory. Lookups are best effort; callers treat any error as "not found".
package lookup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// DefaultSchoolURLTemplate is the directory location; {code} is replaced by
// the escaped DISE code.
const DefaultSchoolURLTemplate = "https://codeyogi-colleges-prod.s3.amazonaws.com/colleges/{code}.json"

// DefaultTimeout bounds a single lookup.
const DefaultTimeout = 10 * time.Second

// maxBody caps how much of a directory response is read.
const maxBody = 1 << 20

// ErrSchoolNotFound is returned when the directory has no record for a code.
var ErrSchoolNotFound = errors.New("school not found")

// SchoolClient fetches school records over HTTP.
type SchoolClient struct {
	urlTemplate string
	httpClient  *http.Client
}

// Option configures a SchoolClient.
type Option func(*SchoolClient)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *SchoolClient) { s.httpClient = c }
}

// NewSchoolClient creates a client for the given URL template. An empty
// template selects DefaultSchoolURLTemplate.
func NewSchoolClient(urlTemplate string, opts ...Option) *SchoolClient {
	if urlTemplate == "" {
		urlTemplate = DefaultSchoolURLTemplate
	}
	c := &SchoolClient{
		urlTemplate: urlTemplate,
		httpClient:  &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the directory address for code.
func (c *SchoolClient) URL(code string) string {
	return strings.ReplaceAll(c.urlTemplate, "{code}", url.PathEscape(code))
}

// LookupSchool fetches the record for a DISE code.
func (c *SchoolClient) LookupSchool(ctx context.Context, code string) (*models.School, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, errors.New("empty dise code")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(code), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build school request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("school request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		// S3 answers 403 for missing keys on private buckets.
		return nil, fmt.Errorf("%w: %s", ErrSchoolNotFound, code)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("school directory returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read school response: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("school directory returned invalid JSON")
	}

	doc := gjson.ParseBytes(body)
	school := &models.School{
		Code:     doc.Get("code").String(),
		Name:     doc.Get("name").String(),
		State:    doc.Get("state").String(),
		District: doc.Get("district").String(),
		Block:    doc.Get("block").String(),
		Type:     doc.Get("type").String(),
		Students: doc.Get("students").String(),
		Link:     doc.Get("link").String(),
	}
	if school.Code == "" {
		school.Code = code
	}
	if school.Name == "" {
		return nil, fmt.Errorf("%w: %s has no name", ErrSchoolNotFound, code)
	}

	slog.Debug("SchoolClient.LookupSchool: found", "code", school.Code, "name", school.Name)
	return school, nil
}
