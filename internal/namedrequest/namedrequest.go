// Package namedrequest implements the core façade over a module's outbound
// named requests: template binding, header allowlisting, test-mode
// stubbing, and transient-failure backoff. Concrete API clients live outside
// this package.
package namedrequest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"text/template"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrTestMode is returned when a named request is stubbed because the
// module is running under test mode and the request is not in the
// test-mode-named-requests allowlist configured for it.
var ErrTestMode = errors.New("namedrequest: rejected in test mode")

// ErrHeaderNotAllowed is returned when the caller supplies a header outside
// the rule's allowed-headers set.
var ErrHeaderNotAllowed = errors.New("namedrequest: header not allowed")

// ErrRequiredHeaderMissing is returned when a rule's required header is
// absent from the call.
var ErrRequiredHeaderMissing = errors.New("namedrequest: required header missing")

// Rule mirrors policy.NamedRequestRule with a compiled template, so repeated
// calls do not reparse it.
type Rule struct {
	Name            string
	URL             string
	Method          string
	BodyTemplate    *template.Template
	AllowedHeaders  map[string]struct{}
	RequiredHeaders map[string]struct{}
}

// CompileRule parses a rule's body template once, ahead of dispatch.
func CompileRule(name, rawURL, method, bodyTemplate string, allowedHeaders, requiredHeaders []string) (Rule, error) {
	tmpl, err := template.New(name).Parse(bodyTemplate)
	if err != nil {
		return Rule{}, fmt.Errorf("namedrequest: compile template for %q: %w", name, err)
	}
	allowed := make(map[string]struct{}, len(allowedHeaders))
	for _, h := range allowedHeaders {
		allowed[h] = struct{}{}
	}
	required := make(map[string]struct{}, len(requiredHeaders))
	for _, h := range requiredHeaders {
		required[h] = struct{}{}
	}
	return Rule{
		Name:            name,
		URL:             rawURL,
		Method:          method,
		BodyTemplate:    tmpl,
		AllowedHeaders:  allowed,
		RequiredHeaders: required,
	}, nil
}

// Call is one invocation of a named request: the template data and the
// caller-supplied headers to attach.
type Call struct {
	TemplateData any
	Headers      map[string]string
}

// Response is the outcome of a dispatched named request.
type Response struct {
	StatusCode int
	Body       []byte
}

// Dispatcher sends named requests over HTTP with retry on transient
// failure. Test mode and stub responses are resolved by the caller before
// Dispatch is invoked (the capability check belongs to internal/policy).
type Dispatcher struct {
	Client *http.Client
}

// NewDispatcher constructs a Dispatcher with sane HTTP timeouts.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{Client: &http.Client{Timeout: 30 * time.Second}}
}

// Dispatch renders the rule's body template, attaches allowlisted headers,
// and sends the request, retrying transient (5xx and network) failures with
// exponential backoff.
func (d *Dispatcher) Dispatch(ctx context.Context, rule Rule, call Call) (Response, error) {
	for name := range call.Headers {
		if _, ok := rule.AllowedHeaders[name]; !ok {
			return Response{}, fmt.Errorf("%w: %q", ErrHeaderNotAllowed, name)
		}
	}
	for name := range rule.RequiredHeaders {
		if _, ok := call.Headers[name]; !ok {
			return Response{}, fmt.Errorf("%w: %q", ErrRequiredHeaderMissing, name)
		}
	}

	var body bytes.Buffer
	if err := rule.BodyTemplate.Execute(&body, call.TemplateData); err != nil {
		return Response{}, fmt.Errorf("namedrequest: render body: %w", err)
	}
	bodyBytes := body.Bytes()

	op := func() (Response, error) {
		req, err := http.NewRequestWithContext(ctx, rule.Method, rule.URL, bytes.NewReader(bodyBytes))
		if err != nil {
			return Response{}, backoff.Permanent(fmt.Errorf("namedrequest: build request: %w", err))
		}
		for name, value := range call.Headers {
			req.Header.Set(name, value)
		}

		resp, err := d.Client.Do(req)
		if err != nil {
			return Response{}, fmt.Errorf("namedrequest: do request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return Response{}, fmt.Errorf("namedrequest: read response: %w", err)
		}

		if resp.StatusCode >= 500 {
			return Response{}, fmt.Errorf("namedrequest: transient status %d", resp.StatusCode)
		}
		return Response{StatusCode: resp.StatusCode, Body: respBody}, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(4))
}

// Stub returns the fixed stub response used in test mode for a named
// request that is listed in the module's test-mode-named-requests
// allowlist.
func Stub() Response {
	return Response{StatusCode: 200, Body: []byte(`{"stubbed":true}`)}
}
