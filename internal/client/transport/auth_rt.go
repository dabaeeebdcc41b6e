package transport

import (
	"net/http"
)

// BasicAuthRoundTripper attaches HTTP basic credentials and fixed headers
// (User-Agent, Accept) to every outgoing request.
type BasicAuthRoundTripper struct {
	Base      http.RoundTripper
	Username  string
	Password  string
	UserAgent string
	Accept    string // used only when the request has no Accept header
}

func (b *BasicAuthRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rt := b.Base
	if rt == nil {
		rt = http.DefaultTransport
	}

	// RoundTrippers must not modify the caller's request.
	out := req.Clone(req.Context())
	if b.Username != "" || b.Password != "" {
		out.SetBasicAuth(b.Username, b.Password)
	}
	if b.UserAgent != "" {
		out.Header.Set("User-Agent", b.UserAgent)
	}
	if b.Accept != "" && out.Header.Get("Accept") == "" {
		out.Header.Set("Accept", b.Accept)
	}

	return rt.RoundTrip(out)
}

// BearerRoundTripper attaches an "Authorization: Bearer" header.
type BearerRoundTripper struct {
	Base      http.RoundTripper
	Token     string
	UserAgent string
}

func (b *BearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rt := b.Base
	if rt == nil {
		rt = http.DefaultTransport
	}

	out := req.Clone(req.Context())
	if b.Token != "" {
		out.Header.Set("Authorization", "Bearer "+b.Token)
	}
	if b.UserAgent != "" {
		out.Header.Set("User-Agent", b.UserAgent)
	}

	return rt.RoundTrip(out)
}
