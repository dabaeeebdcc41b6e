// Package client builds the outbound HTTP clients used by the relay.
package client

import (
	"net/http"
	"time"

	"github.com/erikjohnston/github-matrix-project-bot/internal/client/github"
	"github.com/erikjohnston/github-matrix-project-bot/internal/client/matrix"
	"github.com/erikjohnston/github-matrix-project-bot/internal/client/transport"
	"github.com/erikjohnston/github-matrix-project-bot/internal/config"
)

// DefaultAccept is sent to GitHub when a query does not pick its own media type.
const DefaultAccept = "application/vnd.github.inertia-preview+json"

// fabric http-client
func NewHTTPClient(timeout time.Duration, rt http.RoundTripper) *http.Client {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &http.Client{Timeout: timeout, Transport: rt}
}

// NewGitHub returns the metric source client configured from cfg.
func NewGitHub(cfg *config.Config) *github.Client {
	rt := &transport.BasicAuthRoundTripper{
		Base:      http.DefaultTransport,
		Username:  cfg.GitHubUser,
		Password:  cfg.GitHubToken,
		UserAgent: cfg.UserAgent,
		Accept:    DefaultAccept,
	}
	return github.NewClient(cfg.GitHubURL, NewHTTPClient(cfg.ClientTimeout, rt))
}

// NewMatrix returns the state sink client configured from cfg.
func NewMatrix(cfg *config.Config) *matrix.Client {
	rt := &transport.BearerRoundTripper{
		Base:      http.DefaultTransport,
		Token:     cfg.MatrixToken,
		UserAgent: cfg.UserAgent,
	}
	return matrix.NewClient(cfg.MatrixURL, cfg.RoomID, cfg.StateNamespace, NewHTTPClient(cfg.ClientTimeout, rt))
}
