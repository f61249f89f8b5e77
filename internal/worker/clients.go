package worker

import (
	"context"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/vidbridge/internal/credentials"
	"github.com/tonimelisma/vidbridge/internal/sink"
	"github.com/tonimelisma/vidbridge/internal/source"
)

// CredentialProvider resolves an owner's credentials.
type CredentialProvider interface {
	CredentialsForOwner(ctx context.Context, ownerID string) (*credentials.Credentials, error)
}

// OwnerConnector builds per-owner clients. Drive reads and publishing API
// calls run with the owner's OAuth token; bucket stores are shared by all
// owners and authenticate with service credentials.
type OwnerConnector struct {
	creds         CredentialProvider
	httpClient    *http.Client
	sinkEndpoints sink.Endpoints
	driveEndpoint string
	userAgent     string
	shared        map[string]source.Store
	logger        *slog.Logger
}

// ConnectorConfig configures an OwnerConnector. HTTPClient is the base
// client for every request and must not add authorization itself.
type ConnectorConfig struct {
	HTTPClient    *http.Client
	SinkEndpoints sink.Endpoints
	DriveEndpoint string
	UserAgent     string
}

// NewOwnerConnector returns a connector. Register shared bucket stores
// with RegisterShared before use.
func NewOwnerConnector(creds CredentialProvider, cfg ConnectorConfig, logger *slog.Logger) *OwnerConnector {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}

	return &OwnerConnector{
		creds:         creds,
		httpClient:    hc,
		sinkEndpoints: cfg.SinkEndpoints,
		driveEndpoint: cfg.DriveEndpoint,
		userAgent:     cfg.UserAgent,
		shared:        make(map[string]source.Store),
		logger:        logger,
	}
}

// RegisterShared makes st serve scheme for every owner.
func (c *OwnerConnector) RegisterShared(scheme string, st source.Store) {
	c.shared[scheme] = st
}

// Connect implements Connector.
func (c *OwnerConnector) Connect(ctx context.Context, ownerID string) (*Clients, error) {
	cr, err := c.creds.CredentialsForOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	router := source.NewRouter()
	for scheme, st := range c.shared {
		router.Register(scheme, st)
	}

	// The oauth2 transport wraps our base client; the context only carries it.
	authed := cr.HTTPClient(context.WithValue(context.Background(), oauth2.HTTPClient, c.httpClient))

	drive, err := source.NewDrive(ctx, authed, c.driveEndpoint, c.logger)
	if err != nil {
		return nil, err
	}

	router.Register(source.SchemeDrive, drive)

	return &Clients{
		Source: router,
		Sink:   sink.NewClient(c.sinkEndpoints, c.httpClient, cr, c.logger, c.userAgent),
	}, nil
}
