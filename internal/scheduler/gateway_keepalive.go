package scheduler

import (
	"github.com/rs/zerolog"

	"github.com/dstamatis/pietra/internal/clients/gateway"
)

// GatewayKeepaliveJob keeps the broker gateway session alive. The gateway
// drops authentication after idle periods; probing the auth status counts as
// activity, and a dropped session gets reinitialized.
type GatewayKeepaliveJob struct {
	client *gateway.Client
	log    zerolog.Logger
}

// NewGatewayKeepaliveJob creates a gateway keepalive job
func NewGatewayKeepaliveJob(client *gateway.Client, log zerolog.Logger) *GatewayKeepaliveJob {
	return &GatewayKeepaliveJob{
		client: client,
		log:    log.With().Str("job", "gateway_keepalive").Logger(),
	}
}

// Name returns the job name
func (j *GatewayKeepaliveJob) Name() string { return "gateway_keepalive" }

// Run probes the session and reauthenticates when it has lapsed
func (j *GatewayKeepaliveJob) Run() error {
	authenticated, err := j.client.CheckAuthStatus()
	if err != nil {
		return err
	}
	if authenticated {
		return nil
	}

	j.log.Warn().Msg("Gateway session lapsed, reinitializing brokerage session")
	return j.client.InitBrokerageSession()
}
