package rtc

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// IceServerConfig is one relay/reflection server entry from configuration.
type IceServerConfig struct {
	URL        string
	Username   string
	Credential string
}

type staticIceProvider struct {
	servers []webrtc.ICEServer
}

// NewStaticIceProvider builds an ICE configuration provider from static
// configuration. Credentials are optional (STUN needs none).
func NewStaticIceProvider(configs []IceServerConfig) *staticIceProvider {
	servers := make([]webrtc.ICEServer, 0, len(configs))
	for _, cfg := range configs {
		server := webrtc.ICEServer{URLs: []string{cfg.URL}}
		if cfg.Username != "" {
			server.Username = cfg.Username
			server.Credential = cfg.Credential
		}
		servers = append(servers, server)
	}

	return &staticIceProvider{servers: servers}
}

func (p staticIceProvider) GetIceServers(_ context.Context) ([]webrtc.ICEServer, error) {
	return p.servers, nil
}
