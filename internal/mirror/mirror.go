// Package mirror republishes captured samples on a NATS subject so other
// processes on the device can consume the position stream.
package mirror

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
	"nuha.dev/gpsagent/internal/gps"
)

type MirrorConfig struct {
	URL       string
	Subject   string
	ConnectTO time.Duration
}

type Mirror struct {
	nc     *nats.Conn
	config *MirrorConfig
	log    log.Logger
}

func Connect(config *MirrorConfig) (*Mirror, error) {
	m := &Mirror{config: config}
	if m.config.Subject == "" {
		m.config.Subject = "gpsagent.samples"
	}
	if m.config.ConnectTO == 0 {
		m.config.ConnectTO = 2 * time.Second
	}
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "mirror").Value()

	nc, err := nats.Connect(config.URL,
		nats.Name("gpsagent"),
		nats.Timeout(m.config.ConnectTO),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			m.log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			m.log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	m.nc = nc
	m.log.Info().Str("url", nc.ConnectedUrl()).Str("subject", m.config.Subject).Msg("sample mirror connected")
	return m, nil
}

// Publish never blocks on the network; nats buffers while reconnecting.
func (m *Mirror) Publish(sample *gps.Sample) {
	d, err := json.Marshal(sample)
	if err != nil {
		m.log.Error().Err(err).Msg("error encoding sample")
		return
	}
	if err := m.nc.Publish(m.config.Subject, d); err != nil {
		m.log.Warn().Err(err).EmbedObject(sample).Msg("error mirroring sample")
	}
}

func (m *Mirror) Close() {
	if err := m.nc.Drain(); err != nil {
		m.nc.Close()
	}
}
