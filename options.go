package lasp

import (
	"crypto/tls"
	"log/slog"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

const defaultPartitions = 64

type config struct {
	mlCfg        *memberlist.Config
	trCfg        TransportConfig
	logHandler   slog.Handler
	metricLabels []metrics.Label
	msink        metrics.MetricSink
	neighbours   []string
	partitions   int
	reg          *Registry
	host         ProgramHost
	dataPort     int
}

// Option to pass to `Create`
type Option func(*config) error

// WithListenOn specifies which UDP interface the mesh must use. Gossip
// binds the given port; the QUIC data plane binds the next one unless
// WithDataPort overrides it.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		c.mlCfg.BindAddr = addr
		c.mlCfg.BindPort = port
		c.mlCfg.AdvertisePort = port
		c.trCfg.BindAddr = addr
		return nil
	}
}

// WithDataPort overrides the QUIC data plane port.
func WithDataPort(port int) Option {
	return func(c *config) error {
		c.dataPort = port
		return nil
	}
}

// WithNodeName specifies the name exposed to other peers when joining the
// cluster. For a well-behaving cluster, the name MUST be unique.
func WithNodeName(name string) Option {
	return func(c *config) error {
		if name != "" {
			c.mlCfg.Name = name
		}
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		return nil
	}
}

// WithTlsConfig sets the `tls.Config` used by the QUIC data plane. It is
// REALLY important that you use mTLS in production since that's the only
// way to secure your mesh at this time. Without a TLS config, the mesh runs
// local-only and cannot join a cluster.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.trCfg.TlsConfig = tlsConf.Clone()
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the mesh.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.trCfg.MetricLabels = labels

		// memberlist still consumes the legacy metrics module, so the
		// labels need a translation pass.
		c.mlCfg.MetricLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.mlCfg.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your mesh.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.trCfg.MetricSink = ms
		return nil
	}
}

// WithDialTimeout bounds how long sending an asynchronous alias protocol
// message may take to reach a remote node. Synchronous operations are
// bounded by the caller's context only.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.trCfg.DialTimeout = timeout
		return nil
	}
}

// WithNeighbours controls which peers are tried initially to Join the
// cluster.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = neighbours
		return nil
	}
}

// WithPartitions fixes the partition count of the key space. Every member
// of a cluster MUST use the same count.
func WithPartitions(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return ErrInvalidCfg
		}
		c.partitions = n
		return nil
	}
}

// WithRegistry replaces the default lattice registry.
func WithRegistry(reg *Registry) Option {
	return func(c *config) error {
		if reg == nil {
			return ErrInvalidCfg
		}
		c.reg = reg
		return nil
	}
}

// WithProgramHost sets the collaborator executing computations spawned with
// Thread.
func WithProgramHost(host ProgramHost) Option {
	return func(c *config) error {
		c.host = host
		return nil
	}
}
