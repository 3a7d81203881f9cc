package notifier

import (
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type NatsConfig struct {
	URL           string `json:"url" validate:"required"`
	SubjectPrefix string `json:"subjectPrefix,omitempty"`
	Token         string `json:"token,omitempty"`
}

type NatsPublisher struct {
	conn   *nats.Conn
	prefix string
}

func NewNatsPublisher(cfg NatsConfig, identity string) (*NatsPublisher, error) {
	opts := []nats.Option{
		nats.Name("chargepoint-" + identity),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			klog.V(1).InfoS("NATS disconnected", "url", cfg.URL, "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			klog.V(2).InfoS("NATS reconnected", "url", c.ConnectedUrl())
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to nats %s", cfg.URL)
	}
	return &NatsPublisher{conn: conn, prefix: cfg.SubjectPrefix}, nil
}

func subject(prefix string, levels []string) string {
	s := strings.Join(levels, ".")
	if prefix != "" {
		s = strings.TrimSuffix(prefix, ".") + "." + s
	}
	return s
}

func (p *NatsPublisher) Publish(levels []string, payload []byte) error {
	return p.conn.Publish(subject(p.prefix, levels), payload)
}

func (p *NatsPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
