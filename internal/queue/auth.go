package queue

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// Security holds broker TLS and SASL settings.
type Security struct {
	TLS           bool
	CAFile        string
	SASLMechanism string
	Username      string
	Password      string
}

func (s Security) tlsConfig() (*tls.Config, error) {
	if !s.TLS {
		return nil, nil
	}
	conf := &tls.Config{MinVersion: tls.VersionTLS12}
	if s.CAFile != "" {
		pem, err := os.ReadFile(s.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("bad CA PEM")
		}
		conf.RootCAs = pool
	}
	return conf, nil
}

func (s Security) mechanism() (sasl.Mechanism, error) {
	switch strings.ToUpper(s.SASLMechanism) {
	case "":
		return nil, nil
	case "PLAIN":
		return plain.Mechanism{Username: s.Username, Password: s.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, s.Username, s.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, s.Username, s.Password)
	default:
		return nil, fmt.Errorf("unsupported sasl mechanism: %s", s.SASLMechanism)
	}
}

// transport builds the producer side connection settings.
func (s Security) transport(timeout time.Duration) (*kafka.Transport, error) {
	tlsConf, err := s.tlsConfig()
	if err != nil {
		return nil, fmt.Errorf("tls config: %w", err)
	}
	mech, err := s.mechanism()
	if err != nil {
		return nil, fmt.Errorf("sasl config: %w", err)
	}
	return &kafka.Transport{
		TLS:         tlsConf,
		SASL:        mech,
		DialTimeout: timeout,
	}, nil
}

// dialer builds the consumer side connection settings.
func (s Security) dialer(timeout time.Duration) (*kafka.Dialer, error) {
	tlsConf, err := s.tlsConfig()
	if err != nil {
		return nil, fmt.Errorf("tls config: %w", err)
	}
	mech, err := s.mechanism()
	if err != nil {
		return nil, fmt.Errorf("sasl config: %w", err)
	}
	return &kafka.Dialer{
		Timeout:       timeout,
		DualStack:     true,
		TLS:           tlsConf,
		SASLMechanism: mech,
	}, nil
}
