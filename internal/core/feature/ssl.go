package feature

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/gatewire/gatewire/internal/config"
	"github.com/gatewire/gatewire/internal/core/observability/log"
	"github.com/gatewire/gatewire/internal/core/pipeline"
)

// sslFeature resolves the TLS configuration for a listener or dialer. The
// config is built once per feature instance and handed to the transport via
// the pipeline's TLS slot.
type sslFeature struct {
	env  pipeline.Env
	once sync.Once
	conf *tls.Config
	err  error
}

// NewSSL builds the TLS feature.
func NewSSL(env pipeline.Env) pipeline.Feature { return &sslFeature{env: env} }

func (f *sslFeature) Name() string { return "ssl" }
func (f *sslFeature) Order() int   { return OrderSSL }

func (f *sslFeature) Enabled(spec pipeline.Spec) bool {
	s := spec.FeatureSet().SSL
	return s != nil && s.Enabled
}

func (f *sslFeature) Configure(p *pipeline.Pipeline, spec pipeline.Spec) error {
	f.once.Do(func() {
		if spec.Kind == pipeline.KindClient {
			f.conf, f.err = clientTLS(spec.FeatureSet().SSL, f.env.Log)
			return
		}
		f.conf, f.err = serverTLS(spec.FeatureSet().SSL, f.env.Log)
	})
	if f.err != nil {
		return f.err
	}
	p.SetTLS(f.conf)
	return nil
}

func serverTLS(s *config.SSLSpec, lg log.Log) (*tls.Config, error) {
	var (
		cert tls.Certificate
		err  error
	)
	if s.CertFile != "" && s.KeyFile != "" {
		cert, err = tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "load key pair")
		}
	} else {
		host := s.SelfSignedHost
		if host == "" {
			host = "localhost"
		}
		lg.Warn("no certificate configured, generating a self-signed one",
			log.String("host", host))
		cert, err = SelfSignedCert(host)
		if err != nil {
			return nil, errors.Wrap(err, "generate self-signed certificate")
		}
	}
	conf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if s.ClientAuth {
		conf.ClientAuth = tls.RequireAndVerifyClientCert
		if s.TrustCertFile != "" {
			pool, err := certPool(s.TrustCertFile)
			if err != nil {
				return nil, err
			}
			conf.ClientCAs = pool
		}
	}
	return conf, nil
}

func clientTLS(s *config.SSLSpec, lg log.Log) (*tls.Config, error) {
	conf := &tls.Config{MinVersion: tls.VersionTLS12}
	if s.TrustCertFile != "" {
		pool, err := certPool(s.TrustCertFile)
		if err != nil {
			return nil, err
		}
		conf.RootCAs = pool
	} else {
		lg.Warn("no trust certificate configured, skipping server verification")
		conf.InsecureSkipVerify = true
	}
	if s.CertFile != "" && s.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "load client key pair")
		}
		conf.Certificates = []tls.Certificate{cert}
	}
	return conf, nil
}

func certPool(trustFile string) (*x509.CertPool, error) {
	pemBytes, err := os.ReadFile(trustFile)
	if err != nil {
		return nil, errors.Wrap(err, "read trust certificate")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, errors.Errorf("no certificates parsed from %s", trustFile)
	}
	return pool, nil
}

// SelfSignedCert generates a throwaway RSA certificate for the given host,
// valid for one year. Development use only.
func SelfSignedCert(host string) (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"gatewire"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	privBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	return tls.X509KeyPair(certPEM, keyPEM)
}
