package trust

import (
	"encoding/pem"
	"os"

	"crypto/x509"

	"github.com/cockroachdb/errors"
)

// loadCertChain reads one or more concatenated PEM-encoded certificates
// from path, leaf first, and parses them into an ordered chain.
func loadCertChain(path string) ([]*x509.Certificate, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "stat certificate file")
	}
	if info.Size() > MaxCertSizeToRead {
		return nil, errors.Newf("certificate file %q exceeds %d bytes, skipped", path, MaxCertSizeToRead)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read certificate file")
	}

	return parsePEMCertificates(data)
}

func parsePEMCertificates(data []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(err, "parse certificate")
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, errors.New("no PEM certificates found")
	}
	return chain, nil
}
