// Package trust implements TrustContext (spec.md §4.4): a directory-backed
// CA/block-list verifier for peer certificates, plus the signed Envelope
// format used during the handshake (spec.md §4.1, §4.5).
//
// The directory layout and restartable reload-on-change behavior are
// grounded on cmd/relay-server/certmanager.go's autocert.DirCache-style
// pattern (a filesystem directory as the source of truth, re-read lazily
// rather than watched), and the certificate fields/signing shape are
// grounded on portal/corev2/identity/cert.go's CertificateV2 (canonical
// byte encoding + detached signature), adapted from Ed25519 to X.509/ECDSA
// since spec.md's TrustContext speaks of PEM certs and CA chains rather
// than a bespoke certificate format.
package trust

import (
	"crypto"
	"crypto/x509"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
)

// timeNow is a seam for tests that need to exercise expired/not-yet-valid
// certificates without depending on wall-clock time.
var timeNow = time.Now

// IdentityPair is a node's own key and certificate, unlocked from
// keystore.p12 (spec.md §4.4).
type IdentityPair struct {
	PrivateKey  crypto.Signer
	Certificate *x509.Certificate
}

// MaxCertSizeToRead caps how large a single PEM file TrustContext will
// parse; larger files are skipped with a warning (spec.md §4.4).
const MaxCertSizeToRead = 64 * 1024

// CertificateException is returned by Verify when a certificate fails
// validation.
type CertificateException struct {
	Path   string
	Reason string
}

func (e *CertificateException) Error() string {
	return errors.Newf("trust: certificate %q rejected: %s", e.Path, e.Reason).Error()
}

// Context is a loaded TrustContext: an optional own identity (key + cert,
// present only if a keystore exists) plus the trusted-CA and blocked sets
// derived from a directory's contents (spec.md §4.4).
type Context struct {
	dir    string
	caCache      *dirCertCache
	blockedCache *dirCertCache

	// Identity, non-nil only when dir/keystore.p12 exists.
	Identity *IdentityPair
}

// Load reads the TrustContext rooted at dir. alias/passphrase unlock
// keystore.p12 if present; a missing keystore is not an error — Identity
// is left nil and Context yields trust managers only (spec.md §4.4: "load
// ... returns a context that yields key managers (only if a keystore
// exists) and trust managers derived from the directory contents").
func Load(dir, alias, passphrase string) (*Context, error) {
	c := &Context{
		dir:          dir,
		caCache:      newDirCertCache(filepath.Join(dir, "ca")),
		blockedCache: newDirCertCache(filepath.Join(dir, "blocked")),
	}

	keystorePath := filepath.Join(dir, "keystore.p12")
	if _, err := os.Stat(keystorePath); err == nil {
		identity, err := loadIdentity(keystorePath, alias, passphrase)
		if err != nil {
			return nil, errors.Wrap(err, "trust: load keystore")
		}
		c.Identity = identity
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "trust: stat keystore")
	}

	return c, nil
}

// DeployTrustedCA copies the PEM file at source into dir/ca, atomically
// renaming it into place (spec.md §4.4). A file larger than
// MaxCertSizeToRead is skipped with a logged warning and never parsed.
func (c *Context) DeployTrustedCA(source string) error {
	return deployPEM(source, filepath.Join(c.dir, "ca"))
}

// DeployBlocked copies the PEM file at source into dir/blocked.
func (c *Context) DeployBlocked(source string) error {
	return deployPEM(source, filepath.Join(c.dir, "blocked"))
}

func deployPEM(source, destDir string) error {
	info, err := os.Stat(source)
	if err != nil {
		return errors.Wrap(err, "trust: stat source")
	}
	if info.Size() > MaxCertSizeToRead {
		log.Warn().Str("source", source).Int64("size", info.Size()).Msg("trust: certificate file too large, skipped")
		return nil
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return errors.Wrap(err, "trust: create directory")
	}

	data, err := os.ReadFile(source)
	if err != nil {
		return errors.Wrap(err, "trust: read source")
	}

	tmp, err := os.CreateTemp(destDir, ".deploy-*")
	if err != nil {
		return errors.Wrap(err, "trust: create temp file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "trust: write temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "trust: close temp file")
	}

	destPath := filepath.Join(destDir, filepath.Base(source))
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "trust: rename into place")
	}
	return nil
}

// Verify checks the certificate chain at certPath against this Context's
// trusted CA and blocked sets (spec.md §4.4): every certificate's validity
// window must include now, some trusted CA must sign a prefix of the
// chain, and no certificate in the chain (nor any ancestor reachable from
// it) may appear in the blocked set — the blocked set taking precedence
// over the trusted set.
func (c *Context) Verify(certPath string) error {
	chain, err := loadCertChain(certPath)
	if err != nil {
		return &CertificateException{Path: certPath, Reason: err.Error()}
	}
	if err := c.verifyChain(chain); err != nil {
		if ce, ok := err.(*CertificateException); ok {
			ce.Path = certPath
			return ce
		}
		return &CertificateException{Path: certPath, Reason: err.Error()}
	}
	return nil
}

// VerifyChain runs the same trusted-CA and blocked-set checks as Verify
// against an already-parsed in-memory certificate chain (leaf first), for
// callers that received the chain over the wire rather than read it from
// a file, such as the handshake's envelope-signer check (spec.md §4.5
// step 3).
func (c *Context) VerifyChain(chain []*x509.Certificate) error {
	return c.verifyChain(chain)
}

func (c *Context) verifyChain(chain []*x509.Certificate) error {
	if len(chain) == 0 {
		return &CertificateException{Reason: "empty certificate chain"}
	}

	blocked, err := c.blockedCache.pool()
	if err != nil {
		return &CertificateException{Reason: "loading blocked set: " + err.Error()}
	}
	for _, cert := range chain {
		if certInPool(cert, blocked.certs) {
			return &CertificateException{Reason: "certificate is blocked"}
		}
	}

	for _, cert := range chain {
		if err := validTimeWindow(cert); err != nil {
			return &CertificateException{Reason: err.Error()}
		}
	}

	cas, err := c.caCache.pool()
	if err != nil {
		return &CertificateException{Reason: "loading CA set: " + err.Error()}
	}

	opts := x509.VerifyOptions{Roots: cas.pool}
	leaf := chain[0]
	for _, intermediate := range chain[1:] {
		if opts.Intermediates == nil {
			opts.Intermediates = x509.NewCertPool()
		}
		opts.Intermediates.AddCert(intermediate)
	}
	chains, err := leaf.Verify(opts)
	if err != nil {
		return &CertificateException{Reason: "no trusted CA signs this chain: " + err.Error()}
	}
	for _, verified := range chains {
		for _, cert := range verified {
			if certInPool(cert, blocked.certs) {
				return &CertificateException{Reason: "certificate is blocked"}
			}
		}
	}

	return nil
}

func certInPool(cert *x509.Certificate, pool []*x509.Certificate) bool {
	for _, c := range pool {
		if c.Equal(cert) {
			return true
		}
	}
	return false
}

func validTimeWindow(cert *x509.Certificate) error {
	now := timeNow()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return errors.Newf("certificate %s outside validity window [%s, %s]", cert.Subject, cert.NotBefore, cert.NotAfter)
	}
	return nil
}
