package session

import (
	"crypto/x509"

	"github.com/asterisque/asterisque/trust"
	"github.com/asterisque/asterisque/wire"
)

// TrustAuthenticator is the handshake Authenticator spec.md §4.5 step 3
// names: decode the peer's sealed certificate as a trust.Envelope, check
// its signature, then verify the signer's chain against Context's trusted
// CA and blocked sets.
type TrustAuthenticator struct {
	Context *trust.Context
}

// NewTrustAuthenticator builds an Authenticator backed by ctx.
func NewTrustAuthenticator(ctx *trust.Context) *TrustAuthenticator {
	return &TrustAuthenticator{Context: ctx}
}

func (a *TrustAuthenticator) Authenticate(sealedCert []byte, _ *wire.PeerSession) error {
	env, err := trust.DecodeEnvelope(sealedCert)
	if err != nil {
		return err
	}
	if err := env.Verify(); err != nil {
		return err
	}
	return a.Context.VerifyChain([]*x509.Certificate{env.Signer})
}

var _ Authenticator = (*TrustAuthenticator)(nil)
