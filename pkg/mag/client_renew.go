package mag

import (
	"context"
	"crypto/x509"
	"fmt"
	"net/http"

	"github.com/gatewise/mag/pkg/certx"
)

// RenewDevice asks the gateway to reissue the device certificate. The call
// is a bodyless PUT authenticated solely by the existing client certificate
// over mTLS; the gateway accepts an expired certificate here because renewal
// is exactly the operation an expired certificate needs. Only a 200 yields a
// new chain. Any other response means the gateway refuses to renew and the
// device must re-register from scratch.
func (c *GatewayClient) RenewDevice(ctx context.Context) ([]*x509.Certificate, error) {
	magID, ok, err := c.store.MagIdentifier()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrDeviceNotRegistered
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.endpoint(pathRenewDevice), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(HeaderMagIdentifier, magID)
	req.Header.Set(HeaderCertFormat, "pem")

	resp, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapServerError(resp, body)
	}

	chain, err := certx.DecodeChainPEM(body)
	if err != nil {
		return nil, fmt.Errorf("mag: renew device: %w", err)
	}

	key, haveKey, err := c.store.PrivateKey()
	if err != nil {
		return nil, err
	}
	if haveKey && !certx.KeyMatchesCertificate(key, chain[0]) {
		return nil, fmt.Errorf("mag: renew device: renewed certificate does not match stored key")
	}
	return chain, nil
}
